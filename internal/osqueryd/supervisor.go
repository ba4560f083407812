package osqueryd

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/hyprwatch/shadow-agent/internal/retry"
)

// State of the supervised osqueryd process.
type State string

const (
	StateIdle     State = "idle"
	StateStarting State = "starting"
	StateRunning  State = "running"
	StateCrashed  State = "crashed"
	StateStopping State = "stopping"
	StateStopped  State = "stopped"
)

// LaunchSpec is the immutable description of how to spawn osqueryd: the
// provisioned binary plus the generated flag set.
type LaunchSpec struct {
	Path string
	Args []string
}

// SupervisorOptions tune restart behavior. Zero values select the defaults.
type SupervisorOptions struct {
	// Backoff shapes the delay between crash restarts. MaxAttempts is
	// ignored: a persistently crashing daemon is retried forever, an
	// unattended fleet agent must keep trying rather than vanish.
	Backoff retry.Policy

	// StabilityThreshold is the continuous uptime after which the restart
	// counter resets, separating a crash loop from a one-off failure.
	StabilityThreshold time.Duration

	// GracePeriod bounds how long a shutdown waits for SIGTERM to work
	// before escalating to SIGKILL.
	GracePeriod time.Duration
}

// Snapshot is a point-in-time view of the supervised process for logging and
// the status endpoint.
type Snapshot struct {
	State     State     `json:"state"`
	PID       int       `json:"pid,omitempty"`
	Restarts  int       `json:"restarts"`
	LastExit  string    `json:"last_exit,omitempty"`
	LastStart time.Time `json:"last_start,omitzero"`
}

// Supervisor owns the osqueryd subprocess: spawn, crash restart with capped
// backoff, and graceful shutdown. No other component touches the process
// handle.
type Supervisor struct {
	logger *slog.Logger
	spec   LaunchSpec
	opts   SupervisorOptions

	mu        sync.Mutex
	state     State
	pid       int
	restarts  int
	lastExit  string
	lastStart time.Time
}

// NewSupervisor creates a Supervisor for the given launch spec.
func NewSupervisor(spec LaunchSpec, opts SupervisorOptions, logger *slog.Logger) *Supervisor {
	if opts.Backoff.BaseDelay == 0 {
		opts.Backoff = retry.Policy{BaseDelay: 1 * time.Second, MaxDelay: 30 * time.Second}
	}
	if opts.StabilityThreshold == 0 {
		opts.StabilityThreshold = 1 * time.Minute
	}
	if opts.GracePeriod == 0 {
		opts.GracePeriod = 10 * time.Second
	}
	return &Supervisor{
		logger: logger,
		spec:   spec,
		opts:   opts,
		state:  StateIdle,
	}
}

// Snapshot returns the current process state.
func (s *Supervisor) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{
		State:     s.state,
		PID:       s.pid,
		Restarts:  s.restarts,
		LastExit:  s.lastExit,
		LastStart: s.lastStart,
	}
}

// Run supervises osqueryd until ctx is cancelled. Crashes are absorbed and
// retried; only a shutdown request ends the loop. The returned error is
// always nil today but kept for interface stability with the coordinator.
func (s *Supervisor) Run(ctx context.Context) error {
	defer s.setState(StateStopped)

	for {
		if ctx.Err() != nil {
			return nil
		}

		s.setState(StateStarting)
		cmd := exec.Command(s.spec.Path, s.spec.Args...)
		cmd.Stdout = &lineWriter{logger: s.logger, stream: "stdout"}
		cmd.Stderr = &lineWriter{logger: s.logger, stream: "stderr"}
		// Don't let an orphaned grandchild holding the output pipes keep
		// Wait blocked past the grace period.
		cmd.WaitDelay = s.opts.GracePeriod

		if err := cmd.Start(); err != nil {
			s.recordCrash(fmt.Sprintf("spawn failed: %v", err))
			if !s.sleepBackoff(ctx) {
				return nil
			}
			continue
		}

		started := time.Now()
		s.markRunning(cmd.Process.Pid, started)
		s.logger.Info("osqueryd started", "pid", cmd.Process.Pid)

		exitCh := make(chan error, 1)
		go func() { exitCh <- cmd.Wait() }()

		// Fires once the process has been up long enough to count as stable.
		stableCh := time.After(s.opts.StabilityThreshold)

	running:
		for {
			select {
			case <-stableCh:
				stableCh = nil
				s.resetRestarts()
			case <-ctx.Done():
				s.setState(StateStopping)
				s.terminate(cmd, exitCh)
				return nil
			case err := <-exitCh:
				if time.Since(started) >= s.opts.StabilityThreshold {
					s.resetRestarts()
				}
				s.recordCrash(exitReason(err))
				break running
			}
		}

		if !s.sleepBackoff(ctx) {
			return nil
		}
	}
}

// terminate requests a graceful stop and escalates to SIGKILL after the
// grace period.
func (s *Supervisor) terminate(cmd *exec.Cmd, exitCh <-chan error) {
	s.logger.Info("stopping osqueryd", "pid", cmd.Process.Pid)

	if err := cmd.Process.Signal(syscall.SIGTERM); err != nil {
		s.logger.Warn("sigterm failed, killing", "err", err)
		_ = cmd.Process.Kill()
	}

	select {
	case <-exitCh:
		s.logger.Info("osqueryd stopped gracefully")
	case <-time.After(s.opts.GracePeriod):
		s.logger.Warn("osqueryd did not stop within grace period, killing")
		_ = cmd.Process.Kill()
		<-exitCh
	}
}

// sleepBackoff waits out the crash-restart delay. Returns false when the
// wait was cut short by shutdown.
func (s *Supervisor) sleepBackoff(ctx context.Context) bool {
	s.mu.Lock()
	attempt := s.restarts - 1
	s.mu.Unlock()

	delay := s.opts.Backoff.Delay(attempt)
	s.logger.Warn("restarting osqueryd after backoff", "delay", delay.String())

	select {
	case <-time.After(delay):
		return true
	case <-ctx.Done():
		return false
	}
}

func (s *Supervisor) setState(state State) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
}

func (s *Supervisor) markRunning(pid int, started time.Time) {
	s.mu.Lock()
	s.state = StateRunning
	s.pid = pid
	s.lastStart = started
	s.mu.Unlock()
}

func (s *Supervisor) recordCrash(reason string) {
	s.mu.Lock()
	s.state = StateCrashed
	s.pid = 0
	s.restarts++
	s.lastExit = reason
	restarts := s.restarts
	s.mu.Unlock()

	s.logger.Error("osqueryd crashed", "reason", reason, "restarts", restarts)
}

func (s *Supervisor) resetRestarts() {
	s.mu.Lock()
	if s.restarts != 0 {
		s.restarts = 0
		s.logger.Info("osqueryd stable, restart counter reset")
	}
	s.mu.Unlock()
}

func exitReason(err error) string {
	if err == nil {
		return "exited with status 0"
	}
	return err.Error()
}

// lineWriter forwards a child output stream into the agent log, one line per
// record. Partial lines are buffered until their newline arrives.
type lineWriter struct {
	logger *slog.Logger
	stream string
	buf    bytes.Buffer
}

func (w *lineWriter) Write(p []byte) (int, error) {
	w.buf.Write(p)
	for {
		line, err := w.buf.ReadString('\n')
		if err != nil {
			// Put the partial line back and wait for more.
			w.buf.WriteString(line)
			break
		}
		if line = trimNewline(line); line != "" {
			w.logger.Info("osqueryd", "stream", w.stream, "line", line)
		}
	}
	return len(p), nil
}

func trimNewline(s string) string {
	for len(s) > 0 && (s[len(s)-1] == '\n' || s[len(s)-1] == '\r') {
		s = s[:len(s)-1]
	}
	return s
}
