package agent

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"time"

	"github.com/hyprwatch/shadow-agent/internal/config"
	"github.com/hyprwatch/shadow-agent/internal/enroll"
	"github.com/hyprwatch/shadow-agent/internal/osqueryd"
	"github.com/hyprwatch/shadow-agent/internal/provision"
	"github.com/hyprwatch/shadow-agent/internal/release"
	"github.com/hyprwatch/shadow-agent/internal/retry"
	"github.com/hyprwatch/shadow-agent/internal/server"
	"github.com/hyprwatch/shadow-agent/internal/storage"
)

// Agent is the top-level coordinator. It sequences the one-shot phases
// (identity, enrollment, provisioning, flag generation) and then hands the
// run over to the process supervisor until shutdown.
type Agent struct {
	cfg    *config.Config
	logger *slog.Logger

	store       *storage.Store
	enroller    *enroll.Client
	provisioner *provision.Provisioner
}

// New creates and wires all agent subsystems.
func New(cfg *config.Config, logger *slog.Logger) (*Agent, error) {
	store, err := storage.NewStore(cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("init storage: %w", err)
	}

	var caPEM []byte
	if cfg.CACertPath != "" {
		caPEM, err = os.ReadFile(cfg.CACertPath)
		if err != nil {
			return nil, fmt.Errorf("read CA bundle: %w", err)
		}
	}

	enroller, err := enroll.NewClient(cfg.ServerURL, caPEM, retry.DefaultPolicy(), logger)
	if err != nil {
		return nil, err
	}

	provisioner, err := provision.New(store, retry.DefaultPolicy(), cfg.SkipVerify, logger)
	if err != nil {
		return nil, err
	}

	return &Agent{
		cfg:         cfg,
		logger:      logger,
		store:       store,
		enroller:    enroller,
		provisioner: provisioner,
	}, nil
}

// Run executes the agent lifecycle. It blocks until ctx is cancelled by a
// termination signal, or until a one-shot phase fails fatally.
func (a *Agent) Run(ctx context.Context) error {
	hostID, err := a.store.HostID(a.cfg.HostIdentifier)
	if err != nil {
		return fmt.Errorf("host identity: %w", err)
	}
	a.logger.Info("host identity",
		"host_id", hostID,
		"mode", a.cfg.HostIdentifier,
	)

	result, err := a.enroller.Enroll(ctx, hostID, a.cfg.OrgToken)
	if err != nil {
		return fmt.Errorf("enrollment: %w", err)
	}

	binPath, err := a.ensureBinary(ctx)
	if err != nil {
		return fmt.Errorf("provisioning: %w", err)
	}

	if err := a.store.WriteEnrollSecret(result.Secret); err != nil {
		return err
	}

	if err := os.MkdirAll(a.store.OsqueryLogDir(), 0o755); err != nil {
		return fmt.Errorf("create osquery log dir: %w", err)
	}

	caPath := a.cfg.CACertPath
	if caPath == "" {
		caPath = osqueryd.DefaultCABundle()
	}

	spec := osqueryd.LaunchSpec{
		Path: binPath,
		Args: osqueryd.Args(osqueryd.Options{
			ServerHost:          a.cfg.ServerHost,
			CACertPath:          caPath,
			SecretPath:          a.store.SecretPath(),
			DatabasePath:        a.store.DatabasePath(),
			PIDFilePath:         a.store.PIDFilePath(),
			LoggerPath:          a.store.OsqueryLogDir(),
			HostIdentifier:      a.cfg.HostIdentifier,
			DistributedInterval: a.cfg.DistributedInterval,
			Verbose:             a.cfg.Verbose,
		}),
	}

	sup := osqueryd.NewSupervisor(spec, osqueryd.SupervisorOptions{}, a.logger)

	if a.cfg.StatusAddr != "" {
		statusServer := server.New(a.cfg.StatusAddr, hostID, sup, a.logger)
		go func() {
			if err := statusServer.Start(); err != nil {
				a.logger.Error("status server failed", "err", err)
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := statusServer.Shutdown(shutdownCtx); err != nil {
				a.logger.Error("status server shutdown error", "err", err)
			}
		}()
		a.logger.Info("status endpoint listening", "addr", a.cfg.StatusAddr)
	}

	a.logger.Info("agent ready, starting osqueryd supervision",
		"binary", binPath,
		"server", a.cfg.ServerHost,
	)
	return sup.Run(ctx)
}

// ensureBinary resolves where osqueryd comes from: an operator-supplied path
// (trusted as-is), or the release cache, downloading and verifying on a
// fresh host.
func (a *Agent) ensureBinary(ctx context.Context) (string, error) {
	if a.cfg.OsquerydPath != "" {
		a.logger.Info("using operator-supplied osqueryd", "path", a.cfg.OsquerydPath)
		return a.cfg.OsquerydPath, nil
	}

	desc, err := a.resolveRelease()
	if err != nil {
		return "", err
	}
	return a.provisioner.Ensure(ctx, desc)
}

func (a *Agent) resolveRelease() (release.Descriptor, error) {
	if a.cfg.ReleaseManifest != "" {
		m, err := release.LoadManifest(a.cfg.ReleaseManifest)
		if err != nil {
			return release.Descriptor{}, err
		}
		return m.Resolve(runtime.GOOS, runtime.GOARCH)
	}
	return release.Resolve(runtime.GOOS, runtime.GOARCH)
}
