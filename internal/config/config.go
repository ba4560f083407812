package config

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// Build-time variables injected via -ldflags.
var (
	Version   = "dev"
	BuildTime = "unknown"
)

// Host identifier modes. "uuid" uses the hardware UUID; "instance" uses a
// random per-install identifier, for containers and VMs where hardware UUIDs
// collide.
const (
	HostIdentifierUUID     = "uuid"
	HostIdentifierInstance = "instance"
)

// Config holds all agent configuration loaded from environment variables.
// It is immutable for the lifetime of a run.
type Config struct {
	// OrgToken is the organization token presented at enrollment.
	OrgToken string

	// ServerHost is the control-plane hostname. ServerURL is the derived
	// base URL used for enrollment.
	ServerHost string
	ServerURL  string

	// CACertPath optionally pins the TLS roots for both the agent's own
	// requests and osqueryd's TLS plugins.
	CACertPath string

	// DataDir is the root directory for the binary cache, database, logs
	// and the enrollment secret file.
	DataDir string

	// OsquerydPath, when set, skips provisioning entirely and runs the
	// given binary. Escape hatch for hosts where downloads are blocked.
	OsquerydPath string

	// HostIdentifier selects how the host identity is derived.
	HostIdentifier string

	// DistributedInterval is the distributed-query polling interval in
	// seconds.
	DistributedInterval int

	// ReleaseManifest optionally replaces the compiled-in release table
	// with a YAML manifest, for internally mirrored releases.
	ReleaseManifest string

	// StatusAddr enables the local status HTTP endpoint when non-empty,
	// e.g. "127.0.0.1:9707".
	StatusAddr string

	// SkipVerify disables digest verification. Development only.
	SkipVerify bool

	// Verbose enables debug logging for the agent and osqueryd.
	Verbose bool
}

// DefaultConfig returns a Config populated with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		ServerHost:          "hyprwatch.cloud",
		DataDir:             "/var/lib/shadow",
		HostIdentifier:      HostIdentifierUUID,
		DistributedInterval: 10,
	}
}

// Load reads configuration from environment variables, applying defaults for
// anything not explicitly set. Returns an error if required values are
// missing or malformed.
func Load() (*Config, error) {
	cfg := DefaultConfig()

	cfg.OrgToken = strings.TrimSpace(os.Getenv("SHADOW_ORG_TOKEN"))
	if cfg.OrgToken == "" {
		return nil, fmt.Errorf("SHADOW_ORG_TOKEN is required")
	}

	if v := os.Getenv("SHADOW_SERVER_HOST"); v != "" {
		cfg.ServerHost = v
	}
	// A full URL is accepted for development against non-TLS servers;
	// production deployments set a bare hostname and get HTTPS.
	if strings.Contains(cfg.ServerHost, "://") {
		cfg.ServerURL = strings.TrimSuffix(cfg.ServerHost, "/")
	} else {
		cfg.ServerURL = "https://" + cfg.ServerHost
	}

	cfg.CACertPath = os.Getenv("SHADOW_CA_CERT")
	if cfg.CACertPath != "" {
		if _, err := os.Stat(cfg.CACertPath); err != nil {
			return nil, fmt.Errorf("SHADOW_CA_CERT: %w", err)
		}
	}

	if v := os.Getenv("SHADOW_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}

	cfg.OsquerydPath = os.Getenv("OSQUERYD_PATH")
	if cfg.OsquerydPath != "" {
		if _, err := os.Stat(cfg.OsquerydPath); err != nil {
			return nil, fmt.Errorf("OSQUERYD_PATH: osqueryd not found: %w", err)
		}
	}

	if v := os.Getenv("SHADOW_HOST_IDENTIFIER"); v != "" {
		if v != HostIdentifierUUID && v != HostIdentifierInstance {
			return nil, fmt.Errorf("SHADOW_HOST_IDENTIFIER must be %q or %q, got %q",
				HostIdentifierUUID, HostIdentifierInstance, v)
		}
		cfg.HostIdentifier = v
	}

	if v := os.Getenv("SHADOW_DISTRIBUTED_INTERVAL"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return nil, fmt.Errorf("SHADOW_DISTRIBUTED_INTERVAL must be a positive integer, got %q", v)
		}
		cfg.DistributedInterval = n
	}

	cfg.ReleaseManifest = os.Getenv("SHADOW_RELEASE_MANIFEST")
	cfg.StatusAddr = os.Getenv("SHADOW_STATUS_ADDR")
	cfg.SkipVerify = os.Getenv("SHADOW_SKIP_VERIFY") == "true"
	cfg.Verbose = os.Getenv("SHADOW_VERBOSE") == "true"

	return cfg, nil
}

// NewLogger creates a structured logger writing to stdout and the agent log
// file under the data directory.
func NewLogger(cfg *Config) (*slog.Logger, error) {
	logDir := filepath.Join(cfg.DataDir, "logs")
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}

	logPath := filepath.Join(logDir, "agent.log")
	file, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open log file %s: %w", logPath, err)
	}

	level := slog.LevelInfo
	if cfg.Verbose {
		level = slog.LevelDebug
	}

	handler := slog.NewJSONHandler(io.MultiWriter(os.Stdout, file), &slog.HandlerOptions{Level: level})
	return slog.New(handler), nil
}
