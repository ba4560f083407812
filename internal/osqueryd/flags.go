package osqueryd

import (
	"os"
	"runtime"
	"strconv"
)

// The five control-plane endpoints osqueryd talks to over TLS. All are rooted
// under the same server hostname the agent enrolled with.
const (
	enrollEndpoint           = "/api/osquery/enroll"
	configEndpoint           = "/api/osquery/config"
	loggerEndpoint           = "/api/osquery/log"
	distributedReadEndpoint  = "/api/osquery/distributed/read"
	distributedWriteEndpoint = "/api/osquery/distributed/write"
)

// Options carries everything the generated osqueryd flag set depends on.
type Options struct {
	// ServerHost is the TLS hostname of the control plane.
	ServerHost string

	// CACertPath is the CA bundle passed to --tls_server_certs. Empty means
	// osqueryd uses its built-in roots.
	CACertPath string

	// SecretPath is the restricted-permission file holding the enrollment
	// secret. The secret value itself never appears in the argument list.
	SecretPath string

	DatabasePath string
	PIDFilePath  string
	LoggerPath   string

	// HostIdentifier is "uuid" or "instance" and must match the identity the
	// agent enrolled with.
	HostIdentifier string

	// DistributedInterval is the distributed-query polling interval, seconds.
	DistributedInterval int

	Verbose bool
}

// Args renders the complete osqueryd argument list. It is pure and
// deterministic: identical options always produce an identical list, which is
// what lets a crash restart reproduce the exact configuration without
// re-deriving anything.
func Args(o Options) []string {
	args := []string{
		"--config_plugin", "tls",
		"--tls_hostname", o.ServerHost,
	}

	if o.CACertPath != "" {
		args = append(args, "--tls_server_certs", o.CACertPath)
	}

	args = append(args,
		"--enroll_tls_endpoint", enrollEndpoint,
		"--config_tls_endpoint", configEndpoint,
		"--enroll_secret_path", o.SecretPath,

		"--logger_plugin", "tls",
		"--logger_tls_endpoint", loggerEndpoint,

		"--disable_distributed", "false",
		"--distributed_plugin", "tls",
		"--distributed_interval", strconv.Itoa(o.DistributedInterval),
		"--distributed_tls_max_attempts", "10",
		"--distributed_tls_read_endpoint", distributedReadEndpoint,
		"--distributed_tls_write_endpoint", distributedWriteEndpoint,

		"--pidfile", o.PIDFilePath,
		"--logger_path", o.LoggerPath,
		"--database_path", o.DatabasePath,

		"--host_identifier", o.HostIdentifier,
	)

	if o.Verbose {
		args = append(args, "--verbose", "true", "--logger_stderr", "true")
	}

	return args
}

// DefaultCABundle returns the platform CA bundle path, or "" when the
// platform default does not exist.
func DefaultCABundle() string {
	var path string
	switch runtime.GOOS {
	case "darwin":
		path = "/etc/ssl/cert.pem"
	case "linux":
		path = "/etc/ssl/certs/ca-certificates.crt"
	default:
		return ""
	}
	if _, err := os.Stat(path); err != nil {
		return ""
	}
	return path
}
