package storage

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// Store provides persistent file-based storage under the agent data directory.
// A single agent instance owns the directory; concurrent agents against the
// same data dir are not supported.
type Store struct {
	dataDir string
	mu      sync.Mutex
}

// NewStore creates a Store rooted at dataDir, ensuring the directory exists.
func NewStore(dataDir string) (*Store, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir %s: %w", dataDir, err)
	}
	return &Store{dataDir: dataDir}, nil
}

// DataDir returns the root of the store.
func (s *Store) DataDir() string { return s.dataDir }

// BinaryPath is the stable cache location of the provisioned osqueryd binary.
func (s *Store) BinaryPath() string { return filepath.Join(s.dataDir, "bin", "osqueryd") }

// SecretPath is where the enrollment secret is materialized for osqueryd.
func (s *Store) SecretPath() string { return filepath.Join(s.dataDir, "enroll_secret") }

// DatabasePath is the osqueryd RocksDB location.
func (s *Store) DatabasePath() string { return filepath.Join(s.dataDir, "osquery.db") }

// PIDFilePath is the osqueryd pidfile location.
func (s *Store) PIDFilePath() string { return filepath.Join(s.dataDir, "osquery.pid") }

// OsqueryLogDir is the directory osqueryd writes its filesystem logs to.
func (s *Store) OsqueryLogDir() string { return filepath.Join(s.dataDir, "osquery_logs") }

// AgentLogDir is the directory for the agent's own log sink.
func (s *Store) AgentLogDir() string { return filepath.Join(s.dataDir, "logs") }

// HostID returns the persisted host identifier, generating and persisting one
// on first use. The identifier is written once and never mutated afterwards,
// so every run (and every OS-level restart of the agent) presents the same
// identity to the control plane.
//
// mode "uuid" prefers the hardware UUID of the machine; mode "instance" is a
// random per-install identifier, for containers and VM fleets where hardware
// UUIDs are duplicated.
func (s *Store) HostID(mode string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	path := filepath.Join(s.dataDir, "host_id")
	if data, err := os.ReadFile(path); err == nil {
		if id := strings.TrimSpace(string(data)); id != "" {
			return id, nil
		}
	}

	var id string
	if mode == "uuid" {
		id = hardwareUUID()
	}
	if id == "" {
		id = uuid.NewString()
	}

	if err := os.WriteFile(path, []byte(id+"\n"), 0o600); err != nil {
		return "", fmt.Errorf("write host id: %w", err)
	}
	return id, nil
}

// WriteEnrollSecret materializes the enrollment secret for osqueryd. The file
// is created with owner-only permissions and truncated on every run; the
// secret is never passed on the command line where process listings would
// expose it.
func (s *Store) WriteEnrollSecret(secret string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	path := s.SecretPath()
	if err := os.WriteFile(path, []byte(secret), 0o600); err != nil {
		return fmt.Errorf("write enroll secret: %w", err)
	}
	// The file may predate this run with wider permissions.
	if err := os.Chmod(path, 0o600); err != nil {
		return fmt.Errorf("restrict enroll secret permissions: %w", err)
	}
	return nil
}
