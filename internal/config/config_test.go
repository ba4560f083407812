package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"SHADOW_ORG_TOKEN", "SHADOW_SERVER_HOST", "SHADOW_CA_CERT",
		"SHADOW_DATA_DIR", "OSQUERYD_PATH", "SHADOW_HOST_IDENTIFIER",
		"SHADOW_DISTRIBUTED_INTERVAL", "SHADOW_RELEASE_MANIFEST",
		"SHADOW_STATUS_ADDR", "SHADOW_SKIP_VERIFY", "SHADOW_VERBOSE",
	} {
		t.Setenv(key, "")
		os.Unsetenv(key)
	}
}

func TestLoadRequiresOrgToken(t *testing.T) {
	clearEnv(t)
	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "SHADOW_ORG_TOKEN")
}

func TestLoadDefaults(t *testing.T) {
	clearEnv(t)
	t.Setenv("SHADOW_ORG_TOKEN", "tok-123")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "tok-123", cfg.OrgToken)
	assert.Equal(t, "hyprwatch.cloud", cfg.ServerHost)
	assert.Equal(t, "https://hyprwatch.cloud", cfg.ServerURL)
	assert.Equal(t, "/var/lib/shadow", cfg.DataDir)
	assert.Equal(t, HostIdentifierUUID, cfg.HostIdentifier)
	assert.Equal(t, 10, cfg.DistributedInterval)
	assert.False(t, cfg.Verbose)
	assert.False(t, cfg.SkipVerify)
	assert.Empty(t, cfg.StatusAddr)
}

func TestLoadServerURLPassthrough(t *testing.T) {
	clearEnv(t)
	t.Setenv("SHADOW_ORG_TOKEN", "tok")
	t.Setenv("SHADOW_SERVER_HOST", "http://localhost:8080/")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "http://localhost:8080", cfg.ServerURL)
}

func TestLoadValidatesHostIdentifier(t *testing.T) {
	clearEnv(t)
	t.Setenv("SHADOW_ORG_TOKEN", "tok")
	t.Setenv("SHADOW_HOST_IDENTIFIER", "hostname")

	_, err := Load()
	require.Error(t, err)
}

func TestLoadValidatesDistributedInterval(t *testing.T) {
	for _, bad := range []string{"0", "-5", "ten"} {
		clearEnv(t)
		t.Setenv("SHADOW_ORG_TOKEN", "tok")
		t.Setenv("SHADOW_DISTRIBUTED_INTERVAL", bad)

		_, err := Load()
		require.Error(t, err, "interval %q", bad)
	}
}

func TestLoadValidatesOsquerydPath(t *testing.T) {
	clearEnv(t)
	t.Setenv("SHADOW_ORG_TOKEN", "tok")
	t.Setenv("OSQUERYD_PATH", filepath.Join(t.TempDir(), "missing"))

	_, err := Load()
	require.Error(t, err)
}

func TestLoadAcceptsExistingOsquerydPath(t *testing.T) {
	clearEnv(t)
	bin := filepath.Join(t.TempDir(), "osqueryd")
	require.NoError(t, os.WriteFile(bin, []byte("fake"), 0o755))

	t.Setenv("SHADOW_ORG_TOKEN", "tok")
	t.Setenv("OSQUERYD_PATH", bin)
	t.Setenv("SHADOW_HOST_IDENTIFIER", "instance")
	t.Setenv("SHADOW_DISTRIBUTED_INTERVAL", "30")
	t.Setenv("SHADOW_VERBOSE", "true")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, bin, cfg.OsquerydPath)
	assert.Equal(t, HostIdentifierInstance, cfg.HostIdentifier)
	assert.Equal(t, 30, cfg.DistributedInterval)
	assert.True(t, cfg.Verbose)
}
