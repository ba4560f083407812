package provision

import (
	"archive/tar"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hyprwatch/shadow-agent/internal/release"
	"github.com/hyprwatch/shadow-agent/internal/retry"
	"github.com/hyprwatch/shadow-agent/internal/storage"
	"github.com/hyprwatch/shadow-agent/internal/verify"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testPolicy() retry.Policy {
	return retry.Policy{MaxAttempts: 2, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}
}

func digest(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func makeTarGz(t *testing.T, name string, content []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)
	require.NoError(t, tw.WriteHeader(&tar.Header{
		Name:     name,
		Mode:     0o755,
		Size:     int64(len(content)),
		Typeflag: tar.TypeReg,
	}))
	_, err := tw.Write(content)
	require.NoError(t, err)
	require.NoError(t, tw.Close())
	require.NoError(t, gz.Close())
	return buf.Bytes()
}

func archiveServer(t *testing.T, archive []byte, requests *atomic.Int32) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		w.Write(archive)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestEnsureDownloadsAndInstalls(t *testing.T) {
	store, err := storage.NewStore(t.TempDir())
	require.NoError(t, err)

	binary := []byte("#!/bin/sh\necho osqueryd\n")
	archive := makeTarGz(t, "opt/osquery/bin/osqueryd", binary)

	var requests atomic.Int32
	srv := archiveServer(t, archive, &requests)

	desc := release.Descriptor{
		OS: "linux", Arch: "amd64", Version: "5.20.0",
		URL:           srv.URL + "/osquery.tar.gz",
		Format:        release.FormatTarGz,
		ArchiveSHA256: digest(archive),
		BinarySHA256:  digest(binary),
		BinaryPath:    "opt/osquery/bin/osqueryd",
	}

	p, err := New(store, testPolicy(), false, testLogger())
	require.NoError(t, err)

	path, err := p.Ensure(context.Background(), desc)
	require.NoError(t, err)
	assert.Equal(t, store.BinaryPath(), path)
	assert.Equal(t, int32(1), requests.Load())

	installed, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, binary, installed)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.NotZero(t, info.Mode()&0o111, "installed binary must be executable")

	// No download leftovers inside the data dir.
	_, err = os.Stat(filepath.Join(store.DataDir(), "tmp"))
	assert.True(t, os.IsNotExist(err))
}

func TestEnsureCacheHitMakesNoNetworkCall(t *testing.T) {
	store, err := storage.NewStore(t.TempDir())
	require.NoError(t, err)

	binary := []byte("cached osqueryd build")
	require.NoError(t, os.MkdirAll(filepath.Dir(store.BinaryPath()), 0o755))
	require.NoError(t, os.WriteFile(store.BinaryPath(), binary, 0o755))

	var requests atomic.Int32
	srv := archiveServer(t, nil, &requests)

	desc := release.Descriptor{
		URL:           srv.URL + "/osquery.tar.gz",
		Format:        release.FormatTarGz,
		ArchiveSHA256: "unused",
		BinarySHA256:  digest(binary),
		BinaryPath:    "opt/osquery/bin/osqueryd",
	}

	p, err := New(store, testPolicy(), false, testLogger())
	require.NoError(t, err)

	path, err := p.Ensure(context.Background(), desc)
	require.NoError(t, err)
	assert.Equal(t, store.BinaryPath(), path)
	assert.Equal(t, int32(0), requests.Load(), "valid cache must short-circuit the download")
}

func TestEnsureCorruptedArchiveFails(t *testing.T) {
	store, err := storage.NewStore(t.TempDir())
	require.NoError(t, err)

	binary := []byte("osqueryd")
	archive := makeTarGz(t, "opt/osquery/bin/osqueryd", binary)

	var requests atomic.Int32
	srv := archiveServer(t, archive, &requests)

	desc := release.Descriptor{
		URL:           srv.URL + "/osquery.tar.gz",
		Format:        release.FormatTarGz,
		ArchiveSHA256: digest([]byte("what the server should have sent")),
		BinarySHA256:  digest(binary),
		BinaryPath:    "opt/osquery/bin/osqueryd",
	}

	p, err := New(store, testPolicy(), false, testLogger())
	require.NoError(t, err)

	_, err = p.Ensure(context.Background(), desc)
	require.ErrorIs(t, err, verify.ErrChecksumMismatch)

	_, err = os.Stat(store.BinaryPath())
	assert.True(t, os.IsNotExist(err), "no artifact may reach the cache path after a digest mismatch")
}

func TestEnsureTamperedBinaryFails(t *testing.T) {
	store, err := storage.NewStore(t.TempDir())
	require.NoError(t, err)

	binary := []byte("osqueryd")
	archive := makeTarGz(t, "opt/osquery/bin/osqueryd", binary)

	var requests atomic.Int32
	srv := archiveServer(t, archive, &requests)

	desc := release.Descriptor{
		URL:           srv.URL + "/osquery.tar.gz",
		Format:        release.FormatTarGz,
		ArchiveSHA256: digest(archive),
		BinarySHA256:  digest([]byte("the published binary digest")),
		BinaryPath:    "opt/osquery/bin/osqueryd",
	}

	p, err := New(store, testPolicy(), false, testLogger())
	require.NoError(t, err)

	_, err = p.Ensure(context.Background(), desc)
	require.ErrorIs(t, err, verify.ErrChecksumMismatch)

	_, err = os.Stat(store.BinaryPath())
	assert.True(t, os.IsNotExist(err))
}

func TestEnsureStaleCacheReprovisions(t *testing.T) {
	store, err := storage.NewStore(t.TempDir())
	require.NoError(t, err)

	// An older build occupies the cache.
	require.NoError(t, os.MkdirAll(filepath.Dir(store.BinaryPath()), 0o755))
	require.NoError(t, os.WriteFile(store.BinaryPath(), []byte("old build"), 0o755))

	binary := []byte("new build")
	archive := makeTarGz(t, "opt/osquery/bin/osqueryd", binary)

	var requests atomic.Int32
	srv := archiveServer(t, archive, &requests)

	desc := release.Descriptor{
		URL:           srv.URL + "/osquery.tar.gz",
		Format:        release.FormatTarGz,
		ArchiveSHA256: digest(archive),
		BinarySHA256:  digest(binary),
		BinaryPath:    "opt/osquery/bin/osqueryd",
	}

	p, err := New(store, testPolicy(), false, testLogger())
	require.NoError(t, err)

	path, err := p.Ensure(context.Background(), desc)
	require.NoError(t, err)
	assert.Equal(t, int32(1), requests.Load())

	installed, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, binary, installed)
}

func TestEnsureDownloadFailureExhaustsRetries(t *testing.T) {
	store, err := storage.NewStore(t.TempDir())
	require.NoError(t, err)

	var requests atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	desc := release.Descriptor{
		URL:           srv.URL + "/osquery.tar.gz",
		Format:        release.FormatTarGz,
		ArchiveSHA256: "aa",
		BinarySHA256:  "bb",
		BinaryPath:    "opt/osquery/bin/osqueryd",
	}

	p, err := New(store, testPolicy(), false, testLogger())
	require.NoError(t, err)

	_, err = p.Ensure(context.Background(), desc)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "OSQUERYD_PATH", "failure should point at the manual escape hatch")
	assert.Equal(t, int32(2), requests.Load(), "download retried to the attempt bound")
}
