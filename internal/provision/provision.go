package provision

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"

	"github.com/hyprwatch/shadow-agent/internal/release"
	"github.com/hyprwatch/shadow-agent/internal/retry"
	"github.com/hyprwatch/shadow-agent/internal/storage"
	"github.com/hyprwatch/shadow-agent/internal/verify"
)

// Provisioner guarantees a verified, executable osqueryd binary at the
// store's cache path. It only ever writes inside the data directory.
type Provisioner struct {
	store      *storage.Store
	http       *http.Client
	logger     *slog.Logger
	skipVerify bool
}

// New creates a Provisioner. Downloads are retried per policy; skipVerify
// disables digest checks and exists for development only.
func New(store *storage.Store, policy retry.Policy, skipVerify bool, logger *slog.Logger) (*Provisioner, error) {
	httpClient, err := policy.NewHTTPClient(nil)
	if err != nil {
		return nil, fmt.Errorf("provisioner: %w", err)
	}
	return &Provisioner{
		store:      store,
		http:       httpClient,
		logger:     logger,
		skipVerify: skipVerify,
	}, nil
}

// Ensure returns the path of a verified osqueryd binary, downloading and
// installing the release described by desc if the cache is empty or stale.
// A cached binary whose digest matches desc is returned without any network
// access.
func (p *Provisioner) Ensure(ctx context.Context, desc release.Descriptor) (string, error) {
	binPath := p.store.BinaryPath()

	if cached, err := p.cachedBinaryValid(binPath, desc); err != nil {
		return "", err
	} else if cached {
		p.logger.Info("osqueryd already provisioned", "path", binPath, "version", desc.Version)
		return binPath, nil
	}

	if err := p.downloadAndInstall(ctx, desc, binPath); err != nil {
		return "", err
	}

	p.logger.Info("osqueryd provisioned", "path", binPath, "version", desc.Version)
	return binPath, nil
}

// cachedBinaryValid reports whether a binary already sits at binPath with the
// expected digest. A digest mismatch is not fatal here: the cache is simply
// considered stale and re-provisioned.
func (p *Provisioner) cachedBinaryValid(binPath string, desc release.Descriptor) (bool, error) {
	info, err := os.Stat(binPath)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("stat cached binary: %w", err)
	}
	if info.IsDir() {
		return false, fmt.Errorf("cached binary path %s is a directory", binPath)
	}

	if p.skipVerify {
		return info.Mode()&0o111 != 0, nil
	}

	if err := verify.File(binPath, desc.BinarySHA256); err != nil {
		p.logger.Warn("cached osqueryd failed verification, re-provisioning",
			"path", binPath,
			"err", err,
		)
		return false, nil
	}
	return true, nil
}

func (p *Provisioner) downloadAndInstall(ctx context.Context, desc release.Descriptor, binPath string) error {
	tmpDir := filepath.Join(p.store.DataDir(), "tmp")
	if err := os.MkdirAll(tmpDir, 0o755); err != nil {
		return fmt.Errorf("create temp dir: %w", err)
	}
	defer os.RemoveAll(tmpDir)

	archivePath := filepath.Join(tmpDir, filepath.Base(desc.URL))
	if err := p.download(ctx, desc.URL, archivePath); err != nil {
		return fmt.Errorf("download osquery %s: %w (set OSQUERYD_PATH to use a pre-installed binary instead)", desc.Version, err)
	}

	if !p.skipVerify {
		if err := verify.File(archivePath, desc.ArchiveSHA256); err != nil {
			return fmt.Errorf("verify downloaded archive: %w", err)
		}
	}

	extracted := filepath.Join(tmpDir, "osqueryd.extracted")
	if err := extract(ctx, desc, archivePath, extracted); err != nil {
		return fmt.Errorf("extract osqueryd: %w", err)
	}

	if !p.skipVerify {
		if err := verify.File(extracted, desc.BinarySHA256); err != nil {
			return fmt.Errorf("verify extracted binary: %w", err)
		}
	}

	if err := os.Chmod(extracted, 0o755); err != nil {
		return fmt.Errorf("mark osqueryd executable: %w", err)
	}

	// Only a fully verified binary ever reaches the cache path, and the
	// rename makes the install atomic.
	if err := os.MkdirAll(filepath.Dir(binPath), 0o755); err != nil {
		return fmt.Errorf("create bin dir: %w", err)
	}
	if err := os.Rename(extracted, binPath); err != nil {
		return fmt.Errorf("install osqueryd: %w", err)
	}
	return nil
}

func (p *Provisioner) download(ctx context.Context, url, dest string) error {
	p.logger.Info("downloading osquery release", "url", url)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("create download request: %w", err)
	}

	resp, err := p.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("download returned %d", resp.StatusCode)
	}

	f, err := os.Create(dest)
	if err != nil {
		return fmt.Errorf("create download file: %w", err)
	}
	defer f.Close()

	if _, err := io.Copy(f, resp.Body); err != nil {
		return fmt.Errorf("write download: %w", err)
	}
	return nil
}
