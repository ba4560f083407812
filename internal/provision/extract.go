package provision

import (
	"archive/tar"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/gzip"

	"github.com/hyprwatch/shadow-agent/internal/release"
)

// extract pulls the osqueryd binary out of the downloaded archive and writes
// it to dest.
func extract(ctx context.Context, desc release.Descriptor, archivePath, dest string) error {
	switch desc.Format {
	case release.FormatTarGz:
		return extractTarGz(archivePath, desc.BinaryPath, dest)
	case release.FormatPkg:
		return extractPkg(ctx, archivePath, desc.BinaryPath, dest)
	default:
		return fmt.Errorf("unknown archive format %q", desc.Format)
	}
}

func extractTarGz(archivePath, binaryPath, dest string) error {
	f, err := os.Open(archivePath)
	if err != nil {
		return fmt.Errorf("open archive: %w", err)
	}
	defer f.Close()

	gz, err := gzip.NewReader(f)
	if err != nil {
		return fmt.Errorf("read gzip: %w", err)
	}
	defer gz.Close()

	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("read tar: %w", err)
		}
		if hdr.Typeflag != tar.TypeReg {
			continue
		}
		name := strings.TrimPrefix(hdr.Name, "./")
		if name != binaryPath && !strings.HasSuffix(name, "/osqueryd") {
			continue
		}

		out, err := os.OpenFile(dest, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o700)
		if err != nil {
			return fmt.Errorf("create %s: %w", dest, err)
		}
		if _, err := io.Copy(out, tr); err != nil {
			out.Close()
			return fmt.Errorf("write %s: %w", dest, err)
		}
		return out.Close()
	}
	return fmt.Errorf("osqueryd not found in archive at %s", binaryPath)
}

// extractPkg expands a macOS .pkg with pkgutil and copies osqueryd out of the
// payload.
func extractPkg(ctx context.Context, pkgPath, binaryPath, dest string) error {
	expandDir := filepath.Join(filepath.Dir(pkgPath), "pkg_expand")
	// pkgutil --expand-full refuses to write into an existing directory.
	_ = os.RemoveAll(expandDir)
	defer os.RemoveAll(expandDir)

	out, err := exec.CommandContext(ctx, "pkgutil", "--expand-full", pkgPath, expandDir).CombinedOutput()
	if err != nil {
		return fmt.Errorf("pkgutil expand: %w: %s", err, strings.TrimSpace(string(out)))
	}

	src := filepath.Join(expandDir, "Payload", filepath.FromSlash(binaryPath))
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("osqueryd not found in pkg payload: %w", err)
	}
	defer in.Close()

	outFile, err := os.OpenFile(dest, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o700)
	if err != nil {
		return fmt.Errorf("create %s: %w", dest, err)
	}
	if _, err := io.Copy(outFile, in); err != nil {
		outFile.Close()
		return fmt.Errorf("write %s: %w", dest, err)
	}
	return outFile.Close()
}
