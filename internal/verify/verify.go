package verify

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
)

// ErrChecksumMismatch is returned when a file's SHA-256 digest does not match
// the expected value. A binary that fails this check must never be installed
// or executed.
var ErrChecksumMismatch = errors.New("checksum mismatch")

// FileSHA256 computes the hex-encoded SHA-256 digest of the file at path.
func FileSHA256(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("read %s: %w", path, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// File checks the file at path against an expected hex SHA-256 digest.
// It is the single verification routine for both the binary-cache check and
// the post-download check, so the two can never diverge.
func File(path, expected string) error {
	got, err := FileSHA256(path)
	if err != nil {
		return err
	}
	if !strings.EqualFold(got, expected) {
		return fmt.Errorf("%s: %w: expected %s, got %s", path, ErrChecksumMismatch, expected, got)
	}
	return nil
}
