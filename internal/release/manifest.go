package release

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Manifest is an on-disk replacement for the compiled-in release table, for
// fleets that mirror osquery releases internally instead of reaching GitHub.
type Manifest struct {
	Releases []Descriptor `yaml:"releases"`
}

// LoadManifest parses a YAML release manifest.
func LoadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read release manifest: %w", err)
	}

	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse release manifest %s: %w", path, err)
	}

	for i, d := range m.Releases {
		if d.OS == "" || d.Arch == "" || d.URL == "" {
			return nil, fmt.Errorf("release manifest %s: entry %d is missing os, arch or url", path, i)
		}
		if d.Format != FormatTarGz && d.Format != FormatPkg {
			return nil, fmt.Errorf("release manifest %s: entry %d has unknown format %q", path, i, d.Format)
		}
	}
	return &m, nil
}

// Resolve returns the manifest entry for the given GOOS/GOARCH pair.
func (m *Manifest) Resolve(goos, goarch string) (Descriptor, error) {
	for _, d := range m.Releases {
		if d.OS == goos && d.Arch == goarch {
			return d, nil
		}
	}
	return Descriptor{}, fmt.Errorf("%w: %s/%s", ErrUnsupportedPlatform, goos, goarch)
}
