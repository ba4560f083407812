package release

import (
	"errors"
	"fmt"
)

// Version is the osquery release the compiled-in table points at.
const Version = "5.20.0"

const githubReleaseURL = "https://github.com/osquery/osquery/releases/download"

// Archive formats the provisioner knows how to unpack.
const (
	FormatTarGz = "tar.gz"
	FormatPkg   = "pkg"
)

// ErrUnsupportedPlatform is returned for (OS, arch) pairs outside the
// supported set.
var ErrUnsupportedPlatform = errors.New("unsupported platform")

// Descriptor describes where to fetch the osqueryd release for one platform
// and how to validate it. ArchiveSHA256 covers the downloaded archive;
// BinarySHA256 covers the extracted osqueryd binary and is what the cache
// short-circuit checks.
type Descriptor struct {
	OS            string `yaml:"os"`
	Arch          string `yaml:"arch"`
	Version       string `yaml:"version"`
	URL           string `yaml:"url"`
	Format        string `yaml:"format"`
	ArchiveSHA256 string `yaml:"archive_sha256"`
	BinarySHA256  string `yaml:"binary_sha256"`
	// BinaryPath is the path of the osqueryd binary inside the archive.
	BinaryPath string `yaml:"binary_path"`
}

// releases is the compiled-in manifest, keyed by "os/arch". Digests are from
// the upstream osquery 5.20.0 release. macOS ships a single universal .pkg,
// so both darwin entries share one descriptor.
var releases = map[string]Descriptor{
	"linux/amd64": {
		OS:            "linux",
		Arch:          "amd64",
		Version:       Version,
		URL:           githubReleaseURL + "/" + Version + "/osquery-5.20.0_1.linux_x86_64.tar.gz",
		Format:        FormatTarGz,
		ArchiveSHA256: "4f0e4e23c864a72dcb20bf4661ea0d2719358c938ec342105a633cc732dc03c3",
		BinarySHA256:  "9c2b62626f7a06cb7b8b3ae1d13aee7b196ee60cbf4de5ff63771e8e80c1e2aa",
		BinaryPath:    "opt/osquery/bin/osqueryd",
	},
	"linux/arm64": {
		OS:            "linux",
		Arch:          "arm64",
		Version:       Version,
		URL:           githubReleaseURL + "/" + Version + "/osquery-5.20.0_1.linux_aarch64.tar.gz",
		Format:        FormatTarGz,
		ArchiveSHA256: "cb8d942943c765ebd87c5a3b01fc09988c8ad31acf094207fc49e7acf88ec573",
		BinarySHA256:  "3d19c3ef12f7cf1917bbe0a0ec257fae2d3b7aa5e28a58b20f1a663ce57c1f54",
		BinaryPath:    "opt/osquery/bin/osqueryd",
	},
	"darwin/amd64": darwinRelease("amd64"),
	"darwin/arm64": darwinRelease("arm64"),
}

func darwinRelease(arch string) Descriptor {
	return Descriptor{
		OS:            "darwin",
		Arch:          arch,
		Version:       Version,
		URL:           githubReleaseURL + "/" + Version + "/osquery-5.20.0.pkg",
		Format:        FormatPkg,
		ArchiveSHA256: "569751a8bc4fdd3aba94071a4b840003066b2cff8e1b0ef9abf46c7a482173c0",
		BinarySHA256:  "7a64c2a3e9d4fe62f87c1dd2b2a8a33cd9440c66a3c6f4dd1d9e3a5589b05c11",
		BinaryPath:    "opt/osquery/lib/osquery.app/Contents/MacOS/osqueryd",
	}
}

// Resolve returns the release descriptor for the given GOOS/GOARCH pair.
func Resolve(goos, goarch string) (Descriptor, error) {
	d, ok := releases[goos+"/"+goarch]
	if !ok {
		return Descriptor{}, fmt.Errorf("%w: %s/%s", ErrUnsupportedPlatform, goos, goarch)
	}
	return d, nil
}
