package storage

import (
	"os"
	"os/exec"
	"regexp"
	"runtime"
	"strings"
)

var ioPlatformUUIDRe = regexp.MustCompile(`"IOPlatformUUID"\s*=\s*"([0-9A-Fa-f-]+)"`)

// hardwareUUID returns the machine's hardware UUID, or "" when it cannot be
// determined (the caller falls back to a random identifier).
func hardwareUUID() string {
	switch runtime.GOOS {
	case "linux":
		data, err := os.ReadFile("/sys/class/dmi/id/product_uuid")
		if err != nil {
			return ""
		}
		return strings.ToLower(strings.TrimSpace(string(data)))
	case "darwin":
		out, err := exec.Command("ioreg", "-rd1", "-c", "IOPlatformExpertDevice").Output()
		if err != nil {
			return ""
		}
		if m := ioPlatformUUIDRe.FindSubmatch(out); m != nil {
			return strings.ToLower(string(m[1]))
		}
		return ""
	default:
		return ""
	}
}
