package core

import (
	"os"
	"path/filepath"
)

// GetDataDirectory picks a writable home for the registration database
// and the audit journal. System locations are preferred; a daemon
// running unprivileged (development, tests) falls back to per-user and
// temp locations.
func GetDataDirectory() string {
	candidates := []string{
		"/var/lib/kiosk-terminal",
		"/usr/local/var/kiosk-terminal",
	}
	if home, err := os.UserHomeDir(); err == nil {
		candidates = append(candidates, filepath.Join(home, ".local", "share", "kiosk-terminal"))
	}
	candidates = append(candidates, filepath.Join(os.TempDir(), "kiosk-terminal"))

	for _, path := range candidates {
		if writableDir(path) {
			return path
		}
	}

	for _, path := range []string{"./data", "./test_data"} {
		if err := os.MkdirAll(path, 0o755); err == nil {
			return path
		}
	}

	// Last resort - current directory
	return "."
}

// writableDir creates the directory if needed and proves write access,
// since MkdirAll succeeds on an existing read-only directory.
func writableDir(path string) bool {
	if err := os.MkdirAll(path, 0o755); err != nil {
		return false
	}
	probe := filepath.Join(path, ".write_probe")
	f, err := os.Create(probe)
	if err != nil {
		return false
	}
	_ = f.Close()
	_ = os.Remove(probe)
	return true
}
