package config

import (
	"os"
	"path/filepath"
)

// DefaultDataDir picks where the pebble database lives when --data-dir is
// not given. COURIER_DATA_DIR wins, then XDG_DATA_HOME, then the usual
// per-OS locations, then ~/.courier.
func DefaultDataDir() string {
	if dir := os.Getenv("COURIER_DATA_DIR"); dir != "" {
		return dir
	}
	homeDir, err := os.UserHomeDir()
	if err != nil || homeDir == "" {
		return "./data"
	}
	if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
		return filepath.Join(xdg, "courier")
	}
	candidates := []struct{ marker, dir string }{
		{"/var/lib", "/var/lib/courier"},
		{filepath.Join(homeDir, "Library"), filepath.Join(homeDir, "Library", "Application Support", "courier")},
		{filepath.Join(homeDir, "AppData"), filepath.Join(homeDir, "AppData", "Local", "courier")},
	}
	for _, c := range candidates {
		if isDir(c.marker) {
			return c.dir
		}
	}
	return filepath.Join(homeDir, ".courier")
}

func isDir(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}
