package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestDefaultDataDirOverrides(t *testing.T) {
	t.Run("COURIER_DATA_DIR wins", func(t *testing.T) {
		t.Setenv("COURIER_DATA_DIR", "/srv/courier-data")
		t.Setenv("XDG_DATA_HOME", "/custom/data")
		if got := DefaultDataDir(); got != "/srv/courier-data" {
			t.Errorf("got %s", got)
		}
	})
	t.Run("XDG_DATA_HOME", func(t *testing.T) {
		t.Setenv("COURIER_DATA_DIR", "")
		t.Setenv("XDG_DATA_HOME", "/custom/data")
		if got := DefaultDataDir(); got != "/custom/data/courier" {
			t.Errorf("got %s", got)
		}
	})
}

func TestDefaultDataDirNoHome(t *testing.T) {
	t.Setenv("COURIER_DATA_DIR", "")
	t.Setenv("HOME", "")
	if got := DefaultDataDir(); got != "./data" {
		t.Errorf("expected fallback to './data', got %s", got)
	}
}

func TestDefaultDataDirShape(t *testing.T) {
	t.Setenv("COURIER_DATA_DIR", "")
	t.Setenv("XDG_DATA_HOME", "")
	got := DefaultDataDir()
	if got == "./data" {
		t.Skip("no home directory in this environment")
	}
	if !filepath.IsAbs(got) || !strings.HasSuffix(got, "courier") {
		t.Errorf("want absolute path ending in courier, got %s", got)
	}
	if got != DefaultDataDir() {
		t.Errorf("DefaultDataDir should be stable")
	}
}

func TestIsDir(t *testing.T) {
	tests := []struct {
		name     string
		path     string
		expected bool
	}{
		{"existing directory", ".", true},
		{"non-existent path", "/non/existent/path/that/does/not/exist", false},
		{"file instead of directory", os.Args[0], false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := isDir(tt.path); got != tt.expected {
				t.Errorf("isDir(%s) = %v, expected %v", tt.path, got, tt.expected)
			}
		})
	}
}
