package serverrun

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	cfgpkg "github.com/rzbill/courier/internal/config"
	pebblestore "github.com/rzbill/courier/internal/storage/pebble"
	logpkg "github.com/rzbill/courier/pkg/log"
)

func TestStoreDir(t *testing.T) {
	tests := []struct {
		name    string
		dataDir string
		want    string
	}{
		{name: "provided data dir", dataDir: "/custom/data", want: filepath.Join("/custom/data", "store")},
		{name: "empty data dir uses default", dataDir: "", want: filepath.Join(cfgpkg.DefaultDataDir(), "store")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("COURIER_DATA_DIR", "")
			got := Options{DataDir: tt.dataDir}.storeDir()
			if got != tt.want {
				t.Errorf("storeDir() = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestNewLoggerFallback(t *testing.T) {
	l := newLogger(logpkg.Config{Level: "debug", Format: "nope"})
	if l == nil {
		t.Fatal("nil logger")
	}
	if l.GetLevel() != logpkg.DebugLevel {
		t.Errorf("level = %v, want debug", l.GetLevel())
	}
}

func TestRunRejectsInvalidConfig(t *testing.T) {
	cfg := cfgpkg.Default()
	cfg.Delivery.Workers = 0
	err := Run(context.Background(), Options{DataDir: t.TempDir(), Fsync: pebblestore.FsyncModeNever, Config: cfg})
	if err == nil {
		t.Fatal("expected config error")
	}
}

// TestRunIntegration starts both servers on ephemeral ports and stops them.
func TestRunIntegration(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}
	cfg := cfgpkg.Default()
	cfg.Log.Level = "error"
	opts := Options{
		DataDir:  t.TempDir(),
		GRPCAddr: "127.0.0.1:0",
		HTTPAddr: "127.0.0.1:0",
		Fsync:    pebblestore.FsyncModeNever,
		Config:   cfg,
	}
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	if err := Run(ctx, opts); err != nil {
		t.Errorf("Run: %v", err)
	}
}
