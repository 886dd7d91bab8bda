package testsupport

import (
	"os"
	"path/filepath"
	"testing"

	"stemdeck/internal/config"
)

// ConfigOption allows callers to customize the generated test configuration.
type ConfigOption func(*configBuilder)

type configBuilder struct {
	t       testing.TB
	baseDir string
	cfg     *config.Config
}

// NewConfig produces a config seeded with unique temp directories per test.
// It defaults common fields and applies any provided options.
func NewConfig(t testing.TB, opts ...ConfigOption) *config.Config {
	t.Helper()

	base := t.TempDir()
	cfgVal := config.Default()
	cfgVal.Paths.DataDir = filepath.Join(base, "data")
	cfgVal.Paths.DownloadsDir = filepath.Join(base, "data", "downloads")
	cfgVal.Paths.StemsDir = filepath.Join(base, "data", "stems")
	cfgVal.Paths.LogDir = filepath.Join(base, "logs")
	cfgVal.Paths.SocketPath = shortSocketPath(t)
	cfgVal.Metrics.Enabled = false
	cfgVal.Metrics.Bind = "127.0.0.1:0"
	cfgVal.Broadcast.RedisEnabled = false
	cfgVal.Registry.PollIntervalMillis = 5
	cfgVal.Reservation.BackoffBaseMillis = 1
	cfgVal.Reservation.BackoffMaxMillis = 5
	cfgVal.Download.RetryDelayMillis = 1
	cfgVal.Extraction.MinFreeMB = 0

	builder := &configBuilder{
		t:       t,
		baseDir: base,
		cfg:     &cfgVal,
	}

	for _, opt := range opts {
		opt(builder)
	}

	return builder.cfg
}

// shortSocketPath keeps unix socket paths under the sun_path limit, which
// long test names in t.TempDir can exceed.
func shortSocketPath(t testing.TB) string {
	dir, err := os.MkdirTemp("", "sd")
	if err != nil {
		t.Fatalf("mkdir socket dir: %v", err)
	}
	t.Cleanup(func() { _ = os.RemoveAll(dir) })
	return filepath.Join(dir, "d.sock")
}

// WithGPU enables GPU mode with the given extraction cap.
func WithGPU(maxConcurrent int) ConfigOption {
	return func(b *configBuilder) {
		b.cfg.Extraction.GPU = true
		b.cfg.Extraction.GPUMaxConcurrent = maxConcurrent
	}
}

// WithDownloadConcurrency overrides the download cap.
func WithDownloadConcurrency(n int) ConfigOption {
	return func(b *configBuilder) {
		b.cfg.Download.MaxConcurrent = n
	}
}

// WithExtractionBinary points the separation engine at a script.
func WithExtractionBinary(path string) ConfigOption {
	return func(b *configBuilder) {
		b.cfg.Extraction.Binary = path
	}
}

// WithStubbedBinaries writes stub executables for the provided names and
// prepends them to PATH. If names is empty, the default external binaries
// are stubbed.
func WithStubbedBinaries(names ...string) ConfigOption {
	return func(b *configBuilder) {
		if len(names) == 0 {
			names = []string{b.cfg.Extraction.Binary, b.cfg.Download.Binary}
		}
		binDir := filepath.Join(b.baseDir, "bin")
		if err := os.MkdirAll(binDir, 0o755); err != nil {
			b.t.Fatalf("mkdir bin dir: %v", err)
		}
		script := []byte("#!/bin/sh\nexit 0\n")
		for _, name := range names {
			target := filepath.Join(binDir, name)
			if err := os.WriteFile(target, script, 0o755); err != nil {
				b.t.Fatalf("write stub %s: %v", name, err)
			}
		}

		oldPath := os.Getenv("PATH")
		if err := os.Setenv("PATH", binDir+string(os.PathListSeparator)+oldPath); err != nil {
			b.t.Fatalf("set PATH: %v", err)
		}
		b.t.Cleanup(func() {
			_ = os.Setenv("PATH", oldPath)
		})
	}
}

// BaseDir returns the root temp directory backing the generated config.
func BaseDir(cfg *config.Config) string {
	return filepath.Dir(cfg.Paths.DataDir)
}
