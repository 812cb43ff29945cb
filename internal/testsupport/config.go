package testsupport

import (
	"os"
	"path/filepath"
	"testing"

	"runnerd/internal/config"
)

// ConfigOption allows callers to customize the generated test configuration.
type ConfigOption func(*configBuilder)

type configBuilder struct {
	t       testing.TB
	baseDir string
	cfg     *config.Config
}

// NewConfig produces a config seeded with unique temp directories per test.
// Every pipeline kind gets a stub script that echoes its arguments and exits
// zero; options can replace individual scripts with custom behavior.
func NewConfig(t testing.TB, opts ...ConfigOption) *config.Config {
	t.Helper()

	base := t.TempDir()
	cfgVal := config.Default()
	cfgVal.Paths.LogDir = filepath.Join(base, "logs")
	cfgVal.Paths.DataDir = filepath.Join(base, "data")
	cfgVal.Paths.SuiteRoot = filepath.Join(base, "suite")
	cfgVal.Paths.APIBind = "127.0.0.1:0"
	cfgVal.Pipeline.Interpreter = "/bin/sh"
	cfgVal.Pipeline.Timeout = 30
	cfgVal.Pipeline.GracePeriod = 1

	if err := os.MkdirAll(cfgVal.Paths.SuiteRoot, 0o755); err != nil {
		t.Fatalf("mkdir suite root: %v", err)
	}

	builder := &configBuilder{
		t:       t,
		baseDir: base,
		cfg:     &cfgVal,
	}

	for kind := range cfgVal.Pipeline.Scripts {
		WithScript(kind, "echo running $0\nexit 0\n")(builder)
	}

	for _, opt := range opts {
		opt(builder)
	}

	return builder.cfg
}

// WithScript writes a shell script for the given pipeline kind into the suite
// root and points the config at it. The body runs under /bin/sh with the
// rendered --key=value parameters as positional arguments.
func WithScript(kind, body string) ConfigOption {
	return func(b *configBuilder) {
		target := filepath.Join(b.cfg.Paths.SuiteRoot, kind+".sh")
		if err := os.WriteFile(target, []byte("#!/bin/sh\n"+body), 0o755); err != nil {
			b.t.Fatalf("write stub script %s: %v", kind, err)
		}
		if b.cfg.Pipeline.Scripts == nil {
			b.cfg.Pipeline.Scripts = map[string]string{}
		}
		b.cfg.Pipeline.Scripts[kind] = target
	}
}

// WithTimeout overrides the pipeline timeout in seconds.
func WithTimeout(seconds int) ConfigOption {
	return func(b *configBuilder) {
		b.cfg.Pipeline.Timeout = seconds
	}
}

// WithGracePeriod overrides the termination grace period in seconds.
func WithGracePeriod(seconds int) ConfigOption {
	return func(b *configBuilder) {
		b.cfg.Pipeline.GracePeriod = seconds
	}
}

// WithBufferLines overrides the per-job log ring capacity.
func WithBufferLines(lines int) ConfigOption {
	return func(b *configBuilder) {
		b.cfg.Logging.BufferLines = lines
	}
}

// BaseDir returns the root temp directory backing the generated config.
func BaseDir(cfg *config.Config) string {
	return filepath.Dir(cfg.Paths.SuiteRoot)
}
