package config_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"runnerd/internal/config"
)

func TestLoadWithoutFileUsesDefaultsAndExpandsPaths(t *testing.T) {
	tempHome := t.TempDir()
	t.Setenv("HOME", tempHome)

	cfg, resolved, exists, err := config.Load("")
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if resolved == "" {
		t.Fatal("expected resolved path")
	}
	if exists {
		t.Fatal("expected config file to be absent in temp HOME")
	}

	wantLogs := filepath.Join(tempHome, ".local", "share", "runnerd", "logs")
	if cfg.Paths.LogDir != wantLogs {
		t.Fatalf("unexpected log dir: got %q want %q", cfg.Paths.LogDir, wantLogs)
	}
	if cfg.Paths.APIBind != "127.0.0.1:5050" {
		t.Fatalf("unexpected api bind: %q", cfg.Paths.APIBind)
	}
	if cfg.Pipeline.Interpreter != "python3" {
		t.Fatalf("unexpected interpreter: %q", cfg.Pipeline.Interpreter)
	}
	if cfg.Pipeline.Timeout != 3600 || cfg.Pipeline.GracePeriod != 5 {
		t.Fatalf("unexpected pipeline timing: timeout=%d grace=%d", cfg.Pipeline.Timeout, cfg.Pipeline.GracePeriod)
	}
	if len(cfg.Pipeline.Scripts) != 4 {
		t.Fatalf("expected four default pipelines, got %d", len(cfg.Pipeline.Scripts))
	}
	if !cfg.History.Enabled || cfg.History.Keep != 200 {
		t.Fatalf("unexpected history defaults: %+v", cfg.History)
	}
}

func TestLoadParsesFileAndFillsGaps(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "runnerd.toml")
	content := `
[paths]
log_dir = "` + filepath.Join(dir, "logs") + `"
api_bind = "127.0.0.1:0"

[pipeline]
interpreter = "/usr/bin/python3"
timeout = 120
grace_period = 2

[pipeline.scripts]
churn = "bl-churn/churn_cli.py"

[logging]
level = "DEBUG"
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, resolved, exists, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !exists || resolved != path {
		t.Fatalf("expected file at %q to be used, resolved=%q exists=%v", path, resolved, exists)
	}
	if cfg.Pipeline.Interpreter != "/usr/bin/python3" {
		t.Fatalf("unexpected interpreter: %q", cfg.Pipeline.Interpreter)
	}
	if cfg.Pipeline.Timeout != 120 || cfg.Pipeline.GracePeriod != 2 {
		t.Fatalf("timings not applied: %+v", cfg.Pipeline)
	}
	if cfg.Logging.Level != "debug" {
		t.Fatalf("level should be lowercased: %q", cfg.Logging.Level)
	}
	// Unset fields fall back to defaults.
	if cfg.Logging.BufferLines != 1000 {
		t.Fatalf("unexpected buffer lines: %d", cfg.Logging.BufferLines)
	}
}

func TestValidateRejectsGraceNotBelowTimeout(t *testing.T) {
	cfg := config.Default()
	cfg.Pipeline.Timeout = 5
	cfg.Pipeline.GracePeriod = 5
	err := cfg.Validate()
	if err == nil || !strings.Contains(err.Error(), "grace_period") {
		t.Fatalf("expected grace period error, got %v", err)
	}
}

func TestValidateRejectsUnknownLogFormat(t *testing.T) {
	cfg := config.Default()
	cfg.Logging.Format = "yaml"
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for unsupported log format")
	}
}

func TestScriptForResolvesAgainstSuiteRoot(t *testing.T) {
	cfg := config.Default()
	cfg.Paths.SuiteRoot = "/srv/suite"

	script, ok := cfg.ScriptFor("churn")
	if !ok {
		t.Fatal("expected churn script")
	}
	if script != "/srv/suite/bl-churn/churn_cli.py" {
		t.Fatalf("unexpected script path: %q", script)
	}

	cfg.Pipeline.Scripts["churn"] = "/abs/churn.py"
	if script, _ := cfg.ScriptFor("churn"); script != "/abs/churn.py" {
		t.Fatalf("absolute script should pass through: %q", script)
	}

	if _, ok := cfg.ScriptFor("unknown"); ok {
		t.Fatal("unknown kind should not resolve")
	}
}

func TestWriteSampleRefusesOverwrite(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "config.toml")

	written, err := config.WriteSample(target)
	if err != nil {
		t.Fatalf("WriteSample: %v", err)
	}
	if written != target {
		t.Fatalf("unexpected path: %q", written)
	}

	if _, err := config.WriteSample(target); err == nil {
		t.Fatal("expected refusal to overwrite existing config")
	}

	// The sample must itself load cleanly.
	if _, _, _, err := config.Load(target); err != nil {
		t.Fatalf("sample config does not load: %v", err)
	}
}
