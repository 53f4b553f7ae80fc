package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeTestConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "branchmindd.toml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

const validConfig = `
[general]
log_level = "info"
state_db = "/tmp/branchmind-test.db"
tick_interval = "10s"

[features]
jobs_slice_first_fail_closed = true
jobs_unknown_args_fail_closed = true

[jobs]
claim_lease_ttl = "5m"
stale_after = "15m"
stalled_after = "30m"
scout_stale_after = "900s"
max_context_retry_limit = 2
max_context_refs_floor = 8
default_slice_max_files = 10
default_slice_max_diff_lines = 800

[dispatch]
log_dir = "/tmp/branchmind-test-logs"

[dispatch.routing]
scout_backend = "headless_cli"
builder_backend = "headless_cli"
validator_backend = "headless_cli"

[dispatch.cli.codex]
cmd = "codex"
prompt_mode = "stdin"
model_flag = "--model"

[rate_limits]
window_5h_cap = 20
weekly_cap = 200
`

func TestLoadValidConfig(t *testing.T) {
	path := writeTestConfig(t, validConfig)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.General.LogLevel != "info" {
		t.Fatalf("unexpected log level: %q", cfg.General.LogLevel)
	}
	if !cfg.Features.JobsSliceFirstFailClosed {
		t.Fatal("expected jobs_slice_first_fail_closed to be true")
	}
	if cfg.Jobs.MaxContextRetryLimit != 2 {
		t.Fatalf("unexpected max_context_retry_limit: %d", cfg.Jobs.MaxContextRetryLimit)
	}
	if cfg.Jobs.ScoutStaleAfter.Duration != 900*time.Second {
		t.Fatalf("unexpected scout_stale_after: %v", cfg.Jobs.ScoutStaleAfter.Duration)
	}
	if cfg.Dispatch.Routing.ScoutBackend != "headless_cli" {
		t.Fatalf("unexpected scout backend: %q", cfg.Dispatch.Routing.ScoutBackend)
	}
}

func TestLoadAppliesDefaults(t *testing.T) {
	minimal := `
[general]
state_db = "/tmp/branchmind-test-minimal.db"
`
	path := writeTestConfig(t, minimal)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.General.LogLevel != "info" {
		t.Fatalf("expected default log level, got %q", cfg.General.LogLevel)
	}
	if cfg.Jobs.ClaimLeaseTTL.Duration != 5*time.Minute {
		t.Fatalf("expected default claim lease ttl, got %v", cfg.Jobs.ClaimLeaseTTL.Duration)
	}
	if cfg.Jobs.MaxContextRetryLimit != 2 {
		t.Fatalf("expected default max_context_retry_limit=2, got %d", cfg.Jobs.MaxContextRetryLimit)
	}
	if cfg.Jobs.ScoutStaleAfter.Duration != 900*time.Second {
		t.Fatalf("expected default scout_stale_after=900s, got %v", cfg.Jobs.ScoutStaleAfter.Duration)
	}
	if cfg.Dispatch.Routing.ScoutBackend != "headless_cli" {
		t.Fatalf("expected default scout backend, got %q", cfg.Dispatch.Routing.ScoutBackend)
	}
	if cfg.RateLimits.Window5hCap != 20 {
		t.Fatalf("expected default window_5h_cap=20, got %d", cfg.RateLimits.Window5hCap)
	}
}

func TestLoadMissingStateDB(t *testing.T) {
	path := writeTestConfig(t, `[general]
log_level = "info"
`)
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for missing state_db")
	}
}

func TestLoadInvalidBackend(t *testing.T) {
	path := writeTestConfig(t, `
[general]
state_db = "/tmp/branchmind-test2.db"

[dispatch.routing]
scout_backend = "carrier_pigeon"
`)
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for invalid backend")
	}
}

func TestLoadInvalidCLIConfig(t *testing.T) {
	path := writeTestConfig(t, `
[general]
state_db = "/tmp/branchmind-test3.db"

[dispatch.cli.codex]
cmd = ""
`)
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for CLI config missing cmd")
	}
}

func TestLoadNegativeRetryLimit(t *testing.T) {
	path := writeTestConfig(t, `
[general]
state_db = "/tmp/branchmind-test4.db"

[jobs]
max_context_retry_limit = -1
`)
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for negative max_context_retry_limit")
	}
}

func TestConfigCloneIsolatesMaps(t *testing.T) {
	cfg := &Config{
		Dispatch: Dispatch{
			CLI: map[string]CLIConfig{
				"codex": {Cmd: "codex", Args: []string{"--quiet"}},
			},
		},
		Cost: Cost{
			CostInputPerMtok: map[string]float64{"gpt-5.3-codex": 3.0},
		},
	}
	clone := cfg.Clone()
	clone.Dispatch.CLI["codex"] = CLIConfig{Cmd: "mutated"}
	clone.Cost.CostInputPerMtok["gpt-5.3-codex"] = 99.0

	if cfg.Dispatch.CLI["codex"].Cmd != "codex" {
		t.Fatal("expected clone mutation not to affect original CLI config")
	}
	if cfg.Cost.CostInputPerMtok["gpt-5.3-codex"] != 3.0 {
		t.Fatal("expected clone mutation not to affect original cost map")
	}
}

func TestExpandHome(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skip("no home directory available")
	}
	got := ExpandHome("~/branchmind/state.db")
	want := filepath.Join(home, "branchmind/state.db")
	if got != want {
		t.Fatalf("ExpandHome() = %q, want %q", got, want)
	}
}
