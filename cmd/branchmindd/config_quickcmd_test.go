package main

import (
	"strings"
	"testing"
)

func TestDisableClaudeCLIInConfigContentRemovesClaudeTables(t *testing.T) {
	input := `
[general]
tick_interval = "10s"

[dispatch.cli.claude]
cmd = "claude"
prompt_mode = "stdin"

[dispatch.cli.codex]
cmd = "codex"
prompt_mode = "stdin"

[dispatch.cli.partner]
cmd = "anthropic-proxy-cli"

[dispatch.routing]
scout_backend = "headless_cli"
builder_backend = "claude"
validator_backend = "docker"
`

	got, changed := disableClaudeCLIInConfigContent(input)
	if !changed {
		t.Fatal("expected config content to change")
	}

	unwanted := []string{
		"[dispatch.cli.claude]",
		`cmd = "claude"`,
		"[dispatch.cli.partner]",
		`cmd = "anthropic-proxy-cli"`,
		`builder_backend = "claude"`,
	}
	for _, value := range unwanted {
		if strings.Contains(got, value) {
			t.Fatalf("unexpected claude value remained: %q\nresult:\n%s", value, got)
		}
	}

	expected := []string{
		"[dispatch.cli.codex]",
		`cmd = "codex"`,
		`scout_backend = "headless_cli"`,
		`builder_backend = "headless_cli"`,
		`validator_backend = "docker"`,
	}
	for _, value := range expected {
		if !strings.Contains(got, value) {
			t.Fatalf("expected value missing: %q\nresult:\n%s", value, got)
		}
	}
}

func TestDisableClaudeCLIInConfigContentNoOpWhenNothingMatches(t *testing.T) {
	input := `
[dispatch.cli.codex]
cmd = "codex"

[dispatch.routing]
scout_backend = "headless_cli"
`

	got, changed := disableClaudeCLIInConfigContent(input)
	if changed {
		t.Fatalf("expected unchanged content, got change:\n%s", got)
	}
	if got != input {
		t.Fatalf("expected exact original output when unchanged\nwant:\n%s\ngot:\n%s", input, got)
	}
}

func TestSetTickIntervalInConfigContentRewritesGeneralTable(t *testing.T) {
	input := `
[general]
tick_interval = "10s"

[jobs]
claim_lease_ttl = "5m"
`

	got, changed, err := setTickIntervalInConfigContent(input, "2m")
	if err != nil {
		t.Fatalf("setTickIntervalInConfigContent failed: %v", err)
	}
	if !changed {
		t.Fatal("expected tick interval change")
	}
	if !strings.Contains(got, `tick_interval = "2m"`) {
		t.Fatalf("expected rewritten tick interval, got:\n%s", got)
	}
}

func TestSetTickIntervalInConfigContentRejectsInvalidDuration(t *testing.T) {
	input := "[general]\ntick_interval = \"10s\"\n"
	if _, _, err := setTickIntervalInConfigContent(input, "not-a-duration"); err == nil {
		t.Fatal("expected invalid duration error")
	}
}
