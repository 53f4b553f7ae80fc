package coderef

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeRepoFile(t *testing.T, root, path, content string) {
	t.Helper()
	full := filepath.Join(root, path)
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(full, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func TestParseRoundTrip(t *testing.T) {
	cases := []string{
		"code:src/auth.go#L10-L42",
		"code:internal/store/job.go#L1-L1",
		"code:a/b.go#L5-L9@sha256:" + strings.Repeat("ab", 32),
	}
	for _, tok := range cases {
		r, err := Parse(tok)
		if err != nil {
			t.Fatalf("Parse(%q): %v", tok, err)
		}
		if got := r.String(); got != tok {
			t.Fatalf("round trip mismatch: %q -> %q", tok, got)
		}
	}
}

func TestParseRejectsMalformedTokens(t *testing.T) {
	cases := []string{
		"",
		"src/auth.go#L10-L42",
		"code:src/auth.go",
		"code:src/auth.go#L0-L4",
		"code:src/auth.go#L9-L4",
		"code:src/auth.go#L1-L2@sha256:short",
	}
	for _, tok := range cases {
		if _, err := Parse(tok); err == nil {
			t.Fatalf("Parse(%q) should fail", tok)
		}
	}
}

func TestCheckClassifiesStaleness(t *testing.T) {
	root := t.TempDir()
	writeRepoFile(t, root, "pkg/f.go", "one\ntwo\nthree\nfour\n")

	ok, err := Parse("code:pkg/f.go#L1-L3")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if got := Check(root, ok); got != StatusOK {
		t.Fatalf("plain range should be OK, got %s", got)
	}

	missing, _ := Parse("code:pkg/gone.go#L1-L3")
	if got := Check(root, missing); got != StatusMissing {
		t.Fatalf("missing file should be CODE_REF_MISSING, got %s", got)
	}

	rangeStale, _ := Parse("code:pkg/f.go#L1-L99")
	if got := Check(root, rangeStale); got != StatusRangeStale {
		t.Fatalf("over-long range should be CODE_REF_RANGE_STALE, got %s", got)
	}

	fp, err := FingerprintRange(root, "pkg/f.go", 1, 3)
	if err != nil {
		t.Fatalf("FingerprintRange: %v", err)
	}
	pinned, _ := Parse("code:pkg/f.go#L1-L3@sha256:" + fp)
	if got := Check(root, pinned); got != StatusOK {
		t.Fatalf("matching fingerprint should be OK, got %s", got)
	}

	writeRepoFile(t, root, "pkg/f.go", "one\nCHANGED\nthree\nfour\n")
	if got := Check(root, pinned); got != StatusStale {
		t.Fatalf("drifted content should be CODE_REF_STALE, got %s", got)
	}
}

func TestCheckAllReportsOnlyFailures(t *testing.T) {
	root := t.TempDir()
	writeRepoFile(t, root, "pkg/f.go", "one\ntwo\n")

	findings := CheckAll(root, []string{
		"code:pkg/f.go#L1-L2",
		"not-a-token",
		"code:pkg/gone.go#L1-L2",
	})
	if len(findings) != 2 {
		t.Fatalf("expected 2 findings, got %d: %v", len(findings), findings)
	}
	if findings[0].Status != StatusUnresolvable {
		t.Fatalf("unparseable token should be CODE_REF_UNRESOLVABLE, got %s", findings[0].Status)
	}
	if findings[1].Status != StatusMissing {
		t.Fatalf("missing file should be CODE_REF_MISSING, got %s", findings[1].Status)
	}
}

func TestReadLinesRejectsTraversal(t *testing.T) {
	root := t.TempDir()
	if _, err := FingerprintRange(root, "../escape.go", 1, 1); err == nil {
		t.Fatal("expected traversal rejection")
	}
}
