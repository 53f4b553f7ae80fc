package guard

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/branchmind/branchmind-core/internal/store"
)

func tempStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestResolveNonGitDirFallsBackToPath(t *testing.T) {
	dir := t.TempDir()
	r, err := Resolve(dir)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if r.CanonicalPath != dir {
		t.Fatalf("non-git path should resolve to itself, got %q", r.CanonicalPath)
	}
	if r.Fingerprint == "" {
		t.Fatal("fingerprint should be derived")
	}
}

func TestResolveIsDeterministicPerPath(t *testing.T) {
	dir := t.TempDir()
	a, err := Resolve(dir)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	b, err := Resolve(dir)
	if err != nil {
		t.Fatalf("Resolve again: %v", err)
	}
	if a.Fingerprint != b.Fingerprint {
		t.Fatalf("fingerprint should be stable: %q != %q", a.Fingerprint, b.Fingerprint)
	}

	other, err := Resolve(t.TempDir())
	if err != nil {
		t.Fatalf("Resolve other: %v", err)
	}
	if other.Fingerprint == a.Fingerprint {
		t.Fatal("different paths should not share a fingerprint")
	}
}

func TestEnsureAdoptsThenRejectsMismatch(t *testing.T) {
	s := tempStore(t)
	dirA := t.TempDir()
	dirB := t.TempDir()
	if _, err := s.WorkspaceInit("ws-1", dirA); err != nil {
		t.Fatalf("WorkspaceInit: %v", err)
	}

	if _, err := Ensure(s, "ws-1", dirA); err != nil {
		t.Fatalf("first ensure should adopt: %v", err)
	}
	if _, err := Ensure(s, "ws-1", dirA); err != nil {
		t.Fatalf("matching re-ensure should pass: %v", err)
	}

	_, err := Ensure(s, "ws-1", dirB)
	if err == nil {
		t.Fatal("mismatched guard should be rejected")
	}
	if !errors.Is(err, store.ErrProjectGuardMismatch) {
		t.Fatalf("expected project guard mismatch, got %v", err)
	}
}

func TestRebindOverwritesStoredGuard(t *testing.T) {
	s := tempStore(t)
	dirA := t.TempDir()
	dirB := t.TempDir()
	if _, err := s.WorkspaceInit("ws-1", dirA); err != nil {
		t.Fatalf("WorkspaceInit: %v", err)
	}
	if _, err := Ensure(s, "ws-1", dirA); err != nil {
		t.Fatalf("adopt: %v", err)
	}

	if _, err := Rebind(s, "ws-1", dirB); err != nil {
		t.Fatalf("Rebind: %v", err)
	}
	if _, err := Ensure(s, "ws-1", dirB); err != nil {
		t.Fatalf("ensure against rebound guard should pass: %v", err)
	}
	if _, err := Ensure(s, "ws-1", dirA); err == nil {
		t.Fatal("old guard should no longer match after rebind")
	}
}
