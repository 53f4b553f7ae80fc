// Package guard resolves and validates the project_guard fingerprint a
// workspace is bound to, shelling out to git to recover the repo's true
// toplevel before fingerprinting it, so a guard check from a subdirectory
// agrees with one taken from the root.
package guard

import (
	"fmt"
	"os/exec"
	"strings"

	"github.com/branchmind/branchmind-core/internal/store"
)

// Resolved bundles the fingerprint a workspace op should check against its
// stored project_guard, alongside the canonical path it was derived from.
type Resolved struct {
	CanonicalPath string
	Fingerprint   string
}

// Resolve derives the project_guard fingerprint for path. If path sits
// inside a git worktree, the fingerprint is taken over the worktree's
// toplevel rather than path itself, so a guard check from a subdirectory of
// the same repo still agrees with one taken from the root.
func Resolve(path string) (*Resolved, error) {
	root := gitToplevel(path)
	if root == "" {
		root = path
	}
	fingerprint, err := store.ProjectGuardFor(root)
	if err != nil {
		return nil, fmt.Errorf("guard: %w", err)
	}
	return &Resolved{CanonicalPath: root, Fingerprint: fingerprint}, nil
}

func gitToplevel(path string) string {
	cmd := exec.Command("git", "rev-parse", "--show-toplevel")
	cmd.Dir = path
	out, err := cmd.CombinedOutput()
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(out))
}

// Ensure resolves path's fingerprint and checks it against the stored guard
// for workspaceID via the store's adopt-or-reject semantics (first use
// adopts, later mismatches are fatal unless the caller rebinds).
func Ensure(s *store.Store, workspaceID, path string) (*Resolved, error) {
	r, err := Resolve(path)
	if err != nil {
		return nil, err
	}
	if err := s.WorkspaceProjectGuardEnsure(workspaceID, r.Fingerprint); err != nil {
		return nil, err
	}
	return r, nil
}

// Rebind explicitly overwrites the stored guard after an operator has
// confirmed the repo root legitimately moved (e.g. a CI checkout under a
// fresh temp path for the same logical project).
func Rebind(s *store.Store, workspaceID, path string) (*Resolved, error) {
	r, err := Resolve(path)
	if err != nil {
		return nil, err
	}
	if err := s.WorkspaceProjectGuardRebind(workspaceID, r.Fingerprint); err != nil {
		return nil, err
	}
	return r, nil
}
