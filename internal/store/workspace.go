package store

import (
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Workspace is the root of all durable state for one operator environment.
type Workspace struct {
	ID           string
	Path         string
	ProjectGuard string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// WorkspaceIDForPath derives a stable WorkspaceId from a filesystem path via
// a content-hash of its canonical form, so the same repo root always
// resolves to the same ghost workspace across processes.
func WorkspaceIDForPath(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("store: resolve canonical path for %q: %w", path, err)
	}
	sum := sha256.Sum256([]byte(filepath.Clean(abs)))
	return "ws_" + hex.EncodeToString(sum[:])[:24], nil
}

// ProjectGuardFor derives a project_guard fingerprint from a canonical repo
// root path. It is intentionally the same hash family as the workspace id
// but kept as a distinct derivation so callers never conflate the two.
func ProjectGuardFor(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("store: resolve project guard path for %q: %w", path, err)
	}
	sum := sha256.Sum256([]byte("project_guard:" + filepath.Clean(abs)))
	return hex.EncodeToString(sum[:]), nil
}

// WorkspaceInit auto-initializes a workspace row if it does not already
// exist. Workspaces are never destroyed; re-init is idempotent.
func (s *Store) WorkspaceInit(id, path string) (*Workspace, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, invalidInput("workspace id is required")
	}
	now := time.Now().UTC()
	_, err := s.db.Exec(`
		INSERT INTO workspaces (id, path, created_at, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET updated_at = excluded.updated_at
	`, id, path, now, now)
	if err != nil {
		return nil, storeErrorf("workspace init: %w", err)
	}
	return s.WorkspaceGet(id)
}

// WorkspacePathBind resolves or creates the ghost workspace bound to a
// filesystem path, used when a caller supplies a path instead of an opaque
// WorkspaceId.
func (s *Store) WorkspacePathBind(path string) (*Workspace, error) {
	id, err := WorkspaceIDForPath(path)
	if err != nil {
		return nil, invalidInput("%v", err)
	}
	guard, err := ProjectGuardFor(path)
	if err != nil {
		return nil, invalidInput("%v", err)
	}
	now := time.Now().UTC()
	_, err = s.db.Exec(`
		INSERT INTO workspaces (id, path, project_guard, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET path = excluded.path, updated_at = excluded.updated_at
	`, id, path, guard, now, now)
	if err != nil {
		return nil, storeErrorf("workspace path bind: %w", err)
	}
	return s.WorkspaceGet(id)
}

// WorkspaceExists reports whether a workspace row already exists.
func (s *Store) WorkspaceExists(id string) (bool, error) {
	var count int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM workspaces WHERE id = ?`, id).Scan(&count)
	if err != nil {
		return false, storeErrorf("workspace exists: %w", err)
	}
	return count > 0, nil
}

// WorkspaceGet loads a workspace row by id.
func (s *Store) WorkspaceGet(id string) (*Workspace, error) {
	var w Workspace
	var path, guard sql.NullString
	err := s.db.QueryRow(`
		SELECT id, path, project_guard, created_at, updated_at FROM workspaces WHERE id = ?
	`, id).Scan(&w.ID, &path, &guard, &w.CreatedAt, &w.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, unknownID("unknown workspace %q", id)
	}
	if err != nil {
		return nil, storeErrorf("workspace get: %w", err)
	}
	w.Path = path.String
	w.ProjectGuard = guard.String
	return &w, nil
}

// WorkspaceProjectGuardEnsure validates that candidateGuard matches the
// workspace's stored guard. An empty stored guard adopts candidateGuard
// (first-use binding). Mismatch is fatal unless the caller follows up with
// WorkspaceProjectGuardRebind.
func (s *Store) WorkspaceProjectGuardEnsure(workspaceID, candidateGuard string) error {
	w, err := s.WorkspaceGet(workspaceID)
	if err != nil {
		return err
	}
	if w.ProjectGuard == "" {
		_, err := s.db.Exec(`UPDATE workspaces SET project_guard = ?, updated_at = ? WHERE id = ?`,
			candidateGuard, time.Now().UTC(), workspaceID)
		if err != nil {
			return storeErrorf("project guard ensure: %w", err)
		}
		return nil
	}
	if w.ProjectGuard != candidateGuard {
		return projectGuardMismatch(candidateGuard, w.ProjectGuard)
	}
	return nil
}

// WorkspaceProjectGuardRebind explicitly overwrites the stored project
// guard, used when the operator has confirmed the repo root legitimately
// moved.
func (s *Store) WorkspaceProjectGuardRebind(workspaceID, newGuard string) error {
	res, err := s.db.Exec(`UPDATE workspaces SET project_guard = ?, updated_at = ? WHERE id = ?`,
		newGuard, time.Now().UTC(), workspaceID)
	if err != nil {
		return storeErrorf("project guard rebind: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return unknownID("unknown workspace %q", workspaceID)
	}
	return nil
}

// NewIdempotencyKey generates a random default idempotency key for callers
// that don't supply their own (mesh publications, anchor alias bookkeeping).
func NewIdempotencyKey() string {
	return uuid.NewString()
}
