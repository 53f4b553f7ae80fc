package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"
)

var anchorIDPattern = regexp.MustCompile(`^a:[a-z0-9][a-z0-9-]{0,63}$`)

// Anchor kinds.
const (
	AnchorKindBoundary    = "boundary"
	AnchorKindComponent   = "component"
	AnchorKindContract    = "contract"
	AnchorKindData        = "data"
	AnchorKindTestSurface = "test-surface"
	AnchorKindOps         = "ops"
)

var validAnchorKinds = map[string]bool{
	AnchorKindBoundary: true, AnchorKindComponent: true, AnchorKindContract: true,
	AnchorKindData: true, AnchorKindTestSurface: true, AnchorKindOps: true,
}

// Anchor statuses.
const (
	AnchorActive     = "active"
	AnchorDeprecated = "deprecated"
)

// Anchor is a named, stable reference point in the codebase's reasoning map:
// a boundary, component, contract, data shape, test surface, or ops concern.
type Anchor struct {
	WorkspaceID string
	ID          string
	Title       string
	Kind        string
	Status      string
	DependsOn   []string
	ParentID    string
	CreatedAtMs int64
	UpdatedAtMs int64
}

func validateAnchorID(id string) error {
	if !anchorIDPattern.MatchString(id) {
		return invalidInput("anchor id %q must match a:[a-z0-9][a-z0-9-]{0,63}", id)
	}
	return nil
}

// AnchorUpsert creates or updates an anchor. Updating an anchor never
// implicitly clears depends_on or parent_id; callers that want to clear
// them must pass an explicit empty slice / empty string.
func (s *Store) AnchorUpsert(workspaceID, id, title, kind, status string, dependsOn []string, parentID string) (*Anchor, error) {
	id = strings.TrimSpace(id)
	if err := validateAnchorID(id); err != nil {
		return nil, err
	}
	if kind == "" {
		kind = AnchorKindComponent
	}
	if !validAnchorKinds[kind] {
		return nil, invalidInput("invalid anchor kind %q", kind)
	}
	if status == "" {
		status = AnchorActive
	}
	if status != AnchorActive && status != AnchorDeprecated {
		return nil, invalidInput("invalid anchor status %q", status)
	}

	tx, err := s.db.Begin()
	if err != nil {
		return nil, storeErrorf("anchor upsert: begin tx: %w", err)
	}
	defer tx.Rollback()

	if err := s.rejectAliasCollisionTx(tx, workspaceID, id); err != nil {
		return nil, err
	}

	dependsOnJSON, err := json.Marshal(dependsOn)
	if err != nil {
		return nil, invalidInput("marshal depends_on: %v", err)
	}
	var parent sql.NullString
	if parentID != "" {
		parent = sql.NullString{String: parentID, Valid: true}
	}
	now := time.Now().UTC().UnixMilli()
	_, err = tx.Exec(`
		INSERT INTO anchors (workspace_id, id, title, kind, status, depends_on_json, parent_id, created_at_ms, updated_at_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(workspace_id, id) DO UPDATE SET
			title = excluded.title, kind = excluded.kind, status = excluded.status,
			depends_on_json = excluded.depends_on_json, parent_id = excluded.parent_id, updated_at_ms = excluded.updated_at_ms
	`, workspaceID, id, title, kind, status, string(dependsOnJSON), parent, now, now)
	if err != nil {
		return nil, storeErrorf("anchor upsert: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, storeErrorf("anchor upsert: commit: %w", err)
	}
	return s.AnchorGet(workspaceID, id)
}

// rejectAliasCollisionTx enforces that no id is simultaneously an alias and
// a live anchor id.
func (s *Store) rejectAliasCollisionTx(tx *sql.Tx, workspaceID, id string) error {
	var canonical string
	err := tx.QueryRow(`SELECT canonical_id FROM anchor_aliases WHERE workspace_id = ? AND alias_id = ?`,
		workspaceID, id).Scan(&canonical)
	if err == nil {
		return conflict("id %q is an alias for %q and cannot also be a live anchor", id, canonical)
	}
	if err != sql.ErrNoRows {
		return storeErrorf("alias collision check: %w", err)
	}
	return nil
}

// AnchorGet loads a single anchor by its current canonical id.
func (s *Store) AnchorGet(workspaceID, id string) (*Anchor, error) {
	a := Anchor{WorkspaceID: workspaceID, ID: id}
	var dependsOnJSON string
	var parent sql.NullString
	err := s.db.QueryRow(`
		SELECT title, kind, status, depends_on_json, parent_id, created_at_ms, updated_at_ms
		FROM anchors WHERE workspace_id = ? AND id = ?
	`, workspaceID, id).Scan(&a.Title, &a.Kind, &a.Status, &dependsOnJSON, &parent, &a.CreatedAtMs, &a.UpdatedAtMs)
	if err == sql.ErrNoRows {
		return nil, unknownID("unknown anchor %q", id)
	}
	if err != nil {
		return nil, storeErrorf("anchor get: %w", err)
	}
	a.ParentID = parent.String
	if err := json.Unmarshal([]byte(dependsOnJSON), &a.DependsOn); err != nil {
		return nil, storeErrorf("anchor get: unmarshal depends_on: %w", err)
	}
	return &a, nil
}

// AnchorsList lists every anchor in the workspace, optionally filtered by
// status.
func (s *Store) AnchorsList(workspaceID, status string) ([]Anchor, error) {
	query := `SELECT id, title, kind, status, depends_on_json, parent_id, created_at_ms, updated_at_ms FROM anchors WHERE workspace_id = ?`
	args := []any{workspaceID}
	if status != "" {
		query += " AND status = ?"
		args = append(args, status)
	}
	query += " ORDER BY id ASC"
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, storeErrorf("anchors list: %w", err)
	}
	defer rows.Close()

	var out []Anchor
	for rows.Next() {
		a := Anchor{WorkspaceID: workspaceID}
		var dependsOnJSON string
		var parent sql.NullString
		if err := rows.Scan(&a.ID, &a.Title, &a.Kind, &a.Status, &dependsOnJSON, &parent, &a.CreatedAtMs, &a.UpdatedAtMs); err != nil {
			return nil, storeErrorf("anchors list: scan: %w", err)
		}
		a.ParentID = parent.String
		if err := json.Unmarshal([]byte(dependsOnJSON), &a.DependsOn); err != nil {
			return nil, storeErrorf("anchors list: unmarshal depends_on: %w", err)
		}
		out = append(out, a)
	}
	return out, nil
}

// AnchorsBootstrapResult reports how many anchors were newly created versus
// already present and updated.
type AnchorsBootstrapResult struct {
	Created int
	Updated int
}

// AnchorsBootstrap idempotently seeds a batch of anchors, typically run once
// against a freshly scouted codebase map.
func (s *Store) AnchorsBootstrap(workspaceID string, anchors []Anchor) (*AnchorsBootstrapResult, error) {
	result := &AnchorsBootstrapResult{}
	for _, a := range anchors {
		_, err := s.AnchorGet(workspaceID, a.ID)
		existed := err == nil
		if err != nil && !IsUnknownID(err) {
			return nil, err
		}
		if _, err := s.AnchorUpsert(workspaceID, a.ID, a.Title, a.Kind, a.Status, a.DependsOn, a.ParentID); err != nil {
			return nil, fmt.Errorf("anchors bootstrap %q: %w", a.ID, err)
		}
		if existed {
			result.Updated++
		} else {
			result.Created++
		}
	}
	return result, nil
}

// AnchorRename renames an anchor from `from` to `to`, rewriting every
// depends_on/parent_id reference in place and recording `from` as a
// permanent alias of `to` so existing references keep resolving.
func (s *Store) AnchorRename(workspaceID, from, to string) error {
	from, to = strings.TrimSpace(from), strings.TrimSpace(to)
	if err := validateAnchorID(to); err != nil {
		return err
	}
	if from == to {
		return invalidInput("anchor rename requires distinct ids")
	}

	tx, err := s.db.Begin()
	if err != nil {
		return storeErrorf("anchor rename: begin tx: %w", err)
	}
	defer tx.Rollback()

	var title, kind, status, dependsOnJSON string
	var parent sql.NullString
	var createdAtMs int64
	err = tx.QueryRow(`SELECT title, kind, status, depends_on_json, parent_id, created_at_ms FROM anchors WHERE workspace_id = ? AND id = ?`,
		workspaceID, from).Scan(&title, &kind, &status, &dependsOnJSON, &parent, &createdAtMs)
	if err == sql.ErrNoRows {
		return unknownID("unknown anchor %q", from)
	}
	if err != nil {
		return storeErrorf("anchor rename: lookup: %w", err)
	}

	if err := s.rejectAliasCollisionTx(tx, workspaceID, to); err != nil {
		return err
	}
	var clash string
	err = tx.QueryRow(`SELECT id FROM anchors WHERE workspace_id = ? AND id = ?`, workspaceID, to).Scan(&clash)
	if err == nil {
		return conflict("anchor %q already exists", to)
	}
	if err != sql.ErrNoRows {
		return storeErrorf("anchor rename: clash check: %w", err)
	}

	now := time.Now().UTC().UnixMilli()
	_, err = tx.Exec(`
		INSERT INTO anchors (workspace_id, id, title, kind, status, depends_on_json, parent_id, created_at_ms, updated_at_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, workspaceID, to, title, kind, status, dependsOnJSON, parent, createdAtMs, now)
	if err != nil {
		return storeErrorf("anchor rename: insert new: %w", err)
	}
	if _, err := tx.Exec(`DELETE FROM anchors WHERE workspace_id = ? AND id = ?`, workspaceID, from); err != nil {
		return storeErrorf("anchor rename: delete old: %w", err)
	}

	rows, err := tx.Query(`SELECT id, depends_on_json, parent_id FROM anchors WHERE workspace_id = ?`, workspaceID)
	if err != nil {
		return storeErrorf("anchor rename: scan referrers: %w", err)
	}
	type referrer struct {
		id, dependsOnJSON string
		parentID          sql.NullString
	}
	var referrers []referrer
	for rows.Next() {
		var r referrer
		if err := rows.Scan(&r.id, &r.dependsOnJSON, &r.parentID); err != nil {
			rows.Close()
			return storeErrorf("anchor rename: scan referrer: %w", err)
		}
		referrers = append(referrers, r)
	}
	rows.Close()

	for _, r := range referrers {
		var deps []string
		if err := json.Unmarshal([]byte(r.dependsOnJSON), &deps); err != nil {
			return storeErrorf("anchor rename: unmarshal referrer deps: %w", err)
		}
		changed := false
		for i, d := range deps {
			if d == from {
				deps[i] = to
				changed = true
			}
		}
		if r.parentID.Valid && r.parentID.String == from {
			if _, err := tx.Exec(`UPDATE anchors SET parent_id = ?, updated_at_ms = ? WHERE workspace_id = ? AND id = ?`,
				to, now, workspaceID, r.id); err != nil {
				return storeErrorf("anchor rename: update parent ref: %w", err)
			}
		}
		if changed {
			depsJSON, _ := json.Marshal(deps)
			if _, err := tx.Exec(`UPDATE anchors SET depends_on_json = ?, updated_at_ms = ? WHERE workspace_id = ? AND id = ?`,
				string(depsJSON), now, workspaceID, r.id); err != nil {
				return storeErrorf("anchor rename: update depends_on ref: %w", err)
			}
		}
	}

	if _, err := tx.Exec(`
		INSERT INTO anchor_aliases (workspace_id, alias_id, canonical_id) VALUES (?, ?, ?)
		ON CONFLICT(workspace_id, alias_id) DO UPDATE SET canonical_id = excluded.canonical_id
	`, workspaceID, from, to); err != nil {
		return storeErrorf("anchor rename: record alias: %w", err)
	}
	if _, err := tx.Exec(`UPDATE anchor_aliases SET canonical_id = ? WHERE workspace_id = ? AND canonical_id = ?`,
		to, workspaceID, from); err != nil {
		return storeErrorf("anchor rename: repoint aliases: %w", err)
	}

	return tx.Commit()
}

// AnchorAliasesForAnchor lists every alias id that currently resolves to
// canonicalID.
func (s *Store) AnchorAliasesForAnchor(workspaceID, canonicalID string) ([]string, error) {
	rows, err := s.db.Query(`SELECT alias_id FROM anchor_aliases WHERE workspace_id = ? AND canonical_id = ? ORDER BY alias_id ASC`,
		workspaceID, canonicalID)
	if err != nil {
		return nil, storeErrorf("anchor aliases for anchor: %w", err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var alias string
		if err := rows.Scan(&alias); err != nil {
			return nil, storeErrorf("anchor aliases for anchor: scan: %w", err)
		}
		out = append(out, alias)
	}
	return out, nil
}

// AnchorsMerge folds each of from into into: every reference is rewritten
// (via AnchorRename) and from becomes a permanent alias of into.
func (s *Store) AnchorsMerge(workspaceID, into string, from []string) error {
	for _, f := range from {
		if f == into {
			continue
		}
		if err := s.AnchorRename(workspaceID, f, into); err != nil {
			return fmt.Errorf("anchors merge %q into %q: %w", f, into, err)
		}
	}
	return nil
}

// AnchorLintFinding is one problem surfaced by AnchorsLint.
type AnchorLintFinding struct {
	Kind     string // "cycle" | "unknown_depends_on"
	AnchorID string
	Detail   string
}

// AnchorsLint detects dependency cycles and dangling depends_on references
// across every anchor in the workspace. Cycle detection walks depends_on
// edges with a recursion-stack DFS rather than SQL, since dependencies are
// stored as an inline JSON list per anchor rather than a relational edge
// table.
func (s *Store) AnchorsLint(workspaceID string) ([]AnchorLintFinding, error) {
	anchors, err := s.AnchorsList(workspaceID, "")
	if err != nil {
		return nil, err
	}
	byID := make(map[string]Anchor, len(anchors))
	for _, a := range anchors {
		byID[a.ID] = a
	}

	var findings []AnchorLintFinding
	for _, a := range anchors {
		for _, dep := range a.DependsOn {
			if _, ok := byID[dep]; !ok {
				findings = append(findings, AnchorLintFinding{Kind: "unknown_depends_on", AnchorID: a.ID, Detail: dep})
			}
		}
	}

	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int, len(anchors))
	var path []string
	var visit func(id string) *AnchorLintFinding
	visit = func(id string) *AnchorLintFinding {
		color[id] = gray
		path = append(path, id)
		for _, dep := range byID[id].DependsOn {
			if _, ok := byID[dep]; !ok {
				continue // already reported as unknown_depends_on
			}
			switch color[dep] {
			case white:
				if f := visit(dep); f != nil {
					return f
				}
			case gray:
				cycle := append(append([]string{}, path...), dep)
				return &AnchorLintFinding{Kind: "cycle", AnchorID: id, Detail: strings.Join(cycle, " -> ")}
			}
		}
		path = path[:len(path)-1]
		color[id] = black
		return nil
	}
	for _, a := range anchors {
		if color[a.ID] == white {
			if f := visit(a.ID); f != nil {
				findings = append(findings, *f)
			}
		}
	}
	return findings, nil
}
