package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// StepLease is the advisory lease a step can carry while an agent is
// actively working it. acquired_seq/expires_seq are the canonical
// advisory identity; AcquiredAtMs/ExpiresAtMs mirror them in wall-clock time
// so dashboards (PlanHorizonStatsForPlan) can cheaply classify staleness
// without needing the caller's current doc-seq head.
type StepLease struct {
	HolderAgentID string `json:"holder_agent_id"`
	AcquiredSeq   int64  `json:"acquired_seq"`
	ExpiresSeq    int64  `json:"expires_seq"`
	AcquiredAtMs  int64  `json:"acquired_at_ms"`
	ExpiresAtMs   int64  `json:"expires_at_ms"`
}

// Expired reports whether the lease's wall-clock mirror has passed.
func (l *StepLease) Expired() bool {
	if l == nil || l.ExpiresAtMs == 0 {
		return false
	}
	return time.Now().UTC().UnixMilli() > l.ExpiresAtMs
}

// Step is one node of a task's step tree.
type Step struct {
	StepID          string
	WorkspaceID     string
	TaskID          string
	ParentStepID    string
	Idx             int
	Path            string
	SuccessCriteria string
	Tests           []string
	Blockers        []string
	Security        string
	Perf            string
	Docs            string
	Status          string // "open" | "done"
	Lease           *StepLease
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// StepSpec is one entry in a Decompose call: a new child step to append
// under parent (or at the task root when parent is "").
type StepSpec struct {
	Title           string
	SuccessCriteria string
	Tests           []string
	Blockers        []string
}

// Decompose appends child steps under parentPath (empty string = task
// root), assigning stable step_ids and recomputing paths from ordering.
func (s *Store) Decompose(taskID, parentPath string, specs []StepSpec) ([]Step, error) {
	if len(specs) == 0 {
		return nil, invalidInput("decompose requires at least one step")
	}
	tx, err := s.db.Begin()
	if err != nil {
		return nil, storeErrorf("decompose: begin tx: %w", err)
	}
	defer tx.Rollback()

	task, err := s.planGetWith(tx, taskID)
	if err != nil {
		return nil, err
	}

	var parentStepID string
	if parentPath != "" {
		parent, err := s.resolveStepTx(tx, taskID, parentPath)
		if err != nil {
			return nil, err
		}
		parentStepID = parent.StepID
	}

	existingCount, err := countChildren(tx, taskID, parentStepID)
	if err != nil {
		return nil, storeErrorf("decompose: count children: %w", err)
	}

	now := time.Now().UTC()
	out := make([]Step, 0, len(specs))
	for i, spec := range specs {
		idx := existingCount + i
		path := childPath(parentPath, idx)
		stepID, err := nextID(tx, task.WorkspaceID, "STEP")
		if err != nil {
			return nil, storeErrorf("decompose: %w", err)
		}
		testsJSON, _ := json.Marshal(spec.Tests)
		blockersJSON, _ := json.Marshal(spec.Blockers)
		var parentCol sql.NullString
		if parentStepID != "" {
			parentCol = sql.NullString{String: parentStepID, Valid: true}
		}
		_, err = tx.Exec(`
			INSERT INTO steps (step_id, workspace_id, task_id, parent_step_id, idx, path, success_criteria, tests, blockers, status, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 'open', ?, ?)
		`, stepID, task.WorkspaceID, taskID, parentCol, idx, path, spec.Title, string(testsJSON), string(blockersJSON), now, now)
		if err != nil {
			return nil, storeErrorf("decompose: insert step: %w", err)
		}
		out = append(out, Step{
			StepID: stepID, WorkspaceID: task.WorkspaceID, TaskID: taskID, ParentStepID: parentStepID,
			Idx: idx, Path: path, SuccessCriteria: spec.Title, Tests: spec.Tests, Blockers: spec.Blockers,
			Status: "open", CreatedAt: now, UpdatedAt: now,
		})
	}

	newRevision := task.Revision + 1
	if _, err := tx.Exec(`UPDATE plans SET revision = ?, updated_at = ? WHERE id = ?`, newRevision, now, taskID); err != nil {
		return nil, storeErrorf("decompose: bump revision: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, storeErrorf("decompose: commit: %w", err)
	}
	return out, nil
}

func childPath(parentPath string, idx int) string {
	seg := "s:" + strconv.Itoa(idx)
	if parentPath == "" {
		return seg
	}
	return parentPath + "/" + seg
}

func countChildren(tx *sql.Tx, taskID, parentStepID string) (int, error) {
	var count int
	var err error
	if parentStepID == "" {
		err = tx.QueryRow(`SELECT COUNT(*) FROM steps WHERE task_id = ? AND parent_step_id IS NULL`, taskID).Scan(&count)
	} else {
		err = tx.QueryRow(`SELECT COUNT(*) FROM steps WHERE task_id = ? AND parent_step_id = ?`, taskID, parentStepID).Scan(&count)
	}
	return count, err
}

// DefineInput carries the optional fields a Define call may set.
type DefineInput struct {
	SuccessCriteria *string
	Tests           *[]string
	Blockers        *[]string
	Security        *string
	Perf            *string
	Docs            *string
}

// Define updates a step's contract fields (success criteria, tests,
// blockers, security/perf/docs flags) addressed by step_id or path.
func (s *Store) Define(taskID, stepRef string, in DefineInput) (*Step, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, storeErrorf("define: begin tx: %w", err)
	}
	defer tx.Rollback()

	st, err := s.resolveStepTx(tx, taskID, stepRef)
	if err != nil {
		return nil, err
	}

	sc, security, perf, docs := st.SuccessCriteria, st.Security, st.Perf, st.Docs
	tests, blockers := st.Tests, st.Blockers
	if in.SuccessCriteria != nil {
		sc = *in.SuccessCriteria
	}
	if in.Tests != nil {
		tests = *in.Tests
	}
	if in.Blockers != nil {
		blockers = *in.Blockers
	}
	if in.Security != nil {
		security = *in.Security
	}
	if in.Perf != nil {
		perf = *in.Perf
	}
	if in.Docs != nil {
		docs = *in.Docs
	}
	testsJSON, _ := json.Marshal(tests)
	blockersJSON, _ := json.Marshal(blockers)

	now := time.Now().UTC()
	_, err = tx.Exec(`
		UPDATE steps SET success_criteria = ?, tests = ?, blockers = ?, security = ?, perf = ?, docs = ?, updated_at = ?
		WHERE step_id = ?
	`, sc, string(testsJSON), string(blockersJSON), security, perf, docs, now, st.StepID)
	if err != nil {
		return nil, storeErrorf("define: update: %w", err)
	}
	if err := bumpTaskRevision(tx, taskID); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, storeErrorf("define: commit: %w", err)
	}
	st.SuccessCriteria, st.Tests, st.Blockers = sc, tests, blockers
	st.Security, st.Perf, st.Docs = security, perf, docs
	return st, nil
}

func bumpTaskRevision(tx *sql.Tx, taskID string) error {
	_, err := tx.Exec(`UPDATE plans SET revision = revision + 1, updated_at = ? WHERE id = ?`, time.Now().UTC(), taskID)
	if err != nil {
		return storeErrorf("bump task revision: %w", err)
	}
	return nil
}

// Progress marks a step open/done. force bypasses the check that all
// children must already be done before a parent step can close.
func (s *Store) Progress(taskID, stepRef string, completed bool, force bool) (*Step, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, storeErrorf("progress: begin tx: %w", err)
	}
	defer tx.Rollback()

	st, err := s.resolveStepTx(tx, taskID, stepRef)
	if err != nil {
		return nil, err
	}

	if completed && !force {
		var openChildren int
		err := tx.QueryRow(`SELECT COUNT(*) FROM steps WHERE parent_step_id = ? AND status != 'done'`, st.StepID).Scan(&openChildren)
		if err != nil {
			return nil, storeErrorf("progress: count open children: %w", err)
		}
		if openChildren > 0 {
			return nil, preconditionFailed("close child steps first or pass force=true",
				"step %s has %d open child step(s)", st.StepID, openChildren)
		}
	}

	status := "open"
	if completed {
		status = "done"
	}
	now := time.Now().UTC()
	if _, err := tx.Exec(`UPDATE steps SET status = ?, updated_at = ? WHERE step_id = ?`, status, now, st.StepID); err != nil {
		return nil, storeErrorf("progress: update: %w", err)
	}
	if err := bumpTaskRevision(tx, taskID); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, storeErrorf("progress: commit: %w", err)
	}
	st.Status = status
	return st, nil
}

// StepDetail returns the full row for a step.
func (s *Store) StepDetail(taskID, stepRef string) (*Step, error) {
	return s.resolveStepTx(s.db, taskID, stepRef)
}

// StepResolve resolves a step_id or path to its canonical Step row.
func (s *Store) StepResolve(taskID, stepIDOrPath string) (*Step, error) {
	return s.resolveStepTx(s.db, taskID, stepIDOrPath)
}

func (s *Store) resolveStepTx(q rowQuerier, taskID, stepIDOrPath string) (*Step, error) {
	ref := strings.TrimSpace(stepIDOrPath)
	if ref == "" {
		return nil, invalidInput("step_id or path is required")
	}
	var row *sql.Row
	if strings.HasPrefix(ref, "STEP-") {
		row = q.QueryRow(`
			SELECT step_id, workspace_id, task_id, parent_step_id, idx, path, success_criteria, tests, blockers, security, perf, docs, status, lease_json, created_at, updated_at
			FROM steps WHERE task_id = ? AND step_id = ?
		`, taskID, ref)
	} else {
		row = q.QueryRow(`
			SELECT step_id, workspace_id, task_id, parent_step_id, idx, path, success_criteria, tests, blockers, security, perf, docs, status, lease_json, created_at, updated_at
			FROM steps WHERE task_id = ? AND path = ?
		`, taskID, ref)
	}
	return scanStep(row, ref)
}

func scanStep(row *sql.Row, ref string) (*Step, error) {
	var st Step
	var parent sql.NullString
	var testsJSON, blockersJSON, leaseJSON string
	err := row.Scan(&st.StepID, &st.WorkspaceID, &st.TaskID, &parent, &st.Idx, &st.Path,
		&st.SuccessCriteria, &testsJSON, &blockersJSON, &st.Security, &st.Perf, &st.Docs,
		&st.Status, &leaseJSON, &st.CreatedAt, &st.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, unknownID("unknown step %q", ref)
	}
	if err != nil {
		return nil, storeErrorf("step resolve: %w", err)
	}
	st.ParentStepID = parent.String
	_ = json.Unmarshal([]byte(testsJSON), &st.Tests)
	_ = json.Unmarshal([]byte(blockersJSON), &st.Blockers)
	if strings.TrimSpace(leaseJSON) != "" {
		var lease StepLease
		if err := json.Unmarshal([]byte(leaseJSON), &lease); err == nil {
			st.Lease = &lease
		}
	}
	return &st, nil
}

func (s *Store) listSteps(q rowsQuerier, taskID string) ([]Step, error) {
	rows, err := q.Query(`
		SELECT step_id, workspace_id, task_id, parent_step_id, idx, path, success_criteria, tests, blockers, security, perf, docs, status, lease_json, created_at, updated_at
		FROM steps WHERE task_id = ? ORDER BY path
	`, taskID)
	if err != nil {
		return nil, storeErrorf("list steps: %w", err)
	}
	defer rows.Close()

	var out []Step
	for rows.Next() {
		var st Step
		var parent sql.NullString
		var testsJSON, blockersJSON, leaseJSON string
		if err := rows.Scan(&st.StepID, &st.WorkspaceID, &st.TaskID, &parent, &st.Idx, &st.Path,
			&st.SuccessCriteria, &testsJSON, &blockersJSON, &st.Security, &st.Perf, &st.Docs,
			&st.Status, &leaseJSON, &st.CreatedAt, &st.UpdatedAt); err != nil {
			return nil, storeErrorf("list steps: scan: %w", err)
		}
		st.ParentStepID = parent.String
		_ = json.Unmarshal([]byte(testsJSON), &st.Tests)
		_ = json.Unmarshal([]byte(blockersJSON), &st.Blockers)
		if strings.TrimSpace(leaseJSON) != "" {
			var lease StepLease
			if err := json.Unmarshal([]byte(leaseJSON), &lease); err == nil {
				st.Lease = &lease
			}
		}
		out = append(out, st)
	}
	return out, nil
}

// StepLeaseGet returns the lease currently stamped on a step, or nil.
func (s *Store) StepLeaseGet(taskID, stepRef string) (*StepLease, error) {
	st, err := s.resolveStepTx(s.db, taskID, stepRef)
	if err != nil {
		return nil, err
	}
	return st.Lease, nil
}

// StepLeaseAcquire stamps a step with an advisory lease. It does not
// enforce exclusivity beyond surfacing existing lease state to the caller:
// a second acquire overwrites the previous holder and the caller is
// expected to check StepLeaseGet first if exclusivity matters to them.
func (s *Store) StepLeaseAcquire(taskID, stepRef, holderAgentID string, acquiredSeq, expiresSeq int64, ttl time.Duration) (*StepLease, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, storeErrorf("step lease acquire: begin tx: %w", err)
	}
	defer tx.Rollback()

	st, err := s.resolveStepTx(tx, taskID, stepRef)
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	lease := StepLease{
		HolderAgentID: holderAgentID,
		AcquiredSeq:   acquiredSeq,
		ExpiresSeq:    expiresSeq,
		AcquiredAtMs:  now.UnixMilli(),
		ExpiresAtMs:   now.Add(ttl).UnixMilli(),
	}
	leaseJSON, err := json.Marshal(lease)
	if err != nil {
		return nil, fmt.Errorf("step lease acquire: marshal: %w", err)
	}
	if _, err := tx.Exec(`UPDATE steps SET lease_json = ?, updated_at = ? WHERE step_id = ?`, string(leaseJSON), now, st.StepID); err != nil {
		return nil, storeErrorf("step lease acquire: update: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, storeErrorf("step lease acquire: commit: %w", err)
	}
	return &lease, nil
}

// StepLeaseRelease clears a step's lease.
func (s *Store) StepLeaseRelease(taskID, stepRef string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return storeErrorf("step lease release: begin tx: %w", err)
	}
	defer tx.Rollback()

	st, err := s.resolveStepTx(tx, taskID, stepRef)
	if err != nil {
		return err
	}
	if _, err := tx.Exec(`UPDATE steps SET lease_json = '', updated_at = ? WHERE step_id = ?`, time.Now().UTC(), st.StepID); err != nil {
		return storeErrorf("step lease release: update: %w", err)
	}
	return tx.Commit()
}
