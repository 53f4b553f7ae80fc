package store

import (
	"database/sql"
	"strings"
)

// GateDecisionRecord is the durable record of one jobs.pipeline.gate
// verdict, keyed by its decision_ref so jobs.pipeline.apply can require and
// validate the exact approved decision before mutating slice state.
type GateDecisionRecord struct {
	DecisionRef     string
	WorkspaceID     string
	TaskID          string
	SliceID         string
	Decision        string // "approve" | "rework" | "reject"
	ScoutJobID      string
	BuilderJobID    string
	ValidatorJobID  string
	BuilderRevision int64
	CreatedAtMs     int64
}

// GateDecisionPut persists a gate verdict, keyed by its decision_ref.
// Decision refs are derived from a monotonic mesh sequence number, so a
// retried gate evaluation that reaches the same decision overwrites its own
// prior row rather than conflicting.
func (s *Store) GateDecisionPut(d GateDecisionRecord) error {
	ref := strings.TrimSpace(d.DecisionRef)
	if ref == "" {
		return invalidInput("gate decision put: decision_ref is required")
	}
	_, err := s.db.Exec(`
		INSERT INTO gate_decisions (decision_ref, workspace_id, task_id, slice_id, decision,
			scout_job_id, builder_job_id, validator_job_id, builder_revision, created_at_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(decision_ref) DO UPDATE SET decision = excluded.decision,
			scout_job_id = excluded.scout_job_id, builder_job_id = excluded.builder_job_id,
			validator_job_id = excluded.validator_job_id, builder_revision = excluded.builder_revision
	`, ref, d.WorkspaceID, d.TaskID, d.SliceID, d.Decision,
		d.ScoutJobID, d.BuilderJobID, d.ValidatorJobID, d.BuilderRevision, d.CreatedAtMs)
	if err != nil {
		return storeErrorf("gate decision put: %w", err)
	}
	return nil
}

// GateDecisionGet resolves a previously-published gate decision by its
// decision_ref, as jobs.pipeline.apply requires before mutating slice state.
func (s *Store) GateDecisionGet(decisionRef string) (*GateDecisionRecord, error) {
	var d GateDecisionRecord
	err := s.db.QueryRow(`
		SELECT decision_ref, workspace_id, task_id, slice_id, decision,
			scout_job_id, builder_job_id, validator_job_id, builder_revision, created_at_ms
		FROM gate_decisions WHERE decision_ref = ?
	`, decisionRef).Scan(&d.DecisionRef, &d.WorkspaceID, &d.TaskID, &d.SliceID, &d.Decision,
		&d.ScoutJobID, &d.BuilderJobID, &d.ValidatorJobID, &d.BuilderRevision, &d.CreatedAtMs)
	if err == sql.ErrNoRows {
		return nil, unknownID("unknown decision_ref %q", decisionRef)
	}
	if err != nil {
		return nil, storeErrorf("gate decision get: %w", err)
	}
	return &d, nil
}
