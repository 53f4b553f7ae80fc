package store

import (
	"database/sql"
	"encoding/json"
	"strings"
	"time"
)

// SliceDoD is a slice's definition-of-done contract.
type SliceDoD struct {
	Criteria []string `json:"criteria"`
	Tests    []string `json:"tests"`
	Blockers []string `json:"blockers"`
}

// SliceBudgets bounds a slice's allowed blast radius.
type SliceBudgets struct {
	MaxFiles      int `json:"max_files"`       // [1, 200]
	MaxDiffLines  int `json:"max_diff_lines"`  // [1, 200000]
	MaxContextRefs int `json:"max_context_refs"` // [8, 64]
}

// Clamp normalizes budget values into their legal ranges.
func (b *SliceBudgets) Clamp() {
	b.MaxFiles = clampInt(b.MaxFiles, 1, 200)
	b.MaxDiffLines = clampInt(b.MaxDiffLines, 1, 200000)
	b.MaxContextRefs = clampInt(b.MaxContextRefs, 8, 64)
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// SlicePlanSpec is the logical contract of a slice: its objective, DoD, and
// numeric budgets.
type SlicePlanSpec struct {
	Objective string       `json:"objective"`
	DoD       SliceDoD     `json:"dod"`
	Budgets   SliceBudgets `json:"budgets"`
}

// PlanSliceBinding is the durable row mapping a slice id to its owning plan
// and slice task, shared (read) by both sides of the pipeline dispatch.
type PlanSliceBinding struct {
	SliceID     string
	PlanID      string
	SliceTaskID string
	Spec        SlicePlanSpec
	State       string // "open" | "applied"
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// PlanSlicesApply writes (or updates) the canonical slice binding and
// materializes its plan spec into the durable plan_spec:<slice_task_id>
// doc.
func (s *Store) PlanSlicesApply(workspaceID, sliceID, planID, sliceTaskID string, spec SlicePlanSpec) (*PlanSliceBinding, error) {
	sliceID = strings.TrimSpace(sliceID)
	if sliceID == "" {
		return nil, invalidInput("slice_id is required")
	}
	if strings.TrimSpace(planID) == "" || strings.TrimSpace(sliceTaskID) == "" {
		return nil, invalidInput("plan_slices_apply requires plan_id and slice_task_id")
	}
	spec.Budgets.Clamp()

	tx, err := s.db.Begin()
	if err != nil {
		return nil, storeErrorf("plan slices apply: begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := s.planGetWith(tx, planID); err != nil {
		return nil, err
	}
	if _, err := s.planGetWith(tx, sliceTaskID); err != nil {
		return nil, err
	}

	specJSON, err := json.Marshal(spec)
	if err != nil {
		return nil, invalidInput("marshal slice spec: %v", err)
	}
	now := time.Now().UTC()
	_, err = tx.Exec(`
		INSERT INTO plan_slices (slice_id, workspace_id, plan_id, slice_task_id, spec_json, state, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, 'open', ?, ?)
		ON CONFLICT(slice_id) DO UPDATE SET plan_id = excluded.plan_id, slice_task_id = excluded.slice_task_id,
			spec_json = excluded.spec_json, updated_at = excluded.updated_at
	`, sliceID, workspaceID, planID, sliceTaskID, string(specJSON), now, now)
	if err != nil {
		return nil, storeErrorf("plan slices apply: upsert: %w", err)
	}

	docName := "plan_spec:" + sliceTaskID
	if _, err := s.appendDocTx(tx, workspaceID, sliceTaskID, docName, "plan_spec_applied", "", string(specJSON), "json", "{}"); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, storeErrorf("plan slices apply: commit: %w", err)
	}
	return s.PlanSliceBindingGet(sliceID)
}

// PlanSliceBindingGet resolves (plan_id, slice_task_id, spec) for a slice_id.
func (s *Store) PlanSliceBindingGet(sliceID string) (*PlanSliceBinding, error) {
	var b PlanSliceBinding
	var specJSON string
	err := s.db.QueryRow(`
		SELECT slice_id, plan_id, slice_task_id, spec_json, state, created_at, updated_at
		FROM plan_slices WHERE slice_id = ?
	`, sliceID).Scan(&b.SliceID, &b.PlanID, &b.SliceTaskID, &specJSON, &b.State, &b.CreatedAt, &b.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, unknownID("unknown slice_id %q", sliceID)
	}
	if err != nil {
		return nil, storeErrorf("plan slice binding get: %w", err)
	}
	if err := json.Unmarshal([]byte(specJSON), &b.Spec); err != nil {
		return nil, storeErrorf("plan slice binding get: unmarshal spec: %w", err)
	}
	return &b, nil
}

// PlanSliceBindingMarkApplied transitions a slice binding's state to
// "applied", used by jobs.pipeline.apply.
func (s *Store) PlanSliceBindingMarkApplied(sliceID string) error {
	res, err := s.db.Exec(`UPDATE plan_slices SET state = 'applied', updated_at = ? WHERE slice_id = ?`,
		time.Now().UTC(), sliceID)
	if err != nil {
		return storeErrorf("plan slice binding mark applied: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return unknownID("unknown slice_id %q", sliceID)
	}
	return nil
}

// PlanSpecDocShow returns the current plan_spec:<task_id> doc tail, oldest
// first (the last entry is the active spec revision).
func (s *Store) PlanSpecDocShow(workspaceID, taskID string, limit int) ([]DocEntry, error) {
	return s.DocShowTail(workspaceID, taskID, "plan_spec:"+taskID, limit)
}
