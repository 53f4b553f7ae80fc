package store

import (
	"database/sql"
	"strings"
	"time"
)

// Plan is a durable plan or task row; kind distinguishes the two within the
// same table since tasks are plans scoped under a parent plan.
type Plan struct {
	ID            string
	WorkspaceID   string
	Kind          string // "plan" | "task"
	ParentID      string
	Title         string
	Description   string
	Context       string
	Revision      int64
	Focus         bool
	ReasoningMode string // "normal" | "strict"
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// CreatePlanOrTask inserts a new plan or task row and appends a lifecycle
// event (doc entry) describing its creation, returning the id, the initial
// revision, and the appended Event.
func (s *Store) CreatePlanOrTask(workspaceID, kind, title, parentID, description, context string, eventType, eventPayload string) (string, int64, *Event, error) {
	kind = strings.TrimSpace(kind)
	if kind != "plan" && kind != "task" {
		return "", 0, nil, invalidInput("kind must be 'plan' or 'task', got %q", kind)
	}
	title = strings.TrimSpace(title)
	if title == "" {
		return "", 0, nil, invalidInput("title is required")
	}
	if kind == "task" && strings.TrimSpace(parentID) == "" {
		return "", 0, nil, invalidInput("task requires a parent plan id")
	}

	tx, err := s.db.Begin()
	if err != nil {
		return "", 0, nil, storeErrorf("create plan/task: begin tx: %w", err)
	}
	defer tx.Rollback()

	prefix := "PLAN"
	if kind == "task" {
		prefix = "TASK"
	}
	id, err := nextID(tx, workspaceID, prefix)
	if err != nil {
		return "", 0, nil, storeErrorf("create plan/task: %w", err)
	}

	now := time.Now().UTC()
	var parent sql.NullString
	if parentID != "" {
		parent = sql.NullString{String: parentID, Valid: true}
	}
	_, err = tx.Exec(`
		INSERT INTO plans (id, workspace_id, kind, parent_id, title, description, context, revision, focus, reasoning_mode, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, 1, 0, 'normal', ?, ?)
	`, id, workspaceID, kind, parent, title, description, context, now, now)
	if err != nil {
		return "", 0, nil, storeErrorf("create plan/task: insert: %w", err)
	}

	ev, err := s.appendDocTx(tx, workspaceID, id, "lifecycle", eventType, "", eventPayload, "", "")
	if err != nil {
		return "", 0, nil, err
	}

	if err := tx.Commit(); err != nil {
		return "", 0, nil, storeErrorf("create plan/task: commit: %w", err)
	}
	return id, 1, ev, nil
}

// PlanGet loads a plan or task by id.
func (s *Store) PlanGet(id string) (*Plan, error) {
	return s.planGetWith(s.db, id)
}

func (s *Store) planGetWith(q rowQuerier, id string) (*Plan, error) {
	var p Plan
	var parent sql.NullString
	var focus int
	err := q.QueryRow(`
		SELECT id, workspace_id, kind, parent_id, title, description, context, revision, focus, reasoning_mode, created_at, updated_at
		FROM plans WHERE id = ?
	`, id).Scan(&p.ID, &p.WorkspaceID, &p.Kind, &parent, &p.Title, &p.Description, &p.Context, &p.Revision, &focus, &p.ReasoningMode, &p.CreatedAt, &p.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, unknownID("unknown plan/task %q", id)
	}
	if err != nil {
		return nil, storeErrorf("plan get: %w", err)
	}
	p.ParentID = parent.String
	p.Focus = focus != 0
	return &p, nil
}

// EditPlanOrTaskInput carries the optional fields a caller may update; a nil
// pointer means "leave unchanged".
type EditPlanOrTaskInput struct {
	Title         *string
	Description   *string
	Context       *string
	ReasoningMode *string
}

// EditPlanOrTask applies partial updates and bumps revision. Every mutating
// op on a task increases its revision.
func (s *Store) EditPlanOrTask(id string, in EditPlanOrTaskInput) (int64, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return 0, storeErrorf("edit plan/task: begin tx: %w", err)
	}
	defer tx.Rollback()

	p, err := s.planGetWith(tx, id)
	if err != nil {
		return 0, err
	}
	title, desc, ctx, mode := p.Title, p.Description, p.Context, p.ReasoningMode
	if in.Title != nil {
		title = strings.TrimSpace(*in.Title)
		if title == "" {
			return 0, invalidInput("title cannot be blanked")
		}
	}
	if in.Description != nil {
		desc = *in.Description
	}
	if in.Context != nil {
		ctx = *in.Context
	}
	if in.ReasoningMode != nil {
		mode = strings.TrimSpace(*in.ReasoningMode)
		if mode != "normal" && mode != "strict" {
			return 0, invalidInput("reasoning_mode must be 'normal' or 'strict', got %q", mode)
		}
	}

	newRevision := p.Revision + 1
	now := time.Now().UTC()
	_, err = tx.Exec(`
		UPDATE plans SET title = ?, description = ?, context = ?, reasoning_mode = ?, revision = ?, updated_at = ?
		WHERE id = ?
	`, title, desc, ctx, mode, newRevision, now, id)
	if err != nil {
		return 0, storeErrorf("edit plan/task: update: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, storeErrorf("edit plan/task: commit: %w", err)
	}
	return newRevision, nil
}

// FocusSet marks id as the focused plan/task for its workspace, clearing any
// previous focus within the same workspace.
func (s *Store) FocusSet(workspaceID, id string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return storeErrorf("focus set: begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := s.planGetWith(tx, id); err != nil {
		return err
	}
	if _, err := tx.Exec(`UPDATE plans SET focus = 0 WHERE workspace_id = ?`, workspaceID); err != nil {
		return storeErrorf("focus set: clear: %w", err)
	}
	if _, err := tx.Exec(`UPDATE plans SET focus = 1, updated_at = ? WHERE id = ?`, time.Now().UTC(), id); err != nil {
		return storeErrorf("focus set: set: %w", err)
	}
	return tx.Commit()
}

// FocusGet returns the focused plan/task id for a workspace, or "" if none.
func (s *Store) FocusGet(workspaceID string) (string, error) {
	var id string
	err := s.db.QueryRow(`SELECT id FROM plans WHERE workspace_id = ? AND focus = 1 LIMIT 1`, workspaceID).Scan(&id)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", storeErrorf("focus get: %w", err)
	}
	return id, nil
}

// ListTaskSteps returns a task's direct step tree in path order.
func (s *Store) ListTaskSteps(taskID string) ([]Step, error) {
	return s.listSteps(s.db, taskID)
}

// HorizonStats summarizes a plan's task population for dashboards.
type HorizonStats struct {
	Active   int
	Backlog  int
	Parked   int
	Stale    int
	Done     int
	NextWake *time.Time
}

// PlanHorizonStatsForPlan buckets a plan's child tasks by step completion
// state: Done tasks have every step closed; Active tasks have an open step
// with a live lease; Stale tasks have an open step whose lease expired;
// the remainder is Backlog. Parked and NextWake are not computed and are
// always left at their zero values.
func (s *Store) PlanHorizonStatsForPlan(planID string) (*HorizonStats, error) {
	rows, err := s.db.Query(`SELECT id FROM plans WHERE parent_id = ? AND kind = 'task'`, planID)
	if err != nil {
		return nil, storeErrorf("horizon stats: list tasks: %w", err)
	}
	defer rows.Close()

	var taskIDs []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, storeErrorf("horizon stats: scan: %w", err)
		}
		taskIDs = append(taskIDs, id)
	}

	stats := &HorizonStats{}
	for _, taskID := range taskIDs {
		steps, err := s.listSteps(s.db, taskID)
		if err != nil {
			return nil, err
		}
		if len(steps) == 0 {
			stats.Backlog++
			continue
		}
		allDone := true
		hasLiveLease := false
		hasExpiredLease := false
		for _, st := range steps {
			if st.Status != "done" {
				allDone = false
			}
			if st.Status == "open" && st.Lease != nil {
				if st.Lease.Expired() {
					hasExpiredLease = true
				} else {
					hasLiveLease = true
				}
			}
		}
		switch {
		case allDone:
			stats.Done++
		case hasExpiredLease:
			stats.Stale++
		case hasLiveLease:
			stats.Active++
		default:
			stats.Backlog++
		}
	}
	return stats, nil
}
