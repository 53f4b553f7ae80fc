package store

import (
	"database/sql"
	"encoding/json"
	"strings"
	"time"
)

// Job lifecycle statuses.
const (
	JobQueued   = "QUEUED"
	JobRunning  = "RUNNING"
	JobDone     = "DONE"
	JobFailed   = "FAILED"
	JobCanceled = "CANCELED"
)

// Job priorities.
const (
	PriorityLow    = "LOW"
	PriorityMedium = "MEDIUM"
	PriorityHigh   = "HIGH"
)

// Job event kinds.
const (
	JobEventCreated    = "created"
	JobEventHeartbeat  = "heartbeat"
	JobEventCheckpoint = "checkpoint"
	JobEventManager    = "manager"
	JobEventQuestion   = "question"
	JobEventError      = "error"
	JobEventProofGate  = "proof_gate"
	JobEventDone       = "done"
	JobEventCanceled   = "canceled"
	JobEventRunner     = "runner"
)

// Job is the durable row for one unit of agent work.
type Job struct {
	ID                 string
	WorkspaceID        string
	Title              string
	Prompt             string
	Kind               string // "codex_cli" | "claude_cli"
	Status             string
	Priority           string
	TaskID             string
	AnchorID           string
	Runner             string
	ClaimExpiresAtMs   int64
	Revision           int64
	Summary            string
	MetaJSON           string
	LastCheckpointSeq  int64
	LastCheckpointTsMs int64
	CreatedAtMs        int64
	UpdatedAtMs        int64
}

// Messageable reports whether job_message may target this job.
func (j *Job) Messageable() bool {
	return j.Status == JobQueued || j.Status == JobRunning
}

// Meta unmarshals the job's opaque meta_json blob into dst.
func (j *Job) Meta(dst any) error {
	if strings.TrimSpace(j.MetaJSON) == "" {
		return nil
	}
	return json.Unmarshal([]byte(j.MetaJSON), dst)
}

// JobEventRow is one entry of a job's append-only event log.
type JobEventRow struct {
	JobID   string
	Seq     int64
	TsMs    int64
	Kind    string
	Message string
	Refs    []string
}

// JobCreate inserts a new QUEUED job and appends its "created" event at
// seq=1, per invariant 1.
func (s *Store) JobCreate(workspaceID, title, prompt, kind, priority, taskID, anchorID, metaJSON string) (*Job, error) {
	kind = strings.TrimSpace(kind)
	if kind != "codex_cli" && kind != "claude_cli" {
		return nil, invalidInput("job kind must be 'codex_cli' or 'claude_cli', got %q", kind)
	}
	priority = strings.TrimSpace(priority)
	if priority == "" {
		priority = PriorityMedium
	}
	if priority != PriorityLow && priority != PriorityMedium && priority != PriorityHigh {
		return nil, invalidInput("invalid priority %q", priority)
	}
	if metaJSON == "" {
		metaJSON = "{}"
	}

	tx, err := s.db.Begin()
	if err != nil {
		return nil, storeErrorf("job create: begin tx: %w", err)
	}
	defer tx.Rollback()

	id, err := nextID(tx, workspaceID, "JOB")
	if err != nil {
		return nil, storeErrorf("job create: %w", err)
	}
	now := time.Now().UTC()
	var task, anchor sql.NullString
	if taskID != "" {
		task = sql.NullString{String: taskID, Valid: true}
	}
	if anchorID != "" {
		anchor = sql.NullString{String: anchorID, Valid: true}
	}
	_, err = tx.Exec(`
		INSERT INTO jobs (id, workspace_id, title, prompt, kind, status, priority, task_id, anchor_id, revision, meta_json, created_at_ms, updated_at_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 1, ?, ?, ?)
	`, id, workspaceID, title, prompt, kind, JobQueued, priority, task, anchor, metaJSON, now.UnixMilli(), now.UnixMilli())
	if err != nil {
		return nil, storeErrorf("job create: insert: %w", err)
	}
	if _, err := s.appendJobEventTx(tx, id, JobEventCreated, "job created", nil); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, storeErrorf("job create: commit: %w", err)
	}
	return s.JobGet(id)
}

// JobGet loads a job row by id.
func (s *Store) JobGet(id string) (*Job, error) {
	return s.jobGetWith(s.db, id)
}

func (s *Store) jobGetWith(q rowQuerier, id string) (*Job, error) {
	var j Job
	var task, anchor, runner sql.NullString
	err := q.QueryRow(`
		SELECT id, workspace_id, title, prompt, kind, status, priority, task_id, anchor_id, runner,
		       claim_expires_at_ms, revision, summary, meta_json, last_checkpoint_seq, last_checkpoint_ts_ms,
		       created_at_ms, updated_at_ms
		FROM jobs WHERE id = ?
	`, id).Scan(&j.ID, &j.WorkspaceID, &j.Title, &j.Prompt, &j.Kind, &j.Status, &j.Priority, &task, &anchor, &runner,
		&j.ClaimExpiresAtMs, &j.Revision, &j.Summary, &j.MetaJSON, &j.LastCheckpointSeq, &j.LastCheckpointTsMs,
		&j.CreatedAtMs, &j.UpdatedAtMs)
	if err == sql.ErrNoRows {
		return nil, unknownID("unknown job %q", id)
	}
	if err != nil {
		return nil, storeErrorf("job get: %w", err)
	}
	j.TaskID, j.AnchorID, j.Runner = task.String, anchor.String, runner.String
	return &j, nil
}

// JobOpenOptions controls how much of a job's history JobOpen returns.
type JobOpenOptions struct {
	IncludePrompt bool
	IncludeEvents bool
	IncludeMeta   bool
	MaxEvents     int
	BeforeSeq     int64
}

// JobOpenResult bundles a job with the optional slices of its history a
// caller asked for.
type JobOpenResult struct {
	Job    *Job
	Events []JobEventRow
}

// JobOpen loads a job and, depending on opts, its recent event window.
func (s *Store) JobOpen(id string, opts JobOpenOptions) (*JobOpenResult, error) {
	j, err := s.JobGet(id)
	if err != nil {
		return nil, err
	}
	if !opts.IncludePrompt {
		j.Prompt = ""
	}
	if !opts.IncludeMeta {
		j.MetaJSON = "{}"
	}
	out := &JobOpenResult{Job: j}
	if opts.IncludeEvents {
		limit := opts.MaxEvents
		if limit <= 0 {
			limit = 50
		}
		events, err := s.jobEventsBefore(id, opts.BeforeSeq, limit)
		if err != nil {
			return nil, err
		}
		out.Events = events
	}
	return out, nil
}

func (s *Store) jobEventsBefore(jobID string, beforeSeq int64, limit int) ([]JobEventRow, error) {
	var rows *sql.Rows
	var err error
	if beforeSeq > 0 {
		rows, err = s.db.Query(`
			SELECT seq, ts_ms, kind, message, refs_json FROM job_events
			WHERE job_id = ? AND seq < ? ORDER BY seq DESC LIMIT ?
		`, jobID, beforeSeq, limit)
	} else {
		rows, err = s.db.Query(`
			SELECT seq, ts_ms, kind, message, refs_json FROM job_events
			WHERE job_id = ? ORDER BY seq DESC LIMIT ?
		`, jobID, limit)
	}
	if err != nil {
		return nil, storeErrorf("job events before: %w", err)
	}
	defer rows.Close()

	var out []JobEventRow
	for rows.Next() {
		var e JobEventRow
		var refsJSON string
		if err := rows.Scan(&e.Seq, &e.TsMs, &e.Kind, &e.Message, &refsJSON); err != nil {
			return nil, storeErrorf("job events before: scan: %w", err)
		}
		e.JobID = jobID
		_ = json.Unmarshal([]byte(refsJSON), &e.Refs)
		out = append(out, e)
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

func (s *Store) appendJobEventTx(tx *sql.Tx, jobID, kind, message string, refs []string) (*JobEventRow, error) {
	var maxSeq sql.NullInt64
	if err := tx.QueryRow(`SELECT MAX(seq) FROM job_events WHERE job_id = ?`, jobID).Scan(&maxSeq); err != nil {
		return nil, storeErrorf("append job event: max seq: %w", err)
	}
	seq := maxSeq.Int64 + 1
	now := time.Now().UTC()
	if refs == nil {
		refs = []string{}
	}
	refsJSON, _ := json.Marshal(refs)
	_, err := tx.Exec(`
		INSERT INTO job_events (job_id, seq, ts_ms, kind, message, refs_json) VALUES (?, ?, ?, ?, ?, ?)
	`, jobID, seq, now.UnixMilli(), kind, message, string(refsJSON))
	if err != nil {
		return nil, storeErrorf("append job event: insert: %w", err)
	}
	if _, err := tx.Exec(`UPDATE jobs SET updated_at_ms = ? WHERE id = ?`, now.UnixMilli(), jobID); err != nil {
		return nil, storeErrorf("append job event: touch job: %w", err)
	}
	return &JobEventRow{JobID: jobID, Seq: seq, TsMs: now.UnixMilli(), Kind: kind, Message: message, Refs: refs}, nil
}

// JobMessage appends a "manager" or "question" style event to a job,
// requiring it to be messageable (invariant 4).
func (s *Store) JobMessage(jobID, kind, message string, refs []string) (*JobEventRow, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, storeErrorf("job message: begin tx: %w", err)
	}
	defer tx.Rollback()

	j, err := s.jobGetWith(tx, jobID)
	if err != nil {
		return nil, err
	}
	if !j.Messageable() {
		return nil, &JobNotMessageableError{JobID: jobID, Status: j.Status}
	}
	ev, err := s.appendJobEventTx(tx, jobID, kind, message, refs)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, storeErrorf("job message: commit: %w", err)
	}
	return ev, nil
}

// JobClaim moves a QUEUED job to RUNNING under runnerID, setting a fresh
// claim expiration.
func (s *Store) JobClaim(jobID, runnerID string, leaseMs int64) (*Job, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, storeErrorf("job claim: begin tx: %w", err)
	}
	defer tx.Rollback()

	j, err := s.jobGetWith(tx, jobID)
	if err != nil {
		return nil, err
	}
	if j.Status != JobQueued {
		return nil, preconditionFailed("only QUEUED jobs can be claimed", "job %s has status %s", jobID, j.Status)
	}
	now := time.Now().UTC()
	expires := now.UnixMilli() + leaseMs
	_, err = tx.Exec(`
		UPDATE jobs SET status = ?, runner = ?, claim_expires_at_ms = ?, updated_at_ms = ? WHERE id = ?
	`, JobRunning, runnerID, expires, now.UnixMilli(), jobID)
	if err != nil {
		return nil, storeErrorf("job claim: update: %w", err)
	}
	if _, err := s.appendJobEventTx(tx, jobID, JobEventRunner, "claimed by "+runnerID, nil); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, storeErrorf("job claim: commit: %w", err)
	}
	return s.JobGet(jobID)
}

// JobHeartbeat extends a RUNNING job's claim and appends a heartbeat event.
// Heartbeats are never treated as "meaningful" for stall detection.
func (s *Store) JobHeartbeat(jobID string, leaseMs int64) error {
	tx, err := s.db.Begin()
	if err != nil {
		return storeErrorf("job heartbeat: begin tx: %w", err)
	}
	defer tx.Rollback()

	j, err := s.jobGetWith(tx, jobID)
	if err != nil {
		return err
	}
	if j.Status != JobRunning {
		return preconditionFailed("only RUNNING jobs can heartbeat", "job %s has status %s", jobID, j.Status)
	}
	now := time.Now().UTC()
	expires := now.UnixMilli() + leaseMs
	if _, err := tx.Exec(`UPDATE jobs SET claim_expires_at_ms = ?, updated_at_ms = ? WHERE id = ?`, expires, now.UnixMilli(), jobID); err != nil {
		return storeErrorf("job heartbeat: update: %w", err)
	}
	if _, err := s.appendJobEventTx(tx, jobID, JobEventHeartbeat, "", nil); err != nil {
		return err
	}
	return tx.Commit()
}

// JobCheckpoint records the canonical "made progress" marker.
func (s *Store) JobCheckpoint(jobID, message string, refs []string) (*JobEventRow, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, storeErrorf("job checkpoint: begin tx: %w", err)
	}
	defer tx.Rollback()

	j, err := s.jobGetWith(tx, jobID)
	if err != nil {
		return nil, err
	}
	if j.Status != JobRunning {
		return nil, preconditionFailed("only RUNNING jobs can checkpoint", "job %s has status %s", jobID, j.Status)
	}
	ev, err := s.appendJobEventTx(tx, jobID, JobEventCheckpoint, message, refs)
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	if _, err := tx.Exec(`UPDATE jobs SET last_checkpoint_seq = ?, last_checkpoint_ts_ms = ? WHERE id = ?`, ev.Seq, now.UnixMilli(), jobID); err != nil {
		return nil, storeErrorf("job checkpoint: update: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, storeErrorf("job checkpoint: commit: %w", err)
	}
	return ev, nil
}

// JobComplete finalizes a RUNNING job as DONE or FAILED, setting its
// summary. It fails if the claim has already expired.
func (s *Store) JobComplete(jobID, status, summary string) (*Job, error) {
	if status != JobDone && status != JobFailed {
		return nil, invalidInput("job complete status must be DONE or FAILED, got %q", status)
	}
	tx, err := s.db.Begin()
	if err != nil {
		return nil, storeErrorf("job complete: begin tx: %w", err)
	}
	defer tx.Rollback()

	j, err := s.jobGetWith(tx, jobID)
	if err != nil {
		return nil, err
	}
	if j.Status != JobRunning {
		return nil, preconditionFailed("only RUNNING jobs can complete", "job %s has status %s", jobID, j.Status)
	}
	now := time.Now().UTC()
	if j.ClaimExpiresAtMs < now.UnixMilli() {
		return nil, preconditionFailed("re-claim the job before completing",
			"job %s claim expired at %d (now %d)", jobID, j.ClaimExpiresAtMs, now.UnixMilli())
	}
	_, err = tx.Exec(`UPDATE jobs SET status = ?, summary = ?, updated_at_ms = ? WHERE id = ?`, status, summary, now.UnixMilli(), jobID)
	if err != nil {
		return nil, storeErrorf("job complete: update: %w", err)
	}
	kind := JobEventDone
	if status == JobFailed {
		kind = JobEventError
	}
	if _, err := s.appendJobEventTx(tx, jobID, kind, "job "+strings.ToLower(status), nil); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, storeErrorf("job complete: commit: %w", err)
	}
	return s.JobGet(jobID)
}

// JobCancel marks a QUEUED or RUNNING job CANCELED.
func (s *Store) JobCancel(jobID, reason string) (*Job, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, storeErrorf("job cancel: begin tx: %w", err)
	}
	defer tx.Rollback()

	j, err := s.jobGetWith(tx, jobID)
	if err != nil {
		return nil, err
	}
	if j.Status != JobQueued && j.Status != JobRunning {
		return nil, preconditionFailed("only QUEUED or RUNNING jobs can be canceled", "job %s has status %s", jobID, j.Status)
	}
	now := time.Now().UTC()
	if _, err := tx.Exec(`UPDATE jobs SET status = ?, updated_at_ms = ? WHERE id = ?`, JobCanceled, now.UnixMilli(), jobID); err != nil {
		return nil, storeErrorf("job cancel: update: %w", err)
	}
	if _, err := s.appendJobEventTx(tx, jobID, JobEventCanceled, reason, nil); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, storeErrorf("job cancel: commit: %w", err)
	}
	return s.JobGet(jobID)
}

// JobsListFilter narrows JobsList results.
type JobsListFilter struct {
	Status   string
	TaskID   string
	Priority string
	Limit    int
}

// JobsList returns jobs in a workspace matching filter, most recently
// updated first.
func (s *Store) JobsList(workspaceID string, filter JobsListFilter) ([]Job, error) {
	query := strings.Builder{}
	query.WriteString(`
		SELECT id, workspace_id, title, prompt, kind, status, priority, task_id, anchor_id, runner,
		       claim_expires_at_ms, revision, summary, meta_json, last_checkpoint_seq, last_checkpoint_ts_ms,
		       created_at_ms, updated_at_ms
		FROM jobs WHERE workspace_id = ?
	`)
	args := []any{workspaceID}
	if filter.Status != "" {
		query.WriteString(" AND status = ?")
		args = append(args, filter.Status)
	}
	if filter.TaskID != "" {
		query.WriteString(" AND task_id = ?")
		args = append(args, filter.TaskID)
	}
	if filter.Priority != "" {
		query.WriteString(" AND priority = ?")
		args = append(args, filter.Priority)
	}
	query.WriteString(" ORDER BY updated_at_ms DESC")
	limit := filter.Limit
	if limit <= 0 {
		limit = 200
	}
	query.WriteString(" LIMIT ?")
	args = append(args, limit)

	rows, err := s.db.Query(query.String(), args...)
	if err != nil {
		return nil, storeErrorf("jobs list: %w", err)
	}
	defer rows.Close()

	var out []Job
	for rows.Next() {
		var j Job
		var task, anchor, runner sql.NullString
		if err := rows.Scan(&j.ID, &j.WorkspaceID, &j.Title, &j.Prompt, &j.Kind, &j.Status, &j.Priority, &task, &anchor, &runner,
			&j.ClaimExpiresAtMs, &j.Revision, &j.Summary, &j.MetaJSON, &j.LastCheckpointSeq, &j.LastCheckpointTsMs,
			&j.CreatedAtMs, &j.UpdatedAtMs); err != nil {
			return nil, storeErrorf("jobs list: scan: %w", err)
		}
		j.TaskID, j.AnchorID, j.Runner = task.String, anchor.String, runner.String
		out = append(out, j)
	}
	return out, nil
}

// JobsStatusCounts tallies jobs per status in a workspace.
func (s *Store) JobsStatusCounts(workspaceID string) (map[string]int, error) {
	rows, err := s.db.Query(`SELECT status, COUNT(*) FROM jobs WHERE workspace_id = ? GROUP BY status`, workspaceID)
	if err != nil {
		return nil, storeErrorf("jobs status counts: %w", err)
	}
	defer rows.Close()
	out := map[string]int{}
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, storeErrorf("jobs status counts: scan: %w", err)
		}
		out[status] = count
	}
	return out, nil
}

// JobArtifactPut stores an artifact under artifact://jobs/<job_id>/<key>,
// replacing any earlier content stored under the same key.
func (s *Store) JobArtifactPut(jobID, key, content string) error {
	if _, err := s.JobGet(jobID); err != nil {
		return err
	}
	_, err := s.db.Exec(`
		INSERT INTO job_artifacts (job_id, key, content, created_at_ms) VALUES (?, ?, ?, ?)
		ON CONFLICT(job_id, key) DO UPDATE SET content = excluded.content
	`, jobID, key, content, time.Now().UTC().UnixMilli())
	if err != nil {
		return storeErrorf("job artifact put: %w", err)
	}
	return nil
}

// JobArtifactGet reads back a job artifact by key.
func (s *Store) JobArtifactGet(jobID, key string) (string, error) {
	var content string
	err := s.db.QueryRow(`SELECT content FROM job_artifacts WHERE job_id = ? AND key = ?`, jobID, key).Scan(&content)
	if err == sql.ErrNoRows {
		return "", unknownID("no artifact %q for job %q", key, jobID)
	}
	if err != nil {
		return "", storeErrorf("job artifact get: %w", err)
	}
	return content, nil
}
