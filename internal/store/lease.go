package store

import (
	"database/sql"
	"strings"
	"time"
)

// Runner lease statuses.
const (
	RunnerLive    = "live"
	RunnerIdle    = "idle"
	RunnerOffline = "offline"
)

// RunnerLease tracks which external runner currently owns which job.
type RunnerLease struct {
	WorkspaceID      string
	RunnerID         string
	Status           string
	ActiveJobID      string
	LeaseExpiresAtMs int64
	UpdatedAtMs      int64
}

// Valid reports whether the lease is still live per wall clock.
func (l *RunnerLease) Valid() bool {
	return l.LeaseExpiresAtMs > time.Now().UTC().UnixMilli()
}

// RunnerLeaseUpsert records a runner's current status and (optionally)
// active job.
func (s *Store) RunnerLeaseUpsert(workspaceID, runnerID, status, activeJobID string, leaseExpiresAtMs int64) (*RunnerLease, error) {
	status = strings.TrimSpace(status)
	if status != RunnerLive && status != RunnerIdle && status != RunnerOffline {
		return nil, invalidInput("invalid runner status %q", status)
	}
	var job sql.NullString
	if activeJobID != "" {
		job = sql.NullString{String: activeJobID, Valid: true}
	}
	now := time.Now().UTC().UnixMilli()
	_, err := s.db.Exec(`
		INSERT INTO runner_leases (workspace_id, runner_id, status, active_job_id, lease_expires_at_ms, updated_at_ms)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(workspace_id, runner_id) DO UPDATE SET
			status = excluded.status, active_job_id = excluded.active_job_id,
			lease_expires_at_ms = excluded.lease_expires_at_ms, updated_at_ms = excluded.updated_at_ms
	`, workspaceID, runnerID, status, job, leaseExpiresAtMs, now)
	if err != nil {
		return nil, storeErrorf("runner lease upsert: %w", err)
	}
	return s.RunnerLeaseGet(workspaceID, runnerID)
}

// RunnerLeaseGet loads a single runner's lease row.
func (s *Store) RunnerLeaseGet(workspaceID, runnerID string) (*RunnerLease, error) {
	var l RunnerLease
	var job sql.NullString
	l.WorkspaceID, l.RunnerID = workspaceID, runnerID
	err := s.db.QueryRow(`
		SELECT status, active_job_id, lease_expires_at_ms, updated_at_ms FROM runner_leases
		WHERE workspace_id = ? AND runner_id = ?
	`, workspaceID, runnerID).Scan(&l.Status, &job, &l.LeaseExpiresAtMs, &l.UpdatedAtMs)
	if err == sql.ErrNoRows {
		return nil, unknownID("unknown runner %q", runnerID)
	}
	if err != nil {
		return nil, storeErrorf("runner lease get: %w", err)
	}
	l.ActiveJobID = job.String
	return &l, nil
}

// RunnerLeasesListActive returns leases currently marked live.
func (s *Store) RunnerLeasesListActive(workspaceID string) ([]RunnerLease, error) {
	return s.queryLeases(`SELECT runner_id, status, active_job_id, lease_expires_at_ms, updated_at_ms
		FROM runner_leases WHERE workspace_id = ? AND status = 'live'`, workspaceID)
}

// RunnerLeasesListOfflineRecent returns leases that went offline within the
// last window.
func (s *Store) RunnerLeasesListOfflineRecent(workspaceID string, window time.Duration) ([]RunnerLease, error) {
	cutoff := time.Now().UTC().Add(-window).UnixMilli()
	return s.queryLeases(`SELECT runner_id, status, active_job_id, lease_expires_at_ms, updated_at_ms
		FROM runner_leases WHERE workspace_id = ? AND status = 'offline' AND updated_at_ms >= ?`, workspaceID, cutoff)
}

func (s *Store) queryLeases(query string, args ...any) ([]RunnerLease, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, storeErrorf("query leases: %w", err)
	}
	defer rows.Close()
	var out []RunnerLease
	for rows.Next() {
		var l RunnerLease
		var job sql.NullString
		if err := rows.Scan(&l.RunnerID, &l.Status, &job, &l.LeaseExpiresAtMs, &l.UpdatedAtMs); err != nil {
			return nil, storeErrorf("query leases: scan: %w", err)
		}
		l.ActiveJobID = job.String
		out = append(out, l)
	}
	return out, nil
}

// RunnerStatusSnapshot bundles active/offline leases with any diagnostics
// computed from cross-referencing leases against jobs.
type RunnerStatusSnapshot struct {
	Active      []RunnerLease
	Offline     []RunnerLease
	Diagnostics []RunnerDiagnostic
}

// RunnerDiagnostic is one deterministic cross-check finding between leases
// and job state.
type RunnerDiagnostic struct {
	Severity string // "error" | "warning"
	Kind     string
	JobID    string
	Runners  []string
}

const maxDiagnostics = 20

// RunnerStatusSnapshot assembles lease state plus cross-referenced
// runner/job diagnostics, bounded to maxDiagnostics entries.
func (s *Store) RunnerStatusSnapshot(workspaceID string, offlineWindow time.Duration) (*RunnerStatusSnapshot, error) {
	active, err := s.RunnerLeasesListActive(workspaceID)
	if err != nil {
		return nil, err
	}
	offline, err := s.RunnerLeasesListOfflineRecent(workspaceID, offlineWindow)
	if err != nil {
		return nil, err
	}

	allRows, err := s.db.Query(`SELECT runner_id, status, active_job_id, lease_expires_at_ms FROM runner_leases WHERE workspace_id = ?`, workspaceID)
	if err != nil {
		return nil, storeErrorf("runner status snapshot: %w", err)
	}
	type leaseRow struct {
		runnerID, status, activeJob string
		expires                     int64
	}
	var leases []leaseRow
	for allRows.Next() {
		var r leaseRow
		var job sql.NullString
		if err := allRows.Scan(&r.runnerID, &r.status, &job, &r.expires); err != nil {
			allRows.Close()
			return nil, storeErrorf("runner status snapshot: scan: %w", err)
		}
		r.activeJob = job.String
		leases = append(leases, r)
	}
	allRows.Close()

	diags := []RunnerDiagnostic{}
	add := func(d RunnerDiagnostic) bool {
		if len(diags) >= maxDiagnostics {
			return false
		}
		diags = append(diags, d)
		return true
	}

	now := time.Now().UTC().UnixMilli()
	byActiveJobLive := map[string][]string{}
	for _, l := range leases {
		if l.status == RunnerLive {
			if l.activeJob == "" {
				if !add(RunnerDiagnostic{Severity: "warning", Kind: "live_missing_active_job", Runners: []string{l.runnerID}}) {
					break
				}
				continue
			}
			byActiveJobLive[l.activeJob] = append(byActiveJobLive[l.activeJob], l.runnerID)
		}
		if l.status == RunnerIdle && l.activeJob != "" {
			if !add(RunnerDiagnostic{Severity: "warning", Kind: "idle_has_active_job", JobID: l.activeJob, Runners: []string{l.runnerID}}) {
				break
			}
		}
	}
	for jobID, runners := range byActiveJobLive {
		if len(diags) >= maxDiagnostics {
			break
		}
		if len(runners) > 1 {
			add(RunnerDiagnostic{Severity: "error", Kind: "duplicate_active_job", JobID: jobID, Runners: runners})
			continue
		}
		job, err := s.JobGet(jobID)
		if err != nil {
			add(RunnerDiagnostic{Severity: "error", Kind: "active_job_unknown", JobID: jobID, Runners: runners})
			continue
		}
		if job.Status != JobRunning {
			add(RunnerDiagnostic{Severity: "error", Kind: "active_job_not_running", JobID: jobID, Runners: runners})
			continue
		}
		if job.Runner != "" && job.Runner != runners[0] {
			add(RunnerDiagnostic{Severity: "error", Kind: "job_runner_mismatch", JobID: jobID, Runners: append(runners, job.Runner)})
		}
		if job.ClaimExpiresAtMs > 0 && job.ClaimExpiresAtMs < now {
			add(RunnerDiagnostic{Severity: "warning", Kind: "job_claim_expired", JobID: jobID, Runners: runners})
		}
	}

	// job_runner_offline: RUNNING jobs whose runner has no active lease,
	// only meaningful once we've enumerated every lease row (complete set).
	runningJobs, err := s.JobsList(workspaceID, JobsListFilter{Status: JobRunning, Limit: 1000})
	if err != nil {
		return nil, err
	}
	liveSet := map[string]bool{}
	for _, l := range leases {
		if l.status == RunnerLive {
			liveSet[l.runnerID] = true
		}
	}
	for _, j := range runningJobs {
		if len(diags) >= maxDiagnostics {
			break
		}
		if j.Runner != "" && !liveSet[j.Runner] {
			add(RunnerDiagnostic{Severity: "warning", Kind: "job_runner_offline", JobID: j.ID, Runners: []string{j.Runner}})
		}
	}

	return &RunnerStatusSnapshot{Active: active, Offline: offline, Diagnostics: diags}, nil
}

// JobRadarRaw carries the per-job seq/time fields jobsrt.ComputeAttention
// needs to derive needs_manager/needs_proof/stale/stalled flags.
type JobRadarRaw struct {
	JobID                string
	Status               string
	ClaimExpiresAtMs     int64
	LastCheckpointSeq    int64
	LastCheckpointTsMs   int64
	LastQuestionSeq      int64
	LastManagerSeq       int64
	LastErrorSeq         int64
	LastProofGateSeq     int64
	LastManagerProofSeq  int64
	LastEventTsMs        int64
	UpdatedAtMs          int64
}

// JobsRadarRaw computes the raw per-job signals behind attention
// classification for every non-terminal job in a workspace.
func (s *Store) JobsRadarRaw(workspaceID string) ([]JobRadarRaw, error) {
	rows, err := s.db.Query(`
		SELECT j.id, j.status, j.claim_expires_at_ms, j.last_checkpoint_seq, j.last_checkpoint_ts_ms, j.updated_at_ms,
		       (SELECT MAX(seq) FROM job_events e WHERE e.job_id = j.id AND e.kind = 'question') AS last_question_seq,
		       (SELECT MAX(seq) FROM job_events e WHERE e.job_id = j.id AND e.kind = 'manager') AS last_manager_seq,
		       (SELECT MAX(seq) FROM job_events e WHERE e.job_id = j.id AND e.kind = 'error') AS last_error_seq,
		       (SELECT MAX(seq) FROM job_events e WHERE e.job_id = j.id AND e.kind = 'proof_gate') AS last_proof_gate_seq,
		       (SELECT MAX(ts_ms) FROM job_events e WHERE e.job_id = j.id) AS last_event_ts_ms
		FROM jobs j WHERE j.workspace_id = ? AND j.status IN ('QUEUED', 'RUNNING')
	`, workspaceID)
	if err != nil {
		return nil, storeErrorf("jobs radar raw: %w", err)
	}
	defer rows.Close()

	var out []JobRadarRaw
	for rows.Next() {
		var r JobRadarRaw
		var lastQuestion, lastManager, lastError, lastProofGate, lastEventTs sql.NullInt64
		if err := rows.Scan(&r.JobID, &r.Status, &r.ClaimExpiresAtMs, &r.LastCheckpointSeq, &r.LastCheckpointTsMs, &r.UpdatedAtMs,
			&lastQuestion, &lastManager, &lastError, &lastProofGate, &lastEventTs); err != nil {
			return nil, storeErrorf("jobs radar raw: scan: %w", err)
		}
		r.LastQuestionSeq = lastQuestion.Int64
		r.LastManagerSeq = lastManager.Int64
		// The manager-ack channel is a single event kind in this schema; the
		// same seq acknowledges both general messages and proof gates.
		r.LastManagerProofSeq = lastManager.Int64
		r.LastErrorSeq = lastError.Int64
		r.LastProofGateSeq = lastProofGate.Int64
		r.LastEventTsMs = lastEventTs.Int64
		out = append(out, r)
	}
	return out, nil
}
