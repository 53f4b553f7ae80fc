package store

import (
	"database/sql"
	"strings"
	"time"
)

// MeshMessage is one entry on the append-only per-thread mesh bus.
type MeshMessage struct {
	ThreadID        string
	Seq             int64
	TsMs            int64
	Kind            string
	Summary         string
	PayloadJSON     string
	IdempotencyKey  string
	FromAgentID     string
}

// JobBusPublish appends a message to thread_id, deduplicating atomically by
// idempotency_key within the thread when one is supplied. A duplicate
// publish returns the original message, not an error.
func (s *Store) JobBusPublish(workspaceID, threadID, kind, summary, payloadJSON, idempotencyKey, fromAgentID string) (*MeshMessage, error) {
	threadID = strings.TrimSpace(threadID)
	if threadID == "" {
		return nil, invalidInput("thread_id is required")
	}
	if payloadJSON == "" {
		payloadJSON = "{}"
	}

	tx, err := s.db.Begin()
	if err != nil {
		return nil, storeErrorf("job bus publish: begin tx: %w", err)
	}
	defer tx.Rollback()

	if idempotencyKey != "" {
		var existing MeshMessage
		existing.ThreadID = threadID
		var from sql.NullString
		err := tx.QueryRow(`
			SELECT seq, ts_ms, kind, summary, payload_json, idempotency_key, from_agent_id FROM mesh_messages
			WHERE workspace_id = ? AND thread_id = ? AND idempotency_key = ?
		`, workspaceID, threadID, idempotencyKey).Scan(&existing.Seq, &existing.TsMs, &existing.Kind, &existing.Summary,
			&existing.PayloadJSON, &existing.IdempotencyKey, &from)
		if err == nil {
			existing.FromAgentID = from.String
			return &existing, nil // idempotent replay; no new row, tx rolls back harmlessly
		}
		if err != sql.ErrNoRows {
			return nil, storeErrorf("job bus publish: idempotency check: %w", err)
		}
	}

	var maxSeq sql.NullInt64
	if err := tx.QueryRow(`SELECT MAX(seq) FROM mesh_messages WHERE workspace_id = ? AND thread_id = ?`,
		workspaceID, threadID).Scan(&maxSeq); err != nil {
		return nil, storeErrorf("job bus publish: max seq: %w", err)
	}
	seq := maxSeq.Int64 + 1
	now := time.Now().UTC()
	var idem, from sql.NullString
	if idempotencyKey != "" {
		idem = sql.NullString{String: idempotencyKey, Valid: true}
	}
	if fromAgentID != "" {
		from = sql.NullString{String: fromAgentID, Valid: true}
	}
	_, err = tx.Exec(`
		INSERT INTO mesh_messages (workspace_id, thread_id, seq, ts_ms, kind, summary, payload_json, idempotency_key, from_agent_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, workspaceID, threadID, seq, now.UnixMilli(), kind, summary, payloadJSON, idem, from)
	if err != nil {
		return nil, storeErrorf("job bus publish: insert: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, storeErrorf("job bus publish: commit: %w", err)
	}
	return &MeshMessage{ThreadID: threadID, Seq: seq, TsMs: now.UnixMilli(), Kind: kind, Summary: summary,
		PayloadJSON: payloadJSON, IdempotencyKey: idempotencyKey, FromAgentID: fromAgentID}, nil
}

// JobBusPull returns the next batch of messages on threadID with
// seq > afterSeq, in seq order, up to limit.
func (s *Store) JobBusPull(workspaceID, threadID string, afterSeq int64, limit int) ([]MeshMessage, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.Query(`
		SELECT seq, ts_ms, kind, summary, payload_json, idempotency_key, from_agent_id FROM mesh_messages
		WHERE workspace_id = ? AND thread_id = ? AND seq > ? ORDER BY seq ASC LIMIT ?
	`, workspaceID, threadID, afterSeq, limit)
	if err != nil {
		return nil, storeErrorf("job bus pull: %w", err)
	}
	defer rows.Close()

	var out []MeshMessage
	for rows.Next() {
		var m MeshMessage
		m.ThreadID = threadID
		var idem, from sql.NullString
		if err := rows.Scan(&m.Seq, &m.TsMs, &m.Kind, &m.Summary, &m.PayloadJSON, &idem, &from); err != nil {
			return nil, storeErrorf("job bus pull: scan: %w", err)
		}
		m.IdempotencyKey, m.FromAgentID = idem.String, from.String
		out = append(out, m)
	}
	return out, nil
}

// ThreadActivity summarizes a thread's recency for job_bus_threads_recent.
type ThreadActivity struct {
	ThreadID   string
	LastSeq    int64
	LastTsMs   int64
	LastKind   string
}

// JobBusThreadsRecent lists threads with recent activity, most recent
// first.
func (s *Store) JobBusThreadsRecent(workspaceID string, limit int) ([]ThreadActivity, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(`
		SELECT thread_id, MAX(seq), MAX(ts_ms) FROM mesh_messages
		WHERE workspace_id = ? GROUP BY thread_id ORDER BY MAX(ts_ms) DESC LIMIT ?
	`, workspaceID, limit)
	if err != nil {
		return nil, storeErrorf("job bus threads recent: %w", err)
	}
	defer rows.Close()

	var out []ThreadActivity
	for rows.Next() {
		var t ThreadActivity
		if err := rows.Scan(&t.ThreadID, &t.LastSeq, &t.LastTsMs); err != nil {
			return nil, storeErrorf("job bus threads recent: scan: %w", err)
		}
		var kind string
		_ = s.db.QueryRow(`SELECT kind FROM mesh_messages WHERE workspace_id = ? AND thread_id = ? AND seq = ?`,
			workspaceID, t.ThreadID, t.LastSeq).Scan(&kind)
		t.LastKind = kind
		out = append(out, t)
	}
	return out, nil
}

// JobBusThreadStatuses returns, for each of threadIDs, the baseline seq the
// given consumer has already cursored past (reusing portal_cursors with
// tool="mesh_consumer", lane=consumerID) alongside the thread's current
// head seq.
func (s *Store) JobBusThreadStatuses(consumerID string, workspaceID string, threadIDs []string) (map[string]struct{ Baseline, Head int64 }, error) {
	out := map[string]struct{ Baseline, Head int64 }{}
	for _, threadID := range threadIDs {
		baseline, err := s.PortalCursorGet(workspaceID, "mesh_consumer", threadID, consumerID)
		if err != nil {
			return nil, err
		}
		var head sql.NullInt64
		if err := s.db.QueryRow(`SELECT MAX(seq) FROM mesh_messages WHERE workspace_id = ? AND thread_id = ?`,
			workspaceID, threadID).Scan(&head); err != nil {
			return nil, storeErrorf("job bus thread statuses: %w", err)
		}
		out[threadID] = struct{ Baseline, Head int64 }{Baseline: baseline, Head: head.Int64}
	}
	return out, nil
}

// JobBusLinksRecent returns the most recent messages across every thread
// whose kind matches one of kinds (e.g. "gate_decision", "pipeline_apply"),
// used by the control-center synthesis sweep.
func (s *Store) JobBusLinksRecent(workspaceID string, kinds []string, since int64, limit int) ([]MeshMessage, error) {
	if limit <= 0 {
		limit = 200
	}
	if len(kinds) == 0 {
		return nil, nil
	}
	placeholders := strings.Repeat("?,", len(kinds))
	placeholders = placeholders[:len(placeholders)-1]
	args := make([]any, 0, len(kinds)+2)
	args = append(args, workspaceID)
	for _, k := range kinds {
		args = append(args, k)
	}
	args = append(args, since, limit)
	rows, err := s.db.Query(`
		SELECT thread_id, seq, ts_ms, kind, summary, payload_json, idempotency_key, from_agent_id FROM mesh_messages
		WHERE workspace_id = ? AND kind IN (`+placeholders+`) AND ts_ms >= ? ORDER BY ts_ms DESC LIMIT ?
	`, args...)
	if err != nil {
		return nil, storeErrorf("job bus links recent: %w", err)
	}
	defer rows.Close()

	var out []MeshMessage
	for rows.Next() {
		var m MeshMessage
		var idem, from sql.NullString
		if err := rows.Scan(&m.ThreadID, &m.Seq, &m.TsMs, &m.Kind, &m.Summary, &m.PayloadJSON, &idem, &from); err != nil {
			return nil, storeErrorf("job bus links recent: scan: %w", err)
		}
		m.IdempotencyKey, m.FromAgentID = idem.String, from.String
		out = append(out, m)
	}
	return out, nil
}
