package store

import (
	"time"
)

// CountDispatchUsage counts dispatch_usage rows for workspaceID recorded
// within the trailing window, implementing dispatch.UsageStore so the
// runner-dispatch rate limiter can enforce its 5h/weekly caps against
// durable state rather than an in-process counter that resets on restart.
func (s *Store) CountDispatchUsage(workspaceID string, window time.Duration) (int, error) {
	cutoff := time.Now().UTC().Add(-window).UnixMilli()
	var count int
	err := s.db.QueryRow(`
		SELECT COUNT(*) FROM dispatch_usage WHERE workspace_id = ? AND created_at_ms >= ?
	`, workspaceID, cutoff).Scan(&count)
	if err != nil {
		return 0, storeErrorf("count dispatch usage: %w", err)
	}
	return count, nil
}

// RecordDispatchUsage inserts one dispatch_usage row and returns its id, so
// a subsequent dispatch failure can roll back the reservation via
// DeleteDispatchUsage.
func (s *Store) RecordDispatchUsage(workspaceID, role, jobID string) (int64, error) {
	now := time.Now().UTC().UnixMilli()
	res, err := s.db.Exec(`
		INSERT INTO dispatch_usage (workspace_id, role, job_id, created_at_ms) VALUES (?, ?, ?, ?)
	`, workspaceID, role, jobID, now)
	if err != nil {
		return 0, storeErrorf("record dispatch usage: %w", err)
	}
	return res.LastInsertId()
}

// DeleteDispatchUsage removes a usage reservation, used to roll back a
// dispatch that never actually started after the slot was reserved.
func (s *Store) DeleteDispatchUsage(id int64) error {
	if _, err := s.db.Exec(`DELETE FROM dispatch_usage WHERE id = ?`, id); err != nil {
		return storeErrorf("delete dispatch usage: %w", err)
	}
	return nil
}
