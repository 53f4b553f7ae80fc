package store

import (
	"database/sql"
	"strings"
	"time"
)

// DocEntry is one append-only row in a (workspace, branch, doc) log: notes,
// trace, graph commentary, plan_spec, or mindpack entries all share this
// shape.
type DocEntry struct {
	Branch   string
	Doc      string
	Seq      int64
	TsMs     int64
	Kind     string
	Title    string
	Content  string
	Format   string
	MetaJSON string
}

// Event is the lightweight notification returned by operations that append
// a doc entry as a side effect (plan/task creation, STRICT OVERRIDE notes,
// and similar lifecycle markers).
type Event struct {
	Branch string
	Doc    string
	Seq    int64
	TsMs   int64
	Kind   string
}

// DocAppend appends one entry to (workspace, branch, doc) with a dense
// monotonic seq and returns the full entry as stored.
func (s *Store) DocAppend(workspaceID, branch, doc, kind, title, content, format, metaJSON string) (*DocEntry, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, storeErrorf("doc append: begin tx: %w", err)
	}
	defer tx.Rollback()

	ev, err := s.appendDocTx(tx, workspaceID, branch, doc, kind, title, content, format, metaJSON)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, storeErrorf("doc append: commit: %w", err)
	}
	return s.docEntryAt(workspaceID, branch, doc, ev.Seq)
}

func (s *Store) appendDocTx(tx *sql.Tx, workspaceID, branch, doc, kind, title, content, format, metaJSON string) (*Event, error) {
	branch = strings.TrimSpace(branch)
	doc = strings.TrimSpace(doc)
	if branch == "" || doc == "" {
		return nil, invalidInput("doc append requires branch and doc")
	}
	if metaJSON == "" {
		metaJSON = "{}"
	}
	var maxSeq sql.NullInt64
	err := tx.QueryRow(`SELECT MAX(seq) FROM doc_entries WHERE workspace_id = ? AND branch = ? AND doc = ?`,
		workspaceID, branch, doc).Scan(&maxSeq)
	if err != nil {
		return nil, storeErrorf("doc append: max seq: %w", err)
	}
	seq := maxSeq.Int64 + 1
	now := time.Now().UTC()
	_, err = tx.Exec(`
		INSERT INTO doc_entries (workspace_id, branch, doc, seq, ts_ms, kind, title, content, format, meta_json)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, workspaceID, branch, doc, seq, now.UnixMilli(), kind, title, content, format, metaJSON)
	if err != nil {
		return nil, storeErrorf("doc append: insert: %w", err)
	}
	return &Event{Branch: branch, Doc: doc, Seq: seq, TsMs: now.UnixMilli(), Kind: kind}, nil
}

func (s *Store) docEntryAt(workspaceID, branch, doc string, seq int64) (*DocEntry, error) {
	var e DocEntry
	e.Branch, e.Doc = branch, doc
	err := s.db.QueryRow(`
		SELECT seq, ts_ms, kind, title, content, format, meta_json FROM doc_entries
		WHERE workspace_id = ? AND branch = ? AND doc = ? AND seq = ?
	`, workspaceID, branch, doc, seq).Scan(&e.Seq, &e.TsMs, &e.Kind, &e.Title, &e.Content, &e.Format, &e.MetaJSON)
	if err != nil {
		return nil, storeErrorf("doc entry at: %w", err)
	}
	return &e, nil
}

// DocShowTail returns the most recent N entries of (branch, doc), oldest
// first.
func (s *Store) DocShowTail(workspaceID, branch, doc string, limit int) ([]DocEntry, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.Query(`
		SELECT seq, ts_ms, kind, title, content, format, meta_json FROM doc_entries
		WHERE workspace_id = ? AND branch = ? AND doc = ?
		ORDER BY seq DESC LIMIT ?
	`, workspaceID, branch, doc, limit)
	if err != nil {
		return nil, storeErrorf("doc show tail: %w", err)
	}
	defer rows.Close()

	var out []DocEntry
	for rows.Next() {
		var e DocEntry
		e.Branch, e.Doc = branch, doc
		if err := rows.Scan(&e.Seq, &e.TsMs, &e.Kind, &e.Title, &e.Content, &e.Format, &e.MetaJSON); err != nil {
			return nil, storeErrorf("doc show tail: scan: %w", err)
		}
		out = append(out, e)
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

// DocEntriesSince returns entries with seq > sinceSeq, in seq order.
func (s *Store) DocEntriesSince(workspaceID, branch, doc string, sinceSeq int64, limit int) ([]DocEntry, error) {
	if limit <= 0 {
		limit = 500
	}
	rows, err := s.db.Query(`
		SELECT seq, ts_ms, kind, title, content, format, meta_json FROM doc_entries
		WHERE workspace_id = ? AND branch = ? AND doc = ? AND seq > ?
		ORDER BY seq ASC LIMIT ?
	`, workspaceID, branch, doc, sinceSeq, limit)
	if err != nil {
		return nil, storeErrorf("doc entries since: %w", err)
	}
	defer rows.Close()

	var out []DocEntry
	for rows.Next() {
		var e DocEntry
		e.Branch, e.Doc = branch, doc
		if err := rows.Scan(&e.Seq, &e.TsMs, &e.Kind, &e.Title, &e.Content, &e.Format, &e.MetaJSON); err != nil {
			return nil, storeErrorf("doc entries since: scan: %w", err)
		}
		out = append(out, e)
	}
	return out, nil
}

// WorkspaceLastDocEntryHead returns the maximum seq across every (branch,
// doc) in the workspace, used by portal cursor delta computation as
// until_seq.
func (s *Store) WorkspaceLastDocEntryHead(workspaceID string) (int64, error) {
	var head sql.NullInt64
	err := s.db.QueryRow(`SELECT MAX(seq) FROM doc_entries WHERE workspace_id = ?`, workspaceID).Scan(&head)
	if err != nil {
		return 0, storeErrorf("workspace last doc entry head: %w", err)
	}
	return head.Int64, nil
}

// DocMerge copies every entry of (fromBranch, doc) into (intoBranch, doc)
// preserving order, suffixing each copied entry's kind with ":"+docKind;
// used by anchor merges and slice
// rebinding where two branches' history needs to converge into one.
func (s *Store) DocMerge(workspaceID, fromBranch, intoBranch, docKind, doc string) (int, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return 0, storeErrorf("doc merge: begin tx: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.Query(`
		SELECT ts_ms, kind, title, content, format, meta_json FROM doc_entries
		WHERE workspace_id = ? AND branch = ? AND doc = ? ORDER BY seq ASC
	`, workspaceID, fromBranch, doc)
	if err != nil {
		return 0, storeErrorf("doc merge: select: %w", err)
	}
	type row struct {
		tsMs                               int64
		kind, title, content, format, meta string
	}
	var entries []row
	for rows.Next() {
		var r row
		if err := rows.Scan(&r.tsMs, &r.kind, &r.title, &r.content, &r.format, &r.meta); err != nil {
			rows.Close()
			return 0, storeErrorf("doc merge: scan: %w", err)
		}
		entries = append(entries, r)
	}
	rows.Close()

	merged := 0
	for _, r := range entries {
		if _, err := s.appendDocTx(tx, workspaceID, intoBranch, doc, r.kind+":"+docKind, r.title, r.content, r.format, r.meta); err != nil {
			return 0, err
		}
		merged++
	}
	if err := tx.Commit(); err != nil {
		return 0, storeErrorf("doc merge: commit: %w", err)
	}
	return merged, nil
}
