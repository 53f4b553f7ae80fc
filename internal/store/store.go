// Package store provides the durable transactional kernel for BranchMind:
// workspaces, plans, tasks, steps, slices, jobs, events, leases, docs,
// the reasoning graph, anchors, mesh messages, and portal cursors.
//
// Every mutating method opens a single serialisable SQLite transaction and
// either commits the full effect or rolls back; callers never observe
// partial state. Reads use the default connection pool, which SQLite's WAL
// mode gives a consistent snapshot view.
package store

import (
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

// Store is the SQLite-backed persistence layer for a BranchMind server.
type Store struct {
	db *sql.DB
}

const schema = `
PRAGMA foreign_keys = ON;

CREATE TABLE IF NOT EXISTS workspaces (
	id            TEXT PRIMARY KEY,
	path          TEXT NOT NULL DEFAULT '',
	project_guard TEXT NOT NULL DEFAULT '',
	created_at    DATETIME NOT NULL DEFAULT (datetime('now')),
	updated_at    DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS id_sequences (
	workspace_id TEXT NOT NULL,
	prefix       TEXT NOT NULL,
	next_value   INTEGER NOT NULL DEFAULT 1,
	PRIMARY KEY (workspace_id, prefix)
);

CREATE TABLE IF NOT EXISTS plans (
	id              TEXT PRIMARY KEY,
	workspace_id    TEXT NOT NULL REFERENCES workspaces(id),
	kind            TEXT NOT NULL DEFAULT 'plan',
	parent_id       TEXT,
	title           TEXT NOT NULL DEFAULT '',
	description     TEXT NOT NULL DEFAULT '',
	context         TEXT NOT NULL DEFAULT '',
	revision        INTEGER NOT NULL DEFAULT 1,
	focus           INTEGER NOT NULL DEFAULT 0,
	reasoning_mode  TEXT NOT NULL DEFAULT 'normal',
	created_at      DATETIME NOT NULL DEFAULT (datetime('now')),
	updated_at      DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE INDEX IF NOT EXISTS idx_plans_workspace ON plans(workspace_id);
CREATE INDEX IF NOT EXISTS idx_plans_parent ON plans(parent_id);
CREATE INDEX IF NOT EXISTS idx_plans_kind ON plans(workspace_id, kind);

CREATE TABLE IF NOT EXISTS steps (
	step_id          TEXT PRIMARY KEY,
	workspace_id     TEXT NOT NULL REFERENCES workspaces(id),
	task_id          TEXT NOT NULL REFERENCES plans(id),
	parent_step_id   TEXT,
	idx              INTEGER NOT NULL DEFAULT 0,
	path             TEXT NOT NULL,
	success_criteria TEXT NOT NULL DEFAULT '',
	tests            TEXT NOT NULL DEFAULT '[]',
	blockers         TEXT NOT NULL DEFAULT '[]',
	security         TEXT NOT NULL DEFAULT '',
	perf             TEXT NOT NULL DEFAULT '',
	docs             TEXT NOT NULL DEFAULT '',
	status           TEXT NOT NULL DEFAULT 'open',
	lease_json       TEXT NOT NULL DEFAULT '',
	created_at       DATETIME NOT NULL DEFAULT (datetime('now')),
	updated_at       DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE INDEX IF NOT EXISTS idx_steps_task ON steps(task_id);
CREATE INDEX IF NOT EXISTS idx_steps_parent ON steps(parent_step_id);
CREATE UNIQUE INDEX IF NOT EXISTS idx_steps_task_path ON steps(task_id, path);

CREATE TABLE IF NOT EXISTS plan_slices (
	slice_id       TEXT PRIMARY KEY,
	workspace_id   TEXT NOT NULL REFERENCES workspaces(id),
	plan_id        TEXT NOT NULL,
	slice_task_id  TEXT NOT NULL,
	spec_json      TEXT NOT NULL,
	state          TEXT NOT NULL DEFAULT 'open',
	created_at     DATETIME NOT NULL DEFAULT (datetime('now')),
	updated_at     DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE INDEX IF NOT EXISTS idx_plan_slices_plan ON plan_slices(plan_id);
CREATE INDEX IF NOT EXISTS idx_plan_slices_task ON plan_slices(slice_task_id);

CREATE TABLE IF NOT EXISTS jobs (
	id                 TEXT PRIMARY KEY,
	workspace_id       TEXT NOT NULL REFERENCES workspaces(id),
	title              TEXT NOT NULL DEFAULT '',
	prompt             TEXT NOT NULL DEFAULT '',
	kind               TEXT NOT NULL DEFAULT 'codex_cli',
	status             TEXT NOT NULL DEFAULT 'QUEUED',
	priority           TEXT NOT NULL DEFAULT 'MEDIUM',
	task_id            TEXT,
	anchor_id          TEXT,
	runner             TEXT,
	claim_expires_at_ms INTEGER NOT NULL DEFAULT 0,
	revision           INTEGER NOT NULL DEFAULT 1,
	summary            TEXT NOT NULL DEFAULT '',
	meta_json          TEXT NOT NULL DEFAULT '{}',
	last_checkpoint_seq INTEGER NOT NULL DEFAULT 0,
	last_checkpoint_ts_ms INTEGER NOT NULL DEFAULT 0,
	created_at_ms      INTEGER NOT NULL,
	updated_at_ms      INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_jobs_workspace ON jobs(workspace_id);
CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(workspace_id, status);
CREATE INDEX IF NOT EXISTS idx_jobs_task ON jobs(task_id);

CREATE TABLE IF NOT EXISTS job_events (
	job_id    TEXT NOT NULL REFERENCES jobs(id),
	seq       INTEGER NOT NULL,
	ts_ms     INTEGER NOT NULL,
	kind      TEXT NOT NULL,
	message   TEXT NOT NULL DEFAULT '',
	refs_json TEXT NOT NULL DEFAULT '[]',
	PRIMARY KEY (job_id, seq)
);

CREATE TABLE IF NOT EXISTS job_artifacts (
	job_id     TEXT NOT NULL REFERENCES jobs(id),
	key        TEXT NOT NULL,
	content    TEXT NOT NULL DEFAULT '',
	created_at_ms INTEGER NOT NULL,
	PRIMARY KEY (job_id, key)
);

CREATE TABLE IF NOT EXISTS runner_leases (
	workspace_id      TEXT NOT NULL REFERENCES workspaces(id),
	runner_id         TEXT NOT NULL,
	status            TEXT NOT NULL DEFAULT 'idle',
	active_job_id     TEXT,
	lease_expires_at_ms INTEGER NOT NULL DEFAULT 0,
	updated_at_ms     INTEGER NOT NULL,
	PRIMARY KEY (workspace_id, runner_id)
);

CREATE INDEX IF NOT EXISTS idx_runner_leases_active ON runner_leases(workspace_id, active_job_id);

CREATE TABLE IF NOT EXISTS mesh_messages (
	workspace_id     TEXT NOT NULL REFERENCES workspaces(id),
	thread_id        TEXT NOT NULL,
	seq              INTEGER NOT NULL,
	ts_ms            INTEGER NOT NULL,
	kind             TEXT NOT NULL,
	summary          TEXT NOT NULL DEFAULT '',
	payload_json     TEXT NOT NULL DEFAULT '{}',
	idempotency_key  TEXT,
	from_agent_id    TEXT,
	PRIMARY KEY (workspace_id, thread_id, seq)
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_mesh_idem ON mesh_messages(workspace_id, thread_id, idempotency_key)
	WHERE idempotency_key IS NOT NULL;
CREATE INDEX IF NOT EXISTS idx_mesh_thread_recent ON mesh_messages(workspace_id, ts_ms);

CREATE TABLE IF NOT EXISTS doc_entries (
	workspace_id TEXT NOT NULL REFERENCES workspaces(id),
	branch       TEXT NOT NULL,
	doc          TEXT NOT NULL,
	seq          INTEGER NOT NULL,
	ts_ms        INTEGER NOT NULL,
	kind         TEXT NOT NULL,
	title        TEXT NOT NULL DEFAULT '',
	content      TEXT NOT NULL DEFAULT '',
	format       TEXT NOT NULL DEFAULT '',
	meta_json    TEXT NOT NULL DEFAULT '{}',
	PRIMARY KEY (workspace_id, branch, doc, seq)
);

CREATE TABLE IF NOT EXISTS graph_nodes (
	workspace_id TEXT NOT NULL REFERENCES workspaces(id),
	id           TEXT NOT NULL,
	node_type    TEXT NOT NULL,
	title        TEXT NOT NULL DEFAULT '',
	text         TEXT NOT NULL DEFAULT '',
	tags_json    TEXT NOT NULL DEFAULT '[]',
	status       TEXT NOT NULL DEFAULT 'open',
	last_seq     INTEGER NOT NULL DEFAULT 0,
	created_at_ms INTEGER NOT NULL,
	updated_at_ms INTEGER NOT NULL,
	PRIMARY KEY (workspace_id, id)
);

CREATE INDEX IF NOT EXISTS idx_graph_nodes_type ON graph_nodes(workspace_id, node_type);

CREATE TABLE IF NOT EXISTS graph_edges (
	workspace_id TEXT NOT NULL REFERENCES workspaces(id),
	id           TEXT NOT NULL,
	edge_type    TEXT NOT NULL,
	from_id      TEXT NOT NULL,
	to_id        TEXT NOT NULL,
	created_at_ms INTEGER NOT NULL,
	PRIMARY KEY (workspace_id, id)
);

CREATE INDEX IF NOT EXISTS idx_graph_edges_from ON graph_edges(workspace_id, from_id);
CREATE INDEX IF NOT EXISTS idx_graph_edges_to ON graph_edges(workspace_id, to_id);

CREATE TABLE IF NOT EXISTS anchors (
	workspace_id TEXT NOT NULL REFERENCES workspaces(id),
	id           TEXT NOT NULL,
	title        TEXT NOT NULL DEFAULT '',
	kind         TEXT NOT NULL DEFAULT 'component',
	status       TEXT NOT NULL DEFAULT 'active',
	depends_on_json TEXT NOT NULL DEFAULT '[]',
	parent_id    TEXT,
	created_at_ms INTEGER NOT NULL,
	updated_at_ms INTEGER NOT NULL,
	PRIMARY KEY (workspace_id, id)
);

CREATE TABLE IF NOT EXISTS anchor_aliases (
	workspace_id TEXT NOT NULL REFERENCES workspaces(id),
	alias_id     TEXT NOT NULL,
	canonical_id TEXT NOT NULL,
	PRIMARY KEY (workspace_id, alias_id)
);

CREATE INDEX IF NOT EXISTS idx_anchor_aliases_canonical ON anchor_aliases(workspace_id, canonical_id);

CREATE TABLE IF NOT EXISTS dispatch_usage (
	id           INTEGER PRIMARY KEY AUTOINCREMENT,
	workspace_id TEXT NOT NULL REFERENCES workspaces(id),
	role         TEXT NOT NULL DEFAULT '',
	job_id       TEXT NOT NULL DEFAULT '',
	created_at_ms INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_dispatch_usage_workspace ON dispatch_usage(workspace_id, created_at_ms);

CREATE TABLE IF NOT EXISTS portal_cursors (
	workspace_id TEXT NOT NULL REFERENCES workspaces(id),
	tool         TEXT NOT NULL,
	target       TEXT NOT NULL,
	lane         TEXT NOT NULL,
	baseline_seq INTEGER NOT NULL DEFAULT 0,
	updated_at_ms INTEGER NOT NULL,
	PRIMARY KEY (workspace_id, tool, target, lane)
);

CREATE TABLE IF NOT EXISTS gate_decisions (
	decision_ref     TEXT PRIMARY KEY,
	workspace_id     TEXT NOT NULL REFERENCES workspaces(id),
	task_id          TEXT NOT NULL,
	slice_id         TEXT NOT NULL,
	decision         TEXT NOT NULL,
	scout_job_id     TEXT NOT NULL DEFAULT '',
	builder_job_id   TEXT NOT NULL DEFAULT '',
	validator_job_id TEXT NOT NULL DEFAULT '',
	builder_revision INTEGER NOT NULL DEFAULT 0,
	created_at_ms    INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_gate_decisions_slice ON gate_decisions(workspace_id, slice_id);
`

// Open creates or opens a SQLite database at path and ensures the schema
// exists.
func Open(dbPath string) (*Store, error) {
	// _txlock=immediate: transactions take the write lock at BEGIN (waiting
	// up to busy_timeout), so read-then-write ops do not fail with
	// SQLITE_BUSY when another writer commits in between.
	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(ON)&_txlock=immediate")
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", dbPath, err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: create schema: %w", err)
	}

	return &Store{db: db}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the underlying handle for diagnostics and tests.
func (s *Store) DB() *sql.DB {
	return s.db
}

// rowQuerier is satisfied by both *sql.DB and *sql.Tx, letting read helpers
// run either against the live pool or inside an in-flight transaction.
type rowQuerier interface {
	QueryRow(query string, args ...any) *sql.Row
}

// rowsQuerier is the multi-row counterpart of rowQuerier.
type rowsQuerier interface {
	Query(query string, args ...any) (*sql.Rows, error)
}
