package store

import (
	"database/sql"
	"encoding/json"
	"time"
)

// Graph node types: the shape of a reasoning "think card".
const (
	GraphNodeHypothesis = "hypothesis"
	GraphNodeDecision    = "decision"
	GraphNodeQuestion    = "question"
	GraphNodeRisk        = "risk"
	GraphNodeEvidence    = "evidence"
	GraphNodeTest        = "test"
)

// Graph edge types.
const (
	GraphEdgeSupports  = "supports"
	GraphEdgeContrasts = "contrasts"
	GraphEdgeAnswers   = "answers"
	GraphEdgeDependsOn = "depends_on"
	GraphEdgeTests     = "tests" // test -> hypothesis/decision it exercises
)

// GraphNode is one card in the reasoning graph: a hypothesis, decision,
// question, risk, or piece of evidence.
type GraphNode struct {
	WorkspaceID string
	ID          string
	NodeType    string
	Title       string
	Text        string
	Tags        []string
	Status      string
	LastSeq     int64
	CreatedAtMs int64
	UpdatedAtMs int64
}

// GraphEdge links two graph nodes.
type GraphEdge struct {
	WorkspaceID string
	ID          string
	EdgeType    string
	FromID      string
	ToID        string
	CreatedAtMs int64
}

// GraphUpsertNode creates or updates a reasoning card.
func (s *Store) GraphUpsertNode(workspaceID, id, nodeType, title, text string, tags []string, status string) (*GraphNode, error) {
	if status == "" {
		status = "open"
	}
	tagsJSON, err := json.Marshal(tags)
	if err != nil {
		return nil, invalidInput("marshal tags: %v", err)
	}
	now := time.Now().UTC().UnixMilli()
	_, err = s.db.Exec(`
		INSERT INTO graph_nodes (workspace_id, id, node_type, title, text, tags_json, status, last_seq, created_at_ms, updated_at_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, 0, ?, ?)
		ON CONFLICT(workspace_id, id) DO UPDATE SET
			node_type = excluded.node_type, title = excluded.title, text = excluded.text,
			tags_json = excluded.tags_json, status = excluded.status, updated_at_ms = excluded.updated_at_ms
	`, workspaceID, id, nodeType, title, text, string(tagsJSON), status, now, now)
	if err != nil {
		return nil, storeErrorf("graph upsert node: %w", err)
	}
	return s.GraphNodeGet(workspaceID, id)
}

// GraphNodeGet loads a single reasoning card.
func (s *Store) GraphNodeGet(workspaceID, id string) (*GraphNode, error) {
	n := GraphNode{WorkspaceID: workspaceID, ID: id}
	var tagsJSON string
	err := s.db.QueryRow(`
		SELECT node_type, title, text, tags_json, status, last_seq, created_at_ms, updated_at_ms
		FROM graph_nodes WHERE workspace_id = ? AND id = ?
	`, workspaceID, id).Scan(&n.NodeType, &n.Title, &n.Text, &tagsJSON, &n.Status, &n.LastSeq, &n.CreatedAtMs, &n.UpdatedAtMs)
	if err == sql.ErrNoRows {
		return nil, unknownID("unknown graph node %q", id)
	}
	if err != nil {
		return nil, storeErrorf("graph node get: %w", err)
	}
	if err := json.Unmarshal([]byte(tagsJSON), &n.Tags); err != nil {
		return nil, storeErrorf("graph node get: unmarshal tags: %w", err)
	}
	return &n, nil
}

// GraphTouchNode bumps a node's last_seq to the current highest doc seq for
// its thread, used when a trace checkpoint references the card.
func (s *Store) GraphTouchNode(workspaceID, id string, seq int64) error {
	res, err := s.db.Exec(`UPDATE graph_nodes SET last_seq = ?, updated_at_ms = ? WHERE workspace_id = ? AND id = ? AND last_seq < ?`,
		seq, time.Now().UTC().UnixMilli(), workspaceID, id, seq)
	if err != nil {
		return storeErrorf("graph touch node: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, err := s.GraphNodeGet(workspaceID, id); err != nil {
			return err
		}
	}
	return nil
}

// GraphUpsertEdge creates an edge between two cards, assigning it a
// deterministic id if edgeID is empty.
func (s *Store) GraphUpsertEdge(workspaceID, edgeID, edgeType, fromID, toID string) (*GraphEdge, error) {
	if edgeID == "" {
		edgeID = edgeType + ":" + fromID + ":" + toID
	}
	now := time.Now().UTC().UnixMilli()
	_, err := s.db.Exec(`
		INSERT INTO graph_edges (workspace_id, id, edge_type, from_id, to_id, created_at_ms)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(workspace_id, id) DO UPDATE SET edge_type = excluded.edge_type, from_id = excluded.from_id, to_id = excluded.to_id
	`, workspaceID, edgeID, edgeType, fromID, toID, now)
	if err != nil {
		return nil, storeErrorf("graph upsert edge: %w", err)
	}
	return &GraphEdge{WorkspaceID: workspaceID, ID: edgeID, EdgeType: edgeType, FromID: fromID, ToID: toID, CreatedAtMs: now}, nil
}

// GraphNodesByType lists nodes of a given type, most recently touched
// first.
func (s *Store) GraphNodesByType(workspaceID, nodeType string) ([]GraphNode, error) {
	rows, err := s.db.Query(`
		SELECT id, title, text, tags_json, status, last_seq, created_at_ms, updated_at_ms FROM graph_nodes
		WHERE workspace_id = ? AND node_type = ? ORDER BY updated_at_ms DESC
	`, workspaceID, nodeType)
	if err != nil {
		return nil, storeErrorf("graph nodes by type: %w", err)
	}
	defer rows.Close()
	var out []GraphNode
	for rows.Next() {
		n := GraphNode{WorkspaceID: workspaceID, NodeType: nodeType}
		var tagsJSON string
		if err := rows.Scan(&n.ID, &n.Title, &n.Text, &tagsJSON, &n.Status, &n.LastSeq, &n.CreatedAtMs, &n.UpdatedAtMs); err != nil {
			return nil, storeErrorf("graph nodes by type: scan: %w", err)
		}
		if err := json.Unmarshal([]byte(tagsJSON), &n.Tags); err != nil {
			return nil, storeErrorf("graph nodes by type: unmarshal tags: %w", err)
		}
		out = append(out, n)
	}
	return out, nil
}

// GraphEdgesFrom lists outgoing edges of a given type from a node.
func (s *Store) GraphEdgesFrom(workspaceID, fromID, edgeType string) ([]GraphEdge, error) {
	query := `SELECT id, edge_type, from_id, to_id, created_at_ms FROM graph_edges WHERE workspace_id = ? AND from_id = ?`
	args := []any{workspaceID, fromID}
	if edgeType != "" {
		query += " AND edge_type = ?"
		args = append(args, edgeType)
	}
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, storeErrorf("graph edges from: %w", err)
	}
	defer rows.Close()
	var out []GraphEdge
	for rows.Next() {
		var e GraphEdge
		e.WorkspaceID = workspaceID
		if err := rows.Scan(&e.ID, &e.EdgeType, &e.FromID, &e.ToID, &e.CreatedAtMs); err != nil {
			return nil, storeErrorf("graph edges from: scan: %w", err)
		}
		out = append(out, e)
	}
	return out, nil
}

// GraphEdgesTo lists incoming edges of a given type into a node.
func (s *Store) GraphEdgesTo(workspaceID, toID, edgeType string) ([]GraphEdge, error) {
	query := `SELECT id, edge_type, from_id, to_id, created_at_ms FROM graph_edges WHERE workspace_id = ? AND to_id = ?`
	args := []any{workspaceID, toID}
	if edgeType != "" {
		query += " AND edge_type = ?"
		args = append(args, edgeType)
	}
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, storeErrorf("graph edges to: %w", err)
	}
	defer rows.Close()
	var out []GraphEdge
	for rows.Next() {
		var e GraphEdge
		e.WorkspaceID = workspaceID
		if err := rows.Scan(&e.ID, &e.EdgeType, &e.FromID, &e.ToID, &e.CreatedAtMs); err != nil {
			return nil, storeErrorf("graph edges to: scan: %w", err)
		}
		out = append(out, e)
	}
	return out, nil
}

// GraphCardsSince returns every card whose last_seq is greater than
// sinceSeq, used to render an incremental reasoning-map delta. A newly
// created card has last_seq 0 until GraphTouchNode bumps it, so it is
// returned only for a negative sinceSeq.
func (s *Store) GraphCardsSince(workspaceID string, sinceSeq int64) ([]GraphNode, error) {
	rows, err := s.db.Query(`
		SELECT id, node_type, title, text, tags_json, status, last_seq, created_at_ms, updated_at_ms FROM graph_nodes
		WHERE workspace_id = ? AND last_seq > ? ORDER BY last_seq ASC
	`, workspaceID, sinceSeq)
	if err != nil {
		return nil, storeErrorf("graph cards since: %w", err)
	}
	defer rows.Close()
	var out []GraphNode
	for rows.Next() {
		n := GraphNode{WorkspaceID: workspaceID}
		var tagsJSON string
		if err := rows.Scan(&n.ID, &n.NodeType, &n.Title, &n.Text, &tagsJSON, &n.Status, &n.LastSeq, &n.CreatedAtMs, &n.UpdatedAtMs); err != nil {
			return nil, storeErrorf("graph cards since: scan: %w", err)
		}
		if err := json.Unmarshal([]byte(tagsJSON), &n.Tags); err != nil {
			return nil, storeErrorf("graph cards since: unmarshal tags: %w", err)
		}
		out = append(out, n)
	}
	return out, nil
}
