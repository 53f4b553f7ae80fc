package reasoning

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/branchmind/branchmind-core/internal/graph"
	"github.com/branchmind/branchmind-core/internal/store"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func newWorkspace(t *testing.T, s *store.Store) string {
	t.Helper()
	ws, err := s.WorkspaceInit("ws-reasoning-test", "/tmp/reasoning-test")
	require.NoError(t, err)
	return ws.ID
}

func TestEvaluateCloseStep_FailsOnUntestedHypothesis(t *testing.T) {
	s := newTestStore(t)
	ws := newWorkspace(t, s)

	_, err := s.GraphUpsertNode(ws, "hyp-1", store.GraphNodeHypothesis, "h", "text", []string{"step-1"}, "open")
	require.NoError(t, err)

	d, err := EvaluateCloseStep(s, ws, "main", "step-1", "none", nil)
	require.NoError(t, err)
	require.False(t, d.Allowed)
	require.NotEmpty(t, d.Signals)
}

func TestEvaluateCloseStep_PassesWithTestAndCounter(t *testing.T) {
	s := newTestStore(t)
	ws := newWorkspace(t, s)

	_, err := s.GraphUpsertNode(ws, "hyp-1", store.GraphNodeHypothesis, "h", "text", []string{"step-1"}, "open")
	require.NoError(t, err)
	_, err = s.GraphUpsertNode(ws, "test-1", store.GraphNodeTest, "t", "text", nil, "open")
	require.NoError(t, err)
	_, err = s.GraphUpsertEdge(ws, "e1", store.GraphEdgeTests, "test-1", "hyp-1")
	require.NoError(t, err)
	_, err = s.GraphUpsertNode(ws, "hyp-2", store.GraphNodeHypothesis, "counter", "text", []string{"counter"}, "open")
	require.NoError(t, err)
	_, err = s.GraphUpsertEdge(ws, "e2", store.GraphEdgeContrasts, "hyp-2", "hyp-1")
	require.NoError(t, err)
	_, err = s.GraphUpsertNode(ws, "test-2", store.GraphNodeTest, "t2", "text", nil, "open")
	require.NoError(t, err)
	_, err = s.GraphUpsertEdge(ws, "e3", store.GraphEdgeTests, "test-2", "hyp-2")
	require.NoError(t, err)

	d, err := EvaluateCloseStep(s, ws, "main", "step-1", "none", nil)
	require.NoError(t, err)
	require.True(t, d.Allowed)
	require.Empty(t, d.Signals)
}

func TestEvaluateCloseStep_RequiresTraceCheckpointsWhenGated(t *testing.T) {
	s := newTestStore(t)
	ws := newWorkspace(t, s)

	// Fully satisfy hypothesis/test/counter coverage so the checkpoint
	// count is the only failing dimension under test here.
	_, err := s.GraphUpsertNode(ws, "hyp-1", store.GraphNodeHypothesis, "h", "text", []string{"step-1"}, "open")
	require.NoError(t, err)
	_, err = s.GraphUpsertNode(ws, "test-1", store.GraphNodeTest, "t", "text", nil, "open")
	require.NoError(t, err)
	_, err = s.GraphUpsertEdge(ws, "e1", store.GraphEdgeTests, "test-1", "hyp-1")
	require.NoError(t, err)
	_, err = s.GraphUpsertNode(ws, "hyp-2", store.GraphNodeHypothesis, "counter", "text", []string{"counter"}, "open")
	require.NoError(t, err)
	_, err = s.GraphUpsertEdge(ws, "e2", store.GraphEdgeContrasts, "hyp-2", "hyp-1")
	require.NoError(t, err)
	_, err = s.GraphUpsertNode(ws, "test-2", store.GraphNodeTest, "t2", "text", nil, "open")
	require.NoError(t, err)
	_, err = s.GraphUpsertEdge(ws, "e3", store.GraphEdgeTests, "test-2", "hyp-2")
	require.NoError(t, err)

	d, err := EvaluateCloseStep(s, ws, "main", "step-1", "gate", nil)
	require.NoError(t, err)
	require.False(t, d.Allowed)

	_, err = RecordTraceStep(s, ws, "main", "step-1", "first")
	require.NoError(t, err)
	_, err = RecordTraceStep(s, ws, "main", "step-1", "second")
	require.NoError(t, err)

	d, err = EvaluateCloseStep(s, ws, "main", "step-1", "gate", nil)
	require.NoError(t, err)
	require.True(t, d.Allowed)
	require.Equal(t, 2, d.CheckpointCount)
}

func TestEvaluateCloseStep_FailsWithNoHypothesisOrDecisionCards(t *testing.T) {
	s := newTestStore(t)
	ws := newWorkspace(t, s)

	d, err := EvaluateCloseStep(s, ws, "main", "step-1", "none", nil)
	require.NoError(t, err)
	require.False(t, d.Allowed)
	require.Len(t, d.Signals, 1)
	require.Equal(t, graph.SignalNoHypothesisOrDecision, d.Signals[0].Code)

	d, err = EvaluateCloseStep(s, ws, "main", "step-1", "none", &Override{Reason: "ship hotfix", Risk: "no falsifier"})
	require.NoError(t, err)
	require.True(t, d.Allowed)
	require.True(t, d.OverrideApplied)
	require.Contains(t, d.Warnings, "STRICT_OVERRIDE_APPLIED")
}

func TestEvaluateCloseStep_OverrideAppliesDespiteFailingSignals(t *testing.T) {
	s := newTestStore(t)
	ws := newWorkspace(t, s)

	_, err := s.GraphUpsertNode(ws, "hyp-1", store.GraphNodeHypothesis, "h", "text", []string{"step-1"}, "open")
	require.NoError(t, err)

	d, err := EvaluateCloseStep(s, ws, "main", "step-1", "none", &Override{Reason: "deadline", Risk: "low"})
	require.NoError(t, err)
	require.True(t, d.Allowed)
	require.True(t, d.OverrideApplied)
	require.Contains(t, d.Warnings, "STRICT_OVERRIDE_APPLIED")

	entries, err := s.DocEntriesSince(ws, "main", "reasoning", 0, 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, "override", entries[0].Kind)
}

func TestEvaluateCloseStep_OverrideRequiresBothFields(t *testing.T) {
	s := newTestStore(t)
	ws := newWorkspace(t, s)

	_, err := s.GraphUpsertNode(ws, "hyp-1", store.GraphNodeHypothesis, "h", "text", []string{"step-1"}, "open")
	require.NoError(t, err)

	d, err := EvaluateCloseStep(s, ws, "main", "step-1", "none", &Override{Reason: "deadline"})
	require.NoError(t, err)
	require.False(t, d.Allowed)
}
