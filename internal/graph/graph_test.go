package graph

import (
	"testing"

	"github.com/branchmind/branchmind-core/internal/store"
)

func hypothesis(id, status string, tags ...string) store.GraphNode {
	return store.GraphNode{ID: id, NodeType: store.GraphNodeHypothesis, Status: status, Tags: tags}
}

func testNode(id string) store.GraphNode {
	return store.GraphNode{ID: id, NodeType: store.GraphNodeTest, Status: "open"}
}

func testsEdge(from, to string) store.GraphEdge {
	return store.GraphEdge{EdgeType: store.GraphEdgeTests, FromID: from, ToID: to}
}

func contrastsEdge(from, to string) store.GraphEdge {
	return store.GraphEdge{EdgeType: store.GraphEdgeContrasts, FromID: from, ToID: to}
}

func TestHasOpenHypothesisOrDecision(t *testing.T) {
	e := Build([]store.GraphNode{
		hypothesis("h1", "open", "step:s0"),
		hypothesis("h2", "closed", "step:s1"),
		{ID: "d1", NodeType: store.GraphNodeDecision, Status: "proposed", Tags: []string{"step:s2"}},
	}, nil)

	if !e.HasOpenHypothesisOrDecision("step:s0") {
		t.Fatal("open hypothesis should satisfy coverage")
	}
	if e.HasOpenHypothesisOrDecision("step:s1") {
		t.Fatal("closed hypothesis should not satisfy coverage")
	}
	if !e.HasOpenHypothesisOrDecision("step:s2") {
		t.Fatal("proposed decision should satisfy coverage")
	}
	if e.HasOpenHypothesisOrDecision("step:other") {
		t.Fatal("unrelated tag should not satisfy coverage")
	}
}

func TestEvaluateStrictGateFlagsUntestedHypothesis(t *testing.T) {
	e := Build([]store.GraphNode{hypothesis("h1", "open", "step:s0")}, nil)
	signals := e.EvaluateStrictGate("step:s0")

	codes := map[string]bool{}
	for _, s := range signals {
		codes[s.Code] = true
	}
	if !codes[SignalHypothesisNoTest] {
		t.Fatalf("expected %s, got %v", SignalHypothesisNoTest, signals)
	}
	if !codes[SignalNoCounterEdges] {
		t.Fatalf("expected %s, got %v", SignalNoCounterEdges, signals)
	}
}

func TestEvaluateStrictGatePassesWithTestedCounter(t *testing.T) {
	nodes := []store.GraphNode{
		hypothesis("h1", "open", "step:s0"),
		hypothesis("c1", "open", "step:s0", CounterTag),
		testNode("t1"),
		testNode("t2"),
	}
	edges := []store.GraphEdge{
		testsEdge("t1", "h1"),
		testsEdge("t2", "c1"),
		contrastsEdge("c1", "h1"),
	}
	signals := Build(nodes, edges).EvaluateStrictGate("step:s0")
	if len(signals) != 0 {
		t.Fatalf("fully covered hypothesis should produce no signals, got %v", signals)
	}
}

func TestEvaluateStrictGateCounterWithoutTestStillFlags(t *testing.T) {
	nodes := []store.GraphNode{
		hypothesis("h1", "open", "step:s0"),
		hypothesis("c1", "open", "step:s0", CounterTag),
		testNode("t1"),
	}
	edges := []store.GraphEdge{
		testsEdge("t1", "h1"),
		contrastsEdge("c1", "h1"),
	}
	signals := Build(nodes, edges).EvaluateStrictGate("step:s0")

	sawNoCounter := false
	for _, s := range signals {
		// The untested counter fires both its own missing-test signal and
		// the primary hypothesis's counter-coverage signal.
		if s.Code == SignalNoCounterEdges && s.CardID == "h1" {
			sawNoCounter = true
		}
	}
	if !sawNoCounter {
		t.Fatalf("untested counter should leave h1's counter coverage unsatisfied, got %v", signals)
	}
}

func TestEvaluateStrictGateCounterExemptFromOwnCounterEdge(t *testing.T) {
	nodes := []store.GraphNode{
		hypothesis("c1", "open", "step:s0", CounterTag),
		testNode("t1"),
	}
	edges := []store.GraphEdge{testsEdge("t1", "c1")}
	signals := Build(nodes, edges).EvaluateStrictGate("step:s0")
	if len(signals) != 0 {
		t.Fatalf("tested counter-hypothesis should not need its own counter, got %v", signals)
	}
}
