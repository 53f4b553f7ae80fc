// Package graph runs the reasoning engine over a snapshot of think-cards and
// their edges: hypothesis/decision coverage, counter-hypothesis and test
// linkage, surfaced as the signal codes the strict close-step gate consumes.
package graph

import (
	"sort"

	"github.com/branchmind/branchmind-core/internal/store"
)

// Signal is one engine finding against a scope of cards.
type Signal struct {
	Code    string // e.g. "BM4_HYPOTHESIS_NO_TEST"
	CardID  string
	Message string
}

const (
	SignalHypothesisNoTest        = "BM4_HYPOTHESIS_NO_TEST"
	SignalNoCounterEdges          = "BM10_NO_COUNTER_EDGES"
	SignalNoHypothesisOrDecision  = "STRICT_NO_HYPOTHESIS_OR_DECISION"
)

// CounterTag marks a hypothesis card as a deliberate counter-hypothesis, so
// it is never itself required to carry a counter edge (that would regress
// indefinitely).
const CounterTag = "counter"

var openStatuses = map[string]bool{
	"open": true, "active": true, "proposed": true,
}

// Engine holds an adjacency view over one workspace's reasoning cards,
// built the same way the dependency graph used to be assembled from flat
// edge lists: a node index plus forward/reverse adjacency maps keyed by
// edge type.
type Engine struct {
	nodes   map[string]store.GraphNode
	forward map[string]map[string][]string // edgeType -> from -> []to
	reverse map[string]map[string][]string // edgeType -> to -> []from
}

// Build constructs an Engine from a flat snapshot of nodes and edges.
func Build(nodes []store.GraphNode, edges []store.GraphEdge) *Engine {
	e := &Engine{
		nodes:   make(map[string]store.GraphNode, len(nodes)),
		forward: make(map[string]map[string][]string),
		reverse: make(map[string]map[string][]string),
	}
	for _, n := range nodes {
		e.nodes[n.ID] = n
	}
	for _, edge := range edges {
		if e.forward[edge.EdgeType] == nil {
			e.forward[edge.EdgeType] = make(map[string][]string)
			e.reverse[edge.EdgeType] = make(map[string][]string)
		}
		e.forward[edge.EdgeType][edge.FromID] = append(e.forward[edge.EdgeType][edge.FromID], edge.ToID)
		e.reverse[edge.EdgeType][edge.ToID] = append(e.reverse[edge.EdgeType][edge.ToID], edge.FromID)
	}
	return e
}

func (e *Engine) hasTag(n store.GraphNode, tag string) bool {
	for _, t := range n.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// nodesByType returns nodes of the given type, whatever their status, sorted
// by ID for deterministic signal ordering.
func (e *Engine) nodesByType(nodeType string) []store.GraphNode {
	var out []store.GraphNode
	for _, n := range e.nodes {
		if n.NodeType == nodeType {
			out = append(out, n)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// HasOpenHypothesisOrDecision reports whether any hypothesis or decision
// card tagged with tag is still open (not closed/done/resolved) — the
// strict gate's coverage check #1.
func (e *Engine) HasOpenHypothesisOrDecision(tag string) bool {
	for _, n := range e.nodes {
		if n.NodeType != store.GraphNodeHypothesis && n.NodeType != store.GraphNodeDecision {
			continue
		}
		if !e.hasTag(n, tag) {
			continue
		}
		if openStatuses[n.Status] || !isClosedStatus(n.Status) {
			return true
		}
	}
	return false
}

func isClosedStatus(status string) bool {
	switch status {
	case "closed", "done", "resolved":
		return true
	}
	return false
}

// hasLinkedTest reports whether a card has an inbound "tests" edge from any
// test-type node.
func (e *Engine) hasLinkedTest(cardID string) bool {
	for _, fromID := range e.reverse[store.GraphEdgeTests][cardID] {
		if n, ok := e.nodes[fromID]; ok && n.NodeType == store.GraphNodeTest {
			return true
		}
	}
	return false
}

// counterHypotheses returns hypothesis nodes that contrast with h and carry
// CounterTag.
func (e *Engine) counterHypotheses(hypothesisID string) []store.GraphNode {
	var out []store.GraphNode
	for _, fromID := range e.reverse[store.GraphEdgeContrasts][hypothesisID] {
		n, ok := e.nodes[fromID]
		if !ok || n.NodeType != store.GraphNodeHypothesis {
			continue
		}
		if e.hasTag(n, CounterTag) {
			out = append(out, n)
		}
	}
	return out
}

// EvaluateStrictGate runs the engine over every open hypothesis card tagged
// tag and returns the BM4/BM10 signals the strict close-step gate must
// surface. Both checks run for every such card.
func (e *Engine) EvaluateStrictGate(tag string) []Signal {
	var signals []Signal
	for _, h := range e.nodesByType(store.GraphNodeHypothesis) {
		if !e.hasTag(h, tag) || isClosedStatus(h.Status) {
			continue
		}
		if e.hasTag(h, CounterTag) {
			// Counter-hypotheses are exempt from needing their own counter edge.
			if !e.hasLinkedTest(h.ID) {
				signals = append(signals, Signal{Code: SignalHypothesisNoTest, CardID: h.ID,
					Message: "hypothesis " + h.ID + " has no linked test stub"})
			}
			continue
		}
		if !e.hasLinkedTest(h.ID) {
			signals = append(signals, Signal{Code: SignalHypothesisNoTest, CardID: h.ID,
				Message: "hypothesis " + h.ID + " has no linked test stub"})
		}
		counters := e.counterHypotheses(h.ID)
		if len(counters) == 0 {
			signals = append(signals, Signal{Code: SignalNoCounterEdges, CardID: h.ID,
				Message: "hypothesis " + h.ID + " has no counter-hypothesis edge"})
			continue
		}
		anyCounterTested := false
		for _, c := range counters {
			if e.hasLinkedTest(c.ID) {
				anyCounterTested = true
				break
			}
		}
		if !anyCounterTested {
			signals = append(signals, Signal{Code: SignalNoCounterEdges, CardID: h.ID,
				Message: "hypothesis " + h.ID + "'s counter-hypotheses have no linked test"})
		}
	}
	return signals
}
