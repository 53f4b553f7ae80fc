// Package reasoning implements the strict close-step gate that runs before
// a plan/task step with active reasoning can close: hypothesis/decision
// coverage via internal/graph's engine, a minimum count of recorded
// sequential-trace checkpoints, and an explicit override escape hatch.
// The gate gathers every blocking signal first, refuses to close on any
// unresolved one, and accepts an explicit override note rather than
// silently bypassing the missing evidence.
package reasoning

import (
	"fmt"
	"time"

	"github.com/branchmind/branchmind-core/internal/graph"
	"github.com/branchmind/branchmind-core/internal/store"
)

// TraceStepKind is the doc-entry kind a sequential reasoning trace step is
// recorded under (`trace_sequential_step`); the gate counts these rather
// than interpreting their content.
const TraceStepKind = "trace_sequential_step"

// MinSequentialCheckpoints is the minimum number of trace_sequential_step
// doc entries required when checkpoints=gate is requested.
const MinSequentialCheckpoints = 2

// Override carries the caller's explicit escape hatch for a gate that
// would otherwise fail; both fields are required when present.
type Override struct {
	Reason string
	Risk   string
}

func (o *Override) valid() bool {
	return o != nil && o.Reason != "" && o.Risk != ""
}

// Decision is the strict gate's outcome for one close-step attempt.
type Decision struct {
	Allowed           bool
	Signals           []graph.Signal
	CheckpointCount   int
	OverrideApplied   bool
	Warnings          []string
}

// EvaluateCloseStep runs the strict close-step gate for tag (typically the
// step id) against workspaceID's reasoning graph and trace doc. checkpoints
// selects whether sequential-checkpoint counting applies ("gate") or is
// skipped (anything else, e.g. "none"). override, if valid, accepts the
// gate regardless of failing signals and records a STRICT OVERRIDE doc
// note.
func EvaluateCloseStep(s *store.Store, workspaceID, branch, tag, checkpoints string, override *Override) (*Decision, error) {
	engine, err := buildEngine(s, workspaceID)
	if err != nil {
		return nil, err
	}

	var signals []graph.Signal
	if !engine.HasOpenHypothesisOrDecision(tag) {
		signals = append(signals, graph.Signal{
			Code:    graph.SignalNoHypothesisOrDecision,
			CardID:  tag,
			Message: "no open hypothesis or decision card covers this step",
		})
	}
	signals = append(signals, engine.EvaluateStrictGate(tag)...)

	checkpointCount := 0
	if checkpoints == "gate" {
		n, err := countSequentialCheckpoints(s, workspaceID, branch, tag)
		if err != nil {
			return nil, err
		}
		checkpointCount = n
		if n < MinSequentialCheckpoints {
			signals = append(signals, graph.Signal{
				Code:    "BM11_INSUFFICIENT_TRACE_CHECKPOINTS",
				CardID:  tag,
				Message: fmt.Sprintf("only %d of %d required trace_sequential_step checkpoints recorded", n, MinSequentialCheckpoints),
			})
		}
	}

	d := &Decision{Signals: signals, CheckpointCount: checkpointCount}

	if len(signals) == 0 {
		d.Allowed = true
		return d, nil
	}

	if !override.valid() {
		d.Allowed = false
		return d, nil
	}

	note := fmt.Sprintf("STRICT OVERRIDE: reason=%q risk=%q signals=%v", override.Reason, override.Risk, signalCodes(signals))
	if _, err := s.DocAppend(workspaceID, branch, "reasoning", "override", tag, note, "text", ""); err != nil {
		return nil, err
	}
	d.Allowed = true
	d.OverrideApplied = true
	d.Warnings = append(d.Warnings, "STRICT_OVERRIDE_APPLIED")
	return d, nil
}

func signalCodes(signals []graph.Signal) []string {
	codes := make([]string, len(signals))
	for i, s := range signals {
		codes[i] = s.Code
	}
	return codes
}

// countSequentialCheckpoints counts trace_sequential_step doc entries
// recorded for tag in (workspaceID, branch, "reasoning").
func countSequentialCheckpoints(s *store.Store, workspaceID, branch, tag string) (int, error) {
	entries, err := s.DocEntriesSince(workspaceID, branch, "reasoning", 0, 10000)
	if err != nil {
		return 0, err
	}
	count := 0
	for _, e := range entries {
		if e.Kind == TraceStepKind && e.Title == tag {
			count++
		}
	}
	return count, nil
}

// RecordTraceStep appends one trace_sequential_step checkpoint for tag.
// Callers invoke this as they work through a sequential reasoning trace;
// the strict gate later counts how many were recorded.
func RecordTraceStep(s *store.Store, workspaceID, branch, tag, content string) (*store.DocEntry, error) {
	return s.DocAppend(workspaceID, branch, "reasoning", TraceStepKind, tag, content, "text", "")
}

// buildEngine assembles a graph.Engine from every node and outgoing edge
// currently in workspaceID's reasoning graph. The store has no single bulk
// edge dump, so edges are gathered per node the same way the control
// center gathers per-job radar rows: one bounded query per unit, not one
// query for the whole workspace.
func buildEngine(s *store.Store, workspaceID string) (*graph.Engine, error) {
	// -1, not 0: nodes that were never touched keep last_seq 0.
	nodes, err := s.GraphCardsSince(workspaceID, -1)
	if err != nil {
		return nil, err
	}
	var edges []store.GraphEdge
	for _, n := range nodes {
		es, err := s.GraphEdgesFrom(workspaceID, n.ID, "")
		if err != nil {
			return nil, err
		}
		edges = append(edges, es...)
	}
	return graph.Build(nodes, edges), nil
}

// NowMs is the single wall-clock read site for reasoning callers that need
// to timestamp an override note outside of this package's own doc append.
func NowMs() int64 {
	return time.Now().UTC().UnixMilli()
}
