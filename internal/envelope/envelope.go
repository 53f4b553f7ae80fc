// Package envelope defines the two-shape tool response envelope and the
// artifact/thread reference string helpers the (out-of-scope) JSON-RPC
// dispatcher and BM-L1 renderer would consume. It carries no registry, no
// argument preprocessing, and no rendering: just the shapes pipeline/store
// code hands back.
package envelope

import (
	"fmt"
	"strings"
)

// Warning is a non-fatal side-band note attached to an AIOk response
// (ARG_COERCED, CODE_REF_UNRESOLVABLE, CROSS_VALIDATION, STRICT_OVERRIDE_APPLIED,
// BUDGET_* and similar).
type Warning struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Suggestion is a structured, copy/paste-ready alternative action offered
// alongside a response (e.g. "re-dispatch scout with these constraints").
type Suggestion struct {
	Tool string         `json:"tool"`
	Args map[string]any `json:"args,omitempty"`
	Note string         `json:"note,omitempty"`
}

// AIOk is the success shape of a tool response.
type AIOk struct {
	Tool        string       `json:"tool"`
	Result      any          `json:"result"`
	Warnings    []Warning    `json:"warnings,omitempty"`
	Suggestions []Suggestion `json:"suggestions,omitempty"`
}

// AIError is the failure shape of a tool response. Code is a machine code
// from the store taxonomy (store.Code values plus REASONING_REQUIRED).
type AIError struct {
	Code        string       `json:"code"`
	Message     string       `json:"message"`
	Recovery    string       `json:"recovery,omitempty"`
	Suggestions []Suggestion `json:"suggestions,omitempty"`
}

func (e *AIError) Error() string {
	if e.Recovery != "" {
		return fmt.Sprintf("%s: %s (%s)", e.Code, e.Message, e.Recovery)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Ok wraps a successful tool result.
func Ok(tool string, result any, warnings ...Warning) *AIOk {
	return &AIOk{Tool: tool, Result: result, Warnings: warnings}
}

// Err constructs an AIError.
func Err(code, message, recovery string, suggestions ...Suggestion) *AIError {
	return &AIError{Code: code, Message: message, Recovery: recovery, Suggestions: suggestions}
}

// JobArtifactRef renders the canonical artifact://jobs/<id>/<key> reference.
func JobArtifactRef(jobID, key string) string {
	return fmt.Sprintf("artifact://jobs/%s/%s", jobID, key)
}

// DecisionRef renders the canonical gate decision pointer.
func DecisionRef(task, slice string, meshSeq int64) string {
	return fmt.Sprintf("artifact://pipeline/gate/%s/%s/seq/%d", task, slice, meshSeq)
}

// ParseJobArtifactRef reverses JobArtifactRef, splitting an
// artifact://jobs/<id>/<key> reference back into its job id and key. ok is
// false for anything not in that shape (including plan/gate refs).
func ParseJobArtifactRef(ref string) (jobID, key string, ok bool) {
	const prefix = "artifact://jobs/"
	if !strings.HasPrefix(ref, prefix) {
		return "", "", false
	}
	rest := strings.TrimPrefix(ref, prefix)
	idx := strings.IndexByte(rest, '/')
	if idx <= 0 || idx == len(rest)-1 {
		return "", "", false
	}
	return rest[:idx], rest[idx+1:], true
}

// PlanFSRef renders a planfs:<slug>#<slice-selector> reference.
func PlanFSRef(slug, selector string) string {
	if selector == "" {
		return "planfs:" + slug
	}
	return fmt.Sprintf("planfs:%s#%s", slug, selector)
}

// Mesh thread name builders.
func WorkspaceMainThread() string         { return "workspace/main" }
func TaskThread(taskID string) string     { return "task/" + taskID }
func JobThread(jobID string) string       { return "job/" + jobID }
func PipelineThread(task, slice string) string {
	return fmt.Sprintf("pipeline/%s/%s", task, slice)
}
