// Package ids builds the idempotency-key and reference-token formats used
// across the pipeline and mesh bus that have no store-level constructor of
// their own (store.NewIdempotencyKey only covers the random-default case).
// Pipeline keys follow the "kind:task:slice:job" colon-separated shape.
package ids

import (
	"fmt"
	"regexp"

	"github.com/google/uuid"
)

// New returns a fresh random identifier suitable as a fallback idempotency
// key or mesh message id when no deterministic key applies.
func New() string {
	return uuid.NewString()
}

// PipelineTransitionKey builds the idempotency key for a dispatch.scout /
// dispatch.builder / dispatch.validator publication on a slice thread.
func PipelineTransitionKey(task, slice, jobID string) string {
	return fmt.Sprintf("jobs.pipeline.transition:%s:%s:%s", task, slice, jobID)
}

// PipelineGateKey builds the idempotency key for a gate_decision publication.
func PipelineGateKey(task, slice, decision string) string {
	return fmt.Sprintf("jobs.pipeline.gate:%s:%s:%s", task, slice, decision)
}

// PipelineApplyKey builds the idempotency key for a pipeline_apply
// publication, keyed on the applied job's revision so a retried apply call
// against the same approved decision does not double-publish.
func PipelineApplyKey(task, slice string, revision int64) string {
	return fmt.Sprintf("jobs.pipeline.apply:%s:%s:%d", task, slice, revision)
}

// PipelineReadyKey builds the idempotency key for a scout_ready /
// builder_ready / validator_ready readiness publication ahead of a gate
// decision.
func PipelineReadyKey(role, task, slice, jobID string) string {
	return fmt.Sprintf("jobs.pipeline.%s_ready:%s:%s:%s", role, task, slice, jobID)
}

var anchorIDPattern = regexp.MustCompile(`^a:[a-z0-9][a-z0-9-]{0,63}$`)

// ValidAnchorID reports whether id matches the anchor id grammar
// ^a:[a-z0-9][a-z0-9-]{0,63}$.
func ValidAnchorID(id string) bool {
	return anchorIDPattern.MatchString(id)
}

// SliceAnchorID derives the default `a:<slice>` anchor id for a slice.
func SliceAnchorID(sliceID string) string {
	return "a:" + sliceID
}
