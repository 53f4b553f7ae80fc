// Package mesh is the thin publish/subscribe façade pipeline code talks to
// instead of reaching into internal/store directly: it binds the thread
// name and idempotency-key conventions to the store's append-only,
// idempotency-deduplicated bus rather than reimplementing any storage.
// Publishing is a single wrapped call; reading is a separate
// poll-since-cursor loop addressed by named threads rather than raw ids.
package mesh

import (
	"github.com/branchmind/branchmind-core/internal/ids"
	"github.com/branchmind/branchmind-core/internal/store"
)

// Bus wraps a *store.Store with the thread-naming and idempotency
// conventions the pipeline coordinator relies on.
type Bus struct {
	store *store.Store
}

// New constructs a Bus over s.
func New(s *store.Store) *Bus {
	return &Bus{store: s}
}

// Thread name builders.
func WorkspaceMainThread() string             { return "workspace/main" }
func TaskThread(taskID string) string         { return "task/" + taskID }
func JobThread(jobID string) string           { return "job/" + jobID }
func PipelineThread(task, slice string) string { return "pipeline/" + task + "/" + slice }

// PublishTransition publishes a jobs.pipeline.transition event on the
// slice's pipeline thread, deduplicated per (task, slice, job).
func (b *Bus) PublishTransition(workspaceID, task, slice, jobID, kind, summary, payloadJSON, fromAgentID string) (*store.MeshMessage, error) {
	key := ids.PipelineTransitionKey(task, slice, jobID)
	return b.store.JobBusPublish(workspaceID, PipelineThread(task, slice), kind, summary, payloadJSON, key, fromAgentID)
}

// PublishGateDecision publishes a jobs.pipeline.gate event, deduplicated
// per (task, slice, decision) so a retried gate evaluation that lands on
// the same decision never double-publishes.
func (b *Bus) PublishGateDecision(workspaceID, task, slice, decision, summary, payloadJSON, fromAgentID string) (*store.MeshMessage, error) {
	key := ids.PipelineGateKey(task, slice, decision)
	return b.store.JobBusPublish(workspaceID, PipelineThread(task, slice), "gate_decision", summary, payloadJSON, key, fromAgentID)
}

// PublishApply publishes a jobs.pipeline.apply event, deduplicated per
// (task, slice, revision).
func (b *Bus) PublishApply(workspaceID, task, slice string, revision int64, summary, payloadJSON, fromAgentID string) (*store.MeshMessage, error) {
	key := ids.PipelineApplyKey(task, slice, revision)
	return b.store.JobBusPublish(workspaceID, PipelineThread(task, slice), "pipeline_apply", summary, payloadJSON, key, fromAgentID)
}

// PublishScoutReady publishes the scout_ready readiness event a gate
// evaluation emits ahead of its gate_decision.
func (b *Bus) PublishScoutReady(workspaceID, task, slice, jobID, summary, payloadJSON, fromAgentID string) (*store.MeshMessage, error) {
	key := ids.PipelineReadyKey("scout", task, slice, jobID)
	return b.store.JobBusPublish(workspaceID, PipelineThread(task, slice), "scout_ready", summary, payloadJSON, key, fromAgentID)
}

// PublishBuilderReady publishes the builder_ready readiness event.
func (b *Bus) PublishBuilderReady(workspaceID, task, slice, jobID, summary, payloadJSON, fromAgentID string) (*store.MeshMessage, error) {
	key := ids.PipelineReadyKey("builder", task, slice, jobID)
	return b.store.JobBusPublish(workspaceID, PipelineThread(task, slice), "builder_ready", summary, payloadJSON, key, fromAgentID)
}

// PublishValidatorReady publishes the validator_ready readiness event.
func (b *Bus) PublishValidatorReady(workspaceID, task, slice, jobID, summary, payloadJSON, fromAgentID string) (*store.MeshMessage, error) {
	key := ids.PipelineReadyKey("validator", task, slice, jobID)
	return b.store.JobBusPublish(workspaceID, PipelineThread(task, slice), "validator_ready", summary, payloadJSON, key, fromAgentID)
}

// PublishToTask publishes an event to a task's own thread (manager
// messages, question/answer notices) with no idempotency key; these are
// not retried transitions and each call is a genuinely new message.
func (b *Bus) PublishToTask(workspaceID, taskID, kind, summary, payloadJSON, fromAgentID string) (*store.MeshMessage, error) {
	return b.store.JobBusPublish(workspaceID, TaskThread(taskID), kind, summary, payloadJSON, "", fromAgentID)
}

// PublishToJob publishes an event to a job's own thread.
func (b *Bus) PublishToJob(workspaceID, jobID, kind, summary, payloadJSON, fromAgentID string) (*store.MeshMessage, error) {
	return b.store.JobBusPublish(workspaceID, JobThread(jobID), kind, summary, payloadJSON, "", fromAgentID)
}

// Pull returns the next batch of messages on a thread after afterSeq.
func (b *Bus) Pull(workspaceID, threadID string, afterSeq int64, limit int) ([]store.MeshMessage, error) {
	return b.store.JobBusPull(workspaceID, threadID, afterSeq, limit)
}

// PollPipeline pulls every unseen message on a slice's pipeline thread
// since the consumer's cursor, then advances the cursor past the last
// message returned.
func (b *Bus) PollPipeline(workspaceID, task, slice, consumerID string, limit int) ([]store.MeshMessage, error) {
	threadID := PipelineThread(task, slice)
	baseline, err := b.store.PortalCursorGet(workspaceID, "mesh_consumer", threadID, consumerID)
	if err != nil {
		return nil, err
	}
	msgs, err := b.store.JobBusPull(workspaceID, threadID, baseline, limit)
	if err != nil {
		return nil, err
	}
	if len(msgs) == 0 {
		return msgs, nil
	}
	last := msgs[len(msgs)-1]
	if _, err := b.store.PortalCursorSet(workspaceID, "mesh_consumer", threadID, consumerID, last.Seq); err != nil {
		return nil, err
	}
	return msgs, nil
}

// RecentLinks returns the most recent cross-thread events matching kinds,
// used by control-center synthesis to render the pipeline state per slice
// without polling every thread individually.
func (b *Bus) RecentLinks(workspaceID string, kinds []string, sinceMs int64, limit int) ([]store.MeshMessage, error) {
	return b.store.JobBusLinksRecent(workspaceID, kinds, sinceMs, limit)
}

// ThreadsRecent lists the workspace's most recently active threads.
func (b *Bus) ThreadsRecent(workspaceID string, limit int) ([]store.ThreadActivity, error) {
	return b.store.JobBusThreadsRecent(workspaceID, limit)
}
