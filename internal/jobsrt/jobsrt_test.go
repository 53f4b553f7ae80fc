package jobsrt

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/branchmind/branchmind-core/internal/store"
)

func TestComputeAttention_NeedsManager(t *testing.T) {
	r := store.JobRadarRaw{JobID: "JOB-1", Status: store.JobRunning, LastQuestionSeq: 5, LastManagerSeq: 3}
	a := ComputeAttention(r, 1000, 600)
	assert.True(t, a.NeedsManager)
	assert.False(t, a.HasError)
}

func TestComputeAttention_NeedsManagerRequiresQueuedOrRunning(t *testing.T) {
	r := store.JobRadarRaw{JobID: "JOB-1", Status: store.JobDone, LastQuestionSeq: 5, LastManagerSeq: 3}
	a := ComputeAttention(r, 1000, 600)
	assert.False(t, a.NeedsManager)
}

func TestComputeAttention_HasErrorRequiresRunning(t *testing.T) {
	r := store.JobRadarRaw{JobID: "JOB-1", Status: store.JobQueued, LastErrorSeq: 5, LastCheckpointSeq: 1}
	a := ComputeAttention(r, 1000, 600)
	assert.False(t, a.HasError)

	r.Status = store.JobRunning
	a = ComputeAttention(r, 1000, 600)
	assert.True(t, a.HasError)
}

func TestComputeAttention_NeedsProofUsesMaxOfCheckpointAndManagerProof(t *testing.T) {
	r := store.JobRadarRaw{
		JobID: "JOB-1", Status: store.JobRunning,
		LastProofGateSeq: 10, LastCheckpointSeq: 4, LastManagerProofSeq: 9,
	}
	a := ComputeAttention(r, 1000, 600)
	assert.True(t, a.NeedsProof)

	r.LastManagerProofSeq = 10
	a = ComputeAttention(r, 1000, 600)
	assert.False(t, a.NeedsProof)
}

func TestComputeAttention_Stale(t *testing.T) {
	r := store.JobRadarRaw{JobID: "JOB-1", Status: store.JobRunning, ClaimExpiresAtMs: 500}
	a := ComputeAttention(r, 1000, 600)
	assert.True(t, a.Stale)
	assert.False(t, a.Stalled, "stale jobs are not also reported stalled")
}

func TestComputeAttention_StalledFallsBackThroughTimestamps(t *testing.T) {
	r := store.JobRadarRaw{JobID: "JOB-1", Status: store.JobRunning, UpdatedAtMs: 100}
	a := ComputeAttention(r, 100+601*1000, 600)
	assert.True(t, a.Stalled)

	r.LastEventTsMs = 100 + 601*1000 - 1
	a = ComputeAttention(r, 100+601*1000, 600)
	assert.False(t, a.Stalled, "a recent event should suppress stalled even though updated_at is old")
}

func TestComputeAttention_NotStalledWhenWithinWindow(t *testing.T) {
	r := store.JobRadarRaw{JobID: "JOB-1", Status: store.JobRunning, UpdatedAtMs: 1000}
	a := ComputeAttention(r, 1000+599*1000, 600)
	assert.False(t, a.Stalled)
}

func TestNeedingAttention_FiltersClean(t *testing.T) {
	rows := []RadarRow{
		{Raw: store.JobRadarRaw{JobID: "JOB-1"}, Attention: Attention{JobID: "JOB-1"}},
		{Raw: store.JobRadarRaw{JobID: "JOB-2"}, Attention: Attention{JobID: "JOB-2", Stale: true}},
	}
	filtered := NeedingAttention(rows)
	assert.Len(t, filtered, 1)
	assert.Equal(t, "JOB-2", filtered[0].Raw.JobID)
}
