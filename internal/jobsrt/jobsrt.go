// Package jobsrt computes the attention classification and runner
// diagnostics that make up the jobs control center, and owns the
// per-workspace autostart bootstrap lock. Staleness compares a lease or
// checkpoint timestamp against wall clock plus a configured grace window,
// keeping "hasn't reported in a while" (stalled) distinct from "lease
// outright expired" (stale).
package jobsrt

import (
	"context"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/branchmind/branchmind-core/internal/store"
)

// Attention is the per-job classification derived from a
// store.JobRadarRaw row: which of the five independent flags are set.
type Attention struct {
	JobID        string
	NeedsManager bool
	HasError     bool
	NeedsProof   bool
	Stale        bool
	Stalled      bool
}

// Any reports whether at least one attention flag fired.
func (a Attention) Any() bool {
	return a.NeedsManager || a.HasError || a.NeedsProof || a.Stale || a.Stalled
}

// ComputeAttention derives the five attention flags from a single radar
// row. nowMs is the caller's wall clock in epoch
// milliseconds (threaded through rather than read internally, so the
// computation stays deterministic and testable). stallAfterS is the
// configured grace period (jobs.stalled_after) in seconds.
func ComputeAttention(r store.JobRadarRaw, nowMs int64, stallAfterS int64) Attention {
	running := r.Status == store.JobRunning
	queuedOrRunning := r.Status == store.JobQueued || running

	a := Attention{JobID: r.JobID}
	a.NeedsManager = r.LastQuestionSeq > r.LastManagerSeq && queuedOrRunning
	a.HasError = r.LastErrorSeq > r.LastCheckpointSeq && running
	a.NeedsProof = r.LastProofGateSeq > maxInt64(r.LastCheckpointSeq, r.LastManagerProofSeq) && running
	a.Stale = running && r.ClaimExpiresAtMs > 0 && r.ClaimExpiresAtMs <= nowMs

	if running && !a.Stale {
		meaningfulAtMs := r.LastCheckpointTsMs
		if meaningfulAtMs == 0 {
			meaningfulAtMs = r.LastEventTsMs
		}
		if meaningfulAtMs == 0 {
			meaningfulAtMs = r.UpdatedAtMs
		}
		a.Stalled = (nowMs-meaningfulAtMs) >= stallAfterS*1000
	}

	return a
}

func maxInt64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}

// RadarRow pairs a raw radar row with its derived attention, the unit
// jobs_radar renders per job.
type RadarRow struct {
	Raw       store.JobRadarRaw
	Attention Attention
}

// Radar computes attention for every non-terminal job in a workspace.
func Radar(s *store.Store, workspaceID string, nowMs, stallAfterS int64) ([]RadarRow, error) {
	raws, err := s.JobsRadarRaw(workspaceID)
	if err != nil {
		return nil, err
	}
	rows := make([]RadarRow, len(raws))
	for i, r := range raws {
		rows[i] = RadarRow{Raw: r, Attention: ComputeAttention(r, nowMs, stallAfterS)}
	}
	return rows, nil
}

// NeedingAttention filters Radar's output to only the rows with at least
// one flag set, the bounded set the control center actually surfaces.
func NeedingAttention(rows []RadarRow) []RadarRow {
	var out []RadarRow
	for _, r := range rows {
		if r.Attention.Any() {
			out = append(out, r)
		}
	}
	return out
}

// Diagnostics is a thin pass-through to the store's bounded runner
// diagnostic computation; jobsrt is the layer callers go through so that
// attention and diagnostics share one import, not two. offlineWindow
// bounds how recently an offline runner lease must have been updated to
// be listed; job_runner_offline does not depend on it.
func Diagnostics(s *store.Store, workspaceID string, offlineWindow time.Duration) (*store.RunnerStatusSnapshot, error) {
	return s.RunnerStatusSnapshot(workspaceID, offlineWindow)
}

// Autostart bootstraps at most one in-flight "kick off the next queued job"
// attempt per workspace, so a burst of control-center polls (each of which
// may notice an idle runner and a queued job) collapses to a single
// dispatch instead of racing duplicate claims. The runner-lease upsert
// stays the single source of truth for "already claimed"; this only keeps
// redundant claim attempts from being issued concurrently for the same
// workspace.
type Autostart struct {
	group singleflight.Group
}

// NewAutostart constructs an Autostart coordinator.
func NewAutostart() *Autostart {
	return &Autostart{}
}

// Do runs fn for workspaceID, collapsing concurrent callers into a single
// execution. The returned bool reports whether this call executed fn
// itself (false means it rode along on another caller's in-flight call).
func (a *Autostart) Do(ctx context.Context, workspaceID string, fn func(context.Context) (any, error)) (any, bool, error) {
	executed := false
	v, err, _ := a.group.Do(workspaceID, func() (any, error) {
		executed = true
		return fn(ctx)
	})
	return v, executed, err
}

// NowMs is the single wall-clock read site for jobsrt callers, kept here so
// tests can avoid it entirely by calling ComputeAttention directly with an
// explicit nowMs.
func NowMs() int64 {
	return time.Now().UTC().UnixMilli()
}
