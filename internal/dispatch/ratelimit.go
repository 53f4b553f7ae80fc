package dispatch

import (
	"fmt"
	"sync"
	"time"

	"github.com/branchmind/branchmind-core/internal/config"
)

// UsageStore is the narrow persistence surface RateLimiter needs. internal/store
// implements it against the dispatch_usage table.
type UsageStore interface {
	CountDispatchUsage(workspaceID string, window time.Duration) (int, error)
	RecordDispatchUsage(workspaceID, role, jobID string) (int64, error)
	DeleteDispatchUsage(id int64) error
}

// RateLimiter enforces per-workspace rolling-window and weekly job dispatch caps.
type RateLimiter struct {
	store UsageStore
	cfg   config.RateLimits
	mu    sync.Mutex
}

// NewRateLimiter creates a new rate limiter backed by the given store.
func NewRateLimiter(s UsageStore, cfg config.RateLimits) *RateLimiter {
	return &RateLimiter{store: s, cfg: cfg}
}

// SetConfig swaps the active rate-limit caps, used when a config reload
// changes rate_limits without requiring a daemon restart.
func (r *RateLimiter) SetConfig(cfg config.RateLimits) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cfg = cfg
}

// CanDispatch checks both the 5h rolling window and weekly cap for a workspace.
// Returns (true, "") if dispatch is allowed, or (false, reason) if blocked.
func (r *RateLimiter) CanDispatch(workspaceID string) (bool, string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.canDispatchLocked(workspaceID)
}

func (r *RateLimiter) canDispatchLocked(workspaceID string) (bool, string) {
	count5h, err := r.store.CountDispatchUsage(workspaceID, 5*time.Hour)
	if err != nil {
		return false, fmt.Sprintf("error checking 5h usage: %v", err)
	}
	if r.cfg.Window5hCap > 0 && count5h >= r.cfg.Window5hCap {
		return false, fmt.Sprintf("5h window cap reached: %d/%d", count5h, r.cfg.Window5hCap)
	}

	countWeekly, err := r.store.CountDispatchUsage(workspaceID, 7*24*time.Hour)
	if err != nil {
		return false, fmt.Sprintf("error checking weekly usage: %v", err)
	}
	if r.cfg.WeeklyCap > 0 && countWeekly >= r.cfg.WeeklyCap {
		return false, fmt.Sprintf("weekly cap reached: %d/%d", countWeekly, r.cfg.WeeklyCap)
	}

	return true, ""
}

// RecordDispatch records a job dispatch event and returns the usage record id.
// The caller must call the returned cleanup on subsequent dispatch failure to
// roll back the reservation.
func (r *RateLimiter) RecordDispatch(workspaceID, role, jobID string) (int64, func(), error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if ok, reason := r.canDispatchLocked(workspaceID); !ok {
		return 0, nil, fmt.Errorf("rate limit exceeded before recording dispatch: %s", reason)
	}

	id, err := r.store.RecordDispatchUsage(workspaceID, role, jobID)
	if err != nil {
		return 0, nil, err
	}
	cleanup := func() { _ = r.store.DeleteDispatchUsage(id) }
	return id, cleanup, nil
}

// WeeklyUsagePct returns current weekly usage as a percentage of the cap.
func (r *RateLimiter) WeeklyUsagePct(workspaceID string) float64 {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.cfg.WeeklyCap == 0 {
		return 0
	}
	count, err := r.store.CountDispatchUsage(workspaceID, 7*24*time.Hour)
	if err != nil {
		return 0
	}
	return float64(count) / float64(r.cfg.WeeklyCap) * 100
}
