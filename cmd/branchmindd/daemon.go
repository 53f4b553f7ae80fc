package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/branchmind/branchmind-core/internal/config"
	"github.com/branchmind/branchmind-core/internal/cost"
	"github.com/branchmind/branchmind-core/internal/dispatch"
	"github.com/branchmind/branchmind-core/internal/jobsrt"
	"github.com/branchmind/branchmind-core/internal/mesh"
	"github.com/branchmind/branchmind-core/internal/pipeline"
	"github.com/branchmind/branchmind-core/internal/store"
)

// daemon owns the runtime loop that turns QUEUED jobs into dispatched
// processes and dispatched processes back into DONE/FAILED jobs, and runs
// the periodic control-center sweep alongside it.
type daemon struct {
	st          *store.Store
	bus         *mesh.Bus
	coord       *pipeline.Coordinator
	rateLimiter *dispatch.RateLimiter
	logger      *slog.Logger
	workspaceID string
	repoRoot    string
	dryRun      bool
	runnerID    string

	mu       sync.RWMutex
	cfg      *config.Config
	headless *dispatch.HeadlessBackend
	docker   dispatch.Backend

	inflightMu sync.Mutex
	inflight   map[string]dispatch.Handle
}

type daemonOpts struct {
	st          *store.Store
	bus         *mesh.Bus
	coord       *pipeline.Coordinator
	rateLimiter *dispatch.RateLimiter
	cfg         *config.Config
	logger      *slog.Logger
	workspaceID string
	repoRoot    string
	dryRun      bool
}

func newDaemon(o daemonOpts) *daemon {
	runnerID := "local"
	if host, err := os.Hostname(); err == nil && strings.TrimSpace(host) != "" {
		runnerID = host
	}
	return &daemon{
		st:          o.st,
		bus:         o.bus,
		coord:       o.coord,
		rateLimiter: o.rateLimiter,
		cfg:         o.cfg,
		logger:      o.logger,
		workspaceID: o.workspaceID,
		repoRoot:    o.repoRoot,
		dryRun:      o.dryRun,
		runnerID:    runnerID,
		inflight:    make(map[string]dispatch.Handle),
	}
}

// initBackends constructs the configured dispatch backends. The Docker
// backend is only built when at least one routing role actually names it,
// so a host without a Docker daemon can still run an all-headless_cli setup.
func (d *daemon) initBackends() error {
	cfg := d.config()
	d.headless = dispatch.NewHeadlessBackend(cfg.Dispatch.CLI, cfg.Dispatch.LogDir, 0)

	needsDocker := cfg.Dispatch.Routing.ScoutBackend == "docker" ||
		cfg.Dispatch.Routing.BuilderBackend == "docker" ||
		cfg.Dispatch.Routing.ValidatorBackend == "docker"
	if !needsDocker {
		return nil
	}
	dockerBackend, err := dispatch.NewDockerBackend(cfg.Dispatch.Docker.Image, cfg.Dispatch.Docker.Network, cfg.Dispatch.Docker.WorkingDir)
	if err != nil {
		return err
	}
	d.docker = dockerBackend
	return nil
}

func (d *daemon) config() *config.Config {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.cfg
}

func (d *daemon) setConfig(cfg *config.Config) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.cfg = cfg
	d.rateLimiter.SetConfig(cfg.RateLimits)
}

func (d *daemon) tickInterval() time.Duration {
	iv := d.config().General.TickInterval.Duration
	if iv <= 0 {
		return 10 * time.Second
	}
	return iv
}

func (d *daemon) sweepInterval() time.Duration {
	iv := d.config().General.SweepInterval.Duration
	if iv <= 0 {
		return 60 * time.Second
	}
	return iv
}

func (d *daemon) backendForRouting(routing string) (dispatch.Backend, error) {
	switch routing {
	case "docker":
		if d.docker == nil {
			return nil, fmt.Errorf("docker backend not initialized for routing %q", routing)
		}
		return d.docker, nil
	case "headless_cli", "":
		return d.headless, nil
	default:
		return nil, fmt.Errorf("unknown dispatch backend routing %q", routing)
	}
}

func (d *daemon) backendForRole(role string) (dispatch.Backend, error) {
	cfg := d.config()
	switch role {
	case "scout":
		return d.backendForRouting(cfg.Dispatch.Routing.ScoutBackend)
	case "builder":
		return d.backendForRouting(cfg.Dispatch.Routing.BuilderBackend)
	case "validator":
		return d.backendForRouting(cfg.Dispatch.Routing.ValidatorBackend)
	default:
		return d.backendForRouting(cfg.Dispatch.Routing.BuilderBackend)
	}
}

func (d *daemon) backendByName(name string) (dispatch.Backend, error) {
	switch name {
	case "docker":
		return d.backendForRouting("docker")
	default:
		return d.backendForRouting("headless_cli")
	}
}

// executorFamily maps a role's executor profile ("codex/xhigh", "claude")
// onto the dispatch.cli config key that names the underlying CLI binary.
func executorFamily(executor string) string {
	executor = strings.TrimSpace(executor)
	if executor == "" {
		return "codex"
	}
	if idx := strings.Index(executor, "/"); idx >= 0 {
		return executor[:idx]
	}
	return executor
}

// runTick claims and dispatches any ready QUEUED jobs and reconciles the
// state of anything already in flight.
func (d *daemon) runTick(ctx context.Context) {
	d.reconcileInflight(ctx)

	jobs, err := d.st.JobsList(d.workspaceID, store.JobsListFilter{Status: store.JobQueued, Limit: 50})
	if err != nil {
		d.logger.Error("list queued jobs failed", "error", err)
		return
	}

	for _, job := range jobs {
		select {
		case <-ctx.Done():
			return
		default:
		}
		d.dispatchOne(ctx, job)
	}

	d.heartbeatRunner()
}

// runSweep synthesizes the control-center snapshot (radar, diagnostics,
// status counts) and logs anything needing operator attention.
func (d *daemon) runSweep(ctx context.Context) {
	cfg := d.config()
	stallAfterS := int64(cfg.Jobs.StalledAfter.Duration.Seconds())
	const offlineWindow = 24 * time.Hour
	snap, err := d.coord.Synthesize(d.workspaceID, stallAfterS, offlineWindow)
	if err != nil {
		d.logger.Error("control-center synthesis failed", "error", err)
		return
	}

	attention := 0
	for _, row := range snap.Radar {
		if row.Attention.Any() {
			attention++
		}
	}
	d.logger.Info("control-center sweep",
		"status_counts", snap.StatusCounts,
		"jobs_needing_attention", attention,
		"runners_active", len(snap.Diagnostics.Active),
		"runners_offline", len(snap.Diagnostics.Offline),
		"diagnostics", len(snap.Diagnostics.Diagnostics),
	)
	for _, diag := range snap.Diagnostics.Diagnostics {
		d.logger.Warn("runner diagnostic", "severity", diag.Severity, "kind", diag.Kind, "job_id", diag.JobID)
	}
}

func (d *daemon) dispatchOne(ctx context.Context, job store.Job) {
	var meta pipeline.RoleMeta
	if err := job.Meta(&meta); err != nil {
		d.logger.Error("job has invalid role metadata, failing", "job_id", job.ID, "error", err)
		if _, cErr := d.st.JobComplete(job.ID, store.JobFailed, "invalid role metadata: "+err.Error()); cErr != nil {
			d.logger.Error("mark job failed", "job_id", job.ID, "error", cErr)
		}
		return
	}

	ok, reason := d.rateLimiter.CanDispatch(job.WorkspaceID)
	if !ok {
		d.logger.Debug("rate limited, deferring dispatch", "job_id", job.ID, "reason", reason)
		return
	}

	backend, err := d.backendForRole(meta.Role)
	if err != nil {
		d.logger.Error("no dispatch backend for role", "job_id", job.ID, "role", meta.Role, "error", err)
		return
	}

	if d.dryRun {
		d.logger.Info("dry-run: would dispatch", "job_id", job.ID, "role", meta.Role, "executor", meta.Executor)
		return
	}

	cfg := d.config()
	claimed, err := d.st.JobClaim(job.ID, d.runnerID, cfg.Jobs.ClaimLeaseTTL.Milliseconds())
	if err != nil {
		d.logger.Warn("claim failed, likely raced by another runner", "job_id", job.ID, "error", err)
		return
	}

	usageID, rollback, err := d.rateLimiter.RecordDispatch(job.WorkspaceID, meta.Role, job.ID)
	if err != nil {
		d.logger.Warn("dispatch usage record failed", "job_id", job.ID, "error", err)
		if _, cErr := d.st.JobComplete(job.ID, store.JobFailed, "rate limit reservation failed: "+err.Error()); cErr != nil {
			d.logger.Error("mark job failed", "job_id", job.ID, "error", cErr)
		}
		return
	}

	handle, err := backend.Dispatch(ctx, dispatch.DispatchOpts{
		JobID:           claimed.ID,
		Role:            meta.Role,
		Prompt:          claimed.Prompt,
		Model:           meta.Model,
		ExecutorProfile: meta.Executor,
		WorkDir:         d.repoRoot,
		CLIConfig:       executorFamily(meta.Executor),
	})
	if err != nil {
		rollback()
		d.logger.Error("dispatch failed", "job_id", job.ID, "role", meta.Role, "error", err)
		if _, cErr := d.st.JobComplete(job.ID, store.JobFailed, "dispatch failed: "+err.Error()); cErr != nil {
			d.logger.Error("mark job failed", "job_id", job.ID, "error", cErr)
		}
		return
	}
	_ = usageID

	d.inflightMu.Lock()
	d.inflight[claimed.ID] = handle
	d.inflightMu.Unlock()

	d.logger.Info("dispatched job", "job_id", claimed.ID, "role", meta.Role, "backend", handle.Backend, "pid", handle.PID)
}

// recordJobCost estimates token usage and USD cost for a finished job from
// its raw executor output and logs it against the workspace's configured
// per-model pricing (cost.daily_cap_usd is advisory; nothing here blocks
// completion on it, since a job has already run by the time its cost is
// known).
func (d *daemon) recordJobCost(jobID, output string) {
	job, err := d.st.JobGet(jobID)
	if err != nil {
		d.logger.Warn("cost accounting: job lookup failed", "job_id", jobID, "error", err)
		return
	}
	var meta pipeline.RoleMeta
	_ = job.Meta(&meta)

	usage := cost.ExtractTokenUsage(output, job.Prompt)
	cfg := d.config()
	usd := cost.EstimateJobCost(usage, meta.Model, cfg.Cost.CostInputPerMtok, cfg.Cost.CostOutputPerMtok)

	d.logger.Info("job cost estimate",
		"job_id", jobID, "role", meta.Role, "model", meta.Model,
		"input_tokens", usage.Input, "output_tokens", usage.Output, "cost_usd", usd,
	)
}

// reconcileInflight polls every outstanding dispatch handle and closes out
// any job whose process has exited.
func (d *daemon) reconcileInflight(_ context.Context) {
	d.inflightMu.Lock()
	snapshot := make(map[string]dispatch.Handle, len(d.inflight))
	for k, v := range d.inflight {
		snapshot[k] = v
	}
	d.inflightMu.Unlock()

	for jobID, handle := range snapshot {
		backend, err := d.backendByName(handle.Backend)
		if err != nil {
			d.logger.Error("cannot resolve backend for inflight handle", "job_id", jobID, "backend", handle.Backend, "error", err)
			continue
		}
		status, err := backend.Status(handle)
		if err != nil {
			d.logger.Warn("status check failed", "job_id", jobID, "error", err)
			continue
		}

		switch status.State {
		case "completed", "failed":
			output, _ := backend.CaptureOutput(handle)
			resultStatus := store.JobDone
			if status.State == "failed" {
				resultStatus = store.JobFailed
			}
			d.recordJobCost(jobID, output)
			if _, err := d.st.JobComplete(jobID, resultStatus, summarizeOutput(output)); err != nil {
				d.logger.Error("job complete failed", "job_id", jobID, "error", err)
			}
			_ = backend.Cleanup(handle)
			d.inflightMu.Lock()
			delete(d.inflight, jobID)
			d.inflightMu.Unlock()
		}
	}
}

// waitForInflight blocks until every dispatched process has settled or ctx
// is canceled, used by --once mode so a single tick waits for its own work.
func (d *daemon) waitForInflight(ctx context.Context, pollEvery time.Duration) {
	ticker := time.NewTicker(pollEvery)
	defer ticker.Stop()
	for {
		d.inflightMu.Lock()
		remaining := len(d.inflight)
		d.inflightMu.Unlock()
		if remaining == 0 {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.reconcileInflight(ctx)
		}
	}
}

func (d *daemon) heartbeatRunner() {
	d.inflightMu.Lock()
	active := len(d.inflight)
	d.inflightMu.Unlock()

	status := "idle"
	activeJobID := ""
	if active > 0 {
		status = "live"
		d.inflightMu.Lock()
		for jobID := range d.inflight {
			activeJobID = jobID
			break
		}
		d.inflightMu.Unlock()
	}

	leaseMs := d.config().Jobs.ClaimLeaseTTL.Milliseconds()
	if _, err := d.st.RunnerLeaseUpsert(d.workspaceID, d.runnerID, status, activeJobID, jobsrt.NowMs()+leaseMs); err != nil {
		d.logger.Warn("runner lease heartbeat failed", "error", err)
	}
}

func (d *daemon) markOffline() {
	if _, err := d.st.RunnerLeaseUpsert(d.workspaceID, d.runnerID, "offline", "", jobsrt.NowMs()); err != nil {
		d.logger.Warn("runner lease offline mark failed", "error", err)
	}
}

func summarizeOutput(output string) string {
	const maxLen = 4000
	output = strings.TrimSpace(output)
	if len(output) <= maxLen {
		return output
	}
	return "...(truncated)...\n" + output[len(output)-maxLen:]
}
