// Command branchmind-runner is the external runner bootstrap the control
// center's autostart hint points at: a thin process that registers a
// runner lease, claims queued jobs, and keeps their claims alive. In
// simulate mode (the default for local development) it completes each
// claimed job with a stub summary instead of launching an agent CLI, so
// pipeline flows can be exercised end to end without an executor
// installed.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/branchmind/branchmind-core/internal/config"
	"github.com/branchmind/branchmind-core/internal/guard"
	"github.com/branchmind/branchmind-core/internal/jobsrt"
	"github.com/branchmind/branchmind-core/internal/store"
)

type runner struct {
	st          *store.Store
	logger      *slog.Logger
	workspaceID string
	runnerID    string
	leaseTTL    time.Duration
	simulate    bool
	workDelay   time.Duration
}

func defaultRunnerID() string {
	host := "runner"
	if h, err := os.Hostname(); err == nil && strings.TrimSpace(h) != "" {
		host = h
	}
	return fmt.Sprintf("%s-%d", host, os.Getpid())
}

// simulatedSummary is the stand-in summary a simulate-mode completion
// records; it is deliberately not a pipeline artifact so gate checks
// treat simulated jobs as unreviewable rather than silently passing.
func simulatedSummary(job store.Job) string {
	title := strings.TrimSpace(job.Title)
	if title == "" {
		title = job.ID
	}
	return fmt.Sprintf("simulated completion of %s (no executor attached)", title)
}

func (r *runner) leaseMs() int64 {
	if r.leaseTTL <= 0 {
		return (5 * time.Minute).Milliseconds()
	}
	return r.leaseTTL.Milliseconds()
}

func (r *runner) heartbeat(status, activeJobID string) {
	if _, err := r.st.RunnerLeaseUpsert(r.workspaceID, r.runnerID, status, activeJobID, jobsrt.NowMs()+r.leaseMs()); err != nil {
		r.logger.Warn("runner lease heartbeat failed", "error", err)
	}
}

func (r *runner) markOffline() {
	if _, err := r.st.RunnerLeaseUpsert(r.workspaceID, r.runnerID, "offline", "", jobsrt.NowMs()); err != nil {
		r.logger.Warn("runner lease offline mark failed", "error", err)
	}
}

// claimNext claims the oldest QUEUED job, or returns nil when the queue is
// empty or every claim races another runner.
func (r *runner) claimNext() *store.Job {
	jobs, err := r.st.JobsList(r.workspaceID, store.JobsListFilter{Status: store.JobQueued, Limit: 10})
	if err != nil {
		r.logger.Error("list queued jobs failed", "error", err)
		return nil
	}
	for _, job := range jobs {
		claimed, err := r.st.JobClaim(job.ID, r.runnerID, r.leaseMs())
		if err != nil {
			r.logger.Debug("claim raced", "job_id", job.ID, "error", err)
			continue
		}
		return claimed
	}
	return nil
}

// runOne processes a single claimed job: heartbeat, checkpoint, then (in
// simulate mode) completion. Without simulate mode the runner only keeps
// the claim alive and leaves completion to whatever external process is
// attached to the job.
func (r *runner) runOne(ctx context.Context, job *store.Job) {
	r.heartbeat("live", job.ID)

	if !r.simulate {
		r.logger.Info("claimed job, holding lease", "job_id", job.ID)
		return
	}

	select {
	case <-ctx.Done():
		return
	case <-time.After(r.workDelay):
	}

	if err := r.st.JobHeartbeat(job.ID, r.leaseMs()); err != nil {
		r.logger.Warn("job heartbeat failed", "job_id", job.ID, "error", err)
	}
	if _, err := r.st.JobCheckpoint(job.ID, "simulated work checkpoint", nil); err != nil {
		r.logger.Warn("job checkpoint failed", "job_id", job.ID, "error", err)
	}
	if _, err := r.st.JobComplete(job.ID, store.JobDone, simulatedSummary(*job)); err != nil {
		r.logger.Error("job complete failed", "job_id", job.ID, "error", err)
		return
	}
	r.logger.Info("simulated job complete", "job_id", job.ID)
}

func (r *runner) loop(ctx context.Context, poll time.Duration) {
	ticker := time.NewTicker(poll)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			job := r.claimNext()
			if job == nil {
				r.heartbeat("idle", "")
				continue
			}
			r.runOne(ctx, job)
		}
	}
}

func main() {
	configPath := flag.String("config", "branchmind.toml", "path to config file")
	repoPath := flag.String("repo", ".", "repo root this runner is bound to")
	runnerID := flag.String("runner-id", defaultRunnerID(), "stable runner identity for leases")
	poll := flag.Duration("poll", 3*time.Second, "queue poll interval")
	once := flag.Bool("once", false, "claim and process at most one job, then exit")
	simulate := flag.Bool("simulate", true, "complete claimed jobs with a stub summary instead of launching an executor")
	workDelay := flag.Duration("work-delay", 250*time.Millisecond, "simulated work duration per job")
	dev := flag.Bool("dev", false, "use text log format (default is JSON)")
	flag.Parse()

	opts := &slog.HandlerOptions{Level: slog.LevelInfo}
	var logger *slog.Logger
	if *dev {
		logger = slog.New(slog.NewTextHandler(os.Stderr, opts))
	} else {
		logger = slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	slog.SetDefault(logger)

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error("failed to load config", "config", *configPath, "error", err)
		os.Exit(1)
	}

	dbPath := config.ExpandHome(cfg.General.StateDB)
	st, err := store.Open(dbPath)
	if err != nil {
		logger.Error("failed to open store", "path", dbPath, "error", err)
		os.Exit(1)
	}
	defer st.Close()

	resolved, err := guard.Resolve(*repoPath)
	if err != nil {
		logger.Error("failed to resolve repo root", "repo", *repoPath, "error", err)
		os.Exit(1)
	}
	workspaceID, err := store.WorkspaceIDForPath(resolved.CanonicalPath)
	if err != nil {
		logger.Error("failed to derive workspace id", "repo", resolved.CanonicalPath, "error", err)
		os.Exit(1)
	}
	if _, err := st.WorkspaceInit(workspaceID, resolved.CanonicalPath); err != nil {
		logger.Error("failed to init workspace", "workspace_id", workspaceID, "error", err)
		os.Exit(1)
	}
	if _, err := guard.Ensure(st, workspaceID, resolved.CanonicalPath); err != nil {
		logger.Error("project guard mismatch", "workspace_id", workspaceID, "error", err)
		os.Exit(1)
	}

	r := &runner{
		st:          st,
		logger:      logger,
		workspaceID: workspaceID,
		runnerID:    *runnerID,
		leaseTTL:    cfg.Jobs.ClaimLeaseTTL.Duration,
		simulate:    *simulate,
		workDelay:   *workDelay,
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	logger.Info("branchmind-runner starting",
		"workspace_id", workspaceID,
		"runner_id", r.runnerID,
		"simulate", r.simulate,
	)
	r.heartbeat("idle", "")

	if *once {
		if job := r.claimNext(); job != nil {
			r.runOne(ctx, job)
		}
		r.markOffline()
		return
	}

	go r.loop(ctx, *poll)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("received signal, shutting down", "signal", sig)
	cancel()
	r.markOffline()
}
