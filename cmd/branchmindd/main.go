package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/robfig/cron"

	"github.com/branchmind/branchmind-core/internal/config"
	"github.com/branchmind/branchmind-core/internal/dispatch"
	"github.com/branchmind/branchmind-core/internal/guard"
	"github.com/branchmind/branchmind-core/internal/mesh"
	"github.com/branchmind/branchmind-core/internal/pipeline"
	"github.com/branchmind/branchmind-core/internal/store"
)

func configureLogger(logLevel string, useDev bool) *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(strings.TrimSpace(logLevel)) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: level}
	if useDev {
		return slog.New(slog.NewTextHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, opts))
}

func validateRuntimeConfigReload(oldCfg, newCfg *config.Config) error {
	if oldCfg == nil || newCfg == nil {
		return fmt.Errorf("invalid config state during reload")
	}
	oldStateDB := strings.TrimSpace(oldCfg.General.StateDB)
	newStateDB := strings.TrimSpace(newCfg.General.StateDB)
	if oldStateDB != newStateDB {
		return fmt.Errorf("state_db changed (%q -> %q) and requires restart", oldStateDB, newStateDB)
	}
	return nil
}

func main() {
	configPath := flag.String("config", "branchmind.toml", "path to config file")
	repoPath := flag.String("repo", ".", "repo root this daemon instance is bound to")
	once := flag.Bool("once", false, "run a single tick then exit")
	dev := flag.Bool("dev", false, "use text log format (default is JSON)")
	dryRun := flag.Bool("dry-run", false, "run tick logic without actually dispatching agents")
	disableClaudeCLI := flag.Bool("disable-claude-cli", false, "remove Claude CLI dispatch tables from config and exit")
	setTickInterval := flag.String("set-tick-interval", "", "set [general].tick_interval in config (e.g. 2m) and exit")
	normalizeTranscriptPath := flag.String("normalize-transcript-path", "", "normalize oversized rows in the given state directory's rollout.jsonl and exit")
	normalizeTranscriptMaxBytes := flag.Int("normalize-transcript-max-bytes", 60000, "maximum bytes allowed per rollout.jsonl row in -normalize-transcript-path mode")
	normalizeTranscriptDryRun := flag.Bool("normalize-transcript-dry-run", false, "preview normalize-transcript changes without writing files")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	logger.Info("branchmindd starting", "config", *configPath)

	if *disableClaudeCLI {
		changed, err := disableClaudeCLIInConfigFile(*configPath)
		if err != nil {
			logger.Error("failed to disable claude CLI tables in config", "config", *configPath, "error", err)
			os.Exit(1)
		}
		logger.Info("disable-claude-cli complete", "config", *configPath, "changed", changed)
		return
	}
	if tickInterval := strings.TrimSpace(*setTickInterval); tickInterval != "" {
		changed, err := setTickIntervalInConfigFile(*configPath, tickInterval)
		if err != nil {
			logger.Error("failed to set tick interval in config", "config", *configPath, "tick_interval", tickInterval, "error", err)
			os.Exit(1)
		}
		logger.Info("set-tick-interval complete", "config", *configPath, "changed", changed, "tick_interval", tickInterval)
		return
	}
	if stateDir := strings.TrimSpace(*normalizeTranscriptPath); stateDir != "" {
		transcriptPath := rolloutJSONLPath(config.ExpandHome(stateDir))
		result, err := normalizeOversizedTranscriptJSONL(transcriptPath, *normalizeTranscriptMaxBytes, *normalizeTranscriptDryRun)
		if err != nil {
			logger.Error("normalize-transcript failed", "path", transcriptPath, "error", err)
			os.Exit(1)
		}
		logger.Info("normalize-transcript complete",
			"path", result.Path,
			"dry_run", *normalizeTranscriptDryRun,
			"total_rows", result.TotalLines,
			"oversized_rows", result.OversizedRows,
			"changed_rows", result.ChangedRows,
			"bytes_before", result.BytesBefore,
			"bytes_after", result.BytesAfter,
		)
		return
	}

	cfgManager, err := config.LoadManager(*configPath)
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	cfg := cfgManager.Get()
	if cfg == nil {
		logger.Error("failed to load config snapshot", "config", *configPath)
		os.Exit(1)
	}

	logger = configureLogger(cfg.General.LogLevel, *dev)
	slog.SetDefault(logger)

	lockPath := "/tmp/branchmindd.lock"
	if cfg.General.LockFile != "" {
		lockPath = config.ExpandHome(cfg.General.LockFile)
	}
	lockFile, err := acquireFlock(lockPath)
	if err != nil {
		logger.Error("failed to acquire lock", "error", err)
		os.Exit(1)
	}
	defer releaseFlock(lockFile)

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

	bus := mesh.New(st)
	coord := pipeline.New(st, bus, cfg, resolved.CanonicalPath)
	rateLimiter := dispatch.NewRateLimiter(st, cfg.RateLimits)

	d := newDaemon(daemonOpts{
		st:          st,
		bus:         bus,
		coord:       coord,
		rateLimiter: rateLimiter,
		cfg:         cfg,
		logger:      logger,
		workspaceID: workspaceID,
		repoRoot:    resolved.CanonicalPath,
		dryRun:      *dryRun,
	})
	if err := d.initBackends(); err != nil {
		logger.Error("failed to initialize dispatch backends", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var cfgMu sync.Mutex
	applyReload := func() error {
		cfgMu.Lock()
		defer cfgMu.Unlock()

		updatedCfg, err := config.Reload(*configPath)
		if err != nil {
			return err
		}
		if err := validateRuntimeConfigReload(cfg, updatedCfg); err != nil {
			return err
		}
		cfgManager.Set(updatedCfg)
		cfg = updatedCfg
		logger = configureLogger(cfg.General.LogLevel, *dev)
		slog.SetDefault(logger)
		d.setConfig(cfg)
		return nil
	}

	if *once {
		logger.Info("running single tick (--once mode)")
		d.runTick(ctx)
		logger.Info("single tick complete, waiting for dispatched agents to finish")
		d.waitForInflight(ctx, 1*time.Second)
		logger.Info("single tick complete, exiting")
		return
	}

	go d.runLoop(ctx)

	logger.Info("branchmindd running",
		"workspace_id", workspaceID,
		"repo_root", resolved.CanonicalPath,
		"tick_interval", cfg.General.TickInterval.Duration.String(),
		"sweep_interval", cfg.General.SweepInterval.Duration.String(),
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGHUP, syscall.SIGINT, syscall.SIGTERM)

	for {
		sig := <-sigCh
		switch sig {
		case syscall.SIGHUP:
			if err := applyReload(); err != nil {
				logger.Error(fmt.Sprintf("config reload failed: %v", err))
				continue
			}
			logger.Info("config reloaded")
		case syscall.SIGINT, syscall.SIGTERM:
			shutdownStart := time.Now()
			logger.Info("received signal, shutting down", "signal", sig)
			cancel()
			d.markOffline()
			logger.Info("branchmindd stopped", "shutdown_duration", time.Since(shutdownStart).String())
			return
		default:
			shutdownStart := time.Now()
			logger.Info("received unexpected signal, shutting down", "signal", sig)
			cancel()
			d.markOffline()
			logger.Info("branchmindd stopped", "shutdown_duration", time.Since(shutdownStart).String())
			return
		}
	}
}

// runLoop drives the dispatch tick inline and hands the slower
// control-center sweep to a cron scheduler. Both intervals are read once
// when the loop starts; a SIGHUP reload that changes them does not affect
// a loop that is already running.
func (d *daemon) runLoop(ctx context.Context) {
	tickTicker := time.NewTicker(d.tickInterval())
	defer tickTicker.Stop()

	sweeper := cron.New()
	if err := sweeper.AddFunc(fmt.Sprintf("@every %s", d.sweepInterval()), func() { d.runSweep(ctx) }); err != nil {
		d.logger.Error("failed to schedule control-center sweep", "error", err)
		return
	}
	sweeper.Start()
	defer sweeper.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-tickTicker.C:
			d.runTick(ctx)
		}
	}
}
