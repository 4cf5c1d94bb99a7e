package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/mattjoyce/trainyard/internal/api"
	"github.com/mattjoyce/trainyard/internal/buildlock"
	"github.com/mattjoyce/trainyard/internal/config"
	"github.com/mattjoyce/trainyard/internal/doctor"
	"github.com/mattjoyce/trainyard/internal/events"
	"github.com/mattjoyce/trainyard/internal/lock"
	"github.com/mattjoyce/trainyard/internal/log"
	"github.com/mattjoyce/trainyard/internal/sweeper"
	"github.com/mattjoyce/trainyard/internal/tui/watch"
	"github.com/mattjoyce/trainyard/internal/vcs"
	"github.com/mattjoyce/trainyard/internal/worker"
)

func runWorkerNoun(args []string) int {
	if len(args) < 1 {
		printUsage()
		return exitError
	}
	if isHelpToken(args[0]) {
		printWorkerStartHelp()
		return exitOK
	}
	switch args[0] {
	case "start":
		return runWorkerStart(args[1:])
	default:
		fmt.Fprintf(os.Stderr, "Unknown worker action: %s\n", args[0])
		return exitError
	}
}

func printWorkerStartHelp() {
	fmt.Print(`Usage: trainyard worker start [flags]

Runs the merge worker, the sweeper and (when api.enabled or --api) the
read-only HTTP API in the foreground until interrupted.

Flags:
  --config PATH   Configuration file or directory
  --agent ID      Agent id (default $TRAINYARD_AGENT or worker.agent)
  --api           Serve the API even if api.enabled is false
  --once          Drain the queue once and exit
`)
}

func runWorkerStart(args []string) int {
	v := newVerb("start", false)
	agentFlag := v.fs.String("agent", "", "Agent id")
	forceAPI := v.fs.Bool("api", false, "Serve the API")
	once := v.fs.Bool("once", false, "Drain the queue once and exit")
	if _, err := v.parse(args); err != nil {
		return fail("%v", err)
	}

	cfg, err := config.LoadOrDefault(*v.config)
	if err != nil {
		return fail("load config: %v", err)
	}
	log.Setup(cfg.Service.LogLevel, cfg.Service.LogFormat)
	logger := log.WithComponent("main")
	agent := agentFor(*agentFlag, cfg)
	logger.Info("trainyard starting", "version", version, "agent_id", agent, "state", cfg.State.Path)

	agentLock, err := lock.AcquireAgent(cfg.BuildLock.Dir, agent)
	if err != nil {
		logger.Error("failed to acquire agent lock", "agent_id", agent, "error", err)
		if errors.Is(err, lock.ErrAgentRunning) {
			return exitContended
		}
		return exitError
	}
	defer agentLock.Release()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	hub := events.NewHub(256)
	y, err := openStore(ctx, cfg, hub)
	if err != nil {
		logger.Error("failed to open state", "path", cfg.State.Path, "error", err)
		return exitError
	}
	defer y.Close()

	build, err := buildlock.New(buildlock.Options{
		Dir:          cfg.BuildLock.Dir,
		Timeout:      cfg.BuildLock.Timeout,
		PollInterval: cfg.BuildLock.PollInterval,
		Logger:       log.WithComponent("buildlock"),
	})
	if err != nil {
		logger.Error("failed to set up build lock", "dir", cfg.BuildLock.Dir, "error", err)
		return exitError
	}

	w, err := worker.New(y.queue,
		vcs.NewJJ(cfg.VCS.Binary, cfg.VCS.Repo, cfg.Queue.Target),
		build,
		worker.CommandTester{Command: cfg.BuildLock.TestCommand, Timeout: cfg.Worker.TestTimeout},
		worker.Options{
			Agent:        agent,
			ClaimTTL:     cfg.Queue.ClaimTTL,
			Target:       cfg.Queue.Target,
			ThrashLimit:  cfg.Queue.ThrashLimit,
			PollInterval: cfg.Worker.PollInterval,
			WorkspaceDir: cfg.WorkspaceDir,
			Publisher:    hub,
			Logger:       log.WithComponent("worker"),
		})
	if err != nil {
		logger.Error("failed to create worker", "error", err)
		return exitError
	}

	sw := sweeper.New(y.queue, y.locks, hub, sweeper.Options{
		TickInterval: cfg.Service.TickInterval,
		Retention:    cfg.Queue.Retention,
	}, log.Get())

	if *once {
		report := sw.Tick(ctx)
		logger.Info("sweep done", "reclaimed", len(report.Reclaimed), "pruned", report.Pruned)
		for {
			did, err := w.RunOnce(ctx)
			if err != nil {
				logger.Error("worker pass failed", "error", err)
				return exitError
			}
			if !did {
				logger.Info("queue drained")
				return exitOK
			}
		}
	}

	if err := sw.Start(ctx); err != nil {
		logger.Error("sweeper failed to start", "error", err)
		return exitError
	}
	defer sw.Stop()

	errCh := make(chan error, 2)
	go func() {
		if err := w.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
			errCh <- fmt.Errorf("worker: %w", err)
		}
	}()

	if cfg.API.Enabled || *forceAPI {
		server := api.New(api.Config{Listen: cfg.API.Listen}, y.queue, y.locks, hub, log.Get())
		go func() {
			if err := server.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
				errCh <- fmt.Errorf("api: %w", err)
			}
		}()
		logger.Info("API server enabled", "listen", cfg.API.Listen)
	}

	logger.Info("trainyard running (press Ctrl+C to stop)")
	select {
	case <-ctx.Done():
		logger.Info("received shutdown signal")
	case err := <-errCh:
		logger.Error("component failed", "error", err)
		cancel()
		return exitError
	}
	logger.Info("trainyard stopped")
	return exitOK
}

// --- doctor ---

func runDoctor(args []string) int {
	v := newVerb("doctor", true)
	if _, err := v.parse(args); err != nil {
		return fail("%v", err)
	}

	cfg, err := config.LoadOrDefault(*v.config)
	if err != nil {
		if v.wantJSON() {
			_ = writeJSON(os.Stdout, &doctor.Result{
				Valid:  false,
				Errors: []doctor.Issue{{Category: "config", Message: err.Error()}},
			})
		} else {
			fmt.Fprintf(os.Stderr, "Configuration invalid: %v\n", err)
		}
		return exitError
	}
	log.SetupWriter(os.Stderr, cfg.Service.LogLevel, cfg.Service.LogFormat)

	// The store is only checked when it exists; doctor never creates one.
	var store doctor.EntryLister
	ctx := context.Background()
	if _, err := os.Stat(cfg.State.Path); err == nil {
		y, err := openStore(ctx, cfg, nil)
		if err != nil {
			return fail("%v", err)
		}
		defer y.Close()
		store = y.queue
	}

	result := doctor.New(cfg, store).Validate(ctx)
	if v.wantJSON() {
		out, err := doctor.FormatJSON(result)
		if err != nil {
			return fail("render JSON: %v", err)
		}
		fmt.Println(out)
	} else {
		fmt.Print(doctor.FormatHuman(result))
	}
	if !result.Valid {
		return exitError
	}
	return exitOK
}

// --- watch ---

func runWatch(args []string) int {
	v := newVerb("watch", false)
	apiURL := v.fs.String("api-url", "", "trainyard API URL (default from api.listen)")
	if _, err := v.parse(args); err != nil {
		return fail("%v", err)
	}
	if *apiURL == "" {
		cfg, err := config.LoadOrDefault(*v.config)
		if err != nil {
			return fail("load config: %v", err)
		}
		*apiURL = "http://" + cfg.API.Listen
	}

	if err := watch.Run(*apiURL); err != nil {
		return fail("TUI error: %v", err)
	}
	return exitOK
}
