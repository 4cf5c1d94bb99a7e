// Package worker lands queued workspaces one at a time: claim, rebase, test
// under the build lock, then merge into the target.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mattjoyce/trainyard/internal/buildlock"
	"github.com/mattjoyce/trainyard/internal/log"
	"github.com/mattjoyce/trainyard/internal/queue"
	"github.com/mattjoyce/trainyard/internal/vcs"
)

// BuildRunner serializes test runs across processes. *buildlock.Coordinator
// implements it.
type BuildRunner interface {
	Run(ctx context.Context, fn func(ctx context.Context) error) (buildlock.Result, error)
}

// ErrBuildLockBusy means the test stage could not get the build lock.
var ErrBuildLockBusy = errors.New("build lock busy")

// busyError keeps the build lock outcome. A busy lock clears on its own, so
// the entry is retried.
type busyError struct {
	outcome   buildlock.Outcome
	holderPID int
}

func (e *busyError) Error() string {
	return fmt.Sprintf("%s: %s (holder pid %d)", ErrBuildLockBusy, e.outcome, e.holderPID)
}

func (e *busyError) Unwrap() error   { return ErrBuildLockBusy }
func (e *busyError) Retryable() bool { return true }

type Options struct {
	Agent        string
	ClaimTTL     time.Duration
	Target       string
	ThrashLimit  int
	PollInterval time.Duration
	// WorkspaceDir maps a workspace to its checkout.
	WorkspaceDir func(workspace string) string
	Publisher    queue.Publisher
	Logger       *slog.Logger
}

// Worker drives entries through the merge train.
type Worker struct {
	queue  *queue.Queue
	driver vcs.Driver
	build  BuildRunner
	tester Tester

	agent       string
	ttl         time.Duration
	target      string
	thrashLimit int
	poll        time.Duration
	dir         func(string) string
	publisher   queue.Publisher
	logger      *slog.Logger
}

// New creates a Worker.
func New(q *queue.Queue, driver vcs.Driver, build BuildRunner, tester Tester, opts Options) (*Worker, error) {
	if opts.Agent == "" {
		return nil, queue.ErrInvalidAgent
	}
	if opts.ClaimTTL < time.Second {
		return nil, queue.ErrInvalidTTL
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 15 * time.Second
	}
	if opts.WorkspaceDir == nil {
		opts.WorkspaceDir = func(ws string) string { return ws }
	}
	if opts.Logger == nil {
		opts.Logger = log.WithComponent("worker")
	}
	return &Worker{
		queue:       q,
		driver:      driver,
		build:       build,
		tester:      tester,
		agent:       opts.Agent,
		ttl:         opts.ClaimTTL,
		target:      opts.Target,
		thrashLimit: opts.ThrashLimit,
		poll:        opts.PollInterval,
		dir:         opts.WorkspaceDir,
		publisher:   opts.Publisher,
		logger:      opts.Logger.With(slog.String("agent_id", opts.Agent)),
	}, nil
}

// Start runs the worker loop until ctx is cancelled. Each tick drains the
// queue before waiting again.
func (w *Worker) Start(ctx context.Context) error {
	w.logger.Info("worker loop started", "poll_interval", w.poll)
	defer w.logger.Info("worker loop stopped")

	ticker := time.NewTicker(w.poll)
	defer ticker.Stop()

	for {
		for {
			landed, err := w.RunOnce(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				w.logger.Error("worker run failed", "error", err)
				break
			}
			if !landed {
				break
			}
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// RunOnce claims the next eligible entry and takes it as far as it goes.
// It reports whether an entry was claimed. Stage failures are recorded on
// the entry, not returned.
func (w *Worker) RunOnce(ctx context.Context) (bool, error) {
	e, err := w.queue.ClaimNext(ctx, w.agent, w.ttl)
	if err != nil {
		return false, fmt.Errorf("claim next: %w", err)
	}
	if e == nil {
		return false, nil
	}

	logger := w.logger.With(slog.String("workspace", e.Workspace))
	logger.Info("claimed entry", "attempt", e.AttemptCount+1, "max_attempts", e.MaxAttempts)

	runCtx, stop := context.WithCancel(ctx)
	defer stop()
	go w.keepAlive(runCtx, e.Workspace, logger)

	if err := w.land(runCtx, e, logger); err != nil {
		if ctx.Err() != nil {
			logger.Warn("stopped mid-run; claim left to expire", "status", e.Status)
			return true, ctx.Err()
		}
		w.fail(ctx, e.Workspace, err, logger)
	}
	return true, nil
}

func (w *Worker) land(ctx context.Context, e *queue.Entry, logger *slog.Logger) error {
	ws := e.Workspace

	if _, err := w.queue.Transition(ctx, ws, w.agent, queue.StatusRebasing); err != nil {
		return err
	}
	head, err := w.driver.Rebase(ctx, ws)
	if err != nil {
		return err
	}
	e, err = w.queue.RecordRebase(ctx, ws, w.agent, head)
	if err != nil {
		return err
	}
	if e.Thrashing(w.thrashLimit) {
		return &thrashError{workspace: ws, rebases: e.RebaseCount, limit: w.thrashLimit}
	}

	if _, err := w.queue.Transition(ctx, ws, w.agent, queue.StatusTesting); err != nil {
		return err
	}
	if e.TestResultStale() {
		if err := w.test(ctx, ws, head, logger); err != nil {
			return err
		}
	} else {
		logger.Info("tests already passed against head; skipping", "head", head)
	}

	if _, err := w.queue.Transition(ctx, ws, w.agent, queue.StatusReadyToMerge); err != nil {
		return err
	}
	stat, err := w.driver.DiffStat(ctx, ws)
	if err != nil {
		logger.Warn("diff stat unavailable", "error", err)
	}

	if _, err := w.queue.Transition(ctx, ws, w.agent, queue.StatusMerging); err != nil {
		return err
	}
	if err := w.driver.Merge(ctx, ws, w.target); err != nil {
		return err
	}
	if _, err := w.queue.Transition(ctx, ws, w.agent, queue.StatusMerged); err != nil {
		return err
	}

	logger.Info("landed workspace", "target", w.target, "head", head, "diff", stat.String())
	w.publish("worker.merged", map[string]any{
		"workspace": ws,
		"target":    w.target,
		"head":      head,
		"diff":      stat,
	})
	return nil
}

func (w *Worker) test(ctx context.Context, ws, head string, logger *slog.Logger) error {
	dir := w.dir(ws)
	started := time.Now()
	res, err := w.build.Run(ctx, func(ctx context.Context) error {
		logger.Info("running tests", "dir", dir, "head", head)
		return w.tester.Test(ctx, ws, dir)
	})
	if err != nil {
		return err
	}
	if res.Outcome != buildlock.Acquired {
		return &busyError{outcome: res.Outcome, holderPID: res.HolderPID}
	}
	logger.Info("tests passed", "duration", time.Since(started).Round(time.Millisecond))
	_, err = w.queue.RecordTested(ctx, ws, w.agent, head)
	return err
}

func (w *Worker) fail(ctx context.Context, ws string, cause error, logger *slog.Logger) {
	retryable := vcs.IsRetryable(cause)
	e, err := w.queue.Fail(ctx, ws, w.agent, cause.Error(), retryable)
	if err != nil {
		logger.Error("failed to record failure", "cause", cause, "error", err)
		return
	}
	w.publish("worker.failed", map[string]any{
		"workspace": ws,
		"status":    e.Status,
		"retryable": retryable,
		"error":     cause.Error(),
	})
}

// keepAlive renews the claim at a third of its TTL so long test runs do not
// get reclaimed from under the worker.
func (w *Worker) keepAlive(ctx context.Context, ws string, logger *slog.Logger) {
	ticker := time.NewTicker(w.ttl / 3)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := w.queue.Heartbeat(ctx, ws, w.agent, w.ttl); err != nil {
				if ctx.Err() == nil {
					logger.Warn("claim heartbeat failed", "error", err)
				}
				return
			}
		}
	}
}

func (w *Worker) publish(eventType string, data any) {
	if w.publisher != nil {
		w.publisher.Publish(eventType, data)
	}
}

type thrashError struct {
	workspace string
	rebases   int
	limit     int
}

func (e *thrashError) Error() string {
	return fmt.Sprintf("rebase thrash on %s: %d rebases exceeds limit %d", e.workspace, e.rebases, e.limit)
}
