// Package sweeper does the periodic housekeeping nobody else owns:
// reclaiming abandoned claims, purging expired locks and pruning old entries.
package sweeper

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mattjoyce/trainyard/internal/events"
)

// Options configures a Sweeper.
type Options struct {
	TickInterval time.Duration
	// Retention for terminal entries. Zero disables pruning.
	Retention time.Duration
}

// Sweeper runs housekeeping on a fixed tick.
type Sweeper struct {
	queue  QueueService
	locks  LockPurger
	events *events.Hub
	opts   Options
	logger *slog.Logger
	stopCh chan struct{}
	once   sync.Once
	wg     sync.WaitGroup
}

// New creates a Sweeper. locks may be nil.
func New(q QueueService, locks LockPurger, hub *events.Hub, opts Options, logger *slog.Logger) *Sweeper {
	if hub == nil {
		hub = events.NewHub(128)
	}
	if opts.TickInterval <= 0 {
		opts.TickInterval = 30 * time.Second
	}
	return &Sweeper{
		queue:  q,
		locks:  locks,
		events: hub,
		opts:   opts,
		logger: logger.With("component", "sweeper"),
		stopCh: make(chan struct{}),
	}
}

// Start recovers claims abandoned by a previous run, then ticks in the
// background until Stop or ctx cancellation.
func (s *Sweeper) Start(ctx context.Context) error {
	s.logger.Info("starting sweeper", "tick_interval", s.opts.TickInterval, "retention", s.opts.Retention)

	if _, err := s.reclaim(ctx); err != nil {
		return fmt.Errorf("sweeper startup recovery failed: %w", err)
	}

	s.wg.Add(1)
	go s.tickLoop(ctx)
	return nil
}

// Stop ends the tick loop and waits for it.
func (s *Sweeper) Stop() {
	s.once.Do(func() { close(s.stopCh) })
	s.wg.Wait()
	s.logger.Info("sweeper stopped")
}

func (s *Sweeper) tickLoop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.opts.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.Tick(ctx)
		case <-s.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

// TickReport summarizes one housekeeping pass.
type TickReport struct {
	At          time.Time `json:"at"`
	Reclaimed   []string  `json:"reclaimed,omitempty"`
	LocksPurged int       `json:"locks_purged"`
	Pruned      int       `json:"pruned"`
	Active      int       `json:"active"`
	Blocked     int       `json:"blocked"`
}

// Tick performs one pass. Each step runs even if an earlier one failed.
func (s *Sweeper) Tick(ctx context.Context) TickReport {
	report := TickReport{At: time.Now().UTC()}

	if ws, err := s.reclaim(ctx); err != nil {
		s.logger.Error("failed to reclaim expired claims", "error", err)
	} else {
		report.Reclaimed = ws
	}

	if s.locks != nil {
		n, err := s.locks.PurgeExpired(ctx)
		if err != nil {
			s.logger.Error("failed to purge expired locks", "error", err)
		} else {
			report.LocksPurged = n
			if n > 0 {
				s.logger.Info("purged expired locks", "count", n)
			}
		}
	}

	if s.opts.Retention > 0 {
		n, err := s.queue.PruneTerminal(ctx, s.opts.Retention)
		if err != nil {
			s.logger.Error("failed to prune terminal entries", "error", err)
		} else {
			report.Pruned = n
			if n > 0 {
				s.logger.Info("pruned terminal entries", "count", n, "retention", s.opts.Retention)
			}
		}
	}

	if st, err := s.queue.Stats(ctx); err != nil {
		s.logger.Error("failed to read queue stats", "error", err)
	} else {
		report.Active = st.Active()
		report.Blocked = st.Blocked
	}

	s.logger.Debug("sweeper tick", "reclaimed", len(report.Reclaimed), "locks_purged", report.LocksPurged, "pruned", report.Pruned)
	s.events.Publish("sweeper.tick", report)
	return report
}

func (s *Sweeper) reclaim(ctx context.Context) ([]string, error) {
	entries, err := s.queue.ReclaimExpired(ctx)
	if err != nil {
		return nil, fmt.Errorf("reclaim expired: %w", err)
	}
	if len(entries) == 0 {
		return nil, nil
	}
	ws := make([]string, 0, len(entries))
	for _, e := range entries {
		prev := ""
		if e.PreviousAgent != nil {
			prev = *e.PreviousAgent
		}
		s.logger.Warn("reclaimed abandoned entry", "workspace", e.Workspace, "previous_agent", prev, "status", e.Status)
		ws = append(ws, e.Workspace)
	}
	return ws, nil
}
