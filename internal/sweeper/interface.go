package sweeper

import (
	"context"
	"time"

	"github.com/mattjoyce/trainyard/internal/queue"
)

//go:generate mockgen -destination=mocks/mock_queue.go -package=mocks github.com/mattjoyce/trainyard/internal/sweeper QueueService,LockPurger

// QueueService defines the queue operations used by the sweeper.
type QueueService interface {
	ReclaimExpired(ctx context.Context) ([]queue.Entry, error)
	PruneTerminal(ctx context.Context, retention time.Duration) (int, error)
	Stats(ctx context.Context) (queue.Stats, error)
}

// LockPurger drops expired resource locks.
type LockPurger interface {
	PurgeExpired(ctx context.Context) (int, error)
}
