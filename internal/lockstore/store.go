// Package lockstore is a durable table of named resource locks shared by
// every agent process that opens the same coordination database.
//
// Locks carry a holder and an expiry. The store never blocks and never sweeps:
// a contended Acquire returns OutcomeAlreadyHeld immediately, and expired rows
// are simply ignored (and overwritten) until PurgeExpired is called by the
// periodic cleanup collaborator.
package lockstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/mattjoyce/trainyard/internal/claim"
	"github.com/mattjoyce/trainyard/internal/log"
	"github.com/mattjoyce/trainyard/internal/storage"
)

// Outcome is the non-error result of Acquire.
type Outcome string

const (
	OutcomeAcquired    Outcome = "acquired"
	OutcomeAlreadyHeld Outcome = "already_held"
)

// Audit operations.
const (
	opAcquire = "acquire"
	opRefresh = "refresh"
	opRelease = "release"
	opPurge   = "purge"
)

var (
	ErrInvalidTTL    = errors.New("lock ttl must be at least one second")
	ErrInvalidHolder = errors.New("lock holder is empty")
	ErrNotHolder     = errors.New("lock is not held by this holder")
)

// Lock is one row of the locks table.
type Lock struct {
	ID         string    `json:"lock_id"`
	Resource   string    `json:"resource"`
	Holder     string    `json:"holder"`
	AcquiredAt time.Time `json:"acquired_at"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// AcquireResult reports who owns the resource after an Acquire call.
type AcquireResult struct {
	Outcome Outcome `json:"outcome"`
	// Holder is the caller on success and the current owner on contention.
	Holder string `json:"holder"`
	// Lock is the row as committed; nil when the lock is held by someone else.
	Lock *Lock `json:"lock,omitempty"`
}

// AuditEntry is one recorded lock operation.
type AuditEntry struct {
	Resource  string    `json:"resource"`
	Holder    string    `json:"holder"`
	Operation string    `json:"operation"`
	At        time.Time `json:"at"`
}

// Store is the lock table handle. It is safe for concurrent use; exclusivity
// across processes comes from SQLite's write lock.
type Store struct {
	db     *sql.DB
	now    func() time.Time
	logger *slog.Logger
}

// Option customizes a Store.
type Option func(*Store)

// WithClock replaces time.Now. Tests use it to move past lock expiry.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// WithLogger sets the logger used for integrity warnings.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) {
		if l != nil {
			s.logger = l
		}
	}
}

// New wraps an opened coordination database.
func New(db *sql.DB, opts ...Option) *Store {
	s := &Store{
		db:     db,
		now:    time.Now,
		logger: log.WithComponent("lockstore"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Acquire takes resource for holder for ttl.
//
// If another holder has an unexpired lock the result is OutcomeAlreadyHeld
// with that holder's name; that is not an error. If holder already owns the
// lock its expiry is pushed out to now+ttl.
func (s *Store) Acquire(ctx context.Context, resource, holder string, ttl time.Duration) (AcquireResult, error) {
	if err := ValidateResource(resource); err != nil {
		return AcquireResult{}, err
	}
	if holder == "" {
		return AcquireResult{}, ErrInvalidHolder
	}
	if ttl < time.Second {
		return AcquireResult{}, ErrInvalidTTL
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return AcquireResult{}, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := s.now().UTC()
	current, err := loadLock(ctx, tx, resource)
	if err != nil {
		return AcquireResult{}, err
	}
	from := stateOf(current, now)
	to := claim.Claimed(holder, now, ttl)

	var (
		committed *Lock
		operation = opAcquire
	)
	switch {
	case from.Kind == claim.KindClaimed && from.Agent != holder:
		return AcquireResult{Outcome: OutcomeAlreadyHeld, Holder: from.Agent}, nil

	case from.Kind == claim.KindClaimed:
		// Re-acquisition by the owner: same state, longer lease.
		current.ExpiresAt = to.ExpiresAt
		if _, err := tx.ExecContext(ctx, `UPDATE locks SET expires_at = ? WHERE resource = ? AND holder = ?;`,
			storage.Epoch(current.ExpiresAt), resource, holder); err != nil {
			return AcquireResult{}, fmt.Errorf("refresh lock: %w", err)
		}
		committed = current
		operation = opRefresh

	default:
		// Expired leases pass through Unclaimed before being claimed again.
		if from.Kind == claim.KindExpired {
			if err := claim.Check(from, claim.Unclaimed()); err != nil {
				return AcquireResult{}, err
			}
			from = claim.Unclaimed()
		}
		if err := claim.Check(from, to); err != nil {
			return AcquireResult{}, err
		}
		committed = &Lock{
			ID:         uuid.NewString(),
			Resource:   resource,
			Holder:     holder,
			AcquiredAt: now,
			ExpiresAt:  to.ExpiresAt,
		}
		if _, err := tx.ExecContext(ctx, `
INSERT INTO locks(resource, lock_id, holder, acquired_at, expires_at)
VALUES(?, ?, ?, ?, ?)
ON CONFLICT(resource) DO UPDATE SET
  lock_id = excluded.lock_id,
  holder = excluded.holder,
  acquired_at = excluded.acquired_at,
  expires_at = excluded.expires_at;
`, resource, committed.ID, holder, storage.Epoch(now), storage.Epoch(committed.ExpiresAt)); err != nil {
			return AcquireResult{}, fmt.Errorf("insert lock: %w", err)
		}
	}

	if err := audit(ctx, tx, resource, holder, operation, now); err != nil {
		return AcquireResult{}, err
	}
	if err := tx.Commit(); err != nil {
		return AcquireResult{}, fmt.Errorf("commit tx: %w", err)
	}
	return AcquireResult{Outcome: OutcomeAcquired, Holder: holder, Lock: committed}, nil
}

// Release removes resource's lock if holder currently owns it. false means
// nothing was removed: the resource is unlocked, expired, or held by someone
// else; IsLocked tells those apart.
func (s *Store) Release(ctx context.Context, resource, holder string) (bool, error) {
	if err := ValidateResource(resource); err != nil {
		return false, err
	}
	if holder == "" {
		return false, ErrInvalidHolder
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := s.now().UTC()
	current, err := loadLock(ctx, tx, resource)
	if err != nil {
		return false, err
	}
	from := stateOf(current, now)
	if from.Kind != claim.KindClaimed || from.Agent != holder {
		return false, nil
	}
	if err := claim.Check(from, claim.Unclaimed()); err != nil {
		return false, err
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM locks WHERE resource = ? AND holder = ?;`, resource, holder); err != nil {
		return false, fmt.Errorf("delete lock: %w", err)
	}
	if err := audit(ctx, tx, resource, holder, opRelease, now); err != nil {
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit tx: %w", err)
	}
	return true, nil
}

// Refresh extends an active lock owned by holder. It fails with ErrNotHolder
// when the lock is missing, expired, or owned by another holder, so a
// heartbeat never silently resurrects a lease that already lapsed.
func (s *Store) Refresh(ctx context.Context, resource, holder string, ttl time.Duration) (*Lock, error) {
	if err := ValidateResource(resource); err != nil {
		return nil, err
	}
	if ttl < time.Second {
		return nil, ErrInvalidTTL
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := s.now().UTC()
	current, err := loadLock(ctx, tx, resource)
	if err != nil {
		return nil, err
	}
	from := stateOf(current, now)
	if from.Kind != claim.KindClaimed || from.Agent != holder {
		return nil, fmt.Errorf("%w: resource=%q holder=%q", ErrNotHolder, resource, holder)
	}

	current.ExpiresAt = claim.LeaseEnd(now, ttl)
	if _, err := tx.ExecContext(ctx, `UPDATE locks SET expires_at = ? WHERE resource = ? AND holder = ?;`,
		storage.Epoch(current.ExpiresAt), resource, holder); err != nil {
		return nil, fmt.Errorf("refresh lock: %w", err)
	}
	if err := audit(ctx, tx, resource, holder, opRefresh, now); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit tx: %w", err)
	}
	return current, nil
}

// IsLocked reports whether resource has an unexpired lock.
func (s *Store) IsLocked(ctx context.Context, resource string) (bool, error) {
	_, ok, err := s.Holder(ctx, resource)
	return ok, err
}

// Holder returns the current owner of resource, if any.
func (s *Store) Holder(ctx context.Context, resource string) (string, bool, error) {
	if err := ValidateResource(resource); err != nil {
		return "", false, err
	}
	current, err := loadLock(ctx, s.db, resource)
	if err != nil {
		return "", false, err
	}
	agent, ok := claim.Holder(stateOf(current, s.now().UTC()))
	return agent, ok, nil
}

// ActiveLocks lists every unexpired lock ordered by resource name.
func (s *Store) ActiveLocks(ctx context.Context) ([]Lock, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT resource, lock_id, holder, acquired_at, expires_at
FROM locks
WHERE expires_at > ?
ORDER BY resource ASC;
`, storage.Epoch(s.now().UTC()))
	if err != nil {
		return nil, fmt.Errorf("list locks: %w", err)
	}
	defer rows.Close()

	var out []Lock
	for rows.Next() {
		l, err := scanLock(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate locks: %w", err)
	}
	return out, nil
}

// PurgeExpired deletes rows whose lease has lapsed and returns how many were
// removed. The store itself never calls this.
func (s *Store) PurgeExpired(ctx context.Context) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := s.now().UTC()
	rows, err := tx.QueryContext(ctx, `
DELETE FROM locks WHERE expires_at <= ?
RETURNING resource, holder;
`, storage.Epoch(now))
	if err != nil {
		return 0, fmt.Errorf("purge expired locks: %w", err)
	}
	type purged struct{ resource, holder string }
	var gone []purged
	for rows.Next() {
		var p purged
		if err := rows.Scan(&p.resource, &p.holder); err != nil {
			rows.Close()
			return 0, fmt.Errorf("scan purged lock: %w", err)
		}
		gone = append(gone, p)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("iterate purged locks: %w", err)
	}

	for _, p := range gone {
		if err := claim.Check(claim.Expired(p.holder, now), claim.Unclaimed()); err != nil {
			return 0, err
		}
		if err := audit(ctx, tx, p.resource, p.holder, opPurge, now); err != nil {
			return 0, err
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit tx: %w", err)
	}
	if len(gone) > 0 {
		s.logger.Info("purged expired locks", "count", len(gone))
	}
	return len(gone), nil
}

// Audit returns recorded operations for resource, newest first. limit <= 0
// means no limit.
func (s *Store) Audit(ctx context.Context, resource string, limit int) ([]AuditEntry, error) {
	if err := ValidateResource(resource); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT resource, holder, operation, at
FROM lock_audit
WHERE resource = ?
ORDER BY id DESC
LIMIT ?;
`, resource, limit)
	if err != nil {
		return nil, fmt.Errorf("read lock audit: %w", err)
	}
	defer rows.Close()

	var out []AuditEntry
	for rows.Next() {
		var (
			e   AuditEntry
			atS string
		)
		if err := rows.Scan(&e.Resource, &e.Holder, &e.Operation, &atS); err != nil {
			return nil, fmt.Errorf("scan lock audit: %w", err)
		}
		at, err := storage.ParseTimestamp("lock_audit.at", atS)
		if err != nil {
			return nil, err
		}
		e.At = at
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate lock audit: %w", err)
	}
	return out, nil
}

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type rowScanner interface {
	Scan(dest ...any) error
}

func loadLock(ctx context.Context, q querier, resource string) (*Lock, error) {
	row := q.QueryRowContext(ctx, `
SELECT resource, lock_id, holder, acquired_at, expires_at
FROM locks
WHERE resource = ?;
`, resource)
	l, err := scanLock(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return l, err
}

func scanLock(r rowScanner) (*Lock, error) {
	var (
		l           Lock
		acquiredAtS string
		expiresAtS  string
	)
	if err := r.Scan(&l.Resource, &l.ID, &l.Holder, &acquiredAtS, &expiresAtS); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan lock: %w", err)
	}
	var err error
	if l.AcquiredAt, err = storage.ParseTimestamp("locks.acquired_at", acquiredAtS); err != nil {
		return nil, err
	}
	if l.ExpiresAt, err = storage.ParseTimestamp("locks.expires_at", expiresAtS); err != nil {
		return nil, err
	}
	return &l, nil
}

// stateOf derives the claim state of a (possibly missing) row at now.
func stateOf(l *Lock, now time.Time) claim.State {
	if l == nil {
		return claim.Unclaimed()
	}
	if !now.Before(l.ExpiresAt) {
		return claim.Expired(l.Holder, l.ExpiresAt)
	}
	return claim.State{
		Kind:      claim.KindClaimed,
		Agent:     l.Holder,
		ClaimedAt: l.AcquiredAt,
		ExpiresAt: l.ExpiresAt,
	}
}

func audit(ctx context.Context, tx *sql.Tx, resource, holder, operation string, at time.Time) error {
	if _, err := tx.ExecContext(ctx, `
INSERT INTO lock_audit(resource, holder, operation, at) VALUES(?, ?, ?, ?);
`, resource, holder, operation, storage.Epoch(at)); err != nil {
		return fmt.Errorf("write lock audit: %w", err)
	}
	return nil
}
