package lockstore

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/trainyard/internal/log"
	"github.com/mattjoyce/trainyard/internal/storage"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func openDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := storage.OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func newStore(t *testing.T) (*Store, *fakeClock) {
	t.Helper()
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0).UTC()}
	return New(openDB(t), WithClock(clock.Now), WithLogger(log.Discard())), clock
}

func TestAcquireAndContention(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s, _ := newStore(t)

	res, err := s.Acquire(ctx, "session-x", "agent-1", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, OutcomeAcquired, res.Outcome)
	require.NotNil(t, res.Lock)
	assert.NotEmpty(t, res.Lock.ID)

	res, err = s.Acquire(ctx, "session-x", "agent-2", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, OutcomeAlreadyHeld, res.Outcome)
	assert.Equal(t, "agent-1", res.Holder)
	assert.Nil(t, res.Lock)

	holder, ok, err := s.Holder(ctx, "session-x")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "agent-1", holder)
}

func TestAcquireBySameHolderExtendsLease(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s, clock := newStore(t)

	first, err := s.Acquire(ctx, "session-x", "agent-1", time.Minute)
	require.NoError(t, err)

	clock.Advance(30 * time.Second)
	second, err := s.Acquire(ctx, "session-x", "agent-1", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, OutcomeAcquired, second.Outcome)
	assert.Equal(t, first.Lock.ID, second.Lock.ID)
	assert.True(t, second.Lock.ExpiresAt.After(first.Lock.ExpiresAt))
}

func TestExpiredLockIsTakenOver(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s, clock := newStore(t)

	_, err := s.Acquire(ctx, "session-x", "agent-1", 2*time.Second)
	require.NoError(t, err)

	clock.Advance(2 * time.Second)
	locked, err := s.IsLocked(ctx, "session-x")
	require.NoError(t, err)
	assert.False(t, locked, "lease ends exactly at expires_at")

	res, err := s.Acquire(ctx, "session-x", "agent-2", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, OutcomeAcquired, res.Outcome)
	assert.Equal(t, "agent-2", res.Holder)
}

func TestSubSecondAcquireKeepsFullLease(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s, clock := newStore(t)
	clock.Advance(900 * time.Millisecond)

	_, err := s.Acquire(ctx, "session-x", "agent-1", 2*time.Second)
	require.NoError(t, err)

	clock.Advance(1200 * time.Millisecond)
	locked, err := s.IsLocked(ctx, "session-x")
	require.NoError(t, err)
	assert.True(t, locked, "lease must not be shortened by epoch storage")

	_, err = s.Refresh(ctx, "session-x", "agent-1", 2*time.Second)
	require.NoError(t, err)
}

func TestRelease(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s, _ := newStore(t)

	_, err := s.Acquire(ctx, "session-x", "agent-1", time.Minute)
	require.NoError(t, err)

	released, err := s.Release(ctx, "session-x", "agent-2")
	require.NoError(t, err)
	assert.False(t, released, "only the holder can release")

	released, err = s.Release(ctx, "session-x", "agent-1")
	require.NoError(t, err)
	assert.True(t, released)

	released, err = s.Release(ctx, "session-x", "agent-1")
	require.NoError(t, err)
	assert.False(t, released, "second release is a no-op")

	locked, err := s.IsLocked(ctx, "session-x")
	require.NoError(t, err)
	assert.False(t, locked)
}

func TestRefresh(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s, clock := newStore(t)

	_, err := s.Acquire(ctx, "session-x", "agent-1", 10*time.Second)
	require.NoError(t, err)

	clock.Advance(5 * time.Second)
	l, err := s.Refresh(ctx, "session-x", "agent-1", 10*time.Second)
	require.NoError(t, err)
	assert.Equal(t, clock.Now().Add(10*time.Second), l.ExpiresAt)

	_, err = s.Refresh(ctx, "session-x", "agent-2", 10*time.Second)
	assert.ErrorIs(t, err, ErrNotHolder)

	clock.Advance(time.Minute)
	_, err = s.Refresh(ctx, "session-x", "agent-1", 10*time.Second)
	assert.ErrorIs(t, err, ErrNotHolder, "expired lease cannot be refreshed")
}

func TestActiveLocksAndPurge(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s, clock := newStore(t)

	_, err := s.Acquire(ctx, "b-short", "agent-1", time.Second)
	require.NoError(t, err)
	_, err = s.Acquire(ctx, "a-long", "agent-2", time.Hour)
	require.NoError(t, err)

	active, err := s.ActiveLocks(ctx)
	require.NoError(t, err)
	require.Len(t, active, 2)
	assert.Equal(t, "a-long", active[0].Resource)

	clock.Advance(5 * time.Second)
	active, err = s.ActiveLocks(ctx)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, "a-long", active[0].Resource)

	n, err := s.PurgeExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = s.PurgeExpired(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestAudit(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s, _ := newStore(t)

	_, err := s.Acquire(ctx, "session-x", "agent-1", time.Minute)
	require.NoError(t, err)
	_, err = s.Refresh(ctx, "session-x", "agent-1", time.Minute)
	require.NoError(t, err)
	_, err = s.Release(ctx, "session-x", "agent-1")
	require.NoError(t, err)

	entries, err := s.Audit(ctx, "session-x", 0)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, opRelease, entries[0].Operation)
	assert.Equal(t, opRefresh, entries[1].Operation)
	assert.Equal(t, opAcquire, entries[2].Operation)

	entries, err = s.Audit(ctx, "session-x", 1)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestAcquireRejectsBadInput(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s, _ := newStore(t)

	_, err := s.Acquire(ctx, "session-x", "agent-1", 500*time.Millisecond)
	assert.ErrorIs(t, err, ErrInvalidTTL)

	_, err = s.Acquire(ctx, "session-x", "", time.Minute)
	assert.ErrorIs(t, err, ErrInvalidHolder)

	_, err = s.Acquire(ctx, "admin", "agent-1", time.Minute)
	var ire *InvalidResourceError
	assert.True(t, errors.As(err, &ire))
}

func TestConcurrentAcquireHasOneWinner(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	db := openDB(t)

	const agents = 8
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		winners []string
	)
	for i := range agents {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			s := New(db, WithLogger(log.Discard()))
			holder := "agent-" + string(rune('a'+id))
			res, err := s.Acquire(ctx, "build", holder, time.Minute)
			if !assert.NoError(t, err) {
				return
			}
			if res.Outcome == OutcomeAcquired {
				mu.Lock()
				winners = append(winners, holder)
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	require.Len(t, winners, 1)
	holder, ok, err := New(db).Holder(ctx, "build")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, winners[0], holder)
}
