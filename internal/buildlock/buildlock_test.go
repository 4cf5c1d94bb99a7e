package buildlock

import (
	"bytes"
	"context"
	"errors"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLogger() (*slog.Logger, *bytes.Buffer) {
	var buf bytes.Buffer
	handler := slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})
	return slog.New(handler), &buf
}

func newCoordinator(t *testing.T, timeout, poll time.Duration) (*Coordinator, *bytes.Buffer) {
	t.Helper()
	logger, buf := newTestLogger()
	c, err := New(Options{
		Dir:          filepath.Join(t.TempDir(), "locks"),
		Timeout:      timeout,
		PollInterval: poll,
		Logger:       logger,
	})
	require.NoError(t, err)
	return c, buf
}

func writeHolder(t *testing.T, c *Coordinator, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(c.Path(), []byte(content), 0o644))
}

func TestNewValidatesOptions(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	tests := []struct {
		name string
		opts Options
	}{
		{"empty dir", Options{Timeout: time.Second, PollInterval: time.Millisecond}},
		{"zero timeout", Options{Dir: dir, PollInterval: time.Millisecond}},
		{"zero poll", Options{Dir: dir, Timeout: time.Second}},
		{"poll equals timeout", Options{Dir: dir, Timeout: time.Second, PollInterval: time.Second}},
		{"poll exceeds timeout", Options{Dir: dir, Timeout: time.Second, PollInterval: 2 * time.Second}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.opts)
			var ce *ConfigError
			assert.ErrorAs(t, err, &ce)
		})
	}

	c, err := New(Options{Dir: filepath.Join(dir, "nested", "locks"), Timeout: time.Second, PollInterval: 10 * time.Millisecond})
	require.NoError(t, err)
	assert.DirExists(t, filepath.Dir(c.Path()))
}

func TestAcquireWritesPIDAndReleaseRemoves(t *testing.T) {
	t.Parallel()
	c, _ := newCoordinator(t, time.Second, 10*time.Millisecond)

	res, err := c.Acquire(context.Background())
	require.NoError(t, err)
	require.Equal(t, Acquired, res.Outcome)
	require.NotNil(t, res.Lock)
	assert.NotEmpty(t, res.Lock.RunID())

	b, err := os.ReadFile(c.Path())
	require.NoError(t, err)
	assert.Equal(t, strconv.Itoa(os.Getpid()), strings.TrimSpace(string(b)))

	res.Lock.Release()
	assert.NoFileExists(t, c.Path())
	res.Lock.Release()
}

func TestAcquireHeldByOwnProcess(t *testing.T) {
	t.Parallel()
	c, _ := newCoordinator(t, time.Second, 10*time.Millisecond)

	first, err := c.Acquire(context.Background())
	require.NoError(t, err)
	defer first.Lock.Release()

	start := time.Now()
	second, err := c.Acquire(context.Background())
	require.NoError(t, err)
	assert.Equal(t, AlreadyHeld, second.Outcome)
	assert.Equal(t, os.Getpid(), second.HolderPID)
	assert.Less(t, time.Since(start), 500*time.Millisecond, "must not wait on itself")
}

func TestAcquireStealsFromDeadProcess(t *testing.T) {
	t.Parallel()
	c, buf := newCoordinator(t, time.Second, 10*time.Millisecond)
	c.alive = func(int) bool { return false }
	writeHolder(t, c, "424242\n")

	res, err := c.Acquire(context.Background())
	require.NoError(t, err)
	require.Equal(t, Acquired, res.Outcome)
	defer res.Lock.Release()

	assert.Contains(t, buf.String(), "removing stale build lock")
	b, err := os.ReadFile(c.Path())
	require.NoError(t, err)
	assert.Equal(t, strconv.Itoa(os.Getpid()), strings.TrimSpace(string(b)))
}

func TestAcquireStealRechecksHolder(t *testing.T) {
	t.Parallel()
	first, _ := newCoordinator(t, time.Second, 10*time.Millisecond)
	first.pid = 1001
	first.alive = func(int) bool { return false }

	logger, _ := newTestLogger()
	second, err := New(Options{
		Dir:          filepath.Dir(first.Path()),
		Timeout:      60 * time.Millisecond,
		PollInterval: 10 * time.Millisecond,
		Logger:       logger,
	})
	require.NoError(t, err)
	second.pid = 1002

	writeHolder(t, first, "999999\n")

	// second reads the dead PID, then first steals and takes the lock
	// before second gets round to removing the file.
	var firstRes Result
	stolen := false
	second.alive = func(pid int) bool {
		if pid == 999999 && !stolen {
			stolen = true
			firstRes, err = first.Acquire(context.Background())
			require.NoError(t, err)
			return false
		}
		return pid != 999999
	}

	res, err := second.Acquire(context.Background())
	require.NoError(t, err)
	require.Equal(t, Acquired, firstRes.Outcome)
	defer firstRes.Lock.Release()
	assert.Equal(t, Timeout, res.Outcome)
	assert.Equal(t, 1001, res.HolderPID)

	b, err := os.ReadFile(first.Path())
	require.NoError(t, err)
	assert.Equal(t, "1001", strings.TrimSpace(string(b)))
}

func TestAcquirePublishesCompleteFile(t *testing.T) {
	t.Parallel()
	c, _ := newCoordinator(t, time.Second, 10*time.Millisecond)

	res, err := c.Acquire(context.Background())
	require.NoError(t, err)
	require.Equal(t, Acquired, res.Outcome)
	defer res.Lock.Release()

	entries, err := os.ReadDir(filepath.Dir(c.Path()))
	require.NoError(t, err)
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	assert.Equal(t, []string{lockFileName}, names, "no temp files left behind")

	pid, err := c.readPID()
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), pid)
}

func TestAcquireTimesOutOnLiveHolder(t *testing.T) {
	t.Parallel()
	c, _ := newCoordinator(t, 60*time.Millisecond, 10*time.Millisecond)
	c.alive = func(int) bool { return true }
	writeHolder(t, c, "424242\n")

	start := time.Now()
	res, err := c.Acquire(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Timeout, res.Outcome)
	assert.Equal(t, 424242, res.HolderPID)
	assert.GreaterOrEqual(t, time.Since(start), 60*time.Millisecond)
	assert.FileExists(t, c.Path(), "a live holder's file is never removed")
}

func TestAcquireWaitsForRelease(t *testing.T) {
	t.Parallel()
	c, _ := newCoordinator(t, 2*time.Second, 10*time.Millisecond)
	c.alive = func(int) bool { return true }
	writeHolder(t, c, "424242\n")

	go func() {
		time.Sleep(50 * time.Millisecond)
		_ = os.Remove(c.Path())
	}()

	res, err := c.Acquire(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Acquired, res.Outcome)
	res.Lock.Release()
}

func TestAcquireInvalidPID(t *testing.T) {
	t.Parallel()
	for _, content := range []string{"", "abc", "-4", "0"} {
		c, _ := newCoordinator(t, time.Second, 10*time.Millisecond)
		writeHolder(t, c, content)

		_, err := c.Acquire(context.Background())
		var pe *InvalidPIDError
		assert.ErrorAsf(t, err, &pe, "content %q", content)
	}
}

func TestAcquireHonoursContext(t *testing.T) {
	t.Parallel()
	c, _ := newCoordinator(t, 10*time.Second, 50*time.Millisecond)
	c.alive = func(int) bool { return true }
	writeHolder(t, c, "424242\n")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err := c.Acquire(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestReleaseLogsMissingFile(t *testing.T) {
	t.Parallel()
	c, buf := newCoordinator(t, time.Second, 10*time.Millisecond)

	res, err := c.Acquire(context.Background())
	require.NoError(t, err)
	require.NoError(t, os.Remove(c.Path()))

	res.Lock.Release()
	assert.Contains(t, buf.String(), `"level":"ERROR"`)
	assert.Contains(t, buf.String(), "exclusivity may have been violated")
}

func TestReleaseLeavesForeignFile(t *testing.T) {
	t.Parallel()
	c, buf := newCoordinator(t, time.Second, 10*time.Millisecond)

	res, err := c.Acquire(context.Background())
	require.NoError(t, err)
	writeHolder(t, c, "424242\n")

	res.Lock.Release()
	assert.FileExists(t, c.Path())
	assert.Contains(t, buf.String(), "taken over by another process")
}

func TestRun(t *testing.T) {
	t.Parallel()
	c, _ := newCoordinator(t, time.Second, 10*time.Millisecond)

	called := false
	res, err := c.Run(context.Background(), func(context.Context) error {
		called = true
		assert.FileExists(t, c.Path())
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, Acquired, res.Outcome)
	assert.True(t, called)
	assert.NoFileExists(t, c.Path())

	boom := errors.New("tests failed")
	_, err = c.Run(context.Background(), func(context.Context) error { return boom })
	assert.ErrorIs(t, err, boom)
	assert.NoFileExists(t, c.Path(), "released on error path")
}

func TestRunSkipsFnWhenNotAcquired(t *testing.T) {
	t.Parallel()
	c, _ := newCoordinator(t, 30*time.Millisecond, 10*time.Millisecond)
	c.alive = func(int) bool { return true }
	writeHolder(t, c, "424242\n")

	res, err := c.Run(context.Background(), func(context.Context) error {
		t.Fatal("fn must not run without the lock")
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, Timeout, res.Outcome)
}

func TestClassify(t *testing.T) {
	tests := []struct {
		err  error
		want IOKind
	}{
		{fs.ErrNotExist, IONotFound},
		{&fs.PathError{Op: "open", Path: "x", Err: syscall.EACCES}, IOPermissionDenied},
		{fs.ErrExist, IOAlreadyExists},
		{syscall.EAGAIN, IOWouldBlock},
		{syscall.EINVAL, IOInvalidInput},
		{os.ErrDeadlineExceeded, IOTimedOut},
		{io.ErrShortWrite, IOWriteZero},
		{syscall.EINTR, IOInterrupted},
		{io.ErrUnexpectedEOF, IOUnexpectedEOF},
		{syscall.ENOMEM, IOOutOfMemory},
		{errors.New("mystery"), IOOther},
	}
	for _, tt := range tests {
		assert.Equalf(t, tt.want, Classify(tt.err), "%v", tt.err)
	}
}

func TestProcessAlive(t *testing.T) {
	t.Parallel()
	assert.True(t, processAlive(os.Getpid()))
}
