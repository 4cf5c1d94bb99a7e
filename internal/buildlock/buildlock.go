// Package buildlock serializes the local verification pipeline across
// processes with a PID file.
//
// Only one process on the machine may run builds and tests at a time. The
// holder creates <dir>/build.lock exclusively and writes its PID into it.
// Waiters poll until the holder goes away, steal the file when the recorded
// process is dead, and give up at an absolute deadline.
package buildlock

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/mattjoyce/trainyard/internal/log"
)

const (
	lockFileName   = "build.lock"
	stealGuardName = "build.lock.steal"
)

// Options configures a Coordinator.
type Options struct {
	Dir          string
	Timeout      time.Duration
	PollInterval time.Duration
	Logger       *slog.Logger
}

// Outcome is the non-error result of Acquire.
type Outcome int

const (
	Acquired Outcome = iota
	AlreadyHeld
	Timeout
)

func (o Outcome) String() string {
	switch o {
	case Acquired:
		return "acquired"
	case AlreadyHeld:
		return "already_held"
	case Timeout:
		return "timeout"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// Result of an acquisition attempt. Lock is set only for Acquired;
// HolderPID only for AlreadyHeld.
type Result struct {
	Outcome   Outcome
	HolderPID int
	Lock      *Lock
}

// Coordinator hands out the build lock for one lock directory.
type Coordinator struct {
	dir     string
	path    string
	timeout time.Duration
	poll    time.Duration
	logger  *slog.Logger

	pid   int
	alive func(pid int) bool
	now   func() time.Time
}

// New validates opts and makes sure the lock directory exists and is writable.
func New(opts Options) (*Coordinator, error) {
	if strings.TrimSpace(opts.Dir) == "" {
		return nil, &ConfigError{Reason: "lock directory is empty"}
	}
	if opts.Timeout <= 0 {
		return nil, &ConfigError{Reason: "timeout must be positive"}
	}
	if opts.PollInterval <= 0 {
		return nil, &ConfigError{Reason: "poll interval must be positive"}
	}
	if opts.PollInterval >= opts.Timeout {
		return nil, &ConfigError{Reason: fmt.Sprintf("poll interval %s must be shorter than timeout %s", opts.PollInterval, opts.Timeout)}
	}
	if err := os.MkdirAll(opts.Dir, 0o755); err != nil {
		return nil, ioError("create directory", opts.Dir, err)
	}
	scratch, err := os.CreateTemp(opts.Dir, ".writable-*")
	if err != nil {
		return nil, ioError("check directory", opts.Dir, err)
	}
	_ = scratch.Close()
	_ = os.Remove(scratch.Name())

	logger := opts.Logger
	if logger == nil {
		logger = log.WithComponent("buildlock")
	}
	return &Coordinator{
		dir:     opts.Dir,
		path:    filepath.Join(opts.Dir, lockFileName),
		timeout: opts.Timeout,
		poll:    opts.PollInterval,
		logger:  logger,
		pid:     os.Getpid(),
		alive:   processAlive,
		now:     time.Now,
	}, nil
}

// Path is the lock file location.
func (c *Coordinator) Path() string { return c.path }

// Acquire takes the build lock, waiting up to the configured timeout.
//
// A file left by a dead process is removed and the attempt repeated
// immediately. If the file names this process, AlreadyHeld is returned
// without waiting. Cancelling ctx aborts the wait with ctx.Err().
func (c *Coordinator) Acquire(ctx context.Context) (Result, error) {
	deadline := c.now().Add(c.timeout)
	for {
		lock, err := c.tryCreate()
		if err == nil {
			return Result{Outcome: Acquired, Lock: lock}, nil
		}
		if !errors.Is(err, fs.ErrExist) {
			return Result{}, err
		}

		pid, err := c.readPID()
		if errors.Is(err, fs.ErrNotExist) {
			// Released between our create and read.
			continue
		}
		if err != nil {
			return Result{}, err
		}

		if pid == c.pid {
			return Result{Outcome: AlreadyHeld, HolderPID: pid}, nil
		}
		if !c.alive(pid) {
			if err := c.removeStale(pid); err != nil {
				return Result{}, err
			}
			continue
		}

		remaining := deadline.Sub(c.now())
		if remaining <= 0 {
			c.logger.Info("timed out waiting for build lock", "path", c.path, "holder_pid", pid, "timeout", c.timeout)
			return Result{Outcome: Timeout, HolderPID: pid}, nil
		}
		wait := c.poll
		if remaining < wait {
			wait = remaining
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return Result{}, ctx.Err()
		case <-timer.C:
		}
	}
}

// Run acquires the lock, calls fn while holding it, and releases it on every
// path out. fn is not called unless the outcome is Acquired; the returned error
// is fn's.
func (c *Coordinator) Run(ctx context.Context, fn func(ctx context.Context) error) (Result, error) {
	res, err := c.Acquire(ctx)
	if err != nil || res.Outcome != Acquired {
		return res, err
	}
	defer res.Lock.Release()
	return res, fn(ctx)
}

// tryCreate writes the PID to a private temp file and publishes it with a
// hard link, which fails with EEXIST when the lock is held. Readers never
// see a lock file without its PID.
func (c *Coordinator) tryCreate() (*Lock, error) {
	f, err := os.CreateTemp(c.dir, "."+lockFileName+"-*")
	if err != nil {
		return nil, ioError("create", c.dir, err)
	}
	tmp := f.Name()
	defer func() { _ = os.Remove(tmp) }()

	fail := func(op string, err error) (*Lock, error) {
		_ = f.Close()
		return nil, ioError(op, tmp, err)
	}
	if _, err := fmt.Fprintf(f, "%d\n", c.pid); err != nil {
		return fail("write pid", err)
	}
	if err := f.Sync(); err != nil {
		return fail("sync", err)
	}
	if err := os.Link(tmp, c.path); err != nil {
		_ = f.Close()
		if errors.Is(err, fs.ErrExist) {
			return nil, err
		}
		return nil, ioError("create", c.path, err)
	}

	l := &Lock{
		path:   c.path,
		pid:    c.pid,
		runID:  uuid.NewString(),
		f:      f,
		logger: c.logger,
	}
	c.logger.Debug("build lock acquired", "path", c.path, "run_id", l.runID)
	return l, nil
}

// removeStale deletes the lock file if it still names deadPID. Steals are
// serialized with an flock on a guard file so a waiter acting on an old read
// cannot delete a lock another waiter has just taken. The file can only
// change under a steal, since its dead owner will never release it.
func (c *Coordinator) removeStale(deadPID int) error {
	guardPath := filepath.Join(c.dir, stealGuardName)
	guard, err := os.OpenFile(guardPath, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return ioError("open steal guard", guardPath, err)
	}
	defer guard.Close()
	if err := syscall.Flock(int(guard.Fd()), syscall.LOCK_EX); err != nil {
		return ioError("lock steal guard", guardPath, err)
	}
	defer func() { _ = syscall.Flock(int(guard.Fd()), syscall.LOCK_UN) }()

	pid, err := c.readPID()
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return nil
	case err != nil:
		return err
	case pid != deadPID:
		c.logger.Debug("stale build lock already replaced", "path", c.path, "dead_pid", deadPID, "holder_pid", pid)
		return nil
	}

	c.logger.Warn("removing stale build lock", "path", c.path, "dead_pid", deadPID)
	if err := os.Remove(c.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return ioError("remove stale", c.path, err)
	}
	return nil
}

func (c *Coordinator) readPID() (int, error) {
	b, err := os.ReadFile(c.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return 0, err
		}
		return 0, ioError("read", c.path, err)
	}
	return parsePID(c.path, string(b))
}

func parsePID(path, content string) (int, error) {
	pid, err := strconv.Atoi(strings.TrimSpace(content))
	if err != nil || pid <= 0 {
		return 0, &InvalidPIDError{Path: path, Content: content}
	}
	return pid, nil
}

// processAlive uses signal 0: delivery is checked without sending anything.
// EPERM means the process exists but belongs to someone else.
func processAlive(pid int) bool {
	err := syscall.Kill(pid, 0)
	return err == nil || errors.Is(err, syscall.EPERM)
}

// Lock is a held build lock. Release is safe to call more than once.
type Lock struct {
	path   string
	pid    int
	runID  string
	f      *os.File
	logger *slog.Logger
	once   sync.Once
}

func (l *Lock) Path() string  { return l.path }
func (l *Lock) PID() int      { return l.pid }
func (l *Lock) RunID() string { return l.runID }

// Release closes and removes the lock file. It never fails: problems are
// logged. A missing file, or one naming another PID, means some other process
// broke the lock while we held it, which is logged at ERROR.
func (l *Lock) Release() {
	if l == nil {
		return
	}
	l.once.Do(func() {
		if l.f != nil {
			if err := l.f.Close(); err != nil {
				l.logger.Warn("closing build lock file failed", "path", l.path, "error", err)
			}
			l.f = nil
		}

		b, err := os.ReadFile(l.path)
		switch {
		case errors.Is(err, fs.ErrNotExist):
			l.logger.Error("build lock file missing at release; exclusivity may have been violated",
				"path", l.path, "run_id", l.runID)
			return
		case err != nil:
			l.logger.Error("reading build lock file at release failed", "path", l.path, "kind", Classify(err), "error", err)
			return
		}
		if pid, perr := parsePID(l.path, string(b)); perr != nil || pid != l.pid {
			l.logger.Error("build lock file taken over by another process; leaving it in place",
				"path", l.path, "run_id", l.runID, "content", strings.TrimSpace(string(b)))
			return
		}
		if err := os.Remove(l.path); err != nil {
			l.logger.Error("removing build lock file failed", "path", l.path, "kind", Classify(err), "error", err)
			return
		}
		l.logger.Debug("build lock released", "path", l.path, "run_id", l.runID)
	})
}
