// Package lock keeps two worker processes from running under the same agent
// name on one host. The queue would accept both and they would steal each
// other's claims through heartbeats.
package lock

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"syscall"
)

// ErrAgentRunning is returned when another live process holds the agent lock.
var ErrAgentRunning = errors.New("agent already running")

var unsafeChars = regexp.MustCompile(`[^A-Za-z0-9._-]`)

// AgentLock is an flock(2) on <dir>/agent-<name>.pid. The lock lives as long
// as the file descriptor stays open, so a crashed process never leaves it
// behind.
type AgentLock struct {
	path  string
	agent string
	f     *os.File
}

// Path returns the lock file used for agent under dir.
func Path(dir, agent string) string {
	return filepath.Join(dir, "agent-"+unsafeChars.ReplaceAllString(agent, "_")+".pid")
}

// AcquireAgent takes the lock for agent without blocking. When the lock is
// held the error wraps ErrAgentRunning and names the holder's PID.
func AcquireAgent(dir, agent string) (*AgentLock, error) {
	if strings.TrimSpace(agent) == "" {
		return nil, fmt.Errorf("agent name is empty")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create lock directory: %w", err)
	}
	path := Path(dir, agent)

	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open agent lock: %w", err)
	}
	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		_ = f.Close()
		if errors.Is(err, syscall.EWOULDBLOCK) {
			if pid, perr := HolderPID(dir, agent); perr == nil {
				return nil, fmt.Errorf("%w: %s (pid %d)", ErrAgentRunning, agent, pid)
			}
			return nil, fmt.Errorf("%w: %s", ErrAgentRunning, agent)
		}
		return nil, fmt.Errorf("lock %s: %w", path, err)
	}

	l := &AgentLock{path: path, agent: agent, f: f}
	if err := l.writePID(); err != nil {
		_ = l.Release()
		return nil, err
	}
	return l, nil
}

func (l *AgentLock) writePID() error {
	if err := l.f.Truncate(0); err != nil {
		return fmt.Errorf("truncate agent lock: %w", err)
	}
	if _, err := l.f.WriteAt([]byte(strconv.Itoa(os.Getpid())+"\n"), 0); err != nil {
		return fmt.Errorf("write pid: %w", err)
	}
	if err := l.f.Sync(); err != nil {
		return fmt.Errorf("sync agent lock: %w", err)
	}
	return nil
}

// HolderPID reads the PID recorded in the agent's lock file.
func HolderPID(dir, agent string) (int, error) {
	b, err := os.ReadFile(Path(dir, agent))
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(b)))
	if err != nil {
		return 0, fmt.Errorf("parse agent lock: %w", err)
	}
	return pid, nil
}

func (l *AgentLock) Path() string  { return l.path }
func (l *AgentLock) Agent() string { return l.agent }

// Release drops the lock. The file stays so a racing opener never locks an
// unlinked inode. Safe to call twice.
func (l *AgentLock) Release() error {
	if l == nil || l.f == nil {
		return nil
	}
	_ = syscall.Flock(int(l.f.Fd()), syscall.LOCK_UN)
	err := l.f.Close()
	l.f = nil
	return err
}
