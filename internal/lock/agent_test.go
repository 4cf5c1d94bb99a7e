package lock

import (
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
)

func TestAcquireAgentWritesPID(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	l, err := AcquireAgent(dir, "bot-1")
	if err != nil {
		t.Fatalf("AcquireAgent: %v", err)
	}
	t.Cleanup(func() { _ = l.Release() })

	b, err := os.ReadFile(l.Path())
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if got := strings.TrimSpace(string(b)); got != strconv.Itoa(os.Getpid()) {
		t.Fatalf("pid = %q, want %d", got, os.Getpid())
	}
}

func TestAcquireAgentRejectsSecondHolder(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	first, err := AcquireAgent(dir, "bot-1")
	if err != nil {
		t.Fatalf("first AcquireAgent: %v", err)
	}
	defer first.Release()

	_, err = AcquireAgent(dir, "bot-1")
	if !errors.Is(err, ErrAgentRunning) {
		t.Fatalf("second AcquireAgent error = %v, want ErrAgentRunning", err)
	}
	if !strings.Contains(err.Error(), "pid "+strconv.Itoa(os.Getpid())) {
		t.Fatalf("error %q does not name the holder", err)
	}

	other, err := AcquireAgent(dir, "bot-2")
	if err != nil {
		t.Fatalf("different agent should not contend: %v", err)
	}
	_ = other.Release()
}

func TestReleaseAllowsReacquire(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	l, err := AcquireAgent(dir, "bot-1")
	if err != nil {
		t.Fatalf("AcquireAgent: %v", err)
	}
	if err := l.Release(); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if err := l.Release(); err != nil {
		t.Fatalf("second Release: %v", err)
	}

	again, err := AcquireAgent(dir, "bot-1")
	if err != nil {
		t.Fatalf("reacquire: %v", err)
	}
	_ = again.Release()
}

func TestPathSanitizesAgent(t *testing.T) {
	got := Path("/tmp/locks", "ci/bot 1")
	if want := filepath.Join("/tmp/locks", "agent-ci_bot_1.pid"); got != want {
		t.Fatalf("Path = %q, want %q", got, want)
	}
}

func TestAcquireAgentRequiresName(t *testing.T) {
	if _, err := AcquireAgent(t.TempDir(), "  "); err == nil {
		t.Fatal("expected error for empty agent")
	}
}
