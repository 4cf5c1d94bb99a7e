package e2e

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/mattjoyce/trainyard/internal/api"
	"github.com/mattjoyce/trainyard/internal/buildlock"
	"github.com/mattjoyce/trainyard/internal/events"
	"github.com/mattjoyce/trainyard/internal/lockstore"
	"github.com/mattjoyce/trainyard/internal/log"
	"github.com/mattjoyce/trainyard/internal/queue"
	"github.com/mattjoyce/trainyard/internal/storage"
	"github.com/mattjoyce/trainyard/internal/sweeper"
	"github.com/mattjoyce/trainyard/internal/vcs"
	"github.com/mattjoyce/trainyard/internal/worker"
)

// fakeJJ stands in for jj: every call is appended to calls.log, the
// "clash" workspace always rebases into a conflict and heads are named
// after their workspace.
const fakeJJ = `#!/bin/sh
echo "$@" >> "$(dirname "$0")/calls.log"
case "$1" in
  rebase) exit 0 ;;
  log)
    case "$3" in
      *clash@*conflicts*) printf 'zzzz\n' ;;
      *conflicts*) ;;
      *) printf 'sha-%s\n' "${3%@}" ;;
    esac ;;
  diff) printf 'a.go | 2 +-\n1 file changed, 1 insertion(+), 1 deletion(-)\n' ;;
  bookmark) exit 0 ;;
esac
`

func TestEndToEndTrain(t *testing.T) {
	// 1. Setup Environment
	tmpDir := t.TempDir()
	binDir := filepath.Join(tmpDir, "bin")
	workspacesDir := filepath.Join(tmpDir, "workspaces")
	for _, dir := range []string{binDir, workspacesDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			t.Fatalf("failed to create dir %s: %v", dir, err)
		}
	}
	jjPath := filepath.Join(binDir, "jj")
	if err := os.WriteFile(jjPath, []byte(fakeJJ), 0o755); err != nil {
		t.Fatalf("failed to write fake jj: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	db, err := storage.OpenSQLite(ctx, filepath.Join(tmpDir, "trainyard.db"))
	if err != nil {
		t.Fatalf("failed to open db: %v", err)
	}
	defer db.Close()

	hub := events.NewHub(256)
	q := queue.New(db, queue.WithLogger(log.Discard()), queue.WithPublisher(hub), queue.WithDefaultMaxAttempts(3))
	locks := lockstore.New(db, lockstore.WithLogger(log.Discard()))

	build, err := buildlock.New(buildlock.Options{
		Dir:          filepath.Join(tmpDir, "locks"),
		Timeout:      5 * time.Second,
		PollInterval: 50 * time.Millisecond,
		Logger:       log.Discard(),
	})
	if err != nil {
		t.Fatalf("buildlock.New: %v", err)
	}

	// The test command fails only in the "broken" checkout.
	tester := worker.CommandTester{Command: `test "$TRAINYARD_WORKSPACE" != broken`, Timeout: 10 * time.Second}
	w, err := worker.New(q, vcs.NewJJ(jjPath, tmpDir, "main"), build, tester, worker.Options{
		Agent:        "e2e-agent",
		ClaimTTL:     time.Minute,
		Target:       "main",
		PollInterval: time.Second,
		WorkspaceDir: func(ws string) string { return filepath.Join(workspacesDir, ws) },
		Publisher:    hub,
		Logger:       log.Discard(),
	})
	if err != nil {
		t.Fatalf("worker.New: %v", err)
	}

	// 2. Fill the train
	parent := "base"
	for _, req := range []queue.EnqueueRequest{
		{Workspace: "base"},
		{Workspace: "top", Parent: &parent},
		{Workspace: "clash", Priority: 1},
		{Workspace: "broken", Priority: 2},
	} {
		if err := os.MkdirAll(filepath.Join(workspacesDir, req.Workspace), 0o755); err != nil {
			t.Fatalf("failed to create checkout: %v", err)
		}
		if _, err := q.Enqueue(ctx, req); err != nil {
			t.Fatalf("Enqueue(%s): %v", req.Workspace, err)
		}
	}

	// 3. Drain it
	runs := 0
	for ; runs < 20; runs++ {
		claimed, err := w.RunOnce(ctx)
		if err != nil {
			t.Fatalf("RunOnce: %v", err)
		}
		if !claimed {
			break
		}
	}
	// base, top, broken once each and clash until it runs out of attempts.
	if runs != 6 {
		t.Errorf("expected 6 claimed runs, got %d", runs)
	}

	// 4. Assertions
	want := map[string]queue.Status{
		"base":   queue.StatusMerged,
		"top":    queue.StatusMerged,
		"clash":  queue.StatusFailedTerminal,
		"broken": queue.StatusFailedTerminal,
	}
	for ws, status := range want {
		e, err := q.Get(ctx, ws)
		if err != nil {
			t.Fatalf("Get(%s): %v", ws, err)
		}
		if e.Status != status {
			t.Errorf("%s status = %s, want %s (error: %v)", ws, e.Status, status, deref(e.Error))
		}
	}

	clash, _ := q.Get(ctx, "clash")
	if clash.AttemptCount != 3 || !strings.Contains(deref(clash.Error), "conflict") {
		t.Errorf("clash attempts=%d error=%q", clash.AttemptCount, deref(clash.Error))
	}
	broken, _ := q.Get(ctx, "broken")
	if broken.AttemptCount != 1 {
		t.Errorf("broken should fail terminally on first attempt, got %d", broken.AttemptCount)
	}

	calls, err := os.ReadFile(filepath.Join(binDir, "calls.log"))
	if err != nil {
		t.Fatalf("read jj calls: %v", err)
	}
	for _, ws := range []string{"base", "top"} {
		if !strings.Contains(string(calls), "bookmark set main -r "+ws+"@") {
			t.Errorf("target never advanced to %s:\n%s", ws, calls)
		}
	}
	if strings.Contains(string(calls), "-r clash@") || strings.Contains(string(calls), "-r broken@") {
		t.Errorf("failed workspaces must not land:\n%s", calls)
	}
	if strings.Index(string(calls), "-r base@") > strings.Index(string(calls), "-r top@") {
		t.Errorf("top landed before its parent:\n%s", calls)
	}

	merged, failed := 0, 0
	for _, ev := range hub.SnapshotSince(0) {
		switch ev.Type {
		case "worker.merged":
			merged++
			var payload struct {
				Workspace string       `json:"workspace"`
				Head      string       `json:"head"`
				Diff      vcs.DiffStat `json:"diff"`
			}
			if err := ev.Decode(&payload); err != nil {
				t.Fatalf("decode worker.merged: %v", err)
			}
			if payload.Head != "sha-"+payload.Workspace || payload.Diff.Files != 1 {
				t.Errorf("unexpected merged payload: %+v", payload)
			}
		case "worker.failed":
			failed++
		}
	}
	if merged != 2 || failed != 4 {
		t.Errorf("worker events merged=%d failed=%d, want 2 and 4", merged, failed)
	}

	// 5. The sweeper finds nothing to reclaim and keeps recent history.
	sw := sweeper.New(q, locks, hub, sweeper.Options{TickInterval: time.Minute, Retention: time.Hour}, log.Discard())
	report := sw.Tick(ctx)
	if len(report.Reclaimed) != 0 || report.Pruned != 0 || report.Active != 0 {
		t.Errorf("unexpected sweep report: %+v", report)
	}

	// 6. The API reports the same picture.
	srv := httptest.NewServer(api.New(api.Config{}, q, locks, hub, log.Discard()).Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/queue/stats")
	if err != nil {
		t.Fatalf("GET /queue/stats: %v", err)
	}
	defer resp.Body.Close()
	var stats queue.Stats
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		t.Fatalf("decode stats: %v", err)
	}
	if stats.Total != 4 || stats.ByStatus[queue.StatusMerged] != 2 || stats.ByStatus[queue.StatusFailedTerminal] != 2 {
		t.Errorf("unexpected stats: %+v", stats)
	}
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
