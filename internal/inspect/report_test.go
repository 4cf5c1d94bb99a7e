package inspect

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/mattjoyce/trainyard/internal/log"
	"github.com/mattjoyce/trainyard/internal/queue"
	"github.com/mattjoyce/trainyard/internal/stack"
	"github.com/mattjoyce/trainyard/internal/storage"
)

func TestBuildReportRendersLineageAndCheckouts(t *testing.T) {
	t.Parallel()

	tmpDir := t.TempDir()
	db, err := storage.OpenSQLite(context.Background(), filepath.Join(tmpDir, "state.db"))
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	ctx := context.Background()
	q := queue.New(db, queue.WithLogger(log.Discard()))

	for _, req := range []queue.EnqueueRequest{
		{Workspace: "base"},
		{Workspace: "mid", Parent: strp("base")},
		{Workspace: "top", Parent: strp("mid")},
	} {
		if _, err := q.Enqueue(ctx, req); err != nil {
			t.Fatalf("Enqueue(%s): %v", req.Workspace, err)
		}
	}
	if res, err := q.Claim(ctx, "base", "agent-1", time.Hour); err != nil || res.Outcome != queue.ClaimClaimed {
		t.Fatalf("Claim(base) = %+v, %v", res, err)
	}

	checkouts := filepath.Join(tmpDir, "workspaces")
	if err := os.MkdirAll(filepath.Join(checkouts, "base"), 0o755); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}
	checkout := func(ws string) string { return filepath.Join(checkouts, ws) }

	out, err := BuildReport(ctx, q, checkout, "top", time.Now())
	if err != nil {
		t.Fatalf("BuildReport: %v", err)
	}

	for _, want := range []string{
		"Workspace   : top",
		"Status      : PENDING",
		"Merge state : blocked",
		"Position    : <not eligible>",
		"Claim       : <unclaimed>",
		"Hops        : 3",
		"[1] base  CLAIMED",
		"[2] mid  PENDING (blocked)",
		"[3] top  PENDING (blocked)",
		filepath.Join(checkouts, "base") + " (present)",
		filepath.Join(checkouts, "mid") + " (missing)",
		"Recent events",
		"created",
	} {
		if !strings.Contains(out, want) {
			t.Fatalf("report missing %q\n%s", want, out)
		}
	}
	if strings.Index(out, "[1] base") > strings.Index(out, "[3] top") {
		t.Fatalf("lineage not root first:\n%s", out)
	}

	base, err := BuildReport(ctx, q, nil, "base", time.Now())
	if err != nil {
		t.Fatalf("BuildReport(base): %v", err)
	}
	if !strings.Contains(base, "agent-1 (expires in") {
		t.Fatalf("claim not described:\n%s", base)
	}
	if !strings.Contains(base, "Dependents  : mid, top") && !strings.Contains(base, "Dependents  : top, mid") {
		t.Fatalf("dependents not listed:\n%s", base)
	}
	if strings.Contains(base, "checkout") {
		t.Fatalf("checkout rendered without a resolver:\n%s", base)
	}
}

func TestBuildJSONReport(t *testing.T) {
	t.Parallel()

	src := &fakeSource{entries: map[string]*queue.Entry{
		"child": {Workspace: "child", Status: queue.StatusPending, StackMergeState: stack.Blocked, ParentWorkspace: strp("gone"), MaxAttempts: 3},
	}}

	raw, err := BuildJSONReport(context.Background(), src, nil, "child", time.Now())
	if err != nil {
		t.Fatalf("BuildJSONReport: %v", err)
	}
	var report Report
	if err := json.Unmarshal([]byte(raw), &report); err != nil {
		t.Fatalf("json.Unmarshal: %v", err)
	}
	if report.Hops != 2 || len(report.Steps) != 2 {
		t.Fatalf("hops = %d steps = %d, want 2", report.Hops, len(report.Steps))
	}
	if !report.Steps[0].Missing || report.Steps[0].Workspace != "gone" {
		t.Fatalf("first step = %+v, want missing parent", report.Steps[0])
	}
	if report.Attempts != "0/3" {
		t.Fatalf("attempts = %q", report.Attempts)
	}
	if report.Events == nil || report.Dependents == nil {
		t.Fatalf("want empty arrays, got events=%v dependents=%v", report.Events, report.Dependents)
	}
}

func TestBuildReportErrors(t *testing.T) {
	t.Parallel()

	src := &fakeSource{entries: map[string]*queue.Entry{
		"a": {Workspace: "a", ParentWorkspace: strp("b")},
		"b": {Workspace: "b", ParentWorkspace: strp("a")},
	}}

	if _, err := BuildReport(context.Background(), src, nil, " ", time.Now()); err == nil {
		t.Fatal("expected error for empty workspace")
	}
	if _, err := BuildReport(context.Background(), src, nil, "nope", time.Now()); err == nil {
		t.Fatal("expected error for unknown workspace")
	}
	_, err := BuildReport(context.Background(), src, nil, "a", time.Now())
	if err == nil || !strings.Contains(err.Error(), "parent cycle") {
		t.Fatalf("err = %v, want parent cycle", err)
	}
}

type fakeSource struct {
	entries map[string]*queue.Entry
}

func (f *fakeSource) Get(_ context.Context, ws string) (*queue.Entry, error) {
	e, ok := f.entries[ws]
	if !ok {
		return nil, queue.ErrNotFound
	}
	return e, nil
}

func (f *fakeSource) Position(context.Context, string) (int, error) { return 0, nil }

func (f *fakeSource) StackStatus(_ context.Context, ws string) (*queue.StackStatus, error) {
	return &queue.StackStatus{Workspace: ws, Children: []string{}, Dependents: []string{}}, nil
}

func (f *fakeSource) Events(context.Context, string, int) ([]queue.Event, error) { return nil, nil }

func strp(s string) *string { return &s }
