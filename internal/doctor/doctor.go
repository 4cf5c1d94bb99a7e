// Package doctor checks a trainyard setup: configuration, the local
// environment it depends on, and the integrity of the coordination store.
package doctor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/mattjoyce/trainyard/internal/claim"
	"github.com/mattjoyce/trainyard/internal/config"
	"github.com/mattjoyce/trainyard/internal/queue"
	"github.com/mattjoyce/trainyard/internal/stack"
	"github.com/mattjoyce/trainyard/internal/storage"
)

// Result holds the outcome of a validation run.
type Result struct {
	Valid       bool    `json:"valid"`
	Fingerprint string  `json:"config_fingerprint,omitempty"`
	Errors      []Issue `json:"errors,omitempty"`
	Warnings    []Issue `json:"warnings,omitempty"`
}

// Issue describes a single validation error or warning.
type Issue struct {
	Category string `json:"category"`
	Message  string `json:"message"`
	Field    string `json:"field,omitempty"`
}

// EntryLister reads every queue entry. *queue.Queue implements it.
type EntryLister interface {
	List(ctx context.Context, f queue.ListFilter) ([]queue.Entry, error)
}

// Doctor validates configuration and, when given a store, its contents.
type Doctor struct {
	cfg   *config.Config
	store EntryLister
	now   func() time.Time
}

// New creates a Doctor. store may be nil to skip the store checks.
func New(cfg *config.Config, store EntryLister) *Doctor {
	return &Doctor{cfg: cfg, store: store, now: time.Now}
}

// Validate runs all checks and returns a result.
func (d *Doctor) Validate(ctx context.Context) *Result {
	r := &Result{Valid: true}

	if fp, err := d.cfg.Fingerprint(); err != nil {
		d.addWarning(r, "config", "", fmt.Sprintf("cannot fingerprint config: %v", err))
	} else {
		r.Fingerprint = fp
	}

	d.validateTimings(r)
	d.validateVCS(r)
	d.validateBuildLock(r)
	d.validateState(r)
	if d.store != nil {
		d.checkStore(ctx, r)
	}

	r.Valid = len(r.Errors) == 0
	return r
}

func (d *Doctor) addError(r *Result, category, field, msg string) {
	r.Errors = append(r.Errors, Issue{Category: category, Field: field, Message: msg})
}

func (d *Doctor) addWarning(r *Result, category, field, msg string) {
	r.Warnings = append(r.Warnings, Issue{Category: category, Field: field, Message: msg})
}

// validateTimings flags combinations that load fine but behave badly.
func (d *Doctor) validateTimings(r *Result) {
	c := d.cfg
	if c.Service.TickInterval > c.Queue.ClaimTTL {
		d.addWarning(r, "timing", "service.tick_interval",
			fmt.Sprintf("sweeper ticks every %s but claims expire after %s; abandoned entries wait up to a tick longer", c.Service.TickInterval, c.Queue.ClaimTTL))
	}
	if c.BuildLock.Timeout < c.Worker.TestTimeout {
		d.addWarning(r, "timing", "build_lock.timeout",
			fmt.Sprintf("build_lock.timeout %s is shorter than worker.test_timeout %s; a waiting worker can give up while a test run is still legitimately going", c.BuildLock.Timeout, c.Worker.TestTimeout))
	}
	if c.Queue.ClaimTTL < 3*time.Second {
		d.addWarning(r, "timing", "queue.claim_ttl", "claim_ttl is too short for heartbeats to keep up")
	}
	if c.Queue.Retention == 0 {
		d.addWarning(r, "retention", "queue.retention", "retention is 0; terminal entries are kept forever")
	}
	if c.Queue.ThrashLimit == 0 {
		d.addWarning(r, "queue", "queue.thrash_limit", "rebase thrash detection is disabled")
	}
}

func (d *Doctor) validateVCS(r *Result) {
	if _, err := exec.LookPath(d.cfg.VCS.Binary); err != nil {
		d.addError(r, "vcs", "vcs.binary", fmt.Sprintf("%q not found on PATH", d.cfg.VCS.Binary))
	}
	if !isDir(d.cfg.VCS.Repo) {
		d.addError(r, "vcs", "vcs.repo", fmt.Sprintf("repository directory %s does not exist", d.cfg.VCS.Repo))
	}
	if d.cfg.VCS.WorkspacesDir != "" && !isDir(d.cfg.VCS.WorkspacesDir) {
		d.addError(r, "vcs", "vcs.workspaces_dir", fmt.Sprintf("workspaces directory %s does not exist", d.cfg.VCS.WorkspacesDir))
	}
}

func (d *Doctor) validateBuildLock(r *Result) {
	dir := d.cfg.BuildLock.Dir
	d.checkLocalFS(r, "build_lock", "build_lock.dir", dir)
	if !isDir(dir) {
		d.addWarning(r, "build_lock", "build_lock.dir", fmt.Sprintf("%s does not exist yet; it will be created", dir))
		return
	}
	scratch, err := os.CreateTemp(dir, ".doctor-*")
	if err != nil {
		d.addError(r, "build_lock", "build_lock.dir", fmt.Sprintf("%s is not writable: %v", dir, err))
		return
	}
	_ = scratch.Close()
	_ = os.Remove(scratch.Name())

	if strings.TrimSpace(d.cfg.BuildLock.TestCommand) == "" {
		d.addWarning(r, "build_lock", "build_lock.test_command", "no test command; entries land untested")
	}
}

func (d *Doctor) validateState(r *Result) {
	d.checkLocalFS(r, "state", "state.path", d.cfg.State.Path)
	parent := filepath.Dir(d.cfg.State.Path)
	if !isDir(parent) {
		d.addWarning(r, "state", "state.path", fmt.Sprintf("%s does not exist yet; it will be created", parent))
	}
}

func (d *Doctor) checkLocalFS(r *Result, category, field, path string) {
	err := storage.CheckLocal(path)
	var nfe *storage.NetworkFilesystemError
	switch {
	case errors.As(err, &nfe):
		d.addError(r, category, field, nfe.Error())
	case err != nil:
		d.addWarning(r, category, field, fmt.Sprintf("cannot check filesystem: %v", err))
	}
}

// checkStore recomputes the stack graph from the stored entries and compares
// it with the persisted derived fields, then checks claim bookkeeping.
func (d *Doctor) checkStore(ctx context.Context, r *Result) {
	entries, err := d.store.List(ctx, queue.ListFilter{})
	if err != nil {
		d.addError(r, "store", "", fmt.Sprintf("cannot read queue entries: %v", err))
		return
	}

	nodes := make([]stack.Node, 0, len(entries))
	byName := make(map[string]queue.Entry, len(entries))
	for _, e := range entries {
		n := stack.Node{Workspace: e.Workspace, Merged: e.Status == queue.StatusMerged}
		if e.ParentWorkspace != nil {
			n.Parent = *e.ParentWorkspace
		}
		nodes = append(nodes, n)
		byName[e.Workspace] = e
	}

	info, err := stack.Compute(nodes)
	if err != nil {
		d.addError(r, "store", "", fmt.Sprintf("stack graph is broken: %v", err))
		return
	}

	now := d.now()
	for _, e := range entries {
		ws := e.Workspace
		field := "queue." + ws
		if e.ParentWorkspace != nil {
			if _, ok := byName[*e.ParentWorkspace]; !ok && !e.Status.IsTerminal() {
				d.addWarning(r, "store", field, fmt.Sprintf("parent %q is no longer queued; entry stays blocked", *e.ParentWorkspace))
			}
		}

		want := info[ws]
		root := ""
		if e.StackRoot != nil {
			root = *e.StackRoot
		}
		if e.StackDepth != want.Depth || root != want.Root || e.StackMergeState != want.MergeState {
			d.addError(r, "store", field, fmt.Sprintf(
				"stored stack fields (depth=%d root=%q state=%s) differ from recomputed (depth=%d root=%q state=%s)",
				e.StackDepth, root, e.StackMergeState, want.Depth, want.Root, want.MergeState))
		}

		holding := e.AgentID != nil
		switch e.Status {
		case queue.StatusClaimed, queue.StatusRebasing, queue.StatusTesting, queue.StatusReadyToMerge, queue.StatusMerging:
			if !holding {
				d.addError(r, "store", field, fmt.Sprintf("status %s without a claiming agent", e.Status))
				continue
			}
			if st := e.ClaimState(now); st.Kind == claim.KindExpired {
				d.addWarning(r, "store", field, fmt.Sprintf("claim by %s expired; the sweeper will reclaim it", *e.AgentID))
			}
		default:
			if holding {
				d.addError(r, "store", field, fmt.Sprintf("status %s still records agent %s", e.Status, *e.AgentID))
			}
		}
	}
}

func isDir(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}

// FormatHuman returns a human-readable validation report.
func FormatHuman(r *Result) string {
	var b strings.Builder

	if r.Valid && len(r.Warnings) == 0 {
		b.WriteString("All checks passed.\n")
		return b.String()
	}

	if r.Valid {
		fmt.Fprintf(&b, "All checks passed (%d warning(s))\n", len(r.Warnings))
	} else {
		fmt.Fprintf(&b, "Problems found (%d error(s), %d warning(s))\n", len(r.Errors), len(r.Warnings))
	}

	for _, e := range r.Errors {
		if e.Field != "" {
			fmt.Fprintf(&b, "  ERROR [%s] %s: %s\n", e.Category, e.Field, e.Message)
		} else {
			fmt.Fprintf(&b, "  ERROR [%s] %s\n", e.Category, e.Message)
		}
	}
	for _, w := range r.Warnings {
		if w.Field != "" {
			fmt.Fprintf(&b, "  WARN  [%s] %s: %s\n", w.Category, w.Field, w.Message)
		} else {
			fmt.Fprintf(&b, "  WARN  [%s] %s\n", w.Category, w.Message)
		}
	}

	return b.String()
}

// FormatJSON returns the result as indented JSON.
func FormatJSON(r *Result) (string, error) {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return "", err
	}
	return string(data), nil
}
