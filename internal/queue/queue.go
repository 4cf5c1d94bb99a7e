// Package queue is the persisted merge train: an ordered, claimable queue of
// workspaces, some of them stacked on others.
//
// Every mutation runs in one SQLite IMMEDIATE transaction, so agents in
// separate processes sharing the database file serialize on the write lock.
// Stack fields (depth, root, merge state) are recomputed from a snapshot of
// all entries inside the same transaction whenever the graph can change.
package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/mattjoyce/trainyard/internal/log"
	"github.com/mattjoyce/trainyard/internal/stack"
	"github.com/mattjoyce/trainyard/internal/storage"
)

const (
	defaultMaxAttempts   = 3
	defaultMaxStackDepth = 10
)

// ErrCorrupt wraps every failure to decode a persisted entry.
var ErrCorrupt = errors.New("corrupt queue entry")

// Publisher receives queue events after they commit. *events.Hub satisfies it.
type Publisher interface {
	Publish(eventType string, data any)
}

type Queue struct {
	db          *sql.DB
	now         func() time.Time
	logger      *slog.Logger
	publisher   Publisher
	maxDepth    int
	maxAttempts int
}

type Option func(*Queue)

func WithClock(now func() time.Time) Option {
	return func(q *Queue) {
		if now != nil {
			q.now = now
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(q *Queue) {
		if l != nil {
			q.logger = l
		}
	}
}

func WithPublisher(p Publisher) Option {
	return func(q *Queue) { q.publisher = p }
}

// WithMaxStackDepth bounds how deep entries may stack; 0 disables the check.
func WithMaxStackDepth(n int) Option {
	return func(q *Queue) {
		if n >= 0 {
			q.maxDepth = n
		}
	}
}

// WithDefaultMaxAttempts applies when an EnqueueRequest leaves MaxAttempts unset.
func WithDefaultMaxAttempts(n int) Option {
	return func(q *Queue) {
		if n > 0 {
			q.maxAttempts = n
		}
	}
}

func New(db *sql.DB, opts ...Option) *Queue {
	q := &Queue{
		db:          db,
		now:         time.Now,
		logger:      log.WithComponent("queue"),
		maxDepth:    defaultMaxStackDepth,
		maxAttempts: defaultMaxAttempts,
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// txn is one write transaction plus the events it will publish on commit.
type txn struct {
	*sql.Tx
	now    time.Time
	events []Event
}

func (q *Queue) update(ctx context.Context, fn func(t *txn) error) error {
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	t := &txn{Tx: tx, now: q.now().UTC()}
	if err := fn(t); err != nil {
		return q.check(err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	q.publish(t.events)
	return nil
}

// check logs integrity failures at ERROR before handing them back.
func (q *Queue) check(err error) error {
	var se *stack.Error
	if errors.Is(err, ErrCorrupt) || (errors.As(err, &se) && se.Kind == stack.CycleDetected) {
		q.logger.Error("queue integrity violation", "error", err)
	}
	return err
}

const entryColumns = `
  id, workspace, issue_id, priority, status, added_at, started_at, completed_at, error_message,
  agent_id, claimed_at, claim_expires_at, previous_agent, dedupe_key,
  workspace_state, previous_state, state_changed_at, head_sha, tested_against_sha,
  attempt_count, max_attempts, rebase_count, last_rebase_at,
  parent_workspace, stack_depth, stack_root, stack_merge_state`

type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(r rowScanner) (*Entry, error) {
	var (
		e               Entry
		issueID         sql.NullString
		statusS         string
		addedAtS        string
		startedAtS      sql.NullString
		completedAtS    sql.NullString
		errorMessage    sql.NullString
		agentID         sql.NullString
		claimedAtS      sql.NullString
		claimExpiresAtS sql.NullString
		previousAgent   sql.NullString
		dedupeKey       sql.NullString
		workspaceStateS string
		previousStateS  sql.NullString
		stateChangedAtS sql.NullString
		headSHA         sql.NullString
		testedSHA       sql.NullString
		lastRebaseAtS   sql.NullString
		parent          sql.NullString
		stackRoot       sql.NullString
		mergeStateS     string
	)
	if err := r.Scan(
		&e.ID, &e.Workspace, &issueID, &e.Priority, &statusS, &addedAtS, &startedAtS, &completedAtS, &errorMessage,
		&agentID, &claimedAtS, &claimExpiresAtS, &previousAgent, &dedupeKey,
		&workspaceStateS, &previousStateS, &stateChangedAtS, &headSHA, &testedSHA,
		&e.AttemptCount, &e.MaxAttempts, &e.RebaseCount, &lastRebaseAtS,
		&parent, &e.StackDepth, &stackRoot, &mergeStateS,
	); err != nil {
		return nil, err
	}

	corrupt := func(err error) (*Entry, error) {
		return nil, fmt.Errorf("%w %q: %w", ErrCorrupt, e.Workspace, err)
	}

	var err error
	if e.Status, err = ParseStatus(statusS); err != nil {
		return corrupt(err)
	}
	if e.WorkspaceState, err = ParseWorkspaceState(workspaceStateS); err != nil {
		return corrupt(err)
	}
	if e.StackMergeState, err = stack.ParseMergeState(mergeStateS); err != nil {
		return corrupt(err)
	}
	if previousStateS.Valid {
		ps, err := ParseWorkspaceState(previousStateS.String)
		if err != nil {
			return corrupt(err)
		}
		e.PreviousState = &ps
	}

	if e.AddedAt, err = storage.ParseTimestamp("added_at", addedAtS); err != nil {
		return corrupt(err)
	}
	for _, ts := range []struct {
		column string
		raw    sql.NullString
		dst    **time.Time
	}{
		{"started_at", startedAtS, &e.StartedAt},
		{"completed_at", completedAtS, &e.CompletedAt},
		{"claimed_at", claimedAtS, &e.ClaimedAt},
		{"claim_expires_at", claimExpiresAtS, &e.ClaimExpiresAt},
		{"state_changed_at", stateChangedAtS, &e.StateChangedAt},
		{"last_rebase_at", lastRebaseAtS, &e.LastRebaseAt},
	} {
		if *ts.dst, err = storage.ParseNullTimestamp(ts.column, ts.raw); err != nil {
			return corrupt(err)
		}
	}

	e.IssueID = storage.StringPtr(issueID)
	e.Error = storage.StringPtr(errorMessage)
	e.AgentID = storage.StringPtr(agentID)
	e.PreviousAgent = storage.StringPtr(previousAgent)
	e.DedupeKey = storage.StringPtr(dedupeKey)
	e.HeadSHA = storage.StringPtr(headSHA)
	e.TestedAgainstSHA = storage.StringPtr(testedSHA)
	e.ParentWorkspace = storage.StringPtr(parent)
	e.StackRoot = storage.StringPtr(stackRoot)
	return &e, nil
}

func loadEntry(ctx context.Context, q querier, workspace string) (*Entry, error) {
	row := q.QueryRowContext(ctx, `SELECT `+entryColumns+` FROM queue_entries WHERE workspace = ?;`, workspace)
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, workspace)
	}
	if err != nil {
		return nil, fmt.Errorf("load entry %s: %w", workspace, err)
	}
	return e, nil
}

func queryEntries(ctx context.Context, q querier, query string, args ...any) ([]Entry, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query entries: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scan entry: %w", err)
		}
		out = append(out, *e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate entries: %w", err)
	}
	return out, nil
}

// saveEntry writes every mutable column of e back by id.
func saveEntry(ctx context.Context, t *txn, e *Entry) error {
	var prevState any
	if e.PreviousState != nil {
		prevState = string(*e.PreviousState)
	}
	_, err := t.ExecContext(ctx, `
UPDATE queue_entries SET
  issue_id = ?, priority = ?, status = ?, started_at = ?, completed_at = ?, error_message = ?,
  agent_id = ?, claimed_at = ?, claim_expires_at = ?, previous_agent = ?, dedupe_key = ?,
  workspace_state = ?, previous_state = ?, state_changed_at = ?, head_sha = ?, tested_against_sha = ?,
  attempt_count = ?, max_attempts = ?, rebase_count = ?, last_rebase_at = ?, parent_workspace = ?
WHERE id = ?;
`,
		storage.NullString(e.IssueID), e.Priority, string(e.Status),
		storage.NullEpoch(e.StartedAt), storage.NullEpoch(e.CompletedAt), storage.NullString(e.Error),
		storage.NullString(e.AgentID), storage.NullEpoch(e.ClaimedAt), storage.NullEpoch(e.ClaimExpiresAt),
		storage.NullString(e.PreviousAgent), storage.NullString(e.DedupeKey),
		string(e.WorkspaceState), prevState, storage.NullEpoch(e.StateChangedAt),
		storage.NullString(e.HeadSHA), storage.NullString(e.TestedAgainstSHA),
		e.AttemptCount, e.MaxAttempts, e.RebaseCount, storage.NullEpoch(e.LastRebaseAt),
		storage.NullString(e.ParentWorkspace), e.ID,
	)
	if err != nil {
		return fmt.Errorf("save entry %s: %w", e.Workspace, err)
	}
	return nil
}

func snapshot(ctx context.Context, q querier) ([]stack.Node, error) {
	rows, err := q.QueryContext(ctx, `SELECT workspace, parent_workspace, status FROM queue_entries;`)
	if err != nil {
		return nil, fmt.Errorf("snapshot stack: %w", err)
	}
	defer rows.Close()

	var nodes []stack.Node
	for rows.Next() {
		var (
			n      stack.Node
			parent sql.NullString
			status string
		)
		if err := rows.Scan(&n.Workspace, &parent, &status); err != nil {
			return nil, fmt.Errorf("scan stack node: %w", err)
		}
		n.Parent = parent.String
		n.Merged = Status(status) == StatusMerged
		nodes = append(nodes, n)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate stack nodes: %w", err)
	}
	return nodes, nil
}

// recomputeStack rewrites depth, root and merge state for every entry whose
// derived values changed.
func recomputeStack(ctx context.Context, t *txn) error {
	nodes, err := snapshot(ctx, t)
	if err != nil {
		return err
	}
	info, err := stack.Compute(nodes)
	if err != nil {
		return err
	}
	for ws, in := range info {
		if _, err := t.ExecContext(ctx, `
UPDATE queue_entries
SET stack_depth = ?, stack_root = ?, stack_merge_state = ?
WHERE workspace = ?
  AND (stack_depth != ? OR stack_root IS NOT ? OR stack_merge_state != ?);
`, in.Depth, in.Root, string(in.MergeState), ws, in.Depth, in.Root, string(in.MergeState)); err != nil {
			return fmt.Errorf("update stack fields for %s: %w", ws, err)
		}
	}
	return nil
}

// Enqueue adds a workspace as PENDING.
//
// An active entry for the same workspace, or an active entry with the same
// dedupe key, is rejected with *DuplicateError. A terminal entry for the
// workspace is replaced. A parent must already be queued and must not create
// a cycle or exceed the maximum stack depth (*stack.Error).
func (q *Queue) Enqueue(ctx context.Context, req EnqueueRequest) (*Entry, error) {
	if strings.TrimSpace(req.Workspace) == "" {
		return nil, ErrInvalidWorkspace
	}
	if req.Priority < 0 {
		return nil, ErrInvalidPriority
	}
	maxAttempts := req.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = q.maxAttempts
	}
	var parent string
	if req.Parent != nil {
		parent = *req.Parent
		if parent == req.Workspace {
			return nil, &stack.Error{Kind: stack.CycleDetected, Workspace: parent, Path: []string{parent, parent}}
		}
	}

	var out *Entry
	err := q.update(ctx, func(t *txn) error {
		existing, err := loadEntry(ctx, t, req.Workspace)
		switch {
		case errors.Is(err, ErrNotFound):
		case err != nil:
			return err
		case !existing.Status.IsTerminal():
			return &DuplicateError{Workspace: req.Workspace, Existing: existing.Workspace, Status: existing.Status}
		default:
			if _, err := t.ExecContext(ctx, `DELETE FROM queue_entries WHERE id = ?;`, existing.ID); err != nil {
				return fmt.Errorf("replace terminal entry: %w", err)
			}
		}

		if req.DedupeKey != nil {
			var (
				other  string
				status string
			)
			err := t.QueryRowContext(ctx, `
SELECT workspace, status FROM queue_entries
WHERE dedupe_key = ? AND status NOT IN (?, ?, ?)
LIMIT 1;
`, *req.DedupeKey, StatusMerged, StatusFailedTerminal, StatusCancelled).Scan(&other, &status)
			switch {
			case errors.Is(err, sql.ErrNoRows):
			case err != nil:
				return fmt.Errorf("check dedupe key: %w", err)
			default:
				return &DuplicateError{Workspace: req.Workspace, Existing: other, DedupeKey: *req.DedupeKey, Status: Status(status)}
			}
		}

		if parent != "" {
			nodes, err := snapshot(ctx, t)
			if err != nil {
				return err
			}
			if err := stack.ValidateParent(nodes, req.Workspace, parent, q.maxDepth); err != nil {
				return err
			}
		}

		if _, err := t.ExecContext(ctx, `
INSERT INTO queue_entries(
  workspace, issue_id, priority, status, added_at, dedupe_key, workspace_state,
  head_sha, attempt_count, max_attempts, parent_workspace, stack_root
)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, 0, ?, ?, ?);
`, req.Workspace, storage.NullString(req.IssueID), req.Priority, StatusPending, storage.Epoch(t.now),
			storage.NullString(req.DedupeKey), WorkspaceCreated, storage.NullString(req.HeadSHA),
			maxAttempts, storage.NullString(req.Parent), req.Workspace); err != nil {
			return fmt.Errorf("insert entry: %w", err)
		}
		if err := recomputeStack(ctx, t); err != nil {
			return err
		}
		if err := t.record(ctx, req.Workspace, EventCreated, nil, fmt.Sprintf("priority=%d", req.Priority)); err != nil {
			return err
		}
		out, err = loadEntry(ctx, t, req.Workspace)
		return err
	})
	if err != nil {
		return nil, err
	}
	q.logger.Info("workspace enqueued", "workspace", out.Workspace, "priority", out.Priority,
		"parent", out.ParentWorkspace, "stack_merge_state", out.StackMergeState)
	return out, nil
}

// Dequeue removes a workspace's entry outright. Its event history is kept.
func (q *Queue) Dequeue(ctx context.Context, workspace string) error {
	return q.update(ctx, func(t *txn) error {
		e, err := loadEntry(ctx, t, workspace)
		if err != nil {
			return err
		}
		if _, err := t.ExecContext(ctx, `DELETE FROM queue_entries WHERE id = ?;`, e.ID); err != nil {
			return fmt.Errorf("delete entry: %w", err)
		}
		if err := recomputeStack(ctx, t); err != nil {
			return err
		}
		return t.record(ctx, workspace, EventDequeued, nil, string(e.Status))
	})
}

// Reparent moves a workspace under parent, or makes it a root when parent is nil.
func (q *Queue) Reparent(ctx context.Context, workspace string, parent *string) (*Entry, error) {
	var out *Entry
	err := q.update(ctx, func(t *txn) error {
		e, err := loadEntry(ctx, t, workspace)
		if err != nil {
			return err
		}
		if e.Status.IsTerminal() {
			return fmt.Errorf("reparent %s: entry is %s", workspace, e.Status)
		}
		if parent != nil {
			nodes, err := snapshot(ctx, t)
			if err != nil {
				return err
			}
			if err := stack.ValidateParent(nodes, workspace, *parent, q.maxDepth); err != nil {
				return err
			}
		}
		e.ParentWorkspace = parent
		if err := saveEntry(ctx, t, e); err != nil {
			return err
		}
		if err := recomputeStack(ctx, t); err != nil {
			return err
		}
		detail := "root"
		if parent != nil {
			detail = "parent=" + *parent
		}
		if err := t.record(ctx, workspace, EventReparented, nil, detail); err != nil {
			return err
		}
		out, err = loadEntry(ctx, t, workspace)
		return err
	})
	return out, err
}

// Get returns the entry for workspace or ErrNotFound.
func (q *Queue) Get(ctx context.Context, workspace string) (*Entry, error) {
	e, err := loadEntry(ctx, q.db, workspace)
	return e, q.check(err)
}

// List returns entries in train order: priority, then age.
func (q *Queue) List(ctx context.Context, f ListFilter) ([]Entry, error) {
	var (
		where []string
		args  []any
	)
	if len(f.Statuses) > 0 {
		marks := make([]string, len(f.Statuses))
		for i, s := range f.Statuses {
			marks[i] = "?"
			args = append(args, string(s))
		}
		where = append(where, "status IN ("+strings.Join(marks, ", ")+")")
	}
	if f.Agent != "" {
		where = append(where, "agent_id = ?")
		args = append(args, f.Agent)
	}
	if f.Root != "" {
		where = append(where, "stack_root = ?")
		args = append(args, f.Root)
	}

	query := `SELECT ` + entryColumns + ` FROM queue_entries`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY priority ASC, added_at ASC, id ASC"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	entries, err := queryEntries(ctx, q.db, query+";", args...)
	return entries, q.check(err)
}
