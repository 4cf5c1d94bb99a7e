package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/mattjoyce/trainyard/internal/claim"
	"github.com/mattjoyce/trainyard/internal/stack"
	"github.com/mattjoyce/trainyard/internal/storage"
)

func validateClaimArgs(agent string, ttl time.Duration) error {
	if agent == "" {
		return ErrInvalidAgent
	}
	if ttl < time.Second {
		return ErrInvalidTTL
	}
	return nil
}

// requireOwner fails with ErrNotOwner unless agent holds an unexpired claim.
func requireOwner(e *Entry, agent string, now time.Time) error {
	st := e.ClaimState(now)
	if holder, ok := claim.Holder(st); !ok || holder != agent {
		return fmt.Errorf("%w: workspace=%s agent=%s state=%s", ErrNotOwner, e.Workspace, agent, st)
	}
	return nil
}

// requireFailer is requireOwner, except that the last holder of a lapsed
// claim may still fail an entry the sweeper will never reclaim
// (READY_TO_MERGE or MERGING).
func requireFailer(e *Entry, agent string, now time.Time) error {
	st := e.ClaimState(now)
	if st.Kind == claim.KindExpired && st.PreviousAgent == agent && e.Status.holdsClaim() && !e.Status.reclaimable() {
		return nil
	}
	return requireOwner(e, agent, now)
}

// setStatus validates and applies a status move.
func setStatus(e *Entry, to Status) error {
	if err := checkTransition(e.Workspace, e.Status, to); err != nil {
		return err
	}
	e.Status = to
	return nil
}

// clearClaim drops ownership, validating the claim state move it implies.
func clearClaim(e *Entry, now time.Time) error {
	from := e.ClaimState(now)
	if from.Kind != claim.KindUnclaimed {
		if err := claim.Check(from, claim.Unclaimed()); err != nil {
			return err
		}
	}
	e.AgentID = nil
	e.ClaimedAt = nil
	e.ClaimExpiresAt = nil
	return nil
}

func (q *Queue) claimLocked(ctx context.Context, t *txn, e *Entry, agent string, ttl time.Duration) (ClaimResult, error) {
	st := e.ClaimState(t.now)

	if e.Status.holdsClaim() {
		switch {
		case st.Kind == claim.KindClaimed && st.Agent == agent && e.Status == StatusClaimed:
			// Re-claim by the owner renews the lease.
			exp := claim.LeaseEnd(t.now, ttl)
			e.ClaimExpiresAt = &exp
			if err := saveEntry(ctx, t, e); err != nil {
				return ClaimResult{}, err
			}
			return ClaimResult{Outcome: ClaimClaimed, Entry: e, Holder: agent}, t.record(ctx, e.Workspace, EventHeartbeat, &agent, "")
		case st.Kind == claim.KindClaimed:
			return ClaimResult{Outcome: ClaimAlreadyClaimed, Entry: e, Holder: st.Agent}, nil
		case st.Kind == claim.KindExpired && e.Status.reclaimable():
			if err := q.reclaimLocked(ctx, t, e); err != nil {
				return ClaimResult{}, err
			}
			st = e.ClaimState(t.now)
		default:
			return ClaimResult{Outcome: ClaimNotClaimable, Entry: e}, nil
		}
	}

	if e.Status != StatusPending || e.StackMergeState.IsBlocked() {
		return ClaimResult{Outcome: ClaimNotClaimable, Entry: e}, nil
	}

	to := claim.Claimed(agent, t.now, ttl)
	if err := claim.Check(st, to); err != nil {
		return ClaimResult{}, err
	}
	if err := setStatus(e, StatusClaimed); err != nil {
		return ClaimResult{}, err
	}
	e.AgentID = &agent
	e.ClaimedAt = &to.ClaimedAt
	e.ClaimExpiresAt = &to.ExpiresAt
	if e.StartedAt == nil {
		e.StartedAt = &to.ClaimedAt
	}
	if err := saveEntry(ctx, t, e); err != nil {
		return ClaimResult{}, err
	}
	if err := t.record(ctx, e.Workspace, EventClaimed, &agent, fmt.Sprintf("ttl=%s", ttl)); err != nil {
		return ClaimResult{}, err
	}
	return ClaimResult{Outcome: ClaimClaimed, Entry: e, Holder: agent}, nil
}

// Claim takes workspace for agent. Contention is reported in the result, not
// as an error: AlreadyClaimed names the holder, NotClaimable covers entries
// that are not pending or are blocked by their stack.
func (q *Queue) Claim(ctx context.Context, workspace, agent string, ttl time.Duration) (ClaimResult, error) {
	if err := validateClaimArgs(agent, ttl); err != nil {
		return ClaimResult{}, err
	}
	var res ClaimResult
	err := q.update(ctx, func(t *txn) error {
		e, err := loadEntry(ctx, t, workspace)
		if err != nil {
			return err
		}
		res, err = q.claimLocked(ctx, t, e, agent, ttl)
		return err
	})
	return res, err
}

const nextPendingQuery = `SELECT ` + entryColumns + `
FROM queue_entries
WHERE status = 'PENDING' AND stack_merge_state IN ('ready', 'independent')
ORDER BY priority ASC, added_at ASC, id ASC`

// NextPending returns the entry ClaimNext would take, or nil if none.
func (q *Queue) NextPending(ctx context.Context) (*Entry, error) {
	e, err := scanEntry(q.db.QueryRowContext(ctx, nextPendingQuery+" LIMIT 1;"))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, q.check(fmt.Errorf("next pending: %w", err))
	}
	return e, nil
}

// ClaimNext claims the next eligible entry for agent. Returns (nil, nil) when
// nothing is eligible.
func (q *Queue) ClaimNext(ctx context.Context, agent string, ttl time.Duration) (*Entry, error) {
	if err := validateClaimArgs(agent, ttl); err != nil {
		return nil, err
	}
	var out *Entry
	err := q.update(ctx, func(t *txn) error {
		e, err := scanEntry(t.QueryRowContext(ctx, nextPendingQuery+" LIMIT 1;"))
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("next pending: %w", err)
		}
		res, err := q.claimLocked(ctx, t, e, agent, ttl)
		if err != nil {
			return err
		}
		if res.Outcome == ClaimClaimed {
			out = res.Entry
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if out != nil {
		q.logger.Info("entry claimed", "workspace", out.Workspace, "agent_id", agent)
	}
	return out, nil
}

// forward lists the statuses Transition may move an entry into. Failure,
// cancellation and release have their own operations.
var forward = map[Status]bool{
	StatusRebasing:     true,
	StatusTesting:      true,
	StatusReadyToMerge: true,
	StatusMerging:      true,
	StatusMerged:       true,
}

// Transition advances a claimed entry along the merge path. agent must hold
// the claim.
func (q *Queue) Transition(ctx context.Context, workspace, agent string, to Status) (*Entry, error) {
	if !forward[to] {
		return nil, fmt.Errorf("transition to %s: use Fail, Cancel or Release", to)
	}
	var out *Entry
	err := q.update(ctx, func(t *txn) error {
		e, err := loadEntry(ctx, t, workspace)
		if err != nil {
			return err
		}
		if err := requireOwner(e, agent, t.now); err != nil {
			return err
		}
		from := e.Status
		if err := setStatus(e, to); err != nil {
			return err
		}

		if to != StatusMerged {
			if err := saveEntry(ctx, t, e); err != nil {
				return err
			}
			out = e
			return t.record(ctx, workspace, EventTransitioned, &agent, fmt.Sprintf("%s -> %s", from, to))
		}

		now := t.now
		e.CompletedAt = &now
		e.Error = nil
		if err := clearClaim(e, now); err != nil {
			return err
		}
		if CanTransitionWorkspace(e.WorkspaceState, WorkspaceMerged) {
			setWorkspaceState(e, WorkspaceMerged, now)
		}
		if err := saveEntry(ctx, t, e); err != nil {
			return err
		}
		if err := recomputeStack(ctx, t); err != nil {
			return err
		}
		if err := t.record(ctx, workspace, EventMerged, &agent, ""); err != nil {
			return err
		}
		out, err = loadEntry(ctx, t, workspace)
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Fail records a failed attempt by the claiming agent, or by the last holder
// of a lapsed claim on an entry past testing. A retryable failure
// with attempts left goes back to PENDING through FAILED_RETRYABLE; anything
// else ends in FAILED_TERMINAL and blocks the entry's dependents.
func (q *Queue) Fail(ctx context.Context, workspace, agent, message string, retryable bool) (*Entry, error) {
	var out *Entry
	err := q.update(ctx, func(t *txn) error {
		e, err := loadEntry(ctx, t, workspace)
		if err != nil {
			return err
		}
		if err := requireFailer(e, agent, t.now); err != nil {
			return err
		}
		if !e.Status.holdsClaim() {
			return &TransitionError{Workspace: workspace, From: e.Status, To: StatusFailedTerminal}
		}

		retry := retryable && e.CanRetry()
		e.AttemptCount++
		e.Error = &message
		if err := clearClaim(e, t.now); err != nil {
			return err
		}

		if retry {
			if err := setStatus(e, StatusFailedRetryable); err != nil {
				return err
			}
			if err := setStatus(e, StatusPending); err != nil {
				return err
			}
			if err := saveEntry(ctx, t, e); err != nil {
				return err
			}
			if err := t.record(ctx, workspace, EventFailed, &agent, message); err != nil {
				return err
			}
			out = e
			return t.record(ctx, workspace, EventRetried, &agent, fmt.Sprintf("attempt %d of %d", e.AttemptCount, e.MaxAttempts))
		}

		if err := setStatus(e, StatusFailedTerminal); err != nil {
			return err
		}
		now := t.now
		e.CompletedAt = &now
		if err := saveEntry(ctx, t, e); err != nil {
			return err
		}
		if err := recomputeStack(ctx, t); err != nil {
			return err
		}
		if err := t.record(ctx, workspace, EventFailed, &agent, message); err != nil {
			return err
		}
		out, err = loadEntry(ctx, t, workspace)
		return err
	})
	if err != nil {
		return nil, err
	}
	q.logger.Warn("entry failed", "workspace", workspace, "agent_id", agent, "status", out.Status,
		"attempt", out.AttemptCount, "max_attempts", out.MaxAttempts, "error", message)
	return out, nil
}

// Cancel takes an entry off the train. Dependents become blocked.
func (q *Queue) Cancel(ctx context.Context, workspace string) (*Entry, error) {
	var out *Entry
	err := q.update(ctx, func(t *txn) error {
		e, err := loadEntry(ctx, t, workspace)
		if err != nil {
			return err
		}
		prevAgent := e.AgentID
		if err := setStatus(e, StatusCancelled); err != nil {
			return err
		}
		now := t.now
		e.CompletedAt = &now
		if err := clearClaim(e, now); err != nil {
			return err
		}
		if err := saveEntry(ctx, t, e); err != nil {
			return err
		}
		if err := recomputeStack(ctx, t); err != nil {
			return err
		}
		if err := t.record(ctx, workspace, EventCancelled, prevAgent, ""); err != nil {
			return err
		}
		out, err = loadEntry(ctx, t, workspace)
		return err
	})
	return out, err
}

// Release hands a CLAIMED entry back to the queue without counting an attempt.
func (q *Queue) Release(ctx context.Context, workspace, agent string) (*Entry, error) {
	var out *Entry
	err := q.update(ctx, func(t *txn) error {
		e, err := loadEntry(ctx, t, workspace)
		if err != nil {
			return err
		}
		if err := requireOwner(e, agent, t.now); err != nil {
			return err
		}
		if err := setStatus(e, StatusPending); err != nil {
			return err
		}
		if err := clearClaim(e, t.now); err != nil {
			return err
		}
		if err := saveEntry(ctx, t, e); err != nil {
			return err
		}
		out = e
		return t.record(ctx, workspace, EventReleased, &agent, "")
	})
	return out, err
}

// Heartbeat extends agent's claim to now+ttl.
func (q *Queue) Heartbeat(ctx context.Context, workspace, agent string, ttl time.Duration) (*Entry, error) {
	if err := validateClaimArgs(agent, ttl); err != nil {
		return nil, err
	}
	var out *Entry
	err := q.update(ctx, func(t *txn) error {
		e, err := loadEntry(ctx, t, workspace)
		if err != nil {
			return err
		}
		if err := requireOwner(e, agent, t.now); err != nil {
			return err
		}
		exp := claim.LeaseEnd(t.now, ttl)
		e.ClaimExpiresAt = &exp
		if err := saveEntry(ctx, t, e); err != nil {
			return err
		}
		out = e
		return t.record(ctx, workspace, EventHeartbeat, &agent, "")
	})
	return out, err
}

// reclaimLocked returns an abandoned entry to PENDING. Statuses without a
// direct edge to PENDING pass through FAILED_RETRYABLE; the attempt count is
// left alone because the agent vanished rather than failed.
func (q *Queue) reclaimLocked(ctx context.Context, t *txn, e *Entry) error {
	st := e.ClaimState(t.now)
	if st.Kind != claim.KindExpired {
		return fmt.Errorf("reclaim %s: claim is %s", e.Workspace, st)
	}
	prev := st.PreviousAgent
	from := e.Status
	if !CanTransition(from, StatusPending) {
		if err := setStatus(e, StatusFailedRetryable); err != nil {
			return err
		}
	}
	if err := setStatus(e, StatusPending); err != nil {
		return err
	}
	if err := clearClaim(e, t.now); err != nil {
		return err
	}
	e.PreviousAgent = &prev
	msg := fmt.Sprintf("claim by %s expired during %s", prev, from)
	e.Error = &msg
	if err := saveEntry(ctx, t, e); err != nil {
		return err
	}
	q.logger.Warn("reclaimed expired claim", "workspace", e.Workspace, "previous_agent", prev, "status", from)
	return t.record(ctx, e.Workspace, EventReclaimed, &prev, string(from))
}

// ReclaimExpired returns every CLAIMED, REBASING or TESTING entry whose
// claim has lapsed to PENDING and reports them.
func (q *Queue) ReclaimExpired(ctx context.Context) ([]Entry, error) {
	var out []Entry
	err := q.update(ctx, func(t *txn) error {
		candidates, err := queryEntries(ctx, t, `SELECT `+entryColumns+`
FROM queue_entries
WHERE status IN (?, ?, ?) AND claim_expires_at IS NOT NULL AND claim_expires_at <= ?
ORDER BY id ASC;`, StatusClaimed, StatusRebasing, StatusTesting, storage.Epoch(t.now))
		if err != nil {
			return err
		}
		for i := range candidates {
			e := &candidates[i]
			if err := q.reclaimLocked(ctx, t, e); err != nil {
				return err
			}
			out = append(out, *e)
		}
		return nil
	})
	return out, err
}

// RecordRebase notes a fresh rebase by the claiming agent.
func (q *Queue) RecordRebase(ctx context.Context, workspace, agent, headSHA string) (*Entry, error) {
	return q.ownedUpdate(ctx, workspace, agent, func(e *Entry, now time.Time) (EventType, string) {
		e.HeadSHA = &headSHA
		e.RebaseCount++
		e.LastRebaseAt = &now
		return EventRebased, headSHA
	})
}

// RecordTested notes which head the last test run covered.
func (q *Queue) RecordTested(ctx context.Context, workspace, agent, sha string) (*Entry, error) {
	return q.ownedUpdate(ctx, workspace, agent, func(e *Entry, _ time.Time) (EventType, string) {
		e.TestedAgainstSHA = &sha
		return EventTested, sha
	})
}

func (q *Queue) ownedUpdate(ctx context.Context, workspace, agent string, mutate func(e *Entry, now time.Time) (EventType, string)) (*Entry, error) {
	var out *Entry
	err := q.update(ctx, func(t *txn) error {
		e, err := loadEntry(ctx, t, workspace)
		if err != nil {
			return err
		}
		if err := requireOwner(e, agent, t.now); err != nil {
			return err
		}
		typ, detail := mutate(e, t.now)
		if err := saveEntry(ctx, t, e); err != nil {
			return err
		}
		out = e
		return t.record(ctx, workspace, typ, &agent, detail)
	})
	return out, err
}

// WorkspaceTransitionError rejects a workspace lifecycle move.
type WorkspaceTransitionError struct {
	Workspace string
	From      WorkspaceState
	To        WorkspaceState
}

func (e *WorkspaceTransitionError) Error() string {
	return fmt.Sprintf("invalid workspace transition for %s: %s -> %s", e.Workspace, e.From, e.To)
}

func setWorkspaceState(e *Entry, to WorkspaceState, now time.Time) {
	prev := e.WorkspaceState
	e.PreviousState = &prev
	e.WorkspaceState = to
	e.StateChangedAt = &now
}

// SetWorkspaceState moves the workspace lifecycle, independent of Status.
func (q *Queue) SetWorkspaceState(ctx context.Context, workspace string, to WorkspaceState) (*Entry, error) {
	var out *Entry
	err := q.update(ctx, func(t *txn) error {
		e, err := loadEntry(ctx, t, workspace)
		if err != nil {
			return err
		}
		if !CanTransitionWorkspace(e.WorkspaceState, to) {
			return &WorkspaceTransitionError{Workspace: workspace, From: e.WorkspaceState, To: to}
		}
		from := e.WorkspaceState
		setWorkspaceState(e, to, t.now)
		if err := saveEntry(ctx, t, e); err != nil {
			return err
		}
		out = e
		return t.record(ctx, workspace, EventWorkspaceState, nil, fmt.Sprintf("%s -> %s", from, to))
	})
	return out, err
}

// StackStatus reports where workspace sits in its stack.
func (q *Queue) StackStatus(ctx context.Context, workspace string) (*StackStatus, error) {
	e, err := loadEntry(ctx, q.db, workspace)
	if err != nil {
		return nil, q.check(err)
	}
	nodes, err := snapshot(ctx, q.db)
	if err != nil {
		return nil, err
	}
	info, err := stack.Compute(nodes)
	if err != nil {
		return nil, q.check(err)
	}
	in := info[workspace]
	children := in.Children
	if children == nil {
		children = []string{}
	}
	dependents := stack.Dependents(nodes, workspace)
	if dependents == nil {
		dependents = []string{}
	}
	return &StackStatus{
		Workspace:  workspace,
		Depth:      in.Depth,
		Parent:     e.ParentWorkspace,
		Children:   children,
		Dependents: dependents,
		Root:       in.Root,
		MergeState: in.MergeState,
	}, nil
}
