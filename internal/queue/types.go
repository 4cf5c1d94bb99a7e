package queue

import (
	"errors"
	"fmt"
	"time"

	"github.com/mattjoyce/trainyard/internal/claim"
	"github.com/mattjoyce/trainyard/internal/stack"
)

// Entry is one tracked workspace. Dependents are derived, never stored.
type Entry struct {
	ID          int64      `json:"id"`
	Workspace   string     `json:"workspace"`
	IssueID     *string    `json:"issue_id,omitempty"`
	Priority    int        `json:"priority"`
	Status      Status     `json:"status"`
	AddedAt     time.Time  `json:"added_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	Error       *string    `json:"error_message,omitempty"`

	AgentID        *string    `json:"agent_id,omitempty"`
	ClaimedAt      *time.Time `json:"claimed_at,omitempty"`
	ClaimExpiresAt *time.Time `json:"claim_expires_at,omitempty"`
	PreviousAgent  *string    `json:"previous_agent,omitempty"`

	DedupeKey *string `json:"dedupe_key,omitempty"`

	WorkspaceState WorkspaceState  `json:"workspace_state"`
	PreviousState  *WorkspaceState `json:"previous_state,omitempty"`
	StateChangedAt *time.Time      `json:"state_changed_at,omitempty"`

	HeadSHA          *string `json:"head_sha,omitempty"`
	TestedAgainstSHA *string `json:"tested_against_sha,omitempty"`

	AttemptCount int        `json:"attempt_count"`
	MaxAttempts  int        `json:"max_attempts"`
	RebaseCount  int        `json:"rebase_count"`
	LastRebaseAt *time.Time `json:"last_rebase_at,omitempty"`

	ParentWorkspace *string          `json:"parent_workspace,omitempty"`
	StackDepth      int              `json:"stack_depth"`
	StackRoot       *string          `json:"stack_root,omitempty"`
	StackMergeState stack.MergeState `json:"stack_merge_state"`
}

// ClaimState rebuilds the ownership of e as seen at now.
func (e *Entry) ClaimState(now time.Time) claim.State {
	if e.AgentID == nil || e.ClaimExpiresAt == nil {
		return claim.Unclaimed()
	}
	if !now.Before(*e.ClaimExpiresAt) {
		return claim.Expired(*e.AgentID, *e.ClaimExpiresAt)
	}
	s := claim.State{Kind: claim.KindClaimed, Agent: *e.AgentID, ExpiresAt: *e.ClaimExpiresAt}
	if e.ClaimedAt != nil {
		s.ClaimedAt = *e.ClaimedAt
	}
	return s
}

// TestResultStale is true when the last test ran against a different head
// than the one currently recorded, or never ran.
func (e *Entry) TestResultStale() bool {
	if e.TestedAgainstSHA == nil {
		return true
	}
	return e.HeadSHA == nil || *e.HeadSHA != *e.TestedAgainstSHA
}

// Thrashing reports whether the entry has been rebased more than limit times.
// limit <= 0 disables the check.
func (e *Entry) Thrashing(limit int) bool {
	return limit > 0 && e.RebaseCount > limit
}

// CanRetry reports whether another failed attempt would still be retryable.
func (e *Entry) CanRetry() bool {
	return e.AttemptCount+1 < e.MaxAttempts
}

// EnqueueRequest describes a workspace to put on the train.
type EnqueueRequest struct {
	Workspace   string
	Priority    int
	Parent      *string
	IssueID     *string
	DedupeKey   *string
	HeadSHA     *string
	MaxAttempts int
}

// ClaimOutcome is the non-error result of a claim attempt.
type ClaimOutcome string

const (
	ClaimClaimed        ClaimOutcome = "claimed"
	ClaimAlreadyClaimed ClaimOutcome = "already_claimed"
	ClaimNotClaimable   ClaimOutcome = "not_claimable"
)

// ClaimResult reports the claim attempt. Entry is the row after the call;
// Holder names the current owner when AlreadyClaimed.
type ClaimResult struct {
	Outcome ClaimOutcome
	Entry   *Entry
	Holder  string
}

// ListFilter narrows List. Zero values match everything.
type ListFilter struct {
	Statuses []Status
	Agent    string
	Root     string
	Limit    int
}

// StackStatus is the graph view of one workspace.
type StackStatus struct {
	Workspace  string           `json:"workspace"`
	Depth      int              `json:"depth"`
	Parent     *string          `json:"parent,omitempty"`
	Children   []string         `json:"children"`
	Dependents []string         `json:"dependents"`
	Root       string           `json:"root"`
	MergeState stack.MergeState `json:"merge_state"`
}

// Stats counts entries per status.
type Stats struct {
	Total    int            `json:"total"`
	ByStatus map[Status]int `json:"by_status"`
	Blocked  int            `json:"blocked"`
}

// Active is the number of entries not yet in a terminal status.
func (s Stats) Active() int {
	n := 0
	for st, c := range s.ByStatus {
		if !st.IsTerminal() {
			n += c
		}
	}
	return n
}

var (
	ErrNotFound         = errors.New("queue entry not found")
	ErrNotOwner         = errors.New("queue entry is not claimed by this agent")
	ErrInvalidPriority  = errors.New("priority must be >= 0")
	ErrInvalidWorkspace = errors.New("workspace name is empty")
	ErrInvalidAgent     = errors.New("agent id is empty")
	ErrInvalidTTL       = errors.New("claim ttl must be at least one second")
)

// DuplicateError rejects an enqueue that collides with an active entry.
type DuplicateError struct {
	Workspace string
	// Existing is the active entry's workspace; it differs from Workspace when
	// the collision is on the dedupe key.
	Existing  string
	DedupeKey string
	Status    Status
}

func (e *DuplicateError) Error() string {
	if e.DedupeKey != "" && e.Existing != e.Workspace {
		return fmt.Sprintf("dedupe key %s already queued by %s (%s)", e.DedupeKey, e.Existing, e.Status)
	}
	return fmt.Sprintf("workspace %s is already queued (%s)", e.Workspace, e.Status)
}
