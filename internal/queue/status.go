package queue

import "fmt"

// Status is the merge-train lifecycle of a queue entry.
type Status string

const (
	StatusPending         Status = "PENDING"
	StatusClaimed         Status = "CLAIMED"
	StatusRebasing        Status = "REBASING"
	StatusTesting         Status = "TESTING"
	StatusReadyToMerge    Status = "READY_TO_MERGE"
	StatusMerging         Status = "MERGING"
	StatusMerged          Status = "MERGED"
	StatusFailedRetryable Status = "FAILED_RETRYABLE"
	StatusFailedTerminal  Status = "FAILED_TERMINAL"
	StatusCancelled       Status = "CANCELLED"
)

// transitions is the single source of truth for legal status moves.
var transitions = map[Status][]Status{
	StatusPending:         {StatusClaimed, StatusCancelled},
	StatusClaimed:         {StatusPending, StatusRebasing, StatusFailedRetryable, StatusFailedTerminal, StatusCancelled},
	StatusRebasing:        {StatusTesting, StatusFailedRetryable, StatusFailedTerminal, StatusCancelled},
	StatusTesting:         {StatusReadyToMerge, StatusFailedRetryable, StatusFailedTerminal, StatusCancelled},
	StatusReadyToMerge:    {StatusMerging, StatusFailedRetryable, StatusFailedTerminal, StatusCancelled},
	StatusMerging:         {StatusMerged, StatusFailedRetryable, StatusFailedTerminal},
	StatusFailedRetryable: {StatusPending, StatusCancelled},
	StatusMerged:          nil,
	StatusFailedTerminal:  nil,
	StatusCancelled:       nil,
}

// Statuses lists every status in lifecycle order.
func Statuses() []Status {
	return []Status{
		StatusPending, StatusClaimed, StatusRebasing, StatusTesting, StatusReadyToMerge,
		StatusMerging, StatusMerged, StatusFailedRetryable, StatusFailedTerminal, StatusCancelled,
	}
}

// ParseStatus accepts the exact persisted spelling only.
func ParseStatus(s string) (Status, error) {
	if _, ok := transitions[Status(s)]; ok {
		return Status(s), nil
	}
	return "", fmt.Errorf("unknown queue status %q", s)
}

func (s Status) String() string { return string(s) }

// IsTerminal reports whether no further transition is possible.
func (s Status) IsTerminal() bool {
	return s == StatusMerged || s == StatusFailedTerminal || s == StatusCancelled
}

// IsFailed covers both failure states.
func (s Status) IsFailed() bool {
	return s == StatusFailedRetryable || s == StatusFailedTerminal
}

// holdsClaim reports whether an entry in s is owned by an agent.
func (s Status) holdsClaim() bool {
	switch s {
	case StatusClaimed, StatusRebasing, StatusTesting, StatusReadyToMerge, StatusMerging:
		return true
	default:
		return false
	}
}

// reclaimable statuses are the ones an abandoned agent can be swept out of.
// ReadyToMerge and Merging are left alone: the merge may already be half done.
func (s Status) reclaimable() bool {
	return s == StatusClaimed || s == StatusRebasing || s == StatusTesting
}

// NextStatuses returns the statuses reachable from s in one step.
func NextStatuses(s Status) []Status {
	out := make([]Status, len(transitions[s]))
	copy(out, transitions[s])
	return out
}

// CanTransition reports whether from -> to is in the table.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// TransitionError is returned when a move is not in the table.
type TransitionError struct {
	Workspace string
	From      Status
	To        Status
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("invalid queue transition for %s: %s -> %s", e.Workspace, e.From, e.To)
}

func checkTransition(workspace string, from, to Status) error {
	if !CanTransition(from, to) {
		return &TransitionError{Workspace: workspace, From: from, To: to}
	}
	return nil
}
