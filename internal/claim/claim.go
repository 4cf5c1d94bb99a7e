// Package claim models time-bounded exclusive ownership of a work item.
//
// A State is one of Unclaimed, Claimed or Expired. Both the lock store and
// the merge queue persist their ownership as columns, rebuild a State from
// those columns, and check the move they are about to commit with
// CanTransition before writing it.
package claim

import (
	"fmt"
	"time"
)

// Kind is the tag of a State.
type Kind string

const (
	KindUnclaimed Kind = "unclaimed"
	KindClaimed   Kind = "claimed"
	KindExpired   Kind = "expired"
)

// State is a tagged variant; only the fields belonging to Kind are meaningful.
type State struct {
	Kind Kind

	// Claimed
	Agent     string
	ClaimedAt time.Time
	ExpiresAt time.Time

	// Expired
	PreviousAgent string
	ExpiredAt     time.Time
}

// Unclaimed returns the empty state.
func Unclaimed() State {
	return State{Kind: KindUnclaimed}
}

// Claimed returns a claim held by agent for ttl starting at now.
func Claimed(agent string, now time.Time, ttl time.Duration) State {
	return State{
		Kind:      KindClaimed,
		Agent:     agent,
		ClaimedAt: now,
		ExpiresAt: LeaseEnd(now, ttl),
	}
}

// LeaseEnd is now+ttl rounded up to a whole second. Expiries are stored as
// epoch seconds, and a lease must never come back shorter than granted.
func LeaseEnd(now time.Time, ttl time.Duration) time.Time {
	end := now.Add(ttl)
	if t := end.Truncate(time.Second); t.Before(end) {
		return t.Add(time.Second)
	}
	return end
}

// Expired returns the state left behind when previousAgent's claim lapsed.
func Expired(previousAgent string, at time.Time) State {
	return State{
		Kind:          KindExpired,
		PreviousAgent: previousAgent,
		ExpiredAt:     at,
	}
}

// transitions is the only place legal moves are defined.
var transitions = map[Kind][]Kind{
	KindUnclaimed: {KindClaimed},
	KindClaimed:   {KindExpired, KindUnclaimed},
	KindExpired:   {KindUnclaimed},
}

// Kinds lists every tag in declaration order.
func Kinds() []Kind {
	return []Kind{KindUnclaimed, KindClaimed, KindExpired}
}

// NextKinds returns the tags reachable from k in one step.
func NextKinds(k Kind) []Kind {
	out := make([]Kind, len(transitions[k]))
	copy(out, transitions[k])
	return out
}

// CanTransitionKind reports whether from -> to is a legal move.
func CanTransitionKind(from, to Kind) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// CanTransition reports whether moving from one state to another is legal.
// Self-loops are never legal, including Claimed -> Claimed; renewing a claim
// is a refresh of the same state, not a transition.
func CanTransition(from, to State) bool {
	return CanTransitionKind(from.Kind, to.Kind)
}

// TransitionError describes a rejected move.
type TransitionError struct {
	From Kind
	To   Kind
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("invalid claim transition: %s -> %s", e.From, e.To)
}

// Check returns a *TransitionError if from -> to is illegal.
func Check(from, to State) error {
	if !CanTransition(from, to) {
		return &TransitionError{From: from.Kind, To: to.Kind}
	}
	return nil
}

// Holder returns the owning agent. ok is false unless the state is Claimed.
func Holder(s State) (agent string, ok bool) {
	if s.Kind != KindClaimed {
		return "", false
	}
	return s.Agent, true
}

// IsExpiredAt reports whether a Claimed state's lease has lapsed at now.
func (s State) IsExpiredAt(now time.Time) bool {
	return s.Kind == KindClaimed && !now.Before(s.ExpiresAt)
}

// Validate checks that the fields required by Kind are present.
func (s State) Validate() error {
	switch s.Kind {
	case KindUnclaimed:
		return nil
	case KindClaimed:
		if s.Agent == "" {
			return fmt.Errorf("claimed state has no agent")
		}
		if !s.ExpiresAt.After(s.ClaimedAt) {
			return fmt.Errorf("claimed state expires at or before it was claimed")
		}
		return nil
	case KindExpired:
		if s.PreviousAgent == "" {
			return fmt.Errorf("expired state has no previous agent")
		}
		return nil
	default:
		return fmt.Errorf("unknown claim kind %q", s.Kind)
	}
}

func (s State) String() string {
	switch s.Kind {
	case KindClaimed:
		return fmt.Sprintf("claimed by %s until %s", s.Agent, s.ExpiresAt.UTC().Format(time.RFC3339))
	case KindExpired:
		return fmt.Sprintf("expired (was %s)", s.PreviousAgent)
	default:
		return string(s.Kind)
	}
}
