package stack

import "fmt"

// MergeStates lists every value in declaration order.
func MergeStates() []MergeState {
	return []MergeState{Independent, Blocked, Ready, Merged}
}

// ParseMergeState accepts the exact persisted spelling only.
func ParseMergeState(s string) (MergeState, error) {
	for _, m := range MergeStates() {
		if string(m) == s {
			return m, nil
		}
	}
	return "", fmt.Errorf("unknown stack merge state %q", s)
}

func (m MergeState) String() string { return string(m) }

// IsTerminal is true only for Merged.
func (m MergeState) IsTerminal() bool { return m == Merged }

// IsBlocked is true only for Blocked.
func (m MergeState) IsBlocked() bool { return m == Blocked }
