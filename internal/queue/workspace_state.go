package queue

import "fmt"

// WorkspaceState is the agent-reported lifecycle of the workspace itself,
// tracked alongside Status.
type WorkspaceState string

const (
	WorkspaceCreated   WorkspaceState = "created"
	WorkspaceWorking   WorkspaceState = "working"
	WorkspaceReady     WorkspaceState = "ready"
	WorkspaceMerged    WorkspaceState = "merged"
	WorkspaceAbandoned WorkspaceState = "abandoned"
	WorkspaceConflict  WorkspaceState = "conflict"
)

var workspaceTransitions = map[WorkspaceState][]WorkspaceState{
	WorkspaceCreated:   {WorkspaceWorking, WorkspaceAbandoned},
	WorkspaceWorking:   {WorkspaceReady, WorkspaceConflict, WorkspaceAbandoned},
	WorkspaceReady:     {WorkspaceWorking, WorkspaceMerged, WorkspaceConflict, WorkspaceAbandoned},
	WorkspaceConflict:  {WorkspaceWorking, WorkspaceAbandoned},
	WorkspaceMerged:    nil,
	WorkspaceAbandoned: nil,
}

func WorkspaceStates() []WorkspaceState {
	return []WorkspaceState{
		WorkspaceCreated, WorkspaceWorking, WorkspaceReady,
		WorkspaceMerged, WorkspaceAbandoned, WorkspaceConflict,
	}
}

func ParseWorkspaceState(s string) (WorkspaceState, error) {
	if _, ok := workspaceTransitions[WorkspaceState(s)]; ok {
		return WorkspaceState(s), nil
	}
	return "", fmt.Errorf("unknown workspace state %q", s)
}

func (w WorkspaceState) String() string { return string(w) }

func (w WorkspaceState) IsTerminal() bool {
	next, ok := workspaceTransitions[w]
	return ok && len(next) == 0
}

func NextWorkspaceStates(w WorkspaceState) []WorkspaceState {
	out := make([]WorkspaceState, len(workspaceTransitions[w]))
	copy(out, workspaceTransitions[w])
	return out
}

func CanTransitionWorkspace(from, to WorkspaceState) bool {
	for _, next := range workspaceTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}
