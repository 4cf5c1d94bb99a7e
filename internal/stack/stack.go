// Package stack derives the dependency structure of stacked workspaces.
//
// Every function works on an immutable snapshot of nodes; nothing here reads
// or writes storage. Callers take a snapshot inside their transaction, call
// Compute, and write the results back.
package stack

import (
	"fmt"
	"sort"
	"strings"
)

// MergeState is the stack-level readiness of one entry.
type MergeState string

const (
	Independent MergeState = "independent"
	Blocked     MergeState = "blocked"
	Ready       MergeState = "ready"
	Merged      MergeState = "merged"
)

// Node is one entry in a snapshot.
type Node struct {
	Workspace string
	// Parent is empty for roots.
	Parent string
	Merged bool
}

// Info is what Compute derives for one workspace.
type Info struct {
	Depth      int
	Root       string
	Children   []string
	MergeState MergeState
}

// ErrorKind distinguishes graph integrity failures.
type ErrorKind string

const (
	CycleDetected  ErrorKind = "cycle_detected"
	ParentNotFound ErrorKind = "parent_not_found"
	DepthExceeded  ErrorKind = "depth_exceeded"
)

// Error reports a graph integrity failure. Path is the chain walked when it
// was found, starting at the workspace asked about.
type Error struct {
	Kind      ErrorKind
	Workspace string
	Path      []string
	Limit     int
}

func (e *Error) Error() string {
	switch e.Kind {
	case CycleDetected:
		return fmt.Sprintf("stack cycle detected: %s", strings.Join(e.Path, " -> "))
	case ParentNotFound:
		return fmt.Sprintf("stack parent not found for %s: %s", e.Workspace, strings.Join(e.Path, " -> "))
	case DepthExceeded:
		return fmt.Sprintf("stack depth of %s exceeds %d: %s", e.Workspace, e.Limit, strings.Join(e.Path, " -> "))
	default:
		return fmt.Sprintf("stack error %s for %s", e.Kind, e.Workspace)
	}
}

// Is matches on Kind so callers can write errors.Is(err, &stack.Error{Kind: stack.CycleDetected}).
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

func index(nodes []Node) map[string]Node {
	m := make(map[string]Node, len(nodes))
	for _, n := range nodes {
		m[n.Workspace] = n
	}
	return m
}

// walk follows parent pointers from ws and returns the chain, ws first.
// A dangling parent ends the chain; the caller decides if that matters.
func walk(byName map[string]Node, ws string) ([]string, bool, error) {
	path := []string{ws}
	seen := map[string]struct{}{ws: {}}
	cur, ok := byName[ws]
	if !ok {
		return path, false, nil
	}
	for cur.Parent != "" {
		if _, dup := seen[cur.Parent]; dup {
			return nil, false, &Error{Kind: CycleDetected, Workspace: ws, Path: append(path, cur.Parent)}
		}
		path = append(path, cur.Parent)
		seen[cur.Parent] = struct{}{}
		next, ok := byName[cur.Parent]
		if !ok {
			return path, false, nil
		}
		cur = next
	}
	return path, true, nil
}

// Depth counts parent hops from ws to its root. A root has depth 0. A
// dangling parent counts as one hop.
func Depth(nodes []Node, ws string) (int, error) {
	path, _, err := walk(index(nodes), ws)
	if err != nil {
		return 0, err
	}
	return len(path) - 1, nil
}

// Root returns the top of ws's stack, which is ws itself for a root.
func Root(nodes []Node, ws string) (string, error) {
	path, _, err := walk(index(nodes), ws)
	if err != nil {
		return "", err
	}
	return path[len(path)-1], nil
}

// Children returns the direct dependents of ws in workspace order.
func Children(nodes []Node, ws string) []string {
	var out []string
	for _, n := range nodes {
		if n.Parent == ws && n.Workspace != ws {
			out = append(out, n.Workspace)
		}
	}
	sort.Strings(out)
	return out
}

// Dependents returns every transitive dependent of ws, breadth first.
func Dependents(nodes []Node, ws string) []string {
	byParent := childMap(nodes)
	var out []string
	seen := map[string]struct{}{ws: {}}
	queue := []string{ws}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, child := range byParent[cur] {
			if _, ok := seen[child]; ok {
				continue
			}
			seen[child] = struct{}{}
			out = append(out, child)
			queue = append(queue, child)
		}
	}
	return out
}

func childMap(nodes []Node) map[string][]string {
	m := make(map[string][]string)
	for _, n := range nodes {
		if n.Parent != "" && n.Parent != n.Workspace {
			m[n.Parent] = append(m[n.Parent], n.Workspace)
		}
	}
	for k := range m {
		sort.Strings(m[k])
	}
	return m
}

// ValidateParent checks that giving ws the parent parent keeps the graph
// acyclic, rooted in existing entries, and no deeper than maxDepth (0 means
// unlimited). ws itself need not be in nodes yet.
func ValidateParent(nodes []Node, ws, parent string, maxDepth int) error {
	if parent == "" {
		return nil
	}
	byName := index(nodes)
	if _, ok := byName[parent]; !ok {
		return &Error{Kind: ParentNotFound, Workspace: ws, Path: []string{ws, parent}}
	}
	byName[ws] = Node{Workspace: ws, Parent: parent, Merged: byName[ws].Merged}

	path, complete, err := walk(byName, ws)
	if err != nil {
		return err
	}
	if !complete {
		return &Error{Kind: ParentNotFound, Workspace: ws, Path: path}
	}
	if maxDepth > 0 && len(path)-1 > maxDepth {
		return &Error{Kind: DepthExceeded, Workspace: ws, Path: path, Limit: maxDepth}
	}
	// Moving ws also moves everything stacked on it.
	if maxDepth > 0 {
		snapshot := make([]Node, 0, len(byName))
		for _, n := range byName {
			snapshot = append(snapshot, n)
		}
		for _, dep := range Dependents(snapshot, ws) {
			depPath, _, err := walk(byName, dep)
			if err != nil {
				return err
			}
			if len(depPath)-1 > maxDepth {
				return &Error{Kind: DepthExceeded, Workspace: dep, Path: depPath, Limit: maxDepth}
			}
		}
	}
	return nil
}

// Compute derives Info for every node. Parents are resolved before their
// children, so each child's merge state is computed from its parent's final
// state in this snapshot.
//
// Merge state rules: Merged if the node itself merged; Blocked if it has a
// parent that is missing or not merged; Ready if its parent merged or it heads
// a stack; Independent otherwise.
func Compute(nodes []Node) (map[string]Info, error) {
	byName := index(nodes)
	byParent := childMap(nodes)
	out := make(map[string]Info, len(nodes))

	// Every node's chain must terminate before anything is derived.
	for _, n := range nodes {
		if _, _, err := walk(byName, n.Workspace); err != nil {
			return nil, err
		}
	}

	var visit func(n Node, depth int, root string)
	visit = func(n Node, depth int, root string) {
		children := byParent[n.Workspace]
		info := Info{
			Depth:    depth,
			Root:     root,
			Children: append([]string(nil), children...),
		}
		parent, hasParent := byName[n.Parent]
		switch {
		case n.Merged:
			info.MergeState = Merged
		case n.Parent != "" && (!hasParent || !parent.Merged):
			info.MergeState = Blocked
		case n.Parent != "" || len(children) > 0:
			info.MergeState = Ready
		default:
			info.MergeState = Independent
		}
		out[n.Workspace] = info
		for _, c := range children {
			visit(byName[c], depth+1, root)
		}
	}

	names := make([]string, 0, len(nodes))
	for _, n := range nodes {
		names = append(names, n.Workspace)
	}
	sort.Strings(names)
	for _, name := range names {
		n := byName[name]
		if n.Parent == "" {
			visit(n, 0, n.Workspace)
			continue
		}
		if _, ok := byName[n.Parent]; !ok {
			// Orphan: its parent is gone. Treat the dangling name as the root.
			visit(n, 1, n.Parent)
		}
	}
	return out, nil
}
