package stack

import (
	"errors"
	"fmt"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// a <- b <- c, d independent, e <- f
func fixture() []Node {
	return []Node{
		{Workspace: "a"},
		{Workspace: "b", Parent: "a"},
		{Workspace: "c", Parent: "b"},
		{Workspace: "d"},
		{Workspace: "e"},
		{Workspace: "f", Parent: "e"},
	}
}

func TestDepthAndRoot(t *testing.T) {
	t.Parallel()
	nodes := fixture()

	tests := []struct {
		ws    string
		depth int
		root  string
	}{
		{"a", 0, "a"},
		{"b", 1, "a"},
		{"c", 2, "a"},
		{"d", 0, "d"},
		{"f", 1, "e"},
	}
	for _, tt := range tests {
		d, err := Depth(nodes, tt.ws)
		require.NoError(t, err)
		assert.Equalf(t, tt.depth, d, "depth of %s", tt.ws)

		r, err := Root(nodes, tt.ws)
		require.NoError(t, err)
		assert.Equalf(t, tt.root, r, "root of %s", tt.ws)
	}
}

func TestDepthDetectsCycle(t *testing.T) {
	t.Parallel()
	nodes := []Node{
		{Workspace: "x", Parent: "z"},
		{Workspace: "y", Parent: "x"},
		{Workspace: "z", Parent: "y"},
	}

	_, err := Depth(nodes, "x")
	var se *Error
	require.ErrorAs(t, err, &se)
	assert.Equal(t, CycleDetected, se.Kind)
	assert.Equal(t, []string{"x", "z", "y", "x"}, se.Path)
	assert.True(t, errors.Is(err, &Error{Kind: CycleDetected}))

	_, err = Root(nodes, "y")
	assert.ErrorAs(t, err, &se)

	_, err = Compute(nodes)
	assert.ErrorAs(t, err, &se)

	_, err = Depth([]Node{{Workspace: "s", Parent: "s"}}, "s")
	assert.ErrorAs(t, err, &se, "self parent is a cycle")
}

func naiveDepth(nodes []Node, ws string) int {
	byName := index(nodes)
	d := 0
	for cur := byName[ws]; cur.Parent != ""; cur = byName[cur.Parent] {
		d++
	}
	return d
}

func TestDepthMatchesNaiveWalkOnRandomForests(t *testing.T) {
	t.Parallel()
	rng := rand.New(rand.NewSource(7))

	for round := range 50 {
		var nodes []Node
		for i := range 30 {
			n := Node{Workspace: fmt.Sprintf("w%02d", i)}
			// Parents only point backwards, so the set is acyclic.
			if i > 0 && rng.Intn(3) > 0 {
				n.Parent = fmt.Sprintf("w%02d", rng.Intn(i))
			}
			nodes = append(nodes, n)
		}
		info, err := Compute(nodes)
		require.NoError(t, err)
		for _, n := range nodes {
			d, err := Depth(nodes, n.Workspace)
			require.NoError(t, err)
			assert.Equalf(t, naiveDepth(nodes, n.Workspace), d, "round %d %s", round, n.Workspace)
			assert.Equal(t, d, info[n.Workspace].Depth)
		}
	}
}

func TestChildrenAndDependents(t *testing.T) {
	t.Parallel()
	nodes := append(fixture(), Node{Workspace: "b2", Parent: "a"})

	assert.Equal(t, []string{"b", "b2"}, Children(nodes, "a"))
	assert.Empty(t, Children(nodes, "c"))
	assert.ElementsMatch(t, []string{"b", "b2", "c"}, Dependents(nodes, "a"))
	assert.Equal(t, []string{"c"}, Dependents(nodes, "b"))
	assert.Empty(t, Dependents(nodes, "d"))
}

func TestComputeMergeStates(t *testing.T) {
	t.Parallel()
	nodes := fixture()

	info, err := Compute(nodes)
	require.NoError(t, err)
	assert.Equal(t, Ready, info["a"].MergeState, "heads a stack")
	assert.Equal(t, Blocked, info["b"].MergeState)
	assert.Equal(t, Blocked, info["c"].MergeState)
	assert.Equal(t, Independent, info["d"].MergeState)
	assert.Equal(t, []string{"b"}, info["a"].Children)
	assert.Equal(t, "a", info["c"].Root)

	nodes[0].Merged = true
	info, err = Compute(nodes)
	require.NoError(t, err)
	assert.Equal(t, Merged, info["a"].MergeState)
	assert.Equal(t, Ready, info["b"].MergeState, "parent merged")
	assert.Equal(t, Blocked, info["c"].MergeState, "grandparent merge does not unblock")
}

func TestComputeOrphanIsBlocked(t *testing.T) {
	t.Parallel()
	nodes := []Node{{Workspace: "child", Parent: "gone"}}

	info, err := Compute(nodes)
	require.NoError(t, err)
	assert.Equal(t, Blocked, info["child"].MergeState)
	assert.Equal(t, 1, info["child"].Depth)
}

func TestComputeNeverReadyUnderUnmergedParent(t *testing.T) {
	t.Parallel()
	rng := rand.New(rand.NewSource(11))

	for range 50 {
		var nodes []Node
		for i := range 20 {
			n := Node{Workspace: fmt.Sprintf("w%02d", i), Merged: rng.Intn(4) == 0}
			if i > 0 && rng.Intn(2) == 0 {
				n.Parent = fmt.Sprintf("w%02d", rng.Intn(i))
			}
			nodes = append(nodes, n)
		}
		info, err := Compute(nodes)
		require.NoError(t, err)
		byName := index(nodes)
		for _, n := range nodes {
			if n.Parent == "" || n.Merged {
				continue
			}
			state := info[n.Workspace].MergeState
			if !byName[n.Parent].Merged {
				assert.Equal(t, Blocked, state)
			} else {
				assert.Equal(t, Ready, state)
			}
		}
	}
}

func TestValidateParent(t *testing.T) {
	t.Parallel()
	nodes := fixture()

	assert.NoError(t, ValidateParent(nodes, "new", "", 3))
	assert.NoError(t, ValidateParent(nodes, "new", "c", 3))

	var se *Error
	err := ValidateParent(nodes, "new", "missing", 3)
	require.ErrorAs(t, err, &se)
	assert.Equal(t, ParentNotFound, se.Kind)

	err = ValidateParent(nodes, "new", "c", 2)
	require.ErrorAs(t, err, &se)
	assert.Equal(t, DepthExceeded, se.Kind)

	err = ValidateParent(nodes, "a", "c", 0)
	require.ErrorAs(t, err, &se)
	assert.Equal(t, CycleDetected, se.Kind)

	// Moving e (with child f) under c puts f at depth 4.
	err = ValidateParent(nodes, "e", "c", 3)
	require.ErrorAs(t, err, &se)
	assert.Equal(t, DepthExceeded, se.Kind)
	assert.Equal(t, "f", se.Workspace)
}
