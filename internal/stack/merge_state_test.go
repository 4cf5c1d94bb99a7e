package stack

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMergeStateRoundTrip(t *testing.T) {
	t.Parallel()
	for _, m := range MergeStates() {
		got, err := ParseMergeState(m.String())
		require.NoError(t, err)
		assert.Equal(t, m, got)
	}
}

func TestParseMergeStateIsExact(t *testing.T) {
	t.Parallel()
	for _, s := range []string{"Ready", "READY", " ready", "ready ", "", "done"} {
		_, err := ParseMergeState(s)
		assert.Errorf(t, err, "%q", s)
	}
}

func TestMergeStatePredicates(t *testing.T) {
	t.Parallel()
	for _, m := range MergeStates() {
		assert.Equal(t, m == Merged, m.IsTerminal(), m)
		assert.Equal(t, m == Blocked, m.IsBlocked(), m)
	}
}
