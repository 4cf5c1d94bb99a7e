package claim

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanTransitionTable(t *testing.T) {
	t.Parallel()

	legal := map[[2]Kind]bool{
		{KindUnclaimed, KindClaimed}: true,
		{KindClaimed, KindExpired}:   true,
		{KindClaimed, KindUnclaimed}: true,
		{KindExpired, KindUnclaimed}: true,
	}

	for _, from := range Kinds() {
		for _, to := range Kinds() {
			want := legal[[2]Kind{from, to}]
			got := CanTransitionKind(from, to)
			assert.Equalf(t, want, got, "%s -> %s", from, to)
			if from == to {
				assert.Falsef(t, got, "self-loop %s must be illegal", from)
			}
		}
	}
}

func TestNextKindsAgreesWithCanTransition(t *testing.T) {
	t.Parallel()

	for _, from := range Kinds() {
		next := NextKinds(from)
		assert.NotEmpty(t, next, "every claim kind has a way out")
		for _, to := range Kinds() {
			assert.Equalf(t, CanTransitionKind(from, to), contains(next, to), "%s -> %s", from, to)
		}
	}
}

func contains(ks []Kind, k Kind) bool {
	for _, x := range ks {
		if x == k {
			return true
		}
	}
	return false
}

func TestHolder(t *testing.T) {
	t.Parallel()

	now := time.Unix(1_700_000_000, 0)

	agent, ok := Holder(Claimed("agent-1", now, time.Minute))
	assert.True(t, ok)
	assert.Equal(t, "agent-1", agent)

	_, ok = Holder(Unclaimed())
	assert.False(t, ok)

	_, ok = Holder(Expired("agent-1", now))
	assert.False(t, ok, "expired claims have no holder")
}

func TestCheckReturnsTransitionError(t *testing.T) {
	t.Parallel()

	now := time.Unix(1_700_000_000, 0)
	err := Check(Unclaimed(), Expired("agent-1", now))
	require.Error(t, err)

	var te *TransitionError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, KindUnclaimed, te.From)
	assert.Equal(t, KindExpired, te.To)

	assert.NoError(t, Check(Unclaimed(), Claimed("agent-1", now, time.Second)))
}

func TestIsExpiredAt(t *testing.T) {
	t.Parallel()

	now := time.Unix(1_700_000_000, 0)
	s := Claimed("agent-1", now, time.Second)

	assert.False(t, s.IsExpiredAt(now))
	assert.True(t, s.IsExpiredAt(now.Add(time.Second)))
	assert.True(t, s.IsExpiredAt(now.Add(2*time.Second)))
	assert.False(t, Unclaimed().IsExpiredAt(now.Add(time.Hour)))
}

func TestLeaseEndRoundsUp(t *testing.T) {
	t.Parallel()

	whole := time.Unix(1_700_000_000, 0)
	assert.Equal(t, whole.Add(2*time.Second), LeaseEnd(whole, 2*time.Second))

	late := whole.Add(900 * time.Millisecond)
	end := LeaseEnd(late, 2*time.Second)
	assert.Equal(t, whole.Add(3*time.Second), end)
	assert.Equal(t, end.Unix(), end.Truncate(time.Second).Unix())
	assert.False(t, Claimed("agent-1", late, 2*time.Second).IsExpiredAt(late.Add(2*time.Second-time.Nanosecond)))
}

func TestValidate(t *testing.T) {
	t.Parallel()

	now := time.Unix(1_700_000_000, 0)
	assert.NoError(t, Unclaimed().Validate())
	assert.NoError(t, Claimed("a", now, time.Second).Validate())
	assert.Error(t, Claimed("", now, time.Second).Validate())
	assert.Error(t, Claimed("a", now, 0).Validate())
	assert.Error(t, Expired("", now).Validate())
	assert.Error(t, State{Kind: "bogus"}.Validate())
}
