package pecorino

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cheddarme/pecorino/internal/clock"
	"github.com/cheddarme/pecorino/storage/memory"
)

func TestNewLeakyBucket_RequiresExactlyOneRateSource(t *testing.T) {
	adapter := memory.New()

	_, err := NewLeakyBucket(adapter, "k", 10)
	assert.ErrorIs(t, err, ErrInvalidArgument, "neither WithLeakRate nor WithOverTime should be rejected")

	_, err = NewLeakyBucket(adapter, "k", 10, WithLeakRate(1), WithOverTime(10))
	assert.ErrorIs(t, err, ErrInvalidArgument, "both options together should be rejected")

	b, err := NewLeakyBucket(adapter, "k", 10, WithLeakRate(2))
	require.NoError(t, err)
	assert.Equal(t, 2.0, b.LeakRate())
}

func TestNewLeakyBucket_OverTimeDerivesRate(t *testing.T) {
	adapter := memory.New()
	b, err := NewLeakyBucket(adapter, "k", 20, WithOverTime(10))
	require.NoError(t, err)
	assert.Equal(t, 2.0, b.LeakRate(), "20 capacity drained over 10s is 2/s")
}

func TestNewLeakyBucket_ValidatesConstructionArgs(t *testing.T) {
	adapter := memory.New()

	_, err := NewLeakyBucket(nil, "k", 10, WithLeakRate(1))
	assert.ErrorIs(t, err, ErrInvalidArgument)

	_, err = NewLeakyBucket(adapter, "", 10, WithLeakRate(1))
	assert.ErrorIs(t, err, ErrInvalidArgument)

	_, err = NewLeakyBucket(adapter, "k", 0, WithLeakRate(1))
	assert.ErrorIs(t, err, ErrInvalidArgument)

	_, err = NewLeakyBucket(adapter, "k", 10, WithLeakRate(0))
	assert.ErrorIs(t, err, ErrInvalidArgument)
}

func TestLeakyBucket_FillupAndState(t *testing.T) {
	adapter := memory.NewWithClock(clock.NewFake(time.Now()))
	b, err := NewLeakyBucket(adapter, "k", 10, WithLeakRate(1))
	require.NoError(t, err)

	s, err := b.Fillup(t.Context(), 4)
	require.NoError(t, err)
	assert.Equal(t, 4.0, s.Level)
	assert.False(t, s.Full)

	s, err = b.State(t.Context())
	require.NoError(t, err)
	assert.Equal(t, 4.0, s.Level)
}

func TestLeakyBucket_FillupConditionally(t *testing.T) {
	adapter := memory.NewWithClock(clock.NewFake(time.Now()))
	b, err := NewLeakyBucket(adapter, "k", 10, WithLeakRate(1))
	require.NoError(t, err)

	s, err := b.FillupConditionally(t.Context(), 8)
	require.NoError(t, err)
	assert.True(t, s.Accepted)

	s, err = b.FillupConditionally(t.Context(), 5)
	require.NoError(t, err)
	assert.False(t, s.Accepted, "8+5 > 10 should be rejected")
	assert.Equal(t, 8.0, s.Level, "rejected fillup must not change the persisted level")
}

func TestLeakyBucket_AbleToAccept(t *testing.T) {
	adapter := memory.New()
	b, err := NewLeakyBucket(adapter, "k", 10, WithLeakRate(1))
	require.NoError(t, err)

	ok, err := b.AbleToAccept(t.Context(), 10)
	require.NoError(t, err)
	assert.True(t, ok)

	_, err = b.Fillup(t.Context(), 10)
	require.NoError(t, err)

	ok, err = b.AbleToAccept(t.Context(), 1)
	require.NoError(t, err)
	assert.False(t, ok)
}
