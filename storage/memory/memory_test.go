package memory

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cheddarme/pecorino/internal/clock"
)

func TestState_EmptyBucket(t *testing.T) {
	a := New()
	s, err := a.State(t.Context(), "k", 10, 1)
	require.NoError(t, err)
	assert.Equal(t, 0.0, s.Level)
	assert.False(t, s.AtCapacity)
}

func TestAddTokens_AccumulatesAndClamps(t *testing.T) {
	a := New()
	s, err := a.AddTokens(t.Context(), "k", 10, 1, 6)
	require.NoError(t, err)
	assert.Equal(t, 6.0, s.Level)

	s, err = a.AddTokens(t.Context(), "k", 10, 1, 6)
	require.NoError(t, err)
	assert.Equal(t, 10.0, s.Level, "fillup must clamp at capacity")
	assert.True(t, s.AtCapacity)
}

func TestAddTokens_LeaksBetweenCalls(t *testing.T) {
	fake := clock.NewFake(time.Now())
	a := NewWithClock(fake)

	_, err := a.AddTokens(t.Context(), "k", 10, 2, 10)
	require.NoError(t, err)

	fake.Advance(3 * time.Second)
	s, err := a.State(t.Context(), "k", 10, 2)
	require.NoError(t, err)
	assert.InDelta(t, 4.0, s.Level, 0.0001, "10 - 3s*2/s = 4")
}

func TestAddTokensConditionally_RejectsOverflowAndPersistsLeak(t *testing.T) {
	fake := clock.NewFake(time.Now())
	a := NewWithClock(fake)

	s, err := a.AddTokensConditionally(t.Context(), "k", 10, 1, 8)
	require.NoError(t, err)
	assert.True(t, s.Accepted)
	assert.Equal(t, 8.0, s.Level)

	fake.Advance(2 * time.Second)
	s, err = a.AddTokensConditionally(t.Context(), "k", 10, 1, 5)
	require.NoError(t, err)
	assert.False(t, s.Accepted, "6 (leaked) + 5 > 10 must be rejected")
	assert.InDelta(t, 6.0, s.Level, 0.0001, "rejected fillup still persists the leaked level")
}

func TestAddTokensConditionally_AcceptsAtExactCapacity(t *testing.T) {
	a := New()
	s, err := a.AddTokensConditionally(t.Context(), "k", 10, 1, 10)
	require.NoError(t, err)
	assert.True(t, s.Accepted)
	assert.True(t, s.AtCapacity)
}

func TestSetBlock_InvalidDuration(t *testing.T) {
	a := New()
	_, err := a.SetBlock(t.Context(), "k", 0)
	assert.Error(t, err)
}

func TestSetBlock_IsMaxNotOverwrite(t *testing.T) {
	fake := clock.NewFake(time.Now())
	a := NewWithClock(fake)

	long, err := a.SetBlock(t.Context(), "k", 10*time.Second)
	require.NoError(t, err)

	short, err := a.SetBlock(t.Context(), "k", 2*time.Second)
	require.NoError(t, err)
	assert.Equal(t, long, short, "a shorter SetBlock must not shrink an existing block")
}

func TestBlockedUntil_ExpiresOnItsOwn(t *testing.T) {
	fake := clock.NewFake(time.Now())
	a := NewWithClock(fake)

	_, err := a.SetBlock(t.Context(), "k", 5*time.Second)
	require.NoError(t, err)

	_, blocked, err := a.BlockedUntil(t.Context(), "k")
	require.NoError(t, err)
	assert.True(t, blocked)

	fake.Advance(6 * time.Second)
	_, blocked, err = a.BlockedUntil(t.Context(), "k")
	require.NoError(t, err)
	assert.False(t, blocked)
}

func TestPrune_RemovesExpiredBlocksAndStaleBuckets(t *testing.T) {
	fake := clock.NewFake(time.Now())
	a := NewWithClock(fake)

	_, err := a.SetBlock(t.Context(), "blocked-key", time.Second)
	require.NoError(t, err)
	_, err = a.AddTokens(t.Context(), "bucket-key", 10, 1, 5)
	require.NoError(t, err)

	fake.Advance(30 * time.Second)
	require.NoError(t, a.Prune(t.Context()))

	_, blocked, err := a.BlockedUntil(t.Context(), "blocked-key")
	require.NoError(t, err)
	assert.False(t, blocked)

	s, err := a.State(t.Context(), "bucket-key", 10, 1)
	require.NoError(t, err)
	assert.Equal(t, 0.0, s.Level, "pruned bucket should read back as empty/fresh")
}

func TestAdapter_ConcurrentAccessIsSerializedPerKey(t *testing.T) {
	a := New()
	const n = 200

	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			_, err := a.AddTokens(t.Context(), "shared", 1000, 1, 1)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	s, err := a.State(t.Context(), "shared", 1000, 1)
	require.NoError(t, err)
	assert.InDelta(t, float64(n), s.Level, 1.0, "n concurrent +1 fillups with negligible leak should sum to ~n")
}
