package sqlite

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestAdapter(t *testing.T) *Adapter {
	t.Helper()
	a, err := New(t.Context(), Config{Path: "file::memory:?cache=shared"})
	require.NoError(t, err)
	t.Cleanup(func() { a.Close() })
	return a
}

func TestSQLite_State_EmptyBucket(t *testing.T) {
	a := newTestAdapter(t)
	s, err := a.State(t.Context(), "k", 10, 1)
	require.NoError(t, err)
	assert.Equal(t, 0.0, s.Level)
	assert.False(t, s.AtCapacity)
}

func TestSQLite_AddTokens_AccumulatesAndClamps(t *testing.T) {
	a := newTestAdapter(t)

	s, err := a.AddTokens(t.Context(), "k", 10, 1, 6)
	require.NoError(t, err)
	assert.Equal(t, 6.0, s.Level)

	s, err = a.AddTokens(t.Context(), "k", 10, 1, 6)
	require.NoError(t, err)
	assert.Equal(t, 10.0, s.Level)
	assert.True(t, s.AtCapacity)
}

func TestSQLite_AddTokens_ClampsLeakBeforeAddingFillup(t *testing.T) {
	a := newTestAdapter(t)

	// A high leak rate over a short real sleep drives the raw leaked level
	// (level - elapsed*rate) deeply negative, the same way a long idle
	// period would at a realistic rate. The pre-fillup level must clamp to
	// 0 before n is added, not collapse the leak-clamp and the fillup-clamp
	// into one expression (which would read -45+3 as still <=0 and drop
	// the fillup entirely).
	_, err := a.AddTokens(t.Context(), "k", 10, 1000, 5)
	require.NoError(t, err)

	time.Sleep(50 * time.Millisecond)

	s, err := a.AddTokens(t.Context(), "k", 10, 1000, 3)
	require.NoError(t, err)
	assert.Equal(t, 3.0, s.Level, "leaked level must clamp to 0 before the +3 fillup is applied")
}

func TestSQLite_AddTokensConditionally_RejectsOverflow(t *testing.T) {
	a := newTestAdapter(t)

	s, err := a.AddTokensConditionally(t.Context(), "k", 10, 1, 8)
	require.NoError(t, err)
	assert.True(t, s.Accepted)
	assert.Equal(t, 8.0, s.Level)

	s, err = a.AddTokensConditionally(t.Context(), "k", 10, 1, 5)
	require.NoError(t, err)
	assert.False(t, s.Accepted, "8+5 > 10 should be rejected")
	assert.InDelta(t, 8.0, s.Level, 0.01, "rejected fillup still persists the leaked level")
}

func TestSQLite_SetBlock_IsMaxNotOverwrite(t *testing.T) {
	a := newTestAdapter(t)

	long, err := a.SetBlock(t.Context(), "k", 10*time.Second)
	require.NoError(t, err)

	short, err := a.SetBlock(t.Context(), "k", time.Second)
	require.NoError(t, err)
	assert.WithinDuration(t, long, short, time.Millisecond)
}

func TestSQLite_SetBlock_InvalidDuration(t *testing.T) {
	a := newTestAdapter(t)
	_, err := a.SetBlock(t.Context(), "k", 0)
	assert.Error(t, err)
}

func TestSQLite_BlockedUntil(t *testing.T) {
	a := newTestAdapter(t)

	_, blocked, err := a.BlockedUntil(t.Context(), "never-blocked")
	require.NoError(t, err)
	assert.False(t, blocked)

	_, err = a.SetBlock(t.Context(), "k", time.Minute)
	require.NoError(t, err)

	_, blocked, err = a.BlockedUntil(t.Context(), "k")
	require.NoError(t, err)
	assert.True(t, blocked)
}

func TestSQLite_Prune_RemovesExpiredRows(t *testing.T) {
	a := newTestAdapter(t)

	_, err := a.SetBlock(t.Context(), "k", time.Nanosecond)
	require.NoError(t, err)
	time.Sleep(5 * time.Millisecond)

	require.NoError(t, a.Prune(t.Context()))

	_, blocked, err := a.BlockedUntil(t.Context(), "k")
	require.NoError(t, err)
	assert.False(t, blocked)
}

func TestSQLite_CreateTables_IsIdempotent(t *testing.T) {
	a := newTestAdapter(t)
	require.NoError(t, a.CreateTables(t.Context()))
}
