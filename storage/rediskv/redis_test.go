package rediskv

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func setupTestAdapter(t *testing.T) *Adapter {
	t.Helper()

	addr := os.Getenv("TEST_REDIS_ADDR")
	if addr == "" {
		addr = "localhost:6379"
	}

	a, err := New(t.Context(), Config{Addr: addr, KeyPrefix: "pecorino-test"})
	if err != nil {
		t.Skip("redis not available, skipping: " + err.Error())
	}
	t.Cleanup(func() { _ = a.Close() })
	return a
}

func TestRedis_State_EmptyBucket(t *testing.T) {
	a := setupTestAdapter(t)

	s, err := a.State(t.Context(), "k1", 10, 1)
	require.NoError(t, err)
	require.Equal(t, 0.0, s.Level)
	require.False(t, s.AtCapacity)
}

func TestRedis_AddTokens_AccumulatesAndClamps(t *testing.T) {
	a := setupTestAdapter(t)

	s, err := a.AddTokens(t.Context(), "k2", 10, 1, 6)
	require.NoError(t, err)
	require.Equal(t, 6.0, s.Level)

	s, err = a.AddTokens(t.Context(), "k2", 10, 1, 6)
	require.NoError(t, err)
	require.Equal(t, 10.0, s.Level)
	require.True(t, s.AtCapacity)
}

func TestRedis_AddTokensConditionally_RejectsOverflow(t *testing.T) {
	a := setupTestAdapter(t)

	s, err := a.AddTokensConditionally(t.Context(), "k3", 10, 1, 8)
	require.NoError(t, err)
	require.True(t, s.Accepted)

	s, err = a.AddTokensConditionally(t.Context(), "k3", 10, 1, 5)
	require.NoError(t, err)
	require.False(t, s.Accepted)
	require.InDelta(t, 8.0, s.Level, 0.05)
}

func TestRedis_SetBlock_IsMaxNotOverwrite(t *testing.T) {
	a := setupTestAdapter(t)

	long, err := a.SetBlock(t.Context(), "k4", 10*time.Second)
	require.NoError(t, err)

	short, err := a.SetBlock(t.Context(), "k4", time.Second)
	require.NoError(t, err)
	require.WithinDuration(t, long, short, time.Second)
}

func TestRedis_BlockedUntil(t *testing.T) {
	a := setupTestAdapter(t)

	_, blocked, err := a.BlockedUntil(t.Context(), "never-blocked-k5")
	require.NoError(t, err)
	require.False(t, blocked)

	_, err = a.SetBlock(t.Context(), "k5", time.Minute)
	require.NoError(t, err)

	_, blocked, err = a.BlockedUntil(t.Context(), "k5")
	require.NoError(t, err)
	require.True(t, blocked)
}
