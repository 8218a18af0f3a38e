package kv

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLPushOrdersNewestFirst(t *testing.T) {
	m := NewMemory(nil)
	ctx := context.Background()

	require.NoError(t, m.LPush(ctx, "ring", "a"))
	require.NoError(t, m.LPush(ctx, "ring", "b"))
	require.NoError(t, m.LPush(ctx, "ring", "c"))

	got, err := m.LRange(ctx, "ring", 0, -1)
	require.NoError(t, err)
	assert.Equal(t, []string{"c", "b", "a"}, got)
}

func TestLRangeBounds(t *testing.T) {
	m := NewMemory(nil)
	ctx := context.Background()
	require.NoError(t, m.LPush(ctx, "ring", "a", "b", "c", "d"))

	got, err := m.LRange(ctx, "ring", 0, 1)
	require.NoError(t, err)
	assert.Equal(t, []string{"d", "c"}, got)

	got, err = m.LRange(ctx, "ring", 2, 100)
	require.NoError(t, err)
	assert.Equal(t, []string{"b", "a"}, got)

	got, err = m.LRange(ctx, "missing", 0, -1)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestLTrimCapsList(t *testing.T) {
	m := NewMemory(nil)
	ctx := context.Background()
	for _, v := range []string{"a", "b", "c", "d", "e"} {
		require.NoError(t, m.LPush(ctx, "ring", v))
	}

	require.NoError(t, m.LTrim(ctx, "ring", 0, 2))

	got, err := m.LRange(ctx, "ring", 0, -1)
	require.NoError(t, err)
	assert.Equal(t, []string{"e", "d", "c"}, got)
}

func TestExpireEvictsLazily(t *testing.T) {
	now := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)
	m := NewMemory(func() time.Time { return now })
	ctx := context.Background()

	require.NoError(t, m.LPush(ctx, "ring", "a"))
	require.NoError(t, m.Expire(ctx, "ring", time.Hour))

	got, err := m.LRange(ctx, "ring", 0, -1)
	require.NoError(t, err)
	assert.Len(t, got, 1)

	now = now.Add(2 * time.Hour)
	got, err = m.LRange(ctx, "ring", 0, -1)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestSetNXHoldsUntilExpiry(t *testing.T) {
	now := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)
	m := NewMemory(func() time.Time { return now })
	ctx := context.Background()

	ok, err := m.SetNX(ctx, "lock", "w1", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = m.SetNX(ctx, "lock", "w2", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	now = now.Add(2 * time.Minute)
	ok, err = m.SetNX(ctx, "lock", "w2", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok, "expired lock is free again")
}

func TestDelReleasesLock(t *testing.T) {
	m := NewMemory(nil)
	ctx := context.Background()

	ok, err := m.SetNX(ctx, "lock", "w1", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, m.Del(ctx, "lock"))

	ok, err = m.SetNX(ctx, "lock", "w2", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}
