package kv

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newClockStore() (*MemoryStore, *time.Time) {
	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	store := NewMemoryStore(WithClock(func() time.Time { return now }))
	return store, &now
}

func TestMemoryGetSetDel(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	_, err := s.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.Set(ctx, "k", "v", 0))
	v, err := s.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "v", v)

	exists, err := s.Exists(ctx, "k")
	require.NoError(t, err)
	assert.True(t, exists)

	n, err := s.Del(ctx, "k", "missing")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = s.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryTTLExpiry(t *testing.T) {
	s, now := newClockStore()
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, "k", "v", time.Minute))
	_, err := s.Get(ctx, "k")
	require.NoError(t, err)

	*now = now.Add(2 * time.Minute)
	_, err = s.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrNotFound)

	exists, err := s.Exists(ctx, "k")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestMemoryExpire(t *testing.T) {
	s, now := newClockStore()
	ctx := context.Background()

	assert.ErrorIs(t, s.Expire(ctx, "missing", time.Minute), ErrNotFound)

	require.NoError(t, s.Set(ctx, "k", "v", 0))
	require.NoError(t, s.Expire(ctx, "k", time.Minute))
	*now = now.Add(2 * time.Minute)
	_, err := s.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryKeysPrefix(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, "agent:red:state", "1", 0))
	require.NoError(t, s.Set(ctx, "agent:red:heartbeat", "2", 0))
	require.NoError(t, s.Set(ctx, "agent:blue:state", "3", 0))

	keys, err := s.Keys(ctx, "agent:red:")
	require.NoError(t, err)
	assert.Equal(t, []string{"agent:red:heartbeat", "agent:red:state"}, keys)
}

func TestMemoryHashOps(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	_, err := s.HGet(ctx, "h", "f")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.HSet(ctx, "h", "f", "1"))
	require.NoError(t, s.HSet(ctx, "h", "g", "2"))

	v, err := s.HGet(ctx, "h", "f")
	require.NoError(t, err)
	assert.Equal(t, "1", v)

	all, err := s.HGetAll(ctx, "h")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"f": "1", "g": "2"}, all)
}

func TestMemoryListOps(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	n, err := s.RPush(ctx, "l", "a", "b", "c", "d")
	require.NoError(t, err)
	assert.Equal(t, 4, n)

	items, err := s.LRange(ctx, "l", 0, -1)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c", "d"}, items)

	items, err = s.LRange(ctx, "l", -2, -1)
	require.NoError(t, err)
	assert.Equal(t, []string{"c", "d"}, items)

	// Keep the last two entries, redis-style.
	require.NoError(t, s.LTrim(ctx, "l", -2, -1))
	length, err := s.LLen(ctx, "l")
	require.NoError(t, err)
	assert.Equal(t, 2, length)

	items, err = s.LRange(ctx, "l", 0, -1)
	require.NoError(t, err)
	assert.Equal(t, []string{"c", "d"}, items)
}

func TestMemorySetOps(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	added, err := s.SAdd(ctx, "s", "a", "b", "a")
	require.NoError(t, err)
	assert.Equal(t, 2, added)

	added, err = s.SAdd(ctx, "s", "b")
	require.NoError(t, err)
	assert.Equal(t, 0, added)

	members, err := s.SMembers(ctx, "s")
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, members)

	card, err := s.SCard(ctx, "s")
	require.NoError(t, err)
	assert.Equal(t, 2, card)
}

func TestMemorySortedSetOps(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, s.ZAdd(ctx, "z", "red", 3))
	require.NoError(t, s.ZAdd(ctx, "z", "blue", 8))
	require.NoError(t, s.ZAdd(ctx, "z", "green", 5))
	// Re-adding a member replaces its score.
	require.NoError(t, s.ZAdd(ctx, "z", "red", 10))

	top, err := s.ZRevRange(ctx, "z", 0, -1)
	require.NoError(t, err)
	require.Len(t, top, 3)
	assert.Equal(t, ZMember{Member: "red", Score: 10}, top[0])
	assert.Equal(t, ZMember{Member: "blue", Score: 8}, top[1])
	assert.Equal(t, ZMember{Member: "green", Score: 5}, top[2])

	top, err = s.ZRevRange(ctx, "z", 0, 0)
	require.NoError(t, err)
	require.Len(t, top, 1)
	assert.Equal(t, "red", top[0].Member)
}

func TestMemoryCounters(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	n, err := s.IncrBy(ctx, "count", 3)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	n, err = s.IncrBy(ctx, "count", -1)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	f, err := s.IncrByFloat(ctx, "cost", 0.25)
	require.NoError(t, err)
	assert.Equal(t, 0.25, f)

	f, err = s.IncrByFloat(ctx, "cost", 0.5)
	require.NoError(t, err)
	assert.Equal(t, 0.75, f)

	require.NoError(t, s.Set(ctx, "text", "abc", 0))
	_, err = s.IncrBy(ctx, "text", 1)
	assert.Error(t, err)
}

func TestClampRange(t *testing.T) {
	lo, hi, ok := clampRange(0, -1, 4)
	assert.True(t, ok)
	assert.Equal(t, 0, lo)
	assert.Equal(t, 3, hi)

	lo, hi, ok = clampRange(-2, -1, 4)
	assert.True(t, ok)
	assert.Equal(t, 2, lo)
	assert.Equal(t, 3, hi)

	// Start beyond tail is empty.
	_, _, ok = clampRange(10, 20, 4)
	assert.False(t, ok)

	_, _, ok = clampRange(0, -1, 0)
	assert.False(t, ok)
}

func TestAgentKeyLayout(t *testing.T) {
	assert.Equal(t, "agent:red:state", AgentKey("red", SuffixState))
	assert.Equal(t, "agent:red:", AgentPrefix("red"))
}
