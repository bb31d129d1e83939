// Package kv provides the typed key-value store backing agent persistence.
//
// Two backends implement the same semantics: an in-memory store used for
// tests and local runs, and a SQL-backed store (sqlite3, postgres, mysql)
// for durable deployments. Keys are strictly namespaced per agent; see
// keys.go for the layout.
package kv

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a key or hash field does not exist.
var ErrNotFound = errors.New("kv: key not found")

// ZMember is one member of a sorted set.
type ZMember struct {
	Member string  `json:"member"`
	Score  float64 `json:"score"`
}

// Store is the persistence interface the core uses. TTL of zero means the
// key does not expire. List trim follows redis semantics: negative indices
// count from the tail, so LTrim(key, -500, -1) keeps the last 500 entries.
type Store interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Del(ctx context.Context, keys ...string) (int, error)
	Exists(ctx context.Context, key string) (bool, error)
	Keys(ctx context.Context, prefix string) ([]string, error)
	Expire(ctx context.Context, key string, ttl time.Duration) error

	HSet(ctx context.Context, key, field, value string) error
	HGet(ctx context.Context, key, field string) (string, error)
	HGetAll(ctx context.Context, key string) (map[string]string, error)

	RPush(ctx context.Context, key string, values ...string) (int, error)
	LRange(ctx context.Context, key string, start, stop int) ([]string, error)
	LTrim(ctx context.Context, key string, start, stop int) error
	LLen(ctx context.Context, key string) (int, error)

	SAdd(ctx context.Context, key string, members ...string) (int, error)
	SMembers(ctx context.Context, key string) ([]string, error)
	SCard(ctx context.Context, key string) (int, error)

	ZAdd(ctx context.Context, key, member string, score float64) error
	ZRevRange(ctx context.Context, key string, start, stop int) ([]ZMember, error)

	IncrBy(ctx context.Context, key string, delta int64) (int64, error)
	IncrByFloat(ctx context.Context, key string, delta float64) (float64, error)

	Close() error
}

// clampRange resolves redis-style start/stop indices (negatives count from
// the tail) against a list of length n. ok is false when the range is empty.
func clampRange(start, stop, n int) (int, int, bool) {
	if n == 0 {
		return 0, 0, false
	}
	if start < 0 {
		start += n
	}
	if stop < 0 {
		stop += n
	}
	if start < 0 {
		start = 0
	}
	if stop >= n {
		stop = n - 1
	}
	if start > stop || start >= n {
		return 0, 0, false
	}
	return start, stop, true
}
