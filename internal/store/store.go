// Package store provides the pluggable key/value state store backing the
// session and rate-limit subsystems. Backends are selected by the scheme of
// the configured store URL: redis:// (remote), memory:// (in-process), and
// sqlite:// (durable local).
package store

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/wardengate/warden/internal/store/sqlite"
)

// Store is a key/value store with TTLs, a set type for the per-user session
// index, and the atomic primitives the rate limiter needs.
//
// Get returns gateway.ErrNotFound for absent keys. A missing key is a
// negative answer, not a store failure.
type Store interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	Exists(ctx context.Context, key string) (bool, error)
	Expire(ctx context.Context, key string, ttl time.Duration) error

	SAdd(ctx context.Context, key, member string) error
	SRem(ctx context.Context, key, member string) error
	SMembers(ctx context.Context, key string) ([]string, error)

	RateLimitStore

	Ping(ctx context.Context) error
	Close() error
}

// RateLimitStore holds token-bucket tuples and windowed counters.
// IncrWindow must be atomic per (key, windowStart); the bucket
// read-modify-write is deliberately not serialized across processes.
type RateLimitStore interface {
	// BucketState returns the stored (tokens, lastRefill) tuple for key,
	// with found=false when no bucket exists yet.
	BucketState(ctx context.Context, key string) (tokens, lastRefill float64, found bool, err error)
	// SetBucketState persists the bucket tuple with the given TTL.
	SetBucketState(ctx context.Context, key string, tokens, lastRefill float64, ttl time.Duration) error
	// WindowCount returns the counter for (key, windowStart), zero if absent.
	WindowCount(ctx context.Context, key string, windowStart int64) (int, error)
	// IncrWindow atomically increments the counter for (key, windowStart),
	// sets its TTL, and returns the new count.
	IncrWindow(ctx context.Context, key string, windowStart int64, ttl time.Duration) (int, error)
	// Healthy reports whether the backend is reachable.
	Healthy(ctx context.Context) bool
}

// Open connects the backend named by the URL scheme.
func Open(ctx context.Context, rawURL string) (Store, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse store url: %w", err)
	}
	switch u.Scheme {
	case "redis", "rediss":
		return OpenRedis(ctx, rawURL)
	case "memory":
		return NewMemory(), nil
	case "sqlite":
		path := strings.TrimPrefix(rawURL, "sqlite://")
		return sqlite.New(path)
	default:
		return nil, fmt.Errorf("unsupported store scheme %q", u.Scheme)
	}
}

// Rate-limit key layout shared by all backends.

func bucketKey(key string) string {
	return "ratelimit:" + key + ":bucket"
}

func windowKey(key string, windowStart int64) string {
	return "ratelimit:" + key + ":window:" + strconv.FormatInt(windowStart, 10)
}
