// Package ratelimit evaluates configured rate-limit rules against the state
// store using three algorithms: token bucket, fixed window, and sliding
// window. All state math uses unix-second granularity; windowed state is
// stored with a TTL of twice the window so a stale key can never influence
// a later window.
package ratelimit

import (
	"context"
	"math"
	"time"

	gateway "github.com/wardengate/warden/internal"
	"github.com/wardengate/warden/internal/store"
)

// Limiter runs the per-rule algorithms over a rate-limit store.
type Limiter struct {
	store store.RateLimitStore
}

// NewLimiter returns a limiter over the given store.
func NewLimiter(st store.RateLimitStore) *Limiter {
	return &Limiter{store: st}
}

// Check evaluates one rule for one key at now. Store errors surface to the
// caller; the fail-mode policy lives in the evaluator, not here.
func (l *Limiter) Check(ctx context.Context, rule *gateway.RateLimitRule, key string, now time.Time) (*gateway.RateLimitResult, error) {
	switch rule.Algorithm {
	case gateway.AlgorithmFixedWindow:
		return l.fixedWindow(ctx, rule, key, now)
	case gateway.AlgorithmSlidingWindow:
		return l.slidingWindow(ctx, rule, key, now)
	default:
		return l.tokenBucket(ctx, rule, key, now)
	}
}

// tokenBucket refills lazily at limit/window tokens per second up to the
// burst capacity. A denied request does not persist the refill; the next
// attempt recomputes from the same stored state.
func (l *Limiter) tokenBucket(ctx context.Context, rule *gateway.RateLimitRule, key string, now time.Time) (*gateway.RateLimitResult, error) {
	burst := rule.Burst
	if burst <= 0 {
		burst = rule.Limit
	}
	rate := float64(rule.Limit) / float64(rule.Window)
	nowUnix := float64(now.Unix())

	tokens, lastRefill, found, err := l.store.BucketState(ctx, key)
	if err != nil {
		return nil, err
	}
	if !found {
		tokens = float64(burst)
		lastRefill = nowUnix
	} else {
		tokens = math.Min(float64(burst), tokens+(nowUnix-lastRefill)*rate)
	}

	resetAt := now.Unix() + int64(rule.Window)
	if tokens >= 1 {
		tokens--
		ttl := time.Duration(2*rule.Window) * time.Second
		if err := l.store.SetBucketState(ctx, key, tokens, nowUnix, ttl); err != nil {
			return nil, err
		}
		return &gateway.RateLimitResult{
			Allowed:   true,
			Remaining: int(tokens),
			Limit:     rule.Limit,
			ResetAt:   resetAt,
		}, nil
	}

	retryAfter := int(math.Ceil((1-tokens)/rate)) + 1
	return &gateway.RateLimitResult{
		Allowed:    false,
		Remaining:  0,
		Limit:      rule.Limit,
		ResetAt:    resetAt,
		RetryAfter: retryAfter,
	}, nil
}

// fixedWindow counts requests in aligned windows of rule.Window seconds.
// The counter is incremented only for allowed requests, so a denied burst
// cannot extend its own denial.
func (l *Limiter) fixedWindow(ctx context.Context, rule *gateway.RateLimitRule, key string, now time.Time) (*gateway.RateLimitResult, error) {
	window := int64(rule.Window)
	windowStart := now.Unix() / window * window
	resetAt := windowStart + window

	count, err := l.store.WindowCount(ctx, key, windowStart)
	if err != nil {
		return nil, err
	}
	if count >= rule.Limit {
		return &gateway.RateLimitResult{
			Allowed:    false,
			Remaining:  0,
			Limit:      rule.Limit,
			ResetAt:    resetAt,
			RetryAfter: int(resetAt - now.Unix()),
		}, nil
	}

	ttl := time.Duration(2*rule.Window) * time.Second
	newCount, err := l.store.IncrWindow(ctx, key, windowStart, ttl)
	if err != nil {
		return nil, err
	}
	remaining := rule.Limit - newCount
	if remaining < 0 {
		remaining = 0
	}
	return &gateway.RateLimitResult{
		Allowed:   true,
		Remaining: remaining,
		Limit:     rule.Limit,
		ResetAt:   resetAt,
	}, nil
}

// slidingWindow weights the previous window's count by the unelapsed
// fraction of the current window, smoothing the boundary burst the fixed
// algorithm permits.
func (l *Limiter) slidingWindow(ctx context.Context, rule *gateway.RateLimitRule, key string, now time.Time) (*gateway.RateLimitResult, error) {
	window := int64(rule.Window)
	windowStart := now.Unix() / window * window
	prevStart := windowStart - window
	resetAt := windowStart + window
	progress := float64(now.Unix()-windowStart) / float64(window)

	current, err := l.store.WindowCount(ctx, key, windowStart)
	if err != nil {
		return nil, err
	}
	previous, err := l.store.WindowCount(ctx, key, prevStart)
	if err != nil {
		return nil, err
	}

	weighted := float64(previous)*(1-progress) + float64(current)
	if weighted >= float64(rule.Limit) {
		return &gateway.RateLimitResult{
			Allowed:    false,
			Remaining:  0,
			Limit:      rule.Limit,
			ResetAt:    resetAt,
			RetryAfter: int(resetAt - now.Unix()),
		}, nil
	}

	ttl := time.Duration(2*rule.Window) * time.Second
	newCount, err := l.store.IncrWindow(ctx, key, windowStart, ttl)
	if err != nil {
		return nil, err
	}
	weighted = float64(previous)*(1-progress) + float64(newCount)
	remaining := int(math.Floor(float64(rule.Limit) - weighted))
	if remaining < 0 {
		remaining = 0
	}
	return &gateway.RateLimitResult{
		Allowed:   true,
		Remaining: remaining,
		Limit:     rule.Limit,
		ResetAt:   resetAt,
	}, nil
}
