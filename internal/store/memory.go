package store

import (
	"context"
	"sync"
	"time"

	gateway "github.com/wardengate/warden/internal"
)

// Memory is an in-process store for tests and single-node development.
// A single mutex guards every map, which also makes the window increment
// atomic -- the fixed- and sliding-window invariants hold even in-process.
type Memory struct {
	mu      sync.Mutex
	items   map[string]memItem
	sets    map[string]memSet
	buckets map[string]memBucket
	windows map[string]memWindow
}

type memItem struct {
	value     string
	expiresAt time.Time // zero = no expiry
}

type memSet struct {
	members   map[string]struct{}
	expiresAt time.Time
}

type memBucket struct {
	tokens     float64
	lastRefill float64
	expiresAt  time.Time
}

type memWindow struct {
	count     int
	expiresAt time.Time
}

// NewMemory returns an empty in-process store.
func NewMemory() *Memory {
	return &Memory{
		items:   make(map[string]memItem),
		sets:    make(map[string]memSet),
		buckets: make(map[string]memBucket),
		windows: make(map[string]memWindow),
	}
}

func expired(at time.Time, now time.Time) bool {
	return !at.IsZero() && !now.Before(at)
}

func (m *Memory) Get(_ context.Context, key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	it, ok := m.items[key]
	if !ok || expired(it.expiresAt, time.Now()) {
		delete(m.items, key)
		return "", gateway.ErrNotFound
	}
	return it.value, nil
}

func (m *Memory) Set(_ context.Context, key, value string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	var at time.Time
	if ttl > 0 {
		at = time.Now().Add(ttl)
	}
	m.items[key] = memItem{value: value, expiresAt: at}
	return nil
}

func (m *Memory) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.items, key)
	return nil
}

func (m *Memory) Exists(_ context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	it, ok := m.items[key]
	if !ok {
		return false, nil
	}
	if expired(it.expiresAt, time.Now()) {
		delete(m.items, key)
		return false, nil
	}
	return true, nil
}

func (m *Memory) Expire(_ context.Context, key string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if it, ok := m.items[key]; ok {
		it.expiresAt = time.Now().Add(ttl)
		m.items[key] = it
	}
	if s, ok := m.sets[key]; ok {
		s.expiresAt = time.Now().Add(ttl)
		m.sets[key] = s
	}
	return nil
}

func (m *Memory) SAdd(_ context.Context, key, member string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sets[key]
	if !ok || expired(s.expiresAt, time.Now()) {
		s = memSet{members: make(map[string]struct{})}
	}
	s.members[member] = struct{}{}
	m.sets[key] = s
	return nil
}

func (m *Memory) SRem(_ context.Context, key, member string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sets[key]; ok {
		delete(s.members, member)
	}
	return nil
}

func (m *Memory) SMembers(_ context.Context, key string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sets[key]
	if !ok || expired(s.expiresAt, time.Now()) {
		delete(m.sets, key)
		return nil, nil
	}
	members := make([]string, 0, len(s.members))
	for member := range s.members {
		members = append(members, member)
	}
	return members, nil
}

func (m *Memory) BucketState(_ context.Context, key string) (float64, float64, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.buckets[bucketKey(key)]
	if !ok || expired(b.expiresAt, time.Now()) {
		delete(m.buckets, bucketKey(key))
		return 0, 0, false, nil
	}
	return b.tokens, b.lastRefill, true, nil
}

func (m *Memory) SetBucketState(_ context.Context, key string, tokens, lastRefill float64, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.buckets[bucketKey(key)] = memBucket{
		tokens:     tokens,
		lastRefill: lastRefill,
		expiresAt:  time.Now().Add(ttl),
	}
	return nil
}

func (m *Memory) WindowCount(_ context.Context, key string, windowStart int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.windows[windowKey(key, windowStart)]
	if !ok || expired(w.expiresAt, time.Now()) {
		delete(m.windows, windowKey(key, windowStart))
		return 0, nil
	}
	return w.count, nil
}

func (m *Memory) IncrWindow(_ context.Context, key string, windowStart int64, ttl time.Duration) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := windowKey(key, windowStart)
	w, ok := m.windows[k]
	if !ok || expired(w.expiresAt, time.Now()) {
		w = memWindow{}
	}
	w.count++
	w.expiresAt = time.Now().Add(ttl)
	m.windows[k] = w
	return w.count, nil
}

func (m *Memory) Healthy(context.Context) bool { return true }

func (m *Memory) Ping(context.Context) error { return nil }

// Sweep drops expired entries. The cmd layer runs it periodically so a
// long-lived development process does not accumulate dead keys.
func (m *Memory) Sweep() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	removed := 0
	for k, it := range m.items {
		if expired(it.expiresAt, now) {
			delete(m.items, k)
			removed++
		}
	}
	for k, s := range m.sets {
		if expired(s.expiresAt, now) {
			delete(m.sets, k)
			removed++
		}
	}
	for k, b := range m.buckets {
		if expired(b.expiresAt, now) {
			delete(m.buckets, k)
			removed++
		}
	}
	for k, w := range m.windows {
		if expired(w.expiresAt, now) {
			delete(m.windows, k)
			removed++
		}
	}
	return removed
}

func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	clear(m.items)
	clear(m.sets)
	clear(m.buckets)
	clear(m.windows)
	return nil
}
