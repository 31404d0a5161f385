// Package session implements session persistence, revocation, and the
// per-user session index over the pluggable state store. Session records are
// JSON values under "session:<id>"; revocation markers and the user index
// live beside them so a single store round-trip answers each question.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/maypok86/otter/v2"

	gateway "github.com/wardengate/warden/internal"
	"github.com/wardengate/warden/internal/store"
)

const (
	keyPrefix       = "session:"
	revocationInfix = "revoked:"
	cacheTTL        = 5 * time.Second // short enough to pick up revocations promptly
	cacheMaxLen     = 100_000
)

// Store provides session CRUD and revocation over a state store. A small
// W-TinyLFU cache fronts record reads; revocation markers and the user
// index always hit the backing store.
type Store struct {
	kv    store.Store
	cache *otter.Cache[string, gateway.Session]
}

// NewStore returns a session store backed by kv.
func NewStore(kv store.Store) (*Store, error) {
	c, err := otter.New(&otter.Options[string, gateway.Session]{
		MaximumSize:      cacheMaxLen,
		ExpiryCalculator: otter.ExpiryWriting[string, gateway.Session](cacheTTL),
	})
	if err != nil {
		return nil, fmt.Errorf("create session cache: %w", err)
	}
	return &Store{kv: kv, cache: c}, nil
}

func sessionKey(id string) string    { return keyPrefix + id }
func revocationKey(id string) string { return keyPrefix + revocationInfix + id }

func userSessionsKey(uid string) string {
	return keyPrefix + "user:" + uid + ":sessions"
}

// Create stores a new session with a TTL running to its expiry and adds it
// to the owning user's index.
func (s *Store) Create(ctx context.Context, sess *gateway.Session) error {
	ttl := time.Until(sess.ExpiresAt)
	if ttl <= 0 {
		return fmt.Errorf("session %s already expired", sess.SessionID)
	}

	data, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("marshal session %s: %w", sess.SessionID, err)
	}
	if err := s.kv.Set(ctx, sessionKey(sess.SessionID), string(data), ttl); err != nil {
		return fmt.Errorf("create session %s: %w", sess.SessionID, err)
	}

	userKey := userSessionsKey(sess.UserID)
	if err := s.kv.SAdd(ctx, userKey, sess.SessionID); err != nil {
		return fmt.Errorf("index session %s: %w", sess.SessionID, err)
	}
	if err := s.kv.Expire(ctx, userKey, ttl); err != nil {
		return fmt.Errorf("expire user index %s: %w", sess.UserID, err)
	}
	return nil
}

// Get returns the session by id, or gateway.ErrNotFound. An expired record
// that the backend has not reaped yet is deleted best-effort and reported
// as not found.
func (s *Store) Get(ctx context.Context, id string) (*gateway.Session, error) {
	if cached, ok := s.cache.GetIfPresent(sessionKey(id)); ok {
		if cached.Expired(time.Now()) {
			s.cache.Invalidate(sessionKey(id))
		} else {
			out := cached
			return &out, nil
		}
	}

	raw, err := s.kv.Get(ctx, sessionKey(id))
	if err != nil {
		if errors.Is(err, gateway.ErrNotFound) {
			return nil, gateway.ErrNotFound
		}
		return nil, fmt.Errorf("get session %s: %w", id, err)
	}

	var sess gateway.Session
	if err := json.Unmarshal([]byte(raw), &sess); err != nil {
		return nil, fmt.Errorf("decode session %s: %w", id, err)
	}

	if sess.Expired(time.Now()) {
		if err := s.Delete(ctx, id); err != nil {
			slog.Warn("delete of expired session failed", "session_id", id, "error", err)
		}
		return nil, gateway.ErrNotFound
	}

	s.cache.Set(sessionKey(id), sess)
	out := sess
	return &out, nil
}

// Update rewrites an existing session record, recomputing its TTL from the
// (possibly extended) expiry.
func (s *Store) Update(ctx context.Context, sess *gateway.Session) error {
	exists, err := s.kv.Exists(ctx, sessionKey(sess.SessionID))
	if err != nil {
		return fmt.Errorf("check session %s: %w", sess.SessionID, err)
	}
	if !exists {
		return gateway.ErrNotFound
	}

	ttl := time.Until(sess.ExpiresAt)
	if ttl <= 0 {
		if err := s.Delete(ctx, sess.SessionID); err != nil {
			return err
		}
		return gateway.ErrNotFound
	}

	data, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("marshal session %s: %w", sess.SessionID, err)
	}
	if err := s.kv.Set(ctx, sessionKey(sess.SessionID), string(data), ttl); err != nil {
		return fmt.Errorf("update session %s: %w", sess.SessionID, err)
	}
	s.cache.Invalidate(sessionKey(sess.SessionID))
	return nil
}

// Delete removes the session record, its user-index entry, and any
// revocation marker. Idempotent: deleting an absent session is not an error.
func (s *Store) Delete(ctx context.Context, id string) error {
	var userID string
	if raw, err := s.kv.Get(ctx, sessionKey(id)); err == nil {
		var sess gateway.Session
		if json.Unmarshal([]byte(raw), &sess) == nil {
			userID = sess.UserID
		}
	}

	if err := s.kv.Delete(ctx, sessionKey(id)); err != nil {
		return fmt.Errorf("delete session %s: %w", id, err)
	}
	s.cache.Invalidate(sessionKey(id))

	if userID != "" {
		if err := s.kv.SRem(ctx, userSessionsKey(userID), id); err != nil {
			// The index may lag; readers re-check the session record itself.
			slog.Warn("remove session from user index failed",
				"session_id", id, "user_id", userID, "error", err)
		}
	}
	if err := s.kv.Delete(ctx, revocationKey(id)); err != nil {
		slog.Warn("delete revocation marker failed", "session_id", id, "error", err)
	}
	return nil
}

// Revoke marks the session revoked in its record and writes a revocation
// marker with a TTL running to the session's expiry. Revocation is
// monotonic: the marker outlives any later record update.
func (s *Store) Revoke(ctx context.Context, id string) error {
	sess, err := s.Get(ctx, id)
	if err != nil {
		return err
	}

	sess.Revoked = true
	if err := s.Update(ctx, sess); err != nil && !errors.Is(err, gateway.ErrNotFound) {
		// Marker plus TTL still make the session invalid.
		slog.Warn("update of revoked session failed", "session_id", id, "error", err)
	}

	if ttl := time.Until(sess.ExpiresAt); ttl > 0 {
		if err := s.kv.Set(ctx, revocationKey(id), "1", ttl); err != nil {
			return fmt.Errorf("set revocation marker %s: %w", id, err)
		}
	}
	s.cache.Invalidate(sessionKey(id))
	slog.Info("session revoked", "session_id", id, "user_id", sess.UserID)
	return nil
}

// RevokeAllUserSessions revokes every live session in the user's index and
// returns how many were revoked. Stale index entries are skipped.
func (s *Store) RevokeAllUserSessions(ctx context.Context, userID string) (int, error) {
	ids, err := s.kv.SMembers(ctx, userSessionsKey(userID))
	if err != nil {
		return 0, fmt.Errorf("list sessions for user %s: %w", userID, err)
	}

	count := 0
	for _, id := range ids {
		if err := s.Revoke(ctx, id); err != nil {
			if errors.Is(err, gateway.ErrNotFound) {
				continue
			}
			return count, err
		}
		count++
	}
	return count, nil
}

// IsRevoked consults the revocation index, falling back to the record's own
// flag. The index check always bypasses the read cache so a completed
// Revoke is observed by every subsequent call.
func (s *Store) IsRevoked(ctx context.Context, id string) (bool, error) {
	marked, err := s.kv.Exists(ctx, revocationKey(id))
	if err != nil {
		return false, fmt.Errorf("check revocation %s: %w", id, err)
	}
	if marked {
		return true, nil
	}

	raw, err := s.kv.Get(ctx, sessionKey(id))
	if err != nil {
		if errors.Is(err, gateway.ErrNotFound) {
			return false, nil
		}
		return false, fmt.Errorf("check session %s: %w", id, err)
	}
	var sess gateway.Session
	if err := json.Unmarshal([]byte(raw), &sess); err != nil {
		return false, fmt.Errorf("decode session %s: %w", id, err)
	}
	return sess.Revoked, nil
}

// CleanupExpired reaps expired state where the backend does not do so
// itself (the TTL backends make this a no-op).
func (s *Store) CleanupExpired() int {
	if sw, ok := s.kv.(interface{ Sweep() int }); ok {
		return sw.Sweep()
	}
	return 0
}

// Ping reports backing-store connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.kv.Ping(ctx)
}
