package session

import (
	"context"
	"errors"
	"testing"
	"time"

	gateway "github.com/wardengate/warden/internal"
	"github.com/wardengate/warden/internal/store"
	"github.com/wardengate/warden/internal/testutil"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(store.NewMemory())
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func TestStore_CreateGet(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()
	sess := testutil.NewSession("u1", "admin")

	if err := s.Create(ctx, sess); err != nil {
		t.Fatal(err)
	}

	got, err := s.Get(ctx, sess.SessionID)
	if err != nil {
		t.Fatal(err)
	}
	if got.UserID != "u1" || got.SessionID != sess.SessionID {
		t.Errorf("got %+v, want identity of created session", got)
	}

	if _, err := s.Get(ctx, "no-such-id"); !errors.Is(err, gateway.ErrNotFound) {
		t.Errorf("Get unknown = %v, want ErrNotFound", err)
	}
}

func TestStore_CreateExpiredRejected(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	sess := testutil.NewSession("u1")
	sess.ExpiresAt = time.Now().Add(-time.Second)

	if err := s.Create(context.Background(), sess); err == nil {
		t.Fatal("creating an already-expired session should fail")
	}
}

func TestStore_ExpiredSessionNotFound(t *testing.T) {
	t.Parallel()
	kv := store.NewMemory()
	s, err := NewStore(kv)
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	sess := testutil.NewSession("u1")
	sess.ExpiresAt = time.Now().Add(50 * time.Millisecond)
	if err := s.Create(ctx, sess); err != nil {
		t.Fatal(err)
	}

	time.Sleep(60 * time.Millisecond)

	if _, err := s.Get(ctx, sess.SessionID); !errors.Is(err, gateway.ErrNotFound) {
		t.Errorf("Get expired = %v, want ErrNotFound", err)
	}
}

func TestStore_RevokeIsMonotonic(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()
	sess := testutil.NewSession("u1")

	if err := s.Create(ctx, sess); err != nil {
		t.Fatal(err)
	}
	if err := s.Revoke(ctx, sess.SessionID); err != nil {
		t.Fatal(err)
	}

	revoked, err := s.IsRevoked(ctx, sess.SessionID)
	if err != nil || !revoked {
		t.Fatalf("IsRevoked = (%v, %v), want (true, nil)", revoked, err)
	}

	// A later record rewrite cannot clear the marker.
	fresh := *sess
	fresh.Revoked = false
	fresh.ExpiresAt = time.Now().Add(time.Hour)
	if err := s.Update(ctx, &fresh); err != nil {
		t.Fatal(err)
	}
	revoked, err = s.IsRevoked(ctx, sess.SessionID)
	if err != nil || !revoked {
		t.Errorf("IsRevoked after rewrite = (%v, %v), want (true, nil)", revoked, err)
	}
}

func TestStore_RevokeUnknownSession(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	if err := s.Revoke(context.Background(), "ghost"); !errors.Is(err, gateway.ErrNotFound) {
		t.Errorf("Revoke unknown = %v, want ErrNotFound", err)
	}
}

func TestStore_DeleteIdempotent(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()
	sess := testutil.NewSession("u1")

	if err := s.Create(ctx, sess); err != nil {
		t.Fatal(err)
	}
	if err := s.Delete(ctx, sess.SessionID); err != nil {
		t.Fatal(err)
	}
	if err := s.Delete(ctx, sess.SessionID); err != nil {
		t.Errorf("second delete = %v, want nil", err)
	}
	if _, err := s.Get(ctx, sess.SessionID); !errors.Is(err, gateway.ErrNotFound) {
		t.Errorf("Get after delete = %v, want ErrNotFound", err)
	}
}

func TestStore_RevokeAllUserSessions(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	var ids []string
	for range 3 {
		sess := testutil.NewSession("u9")
		if err := s.Create(ctx, sess); err != nil {
			t.Fatal(err)
		}
		ids = append(ids, sess.SessionID)
	}
	other := testutil.NewSession("u10")
	if err := s.Create(ctx, other); err != nil {
		t.Fatal(err)
	}

	n, err := s.RevokeAllUserSessions(ctx, "u9")
	if err != nil {
		t.Fatal(err)
	}
	if n != 3 {
		t.Errorf("revoked %d sessions, want 3", n)
	}
	for _, id := range ids {
		if revoked, _ := s.IsRevoked(ctx, id); !revoked {
			t.Errorf("session %s not revoked", id)
		}
	}
	if revoked, _ := s.IsRevoked(ctx, other.SessionID); revoked {
		t.Error("other user's session must stay valid")
	}
}

func TestStore_UpdateExtendsExpiry(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()
	sess := testutil.NewSession("u1")

	if err := s.Create(ctx, sess); err != nil {
		t.Fatal(err)
	}

	extended := *sess
	extended.ExpiresAt = time.Now().Add(2 * time.Hour)
	if err := s.Update(ctx, &extended); err != nil {
		t.Fatal(err)
	}

	got, err := s.Get(ctx, sess.SessionID)
	if err != nil {
		t.Fatal(err)
	}
	if !got.ExpiresAt.After(sess.ExpiresAt) {
		t.Errorf("expiry not extended: %v <= %v", got.ExpiresAt, sess.ExpiresAt)
	}
}

func TestStore_UpdateUnknownSession(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	sess := testutil.NewSession("u1")
	if err := s.Update(context.Background(), sess); !errors.Is(err, gateway.ErrNotFound) {
		t.Errorf("Update unknown = %v, want ErrNotFound", err)
	}
}
