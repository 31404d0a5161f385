// Package testutil provides fixtures shared across the gateway's tests.
package testutil

import (
	"context"
	"time"

	"github.com/google/uuid"

	gateway "github.com/wardengate/warden/internal"
)

// NewSession returns a valid session for user expiring in one hour. Mutate
// the returned value to build edge cases.
func NewSession(userID string, roles ...string) *gateway.Session {
	now := time.Now()
	return &gateway.Session{
		SessionID:      uuid.NewString(),
		UserID:         userID,
		Username:       userID + "@example.test",
		CreatedAt:      now,
		LastAccessedAt: now,
		ExpiresAt:      now.Add(time.Hour),
		Roles:          roles,
		Permissions:    []string{"read"},
		IPAddress:      "203.0.113.7",
	}
}

// BrokenStore fails every operation; it stands in for an unreachable
// backend in fail-mode tests.
type BrokenStore struct {
	Err error
}

func (b *BrokenStore) Get(context.Context, string) (string, error) { return "", b.Err }

func (b *BrokenStore) Set(context.Context, string, string, time.Duration) error { return b.Err }

func (b *BrokenStore) Delete(context.Context, string) error { return b.Err }

func (b *BrokenStore) Exists(context.Context, string) (bool, error) { return false, b.Err }

func (b *BrokenStore) Expire(context.Context, string, time.Duration) error { return b.Err }

func (b *BrokenStore) SAdd(context.Context, string, string) error { return b.Err }

func (b *BrokenStore) SRem(context.Context, string, string) error { return b.Err }

func (b *BrokenStore) SMembers(context.Context, string) ([]string, error) { return nil, b.Err }

func (b *BrokenStore) BucketState(context.Context, string) (float64, float64, bool, error) {
	return 0, 0, false, b.Err
}

func (b *BrokenStore) SetBucketState(context.Context, string, float64, float64, time.Duration) error {
	return b.Err
}

func (b *BrokenStore) WindowCount(context.Context, string, int64) (int, error) { return 0, b.Err }

func (b *BrokenStore) IncrWindow(context.Context, string, int64, time.Duration) (int, error) {
	return 0, b.Err
}

func (b *BrokenStore) Healthy(context.Context) bool { return false }
func (b *BrokenStore) Ping(context.Context) error   { return b.Err }
func (b *BrokenStore) Close() error                 { return nil }
