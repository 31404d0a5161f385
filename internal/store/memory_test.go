package store

import (
	"context"
	"errors"
	"sort"
	"testing"
	"time"

	gateway "github.com/wardengate/warden/internal"
)

func TestMemory_GetSetDelete(t *testing.T) {
	t.Parallel()
	m := NewMemory()
	ctx := context.Background()

	if _, err := m.Get(ctx, "missing"); !errors.Is(err, gateway.ErrNotFound) {
		t.Errorf("Get missing = %v, want ErrNotFound", err)
	}

	if err := m.Set(ctx, "k", "v", 0); err != nil {
		t.Fatal(err)
	}
	got, err := m.Get(ctx, "k")
	if err != nil || got != "v" {
		t.Errorf("Get = (%q, %v), want (v, nil)", got, err)
	}

	if err := m.Delete(ctx, "k"); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Get(ctx, "k"); !errors.Is(err, gateway.ErrNotFound) {
		t.Errorf("Get after delete = %v, want ErrNotFound", err)
	}
}

func TestMemory_TTLExpiry(t *testing.T) {
	t.Parallel()
	m := NewMemory()
	ctx := context.Background()

	if err := m.Set(ctx, "k", "v", time.Millisecond); err != nil {
		t.Fatal(err)
	}
	time.Sleep(10 * time.Millisecond)

	if _, err := m.Get(ctx, "k"); !errors.Is(err, gateway.ErrNotFound) {
		t.Errorf("Get expired = %v, want ErrNotFound", err)
	}
	exists, err := m.Exists(ctx, "k")
	if err != nil || exists {
		t.Errorf("Exists expired = (%v, %v), want (false, nil)", exists, err)
	}
}

func TestMemory_Sets(t *testing.T) {
	t.Parallel()
	m := NewMemory()
	ctx := context.Background()

	for _, member := range []string{"a", "b", "c"} {
		if err := m.SAdd(ctx, "s", member); err != nil {
			t.Fatal(err)
		}
	}
	if err := m.SRem(ctx, "s", "b"); err != nil {
		t.Fatal(err)
	}

	members, err := m.SMembers(ctx, "s")
	if err != nil {
		t.Fatal(err)
	}
	sort.Strings(members)
	if len(members) != 2 || members[0] != "a" || members[1] != "c" {
		t.Errorf("members = %v, want [a c]", members)
	}

	if members, _ := m.SMembers(ctx, "empty"); members != nil {
		t.Errorf("SMembers missing set = %v, want nil", members)
	}
}

func TestMemory_BucketState(t *testing.T) {
	t.Parallel()
	m := NewMemory()
	ctx := context.Background()

	if _, _, found, _ := m.BucketState(ctx, "b"); found {
		t.Error("empty store should have no bucket")
	}

	if err := m.SetBucketState(ctx, "b", 4.5, 1700000000, time.Minute); err != nil {
		t.Fatal(err)
	}
	tokens, last, found, err := m.BucketState(ctx, "b")
	if err != nil || !found {
		t.Fatalf("BucketState = found=%v err=%v", found, err)
	}
	if tokens != 4.5 || last != 1700000000 {
		t.Errorf("bucket = (%v, %v), want (4.5, 1700000000)", tokens, last)
	}
}

func TestMemory_WindowIncrement(t *testing.T) {
	t.Parallel()
	m := NewMemory()
	ctx := context.Background()

	for want := 1; want <= 3; want++ {
		got, err := m.IncrWindow(ctx, "w", 100, time.Minute)
		if err != nil || got != want {
			t.Fatalf("IncrWindow = (%d, %v), want (%d, nil)", got, err, want)
		}
	}

	// Distinct window starts count independently.
	if got, _ := m.IncrWindow(ctx, "w", 160, time.Minute); got != 1 {
		t.Errorf("new window count = %d, want 1", got)
	}
	if got, _ := m.WindowCount(ctx, "w", 100); got != 3 {
		t.Errorf("old window count = %d, want 3", got)
	}
}

func TestMemory_Sweep(t *testing.T) {
	t.Parallel()
	m := NewMemory()
	ctx := context.Background()

	m.Set(ctx, "dead", "v", time.Millisecond)
	m.Set(ctx, "live", "v", time.Hour)
	m.IncrWindow(ctx, "w", 100, time.Millisecond)
	time.Sleep(10 * time.Millisecond)

	if removed := m.Sweep(); removed != 2 {
		t.Errorf("Sweep removed %d, want 2", removed)
	}
	if _, err := m.Get(ctx, "live"); err != nil {
		t.Errorf("live key gone after sweep: %v", err)
	}
}

func TestOpen_SchemeDispatch(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	s, err := Open(ctx, "memory://")
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := s.(*Memory); !ok {
		t.Errorf("Open memory:// = %T, want *Memory", s)
	}

	if _, err := Open(ctx, "bogus://x"); err == nil {
		t.Error("unknown scheme should fail")
	}
}
