package x402

import (
	"context"
	"testing"
	"time"
)

func TestMemoryChallengeStore(t *testing.T) {
	ctx := context.Background()
	now := testNow
	store := NewMemoryChallengeStore(func() time.Time { return now })
	c := testChallenge(t)

	if err := store.Save(ctx, c); err != nil {
		t.Fatalf("save: %v", err)
	}

	got, ok, err := store.Load(ctx, c.ChallengeID)
	if err != nil || !ok {
		t.Fatalf("Expected stored challenge, got ok=%v err=%v", ok, err)
	}
	if !got.Equal(c) {
		t.Errorf("Expected %+v, got %+v", c, got)
	}

	if _, ok, _ := store.Load(ctx, "unknown"); ok {
		t.Error("Expected unknown challenge to be absent")
	}

	now = c.ExpiresAt
	if _, ok, _ := store.Load(ctx, c.ChallengeID); ok {
		t.Error("Expected expired challenge to be absent")
	}
	if store.Len() != 0 {
		t.Errorf("Expected expired challenge evicted, got %d", store.Len())
	}
}

func TestMemoryChallengeStoreSweepsOnSave(t *testing.T) {
	ctx := context.Background()
	now := testNow
	store := NewMemoryChallengeStore(func() time.Time { return now })

	old := testChallenge(t)
	store.Save(ctx, old)

	now = old.ExpiresAt.Add(2 * time.Minute)
	fresh := old
	fresh.ChallengeID = "ch-new"
	fresh.ExpiresAt = now.Add(time.Minute)
	store.Save(ctx, fresh)

	if store.Len() != 1 {
		t.Errorf("Expected only the fresh challenge retained, got %d", store.Len())
	}
}

func TestChallengeEqual(t *testing.T) {
	c := testChallenge(t)
	other := c
	other.ExpiresAt = c.ExpiresAt.In(time.FixedZone("X", 7200))
	if !c.Equal(other) {
		t.Error("Expected same instant in another zone to be equal")
	}
	other.MinAmount = "2"
	if c.Equal(other) {
		t.Error("Expected differing minAmount to be unequal")
	}
}
