package store

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestMemoryStoreAccounts(t *testing.T) {
	ctx := context.Background()
	id := uuid.New()
	s := NewMemoryStore(Account{
		ID:           id,
		ExpiresAt:    time.Now().Add(time.Hour),
		TrafficLimit: 1000,
		IPLimit:      Unlimited,
	})

	if _, err := s.GetAccount(ctx, uuid.New()); err != ErrNotFound {
		t.Fatalf("unknown account: got %v, want ErrNotFound", err)
	}

	acct, err := s.GetAccount(ctx, id)
	if err != nil {
		t.Fatalf("get account: %v", err)
	}
	if acct.TrafficUsed != 0 {
		t.Fatalf("fresh account used = %d", acct.TrafficUsed)
	}

	if err := s.IncrementUsage(ctx, id, 150); err != nil {
		t.Fatalf("increment: %v", err)
	}
	if err := s.IncrementUsage(ctx, id, 50); err != nil {
		t.Fatalf("increment: %v", err)
	}
	acct, err = s.GetAccount(ctx, id)
	if err != nil {
		t.Fatalf("get account: %v", err)
	}
	if acct.TrafficUsed != 200 {
		t.Fatalf("used = %d, want 200", acct.TrafficUsed)
	}

	// Returned snapshots must not alias the stored record.
	acct.TrafficUsed = 9999
	again, _ := s.GetAccount(ctx, id)
	if again.TrafficUsed != 200 {
		t.Fatalf("snapshot aliases store: used = %d", again.TrafficUsed)
	}
}

func TestMemoryStoreIPs(t *testing.T) {
	ctx := context.Background()
	id := uuid.New()
	s := NewMemoryStore(Account{ID: id, ExpiresAt: time.Now().Add(time.Hour), TrafficLimit: Unlimited, IPLimit: 2})

	for _, addr := range []string{"10.0.0.1", "10.0.0.2", "10.0.0.1"} {
		if err := s.UpsertIP(ctx, id, addr, time.Now()); err != nil {
			t.Fatalf("upsert %s: %v", addr, err)
		}
	}

	count, err := s.CountDistinctIPs(ctx, id)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 2 {
		t.Fatalf("count = %d, want 2 (upsert must be idempotent)", count)
	}

	seen, err := s.HasIP(ctx, id, "10.0.0.2")
	if err != nil || !seen {
		t.Fatalf("HasIP(10.0.0.2) = %v, %v", seen, err)
	}
	seen, err = s.HasIP(ctx, id, "10.0.0.9")
	if err != nil || seen {
		t.Fatalf("HasIP(10.0.0.9) = %v, %v", seen, err)
	}
}

func TestAccountQuotaHelpers(t *testing.T) {
	now := time.Now()
	acct := Account{ExpiresAt: now.Add(-time.Second), TrafficLimit: 100, TrafficUsed: 100}
	if !acct.Expired(now) {
		t.Error("expected expired")
	}
	if !acct.TrafficExhausted() {
		t.Error("expected traffic exhausted at used == limit")
	}
	acct = Account{ExpiresAt: now.Add(time.Hour), TrafficLimit: Unlimited, TrafficUsed: 1 << 40}
	if acct.Expired(now) || acct.TrafficExhausted() {
		t.Error("unlimited account must not be exhausted")
	}
}
