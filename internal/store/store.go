// Package store persists account records, usage counters and per-account
// source address sets. The tunnel core only reads accounts and appends
// usage/IP data; account administration happens elsewhere.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Unlimited disables a quota when used as TrafficLimit or IPLimit.
const Unlimited = -1

var ErrNotFound = errors.New("account not found")

// Account is a read-only snapshot of a tunnel identity. TrafficUsed only ever
// grows; increments go through IncrementUsage, never a destructive write.
type Account struct {
	ID           uuid.UUID
	ExpiresAt    time.Time
	TrafficLimit int64
	TrafficUsed  int64
	IPLimit      int
}

// Expired reports whether the account's expiry lies at or before now.
func (a *Account) Expired(now time.Time) bool {
	return !a.ExpiresAt.After(now)
}

// TrafficExhausted reports whether the traffic quota, if any, is used up.
func (a *Account) TrafficExhausted() bool {
	return a.TrafficLimit != Unlimited && a.TrafficUsed >= a.TrafficLimit
}

// Store is the persistence boundary consumed by the tunnel core. Upserts and
// increments must tolerate concurrent callers for the same key; last write
// wins on an IP record's seen-at timestamp.
type Store interface {
	// GetAccount returns a snapshot of the account, or ErrNotFound.
	GetAccount(ctx context.Context, id uuid.UUID) (*Account, error)
	// IncrementUsage adds delta bytes to the account's persisted counter.
	IncrementUsage(ctx context.Context, id uuid.UUID, delta int64) error
	// CountDistinctIPs returns the number of source addresses on record.
	CountDistinctIPs(ctx context.Context, id uuid.UUID) (int, error)
	// HasIP reports whether the source address is already on record.
	HasIP(ctx context.Context, id uuid.UUID, addr string) (bool, error)
	// UpsertIP records or refreshes a source address sighting.
	UpsertIP(ctx context.Context, id uuid.UUID, addr string, seenAt time.Time) error

	Close() error
}
