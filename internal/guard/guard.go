// Package guard decides whether an account may open a tunnel session.
package guard

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/metertun/metertun/internal/store"
)

// Authorization failures, checked in this order.
var (
	ErrUnknownAccount  = errors.New("unknown account")
	ErrExpired         = errors.New("account expired")
	ErrTrafficExceeded = errors.New("traffic quota exceeded")
	ErrIPLimitExceeded = errors.New("concurrent ip limit exceeded")
)

type Guard struct {
	store  store.Store
	logger *slog.Logger
	now    func() time.Time
}

func New(st store.Store, logger *slog.Logger) *Guard {
	return &Guard{store: st, logger: logger, now: time.Now}
}

// Authorize checks expiry, traffic and concurrent-IP quotas for the account
// and records the source address sighting. Checks short-circuit on the first
// failure; the IP upsert is the only side effect. A store failure during the
// read phase fails closed.
func (g *Guard) Authorize(ctx context.Context, id uuid.UUID, sourceAddr string) (*store.Account, error) {
	acct, err := g.store.GetAccount(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrUnknownAccount
		}
		return nil, fmt.Errorf("account lookup: %w", err)
	}

	now := g.now()
	if acct.Expired(now) {
		return nil, ErrExpired
	}
	if acct.TrafficExhausted() {
		return nil, ErrTrafficExceeded
	}

	if acct.IPLimit != store.Unlimited {
		seen, err := g.store.HasIP(ctx, id, sourceAddr)
		if err != nil {
			return nil, fmt.Errorf("ip lookup: %w", err)
		}
		if !seen {
			count, err := g.store.CountDistinctIPs(ctx, id)
			if err != nil {
				return nil, fmt.Errorf("ip count: %w", err)
			}
			if count >= acct.IPLimit {
				return nil, ErrIPLimitExceeded
			}
		}
	}

	if err := g.store.UpsertIP(ctx, id, sourceAddr, now); err != nil {
		// A missed sighting undercounts the IP set by at most one entry;
		// the session itself stays authorized.
		g.logger.Warn("record source address failed", "account", id, "source", sourceAddr, "error", err)
	}

	return acct, nil
}
