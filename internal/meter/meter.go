// Package meter accumulates per-session byte counts and flushes them to the
// account store off the relay path.
package meter

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/metertun/metertun/internal/store"
)

const finalFlushTimeout = 5 * time.Second

// Meter counts bytes for one session. Record is safe from the relay
// goroutines; flushing happens in Run's goroutine so the data path never
// waits on store I/O.
type Meter struct {
	store    store.Store
	account  uuid.UUID
	interval time.Duration
	logger   *slog.Logger

	pending atomic.Int64
	done    chan struct{}
}

func New(st store.Store, account uuid.UUID, interval time.Duration, logger *slog.Logger) *Meter {
	return &Meter{
		store:    st,
		account:  account,
		interval: interval,
		logger:   logger,
		done:     make(chan struct{}),
	}
}

// Record adds n transferred bytes to the in-memory accumulator.
func (m *Meter) Record(n int64) {
	if n > 0 {
		m.pending.Add(n)
	}
}

// Pending reports bytes recorded but not yet flushed.
func (m *Meter) Pending() int64 {
	return m.pending.Load()
}

// Flush moves the accumulated count to the persisted usage counter. The
// accumulator is zeroed before the store call, so a concurrent Record can
// neither be lost nor double-flushed.
func (m *Meter) Flush(ctx context.Context) error {
	n := m.pending.Swap(0)
	if n == 0 {
		return nil
	}
	if err := m.store.IncrementUsage(ctx, m.account, n); err != nil {
		return fmt.Errorf("flush %d bytes for %s: %w", n, m.account, err)
	}
	return nil
}

// Run flushes on a fixed interval until ctx is cancelled, then performs one
// final flush so no residual usage is lost on disconnect. Flush failures are
// logged and never interrupt the session.
func (m *Meter) Run(ctx context.Context) {
	defer close(m.done)
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			flushCtx, cancel := context.WithTimeout(context.Background(), finalFlushTimeout)
			if err := m.Flush(flushCtx); err != nil {
				m.logger.Warn("final usage flush failed", "error", err)
			}
			cancel()
			return
		case <-ticker.C:
			if err := m.Flush(ctx); err != nil {
				m.logger.Warn("usage flush failed", "error", err)
			}
		}
	}
}

// Done is closed once Run has completed its final flush.
func (m *Meter) Done() <-chan struct{} {
	return m.done
}
