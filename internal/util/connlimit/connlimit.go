// Package connlimit bounds the number of concurrently accepted connections.
package connlimit

import "sync"

// Limiter is a counting semaphore over connection slots. A nil limiter is
// valid and never limits.
type Limiter struct {
	max    int
	mu     sync.Mutex
	cond   *sync.Cond
	active int
}

// New returns a limiter admitting up to max concurrent connections, or nil
// when max <= 0 (unlimited).
func New(max int) *Limiter {
	if max <= 0 {
		return nil
	}
	l := &Limiter{max: max}
	l.cond = sync.NewCond(&l.mu)
	return l
}

// Acquire blocks until a connection slot is free.
func (l *Limiter) Acquire() {
	if l == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	for l.active >= l.max {
		l.cond.Wait()
	}
	l.active++
}

// TryAcquire claims a slot without blocking and reports whether it succeeded.
func (l *Limiter) TryAcquire() bool {
	if l == nil {
		return true
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.active >= l.max {
		return false
	}
	l.active++
	return true
}

// Release frees a previously acquired slot.
func (l *Limiter) Release() {
	if l == nil {
		return
	}
	l.mu.Lock()
	l.active--
	if l.active < 0 {
		l.active = 0
	}
	l.mu.Unlock()
	l.cond.Broadcast()
}

// Active reports the number of claimed slots.
func (l *Limiter) Active() int {
	if l == nil {
		return 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.active
}
