package store

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore keeps accounts and IP records in process memory. It backs tests
// and single-node deployments seeded from a YAML file.
type MemoryStore struct {
	mu       sync.RWMutex
	accounts map[uuid.UUID]*Account
	ips      map[uuid.UUID]map[string]time.Time
}

func NewMemoryStore(accounts ...Account) *MemoryStore {
	s := &MemoryStore{
		accounts: make(map[uuid.UUID]*Account, len(accounts)),
		ips:      make(map[uuid.UUID]map[string]time.Time),
	}
	for i := range accounts {
		acct := accounts[i]
		s.accounts[acct.ID] = &acct
	}
	return s
}

// Put inserts or replaces an account record.
func (s *MemoryStore) Put(acct Account) {
	s.mu.Lock()
	s.accounts[acct.ID] = &acct
	s.mu.Unlock()
}

func (s *MemoryStore) GetAccount(_ context.Context, id uuid.UUID) (*Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	acct, ok := s.accounts[id]
	if !ok {
		return nil, ErrNotFound
	}
	snapshot := *acct
	return &snapshot, nil
}

func (s *MemoryStore) IncrementUsage(_ context.Context, id uuid.UUID, delta int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	acct, ok := s.accounts[id]
	if !ok {
		return ErrNotFound
	}
	acct.TrafficUsed += delta
	return nil
}

func (s *MemoryStore) CountDistinctIPs(_ context.Context, id uuid.UUID) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.ips[id]), nil
}

func (s *MemoryStore) HasIP(_ context.Context, id uuid.UUID, addr string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.ips[id][addr]
	return ok, nil
}

func (s *MemoryStore) UpsertIP(_ context.Context, id uuid.UUID, addr string, seenAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	set, ok := s.ips[id]
	if !ok {
		set = make(map[string]time.Time)
		s.ips[id] = set
	}
	set[addr] = seenAt
	return nil
}

func (s *MemoryStore) Close() error { return nil }
