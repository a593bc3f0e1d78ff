package locks

import (
	"context"
	"strings"
	"sync"
	"time"
)

// MemoryStore implements Store with process-local state. It backs tests and
// single-node development runs; the mutex gives it the same read-decide-write
// atomicity the Redis scripts provide.
type MemoryStore struct {
	mu    sync.Mutex
	locks map[string]*Lock
	now   func() time.Time
}

// NewMemoryStore returns an empty in-memory lock store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		locks: make(map[string]*Lock),
		now:   time.Now,
	}
}

// SetClock overrides the store's clock; nil restores the wall clock. Test
// hook.
func (s *MemoryStore) SetClock(now func() time.Time) {
	if now == nil {
		now = time.Now
	}
	s.mu.Lock()
	s.now = now
	s.mu.Unlock()
}

func (s *MemoryStore) Acquire(_ context.Context, entityID string, holder Holder, ttl time.Duration) (*AcquireResult, error) {
	entityID = strings.TrimSpace(entityID)
	if entityID == "" || strings.TrimSpace(holder.ID) == "" {
		return nil, errEntityAndHolder
	}
	if ttl <= 0 {
		ttl = defaultTTL
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now().UTC()
	fresh := &Lock{
		EntityID:   entityID,
		HolderID:   holder.ID,
		HolderName: holder.Name,
		UpdatedAt:  now,
		ExpiresAt:  now.Add(ttl),
	}
	current, ok := s.locks[entityID]
	if !ok {
		s.locks[entityID] = fresh
		return &AcquireResult{Outcome: OutcomeCreated, Lock: snapshot(fresh)}, nil
	}
	if current.Expired(now) {
		stale := snapshot(current)
		s.locks[entityID] = fresh
		return &AcquireResult{Outcome: OutcomeReclaimed, Lock: snapshot(fresh), Stale: stale}, nil
	}
	if current.HolderID == holder.ID {
		current.UpdatedAt = now
		current.ExpiresAt = now.Add(ttl)
		return &AcquireResult{Outcome: OutcomeExtended, Lock: snapshot(current)}, nil
	}
	return &AcquireResult{Outcome: OutcomeHeld, Lock: snapshot(current)}, nil
}

func (s *MemoryStore) Release(_ context.Context, entityID, holderID string) (*Lock, bool, error) {
	entityID = strings.TrimSpace(entityID)
	if entityID == "" {
		return nil, false, errEntityRequired
	}
	holderID = strings.TrimSpace(holderID)
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.locks[entityID]
	if !ok {
		return nil, false, nil
	}
	if current.Expired(s.now().UTC()) {
		delete(s.locks, entityID)
		return snapshot(current), false, ErrExpired
	}
	if holderID != "" && current.HolderID != holderID {
		return snapshot(current), false, nil
	}
	delete(s.locks, entityID)
	return snapshot(current), true, nil
}

func (s *MemoryStore) Reap(_ context.Context, entityID string) (*Lock, bool, error) {
	entityID = strings.TrimSpace(entityID)
	if entityID == "" {
		return nil, false, errEntityRequired
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.locks[entityID]
	if !ok {
		return nil, false, nil
	}
	if !current.Expired(s.now().UTC()) {
		return snapshot(current), false, nil
	}
	delete(s.locks, entityID)
	return snapshot(current), true, nil
}

func (s *MemoryStore) Get(_ context.Context, entityID string) (*Lock, error) {
	entityID = strings.TrimSpace(entityID)
	if entityID == "" {
		return nil, errEntityRequired
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.locks[entityID]
	if !ok {
		return nil, nil
	}
	return snapshot(current), nil
}

func snapshot(l *Lock) *Lock {
	if l == nil {
		return nil
	}
	out := *l
	return &out
}
