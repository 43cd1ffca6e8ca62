package idempotency

import (
	"context"
	"encoding/json"
	"sync"
	"time"
)

// MemoryStore is an in-process Store.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]*Entry
	now     func() time.Time
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: map[string]*Entry{}, now: time.Now}
}

func (s *MemoryStore) Get(_ context.Context, key string) (*Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[key]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *e
	return &cp, nil
}

func (s *MemoryStore) Claim(_ context.Context, key, handler string, payload json.RawMessage, expiresAt time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if e, ok := s.entries[key]; ok {
		if e.Status != StatusRecoverable {
			return false, nil
		}
		e.Status = StatusStarted
		e.UpdatedAt = now
		return true, nil
	}
	s.entries[key] = &Entry{
		Key:       key,
		Handler:   handler,
		Status:    StatusStarted,
		Payload:   payload,
		CreatedAt: now,
		UpdatedAt: now,
		ExpiresAt: &expiresAt,
	}
	return true, nil
}

func (s *MemoryStore) SetStatus(_ context.Context, key string, status Status, result json.RawMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[key]
	if !ok {
		return ErrNotFound
	}
	e.Status = status
	if result != nil {
		e.Result = result
	}
	e.UpdatedAt = s.now()
	return nil
}

func (s *MemoryStore) RecoverStale(_ context.Context, olderThan time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	cutoff := s.now().Add(-olderThan)
	for _, e := range s.entries {
		if e.Status == StatusStarted && e.UpdatedAt.Before(cutoff) {
			e.Status = StatusRecoverable
			e.UpdatedAt = s.now()
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) DeleteExpired(_ context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	now := s.now()
	for k, e := range s.entries {
		if e.ExpiresAt != nil && e.ExpiresAt.Before(now) {
			delete(s.entries, k)
			n++
		}
	}
	return n, nil
}
