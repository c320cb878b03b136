package outbox

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore implements Store in memory (for demo/testing).
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[uuid.UUID]*Entry
}

// NewMemoryStore creates an empty in-memory outbox.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[uuid.UUID]*Entry)}
}

func (s *MemoryStore) Append(_ context.Context, e *Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *e
	cp.Payload = append([]byte(nil), e.Payload...)
	s.entries[e.ID] = &cp
	return nil
}

func (s *MemoryStore) FetchUnprocessed(_ context.Context, limit int) ([]*Entry, error) {
	if limit <= 0 {
		return nil, nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	pending := make([]*Entry, 0)
	for _, e := range s.entries {
		if e.IsPending() {
			cp := *e
			pending = append(pending, &cp)
		}
	}
	sort.Slice(pending, func(i, j int) bool {
		return pending[i].CreatedAt.Before(pending[j].CreatedAt)
	})
	if len(pending) > limit {
		pending = pending[:limit]
	}
	return pending, nil
}

func (s *MemoryStore) MarkProcessed(_ context.Context, id uuid.UUID, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	if !ok || !e.IsPending() {
		return ErrEntryNotFound
	}
	e.ProcessedAt = &at
	return nil
}

func (s *MemoryStore) CountPending(_ context.Context) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var n int64
	for _, e := range s.entries {
		if e.IsPending() {
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) DeleteProcessedBefore(_ context.Context, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for id, e := range s.entries {
		if e.ProcessedAt != nil && e.ProcessedAt.Before(before) {
			delete(s.entries, id)
			n++
		}
	}
	return n, nil
}
