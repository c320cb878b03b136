package trust

import (
	"context"
	"fmt"
	"sync"

	"github.com/mbd888/trustgate/internal/outbox"
)

// Compile-time check that MemoryStore implements Store.
var _ Store = (*MemoryStore)(nil)

// MemoryStore implements Store using in-memory maps (for demo/testing).
type MemoryStore struct {
	mu       sync.RWMutex
	profiles map[string]*Profile       // accountID → profile
	audit    map[string][]*AuditRecord // accountID → records, oldest first
	outbox   outbox.Store
}

// NewMemoryStore creates an empty in-memory trust store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		profiles: make(map[string]*Profile),
		audit:    make(map[string][]*AuditRecord),
	}
}

// WithOutbox makes every Commit also append an audit event to ob. A failed
// append aborts the commit.
func (m *MemoryStore) WithOutbox(ob outbox.Store) *MemoryStore {
	m.outbox = ob
	return m
}

func (m *MemoryStore) CreateProfile(_ context.Context, p *Profile) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.profiles[p.AccountID]; ok {
		return ErrProfileExists
	}
	cp := *p
	m.profiles[p.AccountID] = &cp
	return nil
}

func (m *MemoryStore) GetProfile(_ context.Context, accountID string) (*Profile, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	p, ok := m.profiles[accountID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (m *MemoryStore) IncrementLoginCount(_ context.Context, accountID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.profiles[accountID]
	if !ok {
		return 0, ErrNotFound
	}
	p.LoginCount++
	return p.LoginCount, nil
}

func (m *MemoryStore) Commit(ctx context.Context, c *Commit) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	current, ok := m.profiles[c.Profile.AccountID]
	if !ok {
		return ErrNotFound
	}
	if current.Revision != c.ExpectedRevision {
		return ErrConflict
	}

	if m.outbox != nil {
		entry, err := outboxEntry(c.Audit)
		if err != nil {
			return err
		}
		if err := m.outbox.Append(ctx, entry); err != nil {
			return fmt.Errorf("append outbox entry: %w", err)
		}
	}

	next := *c.Profile
	// Login hook writes may have landed since the read; keep the live counter.
	next.LoginCount = current.LoginCount
	m.profiles[next.AccountID] = &next
	m.audit[next.AccountID] = append(m.audit[next.AccountID], cloneAudit(c.Audit))
	return nil
}

func (m *MemoryStore) ListAudit(_ context.Context, accountID, before string, limit int) ([]*AuditRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	records := m.audit[accountID]
	start := len(records) - 1
	if before != "" {
		start = -2
		for i, r := range records {
			if r.ID == before {
				start = i - 1
				break
			}
		}
		if start == -2 {
			return nil, ErrInvalidCursor
		}
	}

	out := make([]*AuditRecord, 0, max(0, min(limit, start+1)))
	for i := start; i >= 0 && len(out) < limit; i-- {
		out = append(out, cloneAudit(records[i]))
	}
	return out, nil
}
