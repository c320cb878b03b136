package accounts

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore keeps activity records in memory (for demo/testing).
type MemoryStore struct {
	mu             sync.RWMutex
	orders         map[string][]*Order         // accountID → orders
	reviews        map[string]map[string]bool  // accountID → review ids
	favorites      map[string]map[string]bool  // accountID → target ids
	establishments map[string]*Establishment   // ownerID → establishment
	packs          map[string]map[string]bool  // establishmentID → pack ids
	ratings        map[string]*ratingAggregate // accountID → aggregate
}

type ratingAggregate struct {
	count int
	sum   float64
}

// NewMemoryStore creates an empty activity store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		orders:         make(map[string][]*Order),
		reviews:        make(map[string]map[string]bool),
		favorites:      make(map[string]map[string]bool),
		establishments: make(map[string]*Establishment),
		packs:          make(map[string]map[string]bool),
		ratings:        make(map[string]*ratingAggregate),
	}
}

func (m *MemoryStore) AddOrder(_ context.Context, o *Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *o
	m.orders[o.AccountID] = append(m.orders[o.AccountID], &cp)
	return nil
}

func (m *MemoryStore) AddReview(_ context.Context, accountID, reviewID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	addTo(m.reviews, accountID, reviewID)
	return nil
}

func (m *MemoryStore) AddFavorite(_ context.Context, accountID, targetID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	addTo(m.favorites, accountID, targetID)
	return nil
}

func (m *MemoryStore) UpsertEstablishment(_ context.Context, e *Establishment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *e
	m.establishments[e.OwnerID] = &cp
	return nil
}

func (m *MemoryStore) AddPack(_ context.Context, establishmentID, packID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	addTo(m.packs, establishmentID, packID)
	return nil
}

func (m *MemoryStore) AddRating(_ context.Context, accountID string, rating float64) error {
	if !validRating(rating) {
		return ErrInvalidRating
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	agg, ok := m.ratings[accountID]
	if !ok {
		agg = &ratingAggregate{}
		m.ratings[accountID] = agg
	}
	agg.count++
	agg.sum += rating
	return nil
}

// RecentOrders inspects the newest limit orders of accountID.
func (m *MemoryStore) RecentOrders(_ context.Context, accountID string, limit int) (int, int, error) {
	m.mu.RLock()
	orders := make([]*Order, len(m.orders[accountID]))
	copy(orders, m.orders[accountID])
	m.mu.RUnlock()

	sort.Slice(orders, func(i, j int) bool { return orders[i].CreatedAt.After(orders[j].CreatedAt) })
	if len(orders) > limit {
		orders = orders[:limit]
	}
	completed := 0
	for _, o := range orders {
		if o.Status == OrderCompleted {
			completed++
		}
	}
	return len(orders), completed, nil
}

func (m *MemoryStore) CountOrdersSince(_ context.Context, accountID string, since time.Time) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, o := range m.orders[accountID] {
		if !o.CreatedAt.Before(since) {
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) CountReviews(_ context.Context, accountID string) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.reviews[accountID]), nil
}

func (m *MemoryStore) CountFavorites(_ context.Context, accountID string) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.favorites[accountID]), nil
}

func (m *MemoryStore) Establishment(_ context.Context, accountID string) (bool, bool, int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.establishments[accountID]
	if !ok {
		return false, false, 0, nil
	}
	return true, e.ApprovalTier.Approved(), len(m.packs[e.ID]), nil
}

func (m *MemoryStore) Reputation(_ context.Context, accountID string) (int, float64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	agg, ok := m.ratings[accountID]
	if !ok || agg.count == 0 {
		return 0, 0, nil
	}
	return agg.count, agg.sum / float64(agg.count), nil
}

func addTo(m map[string]map[string]bool, key, member string) {
	set, ok := m[key]
	if !ok {
		set = make(map[string]bool)
		m[key] = set
	}
	set[member] = true
}
