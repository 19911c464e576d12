package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/fjod/go_cart/claim-service/domain"
)

// MemoryStore implements CartStore and ChangeFeed in process.
// It backs local development and the protocol tests.
type MemoryStore struct {
	mu    sync.RWMutex
	carts map[int64]*domain.Cart // cartID -> row

	feed *Fanout
	now  func() time.Time
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		carts: make(map[int64]*domain.Cart),
		feed:  NewFanout(),
		now:   time.Now,
	}
}

// Provision adds an available cart. Carts are created out of band in production.
func (s *MemoryStore) Provision(cartID int64) error {
	s.mu.Lock()
	if _, exists := s.carts[cartID]; exists {
		s.mu.Unlock()
		return ErrCartExists
	}
	cart := &domain.Cart{
		CartID:    cartID,
		Status:    domain.CartStatusNotInUse,
		UpdatedAt: s.now(),
	}
	s.carts[cartID] = cart
	inserted := *cart
	s.mu.Unlock()

	s.feed.Publish(Event{Table: TableShoppingCarts, Op: OpInsert, New: &inserted, At: inserted.UpdatedAt})
	return nil
}

// ConditionalUpdate applies the patch to every row matching the whole
// conjunction while holding the write lock, so concurrent callers are
// serialized per store and at most one of them sees a predicate hold.
func (s *MemoryStore) ConditionalUpdate(ctx context.Context, u Update) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if err := u.Validate(); err != nil {
		return 0, err
	}

	where := u.Where()
	var events []Event

	s.mu.Lock()
	now := s.now()
	for _, cart := range s.carts {
		if !where.Match(*cart) {
			continue
		}
		old := cloneCart(*cart)
		u.Patch.Apply(cart)
		cart.UpdatedAt = now
		updated := cloneCart(*cart)
		events = append(events, Event{Table: TableShoppingCarts, Op: OpUpdate, Old: &old, New: &updated, At: now})
	}
	s.mu.Unlock()

	for _, e := range events {
		s.feed.Publish(e)
	}
	return int64(len(events)), nil
}

func (s *MemoryStore) Select(ctx context.Context, f Filter) ([]domain.Cart, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := f.Validate(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.Cart, 0, 1)
	for _, cart := range s.carts {
		if f.Match(*cart) {
			result = append(result, cloneCart(*cart))
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CartID < result[j].CartID })
	return result, nil
}

func (s *MemoryStore) Subscribe(_ context.Context, table string, f Filter, onEvent func(Event)) (Subscription, error) {
	return s.feed.Add(table, f, onEvent)
}

// Subscribers is the number of open change-feed subscriptions.
func (s *MemoryStore) Subscribers() int {
	return s.feed.Len()
}

func (s *MemoryStore) Ping(ctx context.Context) error {
	return ctx.Err()
}

// Close drops every subscription.
func (s *MemoryStore) Close() error {
	return s.feed.Close()
}

func cloneCart(c domain.Cart) domain.Cart {
	if c.UserID != nil {
		owner := *c.UserID
		c.UserID = &owner
	}
	return c
}
