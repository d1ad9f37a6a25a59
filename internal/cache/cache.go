package cache

import (
	"context"
	"errors"
	"sync"
	"time"

	"kasirinaja/posledger/internal/domain"
)

var (
	ErrNotFound      = errors.New("cache entry not found")
	ErrAlreadyExists = errors.New("cache entry already exists")
	ErrContention    = errors.New("cache entry changed concurrently")
)

// CartCache keeps in-progress carts between requests of a POS client session.
type CartCache interface {
	Get(ctx context.Context, cartID string) (*domain.Cart, error)
	Set(ctx context.Context, cart domain.Cart, ttl time.Duration) error
	Delete(ctx context.Context, cartID string) error
	// Take removes the cart and returns what was stored. Only one caller can
	// take a given cart.
	Take(ctx context.Context, cartID string) (*domain.Cart, error)
}

// SessionMutation edits a payment session in place. Returning an error leaves
// the stored session untouched.
type SessionMutation func(session *domain.PaymentSession) error

// SessionStore holds payment sessions keyed by order reference. Update is
// atomic per key, which is what makes finalization and cancellation exclusive.
type SessionStore interface {
	Create(ctx context.Context, session domain.PaymentSession, ttl time.Duration) error
	Get(ctx context.Context, orderRef string) (*domain.PaymentSession, error)
	Update(ctx context.Context, orderRef string, ttl time.Duration, mutate SessionMutation) (*domain.PaymentSession, error)
}

type entry[T any] struct {
	value     T
	expiresAt time.Time
}

func (e entry[T]) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && !now.Before(e.expiresAt)
}

func expiry(now time.Time, ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return now.Add(ttl)
}

type MemoryCartCache struct {
	mu    sync.Mutex
	carts map[string]entry[domain.Cart]
}

func NewMemoryCartCache() *MemoryCartCache {
	return &MemoryCartCache{carts: make(map[string]entry[domain.Cart])}
}

func (c *MemoryCartCache) Get(_ context.Context, cartID string) (*domain.Cart, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.carts[cartID]
	if !ok || e.expired(time.Now()) {
		delete(c.carts, cartID)
		return nil, ErrNotFound
	}
	cart := e.value.Clone()
	return &cart, nil
}

func (c *MemoryCartCache) Set(_ context.Context, cart domain.Cart, ttl time.Duration) error {
	c.mu.Lock()
	c.carts[cart.ID] = entry[domain.Cart]{value: cart.Clone(), expiresAt: expiry(time.Now(), ttl)}
	c.mu.Unlock()
	return nil
}

func (c *MemoryCartCache) Delete(_ context.Context, cartID string) error {
	c.mu.Lock()
	delete(c.carts, cartID)
	c.mu.Unlock()
	return nil
}

func (c *MemoryCartCache) Take(_ context.Context, cartID string) (*domain.Cart, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.carts[cartID]
	delete(c.carts, cartID)
	if !ok || e.expired(time.Now()) {
		return nil, ErrNotFound
	}
	cart := e.value.Clone()
	return &cart, nil
}

type MemorySessionStore struct {
	mu       sync.Mutex
	sessions map[string]entry[domain.PaymentSession]
}

func NewMemorySessionStore() *MemorySessionStore {
	return &MemorySessionStore{sessions: make(map[string]entry[domain.PaymentSession])}
}

func (s *MemorySessionStore) Create(_ context.Context, session domain.PaymentSession, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	if e, ok := s.sessions[session.OrderRef]; ok && !e.expired(now) {
		return ErrAlreadyExists
	}
	s.sessions[session.OrderRef] = entry[domain.PaymentSession]{value: cloneSession(session), expiresAt: expiry(now, ttl)}
	return nil
}

func (s *MemorySessionStore) Get(_ context.Context, orderRef string) (*domain.PaymentSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.sessions[orderRef]
	if !ok || e.expired(time.Now()) {
		delete(s.sessions, orderRef)
		return nil, ErrNotFound
	}
	out := cloneSession(e.value)
	return &out, nil
}

func (s *MemorySessionStore) Update(_ context.Context, orderRef string, ttl time.Duration, mutate SessionMutation) (*domain.PaymentSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	e, ok := s.sessions[orderRef]
	if !ok || e.expired(now) {
		delete(s.sessions, orderRef)
		return nil, ErrNotFound
	}
	next := cloneSession(e.value)
	if err := mutate(&next); err != nil {
		return nil, err
	}
	s.sessions[orderRef] = entry[domain.PaymentSession]{value: cloneSession(next), expiresAt: expiry(now, ttl)}
	return &next, nil
}

func cloneSession(session domain.PaymentSession) domain.PaymentSession {
	out := session
	if session.Draft != nil {
		draft := *session.Draft
		draft.Cart = session.Draft.Cart.Clone()
		out.Draft = &draft
	}
	return out
}
