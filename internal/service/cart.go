package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"kasirinaja/posledger/internal/cache"
	"kasirinaja/posledger/internal/domain"
	"kasirinaja/posledger/internal/xid"
)

// AddToCart merges qty into the product's line, or appends a line priced at
// the current effective price. Existing lines keep the price they were added at.
func (p *OrderProcessor) AddToCart(ctx context.Context, cart domain.Cart, productID string, qty int) (domain.Cart, error) {
	productID = strings.TrimSpace(productID)
	if qty <= 0 {
		return cart, fmt.Errorf("%w: quantity must be positive", domain.ErrValidation)
	}
	item, err := p.inventory.GetProduct(ctx, productID)
	if err != nil {
		return cart, mapStoreError(err)
	}

	next := cart.Clone()
	if idx := next.IndexOf(productID); idx >= 0 {
		line := next.Lines[idx]
		wanted := line.Quantity + qty
		if wanted > item.StockQuantity {
			return cart, fmt.Errorf("%w: %s has %d in stock, cart would hold %d", domain.ErrOutOfStock, productID, item.StockQuantity, wanted)
		}
		line.Quantity = wanted
		line.StockQuantity = item.StockQuantity
		next.Lines[idx] = line
	} else {
		line, err := domain.NewCartLine(item, qty)
		if err != nil {
			return cart, err
		}
		next.Lines = append(next.Lines, line)
	}
	next.UpdatedAt = p.now()
	return next, nil
}

// UpdateQuantity sets a line to newQty. Zero or less removes the line.
func (p *OrderProcessor) UpdateQuantity(ctx context.Context, cart domain.Cart, productID string, newQty int) (domain.Cart, error) {
	productID = strings.TrimSpace(productID)
	idx := cart.IndexOf(productID)
	if idx < 0 {
		return cart, fmt.Errorf("%w: %s is not in the cart", domain.ErrNotFound, productID)
	}

	next := cart.Clone()
	if newQty <= 0 {
		next.Remove(productID)
		next.UpdatedAt = p.now()
		return next, nil
	}

	item, err := p.inventory.GetProduct(ctx, productID)
	if err != nil {
		return cart, mapStoreError(err)
	}
	if newQty > item.StockQuantity {
		return cart, fmt.Errorf("%w: %s has %d in stock, requested %d", domain.ErrOutOfStock, productID, item.StockQuantity, newQty)
	}
	next.Lines[idx].Quantity = newQty
	next.Lines[idx].StockQuantity = item.StockQuantity
	next.UpdatedAt = p.now()
	return next, nil
}

// CartRegistry keeps carts server side so lines and prices cannot be edited
// by the client between requests.
type CartRegistry struct {
	cache     cache.CartCache
	processor *OrderProcessor
	ttl       time.Duration
	locks     *keyedMutex
	now       func() time.Time
}

func NewCartRegistry(c cache.CartCache, processor *OrderProcessor, ttl time.Duration) *CartRegistry {
	if ttl <= 0 {
		ttl = 12 * time.Hour
	}
	return &CartRegistry{cache: c, processor: processor, ttl: ttl, locks: newKeyedMutex(), now: utcNow}
}

func (r *CartRegistry) WithNow(now func() time.Time) {
	if now != nil {
		r.now = now
	}
}

// Create opens an empty cart owned by the actor in ctx.
func (r *CartRegistry) Create(ctx context.Context) (domain.Cart, error) {
	cart := domain.Cart{ID: xid.New("CART"), Lines: []domain.CartLine{}, UpdatedAt: r.now()}
	if actor, ok := ActorFromContext(ctx); ok {
		cart.Owner = actor.Username
	}
	if err := r.cache.Set(ctx, cart, r.ttl); err != nil {
		return domain.Cart{}, err
	}
	return cart, nil
}

func (r *CartRegistry) Get(ctx context.Context, cartID string) (domain.Cart, error) {
	cart, err := r.cache.Get(ctx, strings.TrimSpace(cartID))
	if err != nil {
		return domain.Cart{}, mapCacheError(err)
	}
	return *cart, nil
}

func (r *CartRegistry) AddItem(ctx context.Context, cartID string, productID string, qty int) (domain.Cart, error) {
	return r.mutate(ctx, cartID, func(cart domain.Cart) (domain.Cart, error) {
		return r.processor.AddToCart(ctx, cart, productID, qty)
	})
}

func (r *CartRegistry) SetQuantity(ctx context.Context, cartID string, productID string, qty int) (domain.Cart, error) {
	return r.mutate(ctx, cartID, func(cart domain.Cart) (domain.Cart, error) {
		return r.processor.UpdateQuantity(ctx, cart, productID, qty)
	})
}

func (r *CartRegistry) Delete(ctx context.Context, cartID string) error {
	return r.cache.Delete(ctx, strings.TrimSpace(cartID))
}

// Settle takes the cart out of the cache and hands it to settle. The cart is
// put back when settle fails, so a rejected payment can be retried while a
// second submit of a settled cart finds nothing.
func (r *CartRegistry) Settle(ctx context.Context, cartID string, settle func(domain.Cart) error) error {
	cartID = strings.TrimSpace(cartID)
	unlock := r.locks.Lock(cartID)
	defer unlock()

	cart, err := r.cache.Take(ctx, cartID)
	if err != nil {
		return mapCacheError(err)
	}
	if err := settle(*cart); err != nil {
		if restoreErr := r.cache.Set(context.WithoutCancel(ctx), *cart, r.ttl); restoreErr != nil {
			return errors.Join(err, fmt.Errorf("restore cart %s: %w", cartID, restoreErr))
		}
		return err
	}
	return nil
}

func (r *CartRegistry) mutate(ctx context.Context, cartID string, fn func(domain.Cart) (domain.Cart, error)) (domain.Cart, error) {
	cartID = strings.TrimSpace(cartID)
	unlock := r.locks.Lock(cartID)
	defer unlock()

	cart, err := r.Get(ctx, cartID)
	if err != nil {
		return domain.Cart{}, err
	}
	next, err := fn(cart)
	if err != nil {
		return domain.Cart{}, err
	}
	if err := r.cache.Set(ctx, next, r.ttl); err != nil {
		return domain.Cart{}, err
	}
	return next, nil
}
