package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"kasirinaja/posledger/internal/cache"
	"kasirinaja/posledger/internal/domain"
	"kasirinaja/posledger/internal/gateway"
	"kasirinaja/posledger/internal/metrics"
	"kasirinaja/posledger/internal/store"
	"kasirinaja/posledger/internal/xid"
)

type actorContextKey struct{}

func WithActor(ctx context.Context, actor domain.Actor) context.Context {
	return context.WithValue(ctx, actorContextKey{}, actor)
}

func ActorFromContext(ctx context.Context) (domain.Actor, bool) {
	actor, ok := ctx.Value(actorContextKey{}).(domain.Actor)
	return actor, ok
}

type Config struct {
	CartTTL  time.Duration
	Payments ReconcilerConfig
}

// Service wires the ledger, order, payment and approval components over a
// shared repository. HTTP handlers and background jobs go through it.
type Service struct {
	Ledger    *ShiftLedger
	Approvals *ApprovalWorkflow
	Orders    *OrderProcessor
	Carts     *CartRegistry
	Payments  *PaymentReconciler

	repo   store.Repository
	logger *slog.Logger
}

func New(
	repo store.Repository,
	inventory gateway.InventoryGateway,
	payments gateway.PaymentGateway,
	carts cache.CartCache,
	sessions cache.SessionStore,
	cfg Config,
	logger *slog.Logger,
	m *metrics.Metrics,
) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	ledger := NewShiftLedger(repo, logger, m)
	orders := NewOrderProcessor(ledger, inventory, logger, m)
	return &Service{
		Ledger:    ledger,
		Approvals: NewApprovalWorkflow(repo, logger, m),
		Orders:    orders,
		Carts:     NewCartRegistry(carts, orders, cfg.CartTTL),
		Payments:  NewPaymentReconciler(payments, sessions, orders, cfg.Payments, logger, m),
		repo:      repo,
		logger:    logger,
	}
}

// WithNow pins every component to the given clock.
func (s *Service) WithNow(now func() time.Time) {
	s.Ledger.WithNow(now)
	s.Approvals.WithNow(now)
	s.Orders.WithNow(now)
	s.Carts.WithNow(now)
	s.Payments.WithNow(now)
}

// CheckoutCart settles a server-side cart with a method that needs no gateway
// round trip. The cart is claimed for the duration of the checkout, so a
// repeated submit of the same cart gets ErrNotFound instead of a second order.
func (s *Service) CheckoutCart(ctx context.Context, cmd domain.CheckoutCommand) (domain.POSOrder, error) {
	if cmd.PaymentMethod.RequiresGateway() {
		return domain.POSOrder{}, fmt.Errorf("%w: %s payments must be started through the payment gateway", domain.ErrValidation, cmd.PaymentMethod)
	}

	var order domain.POSOrder
	err := s.Carts.Settle(ctx, cmd.CartID, func(cart domain.Cart) error {
		var err error
		order, err = s.Orders.Checkout(ctx, domain.CheckoutRequest{
			CheckoutDraft:  draftFromCommand(cart, cmd),
			PaymentMethod:  cmd.PaymentMethod,
			AmountReceived: cmd.AmountReceived,
		})
		return err
	})
	if err != nil {
		return domain.POSOrder{}, err
	}
	return order, nil
}

// StartCartPayment opens a gateway session for the cart's current total. The
// cart moves into the session and leaves the cache.
func (s *Service) StartCartPayment(ctx context.Context, cmd domain.CheckoutCommand) (domain.PaymentSession, error) {
	var session domain.PaymentSession
	err := s.Carts.Settle(ctx, cmd.CartID, func(cart domain.Cart) error {
		draft := draftFromCommand(cart, cmd)
		amount, err := draft.Total()
		if err != nil {
			return err
		}
		session, err = s.Payments.InitiatePayment(ctx, draft, amount)
		return err
	})
	if err != nil {
		return domain.PaymentSession{}, err
	}
	return session, nil
}

func draftFromCommand(cart domain.Cart, cmd domain.CheckoutCommand) domain.CheckoutDraft {
	return domain.CheckoutDraft{
		ShiftID:  strings.TrimSpace(cmd.ShiftID),
		Cart:     cart,
		Customer: cmd.Customer,
		Discount: cmd.Discount,
		Notes:    cmd.Notes,
	}
}

func (s *Service) ListAuditLogs(ctx context.Context, filter domain.AuditFilter) ([]domain.AuditLog, error) {
	if filter.Limit <= 0 || filter.Limit > 500 {
		filter.Limit = 100
	}
	return s.repo.ListAuditLogs(ctx, filter)
}

// auditor writes audit entries on behalf of the actor in ctx. A failed write
// is logged and never fails the operation that produced it.
type auditor struct {
	repo   store.AuditRepository
	logger *slog.Logger
}

func (a auditor) record(ctx context.Context, at time.Time, action string, entityType string, entityID string, detail string) {
	if a.repo == nil {
		return
	}
	actor, ok := ActorFromContext(ctx)
	if !ok {
		actor = domain.Actor{Username: "system", Role: "system"}
	}

	if err := a.repo.CreateAuditLog(ctx, domain.AuditLog{
		ID:            xid.New("AUD"),
		ActorUsername: actor.Username,
		ActorRole:     actor.Role,
		Action:        action,
		EntityType:    entityType,
		EntityID:      entityID,
		Detail:        detail,
		CreatedAt:     at,
	}); err != nil {
		a.logger.Warn("failed to write audit log",
			slog.String("action", action),
			slog.String("entity", entityType+"/"+entityID),
			slog.Any("error", err),
		)
	}
}

// keyedMutex serializes work per key without a global lock. Entries are
// reference counted and dropped when the last holder unlocks.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*refLock
}

type refLock struct {
	mu   sync.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[string]*refLock)}
}

func (k *keyedMutex) Lock(key string) (unlock func()) {
	k.mu.Lock()
	l, ok := k.locks[key]
	if !ok {
		l = &refLock{}
		k.locks[key] = l
	}
	l.refs++
	k.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		k.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}

// mapStoreError translates persistence sentinels into the domain taxonomy.
// Errors that already carry a domain sentinel pass through unchanged.
func mapStoreError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, store.ErrShiftAlreadyOpen):
		return fmt.Errorf("%w: %w", domain.ErrConflict, err)
	case errors.Is(err, store.ErrDuplicate):
		return fmt.Errorf("%w: %w", domain.ErrConflict, err)
	case errors.Is(err, store.ErrInsufficientStock):
		return fmt.Errorf("%w: %w", domain.ErrConflict, err)
	case errors.Is(err, store.ErrNotFound):
		return fmt.Errorf("%w: %w", domain.ErrNotFound, err)
	default:
		return err
	}
}

func mapCacheError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, cache.ErrNotFound):
		return fmt.Errorf("%w: %w", domain.ErrNotFound, err)
	case errors.Is(err, cache.ErrAlreadyExists), errors.Is(err, cache.ErrContention):
		return fmt.Errorf("%w: %w", domain.ErrConflict, err)
	default:
		return err
	}
}

func utcNow() time.Time {
	return time.Now().UTC()
}
