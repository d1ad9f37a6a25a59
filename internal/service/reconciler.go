package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"kasirinaja/posledger/internal/cache"
	"kasirinaja/posledger/internal/domain"
	"kasirinaja/posledger/internal/gateway"
	"kasirinaja/posledger/internal/metrics"
	"kasirinaja/posledger/internal/xid"
)

type ReconcilerConfig struct {
	// Method is the payment method recorded on orders settled through the gateway.
	Method           domain.PaymentMethod
	PollInterval     time.Duration
	MaxPolls         int
	MaxDuration      time.Duration
	MaxGatewayErrors int
	// Retention is how long a session record outlives its last update.
	Retention time.Duration
}

func (c ReconcilerConfig) withDefaults() ReconcilerConfig {
	if c.Method == "" {
		c.Method = domain.PaymentMethodEWallet
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 2 * time.Second
	}
	if c.MaxPolls <= 0 {
		c.MaxPolls = 150
	}
	if c.MaxDuration <= 0 {
		c.MaxDuration = 5 * time.Minute
	}
	if c.MaxGatewayErrors <= 0 {
		c.MaxGatewayErrors = 5
	}
	if c.Retention <= 0 {
		c.Retention = 24 * time.Hour
	}
	return c
}

// Poller is what a poll driver calls on every tick.
type Poller interface {
	PollStatus(ctx context.Context, orderRef string) (domain.PaymentSession, error)
}

// PollScheduler drives PollStatus for a session until it turns terminal.
type PollScheduler interface {
	Schedule(ctx context.Context, orderRef string) error
	Stop(orderRef string)
}

var errSessionSettled = errors.New("payment session already settled")

// PaymentReconciler confirms gateway payments and hands each confirmed session
// to the order processor exactly once.
type PaymentReconciler struct {
	gateway   gateway.PaymentGateway
	sessions  cache.SessionStore
	orders    *OrderProcessor
	cfg       ReconcilerConfig
	scheduler PollScheduler
	locks     *keyedMutex
	audit     auditor
	logger    *slog.Logger
	metrics   *metrics.Metrics
	now       func() time.Time
}

func NewPaymentReconciler(
	gw gateway.PaymentGateway,
	sessions cache.SessionStore,
	orders *OrderProcessor,
	cfg ReconcilerConfig,
	logger *slog.Logger,
	m *metrics.Metrics,
) *PaymentReconciler {
	if logger == nil {
		logger = slog.Default()
	}
	return &PaymentReconciler{
		gateway:  gw,
		sessions: sessions,
		orders:   orders,
		cfg:      cfg.withDefaults(),
		locks:    newKeyedMutex(),
		audit:    auditor{repo: orders.ledger.repo, logger: logger},
		logger:   logger,
		metrics:  m,
		now:      utcNow,
	}
}

func (r *PaymentReconciler) WithNow(now func() time.Time) {
	if now != nil {
		r.now = now
	}
}

// SetScheduler installs the poll driver. Without one, sessions only advance
// through explicit PollStatus or ConfirmNow calls.
func (r *PaymentReconciler) SetScheduler(s PollScheduler) {
	r.scheduler = s
}

func (r *PaymentReconciler) Config() ReconcilerConfig {
	return r.cfg
}

func (r *PaymentReconciler) InitiatePayment(ctx context.Context, draft domain.CheckoutDraft, amount int64) (domain.PaymentSession, error) {
	shift, err := r.orders.ledger.GetShift(ctx, draft.ShiftID)
	if err != nil {
		return domain.PaymentSession{}, err
	}
	if shift.Status != domain.ShiftStatusOpen {
		return domain.PaymentSession{}, fmt.Errorf("%w: shift %s is %s", domain.ErrShiftClosed, shift.ID, shift.Status)
	}
	if draft.EmployeeID == "" {
		draft.EmployeeID = shift.EmployeeID
	}
	total, err := draft.Total()
	if err != nil {
		return domain.PaymentSession{}, err
	}
	if amount != total {
		return domain.PaymentSession{}, fmt.Errorf("%w: amount %d does not match order total %d", domain.ErrValidation, amount, total)
	}
	if amount <= 0 {
		return domain.PaymentSession{}, fmt.Errorf("%w: gateway payments need a positive amount", domain.ErrValidation)
	}

	orderRef := xid.New("PAY")
	info, err := r.gateway.CreateSession(ctx, orderRef, amount, fmt.Sprintf("POS order %s %s", orderRef, domain.FormatMoney(amount)))
	if err != nil {
		if !errors.Is(err, domain.ErrGateway) {
			err = fmt.Errorf("%w: %w", domain.ErrGateway, err)
		}
		r.logger.Warn("payment gateway rejected session", slog.String("order_ref", orderRef), slog.Any("error", err))
		return domain.PaymentSession{}, err
	}

	now := r.now()
	stored := draft
	stored.Cart = draft.Cart.Clone()
	session := domain.PaymentSession{
		OrderRef:   orderRef,
		Amount:     amount,
		GatewayURL: info.SessionURL,
		Status:     domain.PaymentStatusInitiated,
		Method:     r.cfg.Method,
		EmployeeID: draft.EmployeeID,
		Draft:      &stored,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := r.sessions.Create(ctx, session, r.cfg.Retention); err != nil {
		return domain.PaymentSession{}, mapCacheError(err)
	}

	r.audit.record(ctx, now, "payment_initiate", "payment", orderRef,
		fmt.Sprintf("shift=%s,amount=%s", draft.ShiftID, domain.FormatMoney(amount)))
	r.metrics.PaymentTransition(domain.PaymentStatusInitiated)
	r.logger.Info("payment session initiated", slog.String("order_ref", orderRef), slog.Int64("amount", amount))

	if r.scheduler != nil {
		if err := r.scheduler.Schedule(ctx, orderRef); err != nil {
			r.logger.Warn("failed to schedule payment polling", slog.String("order_ref", orderRef), slog.Any("error", err))
		}
	}
	return session, nil
}

// PollStatus asks the gateway once and advances the session. Gateway errors
// count as PENDING until the configured bound is reached.
func (r *PaymentReconciler) PollStatus(ctx context.Context, orderRef string) (domain.PaymentSession, error) {
	current, err := r.GetSession(ctx, orderRef)
	if err != nil {
		return domain.PaymentSession{}, err
	}
	if current.Status.Terminal() {
		return current, nil
	}

	status, gwErr := r.gateway.GetStatus(ctx, orderRef)
	if gwErr == nil {
		switch status {
		case domain.GatewayStatusSuccess:
			session, err := r.Finalize(ctx, orderRef)
			if errors.Is(err, domain.ErrAlreadyFinalized) || errors.Is(err, domain.ErrInvalidState) {
				return r.GetSession(ctx, orderRef)
			}
			return session, err
		case domain.GatewayStatusFailed:
			return r.markFailed(ctx, orderRef, "gateway reported the payment as failed")
		}
	} else {
		r.logger.Warn("payment status poll failed", slog.String("order_ref", orderRef), slog.Any("error", gwErr))
	}

	now := r.now()
	updated, err := r.sessions.Update(ctx, orderRef, r.cfg.Retention, func(s *domain.PaymentSession) error {
		if s.Status.Terminal() {
			return errSessionSettled
		}
		s.PollCount++
		if gwErr != nil {
			s.GatewayErrors++
		} else {
			s.GatewayErrors = 0
		}
		s.Status = domain.PaymentStatusPolling
		s.UpdatedAt = now
		if reason := r.exhausted(*s, now); reason != "" {
			s.Status = domain.PaymentStatusTimedOut
			s.FailureReason = reason
			s.Draft = nil
		}
		return nil
	})
	if errors.Is(err, errSessionSettled) {
		return r.GetSession(ctx, orderRef)
	}
	if err != nil {
		return domain.PaymentSession{}, mapCacheError(err)
	}

	if updated.Status == domain.PaymentStatusTimedOut {
		r.stopPolling(orderRef)
		r.metrics.PaymentTransition(domain.PaymentStatusTimedOut)
		r.audit.record(ctx, now, "payment_timeout", "payment", orderRef, updated.FailureReason)
		r.logger.Warn("payment session timed out", slog.String("order_ref", orderRef), slog.String("reason", updated.FailureReason))
	}
	return *updated, nil
}

func (r *PaymentReconciler) exhausted(s domain.PaymentSession, now time.Time) string {
	switch {
	case s.GatewayErrors >= r.cfg.MaxGatewayErrors:
		return fmt.Sprintf("gateway failed %d times in a row", s.GatewayErrors)
	case s.PollCount >= r.cfg.MaxPolls:
		return fmt.Sprintf("no final status after %d polls", s.PollCount)
	case now.Sub(s.CreatedAt) >= r.cfg.MaxDuration:
		return fmt.Sprintf("no final status after %s", r.cfg.MaxDuration)
	}
	return ""
}

// Finalize claims the session with a conditional INITIATED|POLLING -> CONFIRMED
// transition and creates the order from the stored draft. Only the caller that
// wins the transition creates an order; later callers get ErrAlreadyFinalized.
func (r *PaymentReconciler) Finalize(ctx context.Context, orderRef string) (domain.PaymentSession, error) {
	unlock := r.locks.Lock(orderRef)
	defer unlock()

	// Once claimed the order must be written even if the caller goes away.
	ctx = context.WithoutCancel(ctx)
	now := r.now()

	var draft domain.CheckoutDraft
	claimed, err := r.sessions.Update(ctx, orderRef, r.cfg.Retention, func(s *domain.PaymentSession) error {
		switch s.Status {
		case domain.PaymentStatusConfirmed:
			return fmt.Errorf("%w: %s", domain.ErrAlreadyFinalized, orderRef)
		case domain.PaymentStatusFailed, domain.PaymentStatusCancelled, domain.PaymentStatusTimedOut:
			return fmt.Errorf("%w: payment %s is %s", domain.ErrInvalidState, orderRef, s.Status)
		}
		if s.Draft == nil {
			return fmt.Errorf("%w: payment %s has no pending order", domain.ErrInvalidState, orderRef)
		}
		draft = *s.Draft
		draft.Cart = s.Draft.Cart.Clone()
		s.Status = domain.PaymentStatusConfirmed
		s.UpdatedAt = now
		return nil
	})
	if err != nil {
		return domain.PaymentSession{}, mapCacheError(err)
	}
	r.stopPolling(orderRef)
	r.metrics.PaymentTransition(domain.PaymentStatusConfirmed)

	order, checkoutErr := r.orders.Checkout(ctx, domain.CheckoutRequest{
		CheckoutDraft: draft,
		PaymentMethod: claimed.Method,
		PaymentRef:    orderRef,
	})
	if checkoutErr != nil {
		reason := checkoutErr.Error()
		updated, err := r.sessions.Update(ctx, orderRef, r.cfg.Retention, func(s *domain.PaymentSession) error {
			s.FailureReason = reason
			s.UpdatedAt = r.now()
			return nil
		})
		if err == nil {
			claimed = updated
		}
		r.audit.record(ctx, now, "payment_finalize_failed", "payment", orderRef, reason)
		r.logger.Error("payment confirmed but order could not be created",
			slog.String("order_ref", orderRef),
			slog.Any("error", checkoutErr),
		)
		return *claimed, checkoutErr
	}

	// The draft stays on the session until an order exists for it.
	updated, err := r.sessions.Update(ctx, orderRef, r.cfg.Retention, func(s *domain.PaymentSession) error {
		s.OrderID = order.ID
		s.Draft = nil
		s.UpdatedAt = r.now()
		return nil
	})
	if err != nil {
		r.logger.Error("failed to link order to payment session",
			slog.String("order_ref", orderRef),
			slog.String("order_id", order.ID),
			slog.Any("error", err),
		)
		claimed.OrderID = order.ID
		claimed.Draft = nil
		updated = claimed
	}
	r.audit.record(ctx, now, "payment_confirm", "payment", orderRef, fmt.Sprintf("order=%s", order.ID))
	r.logger.Info("payment confirmed", slog.String("order_ref", orderRef), slog.String("order_id", order.ID))
	return *updated, nil
}

// ConfirmNow is the operator's manual check. It races safely with the poll
// driver because both end in Finalize.
func (r *PaymentReconciler) ConfirmNow(ctx context.Context, orderRef string) (domain.PaymentSession, error) {
	current, err := r.GetSession(ctx, orderRef)
	if err != nil {
		return domain.PaymentSession{}, err
	}
	switch {
	case current.Status == domain.PaymentStatusConfirmed:
		return current, fmt.Errorf("%w: %s", domain.ErrAlreadyFinalized, orderRef)
	case current.Status.Terminal():
		return current, fmt.Errorf("%w: payment %s is %s", domain.ErrInvalidState, orderRef, current.Status)
	}

	status, err := r.gateway.GetStatus(ctx, orderRef)
	if err != nil {
		if !errors.Is(err, domain.ErrGateway) {
			err = fmt.Errorf("%w: %w", domain.ErrGateway, err)
		}
		return current, err
	}
	switch status {
	case domain.GatewayStatusSuccess:
		return r.Finalize(ctx, orderRef)
	case domain.GatewayStatusFailed:
		return r.markFailed(ctx, orderRef, "gateway reported the payment as failed")
	default:
		return current, fmt.Errorf("%w: payment %s is still pending at the gateway", domain.ErrInvalidState, orderRef)
	}
}

// Cancel abandons an open session. On a settled session it is a no-op and
// returns the session as it stands.
func (r *PaymentReconciler) Cancel(ctx context.Context, orderRef string) (domain.PaymentSession, error) {
	unlock := r.locks.Lock(orderRef)
	defer unlock()

	now := r.now()
	updated, err := r.sessions.Update(ctx, orderRef, r.cfg.Retention, func(s *domain.PaymentSession) error {
		if s.Status.Terminal() {
			return errSessionSettled
		}
		s.Status = domain.PaymentStatusCancelled
		s.Draft = nil
		s.UpdatedAt = now
		return nil
	})
	if errors.Is(err, errSessionSettled) {
		return r.GetSession(ctx, orderRef)
	}
	if err != nil {
		return domain.PaymentSession{}, mapCacheError(err)
	}

	r.stopPolling(orderRef)
	r.metrics.PaymentTransition(domain.PaymentStatusCancelled)
	r.audit.record(ctx, now, "payment_cancel", "payment", orderRef, "")
	r.logger.Info("payment session cancelled", slog.String("order_ref", orderRef))
	return *updated, nil
}

func (r *PaymentReconciler) GetSession(ctx context.Context, orderRef string) (domain.PaymentSession, error) {
	session, err := r.sessions.Get(ctx, orderRef)
	if err != nil {
		return domain.PaymentSession{}, mapCacheError(err)
	}
	return *session, nil
}

func (r *PaymentReconciler) markFailed(ctx context.Context, orderRef string, reason string) (domain.PaymentSession, error) {
	unlock := r.locks.Lock(orderRef)
	defer unlock()

	now := r.now()
	updated, err := r.sessions.Update(ctx, orderRef, r.cfg.Retention, func(s *domain.PaymentSession) error {
		if s.Status.Terminal() {
			return errSessionSettled
		}
		s.Status = domain.PaymentStatusFailed
		s.FailureReason = reason
		s.Draft = nil
		s.UpdatedAt = now
		return nil
	})
	if errors.Is(err, errSessionSettled) {
		return r.GetSession(ctx, orderRef)
	}
	if err != nil {
		return domain.PaymentSession{}, mapCacheError(err)
	}

	r.stopPolling(orderRef)
	r.metrics.PaymentTransition(domain.PaymentStatusFailed)
	r.audit.record(ctx, now, "payment_fail", "payment", orderRef, reason)
	r.logger.Info("payment failed", slog.String("order_ref", orderRef))
	return *updated, nil
}

func (r *PaymentReconciler) stopPolling(orderRef string) {
	if r.scheduler != nil {
		r.scheduler.Stop(orderRef)
	}
}

// LoopScheduler polls each session from a goroutine on a fixed interval.
// Loops end when the session settles, on Stop, or when the base context ends.
type LoopScheduler struct {
	base     context.Context
	poller   Poller
	interval time.Duration
	logger   *slog.Logger

	mu    sync.Mutex
	loops map[string]context.CancelFunc
	wg    sync.WaitGroup
}

func NewLoopScheduler(base context.Context, poller Poller, interval time.Duration, logger *slog.Logger) *LoopScheduler {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &LoopScheduler{
		base:     base,
		poller:   poller,
		interval: interval,
		logger:   logger,
		loops:    make(map[string]context.CancelFunc),
	}
}

// Schedule starts a loop for orderRef. The request context is not used so the
// loop outlives the request that started it.
func (s *LoopScheduler) Schedule(_ context.Context, orderRef string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.base.Err(); err != nil {
		return err
	}
	if _, running := s.loops[orderRef]; running {
		return nil
	}
	ctx, cancel := context.WithCancel(s.base)
	s.loops[orderRef] = cancel
	s.wg.Add(1)
	go s.run(ctx, orderRef)
	return nil
}

func (s *LoopScheduler) Stop(orderRef string) {
	s.mu.Lock()
	cancel, ok := s.loops[orderRef]
	s.mu.Unlock()
	if ok {
		cancel()
	}
}

// Active reports how many loops are still running.
func (s *LoopScheduler) Active() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.loops)
}

// Wait blocks until every loop has returned.
func (s *LoopScheduler) Wait() {
	s.wg.Wait()
}

func (s *LoopScheduler) run(ctx context.Context, orderRef string) {
	defer s.wg.Done()
	defer func() {
		s.mu.Lock()
		if cancel, ok := s.loops[orderRef]; ok {
			cancel()
			delete(s.loops, orderRef)
		}
		s.mu.Unlock()
	}()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			session, err := s.poller.PollStatus(ctx, orderRef)
			if errors.Is(err, domain.ErrNotFound) {
				return
			}
			if err != nil {
				s.logger.Warn("payment poll tick failed", slog.String("order_ref", orderRef), slog.Any("error", err))
				continue
			}
			if session.Status.Terminal() {
				return
			}
		}
	}
}
