package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"kasirinaja/posledger/internal/domain"
	"kasirinaja/posledger/internal/gateway"
	"kasirinaja/posledger/internal/metrics"
	"kasirinaja/posledger/internal/store"
	"kasirinaja/posledger/internal/xid"
)

// OrderProcessor turns carts into orders. A checkout either persists the order,
// its stock decrements and the shift totals together, or none of them.
type OrderProcessor struct {
	ledger    *ShiftLedger
	inventory gateway.InventoryGateway
	logger    *slog.Logger
	metrics   *metrics.Metrics
	now       func() time.Time
}

func NewOrderProcessor(ledger *ShiftLedger, inventory gateway.InventoryGateway, logger *slog.Logger, m *metrics.Metrics) *OrderProcessor {
	if logger == nil {
		logger = slog.Default()
	}
	return &OrderProcessor{
		ledger:    ledger,
		inventory: inventory,
		logger:    logger,
		metrics:   m,
		now:       utcNow,
	}
}

func (p *OrderProcessor) WithNow(now func() time.Time) {
	if now != nil {
		p.now = now
	}
}

func (p *OrderProcessor) Checkout(ctx context.Context, req domain.CheckoutRequest) (domain.POSOrder, error) {
	shift, err := p.ledger.GetShift(ctx, req.ShiftID)
	if err != nil {
		return domain.POSOrder{}, err
	}
	if shift.Status != domain.ShiftStatusOpen {
		return domain.POSOrder{}, fmt.Errorf("%w: shift %s is %s", domain.ErrShiftClosed, shift.ID, shift.Status)
	}
	if req.EmployeeID == "" {
		req.EmployeeID = shift.EmployeeID
	}

	now := p.now()
	order, err := domain.NewOrder(xid.New("ORD"), xid.Code("POS", now), req, now)
	if err != nil {
		return domain.POSOrder{}, err
	}

	reserved, err := p.reserveStock(ctx, req.Cart.Lines)
	if err != nil {
		return domain.POSOrder{}, err
	}

	saved, _, err := p.ledger.RecordOrder(ctx, shift.ID, order)
	if err != nil {
		p.releaseStock(ctx, reserved)
		if errors.Is(err, domain.ErrNotFound) {
			return domain.POSOrder{}, fmt.Errorf("%w: shift %s closed before the order was recorded", domain.ErrShiftClosed, shift.ID)
		}
		return domain.POSOrder{}, err
	}

	p.logger.Info("order completed",
		slog.String("order_id", saved.ID),
		slog.String("code", saved.Code),
		slog.String("shift_id", saved.ShiftID),
		slog.String("method", string(saved.PaymentMethod)),
		slog.Int64("total", saved.TotalAmount),
	)
	return saved, nil
}

// reserveStock decrements every line. On the first failure it puts back what
// was already taken and reports a conflict.
func (p *OrderProcessor) reserveStock(ctx context.Context, lines []domain.CartLine) ([]domain.CartLine, error) {
	reserved := make([]domain.CartLine, 0, len(lines))
	for _, line := range lines {
		if err := p.inventory.DecrementStock(ctx, line.ProductID, line.Quantity); err != nil {
			p.releaseStock(ctx, reserved)
			if errors.Is(err, store.ErrInsufficientStock) || errors.Is(err, domain.ErrOutOfStock) || errors.Is(err, domain.ErrConflict) {
				p.metrics.CheckoutConflict()
				return nil, fmt.Errorf("%w: %s no longer has %d in stock", domain.ErrConflict, line.ProductID, line.Quantity)
			}
			return nil, mapStoreError(err)
		}
		reserved = append(reserved, line)
	}
	return reserved, nil
}

// releaseStock puts reserved quantities back. A line that cannot be restored
// is left decremented and recorded in the audit log for manual correction.
func (p *OrderProcessor) releaseStock(ctx context.Context, lines []domain.CartLine) {
	ctx = context.WithoutCancel(ctx)
	for _, line := range lines {
		if err := p.inventory.IncrementStock(ctx, line.ProductID, line.Quantity); err != nil {
			p.logger.Error("failed to restore reserved stock",
				slog.String("product_id", line.ProductID),
				slog.Int("qty", line.Quantity),
				slog.Any("error", err),
			)
			p.ledger.audit.record(ctx, p.now(), "stock_restore_failed", "product", line.ProductID,
				fmt.Sprintf("qty=%d,error=%v", line.Quantity, err))
		}
	}
}

func (p *OrderProcessor) GetOrder(ctx context.Context, id string) (domain.POSOrder, error) {
	order, err := p.ledger.repo.GetOrder(ctx, id)
	if err != nil {
		return domain.POSOrder{}, mapStoreError(err)
	}
	return *order, nil
}

func (p *OrderProcessor) ListOrders(ctx context.Context, filter domain.OrderFilter) ([]domain.POSOrder, error) {
	if filter.Limit <= 0 || filter.Limit > 500 {
		filter.Limit = 100
	}
	if !filter.From.IsZero() && !filter.To.IsZero() && filter.To.Before(filter.From) {
		return nil, fmt.Errorf("%w: range end is before range start", domain.ErrValidation)
	}
	return p.ledger.repo.ListOrders(ctx, filter)
}
