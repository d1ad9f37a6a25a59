package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"kasirinaja/posledger/internal/domain"
	"kasirinaja/posledger/internal/metrics"
	"kasirinaja/posledger/internal/store"
	"kasirinaja/posledger/internal/xid"
)

// ShiftLedger owns the cash-drawer lifecycle of each employee. Writes to one
// shift are serialized so no order can land after its closing snapshot.
type ShiftLedger struct {
	repo    store.Repository
	audit   auditor
	logger  *slog.Logger
	metrics *metrics.Metrics
	locks   *keyedMutex
	now     func() time.Time
}

func NewShiftLedger(repo store.Repository, logger *slog.Logger, m *metrics.Metrics) *ShiftLedger {
	if logger == nil {
		logger = slog.Default()
	}
	return &ShiftLedger{
		repo:    repo,
		audit:   auditor{repo: repo, logger: logger},
		logger:  logger,
		metrics: m,
		locks:   newKeyedMutex(),
		now:     utcNow,
	}
}

func (l *ShiftLedger) WithNow(now func() time.Time) {
	if now != nil {
		l.now = now
	}
}

// OpenShift starts a drawer session. When the request names no employee the
// authenticated actor is used.
func (l *ShiftLedger) OpenShift(ctx context.Context, req domain.ShiftOpenRequest) (domain.Shift, error) {
	if actor, ok := ActorFromContext(ctx); ok {
		if strings.TrimSpace(req.EmployeeID) == "" {
			req.EmployeeID = actor.Username
		}
		if strings.TrimSpace(req.EmployeeName) == "" {
			req.EmployeeName = actor.DisplayName
		}
	}

	shift, err := domain.NewShift(xid.New("SHF"), req, l.now())
	if err != nil {
		return domain.Shift{}, err
	}

	saved, err := l.repo.CreateShift(ctx, shift)
	if err != nil {
		if errors.Is(err, store.ErrShiftAlreadyOpen) {
			return domain.Shift{}, fmt.Errorf("%w: employee %s already has an open shift", domain.ErrConflict, shift.EmployeeID)
		}
		return domain.Shift{}, mapStoreError(err)
	}

	l.audit.record(ctx, saved.ShiftStartTime, "shift_open", "shift", saved.ID,
		fmt.Sprintf("employee=%s,opening_cash=%s", saved.EmployeeID, domain.FormatMoney(saved.OpeningCash)))
	l.metrics.ShiftTransition(domain.ShiftStatusOpen)
	l.logger.Info("shift opened",
		slog.String("shift_id", saved.ID),
		slog.String("employee_id", saved.EmployeeID),
		slog.Int64("opening_cash", saved.OpeningCash),
	)
	return *saved, nil
}

// RecordOrder persists order and folds it into the running totals of its shift
// in one store transaction. It fails with ErrNotFound unless the shift is OPEN.
func (l *ShiftLedger) RecordOrder(ctx context.Context, shiftID string, order domain.POSOrder) (domain.POSOrder, domain.Shift, error) {
	if order.ShiftID == "" {
		order.ShiftID = shiftID
	}
	if order.ShiftID != shiftID {
		return domain.POSOrder{}, domain.Shift{}, fmt.Errorf("%w: order belongs to shift %s, not %s", domain.ErrValidation, order.ShiftID, shiftID)
	}

	unlock := l.locks.Lock(shiftID)
	defer unlock()

	saved, shift, err := l.repo.SaveOrder(ctx, order, func(s *domain.Shift) error {
		return s.ApplyOrder(order)
	})
	if err != nil {
		return domain.POSOrder{}, domain.Shift{}, mapStoreError(err)
	}

	l.audit.record(ctx, saved.CreatedAt, "order_create", "order", saved.ID,
		fmt.Sprintf("code=%s,shift=%s,method=%s,total=%s", saved.Code, shiftID, saved.PaymentMethod, domain.FormatMoney(saved.TotalAmount)))
	l.metrics.OrderCompleted(*saved)
	return *saved, *shift, nil
}

// CloseShift hands the drawer over for review. Cash differences are recorded,
// never rejected.
func (l *ShiftLedger) CloseShift(ctx context.Context, shiftID string, req domain.ShiftCloseRequest) (domain.Shift, error) {
	unlock := l.locks.Lock(shiftID)
	defer unlock()

	now := l.now()
	closed, err := l.repo.UpdateShift(ctx, shiftID, func(s *domain.Shift) error {
		return s.Close(req.ActualCashInDrawer, req.CashDenominations, req.Notes, now)
	})
	if err != nil {
		return domain.Shift{}, mapStoreError(err)
	}

	difference := int64(0)
	if closed.CashDifference != nil {
		difference = *closed.CashDifference
	}
	l.audit.record(ctx, now, "shift_close", "shift", closed.ID,
		fmt.Sprintf("actual=%s,expected=%s,difference=%d", domain.FormatMoney(req.ActualCashInDrawer), domain.FormatMoney(*closed.ExpectedCash), difference))
	l.metrics.ShiftTransition(domain.ShiftStatusPending)

	attrs := []any{
		slog.String("shift_id", closed.ID),
		slog.Int64("expected_cash", *closed.ExpectedCash),
		slog.Int64("cash_difference", difference),
	}
	if difference != 0 {
		l.logger.Warn("shift closed with cash discrepancy", attrs...)
	} else {
		l.logger.Info("shift closed", attrs...)
	}
	return *closed, nil
}

func (l *ShiftLedger) GetShift(ctx context.Context, id string) (domain.Shift, error) {
	shift, err := l.repo.GetShift(ctx, strings.TrimSpace(id))
	if err != nil {
		return domain.Shift{}, mapStoreError(err)
	}
	return *shift, nil
}

func (l *ShiftLedger) ActiveShift(ctx context.Context, employeeID string) (domain.Shift, error) {
	employeeID = strings.TrimSpace(employeeID)
	if employeeID == "" {
		return domain.Shift{}, fmt.Errorf("%w: employee id is required", domain.ErrValidation)
	}
	shift, err := l.repo.GetOpenShiftByEmployee(ctx, employeeID)
	if err != nil {
		return domain.Shift{}, mapStoreError(err)
	}
	return *shift, nil
}

func (l *ShiftLedger) ListShifts(ctx context.Context, filter domain.ShiftFilter) ([]domain.Shift, error) {
	if filter.Limit <= 0 || filter.Limit > 500 {
		filter.Limit = 100
	}
	if !filter.From.IsZero() && !filter.To.IsZero() && filter.To.Before(filter.From) {
		return nil, fmt.Errorf("%w: range end is before range start", domain.ErrValidation)
	}
	return l.repo.ListShifts(ctx, filter)
}
