package domain

import (
	"fmt"
	"strings"
	"time"
)

func NewShift(id string, req ShiftOpenRequest, now time.Time) (Shift, error) {
	if strings.TrimSpace(req.EmployeeID) == "" {
		return Shift{}, fmt.Errorf("%w: employee id is required", ErrValidation)
	}
	if req.OpeningCash < 0 {
		return Shift{}, fmt.Errorf("%w: opening cash must not be negative", ErrValidation)
	}
	name := strings.TrimSpace(req.ShiftName)
	if name == "" {
		name = "Shift " + now.Format("2006-01-02 15:04")
	}
	return Shift{
		ID:                id,
		EmployeeID:        strings.TrimSpace(req.EmployeeID),
		EmployeeName:      strings.TrimSpace(req.EmployeeName),
		ShiftName:         name,
		OpeningCash:       req.OpeningCash,
		ShiftStartTime:    now,
		Status:            ShiftStatusOpen,
		CashDenominations: []CashDenomination{},
		Notes:             strings.TrimSpace(req.Notes),
	}, nil
}

// RunningExpectedCash is the cash the drawer should hold given what has been recorded so far.
func (s Shift) RunningExpectedCash() int64 {
	return s.OpeningCash + s.CashRevenue
}

func (s *Shift) ApplyOrder(order POSOrder) error {
	if s.Status != ShiftStatusOpen {
		return fmt.Errorf("%w: shift %s is %s", ErrNotFound, s.ID, s.Status)
	}
	if order.TotalAmount < 0 {
		return fmt.Errorf("%w: order total must not be negative", ErrValidation)
	}

	switch order.PaymentMethod {
	case PaymentMethodCash:
		s.CashRevenue += order.TotalAmount
	case PaymentMethodBankTransfer:
		s.BankTransferRevenue += order.TotalAmount
	case PaymentMethodEWallet:
		s.EWalletRevenue += order.TotalAmount
	default:
		return fmt.Errorf("%w: unsupported payment method %q", ErrValidation, order.PaymentMethod)
	}
	s.TotalRevenue += order.TotalAmount
	s.TotalOrders++
	return nil
}

// Close snapshots expected cash and moves the shift to PENDING. Shortages and
// overages are recorded in CashDifference, never rejected.
func (s *Shift) Close(actual int64, denominations []CashDenomination, notes string, now time.Time) error {
	if actual < 0 {
		return fmt.Errorf("%w: actual cash in drawer must not be negative", ErrValidation)
	}
	if s.Status != ShiftStatusOpen {
		return fmt.Errorf("%w: shift %s is %s, only OPEN shifts can be closed", ErrValidation, s.ID, s.Status)
	}

	counted, total, err := NormalizeDenominations(denominations)
	if err != nil {
		return err
	}
	// A supplied count must match the drawer even when every row is zero.
	if len(denominations) > 0 && total != actual {
		return fmt.Errorf("%w: denominations sum to %d but actual cash is %d", ErrValidation, total, actual)
	}

	expected := s.RunningExpectedCash()
	difference := actual - expected
	end := now

	s.Status = ShiftStatusPending
	s.ShiftEndTime = &end
	s.ActualCashInDrawer = &actual
	s.CashDenominations = counted
	s.ExpectedCash = &expected
	s.CashDifference = &difference
	if trimmed := strings.TrimSpace(notes); trimmed != "" {
		s.Notes = trimmed
	}
	return nil
}

func (s *Shift) Approve(adminName string, adminNotes string, now time.Time) error {
	if s.Status != ShiftStatusPending {
		return fmt.Errorf("%w: shift %s is %s, only PENDING shifts can be approved", ErrInvalidState, s.ID, s.Status)
	}
	at := now
	s.Status = ShiftStatusApproved
	s.ApprovedBy = adminName
	s.ApprovedAt = &at
	if trimmed := strings.TrimSpace(adminNotes); trimmed != "" {
		s.AdminNotes = trimmed
	}
	return nil
}

func (s *Shift) Reject(adminName string, adminNotes string, now time.Time) error {
	reason := strings.TrimSpace(adminNotes)
	if reason == "" {
		return fmt.Errorf("%w: a rejection reason is required", ErrValidation)
	}
	if s.Status != ShiftStatusPending {
		return fmt.Errorf("%w: shift %s is %s, only PENDING shifts can be rejected", ErrInvalidState, s.ID, s.Status)
	}
	at := now
	s.Status = ShiftStatusRejected
	s.RejectedBy = adminName
	s.RejectedAt = &at
	s.AdminNotes = reason
	return nil
}

func (s *Shift) SetAdminNotes(notes string) error {
	if s.Status == ShiftStatusOpen {
		return fmt.Errorf("%w: shift %s has not been handed over yet", ErrInvalidState, s.ID)
	}
	s.AdminNotes = strings.TrimSpace(notes)
	return nil
}

// NormalizeDenominations recomputes each line total and drops empty counts.
func NormalizeDenominations(denominations []CashDenomination) ([]CashDenomination, int64, error) {
	counted := make([]CashDenomination, 0, len(denominations))
	sum := int64(0)
	for _, d := range denominations {
		if d.Denomination <= 0 || d.Quantity < 0 {
			return nil, 0, fmt.Errorf("%w: invalid denomination %d x %d", ErrValidation, d.Denomination, d.Quantity)
		}
		if d.Quantity == 0 {
			continue
		}
		d.Total = d.Denomination * int64(d.Quantity)
		sum += d.Total
		counted = append(counted, d)
	}
	return counted, sum, nil
}

func (s Shift) Clone() Shift {
	out := s
	out.CashDenominations = append([]CashDenomination{}, s.CashDenominations...)
	out.ShiftEndTime = cloneTime(s.ShiftEndTime)
	out.ApprovedAt = cloneTime(s.ApprovedAt)
	out.RejectedAt = cloneTime(s.RejectedAt)
	out.ActualCashInDrawer = cloneInt64(s.ActualCashInDrawer)
	out.ExpectedCash = cloneInt64(s.ExpectedCash)
	out.CashDifference = cloneInt64(s.CashDifference)
	return out
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

func cloneInt64(v *int64) *int64 {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}
