package service

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"kasirinaja/posledger/internal/domain"
	"kasirinaja/posledger/internal/metrics"
	"kasirinaja/posledger/internal/store"
)

// ApprovalWorkflow moves handed-over shifts to APPROVED or REJECTED. A
// rejection only marks the shift; orders and stock stay as recorded.
type ApprovalWorkflow struct {
	repo    store.Repository
	audit   auditor
	logger  *slog.Logger
	metrics *metrics.Metrics
	now     func() time.Time
}

func NewApprovalWorkflow(repo store.Repository, logger *slog.Logger, m *metrics.Metrics) *ApprovalWorkflow {
	if logger == nil {
		logger = slog.Default()
	}
	return &ApprovalWorkflow{
		repo:    repo,
		audit:   auditor{repo: repo, logger: logger},
		logger:  logger,
		metrics: m,
		now:     utcNow,
	}
}

func (w *ApprovalWorkflow) WithNow(now func() time.Time) {
	if now != nil {
		w.now = now
	}
}

func (w *ApprovalWorkflow) Approve(ctx context.Context, shiftID string, admin domain.Actor, adminNotes string) (domain.Shift, error) {
	name, err := reviewerName(admin)
	if err != nil {
		return domain.Shift{}, err
	}

	now := w.now()
	shift, err := w.repo.UpdateShift(ctx, shiftID, func(s *domain.Shift) error {
		return s.Approve(name, adminNotes, now)
	})
	if err != nil {
		return domain.Shift{}, mapStoreError(err)
	}

	w.audit.record(ctx, now, "shift_approve", "shift", shift.ID, fmt.Sprintf("approved_by=%s", name))
	w.metrics.ShiftTransition(domain.ShiftStatusApproved)
	w.logger.Info("shift approved", slog.String("shift_id", shift.ID), slog.String("approved_by", name))
	return *shift, nil
}

func (w *ApprovalWorkflow) Reject(ctx context.Context, shiftID string, admin domain.Actor, adminNotes string) (domain.Shift, error) {
	if strings.TrimSpace(adminNotes) == "" {
		return domain.Shift{}, fmt.Errorf("%w: a rejection reason is required", domain.ErrValidation)
	}
	name, err := reviewerName(admin)
	if err != nil {
		return domain.Shift{}, err
	}

	now := w.now()
	shift, err := w.repo.UpdateShift(ctx, shiftID, func(s *domain.Shift) error {
		return s.Reject(name, adminNotes, now)
	})
	if err != nil {
		return domain.Shift{}, mapStoreError(err)
	}

	w.audit.record(ctx, now, "shift_reject", "shift", shift.ID, fmt.Sprintf("rejected_by=%s,reason=%s", name, shift.AdminNotes))
	w.metrics.ShiftTransition(domain.ShiftStatusRejected)
	w.logger.Warn("shift rejected", slog.String("shift_id", shift.ID), slog.String("rejected_by", name))
	return *shift, nil
}

// UpdateAdminNotes is the one edit allowed once a shift has been handed over,
// including after it reached a terminal status.
func (w *ApprovalWorkflow) UpdateAdminNotes(ctx context.Context, shiftID string, notes string) (domain.Shift, error) {
	shift, err := w.repo.UpdateShift(ctx, shiftID, func(s *domain.Shift) error {
		return s.SetAdminNotes(notes)
	})
	if err != nil {
		return domain.Shift{}, mapStoreError(err)
	}
	w.audit.record(ctx, w.now(), "shift_admin_notes", "shift", shift.ID, shift.AdminNotes)
	return *shift, nil
}

func reviewerName(admin domain.Actor) (string, error) {
	if name := strings.TrimSpace(admin.DisplayName); name != "" {
		return name, nil
	}
	if id := strings.TrimSpace(admin.Username); id != "" {
		return id, nil
	}
	return "", fmt.Errorf("%w: reviewer identity is required", domain.ErrValidation)
}
