package store

import (
	"context"
	"errors"

	"kasirinaja/posledger/internal/domain"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrInsufficientStock = errors.New("insufficient stock")
	ErrShiftAlreadyOpen  = errors.New("employee already has an open shift")
	ErrDuplicate         = errors.New("duplicate record")
)

// ShiftMutation runs against the latest persisted copy of a shift while the
// store holds it exclusively. Returning an error aborts the write.
type ShiftMutation func(shift *domain.Shift) error

type ShiftRepository interface {
	CreateShift(ctx context.Context, shift domain.Shift) (*domain.Shift, error)
	GetShift(ctx context.Context, id string) (*domain.Shift, error)
	GetOpenShiftByEmployee(ctx context.Context, employeeID string) (*domain.Shift, error)
	UpdateShift(ctx context.Context, id string, mutate ShiftMutation) (*domain.Shift, error)
	ListShifts(ctx context.Context, filter domain.ShiftFilter) ([]domain.Shift, error)
}

type OrderRepository interface {
	// SaveOrder persists the order and applies mutate to its shift in one atomic step.
	SaveOrder(ctx context.Context, order domain.POSOrder, mutate ShiftMutation) (*domain.POSOrder, *domain.Shift, error)
	GetOrder(ctx context.Context, id string) (*domain.POSOrder, error)
	ListOrders(ctx context.Context, filter domain.OrderFilter) ([]domain.POSOrder, error)
}

type AuditRepository interface {
	CreateAuditLog(ctx context.Context, entry domain.AuditLog) error
	ListAuditLogs(ctx context.Context, filter domain.AuditFilter) ([]domain.AuditLog, error)
}

type UserRepository interface {
	CreateUser(ctx context.Context, user domain.UserAccount) error
	ListUsers(ctx context.Context) ([]domain.UserAccount, error)
	UpdateUserPassword(ctx context.Context, username string, password string) error
}

type Repository interface {
	ShiftRepository
	OrderRepository
	AuditRepository
	UserRepository
}
