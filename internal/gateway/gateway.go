package gateway

import (
	"context"
	"strings"

	"kasirinaja/posledger/internal/domain"
)

// InventoryGateway is the catalog and stock collaborator. DecrementStock must be
// a single check-and-decrement so concurrent checkouts cannot oversell.
type InventoryGateway interface {
	GetProduct(ctx context.Context, productID string) (domain.InventoryItem, error)
	DecrementStock(ctx context.Context, productID string, qty int) error
	IncrementStock(ctx context.Context, productID string, qty int) error
}

// PaymentGateway is the provider-agnostic interface for hosted payment sessions.
type PaymentGateway interface {
	CreateSession(ctx context.Context, orderRef string, amount int64, description string) (SessionInfo, error)
	GetStatus(ctx context.Context, orderRef string) (domain.GatewayStatus, error)
}

type SessionInfo struct {
	SessionURL string `json:"session_url"`
}

// NormaliseStatus maps provider status strings to a GatewayStatus. Anything
// unrecognised is treated as still pending.
func NormaliseStatus(raw string) domain.GatewayStatus {
	switch strings.ToUpper(strings.TrimSpace(raw)) {
	case "SUCCESS", "SUCCESSFUL", "PAID", "SETTLEMENT", "00":
		return domain.GatewayStatusSuccess
	case "FAILED", "FAILURE", "DENIED", "EXPIRED", "CANCELLED", "CANCELED":
		return domain.GatewayStatusFailed
	default:
		return domain.GatewayStatusPending
	}
}
