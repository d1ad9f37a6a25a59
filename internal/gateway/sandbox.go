package gateway

import (
	"context"
	"fmt"
	"sync"

	"kasirinaja/posledger/internal/domain"
)

// SandboxPaymentGateway is an in-process provider used in development and tests.
// Sessions report PENDING until SetStatus is called or AutoApproveAfter polls
// have been answered.
type SandboxPaymentGateway struct {
	mu               sync.Mutex
	baseURL          string
	autoApproveAfter int
	sessions         map[string]*sandboxSession
	rejectCreate     error
	statusErrors     int
}

type sandboxSession struct {
	amount int64
	status domain.GatewayStatus
	polls  int
}

func NewSandboxPaymentGateway(baseURL string, autoApproveAfter int) *SandboxPaymentGateway {
	if baseURL == "" {
		baseURL = "http://127.0.0.1:8080/sandbox/pay"
	}
	return &SandboxPaymentGateway{
		baseURL:          baseURL,
		autoApproveAfter: autoApproveAfter,
		sessions:         make(map[string]*sandboxSession),
	}
}

func (g *SandboxPaymentGateway) CreateSession(_ context.Context, orderRef string, amount int64, _ string) (SessionInfo, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.rejectCreate != nil {
		return SessionInfo{}, fmt.Errorf("%w: %v", domain.ErrGateway, g.rejectCreate)
	}
	if amount <= 0 {
		return SessionInfo{}, fmt.Errorf("%w: amount must be greater than 0", domain.ErrGateway)
	}
	if _, exists := g.sessions[orderRef]; exists {
		return SessionInfo{}, fmt.Errorf("%w: duplicate order reference %s", domain.ErrGateway, orderRef)
	}
	g.sessions[orderRef] = &sandboxSession{amount: amount, status: domain.GatewayStatusPending}
	return SessionInfo{SessionURL: fmt.Sprintf("%s/%s", g.baseURL, orderRef)}, nil
}

func (g *SandboxPaymentGateway) GetStatus(_ context.Context, orderRef string) (domain.GatewayStatus, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.statusErrors > 0 {
		g.statusErrors--
		return "", fmt.Errorf("%w: sandbox provider unavailable", domain.ErrGateway)
	}
	session, ok := g.sessions[orderRef]
	if !ok {
		return "", fmt.Errorf("%w: unknown order reference %s", domain.ErrGateway, orderRef)
	}
	session.polls++
	if session.status == domain.GatewayStatusPending && g.autoApproveAfter > 0 && session.polls >= g.autoApproveAfter {
		session.status = domain.GatewayStatusSuccess
	}
	return session.status, nil
}

// SetStatus simulates the customer completing or abandoning the hosted payment.
func (g *SandboxPaymentGateway) SetStatus(orderRef string, status domain.GatewayStatus) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	session, ok := g.sessions[orderRef]
	if !ok {
		return fmt.Errorf("%w: unknown order reference %s", domain.ErrNotFound, orderRef)
	}
	session.status = status
	return nil
}

// Lookup reports the amount and current status without counting as a poll.
func (g *SandboxPaymentGateway) Lookup(orderRef string) (int64, domain.GatewayStatus, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	session, ok := g.sessions[orderRef]
	if !ok {
		return 0, "", fmt.Errorf("%w: unknown order reference %s", domain.ErrNotFound, orderRef)
	}
	return session.amount, session.status, nil
}

// RejectSessions makes every following CreateSession fail with err. Pass nil to reset.
func (g *SandboxPaymentGateway) RejectSessions(err error) {
	g.mu.Lock()
	g.rejectCreate = err
	g.mu.Unlock()
}

// FailStatusCalls makes the next n GetStatus calls return a gateway error.
func (g *SandboxPaymentGateway) FailStatusCalls(n int) {
	g.mu.Lock()
	g.statusErrors = n
	g.mu.Unlock()
}
