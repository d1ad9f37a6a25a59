package httpapi

import (
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"kasirinaja/posledger/internal/domain"
)

type sandboxPayPage struct {
	OrderRef    string               `json:"order_ref"`
	Amount      int64                `json:"amount"`
	AmountLabel string               `json:"amount_label"`
	Status      domain.GatewayStatus `json:"status"`
}

// handleSandboxPayGet is the page behind the sandbox gateway_url.
func (a *API) handleSandboxPayGet(w http.ResponseWriter, r *http.Request) {
	ref := chi.URLParam(r, "ref")
	amount, status, err := a.sandbox.Lookup(ref)
	if err != nil {
		fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sandboxPayPage{
		OrderRef:    ref,
		Amount:      amount,
		AmountLabel: domain.FormatMoney(amount),
		Status:      status,
	})
}

// handleSandboxPayOutcome plays the customer: approve or decline the payment.
func (a *API) handleSandboxPayOutcome(w http.ResponseWriter, r *http.Request) {
	var status domain.GatewayStatus
	switch outcome := chi.URLParam(r, "outcome"); outcome {
	case "approve":
		status = domain.GatewayStatusSuccess
	case "decline":
		status = domain.GatewayStatusFailed
	default:
		fail(w, fmt.Errorf("%w: unknown outcome %q", domain.ErrValidation, outcome))
		return
	}

	ref := chi.URLParam(r, "ref")
	if err := a.sandbox.SetStatus(ref, status); err != nil {
		fail(w, err)
		return
	}
	a.handleSandboxPayGet(w, r)
}
