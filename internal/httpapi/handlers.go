package httpapi

import (
	"context"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"kasirinaja/posledger/internal/domain"
	"kasirinaja/posledger/internal/service"
)

type cartItemRequest struct {
	ProductID string `json:"product_id" validate:"required"`
	Quantity  int    `json:"quantity" validate:"gt=0"`
}

type cartQuantityRequest struct {
	Quantity int `json:"quantity" validate:"gte=0"`
}

func actorFrom(r *http.Request) domain.Actor {
	actor, _ := service.ActorFromContext(r.Context())
	return actor
}

// checkShiftAccess lets admins act on any shift and cashiers only on their own.
func (a *API) checkShiftAccess(ctx context.Context, actor domain.Actor, shiftID string) (domain.Shift, error) {
	shift, err := a.service.Ledger.GetShift(ctx, shiftID)
	if err != nil {
		return domain.Shift{}, err
	}
	if actor.Role != domain.RoleAdmin && shift.EmployeeID != actor.Username {
		return domain.Shift{}, fmt.Errorf("%w: shift %s belongs to another employee", errForbidden, shiftID)
	}
	return shift, nil
}

// checkCartAccess lets admins touch any cart and cashiers only the carts they
// created.
func (a *API) checkCartAccess(ctx context.Context, actor domain.Actor, cartID string) (domain.Cart, error) {
	cart, err := a.service.Carts.Get(ctx, cartID)
	if err != nil {
		return domain.Cart{}, err
	}
	if actor.Role != domain.RoleAdmin && cart.Owner != actor.Username {
		return domain.Cart{}, fmt.Errorf("%w: cart %s belongs to another employee", errForbidden, cart.ID)
	}
	return cart, nil
}

// checkPaymentAccess resolves the session's employee, falling back to the
// draft's shift for sessions stored without one.
func (a *API) checkPaymentAccess(ctx context.Context, actor domain.Actor, orderRef string) (domain.PaymentSession, error) {
	session, err := a.service.Payments.GetSession(ctx, orderRef)
	if err != nil {
		return domain.PaymentSession{}, err
	}
	if actor.Role == domain.RoleAdmin {
		return session, nil
	}
	owner := session.EmployeeID
	if owner == "" && session.Draft != nil {
		if shift, err := a.service.Ledger.GetShift(ctx, session.Draft.ShiftID); err == nil {
			owner = shift.EmployeeID
		}
	}
	if owner != actor.Username {
		return domain.PaymentSession{}, fmt.Errorf("%w: payment %s belongs to another employee", errForbidden, orderRef)
	}
	return session, nil
}

func (a *API) handleShiftOpen(w http.ResponseWriter, r *http.Request) {
	var req domain.ShiftOpenRequest
	if err := a.decodeValid(r, &req); err != nil {
		fail(w, err)
		return
	}
	actor := actorFrom(r)
	if actor.Role != domain.RoleAdmin || req.EmployeeID == "" {
		req.EmployeeID = actor.Username
	}

	shift, err := a.service.Ledger.OpenShift(r.Context(), req)
	if err != nil {
		fail(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, shift)
}

func (a *API) handleShiftActive(w http.ResponseWriter, r *http.Request) {
	actor := actorFrom(r)
	employeeID := actor.Username
	if actor.Role == domain.RoleAdmin && r.URL.Query().Get("employee_id") != "" {
		employeeID = r.URL.Query().Get("employee_id")
	}

	shift, err := a.service.Ledger.ActiveShift(r.Context(), employeeID)
	if err != nil {
		fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, shift)
}

func (a *API) handleShiftGet(w http.ResponseWriter, r *http.Request) {
	shift, err := a.checkShiftAccess(r.Context(), actorFrom(r), chi.URLParam(r, "id"))
	if err != nil {
		fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, shift)
}

func (a *API) handleShiftClose(w http.ResponseWriter, r *http.Request) {
	shiftID := chi.URLParam(r, "id")
	if _, err := a.checkShiftAccess(r.Context(), actorFrom(r), shiftID); err != nil {
		fail(w, err)
		return
	}

	var req domain.ShiftCloseRequest
	if err := a.decodeValid(r, &req); err != nil {
		fail(w, err)
		return
	}

	shift, err := a.service.Ledger.CloseShift(r.Context(), shiftID, req)
	if err != nil {
		fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, shift)
}

func (a *API) handleShiftList(w http.ResponseWriter, r *http.Request) {
	from, to, err := parseRange(r)
	if err != nil {
		fail(w, err)
		return
	}
	query := r.URL.Query()
	shifts, err := a.service.Ledger.ListShifts(r.Context(), domain.ShiftFilter{
		EmployeeID: query.Get("employee_id"),
		Status:     domain.ShiftStatus(query.Get("status")),
		From:       from,
		To:         to,
		Limit:      parsePositiveLimit(query.Get("limit"), 100, 500),
	})
	if err != nil {
		fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"shifts": shifts})
}

func (a *API) handleShiftApprove(w http.ResponseWriter, r *http.Request) {
	var req domain.ShiftReviewRequest
	if err := a.decodeOptional(r, &req); err != nil {
		fail(w, err)
		return
	}

	shift, err := a.service.Approvals.Approve(r.Context(), chi.URLParam(r, "id"), actorFrom(r), req.AdminNotes)
	if err != nil {
		fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, shift)
}

func (a *API) handleShiftReject(w http.ResponseWriter, r *http.Request) {
	var req domain.ShiftReviewRequest
	if err := a.decodeOptional(r, &req); err != nil {
		fail(w, err)
		return
	}

	shift, err := a.service.Approvals.Reject(r.Context(), chi.URLParam(r, "id"), actorFrom(r), req.AdminNotes)
	if err != nil {
		fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, shift)
}

func (a *API) handleShiftAdminNotes(w http.ResponseWriter, r *http.Request) {
	var req domain.ShiftReviewRequest
	if err := a.decodeValid(r, &req); err != nil {
		fail(w, err)
		return
	}

	shift, err := a.service.Approvals.UpdateAdminNotes(r.Context(), chi.URLParam(r, "id"), req.AdminNotes)
	if err != nil {
		fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, shift)
}

func (a *API) handleCartCreate(w http.ResponseWriter, r *http.Request) {
	cart, err := a.service.Carts.Create(r.Context())
	if err != nil {
		fail(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, cart)
}

func (a *API) handleCartGet(w http.ResponseWriter, r *http.Request) {
	cart, err := a.checkCartAccess(r.Context(), actorFrom(r), chi.URLParam(r, "id"))
	if err != nil {
		fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cart)
}

func (a *API) handleCartDelete(w http.ResponseWriter, r *http.Request) {
	if _, err := a.checkCartAccess(r.Context(), actorFrom(r), chi.URLParam(r, "id")); err != nil {
		fail(w, err)
		return
	}
	if err := a.service.Carts.Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
		fail(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleCartAddItem(w http.ResponseWriter, r *http.Request) {
	var req cartItemRequest
	if err := a.decodeValid(r, &req); err != nil {
		fail(w, err)
		return
	}

	if _, err := a.checkCartAccess(r.Context(), actorFrom(r), chi.URLParam(r, "id")); err != nil {
		fail(w, err)
		return
	}

	cart, err := a.service.Carts.AddItem(r.Context(), chi.URLParam(r, "id"), req.ProductID, req.Quantity)
	if err != nil {
		fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cart)
}

func (a *API) handleCartSetQuantity(w http.ResponseWriter, r *http.Request) {
	var req cartQuantityRequest
	if err := a.decodeValid(r, &req); err != nil {
		fail(w, err)
		return
	}

	if _, err := a.checkCartAccess(r.Context(), actorFrom(r), chi.URLParam(r, "id")); err != nil {
		fail(w, err)
		return
	}

	cart, err := a.service.Carts.SetQuantity(r.Context(), chi.URLParam(r, "id"), chi.URLParam(r, "productID"), req.Quantity)
	if err != nil {
		fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cart)
}

func (a *API) handleCartRemoveItem(w http.ResponseWriter, r *http.Request) {
	if _, err := a.checkCartAccess(r.Context(), actorFrom(r), chi.URLParam(r, "id")); err != nil {
		fail(w, err)
		return
	}

	cart, err := a.service.Carts.SetQuantity(r.Context(), chi.URLParam(r, "id"), chi.URLParam(r, "productID"), 0)
	if err != nil {
		fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cart)
}

func (a *API) handleCheckout(w http.ResponseWriter, r *http.Request) {
	var cmd domain.CheckoutCommand
	if err := a.decodeValid(r, &cmd); err != nil {
		fail(w, err)
		return
	}
	if _, err := a.checkShiftAccess(r.Context(), actorFrom(r), cmd.ShiftID); err != nil {
		fail(w, err)
		return
	}
	if _, err := a.checkCartAccess(r.Context(), actorFrom(r), cmd.CartID); err != nil {
		fail(w, err)
		return
	}

	order, err := a.service.CheckoutCart(r.Context(), cmd)
	if err != nil {
		fail(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, order)
}

func (a *API) handlePaymentStart(w http.ResponseWriter, r *http.Request) {
	var cmd domain.CheckoutCommand
	if err := a.decodeValid(r, &cmd); err != nil {
		fail(w, err)
		return
	}
	if _, err := a.checkShiftAccess(r.Context(), actorFrom(r), cmd.ShiftID); err != nil {
		fail(w, err)
		return
	}
	if _, err := a.checkCartAccess(r.Context(), actorFrom(r), cmd.CartID); err != nil {
		fail(w, err)
		return
	}

	session, err := a.service.StartCartPayment(r.Context(), cmd)
	if err != nil {
		fail(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, session)
}

func (a *API) handlePaymentGet(w http.ResponseWriter, r *http.Request) {
	session, err := a.checkPaymentAccess(r.Context(), actorFrom(r), chi.URLParam(r, "ref"))
	if err != nil {
		fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, session)
}

func (a *API) handlePaymentConfirm(w http.ResponseWriter, r *http.Request) {
	ref := chi.URLParam(r, "ref")
	if _, err := a.checkPaymentAccess(r.Context(), actorFrom(r), ref); err != nil {
		fail(w, err)
		return
	}
	session, err := a.service.Payments.ConfirmNow(r.Context(), ref)
	if err != nil {
		fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, session)
}

func (a *API) handlePaymentCancel(w http.ResponseWriter, r *http.Request) {
	ref := chi.URLParam(r, "ref")
	if _, err := a.checkPaymentAccess(r.Context(), actorFrom(r), ref); err != nil {
		fail(w, err)
		return
	}
	session, err := a.service.Payments.Cancel(r.Context(), ref)
	if err != nil {
		fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, session)
}

func (a *API) handleOrders(w http.ResponseWriter, r *http.Request) {
	from, to, err := parseRange(r)
	if err != nil {
		fail(w, err)
		return
	}
	query := r.URL.Query()
	filter := domain.OrderFilter{
		ShiftID:    query.Get("shift_id"),
		EmployeeID: query.Get("employee_id"),
		From:       from,
		To:         to,
		Limit:      parsePositiveLimit(query.Get("limit"), 100, 500),
	}
	if actor := actorFrom(r); actor.Role != domain.RoleAdmin {
		filter.EmployeeID = actor.Username
	}

	orders, err := a.service.Orders.ListOrders(r.Context(), filter)
	if err != nil {
		fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"orders": orders})
}

func (a *API) handleOrderGet(w http.ResponseWriter, r *http.Request) {
	order, err := a.service.Orders.GetOrder(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		fail(w, err)
		return
	}
	if actor := actorFrom(r); actor.Role != domain.RoleAdmin && order.EmployeeID != actor.Username {
		fail(w, fmt.Errorf("%w: order %s belongs to another employee", errForbidden, order.ID))
		return
	}
	writeJSON(w, http.StatusOK, order)
}

func (a *API) handleAuditLogs(w http.ResponseWriter, r *http.Request) {
	from, to, err := parseRange(r)
	if err != nil {
		fail(w, err)
		return
	}
	query := r.URL.Query()
	logs, err := a.service.ListAuditLogs(r.Context(), domain.AuditFilter{
		EntityType: query.Get("entity_type"),
		EntityID:   query.Get("entity_id"),
		From:       from,
		To:         to,
		Limit:      parsePositiveLimit(query.Get("limit"), 100, 500),
	})
	if err != nil {
		fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"logs": logs})
}

func (a *API) handleCashierList(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"cashiers": a.auth.ListCashiers(r.Context())})
}

func (a *API) handleCashierCreate(w http.ResponseWriter, r *http.Request) {
	var req domain.CashierCreateRequest
	if err := a.decodeValid(r, &req); err != nil {
		fail(w, err)
		return
	}

	cashier, err := a.auth.CreateCashier(r.Context(), req)
	if err != nil {
		fail(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"cashier": cashier})
}
