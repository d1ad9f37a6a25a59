package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"

	"kasirinaja/posledger/internal/cache"
	"kasirinaja/posledger/internal/domain"
	"kasirinaja/posledger/internal/gateway"
	"kasirinaja/posledger/internal/service"
	"kasirinaja/posledger/internal/store/memory"
)

// newTestAPI builds a full API with an in-memory store, real AuthManager and
// real Service so handler tests exercise the complete request path.
func newTestAPI(t *testing.T) *API {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	repo := memory.NewSeeded()
	sandbox := gateway.NewSandboxPaymentGateway("", 0)
	svc := service.New(
		repo,
		repo,
		sandbox,
		cache.NewMemoryCartCache(),
		cache.NewMemorySessionStore(),
		service.Config{},
		logger,
		nil,
	)
	auth := NewAuthManager(context.Background(), "test-secret-key", time.Hour, repo)

	return New(svc, auth, Options{AllowedOrigin: "*", Logger: logger, Sandbox: sandbox})
}

// mustHashPassword generates a bcrypt hash of the given password or fails the test.
func mustHashPassword(t *testing.T, plain string) string {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte(plain), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("bcrypt: %v", err)
	}
	return string(hash)
}

// session carries the headers an authenticated browser client sends.
type session struct {
	api   *API
	token string
	csrf  string
}

func newSession(t *testing.T, api *API, username string, password string) session {
	t.Helper()
	return session{api: api, token: loginAs(t, api, username, password), csrf: fetchCSRFToken(t, api)}
}

func (s session) do(t *testing.T, method string, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("encode body: %v", err)
		}
		reader = bytes.NewReader(payload)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Authorization", "Bearer "+s.token)
	req.Header.Set("X-CSRF-Token", s.csrf)
	rec := httptest.NewRecorder()
	s.api.Handler().ServeHTTP(rec, req)
	return rec
}

func decodeInto(t *testing.T, rec *httptest.ResponseRecorder, out any) {
	t.Helper()
	if err := json.NewDecoder(rec.Body).Decode(out); err != nil {
		t.Fatalf("decode body: %v (raw: %s)", err, rec.Body.String())
	}
}

func expectStatus(t *testing.T, rec *httptest.ResponseRecorder, want int) {
	t.Helper()
	if rec.Code != want {
		t.Fatalf("expected %d, got %d (body: %s)", want, rec.Code, rec.Body.String())
	}
}

func TestHandleHealth(t *testing.T) {
	api := newTestAPI(t)
	handler := api.Handler()

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	var body map[string]any
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body["ok"] != true {
		t.Fatalf("expected ok:true, got %v", body["ok"])
	}
}

func TestHandleLogin_Success(t *testing.T) {
	api := newTestAPI(t)
	handler := api.Handler()

	payload, _ := json.Marshal(map[string]string{
		"username": "admin",
		"password": "admin123",
	})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/login", bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (body: %s)", rec.Code, rec.Body.String())
	}

	var body domain.LoginResponse
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body.AccessToken == "" {
		t.Fatalf("expected access_token in response, got %+v", body)
	}
	if body.Role != domain.RoleAdmin {
		t.Fatalf("expected admin role, got %q", body.Role)
	}
}

func TestHandleLogin_InvalidCredentials(t *testing.T) {
	api := newTestAPI(t)
	handler := api.Handler()

	payload, _ := json.Marshal(map[string]string{
		"username": "admin",
		"password": "wrongpassword",
	})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/login", bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d (body: %s)", rec.Code, rec.Body.String())
	}
}

func TestHandleOrders_RequiresAuth(t *testing.T) {
	api := newTestAPI(t)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/orders", nil)
	rec := httptest.NewRecorder()

	api.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestStateChangeWithoutCSRFTokenIsForbidden(t *testing.T) {
	api := newTestAPI(t)
	token := loginAs(t, api, "cashier", "cashier123")

	req := httptest.NewRequest(http.MethodPost, "/api/v1/carts", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()

	api.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 without csrf token, got %d", rec.Code)
	}
}

func TestCashierCannotReachAdminRoutes(t *testing.T) {
	api := newTestAPI(t)
	cashier := newSession(t, api, "cashier", "cashier123")

	expectStatus(t, cashier.do(t, http.MethodGet, "/api/v1/shifts", nil), http.StatusForbidden)
	expectStatus(t, cashier.do(t, http.MethodGet, "/api/v1/audit-logs", nil), http.StatusForbidden)
	expectStatus(t, cashier.do(t, http.MethodPost, "/api/v1/shifts/SHF-x/approve", nil), http.StatusForbidden)
}

func TestCashShiftLifecycle(t *testing.T) {
	api := newTestAPI(t)
	cashier := newSession(t, api, "cashier", "cashier123")

	rec := cashier.do(t, http.MethodPost, "/api/v1/shifts", domain.ShiftOpenRequest{OpeningCash: 100000})
	expectStatus(t, rec, http.StatusCreated)
	var shift domain.Shift
	decodeInto(t, rec, &shift)
	if shift.EmployeeID != "cashier" || shift.Status != domain.ShiftStatusOpen {
		t.Fatalf("unexpected shift %+v", shift)
	}
	if shift.EmployeeName != "Front Cashier" {
		t.Fatalf("expected employee name from token, got %q", shift.EmployeeName)
	}

	expectStatus(t, cashier.do(t, http.MethodPost, "/api/v1/shifts", domain.ShiftOpenRequest{}), http.StatusConflict)

	rec = cashier.do(t, http.MethodPost, "/api/v1/carts", nil)
	expectStatus(t, rec, http.StatusCreated)
	var cart domain.Cart
	decodeInto(t, rec, &cart)

	rec = cashier.do(t, http.MethodPost, "/api/v1/carts/"+cart.ID+"/items", cartItemRequest{ProductID: "SKU-MIE-01", Quantity: 2})
	expectStatus(t, rec, http.StatusOK)

	short := int64(5000)
	rec = cashier.do(t, http.MethodPost, "/api/v1/checkout", domain.CheckoutCommand{
		ShiftID:        shift.ID,
		CartID:         cart.ID,
		PaymentMethod:  domain.PaymentMethodCash,
		AmountReceived: &short,
	})
	expectStatus(t, rec, http.StatusUnprocessableEntity)

	received := int64(10000)
	rec = cashier.do(t, http.MethodPost, "/api/v1/checkout", domain.CheckoutCommand{
		ShiftID:        shift.ID,
		CartID:         cart.ID,
		PaymentMethod:  domain.PaymentMethodCash,
		AmountReceived: &received,
	})
	expectStatus(t, rec, http.StatusCreated)
	var order domain.POSOrder
	decodeInto(t, rec, &order)
	if order.TotalAmount != 7000 {
		t.Fatalf("expected total 7000, got %d", order.TotalAmount)
	}
	if order.ChangeAmount == nil || *order.ChangeAmount != 3000 {
		t.Fatalf("expected change 3000, got %v", order.ChangeAmount)
	}

	expectStatus(t, cashier.do(t, http.MethodGet, "/api/v1/carts/"+cart.ID, nil), http.StatusNotFound)

	rec = cashier.do(t, http.MethodGet, "/api/v1/orders", nil)
	expectStatus(t, rec, http.StatusOK)
	var listed struct {
		Orders []domain.POSOrder `json:"orders"`
	}
	decodeInto(t, rec, &listed)
	if len(listed.Orders) != 1 || listed.Orders[0].ID != order.ID {
		t.Fatalf("expected the new order in listing, got %+v", listed.Orders)
	}

	rec = cashier.do(t, http.MethodPost, "/api/v1/shifts/"+shift.ID+"/close", domain.ShiftCloseRequest{ActualCashInDrawer: 107000})
	expectStatus(t, rec, http.StatusOK)
	var closed domain.Shift
	decodeInto(t, rec, &closed)
	if closed.Status != domain.ShiftStatusPending {
		t.Fatalf("expected PENDING after close, got %s", closed.Status)
	}
	if closed.ExpectedCash == nil || *closed.ExpectedCash != 107000 {
		t.Fatalf("expected cash 107000, got %v", closed.ExpectedCash)
	}
	if closed.CashDifference == nil || *closed.CashDifference != 0 {
		t.Fatalf("expected zero difference, got %v", closed.CashDifference)
	}

	admin := newSession(t, api, "admin", "admin123")
	rec = admin.do(t, http.MethodPost, "/api/v1/shifts/"+shift.ID+"/approve", domain.ShiftReviewRequest{AdminNotes: "counted twice"})
	expectStatus(t, rec, http.StatusOK)
	var approved domain.Shift
	decodeInto(t, rec, &approved)
	if approved.Status != domain.ShiftStatusApproved || approved.ApprovedBy != "Store Admin" {
		t.Fatalf("unexpected approved shift %+v", approved)
	}

	expectStatus(t, admin.do(t, http.MethodPost, "/api/v1/shifts/"+shift.ID+"/reject", nil), http.StatusBadRequest)
	expectStatus(t, admin.do(t, http.MethodPost, "/api/v1/shifts/"+shift.ID+"/reject", domain.ShiftReviewRequest{AdminNotes: "late"}), http.StatusConflict)

	rec = admin.do(t, http.MethodGet, "/api/v1/audit-logs?entity_type=shift&entity_id="+shift.ID, nil)
	expectStatus(t, rec, http.StatusOK)
	var audit struct {
		Logs []domain.AuditLog `json:"logs"`
	}
	decodeInto(t, rec, &audit)
	if len(audit.Logs) < 3 {
		t.Fatalf("expected open/close/approve audit entries, got %d", len(audit.Logs))
	}
}

func TestCashierCannotTouchAnotherEmployeesShift(t *testing.T) {
	api := newTestAPI(t)
	admin := newSession(t, api, "admin", "admin123")

	rec := admin.do(t, http.MethodPost, "/api/v1/shifts", domain.ShiftOpenRequest{EmployeeID: "someone-else"})
	expectStatus(t, rec, http.StatusCreated)
	var shift domain.Shift
	decodeInto(t, rec, &shift)

	cashier := newSession(t, api, "cashier", "cashier123")
	expectStatus(t, cashier.do(t, http.MethodGet, "/api/v1/shifts/"+shift.ID, nil), http.StatusForbidden)
	expectStatus(t, cashier.do(t, http.MethodPost, "/api/v1/shifts/"+shift.ID+"/close", domain.ShiftCloseRequest{}), http.StatusForbidden)
	expectStatus(t, cashier.do(t, http.MethodGet, "/api/v1/shifts/active", nil), http.StatusNotFound)
}

func TestGatewayPaymentStartAndCancel(t *testing.T) {
	api := newTestAPI(t)
	cashier := newSession(t, api, "cashier", "cashier123")

	rec := cashier.do(t, http.MethodPost, "/api/v1/shifts", domain.ShiftOpenRequest{})
	expectStatus(t, rec, http.StatusCreated)
	var shift domain.Shift
	decodeInto(t, rec, &shift)

	rec = cashier.do(t, http.MethodPost, "/api/v1/carts", nil)
	expectStatus(t, rec, http.StatusCreated)
	var cart domain.Cart
	decodeInto(t, rec, &cart)
	expectStatus(t, cashier.do(t, http.MethodPost, "/api/v1/carts/"+cart.ID+"/items", cartItemRequest{ProductID: "SKU-TEH-01", Quantity: 1}), http.StatusOK)

	cmd := domain.CheckoutCommand{ShiftID: shift.ID, CartID: cart.ID, PaymentMethod: domain.PaymentMethodEWallet}
	expectStatus(t, cashier.do(t, http.MethodPost, "/api/v1/checkout", cmd), http.StatusBadRequest)

	rec = cashier.do(t, http.MethodPost, "/api/v1/payments", cmd)
	expectStatus(t, rec, http.StatusAccepted)
	var payment domain.PaymentSession
	decodeInto(t, rec, &payment)
	if payment.Status != domain.PaymentStatusInitiated || payment.OrderRef == "" {
		t.Fatalf("unexpected payment session %+v", payment)
	}

	expectStatus(t, cashier.do(t, http.MethodPost, "/api/v1/payments/"+payment.OrderRef+"/confirm", nil), http.StatusConflict)

	rec = cashier.do(t, http.MethodPost, "/api/v1/payments/"+payment.OrderRef+"/cancel", nil)
	expectStatus(t, rec, http.StatusOK)
	var cancelled domain.PaymentSession
	decodeInto(t, rec, &cancelled)
	if cancelled.Status != domain.PaymentStatusCancelled {
		t.Fatalf("expected CANCELLED, got %s", cancelled.Status)
	}

	expectStatus(t, cashier.do(t, http.MethodGet, "/api/v1/payments/PAY-missing", nil), http.StatusNotFound)
}

func TestCashierCannotTouchAnotherCashiersCartOrPayment(t *testing.T) {
	api := newTestAPI(t)
	admin := newSession(t, api, "admin", "admin123")
	expectStatus(t, admin.do(t, http.MethodPost, "/api/v1/users/cashiers", domain.CashierCreateRequest{
		Username:    "other1",
		Password:    "pass1234",
		DisplayName: "Kasir Lain",
	}), http.StatusCreated)

	cashier := newSession(t, api, "cashier", "cashier123")
	other := newSession(t, api, "other1", "pass1234")

	rec := cashier.do(t, http.MethodPost, "/api/v1/shifts", domain.ShiftOpenRequest{})
	expectStatus(t, rec, http.StatusCreated)
	var shift domain.Shift
	decodeInto(t, rec, &shift)

	rec = cashier.do(t, http.MethodPost, "/api/v1/carts", nil)
	expectStatus(t, rec, http.StatusCreated)
	var cart domain.Cart
	decodeInto(t, rec, &cart)
	if cart.Owner != "cashier" {
		t.Fatalf("expected cart owned by cashier, got %q", cart.Owner)
	}
	cartPath := "/api/v1/carts/" + cart.ID
	expectStatus(t, cashier.do(t, http.MethodPost, cartPath+"/items", cartItemRequest{ProductID: "SKU-TEH-01", Quantity: 1}), http.StatusOK)

	expectStatus(t, other.do(t, http.MethodGet, cartPath, nil), http.StatusForbidden)
	expectStatus(t, other.do(t, http.MethodPost, cartPath+"/items", cartItemRequest{ProductID: "SKU-TEH-01", Quantity: 5}), http.StatusForbidden)
	expectStatus(t, other.do(t, http.MethodPatch, cartPath+"/items/SKU-TEH-01", cartQuantityRequest{Quantity: 3}), http.StatusForbidden)
	expectStatus(t, other.do(t, http.MethodDelete, cartPath+"/items/SKU-TEH-01", nil), http.StatusForbidden)
	expectStatus(t, other.do(t, http.MethodDelete, cartPath, nil), http.StatusForbidden)
	expectStatus(t, admin.do(t, http.MethodGet, cartPath, nil), http.StatusOK)

	rec = cashier.do(t, http.MethodPost, "/api/v1/payments", domain.CheckoutCommand{
		ShiftID:  shift.ID,
		CartID:   cart.ID,
		Customer: domain.Customer{Name: "Budi", Phone: "0812"},
	})
	expectStatus(t, rec, http.StatusAccepted)
	var payment domain.PaymentSession
	decodeInto(t, rec, &payment)
	paymentPath := "/api/v1/payments/" + payment.OrderRef

	rec = other.do(t, http.MethodGet, paymentPath, nil)
	expectStatus(t, rec, http.StatusForbidden)
	if bytes.Contains(rec.Body.Bytes(), []byte("Budi")) {
		t.Fatalf("foreign cashier saw customer details: %s", rec.Body.String())
	}
	expectStatus(t, other.do(t, http.MethodPost, paymentPath+"/confirm", nil), http.StatusForbidden)
	expectStatus(t, other.do(t, http.MethodPost, paymentPath+"/cancel", nil), http.StatusForbidden)

	expectStatus(t, admin.do(t, http.MethodGet, paymentPath, nil), http.StatusOK)
	rec = cashier.do(t, http.MethodGet, paymentPath, nil)
	expectStatus(t, rec, http.StatusOK)
	var still domain.PaymentSession
	decodeInto(t, rec, &still)
	if still.Status != domain.PaymentStatusInitiated || still.EmployeeID != "cashier" {
		t.Fatalf("unexpected payment session %+v", still)
	}
}

func TestSandboxPaymentPageDrivesConfirmation(t *testing.T) {
	api := newTestAPI(t)
	cashier := newSession(t, api, "cashier", "cashier123")

	rec := cashier.do(t, http.MethodPost, "/api/v1/shifts", domain.ShiftOpenRequest{})
	expectStatus(t, rec, http.StatusCreated)
	var shift domain.Shift
	decodeInto(t, rec, &shift)

	rec = cashier.do(t, http.MethodPost, "/api/v1/carts", nil)
	expectStatus(t, rec, http.StatusCreated)
	var cart domain.Cart
	decodeInto(t, rec, &cart)
	expectStatus(t, cashier.do(t, http.MethodPost, "/api/v1/carts/"+cart.ID+"/items", cartItemRequest{ProductID: "SKU-MIE-01", Quantity: 2}), http.StatusOK)

	rec = cashier.do(t, http.MethodPost, "/api/v1/payments", domain.CheckoutCommand{ShiftID: shift.ID, CartID: cart.ID})
	expectStatus(t, rec, http.StatusAccepted)
	var payment domain.PaymentSession
	decodeInto(t, rec, &payment)

	link, err := url.Parse(payment.GatewayURL)
	if err != nil {
		t.Fatalf("parse gateway url: %v", err)
	}

	// The customer's browser carries no bearer token.
	customer := func(method string, path string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(method, path, nil)
		req.Header.Set("X-CSRF-Token", cashier.csrf)
		rec := httptest.NewRecorder()
		api.Handler().ServeHTTP(rec, req)
		return rec
	}

	rec = customer(http.MethodGet, link.Path)
	expectStatus(t, rec, http.StatusOK)
	var page sandboxPayPage
	decodeInto(t, rec, &page)
	if page.OrderRef != payment.OrderRef || page.Amount != 7000 || page.Status != domain.GatewayStatusPending {
		t.Fatalf("unexpected sandbox page %+v", page)
	}

	expectStatus(t, customer(http.MethodPost, link.Path+"/refund"), http.StatusBadRequest)
	expectStatus(t, customer(http.MethodGet, "/sandbox/pay/PAY-missing"), http.StatusNotFound)
	expectStatus(t, customer(http.MethodPost, link.Path+"/approve"), http.StatusOK)

	rec = cashier.do(t, http.MethodPost, "/api/v1/payments/"+payment.OrderRef+"/confirm", nil)
	expectStatus(t, rec, http.StatusOK)
	var confirmed domain.PaymentSession
	decodeInto(t, rec, &confirmed)
	if confirmed.Status != domain.PaymentStatusConfirmed || confirmed.OrderID == "" {
		t.Fatalf("expected confirmed payment with order, got %+v", confirmed)
	}
}

func TestAdminCreatesCashier(t *testing.T) {
	api := newTestAPI(t)
	admin := newSession(t, api, "admin", "admin123")

	rec := admin.do(t, http.MethodPost, "/api/v1/users/cashiers", domain.CashierCreateRequest{
		Username:    "kasirbaru",
		Password:    "pass1234",
		DisplayName: "Kasir Baru",
	})
	expectStatus(t, rec, http.StatusCreated)

	rec = admin.do(t, http.MethodGet, "/api/v1/users/cashiers", nil)
	expectStatus(t, rec, http.StatusOK)
	var body struct {
		Cashiers []domain.CashierUser `json:"cashiers"`
	}
	decodeInto(t, rec, &body)
	found := false
	for _, c := range body.Cashiers {
		if c.Username == "kasirbaru" && c.DisplayName == "Kasir Baru" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected new cashier in listing, got %+v", body.Cashiers)
	}

	loginAs(t, api, "kasirbaru", "pass1234")
}

func TestStatusForError(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{fmt.Errorf("%w: x", errForbidden), http.StatusForbidden},
		{fmt.Errorf("%w: x", domain.ErrValidation), http.StatusBadRequest},
		{domain.ErrEmptyCart, http.StatusUnprocessableEntity},
		{fmt.Errorf("%w: short", domain.ErrInsufficientPayment), http.StatusUnprocessableEntity},
		{fmt.Errorf("%w: shift", domain.ErrNotFound), http.StatusNotFound},
		{domain.ErrOutOfStock, http.StatusConflict},
		{domain.ErrConflict, http.StatusConflict},
		{domain.ErrInvalidState, http.StatusConflict},
		{domain.ErrShiftClosed, http.StatusConflict},
		{domain.ErrAlreadyFinalized, http.StatusConflict},
		{fmt.Errorf("%w: down", domain.ErrGateway), http.StatusBadGateway},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		if got := statusForError(tc.err); got != tc.want {
			t.Fatalf("statusForError(%v) = %d, want %d", tc.err, got, tc.want)
		}
	}
}

func TestInternalErrorsAreNotLeaked(t *testing.T) {
	rec := httptest.NewRecorder()
	fail(rec, errors.New("pq: connection refused to 10.0.0.5"))

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rec.Code)
	}
	if bytes.Contains(rec.Body.Bytes(), []byte("10.0.0.5")) {
		t.Fatalf("internal error detail leaked: %s", rec.Body.String())
	}
}

// TestMustHashPassword verifies that the test helper produces valid bcrypt hashes
// (used to confirm test infrastructure is sound).
func TestMustHashPassword(t *testing.T) {
	hash := mustHashPassword(t, "secret")
	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte("secret")); err != nil {
		t.Fatalf("hash verification failed: %v", err)
	}
}
