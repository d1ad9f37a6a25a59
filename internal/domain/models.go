package domain

import "time"

type ShiftStatus string

const (
	ShiftStatusOpen     ShiftStatus = "OPEN"
	ShiftStatusPending  ShiftStatus = "PENDING"
	ShiftStatusApproved ShiftStatus = "APPROVED"
	ShiftStatusRejected ShiftStatus = "REJECTED"
)

func (s ShiftStatus) Terminal() bool {
	return s == ShiftStatusApproved || s == ShiftStatusRejected
}

type PaymentMethod string

const (
	PaymentMethodCash         PaymentMethod = "CASH"
	PaymentMethodBankTransfer PaymentMethod = "BANK_TRANSFER"
	PaymentMethodEWallet      PaymentMethod = "E_WALLET"
)

func (m PaymentMethod) Valid() bool {
	switch m {
	case PaymentMethodCash, PaymentMethodBankTransfer, PaymentMethodEWallet:
		return true
	}
	return false
}

// RequiresGateway reports whether orders paid this way are only created after the
// external payment gateway confirms the session.
func (m PaymentMethod) RequiresGateway() bool {
	return m == PaymentMethodEWallet
}

type CashDenomination struct {
	Denomination int64 `json:"denomination"`
	Quantity     int   `json:"quantity"`
	Total        int64 `json:"total"`
}

type Shift struct {
	ID                  string             `json:"id"`
	EmployeeID          string             `json:"employee_id"`
	EmployeeName        string             `json:"employee_name"`
	ShiftName           string             `json:"shift_name"`
	OpeningCash         int64              `json:"opening_cash"`
	ShiftStartTime      time.Time          `json:"shift_start_time"`
	ShiftEndTime        *time.Time         `json:"shift_end_time,omitempty"`
	Status              ShiftStatus        `json:"status"`
	ActualCashInDrawer  *int64             `json:"actual_cash_in_drawer,omitempty"`
	CashDenominations   []CashDenomination `json:"cash_denominations"`
	TotalRevenue        int64              `json:"total_revenue"`
	CashRevenue         int64              `json:"cash_revenue"`
	BankTransferRevenue int64              `json:"bank_transfer_revenue"`
	EWalletRevenue      int64              `json:"e_wallet_revenue"`
	TotalOrders         int                `json:"total_orders"`
	ExpectedCash        *int64             `json:"expected_cash,omitempty"`
	CashDifference      *int64             `json:"cash_difference,omitempty"`
	Notes               string             `json:"notes,omitempty"`
	AdminNotes          string             `json:"admin_notes,omitempty"`
	ApprovedBy          string             `json:"approved_by,omitempty"`
	ApprovedAt          *time.Time         `json:"approved_at,omitempty"`
	RejectedBy          string             `json:"rejected_by,omitempty"`
	RejectedAt          *time.Time         `json:"rejected_at,omitempty"`
}

type ShiftOpenRequest struct {
	EmployeeID   string `json:"employee_id"`
	EmployeeName string `json:"employee_name"`
	ShiftName    string `json:"shift_name" validate:"max=80"`
	OpeningCash  int64  `json:"opening_cash" validate:"gte=0"`
	Notes        string `json:"notes" validate:"max=500"`
}

type ShiftCloseRequest struct {
	ActualCashInDrawer int64              `json:"actual_cash_in_drawer" validate:"gte=0"`
	CashDenominations  []CashDenomination `json:"cash_denominations" validate:"dive"`
	Notes              string             `json:"notes" validate:"max=500"`
}

type ShiftReviewRequest struct {
	AdminNotes string `json:"admin_notes" validate:"max=1000"`
}

type ShiftFilter struct {
	EmployeeID string
	Status     ShiftStatus
	From       time.Time
	To         time.Time
	Limit      int
}

type OrderStatus string

const OrderStatusCompleted OrderStatus = "COMPLETED"

type OrderItem struct {
	ProductID   string `json:"product_id"`
	ProductName string `json:"product_name"`
	Quantity    int    `json:"quantity"`
	UnitPrice   int64  `json:"unit_price"`
	Discount    int64  `json:"discount"`
	TotalPrice  int64  `json:"total_price"`
}

type POSOrder struct {
	ID             string        `json:"id"`
	Code           string        `json:"code"`
	EmployeeID     string        `json:"employee_id"`
	ShiftID        string        `json:"shift_id"`
	CustomerName   string        `json:"customer_name,omitempty"`
	CustomerPhone  string        `json:"customer_phone,omitempty"`
	Items          []OrderItem   `json:"items"`
	Subtotal       int64         `json:"subtotal"`
	Discount       int64         `json:"discount"`
	TotalAmount    int64         `json:"total_amount"`
	PaymentMethod  PaymentMethod `json:"payment_method"`
	AmountReceived *int64        `json:"amount_received,omitempty"`
	ChangeAmount   *int64        `json:"change_amount,omitempty"`
	PaymentRef     string        `json:"payment_ref,omitempty"`
	Status         OrderStatus   `json:"status"`
	Notes          string        `json:"notes,omitempty"`
	CreatedAt      time.Time     `json:"created_at"`
}

type OrderFilter struct {
	ShiftID    string
	EmployeeID string
	From       time.Time
	To         time.Time
	Limit      int
}

type Customer struct {
	Name  string `json:"name" validate:"max=120"`
	Phone string `json:"phone" validate:"max=32"`
}

// CheckoutDraft is everything needed to create an order except how it is paid.
// PaymentReconciler keeps one per pending gateway session.
type CheckoutDraft struct {
	ShiftID    string   `json:"shift_id"`
	EmployeeID string   `json:"employee_id"`
	Cart       Cart     `json:"cart"`
	Customer   Customer `json:"customer"`
	Discount   int64    `json:"discount"`
	Notes      string   `json:"notes,omitempty"`
}

type CheckoutRequest struct {
	CheckoutDraft
	PaymentMethod  PaymentMethod `json:"payment_method"`
	AmountReceived *int64        `json:"amount_received,omitempty"`
	PaymentRef     string        `json:"payment_ref,omitempty"`
}

// CheckoutCommand is the HTTP body for both direct checkout and payment initiation.
type CheckoutCommand struct {
	ShiftID        string        `json:"shift_id" validate:"required"`
	CartID         string        `json:"cart_id" validate:"required"`
	Customer       Customer      `json:"customer"`
	PaymentMethod  PaymentMethod `json:"payment_method"`
	AmountReceived *int64        `json:"amount_received,omitempty" validate:"omitempty,gte=0"`
	Discount       int64         `json:"discount" validate:"gte=0"`
	Notes          string        `json:"notes" validate:"max=500"`
}

type InventoryItem struct {
	ProductID                string  `json:"product_id"`
	Name                     string  `json:"name"`
	Price                    int64   `json:"price"`
	CostPrice                int64   `json:"cost_price"`
	DiscountPercent          float64 `json:"discount_percent"`
	IsClearance              bool    `json:"is_clearance"`
	ClearanceDiscountPercent float64 `json:"clearance_discount_percent"`
	StockQuantity            int     `json:"stock_quantity"`
}

type PaymentStatus string

const (
	PaymentStatusInitiated PaymentStatus = "INITIATED"
	PaymentStatusPolling   PaymentStatus = "POLLING"
	PaymentStatusConfirmed PaymentStatus = "CONFIRMED"
	PaymentStatusFailed    PaymentStatus = "FAILED"
	PaymentStatusCancelled PaymentStatus = "CANCELLED"
	PaymentStatusTimedOut  PaymentStatus = "TIMED_OUT"
)

func (s PaymentStatus) Terminal() bool {
	switch s {
	case PaymentStatusConfirmed, PaymentStatusFailed, PaymentStatusCancelled, PaymentStatusTimedOut:
		return true
	}
	return false
}

// GatewayStatus is what a PaymentGateway reports for an order reference.
type GatewayStatus string

const (
	GatewayStatusSuccess GatewayStatus = "SUCCESS"
	GatewayStatusFailed  GatewayStatus = "FAILED"
	GatewayStatusPending GatewayStatus = "PENDING"
)

type PaymentSession struct {
	OrderRef      string         `json:"order_ref"`
	Amount        int64          `json:"amount"`
	GatewayURL    string         `json:"gateway_url"`
	Status        PaymentStatus  `json:"status"`
	Method        PaymentMethod  `json:"method"`
	EmployeeID    string         `json:"employee_id,omitempty"`
	PollCount     int            `json:"poll_count"`
	GatewayErrors int            `json:"gateway_errors"`
	OrderID       string         `json:"order_id,omitempty"`
	FailureReason string         `json:"failure_reason,omitempty"`
	Draft         *CheckoutDraft `json:"draft,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
}

type LoginRequest struct {
	Username string `json:"username" validate:"required"`
	Password string `json:"password" validate:"required"`
}

type LoginResponse struct {
	AccessToken string `json:"access_token"`
	Role        string `json:"role"`
	ExpiresAt   string `json:"expires_at"`
}

const (
	RoleAdmin   = "admin"
	RoleCashier = "cashier"
)

type Actor struct {
	Username    string
	DisplayName string
	Role        string
}

type CashierCreateRequest struct {
	Username    string `json:"username" validate:"required,min=4,max=40"`
	Password    string `json:"password" validate:"required,min=6"`
	DisplayName string `json:"display_name" validate:"max=80"`
}

type CashierUser struct {
	Username    string    `json:"username"`
	DisplayName string    `json:"display_name"`
	Role        string    `json:"role"`
	Active      bool      `json:"active"`
	CreatedAt   time.Time `json:"created_at"`
}

// UserAccount is an internal persistence model for auth credentials.
type UserAccount struct {
	Username    string
	DisplayName string
	Password    string
	Role        string
	Active      bool
	CreatedAt   time.Time
}

type AuditLog struct {
	ID            string    `json:"id"`
	ActorUsername string    `json:"actor_username"`
	ActorRole     string    `json:"actor_role"`
	Action        string    `json:"action"`
	EntityType    string    `json:"entity_type"`
	EntityID      string    `json:"entity_id"`
	Detail        string    `json:"detail"`
	CreatedAt     time.Time `json:"created_at"`
}

type AuditFilter struct {
	EntityType string
	EntityID   string
	From       time.Time
	To         time.Time
	Limit      int
}
