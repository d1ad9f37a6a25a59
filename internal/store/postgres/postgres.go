package postgres

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"kasirinaja/posledger/internal/domain"
	"kasirinaja/posledger/internal/store"
	"kasirinaja/posledger/internal/xid"
)

//go:embed schema.sql
var schemaSQL string

// serializable transactions that lose a conflict are retried this many times
// before the error is returned.
const maxTxAttempts = 3

type Store struct {
	db *sql.DB
}

func New(ctx context.Context, databaseURL string) (*Store, error) {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, err
	}

	db.SetMaxIdleConns(8)
	db.SetMaxOpenConns(30)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 6*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// EnsureSchema creates missing tables and indexes and seeds the demo catalog.
// It is safe to run on every start.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

func (s *Store) GetProduct(ctx context.Context, productID string) (domain.InventoryItem, error) {
	var item domain.InventoryItem
	err := s.db.QueryRowContext(ctx, `
		SELECT product_id, name, price, cost_price, discount_percent,
			is_clearance, clearance_discount_percent, stock_quantity
		FROM products
		WHERE product_id = $1
	`, productID).Scan(
		&item.ProductID,
		&item.Name,
		&item.Price,
		&item.CostPrice,
		&item.DiscountPercent,
		&item.IsClearance,
		&item.ClearanceDiscountPercent,
		&item.StockQuantity,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.InventoryItem{}, fmt.Errorf("%w: product %s", store.ErrNotFound, productID)
		}
		return domain.InventoryItem{}, err
	}
	return item, nil
}

// DecrementStock is a single conditional UPDATE, so two checkouts racing for the
// last units cannot both succeed.
func (s *Store) DecrementStock(ctx context.Context, productID string, qty int) error {
	if qty < 1 {
		return fmt.Errorf("%w: decrement quantity must be positive", domain.ErrValidation)
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE products
		SET stock_quantity = stock_quantity - $2, updated_at = now()
		WHERE product_id = $1 AND stock_quantity >= $2
	`, productID, qty)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 1 {
		return nil
	}

	item, err := s.GetProduct(ctx, productID)
	if err != nil {
		return err
	}
	return fmt.Errorf("%w: %s has %d, need %d", store.ErrInsufficientStock, productID, item.StockQuantity, qty)
}

func (s *Store) IncrementStock(ctx context.Context, productID string, qty int) error {
	if qty < 1 {
		return fmt.Errorf("%w: increment quantity must be positive", domain.ErrValidation)
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE products
		SET stock_quantity = stock_quantity + $2, updated_at = now()
		WHERE product_id = $1
	`, productID, qty)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("%w: product %s", store.ErrNotFound, productID)
	}
	return nil
}

const shiftColumns = `
	id, employee_id, employee_name, shift_name, opening_cash, shift_start_time,
	shift_end_time, status, actual_cash_in_drawer, cash_denominations,
	total_revenue, cash_revenue, bank_transfer_revenue, e_wallet_revenue, total_orders,
	expected_cash, cash_difference, notes, admin_notes,
	approved_by, approved_at, rejected_by, rejected_at`

func (s *Store) CreateShift(ctx context.Context, shift domain.Shift) (*domain.Shift, error) {
	if strings.TrimSpace(shift.EmployeeID) == "" {
		return nil, fmt.Errorf("%w: employee id is required", domain.ErrValidation)
	}
	if shift.ID == "" {
		shift.ID = xid.New("shift")
	}
	if shift.ShiftStartTime.IsZero() {
		shift.ShiftStartTime = time.Now().UTC()
	}
	shift.Status = domain.ShiftStatusOpen

	args, err := shiftArgs(shift)
	if err != nil {
		return nil, err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO shifts (`+shiftColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,$23)
	`, args...)
	if err != nil {
		if constraint, ok := uniqueViolation(err); ok {
			if constraint == "shifts_one_open_per_employee" {
				return nil, store.ErrShiftAlreadyOpen
			}
			return nil, store.ErrDuplicate
		}
		return nil, err
	}
	saved := shift.Clone()
	return &saved, nil
}

func (s *Store) GetShift(ctx context.Context, id string) (*domain.Shift, error) {
	return scanShift(s.db.QueryRowContext(ctx, `SELECT `+shiftColumns+` FROM shifts WHERE id = $1`, id))
}

func (s *Store) GetOpenShiftByEmployee(ctx context.Context, employeeID string) (*domain.Shift, error) {
	return scanShift(s.db.QueryRowContext(ctx, `
		SELECT `+shiftColumns+`
		FROM shifts
		WHERE employee_id = $1 AND status = 'OPEN'
	`, employeeID))
}

// UpdateShift locks the row, applies mutate to the locked copy and writes it
// back in the same transaction.
func (s *Store) UpdateShift(ctx context.Context, id string, mutate store.ShiftMutation) (*domain.Shift, error) {
	var updated *domain.Shift
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		current, err := lockShift(ctx, tx, id)
		if err != nil {
			return err
		}
		if err := mutate(current); err != nil {
			return err
		}
		if err := writeShift(ctx, tx, *current); err != nil {
			return err
		}
		updated = current
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

func (s *Store) ListShifts(ctx context.Context, filter domain.ShiftFilter) ([]domain.Shift, error) {
	limit := filter.Limit
	if limit < 1 {
		limit = 100
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+shiftColumns+`
		FROM shifts
		WHERE ($1 = '' OR employee_id = $1)
			AND ($2 = '' OR status = $2)
			AND ($3::timestamptz IS NULL OR shift_start_time >= $3)
			AND ($4::timestamptz IS NULL OR shift_start_time < $4)
		ORDER BY shift_start_time DESC
		LIMIT $5
	`, filter.EmployeeID, string(filter.Status), nullTime(filter.From), nullTime(filter.To), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	shifts := make([]domain.Shift, 0, limit)
	for rows.Next() {
		shift, err := scanShift(rows)
		if err != nil {
			return nil, err
		}
		shifts = append(shifts, *shift)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return shifts, nil
}

// SaveOrder inserts the order and its items and applies mutate to the locked
// shift row, all in one serializable transaction.
func (s *Store) SaveOrder(ctx context.Context, order domain.POSOrder, mutate store.ShiftMutation) (*domain.POSOrder, *domain.Shift, error) {
	if order.ID == "" || order.ShiftID == "" {
		return nil, nil, fmt.Errorf("%w: order id and shift id are required", domain.ErrValidation)
	}
	if order.CreatedAt.IsZero() {
		order.CreatedAt = time.Now().UTC()
	}

	var savedShift *domain.Shift
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		shift, err := lockShift(ctx, tx, order.ShiftID)
		if err != nil {
			return err
		}
		if mutate != nil {
			if err := mutate(shift); err != nil {
				return err
			}
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO orders (
				id, code, employee_id, shift_id, customer_name, customer_phone,
				subtotal, discount, total_amount, payment_method,
				amount_received, change_amount, payment_ref, status, notes, created_at
			)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)
		`, order.ID, order.Code, order.EmployeeID, order.ShiftID, order.CustomerName, order.CustomerPhone,
			order.Subtotal, order.Discount, order.TotalAmount, string(order.PaymentMethod),
			nullInt64(order.AmountReceived), nullInt64(order.ChangeAmount), order.PaymentRef,
			string(order.Status), order.Notes, order.CreatedAt)
		if err != nil {
			if _, ok := uniqueViolation(err); ok {
				return store.ErrDuplicate
			}
			return err
		}

		for i, item := range order.Items {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO order_items (order_id, line_no, product_id, product_name, quantity, unit_price, discount, total_price)
				VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
			`, order.ID, i+1, item.ProductID, item.ProductName, item.Quantity, item.UnitPrice, item.Discount, item.TotalPrice); err != nil {
				return err
			}
		}

		if err := writeShift(ctx, tx, *shift); err != nil {
			return err
		}
		savedShift = shift
		return nil
	})
	if err != nil {
		return nil, nil, err
	}

	saved := order.Clone()
	return &saved, savedShift, nil
}

const orderColumns = `
	id, code, employee_id, shift_id, customer_name, customer_phone,
	subtotal, discount, total_amount, payment_method,
	amount_received, change_amount, payment_ref, status, notes, created_at`

func (s *Store) GetOrder(ctx context.Context, id string) (*domain.POSOrder, error) {
	order, err := scanOrder(s.db.QueryRowContext(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1`, id))
	if err != nil {
		return nil, err
	}
	items, err := s.orderItems(ctx, []string{order.ID})
	if err != nil {
		return nil, err
	}
	order.Items = items[order.ID]
	return order, nil
}

func (s *Store) ListOrders(ctx context.Context, filter domain.OrderFilter) ([]domain.POSOrder, error) {
	limit := filter.Limit
	if limit < 1 {
		limit = 100
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+orderColumns+`
		FROM orders
		WHERE ($1 = '' OR shift_id = $1)
			AND ($2 = '' OR employee_id = $2)
			AND ($3::timestamptz IS NULL OR created_at >= $3)
			AND ($4::timestamptz IS NULL OR created_at < $4)
		ORDER BY created_at DESC
		LIMIT $5
	`, filter.ShiftID, filter.EmployeeID, nullTime(filter.From), nullTime(filter.To), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	orders := make([]domain.POSOrder, 0, limit)
	ids := make([]string, 0, limit)
	for rows.Next() {
		order, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		orders = append(orders, *order)
		ids = append(ids, order.ID)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	items, err := s.orderItems(ctx, ids)
	if err != nil {
		return nil, err
	}
	for i := range orders {
		orders[i].Items = items[orders[i].ID]
	}
	return orders, nil
}

func (s *Store) orderItems(ctx context.Context, orderIDs []string) (map[string][]domain.OrderItem, error) {
	result := make(map[string][]domain.OrderItem, len(orderIDs))
	if len(orderIDs) == 0 {
		return result, nil
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT order_id, product_id, product_name, quantity, unit_price, discount, total_price
		FROM order_items
		WHERE order_id = ANY($1)
		ORDER BY order_id, line_no
	`, orderIDs)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var orderID string
		var item domain.OrderItem
		if err := rows.Scan(&orderID, &item.ProductID, &item.ProductName, &item.Quantity, &item.UnitPrice, &item.Discount, &item.TotalPrice); err != nil {
			return nil, err
		}
		result[orderID] = append(result[orderID], item)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func (s *Store) CreateAuditLog(ctx context.Context, entry domain.AuditLog) error {
	if entry.Action == "" {
		return fmt.Errorf("%w: audit action is required", domain.ErrValidation)
	}
	if entry.ID == "" {
		entry.ID = xid.New("audit")
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_logs (
			id, actor_username, actor_role, action, entity_type, entity_id, detail, created_at
		)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
	`, entry.ID, entry.ActorUsername, entry.ActorRole, entry.Action, entry.EntityType, entry.EntityID, entry.Detail, entry.CreatedAt)
	return err
}

func (s *Store) ListAuditLogs(ctx context.Context, filter domain.AuditFilter) ([]domain.AuditLog, error) {
	limit := filter.Limit
	if limit < 1 {
		limit = 100
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, actor_username, actor_role, action, entity_type, entity_id, detail, created_at
		FROM audit_logs
		WHERE ($1 = '' OR entity_type = $1)
			AND ($2 = '' OR entity_id = $2)
			AND ($3::timestamptz IS NULL OR created_at >= $3)
			AND ($4::timestamptz IS NULL OR created_at < $4)
		ORDER BY created_at DESC
		LIMIT $5
	`, filter.EntityType, filter.EntityID, nullTime(filter.From), nullTime(filter.To), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	logs := make([]domain.AuditLog, 0, limit)
	for rows.Next() {
		var entry domain.AuditLog
		if err := rows.Scan(&entry.ID, &entry.ActorUsername, &entry.ActorRole, &entry.Action, &entry.EntityType, &entry.EntityID, &entry.Detail, &entry.CreatedAt); err != nil {
			return nil, err
		}
		entry.CreatedAt = entry.CreatedAt.UTC()
		logs = append(logs, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return logs, nil
}

func (s *Store) CreateUser(ctx context.Context, user domain.UserAccount) error {
	user.Username = strings.ToLower(strings.TrimSpace(user.Username))
	if user.Username == "" || strings.TrimSpace(user.Password) == "" {
		return fmt.Errorf("%w: username and password are required", domain.ErrValidation)
	}
	if user.Role == "" {
		user.Role = domain.RoleCashier
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO app_users (username, display_name, password, role, active, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,now())
	`, user.Username, user.DisplayName, user.Password, user.Role, user.Active, user.CreatedAt)
	if err != nil {
		if _, ok := uniqueViolation(err); ok {
			return store.ErrDuplicate
		}
		return err
	}
	return nil
}

func (s *Store) ListUsers(ctx context.Context) ([]domain.UserAccount, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT username, display_name, password, role, active, created_at
		FROM app_users
		ORDER BY username ASC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	users := make([]domain.UserAccount, 0, 16)
	for rows.Next() {
		var user domain.UserAccount
		if err := rows.Scan(&user.Username, &user.DisplayName, &user.Password, &user.Role, &user.Active, &user.CreatedAt); err != nil {
			return nil, err
		}
		user.CreatedAt = user.CreatedAt.UTC()
		users = append(users, user)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return users, nil
}

func (s *Store) UpdateUserPassword(ctx context.Context, username string, password string) error {
	username = strings.ToLower(strings.TrimSpace(username))
	if username == "" || strings.TrimSpace(password) == "" {
		return fmt.Errorf("%w: username and password are required", domain.ErrValidation)
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE app_users
		SET password = $2, updated_at = now()
		WHERE username = $1
	`, username, password)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return store.ErrNotFound
	}
	return nil
}

// inTx runs fn in a serializable transaction, retrying on serialization
// failures. Errors returned by fn abort the transaction unchanged.
func (s *Store) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	var err error
	for attempt := 0; attempt < maxTxAttempts; attempt++ {
		err = s.runTx(ctx, fn)
		if !isSerializationFailure(err) {
			return err
		}
	}
	return err
}

func (s *Store) runTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return err
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

func lockShift(ctx context.Context, tx *sql.Tx, id string) (*domain.Shift, error) {
	return scanShift(tx.QueryRowContext(ctx, `
		SELECT `+shiftColumns+`
		FROM shifts
		WHERE id = $1
		FOR UPDATE
	`, id))
}

func writeShift(ctx context.Context, tx *sql.Tx, shift domain.Shift) error {
	args, err := shiftArgs(shift)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `
		UPDATE shifts
		SET employee_id = $2, employee_name = $3, shift_name = $4, opening_cash = $5,
			shift_start_time = $6, shift_end_time = $7, status = $8,
			actual_cash_in_drawer = $9, cash_denominations = $10,
			total_revenue = $11, cash_revenue = $12, bank_transfer_revenue = $13,
			e_wallet_revenue = $14, total_orders = $15,
			expected_cash = $16, cash_difference = $17, notes = $18, admin_notes = $19,
			approved_by = $20, approved_at = $21, rejected_by = $22, rejected_at = $23
		WHERE id = $1
	`, args...)
	if err != nil {
		if constraint, ok := uniqueViolation(err); ok && constraint == "shifts_one_open_per_employee" {
			return store.ErrShiftAlreadyOpen
		}
		return err
	}
	return nil
}

func shiftArgs(shift domain.Shift) ([]any, error) {
	denominations := shift.CashDenominations
	if denominations == nil {
		denominations = []domain.CashDenomination{}
	}
	payload, err := json.Marshal(denominations)
	if err != nil {
		return nil, err
	}
	return []any{
		shift.ID, shift.EmployeeID, shift.EmployeeName, shift.ShiftName, shift.OpeningCash,
		shift.ShiftStartTime, nullTimePtr(shift.ShiftEndTime), string(shift.Status),
		nullInt64(shift.ActualCashInDrawer), string(payload),
		shift.TotalRevenue, shift.CashRevenue, shift.BankTransferRevenue, shift.EWalletRevenue, shift.TotalOrders,
		nullInt64(shift.ExpectedCash), nullInt64(shift.CashDifference), shift.Notes, shift.AdminNotes,
		shift.ApprovedBy, nullTimePtr(shift.ApprovedAt), shift.RejectedBy, nullTimePtr(shift.RejectedAt),
	}, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanShift(row rowScanner) (*domain.Shift, error) {
	var (
		shift         domain.Shift
		status        string
		endTime       sql.NullTime
		actualCash    sql.NullInt64
		denominations []byte
		expectedCash  sql.NullInt64
		difference    sql.NullInt64
		approvedAt    sql.NullTime
		rejectedAt    sql.NullTime
	)
	err := row.Scan(
		&shift.ID,
		&shift.EmployeeID,
		&shift.EmployeeName,
		&shift.ShiftName,
		&shift.OpeningCash,
		&shift.ShiftStartTime,
		&endTime,
		&status,
		&actualCash,
		&denominations,
		&shift.TotalRevenue,
		&shift.CashRevenue,
		&shift.BankTransferRevenue,
		&shift.EWalletRevenue,
		&shift.TotalOrders,
		&expectedCash,
		&difference,
		&shift.Notes,
		&shift.AdminNotes,
		&shift.ApprovedBy,
		&approvedAt,
		&shift.RejectedBy,
		&rejectedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	if len(denominations) > 0 {
		if err := json.Unmarshal(denominations, &shift.CashDenominations); err != nil {
			return nil, fmt.Errorf("decode cash denominations for %s: %w", shift.ID, err)
		}
	}
	shift.Status = domain.ShiftStatus(status)
	shift.ShiftStartTime = shift.ShiftStartTime.UTC()
	shift.ShiftEndTime = timePtr(endTime)
	shift.ActualCashInDrawer = int64Ptr(actualCash)
	shift.ExpectedCash = int64Ptr(expectedCash)
	shift.CashDifference = int64Ptr(difference)
	shift.ApprovedAt = timePtr(approvedAt)
	shift.RejectedAt = timePtr(rejectedAt)
	return &shift, nil
}

func scanOrder(row rowScanner) (*domain.POSOrder, error) {
	var (
		order    domain.POSOrder
		method   string
		status   string
		received sql.NullInt64
		change   sql.NullInt64
	)
	err := row.Scan(
		&order.ID,
		&order.Code,
		&order.EmployeeID,
		&order.ShiftID,
		&order.CustomerName,
		&order.CustomerPhone,
		&order.Subtotal,
		&order.Discount,
		&order.TotalAmount,
		&method,
		&received,
		&change,
		&order.PaymentRef,
		&status,
		&order.Notes,
		&order.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	order.PaymentMethod = domain.PaymentMethod(method)
	order.Status = domain.OrderStatus(status)
	order.AmountReceived = int64Ptr(received)
	order.ChangeAmount = int64Ptr(change)
	order.CreatedAt = order.CreatedAt.UTC()
	return &order, nil
}

// uniqueViolation reports whether err is a 23505 and, if so, which constraint
// or index was violated.
func uniqueViolation(err error) (string, bool) {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return pgErr.ConstraintName, true
	}
	return "", false
}

func isSerializationFailure(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "40001" || pgErr.Code == "40P01"
	}
	return false
}

func nullTime(val time.Time) any {
	if val.IsZero() {
		return nil
	}
	return val
}

func nullTimePtr(val *time.Time) any {
	if val == nil {
		return nil
	}
	return *val
}

func nullInt64(val *int64) any {
	if val == nil {
		return nil
	}
	return *val
}

func timePtr(val sql.NullTime) *time.Time {
	if !val.Valid {
		return nil
	}
	at := val.Time.UTC()
	return &at
}

func int64Ptr(val sql.NullInt64) *int64 {
	if !val.Valid {
		return nil
	}
	v := val.Int64
	return &v
}
