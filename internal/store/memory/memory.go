package memory

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"slices"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"

	"kasirinaja/posledger/internal/domain"
	"kasirinaja/posledger/internal/store"
	"kasirinaja/posledger/internal/xid"
)

type Store struct {
	mu                  sync.RWMutex
	products            map[string]domain.InventoryItem
	stock               map[string]int
	shiftsByID          map[string]domain.Shift
	openShiftByEmployee map[string]string
	ordersByID          map[string]domain.POSOrder
	orderIDs            []string
	auditLogs           []domain.AuditLog
	usersByUsername     map[string]domain.UserAccount
}

func New() *Store {
	return &Store{
		products:            make(map[string]domain.InventoryItem),
		stock:               make(map[string]int),
		shiftsByID:          make(map[string]domain.Shift),
		openShiftByEmployee: make(map[string]string),
		ordersByID:          make(map[string]domain.POSOrder),
		usersByUsername:     make(map[string]domain.UserAccount),
	}
}

// NewSeeded returns a store with a small demo catalog and the default admin and
// cashier accounts. Passwords come from SEED_ADMIN_PASSWORD and
// SEED_CASHIER_PASSWORD, falling back to dev defaults.
func NewSeeded() *Store {
	s := New()
	for _, p := range []domain.InventoryItem{
		{ProductID: "SKU-MIE-01", Name: "Mie Goreng Instan", Price: 3500, CostPrice: 2700, StockQuantity: 120},
		{ProductID: "SKU-TELUR-01", Name: "Telur 10 Butir", Price: 26500, CostPrice: 23000, StockQuantity: 120},
		{ProductID: "SKU-SUSU-01", Name: "Susu UHT 1L", Price: 18900, CostPrice: 13600, StockQuantity: 120, DiscountPercent: 5},
		{ProductID: "SKU-ROTI-01", Name: "Roti Tawar", Price: 17800, CostPrice: 12400, StockQuantity: 40, IsClearance: true, ClearanceDiscountPercent: 30},
		{ProductID: "SKU-KOPI-01", Name: "Kopi Sachet", Price: 2600, CostPrice: 1700, StockQuantity: 120},
		{ProductID: "SKU-GULA-01", Name: "Gula 1kg", Price: 17400, CostPrice: 15300, StockQuantity: 120},
		{ProductID: "SKU-TEH-01", Name: "Teh Celup", Price: 9800, CostPrice: 7200, StockQuantity: 120},
		{ProductID: "SKU-AIR-01", Name: "Air Mineral 600ml", Price: 3900, CostPrice: 3200, StockQuantity: 120},
	} {
		s.PutProduct(p)
	}

	adminPwd := envOr("SEED_ADMIN_PASSWORD", "admin123")
	cashierPwd := envOr("SEED_CASHIER_PASSWORD", "cashier123")
	if os.Getenv("SEED_ADMIN_PASSWORD") == "" || os.Getenv("SEED_CASHIER_PASSWORD") == "" {
		slog.Warn("memory store is using default dev credentials; set SEED_ADMIN_PASSWORD and SEED_CASHIER_PASSWORD to override")
	}
	now := time.Now().UTC()
	for _, u := range []struct {
		username, name, password, role string
	}{
		{"admin", "Store Admin", adminPwd, domain.RoleAdmin},
		{"cashier", "Front Cashier", cashierPwd, domain.RoleCashier},
	} {
		hash, err := bcrypt.GenerateFromPassword([]byte(u.password), bcrypt.DefaultCost)
		if err != nil {
			panic(fmt.Sprintf("memory store: hash seed password for %s: %v", u.username, err))
		}
		s.usersByUsername[u.username] = domain.UserAccount{
			Username:    u.username,
			DisplayName: u.name,
			Password:    string(hash),
			Role:        u.role,
			Active:      true,
			CreatedAt:   now,
		}
	}
	return s
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// PutProduct inserts or replaces a catalog entry and sets its stock level.
func (s *Store) PutProduct(item domain.InventoryItem) {
	s.mu.Lock()
	defer s.mu.Unlock()
	stock := item.StockQuantity
	item.StockQuantity = 0
	s.products[item.ProductID] = item
	s.stock[item.ProductID] = stock
}

func (s *Store) SetStock(productID string, qty int) {
	s.mu.Lock()
	s.stock[productID] = qty
	s.mu.Unlock()
}

func (s *Store) StockOf(productID string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.stock[productID]
}

func (s *Store) GetProduct(_ context.Context, productID string) (domain.InventoryItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	item, ok := s.products[productID]
	if !ok {
		return domain.InventoryItem{}, fmt.Errorf("%w: product %s", store.ErrNotFound, productID)
	}
	item.StockQuantity = s.stock[productID]
	return item, nil
}

func (s *Store) DecrementStock(_ context.Context, productID string, qty int) error {
	if qty < 1 {
		return fmt.Errorf("%w: decrement quantity must be positive", domain.ErrValidation)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.products[productID]; !ok {
		return fmt.Errorf("%w: product %s", store.ErrNotFound, productID)
	}
	if s.stock[productID] < qty {
		return fmt.Errorf("%w: %s has %d, need %d", store.ErrInsufficientStock, productID, s.stock[productID], qty)
	}
	s.stock[productID] -= qty
	return nil
}

func (s *Store) IncrementStock(_ context.Context, productID string, qty int) error {
	if qty < 1 {
		return fmt.Errorf("%w: increment quantity must be positive", domain.ErrValidation)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.products[productID]; !ok {
		return fmt.Errorf("%w: product %s", store.ErrNotFound, productID)
	}
	s.stock[productID] += qty
	return nil
}

func (s *Store) CreateShift(_ context.Context, shift domain.Shift) (*domain.Shift, error) {
	if strings.TrimSpace(shift.EmployeeID) == "" {
		return nil, fmt.Errorf("%w: employee id is required", domain.ErrValidation)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.openShiftByEmployee[shift.EmployeeID]; exists {
		return nil, store.ErrShiftAlreadyOpen
	}
	if shift.ID == "" {
		shift.ID = xid.New("shift")
	}
	if _, exists := s.shiftsByID[shift.ID]; exists {
		return nil, store.ErrDuplicate
	}
	if shift.ShiftStartTime.IsZero() {
		shift.ShiftStartTime = time.Now().UTC()
	}
	shift.Status = domain.ShiftStatusOpen

	s.shiftsByID[shift.ID] = shift.Clone()
	s.openShiftByEmployee[shift.EmployeeID] = shift.ID
	out := shift.Clone()
	return &out, nil
}

func (s *Store) GetShift(_ context.Context, id string) (*domain.Shift, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	shift, ok := s.shiftsByID[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	out := shift.Clone()
	return &out, nil
}

func (s *Store) GetOpenShiftByEmployee(_ context.Context, employeeID string) (*domain.Shift, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	shiftID, ok := s.openShiftByEmployee[employeeID]
	if !ok {
		return nil, store.ErrNotFound
	}
	shift, ok := s.shiftsByID[shiftID]
	if !ok || shift.Status != domain.ShiftStatusOpen {
		return nil, store.ErrNotFound
	}
	out := shift.Clone()
	return &out, nil
}

func (s *Store) UpdateShift(_ context.Context, id string, mutate store.ShiftMutation) (*domain.Shift, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.shiftsByID[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	next := current.Clone()
	if err := mutate(&next); err != nil {
		return nil, err
	}
	s.putShiftLocked(next)
	out := next.Clone()
	return &out, nil
}

func (s *Store) putShiftLocked(shift domain.Shift) {
	s.shiftsByID[shift.ID] = shift.Clone()
	if shift.Status == domain.ShiftStatusOpen {
		s.openShiftByEmployee[shift.EmployeeID] = shift.ID
		return
	}
	if s.openShiftByEmployee[shift.EmployeeID] == shift.ID {
		delete(s.openShiftByEmployee, shift.EmployeeID)
	}
}

func (s *Store) ListShifts(_ context.Context, filter domain.ShiftFilter) ([]domain.Shift, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.Shift, 0, len(s.shiftsByID))
	for _, shift := range s.shiftsByID {
		if filter.EmployeeID != "" && shift.EmployeeID != filter.EmployeeID {
			continue
		}
		if filter.Status != "" && shift.Status != filter.Status {
			continue
		}
		if !inRange(shift.ShiftStartTime, filter.From, filter.To) {
			continue
		}
		result = append(result, shift.Clone())
	}
	slices.SortFunc(result, func(a, b domain.Shift) int {
		return b.ShiftStartTime.Compare(a.ShiftStartTime)
	})
	return limitSlice(result, filter.Limit), nil
}

func (s *Store) SaveOrder(_ context.Context, order domain.POSOrder, mutate store.ShiftMutation) (*domain.POSOrder, *domain.Shift, error) {
	if order.ID == "" || order.ShiftID == "" {
		return nil, nil, fmt.Errorf("%w: order id and shift id are required", domain.ErrValidation)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.ordersByID[order.ID]; exists {
		return nil, nil, store.ErrDuplicate
	}
	current, ok := s.shiftsByID[order.ShiftID]
	if !ok {
		return nil, nil, store.ErrNotFound
	}
	next := current.Clone()
	if mutate != nil {
		if err := mutate(&next); err != nil {
			return nil, nil, err
		}
	}

	s.putShiftLocked(next)
	s.ordersByID[order.ID] = order.Clone()
	s.orderIDs = append(s.orderIDs, order.ID)

	savedOrder := order.Clone()
	savedShift := next.Clone()
	return &savedOrder, &savedShift, nil
}

func (s *Store) GetOrder(_ context.Context, id string) (*domain.POSOrder, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	order, ok := s.ordersByID[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	out := order.Clone()
	return &out, nil
}

func (s *Store) ListOrders(_ context.Context, filter domain.OrderFilter) ([]domain.POSOrder, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.POSOrder, 0, len(s.orderIDs))
	for i := len(s.orderIDs) - 1; i >= 0; i-- {
		order := s.ordersByID[s.orderIDs[i]]
		if filter.ShiftID != "" && order.ShiftID != filter.ShiftID {
			continue
		}
		if filter.EmployeeID != "" && order.EmployeeID != filter.EmployeeID {
			continue
		}
		if !inRange(order.CreatedAt, filter.From, filter.To) {
			continue
		}
		result = append(result, order.Clone())
	}
	return limitSlice(result, filter.Limit), nil
}

func (s *Store) CreateAuditLog(_ context.Context, entry domain.AuditLog) error {
	if entry.Action == "" {
		return fmt.Errorf("%w: audit action is required", domain.ErrValidation)
	}
	if entry.ID == "" {
		entry.ID = xid.New("audit")
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}

	s.mu.Lock()
	s.auditLogs = append(s.auditLogs, entry)
	s.mu.Unlock()
	return nil
}

func (s *Store) ListAuditLogs(_ context.Context, filter domain.AuditFilter) ([]domain.AuditLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.AuditLog, 0, len(s.auditLogs))
	for i := len(s.auditLogs) - 1; i >= 0; i-- {
		entry := s.auditLogs[i]
		if filter.EntityType != "" && entry.EntityType != filter.EntityType {
			continue
		}
		if filter.EntityID != "" && entry.EntityID != filter.EntityID {
			continue
		}
		if !inRange(entry.CreatedAt, filter.From, filter.To) {
			continue
		}
		result = append(result, entry)
	}
	return limitSlice(result, filter.Limit), nil
}

func (s *Store) CreateUser(_ context.Context, user domain.UserAccount) error {
	username := strings.ToLower(strings.TrimSpace(user.Username))
	if username == "" {
		return fmt.Errorf("%w: username is required", domain.ErrValidation)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.usersByUsername[username]; exists {
		return store.ErrDuplicate
	}
	user.Username = username
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}
	s.usersByUsername[username] = user
	return nil
}

func (s *Store) ListUsers(_ context.Context) ([]domain.UserAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	users := make([]domain.UserAccount, 0, len(s.usersByUsername))
	for _, user := range s.usersByUsername {
		users = append(users, user)
	}
	slices.SortFunc(users, func(a, b domain.UserAccount) int {
		return strings.Compare(a.Username, b.Username)
	})
	return users, nil
}

func (s *Store) UpdateUserPassword(_ context.Context, username string, password string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	user, ok := s.usersByUsername[username]
	if !ok {
		return store.ErrNotFound
	}
	user.Password = password
	s.usersByUsername[username] = user
	return nil
}

func inRange(at time.Time, from time.Time, to time.Time) bool {
	if !from.IsZero() && at.Before(from) {
		return false
	}
	if !to.IsZero() && !at.Before(to) {
		return false
	}
	return true
}

func limitSlice[T any](items []T, limit int) []T {
	if limit > 0 && len(items) > limit {
		return items[:limit]
	}
	return items
}
