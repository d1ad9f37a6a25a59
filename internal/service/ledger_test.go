package service

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"kasirinaja/posledger/internal/domain"
)

func TestOpenShiftConcurrentAttemptsForSameEmployee(t *testing.T) {
	f := newFixture(t, Config{})

	const attempts = 16
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
		conflicts int
	)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.svc.Ledger.OpenShift(context.Background(), domain.ShiftOpenRequest{
				EmployeeID:  "emp-7",
				OpeningCash: 50000,
			})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				successes++
			case isConflict(err):
				conflicts++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	require.Equal(t, 1, successes)
	require.Equal(t, attempts-1, conflicts)

	open, err := f.svc.Ledger.ListShifts(context.Background(), domain.ShiftFilter{EmployeeID: "emp-7", Status: domain.ShiftStatusOpen})
	require.NoError(t, err)
	require.Len(t, open, 1)
}

func isConflict(err error) bool {
	return err != nil && errors.Is(err, domain.ErrConflict)
}

func TestOpenShiftValidation(t *testing.T) {
	f := newFixture(t, Config{})

	_, err := f.svc.Ledger.OpenShift(context.Background(), domain.ShiftOpenRequest{EmployeeID: "emp-1", OpeningCash: -1})
	require.ErrorIs(t, err, domain.ErrValidation)

	_, err = f.svc.Ledger.OpenShift(context.Background(), domain.ShiftOpenRequest{OpeningCash: 0})
	require.ErrorIs(t, err, domain.ErrValidation)
}

func TestOpenShiftDefaultsToActor(t *testing.T) {
	f := newFixture(t, Config{})

	shift, err := f.svc.Ledger.OpenShift(cashierCtx(), domain.ShiftOpenRequest{OpeningCash: 10000})
	require.NoError(t, err)
	require.Equal(t, "cashier", shift.EmployeeID)
	require.Equal(t, "Front Cashier", shift.EmployeeName)
	require.NotEmpty(t, shift.ShiftName)

	active, err := f.svc.Ledger.ActiveShift(context.Background(), "cashier")
	require.NoError(t, err)
	require.Equal(t, shift.ID, active.ID)
}

func TestRecordOrderUpdatesMethodBuckets(t *testing.T) {
	f := newFixture(t, Config{})
	shift := f.openShift(t, "emp-1", 100000)
	ctx := context.Background()

	for i, method := range []domain.PaymentMethod{domain.PaymentMethodCash, domain.PaymentMethodBankTransfer, domain.PaymentMethodEWallet} {
		_, _, err := f.svc.Ledger.RecordOrder(ctx, shift.ID, domain.POSOrder{
			ID:            "ORD-" + string(method),
			EmployeeID:    "emp-1",
			TotalAmount:   int64(10000 * (i + 1)),
			PaymentMethod: method,
			Status:        domain.OrderStatusCompleted,
		})
		require.NoError(t, err)
	}

	got, err := f.svc.Ledger.GetShift(ctx, shift.ID)
	require.NoError(t, err)
	require.Equal(t, 3, got.TotalOrders)
	require.Equal(t, int64(60000), got.TotalRevenue)
	require.Equal(t, int64(10000), got.CashRevenue)
	require.Equal(t, int64(20000), got.BankTransferRevenue)
	require.Equal(t, int64(30000), got.EWalletRevenue)
}

func TestRecordOrderRequiresOpenShift(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()

	_, _, err := f.svc.Ledger.RecordOrder(ctx, "SHF-missing", domain.POSOrder{ID: "ORD-1", PaymentMethod: domain.PaymentMethodCash})
	require.ErrorIs(t, err, domain.ErrNotFound)

	shift := f.openShift(t, "emp-1", 0)
	_, err = f.svc.Ledger.CloseShift(ctx, shift.ID, domain.ShiftCloseRequest{ActualCashInDrawer: 0})
	require.NoError(t, err)

	_, _, err = f.svc.Ledger.RecordOrder(ctx, shift.ID, domain.POSOrder{ID: "ORD-2", PaymentMethod: domain.PaymentMethodCash, TotalAmount: 5000})
	require.ErrorIs(t, err, domain.ErrNotFound)

	got, err := f.svc.Ledger.GetShift(ctx, shift.ID)
	require.NoError(t, err)
	require.Zero(t, got.TotalOrders)
}

func TestCloseShiftRecordsCashDifference(t *testing.T) {
	f := newFixture(t, Config{})
	shift := f.openShift(t, "emp-1", 100000)
	ctx := context.Background()

	_, _, err := f.svc.Ledger.RecordOrder(ctx, shift.ID, domain.POSOrder{ID: "ORD-cash", TotalAmount: 25000, PaymentMethod: domain.PaymentMethodCash})
	require.NoError(t, err)
	_, _, err = f.svc.Ledger.RecordOrder(ctx, shift.ID, domain.POSOrder{ID: "ORD-bank", TotalAmount: 40000, PaymentMethod: domain.PaymentMethodBankTransfer})
	require.NoError(t, err)

	closed, err := f.svc.Ledger.CloseShift(ctx, shift.ID, domain.ShiftCloseRequest{
		ActualCashInDrawer: 120000,
		CashDenominations: []domain.CashDenomination{
			{Denomination: 100000, Quantity: 1},
			{Denomination: 10000, Quantity: 2},
			{Denomination: 5000, Quantity: 0},
		},
		Notes: "short by five thousand",
	})
	require.NoError(t, err)
	require.Equal(t, domain.ShiftStatusPending, closed.Status)
	require.NotNil(t, closed.ShiftEndTime)
	require.Equal(t, int64(125000), *closed.ExpectedCash)
	require.Equal(t, *closed.ActualCashInDrawer-(closed.OpeningCash+closed.CashRevenue), *closed.CashDifference)
	require.Equal(t, int64(-5000), *closed.CashDifference)
	require.Len(t, closed.CashDenominations, 2)
	require.Equal(t, int64(20000), closed.CashDenominations[1].Total)

	_, err = f.svc.Ledger.ActiveShift(ctx, "emp-1")
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestCloseShiftValidation(t *testing.T) {
	f := newFixture(t, Config{})
	shift := f.openShift(t, "emp-1", 50000)
	ctx := context.Background()

	_, err := f.svc.Ledger.CloseShift(ctx, shift.ID, domain.ShiftCloseRequest{ActualCashInDrawer: -1})
	require.ErrorIs(t, err, domain.ErrValidation)

	_, err = f.svc.Ledger.CloseShift(ctx, shift.ID, domain.ShiftCloseRequest{
		ActualCashInDrawer: 50000,
		CashDenominations:  []domain.CashDenomination{{Denomination: 20000, Quantity: 2}},
	})
	require.ErrorIs(t, err, domain.ErrValidation)

	_, err = f.svc.Ledger.CloseShift(ctx, shift.ID, domain.ShiftCloseRequest{ActualCashInDrawer: 50000})
	require.NoError(t, err)

	_, err = f.svc.Ledger.CloseShift(ctx, shift.ID, domain.ShiftCloseRequest{ActualCashInDrawer: 50000})
	require.ErrorIs(t, err, domain.ErrValidation)
}

func TestRecordOrderAndCloseAreSerialized(t *testing.T) {
	f := newFixture(t, Config{})
	shift := f.openShift(t, "emp-1", 0)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, _, _ = f.svc.Ledger.RecordOrder(ctx, shift.ID, domain.POSOrder{
				ID:            "ORD-" + string(rune('A'+i%26)) + string(rune('a'+i/26)),
				TotalAmount:   1000,
				PaymentMethod: domain.PaymentMethodCash,
			})
		}(i)
	}
	var (
		closed   domain.Shift
		closeErr error
	)
	wg.Add(1)
	go func() {
		defer wg.Done()
		closed, closeErr = f.svc.Ledger.CloseShift(ctx, shift.ID, domain.ShiftCloseRequest{ActualCashInDrawer: 0})
	}()
	wg.Wait()
	require.NoError(t, closeErr)

	final, err := f.svc.Ledger.GetShift(ctx, shift.ID)
	require.NoError(t, err)
	require.Equal(t, closed.CashRevenue, final.CashRevenue)
	require.Equal(t, final.CashRevenue, *final.ExpectedCash)

	orders, err := f.svc.Orders.ListOrders(ctx, domain.OrderFilter{ShiftID: shift.ID, Limit: 500})
	require.NoError(t, err)
	require.Len(t, orders, final.TotalOrders)
}
