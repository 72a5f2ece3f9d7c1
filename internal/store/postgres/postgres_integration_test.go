package postgres

import (
	"context"
	"fmt"
	"io"
	"os"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/techfiniftysoftwares/pos-backend-sub000/internal/domain"
	"github.com/techfiniftysoftwares/pos-backend-sub000/internal/service"
	"github.com/techfiniftysoftwares/pos-backend-sub000/internal/store"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	databaseURL := os.Getenv("POS_TEST_DATABASE_URL")
	if databaseURL == "" {
		t.Skip("set POS_TEST_DATABASE_URL to run postgres integration test")
	}

	ctx := context.Background()
	s, err := New(ctx, databaseURL)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	require.NoError(t, s.Migrate(ctx))
	return s
}

type fixture struct {
	businessID string
	branchID   string
	productID  string
	customerID string
	stockID    string
}

func seedFixture(t *testing.T, s *Store) fixture {
	t.Helper()
	ctx := context.Background()
	stamp := time.Now().UnixNano()
	f := fixture{
		businessID: fmt.Sprintf("biz-it-%d", stamp),
		branchID:   fmt.Sprintf("br-it-%d", stamp),
		productID:  fmt.Sprintf("prd-it-%d", stamp),
		customerID: fmt.Sprintf("cus-it-%d", stamp),
		stockID:    fmt.Sprintf("stk-it-%d", stamp),
	}
	received := time.Date(2026, 1, 1, 8, 0, 0, 0, time.UTC)

	stmts := []struct {
		query string
		args  []any
	}{
		{`INSERT INTO businesses (id, name, base_currency) VALUES ($1, 'IT Biz', 'USD')`, []any{f.businessID}},
		{`INSERT INTO branches (id, business_id, name) VALUES ($1, $2, 'IT Branch')`, []any{f.branchID, f.businessID}},
		{`INSERT INTO products (id, business_id, sku, name, selling_price, currency, tax_name, tax_rate, is_tax_inclusive, active)
			VALUES ($1, $2, $1, 'IT Coffee', 10, 'USD', 'VAT', 10, false, true)`, []any{f.productID, f.businessID}},
		{`INSERT INTO customers (id, business_id, name, credit_limit) VALUES ($1, $2, 'IT Customer', 100)`, []any{f.customerID, f.businessID}},
		{`INSERT INTO stocks (id, product_id, branch_id, quantity, reserved_quantity, unit_cost) VALUES ($1, $2, $3, 15, 0, 3)`,
			[]any{f.stockID, f.productID, f.branchID}},
		{`INSERT INTO stock_batches (id, stock_id, received_at, quantity, quantity_remaining, unit_cost) VALUES ($1, $2, $3, 5, 5, 2)`,
			[]any{f.stockID + "-b1", f.stockID, received}},
		{`INSERT INTO stock_batches (id, stock_id, received_at, quantity, quantity_remaining, unit_cost) VALUES ($1, $2, $3, 10, 10, 3)`,
			[]any{f.stockID + "-b2", f.stockID, received.AddDate(0, 0, 1)}},
	}
	for _, st := range stmts {
		_, err := s.db.ExecContext(ctx, st.query, st.args...)
		require.NoError(t, err)
	}
	return f
}

func newTestService(s *Store) *service.Service {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return service.New(s, service.Options{Logger: logger})
}

func TestCreateSaleAllocatesFIFOInPostgres(t *testing.T) {
	s := openTestStore(t)
	f := seedFixture(t, s)
	svc := newTestService(s)
	ctx := context.Background()

	sale, err := svc.CreateSale(ctx, domain.ExecContext{Actor: domain.Actor{Username: "it"}, Now: time.Now().UTC()}, domain.CreateSaleRequest{
		BusinessID:     f.businessID,
		BranchID:       f.branchID,
		Currency:       "USD",
		PaymentType:    domain.PaymentTypeCash,
		IdempotencyKey: f.stockID,
		Items:          []domain.SaleLineRequest{{ProductID: f.productID, Quantity: decimal.NewFromInt(8)}},
		Payments:       []domain.PaymentRequest{{PaymentMethodID: "cash", Amount: decimal.NewFromInt(90), Currency: "USD"}},
	})
	require.NoError(t, err)
	assert.True(t, sale.GrandTotal.Equal(decimal.RequireFromString("88")))
	assert.True(t, sale.ChangeAmount.Equal(decimal.RequireFromString("2")))
	require.Len(t, sale.Items, 1)
	assert.True(t, sale.Items[0].UnitCost.Equal(decimal.RequireFromString("2.375")))
	require.Len(t, sale.Payments, 1)

	again, err := s.FindSaleByIdempotency(ctx, f.businessID, f.stockID)
	require.NoError(t, err)
	assert.Equal(t, sale.ID, again.ID)

	stocks, err := s.GetStocks(ctx, f.branchID, []string{f.productID})
	require.NoError(t, err)
	assert.True(t, stocks[f.productID].Quantity.Equal(decimal.NewFromInt(7)))
}

func TestCreditSaleCancelRestoresInPostgres(t *testing.T) {
	s := openTestStore(t)
	f := seedFixture(t, s)
	svc := newTestService(s)
	ctx := context.Background()
	ec := domain.ExecContext{Actor: domain.Actor{Username: "it"}, Now: time.Now().UTC()}

	sale, err := svc.CreateSale(ctx, ec, domain.CreateSaleRequest{
		BusinessID:  f.businessID,
		BranchID:    f.branchID,
		CustomerID:  f.customerID,
		Currency:    "USD",
		PaymentType: domain.PaymentTypeCredit,
		Items:       []domain.SaleLineRequest{{ProductID: f.productID, Quantity: decimal.NewFromInt(2)}},
	})
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentStatusUnpaid, sale.PaymentStatus)

	customer, err := s.GetCustomer(ctx, f.businessID, f.customerID)
	require.NoError(t, err)
	assert.True(t, customer.CurrentCreditBalance.Equal(decimal.NewFromInt(22)))

	_, err = svc.CancelSale(ctx, ec, domain.CancelSaleRequest{SaleID: sale.ID, Reason: "integration"})
	require.NoError(t, err)

	customer, err = s.GetCustomer(ctx, f.businessID, f.customerID)
	require.NoError(t, err)
	assert.True(t, customer.CurrentCreditBalance.IsZero())

	var batchSum decimal.Decimal
	require.NoError(t, s.db.GetContext(ctx, &batchSum, `SELECT SUM(quantity_remaining) FROM stock_batches WHERE stock_id = $1`, f.stockID))
	assert.True(t, batchSum.Equal(decimal.NewFromInt(15)))
}

func TestWithinTxRollsBackOnError(t *testing.T) {
	s := openTestStore(t)
	f := seedFixture(t, s)
	ctx := context.Background()

	err := s.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
		stock, batches, err := tx.LockStock(ctx, f.branchID, f.productID)
		require.NoError(t, err)
		require.Len(t, batches, 2)
		require.NoError(t, tx.UpdateBatchRemaining(ctx, batches[0].ID, decimal.Zero))
		stock.Quantity = decimal.NewFromInt(10)
		require.NoError(t, tx.UpdateStock(ctx, *stock))
		return domain.Invalid("abort")
	})
	require.ErrorIs(t, err, domain.ErrInvalidInput)

	stocks, err := s.GetStocks(ctx, f.branchID, []string{f.productID})
	require.NoError(t, err)
	assert.True(t, stocks[f.productID].Quantity.Equal(decimal.NewFromInt(15)))
}
