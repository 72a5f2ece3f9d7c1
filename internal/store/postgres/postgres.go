package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"

	"github.com/techfiniftysoftwares/pos-backend-sub000/internal/domain"
	"github.com/techfiniftysoftwares/pos-backend-sub000/internal/store"
)

type Store struct {
	db *sqlx.DB
}

func New(ctx context.Context, databaseURL string) (*Store, error) {
	db, err := sqlx.Open("pgx", databaseURL)
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

func (s *Store) Migrate(ctx context.Context) error {
	return Migrate(ctx, s.db)
}

const customerColumns = `
	c.id, c.business_id, c.name, c.credit_limit,
	COALESCE((
		SELECT SUM(CASE t.type WHEN 'sale' THEN t.amount ELSE -t.amount END)
		FROM customer_credit_transactions t
		WHERE t.customer_id = c.id
	), 0) AS current_credit_balance`

const saleColumns = `
	id, business_id, branch_id, COALESCE(customer_id, '') AS customer_id, cashier_id,
	COALESCE(idempotency_key, '') AS idempotency_key, currency,
	subtotal, tax_total, discount_total, grand_total, change_amount,
	exchange_rate_to_base, base_currency_total, status, payment_type, payment_status,
	is_credit_sale, notes, cancel_reason, completed_at, cancelled_at`

const stockColumns = `id, product_id, branch_id, quantity, reserved_quantity, unit_cost`

const batchColumns = `id, stock_id, received_at, quantity, quantity_remaining, unit_cost, source_type, COALESCE(source_id, '') AS source_id`

func (s *Store) GetBusiness(ctx context.Context, businessID string) (*domain.Business, error) {
	var b domain.Business
	err := s.db.GetContext(ctx, &b, `
		SELECT id, name, base_currency
		FROM businesses
		WHERE id = $1
	`, businessID)
	if err != nil {
		return nil, notFound(err)
	}
	return &b, nil
}

func (s *Store) GetBranch(ctx context.Context, businessID string, branchID string) (*domain.Branch, error) {
	var b domain.Branch
	err := s.db.GetContext(ctx, &b, `
		SELECT id, business_id, name
		FROM branches
		WHERE business_id = $1 AND id = $2
	`, businessID, branchID)
	if err != nil {
		return nil, notFound(err)
	}
	return &b, nil
}

func (s *Store) GetProducts(ctx context.Context, businessID string, productIDs []string) (map[string]domain.Product, error) {
	result := make(map[string]domain.Product, len(productIDs))
	if len(productIDs) == 0 {
		return result, nil
	}

	var products []domain.Product
	err := s.db.SelectContext(ctx, &products, `
		SELECT id, business_id, sku, name, selling_price, currency, tax_name, tax_rate, is_tax_inclusive, active
		FROM products
		WHERE business_id = $1 AND id = ANY($2)
	`, businessID, productIDs)
	if err != nil {
		return nil, err
	}
	for _, p := range products {
		result[p.ID] = p
	}
	return result, nil
}

func (s *Store) GetCustomer(ctx context.Context, businessID string, customerID string) (*domain.Customer, error) {
	var c domain.Customer
	err := s.db.GetContext(ctx, &c, `SELECT `+customerColumns+`
		FROM customers c
		WHERE c.business_id = $1 AND c.id = $2
	`, businessID, customerID)
	if err != nil {
		return nil, notFound(err)
	}
	return &c, nil
}

func (s *Store) GetStocks(ctx context.Context, branchID string, productIDs []string) (map[string]domain.Stock, error) {
	result := make(map[string]domain.Stock, len(productIDs))
	if len(productIDs) == 0 {
		return result, nil
	}

	var stocks []domain.Stock
	err := s.db.SelectContext(ctx, &stocks, `SELECT `+stockColumns+`
		FROM stocks
		WHERE branch_id = $1 AND product_id = ANY($2)
	`, branchID, productIDs)
	if err != nil {
		return nil, err
	}
	for _, st := range stocks {
		result[st.ProductID] = st
	}
	return result, nil
}

func (s *Store) FindExchangeRate(ctx context.Context, businessID string, source string, target string, at time.Time) (*domain.ExchangeRate, error) {
	var r domain.ExchangeRate
	err := s.db.GetContext(ctx, &r, `
		SELECT id, business_id, source_currency, target_currency, rate, effective_at
		FROM exchange_rates
		WHERE business_id = $1 AND source_currency = $2 AND target_currency = $3 AND effective_at <= $4
		ORDER BY effective_at DESC, id DESC
		LIMIT 1
	`, businessID, strings.ToUpper(source), strings.ToUpper(target), at)
	if err != nil {
		return nil, notFound(err)
	}
	return &r, nil
}

func (s *Store) GetSale(ctx context.Context, saleID string) (*domain.Sale, error) {
	return loadSale(ctx, s.db, `WHERE id = $1`, saleID)
}

func (s *Store) FindSaleByIdempotency(ctx context.Context, businessID string, key string) (*domain.Sale, error) {
	return loadSale(ctx, s.db, `WHERE business_id = $1 AND idempotency_key = $2`, businessID, key)
}

// loadSale reads one sale with its items, payments, customer and branch.
// where must select at most one row; the query may end with FOR UPDATE.
func loadSale(ctx context.Context, q sqlx.QueryerContext, where string, args ...any) (*domain.Sale, error) {
	var sale domain.Sale
	if err := sqlx.GetContext(ctx, q, &sale, `SELECT `+saleColumns+` FROM sales `+where, args...); err != nil {
		return nil, notFound(err)
	}

	if err := sqlx.SelectContext(ctx, q, &sale.Items, `
		SELECT id, sale_id, product_id, quantity, unit_price, unit_cost, tax_rate, tax_amount,
			is_tax_inclusive, tax_name, discount_amount, net_amount, line_total
		FROM sale_items
		WHERE sale_id = $1
		ORDER BY position
	`, sale.ID); err != nil {
		return nil, err
	}

	var rows []salePaymentRow
	if err := sqlx.SelectContext(ctx, q, &rows, `
		SELECT sp.sale_id, sp.payment_id, sp.exchange_rate_to_sale, sp.sale_amount,
			p.business_id, p.payment_method_id, p.amount, p.currency, p.exchange_rate_to_base,
			p.base_amount, p.status, p.type, COALESCE(p.external_transaction_id, '') AS external_transaction_id,
			p.processed_by, p.paid_at
		FROM sale_payments sp
		JOIN payments p ON p.id = sp.payment_id
		WHERE sp.sale_id = $1
		ORDER BY p.paid_at, p.id
	`, sale.ID); err != nil {
		return nil, err
	}
	sale.Payments = make([]domain.SalePayment, 0, len(rows))
	for _, r := range rows {
		sale.Payments = append(sale.Payments, r.link())
	}

	if sale.CustomerID != "" {
		var c domain.Customer
		err := sqlx.GetContext(ctx, q, &c, `SELECT `+customerColumns+`
			FROM customers c
			WHERE c.id = $1
		`, sale.CustomerID)
		if err == nil {
			sale.Customer = &c
		} else if !errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
	}

	var b domain.Branch
	err := sqlx.GetContext(ctx, q, &b, `SELECT id, business_id, name FROM branches WHERE id = $1`, sale.BranchID)
	if err == nil {
		sale.Branch = &b
	} else if !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}

	return &sale, nil
}

type salePaymentRow struct {
	SaleID                string          `db:"sale_id"`
	PaymentID             string          `db:"payment_id"`
	ExchangeRateToSale    decimal.Decimal `db:"exchange_rate_to_sale"`
	SaleAmount            decimal.Decimal `db:"sale_amount"`
	BusinessID            string          `db:"business_id"`
	PaymentMethodID       string          `db:"payment_method_id"`
	Amount                decimal.Decimal `db:"amount"`
	Currency              string          `db:"currency"`
	ExchangeRateToBase    decimal.Decimal `db:"exchange_rate_to_base"`
	BaseAmount            decimal.Decimal `db:"base_amount"`
	Status                string          `db:"status"`
	Type                  string          `db:"type"`
	ExternalTransactionID string          `db:"external_transaction_id"`
	ProcessedBy           string          `db:"processed_by"`
	PaidAt                time.Time       `db:"paid_at"`
}

func (r salePaymentRow) link() domain.SalePayment {
	return domain.SalePayment{
		SaleID:             r.SaleID,
		PaymentID:          r.PaymentID,
		ExchangeRateToSale: r.ExchangeRateToSale,
		SaleAmount:         r.SaleAmount,
		Payment: domain.Payment{
			ID:                    r.PaymentID,
			BusinessID:            r.BusinessID,
			PaymentMethodID:       r.PaymentMethodID,
			Amount:                r.Amount,
			Currency:              r.Currency,
			ExchangeRateToBase:    r.ExchangeRateToBase,
			BaseAmount:            r.BaseAmount,
			Status:                r.Status,
			Type:                  r.Type,
			ExternalTransactionID: r.ExternalTransactionID,
			ProcessedBy:           r.ProcessedBy,
			PaidAt:                r.PaidAt,
		},
	}
}

// WithinTx runs fn in a serializable transaction. Serialization failures
// and unique violations surface as store.ErrConflict.
func (s *Store) WithinTx(ctx context.Context, fn func(ctx context.Context, tx store.Tx) error) error {
	sqlTx, err := s.db.BeginTxx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return err
	}
	defer func() { _ = sqlTx.Rollback() }()

	if err := fn(ctx, &pgTx{tx: sqlTx}); err != nil {
		return conflict(err)
	}
	if err := sqlTx.Commit(); err != nil {
		return conflict(err)
	}
	return nil
}

type pgTx struct {
	tx *sqlx.Tx
}

func (t *pgTx) LockStock(ctx context.Context, branchID string, productID string) (*domain.Stock, []domain.StockBatch, error) {
	var stock domain.Stock
	err := t.tx.GetContext(ctx, &stock, `SELECT `+stockColumns+`
		FROM stocks
		WHERE branch_id = $1 AND product_id = $2
		FOR UPDATE
	`, branchID, productID)
	if err != nil {
		return nil, nil, notFound(err)
	}

	var batches []domain.StockBatch
	err = t.tx.SelectContext(ctx, &batches, `SELECT `+batchColumns+`
		FROM stock_batches
		WHERE stock_id = $1 AND quantity_remaining > 0
		ORDER BY received_at, id
		FOR UPDATE
	`, stock.ID)
	if err != nil {
		return nil, nil, err
	}
	return &stock, batches, nil
}

func (t *pgTx) UpdateStock(ctx context.Context, stock domain.Stock) error {
	res, err := t.tx.ExecContext(ctx, `
		UPDATE stocks
		SET quantity = $2, reserved_quantity = $3, unit_cost = $4, updated_at = now()
		WHERE id = $1
	`, stock.ID, stock.Quantity, stock.ReservedQuantity, stock.UnitCost)
	return affectedOne(res, err)
}

func (t *pgTx) UpdateBatchRemaining(ctx context.Context, batchID string, remaining decimal.Decimal) error {
	res, err := t.tx.ExecContext(ctx, `
		UPDATE stock_batches
		SET quantity_remaining = $2
		WHERE id = $1
	`, batchID, remaining)
	return affectedOne(res, err)
}

func (t *pgTx) InsertStockBatch(ctx context.Context, batch domain.StockBatch) error {
	_, err := t.tx.NamedExecContext(ctx, `
		INSERT INTO stock_batches (id, stock_id, received_at, quantity, quantity_remaining, unit_cost, source_type, source_id)
		VALUES (:id, :stock_id, :received_at, :quantity, :quantity_remaining, :unit_cost, :source_type, :source_id)
	`, batch)
	return conflict(err)
}

func (t *pgTx) InsertStockMovement(ctx context.Context, m domain.StockMovement) error {
	_, err := t.tx.NamedExecContext(ctx, `
		INSERT INTO stock_movements (
			id, stock_id, product_id, branch_id, type, quantity, previous_quantity, new_quantity,
			unit_cost, reference_type, reference_id, created_by, created_at
		)
		VALUES (
			:id, :stock_id, :product_id, :branch_id, :type, :quantity, :previous_quantity, :new_quantity,
			:unit_cost, :reference_type, :reference_id, :created_by, :created_at
		)
	`, m)
	return conflict(err)
}

func (t *pgTx) LockCustomer(ctx context.Context, businessID string, customerID string) (*domain.Customer, error) {
	var id string
	err := t.tx.GetContext(ctx, &id, `
		SELECT id FROM customers
		WHERE business_id = $1 AND id = $2
		FOR UPDATE
	`, businessID, customerID)
	if err != nil {
		return nil, notFound(err)
	}

	var c domain.Customer
	if err := t.tx.GetContext(ctx, &c, `SELECT `+customerColumns+` FROM customers c WHERE c.id = $1`, id); err != nil {
		return nil, notFound(err)
	}
	return &c, nil
}

func (t *pgTx) CreditBalance(ctx context.Context, customerID string) (decimal.Decimal, error) {
	var balance decimal.Decimal
	err := t.tx.GetContext(ctx, &balance, `
		SELECT COALESCE(SUM(CASE type WHEN 'sale' THEN amount ELSE -amount END), 0)
		FROM customer_credit_transactions
		WHERE customer_id = $1
	`, customerID)
	return balance, err
}

func (t *pgTx) SaleCreditBalance(ctx context.Context, customerID string, saleID string) (decimal.Decimal, error) {
	var balance decimal.Decimal
	err := t.tx.GetContext(ctx, &balance, `
		SELECT COALESCE(SUM(CASE type WHEN 'sale' THEN amount ELSE -amount END), 0)
		FROM customer_credit_transactions
		WHERE customer_id = $1 AND sale_id = $2
	`, customerID, saleID)
	return balance, err
}

func (t *pgTx) InsertCreditTransaction(ctx context.Context, e domain.CustomerCreditTransaction) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO customer_credit_transactions (id, customer_id, sale_id, type, amount, notes, created_by, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
	`, e.ID, e.CustomerID, nullable(e.SaleID), e.Type, e.Amount, e.Notes, e.CreatedBy, e.CreatedAt)
	return conflict(err)
}

func (t *pgTx) InsertSale(ctx context.Context, sale domain.Sale) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO sales (
			id, business_id, branch_id, customer_id, cashier_id, idempotency_key, currency,
			subtotal, tax_total, discount_total, grand_total, change_amount,
			exchange_rate_to_base, base_currency_total, status, payment_type, payment_status,
			is_credit_sale, notes, cancel_reason, completed_at, cancelled_at
		)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22)
	`,
		sale.ID, sale.BusinessID, sale.BranchID, nullable(sale.CustomerID), sale.CashierID, nullable(sale.IdempotencyKey), sale.Currency,
		sale.Subtotal, sale.TaxTotal, sale.DiscountTotal, sale.GrandTotal, sale.ChangeAmount,
		sale.ExchangeRateToBase, sale.BaseCurrencyTotal, sale.Status, sale.PaymentType, sale.PaymentStatus,
		sale.IsCreditSale, sale.Notes, sale.CancelReason, sale.CompletedAt, sale.CancelledAt,
	)
	if err != nil {
		return conflict(err)
	}

	for i, item := range sale.Items {
		_, err := t.tx.ExecContext(ctx, `
			INSERT INTO sale_items (
				id, sale_id, position, product_id, quantity, unit_price, unit_cost, tax_rate, tax_amount,
				is_tax_inclusive, tax_name, discount_amount, net_amount, line_total
			)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)
		`,
			item.ID, sale.ID, i, item.ProductID, item.Quantity, item.UnitPrice, item.UnitCost, item.TaxRate, item.TaxAmount,
			item.IsTaxInclusive, item.TaxName, item.DiscountAmount, item.NetAmount, item.LineTotal,
		)
		if err != nil {
			return conflict(err)
		}
	}
	return nil
}

func (t *pgTx) InsertPayment(ctx context.Context, p domain.Payment, link domain.SalePayment) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO payments (
			id, business_id, payment_method_id, amount, currency, exchange_rate_to_base, base_amount,
			status, type, external_transaction_id, processed_by, paid_at
		)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
	`,
		p.ID, p.BusinessID, p.PaymentMethodID, p.Amount, p.Currency, p.ExchangeRateToBase, p.BaseAmount,
		p.Status, p.Type, nullable(p.ExternalTransactionID), p.ProcessedBy, p.PaidAt,
	)
	if err != nil {
		return conflict(err)
	}

	_, err = t.tx.ExecContext(ctx, `
		INSERT INTO sale_payments (sale_id, payment_id, exchange_rate_to_sale, sale_amount)
		VALUES ($1,$2,$3,$4)
	`, link.SaleID, p.ID, link.ExchangeRateToSale, link.SaleAmount)
	return conflict(err)
}

func (t *pgTx) LockSale(ctx context.Context, saleID string) (*domain.Sale, error) {
	return loadSale(ctx, t.tx, `WHERE id = $1 FOR UPDATE`, saleID)
}

func (t *pgTx) UpdateSaleSettlement(ctx context.Context, saleID string, paymentStatus string, change decimal.Decimal) error {
	res, err := t.tx.ExecContext(ctx, `
		UPDATE sales
		SET payment_status = $2, change_amount = $3
		WHERE id = $1
	`, saleID, paymentStatus, change)
	return affectedOne(res, err)
}

func (t *pgTx) MarkSaleCancelled(ctx context.Context, saleID string, reason string, at time.Time) error {
	res, err := t.tx.ExecContext(ctx, `
		UPDATE sales
		SET status = $2, cancel_reason = $3, cancelled_at = $4
		WHERE id = $1 AND status = $5
	`, saleID, domain.SaleStatusCancelled, reason, at, domain.SaleStatusCompleted)
	return affectedOne(res, err)
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func notFound(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return store.ErrNotFound
	}
	return err
}

func affectedOne(res sql.Result, err error) error {
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

func conflict(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23505":
			return fmt.Errorf("%w: %s", store.ErrConflict, pgErr.ConstraintName)
		case "40001", "40P01":
			return fmt.Errorf("%w: %s", store.ErrConflict, pgErr.Message)
		}
	}
	return err
}
