package postgres

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
)

// schema is applied in order. Every statement is idempotent.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS businesses (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		base_currency CHAR(3) NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS branches (
		id TEXT PRIMARY KEY,
		business_id TEXT NOT NULL REFERENCES businesses(id),
		name TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS products (
		id TEXT PRIMARY KEY,
		business_id TEXT NOT NULL REFERENCES businesses(id),
		sku TEXT NOT NULL,
		name TEXT NOT NULL,
		selling_price NUMERIC(18,4) NOT NULL,
		currency CHAR(3) NOT NULL,
		tax_name TEXT NOT NULL DEFAULT '',
		tax_rate NUMERIC(7,4) NOT NULL DEFAULT 0,
		is_tax_inclusive BOOLEAN NOT NULL DEFAULT false,
		active BOOLEAN NOT NULL DEFAULT true,
		UNIQUE (business_id, sku)
	)`,
	`CREATE TABLE IF NOT EXISTS customers (
		id TEXT PRIMARY KEY,
		business_id TEXT NOT NULL REFERENCES businesses(id),
		name TEXT NOT NULL,
		credit_limit NUMERIC(18,2) NOT NULL DEFAULT 0
	)`,
	`CREATE TABLE IF NOT EXISTS stocks (
		id TEXT PRIMARY KEY,
		product_id TEXT NOT NULL REFERENCES products(id),
		branch_id TEXT NOT NULL REFERENCES branches(id),
		quantity NUMERIC(18,4) NOT NULL DEFAULT 0,
		reserved_quantity NUMERIC(18,4) NOT NULL DEFAULT 0,
		unit_cost NUMERIC(18,4) NOT NULL DEFAULT 0,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		UNIQUE (branch_id, product_id)
	)`,
	`CREATE TABLE IF NOT EXISTS stock_batches (
		id TEXT PRIMARY KEY,
		stock_id TEXT NOT NULL REFERENCES stocks(id),
		received_at TIMESTAMPTZ NOT NULL,
		quantity NUMERIC(18,4) NOT NULL,
		quantity_remaining NUMERIC(18,4) NOT NULL CHECK (quantity_remaining >= 0),
		unit_cost NUMERIC(18,4) NOT NULL,
		source_type TEXT NOT NULL DEFAULT 'receipt',
		source_id TEXT
	)`,
	`CREATE INDEX IF NOT EXISTS stock_batches_fifo_idx ON stock_batches (stock_id, received_at, id)`,
	`CREATE TABLE IF NOT EXISTS stock_movements (
		id TEXT PRIMARY KEY,
		stock_id TEXT NOT NULL REFERENCES stocks(id),
		product_id TEXT NOT NULL,
		branch_id TEXT NOT NULL,
		type TEXT NOT NULL,
		quantity NUMERIC(18,4) NOT NULL,
		previous_quantity NUMERIC(18,4) NOT NULL,
		new_quantity NUMERIC(18,4) NOT NULL,
		unit_cost NUMERIC(18,4) NOT NULL,
		reference_type TEXT NOT NULL,
		reference_id TEXT NOT NULL,
		created_by TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS exchange_rates (
		id TEXT PRIMARY KEY,
		business_id TEXT NOT NULL REFERENCES businesses(id),
		source_currency CHAR(3) NOT NULL,
		target_currency CHAR(3) NOT NULL,
		rate NUMERIC(24,10) NOT NULL CHECK (rate > 0),
		effective_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS exchange_rates_lookup_idx
		ON exchange_rates (business_id, source_currency, target_currency, effective_at DESC)`,
	`CREATE TABLE IF NOT EXISTS sales (
		id TEXT PRIMARY KEY,
		business_id TEXT NOT NULL REFERENCES businesses(id),
		branch_id TEXT NOT NULL REFERENCES branches(id),
		customer_id TEXT REFERENCES customers(id),
		cashier_id TEXT NOT NULL,
		idempotency_key TEXT,
		currency CHAR(3) NOT NULL,
		subtotal NUMERIC(18,2) NOT NULL,
		tax_total NUMERIC(18,2) NOT NULL,
		discount_total NUMERIC(18,2) NOT NULL,
		grand_total NUMERIC(18,2) NOT NULL,
		change_amount NUMERIC(18,2) NOT NULL DEFAULT 0,
		exchange_rate_to_base NUMERIC(24,10) NOT NULL,
		base_currency_total NUMERIC(18,2) NOT NULL,
		status TEXT NOT NULL,
		payment_type TEXT NOT NULL,
		payment_status TEXT NOT NULL,
		is_credit_sale BOOLEAN NOT NULL DEFAULT false,
		notes TEXT NOT NULL DEFAULT '',
		cancel_reason TEXT NOT NULL DEFAULT '',
		completed_at TIMESTAMPTZ NOT NULL,
		cancelled_at TIMESTAMPTZ
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS sales_idempotency_idx
		ON sales (business_id, idempotency_key) WHERE idempotency_key IS NOT NULL`,
	`CREATE TABLE IF NOT EXISTS sale_items (
		id TEXT PRIMARY KEY,
		sale_id TEXT NOT NULL REFERENCES sales(id),
		position INTEGER NOT NULL,
		product_id TEXT NOT NULL REFERENCES products(id),
		quantity NUMERIC(18,4) NOT NULL,
		unit_price NUMERIC(18,4) NOT NULL,
		unit_cost NUMERIC(18,4) NOT NULL,
		tax_rate NUMERIC(7,4) NOT NULL,
		tax_amount NUMERIC(18,2) NOT NULL,
		is_tax_inclusive BOOLEAN NOT NULL,
		tax_name TEXT NOT NULL DEFAULT '',
		discount_amount NUMERIC(18,2) NOT NULL DEFAULT 0,
		net_amount NUMERIC(18,2) NOT NULL,
		line_total NUMERIC(18,2) NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS payments (
		id TEXT PRIMARY KEY,
		business_id TEXT NOT NULL REFERENCES businesses(id),
		payment_method_id TEXT NOT NULL,
		amount NUMERIC(18,4) NOT NULL,
		currency CHAR(3) NOT NULL,
		exchange_rate_to_base NUMERIC(24,10) NOT NULL,
		base_amount NUMERIC(18,2) NOT NULL,
		status TEXT NOT NULL,
		type TEXT NOT NULL,
		external_transaction_id TEXT,
		processed_by TEXT NOT NULL,
		paid_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS sale_payments (
		sale_id TEXT NOT NULL REFERENCES sales(id),
		payment_id TEXT NOT NULL REFERENCES payments(id),
		exchange_rate_to_sale NUMERIC(24,10) NOT NULL,
		sale_amount NUMERIC(18,2) NOT NULL,
		PRIMARY KEY (sale_id, payment_id)
	)`,
	`CREATE TABLE IF NOT EXISTS customer_credit_transactions (
		id TEXT PRIMARY KEY,
		customer_id TEXT NOT NULL REFERENCES customers(id),
		sale_id TEXT REFERENCES sales(id) DEFERRABLE INITIALLY DEFERRED,
		type TEXT NOT NULL CHECK (type IN ('sale', 'payment', 'adjustment')),
		amount NUMERIC(18,2) NOT NULL,
		notes TEXT NOT NULL DEFAULT '',
		created_by TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS customer_credit_transactions_customer_idx
		ON customer_credit_transactions (customer_id)`,
}

// Migrate creates the settlement schema.
func Migrate(ctx context.Context, db *sqlx.DB) error {
	for i, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migration %d: %w", i, err)
		}
	}
	return nil
}
