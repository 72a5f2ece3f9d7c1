package store

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/techfiniftysoftwares/pos-backend-sub000/internal/domain"
)

var (
	ErrNotFound = domain.ErrNotFound
	ErrConflict = errors.New("conflict")
)

// Repository exposes the read models the settlement engine needs before a
// unit of work opens, plus the unit of work itself.
type Repository interface {
	GetBusiness(ctx context.Context, businessID string) (*domain.Business, error)
	GetBranch(ctx context.Context, businessID string, branchID string) (*domain.Branch, error)
	GetProducts(ctx context.Context, businessID string, productIDs []string) (map[string]domain.Product, error)
	GetCustomer(ctx context.Context, businessID string, customerID string) (*domain.Customer, error)
	GetStocks(ctx context.Context, branchID string, productIDs []string) (map[string]domain.Stock, error)
	FindExchangeRate(ctx context.Context, businessID string, source string, target string, at time.Time) (*domain.ExchangeRate, error)
	GetSale(ctx context.Context, saleID string) (*domain.Sale, error)
	FindSaleByIdempotency(ctx context.Context, businessID string, key string) (*domain.Sale, error)

	// WithinTx runs fn inside one atomic unit of work. Row locks taken
	// through the Tx are held until fn returns; a non-nil error rolls back
	// every write made through the Tx.
	WithinTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
}

// Tx is the locked read-modify-write surface available inside WithinTx.
type Tx interface {
	LockStock(ctx context.Context, branchID string, productID string) (*domain.Stock, []domain.StockBatch, error)
	UpdateStock(ctx context.Context, stock domain.Stock) error
	UpdateBatchRemaining(ctx context.Context, batchID string, remaining decimal.Decimal) error
	InsertStockBatch(ctx context.Context, batch domain.StockBatch) error
	InsertStockMovement(ctx context.Context, movement domain.StockMovement) error

	LockCustomer(ctx context.Context, businessID string, customerID string) (*domain.Customer, error)
	CreditBalance(ctx context.Context, customerID string) (decimal.Decimal, error)
	SaleCreditBalance(ctx context.Context, customerID string, saleID string) (decimal.Decimal, error)
	InsertCreditTransaction(ctx context.Context, entry domain.CustomerCreditTransaction) error

	InsertSale(ctx context.Context, sale domain.Sale) error
	InsertPayment(ctx context.Context, payment domain.Payment, link domain.SalePayment) error
	LockSale(ctx context.Context, saleID string) (*domain.Sale, error)
	UpdateSaleSettlement(ctx context.Context, saleID string, paymentStatus string, change decimal.Decimal) error
	MarkSaleCancelled(ctx context.Context, saleID string, reason string, at time.Time) error
}
