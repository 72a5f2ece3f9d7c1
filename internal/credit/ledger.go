package credit

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/techfiniftysoftwares/pos-backend-sub000/internal/domain"
	"github.com/techfiniftysoftwares/pos-backend-sub000/internal/xid"
)

// Writer is the transactional surface of the ledger. CreditBalance must be
// the live aggregate of the customer's entries.
type Writer interface {
	CreditBalance(ctx context.Context, customerID string) (decimal.Decimal, error)
	InsertCreditTransaction(ctx context.Context, entry domain.CustomerCreditTransaction) error
}

// SaleReader returns the balance a single sale still leaves on the
// customer's account.
type SaleReader interface {
	SaleCreditBalance(ctx context.Context, customerID string, saleID string) (decimal.Decimal, error)
}

// Entry describes who caused a ledger change and when.
type Entry struct {
	SaleID  string
	ActorID string
	Notes   string
	At      time.Time
}

type Ledger struct{}

func NewLedger() *Ledger {
	return &Ledger{}
}

// Balance folds entries into a running balance: sales add, payments and
// adjustments subtract.
func Balance(entries []domain.CustomerCreditTransaction) decimal.Decimal {
	balance := decimal.Zero
	for _, e := range entries {
		switch e.Type {
		case domain.CreditEntrySale:
			balance = balance.Add(e.Amount)
		case domain.CreditEntryPayment, domain.CreditEntryAdjustment:
			balance = balance.Sub(e.Amount)
		}
	}
	return balance
}

// ToBase converts a sale-currency amount into the base currency. Credit
// limits and every ledger entry are kept in the business base currency.
func ToBase(amount decimal.Decimal, saleToBase decimal.Decimal) decimal.Decimal {
	if !saleToBase.IsPositive() {
		return domain.RoundMoney(amount)
	}
	return domain.RoundMoney(amount.Mul(saleToBase))
}

// Available is the headroom left under the customer's limit.
func Available(customer domain.Customer) decimal.Decimal {
	return customer.CreditLimit.Sub(customer.CurrentCreditBalance)
}

// CheckHeadroom compares amount against a customer snapshot without touching
// the ledger.
func CheckHeadroom(customer domain.Customer, amount decimal.Decimal) error {
	available := Available(customer)
	if available.LessThan(amount) {
		return domain.Fail(domain.ErrCreditLimitExceeded, "credit limit exceeded",
			"customer_id", customer.ID,
			"credit_limit", customer.CreditLimit.StringFixed(domain.MoneyPlaces),
			"current_balance", customer.CurrentCreditBalance.StringFixed(domain.MoneyPlaces),
			"available", available.StringFixed(domain.MoneyPlaces),
			"requested", amount.StringFixed(domain.MoneyPlaces))
	}
	return nil
}

// EnsureHeadroom re-reads the live balance inside the unit of work and
// rejects amounts that would push it above the limit.
func (l *Ledger) EnsureHeadroom(ctx context.Context, w Writer, customer domain.Customer, amount decimal.Decimal) (domain.Customer, error) {
	balance, err := w.CreditBalance(ctx, customer.ID)
	if err != nil {
		return domain.Customer{}, fmt.Errorf("read credit balance for %s: %w", customer.ID, err)
	}
	customer.CurrentCreditBalance = balance
	if err := CheckHeadroom(customer, amount); err != nil {
		return domain.Customer{}, err
	}
	return customer, nil
}

// Outstanding is what the sale still owes, never below zero.
func (l *Ledger) Outstanding(ctx context.Context, r SaleReader, customerID string, saleID string) (decimal.Decimal, error) {
	owed, err := r.SaleCreditBalance(ctx, customerID, saleID)
	if err != nil {
		return decimal.Zero, fmt.Errorf("read credit balance for sale %s: %w", saleID, err)
	}
	return decimal.Max(decimal.Zero, owed), nil
}

func (l *Ledger) RecordSale(ctx context.Context, w Writer, customerID string, amount decimal.Decimal, e Entry) (domain.CustomerCreditTransaction, error) {
	return l.record(ctx, w, customerID, domain.CreditEntrySale, amount, e)
}

func (l *Ledger) RecordPayment(ctx context.Context, w Writer, customerID string, amount decimal.Decimal, e Entry) (domain.CustomerCreditTransaction, error) {
	return l.record(ctx, w, customerID, domain.CreditEntryPayment, amount, e)
}

// RecordAdjustment writes a signed correction. Positive amounts reduce the
// balance, negative ones increase it.
func (l *Ledger) RecordAdjustment(ctx context.Context, w Writer, customerID string, amount decimal.Decimal, e Entry) (domain.CustomerCreditTransaction, error) {
	if amount.IsZero() {
		return domain.CustomerCreditTransaction{}, domain.Invalid("adjustment amount cannot be zero")
	}
	return l.write(ctx, w, customerID, domain.CreditEntryAdjustment, amount, e)
}

func (l *Ledger) record(ctx context.Context, w Writer, customerID string, kind string, amount decimal.Decimal, e Entry) (domain.CustomerCreditTransaction, error) {
	if !amount.IsPositive() {
		return domain.CustomerCreditTransaction{}, domain.Fail(domain.ErrInvalidInput, "credit entry amount must be greater than zero",
			"type", kind, "amount", amount.String())
	}
	return l.write(ctx, w, customerID, kind, amount, e)
}

func (l *Ledger) write(ctx context.Context, w Writer, customerID string, kind string, amount decimal.Decimal, e Entry) (domain.CustomerCreditTransaction, error) {
	if customerID == "" {
		return domain.CustomerCreditTransaction{}, domain.Fail(domain.ErrCustomerRequired, "credit entry requires a customer")
	}
	entry := domain.CustomerCreditTransaction{
		ID:         xid.New("cct"),
		CustomerID: customerID,
		SaleID:     e.SaleID,
		Type:       kind,
		Amount:     domain.RoundMoney(amount),
		Notes:      e.Notes,
		CreatedBy:  e.ActorID,
		CreatedAt:  e.At,
	}
	if err := w.InsertCreditTransaction(ctx, entry); err != nil {
		return domain.CustomerCreditTransaction{}, fmt.Errorf("insert %s credit entry: %w", kind, err)
	}
	return entry, nil
}
