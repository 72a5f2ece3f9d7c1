package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

type Actor struct {
	Username string
	Role     string
}

// ExecContext carries who is acting, where, and the clock reading used for
// every timestamp written by one operation.
type ExecContext struct {
	Actor      Actor
	BusinessID string
	BranchID   string
	Now        time.Time
}

type Business struct {
	ID           string `json:"id" db:"id"`
	Name         string `json:"name" db:"name"`
	BaseCurrency string `json:"base_currency" db:"base_currency"`
}

type Branch struct {
	ID         string `json:"id" db:"id"`
	BusinessID string `json:"business_id" db:"business_id"`
	Name       string `json:"name" db:"name"`
}

type Product struct {
	ID             string          `json:"id" db:"id"`
	BusinessID     string          `json:"business_id" db:"business_id"`
	SKU            string          `json:"sku" db:"sku"`
	Name           string          `json:"name" db:"name"`
	SellingPrice   decimal.Decimal `json:"selling_price" db:"selling_price"`
	Currency       string          `json:"currency" db:"currency"`
	TaxName        string          `json:"tax_name" db:"tax_name"`
	TaxRate        decimal.Decimal `json:"tax_rate" db:"tax_rate"`
	IsTaxInclusive bool            `json:"is_tax_inclusive" db:"is_tax_inclusive"`
	Active         bool            `json:"active" db:"active"`
}

type Customer struct {
	ID                   string          `json:"id" db:"id"`
	BusinessID           string          `json:"business_id" db:"business_id"`
	Name                 string          `json:"name" db:"name"`
	CreditLimit          decimal.Decimal `json:"credit_limit" db:"credit_limit"`
	CurrentCreditBalance decimal.Decimal `json:"current_credit_balance" db:"current_credit_balance"`
}

type Stock struct {
	ID               string          `json:"id" db:"id"`
	ProductID        string          `json:"product_id" db:"product_id"`
	BranchID         string          `json:"branch_id" db:"branch_id"`
	Quantity         decimal.Decimal `json:"quantity" db:"quantity"`
	ReservedQuantity decimal.Decimal `json:"reserved_quantity" db:"reserved_quantity"`
	UnitCost         decimal.Decimal `json:"unit_cost" db:"unit_cost"`
}

// Available is the quantity a sale may take right now.
func (s Stock) Available() decimal.Decimal {
	return s.Quantity.Sub(s.ReservedQuantity)
}

type StockBatch struct {
	ID                string          `json:"id" db:"id"`
	StockID           string          `json:"stock_id" db:"stock_id"`
	ReceivedAt        time.Time       `json:"received_at" db:"received_at"`
	Quantity          decimal.Decimal `json:"quantity" db:"quantity"`
	QuantityRemaining decimal.Decimal `json:"quantity_remaining" db:"quantity_remaining"`
	UnitCost          decimal.Decimal `json:"unit_cost" db:"unit_cost"`
	SourceType        string          `json:"source_type" db:"source_type"`
	SourceID          string          `json:"source_id,omitempty" db:"source_id"`
}

type StockMovement struct {
	ID               string          `json:"id" db:"id"`
	StockID          string          `json:"stock_id" db:"stock_id"`
	ProductID        string          `json:"product_id" db:"product_id"`
	BranchID         string          `json:"branch_id" db:"branch_id"`
	Type             string          `json:"type" db:"type"`
	Quantity         decimal.Decimal `json:"quantity" db:"quantity"`
	PreviousQuantity decimal.Decimal `json:"previous_quantity" db:"previous_quantity"`
	NewQuantity      decimal.Decimal `json:"new_quantity" db:"new_quantity"`
	UnitCost         decimal.Decimal `json:"unit_cost" db:"unit_cost"`
	ReferenceType    string          `json:"reference_type" db:"reference_type"`
	ReferenceID      string          `json:"reference_id" db:"reference_id"`
	CreatedBy        string          `json:"created_by" db:"created_by"`
	CreatedAt        time.Time       `json:"created_at" db:"created_at"`
}

type Sale struct {
	ID                 string          `json:"id" db:"id"`
	BusinessID         string          `json:"business_id" db:"business_id"`
	BranchID           string          `json:"branch_id" db:"branch_id"`
	CustomerID         string          `json:"customer_id,omitempty" db:"customer_id"`
	CashierID          string          `json:"cashier_id" db:"cashier_id"`
	IdempotencyKey     string          `json:"idempotency_key,omitempty" db:"idempotency_key"`
	Currency           string          `json:"currency" db:"currency"`
	Subtotal           decimal.Decimal `json:"subtotal" db:"subtotal"`
	TaxTotal           decimal.Decimal `json:"tax_total" db:"tax_total"`
	DiscountTotal      decimal.Decimal `json:"discount_total" db:"discount_total"`
	GrandTotal         decimal.Decimal `json:"grand_total" db:"grand_total"`
	ChangeAmount       decimal.Decimal `json:"change_amount" db:"change_amount"`
	ExchangeRateToBase decimal.Decimal `json:"exchange_rate_to_base" db:"exchange_rate_to_base"`
	BaseCurrencyTotal  decimal.Decimal `json:"base_currency_total" db:"base_currency_total"`
	Status             string          `json:"status" db:"status"`
	PaymentType        string          `json:"payment_type" db:"payment_type"`
	PaymentStatus      string          `json:"payment_status" db:"payment_status"`
	IsCreditSale       bool            `json:"is_credit_sale" db:"is_credit_sale"`
	Notes              string          `json:"notes,omitempty" db:"notes"`
	CancelReason       string          `json:"cancel_reason,omitempty" db:"cancel_reason"`
	CompletedAt        time.Time       `json:"completed_at" db:"completed_at"`
	CancelledAt        *time.Time      `json:"cancelled_at,omitempty" db:"cancelled_at"`
	Items              []SaleItem      `json:"items" db:"-"`
	Payments           []SalePayment   `json:"payments" db:"-"`
	Customer           *Customer       `json:"customer,omitempty" db:"-"`
	Branch             *Branch         `json:"branch,omitempty" db:"-"`
}

type SaleItem struct {
	ID             string          `json:"id" db:"id"`
	SaleID         string          `json:"sale_id" db:"sale_id"`
	ProductID      string          `json:"product_id" db:"product_id"`
	Quantity       decimal.Decimal `json:"quantity" db:"quantity"`
	UnitPrice      decimal.Decimal `json:"unit_price" db:"unit_price"`
	UnitCost       decimal.Decimal `json:"unit_cost" db:"unit_cost"`
	TaxRate        decimal.Decimal `json:"tax_rate" db:"tax_rate"`
	TaxAmount      decimal.Decimal `json:"tax_amount" db:"tax_amount"`
	IsTaxInclusive bool            `json:"is_tax_inclusive" db:"is_tax_inclusive"`
	TaxName        string          `json:"tax_name" db:"tax_name"`
	DiscountAmount decimal.Decimal `json:"discount_amount" db:"discount_amount"`
	NetAmount      decimal.Decimal `json:"net_amount" db:"net_amount"`
	LineTotal      decimal.Decimal `json:"line_total" db:"line_total"`
}

type Payment struct {
	ID                    string          `json:"id" db:"id"`
	BusinessID            string          `json:"business_id" db:"business_id"`
	PaymentMethodID       string          `json:"payment_method_id" db:"payment_method_id"`
	Amount                decimal.Decimal `json:"amount" db:"amount"`
	Currency              string          `json:"currency" db:"currency"`
	ExchangeRateToBase    decimal.Decimal `json:"exchange_rate_to_base" db:"exchange_rate_to_base"`
	BaseAmount            decimal.Decimal `json:"base_amount" db:"base_amount"`
	Status                string          `json:"status" db:"status"`
	Type                  string          `json:"type" db:"type"`
	ExternalTransactionID string          `json:"external_transaction_id,omitempty" db:"external_transaction_id"`
	ProcessedBy           string          `json:"processed_by" db:"processed_by"`
	PaidAt                time.Time       `json:"paid_at" db:"paid_at"`
}

type SalePayment struct {
	SaleID             string          `json:"sale_id" db:"sale_id"`
	PaymentID          string          `json:"payment_id" db:"payment_id"`
	ExchangeRateToSale decimal.Decimal `json:"exchange_rate_to_sale" db:"exchange_rate_to_sale"`
	SaleAmount         decimal.Decimal `json:"sale_amount" db:"sale_amount"`
	Payment            Payment         `json:"payment" db:"-"`
}

// CustomerCreditTransaction amounts, like Customer.CreditLimit, are in the
// business base currency.
type CustomerCreditTransaction struct {
	ID         string          `json:"id" db:"id"`
	CustomerID string          `json:"customer_id" db:"customer_id"`
	SaleID     string          `json:"sale_id,omitempty" db:"sale_id"`
	Type       string          `json:"type" db:"type"`
	Amount     decimal.Decimal `json:"amount" db:"amount"`
	Notes      string          `json:"notes,omitempty" db:"notes"`
	CreatedBy  string          `json:"created_by" db:"created_by"`
	CreatedAt  time.Time       `json:"created_at" db:"created_at"`
}

type ExchangeRate struct {
	ID             string          `json:"id" db:"id"`
	BusinessID     string          `json:"business_id" db:"business_id"`
	SourceCurrency string          `json:"source_currency" db:"source_currency"`
	TargetCurrency string          `json:"target_currency" db:"target_currency"`
	Rate           decimal.Decimal `json:"rate" db:"rate"`
	EffectiveAt    time.Time       `json:"effective_at" db:"effective_at"`
}

type SaleLineRequest struct {
	ProductID      string          `json:"product_id" validate:"required"`
	Quantity       decimal.Decimal `json:"quantity"`
	DiscountAmount decimal.Decimal `json:"discount_amount"`
}

type PaymentRequest struct {
	PaymentMethodID       string          `json:"payment_method_id" validate:"required"`
	Amount                decimal.Decimal `json:"amount"`
	Currency              string          `json:"currency" validate:"required,len=3"`
	ExchangeRate          decimal.Decimal `json:"exchange_rate"`
	ExternalTransactionID string          `json:"external_transaction_id,omitempty"`
}

type CreateSaleRequest struct {
	BusinessID         string            `json:"business_id" validate:"required"`
	BranchID           string            `json:"branch_id" validate:"required"`
	CustomerID         string            `json:"customer_id,omitempty"`
	Currency           string            `json:"currency" validate:"required,len=3"`
	ExchangeRateToBase decimal.Decimal   `json:"exchange_rate_to_base"`
	ExpectedBaseTotal  *decimal.Decimal  `json:"expected_base_total,omitempty"`
	IdempotencyKey     string            `json:"idempotency_key,omitempty" validate:"omitempty,max=128"`
	Items              []SaleLineRequest `json:"items" validate:"required,min=1,dive"`
	PaymentType        string            `json:"payment_type" validate:"required,oneof=cash credit mixed"`
	Payments           []PaymentRequest  `json:"payments" validate:"dive"`
	Notes              string            `json:"notes,omitempty" validate:"max=1000"`
}

type AddPaymentRequest struct {
	SaleID      string           `json:"sale_id" validate:"required"`
	PaymentType string           `json:"payment_type" validate:"required,oneof=cash mixed"`
	Payments    []PaymentRequest `json:"payments" validate:"required,min=1,dive"`
}

type CancelSaleRequest struct {
	SaleID     string `json:"sale_id" validate:"required"`
	Reason     string `json:"reason" validate:"required,max=500"`
	ManagerPIN string `json:"manager_pin"`
}

type PreviewRequest struct {
	BusinessID string            `json:"business_id" validate:"required"`
	Currency   string            `json:"currency" validate:"required,len=3"`
	Items      []SaleLineRequest `json:"items" validate:"required,min=1,dive"`
}

type PreviewLine struct {
	ProductID      string          `json:"product_id"`
	Quantity       decimal.Decimal `json:"quantity"`
	UnitPrice      decimal.Decimal `json:"unit_price"`
	DiscountAmount decimal.Decimal `json:"discount_amount"`
	TaxName        string          `json:"tax_name"`
	TaxRate        decimal.Decimal `json:"tax_rate"`
	IsTaxInclusive bool            `json:"is_tax_inclusive"`
	NetAmount      decimal.Decimal `json:"net_amount"`
	TaxAmount      decimal.Decimal `json:"tax_amount"`
	LineTotal      decimal.Decimal `json:"line_total"`
}

type PreviewResponse struct {
	Currency      string          `json:"currency"`
	Lines         []PreviewLine   `json:"lines"`
	Subtotal      decimal.Decimal `json:"subtotal"`
	TaxTotal      decimal.Decimal `json:"tax_total"`
	DiscountTotal decimal.Decimal `json:"discount_total"`
	GrandTotal    decimal.Decimal `json:"grand_total"`
}

const (
	SaleStatusCompleted = "completed"
	SaleStatusCancelled = "cancelled"
)

const (
	PaymentTypeCash   = "cash"
	PaymentTypeCredit = "credit"
	PaymentTypeMixed  = "mixed"
)

const (
	PaymentStatusPaid    = "paid"
	PaymentStatusUnpaid  = "unpaid"
	PaymentStatusPartial = "partial"
)

const (
	PaymentRecordCompleted = "completed"
	PaymentKindPayment     = "payment"
	PaymentKindRefund      = "refund"
)

const (
	MovementTypeSale        = "sale"
	MovementTypeAdjustment  = "adjustment"
	MovementTypeRestoration = "restoration"
)

const (
	BatchSourceReceipt     = "receipt"
	BatchSourceRestoration = "restoration"
)

const (
	CreditEntrySale       = "sale"
	CreditEntryPayment    = "payment"
	CreditEntryAdjustment = "adjustment"
)

const ReferenceTypeSale = "sale"
