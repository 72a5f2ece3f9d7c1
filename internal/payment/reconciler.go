package payment

import (
	"context"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/techfiniftysoftwares/pos-backend-sub000/internal/domain"
)

var one = decimal.NewFromInt(1)

// Rates resolves payment currencies against the sale and base currencies.
// *exchange.Snapshot satisfies it.
type Rates interface {
	Rate(ctx context.Context, source string, target string) (decimal.Decimal, bool, error)
	Base() string
}

// Tender is one submitted payment. RateToSale converts Amount into the sale
// currency and is captured by the terminal. RateToBase is filled in by
// PrepareTenders when a payment->base rate is configured.
type Tender struct {
	PaymentMethodID       string
	Amount                decimal.Decimal
	Currency              string
	RateToSale            decimal.Decimal
	RateToBase            decimal.Decimal
	ExternalTransactionID string
}

type Converted struct {
	Tender
	SaleAmount decimal.Decimal
	RateToBase decimal.Decimal
	BaseAmount decimal.Decimal
}

type Request struct {
	Due          decimal.Decimal
	PaymentType  string
	SaleCurrency string
	SaleToBase   decimal.Decimal
	Tenders      []Tender
}

type Result struct {
	Due            decimal.Decimal
	TotalCollected decimal.Decimal
	Change         decimal.Decimal
	PaymentStatus  string
	Lines          []Converted
}

// AdditionalRequest settles further tenders against an existing sale.
type AdditionalRequest struct {
	Total               decimal.Decimal
	PreviouslyCollected decimal.Decimal
	PaymentStatus       string
	SaleCurrency        string
	SaleToBase          decimal.Decimal
	Tenders             []Tender
}

type AdditionalResult struct {
	Result
	// Applied is the part of the new tenders that reduces the outstanding
	// balance; anything above it is change.
	Applied     decimal.Decimal
	Outstanding decimal.Decimal
}

type Reconciler struct {
	logger *logrus.Logger
}

func NewReconciler(logger *logrus.Logger) *Reconciler {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Reconciler{logger: logger}
}

// PrepareTenders fills in a missing payment->sale rate and the payment->base
// rate from the resolver. A tender whose currency has no rate to the sale
// currency fails with missing_exchange_rate; a missing base rate is left
// zero and composed later. Every rate lookup of a settlement happens here,
// before the unit of work opens.
func (r *Reconciler) PrepareTenders(ctx context.Context, saleCurrency string, tenders []Tender, rates Rates) ([]Tender, error) {
	out := make([]Tender, 0, len(tenders))
	for i, t := range tenders {
		t.Currency = strings.ToUpper(strings.TrimSpace(t.Currency))
		if !t.Amount.IsPositive() {
			return nil, domain.Fail(domain.ErrInvalidInput, "payment amount must be greater than zero",
				"index", strconv.Itoa(i), "amount", t.Amount.String())
		}
		if t.RateToSale.IsNegative() {
			return nil, domain.Fail(domain.ErrInvalidInput, "payment exchange rate cannot be negative",
				"index", strconv.Itoa(i), "rate", t.RateToSale.String())
		}

		if !t.RateToSale.IsPositive() {
			if strings.EqualFold(t.Currency, saleCurrency) {
				t.RateToSale = one
			} else {
				rate, found, err := rates.Rate(ctx, t.Currency, saleCurrency)
				if err != nil {
					return nil, err
				}
				if !found {
					return nil, domain.Fail(domain.ErrMissingExchangeRate, "no exchange rate for payment currency",
						"from", t.Currency, "to", strings.ToUpper(saleCurrency), "index", strconv.Itoa(i))
				}
				t.RateToSale = rate
			}
		}

		if !t.RateToBase.IsPositive() {
			rate, err := r.baseRate(ctx, t.Currency, rates)
			if err != nil {
				return nil, err
			}
			t.RateToBase = rate
		}
		out = append(out, t)
	}
	return out, nil
}

// Reconcile converts and sums the tenders against the amount due. Credit
// sales skip the sufficiency check; their unpaid part goes to the ledger.
func (r *Reconciler) Reconcile(_ context.Context, req Request) (Result, error) {
	lines, collected, err := r.convert(req.SaleToBase, req.Tenders)
	if err != nil {
		return Result{}, err
	}

	if req.PaymentType != domain.PaymentTypeCredit {
		if collected.LessThan(req.Due.Sub(domain.SettlementEpsilon)) {
			return Result{}, domain.Fail(domain.ErrPaymentMismatch, "payments do not cover the amount due",
				"expected", req.Due.StringFixed(domain.MoneyPlaces),
				"received", collected.StringFixed(domain.MoneyPlaces))
		}
	}

	return Result{
		Due:            req.Due,
		TotalCollected: collected,
		Change:         changeFor(collected, req.Due),
		PaymentStatus:  Status(req.Due, collected),
		Lines:          lines,
	}, nil
}

// ReconcileAdditional applies new tenders to the remaining due of an existing
// sale. Partial amounts are accepted and move the status towards paid.
func (r *Reconciler) ReconcileAdditional(_ context.Context, req AdditionalRequest) (AdditionalResult, error) {
	if req.PaymentStatus == domain.PaymentStatusPaid || Status(req.Total, req.PreviouslyCollected) == domain.PaymentStatusPaid {
		return AdditionalResult{}, domain.Fail(domain.ErrAlreadySettled, "sale is already fully paid",
			"total", req.Total.StringFixed(domain.MoneyPlaces),
			"collected", req.PreviouslyCollected.StringFixed(domain.MoneyPlaces))
	}

	lines, collected, err := r.convert(req.SaleToBase, req.Tenders)
	if err != nil {
		return AdditionalResult{}, err
	}

	remaining := req.Total.Sub(req.PreviouslyCollected)
	cumulative := req.PreviouslyCollected.Add(collected)
	applied := decimal.Min(collected, remaining)
	outstanding := decimal.Max(decimal.Zero, req.Total.Sub(cumulative))

	return AdditionalResult{
		Result: Result{
			Due:            remaining,
			TotalCollected: collected,
			Change:         changeFor(collected, remaining),
			PaymentStatus:  Status(req.Total, cumulative),
			Lines:          lines,
		},
		Applied:     applied,
		Outstanding: outstanding,
	}, nil
}

func (r *Reconciler) convert(saleToBase decimal.Decimal, tenders []Tender) ([]Converted, decimal.Decimal, error) {
	lines := make([]Converted, 0, len(tenders))
	collected := decimal.Zero
	for i, t := range tenders {
		if !t.Amount.IsPositive() || !t.RateToSale.IsPositive() {
			return nil, decimal.Zero, domain.Fail(domain.ErrInvalidInput, "payment amount and exchange rate must be greater than zero",
				"index", strconv.Itoa(i), "amount", t.Amount.String(), "rate", t.RateToSale.String())
		}

		saleAmount := domain.RoundMoney(t.Amount.Mul(t.RateToSale))
		rateToBase := r.toBase(t, saleToBase)
		lines = append(lines, Converted{
			Tender:     t,
			SaleAmount: saleAmount,
			RateToBase: rateToBase,
			BaseAmount: domain.RoundMoney(t.Amount.Mul(rateToBase)),
		})
		collected = collected.Add(saleAmount)
	}
	return lines, collected, nil
}

// baseRate looks up the configured payment->base rate. Not found is
// reported as zero.
func (r *Reconciler) baseRate(ctx context.Context, currency string, rates Rates) (decimal.Decimal, error) {
	if rates == nil || rates.Base() == "" {
		return decimal.Zero, nil
	}
	base := rates.Base()
	if strings.EqualFold(base, currency) {
		return one, nil
	}
	rate, found, err := rates.Rate(ctx, currency, base)
	if err != nil {
		return decimal.Zero, err
	}
	if !found {
		return decimal.Zero, nil
	}
	return rate, nil
}

// toBase is advisory. It prefers the prepared payment->base rate, then
// composes payment->sale->base, and finally falls back to 1.
func (r *Reconciler) toBase(t Tender, saleToBase decimal.Decimal) decimal.Decimal {
	if t.RateToBase.IsPositive() {
		return t.RateToBase
	}
	if saleToBase.IsPositive() {
		return t.RateToSale.Mul(saleToBase)
	}

	r.logger.WithFields(logrus.Fields{"currency": t.Currency}).Warn("no base currency rate for payment, recording at 1.0")
	return one
}

// Status maps collected against total onto unpaid, partial or paid.
func Status(total decimal.Decimal, collected decimal.Decimal) string {
	if collected.GreaterThanOrEqual(total.Sub(domain.SettlementEpsilon)) {
		return domain.PaymentStatusPaid
	}
	if collected.IsPositive() {
		return domain.PaymentStatusPartial
	}
	return domain.PaymentStatusUnpaid
}

func changeFor(collected decimal.Decimal, due decimal.Decimal) decimal.Decimal {
	return domain.RoundMoney(decimal.Max(decimal.Zero, collected.Sub(due)))
}

