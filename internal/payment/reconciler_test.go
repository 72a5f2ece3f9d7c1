package payment

import (
	"context"
	"errors"
	"io"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/techfiniftysoftwares/pos-backend-sub000/internal/domain"
)

type fixedRates struct {
	base  string
	rates map[string]decimal.Decimal
}

func (f fixedRates) Rate(_ context.Context, source string, target string) (decimal.Decimal, bool, error) {
	if source == target {
		return one, true, nil
	}
	rate, ok := f.rates[source+">"+target]
	return rate, ok, nil
}

func (f fixedRates) Base() string {
	return f.base
}

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func quiet() *Reconciler {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return NewReconciler(l)
}

func usdRates() fixedRates {
	return fixedRates{base: "USD", rates: map[string]decimal.Decimal{
		"EUR>USD": d("1.10"),
		"IDR>USD": d("0.0000625"),
	}}
}

func TestReconcileExactCashPayment(t *testing.T) {
	res, err := quiet().Reconcile(context.Background(), Request{
		Due:          d("33.00"),
		PaymentType:  domain.PaymentTypeCash,
		SaleCurrency: "USD",
		SaleToBase:   one,
		Tenders:      []Tender{{PaymentMethodID: "cash", Amount: d("33.00"), Currency: "USD", RateToSale: one}},
	})
	require.NoError(t, err)

	assert.True(t, res.Change.IsZero())
	assert.Equal(t, domain.PaymentStatusPaid, res.PaymentStatus)
	assert.True(t, res.TotalCollected.Equal(d("33")))
}

func TestReconcileComputesChange(t *testing.T) {
	res, err := quiet().Reconcile(context.Background(), Request{
		Due:          d("33.00"),
		PaymentType:  domain.PaymentTypeCash,
		SaleCurrency: "USD",
		Tenders:      []Tender{{PaymentMethodID: "cash", Amount: d("40.00"), Currency: "USD", RateToSale: one}},
	})
	require.NoError(t, err)
	assert.True(t, res.Change.Equal(d("7.00")), "got %s", res.Change)
}

func TestReconcileRejectsShortPayment(t *testing.T) {
	_, err := quiet().Reconcile(context.Background(), Request{
		Due:          d("30.00"),
		PaymentType:  domain.PaymentTypeCash,
		SaleCurrency: "USD",
		Tenders:      []Tender{{PaymentMethodID: "cash", Amount: d("25.00"), Currency: "USD", RateToSale: one}},
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrPaymentMismatch))

	f, ok := domain.AsFailure(err)
	require.True(t, ok)
	assert.Equal(t, "30.00", f.Details["expected"])
	assert.Equal(t, "25.00", f.Details["received"])
}

func TestReconcileToleratesRoundingEpsilon(t *testing.T) {
	res, err := quiet().Reconcile(context.Background(), Request{
		Due:          d("10.00"),
		PaymentType:  domain.PaymentTypeMixed,
		SaleCurrency: "USD",
		Tenders: []Tender{
			{PaymentMethodID: "cash", Amount: d("3.33"), Currency: "USD", RateToSale: one},
			{PaymentMethodID: "card", Amount: d("6.66"), Currency: "USD", RateToSale: one},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentStatusPaid, res.PaymentStatus)
	assert.True(t, res.Change.IsZero())
}

func TestReconcileMixedCurrenciesAndBaseAmounts(t *testing.T) {
	// Sale in IDR, base USD: both tenders carry the direct rate to USD.
	r := quiet()
	tenders, err := r.PrepareTenders(context.Background(), "IDR", []Tender{
		{PaymentMethodID: "card", Amount: d("2"), Currency: "EUR", RateToSale: d("17600")},
		{PaymentMethodID: "cash", Amount: d("15000"), Currency: "IDR"},
	}, usdRates())
	require.NoError(t, err)
	assert.True(t, tenders[0].RateToBase.Equal(d("1.10")))
	assert.True(t, tenders[1].RateToBase.Equal(d("0.0000625")))

	res, err := r.Reconcile(context.Background(), Request{
		Due:          d("50000"),
		PaymentType:  domain.PaymentTypeMixed,
		SaleCurrency: "IDR",
		SaleToBase:   d("0.0000625"),
		Tenders:      tenders,
	})
	require.NoError(t, err)

	require.Len(t, res.Lines, 2)
	assert.True(t, res.Lines[0].SaleAmount.Equal(d("35200")))
	assert.True(t, res.Lines[0].BaseAmount.Equal(d("2.20")))
	assert.True(t, res.Lines[1].BaseAmount.Equal(d("0.94")), "got %s", res.Lines[1].BaseAmount)
	assert.True(t, res.Change.Equal(d("200")))
}

// lookupCounter counts rate reads.
type lookupCounter struct {
	fixedRates
	calls int
}

func (l *lookupCounter) Rate(ctx context.Context, source string, target string) (decimal.Decimal, bool, error) {
	l.calls++
	return l.fixedRates.Rate(ctx, source, target)
}

func TestPrepareTendersResolvesAllRatesUpFront(t *testing.T) {
	r := quiet()
	rates := &lookupCounter{fixedRates: usdRates()}

	tenders, err := r.PrepareTenders(context.Background(), "USD", []Tender{
		{PaymentMethodID: "cash", Amount: d("160000"), Currency: "IDR", RateToSale: d("0.0000625")},
		{PaymentMethodID: "cash", Amount: d("5"), Currency: "USD"},
	}, rates)
	require.NoError(t, err)
	prepared := rates.calls
	assert.Positive(t, prepared)
	assert.True(t, tenders[0].RateToBase.Equal(d("0.0000625")))
	assert.True(t, tenders[1].RateToBase.Equal(one))

	res, err := r.Reconcile(context.Background(), Request{
		Due:          d("15"),
		PaymentType:  domain.PaymentTypeCash,
		SaleCurrency: "USD",
		SaleToBase:   one,
		Tenders:      tenders,
	})
	require.NoError(t, err)
	assert.True(t, res.Lines[0].BaseAmount.Equal(d("10")))
	assert.Equal(t, prepared, rates.calls)
}

func TestBaseAmountComposesThroughSaleCurrency(t *testing.T) {
	res, err := quiet().Reconcile(context.Background(), Request{
		Due:          d("100"),
		PaymentType:  domain.PaymentTypeCash,
		SaleCurrency: "EUR",
		SaleToBase:   d("1.10"),
		Tenders:      []Tender{{PaymentMethodID: "cash", Amount: d("200"), Currency: "TRY", RateToSale: d("0.5")}},
	})
	require.NoError(t, err)
	assert.True(t, res.Lines[0].RateToBase.Equal(d("0.55")))
	assert.True(t, res.Lines[0].BaseAmount.Equal(d("110")))
}

func TestBaseAmountFallsBackToOne(t *testing.T) {
	res, err := quiet().Reconcile(context.Background(), Request{
		Due:          d("10"),
		PaymentType:  domain.PaymentTypeCash,
		SaleCurrency: "EUR",
		Tenders:      []Tender{{PaymentMethodID: "cash", Amount: d("10"), Currency: "EUR", RateToSale: one}},
	})
	require.NoError(t, err)
	assert.True(t, res.Lines[0].RateToBase.Equal(one))
}

func TestCreditSaleSkipsSufficiency(t *testing.T) {
	res, err := quiet().Reconcile(context.Background(), Request{
		Due:          d("100"),
		PaymentType:  domain.PaymentTypeCredit,
		SaleCurrency: "USD",
	})
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentStatusUnpaid, res.PaymentStatus)

	res, err = quiet().Reconcile(context.Background(), Request{
		Due:          d("100"),
		PaymentType:  domain.PaymentTypeCredit,
		SaleCurrency: "USD",
		Tenders:      []Tender{{PaymentMethodID: "cash", Amount: d("20"), Currency: "USD", RateToSale: one}},
	})
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentStatusPartial, res.PaymentStatus)
}

func TestPrepareTendersResolvesMissingRate(t *testing.T) {
	tenders, err := quiet().PrepareTenders(context.Background(), "USD", []Tender{
		{PaymentMethodID: "card", Amount: d("10"), Currency: "eur"},
		{PaymentMethodID: "cash", Amount: d("5"), Currency: "USD"},
		{PaymentMethodID: "cash", Amount: d("5"), Currency: "EUR", RateToSale: d("1.2")},
	}, usdRates())
	require.NoError(t, err)

	assert.Equal(t, "EUR", tenders[0].Currency)
	assert.True(t, tenders[0].RateToSale.Equal(d("1.10")))
	assert.True(t, tenders[1].RateToSale.Equal(one))
	assert.True(t, tenders[2].RateToSale.Equal(d("1.2")), "supplied rates are kept")
}

func TestPrepareTendersFailsWithoutRate(t *testing.T) {
	_, err := quiet().PrepareTenders(context.Background(), "USD", []Tender{
		{PaymentMethodID: "card", Amount: d("10"), Currency: "GBP"},
	}, usdRates())
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrMissingExchangeRate))
}

func TestPrepareTendersRejectsNonPositiveAmount(t *testing.T) {
	_, err := quiet().PrepareTenders(context.Background(), "USD", []Tender{
		{PaymentMethodID: "cash", Amount: d("-1"), Currency: "USD"},
	}, usdRates())
	assert.True(t, errors.Is(err, domain.ErrInvalidInput))
}

func TestReconcileAdditionalMovesThroughPartialToPaid(t *testing.T) {
	r := quiet()

	first, err := r.ReconcileAdditional(context.Background(), AdditionalRequest{
		Total:               d("100"),
		PreviouslyCollected: decimal.Zero,
		PaymentStatus:       domain.PaymentStatusUnpaid,
		SaleCurrency:        "USD",
		Tenders:             []Tender{{PaymentMethodID: "cash", Amount: d("40"), Currency: "USD", RateToSale: one}},
	})
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentStatusPartial, first.PaymentStatus)
	assert.True(t, first.Applied.Equal(d("40")))
	assert.True(t, first.Outstanding.Equal(d("60")))

	second, err := r.ReconcileAdditional(context.Background(), AdditionalRequest{
		Total:               d("100"),
		PreviouslyCollected: d("40"),
		PaymentStatus:       first.PaymentStatus,
		SaleCurrency:        "USD",
		Tenders:             []Tender{{PaymentMethodID: "cash", Amount: d("70"), Currency: "USD", RateToSale: one}},
	})
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentStatusPaid, second.PaymentStatus)
	assert.True(t, second.Applied.Equal(d("60")))
	assert.True(t, second.Change.Equal(d("10")))
	assert.True(t, second.Outstanding.IsZero())
}

func TestReconcileAdditionalRejectsPaidSale(t *testing.T) {
	_, err := quiet().ReconcileAdditional(context.Background(), AdditionalRequest{
		Total:               d("100"),
		PreviouslyCollected: d("100"),
		PaymentStatus:       domain.PaymentStatusPaid,
		SaleCurrency:        "USD",
		Tenders:             []Tender{{PaymentMethodID: "cash", Amount: d("1"), Currency: "USD", RateToSale: one}},
	})
	assert.True(t, errors.Is(err, domain.ErrAlreadySettled))
}

func TestStatusTransitions(t *testing.T) {
	assert.Equal(t, domain.PaymentStatusUnpaid, Status(d("10"), decimal.Zero))
	assert.Equal(t, domain.PaymentStatusPartial, Status(d("10"), d("9.98")))
	assert.Equal(t, domain.PaymentStatusPaid, Status(d("10"), d("9.99")))
}
