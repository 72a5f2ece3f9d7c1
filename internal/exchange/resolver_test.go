package exchange

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/techfiniftysoftwares/pos-backend-sub000/internal/cache"
	"github.com/techfiniftysoftwares/pos-backend-sub000/internal/domain"
)

type fakeRates struct {
	rates map[string]decimal.Decimal
	calls int
	err   error
}

func (f *fakeRates) FindExchangeRate(_ context.Context, businessID string, source string, target string, _ time.Time) (*domain.ExchangeRate, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	rate, ok := f.rates[source+">"+target]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return &domain.ExchangeRate{BusinessID: businessID, SourceCurrency: source, TargetCurrency: target, Rate: rate}, nil
}

type mapCache struct {
	values map[string]decimal.Decimal
}

func (m *mapCache) Get(_ context.Context, key string) (decimal.Decimal, bool, error) {
	v, ok := m.values[key]
	return v, ok, nil
}

func (m *mapCache) Set(_ context.Context, key string, rate decimal.Decimal, _ time.Duration) error {
	m.values[key] = rate
	return nil
}

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func TestRateSameCurrencyNeedsNoLookup(t *testing.T) {
	src := &fakeRates{}
	r := NewResolver(src, nil, time.Minute, quietLogger())

	rate, found, err := r.Rate(context.Background(), "biz-1", "usd", "USD", time.Now())
	require.NoError(t, err)
	assert.True(t, found)
	assert.True(t, rate.Equal(decimal.NewFromInt(1)))
	assert.Equal(t, 0, src.calls)
}

func TestRateFallsBackToInverse(t *testing.T) {
	src := &fakeRates{rates: map[string]decimal.Decimal{"USD>IDR": d("16000")}}
	r := NewResolver(src, nil, time.Minute, quietLogger())

	rate, found, err := r.Rate(context.Background(), "biz-1", "IDR", "USD", time.Now())
	require.NoError(t, err)
	require.True(t, found)
	assert.True(t, rate.Mul(d("16000")).Round(8).Equal(decimal.NewFromInt(1)), "got %s", rate)
}

func TestRateMissingIsNotAnError(t *testing.T) {
	r := NewResolver(&fakeRates{}, nil, time.Minute, quietLogger())

	_, found, err := r.Rate(context.Background(), "biz-1", "EUR", "JPY", time.Now())
	require.NoError(t, err)
	assert.False(t, found)
}

func TestRateSurfacesStoreFailure(t *testing.T) {
	r := NewResolver(&fakeRates{err: errors.New("connection reset")}, nil, time.Minute, quietLogger())

	_, found, err := r.Rate(context.Background(), "biz-1", "EUR", "USD", time.Now())
	require.Error(t, err)
	assert.False(t, found)
}

func TestRateIsServedFromCache(t *testing.T) {
	src := &fakeRates{rates: map[string]decimal.Decimal{"EUR>USD": d("1.1")}}
	c := &mapCache{values: map[string]decimal.Decimal{}}
	r := NewResolver(src, c, time.Minute, quietLogger())

	_, _, err := r.Rate(context.Background(), "biz-1", "EUR", "USD", time.Now())
	require.NoError(t, err)
	calls := src.calls

	rate, found, err := r.Rate(context.Background(), "biz-1", "EUR", "USD", time.Now())
	require.NoError(t, err)
	assert.True(t, found)
	assert.True(t, rate.Equal(d("1.1")))
	assert.Equal(t, calls, src.calls)
	assert.Contains(t, c.values, cache.RateKey("biz-1", "EUR", "USD"))
}

func TestPathComposesThroughBase(t *testing.T) {
	src := &fakeRates{rates: map[string]decimal.Decimal{
		"EUR>USD": d("1.10"),
		"USD>IDR": d("16000"),
	}}
	r := NewResolver(src, nil, time.Minute, quietLogger())

	rate, found, err := r.Path(context.Background(), "biz-1", "USD", "EUR", "IDR", time.Now())
	require.NoError(t, err)
	require.True(t, found)
	assert.True(t, rate.Equal(d("17600")), "got %s", rate)
}

func TestSnapshotReturnsConsistentRates(t *testing.T) {
	src := &fakeRates{rates: map[string]decimal.Decimal{"EUR>USD": d("1.10")}}
	snap := NewResolver(src, nil, time.Minute, quietLogger()).Snapshot("biz-1", "USD", time.Now())

	first, found, err := snap.Rate(context.Background(), "EUR", "USD")
	require.NoError(t, err)
	require.True(t, found)

	src.rates["EUR>USD"] = d("1.25")
	second, _, err := snap.Rate(context.Background(), "EUR", "USD")
	require.NoError(t, err)
	assert.True(t, first.Equal(second))
	assert.Equal(t, "USD", snap.Base())
}

func TestSnapshotPathAndRateShareOneReading(t *testing.T) {
	src := &fakeRates{rates: map[string]decimal.Decimal{"IDR>USD": d("0.0000625")}}
	snap := NewResolver(src, nil, time.Minute, quietLogger()).Snapshot("biz-1", "USD", time.Now())
	ctx := context.Background()

	viaPath, found, err := snap.Path(ctx, "IDR", "USD")
	require.NoError(t, err)
	require.True(t, found)
	calls := src.calls

	src.rates["IDR>USD"] = d("0.00007")
	direct, found, err := snap.Rate(ctx, "IDR", "USD")
	require.NoError(t, err)
	require.True(t, found)
	assert.True(t, direct.Equal(viaPath), "path %s, rate %s", viaPath, direct)
	assert.Equal(t, calls, src.calls)
}

func TestSnapshotPathReusesPinnedLegs(t *testing.T) {
	src := &fakeRates{rates: map[string]decimal.Decimal{
		"EUR>USD": d("1.10"),
		"USD>IDR": d("16000"),
	}}
	snap := NewResolver(src, nil, time.Minute, quietLogger()).Snapshot("biz-1", "USD", time.Now())
	ctx := context.Background()

	toBase, _, err := snap.Rate(ctx, "EUR", "USD")
	require.NoError(t, err)
	src.rates["EUR>USD"] = d("1.25")

	rate, found, err := snap.Path(ctx, "EUR", "IDR")
	require.NoError(t, err)
	require.True(t, found)
	assert.True(t, rate.Equal(toBase.Mul(d("16000"))), "got %s", rate)
}
