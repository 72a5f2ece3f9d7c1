package exchange

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/techfiniftysoftwares/pos-backend-sub000/internal/cache"
	"github.com/techfiniftysoftwares/pos-backend-sub000/internal/domain"
)

var one = decimal.NewFromInt(1)

// RateSource returns the latest rate effective at or before at, or an error
// matching domain.ErrNotFound when none is configured.
type RateSource interface {
	FindExchangeRate(ctx context.Context, businessID string, source string, target string, at time.Time) (*domain.ExchangeRate, error)
}

type Resolver struct {
	rates  RateSource
	cache  cache.RateCache
	ttl    time.Duration
	logger *logrus.Logger
}

func NewResolver(rates RateSource, rateCache cache.RateCache, ttl time.Duration, logger *logrus.Logger) *Resolver {
	if rateCache == nil {
		rateCache = cache.NoopRateCache{}
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Resolver{rates: rates, cache: rateCache, ttl: ttl, logger: logger}
}

// Rate resolves source -> target for a business. A missing rate is reported
// with found=false and a nil error; only lookup failures return an error.
func (r *Resolver) Rate(ctx context.Context, businessID string, source string, target string, at time.Time) (decimal.Decimal, bool, error) {
	source = strings.ToUpper(strings.TrimSpace(source))
	target = strings.ToUpper(strings.TrimSpace(target))
	if source == target {
		return one, true, nil
	}

	key := cache.RateKey(businessID, source, target)
	if rate, ok, err := r.cache.Get(ctx, key); err != nil {
		r.logger.WithFields(logrus.Fields{"key": key}).Warnf("rate cache read failed: %v", err)
	} else if ok {
		return rate, true, nil
	}

	rate, found, err := r.lookup(ctx, businessID, source, target, at)
	if err != nil || !found {
		return decimal.Zero, false, err
	}

	if err := r.cache.Set(ctx, key, rate, r.ttl); err != nil {
		r.logger.WithFields(logrus.Fields{"key": key}).Warnf("rate cache write failed: %v", err)
	}
	return rate, true, nil
}

func (r *Resolver) lookup(ctx context.Context, businessID string, source string, target string, at time.Time) (decimal.Decimal, bool, error) {
	direct, err := r.rates.FindExchangeRate(ctx, businessID, source, target, at)
	if err == nil && direct.Rate.IsPositive() {
		return direct.Rate, true, nil
	}
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		return decimal.Zero, false, fmt.Errorf("find rate %s->%s: %w", source, target, err)
	}

	inverse, err := r.rates.FindExchangeRate(ctx, businessID, target, source, at)
	if err == nil && inverse.Rate.IsPositive() {
		return one.Div(inverse.Rate), true, nil
	}
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		return decimal.Zero, false, fmt.Errorf("find rate %s->%s: %w", target, source, err)
	}
	return decimal.Zero, false, nil
}

// Path resolves source -> target directly or, failing that, through the
// business base currency.
func (r *Resolver) Path(ctx context.Context, businessID string, base string, source string, target string, at time.Time) (decimal.Decimal, bool, error) {
	return composePath(base, source, target, func(src string, tgt string) (decimal.Decimal, bool, error) {
		return r.Rate(ctx, businessID, src, tgt, at)
	})
}

type rateFunc func(source string, target string) (decimal.Decimal, bool, error)

func composePath(base string, source string, target string, rate rateFunc) (decimal.Decimal, bool, error) {
	direct, found, err := rate(source, target)
	if err != nil || found {
		return direct, found, err
	}

	base = strings.ToUpper(strings.TrimSpace(base))
	if base == "" || strings.EqualFold(source, base) || strings.EqualFold(target, base) {
		return decimal.Zero, false, nil
	}

	toBase, found, err := rate(source, base)
	if err != nil || !found {
		return decimal.Zero, false, err
	}
	fromBase, found, err := rate(base, target)
	if err != nil || !found {
		return decimal.Zero, false, err
	}
	return toBase.Mul(fromBase), true, nil
}

// Snapshot pins the rates seen by one settlement. The first answer for a
// currency pair is reused for the rest of the operation.
func (r *Resolver) Snapshot(businessID string, baseCurrency string, at time.Time) *Snapshot {
	return &Snapshot{
		resolver:   r,
		businessID: businessID,
		base:       strings.ToUpper(baseCurrency),
		at:         at,
		memo:       make(map[string]snapshotEntry),
	}
}

type snapshotEntry struct {
	rate  decimal.Decimal
	found bool
}

type Snapshot struct {
	resolver   *Resolver
	businessID string
	base       string
	at         time.Time

	mu   sync.Mutex
	memo map[string]snapshotEntry
}

func (s *Snapshot) Base() string {
	return s.base
}

// Rate returns the direct (or inverse) rate only.
func (s *Snapshot) Rate(ctx context.Context, source string, target string) (decimal.Decimal, bool, error) {
	key := strings.ToUpper(strings.TrimSpace(source)) + ":" + strings.ToUpper(strings.TrimSpace(target))

	s.mu.Lock()
	defer s.mu.Unlock()

	if entry, ok := s.memo[key]; ok {
		return entry.rate, entry.found, nil
	}
	rate, found, err := s.resolver.Rate(ctx, s.businessID, source, target, s.at)
	if err != nil {
		return decimal.Zero, false, err
	}
	s.memo[key] = snapshotEntry{rate: rate, found: found}
	return rate, found, nil
}

// Path allows a hop through the base currency. Every leg goes through Rate,
// so a pair read by either method resolves to the same pinned value.
func (s *Snapshot) Path(ctx context.Context, source string, target string) (decimal.Decimal, bool, error) {
	return composePath(s.base, source, target, func(src string, tgt string) (decimal.Decimal, bool, error) {
		return s.Rate(ctx, src, tgt)
	})
}
