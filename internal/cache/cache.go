package cache

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// RateCache stores resolved exchange rates between settlements. A miss is
// reported with ok=false; a cached "no rate" is never stored.
type RateCache interface {
	Get(ctx context.Context, key string) (decimal.Decimal, bool, error)
	Set(ctx context.Context, key string, rate decimal.Decimal, ttl time.Duration) error
}

type NoopRateCache struct{}

func (NoopRateCache) Get(_ context.Context, _ string) (decimal.Decimal, bool, error) {
	return decimal.Zero, false, nil
}

func (NoopRateCache) Set(_ context.Context, _ string, _ decimal.Decimal, _ time.Duration) error {
	return nil
}

func RateKey(businessID string, source string, target string) string {
	return fmt.Sprintf("fx:%s:%s:%s", businessID, strings.ToUpper(source), strings.ToUpper(target))
}
