package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bsm/redislock"
	redis "github.com/redis/go-redis/v9"
)

// ErrBusy is returned when another request holds the same submission key.
var ErrBusy = errors.New("submission in progress")

// Guard serializes concurrent submissions that share a key, such as two
// terminals retrying the same idempotent sale.
type Guard interface {
	Acquire(ctx context.Context, key string) (release func(), err error)
}

type NoopGuard struct{}

func (NoopGuard) Acquire(_ context.Context, _ string) (func(), error) {
	return func() {}, nil
}

type RedisGuard struct {
	locker *redislock.Client
	ttl    time.Duration
}

func NewRedisGuard(client *redis.Client, ttl time.Duration) *RedisGuard {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &RedisGuard{locker: redislock.New(client), ttl: ttl}
}

func (g *RedisGuard) Acquire(ctx context.Context, key string) (func(), error) {
	l, err := g.locker.Obtain(ctx, fmt.Sprintf("lock:%s", key), g.ttl, nil)
	if errors.Is(err, redislock.ErrNotObtained) {
		return nil, ErrBusy
	}
	if err != nil {
		return nil, fmt.Errorf("obtain submission lock: %w", err)
	}

	return func() {
		// Release with a fresh context; the request context may already be done.
		releaseCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = l.Release(releaseCtx)
	}, nil
}
