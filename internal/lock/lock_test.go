package lock

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNoopGuardAlwaysAcquires(t *testing.T) {
	var g Guard = NoopGuard{}

	release, err := g.Acquire(context.Background(), "sale:biz-1:k1")
	require.NoError(t, err)
	release()

	release, err = g.Acquire(context.Background(), "sale:biz-1:k1")
	require.NoError(t, err)
	release()
}

func TestNewRedisGuardDefaultsTTL(t *testing.T) {
	g := NewRedisGuard(nil, 0)
	require.Greater(t, g.ttl.Seconds(), 0.0)
}
