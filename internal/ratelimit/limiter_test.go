package ratelimit

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func newTestLimiter(t *testing.T) *Limiter {
	t.Helper()
	addr := os.Getenv("REDIS_TEST_ADDR")
	if addr == "" {
		addr = "localhost:6379"
	}
	client := redis.NewClient(&redis.Options{Addr: addr, DB: 15})
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		t.Skipf("Redis not available at %s: %v", addr, err)
	}
	t.Cleanup(func() { client.Close() })
	return NewLimiter(client, zaptest.NewLogger(t))
}

func TestAllow_EnforcesLimit(t *testing.T) {
	l := newTestLimiter(t)
	ctx := context.Background()
	rule := Rule{Key: "rl:test:", Limit: 3, Window: 5 * time.Second}
	id := uuid.NewString()

	for i := 0; i < 3; i++ {
		ok, err := l.Allow(ctx, id, rule)
		require.NoError(t, err)
		require.True(t, ok, "request %d should pass", i+1)
	}
	ok, err := l.Allow(ctx, id, rule)
	require.NoError(t, err)
	require.False(t, ok)

	wait := l.RetryAfter(ctx, id, rule)
	require.Greater(t, wait, time.Duration(0))
	require.LessOrEqual(t, wait, rule.Window)
}

func TestAllow_WindowExpires(t *testing.T) {
	l := newTestLimiter(t)
	ctx := context.Background()
	rule := Rule{Key: "rl:test:", Limit: 1, Window: 200 * time.Millisecond}
	id := uuid.NewString()

	ok, _ := l.Allow(ctx, id, rule)
	require.True(t, ok)
	ok, _ = l.Allow(ctx, id, rule)
	require.False(t, ok)

	time.Sleep(300 * time.Millisecond)
	ok, _ = l.Allow(ctx, id, rule)
	require.True(t, ok)
}

func TestAllow_FailsOpen(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1", DialTimeout: 100 * time.Millisecond, MaxRetries: -1})
	defer client.Close()
	l := NewLimiter(client, zaptest.NewLogger(t))

	ok, err := l.Allow(context.Background(), "x", RuleMove)
	require.Error(t, err)
	require.True(t, ok)
}

func TestRule_Disabled(t *testing.T) {
	l := &Limiter{}
	ok, err := l.Allow(context.Background(), "x", Rule{Key: "rl:off:"})
	require.NoError(t, err)
	require.True(t, ok)
}
