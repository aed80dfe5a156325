package messaging

import (
	"os"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func newTestClient(t *testing.T) *NATSClient {
	t.Helper()
	cfg := DefaultNATSConfig()
	if url := os.Getenv("NATS_TEST_URL"); url != "" {
		cfg.URL = url
	}
	cfg.MaxReconnects = 0
	c, err := NewNATSClient(cfg, zaptest.NewLogger(t))
	if err != nil {
		t.Skipf("NATS not available at %s: %v", cfg.URL, err)
	}
	t.Cleanup(c.Close)
	return c
}

func TestSessionSubject(t *testing.T) {
	require.Equal(t, "session.aB3dE9", SessionSubject("aB3dE9"))
}

func TestUnsubscribeSession_NoSubscription(t *testing.T) {
	c := &NATSClient{subs: make(map[string]*nats.Subscription)}
	err := c.UnsubscribeSession("missing")
	require.True(t, errors.Is(err, ErrNoSubscription))
}

func TestSessionPubSub(t *testing.T) {
	c := newTestClient(t)

	got := make(chan []byte, 1)
	require.NoError(t, c.SubscribeSession("pubsub1", func(data []byte) {
		got <- data
	}))
	require.NoError(t, c.conn.Flush())

	require.NoError(t, c.PublishSession("pubsub1", []byte("hello")))

	select {
	case data := <-got:
		require.Equal(t, "hello", string(data))
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for session message")
	}

	require.NoError(t, c.UnsubscribeSession("pubsub1"))
	require.Error(t, c.UnsubscribeSession("pubsub1"))
}
