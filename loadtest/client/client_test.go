package client

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/whisper/duel-relay/internal/coordinator"
	"github.com/whisper/duel-relay/internal/handler"
	"github.com/whisper/duel-relay/internal/protocol"
	"github.com/whisper/duel-relay/internal/relay"
	"github.com/whisper/duel-relay/internal/session"
	"github.com/whisper/duel-relay/internal/ws"
)

// startRelay runs a single-instance relay over the memory store and returns
// its WebSocket URL.
func startRelay(t *testing.T) string {
	t.Helper()
	logger := zap.NewNop()

	var server *ws.Server
	r := relay.New(senderFunc(func(connID string, data []byte) error {
		return server.SendMessage(connID, data)
	}), relay.WithLogger(logger))

	coord, err := coordinator.New(session.NewMemoryStore(), r, coordinator.DefaultConfig(), logger)
	require.NoError(t, err)

	d := ws.NewMessageDispatcher(logger)
	handler.New(coord, r, logger).Register(d)

	cfg := ws.DefaultServerConfig()
	cfg.WorkerPoolSize = 8
	server = ws.NewServer(cfg, d.Dispatch, logger)
	server.SetOnDisconnect(r.UnsubscribeAll)
	require.NoError(t, server.Init())

	hs := httptest.NewServer(server.Handler())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = server.Shutdown(ctx)
		_ = coord.Close(ctx)
		hs.Close()
	})
	return "ws" + strings.TrimPrefix(hs.URL, "http") + "/ws"
}

type senderFunc func(connID string, data []byte) error

func (f senderFunc) SendMessage(connID string, data []byte) error { return f(connID, data) }

func connect(t *testing.T, url string) *Client {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	c, err := New(ctx, url)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func testCtx(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestClient_DuelRoundTrip(t *testing.T) {
	url := startRelay(t)
	ctx := testCtx(t)
	a := connect(t, url)
	b := connect(t, url)

	created, err := a.CreateSession(ctx, "alice", "white")
	require.NoError(t, err)
	require.NotNil(t, created)
	assert.Equal(t, "alice", created.FirstParticipantID)

	joined, err := b.JoinSession(ctx, created.SessionID, "bob")
	require.NoError(t, err)
	assert.Equal(t, "bob", joined.SecondParticipantID)

	// The first seat hears about the join too.
	f, err := a.Next(ctx, protocol.TypeSessionJoined)
	require.NoError(t, err)
	assert.Contains(t, string(f.Data), `"bob"`)

	moves := make(chan Frame, 1)
	b.On(protocol.TypeMoveRecorded, func(f Frame) { moves <- f })
	require.NoError(t, a.RecordMove(created.SessionID, "alice", map[string]int{"ply": 1}))

	select {
	case f := <-moves:
		assert.Contains(t, string(f.Data), `"ply":1`)
	case <-ctx.Done():
		t.Fatal("move not relayed")
	}

	m := a.Metrics()
	assert.GreaterOrEqual(t, m.MessagesSent, int64(2))
	assert.Zero(t, m.Errors)
}

func TestClient_JoinFailures(t *testing.T) {
	url := startRelay(t)
	ctx := testCtx(t)
	a := connect(t, url)
	b := connect(t, url)
	c := connect(t, url)

	_, err := b.JoinSession(ctx, "NOSUCH", "bob")
	var re *ReplyError
	require.True(t, errors.As(err, &re))
	assert.Equal(t, session.CodeNotFound, re.Code)

	created, err := a.CreateSession(ctx, "alice", "white")
	require.NoError(t, err)
	_, err = b.JoinSession(ctx, created.SessionID, "bob")
	require.NoError(t, err)

	_, err = c.JoinSession(ctx, created.SessionID, "carol")
	require.True(t, errors.As(err, &re))
	assert.Equal(t, session.CodeSeatTaken, re.Code)
}

func TestClient_GetSessionUnknown(t *testing.T) {
	url := startRelay(t)
	a := connect(t, url)

	s, err := a.GetSession(testCtx(t), "ZZZZZZ")
	require.NoError(t, err)
	assert.Nil(t, s)
}

func TestClient_Probe(t *testing.T) {
	url := startRelay(t)
	a := connect(t, url)

	rtt, err := a.Probe(testCtx(t))
	require.NoError(t, err)
	assert.Positive(t, rtt)
}

func TestClient_NextAfterClose(t *testing.T) {
	url := startRelay(t)
	a := connect(t, url)
	require.NoError(t, a.Close())

	_, err := a.Next(testCtx(t), protocol.TypeSessionCreated)
	assert.Error(t, err)
	assert.Eventually(t, func() bool { return !a.Alive() }, time.Second, 10*time.Millisecond)
}
