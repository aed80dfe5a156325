package ws

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func startTestServer(t *testing.T, cfg ServerConfig, onMessage func(*Connection, []byte)) (*Server, *httptest.Server) {
	t.Helper()
	s := NewServer(cfg, onMessage, zap.NewNop())
	require.NoError(t, s.Init())
	hs := httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = s.Shutdown(ctx)
		hs.Close()
	})
	return s, hs
}

func dial(t *testing.T, hs *httptest.Server) net.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	url := "ws" + strings.TrimPrefix(hs.URL, "http") + "/ws"
	conn, _, _, err := ws.Dial(ctx, url)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func testConfig() ServerConfig {
	cfg := DefaultServerConfig()
	cfg.WorkerPoolSize = 8
	cfg.ReadTimeout = 2 * time.Second
	cfg.WriteTimeout = 2 * time.Second
	cfg.MaxMessageBytes = 1024
	return cfg
}

func echoServer(t *testing.T, cfg ServerConfig) (*Server, *httptest.Server) {
	var s *Server
	s, hs := startTestServer(t, cfg, func(c *Connection, data []byte) {
		_ = s.SendMessage(c.ID, data)
	})
	return s, hs
}

func readText(t *testing.T, conn net.Conn) string {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	data, err := wsutil.ReadServerText(conn)
	require.NoError(t, err)
	return string(data)
}

func TestServer_EchoRoundTrip(t *testing.T) {
	s, hs := echoServer(t, testConfig())
	conn := dial(t, hs)

	require.NoError(t, wsutil.WriteClientText(conn, []byte(`{"type":"liveness-probe"}`)))
	assert.Equal(t, `{"type":"liveness-probe"}`, readText(t, conn))
	assert.Equal(t, 1, s.Connections().Count())
}

func TestServer_ReassemblesFragmentedMessage(t *testing.T) {
	_, hs := echoServer(t, testConfig())
	conn := dial(t, hs)

	require.NoError(t, ws.WriteFrame(conn, ws.MaskFrame(ws.NewFrame(ws.OpText, false, []byte(`{"type":"liveness-`)))))
	require.NoError(t, ws.WriteFrame(conn, ws.MaskFrame(ws.NewFrame(ws.OpContinuation, true, []byte(`probe"}`)))))

	assert.Equal(t, `{"type":"liveness-probe"}`, readText(t, conn))
}

func TestServer_DisconnectHook(t *testing.T) {
	s, hs := echoServer(t, testConfig())
	gone := make(chan string, 1)
	s.SetOnDisconnect(func(connID string) { gone <- connID })

	conn := dial(t, hs)
	require.NoError(t, wsutil.WriteClientText(conn, []byte(`hello`)))
	readText(t, conn)
	require.NoError(t, conn.Close())

	select {
	case id := <-gone:
		assert.NotEmpty(t, id)
	case <-time.After(3 * time.Second):
		t.Fatal("disconnect hook not called")
	}
	assert.Equal(t, 0, s.Connections().Count())
}

func TestServer_OversizedMessageClosesConnection(t *testing.T) {
	s, hs := echoServer(t, testConfig())
	gone := make(chan string, 1)
	s.SetOnDisconnect(func(connID string) { gone <- connID })

	conn := dial(t, hs)
	require.NoError(t, wsutil.WriteClientText(conn, []byte(strings.Repeat("x", 2048))))

	select {
	case <-gone:
	case <-time.After(3 * time.Second):
		t.Fatal("oversized message did not close the connection")
	}
}

func TestServer_SendMessageUnknownConnection(t *testing.T) {
	s := NewServer(testConfig(), nil, zap.NewNop())
	err := s.SendMessage("missing", []byte("x"))
	require.Error(t, err)
}

func TestServer_Health(t *testing.T) {
	s, hs := echoServer(t, testConfig())
	s.AddHealthDetail("store", func() interface{} { return "memory" })

	resp, err := http.Get(hs.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "memory", body["store"])
	assert.Contains(t, body, "connections")
}

func TestCheckConnections_EvictsStale(t *testing.T) {
	s := NewServer(testConfig(), nil, zap.NewNop())
	gone := make(chan string, 1)
	s.SetOnDisconnect(func(connID string) { gone <- connID })

	server, client := net.Pipe()
	defer client.Close()
	c := &Connection{ID: "stale", Conn: server}
	c.lastPing.Store(time.Now().Add(-time.Hour))
	s.conns.Add(c)

	checkConnections(s, HeartbeatConfig{Interval: time.Second, Timeout: time.Second}, time.Now())

	assert.Equal(t, "stale", <-gone)
	assert.Nil(t, s.Connections().Get("stale"))
}

func TestServer_ShutdownBeforeStart(t *testing.T) {
	cfg := testConfig()
	cfg.ListenAddr = "127.0.0.1:0"
	s := NewServer(cfg, nil, zap.NewNop())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, s.Shutdown(ctx))

	errc := make(chan error, 1)
	go func() { errc <- s.Start() }()
	select {
	case err := <-errc:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Start kept serving after Shutdown")
	}
	assert.Nil(t, s.epoll)
}

func TestServer_ShutdownRacesStart(t *testing.T) {
	cfg := testConfig()
	cfg.ListenAddr = "127.0.0.1:0"
	s := NewServer(cfg, nil, zap.NewNop())

	errc := make(chan error, 1)
	go func() { errc <- s.Start() }()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, s.Shutdown(ctx))

	select {
	case err := <-errc:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Start kept serving after Shutdown")
	}
}
