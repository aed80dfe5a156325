package ws

import (
	"context"
	"encoding/json"
	"net"
	"testing"
	"time"

	"github.com/gobwas/ws/wsutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/whisper/duel-relay/internal/protocol"
)

// pipeConn returns a server-side Connection and the client end of a pipe.
func pipeConn(t *testing.T) (*Connection, net.Conn) {
	t.Helper()
	server, client := net.Pipe()
	t.Cleanup(func() {
		server.Close()
		client.Close()
	})
	return &Connection{ID: "c1", Conn: server}, client
}

// dispatchAndRead runs Dispatch in the background and returns the first frame
// the client receives.
func dispatchAndRead(t *testing.T, d *MessageDispatcher, conn *Connection, client net.Conn, data []byte) []byte {
	t.Helper()
	go d.Dispatch(conn, data)

	_ = client.SetReadDeadline(time.Now().Add(2 * time.Second))
	reply, _, err := wsutil.ReadServerData(client)
	require.NoError(t, err)
	return reply
}

func TestDispatch_LivenessProbeEchoesFrame(t *testing.T) {
	d := NewMessageDispatcher(zaptest.NewLogger(t))
	conn, client := pipeConn(t)

	frame := []byte(`{"type":"liveness-probe","seq":41,"note":"ü"}`)
	reply := dispatchAndRead(t, d, conn, client, frame)

	assert.Equal(t, string(frame), string(reply))
	assert.False(t, conn.LastPing().IsZero())
}

func TestDispatch_UnknownTypeIsMalformed(t *testing.T) {
	d := NewMessageDispatcher(zaptest.NewLogger(t))
	conn, client := pipeConn(t)

	reply := dispatchAndRead(t, d, conn, client, []byte(`{"type":"resign"}`))

	var msg struct {
		Type string `json:"type"`
		Code string `json:"code"`
	}
	require.NoError(t, json.Unmarshal(reply, &msg))
	assert.Equal(t, protocol.TypeError, msg.Type)
	assert.Equal(t, "malformed_event", msg.Code)
}

func TestDispatch_UndecodableIsMalformed(t *testing.T) {
	d := NewMessageDispatcher(zaptest.NewLogger(t))
	conn, client := pipeConn(t)

	reply := dispatchAndRead(t, d, conn, client, []byte(`not json`))

	var msg protocol.ErrorMsg
	require.NoError(t, json.Unmarshal(reply, &msg))
	assert.Equal(t, "malformed_event", msg.Code)
	assert.NotEmpty(t, msg.Message)
}

func TestDispatch_RoutesToHandler(t *testing.T) {
	d := NewMessageDispatcher(zaptest.NewLogger(t))
	conn := &Connection{ID: "c7"}

	type call struct {
		connID string
		msg    protocol.GetSessionMsg
		hasDL  bool
	}
	got := make(chan call, 1)
	d.Register(protocol.TypeGetSession, func(ctx context.Context, c *Connection, msg interface{}) {
		_, hasDeadline := ctx.Deadline()
		got <- call{connID: c.ID, msg: msg.(protocol.GetSessionMsg), hasDL: hasDeadline}
	})

	d.Dispatch(conn, []byte(`{"type":"get-session","session_id":"aB3dE9"}`))

	select {
	case c := <-got:
		assert.Equal(t, "c7", c.connID)
		assert.Equal(t, "aB3dE9", c.msg.SessionID)
		assert.True(t, c.hasDL)
	default:
		t.Fatal("handler was not called")
	}
}
