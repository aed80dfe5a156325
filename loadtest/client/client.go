// Package client provides a WebSocket client for driving a duel relay under
// load. It speaks the relay's JSON protocol over gobwas/ws, answers server
// pings, and tracks per-connection counters.
package client

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	jsoniter "github.com/json-iterator/go"
	"go.uber.org/atomic"

	"github.com/whisper/duel-relay/internal/protocol"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// inboxSize bounds frames buffered for Next. Older frames are dropped when
// nobody is reading.
const inboxSize = 256

// Frame is one server message.
type Frame struct {
	Type string
	Data []byte
	At   time.Time
}

// reply is the union of server payload fields the client cares about.
type reply struct {
	Session    *protocol.Session `json:"session"`
	Code       string            `json:"code"`
	Message    string            `json:"message"`
	RetryAfter int               `json:"retry_after"`
}

// ReplyError is a failure reply from the server.
type ReplyError struct {
	Type       string
	Code       string
	Message    string
	RetryAfter int
}

func (e *ReplyError) Error() string {
	if e.Type == protocol.TypeRateLimited {
		return fmt.Sprintf("%s: retry after %ds", e.Type, e.RetryAfter)
	}
	return fmt.Sprintf("%s: %s: %s", e.Type, e.Code, e.Message)
}

// Metrics is a snapshot of per-connection counters.
type Metrics struct {
	ConnectLatency   time.Duration
	MessagesReceived int64
	MessagesSent     int64
	Dropped          int64
	Errors           int64
}

// Client is one simulated participant connection.
type Client struct {
	conn    net.Conn
	writeMu sync.Mutex

	hmu      sync.RWMutex
	handlers map[string]func(Frame)
	inbox    chan Frame

	done      chan struct{}
	closeOnce sync.Once
	alive     *atomic.Bool

	connectLatency time.Duration
	received       *atomic.Int64
	sent           *atomic.Int64
	dropped        *atomic.Int64
	errs           *atomic.Int64
	probeSeq       *atomic.Int64
}

// New dials url and starts reading in the background.
func New(ctx context.Context, url string) (*Client, error) {
	start := time.Now()
	conn, _, _, err := ws.Dial(ctx, url)
	if err != nil {
		return nil, errors.Wrap(err, "dial")
	}

	c := &Client{
		conn:           conn,
		handlers:       make(map[string]func(Frame)),
		inbox:          make(chan Frame, inboxSize),
		done:           make(chan struct{}),
		alive:          atomic.NewBool(true),
		connectLatency: time.Since(start),
		received:       atomic.NewInt64(0),
		sent:           atomic.NewInt64(0),
		dropped:        atomic.NewInt64(0),
		errs:           atomic.NewInt64(0),
		probeSeq:       atomic.NewInt64(0),
	}
	go c.readLoop()
	return c, nil
}

// Send encodes msg as JSON and writes it as one text frame. Safe for
// concurrent use.
func (c *Client) Send(msg interface{}) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return errors.Wrap(err, "marshal")
	}
	return c.SendRaw(data)
}

// SendRaw writes data as one text frame.
func (c *Client) SendRaw(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := wsutil.WriteClientMessage(c.conn, ws.OpText, data); err != nil {
		c.errs.Inc()
		return errors.Wrap(err, "write")
	}
	c.sent.Inc()
	return nil
}

// On routes every frame of msgType to fn instead of the inbox. fn runs on the
// read goroutine and must not block.
func (c *Client) On(msgType string, fn func(Frame)) {
	c.hmu.Lock()
	c.handlers[msgType] = fn
	c.hmu.Unlock()
}

// Next returns the next inbox frame whose type is one of types. Frames of
// other types are discarded.
func (c *Client) Next(ctx context.Context, types ...string) (Frame, error) {
	for {
		select {
		case <-ctx.Done():
			return Frame{}, ctx.Err()
		case <-c.done:
			return Frame{}, errors.New("connection closed")
		case f := <-c.inbox:
			for _, t := range types {
				if f.Type == t {
					return f, nil
				}
			}
		}
	}
}

// CreateSession opens a session and returns its record.
func (c *Client) CreateSession(ctx context.Context, participantID, attribute string) (*protocol.Session, error) {
	err := c.Send(protocol.CreateSessionMsg{
		Type:          protocol.TypeCreateSession,
		ParticipantID: participantID,
		Attribute:     attribute,
	})
	if err != nil {
		return nil, err
	}
	return c.awaitSession(ctx, protocol.TypeSessionCreated, protocol.TypeSessionCreationFailed)
}

// JoinSession claims the second seat of sessionID.
func (c *Client) JoinSession(ctx context.Context, sessionID, participantID string) (*protocol.Session, error) {
	err := c.Send(protocol.JoinSessionMsg{
		Type:          protocol.TypeJoinSession,
		SessionID:     sessionID,
		ParticipantID: participantID,
	})
	if err != nil {
		return nil, err
	}
	return c.awaitSession(ctx, protocol.TypeSessionJoined, protocol.TypeJoinSessionFailed)
}

// GetSession fetches the current record of sessionID. A nil session with a
// nil error means the server did not find it.
func (c *Client) GetSession(ctx context.Context, sessionID string) (*protocol.Session, error) {
	err := c.Send(protocol.GetSessionMsg{Type: protocol.TypeGetSession, SessionID: sessionID})
	if err != nil {
		return nil, err
	}
	return c.awaitSession(ctx, protocol.TypeSessionDetails, "")
}

// RecordMove sends a move. The broadcast arrives as move-recorded.
func (c *Client) RecordMove(sessionID, participantID string, payload interface{}) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return errors.Wrap(err, "marshal payload")
	}
	return c.Send(protocol.RecordMoveMsg{
		Type:          protocol.TypeRecordMove,
		SessionID:     sessionID,
		ParticipantID: participantID,
		Payload:       raw,
	})
}

// Probe sends a liveness probe and waits for the echo.
func (c *Client) Probe(ctx context.Context) (time.Duration, error) {
	nonce := strconv.FormatInt(c.probeSeq.Inc(), 10)
	start := time.Now()
	if err := c.SendRaw([]byte(`{"type":"liveness-probe","nonce":"` + nonce + `"}`)); err != nil {
		return 0, err
	}
	for {
		f, err := c.Next(ctx, protocol.TypeLivenessProbe)
		if err != nil {
			return 0, err
		}
		if json.Get(f.Data, "nonce").ToString() == nonce {
			return f.At.Sub(start), nil
		}
	}
}

func (c *Client) awaitSession(ctx context.Context, okType, failType string) (*protocol.Session, error) {
	types := []string{okType, protocol.TypeRateLimited, protocol.TypeError}
	if failType != "" {
		types = append(types, failType)
	}
	f, err := c.Next(ctx, types...)
	if err != nil {
		return nil, err
	}

	var r reply
	if err := json.Unmarshal(f.Data, &r); err != nil {
		return nil, errors.Wrapf(err, "decode %s", f.Type)
	}
	if f.Type != okType {
		return nil, &ReplyError{Type: f.Type, Code: r.Code, Message: r.Message, RetryAfter: r.RetryAfter}
	}
	return r.Session, nil
}

// Done is closed when the connection is closed.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Alive reports whether the read loop is still running.
func (c *Client) Alive() bool {
	return c.alive.Load()
}

// Metrics returns a snapshot of the counters.
func (c *Client) Metrics() Metrics {
	return Metrics{
		ConnectLatency:   c.connectLatency,
		MessagesReceived: c.received.Load(),
		MessagesSent:     c.sent.Load(),
		Dropped:          c.dropped.Load(),
		Errors:           c.errs.Load(),
	}
}

// Close closes the connection. Safe to call more than once.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		err = c.conn.Close()
	})
	return err
}

func (c *Client) readLoop() {
	defer func() {
		c.alive.Store(false)
		_ = c.Close()
	}()
	for {
		data, err := wsutil.ReadServerText(c.conn)
		if err != nil {
			select {
			case <-c.done:
			default:
				c.errs.Inc()
			}
			return
		}
		c.received.Inc()

		f := Frame{Type: json.Get(data, "type").ToString(), Data: data, At: time.Now()}

		c.hmu.RLock()
		fn, ok := c.handlers[f.Type]
		c.hmu.RUnlock()
		if ok {
			fn(f)
			continue
		}

		select {
		case c.inbox <- f:
		default:
			c.dropped.Inc()
		}
	}
}
