package ws

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/whisper/duel-relay/internal/metrics"
	"github.com/whisper/duel-relay/internal/protocol"
	"github.com/whisper/duel-relay/internal/session"
)

// DefaultHandlerTimeout bounds the context passed to a message handler.
const DefaultHandlerTimeout = 10 * time.Second

// MessageHandler is the callback signature for handling a parsed client
// message. msg is the concrete struct returned by
// protocol.ParseClientMessage (e.g. protocol.JoinSessionMsg).
type MessageHandler func(ctx context.Context, conn *Connection, msg interface{})

// MessageDispatcher routes incoming WebSocket messages to registered handlers
// based on the message type. It answers liveness probes itself and sends a
// malformed_event error for undecodable or unsupported messages.
type MessageDispatcher struct {
	handlers map[string]MessageHandler
	logger   *zap.Logger
	timeout  time.Duration
}

// NewMessageDispatcher creates an empty MessageDispatcher.
func NewMessageDispatcher(logger *zap.Logger) *MessageDispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MessageDispatcher{
		handlers: make(map[string]MessageHandler),
		logger:   logger.Named("dispatch"),
		timeout:  DefaultHandlerTimeout,
	}
}

// SetTimeout changes the per-message handler timeout.
func (d *MessageDispatcher) SetTimeout(timeout time.Duration) {
	if timeout > 0 {
		d.timeout = timeout
	}
}

// Register associates a MessageHandler with a message type. If a handler was
// already registered for the given type, it is silently replaced. Register is
// not safe to call concurrently with Dispatch.
func (d *MessageDispatcher) Register(msgType string, handler MessageHandler) {
	d.handlers[msgType] = handler
}

// Dispatch is the onMessage callback implementation. It parses the raw bytes
// into a typed message, echoes liveness probes, and routes all other types to
// the registered handler.
func (d *MessageDispatcher) Dispatch(conn *Connection, data []byte) {
	start := time.Now()
	defer func() { metrics.MessageLatency.Observe(time.Since(start).Seconds()) }()

	msgType, msg, err := protocol.ParseClientMessage(data)
	if err != nil {
		metrics.MessagesTotal.WithLabelValues("malformed").Inc()
		d.logger.Debug("parse error", zap.String("conn_id", conn.ID), zap.Error(err))
		d.sendError(conn, session.CodeMalformedEvent, session.Reason(err))
		return
	}

	// Liveness probes are echoed byte for byte.
	if probe, ok := msg.(protocol.LivenessProbeMsg); ok {
		conn.Touch()
		if err := conn.WriteMessage(probe.Raw); err != nil {
			d.logger.Debug("liveness echo failed", zap.String("conn_id", conn.ID), zap.Error(err))
		}
		metrics.MessagesTotal.WithLabelValues("handled").Inc()
		return
	}

	handler, ok := d.handlers[msgType]
	if !ok {
		metrics.MessagesTotal.WithLabelValues("malformed").Inc()
		d.logger.Debug("unsupported message type", zap.String("type", msgType), zap.String("conn_id", conn.ID))
		d.sendError(conn, session.CodeMalformedEvent, "unsupported message type")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
	defer cancel()

	handler(ctx, conn, msg)
	metrics.MessagesTotal.WithLabelValues("handled").Inc()
}

// sendError sends a structured error message back to the client. Errors during
// message construction or transmission are logged but not propagated.
func (d *MessageDispatcher) sendError(conn *Connection, code, message string) {
	data, err := protocol.NewServerMessage(protocol.TypeError, protocol.ErrorMsg{
		Code:    code,
		Message: message,
	})
	if err != nil {
		d.logger.Error("build error message", zap.String("conn_id", conn.ID), zap.Error(err))
		return
	}

	if err := conn.WriteMessage(data); err != nil {
		d.logger.Debug("send error message", zap.String("conn_id", conn.ID), zap.Error(err))
	}
}
