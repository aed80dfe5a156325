// Package handler maps inbound session events onto coordinator calls and
// replies through the relay: acknowledgements and failures go to the
// requesting connection only, session events go to the whole topic.
package handler

import (
	"context"
	"math"
	"time"

	"go.uber.org/zap"

	"github.com/whisper/duel-relay/internal/coordinator"
	"github.com/whisper/duel-relay/internal/metrics"
	"github.com/whisper/duel-relay/internal/protocol"
	"github.com/whisper/duel-relay/internal/ratelimit"
	"github.com/whisper/duel-relay/internal/session"
	"github.com/whisper/duel-relay/internal/ws"
)

// Coordinator is the session lifecycle the handlers drive.
type Coordinator interface {
	CreateSession(ctx context.Context, participantID, attribute string) (*session.Session, error)
	JoinSession(ctx context.Context, sessionID, participantID string) (*session.Session, error)
	RecordMove(ctx context.Context, m coordinator.Move) error
	FetchSession(ctx context.Context, sessionID string) (*session.Session, error)
}

// Relay is the topic registry and delivery surface.
type Relay interface {
	Subscribe(connID, sessionID string)
	Publish(ctx context.Context, sessionID, eventName string, payload interface{}, exclude string) error
	SendDirect(connID, eventName string, payload interface{}) error
	SendRaw(connID string, frame []byte) error
}

// Limiter throttles actions per connection.
type Limiter interface {
	Allow(ctx context.Context, identifier string, rule ratelimit.Rule) (bool, error)
	RetryAfter(ctx context.Context, identifier string, rule ratelimit.Rule) time.Duration
}

// Rules are the per-action rate limits.
type Rules struct {
	Create ratelimit.Rule
	Join   ratelimit.Rule
	Move   ratelimit.Rule
}

// DefaultRules returns the package default rules.
func DefaultRules() Rules {
	return Rules{Create: ratelimit.RuleCreate, Join: ratelimit.RuleJoin, Move: ratelimit.RuleMove}
}

// Handler holds the boundary event handlers.
type Handler struct {
	coord   Coordinator
	relay   Relay
	logger  *zap.Logger
	limiter Limiter
	rules   Rules
}

// Option configures a Handler.
type Option func(*Handler)

// WithRateLimit throttles create, join and move per connection.
func WithRateLimit(limiter Limiter, rules Rules) Option {
	return func(h *Handler) {
		h.limiter = limiter
		h.rules = rules
	}
}

// New creates a Handler.
func New(coord Coordinator, relay Relay, logger *zap.Logger, opts ...Option) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &Handler{coord: coord, relay: relay, logger: logger.Named("handler")}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Register installs the handlers on d.
func (h *Handler) Register(d *ws.MessageDispatcher) {
	d.Register(protocol.TypeCreateSession, h.CreateSession)
	d.Register(protocol.TypeJoinSession, h.JoinSession)
	d.Register(protocol.TypeRecordMove, h.RecordMove)
	d.Register(protocol.TypeGetSession, h.GetSession)
}

// CreateSession handles create-session.
func (h *Handler) CreateSession(ctx context.Context, conn *ws.Connection, msg interface{}) {
	m, ok := msg.(protocol.CreateSessionMsg)
	if !ok || !h.allow(ctx, conn, h.rules.Create) {
		return
	}

	s, err := h.coord.CreateSession(ctx, m.ParticipantID, m.Attribute)
	if err != nil {
		h.fail(conn, protocol.TypeSessionCreationFailed, err)
		return
	}

	h.relay.Subscribe(conn.ID, s.ID)
	h.direct(conn, protocol.TypeSessionCreated, protocol.SessionMsg{Session: protocol.FromSession(s)})
}

// JoinSession handles join-session. The joined record is broadcast to the
// whole topic, joiner included.
func (h *Handler) JoinSession(ctx context.Context, conn *ws.Connection, msg interface{}) {
	m, ok := msg.(protocol.JoinSessionMsg)
	if !ok || !h.allow(ctx, conn, h.rules.Join) {
		return
	}

	s, err := h.coord.JoinSession(ctx, m.SessionID, m.ParticipantID)
	if err != nil {
		h.fail(conn, protocol.TypeJoinSessionFailed, err)
		return
	}

	h.relay.Subscribe(conn.ID, s.ID)
	payload := protocol.SessionMsg{Session: protocol.FromSession(s)}
	if err := h.relay.Publish(ctx, s.ID, protocol.TypeSessionJoined, payload, ""); err != nil {
		h.logger.Warn("join broadcast incomplete", zap.String("session_id", s.ID), zap.Error(err))
	}
}

// RecordMove handles record-move. The sender is subscribed first so a
// reconnecting participant resumes receiving the session's events.
func (h *Handler) RecordMove(ctx context.Context, conn *ws.Connection, msg interface{}) {
	m, ok := msg.(protocol.RecordMoveMsg)
	if !ok || !h.allow(ctx, conn, h.rules.Move) {
		return
	}

	h.relay.Subscribe(conn.ID, m.SessionID)
	err := h.coord.RecordMove(ctx, coordinator.Move{
		SessionID:     m.SessionID,
		ParticipantID: m.ParticipantID,
		Payload:       m.Payload,
		Origin:        conn.ID,
	})
	if err != nil {
		h.fail(conn, protocol.TypeError, err)
	}
}

// GetSession handles get-session. The requester is subscribed either way;
// a failed lookup is logged and answered with a null session.
func (h *Handler) GetSession(ctx context.Context, conn *ws.Connection, msg interface{}) {
	m, ok := msg.(protocol.GetSessionMsg)
	if !ok {
		return
	}
	if m.SessionID != "" {
		h.relay.Subscribe(conn.ID, m.SessionID)
	}

	s, err := h.coord.FetchSession(ctx, m.SessionID)
	if err != nil {
		h.logger.Info("get session failed",
			zap.String("session_id", m.SessionID), zap.String("conn_id", conn.ID), zap.Error(err))
		h.direct(conn, protocol.TypeSessionDetails, protocol.SessionMsg{})
		return
	}

	h.direct(conn, protocol.TypeSessionDetails, protocol.SessionMsg{Session: protocol.FromSession(s)})
}

// allow applies rule to the connection and answers rate-limited when it is
// exceeded.
func (h *Handler) allow(ctx context.Context, conn *ws.Connection, rule ratelimit.Rule) bool {
	if h.limiter == nil || !rule.Enabled() {
		return true
	}
	ok, _ := h.limiter.Allow(ctx, conn.ID, rule)
	if ok {
		return true
	}

	metrics.MessagesTotal.WithLabelValues("rate_limited").Inc()
	wait := h.limiter.RetryAfter(ctx, conn.ID, rule)
	h.direct(conn, protocol.TypeRateLimited, protocol.RateLimitedMsg{
		RetryAfter: int(math.Ceil(wait.Seconds())),
	})
	return false
}

func (h *Handler) fail(conn *ws.Connection, eventName string, err error) {
	h.logger.Debug("request failed",
		zap.String("event", eventName), zap.String("conn_id", conn.ID), zap.Error(err))
	frame, encErr := protocol.NewFailure(eventName, err)
	if encErr != nil {
		h.logger.Error("encode failure reply", zap.String("event", eventName), zap.Error(encErr))
		return
	}
	if err := h.relay.SendRaw(conn.ID, frame); err != nil {
		h.logger.Debug("direct reply failed",
			zap.String("event", eventName), zap.String("conn_id", conn.ID), zap.Error(err))
	}
}

func (h *Handler) direct(conn *ws.Connection, eventName string, payload interface{}) {
	if err := h.relay.SendDirect(conn.ID, eventName, payload); err != nil {
		h.logger.Debug("direct reply failed",
			zap.String("event", eventName), zap.String("conn_id", conn.ID), zap.Error(err))
	}
}
