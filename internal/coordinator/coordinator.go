// Package coordinator implements the session lifecycle: creating sessions,
// resolving the race for the second seat, relaying moves to the session topic
// and persisting the latest state without holding up the live relay.
package coordinator

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/whisper/duel-relay/internal/metrics"
	"github.com/whisper/duel-relay/internal/protocol"
	"github.com/whisper/duel-relay/internal/session"
)

// Publisher fans an event out to a session topic.
type Publisher interface {
	Publish(ctx context.Context, sessionID, eventName string, payload interface{}, exclude string) error
}

// Config holds coordinator tunables.
type Config struct {
	CodeLength        int           // length of generated session codes
	MaxCreateAttempts int           // code generation attempts on id collision
	ExcludeSender     bool          // skip the mover's connection when relaying moves
	PersistWorkers    int           // size of the state writer pool
	PersistTimeout    time.Duration // timeout for a single state write
	PersistRetries    uint64        // retries for a failed state write
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		CodeLength:        session.DefaultCodeLength,
		MaxCreateAttempts: 3,
		PersistWorkers:    64,
		PersistTimeout:    3 * time.Second,
		PersistRetries:    3,
	}
}

// Move is an accepted state change for a session.
type Move struct {
	SessionID     string
	ParticipantID string
	Payload       []byte
	Origin        string // connection the move arrived on
}

// Coordinator owns session creation, joining, move relay and lookup.
type Coordinator struct {
	store  session.Store
	relay  Publisher
	writer *stateWriter
	config Config
	logger *zap.Logger
	tracer trace.Tracer
}

// New creates a Coordinator over store that fans out through relay.
func New(store session.Store, relay Publisher, config Config, logger *zap.Logger) (*Coordinator, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("coordinator")

	defaults := DefaultConfig()
	if config.CodeLength <= 0 {
		config.CodeLength = defaults.CodeLength
	}
	if config.MaxCreateAttempts <= 0 {
		config.MaxCreateAttempts = defaults.MaxCreateAttempts
	}
	if config.PersistWorkers <= 0 {
		config.PersistWorkers = defaults.PersistWorkers
	}
	if config.PersistTimeout <= 0 {
		config.PersistTimeout = defaults.PersistTimeout
	}

	writer, err := newStateWriter(store, config.PersistWorkers, config.PersistTimeout, config.PersistRetries, logger)
	if err != nil {
		return nil, err
	}

	return &Coordinator{
		store:  store,
		relay:  relay,
		writer: writer,
		config: config,
		logger: logger,
		tracer: otel.Tracer("github.com/whisper/duel-relay/internal/coordinator"),
	}, nil
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, session.Code(err))
	}
	span.End()
}

// CreateSession opens a new session with participantID in the first seat.
// A colliding code is regenerated up to MaxCreateAttempts times.
func (c *Coordinator) CreateSession(ctx context.Context, participantID, attr string) (_ *session.Session, err error) {
	ctx, span := c.tracer.Start(ctx, "coordinator.CreateSession",
		trace.WithAttributes(attribute.String("participant.id", participantID)))
	defer func() { endSpan(span, err) }()

	if participantID == "" {
		return nil, session.Malformed("participant id is required")
	}

	for attempt := 1; attempt <= c.config.MaxCreateAttempts; attempt++ {
		var code string
		code, err = session.NewCode(c.config.CodeLength)
		if err != nil {
			return nil, errors.Wrap(err, "coordinator: generate session code")
		}

		s := session.New(code, participantID, attr)
		err = c.store.Insert(ctx, s)
		if errors.Is(err, session.ErrDuplicateID) {
			c.logger.Debug("session code collision", zap.String("session_id", code), zap.Int("attempt", attempt))
			continue
		}
		if err != nil {
			c.logger.Warn("create session failed", zap.String("participant_id", participantID), zap.Error(err))
			return nil, err
		}

		span.SetAttributes(attribute.String("session.id", code))
		metrics.SessionsCreated.Inc()
		c.logger.Info("session created",
			zap.String("session_id", code), zap.String("participant_id", participantID))
		return s, nil
	}

	err = session.StorageError(
		errors.Newf("no free session code after %d attempts", c.config.MaxCreateAttempts), "insert")
	c.logger.Error("create session exhausted code attempts", zap.String("participant_id", participantID))
	return nil, err
}

// JoinSession claims the second seat of sessionID for participantID. The
// store's atomic claim decides races: exactly one contender wins and the rest
// get session.ErrSeatTaken.
func (c *Coordinator) JoinSession(ctx context.Context, sessionID, participantID string) (_ *session.Session, err error) {
	ctx, span := c.tracer.Start(ctx, "coordinator.JoinSession", trace.WithAttributes(
		attribute.String("session.id", sessionID),
		attribute.String("participant.id", participantID),
	))
	defer func() { endSpan(span, err) }()

	if sessionID == "" || participantID == "" {
		return nil, session.Malformed("session id and participant id are required")
	}

	s, err := c.store.ClaimSecondSeat(ctx, sessionID, participantID)
	if err != nil {
		result := session.Code(err)
		metrics.SessionJoins.WithLabelValues(result).Inc()
		c.logger.Info("join rejected",
			zap.String("session_id", sessionID), zap.String("participant_id", participantID), zap.String("reason", result))
		return nil, err
	}

	metrics.SessionJoins.WithLabelValues("ok").Inc()
	c.logger.Info("session joined",
		zap.String("session_id", sessionID), zap.String("participant_id", participantID))
	return s, nil
}

// RecordMove relays the move to the session topic and then hands the payload
// to the state writer. It never waits for storage; a failed write is logged
// and counted. Only malformed moves are reported back.
func (c *Coordinator) RecordMove(ctx context.Context, m Move) (err error) {
	ctx, span := c.tracer.Start(ctx, "coordinator.RecordMove",
		trace.WithAttributes(attribute.String("session.id", m.SessionID)))
	defer func() { endSpan(span, err) }()

	if m.SessionID == "" {
		return session.Malformed("session id is required")
	}
	if len(m.Payload) == 0 {
		return session.Malformed("move payload is required")
	}

	exclude := ""
	if c.config.ExcludeSender {
		exclude = m.Origin
	}
	msg := protocol.MoveRecordedMsg{
		SessionID: m.SessionID,
		SenderID:  m.ParticipantID,
		Payload:   m.Payload,
	}
	if err := c.relay.Publish(ctx, m.SessionID, protocol.TypeMoveRecorded, msg, exclude); err != nil {
		c.logger.Warn("move relay incomplete", zap.String("session_id", m.SessionID), zap.Error(err))
	}
	metrics.MovesRelayed.Inc()

	c.writer.Enqueue(m.SessionID, append([]byte(nil), m.Payload...))
	return nil
}

// FetchSession returns the current record of sessionID.
func (c *Coordinator) FetchSession(ctx context.Context, sessionID string) (_ *session.Session, err error) {
	ctx, span := c.tracer.Start(ctx, "coordinator.FetchSession",
		trace.WithAttributes(attribute.String("session.id", sessionID)))
	defer func() { endSpan(span, err) }()

	if sessionID == "" {
		return nil, session.Malformed("session id is required")
	}
	return c.store.Get(ctx, sessionID)
}

// Flush waits for all pending state writes.
func (c *Coordinator) Flush(ctx context.Context) error {
	return c.writer.Flush(ctx)
}

// Close flushes pending state writes and releases the writer pool. It does
// not close the store.
func (c *Coordinator) Close(ctx context.Context) error {
	return c.writer.Close(ctx)
}
