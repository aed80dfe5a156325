package handler

import (
	"context"
	"sync"
	"testing"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/whisper/duel-relay/internal/coordinator"
	"github.com/whisper/duel-relay/internal/protocol"
	"github.com/whisper/duel-relay/internal/ratelimit"
	"github.com/whisper/duel-relay/internal/relay"
	"github.com/whisper/duel-relay/internal/session"
	"github.com/whisper/duel-relay/internal/ws"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// frame is a decoded server message.
type frame struct {
	Type       string              `json:"type"`
	Session    *protocol.Session   `json:"session"`
	Code       string              `json:"code"`
	Message    string              `json:"message"`
	SessionID  string              `json:"session_id"`
	SenderID   string              `json:"sender_id"`
	Payload    jsoniter.RawMessage `json:"payload"`
	RetryAfter int                 `json:"retry_after"`
}

type recorder struct {
	mu     sync.Mutex
	frames map[string][]frame
}

func newRecorder() *recorder {
	return &recorder{frames: make(map[string][]frame)}
}

func (r *recorder) SendMessage(connID string, data []byte) error {
	var f frame
	if err := json.Unmarshal(data, &f); err != nil {
		return err
	}
	r.mu.Lock()
	r.frames[connID] = append(r.frames[connID], f)
	r.mu.Unlock()
	return nil
}

func (r *recorder) got(connID string) []frame {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]frame(nil), r.frames[connID]...)
}

func (r *recorder) last(t *testing.T, connID string) frame {
	t.Helper()
	fs := r.got(connID)
	require.NotEmpty(t, fs, "no frames for %s", connID)
	return fs[len(fs)-1]
}

type fixture struct {
	h     *Handler
	rec   *recorder
	relay *relay.Relay
	coord *coordinator.Coordinator
	store *session.MemoryStore
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	logger := zaptest.NewLogger(t)
	rec := newRecorder()
	r := relay.New(rec, relay.WithLogger(logger))
	store := session.NewMemoryStore()
	coord, err := coordinator.New(store, r, coordinator.DefaultConfig(), logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = coord.Close(context.Background()) })

	return &fixture{
		h:     New(coord, r, logger, opts...),
		rec:   rec,
		relay: r,
		coord: coord,
		store: store,
	}
}

func conn(id string) *ws.Connection {
	return &ws.Connection{ID: id}
}

func (f *fixture) create(t *testing.T, connID, participant string) string {
	t.Helper()
	f.h.CreateSession(context.Background(), conn(connID),
		protocol.CreateSessionMsg{ParticipantID: participant, Attribute: "white"})
	got := f.rec.last(t, connID)
	require.Equal(t, protocol.TypeSessionCreated, got.Type)
	require.NotNil(t, got.Session)
	return got.Session.SessionID
}

func TestCreateSession_RepliesAndSubscribes(t *testing.T) {
	f := newFixture(t)

	id := f.create(t, "c1", "alice")

	got := f.rec.last(t, "c1")
	assert.Equal(t, "alice", got.Session.FirstParticipantID)
	assert.Equal(t, "white", got.Session.Attribute)
	assert.Empty(t, got.Session.SecondParticipantID)
	assert.Equal(t, []string{id}, f.relay.Topics("c1"))
}

func TestCreateSession_Malformed(t *testing.T) {
	f := newFixture(t)

	f.h.CreateSession(context.Background(), conn("c1"), protocol.CreateSessionMsg{})

	got := f.rec.last(t, "c1")
	assert.Equal(t, protocol.TypeSessionCreationFailed, got.Type)
	assert.Equal(t, session.CodeMalformedEvent, got.Code)
	assert.Empty(t, f.relay.Topics("c1"))
}

func TestJoinSession_BroadcastsToBothSeats(t *testing.T) {
	f := newFixture(t)
	id := f.create(t, "c1", "alice")

	f.h.JoinSession(context.Background(), conn("c2"),
		protocol.JoinSessionMsg{SessionID: id, ParticipantID: "bob"})

	for _, c := range []string{"c1", "c2"} {
		got := f.rec.last(t, c)
		assert.Equal(t, protocol.TypeSessionJoined, got.Type, c)
		require.NotNil(t, got.Session, c)
		assert.Equal(t, "bob", got.Session.SecondParticipantID, c)
	}
	assert.ElementsMatch(t, []string{"c1", "c2"}, f.relay.Subscribers(id))
}

func TestJoinSession_UnknownSession(t *testing.T) {
	f := newFixture(t)
	f.create(t, "c1", "alice")

	f.h.JoinSession(context.Background(), conn("c2"),
		protocol.JoinSessionMsg{SessionID: "NOPE42", ParticipantID: "bob"})

	got := f.rec.last(t, "c2")
	assert.Equal(t, protocol.TypeJoinSessionFailed, got.Type)
	assert.Equal(t, session.CodeNotFound, got.Code)
	assert.Empty(t, f.relay.Topics("c2"))
	assert.Len(t, f.rec.got("c1"), 1)
}

func TestJoinSession_SeatTaken(t *testing.T) {
	f := newFixture(t)
	id := f.create(t, "c1", "alice")
	f.h.JoinSession(context.Background(), conn("c2"),
		protocol.JoinSessionMsg{SessionID: id, ParticipantID: "bob"})

	f.h.JoinSession(context.Background(), conn("c3"),
		protocol.JoinSessionMsg{SessionID: id, ParticipantID: "carol"})

	got := f.rec.last(t, "c3")
	assert.Equal(t, protocol.TypeJoinSessionFailed, got.Type)
	assert.Equal(t, session.CodeSeatTaken, got.Code)
	assert.Len(t, f.rec.got("c1"), 2)
	assert.Len(t, f.rec.got("c2"), 1)
	assert.NotContains(t, f.relay.Subscribers(id), "c3")
}

func TestRecordMove_RelaysAndPersists(t *testing.T) {
	f := newFixture(t)
	id := f.create(t, "c1", "alice")
	f.h.JoinSession(context.Background(), conn("c2"),
		protocol.JoinSessionMsg{SessionID: id, ParticipantID: "bob"})

	f.h.RecordMove(context.Background(), conn("c1"), protocol.RecordMoveMsg{
		SessionID:     id,
		ParticipantID: "alice",
		Payload:       jsoniter.RawMessage(`{"fen":"e4"}`),
	})

	for _, c := range []string{"c1", "c2"} {
		got := f.rec.last(t, c)
		assert.Equal(t, protocol.TypeMoveRecorded, got.Type, c)
		assert.Equal(t, id, got.SessionID, c)
		assert.Equal(t, "alice", got.SenderID, c)
		assert.JSONEq(t, `{"fen":"e4"}`, string(got.Payload), c)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, f.coord.Flush(ctx))

	f.h.GetSession(context.Background(), conn("c3"), protocol.GetSessionMsg{SessionID: id})
	got := f.rec.last(t, "c3")
	assert.Equal(t, protocol.TypeSessionDetails, got.Type)
	require.NotNil(t, got.Session)
	assert.JSONEq(t, `{"fen":"e4"}`, string(got.Session.State))
	assert.Contains(t, f.relay.Subscribers(id), "c3")
}

func TestRecordMove_SubscribesReconnectedSender(t *testing.T) {
	f := newFixture(t)
	id := f.create(t, "c1", "alice")

	f.h.RecordMove(context.Background(), conn("c9"), protocol.RecordMoveMsg{
		SessionID: id,
		Payload:   jsoniter.RawMessage(`[1,2]`),
	})

	assert.Equal(t, []string{id}, f.relay.Topics("c9"))
	assert.Equal(t, protocol.TypeMoveRecorded, f.rec.last(t, "c9").Type)
	assert.Equal(t, protocol.TypeMoveRecorded, f.rec.last(t, "c1").Type)
}

func TestRecordMove_MissingPayload(t *testing.T) {
	f := newFixture(t)
	id := f.create(t, "c1", "alice")

	f.h.RecordMove(context.Background(), conn("c1"), protocol.RecordMoveMsg{SessionID: id})

	got := f.rec.last(t, "c1")
	assert.Equal(t, protocol.TypeError, got.Type)
	assert.Equal(t, session.CodeMalformedEvent, got.Code)
}

func TestGetSession_Unknown(t *testing.T) {
	f := newFixture(t)

	f.h.GetSession(context.Background(), conn("c1"), protocol.GetSessionMsg{SessionID: "ZZZZZZ"})

	got := f.rec.last(t, "c1")
	assert.Equal(t, protocol.TypeSessionDetails, got.Type)
	assert.Nil(t, got.Session)
	assert.Equal(t, []string{"ZZZZZZ"}, f.relay.Topics("c1"))
}

func TestHandlers_IgnoreForeignMessages(t *testing.T) {
	f := newFixture(t)

	f.h.CreateSession(context.Background(), conn("c1"), protocol.GetSessionMsg{SessionID: "x"})
	f.h.JoinSession(context.Background(), conn("c1"), "not a message")
	f.h.RecordMove(context.Background(), conn("c1"), nil)
	f.h.GetSession(context.Background(), conn("c1"), protocol.CreateSessionMsg{})

	assert.Empty(t, f.rec.got("c1"))
	assert.Equal(t, 0, f.store.Count())
}

// denyLimiter rejects everything after the first allowed calls.
type denyLimiter struct {
	mu      sync.Mutex
	allowed int
	calls   int
}

func (l *denyLimiter) Allow(_ context.Context, _ string, _ ratelimit.Rule) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls++
	return l.calls <= l.allowed, nil
}

func (l *denyLimiter) RetryAfter(_ context.Context, _ string, _ ratelimit.Rule) time.Duration {
	return 1500 * time.Millisecond
}

func TestRateLimit_RejectsCreate(t *testing.T) {
	lim := &denyLimiter{allowed: 1}
	f := newFixture(t, WithRateLimit(lim, DefaultRules()))

	f.create(t, "c1", "alice")
	f.h.CreateSession(context.Background(), conn("c1"),
		protocol.CreateSessionMsg{ParticipantID: "alice", Attribute: "black"})

	got := f.rec.last(t, "c1")
	assert.Equal(t, protocol.TypeRateLimited, got.Type)
	assert.Equal(t, 2, got.RetryAfter)
	assert.Equal(t, 1, f.store.Count())
}

func TestRateLimit_DisabledRuleSkipsLimiter(t *testing.T) {
	lim := &denyLimiter{}
	f := newFixture(t, WithRateLimit(lim, Rules{}))

	f.create(t, "c1", "alice")

	assert.Equal(t, 0, lim.calls)
}

func TestRegister_RoutesThroughDispatcher(t *testing.T) {
	f := newFixture(t)
	d := ws.NewMessageDispatcher(zaptest.NewLogger(t))
	f.h.Register(d)

	d.Dispatch(conn("c1"), []byte(`{"type":"create-session","participant_id":"alice","attribute":"x"}`))

	got := f.rec.last(t, "c1")
	assert.Equal(t, protocol.TypeSessionCreated, got.Type)
}
