// Package protocol defines the WebSocket message types and structures used for
// communication between the client and server. All messages are serialized as
// JSON and follow a consistent envelope format with a type discriminator.
package protocol

import (
	"bytes"

	"github.com/cockroachdb/errors"
	"github.com/go-playground/validator/v10"
	jsoniter "github.com/json-iterator/go"

	"github.com/whisper/duel-relay/internal/session"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// ---------------------------------------------------------------------------
// Message type constants
// ---------------------------------------------------------------------------

// Client -> Server message types.
const (
	TypeCreateSession = "create-session"
	TypeJoinSession   = "join-session"
	TypeRecordMove    = "record-move"
	TypeGetSession    = "get-session"
	TypeLivenessProbe = "liveness-probe"
)

// Server -> Client message types.
const (
	TypeSessionCreated        = "session-created"
	TypeSessionCreationFailed = "session-creation-failed"
	TypeSessionJoined         = "session-joined"
	TypeJoinSessionFailed     = "join-session-failed"
	TypeMoveRecorded          = "move-recorded"
	TypeSessionDetails        = "session-details"
	TypeRateLimited           = "rate-limited"
	TypeError                 = "error"
)

// ---------------------------------------------------------------------------
// Envelope is used for initial JSON parsing to extract the type discriminator.
// ---------------------------------------------------------------------------

// Envelope holds the message type and the raw JSON payload for deferred
// parsing into a concrete struct.
type Envelope struct {
	Type string              `json:"type"`
	Raw  jsoniter.RawMessage `json:"-"`
}

// UnmarshalJSON implements the json.Unmarshaler interface. It captures the
// full raw bytes and extracts only the "type" field so that the rest of the
// payload can be decoded later into the appropriate concrete struct.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	e.Raw = make(jsoniter.RawMessage, len(data))
	copy(e.Raw, data)

	var partial struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &partial); err != nil {
		return errors.Wrap(err, "protocol: failed to unmarshal envelope")
	}
	if partial.Type == "" {
		return errors.New(`protocol: missing or empty "type" field`)
	}
	e.Type = partial.Type
	return nil
}

// ---------------------------------------------------------------------------
// Client -> Server message structs
// ---------------------------------------------------------------------------

// CreateSessionMsg opens a new session with the sender in the first seat.
type CreateSessionMsg struct {
	Type          string `json:"type"`
	ParticipantID string `json:"participant_id" validate:"required,max=128"`
	Attribute     string `json:"attribute" validate:"required,max=64"`
}

// JoinSessionMsg claims the second seat of an existing session.
type JoinSessionMsg struct {
	Type          string `json:"type"`
	SessionID     string `json:"session_id" validate:"required,max=64"`
	ParticipantID string `json:"participant_id" validate:"required,max=128"`
}

// RecordMoveMsg carries a new state snapshot for a session. The payload is
// opaque and relayed byte-for-byte.
type RecordMoveMsg struct {
	Type          string              `json:"type"`
	SessionID     string              `json:"session_id" validate:"required,max=64"`
	ParticipantID string              `json:"participant_id" validate:"max=128"`
	Payload       jsoniter.RawMessage `json:"payload" validate:"jsonvalue"`
}

// GetSessionMsg requests the current record of a session.
type GetSessionMsg struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id" validate:"required,max=64"`
}

// LivenessProbeMsg is an application-level keepalive. Raw holds the exact
// frame so it can be echoed back unchanged.
type LivenessProbeMsg struct {
	Type string              `json:"type"`
	Raw  jsoniter.RawMessage `json:"-"`
}

// ---------------------------------------------------------------------------
// Server -> Client message structs
// ---------------------------------------------------------------------------

// Session is the wire form of a session record.
type Session struct {
	SessionID           string              `json:"session_id"`
	FirstParticipantID  string              `json:"first_participant_id"`
	SecondParticipantID string              `json:"second_participant_id,omitempty"`
	Attribute           string              `json:"attribute"`
	State               jsoniter.RawMessage `json:"state,omitempty"`
}

// FromSession converts a session record to its wire form. A nil record
// yields nil.
func FromSession(s *session.Session) *Session {
	if s == nil {
		return nil
	}
	out := &Session{
		SessionID:           s.ID,
		FirstParticipantID:  s.FirstParticipantID,
		SecondParticipantID: s.SecondParticipantID,
		Attribute:           s.Attribute,
	}
	if len(s.State) > 0 && json.Valid(s.State) {
		out.State = jsoniter.RawMessage(s.State)
	}
	return out
}

// SessionMsg carries a session record. Used for session-created,
// session-joined and session-details; Session is null in session-details
// when the lookup failed.
type SessionMsg struct {
	Session *Session `json:"session"`
}

// FailureMsg reports a per-request failure to the requester.
type FailureMsg struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// MoveRecordedMsg is broadcast to a session topic for every accepted move.
type MoveRecordedMsg struct {
	SessionID string              `json:"session_id"`
	SenderID  string              `json:"sender_id,omitempty"`
	Payload   jsoniter.RawMessage `json:"payload"`
}

// RateLimitedMsg is sent by the server when the client has been rate-limited.
type RateLimitedMsg struct {
	RetryAfter int `json:"retry_after"`
}

// ErrorMsg is sent by the server to communicate an error condition.
type ErrorMsg struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ---------------------------------------------------------------------------
// Helper functions
// ---------------------------------------------------------------------------

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	// jsonvalue rejects absent and null JSON values.
	_ = v.RegisterValidation("jsonvalue", func(fl validator.FieldLevel) bool {
		raw := bytes.TrimSpace(fl.Field().Bytes())
		return len(raw) > 0 && !bytes.Equal(raw, []byte("null"))
	})
	return v
}

func decode(raw []byte, dst interface{}) error {
	if err := json.Unmarshal(raw, dst); err != nil {
		return err
	}
	return validate.Struct(dst)
}

// ParseClientMessage parses raw WebSocket bytes into a typed client message.
// It returns the message type string, the decoded struct, and any error
// encountered during parsing. Every returned error is marked
// session.ErrMalformedEvent.
func ParseClientMessage(data []byte) (string, interface{}, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", nil, errors.Mark(errors.Wrap(err, "protocol: failed to parse message"), session.ErrMalformedEvent)
	}

	var (
		msg interface{}
		err error
	)

	switch env.Type {
	case TypeCreateSession:
		var m CreateSessionMsg
		err = decode(env.Raw, &m)
		msg = m
	case TypeJoinSession:
		var m JoinSessionMsg
		err = decode(env.Raw, &m)
		msg = m
	case TypeRecordMove:
		var m RecordMoveMsg
		err = decode(env.Raw, &m)
		msg = m
	case TypeGetSession:
		var m GetSessionMsg
		err = decode(env.Raw, &m)
		msg = m
	case TypeLivenessProbe:
		msg = LivenessProbeMsg{Type: env.Type, Raw: env.Raw}
	default:
		return env.Type, nil, session.Malformed("protocol: unknown client message type: %q", env.Type)
	}

	if err != nil {
		return env.Type, nil, errors.Mark(errors.Wrapf(err, "protocol: failed to decode %q payload", env.Type), session.ErrMalformedEvent)
	}
	return env.Type, msg, nil
}

// NewServerMessage creates a JSON-encoded byte slice for a server message.
// The payload must encode to a JSON object (or be nil); msgType is written
// as its leading "type" key. Raw fields inside the payload are kept verbatim.
func NewServerMessage(msgType string, payload interface{}) ([]byte, error) {
	typeField, err := json.Marshal(msgType)
	if err != nil {
		return nil, errors.Wrap(err, "protocol: failed to marshal type")
	}

	var buf bytes.Buffer
	buf.WriteString(`{"type":`)
	buf.Write(typeField)

	if payload == nil {
		buf.WriteByte('}')
		return buf.Bytes(), nil
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, errors.Wrap(err, "protocol: failed to marshal payload")
	}
	raw = bytes.TrimSpace(raw)
	if len(raw) < 2 || raw[0] != '{' {
		return nil, errors.Newf("protocol: payload for %q is not a JSON object", msgType)
	}

	body := bytes.TrimSpace(raw[1:])
	if body[0] != '}' {
		buf.WriteByte(',')
	}
	buf.Write(body)
	return buf.Bytes(), nil
}

// NewFailure builds a failure reply of the given type from err, using the
// session error taxonomy for the code.
func NewFailure(msgType string, err error) ([]byte, error) {
	return NewServerMessage(msgType, FailureMsg{
		Code:    session.Code(err),
		Message: session.Reason(err),
	})
}
