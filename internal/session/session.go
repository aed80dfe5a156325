// Package session defines the paired-session record shared by the coordinator
// and every storage backend: the Session type, the Store contract, the error
// taxonomy, and session code generation.
package session

import "time"

// Session is the coordination record for one paired real-time interaction.
// SecondParticipantID is empty until a join succeeds. State holds the last
// recorded opaque snapshot and is empty until the first move.
type Session struct {
	ID                  string
	FirstParticipantID  string
	SecondParticipantID string
	Attribute           string
	State               []byte
	CreatedAt           time.Time
}

// New returns a freshly created session with no second participant and no
// state.
func New(id, participantID, attribute string) *Session {
	return &Session{
		ID:                 id,
		FirstParticipantID: participantID,
		Attribute:          attribute,
		CreatedAt:          time.Now().UTC(),
	}
}

// Joined reports whether the second seat has been claimed.
func (s *Session) Joined() bool {
	return s.SecondParticipantID != ""
}

// Clone returns a deep copy so callers can hand records across goroutines.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	c := *s
	if s.State != nil {
		c.State = append([]byte(nil), s.State...)
	}
	return &c
}
