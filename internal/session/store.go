//go:generate go run go.uber.org/mock/mockgen -source=store.go -destination=mocks/mock_store.go -package=mocks
package session

import "context"

// Store is the durable keyed record of sessions.
//
// ClaimSecondSeat is the only operation that must be atomic: it sets the
// second participant only if the seat is still open, and returns ErrSeatTaken
// otherwise. SetState is an unconditional overwrite. Backend failures are
// marked with ErrStorageFailure.
type Store interface {
	// Insert persists a new session. Returns ErrDuplicateID if the id exists.
	Insert(ctx context.Context, s *Session) error

	// ClaimSecondSeat sets the second participant if the seat is open and
	// returns the updated record. Returns ErrNotFound or ErrSeatTaken.
	ClaimSecondSeat(ctx context.Context, sessionID, participantID string) (*Session, error)

	// SetState replaces the stored state snapshot. Returns ErrNotFound if the
	// session does not exist.
	SetState(ctx context.Context, sessionID string, state []byte) error

	// Get returns the session or ErrNotFound.
	Get(ctx context.Context, sessionID string) (*Session, error)

	// Close releases backend resources.
	Close() error
}
