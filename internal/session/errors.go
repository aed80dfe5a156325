package session

import (
	"github.com/cockroachdb/errors"
)

// Error taxonomy. NotFound, SeatTaken and MalformedEvent are per-request
// errors reported only to the requester. StorageFailure is a marker applied to
// wrapped backend errors.
var (
	ErrNotFound       = errors.New("session not found")
	ErrSeatTaken      = errors.New("session seat already taken")
	ErrStorageFailure = errors.New("session storage failure")
	ErrMalformedEvent = errors.New("malformed event")

	// ErrDuplicateID is returned by Store.Insert when the id is already used.
	ErrDuplicateID = errors.New("session id already exists")
)

// Reply codes sent to clients alongside a failure event.
const (
	CodeNotFound       = "not_found"
	CodeSeatTaken      = "seat_taken"
	CodeStorageFailure = "storage_failure"
	CodeMalformedEvent = "malformed_event"
	CodeInternal       = "internal_error"
)

// StorageError wraps a backend error and marks it as ErrStorageFailure.
func StorageError(err error, op string) error {
	if err == nil {
		return nil
	}
	return errors.Mark(errors.Wrapf(err, "session store: %s", op), ErrStorageFailure)
}

// Malformed builds an ErrMalformedEvent carrying a human-readable reason.
func Malformed(format string, args ...interface{}) error {
	return errors.Mark(errors.Newf(format, args...), ErrMalformedEvent)
}

// Code maps an error onto its client reply code.
func Code(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrNotFound):
		return CodeNotFound
	case errors.Is(err, ErrSeatTaken):
		return CodeSeatTaken
	case errors.Is(err, ErrMalformedEvent):
		return CodeMalformedEvent
	case errors.Is(err, ErrStorageFailure):
		return CodeStorageFailure
	default:
		return CodeInternal
	}
}

// Reason returns the message shown to the requesting client. Storage errors
// are not echoed verbatim so backend details stay server-side.
func Reason(err error) string {
	switch Code(err) {
	case CodeNotFound:
		return "invalid or unknown session id"
	case CodeSeatTaken:
		return "session is already full"
	case CodeStorageFailure:
		return "session storage unavailable"
	case CodeMalformedEvent:
		return err.Error()
	default:
		return "internal error"
	}
}
