// Package pgstore is the PostgreSQL-backed session.Store. The seat claim is
// a single conditional UPDATE, so the row lock taken by Postgres makes
// concurrent claims for the same session serialize and all but one match
// zero rows.
package pgstore

import (
	"context"
	"database/sql"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/lib/pq"

	"github.com/whisper/duel-relay/internal/session"
)

// uniqueViolation is the Postgres SQLSTATE for duplicate keys.
const uniqueViolation = "23505"

// Store manages session records in PostgreSQL.
type Store struct {
	db *sql.DB
}

var _ session.Store = (*Store)(nil)

// New creates a store backed by the given database handle.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// Open connects with the lib/pq driver, verifies the connection and applies
// migrations.
func Open(ctx context.Context, dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, errors.Wrap(err, "pgstore: open")
	}
	db.SetMaxOpenConns(32)
	db.SetMaxIdleConns(8)
	db.SetConnMaxIdleTime(5 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "pgstore: ping")
	}
	if err := Migrate(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return New(db), nil
}

const selectColumns = `session_id, first_participant_id, second_participant_id, attribute, state, created_at`

func scanSession(row interface{ Scan(...any) error }) (*session.Session, error) {
	var (
		s      session.Session
		second sql.NullString
		state  []byte
	)
	if err := row.Scan(&s.ID, &s.FirstParticipantID, &second, &s.Attribute, &state, &s.CreatedAt); err != nil {
		return nil, err
	}
	s.SecondParticipantID = second.String
	if len(state) > 0 {
		s.State = state
	}
	s.CreatedAt = s.CreatedAt.UTC()
	return &s, nil
}

// Insert implements session.Store.
func (s *Store) Insert(ctx context.Context, sess *session.Session) error {
	const query = `
		INSERT INTO sessions (session_id, first_participant_id, second_participant_id, attribute, state, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`

	created := sess.CreatedAt
	if created.IsZero() {
		created = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, query,
		sess.ID,
		sess.FirstParticipantID,
		sql.NullString{String: sess.SecondParticipantID, Valid: sess.SecondParticipantID != ""},
		sess.Attribute,
		sess.State,
		created,
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
			return session.ErrDuplicateID
		}
		return session.StorageError(err, "insert")
	}
	return nil
}

// ClaimSecondSeat implements session.Store.
func (s *Store) ClaimSecondSeat(ctx context.Context, sessionID, participantID string) (*session.Session, error) {
	const query = `
		UPDATE sessions
		SET second_participant_id = $2
		WHERE session_id = $1 AND second_participant_id IS NULL
		RETURNING ` + selectColumns

	sess, err := scanSession(s.db.QueryRowContext(ctx, query, sessionID, participantID))
	if err == nil {
		return sess, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, session.StorageError(err, "claim seat")
	}

	// Nothing matched: either the session is missing or the seat is gone.
	var exists bool
	if err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM sessions WHERE session_id = $1)`, sessionID,
	).Scan(&exists); err != nil {
		return nil, session.StorageError(err, "claim seat lookup")
	}
	if !exists {
		return nil, session.ErrNotFound
	}
	return nil, session.ErrSeatTaken
}

// SetState implements session.Store.
func (s *Store) SetState(ctx context.Context, sessionID string, state []byte) error {
	res, err := s.db.ExecContext(ctx, `UPDATE sessions SET state = $2 WHERE session_id = $1`, sessionID, state)
	if err != nil {
		return session.StorageError(err, "set state")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return session.StorageError(err, "set state rows")
	}
	if n == 0 {
		return session.ErrNotFound
	}
	return nil
}

// Get implements session.Store.
func (s *Store) Get(ctx context.Context, sessionID string) (*session.Session, error) {
	sess, err := scanSession(s.db.QueryRowContext(ctx,
		`SELECT `+selectColumns+` FROM sessions WHERE session_id = $1`, sessionID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, session.ErrNotFound
	}
	if err != nil {
		return nil, session.StorageError(err, "get")
	}
	return sess, nil
}

// Close closes the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}
