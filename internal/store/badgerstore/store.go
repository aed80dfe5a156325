// Package badgerstore is an embedded, on-disk session.Store for single-node
// deployments. Records are JSON values under "session:<id>". The seat claim
// runs in a read-write transaction; Badger's conflict detection aborts the
// losing commit and the claim is retried against the fresh record.
package badgerstore

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/dgraph-io/badger/v4"
	jsoniter "github.com/json-iterator/go"

	"github.com/whisper/duel-relay/internal/session"
)

const (
	keyPrefix = "session:"

	// maxConflictRetries bounds retries of a transaction that lost a race.
	maxConflictRetries = 16
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

type record struct {
	ID        string `json:"session_id"`
	First     string `json:"first_participant_id"`
	Second    string `json:"second_participant_id,omitempty"`
	Attribute string `json:"attribute"`
	State     []byte `json:"state,omitempty"`
	CreatedAt int64  `json:"created_at"`
}

func fromSession(s *session.Session) record {
	created := s.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}
	return record{
		ID:        s.ID,
		First:     s.FirstParticipantID,
		Second:    s.SecondParticipantID,
		Attribute: s.Attribute,
		State:     s.State,
		CreatedAt: created.UnixMilli(),
	}
}

func (r record) toSession() *session.Session {
	return &session.Session{
		ID:                  r.ID,
		FirstParticipantID:  r.First,
		SecondParticipantID: r.Second,
		Attribute:           r.Attribute,
		State:               r.State,
		CreatedAt:           time.UnixMilli(r.CreatedAt).UTC(),
	}
}

// Store persists sessions in BadgerDB.
type Store struct {
	db     *badger.DB
	ownsDB bool
}

var _ session.Store = (*Store)(nil)

// New wraps an open Badger database. Close does not close it.
func New(db *badger.DB) *Store {
	return &Store{db: db}
}

// Open opens (or creates) a Badger database at path. An empty path opens an
// in-memory database.
func Open(path string) (*Store, error) {
	opts := badger.DefaultOptions(path).WithLogger(nil)
	if path == "" {
		opts = opts.WithInMemory(true)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, errors.Wrapf(err, "badgerstore: open %q", path)
	}
	return &Store{db: db, ownsDB: true}, nil
}

func key(sessionID string) []byte {
	return []byte(keyPrefix + sessionID)
}

func readRecord(txn *badger.Txn, sessionID string) (record, error) {
	var r record
	item, err := txn.Get(key(sessionID))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return r, session.ErrNotFound
	}
	if err != nil {
		return r, err
	}
	err = item.Value(func(v []byte) error {
		return json.Unmarshal(v, &r)
	})
	return r, err
}

func writeRecord(txn *badger.Txn, r record) error {
	data, err := json.Marshal(r)
	if err != nil {
		return errors.Wrap(err, "badgerstore: marshal record")
	}
	return txn.Set(key(r.ID), data)
}

// update runs fn in a read-write transaction, retrying on commit conflicts.
// Domain errors returned by fn pass through unchanged.
func (s *Store) update(ctx context.Context, op string, fn func(txn *badger.Txn) error) error {
	for attempt := 0; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return session.StorageError(err, op)
		}
		err := s.db.Update(fn)
		switch {
		case err == nil:
			return nil
		case errors.Is(err, badger.ErrConflict) && attempt < maxConflictRetries:
			continue
		case errors.IsAny(err, session.ErrNotFound, session.ErrSeatTaken, session.ErrDuplicateID):
			return err
		default:
			return session.StorageError(err, op)
		}
	}
}

// Insert implements session.Store.
func (s *Store) Insert(ctx context.Context, sess *session.Session) error {
	return s.update(ctx, "insert", func(txn *badger.Txn) error {
		if _, err := readRecord(txn, sess.ID); err == nil {
			return session.ErrDuplicateID
		} else if !errors.Is(err, session.ErrNotFound) {
			return err
		}
		return writeRecord(txn, fromSession(sess))
	})
}

// ClaimSecondSeat implements session.Store.
func (s *Store) ClaimSecondSeat(ctx context.Context, sessionID, participantID string) (*session.Session, error) {
	var claimed record
	err := s.update(ctx, "claim seat", func(txn *badger.Txn) error {
		r, err := readRecord(txn, sessionID)
		if err != nil {
			return err
		}
		if r.Second != "" {
			return session.ErrSeatTaken
		}
		r.Second = participantID
		claimed = r
		return writeRecord(txn, r)
	})
	if err != nil {
		return nil, err
	}
	return claimed.toSession(), nil
}

// SetState implements session.Store.
func (s *Store) SetState(ctx context.Context, sessionID string, state []byte) error {
	return s.update(ctx, "set state", func(txn *badger.Txn) error {
		r, err := readRecord(txn, sessionID)
		if err != nil {
			return err
		}
		r.State = append([]byte(nil), state...)
		return writeRecord(txn, r)
	})
}

// Get implements session.Store.
func (s *Store) Get(ctx context.Context, sessionID string) (*session.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, session.StorageError(err, "get")
	}
	var r record
	err := s.db.View(func(txn *badger.Txn) error {
		var err error
		r, err = readRecord(txn, sessionID)
		return err
	})
	if errors.Is(err, session.ErrNotFound) {
		return nil, session.ErrNotFound
	}
	if err != nil {
		return nil, session.StorageError(err, "get")
	}
	return r.toSession(), nil
}

// Close closes the database if this store opened it.
func (s *Store) Close() error {
	if !s.ownsDB {
		return nil
	}
	return s.db.Close()
}
