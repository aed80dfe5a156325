// Package redisstore is the Redis-backed session.Store. Each session is a
// hash keyed by its code:
//
//	Key:    duel:session:<id>
//	Fields: session_id, first_participant_id, second_participant_id,
//	        attribute, state, created_at
//
// Insert, seat claim and state writes run as Lua scripts so the existence
// check and the write are a single atomic step on the server.
package redisstore

import (
	"context"
	"strconv"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/redis/go-redis/v9"

	"github.com/whisper/duel-relay/internal/session"
)

// SessionPrefix is the Redis key prefix for all session hashes.
const SessionPrefix = "duel:session:"

// record mirrors the stored hash.
type record struct {
	ID        string `redis:"session_id"`
	First     string `redis:"first_participant_id"`
	Second    string `redis:"second_participant_id"`
	Attribute string `redis:"attribute"`
	State     string `redis:"state"`
	CreatedAt int64  `redis:"created_at"` // unix millis
}

// recordFromPairs decodes a flat HGETALL field/value reply.
func recordFromPairs(pairs []interface{}) (record, error) {
	var r record
	if len(pairs)%2 != 0 {
		return r, errors.Newf("odd hash reply length %d", len(pairs))
	}
	for i := 0; i < len(pairs); i += 2 {
		field, _ := pairs[i].(string)
		value, _ := pairs[i+1].(string)
		switch field {
		case "session_id":
			r.ID = value
		case "first_participant_id":
			r.First = value
		case "second_participant_id":
			r.Second = value
		case "attribute":
			r.Attribute = value
		case "state":
			r.State = value
		case "created_at":
			ms, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return r, errors.Wrap(err, "created_at")
			}
			r.CreatedAt = ms
		}
	}
	return r, nil
}

func (r record) toSession() *session.Session {
	s := &session.Session{
		ID:                  r.ID,
		FirstParticipantID:  r.First,
		SecondParticipantID: r.Second,
		Attribute:           r.Attribute,
		CreatedAt:           time.UnixMilli(r.CreatedAt).UTC(),
	}
	if r.State != "" {
		s.State = []byte(r.State)
	}
	return s
}

// Store manages session records in Redis.
type Store struct {
	client      *redis.Client
	ownsClient  bool
	insertLua   *redis.Script
	claimLua    *redis.Script
	setStateLua *redis.Script
}

var _ session.Store = (*Store)(nil)

// New creates a Store on an existing client. Close does not close a client
// passed in here.
func New(client *redis.Client) *Store {
	return &Store{
		client:      client,
		insertLua:   redis.NewScript(insertSessionLua),
		claimLua:    redis.NewScript(claimSeatLua),
		setStateLua: redis.NewScript(setStateLua),
	}
}

// Dial connects to Redis, verifies the connection and returns a Store that
// owns the client.
func Dial(ctx context.Context, opts *redis.Options) (*Store, error) {
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, errors.Wrap(err, "redisstore: redis connection failed")
	}

	s := New(client)
	s.ownsClient = true
	return s, nil
}

// Insert implements session.Store.
func (s *Store) Insert(ctx context.Context, sess *session.Session) error {
	created := sess.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}
	res, err := s.insertLua.Run(ctx, s.client, []string{SessionPrefix + sess.ID},
		sess.ID,
		sess.FirstParticipantID,
		sess.SecondParticipantID,
		sess.Attribute,
		string(sess.State),
		created.UnixMilli(),
	).Int()
	if err != nil {
		return session.StorageError(err, "insert")
	}
	if res == 0 {
		return session.ErrDuplicateID
	}
	return nil
}

// ClaimSecondSeat implements session.Store. The script returns the updated
// hash itself, so a successful claim never depends on a second round trip.
func (s *Store) ClaimSecondSeat(ctx context.Context, sessionID, participantID string) (*session.Session, error) {
	res, err := s.claimLua.Run(ctx, s.client, []string{SessionPrefix + sessionID}, participantID).Result()
	if err != nil {
		return nil, session.StorageError(err, "claim seat")
	}
	switch v := res.(type) {
	case int64:
		if v == -1 {
			return nil, session.ErrNotFound
		}
		return nil, session.ErrSeatTaken
	case []interface{}:
		r, err := recordFromPairs(v)
		if err != nil {
			return nil, session.StorageError(err, "claim seat")
		}
		return r.toSession(), nil
	}
	return nil, session.StorageError(errors.Newf("unexpected reply %T", res), "claim seat")
}

// SetState implements session.Store.
func (s *Store) SetState(ctx context.Context, sessionID string, state []byte) error {
	res, err := s.setStateLua.Run(ctx, s.client, []string{SessionPrefix + sessionID}, string(state)).Int()
	if err != nil {
		return session.StorageError(err, "set state")
	}
	if res == 0 {
		return session.ErrNotFound
	}
	return nil
}

// Get implements session.Store.
func (s *Store) Get(ctx context.Context, sessionID string) (*session.Session, error) {
	var r record
	if err := s.client.HGetAll(ctx, SessionPrefix+sessionID).Scan(&r); err != nil {
		return nil, session.StorageError(err, "get")
	}
	if r.ID == "" {
		return nil, session.ErrNotFound
	}
	return r.toSession(), nil
}

// Delete removes a session. Used by tests and operators; the coordinator
// never retires sessions itself.
func (s *Store) Delete(ctx context.Context, sessionID string) error {
	if err := s.client.Del(ctx, SessionPrefix+sessionID).Err(); err != nil {
		return session.StorageError(err, "delete")
	}
	return nil
}

// Client returns the underlying Redis client for use by other packages.
func (s *Store) Client() *redis.Client {
	return s.client
}

// Close closes the Redis connection if this store opened it.
func (s *Store) Close() error {
	if !s.ownsClient {
		return nil
	}
	return s.client.Close()
}

// insertSessionLua writes the hash only if the key does not exist yet.
const insertSessionLua = `
if redis.call('EXISTS', KEYS[1]) == 1 then return 0 end
redis.call('HSET', KEYS[1],
    'session_id', ARGV[1],
    'first_participant_id', ARGV[2],
    'second_participant_id', ARGV[3],
    'attribute', ARGV[4],
    'state', ARGV[5],
    'created_at', ARGV[6])
return 1
`

// claimSeatLua sets the second participant only while the seat is open and
// replies with the updated hash.
//
//	hash = claimed
//	   0 = seat already taken
//	  -1 = session not found
const claimSeatLua = `
local key = KEYS[1]
local first = redis.call('HGET', key, 'first_participant_id')
if not first then return -1 end

local second = redis.call('HGET', key, 'second_participant_id')
if second and second ~= '' then return 0 end

redis.call('HSET', key, 'second_participant_id', ARGV[1])
return redis.call('HGETALL', key)
`

// setStateLua overwrites the state of an existing session.
const setStateLua = `
if redis.call('EXISTS', KEYS[1]) == 0 then return 0 end
redis.call('HSET', KEYS[1], 'state', ARGV[1])
return 1
`
