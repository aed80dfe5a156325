package badgerstore

import (
	"context"
	"testing"

	"github.com/dgraph-io/badger/v4"
	"github.com/stretchr/testify/require"

	"github.com/whisper/duel-relay/internal/session"
	"github.com/whisper/duel-relay/internal/session/sessiontest"
)

// setupTestDB initializes an in-memory Badger instance for testing.
func setupTestDB(t *testing.T) *badger.DB {
	t.Helper()
	opts := badger.DefaultOptions("").WithInMemory(true).WithLogger(nil)
	db, err := badger.Open(opts)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestStore_Contract(t *testing.T) {
	sessiontest.Run(t, func(t *testing.T) session.Store {
		return New(setupTestDB(t))
	})
}

func TestStore_PersistsAcrossReopen(t *testing.T) {
	req := require.New(t)
	dir := t.TempDir()
	ctx := context.Background()

	store, err := Open(dir)
	req.NoError(err)
	req.NoError(store.Insert(ctx, session.New("Keep42", "p1", "white")))
	_, err = store.ClaimSecondSeat(ctx, "Keep42", "p2")
	req.NoError(err)
	req.NoError(store.SetState(ctx, "Keep42", []byte(`{"board":"X"}`)))
	req.NoError(store.Close())

	reopened, err := Open(dir)
	req.NoError(err)
	defer reopened.Close()

	got, err := reopened.Get(ctx, "Keep42")
	req.NoError(err)
	req.Equal("p2", got.SecondParticipantID)
	req.JSONEq(`{"board":"X"}`, string(got.State))
}

func TestStore_CanceledContext(t *testing.T) {
	store := New(setupTestDB(t))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := store.Get(ctx, "whatever")
	require.Error(t, err)
	require.Equal(t, session.CodeStorageFailure, session.Code(err))
}
