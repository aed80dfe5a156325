// Package sessiontest holds the behavioural contract every session.Store
// backend must satisfy.
package sessiontest

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"

	"github.com/whisper/duel-relay/internal/session"
)

// Factory returns a fresh, empty store for one subtest.
type Factory func(t *testing.T) session.Store

// Run exercises the Store contract against stores produced by newStore.
func Run(t *testing.T, newStore Factory) {
	t.Run("InsertAndGet", func(t *testing.T) { testInsertAndGet(t, newStore(t)) })
	t.Run("InsertDuplicate", func(t *testing.T) { testInsertDuplicate(t, newStore(t)) })
	t.Run("GetMissing", func(t *testing.T) { testGetMissing(t, newStore(t)) })
	t.Run("ClaimSecondSeat", func(t *testing.T) { testClaim(t, newStore(t)) })
	t.Run("ClaimMissing", func(t *testing.T) { testClaimMissing(t, newStore(t)) })
	t.Run("ConcurrentClaim", func(t *testing.T) { testConcurrentClaim(t, newStore(t)) })
	t.Run("SetState", func(t *testing.T) { testSetState(t, newStore(t)) })
	t.Run("SetStateMissing", func(t *testing.T) { testSetStateMissing(t, newStore(t)) })
}

func newSession(t *testing.T, participant, attribute string) *session.Session {
	t.Helper()
	code, err := session.NewCode(session.DefaultCodeLength)
	require.NoError(t, err)
	return session.New(code, participant, attribute)
}

func testInsertAndGet(t *testing.T, store session.Store) {
	req := require.New(t)
	ctx := context.Background()
	s := newSession(t, "p1", "white")

	req.NoError(store.Insert(ctx, s))

	got, err := store.Get(ctx, s.ID)
	req.NoError(err)
	req.Equal(s.ID, got.ID)
	req.Equal("p1", got.FirstParticipantID)
	req.Equal("white", got.Attribute)
	req.Empty(got.SecondParticipantID)
	req.Empty(got.State)
	req.False(got.Joined())
}

func testInsertDuplicate(t *testing.T, store session.Store) {
	req := require.New(t)
	ctx := context.Background()
	s := newSession(t, "p1", "white")

	req.NoError(store.Insert(ctx, s))
	err := store.Insert(ctx, session.New(s.ID, "p9", "black"))
	req.True(errors.Is(err, session.ErrDuplicateID), "got %v", err)

	got, err := store.Get(ctx, s.ID)
	req.NoError(err)
	req.Equal("p1", got.FirstParticipantID, "duplicate insert must not overwrite")
}

func testGetMissing(t *testing.T, store session.Store) {
	_, err := store.Get(context.Background(), "nope42")
	require.True(t, errors.Is(err, session.ErrNotFound), "got %v", err)
}

func testClaim(t *testing.T, store session.Store) {
	req := require.New(t)
	ctx := context.Background()
	s := newSession(t, "p1", "white")
	req.NoError(store.Insert(ctx, s))

	joined, err := store.ClaimSecondSeat(ctx, s.ID, "p2")
	req.NoError(err)
	req.Equal("p1", joined.FirstParticipantID)
	req.Equal("p2", joined.SecondParticipantID)
	req.Equal("white", joined.Attribute)

	_, err = store.ClaimSecondSeat(ctx, s.ID, "p3")
	req.True(errors.Is(err, session.ErrSeatTaken), "got %v", err)

	got, err := store.Get(ctx, s.ID)
	req.NoError(err)
	req.Equal("p2", got.SecondParticipantID, "seat must be immutable once claimed")
}

func testClaimMissing(t *testing.T, store session.Store) {
	_, err := store.ClaimSecondSeat(context.Background(), "nope42", "p2")
	require.True(t, errors.Is(err, session.ErrNotFound), "got %v", err)
	require.False(t, errors.Is(err, session.ErrSeatTaken))
}

func testConcurrentClaim(t *testing.T, store session.Store) {
	req := require.New(t)
	ctx := context.Background()
	s := newSession(t, "p1", "white")
	req.NoError(store.Insert(ctx, s))

	const contenders = 16
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		winners []string
		taken   int
		other   []error
	)
	start := make(chan struct{})
	for i := 0; i < contenders; i++ {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			<-start
			joined, err := store.ClaimSecondSeat(ctx, s.ID, id)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				winners = append(winners, joined.SecondParticipantID)
			case errors.Is(err, session.ErrSeatTaken):
				taken++
			default:
				other = append(other, err)
			}
		}(fmt.Sprintf("joiner-%d", i))
	}
	close(start)
	wg.Wait()

	req.Empty(other)
	req.Len(winners, 1)
	req.Equal(contenders-1, taken)

	got, err := store.Get(ctx, s.ID)
	req.NoError(err)
	req.Equal(winners[0], got.SecondParticipantID)
}

func testSetState(t *testing.T, store session.Store) {
	req := require.New(t)
	ctx := context.Background()
	s := newSession(t, "p1", "white")
	req.NoError(store.Insert(ctx, s))

	req.NoError(store.SetState(ctx, s.ID, []byte(`{"board":"A"}`)))
	req.NoError(store.SetState(ctx, s.ID, []byte(`{"board":"X"}`)))

	got, err := store.Get(ctx, s.ID)
	req.NoError(err)
	req.JSONEq(`{"board":"X"}`, string(got.State))
	req.Equal("p1", got.FirstParticipantID)
}

func testSetStateMissing(t *testing.T, store session.Store) {
	err := store.SetState(context.Background(), "nope42", []byte(`{}`))
	require.True(t, errors.Is(err, session.ErrNotFound), "got %v", err)
}
