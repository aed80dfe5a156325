package session_test

import (
	"testing"

	"github.com/whisper/duel-relay/internal/session"
	"github.com/whisper/duel-relay/internal/session/sessiontest"
)

func TestMemoryStore(t *testing.T) {
	sessiontest.Run(t, func(t *testing.T) session.Store {
		return session.NewMemoryStore()
	})
}
