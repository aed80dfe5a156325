package coordinator

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/cockroachdb/errors"
	"github.com/panjf2000/ants/v2"
	"go.uber.org/zap"

	"github.com/whisper/duel-relay/internal/metrics"
	"github.com/whisper/duel-relay/internal/session"
)

// stateWriter persists session state behind the live relay. Each session has
// a one-slot mailbox holding the newest payload not yet written; a newer move
// replaces an older pending one. At most one drain task per session runs at a
// time, so a session's writes reach the store in acceptance order and the
// newest payload is always written last.
type stateWriter struct {
	store   session.Store
	pool    *ants.Pool
	timeout time.Duration
	retries uint64
	logger  *zap.Logger

	mu       sync.Mutex
	pending  map[string][]byte
	active   map[string]struct{}
	inflight int
	idle     chan struct{} // closed while inflight == 0
	closed   bool
}

func newStateWriter(store session.Store, workers int, timeout time.Duration, retries uint64, logger *zap.Logger) (*stateWriter, error) {
	w := &stateWriter{
		store:   store,
		timeout: timeout,
		retries: retries,
		logger:  logger,
		pending: make(map[string][]byte),
		active:  make(map[string]struct{}),
		idle:    make(chan struct{}),
	}
	close(w.idle)

	pool, err := ants.NewPool(workers, ants.WithPanicHandler(func(p interface{}) {
		logger.Error("state writer task panicked", zap.Any("panic", p))
	}))
	if err != nil {
		return nil, errors.Wrap(err, "coordinator: create persist pool")
	}
	w.pool = pool
	return w, nil
}

// Enqueue schedules payload as the next state of sessionID.
func (w *stateWriter) Enqueue(sessionID string, payload []byte) {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		w.logger.Warn("state write dropped after close", zap.String("session_id", sessionID))
		return
	}
	if _, ok := w.pending[sessionID]; ok {
		metrics.PersistCoalesced.Inc()
	}
	w.pending[sessionID] = payload
	if _, running := w.active[sessionID]; running {
		w.mu.Unlock()
		return
	}
	w.active[sessionID] = struct{}{}
	if w.inflight == 0 {
		w.idle = make(chan struct{})
	}
	w.inflight++
	w.mu.Unlock()

	if err := w.pool.Submit(func() { w.drain(sessionID) }); err != nil {
		w.logger.Warn("persist pool rejected task, draining inline",
			zap.String("session_id", sessionID), zap.Error(err))
		go w.drain(sessionID)
	}
}

// drain writes the session's pending payloads until its mailbox is empty.
func (w *stateWriter) drain(sessionID string) {
	for {
		w.mu.Lock()
		payload, ok := w.pending[sessionID]
		if !ok {
			delete(w.active, sessionID)
			w.inflight--
			if w.inflight == 0 {
				close(w.idle)
			}
			w.mu.Unlock()
			return
		}
		delete(w.pending, sessionID)
		w.mu.Unlock()

		w.write(sessionID, payload)
	}
}

func (w *stateWriter) write(sessionID string, payload []byte) {
	start := time.Now()
	defer func() {
		if p := recover(); p != nil {
			metrics.PersistFailures.Inc()
			w.logger.Error("state write panicked", zap.String("session_id", sessionID), zap.Any("panic", p))
		}
	}()

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 50 * time.Millisecond
	policy.MaxInterval = time.Second

	attempts := 0
	err := backoff.Retry(func() error {
		attempts++
		ctx, cancel := context.WithTimeout(context.Background(), w.timeout)
		defer cancel()
		err := w.store.SetState(ctx, sessionID, payload)
		if errors.Is(err, session.ErrNotFound) {
			return backoff.Permanent(err)
		}
		return err
	}, backoff.WithMaxRetries(policy, w.retries))

	metrics.PersistLatency.Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.PersistFailures.Inc()
		w.logger.Warn("state write failed",
			zap.String("session_id", sessionID), zap.Int("attempts", attempts), zap.Error(err))
	}
}

// Flush blocks until every pending write has been attempted or ctx is done.
func (w *stateWriter) Flush(ctx context.Context) error {
	w.mu.Lock()
	idle := w.idle
	w.mu.Unlock()

	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return errors.Wrap(ctx.Err(), "coordinator: flush state writes")
	}
}

// Close stops accepting writes, flushes, and releases the pool.
func (w *stateWriter) Close(ctx context.Context) error {
	w.mu.Lock()
	w.closed = true
	w.mu.Unlock()

	err := w.Flush(ctx)
	w.pool.Release()
	return err
}
