// Package relay fans session events out to every connection subscribed to a
// session topic. Local subscribers are written to directly through the
// gateway's send primitive; when a Bus is configured the same frame is
// published to the other relay instances, which deliver it to their own
// local subscribers.
package relay

import (
	"context"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/whisper/duel-relay/internal/metrics"
	"github.com/whisper/duel-relay/internal/protocol"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Sender writes an encoded frame to a single connection.
type Sender interface {
	SendMessage(connID string, data []byte) error
}

// Bus carries session frames between relay instances.
type Bus interface {
	PublishSession(sessionID string, data []byte) error
	SubscribeSession(sessionID string, handler func(data []byte)) error
	UnsubscribeSession(sessionID string) error
}

// envelope is the cross-instance wire form of a published frame.
type envelope struct {
	Origin  string              `json:"origin"`
	Exclude string              `json:"exclude,omitempty"`
	Frame   jsoniter.RawMessage `json:"frame"`
}

// Relay is the session registry and fan-out engine.
type Relay struct {
	sender   Sender
	bus      Bus
	origin   string
	logger   *zap.Logger
	registry *Registry

	busMu    sync.Mutex
	bridged  map[string]struct{}
	inflight map[string]struct{}
}

// Option configures a Relay.
type Option func(*Relay)

// WithBus enables cross-instance delivery over bus.
func WithBus(bus Bus) Option {
	return func(r *Relay) { r.bus = bus }
}

// WithOrigin sets the instance id stamped on bus envelopes. Defaults to a
// random UUID.
func WithOrigin(origin string) Option {
	return func(r *Relay) {
		if origin != "" {
			r.origin = origin
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(r *Relay) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// New creates a Relay that writes frames through sender.
func New(sender Sender, opts ...Option) *Relay {
	r := &Relay{
		sender:   sender,
		origin:   uuid.NewString(),
		logger:   zap.NewNop(),
		registry: NewRegistry(),
		bridged:  make(map[string]struct{}),
		inflight: make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.Named("relay")
	return r
}

// Origin returns the instance id used on the bus.
func (r *Relay) Origin() string {
	return r.origin
}

// Subscribe adds connID to the sessionID topic. Subscribing twice is a no-op.
func (r *Relay) Subscribe(connID, sessionID string) {
	added, first := r.registry.Add(connID, sessionID)
	if !added {
		return
	}
	metrics.TopicSubscriptions.Inc()
	if first {
		r.reconcile(sessionID)
	}
}

// Unsubscribe removes connID from the sessionID topic.
func (r *Relay) Unsubscribe(connID, sessionID string) {
	removed, last := r.registry.Remove(connID, sessionID)
	if !removed {
		return
	}
	metrics.TopicSubscriptions.Dec()
	if last {
		r.reconcile(sessionID)
	}
}

// UnsubscribeAll removes connID from every topic it holds. It is the
// gateway's disconnect hook.
func (r *Relay) UnsubscribeAll(connID string) {
	removed, emptied := r.registry.RemoveAll(connID)
	metrics.TopicSubscriptions.Sub(float64(len(removed)))
	for _, topic := range emptied {
		r.reconcile(topic)
	}
	if len(removed) > 0 {
		r.logger.Debug("connection left all topics",
			zap.String("conn_id", connID), zap.Strings("topics", removed))
	}
}

// Topics returns the topics connID is subscribed to.
func (r *Relay) Topics(connID string) []string {
	return r.registry.Topics(connID)
}

// Subscribers returns the local connections subscribed to sessionID.
func (r *Relay) Subscribers(sessionID string) []string {
	return r.registry.Subscribers(sessionID)
}

// Bridged reports whether this instance currently listens for sessionID on
// the bus.
func (r *Relay) Bridged(sessionID string) bool {
	r.busMu.Lock()
	defer r.busMu.Unlock()
	_, ok := r.bridged[sessionID]
	return ok
}

// Publish encodes the event once and delivers it to every connection
// subscribed to sessionID at the time of the call, skipping exclude. The
// frame is also published on the bus when one is configured. A failed bus
// publish is returned after local delivery has completed.
func (r *Relay) Publish(ctx context.Context, sessionID, eventName string, payload interface{}, exclude string) error {
	frame, err := protocol.NewServerMessage(eventName, payload)
	if err != nil {
		return errors.Wrapf(err, "relay: encode %s", eventName)
	}

	r.deliver(sessionID, frame, exclude)

	if r.bus == nil {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return errors.Wrap(err, "relay: publish")
	}
	data, err := json.Marshal(envelope{Origin: r.origin, Exclude: exclude, Frame: frame})
	if err != nil {
		return errors.Wrap(err, "relay: encode envelope")
	}
	if err := r.bus.PublishSession(sessionID, data); err != nil {
		r.logger.Warn("bus publish failed",
			zap.String("session_id", sessionID), zap.String("event", eventName), zap.Error(err))
		return errors.Wrapf(err, "relay: bus publish %s", sessionID)
	}
	metrics.BusMessages.WithLabelValues("published").Inc()
	return nil
}

// SendDirect encodes the event and writes it to exactly one connection.
func (r *Relay) SendDirect(connID, eventName string, payload interface{}) error {
	frame, err := protocol.NewServerMessage(eventName, payload)
	if err != nil {
		return errors.Wrapf(err, "relay: encode %s", eventName)
	}
	return r.SendRaw(connID, frame)
}

// SendRaw writes an already encoded frame to exactly one connection.
func (r *Relay) SendRaw(connID string, frame []byte) error {
	if err := r.sender.SendMessage(connID, frame); err != nil {
		metrics.FanoutDeliveries.WithLabelValues("error").Inc()
		return errors.Wrapf(err, "relay: send to %s", connID)
	}
	metrics.FanoutDeliveries.WithLabelValues("ok").Inc()
	return nil
}

// deliver writes frame to a snapshot of the topic's local subscribers. A
// failing connection never stops delivery to the others.
func (r *Relay) deliver(sessionID string, frame []byte, exclude string) {
	for _, connID := range r.registry.Subscribers(sessionID) {
		if connID == exclude {
			continue
		}
		if err := r.SendRaw(connID, frame); err != nil {
			r.logger.Debug("delivery failed",
				zap.String("session_id", sessionID), zap.String("conn_id", connID), zap.Error(err))
		}
	}
}

// onRemote returns the bus handler for a bridged topic.
func (r *Relay) onRemote(sessionID string) func(data []byte) {
	return func(data []byte) {
		var env envelope
		if err := json.Unmarshal(data, &env); err != nil {
			metrics.BusMessages.WithLabelValues("dropped").Inc()
			r.logger.Warn("undecodable bus envelope", zap.String("session_id", sessionID), zap.Error(err))
			return
		}
		if env.Origin == r.origin {
			return
		}
		metrics.BusMessages.WithLabelValues("received").Inc()
		r.deliver(sessionID, env.Frame, env.Exclude)
	}
}

// reconcile brings the bus subscription for sessionID in line with the
// registry. busMu guards only the bookkeeping; the bus call runs unlocked.
// While a call for a topic is in flight, other callers leave the topic to its
// owner, which re-reads the registry after the call until the two agree.
func (r *Relay) reconcile(sessionID string) {
	if r.bus == nil {
		return
	}
	for {
		r.busMu.Lock()
		if _, busy := r.inflight[sessionID]; busy {
			r.busMu.Unlock()
			return
		}
		want := r.registry.HasSubscribers(sessionID)
		_, have := r.bridged[sessionID]
		if want == have {
			r.busMu.Unlock()
			return
		}
		r.inflight[sessionID] = struct{}{}
		if !want {
			delete(r.bridged, sessionID)
		}
		r.busMu.Unlock()

		var err error
		if want {
			err = r.bus.SubscribeSession(sessionID, r.onRemote(sessionID))
		} else {
			err = r.bus.UnsubscribeSession(sessionID)
		}

		r.busMu.Lock()
		delete(r.inflight, sessionID)
		if want && err == nil {
			r.bridged[sessionID] = struct{}{}
		}
		r.busMu.Unlock()

		if err != nil {
			op := "unsubscribe"
			if want {
				op = "subscribe"
			}
			r.logger.Warn("bus "+op+" failed", zap.String("session_id", sessionID), zap.Error(err))
			return
		}
	}
}
