package relay

import (
	"sort"
	"sync"

	"github.com/samber/lo"
)

// Registry maps session topics to subscribed connections and keeps the
// reverse index so a connection can be dropped from every topic at once.
// It is safe for concurrent use.
type Registry struct {
	mu     sync.RWMutex
	topics map[string]map[string]struct{} // topic -> conn ids
	conns  map[string]map[string]struct{} // conn id -> topics
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		topics: make(map[string]map[string]struct{}),
		conns:  make(map[string]map[string]struct{}),
	}
}

// Add subscribes connID to topic. It reports whether the subscription is new
// and whether connID is the topic's first subscriber.
func (r *Registry) Add(connID, topic string) (added, first bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	subs, ok := r.topics[topic]
	if !ok {
		subs = make(map[string]struct{})
		r.topics[topic] = subs
	}
	if _, dup := subs[connID]; dup {
		return false, false
	}
	subs[connID] = struct{}{}

	held, ok := r.conns[connID]
	if !ok {
		held = make(map[string]struct{})
		r.conns[connID] = held
	}
	held[topic] = struct{}{}

	return true, len(subs) == 1
}

// Remove unsubscribes connID from topic. It reports whether a subscription
// was removed and whether the topic is now empty.
func (r *Registry) Remove(connID, topic string) (removed, last bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.removeLocked(connID, topic)
}

func (r *Registry) removeLocked(connID, topic string) (removed, last bool) {
	subs, ok := r.topics[topic]
	if !ok {
		return false, false
	}
	if _, ok := subs[connID]; !ok {
		return false, false
	}
	delete(subs, connID)
	if len(subs) == 0 {
		delete(r.topics, topic)
		last = true
	}

	if held, ok := r.conns[connID]; ok {
		delete(held, topic)
		if len(held) == 0 {
			delete(r.conns, connID)
		}
	}
	return true, last
}

// RemoveAll drops connID from every topic it holds. It returns the topics
// the connection was removed from and, of those, the ones left empty.
func (r *Registry) RemoveAll(connID string) (removed, emptied []string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	held := r.conns[connID]
	for _, topic := range lo.Keys(held) {
		if ok, last := r.removeLocked(connID, topic); ok {
			removed = append(removed, topic)
			if last {
				emptied = append(emptied, topic)
			}
		}
	}
	return removed, emptied
}

// Subscribers returns a snapshot of the connections subscribed to topic.
func (r *Registry) Subscribers(topic string) []string {
	r.mu.RLock()
	ids := lo.Keys(r.topics[topic])
	r.mu.RUnlock()
	sort.Strings(ids)
	return ids
}

// Topics returns a snapshot of the topics connID is subscribed to.
func (r *Registry) Topics(connID string) []string {
	r.mu.RLock()
	topics := lo.Keys(r.conns[connID])
	r.mu.RUnlock()
	sort.Strings(topics)
	return topics
}

// HasSubscribers reports whether any connection is subscribed to topic.
func (r *Registry) HasSubscribers(topic string) bool {
	r.mu.RLock()
	n := len(r.topics[topic])
	r.mu.RUnlock()
	return n > 0
}

// Size returns the number of (connection, topic) subscriptions.
func (r *Registry) Size() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return lo.SumBy(lo.Values(r.topics), func(subs map[string]struct{}) int {
		return len(subs)
	})
}
