package connection

import (
	"context"
	"sync"

	"github.com/weiawesome/wes-io-live/chat-sync/internal/protocol"
)

// Listener receives the events of one event name. OnError receives the
// ProtocolErrors raised while decoding that event name; it may be nil.
type Listener struct {
	OnEvent func(ctx context.Context, evt protocol.Event) error
	OnError func(ctx context.Context, err error)
}

type subscriptionKey struct {
	event      protocol.EventName
	subscriber string
}

type registration struct {
	key        subscriptionKey
	listener   Listener
	generation uint64
}

// Subscription is the capability returned by Subscribe. Unsubscribe is the
// only way to remove the registration and takes effect at most once.
type Subscription struct {
	registry   *registry
	key        subscriptionKey
	generation uint64
	once       sync.Once
}

// Unsubscribe removes the registration. Calling it again, or on a handle
// that has been superseded by a later Subscribe for the same subscriber,
// does nothing.
func (s *Subscription) Unsubscribe() {
	s.once.Do(func() {
		s.registry.remove(s.key, s.generation)
	})
}

// Event returns the subscribed event name.
func (s *Subscription) Event() protocol.EventName { return s.key.event }

// registry keeps at most one registration per (event name, subscriber).
type registry struct {
	mu         sync.RWMutex
	byEvent    map[protocol.EventName][]*registration
	generation uint64
}

func newRegistry() *registry {
	return &registry{byEvent: make(map[protocol.EventName][]*registration)}
}

func (r *registry) add(event protocol.EventName, subscriber string, l Listener) *Subscription {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.generation++
	key := subscriptionKey{event: event, subscriber: subscriber}
	regs := r.byEvent[event]
	for _, reg := range regs {
		if reg.key == key {
			reg.listener = l
			reg.generation = r.generation
			return &Subscription{registry: r, key: key, generation: r.generation}
		}
	}
	r.byEvent[event] = append(regs, &registration{key: key, listener: l, generation: r.generation})
	return &Subscription{registry: r, key: key, generation: r.generation}
}

func (r *registry) remove(key subscriptionKey, generation uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	regs := r.byEvent[key.event]
	for i, reg := range regs {
		if reg.key == key && reg.generation == generation {
			r.byEvent[key.event] = append(regs[:i:i], regs[i+1:]...)
			if len(r.byEvent[key.event]) == 0 {
				delete(r.byEvent, key.event)
			}
			return
		}
	}
}

// listeners returns a snapshot of the registrations for event, in
// subscription order.
func (r *registry) listeners(event protocol.EventName) []registration {
	r.mu.RLock()
	defer r.mu.RUnlock()

	regs := r.byEvent[event]
	out := make([]registration, len(regs))
	for i, reg := range regs {
		out[i] = *reg
	}
	return out
}

func (r *registry) count(event protocol.EventName) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byEvent[event])
}

func (r *registry) clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byEvent = make(map[protocol.EventName][]*registration)
}
