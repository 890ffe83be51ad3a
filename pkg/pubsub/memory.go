package pubsub

import (
	"context"
	"errors"
	"sync"
)

// ErrClosed is returned when using a closed bus.
var ErrClosed = errors.New("pubsub: bus closed")

// MemoryPubSub implements PubSub in process. Publishing never blocks: a
// subscriber whose buffer is full misses the event.
type MemoryPubSub struct {
	cfg    Config
	subs   map[string]map[*memorySub]struct{}
	closed bool
	mu     sync.RWMutex
}

type memorySub struct {
	ch   chan *Event
	once sync.Once
}

func (s *memorySub) close() {
	s.once.Do(func() { close(s.ch) })
}

// NewMemoryPubSub creates a new in-memory PubSub instance.
func NewMemoryPubSub(cfg Config) *MemoryPubSub {
	if cfg.BufferSize <= 0 {
		cfg = DefaultConfig()
	}
	return &MemoryPubSub{
		cfg:  cfg,
		subs: make(map[string]map[*memorySub]struct{}),
	}
}

// Publish delivers event to every current subscriber of topic.
func (m *MemoryPubSub) Publish(ctx context.Context, topic string, event *Event) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return ErrClosed
	}
	for sub := range m.subs[topic] {
		select {
		case sub.ch <- event:
		default:
			// Subscriber too slow, skip event
		}
	}
	return nil
}

// Subscribe registers a subscriber for topic until ctx is done.
func (m *MemoryPubSub) Subscribe(ctx context.Context, topic string) (<-chan *Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, ErrClosed
	}

	sub := &memorySub{ch: make(chan *Event, m.cfg.BufferSize)}
	if _, ok := m.subs[topic]; !ok {
		m.subs[topic] = make(map[*memorySub]struct{})
	}
	m.subs[topic][sub] = struct{}{}

	go func() {
		<-ctx.Done()
		m.remove(topic, sub)
	}()

	return sub.ch, nil
}

// Unsubscribe cancels every subscription to topic.
func (m *MemoryPubSub) Unsubscribe(ctx context.Context, topic string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for sub := range m.subs[topic] {
		sub.close()
	}
	delete(m.subs, topic)
	return nil
}

// Close closes all subscriptions.
func (m *MemoryPubSub) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, subs := range m.subs {
		for sub := range subs {
			sub.close()
		}
	}
	m.subs = make(map[string]map[*memorySub]struct{})
	m.closed = true
	return nil
}

func (m *MemoryPubSub) remove(topic string, sub *memorySub) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if subs, ok := m.subs[topic]; ok {
		delete(subs, sub)
		if len(subs) == 0 {
			delete(m.subs, topic)
		}
	}
	sub.close()
}
