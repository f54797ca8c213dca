package coordstore

import (
	"context"
	"sync"
	"time"
)

// MemoryBus is a single in-process coordination store for tests. KV,
// Publisher and Subscriber are facades over the one bus, mirroring the
// role split of the real store.
//
// Publishes are delivered synchronously in call order, which matches the
// per-topic ordering guarantee of a single publisher connection.
type MemoryBus struct {
	mu      sync.Mutex
	entries map[string]memEntry
	subs    map[string]map[int]Handler
	nextSub int
	ttl     time.Duration
}

type memEntry struct {
	value   []byte
	expires time.Time
}

// NewMemoryBus creates a bus whose entries expire ttl after their last Put.
func NewMemoryBus(ttl time.Duration) *MemoryBus {
	return &MemoryBus{
		entries: make(map[string]memEntry),
		subs:    make(map[string]map[int]Handler),
		ttl:     ttl,
	}
}

// KV returns the command-role facade.
func (b *MemoryBus) KV() KV { return (*memKV)(b) }

// Publisher returns the publish-role facade.
func (b *MemoryBus) Publisher() Publisher { return (*memPublisher)(b) }

// Subscriber returns the subscribe-role facade.
func (b *MemoryBus) Subscriber() Subscriber { return (*memSubscriber)(b) }

func (b *MemoryBus) live(key string) ([]byte, bool) {
	e, ok := b.entries[key]
	if !ok {
		return nil, false
	}
	if time.Now().After(e.expires) {
		delete(b.entries, key)
		return nil, false
	}
	return e.value, true
}

type memKV MemoryBus

func (k *memKV) Put(_ context.Context, key string, value []byte) error {
	b := (*MemoryBus)(k)
	b.mu.Lock()
	defer b.mu.Unlock()
	v := make([]byte, len(value))
	copy(v, value)
	b.entries[key] = memEntry{value: v, expires: time.Now().Add(b.ttl)}
	return nil
}

func (k *memKV) Get(_ context.Context, key string) ([]byte, error) {
	b := (*MemoryBus)(k)
	b.mu.Lock()
	defer b.mu.Unlock()
	value, ok := b.live(key)
	if !ok {
		return nil, ErrNotFound
	}
	return value, nil
}

func (k *memKV) Delete(_ context.Context, key string) error {
	b := (*MemoryBus)(k)
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.entries, key)
	return nil
}

func (k *memKV) Refresh(_ context.Context, key string) (bool, error) {
	b := (*MemoryBus)(k)
	b.mu.Lock()
	defer b.mu.Unlock()
	value, ok := b.live(key)
	if !ok {
		return false, nil
	}
	b.entries[key] = memEntry{value: value, expires: time.Now().Add(b.ttl)}
	return true, nil
}

type memPublisher MemoryBus

func (p *memPublisher) Publish(_ context.Context, topic string, data []byte) error {
	b := (*MemoryBus)(p)
	b.mu.Lock()
	handlers := make([]Handler, 0, len(b.subs[topic]))
	for _, h := range b.subs[topic] {
		handlers = append(handlers, h)
	}
	b.mu.Unlock()

	for _, h := range handlers {
		h(topic, data)
	}
	return nil
}

type memSubscriber MemoryBus

func (s *memSubscriber) Subscribe(topic string, h Handler) (Subscription, error) {
	b := (*MemoryBus)(s)
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.subs[topic] == nil {
		b.subs[topic] = make(map[int]Handler)
	}
	id := b.nextSub
	b.nextSub++
	b.subs[topic][id] = h
	return &memSubscription{bus: b, topic: topic, id: id}, nil
}

type memSubscription struct {
	bus   *MemoryBus
	topic string
	id    int
}

func (s *memSubscription) Unsubscribe() error {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	if handlers, ok := s.bus.subs[s.topic]; ok {
		delete(handlers, s.id)
		if len(handlers) == 0 {
			delete(s.bus.subs, s.topic)
		}
	}
	return nil
}
