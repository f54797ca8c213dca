// Package coordstore is the gateway's boundary to the shared coordination
// layer: ephemeral key/value state with expiry, plus topic pub/sub.
//
// The pub/sub subscribe role and the key/value command role are distinct
// capabilities and must never be requested from the same underlying
// connection. The NATS implementation opens a separate connection per role;
// the in-memory implementation hands out three facades over one bus.
package coordstore

import (
	"context"
	"errors"
)

// ErrNotFound is returned by Get when a key does not exist or has expired.
var ErrNotFound = errors.New("coordstore: key not found")

// KV is the command-role capability: ephemeral values with a store-wide
// expiry window. A value's expiry is reset on every Put.
type KV interface {
	Put(ctx context.Context, key string, value []byte) error
	Get(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) error

	// Refresh extends the expiry of an existing key without changing its
	// value. It reports false, with no error, when the key is already gone.
	Refresh(ctx context.Context, key string) (bool, error)
}

// Publisher is the publish-role capability. Per-topic ordering is preserved
// for messages published through a single Publisher.
type Publisher interface {
	Publish(ctx context.Context, topic string, data []byte) error
}

// Handler receives messages for a subscribed topic.
type Handler func(topic string, data []byte)

// Subscription is a live topic subscription.
type Subscription interface {
	Unsubscribe() error
}

// Subscriber is the subscribe-role capability.
type Subscriber interface {
	Subscribe(topic string, h Handler) (Subscription, error)
}
