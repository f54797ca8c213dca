package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/example/chat-gateway/pkg/coordstore"
)

// Bridge translates "deliver event E to channel C" into a publish on C's
// coordination topic. Every process with local subscribers to C, the
// originator included, receives the envelope through its own subscription
// callback and fans out to its local connections. There is deliberately no
// local-delivery shortcut: one delivery mechanism, one code path.
type Bridge struct {
	pub    coordstore.Publisher
	sub    coordstore.Subscriber
	local  *ConnectionManager
	origin string
	logger *slog.Logger

	mu   sync.Mutex
	subs map[string]coordstore.Subscription
	want map[string]bool
	seq  map[string]uint64

	publishCounter  metric.Int64Counter
	publishDuration metric.Float64Histogram
}

// NewBridge creates a bridge for this process. The origin id distinguishes
// this process's envelopes on the shared topics.
func NewBridge(pub coordstore.Publisher, sub coordstore.Subscriber, local *ConnectionManager, logger *slog.Logger, meter metric.Meter) *Bridge {
	publishCounter, _ := meter.Int64Counter("gateway_broadcasts_total",
		metric.WithDescription("Envelopes published to channel topics"))
	publishDuration, _ := meter.Float64Histogram("gateway_broadcast_duration_seconds",
		metric.WithDescription("Time to publish one envelope"))

	return &Bridge{
		pub:             pub,
		sub:             sub,
		local:           local,
		origin:          uuid.NewString(),
		logger:          logger,
		subs:            make(map[string]coordstore.Subscription),
		want:            make(map[string]bool),
		seq:             make(map[string]uint64),
		publishCounter:  publishCounter,
		publishDuration: publishDuration,
	}
}

// BroadcastToChannel publishes an envelope on the channel's topic. This is
// the only entry point for fan-out; callers on this process receive their
// own event back through the subscription like everyone else.
func (b *Bridge) BroadcastToChannel(ctx context.Context, channelID, opcode string, payload json.RawMessage) error {
	b.mu.Lock()
	b.seq[channelID]++
	seq := b.seq[channelID]
	b.mu.Unlock()

	data, err := json.Marshal(Envelope{
		Channel: channelID,
		Opcode:  opcode,
		Payload: payload,
		Origin:  b.origin,
		Seq:     seq,
	})
	if err != nil {
		return err
	}

	start := time.Now()
	if err := b.pub.Publish(ctx, channelTopic(channelID), data); err != nil {
		return err
	}
	b.publishCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("op", opcode)))
	b.publishDuration.Record(ctx, time.Since(start).Seconds())
	return nil
}

// ChannelActive subscribes this process to the channel's topic. Called by
// the connection manager when the first local connection subscribes to the
// channel. A failed subscribe is retried in the background for as long as
// the channel stays wanted: without the subscription this process silently
// receives nothing for the channel.
func (b *Bridge) ChannelActive(channelID string) {
	b.mu.Lock()
	b.want[channelID] = true
	_, subscribed := b.subs[channelID]
	b.mu.Unlock()
	if subscribed {
		return
	}

	if err := b.trySubscribe(channelID); err != nil {
		b.logger.Error("Failed to subscribe to channel topic, local subscribers receive nothing until retry succeeds",
			"channel", channelID, "error", err)
		go b.retrySubscribe(channelID)
	}
}

func (b *Bridge) trySubscribe(channelID string) error {
	sub, err := b.sub.Subscribe(channelTopic(channelID), b.handleEnvelope)
	if err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.want[channelID] {
		// Went idle while we were subscribing.
		_ = sub.Unsubscribe()
		return nil
	}
	if _, ok := b.subs[channelID]; ok {
		_ = sub.Unsubscribe()
		return nil
	}
	b.subs[channelID] = sub
	return nil
}

func (b *Bridge) retrySubscribe(channelID string) {
	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = 0 // retry until the channel goes idle

	_ = backoff.Retry(func() error {
		b.mu.Lock()
		wanted := b.want[channelID]
		b.mu.Unlock()
		if !wanted {
			return nil
		}
		return b.trySubscribe(channelID)
	}, bo)
}

// ChannelIdle drops the topic subscription once the last local connection
// has left the channel.
func (b *Bridge) ChannelIdle(channelID string) {
	b.mu.Lock()
	delete(b.want, channelID)
	sub, ok := b.subs[channelID]
	delete(b.subs, channelID)
	b.mu.Unlock()

	if ok {
		if err := sub.Unsubscribe(); err != nil {
			b.logger.Warn("Failed to unsubscribe from channel topic", "channel", channelID, "error", err)
		}
	}
}

// handleEnvelope is the subscription callback: unwrap the envelope, re-tag
// it as a client event and hand it to the local connection manager. A
// channel with zero local subscribers is a no-op.
func (b *Bridge) handleEnvelope(topic string, data []byte) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		b.logger.Warn("Invalid envelope on channel topic", "topic", topic, "error", err)
		return
	}

	frame, err := json.Marshal(Event{
		Opcode:  env.Opcode,
		Channel: env.Channel,
		Seq:     env.Seq,
		Payload: env.Payload,
	})
	if err != nil {
		b.logger.Warn("Failed to marshal client event", "channel", env.Channel, "error", err)
		return
	}

	delivered := b.local.BroadcastLocal(env.Channel, frame)
	if delivered > 0 {
		b.logger.Debug("Fanned out envelope", "channel", env.Channel, "op", env.Opcode, "seq", env.Seq, "delivered", delivered)
	}
}

// Close drops all topic subscriptions.
func (b *Bridge) Close() {
	b.mu.Lock()
	subs := b.subs
	b.subs = make(map[string]coordstore.Subscription)
	b.want = make(map[string]bool)
	b.mu.Unlock()

	for channelID, sub := range subs {
		if err := sub.Unsubscribe(); err != nil {
			b.logger.Warn("Failed to unsubscribe during shutdown", "channel", channelID, "error", err)
		}
	}
}
