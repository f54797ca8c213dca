package coordstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/example/chat-gateway/pkg/telemetry"
	"github.com/nats-io/nats.go"
)

// NATSConfig describes how to reach the coordination layer.
type NATSConfig struct {
	URL      string
	User     string
	Password string

	// Bucket holds presence entries. Every key expires EntryTTL after its
	// last Put.
	Bucket   string
	EntryTTL time.Duration
}

// NATSStore is the production Coordination Store: JetStream KV for ephemeral
// state, core NATS for topic pub/sub. Three connections back the three
// client roles.
type NATSStore struct {
	kvConn  *nats.Conn
	pubConn *nats.Conn
	subConn *nats.Conn
	kv      nats.KeyValue
	logger  *slog.Logger
}

// DialNATS connects the three role clients and binds the KV bucket, creating
// it if needed. It retries each connection while the server comes up.
func DialNATS(ctx context.Context, cfg NATSConfig, logger *slog.Logger) (*NATSStore, error) {
	s := &NATSStore{logger: logger}

	var err error
	s.kvConn, err = connect(ctx, cfg, "gateway-kv", logger)
	if err != nil {
		return nil, err
	}
	s.pubConn, err = connect(ctx, cfg, "gateway-pub", logger)
	if err != nil {
		s.Close()
		return nil, err
	}
	// Losing the subscribe-role connection silently breaks all cross-process
	// delivery, so it reconnects forever and disconnects log at error level.
	s.subConn, err = connect(ctx, cfg, "gateway-sub", logger,
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Error("Subscribe-role connection lost, cross-process fan-out disabled until reconnect", "error", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("Subscribe-role connection restored", "url", nc.ConnectedUrl())
		}),
	)
	if err != nil {
		s.Close()
		return nil, err
	}

	js, err := s.kvConn.JetStream()
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}
	s.kv, err = js.CreateKeyValue(&nats.KeyValueConfig{
		Bucket:  cfg.Bucket,
		History: 1,
		TTL:     cfg.EntryTTL,
		Storage: nats.MemoryStorage,
	})
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("failed to create KV bucket %q: %w", cfg.Bucket, err)
	}

	logger.Info("Coordination store ready", "url", s.kvConn.ConnectedUrl(), "bucket", cfg.Bucket, "ttl", cfg.EntryTTL)
	return s, nil
}

func connect(ctx context.Context, cfg NATSConfig, name string, logger *slog.Logger, extra ...nats.Option) (*nats.Conn, error) {
	opts := []nats.Option{
		nats.UserInfo(cfg.User, cfg.Password),
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
	}
	opts = append(opts, extra...)

	var nc *nats.Conn
	var err error
	for attempt := 1; attempt <= 30; attempt++ {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		nc, err = nats.Connect(cfg.URL, opts...)
		if err == nil {
			return nc, nil
		}
		logger.Info("Waiting for NATS", "role", name, "attempt", attempt, "error", err)
		time.Sleep(2 * time.Second)
	}
	return nil, fmt.Errorf("failed to connect to NATS as %s: %w", name, err)
}

// KV returns the command-role capability.
func (s *NATSStore) KV() KV { return &natsKV{s} }

// Publisher returns the publish-role capability.
func (s *NATSStore) Publisher() Publisher { return &natsPublisher{s.pubConn} }

// Subscriber returns the subscribe-role capability.
func (s *NATSStore) Subscriber() Subscriber { return &natsSubscriber{s.subConn} }

// Close drains all three connections.
func (s *NATSStore) Close() {
	for _, nc := range []*nats.Conn{s.subConn, s.pubConn, s.kvConn} {
		if nc == nil {
			continue
		}
		if err := nc.Drain(); err != nil {
			nc.Close()
		}
	}
}

type natsKV struct {
	s *NATSStore
}

func (k *natsKV) Put(ctx context.Context, key string, value []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, err := k.s.kv.Put(key, value); err != nil {
		return fmt.Errorf("kv put %q: %w", key, err)
	}
	return nil
}

func (k *natsKV) Get(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	entry, err := k.s.kv.Get(key)
	if errors.Is(err, nats.ErrKeyNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("kv get %q: %w", key, err)
	}
	return entry.Value(), nil
}

func (k *natsKV) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	err := k.s.kv.Delete(key)
	if err != nil && !errors.Is(err, nats.ErrKeyNotFound) {
		return fmt.Errorf("kv delete %q: %w", key, err)
	}
	return nil
}

// Refresh re-puts the current value, which resets the entry's age in the
// bucket. A key that already expired stays gone.
func (k *natsKV) Refresh(ctx context.Context, key string) (bool, error) {
	value, err := k.Get(ctx, key)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := k.Put(ctx, key, value); err != nil {
		return false, err
	}
	return true, nil
}

type natsPublisher struct {
	nc *nats.Conn
}

func (p *natsPublisher) Publish(ctx context.Context, topic string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return telemetry.TracedPublish(ctx, p.nc, topic, data)
}

type natsSubscriber struct {
	nc *nats.Conn
}

func (s *natsSubscriber) Subscribe(topic string, h Handler) (Subscription, error) {
	sub, err := s.nc.Subscribe(topic, func(msg *nats.Msg) {
		h(msg.Subject, msg.Data)
	})
	if err != nil {
		return nil, fmt.Errorf("subscribe %q: %w", topic, err)
	}
	return sub, nil
}
