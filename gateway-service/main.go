package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/example/chat-gateway/pkg/coordstore"
	"github.com/example/chat-gateway/pkg/telemetry"
)

// notifyRequest is the payload the message-send path publishes to
// gateway.notify after a message has been authorized and stored.
type notifyRequest struct {
	Channel string          `json:"channel"`
	Opcode  string          `json:"op"`
	Payload json.RawMessage `json:"d"`
}

func main() {
	ctx := context.Background()
	logger := slog.Default()

	otelShutdown, err := telemetry.Init(ctx, envOrDefault("OTEL_SERVICE_NAME", "gateway-service"))
	if err != nil {
		logger.Error("Failed to initialize OpenTelemetry", "error", err)
		os.Exit(1)
	}
	defer otelShutdown(ctx)

	cfg := loadConfig()
	meter := otel.Meter("gateway-service")

	logger.Info("Starting Gateway Service", "nats_url", cfg.NATSURL, "port", cfg.Port,
		"presence_ttl", cfg.PresenceTTL, "heartbeat_interval", cfg.HeartbeatInterval)

	store, err := coordstore.DialNATS(ctx, coordstore.NATSConfig{
		URL:      cfg.NATSURL,
		User:     cfg.NATSUser,
		Password: cfg.NATSPass,
		Bucket:   "PRESENCE",
		EntryTTL: cfg.PresenceTTL,
	}, logger)
	if err != nil {
		logger.Error("Failed to connect to coordination store", "error", err)
		os.Exit(1)
	}
	defer store.Close()

	// Service-surface connection, separate from the three store roles.
	var nc *nats.Conn
	for attempt := 1; attempt <= 30; attempt++ {
		nc, err = nats.Connect(cfg.NATSURL,
			nats.UserInfo(cfg.NATSUser, cfg.NATSPass),
			nats.Name("gateway-api"),
			nats.MaxReconnects(-1),
			nats.ReconnectWait(2*time.Second),
		)
		if err == nil {
			break
		}
		logger.Info("Waiting for NATS", "attempt", attempt, "error", err)
		time.Sleep(2 * time.Second)
	}
	if err != nil {
		logger.Error("Failed to connect to NATS", "error", err)
		os.Exit(1)
	}
	defer nc.Drain()

	cm := NewConnectionManager(logger, meter)
	bridge := NewBridge(store.Publisher(), store.Subscriber(), cm, logger, meter)
	cm.SetObserver(bridge)
	defer bridge.Close()

	breaker := NewCircuitBreaker(5, 30)
	presence := NewPresenceTracker(store.KV(), bridge, cm, breaker, logger, meter)

	// A user goes offline only when their last local connection closes.
	cm.SetDisconnectHook(func(userID string, wasLast bool) {
		if !wasLast {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := presence.SetPresence(ctx, userID, StatusOffline); err != nil {
			logger.Warn("Failed to set presence offline", "user", userID, "error", err)
		}
	})

	connGauge, _ := meter.Int64ObservableGauge("gateway_open_connections",
		metric.WithDescription("Open websocket connections"))
	channelGauge, _ := meter.Int64ObservableGauge("gateway_subscribed_channels",
		metric.WithDescription("Channels with local subscribers"))
	_, _ = meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		o.ObserveInt64(connGauge, int64(cm.ConnCount()))
		o.ObserveInt64(channelGauge, int64(cm.ChannelCount()))
		return nil
	}, connGauge, channelGauge)

	notifyCounter, _ := meter.Int64Counter("gateway_notify_requests_total",
		metric.WithDescription("Channel notify requests from the message-send path"))
	queryCounter, _ := meter.Int64Counter("gateway_presence_queries_total",
		metric.WithDescription("Presence queries served"))
	queryDuration, _ := telemetry.NewDurationHistogram(meter, "gateway_presence_query_duration_seconds",
		"Duration of presence queries")

	// Inbound from the message-send path, after it has authorized and
	// durably stored a message. Load-balanced across gateway instances;
	// the publish fans back out to every instance through the bridge.
	_, err = nc.QueueSubscribe("gateway.notify", "gateway-workers", func(msg *nats.Msg) {
		ctx, span := telemetry.StartConsumerSpan(context.Background(), msg, "gateway notify")
		defer span.End()

		var req notifyRequest
		if err := json.Unmarshal(msg.Data, &req); err != nil || req.Channel == "" || req.Opcode == "" {
			logger.Warn("Invalid notify request", "error", err)
			return
		}
		span.SetAttributes(attribute.String("gateway.channel", req.Channel), attribute.String("gateway.op", req.Opcode))

		if err := bridge.BroadcastToChannel(ctx, req.Channel, req.Opcode, req.Payload); err != nil {
			logger.Error("Failed to broadcast notify request", "channel", req.Channel, "error", err)
			span.RecordError(err)
			return
		}
		notifyCounter.Add(ctx, 1)
	})
	if err != nil {
		logger.Error("Failed to subscribe to gateway.notify", "error", err)
		os.Exit(1)
	}

	// Synchronous presence query for the REST layer (hub member lists).
	_, err = nc.Subscribe("gateway.presence.get.*", func(msg *nats.Msg) {
		start := time.Now()
		ctx, span := telemetry.StartServerSpan(context.Background(), msg, "gateway presence query")
		defer span.End()

		parts := strings.Split(msg.Subject, ".")
		if len(parts) < 4 {
			_ = msg.Respond([]byte(`{}`))
			return
		}
		userID := parts[3]
		status := presence.GetPresence(ctx, userID)

		data, err := json.Marshal(PresencePayload{UserID: userID, Status: status})
		if err != nil {
			span.RecordError(err)
			_ = msg.Respond([]byte(`{}`))
			return
		}
		_ = msg.Respond(data)

		queryCounter.Add(ctx, 1)
		queryDuration.Record(ctx, time.Since(start).Seconds())
	})
	if err != nil {
		logger.Error("Failed to subscribe to gateway.presence.get.*", "error", err)
		os.Exit(1)
	}

	verifier, err := NewTokenVerifier(cfg.JWKSURL, cfg.TokenIssuer)
	if err != nil {
		logger.Error("Failed to initialize token verifier", "error", err)
		os.Exit(1)
	}

	mux := http.NewServeMux()
	mux.Handle("/ws", newWSHandler(verifier, cm, presence, cfg.HeartbeatInterval, cfg.MaxMissed, logger, meter))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	server := &http.Server{Addr: ":" + cfg.Port, Handler: mux}
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("HTTP server failed", "error", err)
			os.Exit(1)
		}
	}()

	logger.Info("Gateway service ready", "endpoints", "/ws, gateway.notify, gateway.presence.get.*")

	sigCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-sigCtx.Done()

	logger.Info("Shutting down gateway service")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("HTTP shutdown incomplete", "error", err)
	}
	logger.Info("Gateway service shutdown complete")
}
