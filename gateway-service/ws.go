package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel/metric"
)

const (
	writeTimeout   = 10 * time.Second
	maxFrameSize   = 64 << 10
	sendBufferSize = 64
)

var errSendBufferFull = errors.New("send buffer full")
var errConnectionClosed = errors.New("connection closed")

// wsSender adapts a gorilla connection to the Sender interface. A single
// write pump goroutine owns all socket writes; Send only enqueues, so a
// frame is written atomically or not at all. A full buffer means the client
// cannot keep up and the connection is reported dead.
type wsSender struct {
	conn *websocket.Conn
	send chan []byte
	done chan struct{}
	once sync.Once
}

func newWSSender(conn *websocket.Conn) *wsSender {
	return &wsSender{
		conn: conn,
		send: make(chan []byte, sendBufferSize),
		done: make(chan struct{}),
	}
}

func (w *wsSender) Send(data []byte) error {
	select {
	case <-w.done:
		return errConnectionClosed
	default:
	}
	select {
	case w.send <- data:
		return nil
	default:
		return errSendBufferFull
	}
}

func (w *wsSender) Close() {
	w.once.Do(func() { close(w.done) })
}

func (w *wsSender) writePump() {
	defer w.conn.Close()
	for {
		select {
		case data := <-w.send:
			_ = w.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := w.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				w.Close()
				return
			}
		case <-w.done:
			deadline := time.Now().Add(time.Second)
			_ = w.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, ""), deadline)
			return
		}
	}
}

// wsHandler upgrades authenticated clients and runs their read loop.
type wsHandler struct {
	upgrader  websocket.Upgrader
	verifier  *TokenVerifier
	cm        *ConnectionManager
	presence  *PresenceTracker
	interval  time.Duration
	maxMissed int
	logger    *slog.Logger
	meter     metric.Meter

	connectCounter metric.Int64Counter
}

func newWSHandler(verifier *TokenVerifier, cm *ConnectionManager, presence *PresenceTracker, interval time.Duration, maxMissed int, logger *slog.Logger, meter metric.Meter) *wsHandler {
	connectCounter, _ := meter.Int64Counter("gateway_connects_total",
		metric.WithDescription("Accepted websocket connections"))

	return &wsHandler{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		verifier:       verifier,
		cm:             cm,
		presence:       presence,
		interval:       interval,
		maxMissed:      maxMissed,
		logger:         logger,
		meter:          meter,
		connectCounter: connectCounter,
	}
}

func bearerToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	return r.URL.Query().Get("token")
}

func (h *wsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	token := bearerToken(r)
	if token == "" {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}
	claims, err := h.verifier.Verify(token)
	if err != nil {
		h.logger.Warn("Rejected websocket upgrade", "error", err)
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("Failed to upgrade connection", "error", err)
		return
	}

	h.onConnect(r.Context(), conn, claims.UserID, claims.DeviceID)
}

// onConnect registers the socket, marks the user online and starts the
// heartbeat loop, then serves the read loop until the client goes away.
func (h *wsHandler) onConnect(ctx context.Context, conn *websocket.Conn, userID, deviceID string) {
	sender := newWSSender(conn)
	go sender.writePump()

	connID, err := h.cm.Register(sender, userID, deviceID)
	if err != nil {
		h.logger.Warn("Registration failed", "user", userID, "error", err)
		sender.Close()
		return
	}

	h.connectCounter.Add(ctx, 1)
	h.logger.Info("Client connected", "user", userID, "device", deviceID, "conn", connID)

	s := newSession(connID, userID, deviceID, sender, h.cm, h.presence, h.interval, h.maxMissed, h.logger, h.meter)

	setCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	if err := h.presence.SetPresence(setCtx, userID, StatusOnline); err != nil {
		h.logger.Warn("Failed to set presence on connect", "user", userID, "error", err)
	}
	cancel()

	go s.run(context.Background())

	h.readLoop(conn, s)
}

func (h *wsHandler) readLoop(conn *websocket.Conn, s *session) {
	conn.SetReadLimit(maxFrameSize)
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			s.shutdown("transport closed")
			return
		}

		var frame Frame
		if err := json.Unmarshal(data, &frame); err != nil {
			h.logger.Warn("Invalid client frame", "user", s.userID, "error", err)
			continue
		}
		h.dispatch(s, frame)
	}
}

func (h *wsHandler) dispatch(s *session, frame Frame) {
	switch frame.Opcode {
	case OpHeartbeat:
		s.beat()
		if ack, err := json.Marshal(Event{Opcode: OpHeartbeatAck}); err == nil {
			if err := s.sender.Send(ack); err != nil {
				h.logger.Debug("Failed to ack heartbeat", "user", s.userID, "error", err)
			}
		}

	case OpSubscribe:
		var p SubscribePayload
		if json.Unmarshal(frame.Payload, &p) != nil || p.Channel == "" {
			h.logger.Warn("Invalid subscribe frame", "user", s.userID)
			return
		}
		if err := h.cm.Subscribe(s.connID, p.Channel); err != nil {
			h.logger.Warn("Subscribe failed", "user", s.userID, "channel", p.Channel, "error", err)
		}

	case OpUnsubscribe:
		var p SubscribePayload
		if json.Unmarshal(frame.Payload, &p) != nil || p.Channel == "" {
			h.logger.Warn("Invalid unsubscribe frame", "user", s.userID)
			return
		}
		if err := h.cm.Unsubscribe(s.connID, p.Channel); err != nil {
			h.logger.Warn("Unsubscribe failed", "user", s.userID, "channel", p.Channel, "error", err)
		}

	case OpPresenceUpdate:
		var p PresenceUpdateFrame
		if json.Unmarshal(frame.Payload, &p) != nil {
			h.logger.Warn("Invalid presence update frame", "user", s.userID)
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := h.presence.SetPresence(ctx, s.userID, p.Status); err != nil {
			h.logger.Warn("Presence update failed", "user", s.userID, "status", p.Status, "error", err)
		}

	default:
		h.logger.Debug("Ignoring unknown opcode", "user", s.userID, "op", frame.Opcode)
	}
}
