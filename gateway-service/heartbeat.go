package main

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/metric"
)

// Connection lifecycle states.
const (
	stateConnecting int32 = iota
	stateActive
	stateClosing
	stateClosed
)

// session ties one registered connection to its heartbeat loop. The loop
// refreshes the user's presence TTL every interval while the connection is
// active; missing maxMissed consecutive client heartbeats (or a transport
// close) moves the session to closing, which unregisters the connection.
// Presence-offline for the user's last connection is handled by the
// connection manager's disconnect hook, so teardown behaves the same
// whether it starts here, in the read loop, or in a failed broadcast.
type session struct {
	connID   ConnID
	userID   string
	deviceID string
	sender   Sender
	cm       *ConnectionManager

	presence  *PresenceTracker
	interval  time.Duration
	maxMissed int32

	state     atomic.Int32
	missed    atomic.Int32
	done      chan struct{}
	closeOnce sync.Once
	logger    *slog.Logger

	beatCounter metric.Int64Counter
}

func newSession(connID ConnID, userID, deviceID string, sender Sender, cm *ConnectionManager, presence *PresenceTracker, interval time.Duration, maxMissed int, logger *slog.Logger, meter metric.Meter) *session {
	beatCounter, _ := meter.Int64Counter("gateway_heartbeats_total",
		metric.WithDescription("Client heartbeats received"))

	s := &session{
		connID:      connID,
		userID:      userID,
		deviceID:    deviceID,
		sender:      sender,
		cm:          cm,
		presence:    presence,
		interval:    interval,
		maxMissed:   int32(maxMissed),
		done:        make(chan struct{}),
		logger:      logger,
		beatCounter: beatCounter,
	}
	s.state.Store(stateConnecting)
	return s
}

// run drives the heartbeat timer until the session closes or ctx ends. The
// done channel exists before this goroutine starts, so a shutdown racing
// with startup still stops the loop.
func (s *session) run(ctx context.Context) {
	if !s.state.CompareAndSwap(stateConnecting, stateActive) {
		// Shutdown won the race before the first tick.
		return
	}

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.done:
			return
		case <-ticker.C:
			if s.missed.Add(1) > s.maxMissed {
				s.logger.Warn("Heartbeat timeout", "user", s.userID, "conn", s.connID, "missed", s.maxMissed)
				s.shutdown("heartbeat timeout")
				return
			}
			refreshCtx, cancel := context.WithTimeout(context.Background(), s.interval)
			if err := s.presence.RefreshTTL(refreshCtx, s.userID); err != nil {
				// A failed refresh affects only this user's TTL; the loop
				// keeps running for the next tick.
				s.logger.Warn("Presence TTL refresh failed", "user", s.userID, "error", err)
			}
			cancel()
		}
	}
}

// beat records a client heartbeat.
func (s *session) beat() {
	s.missed.Store(0)
	s.cm.MarkHeartbeat(s.connID)
	s.beatCounter.Add(context.Background(), 1)
}

// shutdown tears the session down exactly once: stop the heartbeat loop,
// remove the connection from all local indices, close the socket.
func (s *session) shutdown(reason string) {
	s.closeOnce.Do(func() {
		s.state.Store(stateClosing)
		close(s.done)
		s.cm.UnregisterAll(s.connID)
		s.sender.Close()
		s.state.Store(stateClosed)
		s.logger.Info("Connection closed", "user", s.userID, "conn", s.connID, "reason", reason)
	})
}
