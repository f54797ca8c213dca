package main

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/metric"
)

// ErrAlreadyRegistered is returned when the same connection object is
// registered twice. The original registration is left untouched.
var ErrAlreadyRegistered = errors.New("connection already registered")

// ErrUnknownConnection is returned for operations on a connection id that is
// not (or no longer) registered.
var ErrUnknownConnection = errors.New("unknown connection")

// ConnID identifies one live client socket. Opaque and process-local.
type ConnID string

// Sender is the write side of one client socket. Send must be atomic per
// frame and must not block indefinitely; a failed Send means the connection
// is dead.
type Sender interface {
	Send(data []byte) error
	Close()
}

// ChannelObserver is notified when a channel's local subscriber count
// transitions between zero and nonzero. Calls are serialized and delivered
// in transition order, outside the manager's state lock.
type ChannelObserver interface {
	ChannelActive(channelID string)
	ChannelIdle(channelID string)
}

// DisconnectHook runs after a connection has been removed from all indices.
// wasLast reports whether it was the user's last connection on this process.
type DisconnectHook func(userID string, wasLast bool)

type connection struct {
	id            ConnID
	userID        string
	deviceID      string
	sender        Sender
	channels      map[string]bool
	lastHeartbeat time.Time
}

// ConnectionManager owns this process's live connections and the local
// user and channel indices. All state is process-local; no other process
// ever reads or writes it.
type ConnectionManager struct {
	// obsMu serializes channel transitions with their observer
	// notifications so an Idle can never overtake the Active that preceded
	// it. Always acquired before mu, never held across the disconnect hook.
	obsMu sync.Mutex

	mu       sync.RWMutex
	conns    map[ConnID]*connection
	bySender map[Sender]ConnID
	users    map[string]map[ConnID]bool
	channels map[string]map[ConnID]bool

	observer     ChannelObserver
	onDisconnect DisconnectHook
	logger       *slog.Logger

	deliveredCounter metric.Int64Counter
	dropCounter      metric.Int64Counter
}

// NewConnectionManager creates an empty manager.
func NewConnectionManager(logger *slog.Logger, meter metric.Meter) *ConnectionManager {
	deliveredCounter, _ := meter.Int64Counter("gateway_frames_delivered_total",
		metric.WithDescription("Frames delivered to local connections"))
	dropCounter, _ := meter.Int64Counter("gateway_delivery_failures_total",
		metric.WithDescription("Connections dropped due to send failures"))

	return &ConnectionManager{
		conns:            make(map[ConnID]*connection),
		bySender:         make(map[Sender]ConnID),
		users:            make(map[string]map[ConnID]bool),
		channels:         make(map[string]map[ConnID]bool),
		logger:           logger,
		deliveredCounter: deliveredCounter,
		dropCounter:      dropCounter,
	}
}

// SetObserver installs the channel activity observer. Must be called before
// connections arrive.
func (cm *ConnectionManager) SetObserver(o ChannelObserver) {
	cm.observer = o
}

// SetDisconnectHook installs the hook invoked after every unregister. Must
// be called before connections arrive.
func (cm *ConnectionManager) SetDisconnectHook(h DisconnectHook) {
	cm.onDisconnect = h
}

// Register adds a connection to the user index and returns its id.
func (cm *ConnectionManager) Register(s Sender, userID, deviceID string) (ConnID, error) {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if _, ok := cm.bySender[s]; ok {
		return "", ErrAlreadyRegistered
	}

	id := ConnID(uuid.NewString())
	cm.conns[id] = &connection{
		id:            id,
		userID:        userID,
		deviceID:      deviceID,
		sender:        s,
		channels:      make(map[string]bool),
		lastHeartbeat: time.Now(),
	}
	cm.bySender[s] = id
	if cm.users[userID] == nil {
		cm.users[userID] = make(map[ConnID]bool)
	}
	cm.users[userID][id] = true
	return id, nil
}

// Subscribe adds the connection to a channel's local subscriber set.
// Idempotent: subscribing twice leaves exactly one entry.
func (cm *ConnectionManager) Subscribe(id ConnID, channelID string) error {
	cm.obsMu.Lock()
	defer cm.obsMu.Unlock()

	cm.mu.Lock()
	conn, ok := cm.conns[id]
	if !ok {
		cm.mu.Unlock()
		return ErrUnknownConnection
	}
	if conn.channels[channelID] {
		cm.mu.Unlock()
		return nil
	}
	conn.channels[channelID] = true
	becameActive := cm.channels[channelID] == nil
	if becameActive {
		cm.channels[channelID] = make(map[ConnID]bool)
	}
	cm.channels[channelID][id] = true
	cm.mu.Unlock()

	if becameActive && cm.observer != nil {
		cm.observer.ChannelActive(channelID)
	}
	return nil
}

// Unsubscribe removes the connection from a channel's local subscriber set.
func (cm *ConnectionManager) Unsubscribe(id ConnID, channelID string) error {
	cm.obsMu.Lock()
	defer cm.obsMu.Unlock()

	cm.mu.Lock()
	conn, ok := cm.conns[id]
	if !ok {
		cm.mu.Unlock()
		return ErrUnknownConnection
	}
	delete(conn.channels, channelID)
	becameIdle := cm.dropSubscriberLocked(channelID, id)
	cm.mu.Unlock()

	if becameIdle && cm.observer != nil {
		cm.observer.ChannelIdle(channelID)
	}
	return nil
}

// dropSubscriberLocked removes id from a channel set and reports whether the
// set became empty. Caller holds cm.mu.
func (cm *ConnectionManager) dropSubscriberLocked(channelID string, id ConnID) bool {
	subs, ok := cm.channels[channelID]
	if !ok {
		return false
	}
	delete(subs, id)
	if len(subs) == 0 {
		delete(cm.channels, channelID)
		return true
	}
	return false
}

// UnregisterAll removes the connection from every local index. Safe to call
// more than once; only the first call has any effect.
func (cm *ConnectionManager) UnregisterAll(id ConnID) {
	cm.obsMu.Lock()

	cm.mu.Lock()
	conn, ok := cm.conns[id]
	if !ok {
		cm.mu.Unlock()
		cm.obsMu.Unlock()
		return
	}
	delete(cm.conns, id)
	delete(cm.bySender, conn.sender)

	var idled []string
	for channelID := range conn.channels {
		if cm.dropSubscriberLocked(channelID, id) {
			idled = append(idled, channelID)
		}
	}

	wasLast := false
	if userConns, ok := cm.users[conn.userID]; ok {
		delete(userConns, id)
		if len(userConns) == 0 {
			delete(cm.users, conn.userID)
			wasLast = true
		}
	}
	cm.mu.Unlock()

	if cm.observer != nil {
		for _, channelID := range idled {
			cm.observer.ChannelIdle(channelID)
		}
	}
	cm.obsMu.Unlock()

	// The hook may broadcast, which re-enters this manager; it runs outside
	// both locks.
	if cm.onDisconnect != nil {
		cm.onDisconnect(conn.userID, wasLast)
	}
}

// UserChannels returns the union of channels across all of the user's
// locally-registered connections.
func (cm *ConnectionManager) UserChannels(userID string) []string {
	cm.mu.RLock()
	defer cm.mu.RUnlock()

	seen := make(map[string]bool)
	for id := range cm.users[userID] {
		if conn, ok := cm.conns[id]; ok {
			for channelID := range conn.channels {
				seen[channelID] = true
			}
		}
	}
	if len(seen) == 0 {
		return nil
	}
	channels := make([]string, 0, len(seen))
	for channelID := range seen {
		channels = append(channels, channelID)
	}
	return channels
}

// MarkHeartbeat records a client heartbeat on the connection.
func (cm *ConnectionManager) MarkHeartbeat(id ConnID) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	if conn, ok := cm.conns[id]; ok {
		conn.lastHeartbeat = time.Now()
	}
}

// BroadcastLocal delivers a frame to every locally-subscribed connection of
// the channel and returns the delivered count. The subscriber set is
// snapshotted under the read lock; socket writes happen after release so a
// slow socket never blocks registration. A failed send drops only that
// connection, which is torn down as if it had disconnected.
func (cm *ConnectionManager) BroadcastLocal(channelID string, frame []byte) int {
	cm.mu.RLock()
	targets := make([]*connection, 0, len(cm.channels[channelID]))
	for id := range cm.channels[channelID] {
		if conn, ok := cm.conns[id]; ok {
			targets = append(targets, conn)
		}
	}
	cm.mu.RUnlock()

	delivered := 0
	var failed []*connection
	for _, conn := range targets {
		if err := conn.sender.Send(frame); err != nil {
			cm.logger.Warn("Delivery failed, dropping connection",
				"conn", conn.id, "user", conn.userID, "channel", channelID, "error", err)
			failed = append(failed, conn)
			continue
		}
		delivered++
	}

	for _, conn := range failed {
		cm.UnregisterAll(conn.id)
		conn.sender.Close()
	}

	if delivered > 0 {
		cm.deliveredCounter.Add(context.Background(), int64(delivered))
	}
	if len(failed) > 0 {
		cm.dropCounter.Add(context.Background(), int64(len(failed)))
	}
	return delivered
}

// ConnCount returns the number of open connections.
func (cm *ConnectionManager) ConnCount() int {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return len(cm.conns)
}

// ChannelCount returns the number of channels with local subscribers.
func (cm *ConnectionManager) ChannelCount() int {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return len(cm.channels)
}
