package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/example/chat-gateway/pkg/coordstore"
)

// Status is a user's coarse-grained availability. Advisory, eventually
// consistent across processes; absence of a presence entry means offline.
type Status string

const (
	StatusOnline  Status = "online"
	StatusIdle    Status = "idle"
	StatusDnd     Status = "dnd"
	StatusOffline Status = "offline"
)

var validStatuses = map[Status]bool{
	StatusOnline: true, StatusIdle: true, StatusDnd: true, StatusOffline: true,
}

// ErrStoreUnavailable is returned when the circuit breaker is rejecting
// command-role store calls.
var ErrStoreUnavailable = errors.New("coordination store unavailable")

// presenceEntry is the value stored per user in the coordination store.
type presenceEntry struct {
	Status   Status `json:"status"`
	LastSeen int64  `json:"lastSeen"`
}

// PresenceTracker maps users to presence status in the coordination store.
// The store is the source of truth for "is this user online" across all
// gateway processes; the local connection manager only answers "which of my
// sockets belong to this user".
type PresenceTracker struct {
	kv      coordstore.KV
	bridge  *Bridge
	local   *ConnectionManager
	breaker *CircuitBreaker
	timeout time.Duration
	logger  *slog.Logger

	updateCounter  metric.Int64Counter
	refreshCounter metric.Int64Counter
	retryCounter   metric.Int64Counter
}

// NewPresenceTracker creates a tracker whose command-role calls are guarded
// by the given circuit breaker.
func NewPresenceTracker(kv coordstore.KV, bridge *Bridge, local *ConnectionManager, breaker *CircuitBreaker, logger *slog.Logger, meter metric.Meter) *PresenceTracker {
	updateCounter, _ := meter.Int64Counter("gateway_presence_updates_total",
		metric.WithDescription("Presence status writes"))
	refreshCounter, _ := meter.Int64Counter("gateway_presence_refreshes_total",
		metric.WithDescription("Presence TTL refreshes"))
	retryCounter, _ := meter.Int64Counter("gateway_store_retries_total",
		metric.WithDescription("Retried command-role store calls"))

	return &PresenceTracker{
		kv:             kv,
		bridge:         bridge,
		local:          local,
		breaker:        breaker,
		timeout:        5 * time.Second,
		logger:         logger,
		updateCounter:  updateCounter,
		refreshCounter: refreshCounter,
		retryCounter:   retryCounter,
	}
}

// storeCall runs one command-role operation with a bounded timeout and
// exponential backoff, counting failures against the breaker.
func (p *PresenceTracker) storeCall(ctx context.Context, op func(ctx context.Context) error) error {
	if !p.breaker.Allow() {
		return ErrStoreUnavailable
	}

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	bo := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 3), ctx)
	attempt := 0
	err := backoff.Retry(func() error {
		if attempt > 0 {
			p.retryCounter.Add(ctx, 1)
		}
		attempt++
		return op(ctx)
	}, bo)

	if err != nil {
		p.breaker.RecordFailure()
		return err
	}
	p.breaker.RecordSuccess()
	return nil
}

// SetPresence writes the user's status (offline deletes the entry) and then
// publishes PRESENCE_UPDATED to every channel the user's local connections
// are subscribed to. Zero channels means zero publishes; that is not an
// error. Store failures are returned to the caller before any publish.
func (p *PresenceTracker) SetPresence(ctx context.Context, userID string, status Status) error {
	if !validStatuses[status] {
		return fmt.Errorf("invalid presence status %q", status)
	}

	entry := presenceEntry{Status: status, LastSeen: time.Now().UnixMilli()}

	var err error
	if status == StatusOffline {
		err = p.storeCall(ctx, func(ctx context.Context) error {
			return p.kv.Delete(ctx, userID)
		})
	} else {
		data, mErr := json.Marshal(entry)
		if mErr != nil {
			return mErr
		}
		err = p.storeCall(ctx, func(ctx context.Context) error {
			return p.kv.Put(ctx, userID, data)
		})
	}
	if err != nil {
		return fmt.Errorf("presence set for %s: %w", userID, err)
	}

	p.updateCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("status", string(status))))
	p.logger.Debug("Presence updated", "user", userID, "status", status)

	payload, mErr := json.Marshal(PresencePayload{
		UserID:   userID,
		Status:   status,
		LastSeen: entry.LastSeen,
	})
	if mErr != nil {
		return mErr
	}
	for _, channelID := range p.local.UserChannels(userID) {
		if pubErr := p.bridge.BroadcastToChannel(ctx, channelID, OpPresenceUpdated, payload); pubErr != nil {
			p.logger.Warn("Failed to publish presence update", "user", userID, "channel", channelID, "error", pubErr)
		}
	}
	return nil
}

// RefreshTTL extends the presence entry's expiry without changing the stored
// status or broadcasting. If the entry already expired this is a no-op; the
// status is re-set by the next connect or explicit update.
func (p *PresenceTracker) RefreshTTL(ctx context.Context, userID string) error {
	var found bool
	err := p.storeCall(ctx, func(ctx context.Context) error {
		var rErr error
		found, rErr = p.kv.Refresh(ctx, userID)
		return rErr
	})
	if err != nil {
		return fmt.Errorf("presence refresh for %s: %w", userID, err)
	}
	if found {
		p.refreshCounter.Add(ctx, 1)
	}
	return nil
}

// GetPresence reads the user's status. A missing key, a malformed value, or
// a status outside the defined set all normalize to offline. The read goes
// through the same breaker and backoff as every other store call; only a
// genuinely unreachable store counts against the breaker, a missing key is
// a normal answer.
func (p *PresenceTracker) GetPresence(ctx context.Context, userID string) Status {
	var value []byte
	err := p.storeCall(ctx, func(ctx context.Context) error {
		v, gErr := p.kv.Get(ctx, userID)
		if errors.Is(gErr, coordstore.ErrNotFound) {
			value = nil
			return nil
		}
		if gErr != nil {
			return gErr
		}
		value = v
		return nil
	})
	if err != nil {
		p.logger.Warn("Presence read failed, reporting offline", "user", userID, "error", err)
		return StatusOffline
	}
	if value == nil {
		return StatusOffline
	}

	var entry presenceEntry
	if json.Unmarshal(value, &entry) != nil || !validStatuses[entry.Status] {
		return StatusOffline
	}
	return entry.Status
}
