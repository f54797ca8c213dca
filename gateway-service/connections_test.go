package main

import (
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"

	"go.opentelemetry.io/otel"
)

// fakeSender records delivered frames and can be told to fail.
type fakeSender struct {
	mu      sync.Mutex
	frames  [][]byte
	failing bool
	closed  bool
}

func (f *fakeSender) Send(data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failing {
		return errors.New("broken pipe")
	}
	frame := make([]byte, len(data))
	copy(frame, data)
	f.frames = append(f.frames, frame)
	return nil
}

func (f *fakeSender) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
}

func (f *fakeSender) frameCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.frames)
}

func (f *fakeSender) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestManager() *ConnectionManager {
	return NewConnectionManager(testLogger(), otel.Meter("test"))
}

func TestConnectionManager_RegisterDuplicate(t *testing.T) {
	cm := newTestManager()
	sender := &fakeSender{}

	id, err := cm.Register(sender, "u1", "d1")
	if err != nil {
		t.Fatalf("First Register failed: %v", err)
	}
	if err := cm.Subscribe(id, "general"); err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	if _, err := cm.Register(sender, "u1", "d1"); !errors.Is(err, ErrAlreadyRegistered) {
		t.Fatalf("Expected ErrAlreadyRegistered, got %v", err)
	}

	// First registration must be intact.
	channels := cm.UserChannels("u1")
	if len(channels) != 1 || channels[0] != "general" {
		t.Errorf("Expected [general] after rejected duplicate, got %v", channels)
	}
}

func TestConnectionManager_SubscribeIdempotent(t *testing.T) {
	cm := newTestManager()
	id, _ := cm.Register(&fakeSender{}, "u1", "d1")

	if err := cm.Subscribe(id, "general"); err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	if err := cm.Subscribe(id, "general"); err != nil {
		t.Fatalf("Second Subscribe failed: %v", err)
	}

	cm.mu.RLock()
	size := len(cm.channels["general"])
	cm.mu.RUnlock()
	if size != 1 {
		t.Errorf("Expected exactly one subscriber entry, got %d", size)
	}
}

func TestConnectionManager_SubscribeUnknownConnection(t *testing.T) {
	cm := newTestManager()
	if err := cm.Subscribe("no-such-conn", "general"); !errors.Is(err, ErrUnknownConnection) {
		t.Errorf("Expected ErrUnknownConnection, got %v", err)
	}
}

func TestConnectionManager_UnregisterAllClearsEverySet(t *testing.T) {
	cm := newTestManager()
	id, _ := cm.Register(&fakeSender{}, "u1", "d1")

	for _, ch := range []string{"a", "b", "c"} {
		if err := cm.Subscribe(id, ch); err != nil {
			t.Fatalf("Subscribe(%s) failed: %v", ch, err)
		}
	}
	if err := cm.Unsubscribe(id, "b"); err != nil {
		t.Fatalf("Unsubscribe failed: %v", err)
	}

	cm.UnregisterAll(id)

	cm.mu.RLock()
	defer cm.mu.RUnlock()
	for ch, subs := range cm.channels {
		if subs[id] {
			t.Errorf("Connection still present in channel %q after UnregisterAll", ch)
		}
	}
	if len(cm.conns) != 0 {
		t.Errorf("Expected zero connections, got %d", len(cm.conns))
	}
	if len(cm.users["u1"]) != 0 {
		t.Errorf("Expected user index cleared, got %v", cm.users["u1"])
	}
}

func TestConnectionManager_UnregisterAllIsIdempotent(t *testing.T) {
	cm := newTestManager()

	var hookCalls int
	cm.SetDisconnectHook(func(string, bool) { hookCalls++ })

	id, _ := cm.Register(&fakeSender{}, "u1", "d1")
	cm.UnregisterAll(id)
	cm.UnregisterAll(id)

	if hookCalls != 1 {
		t.Errorf("Expected disconnect hook to fire once, fired %d times", hookCalls)
	}
}

func TestConnectionManager_UserChannelsUnion(t *testing.T) {
	cm := newTestManager()
	id1, _ := cm.Register(&fakeSender{}, "u1", "laptop")
	id2, _ := cm.Register(&fakeSender{}, "u1", "phone")
	other, _ := cm.Register(&fakeSender{}, "u2", "d1")

	cm.Subscribe(id1, "a")
	cm.Subscribe(id1, "b")
	cm.Subscribe(id2, "b")
	cm.Subscribe(id2, "c")
	cm.Subscribe(other, "z")

	channels := cm.UserChannels("u1")
	if len(channels) != 3 {
		t.Fatalf("Expected union of 3 channels, got %v", channels)
	}
	seen := make(map[string]bool)
	for _, ch := range channels {
		seen[ch] = true
	}
	for _, want := range []string{"a", "b", "c"} {
		if !seen[want] {
			t.Errorf("Expected channel %q in union, got %v", want, channels)
		}
	}
}

func TestConnectionManager_DisconnectHookWasLast(t *testing.T) {
	cm := newTestManager()

	type call struct {
		userID  string
		wasLast bool
	}
	var calls []call
	cm.SetDisconnectHook(func(userID string, wasLast bool) {
		calls = append(calls, call{userID, wasLast})
	})

	id1, _ := cm.Register(&fakeSender{}, "u1", "laptop")
	id2, _ := cm.Register(&fakeSender{}, "u1", "phone")

	cm.UnregisterAll(id1)
	if len(calls) != 1 || calls[0].wasLast {
		t.Fatalf("Expected wasLast=false while another connection remains, got %+v", calls)
	}

	cm.UnregisterAll(id2)
	if len(calls) != 2 || !calls[1].wasLast {
		t.Fatalf("Expected wasLast=true for the final connection, got %+v", calls)
	}
}

func TestConnectionManager_BroadcastIsolatesFailures(t *testing.T) {
	cm := newTestManager()
	healthy1 := &fakeSender{}
	broken := &fakeSender{failing: true}
	healthy2 := &fakeSender{}

	for i, s := range []*fakeSender{healthy1, broken, healthy2} {
		id, err := cm.Register(s, "u1", "d1")
		if err != nil {
			t.Fatalf("Register %d failed: %v", i, err)
		}
		if err := cm.Subscribe(id, "general"); err != nil {
			t.Fatalf("Subscribe %d failed: %v", i, err)
		}
	}

	delivered := cm.BroadcastLocal("general", []byte(`{"op":"X"}`))
	if delivered != 2 {
		t.Errorf("Expected delivery to 2 healthy connections, got %d", delivered)
	}
	if healthy1.frameCount() != 1 || healthy2.frameCount() != 1 {
		t.Errorf("Expected both healthy connections to receive the frame")
	}

	// The failed connection is torn down as if it had disconnected.
	if !broken.isClosed() {
		t.Error("Expected the failing connection to be closed")
	}
	if cm.ConnCount() != 2 {
		t.Errorf("Expected 2 connections after teardown, got %d", cm.ConnCount())
	}
}

func TestConnectionManager_BroadcastNoSubscribersIsNoop(t *testing.T) {
	cm := newTestManager()
	if delivered := cm.BroadcastLocal("empty", []byte(`{}`)); delivered != 0 {
		t.Errorf("Expected no deliveries for channel without subscribers, got %d", delivered)
	}
}

func TestConnectionManager_ChannelObserverTransitions(t *testing.T) {
	cm := newTestManager()
	obs := &recordingObserver{}
	cm.SetObserver(obs)

	id1, _ := cm.Register(&fakeSender{}, "u1", "d1")
	id2, _ := cm.Register(&fakeSender{}, "u2", "d1")

	cm.Subscribe(id1, "general") // 0 -> 1
	cm.Subscribe(id2, "general") // 1 -> 2, no event
	cm.Unsubscribe(id1, "general")
	cm.UnregisterAll(id2) // 1 -> 0

	if got := obs.activeCount("general"); got != 1 {
		t.Errorf("Expected one ChannelActive for general, got %d", got)
	}
	if got := obs.idleCount("general"); got != 1 {
		t.Errorf("Expected one ChannelIdle for general, got %d", got)
	}
}

type recordingObserver struct {
	mu     sync.Mutex
	active map[string]int
	idle   map[string]int
}

func (o *recordingObserver) ChannelActive(channelID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.active == nil {
		o.active = make(map[string]int)
	}
	o.active[channelID]++
}

func (o *recordingObserver) ChannelIdle(channelID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.idle == nil {
		o.idle = make(map[string]int)
	}
	o.idle[channelID]++
}

func (o *recordingObserver) activeCount(channelID string) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.active[channelID]
}

func (o *recordingObserver) idleCount(channelID string) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.idle[channelID]
}
