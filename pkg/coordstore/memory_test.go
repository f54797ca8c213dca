package coordstore

import (
	"context"
	"testing"
	"time"
)

func TestMemoryBus_PutGetDelete(t *testing.T) {
	kv := NewMemoryBus(time.Minute).KV()
	ctx := context.Background()

	if _, err := kv.Get(ctx, "u1"); err != ErrNotFound {
		t.Fatalf("Expected ErrNotFound for missing key, got %v", err)
	}

	if err := kv.Put(ctx, "u1", []byte("online")); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	value, err := kv.Get(ctx, "u1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if string(value) != "online" {
		t.Errorf("Expected value %q, got %q", "online", value)
	}

	if err := kv.Delete(ctx, "u1"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if _, err := kv.Get(ctx, "u1"); err != ErrNotFound {
		t.Errorf("Expected ErrNotFound after delete, got %v", err)
	}
}

func TestMemoryBus_Expiry(t *testing.T) {
	kv := NewMemoryBus(50 * time.Millisecond).KV()
	ctx := context.Background()

	if err := kv.Put(ctx, "u1", []byte("online")); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	time.Sleep(80 * time.Millisecond)

	if _, err := kv.Get(ctx, "u1"); err != ErrNotFound {
		t.Errorf("Expected ErrNotFound after expiry, got %v", err)
	}
}

func TestMemoryBus_RefreshExtendsExpiry(t *testing.T) {
	kv := NewMemoryBus(100 * time.Millisecond).KV()
	ctx := context.Background()

	if err := kv.Put(ctx, "u1", []byte("online")); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	// Keep refreshing past the original expiry window.
	for i := 0; i < 4; i++ {
		time.Sleep(60 * time.Millisecond)
		found, err := kv.Refresh(ctx, "u1")
		if err != nil {
			t.Fatalf("Refresh failed: %v", err)
		}
		if !found {
			t.Fatalf("Refresh reported key missing on iteration %d", i)
		}
	}

	if _, err := kv.Get(ctx, "u1"); err != nil {
		t.Errorf("Expected key to survive refreshes, got %v", err)
	}
}

func TestMemoryBus_RefreshMissingKeyIsNoop(t *testing.T) {
	kv := NewMemoryBus(time.Minute).KV()

	found, err := kv.Refresh(context.Background(), "ghost")
	if err != nil {
		t.Fatalf("Refresh returned error for missing key: %v", err)
	}
	if found {
		t.Error("Expected Refresh to report false for missing key")
	}
}

func TestMemoryBus_PublishSubscribe(t *testing.T) {
	bus := NewMemoryBus(time.Minute)
	ctx := context.Background()

	var got []string
	sub, err := bus.Subscriber().Subscribe("channel.events.c1", func(_ string, data []byte) {
		got = append(got, string(data))
	})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	for _, msg := range []string{"a", "b", "c"} {
		if err := bus.Publisher().Publish(ctx, "channel.events.c1", []byte(msg)); err != nil {
			t.Fatalf("Publish failed: %v", err)
		}
	}
	// A different topic must not reach this subscriber.
	if err := bus.Publisher().Publish(ctx, "channel.events.c2", []byte("x")); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	if len(got) != 3 || got[0] != "a" || got[1] != "b" || got[2] != "c" {
		t.Errorf("Expected messages [a b c] in publish order, got %v", got)
	}

	if err := sub.Unsubscribe(); err != nil {
		t.Fatalf("Unsubscribe failed: %v", err)
	}
	if err := bus.Publisher().Publish(ctx, "channel.events.c1", []byte("d")); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
	if len(got) != 3 {
		t.Errorf("Expected no delivery after unsubscribe, got %v", got)
	}
}
