package bus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jarvishq/jarvisd/internal/common/logger"
	"github.com/jarvishq/jarvisd/internal/events"
)

func newTestBus(t *testing.T) *MemoryBus {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console"})
	if err != nil {
		t.Fatalf("failed to create logger: %v", err)
	}
	return NewMemoryBus(log)
}

func runEvent(agentID string) *events.Event {
	return events.New(events.RunUpdated, events.RunPayload{
		Kind:    events.RunUpdated,
		RunID:   "run-1",
		AgentID: agentID,
		Status:  "running",
	})
}

func TestMemoryBusFanOut(t *testing.T) {
	b := newTestBus(t)
	defer b.Close()

	var a, c atomic.Int32
	if _, err := b.Subscribe(events.RunUpdated, "sub-a", func(ctx context.Context, ev *events.Event) error {
		a.Add(1)
		return nil
	}); err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}
	if _, err := b.Subscribe(events.RunUpdated, "sub-b", func(ctx context.Context, ev *events.Event) error {
		c.Add(1)
		return nil
	}); err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}

	if err := b.Publish(context.Background(), runEvent("agent-1")); err != nil {
		t.Fatalf("publish failed: %v", err)
	}

	if a.Load() != 1 || c.Load() != 1 {
		t.Errorf("expected both subscribers to receive the event, got %d and %d", a.Load(), c.Load())
	}
}

func TestMemoryBusPublishBlocksUntilHandlersFinish(t *testing.T) {
	b := newTestBus(t)
	defer b.Close()

	var done atomic.Bool
	_, err := b.Subscribe(events.RunUpdated, "slow", func(ctx context.Context, ev *events.Event) error {
		time.Sleep(50 * time.Millisecond)
		done.Store(true)
		return nil
	})
	if err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}

	if err := b.Publish(context.Background(), runEvent("agent-1")); err != nil {
		t.Fatalf("publish failed: %v", err)
	}
	if !done.Load() {
		t.Error("Publish returned before the handler finished")
	}
}

func TestMemoryBusHandlerErrorIsolated(t *testing.T) {
	b := newTestBus(t)
	defer b.Close()

	var received atomic.Int32
	_, err := b.Subscribe(events.RunUpdated, "failing", func(ctx context.Context, ev *events.Event) error {
		return errors.New("handler blew up")
	})
	if err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}
	_, err = b.Subscribe(events.RunUpdated, "healthy", func(ctx context.Context, ev *events.Event) error {
		received.Add(1)
		return nil
	})
	if err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}

	if err := b.Publish(context.Background(), runEvent("agent-1")); err != nil {
		t.Fatalf("publish should not surface handler errors, got: %v", err)
	}
	if received.Load() != 1 {
		t.Errorf("healthy subscriber should still receive the event, got %d", received.Load())
	}
}

func TestMemoryBusHandlerPanicIsolated(t *testing.T) {
	b := newTestBus(t)
	defer b.Close()

	_, err := b.Subscribe(events.RunUpdated, "panicking", func(ctx context.Context, ev *events.Event) error {
		panic("boom")
	})
	if err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}

	if err := b.Publish(context.Background(), runEvent("agent-1")); err != nil {
		t.Fatalf("publish should survive a panicking handler, got: %v", err)
	}
	// A second publish must still work.
	if err := b.Publish(context.Background(), runEvent("agent-1")); err != nil {
		t.Fatalf("second publish failed: %v", err)
	}
}

func TestMemoryBusFIFOPerSubscriber(t *testing.T) {
	b := newTestBus(t)
	defer b.Close()

	var mu sync.Mutex
	var order []string
	_, err := b.Subscribe(events.RunUpdated, "ordered", func(ctx context.Context, ev *events.Event) error {
		mu.Lock()
		order = append(order, ev.Payload.(events.RunPayload).AgentID)
		mu.Unlock()
		return nil
	})
	if err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}

	for i := 0; i < 20; i++ {
		if err := b.Publish(context.Background(), runEvent(fmt.Sprintf("agent-%d", i))); err != nil {
			t.Fatalf("publish %d failed: %v", i, err)
		}
	}

	mu.Lock()
	defer mu.Unlock()
	if len(order) != 20 {
		t.Fatalf("expected 20 deliveries, got %d", len(order))
	}
	for i, id := range order {
		if want := fmt.Sprintf("agent-%d", i); id != want {
			t.Errorf("delivery %d: expected %s, got %s", i, want, id)
		}
	}
}

func TestMemoryBusSubscribeAll(t *testing.T) {
	b := newTestBus(t)
	defer b.Close()

	var kinds []events.Kind
	var mu sync.Mutex
	_, err := b.SubscribeAll("router", func(ctx context.Context, ev *events.Event) error {
		mu.Lock()
		kinds = append(kinds, ev.Kind)
		mu.Unlock()
		return nil
	})
	if err != nil {
		t.Fatalf("subscribe all failed: %v", err)
	}

	if err := b.Publish(context.Background(), runEvent("agent-1")); err != nil {
		t.Fatalf("publish failed: %v", err)
	}
	ev := events.New(events.ThreadCreated, events.ThreadPayload{
		Kind: events.ThreadCreated, ThreadID: "thread-1", AgentID: "agent-1",
	})
	if err := b.Publish(context.Background(), ev); err != nil {
		t.Fatalf("publish failed: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(kinds) != 2 {
		t.Fatalf("wildcard subscriber should see every kind, got %d events", len(kinds))
	}
}

func TestMemoryBusUnsubscribe(t *testing.T) {
	b := newTestBus(t)
	defer b.Close()

	var count atomic.Int32
	sub, err := b.Subscribe(events.RunUpdated, "sub-a", func(ctx context.Context, ev *events.Event) error {
		count.Add(1)
		return nil
	})
	if err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}

	if err := b.Publish(context.Background(), runEvent("agent-1")); err != nil {
		t.Fatalf("publish failed: %v", err)
	}
	if err := sub.Unsubscribe(); err != nil {
		t.Fatalf("unsubscribe failed: %v", err)
	}
	if sub.IsValid() {
		t.Error("subscription should be invalid after unsubscribe")
	}
	if err := b.Publish(context.Background(), runEvent("agent-1")); err != nil {
		t.Fatalf("publish failed: %v", err)
	}

	if count.Load() != 1 {
		t.Errorf("expected 1 delivery after unsubscribe, got %d", count.Load())
	}
}

func TestMemoryBusIdempotentRegistration(t *testing.T) {
	b := newTestBus(t)
	defer b.Close()

	var count atomic.Int32
	handler := func(ctx context.Context, ev *events.Event) error {
		count.Add(1)
		return nil
	}

	first, err := b.Subscribe(events.RunUpdated, "same-id", handler)
	if err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}
	second, err := b.Subscribe(events.RunUpdated, "same-id", handler)
	if err != nil {
		t.Fatalf("re-subscribe failed: %v", err)
	}
	if first != second {
		t.Error("re-registering the same id should return the existing subscription")
	}

	if err := b.Publish(context.Background(), runEvent("agent-1")); err != nil {
		t.Fatalf("publish failed: %v", err)
	}
	if count.Load() != 1 {
		t.Errorf("duplicate registration must not duplicate delivery, got %d", count.Load())
	}
}

func TestMemoryBusClose(t *testing.T) {
	b := newTestBus(t)

	sub, err := b.Subscribe(events.RunUpdated, "sub-a", func(ctx context.Context, ev *events.Event) error {
		return nil
	})
	if err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}

	b.Close()

	if b.IsConnected() {
		t.Error("bus should report disconnected after Close")
	}
	if sub.IsValid() {
		t.Error("subscriptions should be invalidated by Close")
	}
	if err := b.Publish(context.Background(), runEvent("agent-1")); err == nil {
		t.Error("publish after Close should fail")
	}
	if _, err := b.Subscribe(events.RunUpdated, "late", func(ctx context.Context, ev *events.Event) error {
		return nil
	}); err == nil {
		t.Error("subscribe after Close should fail")
	}
}
