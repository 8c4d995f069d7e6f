package bus

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/jarvishq/jarvisd/internal/common/logger"
	"github.com/jarvishq/jarvisd/internal/events"
)

// MemoryBus implements Bus with in-process fan-out.
//
// Publish snapshots the subscriber set under a read lock, invokes every
// handler on its own goroutine, and waits for all of them. Each
// subscriber carries its own mutex, so a given subscriber observes
// events from one publishing goroutine in FIFO order while distinct
// subscribers run concurrently.
type MemoryBus struct {
	subscribers map[events.Kind]map[string]*memorySubscription
	all         map[string]*memorySubscription
	mu          sync.RWMutex
	logger      *logger.Logger
	closed      bool
}

// memorySubscription is one registered handler.
type memorySubscription struct {
	bus     *MemoryBus
	kind    events.Kind // zero value for SubscribeAll
	id      string
	wild    bool
	handler Handler

	// deliver serializes handler invocations for this subscriber.
	deliver sync.Mutex

	mu     sync.Mutex
	active bool
}

// Unsubscribe removes the subscription.
func (s *memorySubscription) Unsubscribe() error {
	s.mu.Lock()
	s.active = false
	s.mu.Unlock()

	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()

	if s.wild {
		delete(s.bus.all, s.id)
		return nil
	}
	if subs, ok := s.bus.subscribers[s.kind]; ok {
		delete(subs, s.id)
		if len(subs) == 0 {
			delete(s.bus.subscribers, s.kind)
		}
	}
	return nil
}

// IsValid returns whether the subscription is still active.
func (s *memorySubscription) IsValid() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// NewMemoryBus creates a new in-memory event bus.
func NewMemoryBus(log *logger.Logger) *MemoryBus {
	return &MemoryBus{
		subscribers: make(map[events.Kind]map[string]*memorySubscription),
		all:         make(map[string]*memorySubscription),
		logger:      log,
	}
}

// Publish delivers ev to all subscribers of ev.Kind plus all wildcard
// subscribers, concurrently, and returns once every handler has
// finished. Handler errors and panics are logged and isolated.
func (b *MemoryBus) Publish(ctx context.Context, ev *events.Event) error {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return fmt.Errorf("event bus is closed")
	}
	targets := make([]*memorySubscription, 0, len(b.subscribers[ev.Kind])+len(b.all))
	for _, sub := range b.subscribers[ev.Kind] {
		targets = append(targets, sub)
	}
	for _, sub := range b.all {
		targets = append(targets, sub)
	}
	b.mu.RUnlock()

	var wg sync.WaitGroup
	for _, sub := range targets {
		sub.mu.Lock()
		active := sub.active
		sub.mu.Unlock()
		if !active {
			continue
		}

		wg.Add(1)
		go func(s *memorySubscription) {
			defer wg.Done()
			s.deliver.Lock()
			defer s.deliver.Unlock()
			defer func() {
				if r := recover(); r != nil {
					b.logger.Error("Event handler panicked",
						zap.String("subscriber", s.id),
						zap.String("kind", string(ev.Kind)),
						zap.Any("panic", r))
				}
			}()
			if err := s.handler(ctx, ev); err != nil {
				b.logger.Error("Event handler error",
					zap.String("subscriber", s.id),
					zap.String("kind", string(ev.Kind)),
					zap.Error(err))
			}
		}(sub)
	}
	wg.Wait()

	b.logger.Debug("Published event",
		zap.String("event_id", ev.ID),
		zap.String("kind", string(ev.Kind)),
		zap.Int("subscribers", len(targets)))

	return nil
}

// Subscribe registers a handler for one kind. Idempotent on id.
func (b *MemoryBus) Subscribe(kind events.Kind, id string, handler Handler) (Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, fmt.Errorf("event bus is closed")
	}
	if subs, ok := b.subscribers[kind]; ok {
		if existing, ok := subs[id]; ok {
			return existing, nil
		}
	}

	sub := &memorySubscription{bus: b, kind: kind, id: id, handler: handler, active: true}
	if _, ok := b.subscribers[kind]; !ok {
		b.subscribers[kind] = make(map[string]*memorySubscription)
	}
	b.subscribers[kind][id] = sub

	b.logger.Debug("Subscribed", zap.String("kind", string(kind)), zap.String("subscriber", id))
	return sub, nil
}

// SubscribeAll registers a handler for every kind. Idempotent on id.
func (b *MemoryBus) SubscribeAll(id string, handler Handler) (Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, fmt.Errorf("event bus is closed")
	}
	if existing, ok := b.all[id]; ok {
		return existing, nil
	}

	sub := &memorySubscription{bus: b, id: id, wild: true, handler: handler, active: true}
	b.all[id] = sub

	b.logger.Debug("Subscribed to all kinds", zap.String("subscriber", id))
	return sub, nil
}

// Close closes the event bus.
func (b *MemoryBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.closed = true

	for _, subs := range b.subscribers {
		for _, sub := range subs {
			sub.mu.Lock()
			sub.active = false
			sub.mu.Unlock()
		}
	}
	for _, sub := range b.all {
		sub.mu.Lock()
		sub.active = false
		sub.mu.Unlock()
	}

	b.subscribers = make(map[events.Kind]map[string]*memorySubscription)
	b.all = make(map[string]*memorySubscription)

	b.logger.Info("Memory event bus closed")
}

// IsConnected returns true while the bus is open.
func (b *MemoryBus) IsConnected() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return !b.closed
}
