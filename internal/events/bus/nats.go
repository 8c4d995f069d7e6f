package bus

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/jarvishq/jarvisd/internal/common/config"
	"github.com/jarvishq/jarvisd/internal/common/logger"
	"github.com/jarvishq/jarvisd/internal/events"
)

// Events are published on "events.<kind>"; SubscribeAll listens on
// "events.>". Kinds never contain NATS token separators, so the mapping
// is unambiguous.
const subjectPrefix = "events."

// NATSBus implements Bus over a NATS connection. Unlike the in-memory
// bus, Publish returns once the broker has accepted the message; fan-out
// completion is the broker's concern.
type NATSBus struct {
	conn   *nats.Conn
	logger *logger.Logger
	config config.NATSConfig

	mu   sync.Mutex
	subs map[string]*natsSubscription
}

// NewNATSBus connects to NATS with reconnection handling.
func NewNATSBus(cfg config.NATSConfig, log *logger.Logger) (*NATSBus, error) {
	bus := &NATSBus{
		logger: log,
		config: cfg,
		subs:   make(map[string]*natsSubscription),
	}

	opts := []nats.Option{
		nats.Name(cfg.ClientID),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(2 * time.Second),
		nats.ReconnectBufSize(5 * 1024 * 1024), // 5MB buffer during reconnect

		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			if err != nil {
				log.Warn("NATS disconnected", zap.Error(err))
			} else {
				log.Info("NATS disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info("NATS reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
		nats.ClosedHandler(func(nc *nats.Conn) {
			if err := nc.LastError(); err != nil {
				log.Error("NATS connection closed", zap.Error(err))
			} else {
				log.Info("NATS connection closed")
			}
		}),
		nats.ErrorHandler(func(nc *nats.Conn, sub *nats.Subscription, err error) {
			log.Error("NATS error",
				zap.Error(err),
				zap.String("subject", sub.Subject),
			)
		}),
	}

	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	bus.conn = conn
	log.Info("Connected to NATS", zap.String("url", cfg.URL))

	return bus, nil
}

// Publish sends the event on its kind subject.
func (b *NATSBus) Publish(ctx context.Context, ev *events.Event) error {
	data, err := events.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	subject := subjectPrefix + string(ev.Kind)
	if err := b.conn.Publish(subject, data); err != nil {
		b.logger.Error("Failed to publish event",
			zap.String("subject", subject),
			zap.String("kind", string(ev.Kind)),
			zap.Error(err),
		)
		return fmt.Errorf("failed to publish event: %w", err)
	}

	b.logger.Debug("Published event",
		zap.String("subject", subject),
		zap.String("event_id", ev.ID),
		zap.String("kind", string(ev.Kind)),
	)

	return nil
}

// Subscribe registers a handler for one kind. Idempotent on id.
func (b *NATSBus) Subscribe(kind events.Kind, id string, handler Handler) (Subscription, error) {
	return b.subscribe(subjectPrefix+string(kind), id, handler)
}

// SubscribeAll registers a handler for every kind. Idempotent on id.
func (b *NATSBus) SubscribeAll(id string, handler Handler) (Subscription, error) {
	return b.subscribe(subjectPrefix+">", id, handler)
}

func (b *NATSBus) subscribe(subject, id string, handler Handler) (Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	key := subject + "/" + id
	if existing, ok := b.subs[key]; ok && existing.IsValid() {
		return existing, nil
	}

	natsSub, err := b.conn.Subscribe(subject, b.createMsgHandler(id, handler))
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to %s: %w", subject, err)
	}

	sub := &natsSubscription{bus: b, key: key, sub: natsSub}
	b.subs[key] = sub

	b.logger.Debug("Subscribed to subject",
		zap.String("subject", subject),
		zap.String("subscriber", id))
	return sub, nil
}

func (b *NATSBus) createMsgHandler(id string, handler Handler) nats.MsgHandler {
	return func(msg *nats.Msg) {
		ev, err := events.Unmarshal(msg.Data)
		if err != nil {
			b.logger.Error("Failed to unmarshal event",
				zap.String("subject", msg.Subject),
				zap.Error(err),
			)
			return
		}

		ctx := context.Background()
		if err := handler(ctx, ev); err != nil {
			b.logger.Error("Event handler failed",
				zap.String("subject", msg.Subject),
				zap.String("subscriber", id),
				zap.String("event_id", ev.ID),
				zap.String("kind", string(ev.Kind)),
				zap.Error(err),
			)
		}
	}
}

// Close drains the connection, processing pending messages first.
func (b *NATSBus) Close() {
	if b.conn != nil {
		if err := b.conn.Drain(); err != nil {
			b.logger.Warn("Error draining NATS connection", zap.Error(err))
			b.conn.Close()
		}
		b.logger.Info("NATS connection closed")
	}
}

// IsConnected returns whether the NATS connection is active.
func (b *NATSBus) IsConnected() bool {
	if b.conn == nil {
		return false
	}
	return b.conn.IsConnected()
}

type natsSubscription struct {
	bus *NATSBus
	key string
	sub *nats.Subscription
}

func (s *natsSubscription) Unsubscribe() error {
	s.bus.mu.Lock()
	delete(s.bus.subs, s.key)
	s.bus.mu.Unlock()
	return s.sub.Unsubscribe()
}

func (s *natsSubscription) IsValid() bool {
	return s.sub.IsValid()
}
