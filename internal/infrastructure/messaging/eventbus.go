// Package messaging delivers committed progress events: in process to local
// subscribers, and over Redis Pub/Sub to other services such as notifications.
package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/tradeacademy/progress-engine/internal/domain/progress"
	"github.com/tradeacademy/progress-engine/pkg/circuitbreaker"
	"github.com/tradeacademy/progress-engine/pkg/logger"
)

// ErrEventBusClosed is returned by Publish after Close.
var ErrEventBusClosed = errors.New("event bus is closed")

// Handler consumes one event. A returned error is logged and does not stop
// delivery to other handlers.
type Handler func(ctx context.Context, event progress.Event) error

// ══════════════════════════════════════════════════════════════════════════════
// IN-MEMORY EVENT BUS
// ══════════════════════════════════════════════════════════════════════════════

// InMemoryEventBus dispatches events synchronously to local handlers.
type InMemoryEventBus struct {
	mu          sync.RWMutex
	handlers    map[progress.EventType][]Handler
	allHandlers []Handler
	logger      *logger.Logger
	closed      bool
}

var _ progress.Publisher = (*InMemoryEventBus)(nil)

// NewInMemoryEventBus creates a new in-memory event bus. log may be nil.
func NewInMemoryEventBus(log *logger.Logger) *InMemoryEventBus {
	if log == nil {
		log = logger.Nop()
	}
	return &InMemoryEventBus{
		handlers: make(map[progress.EventType][]Handler),
		logger:   log.With(logger.Component("event_bus")),
	}
}

// Subscribe registers a handler for one event type.
func (b *InMemoryEventBus) Subscribe(eventType progress.EventType, handler Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[eventType] = append(b.handlers[eventType], handler)
}

// SubscribeAll registers a handler for every event type.
func (b *InMemoryEventBus) SubscribeAll(handler Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.allHandlers = append(b.allHandlers, handler)
}

// Publish implements progress.Publisher.
func (b *InMemoryEventBus) Publish(ctx context.Context, events ...progress.Event) error {
	for _, event := range events {
		b.mu.RLock()
		if b.closed {
			b.mu.RUnlock()
			return ErrEventBusClosed
		}
		handlers := make([]Handler, 0, len(b.handlers[event.Type])+len(b.allHandlers))
		handlers = append(handlers, b.handlers[event.Type]...)
		handlers = append(handlers, b.allHandlers...)
		b.mu.RUnlock()

		for _, h := range handlers {
			b.dispatch(ctx, event, h)
		}
	}
	return nil
}

func (b *InMemoryEventBus) dispatch(ctx context.Context, event progress.Event, h Handler) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event handler panicked",
				logger.String("event_type", string(event.Type)), logger.Any("panic", r))
		}
	}()
	if err := h(ctx, event); err != nil {
		b.logger.Error("event handler failed",
			logger.String("event_type", string(event.Type)), logger.UserID(event.UserID), logger.Err(err))
	}
}

// Close stops delivery.
func (b *InMemoryEventBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}

// ══════════════════════════════════════════════════════════════════════════════
// REDIS PUBLISHER
// ══════════════════════════════════════════════════════════════════════════════

// DefaultChannel is the Pub/Sub channel progress events are published on.
const DefaultChannel = "progress.events"

// Envelope is the wire format of a published event.
type Envelope struct {
	InstanceID string `json:"instance_id"`
	progress.Event
}

// RedisPublisher publishes events to a Redis Pub/Sub channel and then to an
// optional local bus. Subscribers that are offline miss events; consumers
// needing completeness read the event tables instead. While the breaker is
// open Redis is skipped and only the local bus is served.
type RedisPublisher struct {
	client     *redis.Client
	channel    string
	instanceID string
	local      *InMemoryEventBus
	breaker    *circuitbreaker.CircuitBreaker
}

var _ progress.Publisher = (*RedisPublisher)(nil)

// NewRedisPublisher creates a publisher. local may be nil. breaker is usually
// shared with the read cache on the same client; nil gets a private one.
func NewRedisPublisher(client *redis.Client, channel string, local *InMemoryEventBus, breaker *circuitbreaker.CircuitBreaker) *RedisPublisher {
	if channel == "" {
		channel = DefaultChannel
	}
	if breaker == nil {
		breaker = circuitbreaker.CacheBreaker(nil, nil)
	}
	return &RedisPublisher{
		client:     client,
		channel:    channel,
		instanceID: uuid.NewString(),
		local:      local,
		breaker:    breaker,
	}
}

// Channel returns the Pub/Sub channel name.
func (p *RedisPublisher) Channel() string {
	return p.channel
}

// Publish implements progress.Publisher. All events go out in one pipeline.
func (p *RedisPublisher) Publish(ctx context.Context, events ...progress.Event) error {
	if len(events) == 0 {
		return nil
	}

	payloads := make([][]byte, 0, len(events))
	for _, e := range events {
		b, err := json.Marshal(Envelope{InstanceID: p.instanceID, Event: e})
		if err != nil {
			return fmt.Errorf("marshal %s event: %w", e.Type, err)
		}
		payloads = append(payloads, b)
	}

	err := p.breaker.Execute(ctx, func(ctx context.Context) error {
		_, err := p.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
			for _, b := range payloads {
				pipe.Publish(ctx, p.channel, b)
			}
			return nil
		})
		return err
	})
	if err != nil {
		err = fmt.Errorf("publish to %s: %w", p.channel, err)
	}

	if p.local != nil {
		return errors.Join(err, p.local.Publish(ctx, events...))
	}
	return err
}

// DecodeEnvelope parses a message received from the channel.
func DecodeEnvelope(payload string) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal([]byte(payload), &env); err != nil {
		return Envelope{}, fmt.Errorf("decode event envelope: %w", err)
	}
	return env, nil
}
