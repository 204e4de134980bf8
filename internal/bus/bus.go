package bus

import (
	"context"
	"log/slog"
	"reflect"
	"sync"

	"github.com/cskr/pubsub"
)

const defaultCapacity = 128

type Subscription chan any

// MessageBus fans channel events out to in-process consumers.
type MessageBus interface {
	Publish(topic string, msg any)
	Subscribe(topics ...string) Subscription
	Unsubscribe(ch Subscription, topics ...string)
	Close()
}

// PubSubBus adapts cskr/pubsub. Calls after Close are no-ops: the underlying
// pubsub blocks forever once it has been shut down.
type PubSubBus struct {
	ps     *pubsub.PubSub
	logger *slog.Logger

	mu     sync.RWMutex
	closed bool
}

func New(logger *slog.Logger) *PubSubBus {
	return NewWithCapacity(logger, defaultCapacity)
}

// NewWithCapacity sets the per-subscriber buffer size.
func NewWithCapacity(logger *slog.Logger, capacity int) *PubSubBus {
	if logger == nil {
		logger = slog.Default().With("component", "bus")
	}
	if capacity <= 0 {
		capacity = defaultCapacity
	}

	return &PubSubBus{
		ps:     pubsub.New(capacity),
		logger: logger,
	}
}

func (b *PubSubBus) Publish(topic string, msg any) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		b.logger.Debug("publish skipped: bus closed", "topic", topic)

		return
	}
	b.logger.Debug("publish", "topic", topic, "payload_type", payloadType(msg))
	b.ps.Pub(msg, topic)
}

func (b *PubSubBus) Subscribe(topics ...string) Subscription {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		ch := make(Subscription)
		close(ch)

		return ch
	}
	ch := b.ps.Sub(topics...)
	b.logger.Debug("subscribe", "topics", topics)

	return ch
}

func (b *PubSubBus) Unsubscribe(ch Subscription, topics ...string) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	if len(topics) == 0 {
		b.ps.Unsub(ch)
		b.logger.Debug("unsubscribe", "mode", "all")

		return
	}
	b.ps.Unsub(ch, topics...)
	b.logger.Debug("unsubscribe", "topics", topics)
}

func (b *PubSubBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	b.ps.Shutdown()
}

func payloadType(v any) string {
	if v == nil {
		return "<nil>"
	}

	return reflect.TypeOf(v).String()
}

// Drain hands every message from sub to handle until ctx is done or the bus
// shuts down. The subscription is released when ctx ends.
func Drain(ctx context.Context, b MessageBus, sub Subscription, handle func(msg any)) {
	for {
		select {
		case <-ctx.Done():
			b.Unsubscribe(sub)

			return
		case msg, ok := <-sub:
			if !ok {
				return
			}
			handle(msg)
		}
	}
}
