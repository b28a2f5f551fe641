// Package bus implements the in-process publish/subscribe router.
// Delivery is synchronous and in subscription order per topic; there is
// no ordering guarantee across topics or across publishing goroutines.
package bus

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// Handler consumes one event payload.
type Handler func(data any)

// Bus routes events to subscribers by topic. A panicking handler is
// recovered and logged so it cannot block delivery to later subscribers.
type Bus struct {
	mu       sync.RWMutex
	handlers map[Topic][]Handler
	logger   *zap.Logger
}

// New creates an empty bus.
func New(logger *zap.Logger) *Bus {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bus{
		handlers: make(map[Topic][]Handler),
		logger:   logger,
	}
}

// Subscribe registers a handler for a topic.
func (b *Bus) Subscribe(topic Topic, h Handler) {
	if h == nil {
		return
	}
	b.mu.Lock()
	b.handlers[topic] = append(b.handlers[topic], h)
	b.mu.Unlock()
}

// Publish delivers data to every subscriber of the topic, on the caller's
// goroutine, in subscription order.
func (b *Bus) Publish(topic Topic, data any) {
	b.mu.RLock()
	subs := b.handlers[topic]
	b.mu.RUnlock()

	for _, h := range subs {
		b.dispatch(topic, h, data)
	}
}

// dispatch isolates one handler invocation in its own error boundary.
func (b *Bus) dispatch(topic Topic, h Handler, data any) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event_handler_panic",
				zap.String("topic", string(topic)),
				zap.Any("panic", r),
				zap.Time("at", time.Now()),
			)
		}
	}()
	h(data)
}

// SubscriberCount returns the number of handlers registered for a topic.
func (b *Bus) SubscriberCount(topic Topic) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.handlers[topic])
}
