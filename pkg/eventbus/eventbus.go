// Package eventbus is a small in-process pub/sub bus. The config store uses
// it to fan configuration changes out to in-process sensor producers so they
// adjust future emission without polling the store.
package eventbus

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// TopicConfigUpdated carries the sensor kind whose configuration changed.
const TopicConfigUpdated = "config.updated"

// Event is one published message.
type Event struct {
	Topic   string
	Payload any
	At      time.Time
}

// Handler receives events for a subscribed topic.
type Handler func(Event)

// Bus dispatches events to topic subscribers from a single loop goroutine.
type Bus struct {
	mu     sync.RWMutex
	subs   map[string][]Handler
	queue  chan Event
	stop   chan struct{}
	done   chan struct{}
	logger *zap.Logger
}

// New constructs a bus with the given queue depth and starts its dispatch
// loop.
func New(buffer int, logger *zap.Logger) *Bus {
	b := &Bus{
		subs:   make(map[string][]Handler),
		queue:  make(chan Event, buffer),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
		logger: logger.Named("eventbus"),
	}
	go b.loop()
	return b
}

func (b *Bus) loop() {
	defer close(b.done)
	for {
		select {
		case evt := <-b.queue:
			b.dispatch(evt)
		case <-b.stop:
			// Drain whatever is already queued before exiting.
			for {
				select {
				case evt := <-b.queue:
					b.dispatch(evt)
				default:
					return
				}
			}
		}
	}
}

// Subscribe registers a handler for a topic. Handlers run on the dispatch
// goroutine and must not block.
func (b *Bus) Subscribe(topic string, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[topic] = append(b.subs[topic], h)
}

// Publish enqueues an event. It returns the context error if the queue stays
// full until the context expires.
func (b *Bus) Publish(ctx context.Context, evt Event) error {
	if evt.At.IsZero() {
		evt.At = time.Now().UTC()
	}
	select {
	case b.queue <- evt:
		return nil
	case <-ctx.Done():
		b.logger.Warn("publish dropped", zap.String("topic", evt.Topic), zap.Error(ctx.Err()))
		return ctx.Err()
	}
}

func (b *Bus) dispatch(evt Event) {
	b.mu.RLock()
	handlers := append([]Handler(nil), b.subs[evt.Topic]...)
	b.mu.RUnlock()
	for _, h := range handlers {
		h(evt)
	}
}

// Close stops the dispatch loop after draining queued events.
func (b *Bus) Close() {
	close(b.stop)
	<-b.done
}
