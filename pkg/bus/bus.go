// Package bus provides the event dispatcher connecting pipeline stages to
// observers.
//
// The dispatcher is explicit process-scoped state: it is constructed by the
// pipeline coordinator, passed by reference to every component, and torn down
// with the coordinator. Handlers are invoked synchronously on the publishing
// goroutine, outside the subscriber lock; they are required to be fast and
// non-blocking. Per-topic delivery order to a given subscriber matches
// publish order on that topic. No ordering is guaranteed across topics.
package bus

import (
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Topic identifies an event stream on the dispatcher.
type Topic string

// Topics of record.
const (
	TopicIngestStatus Topic = "ingest-connection-status"
	TopicIngestEvent  Topic = "ingest-event"
	TopicSendStatus   Topic = "send-connection-status"
	TopicDataReady    Topic = "data-ready"
	TopicProcessed    Topic = "sample-processed"
	TopicBatchSent    Topic = "batch-sent"
	TopicError        Topic = "error"
	TopicShutdown     Topic = "shutdown-requested"
	TopicOverride     Topic = "config-override"
	TopicReconfigured Topic = "reconfigured"
	TopicStats        Topic = "stats"
)

// Event is a single published occurrence on a topic.
type Event struct {
	Topic     Topic
	Payload   interface{}
	Source    string
	Timestamp time.Time
}

// Handler receives events for a subscribed topic. Handlers must not block:
// they run synchronously on the publishing goroutine.
type Handler func(Event)

// Subscription is the handle returned by Subscribe, used to unsubscribe.
type Subscription struct {
	id    uint64
	topic Topic
}

type subscriber struct {
	id      uint64
	handler Handler
}

// Dispatcher is a thread-safe topic publish/subscribe broker.
type Dispatcher struct {
	mu          sync.RWMutex
	subscribers map[Topic][]subscriber
	nextID      atomic.Uint64
	published   atomic.Uint64
	closed      bool
	logger      *zap.Logger
}

// New creates a dispatcher. The logger is used only to report panicking
// handlers; pass a no-op logger in tests.
func New(logger *zap.Logger) *Dispatcher {
	return &Dispatcher{
		subscribers: make(map[Topic][]subscriber),
		logger:      logger.With(zap.String("component", "dispatcher")),
	}
}

// Subscribe registers a handler for a topic and returns the handle needed to
// unsubscribe it. Subscribing on a closed dispatcher returns a nil handle.
func (d *Dispatcher) Subscribe(topic Topic, handler Handler) *Subscription {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed || handler == nil {
		return nil
	}

	sub := subscriber{id: d.nextID.Add(1), handler: handler}
	d.subscribers[topic] = append(d.subscribers[topic], sub)
	return &Subscription{id: sub.id, topic: topic}
}

// Unsubscribe removes a previously registered handler. Unsubscribing during
// shutdown is mandatory so no handler outlives its owner.
func (d *Dispatcher) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	subs := d.subscribers[sub.topic]
	for i, s := range subs {
		if s.id == sub.id {
			d.subscribers[sub.topic] = append(subs[:i:i], subs[i+1:]...)
			return
		}
	}
}

// Publish delivers an event to every subscriber of its topic. Safe for
// concurrent use from any goroutine. The subscriber list is snapshotted under
// the lock and handlers run outside it, so a handler may subscribe or
// unsubscribe without deadlocking.
func (d *Dispatcher) Publish(topic Topic, payload interface{}, source string) {
	d.mu.RLock()
	if d.closed {
		d.mu.RUnlock()
		return
	}
	subs := make([]subscriber, len(d.subscribers[topic]))
	copy(subs, d.subscribers[topic])
	d.mu.RUnlock()

	d.published.Add(1)

	event := Event{
		Topic:     topic,
		Payload:   payload,
		Source:    source,
		Timestamp: time.Now(),
	}

	for _, s := range subs {
		d.invoke(s, event)
	}
}

func (d *Dispatcher) invoke(s subscriber, event Event) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("event handler panicked",
				zap.String("topic", string(event.Topic)),
				zap.Any("panic", r))
		}
	}()
	s.handler(event)
}

// Published returns the total number of events published.
func (d *Dispatcher) Published() uint64 {
	return d.published.Load()
}

// SubscriberCount returns the number of handlers registered for a topic.
func (d *Dispatcher) SubscriberCount(topic Topic) int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.subscribers[topic])
}

// Close drops all subscribers and rejects further publishes.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	d.subscribers = make(map[Topic][]subscriber)
}
