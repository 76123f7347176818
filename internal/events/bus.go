// Package events is the typed event bus through which the tracking engine
// reports location, motion, geofence, sync and lifecycle events.
//
// Publishing never blocks. A single dispatcher goroutine delivers events in
// the order they were published, and for each event calls subscribers in the
// order they subscribed.
package events

import (
	"context"
	"sync"

	"github.com/banshee-data/geotrack/internal/monitoring"
)

// Topic names an event kind with payload type T.
type Topic[T any] struct {
	Name string
}

// Subscription is the handle returned by Subscribe.
type Subscription struct {
	id    uint64
	topic string
	bus   *Bus
	once  sync.Once
}

// Unsubscribe stops further deliveries. It is safe to call more than once and
// from inside a handler.
func (s *Subscription) Unsubscribe() {
	s.once.Do(func() { s.bus.remove(s.topic, s.id) })
}

type handler struct {
	id uint64
	fn func(any)
}

type envelope struct {
	topic   string
	payload any
	marker  chan struct{}
}

// Bus routes published payloads to subscribers.
type Bus struct {
	mu       sync.RWMutex
	handlers map[string][]handler
	nextID   uint64

	queue *Queue[envelope]
	done  chan struct{}
}

// NewBus starts a bus and its dispatcher goroutine.
func NewBus() *Bus {
	b := &Bus{
		handlers: make(map[string][]handler),
		queue:    NewQueue[envelope](),
		done:     make(chan struct{}),
	}
	go b.dispatch()
	return b
}

// Subscribe registers fn for topic.
func Subscribe[T any](b *Bus, topic Topic[T], fn func(T)) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	id := b.nextID
	b.handlers[topic.Name] = append(b.handlers[topic.Name], handler{
		id: id,
		fn: func(v any) { fn(v.(T)) },
	})
	return &Subscription{id: id, topic: topic.Name, bus: b}
}

// Publish queues payload for delivery to topic's subscribers.
func Publish[T any](b *Bus, topic Topic[T], payload T) {
	if !b.queue.Enqueue(envelope{topic: topic.Name, payload: payload}) {
		monitoring.Debugf("[events] bus closed, dropped %s event", topic.Name)
	}
}

// HasSubscribers reports whether anyone listens on topic.
func HasSubscribers[T any](b *Bus, topic Topic[T]) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.handlers[topic.Name]) > 0
}

// RemoveAll drops every subscription.
func (b *Bus) RemoveAll() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers = make(map[string][]handler)
}

func (b *Bus) remove(topic string, id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	hs := b.handlers[topic]
	for i, h := range hs {
		if h.id == id {
			b.handlers[topic] = append(hs[:i:i], hs[i+1:]...)
			return
		}
	}
}

// Drain blocks until every event published before the call has been
// delivered.
func (b *Bus) Drain(ctx context.Context) error {
	marker := make(chan struct{})
	if !b.queue.Enqueue(envelope{marker: marker}) {
		<-b.done
		return nil
	}
	select {
	case <-marker:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops the dispatcher after delivering events already queued.
func (b *Bus) Close() {
	b.queue.Close()
	<-b.done
}

func (b *Bus) dispatch() {
	defer close(b.done)
	for {
		for {
			env, ok := b.queue.TryDequeue()
			if !ok {
				break
			}
			b.deliver(env)
		}
		if b.queue.Closed() && b.queue.Len() == 0 {
			return
		}
		<-b.queue.Wait()
	}
}

func (b *Bus) deliver(env envelope) {
	if env.marker != nil {
		close(env.marker)
		return
	}
	b.mu.RLock()
	hs := append([]handler(nil), b.handlers[env.topic]...)
	b.mu.RUnlock()

	for _, h := range hs {
		b.call(env.topic, h, env.payload)
	}
}

func (b *Bus) call(topic string, h handler, payload any) {
	defer func() {
		if r := recover(); r != nil {
			monitoring.Errorf("[events] %s handler panicked: %v", topic, r)
		}
	}()
	h.fn(payload)
}
