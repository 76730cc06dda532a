package bus

import (
	"strings"
	"sync"

	"go.uber.org/zap"
)

// Bus is an in-process publish/subscribe event bus with namespace filtering.
//
// Published events are queued and delivered by one dispatcher goroutine in
// publish order. Each handler call is isolated: a panicking handler is
// logged and the remaining handlers still receive the event.
type Bus struct {
	logger *zap.Logger

	mu   sync.RWMutex
	subs map[uint64]*subscription
	next uint64

	qmu    sync.Mutex
	cond   *sync.Cond
	queue  []Event
	closed bool
	done   chan struct{}
}

type subscription struct {
	namespace string
	handler   Handler
}

// New creates a new event bus and starts its dispatcher.
func New(logger *zap.Logger) *Bus {
	if logger == nil {
		logger = zap.NewNop()
	}
	b := &Bus{
		logger: logger,
		subs:   make(map[uint64]*subscription),
		done:   make(chan struct{}),
	}
	b.cond = sync.NewCond(&b.qmu)
	go b.run()
	return b
}

// Publish queues evt for delivery to every subscriber whose namespace is a
// prefix of evt.Kind. It never blocks on subscribers. Events published after
// Close are dropped.
func (b *Bus) Publish(evt Event) {
	b.qmu.Lock()
	if b.closed {
		b.qmu.Unlock()
		return
	}
	b.queue = append(b.queue, evt)
	b.qmu.Unlock()
	b.cond.Signal()
}

// Observe registers h for events matching the namespace prefix and returns
// a subscription id for Unobserve.
func (b *Bus) Observe(namespace string, h Handler) uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.next++
	id := b.next
	b.subs[id] = &subscription{namespace: namespace, handler: h}
	return id
}

// Unobserve removes a subscription. Reports whether it existed.
func (b *Bus) Unobserve(id uint64) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[id]; !ok {
		return false
	}
	delete(b.subs, id)
	return true
}

// Subscribe returns a channel that receives events matching the given namespace prefix.
// bufSize controls the channel buffer; events are dropped while it is full.
// Returns the channel and an unsubscribe function.
func (b *Bus) Subscribe(namespace string, bufSize int) (<-chan Event, func()) {
	ch := make(chan Event, bufSize)
	id := b.Observe(namespace, func(evt Event) {
		select {
		case ch <- evt:
		default:
			// Drop event if subscriber is full (non-blocking).
		}
	})
	return ch, func() { b.Unobserve(id) }
}

// Close delivers the events already queued, then stops the dispatcher.
func (b *Bus) Close() {
	b.qmu.Lock()
	if b.closed {
		b.qmu.Unlock()
		<-b.done
		return
	}
	b.closed = true
	b.qmu.Unlock()
	b.cond.Broadcast()
	<-b.done
}

func (b *Bus) run() {
	defer close(b.done)
	for {
		b.qmu.Lock()
		for len(b.queue) == 0 && !b.closed {
			b.cond.Wait()
		}
		if len(b.queue) == 0 {
			b.qmu.Unlock()
			return
		}
		evt := b.queue[0]
		b.queue[0] = Event{}
		b.queue = b.queue[1:]
		b.qmu.Unlock()

		b.dispatch(evt)
	}
}

func (b *Bus) dispatch(evt Event) {
	b.mu.RLock()
	ids := make([]uint64, 0, len(b.subs))
	for id, sub := range b.subs {
		if strings.HasPrefix(evt.Kind, sub.namespace) {
			ids = append(ids, id)
		}
	}
	b.mu.RUnlock()

	for _, id := range ids {
		b.mu.RLock()
		sub, ok := b.subs[id]
		b.mu.RUnlock()
		if !ok {
			continue
		}
		b.deliver(sub, evt)
	}
}

func (b *Bus) deliver(sub *subscription, evt Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("bus handler panicked",
				zap.String("kind", evt.Kind),
				zap.String("namespace", sub.namespace),
				zap.Any("panic", r))
		}
	}()
	sub.handler(evt)
}
