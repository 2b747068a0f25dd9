// Package event provides keyed subscriptions with asynchronous delivery on a bounded worker pool.
// Each subscription receives its events in emission order; different subscriptions run concurrently.
package event

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/alitto/pond"

	"github.com/getlantern/authflow/common/reporting"
)

const (
	defaultWorkers  = 8
	defaultCapacity = 256
)

type Event any

// Subscription allows unsubscribing from an event.
type Subscription struct {
	event    Event
	callback func(data any)

	mu      sync.Mutex
	queue   []any
	running bool
	closed  bool
}

type subscribers map[*Subscription]struct{}

// Handler manages event subscriptions and emissions.
type Handler struct {
	subscribers map[Event]subscribers
	mu          sync.RWMutex
	pool        *pond.WorkerPool
}

func NewHandler() *Handler {
	return NewHandlerWithPool(defaultWorkers, defaultCapacity)
}

// NewHandlerWithPool returns a Handler delivering on a pool of at most workers goroutines with a
// queue of capacity pending deliveries.
func NewHandlerWithPool(workers, capacity int) *Handler {
	return &Handler{
		subscribers: make(map[Event]subscribers),
		pool: pond.New(workers, capacity, pond.PanicHandler(func(p any) {
			slog.Error("Event subscriber panicked", "panic", p)
		})),
	}
}

// Subscribe registers a callback for the given event key.
// Returns a Subscription for later unsubscription.
func (eh *Handler) Subscribe(event Event, callback func(data any)) *Subscription {
	eh.mu.Lock()
	defer eh.mu.Unlock()
	if eh.subscribers[event] == nil {
		eh.subscribers[event] = make(subscribers)
	}
	sub := &Subscription{event: event, callback: callback}
	eh.subscribers[event][sub] = struct{}{}
	return sub
}

// Unsubscribe removes the given subscription. Deliveries already queued for it are dropped.
func (eh *Handler) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	sub.mu.Lock()
	sub.closed = true
	sub.queue = nil
	sub.mu.Unlock()

	eh.mu.Lock()
	defer eh.mu.Unlock()
	if subs, ok := eh.subscribers[sub.event]; ok {
		delete(subs, sub)
		if len(subs) == 0 {
			delete(eh.subscribers, sub.event)
		}
	}
}

// Emit notifies all subscribers of the event, passing event data. Delivery is asynchronous.
func (eh *Handler) Emit(event Event, data any) {
	eh.mu.RLock()
	defer eh.mu.RUnlock()
	for sub := range eh.subscribers[event] {
		eh.enqueue(sub, data)
	}
}

// HasSubscribers reports whether anyone is subscribed to event.
func (eh *Handler) HasSubscribers(event Event) bool {
	eh.mu.RLock()
	defer eh.mu.RUnlock()
	return len(eh.subscribers[event]) > 0
}

func (eh *Handler) enqueue(sub *Subscription, data any) {
	sub.mu.Lock()
	defer sub.mu.Unlock()
	if sub.closed {
		return
	}
	sub.queue = append(sub.queue, data)
	if sub.running {
		return
	}
	sub.running = true
	if eh.pool.Stopped() {
		sub.running = false
		sub.queue = nil
		return
	}
	eh.pool.Submit(func() { drain(sub) })
}

func drain(sub *Subscription) {
	for {
		sub.mu.Lock()
		if sub.closed || len(sub.queue) == 0 {
			sub.running = false
			sub.mu.Unlock()
			return
		}
		data := sub.queue[0]
		sub.queue = sub.queue[1:]
		sub.mu.Unlock()

		deliver(sub, data)
	}
}

func deliver(sub *Subscription, data any) {
	defer func() {
		if p := recover(); p != nil {
			reporting.PanicListener(fmt.Sprintf("event subscriber for %v panicked: %v", sub.event, p))
		}
	}()
	sub.callback(data)
}

// Close waits for queued deliveries to finish and stops the worker pool.
func (eh *Handler) Close() {
	eh.pool.StopAndWait()
}
