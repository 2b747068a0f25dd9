// Package events provides a simple publish-subscribe mechanism keyed by event type. Session state
// changes and tab navigations are published here so that gates and the landing server can react
// without holding references to the publishers.
package events

import (
	"sync"
)

type Event comparable

var (
	subscriptions   = make(map[any]map[*Subscription[any]]func(any))
	subscriptionsMu sync.RWMutex
)

// Subscription allows unsubscribing from an event.
type Subscription[T Event] struct {
	once sync.Once
}

// Unsubscribe removes the subscription. It is safe to call more than once.
func (s *Subscription[T]) Unsubscribe() {
	Unsubscribe(s)
}

// Subscribe registers callback for every event of type T.
func Subscribe[T Event](callback func(evt T)) *Subscription[T] {
	subscriptionsMu.Lock()
	defer subscriptionsMu.Unlock()
	var evt T
	if subscriptions[evt] == nil {
		subscriptions[evt] = make(map[*Subscription[any]]func(any))
	}
	sub := &Subscription[T]{}
	subscriptions[evt][(*Subscription[any])(sub)] = func(e any) { callback(e.(T)) }
	return sub
}

// SubscribeOnce registers callback for the next event of type T only.
func SubscribeOnce[T Event](callback func(evt T)) *Subscription[T] {
	var sub *Subscription[T]
	var fired sync.Once
	ready := make(chan struct{})
	sub = Subscribe(func(evt T) {
		<-ready
		fired.Do(func() {
			Unsubscribe(sub)
			callback(evt)
		})
	})
	close(ready)
	return sub
}

// Unsubscribe removes the given subscription.
func Unsubscribe[T Event](sub *Subscription[T]) {
	if sub == nil {
		return
	}
	sub.once.Do(func() {
		subscriptionsMu.Lock()
		defer subscriptionsMu.Unlock()
		var evt T
		if subs, ok := subscriptions[evt]; ok {
			delete(subs, (*Subscription[any])(sub))
			if len(subs) == 0 {
				delete(subscriptions, evt)
			}
		}
	})
}

// Emit notifies all subscribers of the event, passing event data.
// Callbacks are invoked asynchronously in separate goroutines.
func Emit[T Event](evt T) {
	subscriptionsMu.RLock()
	defer subscriptionsMu.RUnlock()
	var e T
	if subs, ok := subscriptions[e]; ok {
		for _, cb := range subs {
			go cb(evt)
		}
	}
}
