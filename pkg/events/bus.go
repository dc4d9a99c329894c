package events

import (
	"slices"
	"sync"
)

// Subscriber receives events from the bus. Receive is called synchronously
// on the publishing goroutine and must not block.
type Subscriber interface {
	Receive(ev Event)
	Closed() bool
}

// Bus is a per-name pub/sub event bus with support for global subscribers.
// Registry writes emit structured events; each subscriber (metrics, console
// feeds, loggers) handles them in its own way.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[string][]Subscriber
	global      []Subscriber
}

// NewBus creates a new event bus.
func NewBus() *Bus {
	return &Bus{
		subscribers: make(map[string][]Subscriber),
	}
}

// Subscribe registers a subscriber for events about a single name.
func (b *Bus) Subscribe(name string, sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribers[name] = append(b.subscribers[name], sub)
}

// Unsubscribe removes a subscriber for a name.
func (b *Bus) Unsubscribe(name string, sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs := b.subscribers[name]
	for i, s := range subs {
		if s == sub {
			b.subscribers[name] = append(subs[:i:i], subs[i+1:]...)
			break
		}
	}
	if len(b.subscribers[name]) == 0 {
		delete(b.subscribers, name)
	}
}

// SubscribeGlobal registers a subscriber that receives all events.
func (b *Bus) SubscribeGlobal(sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.global = append(b.global, sub)
}

// UnsubscribeGlobal removes a global subscriber.
func (b *Bus) UnsubscribeGlobal(sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, s := range b.global {
		if s == sub {
			b.global = append(b.global[:i:i], b.global[i+1:]...)
			return
		}
	}
}

// Emit sends an event to the subscribers of ev.Name and all global subscribers.
// A nil bus drops the event.
func (b *Bus) Emit(ev Event) {
	if b == nil {
		return
	}
	b.mu.RLock()
	subs := b.subscribers[ev.Name]
	globals := b.global
	b.mu.RUnlock()

	for _, s := range subs {
		if !s.Closed() {
			s.Receive(ev)
		}
	}
	for _, s := range globals {
		if !s.Closed() {
			s.Receive(ev)
		}
	}
}

// GlobalSubscribers returns the number of global subscribers.
func (b *Bus) GlobalSubscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.global)
}

// Prune drops closed subscribers and returns how many it dropped. Emit
// already skips them; this only reclaims the slots.
func (b *Bus) Prune() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	n := 0
	for name, subs := range b.subscribers {
		open := slices.DeleteFunc(slices.Clone(subs), Subscriber.Closed)
		n += len(subs) - len(open)
		if len(open) == 0 {
			delete(b.subscribers, name)
		} else {
			b.subscribers[name] = open
		}
	}
	open := slices.DeleteFunc(slices.Clone(b.global), Subscriber.Closed)
	n += len(b.global) - len(open)
	b.global = open
	return n
}

// SubscriberFunc adapts a plain function into an always-open Subscriber.
func SubscriberFunc(f func(ev Event)) Subscriber {
	return &funcSubscriber{f: f}
}

type funcSubscriber struct {
	f func(ev Event)
}

func (s *funcSubscriber) Receive(ev Event) { s.f(ev) }
func (s *funcSubscriber) Closed() bool     { return false }
