// Package events is the in-process publish/subscribe channel the backend
// uses to report phases, progress and status changes. Every subscriber gets
// its own unbounded queue, so Publish never blocks and never drops.
package events

import (
	"context"
	"errors"
	"sync"
)

// ErrClosed is returned by Next once the subscription is closed and drained.
var ErrClosed = errors.New("subscription closed")

// Event is one named notification with its payload.
type Event struct {
	Name    string `json:"name"`
	Payload any    `json:"payload"`
}

// Publisher is what producers depend on.
type Publisher interface {
	Publish(name string, payload any)
}

// Bus fans events out to every live subscription.
type Bus struct {
	mu   sync.RWMutex
	subs map[uint64]*Subscription
	next uint64
}

func NewBus() *Bus {
	return &Bus{subs: make(map[uint64]*Subscription)}
}

// Publish delivers the event to every subscription interested in name.
// It does not block, so it is safe to call while holding other locks.
func (b *Bus) Publish(name string, payload any) {
	ev := Event{Name: name, Payload: payload}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, s := range b.subs {
		if s.wants(name) {
			s.push(ev)
		}
	}
}

// Subscribe registers a subscription. With no names every event is delivered.
func (b *Bus) Subscribe(names ...string) *Subscription {
	s := &Subscription{
		bus:    b,
		signal: make(chan struct{}, 1),
	}
	if len(names) > 0 {
		s.filter = make(map[string]struct{}, len(names))
		for _, n := range names {
			s.filter[n] = struct{}{}
		}
	}

	b.mu.Lock()
	b.next++
	s.id = b.next
	b.subs[s.id] = s
	b.mu.Unlock()
	return s
}

// SubscriberCount reports how many subscriptions are live.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

func (b *Bus) remove(id uint64) {
	b.mu.Lock()
	delete(b.subs, id)
	b.mu.Unlock()
}

// Subscription is one listener's queue.
type Subscription struct {
	bus    *Bus
	id     uint64
	filter map[string]struct{}

	mu     sync.Mutex
	queue  []Event
	closed bool
	signal chan struct{}
}

func (s *Subscription) wants(name string) bool {
	if s.filter == nil {
		return true
	}
	_, ok := s.filter[name]
	return ok
}

func (s *Subscription) push(ev Event) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.queue = append(s.queue, ev)
	s.mu.Unlock()

	select {
	case s.signal <- struct{}{}:
	default:
	}
}

// Next blocks until an event is available, the context ends or the
// subscription is closed and its queue drained.
func (s *Subscription) Next(ctx context.Context) (Event, error) {
	for {
		s.mu.Lock()
		if len(s.queue) > 0 {
			ev := s.queue[0]
			s.queue[0] = Event{}
			s.queue = s.queue[1:]
			s.mu.Unlock()
			return ev, nil
		}
		closed := s.closed
		s.mu.Unlock()

		if closed {
			return Event{}, ErrClosed
		}

		select {
		case <-s.signal:
		case <-ctx.Done():
			return Event{}, ctx.Err()
		}
	}
}

// Drain returns every queued event without blocking.
func (s *Subscription) Drain() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.queue
	s.queue = nil
	return out
}

// Close detaches the subscription from the bus. Already queued events can
// still be read with Next or Drain.
func (s *Subscription) Close() {
	s.bus.remove(s.id)

	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	select {
	case s.signal <- struct{}{}:
	default:
	}
}

// Nop discards everything.
type Nop struct{}

func (Nop) Publish(string, any) {}
