package session

import (
	"log/slog"
	"sync"
)

// subscriptionBus fans AuthStateChange events out to every registered
// on_auth_state_change callback, in FIFO subscription order, with each
// subscriber's delivery serialized (never concurrent with itself) but
// independent of the others. Deliberately not built on the generic
// internal/events.Bus: it uses a small unbounded per-subscriber queue
// since auth state changes are rare and must never be dropped, unlike the
// high-volume log/event streams events.Bus is sized for.
type subscriptionBus struct {
	mu   sync.Mutex
	subs map[*Subscription]struct{}
}

func newSubscriptionBus() *subscriptionBus {
	return &subscriptionBus{subs: make(map[*Subscription]struct{})}
}

// Subscription is the handle returned by OnAuthStateChange; call Unsubscribe
// to stop receiving events and release its delivery goroutine.
type Subscription struct {
	bus *subscriptionBus
	cb  func(AuthStateChange)

	mu     sync.Mutex
	queue  []AuthStateChange
	notify chan struct{}
	done   chan struct{}
	once   sync.Once
}

func (b *subscriptionBus) subscribe(cb func(AuthStateChange)) *Subscription {
	sub := &Subscription{
		bus:    b,
		cb:     cb,
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	b.mu.Lock()
	b.subs[sub] = struct{}{}
	b.mu.Unlock()

	go sub.loop()
	return sub
}

// publish enqueues evt on every current subscriber.
func (b *subscriptionBus) publish(evt AuthStateChange) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for sub := range b.subs {
		sub.enqueue(evt)
	}
}

// deliverInitial enqueues the one-time INITIAL_SESSION event a fresh
// subscription receives asynchronously right after registration.
func (s *Subscription) deliverInitial(evt AuthStateChange) {
	s.enqueue(evt)
}

func (s *Subscription) enqueue(evt AuthStateChange) {
	s.mu.Lock()
	s.queue = append(s.queue, evt)
	s.mu.Unlock()
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

func (s *Subscription) loop() {
	for {
		select {
		case <-s.done:
			return
		case <-s.notify:
			for {
				s.mu.Lock()
				if len(s.queue) == 0 {
					s.mu.Unlock()
					break
				}
				evt := s.queue[0]
				s.queue = s.queue[1:]
				s.mu.Unlock()
				s.invoke(evt)
			}
		}
	}
}

func (s *Subscription) invoke(evt AuthStateChange) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("session: auth state change callback panicked", "event", evt.Event, "recover", r)
		}
	}()
	s.cb(evt)
}

// Unsubscribe stops delivery to this subscriber and removes it from the bus.
func (s *Subscription) Unsubscribe() {
	s.once.Do(func() {
		s.bus.mu.Lock()
		delete(s.bus.subs, s)
		s.bus.mu.Unlock()
		close(s.done)
	})
}
