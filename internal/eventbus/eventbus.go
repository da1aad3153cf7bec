// Package eventbus is a typed broadcast channel with best-effort delivery.
//
// Events are delivered at most once to the subscribers that exist when they
// are published; there is no replay for late subscribers. Each subscriber has
// a bounded buffer and a slow subscriber loses its oldest undelivered events,
// so Publish never blocks. Publish calls are serialized, which keeps the order
// of events from any single publisher intact for every subscriber.
package eventbus

import (
	"sync"

	"github.com/sirupsen/logrus"
	"github.com/srg/blelink/internal/ringchan"
)

// DefaultBuffer is the per-subscriber buffer used when Subscribe gets a
// non-positive size.
const DefaultBuffer = 16

// Bus fans values of type T out to all current subscribers.
type Bus[T any] struct {
	mu     sync.Mutex
	subs   map[uint64]*Subscription[T]
	nextID uint64
	closed bool
	logger *logrus.Logger
}

// Subscription is one subscriber's view of the bus.
type Subscription[T any] struct {
	id  uint64
	bus *Bus[T]
	ch  *ringchan.Channel[T]
}

// New creates an empty Bus.
func New[T any](logger *logrus.Logger) *Bus[T] {
	if logger == nil {
		logger = logrus.New()
	}
	return &Bus[T]{
		subs:   make(map[uint64]*Subscription[T]),
		logger: logger,
	}
}

// Subscribe registers a new subscriber. On a closed bus the returned
// subscription's channel is already closed.
func (b *Bus[T]) Subscribe(buffer int) *Subscription[T] {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	sub := &Subscription[T]{id: b.nextID, bus: b, ch: ringchan.New[T](buffer)}
	if b.closed {
		sub.ch.Close()
		return sub
	}
	b.subs[sub.id] = sub

	b.logger.WithFields(logrus.Fields{
		"subscriber":  sub.id,
		"subscribers": len(b.subs),
	}).Debug("Event subscriber added")
	return sub
}

// Publish delivers v to every current subscriber without blocking.
// Returns the number of subscribers it was delivered to.
func (b *Bus[T]) Publish(v T) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return 0
	}

	for _, sub := range b.subs {
		sub.ch.Send(v)
	}
	return len(b.subs)
}

// SubscriberCount returns the number of attached subscribers.
func (b *Bus[T]) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Close detaches and closes all subscribers. Further publishes are dropped.
func (b *Bus[T]) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	for id, sub := range b.subs {
		sub.ch.Close()
		delete(b.subs, id)
	}
}

func (b *Bus[T]) remove(sub *Subscription[T]) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.subs[sub.id]; ok {
		delete(b.subs, sub.id)
		b.logger.WithField("subscriber", sub.id).Debug("Event subscriber removed")
	}
	sub.ch.Close()
}

// C returns the channel events arrive on. It is closed when the
// subscription or the bus is closed.
func (s *Subscription[T]) C() <-chan T {
	return s.ch.C()
}

// Dropped returns how many events were discarded because this subscriber
// fell behind.
func (s *Subscription[T]) Dropped() int64 {
	return s.ch.GetMetrics().Overwritten
}

// Close detaches the subscription. It is idempotent.
func (s *Subscription[T]) Close() {
	s.bus.remove(s)
}
