// Package ringchan provides a bounded channel with overwrite-oldest semantics.
package ringchan

import (
	"sync"
	"sync/atomic"
)

// Channel wraps a buffered channel so producers never block: if the buffer is
// full, the oldest element is discarded to make room.
//
//	rc := ringchan.New[int](3)
//	for i := 0; i < 10; i++ {
//	    rc.Send(i)
//	}
//	rc.Close()
//	for v := range rc.C() {
//	    fmt.Println("got:", v) // 7, 8, 9
//	}
//
// Sends are serialized, so drop-then-send cannot race with another producer.
// Sending after Close is a no-op rather than a panic.
type Channel[T any] struct {
	mu      sync.Mutex
	ch      chan T
	closed  bool
	metrics Metrics
}

// New creates a Channel with the given capacity.
func New[T any](capacity int) *Channel[T] {
	if capacity <= 0 {
		panic("ringchan: capacity must be > 0")
	}
	return &Channel[T]{ch: make(chan T, capacity)}
}

// C returns the underlying receive-only channel.
// Consumers can range over this until it's closed.
func (rc *Channel[T]) C() <-chan T {
	return rc.ch
}

// Send inserts an item, discarding the oldest if the buffer is full.
// Returns false only when the channel is closed.
func (rc *Channel[T]) Send(v T) bool {
	rc.mu.Lock()
	defer rc.mu.Unlock()

	if rc.closed {
		return false
	}

	select {
	case rc.ch <- v:
	default:
		select {
		case <-rc.ch:
			atomic.AddInt64(&rc.metrics.Overwritten, 1)
		default:
		}
		rc.ch <- v
	}
	atomic.AddInt64(&rc.metrics.Written, 1)
	return true
}

// Close closes the underlying channel. Buffered values stay readable.
// Close is idempotent.
func (rc *Channel[T]) Close() {
	rc.mu.Lock()
	defer rc.mu.Unlock()

	if rc.closed {
		return
	}
	rc.closed = true
	close(rc.ch)
}

// GetMetrics returns a snapshot of current metrics values.
func (rc *Channel[T]) GetMetrics() Metrics {
	return Metrics{
		Written:     atomic.LoadInt64(&rc.metrics.Written),
		Overwritten: atomic.LoadInt64(&rc.metrics.Overwritten),
	}
}

// Metrics provides lock-free counters for a Channel.
type Metrics struct {
	Written     int64
	Overwritten int64 // oldest values discarded by Send
}
