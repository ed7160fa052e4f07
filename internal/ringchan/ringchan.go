// Package ringchan is a bounded, never-blocking event feed. Session events
// and discovery results flow through it so a slow reader loses old entries
// instead of stalling the session actor or the radio scan.
package ringchan

import (
	"sync"
	"sync/atomic"
)

// RingChannel buffers up to capacity elements; when full, Send discards the
// oldest one.
//
//	feed := ringchan.New[session.Event](32)
//	feed.Send(ev)          // never blocks
//	for ev := range feed.C() { ... }
//
// Send and Close may race; sends after Close are counted as dropped.
type RingChannel[T any] struct {
	mu     sync.Mutex
	ch     chan T
	closed bool

	sent    atomic.Uint64
	dropped atomic.Uint64
}

// Stats counts delivered and discarded elements
type Stats struct {
	Sent    uint64
	Dropped uint64
}

func New[T any](capacity int) *RingChannel[T] {
	if capacity <= 0 {
		panic("ringchan: capacity must be > 0")
	}
	return &RingChannel[T]{ch: make(chan T, capacity)}
}

// C is the receive side. It is closed by Close.
func (rc *RingChannel[T]) C() <-chan T {
	return rc.ch
}

// Send buffers v and reports whether an element was discarded to make room
// (or v itself, after Close).
func (rc *RingChannel[T]) Send(v T) (dropped bool) {
	rc.mu.Lock()
	defer rc.mu.Unlock()

	if rc.closed {
		rc.dropped.Add(1)
		return true
	}

	for {
		select {
		case rc.ch <- v:
			rc.sent.Add(1)
			return dropped
		default:
		}
		// Full: evict the oldest. A reader may have drained it already,
		// in which case the retry succeeds.
		select {
		case <-rc.ch:
			rc.dropped.Add(1)
			dropped = true
		default:
		}
	}
}

// Len returns the number of buffered elements
func (rc *RingChannel[T]) Len() int {
	return len(rc.ch)
}

// Close ends the feed. Idempotent.
func (rc *RingChannel[T]) Close() {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	if !rc.closed {
		rc.closed = true
		close(rc.ch)
	}
}

func (rc *RingChannel[T]) Stats() Stats {
	return Stats{Sent: rc.sent.Load(), Dropped: rc.dropped.Load()}
}
