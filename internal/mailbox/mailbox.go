// Package mailbox implements a single-item, drop-oldest handoff between one
// producer and one consumer. Put never blocks: a newer item replaces the one
// still waiting, and the replaced item is returned to the producer.
package mailbox

import (
	"context"
	"sync"
	"sync/atomic"
)

// Slot is a capacity-1 mailbox. It has exactly one producer and one consumer.
type Slot[T any] struct {
	ch chan T
	mu sync.Mutex // serialises Put

	puts      atomic.Uint64
	delivered atomic.Uint64
	drops     atomic.Uint64
}

// Stats is a point-in-time snapshot of a Slot's counters.
type Stats struct {
	Puts      uint64 `json:"puts"`
	Delivered uint64 `json:"delivered"`
	Dropped   uint64 `json:"dropped"`
}

func New[T any]() *Slot[T] {
	return &Slot[T]{ch: make(chan T, 1)}
}

// Put stores v, evicting a pending item if there is one. When an item was
// evicted it is returned with dropped set.
func (s *Slot[T]) Put(v T) (old T, dropped bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.puts.Add(1)
	for {
		select {
		case s.ch <- v:
			return old, dropped
		default:
		}

		// Full: take the pending item out. The consumer may win the race, in
		// which case the next send succeeds.
		select {
		case old = <-s.ch:
			dropped = true
			s.drops.Add(1)
		default:
		}
	}
}

// C exposes the receive side for use in select statements. Every value
// received from C must be acknowledged with Took.
func (s *Slot[T]) C() <-chan T { return s.ch }

// Took records a delivery made through C.
func (s *Slot[T]) Took() { s.delivered.Add(1) }

// Get blocks until an item is available or ctx is done.
func (s *Slot[T]) Get(ctx context.Context) (T, error) {
	select {
	case v := <-s.ch:
		s.delivered.Add(1)
		return v, nil
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// Pending reports whether an item is waiting.
func (s *Slot[T]) Pending() bool { return len(s.ch) > 0 }

func (s *Slot[T]) Stats() Stats {
	return Stats{
		Puts:      s.puts.Load(),
		Delivered: s.delivered.Load(),
		Dropped:   s.drops.Load(),
	}
}
