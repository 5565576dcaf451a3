package rover

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// OverflowPolicy selects what a bounded Subscription does when Push
// arrives while the ring buffer is already full.
type OverflowPolicy int

const (
	// DropNewest ("conservative") discards the incoming value, keeping
	// the buffer exactly as it was.
	DropNewest OverflowPolicy = iota
	// DropOldest ("force") evicts the oldest buffered value to make
	// room for the incoming one.
	DropOldest
)

// PushResult tells a producer whether to keep pushing to this
// subscription.
type PushResult int

const (
	Continue PushResult = iota
	Break
)

// Subscription is a fixed-capacity ring buffer with a notification
// primitive, consumed by exactly one owner. Producers hold a pointer to
// it directly and discover shutdown by the Break return from Push once
// the owner has called Close.
type Subscription[T any] struct {
	id       string
	mu       sync.Mutex
	ring     []T
	head     int
	count    int
	capn     int
	policy   OverflowPolicy
	notify   chan struct{}
	closedCh chan struct{}
	once     sync.Once
}

// NewSubscription allocates a bounded subscription of the given
// capacity and overflow policy, tagged with a fresh identifier so
// logs and diagnostics can tell distinct subscriptions apart.
func NewSubscription[T any](capacity int, policy OverflowPolicy) *Subscription[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &Subscription[T]{
		id:       uuid.NewString(),
		ring:     make([]T, capacity),
		capn:     capacity,
		policy:   policy,
		notify:   make(chan struct{}, 1),
		closedCh: make(chan struct{}),
	}
}

// ID returns this subscription's identifier, stable for its lifetime.
func (s *Subscription[T]) ID() string { return s.id }

func (s *Subscription[T]) wake() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// Push appends v. Under DropNewest it silently discards v once the
// buffer is full; under DropOldest it evicts the oldest entry first.
// Returns Break once the subscription has been Closed, so the producer
// can prune it.
func (s *Subscription[T]) Push(v T) PushResult {
	select {
	case <-s.closedCh:
		return Break
	default:
	}

	s.mu.Lock()
	if s.count == s.capn {
		if s.policy == DropNewest {
			s.mu.Unlock()
			return Continue
		}
		var zero T
		s.ring[s.head] = zero
		s.head = (s.head + 1) % s.capn
		s.count--
	}
	idx := (s.head + s.count) % s.capn
	s.ring[idx] = v
	s.count++
	s.mu.Unlock()
	s.wake()
	return Continue
}

func (s *Subscription[T]) tryPop() (T, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.count == 0 {
		var zero T
		return zero, false
	}
	v := s.ring[s.head]
	var zero T
	s.ring[s.head] = zero
	s.head = (s.head + 1) % s.capn
	s.count--
	return v, true
}

// Ready returns the channel a top-level select statement waits on. It
// fires at most once per pending item; after popping, TryRecv
// re-arms it if more items remain, so a consumer looping on
// Ready()+TryRecv drains everything without missing a wakeup.
func (s *Subscription[T]) Ready() <-chan struct{} {
	return s.notify
}

// TryRecv pops one item if available. Call after Ready() fires.
func (s *Subscription[T]) TryRecv() (T, bool) {
	v, ok := s.tryPop()
	if ok {
		s.mu.Lock()
		remaining := s.count
		s.mu.Unlock()
		if remaining > 0 {
			s.wake()
		}
	}
	return v, ok
}

// Recv blocks until an item is available, the subscription closes, or
// ctx is done. Returns ok=false on the latter two.
func (s *Subscription[T]) Recv(ctx context.Context) (T, bool) {
	for {
		if v, ok := s.TryRecv(); ok {
			return v, true
		}
		select {
		case <-s.notify:
			continue
		case <-s.closedCh:
			if v, ok := s.TryRecv(); ok {
				return v, true
			}
			var zero T
			return zero, false
		case <-ctx.Done():
			var zero T
			return zero, false
		}
	}
}

// Close marks the subscription closed. Idempotent.
func (s *Subscription[T]) Close() {
	s.once.Do(func() { close(s.closedCh) })
}

// Closed reports the channel a select can use to detect shutdown
// without consuming a value.
func (s *Subscription[T]) Closed() <-chan struct{} {
	return s.closedCh
}

// Drain returns every buffered item in FIFO order without removing
// them. Used by tests asserting that a "force" (DropOldest)
// subscription of capacity k holds exactly the last k pushed items, in
// order, after k+m pushes.
func (s *Subscription[T]) Drain() []T {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]T, s.count)
	for i := 0; i < s.count; i++ {
		out[i] = s.ring[(s.head+i)%s.capn]
	}
	return out
}
