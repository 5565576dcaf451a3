package rover

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// UnboundedSubscription is a growable FIFO queue with the same
// notify/close machinery as Subscription, but no capacity limit and no
// overflow policy. It backs fan-in composition of many producers
// (Merge) and a delivery-time transform (Map) over an unbounded
// stream.
type UnboundedSubscription[T any] struct {
	id       string
	mu       sync.Mutex
	buf      []T
	notify   chan struct{}
	closedCh chan struct{}
	once     sync.Once
}

// NewUnboundedSubscription allocates an empty unbounded subscription,
// tagged with a fresh identifier (see Subscription.ID).
func NewUnboundedSubscription[T any]() *UnboundedSubscription[T] {
	return &UnboundedSubscription[T]{
		id:       uuid.NewString(),
		notify:   make(chan struct{}, 1),
		closedCh: make(chan struct{}),
	}
}

// ID returns this subscription's identifier, stable for its lifetime.
func (s *UnboundedSubscription[T]) ID() string { return s.id }

func (s *UnboundedSubscription[T]) wake() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// Push appends v. Never blocks and never drops.
func (s *UnboundedSubscription[T]) Push(v T) PushResult {
	select {
	case <-s.closedCh:
		return Break
	default:
	}
	s.mu.Lock()
	s.buf = append(s.buf, v)
	s.mu.Unlock()
	s.wake()
	return Continue
}

func (s *UnboundedSubscription[T]) tryPop() (T, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.buf) == 0 {
		var zero T
		return zero, false
	}
	v := s.buf[0]
	var zero T
	s.buf[0] = zero
	s.buf = s.buf[1:]
	return v, true
}

func (s *UnboundedSubscription[T]) Ready() <-chan struct{} { return s.notify }

func (s *UnboundedSubscription[T]) TryRecv() (T, bool) {
	v, ok := s.tryPop()
	if ok {
		s.mu.Lock()
		remaining := len(s.buf)
		s.mu.Unlock()
		if remaining > 0 {
			s.wake()
		}
	}
	return v, ok
}

// Recv resolves to the next message from any source feeding this
// subscription, or ok=false once closed or ctx is done.
func (s *UnboundedSubscription[T]) Recv(ctx context.Context) (T, bool) {
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

func (s *UnboundedSubscription[T]) Close() {
	s.once.Do(func() { close(s.closedCh) })
}

func (s *UnboundedSubscription[T]) Closed() <-chan struct{} { return s.closedCh }

// MapUnbounded attaches a delivery-time transform: every value src
// receives is pushed onward as f(v). The returned subscription closes
// once src closes.
func MapUnbounded[T, U any](src *UnboundedSubscription[T], f func(T) U) *UnboundedSubscription[U] {
	dst := NewUnboundedSubscription[U]()
	go func() {
		ctx := context.Background()
		for {
			v, ok := src.Recv(ctx)
			if !ok {
				dst.Close()
				return
			}
			dst.Push(f(v))
		}
	}()
	return dst
}

// MergeUnbounded composes many inner subscriptions into one: Recv on
// the result resolves to the next message from any source. Per-source
// FIFO is preserved; inter-source ordering is unspecified.
func MergeUnbounded[T any](subs ...*UnboundedSubscription[T]) *UnboundedSubscription[T] {
	dst := NewUnboundedSubscription[T]()
	var wg sync.WaitGroup
	wg.Add(len(subs))
	for _, src := range subs {
		go func(src *UnboundedSubscription[T]) {
			defer wg.Done()
			ctx := context.Background()
			for {
				v, ok := src.Recv(ctx)
				if !ok {
					return
				}
				dst.Push(v)
			}
		}(src)
	}
	go func() {
		wg.Wait()
		dst.Close()
	}()
	return dst
}
