package queue

import "sync/atomic"

// Selector walks a fixed list of queues in round-robin order.
//
// Next is safe for concurrent use and is what producers call. TryNextAndRemove
// mutates the selector's own candidate list and is meant for a selector built
// fresh from All for a single dequeue pass.
type Selector[T any] struct {
	queues []*Queue[T]
	cursor atomic.Uint64
}

func NewSelector[T any](queues []*Queue[T]) *Selector[T] {
	return &Selector[T]{queues: append([]*Queue[T](nil), queues...)}
}

// Next returns the next queue in rotation, or nil when there are none.
func (s *Selector[T]) Next() *Queue[T] {
	n := uint64(len(s.queues))
	if n == 0 {
		return nil
	}
	i := s.cursor.Add(1) - 1
	return s.queues[i%n]
}

// TryNextAndRemove returns the next untried queue and drops it from the
// candidates. It reports false once every queue has been tried.
func (s *Selector[T]) TryNextAndRemove() (*Queue[T], bool) {
	n := uint64(len(s.queues))
	if n == 0 {
		return nil, false
	}
	i := s.cursor.Load() % n
	q := s.queues[i]

	rest := make([]*Queue[T], 0, n-1)
	rest = append(rest, s.queues[:i]...)
	rest = append(rest, s.queues[i+1:]...)
	s.queues = rest
	return q, true
}

// All returns a snapshot of the remaining queues.
func (s *Selector[T]) All() []*Queue[T] {
	return append([]*Queue[T](nil), s.queues...)
}

func (s *Selector[T]) Len() int { return len(s.queues) }
