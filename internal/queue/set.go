package queue

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

const (
	// enqueueChunkSize bounds in-flight enqueue calls against the backends.
	enqueueChunkSize = 10

	DefaultLeaseTime   = 15 * time.Minute
	DefaultPollTimeout = 2 * time.Minute
)

var ErrNoQueues = errors.New("queue set has no queues")

// SetOptions are the per-queue dequeue settings shared by every queue in a Set.
type SetOptions struct {
	LeaseTime   time.Duration
	PollTimeout time.Duration
	Retry       RetryPolicy
	// MessageTTL <= 0 keeps messages until they are completed.
	MessageTTL time.Duration
	Logger     *slog.Logger
}

// Set distributes messages round-robin over independent backing queues.
type Set[T any] struct {
	queues   []*Queue[T]
	selector *Selector[T]
	opts     SetOptions
	logger   *slog.Logger
}

func NewSet[T any](queues []*Queue[T], opts SetOptions) (*Set[T], error) {
	if len(queues) == 0 {
		return nil, ErrNoQueues
	}
	if opts.LeaseTime <= 0 {
		opts.LeaseTime = DefaultLeaseTime
	}
	if opts.PollTimeout <= 0 {
		opts.PollTimeout = DefaultPollTimeout
	}
	if opts.Retry == (RetryPolicy{}) {
		opts.Retry = DefaultRetryPolicy()
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	qs := append([]*Queue[T](nil), queues...)
	return &Set[T]{
		queues:   qs,
		selector: NewSelector(qs),
		opts:     opts,
		logger:   logger,
	}, nil
}

func (s *Set[T]) Queues() []*Queue[T] { return s.selector.All() }

// Enqueue spreads items across the queues in round-robin order. Items are
// written in concurrent groups of ten; the first failure in a group stops
// the call and is returned.
func (s *Set[T]) Enqueue(ctx context.Context, items []T) error {
	for start := 0; start < len(items); start += enqueueChunkSize {
		end := min(start+enqueueChunkSize, len(items))

		g, gctx := errgroup.WithContext(ctx)
		for _, item := range items[start:end] {
			q := s.selector.Next()
			g.Go(func() error {
				return q.Enqueue(gctx, item, s.opts.MessageTTL, 0)
			})
		}
		if err := g.Wait(); err != nil {
			return err
		}
	}
	return nil
}

// GetMessages dequeues from the first queue that has work. Each queue is
// tried at most once per call and polling stops at the first non-empty
// result, even when it holds fewer than maxCount messages.
func (s *Set[T]) GetMessages(ctx context.Context, maxCount int) ([]*Item[T], error) {
	selector := NewSelector(s.selector.All())

	var items []*Item[T]
	for len(items) == 0 {
		q, ok := selector.TryNextAndRemove()
		if !ok {
			break
		}
		var err error
		items, err = q.DequeueBatch(ctx, s.opts.LeaseTime, s.opts.PollTimeout, maxCount, s.opts.Retry)
		if err != nil {
			return nil, err
		}
	}
	return items, nil
}

// DepthObserver receives one depth sample per queue per interval.
type DepthObserver func(queue string, size int, age time.Duration)

// RunMonitors polls size and age of every queue at interval until ctx is
// done. It blocks and runs one loop per queue.
func (s *Set[T]) RunMonitors(ctx context.Context, interval time.Duration, observe DepthObserver) {
	if interval <= 0 {
		interval = time.Minute
	}

	var wg sync.WaitGroup
	for _, q := range s.queues {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.monitorQueue(ctx, q, interval, observe)
		}()
	}
	wg.Wait()
}

func (s *Set[T]) monitorQueue(ctx context.Context, q *Queue[T], interval time.Duration, observe DepthObserver) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	sample := func() {
		size, err := q.Size(ctx)
		if err != nil {
			if ctx.Err() == nil {
				s.logger.Warn("queue_depth_failed", slog.String("queue", q.Name()), slog.Any("err", err))
			}
			return
		}
		age, err := q.Age(ctx)
		if err != nil {
			if ctx.Err() == nil {
				s.logger.Warn("queue_depth_failed", slog.String("queue", q.Name()), slog.Any("err", err))
			}
			return
		}
		s.logger.Info("queue_depth",
			slog.String("queue", q.Name()),
			slog.Int("size", size),
			slog.Duration("age", age),
		)
		if observe != nil {
			observe(q.Name(), size, age)
		}
	}

	sample()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sample()
		}
	}
}
