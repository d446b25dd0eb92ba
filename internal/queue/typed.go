package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// Item is one dequeued message decoded into T. It is owned by the pass that
// dequeued it until it is completed or its lease runs out.
type Item[T any] struct {
	Data T

	ID              string
	PopReceipt      string
	DequeueCount    int
	InsertionTime   time.Time
	ExpirationTime  time.Time
	NextVisibleTime time.Time

	queue *Queue[T]
}

// Queue returns the backing queue the item was dequeued from.
func (i *Item[T]) Queue() *Queue[T] { return i.queue }

// Complete deletes the item from its queue.
func (i *Item[T]) Complete(ctx context.Context) error {
	if i.queue == nil {
		return ErrLeaseNotFound
	}
	return i.queue.store.Ack(ctx, i.PopReceipt)
}

// RenewLease keeps the item invisible for leaseFor from now. Data changes are
// not persisted.
func (i *Item[T]) RenewLease(ctx context.Context, leaseFor time.Duration) error {
	if i.queue == nil {
		return ErrLeaseNotFound
	}
	if err := i.queue.store.Renew(ctx, i.PopReceipt, leaseFor); err != nil {
		return err
	}
	i.NextVisibleTime = i.queue.nowFn().Add(leaseFor)
	return nil
}

// Update persists the current Data and keeps the item invisible for leaseFor.
func (i *Item[T]) Update(ctx context.Context, leaseFor time.Duration) error {
	if i.queue == nil {
		return ErrLeaseNotFound
	}
	payload, err := json.Marshal(i.Data)
	if err != nil {
		return fmt.Errorf("encode %s item %s: %w", i.queue.Name(), i.ID, err)
	}
	if err := i.queue.store.Update(ctx, i.PopReceipt, payload, leaseFor); err != nil {
		return err
	}
	i.NextVisibleTime = i.queue.nowFn().Add(leaseFor)
	return nil
}

// Queue is a typed view of a single Store. Payloads are JSON.
type Queue[T any] struct {
	store  Store
	logger *slog.Logger
	nowFn  func() time.Time
}

type QueueOption[T any] func(*Queue[T])

func WithQueueLogger[T any](logger *slog.Logger) QueueOption[T] {
	return func(q *Queue[T]) {
		if logger != nil {
			q.logger = logger
		}
	}
}

func WithQueueNowFunc[T any](now func() time.Time) QueueOption[T] {
	return func(q *Queue[T]) {
		if now != nil {
			q.nowFn = now
		}
	}
}

func NewQueue[T any](store Store, opts ...QueueOption[T]) *Queue[T] {
	q := &Queue[T]{
		store:  store,
		logger: slog.Default(),
		nowFn:  time.Now,
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

func (q *Queue[T]) Name() string { return q.store.Name() }

func (q *Queue[T]) Store() Store { return q.store }

// Enqueue adds one message. ttl <= 0 keeps the message until it is completed;
// initialDelay hides it for that long after insertion.
func (q *Queue[T]) Enqueue(ctx context.Context, data T, ttl, initialDelay time.Duration) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("encode %s message: %w", q.Name(), err)
	}

	now := q.nowFn()
	env := Envelope{
		InsertedAt: now,
		NextRunAt:  now,
		Payload:    payload,
	}
	if ttl > 0 {
		env.ExpiresAt = now.Add(ttl)
	}
	if initialDelay > 0 {
		env.NextRunAt = now.Add(initialDelay)
	}
	return q.store.Enqueue(ctx, env)
}

// DequeueBatch leases up to maxCount visible messages for leaseTime. The
// store is read in pages of at most maxDequeueBatch until maxCount messages
// are leased or a page comes back short. Every backend call is bounded by
// pollTimeout and transient failures are retried under policy. Messages that
// fail to decode stay leased and surface again once the lease lapses.
func (q *Queue[T]) DequeueBatch(ctx context.Context, leaseTime, pollTimeout time.Duration, maxCount int, policy RetryPolicy) ([]*Item[T], error) {
	if maxCount <= 0 {
		return nil, nil
	}

	var out []*Item[T]
	leased := 0
	for leased < maxCount {
		want := min(maxCount-leased, maxDequeueBatch)
		envs, err := q.dequeuePage(ctx, leaseTime, pollTimeout, want, policy)
		if err != nil {
			if leased == 0 {
				return nil, fmt.Errorf("dequeue %s: %w", q.Name(), err)
			}
			// Keep what is already leased; the next pass picks up the rest.
			q.logger.Warn("queue_dequeue_page_failed",
				slog.String("queue", q.Name()),
				slog.Int("leased", leased),
				slog.Any("err", err),
			)
			break
		}
		leased += len(envs)
		out = append(out, q.decode(envs)...)
		if len(envs) < want {
			break
		}
	}
	return out, nil
}

func (q *Queue[T]) dequeuePage(ctx context.Context, leaseTime, pollTimeout time.Duration, batch int, policy RetryPolicy) ([]Envelope, error) {
	resp, err := retry(ctx, policy, func(ctx context.Context) (DequeueResponse, error) {
		callCtx := ctx
		if pollTimeout > 0 {
			var cancel context.CancelFunc
			callCtx, cancel = context.WithTimeout(ctx, pollTimeout)
			defer cancel()
		}
		return q.store.Dequeue(callCtx, DequeueRequest{Batch: batch, LeaseTTL: leaseTime})
	}, func(err error, wait time.Duration) {
		q.logger.Warn("queue_dequeue_retry",
			slog.String("queue", q.Name()),
			slog.Duration("wait", wait),
			slog.Any("err", err),
		)
	})
	if err != nil {
		return nil, err
	}
	return resp.Items, nil
}

func (q *Queue[T]) decode(envs []Envelope) []*Item[T] {
	out := make([]*Item[T], 0, len(envs))
	for _, env := range envs {
		item := &Item[T]{
			ID:              env.ID,
			PopReceipt:      env.LeaseID,
			DequeueCount:    env.Attempt,
			InsertionTime:   env.InsertedAt,
			ExpirationTime:  env.ExpiresAt,
			NextVisibleTime: env.NextRunAt,
			queue:           q,
		}
		if err := json.Unmarshal(env.Payload, &item.Data); err != nil {
			q.logger.Error("queue_message_decode_failed",
				slog.String("queue", q.Name()),
				slog.String("id", env.ID),
				slog.Int("dequeue_count", env.Attempt),
				slog.Any("err", err),
			)
			continue
		}
		out = append(out, item)
	}
	return out
}

// Size returns the number of messages in the queue, leased ones included.
func (q *Queue[T]) Size(ctx context.Context) (int, error) {
	st, err := q.store.Stats(ctx)
	if err != nil {
		return 0, err
	}
	return st.Queued + st.Leased, nil
}

// Age returns how long the oldest message has been waiting. An empty queue
// has age zero.
func (q *Queue[T]) Age(ctx context.Context) (time.Duration, error) {
	st, err := q.store.Stats(ctx)
	if err != nil {
		return 0, err
	}
	return st.OldestAge, nil
}

// IsLeaseLost reports whether err means the caller no longer owns an item.
func IsLeaseLost(err error) bool {
	return errors.Is(err, ErrLeaseNotFound) || errors.Is(err, ErrLeaseExpired)
}
