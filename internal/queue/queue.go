package queue

import (
	"context"
	"errors"
	"time"
)

var (
	ErrLeaseNotFound = errors.New("lease not found")
	ErrLeaseExpired  = errors.New("lease expired")
	ErrItemExists    = errors.New("queue item already exists")
	ErrStoreClosed   = errors.New("queue store is closed")
)

type State string

const (
	StateQueued State = "queued"
	StateLeased State = "leased"
)

const (
	// maxDequeueBatch bounds a single backend dequeue call, matching the
	// storage queue service limit the worker was designed against.
	maxDequeueBatch = 32

	defaultLeaseTTL = 30 * time.Second
)

// Envelope is one stored queue message. Attempt is the dequeue count and
// NextRunAt is the next time the message becomes visible.
type Envelope struct {
	ID         string
	State      State
	InsertedAt time.Time
	ExpiresAt  time.Time
	Attempt    int
	NextRunAt  time.Time
	Payload    []byte
	LeaseID    string
	LeaseUntil time.Time
}

type DequeueRequest struct {
	Batch    int
	LeaseTTL time.Duration
	Now      time.Time
}

type DequeueResponse struct {
	Items []Envelope
}

// Stats describes the visible backlog of a single store.
type Stats struct {
	Queued int
	Leased int

	OldestInsertedAt time.Time
	OldestAge        time.Duration
}

// Store is a single backing queue. Implementations are safe for concurrent
// use by multiple processors; leasing prevents double delivery.
type Store interface {
	Name() string
	Enqueue(ctx context.Context, env Envelope) error
	Dequeue(ctx context.Context, req DequeueRequest) (DequeueResponse, error)
	// Ack removes a leased message.
	Ack(ctx context.Context, leaseID string) error
	// Renew keeps the lease and makes the message invisible until now+leaseFor.
	Renew(ctx context.Context, leaseID string, leaseFor time.Duration) error
	// Update behaves like Renew and also replaces the stored payload.
	Update(ctx context.Context, leaseID string, payload []byte, leaseFor time.Duration) error
	Stats(ctx context.Context) (Stats, error)
	Close() error
}

func normalizeBatch(batch int) int {
	if batch <= 0 {
		return 1
	}
	if batch > maxDequeueBatch {
		return maxDequeueBatch
	}
	return batch
}

func normalizeLeaseTTL(ttl time.Duration) time.Duration {
	if ttl <= 0 {
		return defaultLeaseTTL
	}
	return ttl
}

func statsFromOldest(queued, leased int, oldest time.Time, now time.Time) Stats {
	st := Stats{Queued: queued, Leased: leased}
	if !oldest.IsZero() {
		st.OldestInsertedAt = oldest.UTC()
		st.OldestAge = now.Sub(oldest)
		if st.OldestAge < 0 {
			st.OldestAge = 0
		}
	}
	return st
}
