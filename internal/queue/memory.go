package queue

import (
	"context"
	"strings"
	"sync"
	"time"
)

type MemoryOption func(*MemoryStore)

func WithNowFunc(now func() time.Time) MemoryOption {
	return func(s *MemoryStore) {
		if now != nil {
			s.nowFn = now
		}
	}
}

// MemoryStore is a process-local queue. It loses its contents on restart and
// is meant for development and tests.
type MemoryStore struct {
	name   string
	mu     sync.Mutex
	nowFn  func() time.Time
	items  map[string]*Envelope
	order  []string
	leases map[string]string // lease_id -> item_id
	closed bool
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore(name string, opts ...MemoryOption) *MemoryStore {
	s := &MemoryStore{
		name:   strings.TrimSpace(name),
		nowFn:  time.Now,
		items:  make(map[string]*Envelope),
		leases: make(map[string]string),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *MemoryStore) Name() string { return s.name }

func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *MemoryStore) Enqueue(ctx context.Context, env Envelope) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}

	now := s.nowFn()
	if env.ID == "" {
		env.ID = newHexID("msg_")
	}
	if _, exists := s.items[env.ID]; exists {
		return ErrItemExists
	}
	env.State = StateQueued
	env.LeaseID = ""
	env.LeaseUntil = time.Time{}
	if env.InsertedAt.IsZero() {
		env.InsertedAt = now
	}
	if env.NextRunAt.IsZero() {
		env.NextRunAt = env.InsertedAt
	}
	if env.Attempt < 0 {
		env.Attempt = 0
	}
	env.Payload = append([]byte(nil), env.Payload...)

	cpy := env
	s.items[env.ID] = &cpy
	s.order = append(s.order, env.ID)
	return nil
}

func (s *MemoryStore) Dequeue(ctx context.Context, req DequeueRequest) (DequeueResponse, error) {
	if err := ctx.Err(); err != nil {
		return DequeueResponse{}, err
	}
	batch := normalizeBatch(req.Batch)
	leaseTTL := normalizeLeaseTTL(req.LeaseTTL)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return DequeueResponse{}, ErrStoreClosed
	}

	now := req.Now
	if now.IsZero() {
		now = s.nowFn()
	}
	s.requeueExpiredLeasesLocked(now)

	var out []Envelope
	for _, id := range s.order {
		if len(out) >= batch {
			break
		}
		env := s.items[id]
		if env == nil {
			continue
		}
		if !env.ExpiresAt.IsZero() && !now.Before(env.ExpiresAt) {
			s.deleteLocked(env)
			continue
		}
		if env.State != StateQueued {
			continue
		}
		if !env.NextRunAt.IsZero() && env.NextRunAt.After(now) {
			continue
		}

		leaseID := newHexID("lease_")
		env.State = StateLeased
		env.Attempt++
		env.LeaseID = leaseID
		env.LeaseUntil = now.Add(leaseTTL)
		env.NextRunAt = env.LeaseUntil
		s.leases[leaseID] = env.ID

		cpy := *env
		cpy.Payload = append([]byte(nil), env.Payload...)
		out = append(out, cpy)
	}
	s.compactOrderLocked()
	return DequeueResponse{Items: out}, nil
}

func (s *MemoryStore) Ack(ctx context.Context, leaseID string) error {
	return s.withLease(ctx, leaseID, func(env *Envelope, _ time.Time) {
		s.deleteLocked(env)
	})
}

func (s *MemoryStore) Renew(ctx context.Context, leaseID string, leaseFor time.Duration) error {
	return s.withLease(ctx, leaseID, func(env *Envelope, now time.Time) {
		s.renewLocked(env, now, leaseFor)
	})
}

func (s *MemoryStore) Update(ctx context.Context, leaseID string, payload []byte, leaseFor time.Duration) error {
	return s.withLease(ctx, leaseID, func(env *Envelope, now time.Time) {
		env.Payload = append([]byte(nil), payload...)
		s.renewLocked(env, now, leaseFor)
	})
}

func (s *MemoryStore) Stats(ctx context.Context) (Stats, error) {
	if err := ctx.Err(); err != nil {
		return Stats{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return Stats{}, ErrStoreClosed
	}

	now := s.nowFn()
	var queued, leased int
	var oldest time.Time
	for _, env := range s.items {
		if !env.ExpiresAt.IsZero() && !now.Before(env.ExpiresAt) {
			continue
		}
		switch env.State {
		case StateQueued:
			queued++
		case StateLeased:
			leased++
		}
		if oldest.IsZero() || env.InsertedAt.Before(oldest) {
			oldest = env.InsertedAt
		}
	}
	return statsFromOldest(queued, leased, oldest, now), nil
}

func (s *MemoryStore) withLease(ctx context.Context, leaseID string, fn func(env *Envelope, now time.Time)) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}

	now := s.nowFn()
	itemID, ok := s.leases[leaseID]
	if !ok {
		return ErrLeaseNotFound
	}
	env := s.items[itemID]
	if env == nil || env.State != StateLeased || env.LeaseID != leaseID {
		delete(s.leases, leaseID)
		return ErrLeaseNotFound
	}
	if !env.LeaseUntil.IsZero() && !now.Before(env.LeaseUntil) {
		// Expired leases become visible again; the caller no longer owns it.
		s.requeueLocked(now, env)
		return ErrLeaseExpired
	}

	fn(env, now)
	return nil
}

func (s *MemoryStore) renewLocked(env *Envelope, now time.Time, leaseFor time.Duration) {
	if leaseFor < 0 {
		leaseFor = 0
	}
	env.LeaseUntil = now.Add(leaseFor)
	env.NextRunAt = env.LeaseUntil
}

func (s *MemoryStore) deleteLocked(env *Envelope) {
	if env.LeaseID != "" {
		delete(s.leases, env.LeaseID)
	}
	delete(s.items, env.ID)
}

func (s *MemoryStore) requeueExpiredLeasesLocked(now time.Time) {
	for _, env := range s.items {
		if env.State != StateLeased {
			continue
		}
		if env.LeaseUntil.IsZero() || now.Before(env.LeaseUntil) {
			continue
		}
		s.requeueLocked(now, env)
	}
}

func (s *MemoryStore) requeueLocked(now time.Time, env *Envelope) {
	if env.LeaseID != "" {
		delete(s.leases, env.LeaseID)
	}
	env.State = StateQueued
	env.LeaseID = ""
	env.LeaseUntil = time.Time{}
	env.NextRunAt = now
}

func (s *MemoryStore) compactOrderLocked() {
	if len(s.order) == 0 || len(s.order) < 2*len(s.items) {
		return
	}
	out := s.order[:0]
	for _, id := range s.order {
		if _, ok := s.items[id]; ok {
			out = append(out, id)
		}
	}
	s.order = out
}
