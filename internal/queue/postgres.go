package queue

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
)

type PostgresOption func(*PostgresStore)

// PostgresStore is one named backing queue inside a shared queue_items table.
// Several stores may share a database; rows are partitioned by queue name.
type PostgresStore struct {
	name string
	db   *sql.DB

	mu    sync.Mutex
	nowFn func() time.Time
	pool  PoolConfig
}

var _ Store = (*PostgresStore)(nil)

const postgresSchemaV1 = `
CREATE TABLE IF NOT EXISTS queue_items (
  queue          TEXT NOT NULL,
  id             TEXT NOT NULL,
  state          TEXT NOT NULL,
  inserted_at    TIMESTAMPTZ NOT NULL,
  expires_at     TIMESTAMPTZ,
  attempt        INTEGER NOT NULL,
  next_run_at    TIMESTAMPTZ NOT NULL,
  payload        BYTEA NOT NULL,
  lease_id       TEXT UNIQUE,
  lease_until    TIMESTAMPTZ,
  PRIMARY KEY (queue, id)
);

CREATE INDEX IF NOT EXISTS idx_queue_ready
  ON queue_items(queue, state, next_run_at, inserted_at);
CREATE INDEX IF NOT EXISTS idx_queue_lease_id
  ON queue_items(lease_id);
CREATE INDEX IF NOT EXISTS idx_queue_leases
  ON queue_items(queue, state, lease_until);
CREATE INDEX IF NOT EXISTS idx_queue_expires_at
  ON queue_items(queue, expires_at);
`

func WithPostgresNowFunc(now func() time.Time) PostgresOption {
	return func(s *PostgresStore) {
		if now != nil {
			s.nowFn = now
		}
	}
}

func WithPostgresPool(pool PoolConfig) PostgresOption {
	return func(s *PostgresStore) {
		s.pool = pool
	}
}

func NewPostgresStore(name, dsn string, opts ...PostgresOption) (*PostgresStore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, errors.New("empty postgres dsn")
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, errors.New("empty queue name")
	}

	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}

	s := &PostgresStore{
		name:  name,
		db:    db,
		nowFn: time.Now,
		pool:  PoolConfig{MaxOpenConns: 8},
	}
	for _, opt := range opts {
		opt(s)
	}
	s.pool.apply(db)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}

	if err := s.init(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}

	return s, nil
}

func (s *PostgresStore) Name() string { return s.name }

func (s *PostgresStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *PostgresStore) init(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, postgresSchemaV1)
	return err
}

func (s *PostgresStore) Enqueue(ctx context.Context, env Envelope) error {
	now := s.now()
	if env.ID == "" {
		env.ID = newHexID("msg_")
	}
	if env.InsertedAt.IsZero() {
		env.InsertedAt = now
	}
	if env.NextRunAt.IsZero() {
		env.NextRunAt = env.InsertedAt
	}
	if env.Attempt < 0 {
		env.Attempt = 0
	}
	if env.Payload == nil {
		env.Payload = []byte{}
	}

	_, err := s.db.ExecContext(ctx, `
INSERT INTO queue_items (
  queue, id, state, inserted_at, expires_at, attempt, next_run_at, payload,
  lease_id, lease_until
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NULL, NULL)
`,
		s.name,
		env.ID,
		string(StateQueued),
		env.InsertedAt.UTC(),
		nullTime(env.ExpiresAt),
		env.Attempt,
		env.NextRunAt.UTC(),
		env.Payload,
	)
	return mapPostgresInsertError(err)
}

func (s *PostgresStore) Dequeue(ctx context.Context, req DequeueRequest) (DequeueResponse, error) {
	batch := normalizeBatch(req.Batch)
	leaseTTL := normalizeLeaseTTL(req.LeaseTTL)

	now := req.Now
	if now.IsZero() {
		now = s.now()
	}
	now = now.UTC()
	leaseUntil := now.Add(leaseTTL).UTC()

	var items []Envelope
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if err := s.requeueExpiredLeasesTx(ctx, tx, now); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
DELETE FROM queue_items
WHERE queue = $1
  AND expires_at IS NOT NULL
  AND expires_at <= $2
`, s.name, now); err != nil {
			return err
		}

		rows, err := tx.QueryContext(ctx, `
SELECT id, inserted_at, expires_at, attempt, payload
FROM queue_items
WHERE queue = $1
  AND state = $2
  AND next_run_at <= $3
ORDER BY next_run_at ASC, inserted_at ASC, id ASC
LIMIT $4
FOR UPDATE SKIP LOCKED
`,
			s.name,
			string(StateQueued),
			now,
			batch,
		)
		if err != nil {
			return err
		}
		defer rows.Close()

		items = make([]Envelope, 0, batch)
		for rows.Next() {
			var (
				item      Envelope
				expiresAt sql.NullTime
			)
			if err := rows.Scan(&item.ID, &item.InsertedAt, &expiresAt, &item.Attempt, &item.Payload); err != nil {
				return err
			}
			item.InsertedAt = item.InsertedAt.UTC()
			if expiresAt.Valid {
				item.ExpiresAt = expiresAt.Time.UTC()
			}
			items = append(items, item)
		}
		if err := rows.Err(); err != nil {
			return err
		}

		for i := range items {
			leaseID := newHexID("lease_")
			_, err := tx.ExecContext(ctx, `
UPDATE queue_items
SET state = $1, attempt = attempt + 1, lease_id = $2, lease_until = $3, next_run_at = $3
WHERE queue = $4
  AND id = $5
  AND state = $6
`,
				string(StateLeased),
				leaseID,
				leaseUntil,
				s.name,
				items[i].ID,
				string(StateQueued),
			)
			if err != nil {
				return err
			}
			items[i].State = StateLeased
			items[i].Attempt++
			items[i].LeaseID = leaseID
			items[i].LeaseUntil = leaseUntil
			items[i].NextRunAt = leaseUntil
		}
		return nil
	})
	if err != nil {
		return DequeueResponse{}, err
	}
	return DequeueResponse{Items: items}, nil
}

func (s *PostgresStore) Ack(ctx context.Context, leaseID string) error {
	return s.withLease(ctx, leaseID, func(tx *sql.Tx, itemID string, _ time.Time) error {
		_, err := tx.ExecContext(ctx, `DELETE FROM queue_items WHERE queue = $1 AND id = $2`, s.name, itemID)
		return err
	})
}

func (s *PostgresStore) Renew(ctx context.Context, leaseID string, leaseFor time.Duration) error {
	if leaseFor < 0 {
		leaseFor = 0
	}
	return s.withLease(ctx, leaseID, func(tx *sql.Tx, itemID string, now time.Time) error {
		_, err := tx.ExecContext(ctx, `
UPDATE queue_items
SET lease_until = $1, next_run_at = $1
WHERE queue = $2
  AND id = $3
`, now.Add(leaseFor), s.name, itemID)
		return err
	})
}

func (s *PostgresStore) Update(ctx context.Context, leaseID string, payload []byte, leaseFor time.Duration) error {
	if leaseFor < 0 {
		leaseFor = 0
	}
	if payload == nil {
		payload = []byte{}
	}
	return s.withLease(ctx, leaseID, func(tx *sql.Tx, itemID string, now time.Time) error {
		_, err := tx.ExecContext(ctx, `
UPDATE queue_items
SET payload = $1, lease_until = $2, next_run_at = $2
WHERE queue = $3
  AND id = $4
`, payload, now.Add(leaseFor), s.name, itemID)
		return err
	})
}

func (s *PostgresStore) Stats(ctx context.Context) (Stats, error) {
	now := s.now()

	var (
		queued, leased int
		oldest         sql.NullTime
	)
	err := s.db.QueryRowContext(ctx, `
SELECT
  COUNT(*) FILTER (WHERE state = $2),
  COUNT(*) FILTER (WHERE state = $3),
  MIN(inserted_at)
FROM queue_items
WHERE queue = $1
  AND (expires_at IS NULL OR expires_at > $4)
`, s.name, string(StateQueued), string(StateLeased), now).Scan(&queued, &leased, &oldest)
	if err != nil {
		return Stats{}, err
	}

	var oldestAt time.Time
	if oldest.Valid {
		oldestAt = oldest.Time
	}
	return statsFromOldest(queued, leased, oldestAt, now), nil
}

func (s *PostgresStore) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	committed := false
	defer func() {
		if committed {
			return
		}
		_ = tx.Rollback()
	}()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	committed = true
	return nil
}

func (s *PostgresStore) withLease(ctx context.Context, leaseID string, fn func(tx *sql.Tx, itemID string, now time.Time) error) error {
	leaseID = strings.TrimSpace(leaseID)
	if leaseID == "" {
		return ErrLeaseNotFound
	}

	now := s.now()
	expired := false
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var (
			itemID     string
			state      string
			leaseUntil sql.NullTime
		)
		err := tx.QueryRowContext(ctx, `
SELECT id, state, lease_until
FROM queue_items
WHERE queue = $1
  AND lease_id = $2
LIMIT 1
FOR UPDATE
`,
			s.name,
			leaseID,
		).Scan(&itemID, &state, &leaseUntil)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return ErrLeaseNotFound
			}
			return err
		}
		if state != string(StateLeased) {
			return ErrLeaseNotFound
		}
		if leaseUntil.Valid && !now.Before(leaseUntil.Time.UTC()) {
			expired = true
			return s.requeueLeaseTx(ctx, tx, itemID, now)
		}
		return fn(tx, itemID, now)
	})
	if err != nil {
		return err
	}
	if expired {
		return ErrLeaseExpired
	}
	return nil
}

func (s *PostgresStore) requeueExpiredLeasesTx(ctx context.Context, tx *sql.Tx, now time.Time) error {
	_, err := tx.ExecContext(ctx, `
UPDATE queue_items
SET state = $1, lease_id = NULL, lease_until = NULL, next_run_at = $2
WHERE queue = $4
  AND state = $3
  AND lease_until IS NOT NULL
  AND lease_until <= $2
`,
		string(StateQueued),
		now.UTC(),
		string(StateLeased),
		s.name,
	)
	return err
}

func (s *PostgresStore) requeueLeaseTx(ctx context.Context, tx *sql.Tx, itemID string, now time.Time) error {
	_, err := tx.ExecContext(ctx, `
UPDATE queue_items
SET state = $1, lease_id = NULL, lease_until = NULL, next_run_at = $2
WHERE queue = $3
  AND id = $4
`,
		string(StateQueued),
		now.UTC(),
		s.name,
		itemID,
	)
	return err
}

func (s *PostgresStore) now() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nowFn().UTC()
}

func mapPostgresInsertError(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return ErrItemExists
	}
	return err
}

func nullTime(v time.Time) any {
	if v.IsZero() {
		return nil
	}
	return v.UTC()
}
