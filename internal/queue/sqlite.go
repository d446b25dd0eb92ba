package queue

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	sqlite3 "modernc.org/sqlite"
)

const schemaVersion = 2

const schemaV1 = `
CREATE TABLE IF NOT EXISTS queue_items (
  id            TEXT PRIMARY KEY,
  state         TEXT NOT NULL,
  inserted_at   INTEGER NOT NULL,
  expires_at    INTEGER,
  attempt       INTEGER NOT NULL,
  next_run_at   INTEGER NOT NULL,
  payload       BLOB NOT NULL,
  lease_id      TEXT,
  lease_until   INTEGER
);
CREATE INDEX IF NOT EXISTS idx_queue_ready
  ON queue_items(state, next_run_at, inserted_at);
CREATE INDEX IF NOT EXISTS idx_queue_lease_id
  ON queue_items(lease_id);
CREATE INDEX IF NOT EXISTS idx_queue_leases
  ON queue_items(state, lease_until);
`

const schemaV2 = `
CREATE INDEX IF NOT EXISTS idx_queue_inserted_at
  ON queue_items(inserted_at);
CREATE INDEX IF NOT EXISTS idx_queue_expires_at
  ON queue_items(expires_at);
`

type SQLiteOption func(*SQLiteStore)

func WithSQLiteNowFunc(now func() time.Time) SQLiteOption {
	return func(s *SQLiteStore) {
		if now != nil {
			s.nowFn = now
		}
	}
}

// WithSQLitePool applies connection pool tuning. The open connection limit is
// ignored because the store serializes writers on one connection.
func WithSQLitePool(pool PoolConfig) SQLiteOption {
	return func(s *SQLiteStore) {
		s.pool = pool
	}
}

// SQLiteStore keeps one backing queue in one database file.
type SQLiteStore struct {
	name string
	db   *sql.DB

	mu    sync.Mutex
	nowFn func() time.Time
	pool  PoolConfig
}

var _ Store = (*SQLiteStore)(nil)

func NewSQLiteStore(name, dbPath string, opts ...SQLiteOption) (*SQLiteStore, error) {
	dbPath = strings.TrimSpace(dbPath)
	if dbPath == "" {
		return nil, errors.New("empty db path")
	}

	dir := filepath.Dir(dbPath)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}

	s := &SQLiteStore{
		name:  strings.TrimSpace(name),
		db:    db,
		nowFn: time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.pool.MaxOpenConns = 1
	s.pool.apply(db)

	if err := s.init(); err != nil {
		_ = db.Close()
		return nil, err
	}

	return s, nil
}

func (s *SQLiteStore) Name() string { return s.name }

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) init() error {
	ctx := context.Background()

	var journalMode string
	if err := s.db.QueryRowContext(ctx, "PRAGMA journal_mode=WAL;").Scan(&journalMode); err != nil {
		return fmt.Errorf("sqlite: set journal_mode=wal: %w", err)
	}
	if strings.ToLower(journalMode) != "wal" {
		return fmt.Errorf("sqlite: journal_mode=%q, want wal", journalMode)
	}

	if _, err := s.db.ExecContext(ctx, "PRAGMA synchronous=FULL;"); err != nil {
		return fmt.Errorf("sqlite: set synchronous=full: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, "PRAGMA busy_timeout=5000;"); err != nil {
		return fmt.Errorf("sqlite: set busy_timeout: %w", err)
	}

	return s.migrate(ctx)
}

func (s *SQLiteStore) migrate(ctx context.Context) error {
	return s.withTx(ctx, func(conn *sql.Conn) error {
		if _, err := conn.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS schema_migrations (
  version INTEGER NOT NULL
);
`); err != nil {
			return fmt.Errorf("sqlite: init migrations table: %w", err)
		}

		current, hasVersion, err := readSchemaVersion(ctx, conn)
		if err != nil {
			return err
		}
		if current > schemaVersion {
			return fmt.Errorf("sqlite: schema_version=%d, want <=%d", current, schemaVersion)
		}

		for v := current + 1; v <= schemaVersion; v++ {
			switch v {
			case 1:
				if _, err := conn.ExecContext(ctx, schemaV1); err != nil {
					return fmt.Errorf("sqlite: migrate v1: %w", err)
				}
			case 2:
				if _, err := conn.ExecContext(ctx, schemaV2); err != nil {
					return fmt.Errorf("sqlite: migrate v2: %w", err)
				}
			default:
				return fmt.Errorf("sqlite: unknown migration %d", v)
			}
		}

		if !hasVersion || current != schemaVersion {
			return writeSchemaVersion(ctx, conn, schemaVersion)
		}
		return nil
	})
}

func readSchemaVersion(ctx context.Context, conn *sql.Conn) (int, bool, error) {
	var v int
	err := conn.QueryRowContext(ctx, `SELECT version FROM schema_migrations LIMIT 1;`).Scan(&v)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, false, nil
		}
		return 0, false, fmt.Errorf("sqlite: read schema_version: %w", err)
	}
	return v, true, nil
}

func writeSchemaVersion(ctx context.Context, conn *sql.Conn, v int) error {
	if _, err := conn.ExecContext(ctx, `INSERT OR REPLACE INTO schema_migrations(rowid, version) VALUES (1, ?);`, v); err != nil {
		return fmt.Errorf("sqlite: write schema_version: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Enqueue(ctx context.Context, env Envelope) error {
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
  id, state, inserted_at, expires_at, attempt, next_run_at, payload,
  lease_id, lease_until
) VALUES (?, ?, ?, ?, ?, ?, ?, NULL, NULL);
`,
		env.ID,
		string(StateQueued),
		env.InsertedAt.UnixNano(),
		nullUnixNano(env.ExpiresAt),
		env.Attempt,
		env.NextRunAt.UnixNano(),
		env.Payload,
	)
	if err != nil {
		return mapQueueInsertError(err)
	}
	return nil
}

func (s *SQLiteStore) Dequeue(ctx context.Context, req DequeueRequest) (DequeueResponse, error) {
	batch := normalizeBatch(req.Batch)
	leaseTTL := normalizeLeaseTTL(req.LeaseTTL)

	now := req.Now
	if now.IsZero() {
		now = s.now()
	}
	leaseUntil := now.Add(leaseTTL)

	var out []Envelope
	err := s.withTx(ctx, func(conn *sql.Conn) error {
		if err := s.requeueExpiredLeases(ctx, conn, now); err != nil {
			return err
		}
		if _, err := conn.ExecContext(ctx, `
DELETE FROM queue_items
WHERE expires_at IS NOT NULL AND expires_at <= ?;
`, now.UnixNano()); err != nil {
			return err
		}

		rows, err := conn.QueryContext(ctx, `
SELECT id, inserted_at, expires_at, attempt, payload
FROM queue_items
WHERE state = ?
  AND next_run_at <= ?
ORDER BY next_run_at ASC, inserted_at ASC
LIMIT ?;
`, string(StateQueued), now.UnixNano(), batch)
		if err != nil {
			return err
		}

		out = make([]Envelope, 0, batch)
		for rows.Next() {
			var env Envelope
			var insertedAtNanos int64
			var expiresAtNanos sql.NullInt64
			if err := rows.Scan(&env.ID, &insertedAtNanos, &expiresAtNanos, &env.Attempt, &env.Payload); err != nil {
				_ = rows.Close()
				return err
			}
			env.InsertedAt = time.Unix(0, insertedAtNanos).UTC()
			if expiresAtNanos.Valid {
				env.ExpiresAt = time.Unix(0, expiresAtNanos.Int64).UTC()
			}
			out = append(out, env)
		}
		if err := rows.Err(); err != nil {
			_ = rows.Close()
			return err
		}
		_ = rows.Close()

		for i := range out {
			leaseID := newHexID("lease_")
			if _, err := conn.ExecContext(ctx, `
UPDATE queue_items
SET state = ?, attempt = attempt + 1, lease_id = ?, lease_until = ?, next_run_at = ?
WHERE id = ? AND state = ?;
`,
				string(StateLeased),
				leaseID,
				leaseUntil.UnixNano(),
				leaseUntil.UnixNano(),
				out[i].ID,
				string(StateQueued),
			); err != nil {
				return err
			}
			out[i].State = StateLeased
			out[i].Attempt++
			out[i].LeaseID = leaseID
			out[i].LeaseUntil = leaseUntil.UTC()
			out[i].NextRunAt = out[i].LeaseUntil
		}
		return nil
	})
	if err != nil {
		return DequeueResponse{}, err
	}
	return DequeueResponse{Items: out}, nil
}

func (s *SQLiteStore) Ack(ctx context.Context, leaseID string) error {
	return s.withLease(ctx, leaseID, func(conn *sql.Conn, id string, _ time.Time) error {
		_, err := conn.ExecContext(ctx, `DELETE FROM queue_items WHERE id = ?;`, id)
		return err
	})
}

func (s *SQLiteStore) Renew(ctx context.Context, leaseID string, leaseFor time.Duration) error {
	if leaseFor < 0 {
		leaseFor = 0
	}
	return s.withLease(ctx, leaseID, func(conn *sql.Conn, id string, now time.Time) error {
		until := now.Add(leaseFor).UnixNano()
		_, err := conn.ExecContext(ctx, `
UPDATE queue_items
SET lease_until = ?, next_run_at = ?
WHERE id = ?;
`, until, until, id)
		return err
	})
}

func (s *SQLiteStore) Update(ctx context.Context, leaseID string, payload []byte, leaseFor time.Duration) error {
	if leaseFor < 0 {
		leaseFor = 0
	}
	if payload == nil {
		payload = []byte{}
	}
	return s.withLease(ctx, leaseID, func(conn *sql.Conn, id string, now time.Time) error {
		until := now.Add(leaseFor).UnixNano()
		_, err := conn.ExecContext(ctx, `
UPDATE queue_items
SET payload = ?, lease_until = ?, next_run_at = ?
WHERE id = ?;
`, payload, until, until, id)
		return err
	})
}

func (s *SQLiteStore) Stats(ctx context.Context) (Stats, error) {
	now := s.now()

	var queued, leased int
	var oldestNanos sql.NullInt64
	err := s.db.QueryRowContext(ctx, `
SELECT
  COALESCE(SUM(CASE WHEN state = ? THEN 1 ELSE 0 END), 0),
  COALESCE(SUM(CASE WHEN state = ? THEN 1 ELSE 0 END), 0),
  MIN(inserted_at)
FROM queue_items
WHERE expires_at IS NULL OR expires_at > ?;
`, string(StateQueued), string(StateLeased), now.UnixNano()).Scan(&queued, &leased, &oldestNanos)
	if err != nil {
		return Stats{}, err
	}

	var oldest time.Time
	if oldestNanos.Valid {
		oldest = time.Unix(0, oldestNanos.Int64)
	}
	return statsFromOldest(queued, leased, oldest, now), nil
}

// withTx runs fn inside BEGIN IMMEDIATE on a dedicated connection so the
// write lock is taken before any read.
func (s *SQLiteStore) withTx(ctx context.Context, fn func(conn *sql.Conn) error) error {
	conn, err := s.db.Conn(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	if _, err := conn.ExecContext(ctx, "BEGIN IMMEDIATE;"); err != nil {
		return err
	}
	committed := false
	defer func() {
		if committed {
			return
		}
		_, _ = conn.ExecContext(context.Background(), "ROLLBACK;")
	}()

	if err := fn(conn); err != nil {
		return err
	}

	if _, err := conn.ExecContext(ctx, "COMMIT;"); err != nil {
		return err
	}
	committed = true
	return nil
}

func (s *SQLiteStore) withLease(ctx context.Context, leaseID string, fn func(conn *sql.Conn, id string, now time.Time) error) error {
	if strings.TrimSpace(leaseID) == "" {
		return ErrLeaseNotFound
	}

	now := s.now()
	expired := false
	err := s.withTx(ctx, func(conn *sql.Conn) error {
		var id, state string
		var leaseUntilNanos sql.NullInt64
		err := conn.QueryRowContext(ctx, `
SELECT id, state, lease_until
FROM queue_items
WHERE lease_id = ?
LIMIT 1;
`, leaseID).Scan(&id, &state, &leaseUntilNanos)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return ErrLeaseNotFound
			}
			return err
		}
		if state != string(StateLeased) {
			return ErrLeaseNotFound
		}
		if leaseUntilNanos.Valid && !now.Before(time.Unix(0, leaseUntilNanos.Int64)) {
			// Commit the requeue; the caller no longer owns the message.
			expired = true
			return s.requeueLease(ctx, conn, id, now)
		}
		return fn(conn, id, now)
	})
	if err != nil {
		return err
	}
	if expired {
		return ErrLeaseExpired
	}
	return nil
}

func (s *SQLiteStore) requeueExpiredLeases(ctx context.Context, conn *sql.Conn, now time.Time) error {
	_, err := conn.ExecContext(ctx, `
UPDATE queue_items
SET state = ?, lease_id = NULL, lease_until = NULL, next_run_at = ?
WHERE state = ?
  AND lease_until IS NOT NULL
  AND lease_until <= ?;
`,
		string(StateQueued),
		now.UnixNano(),
		string(StateLeased),
		now.UnixNano(),
	)
	return err
}

func (s *SQLiteStore) requeueLease(ctx context.Context, conn *sql.Conn, id string, now time.Time) error {
	_, err := conn.ExecContext(ctx, `
UPDATE queue_items
SET state = ?, lease_id = NULL, lease_until = NULL, next_run_at = ?
WHERE id = ?;
`,
		string(StateQueued),
		now.UnixNano(),
		id,
	)
	return err
}

func (s *SQLiteStore) now() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nowFn()
}

func nullUnixNano(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UnixNano()
}

func newHexID(prefix string) string {
	var b [8]byte
	_, _ = rand.Read(b[:])
	return prefix + hex.EncodeToString(b[:])
}

func mapQueueInsertError(err error) error {
	if err == nil {
		return nil
	}
	if isSQLiteConstraintError(err) {
		return ErrItemExists
	}
	return err
}

func isSQLiteConstraintError(err error) bool {
	var sqliteErr *sqlite3.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	// Extended sqlite result codes include base code in the lower 8 bits.
	const sqliteConstraintBase = 19
	return sqliteErr.Code()&0xff == sqliteConstraintBase
}
