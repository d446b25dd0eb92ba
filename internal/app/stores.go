package app

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/nuetzliches/accountdelete/internal/accountdelete"
	"github.com/nuetzliches/accountdelete/internal/config"
	"github.com/nuetzliches/accountdelete/internal/queue"
	"github.com/nuetzliches/accountdelete/internal/secrets"
)

// openQueueSet opens one store per configured queue name and wraps them in
// a Set. The returned func closes every store.
func openQueueSet(qc config.QueueConfig, logger *slog.Logger) (*queue.Set[accountdelete.Info], func() error, error) {
	if logger == nil {
		logger = slog.Default()
	}

	dsn, err := postgresDSN(qc)
	if err != nil {
		return nil, nil, err
	}

	stores := make([]queue.Store, 0, len(qc.Names))
	closeAll := func() error {
		var errs []error
		for _, s := range stores {
			if err := s.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close queue %q: %w", s.Name(), err))
			}
		}
		return errors.Join(errs...)
	}

	queues := make([]*queue.Queue[accountdelete.Info], 0, len(qc.Names))
	for _, name := range qc.Names {
		name = strings.TrimSpace(name)
		store, err := newQueueStore(qc, name, dsn)
		if err != nil {
			_ = closeAll()
			return nil, nil, fmt.Errorf("open queue %q: %w", name, err)
		}
		stores = append(stores, store)
		queues = append(queues, queue.NewQueue(store, queue.WithQueueLogger[accountdelete.Info](logger)))
	}

	set, err := queue.NewSet(queues, queue.SetOptions{
		LeaseTime:   qc.LeaseTime,
		PollTimeout: qc.PollTimeout,
		MessageTTL:  qc.MessageTTL,
		Retry: queue.RetryPolicy{
			MaxAttempts:     qc.Retry.MaxAttempts,
			InitialInterval: qc.Retry.InitialInterval,
			MaxInterval:     qc.Retry.MaxInterval,
		},
		Logger: logger,
	})
	if err != nil {
		_ = closeAll()
		return nil, nil, err
	}
	logger.Info("queue_backend_selected",
		slog.String("backend", qc.Backend),
		slog.Int("queues", len(queues)),
	)
	return set, closeAll, nil
}

func newQueueStore(qc config.QueueConfig, name, dsn string) (queue.Store, error) {
	pool := poolConfig(qc.ServicePoint)
	switch qc.Backend {
	case config.BackendMemory:
		return queue.NewMemoryStore(name), nil
	case config.BackendSQLite:
		if err := os.MkdirAll(qc.SQLiteDir, 0o755); err != nil {
			return nil, err
		}
		return queue.NewSQLiteStore(name, filepath.Join(qc.SQLiteDir, name+".db"), queue.WithSQLitePool(pool))
	case config.BackendPostgres:
		var opts []queue.PostgresOption
		if pool != (queue.PoolConfig{}) {
			opts = append(opts, queue.WithPostgresPool(pool))
		}
		return queue.NewPostgresStore(name, dsn, opts...)
	default:
		return nil, fmt.Errorf("unsupported queue backend %q", qc.Backend)
	}
}

func postgresDSN(qc config.QueueConfig) (string, error) {
	if qc.Backend != config.BackendPostgres {
		return "", nil
	}
	if qc.Postgres.DSNRef == "" {
		return qc.Postgres.DSN, nil
	}
	dsn, err := secrets.LoadRef(qc.Postgres.DSNRef)
	if err != nil {
		return "", fmt.Errorf("queue.postgres.dsn_ref: %w", err)
	}
	return dsn, nil
}

// poolConfig maps a service point onto a database/sql pool. UseNagle has no
// pool equivalent.
func poolConfig(sp config.ServicePointConfig) queue.PoolConfig {
	return queue.PoolConfig{
		MaxOpenConns:    sp.ConnectionLimit,
		ConnMaxIdleTime: sp.MaxIdleTime,
		ConnMaxLifetime: sp.ConnectionLeaseTimeout,
	}
}
