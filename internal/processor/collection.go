package processor

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// DefaultIdleDelay is how long a member sleeps after a pass that did no work.
const DefaultIdleDelay = 5 * time.Second

// Worker runs one pass and reports whether it processed a batch.
type Worker interface {
	DoWork(ctx context.Context) bool
}

type CollectionOptions struct {
	IdleDelay time.Duration
	Logger    *slog.Logger
}

// Collection runs a fixed set of workers, each in its own loop. Members do
// not coordinate; a shared queue set and its leases keep them apart.
type Collection struct {
	workers   []Worker
	idleDelay time.Duration
	logger    *slog.Logger

	mu       sync.Mutex
	started  bool
	cancel   context.CancelFunc
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewCollection builds count processors from cfg.
func NewCollection(count int, cfg Config, opts CollectionOptions) (*Collection, error) {
	if count <= 0 {
		return nil, errors.New("processor: processor count must be positive")
	}
	workers := make([]Worker, 0, count)
	for i := 0; i < count; i++ {
		p, err := New(cfg)
		if err != nil {
			return nil, err
		}
		workers = append(workers, p)
	}
	return newCollection(workers, opts), nil
}

func newCollection(workers []Worker, opts CollectionOptions) *Collection {
	idle := opts.IdleDelay
	if idle <= 0 {
		idle = DefaultIdleDelay
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Collection{
		workers:   workers,
		idleDelay: idle,
		logger:    logger,
	}
}

func (c *Collection) Len() int { return len(c.workers) }

// Start runs every member immediately.
func (c *Collection) Start() { c.StartAfter(0) }

// StartAfter runs every member once delay has passed. Calls after the first
// are no-ops.
func (c *Collection) StartAfter(delay time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started {
		return
	}
	c.started = true

	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.stopCh = make(chan struct{})

	for i, w := range c.workers {
		c.wg.Add(1)
		go c.run(ctx, i, w, delay)
	}
	c.logger.Info("processors_started",
		slog.Int("count", len(c.workers)),
		slog.Duration("start_delay", delay),
	)
}

// Stop signals every member to stop and waits for in-flight passes. A pass
// that already dequeued a batch finishes it. Stop returns ctx.Err() when ctx
// ends first.
func (c *Collection) Stop(ctx context.Context) error {
	c.mu.Lock()
	started := c.started
	c.mu.Unlock()
	if !started {
		return nil
	}

	c.stopOnce.Do(func() {
		close(c.stopCh)
		c.cancel()
	})

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		c.logger.Info("processors_stopped", slog.Int("count", len(c.workers)))
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Collection) run(ctx context.Context, index int, w Worker, delay time.Duration) {
	defer c.wg.Done()

	if delay > 0 && !c.sleep(delay) {
		return
	}
	for {
		select {
		case <-c.stopCh:
			return
		default:
		}

		if w.DoWork(ctx) {
			continue
		}
		c.logger.Debug("processor_idle", slog.Int("processor", index), slog.Duration("delay", c.idleDelay))
		if !c.sleep(c.idleDelay) {
			return
		}
	}
}

// sleep waits for d and reports false when stopped first.
func (c *Collection) sleep(d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-c.stopCh:
		return false
	case <-t.C:
		return true
	}
}
