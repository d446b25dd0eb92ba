package telemetry

import (
	"context"
	"sync"
	"time"
)

// Recorder keeps Counters calls in memory.
type Recorder struct {
	mu        sync.Mutex
	failures  map[string]int
	successes int
	depth     map[string]Depth
}

type Depth struct {
	Size int
	Age  time.Duration
}

var _ Counters = (*Recorder)(nil)

func NewRecorder() *Recorder {
	return &Recorder{failures: make(map[string]int), depth: make(map[string]Depth)}
}

func (r *Recorder) Failure(_ context.Context, stage string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failures[stage]++
}

func (r *Recorder) Success(context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.successes++
}

func (r *Recorder) QueueDepth(_ context.Context, queue string, size int, age time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.depth[queue] = Depth{Size: size, Age: age}
}

func (r *Recorder) Failures(stage string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.failures[stage]
}

func (r *Recorder) Successes() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.successes
}

// Depths returns the last sample per queue.
func (r *Recorder) Depths() map[string]Depth {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]Depth, len(r.depth))
	for k, v := range r.depth {
		out[k] = v
	}
	return out
}
