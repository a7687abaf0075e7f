// Package jobs is the durable async work system: a registry of named task
// processors, a client that records a job row and pushes onto a Redis queue,
// and a worker that dispatches with retry and exponential backoff. The queue
// delivers at-least-once; processors provide idempotency for at-most-once
// side effects.
package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrUnknownTask marks dispatch to an unregistered task name; the job fails
// without retry.
var ErrUnknownTask = errors.New("unknown task")

// Context describes the running job to its processor.
type Context struct {
	JobID       string
	TaskName    string
	Attempt     int
	MaxAttempts int
	UserID      string
	WorkspaceID string
}

// Processor handles one job. db is a fresh connection acquired for this job
// only (nil when the worker runs without a pool). The returned value is
// stored as the job result.
type Processor func(ctx context.Context, data json.RawMessage, jc Context, db *pgxpool.Conn) (json.RawMessage, error)

// Options are advisory processor metadata kept by the registry; the worker
// enforces neither field. Retries are bounded by the job record's
// MaxAttempts, set at enqueue.
type Options struct {
	Timeout     time.Duration
	MaxAttempts int
}

type registration struct {
	processor Processor
	opts      Options
}

// Registry maps task names to processors.
type Registry struct {
	mu    sync.RWMutex
	tasks map[string]registration
}

func NewRegistry() *Registry {
	return &Registry{tasks: make(map[string]registration)}
}

func (r *Registry) Register(name string, p Processor, opts Options) error {
	if name == "" || p == nil {
		return fmt.Errorf("jobs: task name and processor required")
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 3
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tasks[name]; exists {
		return fmt.Errorf("jobs: task %q already registered", name)
	}
	r.tasks[name] = registration{processor: p, opts: opts}
	return nil
}

func (r *Registry) get(name string) (registration, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.tasks[name]
	return reg, ok
}

// Names returns registered task names, sorted; the worker subscribes to all
// of them.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tasks))
	for n := range r.tasks {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Backoff computes the retry delay for an attempt (1-based):
// minDelay x 2^(attempt-1), jittered +-20%, capped at maxDelay. jitter is in
// [0,1) and injected for determinism in tests.
func Backoff(attempt int, minDelay, maxDelay time.Duration, jitter float64) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := minDelay
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= maxDelay {
			d = maxDelay
			break
		}
	}
	// +-20% jitter
	factor := 0.8 + 0.4*jitter
	d = time.Duration(float64(d) * factor)
	if d > maxDelay {
		d = maxDelay
	}
	return d
}
