package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"conduit/internal/llm"
	"conduit/internal/observability"
	"conduit/internal/store"
)

const (
	defaultPopTimeout = 5 * time.Second
	defaultMinDelay   = 2 * time.Second
	defaultMaxDelay   = 5 * time.Minute
)

// Worker pops queue messages and dispatches them to registered processors.
type Worker struct {
	registry *Registry
	queue    Queue
	jobs     store.Jobs
	pool     *pgxpool.Pool // optional; nil hands processors a nil conn

	minDelay time.Duration
	maxDelay time.Duration

	wg      sync.WaitGroup
	cancel  context.CancelFunc
	started bool
	mu      sync.Mutex
}

func NewWorker(registry *Registry, queue Queue, jobs store.Jobs, pool *pgxpool.Pool) *Worker {
	return &Worker{
		registry: registry,
		queue:    queue,
		jobs:     jobs,
		pool:     pool,
		minDelay: defaultMinDelay,
		maxDelay: defaultMaxDelay,
	}
}

// Start launches n worker loops. Stop with Stop.
func (w *Worker) Start(ctx context.Context, n int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.started {
		return
	}
	if n <= 0 {
		n = 1
	}
	ctx, w.cancel = context.WithCancel(ctx)
	w.started = true
	for i := 0; i < n; i++ {
		w.wg.Add(1)
		go func() {
			defer w.wg.Done()
			w.loop(ctx)
		}()
	}
}

// Stop cancels the loops and waits for in-flight jobs to finish.
func (w *Worker) Stop() {
	w.mu.Lock()
	if !w.started {
		w.mu.Unlock()
		return
	}
	w.cancel()
	w.started = false
	w.mu.Unlock()
	w.wg.Wait()
}

func (w *Worker) loop(ctx context.Context) {
	tasks := w.registry.Names()
	for {
		if ctx.Err() != nil {
			return
		}
		task, payload, err := w.queue.Pop(ctx, tasks, defaultPopTimeout)
		if errors.Is(err, ErrEmpty) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			observability.LoggerWithTrace(ctx).Error().Err(err).Msg("job_pop_error")
			time.Sleep(time.Second)
			continue
		}
		w.handle(ctx, task, payload)
	}
}

// ProcessOne pops and handles a single message; used by tests to drive the
// worker deterministically.
func (w *Worker) ProcessOne(ctx context.Context, timeout time.Duration) error {
	task, payload, err := w.queue.Pop(ctx, w.registry.Names(), timeout)
	if err != nil {
		return err
	}
	w.handle(ctx, task, payload)
	return nil
}

func (w *Worker) handle(ctx context.Context, task string, payload []byte) {
	log := observability.LoggerWithTrace(ctx)

	var env envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		log.Error().Err(err).Str("task", task).Msg("job_bad_envelope")
		return
	}

	job, err := w.jobs.MarkRunning(ctx, env.JobID)
	if err != nil || job == nil {
		// Cancelled or already terminal; drop the message.
		log.Debug().Str("job_id", env.JobID).Msg("job_skip_not_runnable")
		return
	}

	jc := Context{
		JobID:       job.ID,
		TaskName:    job.TaskName,
		Attempt:     job.Attempts,
		MaxAttempts: job.MaxAttempts,
		UserID:      job.UserID,
		WorkspaceID: job.WorkspaceID,
	}

	// Dispatch by the durable record's task name, not the queue key.
	reg, ok := w.registry.get(job.TaskName)
	if !ok {
		_ = w.jobs.MarkFailed(ctx, job.ID, fmt.Sprintf("%v: %s", ErrUnknownTask, job.TaskName))
		log.Error().Str("task", job.TaskName).Str("job_id", job.ID).Msg("job_unknown_task")
		return
	}

	// Fresh DB handle per job, released regardless of outcome.
	var conn *pgxpool.Conn
	if w.pool != nil {
		conn, err = w.pool.Acquire(ctx)
		if err != nil {
			w.retryOrFail(ctx, job, fmt.Errorf("acquire db: %w", err))
			return
		}
		defer conn.Release()
	}

	start := time.Now()
	result, err := reg.processor(ctx, job.Payload, jc, conn)
	dur := time.Since(start)
	if err != nil {
		log.Error().Err(err).Str("task", task).Str("job_id", job.ID).Int("attempt", job.Attempts).Dur("duration", dur).Msg("job_failed")
		w.retryOrFail(ctx, job, err)
		return
	}

	if err := w.jobs.MarkSucceeded(ctx, job.ID, result); err != nil {
		log.Error().Err(err).Str("job_id", job.ID).Msg("job_mark_succeeded_failed")
		return
	}
	log.Info().Str("task", task).Str("job_id", job.ID).Dur("duration", dur).Msg("job_succeeded")
}

// retryOrFail re-enqueues transient failures with backoff until attempts are
// exhausted; terminal errors fail immediately.
func (w *Worker) retryOrFail(ctx context.Context, job *store.Job, cause error) {
	log := observability.LoggerWithTrace(ctx)

	if !llm.Transient(cause) || job.Attempts >= job.MaxAttempts {
		_ = w.jobs.MarkFailed(ctx, job.ID, cause.Error())
		return
	}

	if err := w.jobs.Requeue(ctx, job.ID); err != nil {
		log.Error().Err(err).Str("job_id", job.ID).Msg("job_requeue_failed")
		return
	}

	delay := Backoff(job.Attempts, w.minDelay, w.maxDelay, rand.Float64())
	msg, _ := json.Marshal(envelope{JobID: job.ID, Task: job.TaskName})

	log.Info().Str("job_id", job.ID).Int("attempt", job.Attempts).Dur("delay", delay).Msg("job_retry_scheduled")

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			// Push anyway so the job survives shutdown; a future worker
			// picks it up.
		}
		if err := w.queue.Push(context.WithoutCancel(ctx), job.TaskName, msg); err != nil {
			log.Error().Err(err).Str("job_id", job.ID).Msg("job_retry_push_failed")
		}
	}()
}
