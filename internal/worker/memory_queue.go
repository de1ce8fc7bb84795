package worker

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"
)

// Hooks observe job retries and terminal failures, typically for metrics.
type Hooks struct {
	OnRetry   func(job *AsyncJob, err error)
	OnFailure func(job *AsyncJob, err error)
}

type MemoryQueue struct {
	mu     sync.RWMutex
	closed bool
	jobs   chan *AsyncJob

	workers         int
	maxTries        uint
	initialInterval time.Duration
	maxInterval     time.Duration
	drainTimeout    time.Duration
	hooks           Hooks
	logger          *zap.Logger
}

type Option func(*MemoryQueue)

func WithMaxTries(n uint) Option {
	return func(q *MemoryQueue) { q.maxTries = n }
}

func WithBackoff(initial, max time.Duration) Option {
	return func(q *MemoryQueue) {
		q.initialInterval = initial
		q.maxInterval = max
	}
}

// WithDrainTimeout bounds how long Process keeps working on queued jobs after
// its context is cancelled.
func WithDrainTimeout(d time.Duration) Option {
	return func(q *MemoryQueue) { q.drainTimeout = d }
}

func WithHooks(h Hooks) Option {
	return func(q *MemoryQueue) { q.hooks = h }
}

func NewMemoryQueue(size, workers int, logger *zap.Logger, opts ...Option) *MemoryQueue {
	if workers < 1 {
		workers = 1
	}
	q := &MemoryQueue{
		jobs:            make(chan *AsyncJob, size),
		workers:         workers,
		maxTries:        8,
		initialInterval: 200 * time.Millisecond,
		maxInterval:     30 * time.Second,
		drainTimeout:    10 * time.Second,
		logger:          logger,
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

func (q *MemoryQueue) Enqueue(ctx context.Context, job *AsyncJob) error {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return ErrQueueClosed
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now()
	}
	job.Status = JobStatusPending
	select {
	case q.jobs <- job:
		return nil
	default:
		return ErrQueueFull
	}
}

// Process runs the workers until ctx is done, then stops accepting jobs and
// drains what is queued for at most the drain timeout. Call it once.
func (q *MemoryQueue) Process(ctx context.Context) error {
	workCtx, stopWork := context.WithCancel(context.WithoutCancel(ctx))
	defer stopWork()

	var wg sync.WaitGroup
	for i := 0; i < q.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for job := range q.jobs {
				q.run(workCtx, job)
			}
		}()
	}

	<-ctx.Done()
	q.mu.Lock()
	q.closed = true
	close(q.jobs)
	q.mu.Unlock()

	q.logger.Info("draining job queue", zap.Int("queued", len(q.jobs)))
	timer := time.AfterFunc(q.drainTimeout, stopWork)
	defer timer.Stop()
	wg.Wait()
	return nil
}

func (q *MemoryQueue) run(ctx context.Context, job *AsyncJob) {
	job.Status = JobStatusRunning

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = q.initialInterval
	b.MaxInterval = q.maxInterval

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		job.Attempts++
		return struct{}{}, job.Run(ctx)
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(q.maxTries),
		backoff.WithNotify(func(err error, next time.Duration) {
			q.logger.Warn("job attempt failed, retrying",
				zap.String("job_id", job.ID),
				zap.String("kind", job.Kind),
				zap.Int("attempt", job.Attempts),
				zap.Duration("next", next),
				zap.Error(err),
			)
			if q.hooks.OnRetry != nil {
				q.hooks.OnRetry(job, err)
			}
		}),
	)
	if err != nil {
		job.Status = JobStatusFailed
		q.logger.Error("job failed",
			zap.String("job_id", job.ID),
			zap.String("tenant_id", job.TenantID),
			zap.String("kind", job.Kind),
			zap.Int("attempts", job.Attempts),
			zap.Error(err),
		)
		if q.hooks.OnFailure != nil {
			q.hooks.OnFailure(job, err)
		}
		return
	}
	job.Status = JobStatusDone
}
