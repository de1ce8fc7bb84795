// Package worker runs background jobs off the request path with retries.
package worker

import (
	"context"
	"errors"
	"time"
)

type JobStatus string

const (
	JobStatusPending JobStatus = "pending"
	JobStatusRunning JobStatus = "running"
	JobStatusDone    JobStatus = "done"
	JobStatusFailed  JobStatus = "failed"
)

var (
	ErrQueueFull   = errors.New("job queue full")
	ErrQueueClosed = errors.New("job queue closed")
)

// AsyncJob is one unit of background work. Run must be safe to call more
// than once for the same job; a failed attempt is retried.
type AsyncJob struct {
	ID        string
	TenantID  string
	Kind      string
	Status    JobStatus
	Attempts  int
	CreatedAt time.Time
	Run       func(ctx context.Context) error
}

type Queue interface {
	// Enqueue never blocks; it fails with ErrQueueFull instead.
	Enqueue(ctx context.Context, job *AsyncJob) error
	Process(ctx context.Context) error // starts the worker loop
}
