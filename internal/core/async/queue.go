package async

import (
	"context"
	"time"
)

// Job is one unit handed to a worker: a single key, or a group of keys
// that a worker handles in one call.
type Job struct {
	Index       int
	Keys        []string
	Timeout     time.Duration // overrides the queue default when > 0
	SubmittedAt time.Time
}

// Handler processes one job. ctx carries the per-job timeout.
type Handler func(ctx context.Context, job Job)

type Queue interface {
	Enqueue(ctx context.Context, job Job) error
	Stop()
	Shutdown(ctx context.Context)
}
