package workerpool

import (
	"context"
	"errors"
)

var (
	// ErrQueueClosed is returned by Add once Shutdown has been called.
	ErrQueueClosed = errors.New("workerpool: queue closed")

	// ErrContextDone is returned by Add when the job context is already
	// cancelled.
	ErrContextDone = errors.New("workerpool: job context done")

	// ErrJobPanicked wraps the value recovered from a panicking job.
	ErrJobPanicked = errors.New("workerpool: job panicked")
)

// JobFunc is the function executed by a worker for a given job payload.
type JobFunc[T any] func(T) error

// Job represents a single unit of work submitted to the queue.
//
// Fn runs on a worker goroutine. OnComplete runs exactly once on the
// goroutine that harvests the job with Complete, whether Fn succeeded or
// not. OnCancel runs instead of both if the job is cancelled while still
// pending. Any of the three may be nil, in which case it does nothing.
type Job[T any] struct {
	Payload    T
	Fn         JobFunc[T]
	OnComplete func(T)
	OnCancel   func(T)

	// Retry overrides the queue's default retry policy. Zero fields
	// fall back to the queue defaults.
	Retry *RetryPolicy
}

// entry is a job together with the context it was added under.
// Entries are referenced by pointer so that the working set can use
// them as keys.
type entry[T any] struct {
	job Job[T]
	ctx context.Context
}

func (e *entry[T]) in(ctx context.Context) bool {
	return ctx == nil || e.ctx == ctx
}

func (e *entry[T]) complete() {
	if e.job.OnComplete != nil {
		e.job.OnComplete(e.job.Payload)
	}
}

func (e *entry[T]) cancel() {
	if e.job.OnCancel != nil {
		e.job.OnCancel(e.job.Payload)
	}
}
