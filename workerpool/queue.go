package workerpool

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	boff "github.com/Andrej220/go-utils/backoff"
	lg "github.com/Andrej220/go-utils/zlog"
	"golang.org/x/sys/cpu"
)

// cachePad separates the pending-side and completed-side lock groups.
type cachePad = cpu.CacheLinePad

// Queue is a bounded worker pool with add, cancel and harvest semantics.
//
// Workers are started lazily on the first Add; their number is fixed from
// then on. OnJobError and OnInternalError must be set before the first
// Add.
type Queue[T any, M MetricsPolicy] struct {
	opts    Options
	metrics M

	// OnJobError receives errors returned by jobs and recovered panics.
	OnJobError func(error)

	// OnInternalError receives failures inside the queue itself,
	// such as a worker that could not be pinned.
	OnInternalError func(error)

	// mu guards pending, working, started and closed.
	mu      sync.Mutex
	cond    *sync.Cond // signaled when a job is added or the queue closes
	pending *ring[*entry[T]]
	working map[*entry[T]]struct{}
	started bool
	closed  bool
	_       cachePad

	// doneMu guards completed.
	doneMu    sync.Mutex
	doneCond  *sync.Cond // broadcast when a job completes or is cancelled
	completed *ring[*entry[T]]
	_         cachePad

	// outstanding counts pending plus working jobs. It is decremented
	// under doneMu so that a blocked harvester cannot miss the last
	// completion.
	outstanding   atomic.Int64
	activeWorkers atomic.Int32
	wg            sync.WaitGroup
}

// New creates a queue. No goroutines are started until the first Add.
func New[T any, M MetricsPolicy](opts Options, m M) *Queue[T, M] {
	opts.FillDefaults()
	q := &Queue[T, M]{
		opts:      opts,
		metrics:   m,
		pending:   newRing[*entry[T]](opts.InitialCapacity),
		working:   make(map[*entry[T]]struct{}),
		completed: newRing[*entry[T]](opts.InitialCapacity),
	}
	q.cond = sync.NewCond(&q.mu)
	q.doneCond = sync.NewCond(&q.doneMu)
	return q
}

// NewDefault creates a queue that does not collect metrics.
func NewDefault[T any](opts Options) *Queue[T, *NoopMetrics] {
	return New[T](opts, &NoopMetrics{})
}

// SetWorkers changes the number of workers. It has no effect and returns
// false once the pool has been started by the first Add.
func (q *Queue[T, M]) SetWorkers(n int) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.started {
		return false
	}
	if n <= 0 {
		n = runtime.GOMAXPROCS(0)
	}
	q.opts.Workers = n
	return true
}

// Add appends job to the pending list under ctx and wakes one worker.
//
// ctx is the job's grouping token for Cancel and Complete. A nil ctx is
// replaced by context.Background().
func (q *Queue[T, M]) Add(ctx context.Context, job Job[T]) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %w", ErrContextDone, err)
	}
	e := &entry[T]{job: job, ctx: ctx}

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrQueueClosed
	}
	if !q.started {
		q.startLocked(ctx)
	}
	q.pending.Push(e)
	q.outstanding.Add(1)
	q.mu.Unlock()

	q.metrics.IncQueued()
	q.cond.Signal()
	return nil
}

// Cancel removes every pending job added under ctx and runs their
// OnCancel callbacks. A nil ctx cancels every pending job.
//
// Jobs already working or completed are not affected. Cancel returns the
// number of jobs removed.
func (q *Queue[T, M]) Cancel(ctx context.Context) int {
	q.mu.Lock()
	removed := q.pending.RemoveFunc(-1, func(e *entry[T]) bool { return e.in(ctx) })
	q.mu.Unlock()

	if len(removed) == 0 {
		return 0
	}
	n := int64(len(removed))
	q.metrics.BatchDecQueued(n)
	q.metrics.AddCancelled(n)

	q.doneMu.Lock()
	q.outstanding.Add(-n)
	q.doneMu.Unlock()
	q.doneCond.Broadcast()

	// The callbacks had better run outside the lock.
	for _, e := range removed {
		e.cancel()
	}
	return len(removed)
}

// Complete harvests up to max completed jobs and runs their OnComplete
// callbacks on the calling goroutine. If ctx is non-nil only jobs added
// under ctx are harvested.
//
// If block is true and fewer than max matching jobs are available,
// Complete waits for more. It stops waiting early when no job is pending
// or working, since nothing more can complete. A max of zero or less is a
// no-op. Complete returns the number of jobs completed.
func (q *Queue[T, M]) Complete(max int, ctx context.Context, block bool) int {
	// Special case a count of 0: it shouldn't cause a hang.
	if max <= 0 {
		return 0
	}
	match := func(e *entry[T]) bool { return e.in(ctx) }

	done := 0
	q.doneMu.Lock()
	for done < max {
		batch := q.completed.RemoveFunc(max-done, match)
		if len(batch) > 0 {
			q.doneMu.Unlock()
			for _, e := range batch {
				e.complete()
			}
			q.metrics.AddCompleted(int64(len(batch)))
			done += len(batch)
			// More work may have arrived while the lock was released.
			q.doneMu.Lock()
			continue
		}
		if !block || q.outstanding.Load() == 0 {
			break
		}
		q.doneCond.Wait()
	}
	q.doneMu.Unlock()
	return done
}

// Shutdown stops accepting jobs, lets the workers drain the pending list
// and waits for them to exit or for ctx to be done.
//
// Completed jobs remain available to Complete after Shutdown returns.
func (q *Queue[T, M]) Shutdown(ctx context.Context) error {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.cond.Broadcast()

	done := make(chan struct{})
	go func() {
		defer close(done)
		q.wg.Wait()
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop is a blocking Shutdown.
func (q *Queue[T, M]) Stop() { _ = q.Shutdown(context.Background()) }

// Len returns the number of pending jobs.
func (q *Queue[T, M]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.pending.Len()
}

// Working returns the number of jobs currently being run.
func (q *Queue[T, M]) Working() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.working)
}

// Completed returns the number of completed jobs awaiting harvest.
func (q *Queue[T, M]) Completed() int {
	q.doneMu.Lock()
	defer q.doneMu.Unlock()
	return q.completed.Len()
}

// Pending reports whether any job has not been harvested or cancelled yet.
func (q *Queue[T, M]) Pending() bool {
	if q.outstanding.Load() > 0 {
		return true
	}
	return q.Completed() > 0
}

// Workers returns the configured number of workers.
func (q *Queue[T, M]) Workers() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.opts.Workers
}

// ActiveWorkers returns the number of workers currently running a job.
func (q *Queue[T, M]) ActiveWorkers() int32 { return q.activeWorkers.Load() }

// Metrics returns the queue's metrics policy.
func (q *Queue[T, M]) Metrics() M { return q.metrics }

// startLocked launches the workers. Called with mu held.
func (q *Queue[T, M]) startLocked(ctx context.Context) {
	q.started = true
	lg.FromContext(ctx).Info("worker pool starting",
		lg.Int("workers", q.opts.Workers),
		lg.Any("pin_workers", q.opts.PinWorkers),
	)
	for i := range q.opts.Workers {
		q.wg.Add(1)
		go q.worker(i)
	}
}

func (q *Queue[T, M]) worker(id int) {
	defer q.wg.Done()

	if q.opts.PinWorkers {
		core, unpin, err := pinWorker(id)
		defer unpin()
		if err != nil {
			q.reportInternalError(fmt.Errorf("workerpool: pin worker %d to cpu %d: %w", id, core, err))
		}
	}

	for {
		q.mu.Lock()
		for q.pending.Len() == 0 && !q.closed {
			q.cond.Wait()
		}
		e, ok := q.pending.Pop()
		if !ok {
			// closed and drained
			q.mu.Unlock()
			return
		}
		q.working[e] = struct{}{}
		q.mu.Unlock()
		q.metrics.BatchDecQueued(1)

		q.execute(e)
		q.metrics.IncExecuted()

		q.doneMu.Lock()
		q.completed.Push(e)
		q.outstanding.Add(-1)
		q.doneMu.Unlock()
		q.doneCond.Broadcast()

		// A job can be in both working and completed for a moment.
		q.mu.Lock()
		delete(q.working, e)
		q.mu.Unlock()
	}
}

// execute runs the job, retrying according to its policy. Errors and
// panics are reported and swallowed.
func (q *Queue[T, M]) execute(e *entry[T]) {
	q.activeWorkers.Add(1)
	defer q.activeWorkers.Add(-1)
	defer func() {
		if r := recover(); r != nil {
			lg.FromContext(e.ctx).Error("job panicked", lg.Any("panic", r))
			q.reportJobError(fmt.Errorf("%w: %v", ErrJobPanicked, r))
		}
	}()

	if e.job.Fn == nil {
		return
	}

	pol := q.opts.Retry.override(e.job.Retry)
	bo := boff.New(pol.Initial, pol.Max, time.Now().UnixNano())

	for attempt := 1; ; attempt++ {
		err := e.job.Fn(e.job.Payload)
		if err == nil {
			return
		}
		logger := lg.FromContext(e.ctx)
		if attempt >= pol.Attempts {
			logger.Error("job failed", lg.Int("attempt", attempt), lg.Any("error", err))
			q.reportJobError(err)
			return
		}

		delay := bo.Next()
		logger.Warn("job attempt failed; backing off",
			lg.Int("attempt", attempt),
			lg.String("sleep", delay.String()),
			lg.Any("error", err),
		)
		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-e.ctx.Done():
			timer.Stop()
			logger.Info("job retry abandoned", lg.Any("reason", e.ctx.Err()))
			q.reportJobError(fmt.Errorf("workerpool: retry abandoned after attempt %d: %w", attempt, err))
			return
		}
	}
}
