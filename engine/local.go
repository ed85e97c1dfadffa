package engine

import (
	"context"
	"errors"
	"fmt"
	"image"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/azargarov/mandy/workerpool"
)

// ErrCancelled is reported for a render removed from the queue before it
// started.
var ErrCancelled = errors.New("engine: render cancelled")

// LocalOptions configures a Local engine.
type LocalOptions struct {
	// Workers is the size of the render pool. Zero means GOMAXPROCS.
	Workers int

	// PinWorkers pins render workers to CPUs on Linux.
	PinWorkers bool

	// Logger receives debug output. Nil means no logging.
	Logger *zap.Logger
}

// Local renders tiles on an in-process worker pool.
//
// Concurrent requests with equal keys share one render. Once every
// caller of a render has cancelled, the render is removed from the queue
// if no worker has picked it up yet, and stopped otherwise.
type Local struct {
	queue *workerpool.Queue[*renderJob, *workerpool.AtomicMetrics]
	log   *zap.Logger

	mu      sync.Mutex // guards flights and joins on group
	group   singleflight.Group
	flights map[string]*flight

	kick   chan struct{}
	closed chan struct{}
	once   sync.Once
	wg     sync.WaitGroup
}

type renderJob struct {
	ctx    context.Context
	req    Request
	img    image.Image
	err    error
	start  time.Time
	result chan renderJob
}

// NewLocal creates a Local engine and starts its harvester.
func NewLocal(opts LocalOptions) *Local {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	l := &Local{
		queue: workerpool.New[*renderJob](workerpool.Options{
			Workers:    opts.Workers,
			PinWorkers: opts.PinWorkers,
		}, &workerpool.AtomicMetrics{}),
		log:     opts.Logger,
		flights: make(map[string]*flight),
		kick:    make(chan struct{}, 1),
		closed:  make(chan struct{}),
	}
	l.queue.OnInternalError = func(err error) {
		l.log.Warn("render pool error", zap.Error(err))
	}
	l.wg.Add(1)
	go l.harvest()
	return l
}

// Render implements Engine.
func (l *Local) Render(ctx context.Context, req Request, done DoneFunc) {
	go func() { done(l.RenderSync(ctx, req)) }()
}

// RenderSync renders req and waits for the result.
//
// Callers asking for the same key share one render. The shared render
// does not run under any caller's context: it is cancelled only once
// every caller waiting on it has gone.
func (l *Local) RenderSync(ctx context.Context, req Request) (image.Image, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	for attempt := 1; ; attempt++ {
		img, err := l.join(ctx, req)
		// A caller that is still live can land on a render abandoned by
		// everyone else just before it joined.
		if err != nil && ctx.Err() == nil && attempt < maxJoins &&
			(errors.Is(err, context.Canceled) || errors.Is(err, ErrCancelled)) {
			l.log.Debug("shared render abandoned, rejoining",
				zap.String("key", req.Key()), zap.Int("attempt", attempt))
			continue
		}
		return img, err
	}
}

const maxJoins = 3

// flight is the cancellation scope of one shared render.
type flight struct {
	ctx     context.Context
	cancel  context.CancelFunc
	waiters int
}

func (l *Local) join(ctx context.Context, req Request) (image.Image, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %w", workerpool.ErrContextDone, err)
	}
	key := req.Key()

	// Registering a waiter and joining the singleflight call happen
	// under one lock, so the flight in the map is always the one the
	// registered call renders under.
	l.mu.Lock()
	f := l.flights[key]
	if f == nil {
		fctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		f = &flight{ctx: fctx, cancel: cancel}
		l.flights[key] = f
	}
	f.waiters++
	ch := l.group.DoChan(key, func() (any, error) {
		defer l.finish(key, f)
		return l.render(f.ctx, req)
	})
	l.mu.Unlock()

	select {
	case r := <-ch:
		l.leave(key, f, false)
		if r.Shared {
			l.log.Debug("render shared", zap.String("key", key))
		}
		img, _ := r.Val.(image.Image)
		return img, r.Err
	case <-ctx.Done():
		l.leave(key, f, true)
		return nil, fmt.Errorf("%w: %w", workerpool.ErrContextDone, ctx.Err())
	}
}

// finish unregisters f once its render has returned.
func (l *Local) finish(key string, f *flight) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.flights[key] == f {
		delete(l.flights, key)
	}
}

// leave drops one waiter from f. The last waiter to give up cancels the
// render and detaches it, so later callers start afresh.
func (l *Local) leave(key string, f *flight, abandon bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	f.waiters--
	if f.waiters > 0 {
		return
	}
	f.cancel()
	if l.flights[key] == f {
		delete(l.flights, key)
		if abandon {
			l.group.Forget(key)
		}
	}
}

func (l *Local) render(ctx context.Context, req Request) (image.Image, error) {
	// A private context gives the job a grouping token no other request
	// shares, so cancelling it never touches someone else's job.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	j := &renderJob{ctx: ctx, req: req, start: time.Now(), result: make(chan renderJob, 1)}
	err := l.queue.Add(ctx, workerpool.Job[*renderJob]{
		Payload: j,
		Fn: func(j *renderJob) error {
			// Failures go into the payload; the queue would only log them.
			j.img, j.err = Draw(j.ctx, j.req)
			return nil
		},
		OnComplete: func(j *renderJob) { j.result <- *j },
		OnCancel: func(j *renderJob) {
			j.err = ErrCancelled
			if cause := context.Cause(j.ctx); cause != nil {
				j.err = errors.Join(ErrCancelled, cause)
			}
			j.result <- *j
		},
	})
	if err != nil {
		return nil, err
	}
	select {
	case l.kick <- struct{}{}:
	default:
	}

	stop := context.AfterFunc(ctx, func() { l.queue.Cancel(ctx) })
	defer stop()

	r := <-j.result
	if r.err != nil {
		return nil, r.err
	}
	l.log.Debug("tile rendered",
		zap.String("key", req.Key()),
		zap.Duration("elapsed", time.Since(j.start)),
	)
	return r.img, nil
}

// harvest runs completion callbacks. It sleeps until kicked and then
// drains the queue with blocking harvests.
func (l *Local) harvest() {
	defer l.wg.Done()
	for {
		select {
		case <-l.closed:
			l.queue.Complete(math.MaxInt, nil, false)
			return
		case <-l.kick:
		}
		for l.queue.Pending() {
			l.queue.Complete(math.MaxInt, nil, true)
		}
	}
}

// Metrics returns the render pool counters.
func (l *Local) Metrics() *workerpool.AtomicMetrics { return l.queue.Metrics() }

// Queued returns the number of renders waiting for a worker.
func (l *Local) Queued() int { return l.queue.Len() }

// Running returns the number of renders on a worker.
func (l *Local) Running() int { return l.queue.Working() }

// Close cancels queued renders, waits for running ones and stops the
// harvester. Renders requested after Close fail with
// workerpool.ErrQueueClosed.
func (l *Local) Close() {
	l.once.Do(func() {
		l.queue.Cancel(nil)
		l.queue.Stop()
		close(l.closed)
		l.wg.Wait()
	})
}
