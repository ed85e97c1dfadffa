package scheduler_test

import (
	"context"
	"image"
	"sync"
	"testing"
	"time"

	"github.com/azargarov/mandy/engine"
	"github.com/azargarov/mandy/scheduler"
)

type call struct {
	ctx  context.Context
	req  engine.Request
	done engine.DoneFunc
}

// fakeEngine records calls. With a nil answer function it holds every
// call until the test completes it.
type fakeEngine struct {
	mu     sync.Mutex
	calls  []*call
	answer func(engine.Request) (image.Image, error)
}

func (f *fakeEngine) Render(ctx context.Context, req engine.Request, done engine.DoneFunc) {
	f.mu.Lock()
	f.calls = append(f.calls, &call{ctx: ctx, req: req, done: done})
	answer := f.answer
	f.mu.Unlock()

	if answer != nil {
		go func() { done(answer(req)) }()
	}
}

func (f *fakeEngine) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *fakeEngine) call(i int) *call {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[i]
}

func (f *fakeEngine) requests() []engine.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]engine.Request, len(f.calls))
	for i, c := range f.calls {
		out[i] = c.req
	}
	return out
}

// setAnswer answers future calls with fn and returns the calls held so
// far.
func (f *fakeEngine) setAnswer(fn func(engine.Request) (image.Image, error)) []*call {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.answer = fn
	return append([]*call(nil), f.calls...)
}

func tileImage(engine.Request) (image.Image, error) {
	return image.NewRGBA(image.Rect(0, 0, 1, 1)), nil
}

// recorder collects redraws.
type recorder struct {
	mu    sync.Mutex
	tiles []scheduler.Tile
}

func (r *recorder) redraw(t scheduler.Tile) {
	r.mu.Lock()
	r.tiles = append(r.tiles, t)
	r.mu.Unlock()
}

func (r *recorder) snapshot() []scheduler.Tile {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]scheduler.Tile(nil), r.tiles...)
}

func (r *recorder) reset() {
	r.mu.Lock()
	r.tiles = nil
	r.mu.Unlock()
}

func newScheduler(t *testing.T, eng engine.Engine, rec *recorder, opts ...scheduler.Option) *scheduler.Scheduler {
	t.Helper()
	opts = append([]scheduler.Option{scheduler.WithRepollDelay(time.Millisecond)}, opts...)
	s := scheduler.New(eng, rec.redraw, opts...)
	t.Cleanup(s.Close)
	return s
}

func waitIdle(t *testing.T, s *scheduler.Scheduler) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.WaitIdle(ctx); err != nil {
		t.Fatalf("scheduler never went idle: %v (%+v)", err, s.Stats())
	}
}

// waitUntil polls cond until true or timeout.
func waitUntil(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("condition not met within %v", timeout)
}
