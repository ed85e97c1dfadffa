// Package scheduler turns viewport changes into a prioritised stream of
// tile requests.
//
// Every view change starts a new generation. The tiles of the new view
// are sorted by distance from the focus point and appended to a single
// pending list. Dispatch passes pop that list while fewer than
// MaxInFlight engine requests are outstanding: stale requests are
// dropped without using a slot, cached tiles are drawn at once, and
// everything else goes to the engine with a placeholder left in the
// cache. When a pass stops at the cap, another pass is scheduled after
// RepollDelay; no goroutine waits on the list.
//
// A result whose generation is no longer current is discarded. Requests
// already sent to the engine are not aborted by a view change.
package scheduler

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"image"
	"slices"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/azargarov/mandy/engine"
	"github.com/azargarov/mandy/tilecache"
	"github.com/azargarov/mandy/viewport"
)

// ErrTimeout is reported when the engine did not answer within the
// request timeout.
var ErrTimeout = errors.New("scheduler: request timed out")

// ErrClosed is returned by view changes after Close.
var ErrClosed = errors.New("scheduler: closed")

// slot is a cache entry. While the render is outstanding it is a
// placeholder collecting the requests that wait for it. Fields are
// guarded by Scheduler.mu.
type slot struct {
	ready   bool
	img     image.Image
	elapsed time.Duration

	waiters  []Request
	finished bool
	cancel   context.CancelFunc
	guard    *time.Timer
}

// Stats is a snapshot of scheduler counters.
type Stats struct {
	Generation uint64
	Pending    int
	InFlight   int

	Dispatched uint64 // engine requests issued
	CacheHits  uint64 // tiles drawn from the cache
	Coalesced  uint64 // requests attached to an outstanding render
	EarlySkips uint64 // stale requests dropped before dispatch
	LateSkips  uint64 // stale results dropped on completion
	Failures   uint64 // failed or timed out engine requests
	TimedOut   uint64
	Redraws    uint64

	Cache tilecache.Stats
}

// Scheduler dispatches tile requests for a changing view.
type Scheduler struct {
	eng    engine.Engine
	redraw RedrawFunc
	opts   options
	log    *zap.Logger
	cache  *tilecache.Cache[string, *slot]

	base   context.Context
	cancel context.CancelFunc
	sweep  sync.Once

	mu        sync.Mutex
	view      viewport.View
	geom      viewport.Geometry
	gen       uint64
	pending   []Request
	inFlight  int
	redrawing int
	running   map[*slot]string // outstanding placeholders and their keys
	timer     *time.Timer
	idle      chan struct{}
	closed    bool
	stats     Stats
}

// New creates a scheduler for the default view, or the one given with
// WithView. Nothing is requested until Start or a view change.
func New(eng engine.Engine, redraw RedrawFunc, opts ...Option) *Scheduler {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	if redraw == nil {
		redraw = func(Tile) {}
	}
	base, cancel := context.WithCancel(context.Background())
	v := o.view
	return &Scheduler{
		eng:     eng,
		redraw:  redraw,
		opts:    o,
		log:     o.logger,
		cache:   tilecache.New[string, *slot](tilecache.StringHasher, o.cacheOpts...),
		base:    base,
		cancel:  cancel,
		view:    v,
		geom:    v.Compute(),
		running: make(map[*slot]string),
	}
}

// Start runs the cache sweeper until ctx is done or the scheduler is
// closed, and requests the current view. Only the first call starts a
// sweeper.
func (s *Scheduler) Start(ctx context.Context) error {
	s.sweep.Do(func() {
		ctx, stop := context.WithCancel(ctx)
		context.AfterFunc(s.base, stop)
		go s.cache.Run(ctx)
	})
	return s.SetView(s.View())
}

// SetView replaces the view. The focus is the new centre.
func (s *Scheduler) SetView(v viewport.View) error {
	if err := v.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.view = v
	s.regenerateLocked(v.X, v.Y)
	return nil
}

// Resize changes the screen size.
func (s *Scheduler) Resize(width, height int) error {
	return s.change(func(v viewport.View) (viewport.View, float64, float64) {
		v = v.Resize(width, height)
		return v, v.X, v.Y
	})
}

// Pan follows a drag of (dx, dy) screen pixels.
func (s *Scheduler) Pan(dx, dy float64) error {
	return s.change(func(v viewport.View) (viewport.View, float64, float64) {
		v = v.Pan(dx, dy)
		return v, v.X, v.Y
	})
}

// ZoomAt scales the view by k around screen pixel (px, py). The plane
// point under the anchor becomes the focus.
func (s *Scheduler) ZoomAt(px, py, k float64) error {
	return s.change(func(v viewport.View) (viewport.View, float64, float64) {
		fx, fy := v.Compute().PlaneAt(px, py)
		return v.ZoomAt(px, py, k), fx, fy
	})
}

func (s *Scheduler) change(fn func(viewport.View) (viewport.View, float64, float64)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	v, fx, fy := fn(s.view)
	if err := v.Validate(); err != nil {
		return err
	}
	s.view = v
	s.regenerateLocked(fx, fy)
	return nil
}

// regenerateLocked starts a generation for s.view and queues its tiles
// nearest to (fx, fy) first.
func (s *Scheduler) regenerateLocked(fx, fy float64) {
	s.gen++
	s.geom = s.view.Compute()

	cells := s.geom.Cells()
	batch := make([]Request, 0, len(cells))
	for _, c := range cells {
		batch = append(batch, Request{
			ViewX:      s.view.X,
			ViewY:      s.view.Y,
			X:          c.X,
			Y:          c.Y,
			PX:         c.PX,
			PY:         c.PY,
			PlaneStep:  s.geom.PlaneStep,
			PixelStep:  s.view.PixelStep,
			FocusX:     fx,
			FocusY:     fy,
			Generation: s.gen,
			MaxIter:    s.opts.maxIter,
			Arith:      s.opts.arith,
			Kind:       s.opts.kind,
			CX:         s.opts.cx,
			CY:         s.opts.cy,
		})
	}
	slices.SortStableFunc(batch, func(a, b Request) int {
		return cmp.Compare(a.Distance(), b.Distance())
	})
	s.pending = append(s.pending, batch...)

	s.log.Debug("new generation",
		zap.Uint64("generation", s.gen),
		zap.Int("tiles", len(batch)),
		zap.Int("pending", len(s.pending)),
		zap.Float64("x", s.view.X),
		zap.Float64("y", s.view.Y),
		zap.Float64("scale", s.view.Scale),
	)
	s.armLocked(0)
}

// armLocked schedules a dispatch pass after d unless one is already
// scheduled. A zero delay brings a scheduled pass forward.
func (s *Scheduler) armLocked(d time.Duration) {
	if s.closed {
		return
	}
	if s.timer != nil {
		// A timer that already fired has a pass waiting for mu.
		if d > 0 || !s.timer.Stop() {
			return
		}
	}
	s.timer = time.AfterFunc(d, s.RunQueue)
}

// RunQueue runs one dispatch pass. Passes are normally scheduled by the
// scheduler itself; calling it directly is harmless.
func (s *Scheduler) RunQueue() {
	var (
		hits     []Tile
		dispatch []func()
		skipped  int
	)

	s.mu.Lock()
	s.timer = nil
	if s.closed {
		s.mu.Unlock()
		return
	}
	for len(s.pending) > 0 && s.inFlight < s.opts.maxInFlight {
		r := s.pending[0]
		s.pending[0] = Request{}
		s.pending = s.pending[1:]

		if r.Generation != s.gen {
			skipped++
			continue
		}

		key := r.Compute().Key()
		sl, found := s.cache.GetOrCreate(key, func() *slot { return &slot{} })
		switch {
		case found && sl.ready:
			hits = append(hits, Tile{Request: r, Image: sl.img, Elapsed: sl.elapsed, Cached: true})
			continue
		case found && !sl.finished:
			sl.waiters = append(sl.waiters, r)
			s.stats.Coalesced++
			continue
		case found:
			// abandoned placeholder
			sl = &slot{}
			s.cache.Set(key, sl)
		}

		sl.waiters = []Request{r}
		s.inFlight++
		s.stats.Dispatched++
		dispatch = append(dispatch, s.startLocked(key, sl, r))
	}
	if len(s.pending) == 0 {
		s.pending = nil
	} else {
		s.armLocked(s.opts.repollDelay)
	}
	s.stats.EarlySkips += uint64(skipped)
	s.stats.CacheHits += uint64(len(hits))
	if len(hits) > 0 {
		s.redrawing++
	}
	s.signalIdleLocked()
	s.mu.Unlock()

	if skipped > 0 {
		s.log.Debug("early skip", zap.Int("count", skipped))
	}
	for _, fn := range dispatch {
		fn()
	}
	s.deliver(hits)
}

// startLocked prepares the engine call for the placeholder sl. The
// returned function issues it and must be called without s.mu held.
func (s *Scheduler) startLocked(key string, sl *slot, r Request) func() {
	ctx, cancel := context.WithTimeout(s.base, s.opts.requestTimeout)
	sl.cancel = cancel
	s.running[sl] = key
	start := time.Now()

	// Engines that ignore ctx still release their slot.
	sl.guard = time.AfterFunc(s.opts.requestTimeout, func() {
		s.finish(key, sl, nil, ErrTimeout, start)
	})

	req := r.Compute()
	return func() {
		s.eng.Render(ctx, req, func(img image.Image, err error) {
			s.finish(key, sl, img, err, start)
		})
	}
}

// finish records the outcome of the render behind sl. Only the first
// call for a slot has any effect.
func (s *Scheduler) finish(key string, sl *slot, img image.Image, err error, start time.Time) {
	if err == nil && img == nil {
		err = errors.New("scheduler: engine returned no image")
	}

	s.mu.Lock()
	if sl.finished {
		s.mu.Unlock()
		if err == nil {
			s.log.Debug("result after slot release ignored", zap.String("key", key))
		}
		return
	}
	sl.finished = true
	sl.guard.Stop()
	sl.cancel()
	delete(s.running, sl)
	s.inFlight--

	waiters := sl.waiters
	sl.waiters = nil

	var tiles []Tile
	if err != nil {
		s.failLocked(key, sl, waiters, err)
	} else {
		sl.ready = true
		sl.img = img
		sl.elapsed = time.Since(start)
		s.cache.Set(key, sl)

		for _, w := range waiters {
			if w.Generation != s.gen || s.closed {
				s.stats.LateSkips++
				s.log.Debug("late skip",
					zap.Uint64("generation", w.Generation),
					zap.Uint64("current", s.gen),
					zap.Int("px", w.PX),
					zap.Int("py", w.PY),
				)
				continue
			}
			tiles = append(tiles, Tile{Request: w, Image: img, Elapsed: sl.elapsed})
		}
		if len(tiles) > 0 {
			s.redrawing++
		}
	}
	if len(s.pending) > 0 {
		s.armLocked(0)
	}
	s.signalIdleLocked()
	s.mu.Unlock()

	s.deliver(tiles)
}

// failLocked drops the placeholder so the tile can be requested again and
// puts current waiters back at the front of the queue.
func (s *Scheduler) failLocked(key string, sl *slot, waiters []Request, err error) {
	s.stats.Failures++
	if errors.Is(err, ErrTimeout) || errors.Is(err, context.DeadlineExceeded) {
		s.stats.TimedOut++
	}
	if cur, ok := s.cache.Peek(key); ok && cur == sl {
		s.cache.Delete(key)
	}

	var retry []Request
	for _, w := range waiters {
		if w.Generation != s.gen || s.closed {
			continue
		}
		w.attempt++
		if w.attempt >= s.opts.maxAttempts {
			s.log.Warn("tile failed; giving up",
				zap.String("key", key),
				zap.Int("attempts", w.attempt),
				zap.Error(err),
			)
			continue
		}
		retry = append(retry, w)
	}
	if len(retry) > 0 {
		s.pending = append(retry, s.pending...)
	}
	s.log.Debug("tile failed",
		zap.String("key", key),
		zap.Int("requeued", len(retry)),
		zap.Error(err),
	)
}

func (s *Scheduler) deliver(tiles []Tile) {
	if len(tiles) == 0 {
		return
	}
	for _, t := range tiles {
		s.redraw(t)
	}
	s.mu.Lock()
	s.redrawing--
	s.stats.Redraws += uint64(len(tiles))
	s.signalIdleLocked()
	s.mu.Unlock()
}

func (s *Scheduler) idleLocked() bool {
	return len(s.pending) == 0 && s.inFlight == 0 && s.redrawing == 0
}

func (s *Scheduler) signalIdleLocked() {
	if s.idle != nil && s.idleLocked() {
		close(s.idle)
		s.idle = nil
	}
}

// WaitIdle blocks until nothing is pending, in flight or being drawn, or
// until ctx is done.
func (s *Scheduler) WaitIdle(ctx context.Context) error {
	s.mu.Lock()
	if s.idleLocked() {
		s.mu.Unlock()
		return nil
	}
	if s.idle == nil {
		s.idle = make(chan struct{})
	}
	ch := s.idle
	s.mu.Unlock()

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("scheduler: wait idle: %w", ctx.Err())
	}
}

// Generation returns the current generation.
func (s *Scheduler) Generation() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.gen
}

// View returns the current view.
func (s *Scheduler) View() viewport.View {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.view
}

// Geometry returns the geometry of the current view.
func (s *Scheduler) Geometry() viewport.Geometry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.geom
}

// Stats returns a snapshot of the counters.
func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	st := s.stats
	st.Generation = s.gen
	st.Pending = len(s.pending)
	st.InFlight = s.inFlight
	s.mu.Unlock()
	st.Cache = s.cache.Stats()
	return st
}

// Close stops dispatching and cancels outstanding engine requests. No
// redraw happens after Close returns, except for deliveries already
// under way.
func (s *Scheduler) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.pending = nil
	// Release outstanding slots now; answers arriving later are ignored.
	for sl, key := range s.running {
		sl.finished = true
		sl.guard.Stop()
		sl.waiters = nil
		s.inFlight--
		if cur, ok := s.cache.Peek(key); ok && cur == sl {
			s.cache.Delete(key)
		}
	}
	clear(s.running)
	s.signalIdleLocked()
	s.mu.Unlock()

	s.cancel()
}
