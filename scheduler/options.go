package scheduler

import (
	"time"

	"go.uber.org/zap"

	"github.com/azargarov/mandy/engine"
	"github.com/azargarov/mandy/tilecache"
	"github.com/azargarov/mandy/viewport"
)

// Defaults.
const (
	DefaultMaxInFlight    = 4
	DefaultRepollDelay    = 10 * time.Millisecond
	DefaultRequestTimeout = 30 * time.Second
	DefaultMaxAttempts    = 3
)

type options struct {
	maxInFlight    int
	repollDelay    time.Duration
	requestTimeout time.Duration
	maxAttempts    int
	maxIter        int
	arith          engine.Arith
	kind           engine.Kind
	cx, cy         float64
	cacheOpts      []tilecache.Option
	logger         *zap.Logger
	view           viewport.View
}

func defaultOptions() options {
	return options{
		maxInFlight:    DefaultMaxInFlight,
		repollDelay:    DefaultRepollDelay,
		requestTimeout: DefaultRequestTimeout,
		maxAttempts:    DefaultMaxAttempts,
		maxIter:        engine.DefaultMaxIter,
		arith:          engine.Float64,
		logger:         zap.NewNop(),
		view:           viewport.Default(),
	}
}

// Option configures a Scheduler.
type Option func(*options)

// WithMaxInFlight caps the number of outstanding engine requests.
func WithMaxInFlight(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.maxInFlight = n
		}
	}
}

// WithRepollDelay sets the pause between dispatch passes while requests
// are waiting for a free slot.
func WithRepollDelay(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.repollDelay = d
		}
	}
}

// WithRequestTimeout bounds how long a request may hold a slot. When it
// expires the slot is released and the tile may be requested again.
func WithRequestTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.requestTimeout = d
		}
	}
}

// WithMaxAttempts limits how often a failing tile is dispatched within
// one generation.
func WithMaxAttempts(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.maxAttempts = n
		}
	}
}

// WithMaxIter sets the iteration limit of every request.
func WithMaxIter(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.maxIter = n
		}
	}
}

// WithArith selects the engine arithmetic.
func WithArith(a engine.Arith) Option {
	return func(o *options) { o.arith = a }
}

// WithJulia renders the Julia set for the constant (cx, cy) instead of
// the Mandelbrot set.
func WithJulia(cx, cy float64) Option {
	return func(o *options) { o.kind, o.cx, o.cy = engine.Julia, cx, cy }
}

// WithCacheOptions configures the tile cache.
func WithCacheOptions(opts ...tilecache.Option) Option {
	return func(o *options) { o.cacheOpts = append(o.cacheOpts, opts...) }
}

// WithLogger sets the logger. Stale results are logged at debug level.
func WithLogger(l *zap.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithView sets the view Start requests. An invalid view is ignored.
func WithView(v viewport.View) Option {
	return func(o *options) {
		if v.Validate() == nil {
			o.view = v
		}
	}
}
