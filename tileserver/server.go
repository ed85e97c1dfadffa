// Package tileserver serves rendered tiles over HTTP.
//
// GET /tile renders one tile and answers with a PNG. The query
// parameters are x, y (bottom left corner), s (tile width in plane
// units), w, h (pixels), m (iteration limit) and t (0 for float64, 1 for
// fixed-point arithmetic). Unknown parameters are rejected.
package tileserver

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/png"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/goccy/go-json"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/azargarov/mandy/engine"
	"github.com/azargarov/mandy/workerpool"
)

// Renderer renders a tile and waits for it. *engine.Local implements it.
type Renderer interface {
	RenderSync(ctx context.Context, req engine.Request) (image.Image, error)
}

// Defaults for Options.
const (
	DefaultRate    = 200
	DefaultBurst   = 400
	DefaultMaxIter = 4096
	DefaultMaxAge  = time.Hour
)

// Options configures a Server.
type Options struct {
	// MaxPixels bounds the tile width and height.
	MaxPixels int

	// MaxIter bounds the iteration limit a client may ask for.
	MaxIter int

	// Rate and Burst configure the tile request limiter. A negative
	// Rate disables limiting.
	Rate  float64
	Burst int

	// MaxAge is advertised in Cache-Control.
	MaxAge time.Duration

	Logger *zap.Logger
}

// FillDefaults sets zero fields to their defaults.
func (o *Options) FillDefaults() {
	if o.MaxPixels <= 0 || o.MaxPixels > engine.MaxPixels {
		o.MaxPixels = engine.MaxPixels
	}
	if o.MaxIter <= 0 {
		o.MaxIter = DefaultMaxIter
	}
	if o.Rate == 0 {
		o.Rate = DefaultRate
	}
	if o.Burst <= 0 {
		o.Burst = DefaultBurst
	}
	if o.MaxAge <= 0 {
		o.MaxAge = DefaultMaxAge
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
}

// Server is the tile HTTP handler.
type Server struct {
	r       Renderer
	opts    Options
	limiter *rate.Limiter
	mux     *http.ServeMux
	log     *zap.Logger
	started time.Time

	served   atomic.Uint64
	rejected atomic.Uint64
	invalid  atomic.Uint64
	failed   atomic.Uint64
}

// New creates a server rendering with r.
func New(r Renderer, opts Options) *Server {
	opts.FillDefaults()
	limit := rate.Limit(opts.Rate)
	if opts.Rate < 0 {
		limit = rate.Inf
	}
	s := &Server{
		r:       r,
		opts:    opts,
		limiter: rate.NewLimiter(limit, opts.Burst),
		mux:     http.NewServeMux(),
		log:     opts.Logger,
		started: time.Now(),
	}
	s.mux.HandleFunc("GET /tile", s.handleTile)
	s.mux.HandleFunc("GET /stats", s.handleStats)
	s.mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("ok\n"))
	})
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func (s *Server) handleTile(w http.ResponseWriter, r *http.Request) {
	if !s.limiter.Allow() {
		s.rejected.Add(1)
		w.Header().Set("Retry-After", "1")
		http.Error(w, "too many requests", http.StatusTooManyRequests)
		return
	}

	req, err := ParseQuery(r.URL.RawQuery, Limits{MaxPixels: s.opts.MaxPixels, MaxIter: s.opts.MaxIter})
	if err != nil {
		s.invalid.Add(1)
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	start := time.Now()
	img, err := s.r.RenderSync(r.Context(), req)
	if err != nil {
		s.failed.Add(1)
		status := http.StatusInternalServerError
		switch {
		case errors.Is(err, engine.ErrInvalidRequest):
			status = http.StatusBadRequest
		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded),
			errors.Is(err, engine.ErrCancelled), errors.Is(err, workerpool.ErrQueueClosed):
			status = http.StatusServiceUnavailable
		}
		s.log.Debug("tile failed", zap.String("query", r.URL.RawQuery), zap.Error(err))
		http.Error(w, err.Error(), status)
		return
	}

	var buf bytes.Buffer
	enc := png.Encoder{CompressionLevel: png.BestCompression}
	if err := enc.Encode(&buf, img); err != nil {
		s.failed.Add(1)
		s.log.Error("png encode", zap.Error(err))
		http.Error(w, "encoding failed", http.StatusInternalServerError)
		return
	}

	maxAge := strconv.Itoa(int(s.opts.MaxAge / time.Second))
	h := w.Header()
	h.Set("Content-Type", "image/png")
	h.Set("Cache-Control", "s-maxage="+maxAge+",max-age="+maxAge)
	h.Set("Content-Length", strconv.Itoa(buf.Len()))
	_, _ = w.Write(buf.Bytes())

	s.served.Add(1)
	s.log.Debug("tile served",
		zap.String("query", r.URL.RawQuery),
		zap.Duration("elapsed", time.Since(start)),
		zap.Int("bytes", buf.Len()),
	)
}

// Stats is the body of GET /stats.
type Stats struct {
	Uptime   string `json:"uptime"`
	Served   uint64 `json:"served"`
	Rejected uint64 `json:"rejected"`
	Invalid  uint64 `json:"invalid"`
	Failed   uint64 `json:"failed"`

	// Render pool counters, when the renderer exposes them.
	Pool *PoolStats `json:"pool,omitempty"`
}

// PoolStats mirrors workerpool.AtomicMetrics.
type PoolStats struct {
	Queued    int64  `json:"queued"`
	Executed  uint64 `json:"executed"`
	Failed    uint64 `json:"failed"`
	Completed uint64 `json:"completed"`
	Cancelled uint64 `json:"cancelled"`
}

type metricser interface {
	Metrics() *workerpool.AtomicMetrics
}

// Stats returns the current counters.
func (s *Server) Stats() Stats {
	st := Stats{
		Uptime:   time.Since(s.started).Round(time.Second).String(),
		Served:   s.served.Load(),
		Rejected: s.rejected.Load(),
		Invalid:  s.invalid.Load(),
		Failed:   s.failed.Load(),
	}
	if m, ok := s.r.(metricser); ok {
		am := m.Metrics()
		st.Pool = &PoolStats{
			Queued:    am.Queued(),
			Executed:  am.Executed(),
			Failed:    am.Failed(),
			Completed: am.Completed(),
			Cancelled: am.Cancelled(),
		}
	}
	return st
}

func (s *Server) handleStats(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(s.Stats()); err != nil {
		s.log.Warn("stats encode", zap.Error(err))
	}
}
