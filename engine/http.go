package engine

import (
	"context"
	"errors"
	"fmt"
	"image"
	"image/png"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	boff "github.com/Andrej220/go-utils/backoff"
	"go.uber.org/zap"
)

// Retry defaults for HTTP.
const (
	defaultHTTPAttempts = 3
	defaultHTTPInitial  = 100 * time.Millisecond
	defaultHTTPMax      = 2 * time.Second
)

// HTTPOptions configures an HTTP engine.
type HTTPOptions struct {
	// Client defaults to a client with a 30 second timeout.
	Client *http.Client

	// Attempts is the number of tries for a transport error or a 5xx
	// answer. Client errors are never retried.
	Attempts int

	// Initial and Max bound the backoff between attempts.
	Initial time.Duration
	Max     time.Duration

	Logger *zap.Logger
}

// FillDefaults sets zero fields to their defaults.
func (o *HTTPOptions) FillDefaults() {
	if o.Client == nil {
		o.Client = &http.Client{Timeout: 30 * time.Second}
	}
	if o.Attempts <= 0 {
		o.Attempts = defaultHTTPAttempts
	}
	if o.Initial <= 0 {
		o.Initial = defaultHTTPInitial
	}
	if o.Max <= 0 {
		o.Max = defaultHTTPMax
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
}

// StatusError is a non-200 answer from the tile server.
type StatusError struct {
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("engine: tile server answered %d: %s", e.Code, e.Message)
}

func (e *StatusError) temporary() bool {
	return e.Code >= 500 || e.Code == http.StatusTooManyRequests
}

// HTTP fetches tiles from a tile server.
type HTTP struct {
	tileURL *url.URL
	opts    HTTPOptions
}

// NewHTTP creates an engine for the server at baseURL.
func NewHTTP(baseURL string, opts HTTPOptions) (*HTTP, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("engine: server url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("engine: server url %q: unsupported scheme", baseURL)
	}
	u = u.JoinPath("tile")
	opts.FillDefaults()
	return &HTTP{tileURL: u, opts: opts}, nil
}

// Render implements Engine.
func (h *HTTP) Render(ctx context.Context, req Request, done DoneFunc) {
	go func() { done(h.Fetch(ctx, req)) }()
}

// Fetch downloads and decodes one tile, retrying temporary failures.
func (h *HTTP) Fetch(ctx context.Context, req Request) (image.Image, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	u := *h.tileURL
	u.RawQuery = req.Query().Encode()
	target := u.String()
	logger := h.opts.Logger.With(zap.String("url", target))

	bo := boff.New(h.opts.Initial, h.opts.Max, time.Now().UnixNano())
	for attempt := 1; ; attempt++ {
		img, err := h.get(ctx, target)
		if err == nil {
			return img, nil
		}
		var se *StatusError
		if errors.As(err, &se) && !se.temporary() {
			return nil, err
		}
		if ctx.Err() != nil || attempt >= h.opts.Attempts {
			logger.Debug("tile fetch failed", zap.Int("attempt", attempt), zap.Error(err))
			return nil, err
		}

		delay := bo.Next()
		logger.Debug("tile fetch failed; backing off",
			zap.Int("attempt", attempt),
			zap.Duration("sleep", delay),
			zap.Error(err),
		)
		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		}
	}
}

func (h *HTTP) get(ctx context.Context, target string) (image.Image, error) {
	r, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, err
	}
	r.Header.Set("Accept", "image/png")

	resp, err := h.opts.Client.Do(r)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, &StatusError{Code: resp.StatusCode, Message: strings.TrimSpace(string(msg))}
	}
	img, err := png.Decode(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("engine: decode tile: %w", err)
	}
	return img, nil
}
