// Package config loads the mandy configuration file.
//
// The file is YAML. Every field is optional; a missing file yields the
// defaults.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"

	"github.com/azargarov/mandy/engine"
	"github.com/azargarov/mandy/scheduler"
	"github.com/azargarov/mandy/tilecache"
	"github.com/azargarov/mandy/tileserver"
	"github.com/azargarov/mandy/viewport"
)

// ErrInvalid is wrapped by every Validate failure.
var ErrInvalid = errors.New("config: invalid")

// Engine kinds.
const (
	EngineLocal = "local"
	EngineHTTP  = "http"
)

type CacheConfig struct {
	IdleTimeout   time.Duration `yaml:"idle_timeout"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

type SchedulerConfig struct {
	RepollDelay    time.Duration `yaml:"repoll_delay"`
	MaxInFlight    int           `yaml:"max_in_flight"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
}

// ViewConfig is the initial view.
type ViewConfig struct {
	X          float64 `yaml:"x"`
	Y          float64 `yaml:"y"`
	Scale      float64 `yaml:"scale"`
	ZoomFactor float64 `yaml:"zoom_factor"`
	PixelStep  int     `yaml:"pixel_step"`
	Width      int     `yaml:"width"`
	Height     int     `yaml:"height"`
}

type EngineConfig struct {
	Kind    string `yaml:"kind"` // local or http
	URL     string `yaml:"url"`
	MaxIter int    `yaml:"max_iter"`
	Arith   string `yaml:"arith"`           // float64 or fixed64
	Julia   string `yaml:"julia,omitempty"` // "cx,cy" renders a Julia set
}

type ServerConfig struct {
	Addr    string  `yaml:"addr"`
	Rate    float64 `yaml:"rate"` // tiles per second, negative for no limit
	Burst   int     `yaml:"burst"`
	MaxIter int     `yaml:"max_iter"`
}

type LogConfig struct {
	Level       string `yaml:"level"`
	Development bool   `yaml:"development"`
}

// Config is the top-level configuration.
type Config struct {
	Workers    int             `yaml:"workers"` // 0 means GOMAXPROCS
	PinWorkers bool            `yaml:"pin_workers"`
	Cache      CacheConfig     `yaml:"cache"`
	Scheduler  SchedulerConfig `yaml:"scheduler"`
	View       ViewConfig      `yaml:"view"`
	Engine     EngineConfig    `yaml:"engine"`
	Server     ServerConfig    `yaml:"server"`
	Log        LogConfig       `yaml:"log"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Cache: CacheConfig{
			IdleTimeout:   tilecache.DefaultIdleTimeout,
			SweepInterval: tilecache.DefaultSweepInterval,
		},
		Scheduler: SchedulerConfig{
			RepollDelay:    scheduler.DefaultRepollDelay,
			MaxInFlight:    scheduler.DefaultMaxInFlight,
			RequestTimeout: scheduler.DefaultRequestTimeout,
		},
		View: ViewConfig{
			X:          viewport.DefaultX,
			Y:          viewport.DefaultY,
			Scale:      viewport.DefaultScale,
			ZoomFactor: viewport.DefaultZoomFactor,
			PixelStep:  viewport.DefaultPixelStep,
			Width:      viewport.DefaultWidth,
			Height:     viewport.DefaultHeight,
		},
		Engine: EngineConfig{
			Kind:    EngineLocal,
			URL:     "http://localhost:8080",
			MaxIter: engine.DefaultMaxIter,
			Arith:   engine.Float64.String(),
		},
		Server: ServerConfig{
			Addr:    ":8080",
			Rate:    tileserver.DefaultRate,
			Burst:   tileserver.DefaultBurst,
			MaxIter: tileserver.DefaultMaxIter,
		},
		Log: LogConfig{Level: "info"},
	}
}

// Load reads the config at path over the defaults. A missing file is not
// an error. The result is validated.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("reading config: %w", err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parsing config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Save writes cfg to path, creating the directory if needed.
func Save(cfg Config, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("writing config: %w", err)
	}
	return nil
}

// Validate checks every field and reports the first problem.
func (c Config) Validate() error {
	invalid := func(format string, args ...any) error {
		return fmt.Errorf("%w: "+format, append([]any{ErrInvalid}, args...)...)
	}

	switch {
	case c.Workers < 0:
		return invalid("workers %d", c.Workers)
	case c.Cache.IdleTimeout <= 0:
		return invalid("cache.idle_timeout %v", c.Cache.IdleTimeout)
	case c.Cache.SweepInterval <= 0:
		return invalid("cache.sweep_interval %v", c.Cache.SweepInterval)
	case c.Scheduler.RepollDelay <= 0:
		return invalid("scheduler.repoll_delay %v", c.Scheduler.RepollDelay)
	case c.Scheduler.MaxInFlight <= 0:
		return invalid("scheduler.max_in_flight %d", c.Scheduler.MaxInFlight)
	case c.Scheduler.RequestTimeout <= 0:
		return invalid("scheduler.request_timeout %v", c.Scheduler.RequestTimeout)
	case c.View.ZoomFactor <= 1:
		return invalid("view.zoom_factor %v must exceed 1", c.View.ZoomFactor)
	case c.View.PixelStep > engine.MaxPixels:
		return invalid("view.pixel_step %d exceeds %d", c.View.PixelStep, engine.MaxPixels)
	case c.Engine.MaxIter <= 0:
		return invalid("engine.max_iter %d", c.Engine.MaxIter)
	case c.Server.Addr == "":
		return invalid("server.addr is empty")
	case c.Server.Rate == 0:
		return invalid("server.rate is zero")
	case c.Server.Burst <= 0:
		return invalid("server.burst %d", c.Server.Burst)
	case c.Server.MaxIter <= 0:
		return invalid("server.max_iter %d", c.Server.MaxIter)
	}

	if err := c.InitialView().Validate(); err != nil {
		return invalid("view: %v", err)
	}
	if _, err := engine.ParseArith(c.Engine.Arith); err != nil {
		return invalid("engine.arith %q", c.Engine.Arith)
	}
	if c.Engine.Julia != "" {
		if _, _, err := engine.ParseJulia(c.Engine.Julia); err != nil {
			return invalid("engine.julia %q", c.Engine.Julia)
		}
	}
	switch c.Engine.Kind {
	case EngineLocal:
	case EngineHTTP:
		u, err := url.Parse(c.Engine.URL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return invalid("engine.url %q", c.Engine.URL)
		}
	default:
		return invalid("engine.kind %q", c.Engine.Kind)
	}
	if _, err := zapcore.ParseLevel(c.Log.Level); err != nil {
		return invalid("log.level %q", c.Log.Level)
	}
	return nil
}

// InitialView returns the configured starting view.
func (c Config) InitialView() viewport.View {
	return viewport.View{
		X:         c.View.X,
		Y:         c.View.Y,
		Scale:     c.View.Scale,
		Width:     c.View.Width,
		Height:    c.View.Height,
		PixelStep: c.View.PixelStep,
	}
}

// Arith returns the configured arithmetic. Validate has already rejected
// unknown names.
func (c Config) Arith() engine.Arith {
	a, _ := engine.ParseArith(c.Engine.Arith)
	return a
}

// SchedulerOptions translates the scheduler and cache sections.
func (c Config) SchedulerOptions() []scheduler.Option {
	opts := []scheduler.Option{
		scheduler.WithMaxInFlight(c.Scheduler.MaxInFlight),
		scheduler.WithRepollDelay(c.Scheduler.RepollDelay),
		scheduler.WithRequestTimeout(c.Scheduler.RequestTimeout),
		scheduler.WithMaxIter(c.Engine.MaxIter),
		scheduler.WithArith(c.Arith()),
		scheduler.WithView(c.InitialView()),
		scheduler.WithCacheOptions(
			tilecache.WithIdleTimeout(c.Cache.IdleTimeout),
			tilecache.WithSweepInterval(c.Cache.SweepInterval),
		),
	}
	if c.Engine.Julia != "" {
		cx, cy, _ := engine.ParseJulia(c.Engine.Julia)
		opts = append(opts, scheduler.WithJulia(cx, cy))
	}
	return opts
}

// LocalOptions translates the worker settings.
func (c Config) LocalOptions() engine.LocalOptions {
	return engine.LocalOptions{Workers: c.Workers, PinWorkers: c.PinWorkers}
}

// ServerOptions translates the server section.
func (c Config) ServerOptions() tileserver.Options {
	return tileserver.Options{
		MaxIter: c.Server.MaxIter,
		Rate:    c.Server.Rate,
		Burst:   c.Server.Burst,
	}
}
