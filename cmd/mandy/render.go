package main

import (
	"context"
	"flag"
	"fmt"
	"image"
	"image/color"
	"io"
	"os"
	"slices"
	"strconv"
	"sync"
	"time"

	"git.sr.ht/~sbinet/gg"
	svg "github.com/ajstarks/svgo"
	"go.uber.org/zap"
	xdraw "golang.org/x/image/draw"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/sync/errgroup"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
	"gonum.org/v1/gonum/stat"

	"github.com/azargarov/mandy/config"
	"github.com/azargarov/mandy/engine"
	"github.com/azargarov/mandy/location"
	"github.com/azargarov/mandy/scheduler"
	"github.com/azargarov/mandy/viewport"
)

type renderFlags struct {
	out         string
	loc         string
	trace       string
	caption     bool
	watch       bool
	supersample int

	x, y, scale   float64
	width, height int
	maxIter       int
	arith         string
	julia         string

	set map[string]bool
}

func (e *env) render(ctx context.Context, args []string) error {
	var f renderFlags
	fs := flag.NewFlagSet("render", flag.ContinueOnError)
	fs.SetOutput(e.stderr)
	fs.StringVar(&f.out, "o", "mandy.png", "output PNG file")
	fs.StringVar(&f.loc, "loc", "", "start from a saved location")
	fs.StringVar(&f.trace, "trace", "", "write an SVG of the tile delivery order to this file")
	fs.BoolVar(&f.caption, "caption", false, "print the location on the image")
	fs.BoolVar(&f.watch, "watch", false, "render again whenever the config file changes")
	fs.IntVar(&f.supersample, "supersample", 1, "render at N times the size and scale down")
	fs.Float64Var(&f.x, "x", 0, "centre real part")
	fs.Float64Var(&f.y, "y", 0, "centre imaginary part")
	fs.Float64Var(&f.scale, "scale", 0, "plane units across the shorter side")
	fs.IntVar(&f.width, "width", 0, "image width in pixels")
	fs.IntVar(&f.height, "height", 0, "image height in pixels")
	fs.IntVar(&f.maxIter, "iter", 0, "iteration limit")
	fs.StringVar(&f.arith, "arith", "", "float64 or fixed64")
	fs.StringVar(&f.julia, "julia", "", "render the Julia set for the constant `cx,cy`")
	if err := fs.Parse(args); err != nil {
		return err
	}
	f.set = make(map[string]bool)
	fs.Visit(func(fl *flag.Flag) { f.set[fl.Name] = true })
	if f.supersample < 1 || f.supersample > 8 {
		return fmt.Errorf("render: supersample %d out of range 1..8", f.supersample)
	}

	if !f.watch {
		return e.renderOnce(ctx, e.cfg, &f)
	}

	reloads := make(chan config.Config, 1)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return config.Watch(gctx, e.configPath, func(cfg config.Config, err error) {
			if err != nil {
				e.log.Warn("config reload failed", zap.Error(err))
				return
			}
			// Only the newest config matters.
			select {
			case <-reloads:
			default:
			}
			reloads <- cfg
		})
	})
	g.Go(func() error {
		cfg := e.cfg
		for {
			if err := e.renderOnce(gctx, cfg, &f); err != nil {
				if gctx.Err() != nil {
					return nil
				}
				e.log.Error("render failed", zap.Error(err))
			}
			e.log.Info("watching config", zap.String("path", e.configPath))
			select {
			case <-gctx.Done():
				return nil
			case cfg = <-reloads:
			}
		}
	})
	return g.Wait()
}

// viewFor combines the config, a saved location and explicit flags, in
// increasing priority.
func (e *env) viewFor(cfg config.Config, f *renderFlags) (viewport.View, int, engine.Arith, error) {
	v := cfg.InitialView()
	maxIter := cfg.Engine.MaxIter
	arith := cfg.Arith()

	if f.loc != "" {
		store, err := e.openLocations()
		if err != nil {
			return v, 0, 0, err
		}
		l, err := store.Get(f.loc)
		if err != nil {
			return v, 0, 0, err
		}
		v = l.Apply(v)
		if l.MaxIter > 0 {
			maxIter = l.MaxIter
		}
	}

	if f.set["x"] {
		v.X = f.x
	}
	if f.set["y"] {
		v.Y = f.y
	}
	if f.set["scale"] {
		v.Scale = f.scale
	}
	if f.set["width"] {
		v.Width = f.width
	}
	if f.set["height"] {
		v.Height = f.height
	}
	if f.set["iter"] {
		maxIter = f.maxIter
	}
	if f.set["arith"] {
		a, err := engine.ParseArith(f.arith)
		if err != nil {
			return v, 0, 0, err
		}
		arith = a
	}
	if maxIter <= 0 {
		return v, 0, 0, fmt.Errorf("render: iteration limit %d", maxIter)
	}
	return v, maxIter, arith, v.Validate()
}

func (e *env) renderOnce(ctx context.Context, cfg config.Config, f *renderFlags) error {
	v, maxIter, arith, err := e.viewFor(cfg, f)
	if err != nil {
		return err
	}
	eng, release, err := newEngine(cfg, e.log)
	if err != nil {
		return err
	}
	defer release()

	big := v.Resize(v.Width*f.supersample, v.Height*f.supersample)
	opts := append(cfg.SchedulerOptions(),
		scheduler.WithMaxIter(maxIter),
		scheduler.WithArith(arith),
		scheduler.WithLogger(e.log),
	)
	if f.julia != "" {
		cx, cy, err := engine.ParseJulia(f.julia)
		if err != nil {
			return err
		}
		opts = append(opts, scheduler.WithJulia(cx, cy))
	}
	fr, err := renderView(ctx, eng, big, opts...)
	if err != nil {
		return err
	}
	if missing := fr.cells - len(fr.tiles); missing > 0 {
		e.log.Warn("tiles missing from the image", zap.Int("missing", missing), zap.Uint64("failures", fr.stats.Failures))
	}

	img := fr.img
	if f.supersample > 1 {
		img = downscale(img, v.Width, v.Height)
	}
	if f.caption {
		img = caption(img, location.FromView(v, maxIter).String())
	}
	if err := gg.SavePNG(f.out, img); err != nil {
		return fmt.Errorf("render: %w", err)
	}
	if f.trace != "" {
		if err := writeTrace(f.trace, big, fr.tiles); err != nil {
			return err
		}
	}
	summarize(e.stdout, f.out, img.Bounds(), fr)
	return nil
}

// frame is one finished render.
type frame struct {
	img     image.Image
	tiles   []scheduler.Tile // in delivery order
	cells   int
	elapsed time.Duration
	stats   scheduler.Stats
}

// renderView renders v by feeding the scheduler's tiles into a canvas,
// and returns once every tile has been delivered or given up on.
func renderView(ctx context.Context, eng engine.Engine, v viewport.View, opts ...scheduler.Option) (*frame, error) {
	if err := v.Validate(); err != nil {
		return nil, err
	}
	dc := gg.NewContext(v.Width, v.Height)
	dc.SetColor(color.Black)
	dc.Clear()

	var (
		mu    sync.Mutex
		tiles []scheduler.Tile
	)
	redraw := func(t scheduler.Tile) {
		mu.Lock()
		defer mu.Unlock()
		dc.DrawImage(t.Image, t.PX, t.PY)
		tiles = append(tiles, t)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	s := scheduler.New(eng, redraw, append(opts, scheduler.WithView(v))...)
	defer s.Close()

	start := time.Now()
	if err := s.Start(ctx); err != nil {
		return nil, err
	}
	if err := s.WaitIdle(ctx); err != nil {
		return nil, fmt.Errorf("render: %w", err)
	}

	mu.Lock()
	defer mu.Unlock()
	return &frame{
		img:     dc.Image(),
		tiles:   slices.Clone(tiles),
		cells:   len(v.Compute().Cells()),
		elapsed: time.Since(start),
		stats:   s.Stats(),
	}, nil
}

func downscale(src image.Image, width, height int) image.Image {
	dst := image.NewRGBA(image.Rect(0, 0, width, height))
	xdraw.CatmullRom.Scale(dst, dst.Bounds(), src, src.Bounds(), xdraw.Src, nil)
	return dst
}

func caption(img image.Image, text string) image.Image {
	dc := gg.NewContextForImage(img)
	dc.SetFontFace(basicfont.Face7x13)
	h := float64(dc.Height())
	w, _ := dc.MeasureString(text)
	dc.SetRGBA(0, 0, 0, 0.6)
	dc.DrawRectangle(4, h-24, w+12, 20)
	dc.Fill()
	dc.SetColor(color.White)
	dc.DrawStringAnchored(text, 10, h-14, 0, 0.5)
	return dc.Image()
}

// writeTrace draws the tile grid shaded by delivery order, earliest
// brightest.
func writeTrace(path string, v viewport.View, tiles []scheduler.Tile) error {
	out, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("trace: %w", err)
	}
	canvas := svg.New(out)
	canvas.Start(v.Width, v.Height)
	canvas.Rect(0, 0, v.Width, v.Height, "fill:#101010")
	for i, t := range tiles {
		shade := 255 - 200*i/max(len(tiles), 1)
		canvas.Rect(t.PX, t.PY, t.PixelStep, t.PixelStep,
			fmt.Sprintf("fill:rgb(%d,%d,255);stroke:#000;stroke-width:1", shade, shade))
		canvas.Text(t.PX+t.PixelStep/2, t.PY+t.PixelStep/2, strconv.Itoa(i+1),
			"text-anchor:middle;dominant-baseline:middle;font-size:12px;font-family:monospace")
	}
	canvas.End()
	if err := out.Close(); err != nil {
		return fmt.Errorf("trace: %w", err)
	}
	return nil
}

// latencies returns the render times of uncached tiles in milliseconds,
// sorted.
func latencies(tiles []scheduler.Tile) []float64 {
	var ms []float64
	for _, t := range tiles {
		if !t.Cached {
			ms = append(ms, float64(t.Elapsed)/float64(time.Millisecond))
		}
	}
	slices.Sort(ms)
	return ms
}

func summarize(w io.Writer, out string, b image.Rectangle, fr *frame) {
	p := message.NewPrinter(language.English)
	p.Fprintf(w, "%s: %d×%d, %d pixels, %d tiles in %v (%d engine requests, %d cached)\n",
		out, b.Dx(), b.Dy(), b.Dx()*b.Dy(), len(fr.tiles), fr.elapsed.Round(time.Millisecond),
		fr.stats.Dispatched, fr.stats.CacheHits)

	ms := latencies(fr.tiles)
	if len(ms) < 2 {
		return
	}
	mean, sd := stat.MeanStdDev(ms, nil)
	p95 := stat.Quantile(0.95, stat.Empirical, ms, nil)
	p.Fprintf(w, "tile latency: mean %.2fms, sd %.2fms, p95 %.2fms, max %.2fms\n",
		mean, sd, p95, ms[len(ms)-1])
}
