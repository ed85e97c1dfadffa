package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"math"
	"strings"
	"time"

	"github.com/atotto/clipboard"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-runewidth"
	"go.uber.org/zap"
	xdraw "golang.org/x/image/draw"

	"github.com/azargarov/mandy/engine"
	"github.com/azargarov/mandy/location"
	"github.com/azargarov/mandy/scheduler"
	"github.com/azargarov/mandy/viewport"
)

// Each terminal cell shows two vertically stacked pixels using the upper
// half block: foreground on top, background below.
const halfBlock = "▀"

// maxCellStyles bounds the rendered cell cache.
const maxCellStyles = 1 << 16

type tileMsg scheduler.Tile

// renderPool is implemented by engines that render in process.
type renderPool interface {
	Queued() int
	Running() int
}

var (
	statusStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#e0e0e0")).
			Background(lipgloss.Color("#303040"))
	statusErrStyle = statusStyle.Foreground(lipgloss.Color("#ff8080"))
)

// viewModel is the terminal explorer. The scheduler is created on the
// first window size message, once the pixel size is known.
type viewModel struct {
	ctx     context.Context
	eng     engine.Engine
	opts    []scheduler.Option
	start   viewport.View
	zoom    float64
	maxIter int
	store   *location.Store
	log     *zap.Logger

	// send delivers tiles into the program. Set before the program runs.
	send func(tea.Msg)

	s      *scheduler.Scheduler
	fb     *image.RGBA
	cols   int
	rows   int
	status string
	isErr  bool
	cells  map[[2]color.RGBA]string
}

func newViewModel(ctx context.Context, eng engine.Engine, start viewport.View, zoom float64, maxIter int, store *location.Store, log *zap.Logger, opts ...scheduler.Option) *viewModel {
	return &viewModel{
		ctx:     ctx,
		eng:     eng,
		opts:    opts,
		start:   start,
		zoom:    zoom,
		maxIter: maxIter,
		store:   store,
		log:     log,
		send:    func(tea.Msg) {},
		cells:   make(map[[2]color.RGBA]string),
		status:  "arrows/hjkl pan  +/- zoom  click zoom in  right click zoom out  r reset  c copy  s save  q quit",
	}
}

func (m *viewModel) Init() tea.Cmd { return nil }

func (m *viewModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.resize(msg.Width, msg.Height)

	case tileMsg:
		if m.s == nil || msg.Generation != m.s.Generation() {
			return m, nil
		}
		r := image.Rect(msg.PX, msg.PY, msg.PX+msg.PixelStep, msg.PY+msg.PixelStep)
		draw.Draw(m.fb, r, msg.Image, msg.Image.Bounds().Min, draw.Src)

	case tea.KeyMsg:
		return m, m.key(msg.String())

	case tea.MouseMsg:
		if m.s == nil || msg.Action != tea.MouseActionPress {
			return m, nil
		}
		px, py := float64(msg.X), float64(2*msg.Y+1)
		switch msg.Button {
		case tea.MouseButtonLeft, tea.MouseButtonWheelUp:
			m.zoomAt(px, py, 1/m.zoom)
		case tea.MouseButtonRight, tea.MouseButtonWheelDown:
			m.zoomAt(px, py, m.zoom)
		}
	}
	return m, nil
}

func (m *viewModel) resize(cols, rows int) {
	m.cols, m.rows = max(cols, 1), max(rows-1, 1)
	w, h := m.cols, 2*m.rows
	m.fb = image.NewRGBA(image.Rect(0, 0, w, h))

	if m.s != nil {
		m.report(m.s.Resize(w, h))
		return
	}
	v := m.start.Resize(w, h)
	redraw := func(t scheduler.Tile) { m.send(tileMsg(t)) }
	m.s = scheduler.New(m.eng, redraw, append(m.opts, scheduler.WithView(v))...)
	m.report(m.s.Start(m.ctx))
}

func (m *viewModel) key(k string) tea.Cmd {
	if k == "q" || k == "ctrl+c" || k == "esc" {
		return tea.Quit
	}
	if m.s == nil {
		return nil
	}
	stepX, stepY := float64(m.cols)/8, float64(m.rows)/4
	cx, cy := float64(m.cols)/2, float64(m.rows)

	switch k {
	case "left", "h":
		m.pan(stepX, 0)
	case "right", "l":
		m.pan(-stepX, 0)
	case "up", "k":
		m.pan(0, stepY)
	case "down", "j":
		m.pan(0, -stepY)
	case "+", "=", "i":
		m.zoomAt(cx, cy, 1/m.zoom)
	case "-", "o":
		m.zoomAt(cx, cy, m.zoom)
	case "r":
		v := m.s.View()
		m.report(m.s.SetView(m.start.Resize(v.Width, v.Height)))
	case "c":
		text := location.FromView(m.s.View(), m.maxIter).String()
		if err := clipboard.WriteAll(text); err != nil {
			m.report(fmt.Errorf("clipboard: %w", err))
		} else {
			m.setStatus("copied " + text)
		}
	case "s":
		m.save()
	}
	return nil
}

// pan moves the view and shifts what is already drawn along with it, so
// the screen follows at once and tiles fill in behind.
func (m *viewModel) pan(dx, dy float64) {
	if err := m.s.Pan(dx, dy); err != nil {
		m.report(err)
		return
	}
	old := m.fb
	m.fb = image.NewRGBA(old.Bounds())
	off := image.Pt(int(dx), int(dy))
	draw.Draw(m.fb, old.Bounds().Add(off), old, old.Bounds().Min, draw.Src)
}

// zoomAt zooms the view and stretches what is already drawn to where it
// lands in the new view, as a preview until the new tiles arrive.
func (m *viewModel) zoomAt(px, py, k float64) {
	old := m.s.Geometry()
	if err := m.s.ZoomAt(px, py, k); err != nil {
		m.report(err)
		return
	}
	g := m.s.Geometry()
	x0, y0 := g.PixelAt(old.PlaneAt(0, 0))
	x1, y1 := g.PixelAt(old.PlaneAt(float64(old.Width), float64(old.Height)))
	dst := image.Rect(int(math.Round(x0)), int(math.Round(y0)), int(math.Round(x1)), int(math.Round(y1)))

	prev := m.fb
	m.fb = image.NewRGBA(prev.Bounds())
	xdraw.NearestNeighbor.Scale(m.fb, dst, prev, prev.Bounds(), xdraw.Src, nil)
}

func (m *viewModel) save() {
	if m.store == nil {
		m.report(errors.New("no location store"))
		return
	}
	name := time.Now().Format("20060102-150405")
	if err := m.store.Put(name, location.FromView(m.s.View(), m.maxIter)); err != nil {
		m.report(err)
		return
	}
	if err := m.store.Save(); err != nil {
		m.report(err)
		return
	}
	m.setStatus("saved as " + name)
}

func (m *viewModel) report(err error) {
	if err != nil {
		m.log.Debug("view", zap.Error(err))
		m.status, m.isErr = err.Error(), true
	}
}

func (m *viewModel) setStatus(s string) { m.status, m.isErr = s, false }

func (m *viewModel) View() string {
	if m.fb == nil {
		return ""
	}
	var b strings.Builder
	for r := 0; r < m.rows; r++ {
		for c := 0; c < m.cols; c++ {
			b.WriteString(m.cell(m.fb.RGBAAt(c, 2*r), m.fb.RGBAAt(c, 2*r+1)))
		}
		b.WriteByte('\n')
	}
	b.WriteString(m.statusLine())
	return b.String()
}

func (m *viewModel) cell(top, bottom color.RGBA) string {
	k := [2]color.RGBA{top, bottom}
	if s, ok := m.cells[k]; ok {
		return s
	}
	if len(m.cells) >= maxCellStyles {
		clear(m.cells)
	}
	s := lipgloss.NewStyle().
		Foreground(lipgloss.Color(hexColor(top))).
		Background(lipgloss.Color(hexColor(bottom))).
		Render(halfBlock)
	m.cells[k] = s
	return s
}

func (m *viewModel) statusLine() string {
	text := m.status
	if m.s != nil {
		v, st := m.s.View(), m.s.Stats()
		text = fmt.Sprintf(" %s  gen %d  busy %d  queued %d  cached %d", location.FromView(v, m.maxIter),
			st.Generation, st.InFlight, st.Pending, st.Cache.Len)
		if p, ok := m.eng.(renderPool); ok {
			text += fmt.Sprintf("  rendering %d+%d", p.Running(), p.Queued())
		}
		text += " │ " + m.status
	}
	text = runewidth.Truncate(text, m.cols, "…")
	style := statusStyle
	if m.isErr {
		style = statusErrStyle
	}
	return style.Width(m.cols).Render(text)
}

func hexColor(c color.RGBA) string {
	return fmt.Sprintf("#%02x%02x%02x", c.R, c.G, c.B)
}

func (e *env) view(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("view", flag.ContinueOnError)
	fs.SetOutput(e.stderr)
	tile := fs.Int("tile", 16, "tile size in terminal pixels")
	loc := fs.String("loc", "", "start from a saved location")
	if err := fs.Parse(args); err != nil {
		return err
	}

	start := e.cfg.InitialView()
	start.PixelStep = *tile
	maxIter := e.cfg.Engine.MaxIter

	store, err := e.openLocations()
	if err != nil {
		if *loc != "" {
			return err
		}
		e.log.Warn("locations unavailable", zap.Error(err))
		store = nil
	}
	if *loc != "" {
		l, err := store.Get(*loc)
		if err != nil {
			return err
		}
		start = l.Apply(start)
		if l.MaxIter > 0 {
			maxIter = l.MaxIter
		}
	}
	if err := start.Validate(); err != nil {
		return err
	}

	// Log lines would corrupt the alternate screen.
	log := zap.NewNop()
	eng, release, err := newEngine(e.cfg, log)
	if err != nil {
		return err
	}
	defer release()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	opts := append(e.cfg.SchedulerOptions(), scheduler.WithMaxIter(maxIter), scheduler.WithLogger(log))
	m := newViewModel(ctx, eng, start, e.cfg.View.ZoomFactor, maxIter, store, log, opts...)

	p := tea.NewProgram(m,
		tea.WithContext(ctx),
		tea.WithAltScreen(),
		tea.WithMouseCellMotion(),
	)
	m.send = p.Send
	_, err = p.Run()
	if m.s != nil {
		m.s.Close()
	}
	if errors.Is(err, tea.ErrProgramKilled) && ctx.Err() != nil {
		return nil
	}
	return err
}
