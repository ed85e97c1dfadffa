// Package viewport maps between screen pixels and the complex plane.
//
// A View is the user-facing state: the plane coordinate at the centre of
// the screen, the scale (plane units spanned by the shorter screen
// dimension), the screen size and the tile size in pixels. Compute derives
// a Geometry from it, including a tile grid aligned to multiples of the
// plane step so that tiles stay put while the view is panned.
//
// Screen coordinates have their origin at the top left corner with y
// growing downwards. Plane coordinates grow upwards.
package viewport

import (
	"errors"
	"fmt"
	"math"
)

// Defaults for the initial view.
const (
	DefaultX          = -0.75
	DefaultY          = 0.0
	DefaultScale      = 2.5
	DefaultZoomFactor = math.Sqrt2
	DefaultPixelStep  = 64
	DefaultWidth      = 640
	DefaultHeight     = 480
)

// ErrInvalidView is returned by Validate.
var ErrInvalidView = errors.New("viewport: invalid view")

// View is the state a Geometry is computed from.
type View struct {
	X, Y      float64 // plane coordinate of the screen centre
	Scale     float64 // plane units spanned by the shorter screen dimension
	Width     int     // screen width in pixels
	Height    int     // screen height in pixels
	PixelStep int     // tile edge in pixels
}

// Default returns the initial view of the whole set.
func Default() View {
	return View{
		X:         DefaultX,
		Y:         DefaultY,
		Scale:     DefaultScale,
		Width:     DefaultWidth,
		Height:    DefaultHeight,
		PixelStep: DefaultPixelStep,
	}
}

// Validate reports whether Compute can produce a usable geometry.
func (v View) Validate() error {
	switch {
	case v.Width <= 0 || v.Height <= 0:
		return fmt.Errorf("%w: size %dx%d", ErrInvalidView, v.Width, v.Height)
	case v.PixelStep <= 0:
		return fmt.Errorf("%w: pixel step %d", ErrInvalidView, v.PixelStep)
	case !(v.Scale > 0) || math.IsInf(v.Scale, 0):
		return fmt.Errorf("%w: scale %v", ErrInvalidView, v.Scale)
	case math.IsNaN(v.X) || math.IsNaN(v.Y) || math.IsInf(v.X, 0) || math.IsInf(v.Y, 0):
		return fmt.Errorf("%w: centre (%v, %v)", ErrInvalidView, v.X, v.Y)
	}
	return nil
}

// Geometry is everything derived from a View.
type Geometry struct {
	View

	PlaneWidth  float64 // plane units across the screen
	PlaneHeight float64 // plane units down the screen
	OriginX     float64 // plane coordinate of the bottom left corner
	OriginY     float64
	PlaneStep   float64 // plane units per tile

	// GridX and GridY are the plane coordinates of the bottom left corner
	// of the first tile column and row. Both are multiples of PlaneStep.
	GridX, GridY float64

	// OffsetX and OffsetY are the pixel positions of the first tile
	// column (from the left) and row (from the bottom). Both lie in
	// (-PixelStep, 0].
	OffsetX, OffsetY int
}

// Compute derives the geometry of v. The shorter screen dimension spans
// exactly Scale plane units.
func (v View) Compute() Geometry {
	g := Geometry{View: v}
	w, h := float64(v.Width), float64(v.Height)
	if w >= h {
		g.PlaneWidth = v.Scale * w / h
		g.PlaneHeight = v.Scale
	} else {
		g.PlaneWidth = v.Scale
		g.PlaneHeight = v.Scale * h / w
	}
	g.OriginX = v.X - g.PlaneWidth/2
	g.OriginY = v.Y - g.PlaneHeight/2
	g.PlaneStep = float64(v.PixelStep) * g.PlaneWidth / w

	var ox, oy float64
	g.GridX, ox = align(g.OriginX, g.PlaneStep)
	g.GridY, oy = align(g.OriginY, g.PlaneStep)
	g.OffsetX = -pixels(ox, g.PlaneStep, v.PixelStep)
	g.OffsetY = -pixels(oy, g.PlaneStep, v.PixelStep)
	return g
}

// pixels converts a plane offset in [0, step) to whole pixels in
// [0, pixelStep).
func pixels(off, step float64, pixelStep int) int {
	n := int(math.Floor(off * float64(pixelStep) / step))
	return min(max(n, 0), pixelStep-1)
}

// align returns the largest multiple of step not above c, and the
// non-negative distance from it to c.
func align(c, step float64) (base, off float64) {
	off = math.Mod(c, step)
	if off < 0 {
		off += step
	}
	if off >= step {
		off = 0 // rounding
	}
	return c - off, off
}

// Cell is one tile of the grid.
type Cell struct {
	Col, Row int     // grid indices; row 0 is the bottom row
	PX, PY   int     // screen position of the tile's top left pixel
	X, Y     float64 // plane coordinate of the tile's bottom left corner
}

// Cells enumerates the tiles covering the screen, column by column.
func (g Geometry) Cells() []Cell {
	step := g.PixelStep
	if step <= 0 {
		return nil
	}
	cols := ceilDiv(g.Width-g.OffsetX, step)
	rows := ceilDiv(g.Height-g.OffsetY, step)
	if cols <= 0 || rows <= 0 {
		return nil
	}

	cells := make([]Cell, 0, cols*rows)
	for i := range cols {
		px := g.OffsetX + i*step
		cx := g.GridX + float64(i)*g.PlaneStep
		for j := range rows {
			pyr := g.OffsetY + j*step
			cells = append(cells, Cell{
				Col: i,
				Row: j,
				PX:  px,
				PY:  g.Height - pyr - step,
				X:   cx,
				Y:   g.GridY + float64(j)*g.PlaneStep,
			})
		}
	}
	return cells
}

func ceilDiv(a, b int) int {
	if a <= 0 {
		return 0
	}
	return (a + b - 1) / b
}

// PlaneAt returns the plane coordinate under screen pixel (px, py).
func (g Geometry) PlaneAt(px, py float64) (x, y float64) {
	x = g.OriginX + px*g.PlaneWidth/float64(g.Width)
	y = g.OriginY + (float64(g.Height)-py)*g.PlaneHeight/float64(g.Height)
	return x, y
}

// PixelAt returns the screen pixel over plane coordinate (x, y).
func (g Geometry) PixelAt(x, y float64) (px, py float64) {
	px = (x - g.OriginX) * float64(g.Width) / g.PlaneWidth
	py = float64(g.Height) - (y-g.OriginY)*float64(g.Height)/g.PlaneHeight
	return px, py
}

// ZoomAt scales the view by k around screen pixel (px, py): the plane
// point under that pixel stays under it. k < 1 zooms in.
func (v View) ZoomAt(px, py, k float64) View {
	g := v.Compute()
	ax, ay := g.PlaneAt(px, py)
	w, h := float64(v.Width), float64(v.Height)
	pcy := h - py

	v.X = ax + k*g.PlaneWidth*(0.5-px/w)
	v.Y = ay + k*g.PlaneHeight*(0.5-pcy/h)
	v.Scale *= k
	return v
}

// Pan moves the view so that the content follows a drag of (dx, dy)
// screen pixels.
func (v View) Pan(dx, dy float64) View {
	g := v.Compute()
	v.X -= dx * g.PlaneWidth / float64(v.Width)
	v.Y += dy * g.PlaneHeight / float64(v.Height)
	return v
}

// Resize changes the screen size, keeping the centre and scale.
func (v View) Resize(width, height int) View {
	v.Width, v.Height = width, height
	return v
}
