package scheduler

import (
	"image"
	"time"

	"github.com/azargarov/mandy/engine"
)

// Request is one tile of one generation. It is a value: copies never
// share state, and nothing in the scheduler modifies a Request once it
// has been queued.
type Request struct {
	ViewX, ViewY float64 // centre of the view the tile belongs to
	X, Y         float64 // plane coordinate of the tile's bottom left corner
	PX, PY       int     // screen position of the tile's top left pixel
	PlaneStep    float64 // plane units per tile
	PixelStep    int     // pixels per tile
	FocusX       float64 // priority anchor
	FocusY       float64
	Generation   uint64
	MaxIter      int
	Arith        engine.Arith
	Kind         engine.Kind
	CX, CY       float64 // Julia constant

	attempt int
}

// Compute returns the engine request for r.
func (r Request) Compute() engine.Request {
	return engine.Request{
		X:       r.X,
		Y:       r.Y,
		Step:    r.PlaneStep,
		Width:   r.PixelStep,
		Height:  r.PixelStep,
		MaxIter: r.MaxIter,
		Arith:   r.Arith,
		Kind:    r.Kind,
		CX:      r.CX,
		CY:      r.CY,
	}
}

// Distance is the squared distance from the focus to the tile.
func (r Request) Distance() float64 {
	dx, dy := r.FocusX-r.X, r.FocusY-r.Y
	return dx*dx + dy*dy
}

// Tile is a finished tile handed to the redraw callback.
type Tile struct {
	Request
	Image   image.Image
	Elapsed time.Duration // render time; for cached tiles, of the original render
	Cached  bool
}

// RedrawFunc draws a tile. It is never called with a scheduler lock
// held and may call back into the scheduler.
type RedrawFunc func(Tile)
