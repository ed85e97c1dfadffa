package engine

import (
	"context"
	"fmt"
	"image"
	"image/color"
	"math"
	"sync"

	"github.com/azargarov/mandy/fixed"
)

// Palette returns the colour for every iteration count up to and
// including maxIter. Points that never escape get colour maxIter, which
// is black.
func Palette(maxIter int) []color.RGBA {
	p := make([]color.RGBA, maxIter+1)
	m := float64(maxIter)
	for n := range maxIter {
		f := float64(n)
		p[n] = color.RGBA{
			R: uint8((math.Cos(2*math.Pi*f/m) + 1) * 127),
			G: uint8(255 - (math.Cos(4*math.Pi*f/m)+1)*127),
			B: uint8(255 - (math.Cos(8*math.Pi*f/m)+1)*127),
			A: 0xff,
		}
	}
	p[maxIter] = color.RGBA{A: 0xff}
	return p
}

var palettes sync.Map // int -> []color.RGBA

func paletteFor(maxIter int) []color.RGBA {
	if p, ok := palettes.Load(maxIter); ok {
		return p.([]color.RGBA)
	}
	p, _ := palettes.LoadOrStore(maxIter, Palette(maxIter))
	return p.([]color.RGBA)
}

// Draw renders req with escape-time iteration. Row 0 of the image is the
// top of the tile. It stops early with ctx.Err() if ctx is done.
func Draw(ctx context.Context, req Request) (*image.RGBA, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	var iterate func(px, py int) int
	switch req.Arith {
	case Fixed64:
		f, err := newFixedIter(req)
		if err != nil {
			return nil, err
		}
		iterate = f.iterate
	default:
		iterate = floatIter(req)
	}

	pal := paletteFor(req.MaxIter)
	img := image.NewRGBA(image.Rect(0, 0, req.Width, req.Height))
	for py := range req.Height {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		for px := range req.Width {
			img.SetRGBA(px, py, pal[iterate(px, py)])
		}
	}
	return img, nil
}

// For the Mandelbrot set the pixel is c and z starts at 0; for a Julia set
// the pixel is the starting z and c is fixed.
func floatIter(req Request) func(px, py int) int {
	d := req.Step / float64(req.Width)
	julia := req.Kind == Julia
	return func(px, py int) int {
		x := req.X + float64(px)*d
		y := req.Y + float64(req.Height-1-py)*d
		var zx, zy, cx, cy float64
		if julia {
			zx, zy, cx, cy = x, y, req.CX, req.CY
		} else {
			cx, cy = x, y
		}
		n := 0
		for n < req.MaxIter {
			zx2, zy2 := zx*zx, zy*zy
			if zx2+zy2 >= 4 {
				break
			}
			zy = 2*zx*zy + cy
			zx = zx2 - zy2 + cx
			n++
		}
		return n
	}
}

type fixedIter struct {
	x, y, d fixed.Fixed64
	cx, cy  fixed.Fixed64
	julia   bool
	height  int
	maxIter int
}

const (
	two  = 2 * fixed.One
	four = 4 * fixed.One
)

var minusTwo = two.Neg()

func newFixedIter(req Request) (*fixedIter, error) {
	f := &fixedIter{julia: req.Kind == Julia, height: req.Height, maxIter: req.MaxIter}
	for _, c := range []struct {
		dst *fixed.Fixed64
		v   float64
	}{
		{&f.x, req.X},
		{&f.y, req.Y},
		{&f.d, req.Step / float64(req.Width)},
		{&f.cx, req.CX},
		{&f.cy, req.CY},
	} {
		v, err := fixed.FromFloat(c.v)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
		}
		*c.dst = v
	}
	return f, nil
}

func (f *fixedIter) iterate(px, py int) int {
	x := f.x.Add(f.d * fixed.Fixed64(px))
	y := f.y.Add(f.d * fixed.Fixed64(f.height-1-py))
	var zx, zy, cx, cy fixed.Fixed64
	if f.julia {
		zx, zy, cx, cy = x, y, f.cx, f.cy
	} else {
		cx, cy = x, y
	}
	n := 0
	for n < f.maxIter {
		// a component of 2 or more has escaped; squaring it could overflow
		if zx >= two || zx <= minusTwo || zy >= two || zy <= minusTwo {
			break
		}
		zx2, zy2 := zx.Mul(zx), zy.Mul(zy)
		if zx2.Add(zy2) >= four {
			break
		}
		xy := zx.Mul(zy)
		zy = xy.Add(xy).Add(cy)
		zx = zx2.Sub(zy2).Add(cx)
		n++
	}
	return n
}
