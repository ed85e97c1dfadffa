package engine

import (
	"errors"
	"fmt"
	"math"
	"net/url"
	"strconv"
	"strings"
)

// Arith selects the arithmetic used to iterate a tile.
type Arith int

const (
	Float64 Arith = iota // hardware double precision
	Fixed64              // 8.56 fixed point
)

func (a Arith) String() string {
	switch a {
	case Float64:
		return "float64"
	case Fixed64:
		return "fixed64"
	}
	return "arith(" + strconv.Itoa(int(a)) + ")"
}

// ParseArith is the inverse of Arith.String.
func ParseArith(s string) (Arith, error) {
	switch strings.ToLower(s) {
	case "float64", "double", "":
		return Float64, nil
	case "fixed64", "fixed":
		return Fixed64, nil
	}
	return 0, fmt.Errorf("%w: unknown arithmetic %q", ErrInvalidRequest, s)
}

// Kind selects the fractal.
type Kind int

const (
	Mandelbrot Kind = iota
	Julia           // iterates z² + C from each point, C = (CX, CY)
)

func (k Kind) String() string {
	switch k {
	case Mandelbrot:
		return "mandelbrot"
	case Julia:
		return "julia"
	}
	return "kind(" + strconv.Itoa(int(k)) + ")"
}

// ParseJulia parses the constant of a Julia set written "cx,cy".
func ParseJulia(s string) (cx, cy float64, err error) {
	re, im, ok := strings.Cut(s, ",")
	if !ok {
		return 0, 0, fmt.Errorf("%w: julia constant %q is not \"cx,cy\"", ErrInvalidRequest, s)
	}
	if cx, err = strconv.ParseFloat(strings.TrimSpace(re), 64); err != nil {
		return 0, 0, fmt.Errorf("%w: julia constant %q: %w", ErrInvalidRequest, s, err)
	}
	if cy, err = strconv.ParseFloat(strings.TrimSpace(im), 64); err != nil {
		return 0, 0, fmt.Errorf("%w: julia constant %q: %w", ErrInvalidRequest, s, err)
	}
	return cx, cy, nil
}

// Limits on a single tile.
const (
	MaxPixels      = 256
	DefaultMaxIter = 255
)

// ErrInvalidRequest is returned for a request the engine cannot render.
var ErrInvalidRequest = errors.New("engine: invalid request")

// Request identifies one tile computation. The tile covers the plane
// square whose bottom left corner is (X, Y) and whose width is Step;
// pixels are square, so the height in plane units is Step*Height/Width.
type Request struct {
	X, Y    float64
	Step    float64
	Width   int
	Height  int
	MaxIter int
	Arith   Arith

	Kind   Kind
	CX, CY float64 // Julia constant; ignored for the Mandelbrot set
}

// Validate checks r against the engine limits.
func (r Request) Validate() error {
	switch {
	case r.Width <= 0 || r.Height <= 0:
		return fmt.Errorf("%w: size %dx%d", ErrInvalidRequest, r.Width, r.Height)
	case r.Width > MaxPixels || r.Height > MaxPixels:
		return fmt.Errorf("%w: size %dx%d exceeds %d", ErrInvalidRequest, r.Width, r.Height, MaxPixels)
	case r.MaxIter <= 0:
		return fmt.Errorf("%w: max iterations %d", ErrInvalidRequest, r.MaxIter)
	case !(r.Step > 0) || math.IsInf(r.Step, 0):
		return fmt.Errorf("%w: step %v", ErrInvalidRequest, r.Step)
	case !finite(r.X) || !finite(r.Y):
		return fmt.Errorf("%w: corner (%v, %v)", ErrInvalidRequest, r.X, r.Y)
	case r.Arith != Float64 && r.Arith != Fixed64:
		return fmt.Errorf("%w: %v", ErrInvalidRequest, r.Arith)
	case r.Kind != Mandelbrot && r.Kind != Julia:
		return fmt.Errorf("%w: %v", ErrInvalidRequest, r.Kind)
	case r.Kind == Julia && (!finite(r.CX) || !finite(r.CY)):
		return fmt.Errorf("%w: julia constant (%v, %v)", ErrInvalidRequest, r.CX, r.CY)
	}
	return nil
}

func finite(f float64) bool { return !math.IsNaN(f) && !math.IsInf(f, 0) }

// Query encodes r as tile server query parameters.
func (r Request) Query() url.Values {
	q := url.Values{
		"x": {formatFloat(r.X)},
		"y": {formatFloat(r.Y)},
		"s": {formatFloat(r.Step)},
		"w": {strconv.Itoa(r.Width)},
		"h": {strconv.Itoa(r.Height)},
		"m": {strconv.Itoa(r.MaxIter)},
		"t": {strconv.Itoa(int(r.Arith))},
	}
	if r.Kind == Julia {
		q.Set("j", formatFloat(r.CX)+","+formatFloat(r.CY))
	}
	return q
}

// Key is a deterministic cache key for r. Equal requests have equal keys.
func (r Request) Key() string { return r.Query().Encode() }

// formatFloat never uses an exponent, so the result is accepted by
// fixed.Parse.
func formatFloat(f float64) string { return strconv.FormatFloat(f, 'f', -1, 64) }
