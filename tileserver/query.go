package tileserver

import (
	"errors"
	"fmt"
	"net/url"
	"slices"
	"strconv"
	"strings"

	"github.com/azargarov/mandy/engine"
	"github.com/azargarov/mandy/fixed"
)

var (
	// ErrUnknownParam is reported for a query parameter the server does
	// not recognise.
	ErrUnknownParam = errors.New("unrecognized parameter")

	// ErrNotPositive is reported for a size or step that is zero or
	// negative.
	ErrNotPositive = errors.New("must be positive")
)

// ParamError describes a rejected query parameter. Err is one of
// fixed.ErrInvalidFormat, fixed.ErrOutOfRange, ErrNotPositive or
// ErrUnknownParam.
type ParamError struct {
	Param string
	Value string
	Err   error
}

func (e *ParamError) Error() string {
	return fmt.Sprintf("parameter %s=%q: %v", e.Param, e.Value, e.Err)
}

func (e *ParamError) Unwrap() error { return e.Err }

// Limits bound what a single query may ask for.
type Limits struct {
	MaxPixels int
	MaxIter   int
}

// Query defaults.
const (
	defaultTilePixels = 64
	defaultX          = -2
	defaultY          = -1.25
	defaultStep       = 2.5
)

// ParseQuery parses a raw tile query. Missing parameters take their
// defaults; every present parameter must be valid.
func ParseQuery(raw string, lim Limits) (engine.Request, error) {
	req := engine.Request{
		X:       defaultX,
		Y:       defaultY,
		Step:    defaultStep,
		Width:   defaultTilePixels,
		Height:  defaultTilePixels,
		MaxIter: engine.DefaultMaxIter,
		Arith:   engine.Float64,
	}
	values, err := url.ParseQuery(raw)
	if err != nil {
		return req, &ParamError{Param: "query", Value: raw, Err: fixed.ErrInvalidFormat}
	}

	names := make([]string, 0, len(values))
	for name := range values {
		names = append(names, name)
	}
	slices.Sort(names)

	for _, name := range names {
		vs := values[name]
		v := vs[len(vs)-1]
		var err error
		switch name {
		case "x":
			req.X, err = parseFixed(v)
		case "y":
			req.Y, err = parseFixed(v)
		case "s":
			req.Step, err = parseFixed(v)
			if err == nil && req.Step <= 0 {
				err = ErrNotPositive
			}
		case "w":
			req.Width, err = parseInt(v, 1, lim.MaxPixels)
		case "h":
			req.Height, err = parseInt(v, 1, lim.MaxPixels)
		case "m":
			req.MaxIter, err = parseInt(v, 1, lim.MaxIter)
		case "j":
			req.CX, req.CY, err = parseJulia(v)
			req.Kind = engine.Julia
		case "t":
			var t int
			t, err = parseInt(v, int(engine.Float64), int(engine.Fixed64))
			req.Arith = engine.Arith(t)
		default:
			err = ErrUnknownParam
		}
		if err != nil {
			return req, &ParamError{Param: name, Value: v, Err: err}
		}
	}
	return req, nil
}

// parseFixed parses through the fixed-point converter, so that values the
// 8.56 arithmetic cannot hold are refused for both arithmetics.
func parseFixed(s string) (float64, error) {
	f, err := fixed.Parse(s)
	if err != nil {
		var ne *fixed.NumError
		if errors.As(err, &ne) {
			return 0, ne.Err
		}
		return 0, err
	}
	return f.Float64(), nil
}

// parseJulia parses the Julia constant "cx,cy".
func parseJulia(s string) (cx, cy float64, err error) {
	re, im, ok := strings.Cut(s, ",")
	if !ok {
		return 0, 0, fixed.ErrInvalidFormat
	}
	if cx, err = parseFixed(re); err != nil {
		return 0, 0, err
	}
	if cy, err = parseFixed(im); err != nil {
		return 0, 0, err
	}
	return cx, cy, nil
}

func parseInt(s string, lo, hi int) (int, error) {
	n, err := strconv.ParseInt(s, 0, 32)
	if err != nil {
		if errors.Is(err, strconv.ErrRange) {
			return 0, fixed.ErrOutOfRange
		}
		return 0, fixed.ErrInvalidFormat
	}
	if lo > 0 && n <= 0 {
		return 0, ErrNotPositive
	}
	if n < int64(lo) || n > int64(hi) {
		return 0, fixed.ErrOutOfRange
	}
	return int(n), nil
}
