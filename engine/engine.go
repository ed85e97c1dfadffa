// Package engine computes tile images.
//
// An Engine takes a Request and eventually reports an image or an error
// through a callback. Local renders on an in-process worker pool; HTTP
// fetches tiles from a tile server. The scheduler treats both as opaque.
package engine

import (
	"context"
	"image"
)

// DoneFunc receives the result of a render.
type DoneFunc func(img image.Image, err error)

// Engine renders tiles asynchronously.
//
// Render must not block on the computation. done is called at most once,
// possibly from another goroutine and possibly before Render returns.
// When ctx is done the engine may abandon the request, in which case done
// is called with an error or not at all.
type Engine interface {
	Render(ctx context.Context, req Request, done DoneFunc)
}

// Func adapts a blocking render function to an Engine.
type Func func(ctx context.Context, req Request) (image.Image, error)

// Render runs f on a new goroutine.
func (f Func) Render(ctx context.Context, req Request, done DoneFunc) {
	go func() { done(f(ctx, req)) }()
}
