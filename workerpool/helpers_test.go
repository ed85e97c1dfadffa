package workerpool_test

import (
	"context"
	"runtime"
	"sync/atomic"
	"testing"
	"time"

	wp "github.com/azargarov/mandy/workerpool"
)

// probe records what happened to one job.
type probe struct {
	runs      atomic.Int32
	completes atomic.Int32
	cancels   atomic.Int32
}

func (p *probe) job() wp.Job[*probe] {
	return wp.Job[*probe]{
		Payload:    p,
		Fn:         func(p *probe) error { p.runs.Add(1); return nil },
		OnComplete: func(p *probe) { p.completes.Add(1) },
		OnCancel:   func(p *probe) { p.cancels.Add(1) },
	}
}

func newProbes(n int) []*probe {
	ps := make([]*probe, n)
	for i := range ps {
		ps[i] = &probe{}
	}
	return ps
}

type groupKey string

// group returns a distinct context to add jobs under.
func group(name string) context.Context {
	return context.WithValue(context.Background(), groupKey(name), true)
}

func newTestQueue[T any](t *testing.T, workers int) *wp.Queue[T, *wp.AtomicMetrics] {
	t.Helper()

	q := wp.New[T](wp.Options{Workers: workers}, &wp.AtomicMetrics{})
	t.Cleanup(q.Stop)
	return q
}

// gate returns a job that blocks its worker until release is closed.
func gate[T any](payload T) (job wp.Job[T], started <-chan struct{}, release chan struct{}) {
	s := make(chan struct{})
	release = make(chan struct{})
	job = wp.Job[T]{
		Payload: payload,
		Fn: func(T) error {
			close(s)
			<-release
			return nil
		},
	}
	return job, s, release
}

func waitUntil(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		runtime.Gosched()
	}
	t.Fatal("condition not satisfied before timeout")
}

func waitClosed(t *testing.T, ch <-chan struct{}, what string) {
	t.Helper()

	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatalf("%s did not happen", what)
	}
}
