package workerpool

import (
	"runtime"
	"time"
)

const (
	defaultAttempts     = 1
	defaultInitialRetry = 200 * time.Millisecond
	defaultMaxRetry     = 5 * time.Second
)

// Options configure a Queue.
//
// All zero values are replaced with sensible defaults in FillDefaults.
type Options struct {
	// Workers is the number of worker goroutines. It is fixed once the
	// first job has been added. Defaults to GOMAXPROCS.
	Workers int

	// PinWorkers locks each worker to an OS thread pinned to one CPU.
	// Only effective on Linux.
	PinWorkers bool

	// Retry is the default retry policy for jobs that do not carry one.
	// The default is a single attempt.
	Retry RetryPolicy

	// InitialCapacity sizes the pending and completed buffers.
	InitialCapacity int
}

// FillDefaults replaces zero values with defaults.
func (o *Options) FillDefaults() {
	if o.Workers <= 0 {
		o.Workers = runtime.GOMAXPROCS(0)
	}
	o.Retry.fillDefaults()
	if o.InitialCapacity <= 0 {
		o.InitialCapacity = initialRingCapacity
	}
}
