package workerpool

import (
	"sync/atomic"
)

// MetricsPolicy defines hooks used by the queue to report job activity.
//
// Implementations must be safe for concurrent use.
// All methods are expected to be lightweight and non-blocking.
type MetricsPolicy interface {

	// IncQueued increments the queued jobs counter.
	IncQueued()

	// BatchDecQueued decrements the queued counter by n.
	//
	// Called when jobs leave the pending list, either because a worker
	// picked them up or because they were cancelled.
	BatchDecQueued(n int64)

	// IncExecuted increments the executed jobs counter.
	IncExecuted()

	// IncFailed increments the counter of jobs whose last run failed.
	IncFailed()

	// AddCompleted adds n harvested completions.
	AddCompleted(n int64)

	// AddCancelled adds n cancelled jobs.
	AddCancelled(n int64)
}

// AtomicMetrics is a lock-free metrics implementation backed by atomics.
//
// Writes are optimized for hot paths.
// Reads are intended for cold-path observation.
type AtomicMetrics struct {
	// executed is the total number of jobs processed.
	executed atomic.Uint64

	_ [56]byte // padding to avoid false sharing

	// queued is the current number of jobs pending.
	queued atomic.Int64

	_ [56]byte

	failed    atomic.Uint64
	completed atomic.Uint64
	cancelled atomic.Uint64
}

// Executed returns the total number of executed jobs.
func (m *AtomicMetrics) Executed() uint64 { return m.executed.Load() }

// Queued returns the current number of pending jobs.
func (m *AtomicMetrics) Queued() int64 { return m.queued.Load() }

// Failed returns the number of jobs whose final run returned an error
// or panicked.
func (m *AtomicMetrics) Failed() uint64 { return m.failed.Load() }

// Completed returns the number of harvested completions.
func (m *AtomicMetrics) Completed() uint64 { return m.completed.Load() }

// Cancelled returns the number of cancelled jobs.
func (m *AtomicMetrics) Cancelled() uint64 { return m.cancelled.Load() }

func (m *AtomicMetrics) IncExecuted()           { m.executed.Add(1) }
func (m *AtomicMetrics) IncQueued()             { m.queued.Add(1) }
func (m *AtomicMetrics) BatchDecQueued(n int64) { m.queued.Add(-n) }
func (m *AtomicMetrics) IncFailed()             { m.failed.Add(1) }
func (m *AtomicMetrics) AddCompleted(n int64)   { m.completed.Add(uint64(n)) }
func (m *AtomicMetrics) AddCancelled(n int64)   { m.cancelled.Add(uint64(n)) }

//------------- NoopMetrics ----------------------------------

// NoopMetrics is a MetricsPolicy implementation that discards
// all metric updates.
type NoopMetrics struct{}

func (m *NoopMetrics) IncExecuted()           {}
func (m *NoopMetrics) IncQueued()             {}
func (m *NoopMetrics) BatchDecQueued(n int64) {}
func (m *NoopMetrics) IncFailed()             {}
func (m *NoopMetrics) AddCompleted(n int64)   {}
func (m *NoopMetrics) AddCancelled(n int64)   {}
