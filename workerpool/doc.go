// Package workerpool provides a bounded worker pool with explicit
// add, cancel and harvest semantics.
//
// Job lifecycle
//
// A job moves through the following states:
//
//	Pending → Working → Complete
//	Pending → Cancelled
//
// Add places a job on the pending list. A fixed set of workers pulls jobs
// from the head of that list, runs them and deposits them on the
// completed list. Completed jobs stay there until a consumer harvests
// them with Complete, which is when the job's OnComplete callback runs.
// Cancel removes pending jobs and runs their OnCancel callback instead.
//
// Completion is decoupled from execution on purpose: the goroutine that
// calls Complete decides where completion callbacks run. A GUI or a
// single-threaded scheduler can therefore run all completions on its own
// goroutine while the workers stay busy.
//
// Grouping
//
// Every job is added under a context.Context. The queue compares these
// contexts by identity only: Cancel(ctx) removes the pending jobs added
// under exactly that ctx, and Complete(n, ctx, ...) harvests only their
// completions. The context also feeds the job's logger and its retry
// backoff, but cancelling it does not by itself remove the job.
//
// Locking
//
// Two independent lock/condition pairs are used: one for the pending and
// working sets, one for the completed list. No lock is held while Fn,
// OnComplete or OnCancel runs, so callbacks may re-enter the queue, for
// example a completion callback that adds follow-up jobs.
//
// Error handling
//
// Errors returned by a job and panics recovered from it are logged,
// reported through OnJobError and otherwise swallowed: the job still
// reaches the completed list. Callers that need a success signal record
// it in the job payload. Jobs may carry a RetryPolicy, in which case a
// failing Fn is retried with exponential backoff before completing.
//
// CPU pinning
//
// On Linux, workers may optionally be pinned to specific CPUs. When
// enabled, workers are locked to OS threads and restricted to run on a
// single core.
package workerpool
