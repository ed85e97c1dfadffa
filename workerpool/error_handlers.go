package workerpool

// reportInternalError reports an internal queue error.
//
// Internal errors are non-job-related failures such as
// worker setup issues. If no handler is registered, the error
// is silently ignored.
func (q *Queue[T, M]) reportInternalError(e error) {
	if q.OnInternalError != nil {
		q.OnInternalError(e)
	}
}

// reportJobError reports an error returned by a job or
// produced by panic recovery.
//
// Job errors do not stop the queue and never reach Complete.
func (q *Queue[T, M]) reportJobError(err error) {
	q.metrics.IncFailed()
	if q.OnJobError != nil {
		q.OnJobError(err)
	}
}
