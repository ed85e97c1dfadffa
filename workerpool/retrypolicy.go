package workerpool

import (
	"time"
)

// RetryPolicy describes how many times and how often a failing job is
// run before it is completed anyway.
// Zero values are treated as "use queue defaults".
type RetryPolicy struct {
	// Attempts is the maximum number of runs for a job.
	Attempts int

	// Initial is the first backoff duration.
	Initial time.Duration

	// Max is the cap for backoff duration.
	Max time.Duration
}

func (rp *RetryPolicy) fillDefaults() {
	if rp.Attempts <= 0 {
		rp.Attempts = defaultAttempts
	}
	if rp.Initial <= 0 {
		rp.Initial = defaultInitialRetry
	}
	if rp.Max <= 0 {
		rp.Max = defaultMaxRetry
	}
}

// override returns rp with the non-zero fields of job applied.
func (rp RetryPolicy) override(job *RetryPolicy) RetryPolicy {
	if job == nil {
		return rp
	}
	if job.Attempts > 0 {
		rp.Attempts = job.Attempts
	}
	if job.Initial > 0 {
		rp.Initial = job.Initial
	}
	if job.Max > 0 {
		rp.Max = job.Max
	}
	return rp
}
