package pipeline

import "time"

// RetryPolicy bounds the retry behaviour for transient extraction failures.
// Structural failures (gate rejections, schema defects) are never retried.
type RetryPolicy struct {
	// MaxAttempts is the total number of calls, including the first.
	MaxAttempts int
	// Backoff returns the wait before the given attempt (1-based retry index).
	Backoff func(attempt int) time.Duration
}

// DefaultRetryPolicy allows a single retry after a fixed pause.
func DefaultRetryPolicy(maxAttempts int, pause time.Duration) RetryPolicy {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	if pause <= 0 {
		pause = 2 * time.Second
	}
	return RetryPolicy{
		MaxAttempts: maxAttempts,
		Backoff:     func(int) time.Duration { return pause },
	}
}
