package driver

import "time"

const maxBackoff = 60 * time.Second

// nextBackoff implements the retry loop's exponential backoff
// (spec.md §4.G.3.c): 1s, 2s, 4s, ... capped at 60s. Passing the zero
// value starts the sequence at 1s.
func nextBackoff(prev time.Duration) time.Duration {
	if prev <= 0 {
		return time.Second
	}
	next := prev * 2
	if next > maxBackoff {
		return maxBackoff
	}
	return next
}
