package dsync

import "time"

// DefaultBackoff is the delay table used after retryable failures.
var DefaultBackoff = []time.Duration{
	1 * time.Second,
	2 * time.Second,
	5 * time.Second,
	15 * time.Second,
	30 * time.Second,
}

// backoffDelay returns the wait after the retryCount-th failure of an intent.
// Counts past the end of the table reuse its last entry.
func backoffDelay(table []time.Duration, retryCount int) time.Duration {
	if len(table) == 0 || retryCount <= 0 {
		return 0
	}
	i := retryCount - 1
	if i >= len(table) {
		i = len(table) - 1
	}
	return table[i]
}
