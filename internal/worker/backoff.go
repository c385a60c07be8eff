package worker

import "time"

// RetryDelay returns the backoff for the given attempt number (1-based)
// against a deterministic schedule. Attempts past the end of the schedule
// reuse the last delay.
func RetryDelay(delays []time.Duration, attempt int) time.Duration {
	if len(delays) == 0 {
		return 0
	}
	idx := attempt - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(delays) {
		idx = len(delays) - 1
	}
	return delays[idx]
}
