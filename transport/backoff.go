package transport

import "time"

// ExponentialTimeouts returns a stateful generator of resend intervals:
// the base interval for the first retries calls, then doubling per call,
// capped at maximum.
func ExponentialTimeouts(retries int, base, maximum time.Duration) func() time.Duration {
	calls := 0
	current := base
	return func() time.Duration {
		calls++
		if calls <= retries {
			return base
		}
		if current < maximum {
			current *= 2
			if current > maximum {
				current = maximum
			}
		}
		return current
	}
}

// retryWithBackoff runs op up to attempts times, sleeping between failed
// attempts with an interval that starts at base and grows by multiplier.
// It returns nil on the first success, the last error on exhaustion, and
// early (with the last error) when stop is closed mid-wait.
func retryWithBackoff(stop <-chan struct{}, attempts int, base time.Duration, multiplier float64, op func() error) error {
	interval := base
	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if lastErr = op(); lastErr == nil {
			return nil
		}
		if attempt == attempts-1 {
			break
		}
		select {
		case <-stop:
			return lastErr
		case <-time.After(interval):
		}
		interval = time.Duration(float64(interval) * multiplier)
	}
	return lastErr
}
