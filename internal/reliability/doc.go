// Package reliability holds the broker-independent policy pieces of the
// retry pipeline.
//
// This package implements:
//   - Delay policies: DefaultDelay, linear, exponential (with jitter) and fixed
//   - The attempt counter codec carried in the x-retry-count header
//   - Dead-letter modes: preserve the envelope or stamp it with metadata
//   - Panic capture so a crashing handler fails like an erroring one
//
// Example usage:
//
//	backoff := NewExponentialBackoff(100*time.Millisecond, 30*time.Second, 2.0)
//	var delay DelayFunc = backoff.Delay
//
//	attempts := AttemptCount(delivery.Headers) + 1
//	headers := WithAttemptCount(delivery.Headers, attempts)
//	wait := delay(attempts)
package reliability
