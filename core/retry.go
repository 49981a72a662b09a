package core

import (
	"math/rand/v2"
	"time"
)

// =============================================================================
// Retry Policy (durable-store IO)
// =============================================================================

// RetryPolicy defines retry behavior for IO operations
type RetryPolicy struct {
	// MaxRetries is the maximum number of retry attempts (0 = no retry, 1 = one retry)
	MaxRetries int

	// InitialDelay is the delay before the first retry
	InitialDelay time.Duration

	// MaxDelay is the maximum delay between retries
	MaxDelay time.Duration

	// BackoffRatio is the multiplier for delay after each retry (e.g., 2.0 for exponential)
	// For example, with InitialDelay=100ms and BackoffRatio=2.0:
	// - Retry 1 delay: 100ms
	// - Retry 2 delay: 200ms
	// - Retry 3 delay: 400ms (capped by MaxDelay)
	BackoffRatio float64
}

// DefaultRetryPolicy returns a sensible default retry policy
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:   3,
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     5 * time.Second,
		BackoffRatio: 2.0,
	}
}

// NoRetry returns a retry policy with no retries
func NoRetry() RetryPolicy {
	return RetryPolicy{
		MaxRetries:   0,
		InitialDelay: 0,
		MaxDelay:     0,
		BackoffRatio: 1.0,
	}
}

// calculateDelay calculates the delay for the given retry attempt
// attempt is 0-indexed (0 = first retry, 1 = second retry, etc.)
func (p RetryPolicy) calculateDelay(attempt int) time.Duration {
	if p.InitialDelay == 0 {
		return 0
	}

	delay := float64(p.InitialDelay)
	for i := 0; i < attempt; i++ {
		delay *= p.BackoffRatio
	}

	if p.MaxDelay > 0 && delay > float64(p.MaxDelay) {
		delay = float64(p.MaxDelay)
	}

	return time.Duration(delay)
}

// =============================================================================
// Workflow Backoff
// =============================================================================

// BackoffPolicy computes the requeue delay of a failed workflow:
// 2^retryCount * Base + U[0, MaxJitter).
type BackoffPolicy struct {
	Base      time.Duration
	MaxJitter time.Duration
}

// DefaultBackoffPolicy: 60s base, up to 30s jitter.
func DefaultBackoffPolicy() BackoffPolicy {
	return BackoffPolicy{Base: 60 * time.Second, MaxJitter: 30 * time.Second}
}

// JitterFunc returns a duration in [0, max).
type JitterFunc func(max time.Duration) time.Duration

// RandomJitter draws uniformly from [0, max).
func RandomJitter(max time.Duration) time.Duration {
	if max <= 0 {
		return 0
	}
	return time.Duration(rand.Int64N(int64(max)))
}

// Delay returns the backoff for a workflow that has failed retryCount times
// before this failure.
func (b BackoffPolicy) Delay(retryCount int, jitter JitterFunc) time.Duration {
	if retryCount < 0 {
		retryCount = 0
	}
	// 2^20 minutes is already ~2 years; larger shifts overflow time.Duration
	if retryCount > 20 {
		retryCount = 20
	}
	d := b.Base * time.Duration(int64(1)<<uint(retryCount))
	if jitter != nil && b.MaxJitter > 0 {
		j := jitter(b.MaxJitter)
		if j < 0 {
			j = 0
		}
		if j >= b.MaxJitter {
			j = b.MaxJitter - 1
		}
		d += j
	}
	return d
}
