package scheduler

import (
	"math"
	"time"

	"flowcore/domain"
)

// computeDelay derives the wait before retry attempt from a RetryPolicy's
// backoff shape, applying jitter deterministically off the attempt number
// so replaying an instance's event log reproduces identical delays rather
// than depending on a non-replayable random source.
func computeDelay(policy *domain.RetryPolicy, attempt int) time.Duration {
	var base time.Duration
	if policy.Delay != nil && policy.Delay.IsFixed {
		base = policy.Delay.Fixed
	}
	multiplier := policy.Multiplier
	if multiplier <= 0 {
		multiplier = 2
	}

	var delay time.Duration
	switch policy.Backoff {
	case domain.BackoffLinear:
		delay = base * time.Duration(attempt)
	case domain.BackoffExponential:
		delay = time.Duration(float64(base) * math.Pow(multiplier, float64(attempt-1)))
	default:
		delay = base
	}

	if policy.MaxDelay != nil && policy.MaxDelay.IsFixed && delay > policy.MaxDelay.Fixed {
		delay = policy.MaxDelay.Fixed
	}
	if policy.Jitter && delay > 0 {
		delay = time.Duration(float64(delay) * (0.5 + 0.5*pseudoRandomFraction(attempt)))
	}
	return delay
}

// pseudoRandomFraction derives a fraction in [0,1) from the attempt number
// via a fixed integer hash, standing in for a random source that would
// break replay determinism.
func pseudoRandomFraction(attempt int) float64 {
	h := uint32(attempt)*2654435761 + 1
	return float64(h%1000) / 1000
}

// retryLimitExceeded reports whether policy's attempt count or elapsed-time
// limit has been reached.
func retryLimitExceeded(policy *domain.RetryPolicy, attempt int, elapsed time.Duration) bool {
	if policy.Limit.Attempt > 0 && attempt > policy.Limit.Attempt {
		return true
	}
	if policy.Limit.Duration != nil && policy.Limit.Duration.IsFixed && elapsed >= policy.Limit.Duration.Fixed {
		return true
	}
	return false
}
