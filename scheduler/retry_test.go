package scheduler

import (
	"testing"
	"time"

	"flowcore/domain"

	"github.com/stretchr/testify/assert"
)

func fixedDuration(d time.Duration) *domain.Duration {
	return &domain.Duration{Fixed: d, IsFixed: true}
}

func TestComputeDelayConstantBackoffIgnoresAttempt(t *testing.T) {
	policy := &domain.RetryPolicy{Backoff: domain.BackoffConstant, Delay: fixedDuration(time.Second)}
	assert.Equal(t, time.Second, computeDelay(policy, 1))
	assert.Equal(t, time.Second, computeDelay(policy, 5))
}

func TestComputeDelayLinearBackoffScalesWithAttempt(t *testing.T) {
	policy := &domain.RetryPolicy{Backoff: domain.BackoffLinear, Delay: fixedDuration(time.Second)}
	assert.Equal(t, 3*time.Second, computeDelay(policy, 3))
}

func TestComputeDelayExponentialBackoffDefaultsMultiplierTo2(t *testing.T) {
	policy := &domain.RetryPolicy{Backoff: domain.BackoffExponential, Delay: fixedDuration(time.Second)}
	assert.Equal(t, time.Second, computeDelay(policy, 1))
	assert.Equal(t, 2*time.Second, computeDelay(policy, 2))
	assert.Equal(t, 4*time.Second, computeDelay(policy, 3))
}

func TestComputeDelayClampsToMaxDelay(t *testing.T) {
	policy := &domain.RetryPolicy{
		Backoff:  domain.BackoffExponential,
		Delay:    fixedDuration(time.Second),
		MaxDelay: fixedDuration(3 * time.Second),
	}
	assert.Equal(t, 3*time.Second, computeDelay(policy, 10))
}

func TestComputeDelayJitterStaysWithinHalfToFullRange(t *testing.T) {
	policy := &domain.RetryPolicy{
		Backoff: domain.BackoffConstant,
		Delay:   fixedDuration(10 * time.Second),
		Jitter:  true,
	}
	delay := computeDelay(policy, 2)
	assert.GreaterOrEqual(t, delay, 5*time.Second)
	assert.LessOrEqual(t, delay, 10*time.Second)
}

func TestComputeDelayIsDeterministicAcrossCalls(t *testing.T) {
	policy := &domain.RetryPolicy{
		Backoff: domain.BackoffExponential,
		Delay:   fixedDuration(time.Second),
		Jitter:  true,
	}
	assert.Equal(t, computeDelay(policy, 4), computeDelay(policy, 4))
}

func TestRetryLimitExceededByAttemptCount(t *testing.T) {
	policy := &domain.RetryPolicy{Limit: domain.RetryLimit{Attempt: 3}}
	assert.False(t, retryLimitExceeded(policy, 3, 0))
	assert.True(t, retryLimitExceeded(policy, 4, 0))
}

func TestRetryLimitExceededByElapsedDuration(t *testing.T) {
	policy := &domain.RetryPolicy{Limit: domain.RetryLimit{Duration: fixedDuration(time.Minute)}}
	assert.False(t, retryLimitExceeded(policy, 1, 30*time.Second))
	assert.True(t, retryLimitExceeded(policy, 1, time.Minute))
}

func TestRetryLimitNotExceededWithoutLimits(t *testing.T) {
	policy := &domain.RetryPolicy{}
	assert.False(t, retryLimitExceeded(policy, 1000, 24*time.Hour))
}
