package forward

import (
	"context"
	"time"

	"crmrelay/internal/types"
)

// RetryPolicy defines the exponential backoff parameters for re-submitting a
// job after a retryable outcome. MaxAttempts counts the first execution.
type RetryPolicy struct {
	MaxAttempts   int
	BaseDelay     time.Duration
	MaxDelay      time.Duration
	BackoffFactor float64
}

// DefaultRetryPolicy spreads five attempts over roughly a quarter of an hour,
// which keeps every delay inside the SQS DelaySeconds limit.
var DefaultRetryPolicy = RetryPolicy{
	MaxAttempts:   5,
	BaseDelay:     30 * time.Second,
	MaxDelay:      15 * time.Minute,
	BackoffFactor: 3.0,
}

// CalculateNextRetry computes the delay before the next retry attempt using
// exponential backoff: delay = min(BaseDelay * BackoffFactor^attempt, MaxDelay).
func CalculateNextRetry(policy RetryPolicy, attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}

	delay := float64(policy.BaseDelay)
	for i := 0; i < attempt; i++ {
		delay *= policy.BackoffFactor
	}

	d := time.Duration(delay)
	if d > policy.MaxDelay {
		d = policy.MaxDelay
	}
	if d < 0 {
		// Guard against overflow
		d = policy.MaxDelay
	}

	return d
}

// Exhausted reports whether a job that has already been retried retryCount
// times may not run again.
func (p RetryPolicy) Exhausted(retryCount int) bool {
	return retryCount+1 >= p.MaxAttempts
}

// Reschedule re-submits job with its RetryCount incremented and a backoff
// delay. It returns false without submitting when the policy is exhausted.
func Reschedule(ctx context.Context, s Scheduler, policy RetryPolicy, job types.ForwardJob) (bool, error) {
	if policy.Exhausted(job.RetryCount) {
		return false, nil
	}

	delay := CalculateNextRetry(policy, job.RetryCount)
	job.RetryCount++
	if err := s.Submit(ctx, job, delay); err != nil {
		return false, err
	}
	return true, nil
}
