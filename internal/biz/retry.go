package biz

import (
	"context"
	"math"
	"math/rand"
	"time"

	"AgentGuard/internal/model"
)

// RetryPolicy bounds a retry-with-backoff loop.
type RetryPolicy struct {
	MaxAttempts     int
	BaseDelay       time.Duration
	MaxDelay        time.Duration
	ExponentialBase float64
	Jitter          bool
	// RetryOn restricts retries to these categories when non-empty.
	RetryOn []model.Category
	// NeverRetry short-circuits the loop for these categories.
	NeverRetry []model.Category
}

// DefaultRetryPolicy mirrors the configured resilience defaults:
// 3 attempts, 1s base, 60s cap, factor 2, jitter on, and no retries for
// validation or authentication failures.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:     3,
		BaseDelay:       time.Second,
		MaxDelay:        60 * time.Second,
		ExponentialBase: 2.0,
		Jitter:          true,
		NeverRetry:      []model.Category{model.CategoryValidation, model.CategoryAuthentication},
	}
}

// Delay computes the backoff before retrying after attempt (0-based):
// min(base * factor^attempt, max), optionally scaled by a uniform jitter
// factor in [0.5, 1.0).
func (p RetryPolicy) Delay(attempt int) time.Duration {
	base := float64(p.BaseDelay) * math.Pow(p.ExponentialBase, float64(attempt))
	capped := math.Min(base, float64(p.MaxDelay))
	if p.Jitter {
		capped *= 0.5 + rand.Float64()*0.5
	}
	return time.Duration(capped)
}

// retryable reports whether an error's category permits another attempt.
func (p RetryPolicy) retryable(err error) bool {
	category := model.CategoryOf(err)
	for _, c := range p.NeverRetry {
		if category == c {
			return false
		}
	}
	if len(p.RetryOn) == 0 {
		return true
	}
	for _, c := range p.RetryOn {
		if category == c {
			return true
		}
	}
	return false
}

// RetryWithBackoff runs op up to policy.MaxAttempts times, sleeping the
// policy delay between attempts. Errors in the never-retry set surface
// immediately. The sleep respects ctx cancellation. On exhaustion the last
// error is returned.
func RetryWithBackoff(ctx context.Context, clock Clock, policy RetryPolicy, op func(ctx context.Context) error) error {
	if policy.MaxAttempts <= 0 {
		policy.MaxAttempts = 1
	}

	var lastErr error
	for attempt := 0; attempt < policy.MaxAttempts; attempt++ {
		if attempt > 0 {
			if err := clock.Sleep(ctx, policy.Delay(attempt-1)); err != nil {
				return err
			}
		}

		lastErr = op(ctx)
		if lastErr == nil {
			return nil
		}
		if !policy.retryable(lastErr) {
			return lastErr
		}
	}
	return lastErr
}
