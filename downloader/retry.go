package downloader

import (
	"math"
	"math/rand"
	"time"

	"ripstream-core/config"
)

// RetryDecision is the outcome of consulting the retry policy after a
// failed attempt
type RetryDecision struct {
	Retry bool
	Delay time.Duration
}

// RetryPolicy decides whether and when a failed attempt is retried. It is
// a pure decision function: no side effects, safe for concurrent use.
type RetryPolicy struct {
	strategy    config.RetryStrategy
	baseDelay   time.Duration
	maxDelay    time.Duration
	maxAttempts int
}

// NewRetryPolicy creates a policy from the configured retry parameters
func NewRetryPolicy(cfg config.RetryConfig) *RetryPolicy {
	return &RetryPolicy{
		strategy:    cfg.Strategy,
		baseDelay:   cfg.BaseDelay,
		maxDelay:    cfg.MaxDelay,
		maxAttempts: cfg.MaxAttempts,
	}
}

// MaxAttempts returns the hard ceiling on attempts per task
func (p *RetryPolicy) MaxAttempts() int {
	return p.maxAttempts
}

// Decide returns the retry decision for a failed attempt. attempt is the
// 1-based number of the attempt that just failed.
//
// Non-retryable error classes abandon on first occurrence regardless of
// remaining budget. A provider-supplied Retry-After on rate limit errors
// takes precedence over the computed schedule.
func (p *RetryPolicy) Decide(err *DownloadError, attempt int) RetryDecision {
	if err == nil || !err.Type.Retryable() {
		return RetryDecision{}
	}

	if attempt >= p.maxAttempts {
		return RetryDecision{}
	}

	if err.Type == ErrorRateLimit && err.RetryAfter > 0 {
		return RetryDecision{Retry: true, Delay: err.RetryAfter}
	}

	return RetryDecision{Retry: true, Delay: p.delayFor(attempt)}
}

// delayFor computes the schedule delay before the next attempt, with a
// uniform 0-20% jitter so many tasks failing against the same source do
// not retry in lockstep.
func (p *RetryPolicy) delayFor(attempt int) time.Duration {
	var delay time.Duration

	switch p.strategy {
	case config.RetryLinear:
		delay = p.baseDelay * time.Duration(attempt)
	case config.RetryExponential:
		scaled := float64(p.baseDelay) * math.Pow(2, float64(attempt-1))
		if scaled > float64(p.maxDelay) {
			scaled = float64(p.maxDelay)
		}
		delay = time.Duration(scaled)
	default:
		delay = p.baseDelay
	}

	jitter := time.Duration(rand.Int63n(int64(delay)/5 + 1))
	return delay + jitter
}
