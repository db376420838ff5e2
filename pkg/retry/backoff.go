package retry

import (
	"context"
	"errors"
	"math"
	"math/rand/v2"
	"time"

	"threadloom/pkg/clock"
)

// Policy configures retries with exponential backoff.
type Policy struct {
	MaxAttempts int           // total attempts including the first
	BaseDelay   time.Duration // delay before the second attempt
	MaxDelay    time.Duration // cap on any single delay
	Multiplier  float64       // growth factor per attempt
	Jitter      bool          // add up to +/-10% random jitter
}

// DefaultPolicy returns the policy used for chat and responder activities.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: 5,
		BaseDelay:   1 * time.Second,
		MaxDelay:    30 * time.Second,
		Multiplier:  2.0,
		Jitter:      true,
	}
}

// Result describes how a retried operation went.
type Result struct {
	Attempts      int
	TotalDuration time.Duration
	LastError     error
	Success       bool
	RetryReasons  []string
}

// Hook observes a failed attempt that will be retried after delay.
type Hook func(attempt int, delay time.Duration, err error)

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying. Do returns the unwrapped error.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

// Do runs op until it succeeds, returns a permanent error, the attempts run out, or ctx
// is done. op receives the 1-based attempt number.
func Do(ctx context.Context, c clock.Clock, policy Policy, op func(ctx context.Context, attempt int) error, onRetry Hook) Result {
	if c == nil {
		c = clock.Real()
	}
	maxAttempts := policy.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 1
	}

	start := c.Now()
	result := Result{}

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		result.Attempts = attempt

		err := op(ctx, attempt)
		if err == nil {
			result.Success = true
			result.LastError = nil
			result.TotalDuration = c.Now().Sub(start)
			return result
		}

		var p *permanentError
		if errors.As(err, &p) {
			result.LastError = p.err
			result.TotalDuration = c.Now().Sub(start)
			return result
		}

		result.LastError = err
		result.RetryReasons = append(result.RetryReasons, err.Error())

		if attempt == maxAttempts || ctx.Err() != nil {
			break
		}

		delay := policy.Delay(attempt - 1)
		if onRetry != nil {
			onRetry(attempt, delay, err)
		}

		timer := c.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			result.LastError = ctx.Err()
			result.TotalDuration = c.Now().Sub(start)
			return result
		case <-timer.C:
		}
	}

	result.TotalDuration = c.Now().Sub(start)
	return result
}

// Delay returns the wait before retry number n (0-based): BaseDelay * Multiplier^n,
// capped at MaxDelay, with optional jitter.
func (p Policy) Delay(n int) time.Duration {
	multiplier := p.Multiplier
	if multiplier <= 0 {
		multiplier = 1
	}

	delay := float64(p.BaseDelay) * math.Pow(multiplier, float64(n))
	if p.MaxDelay > 0 && delay > float64(p.MaxDelay) {
		delay = float64(p.MaxDelay)
	}

	if p.Jitter {
		jitterRange := delay * 0.1
		delay += (rand.Float64() - 0.5) * 2 * jitterRange
		if delay < 0 {
			delay = float64(p.BaseDelay)
		}
	}

	return time.Duration(delay)
}
