package utils

import (
	"context"
	"fmt"
	"time"
)

// RetryPolicy is handed to every network operation that may be retried.
// Attempts are 1-based; Delay(n) is the wait after the n-th failure.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	Multiplier  float64
	MaxDelay    time.Duration
	// Sleep replaces the timer, mostly for tests.
	Sleep func(ctx context.Context, d time.Duration) error
}

var DefaultRetryPolicy = RetryPolicy{
	MaxAttempts: 5,
	BaseDelay:   500 * time.Millisecond,
	Multiplier:  2,
	MaxDelay:    30 * time.Second,
}

func (p RetryPolicy) attempts() int {
	if p.MaxAttempts <= 0 {
		return 1
	}
	return p.MaxAttempts
}

func (p RetryPolicy) Delay(failure int) time.Duration {
	if failure < 1 {
		failure = 1
	}
	mult := p.Multiplier
	if mult < 1 {
		mult = 1
	}
	d := float64(p.BaseDelay)
	for i := 1; i < failure; i++ {
		d *= mult
		if p.MaxDelay > 0 && d >= float64(p.MaxDelay) {
			return p.MaxDelay
		}
	}
	if p.MaxDelay > 0 && time.Duration(d) > p.MaxDelay {
		return p.MaxDelay
	}
	return time.Duration(d)
}

// Wait blocks for the backoff after the given failure count or until ctx ends.
func (p RetryPolicy) Wait(ctx context.Context, failure int) error {
	d := p.Delay(failure)
	if p.Sleep != nil {
		return p.Sleep(ctx, d)
	}
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Do runs fn until it succeeds, returns a non-transient error, or the
// attempt ceiling is reached.
func (p RetryPolicy) Do(ctx context.Context, fn func(attempt int) error) error {
	max := p.attempts()
	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		err := fn(attempt)
		if err == nil {
			return nil
		}
		if !IsTransient(err) {
			return err
		}
		if attempt >= max {
			return fmt.Errorf("giving up after %d attempts: %w", attempt, Permanent(err))
		}
		if werr := p.Wait(ctx, attempt); werr != nil {
			return werr
		}
	}
}

// NoSleep is a Sleep func that only honours cancellation.
func NoSleep(ctx context.Context, _ time.Duration) error {
	return ctx.Err()
}
