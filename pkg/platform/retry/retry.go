// Package retry provides an explicit backoff policy value and a loop that
// consumes it. Callers decide per error whether another attempt is worth it.
package retry

import (
	"context"
	"math"
	"time"
)

// Policy describes bounded exponential backoff: the delay before attempt n+1
// is BaseDelay * Multiplier^n, and at most MaxAttempts attempts are made.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	Multiplier  float64
	// MaxDelay caps a single wait. Zero means uncapped.
	MaxDelay time.Duration
}

// Default is three attempts with a doubling delay starting at two seconds.
func Default() Policy {
	return Policy{MaxAttempts: 3, BaseDelay: 2 * time.Second, Multiplier: 2}
}

// Delay returns the wait after the given zero-based attempt has failed.
func (p Policy) Delay(attempt int) time.Duration {
	mult := p.Multiplier
	if mult <= 0 {
		mult = 2
	}
	d := time.Duration(float64(p.BaseDelay) * math.Pow(mult, float64(attempt)))
	if p.MaxDelay > 0 && d > p.MaxDelay {
		return p.MaxDelay
	}
	return d
}

// Attempts returns MaxAttempts, treating non-positive values as one attempt.
func (p Policy) Attempts() int {
	if p.MaxAttempts <= 0 {
		return 1
	}
	return p.MaxAttempts
}

// Sleeper waits for d or until ctx is done.
type Sleeper func(ctx context.Context, d time.Duration) error

// Sleep is the real-time Sleeper.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Do calls fn until it succeeds, the policy is exhausted, or retryable
// reports false for the returned error. fn receives the zero-based attempt.
// It returns the number of attempts made and the last error.
func Do(ctx context.Context, p Policy, sleep Sleeper, retryable func(error) bool, fn func(attempt int) error) (int, error) {
	if sleep == nil {
		sleep = Sleep
	}
	var err error
	limit := p.Attempts()
	for attempt := 0; attempt < limit; attempt++ {
		if err = fn(attempt); err == nil {
			return attempt + 1, nil
		}
		if retryable != nil && !retryable(err) {
			return attempt + 1, err
		}
		if attempt == limit-1 {
			break
		}
		if serr := sleep(ctx, p.Delay(attempt)); serr != nil {
			return attempt + 1, serr
		}
	}
	return limit, err
}
