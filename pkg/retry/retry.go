// Package retry runs an operation a bounded number of times with
// exponential backoff between attempts.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrExhausted is wrapped by the error Do returns when every attempt failed.
var ErrExhausted = errors.New("retry attempts exhausted")

// Policy bounds a retry loop.
type Policy struct {
	MaxAttempts int
	// InitialBackoff is the wait after the first failure. Each later wait is
	// multiplied by Multiplier and capped at MaxBackoff.
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Multiplier     float64
}

// DefaultPolicy mirrors the old "try five times, two seconds apart" loop with
// backoff on top.
var DefaultPolicy = Policy{
	MaxAttempts:    5,
	InitialBackoff: 2 * time.Second,
	MaxBackoff:     30 * time.Second,
	Multiplier:     2,
}

// ExhaustedError carries the attempt count and the last failure.
type ExhaustedError struct {
	Attempts int
	Last     error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("%v after %d attempts: %v", ErrExhausted, e.Attempts, e.Last)
}

func (e *ExhaustedError) Unwrap() []error {
	return []error{ErrExhausted, e.Last}
}

// Do calls op until it succeeds, the attempts run out or ctx is done.
// onRetry, if set, is told about every failed attempt that will be retried.
func (p Policy) Do(ctx context.Context, op func(ctx context.Context) error, onRetry func(attempt int, err error, wait time.Duration)) error {
	attempts := p.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}
	wait := p.InitialBackoff

	var last error
	for attempt := 1; attempt <= attempts; attempt++ {
		last = op(ctx)
		if last == nil {
			return nil
		}
		if attempt == attempts {
			break
		}

		if onRetry != nil {
			onRetry(attempt, last, wait)
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("%w: %v", ctx.Err(), last)
		case <-timer.C:
		}
		wait = p.next(wait)
	}
	return &ExhaustedError{Attempts: attempts, Last: last}
}

func (p Policy) next(wait time.Duration) time.Duration {
	mult := p.Multiplier
	if mult < 1 {
		mult = 1
	}
	wait = time.Duration(float64(wait) * mult)
	if p.MaxBackoff > 0 && wait > p.MaxBackoff {
		wait = p.MaxBackoff
	}
	return wait
}
