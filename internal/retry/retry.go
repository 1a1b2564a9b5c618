// Package retry provides the one backoff policy shared by the layers
// that talk to the remote APIs, so transient-failure handling is not
// scattered as ad hoc loops.
package retry

import (
	"context"
	"math/rand"
	"time"

	"github.com/pkg/errors"
)

// Policy describes bounded exponential backoff with jitter.
type Policy struct {
	// MaxAttempts bounds the total number of tries, including the
	// first.  Values below 1 behave as 1.
	MaxAttempts int

	// BaseDelay is the sleep before the second attempt; each
	// further attempt doubles it, capped at MaxDelay.
	BaseDelay time.Duration
	MaxDelay  time.Duration

	// Jitter is the fraction of the computed delay randomized
	// away, in [0, 1].  0.2 means the actual sleep is uniform in
	// [0.8*d, d].
	Jitter float64

	// rand source hook for tests.
	randFloat func() float64
}

// Default is tuned for the Gmail API: five tries spread over roughly
// half a minute.
var Default = Policy{
	MaxAttempts: 5,
	BaseDelay:   500 * time.Millisecond,
	MaxDelay:    16 * time.Second,
	Jitter:      0.25,
}

// ExhaustedError reports that every attempt allowed by the policy
// failed with a retryable error.  The last error is retained.
type ExhaustedError struct {
	Attempts int
	Err      error
}

func (e *ExhaustedError) Error() string {
	return errors.Wrapf(e.Err, "gave up after %d attempts", e.Attempts).Error()
}

func (e *ExhaustedError) Unwrap() error { return e.Err }

// Cause satisfies the pkg/errors causer convention.
func (e *ExhaustedError) Cause() error { return e.Err }

// IsExhausted reports whether err is an exhausted-retries error.
func IsExhausted(err error) bool {
	var exhausted *ExhaustedError
	return errors.As(err, &exhausted)
}

// Delay returns the sleep preceding the given attempt (attempt 1 is
// the first retry).
func (p Policy) Delay(attempt int) time.Duration {
	d := p.BaseDelay
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= p.MaxDelay {
			d = p.MaxDelay
			break
		}
	}
	if d > p.MaxDelay {
		d = p.MaxDelay
	}
	if p.Jitter > 0 {
		f := p.randFloat
		if f == nil {
			f = rand.Float64
		}
		d = time.Duration(float64(d) * (1 - p.Jitter*f()))
	}
	return d
}

// Do runs op until it succeeds, fails with a non-retryable error, or
// the policy's attempts run out.  retryable classifies errors; a nil
// classifier retries everything.  Context cancellation stops the loop
// immediately and is never wrapped as exhaustion.
func (p Policy) Do(ctx context.Context, retryable func(error) bool, op func(ctx context.Context) error) error {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	var last error
	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		last = op(ctx)
		if last == nil {
			return nil
		}
		if errors.Is(last, context.Canceled) || errors.Is(last, context.DeadlineExceeded) {
			return last
		}
		if retryable != nil && !retryable(last) {
			return last
		}
		if attempt == attempts {
			return &ExhaustedError{Attempts: attempts, Err: last}
		}
		t := time.NewTimer(p.Delay(attempt))
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
}
