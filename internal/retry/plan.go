// Package retry collapses the two nested retry loops the distillation
// describes (backend-call retries inside submit retries) into one policy
// object: a fixed-interval retry plan (a cenkalti/backoff/v4
// ConstantBackOff) whose classifier can pick a different delay per error
// class, per spec.md §9's design note. It replaces the teacher's own
// exponential DelayForAttempt helper (internal/attractor/engine/backoff.go)
// for the cases this domain needs fixed, not exponential, delays.
package retry

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Classifier reports whether err should be retried and, if so, how long to
// wait before the next attempt overrides the plan's default interval (zero
// means "use the plan's Interval").
type Classifier func(err error) (retryable bool, after time.Duration)

// Plan runs an operation under a tagged retry policy: a default fixed
// interval (expressed internally as a cenkalti/backoff/v4 ConstantBackOff)
// up to MaxAttempts total tries, with each error class allowed to request
// its own wait via Classify — e.g. a 429 waits 5s while a 5xx waits 3s,
// even though both share the same plan and attempt budget.
type Plan struct {
	Interval    time.Duration
	MaxAttempts int
	Classify    Classifier
}

// Run executes fn, retrying per the plan until it succeeds, the
// classifier declares the error non-retryable, MaxAttempts is exhausted,
// or ctx is done. It returns the last error from fn, or ctx.Err() if ctx
// is done while waiting between attempts.
func (p Plan) Run(ctx context.Context, fn func() error) error {
	bo := backoff.NewConstantBackOff(p.Interval)

	var lastErr error
	attempts := p.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}
	for attempt := 1; attempt <= attempts; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}
		lastErr = err

		retryable, after := true, bo.NextBackOff()
		if p.Classify != nil {
			retryable, after = p.Classify(err)
			if after <= 0 {
				after = bo.NextBackOff()
			}
		}
		if !retryable || attempt == attempts {
			return lastErr
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(after):
		}
	}
	return lastErr
}
