// Package retry implements the bounded exponential-backoff retry
// controller the commit engine wraps every coordinator-touching phase
// in. Unlike a fixed-interval loop hard-coded to one call site, this is
// an explicit attempt iterator: the caller's attempt function returns a
// three-way Verdict and decides for itself what "done" or "fatal" means
// for its own phase.
package retry

import (
	"context"
	"fmt"
	"time"

	"github.com/devrev/coldb/internal/errors"
)

// Verdict is the three-way outcome an attempt function reports.
type Verdict int

const (
	// Done means the attempt succeeded; stop retrying.
	Done Verdict = iota
	// Retry means a hardware fault occurred; try again if attempts remain.
	Retry
	// Fatal means a user or logical error occurred; stop retrying
	// immediately regardless of remaining attempts.
	Fatal
)

// Policy configures backoff bounds and the attempt budget.
type Policy struct {
	MaxAttempts     int
	InitialBackoff  time.Duration
	MaxBackoff      time.Duration
	// AfterLastFailure runs once, after the final failed attempt, before
	// Run returns its error. Used to enqueue a part for the background
	// consistency checker (the caller-must-retry-externally case).
	AfterLastFailure func(lastErr error)
}

// Attempt is called once per try. i is the zero-based attempt index;
// isLast is true on the final attempt this policy allows. The returned
// error is surfaced to the caller of Run only if the verdict is not
// Done.
type Attempt func(i int, isLast bool) (Verdict, error)

// Run drives attempt according to policy until it reports Done or
// Fatal, attempts are exhausted, or ctx is cancelled.
func Run(ctx context.Context, policy Policy, attempt Attempt) error {
	maxAttempts := policy.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 1
	}

	backoff := policy.InitialBackoff
	if backoff <= 0 {
		backoff = 100 * time.Millisecond
	}
	maxBackoff := policy.MaxBackoff
	if maxBackoff <= 0 {
		maxBackoff = 5 * time.Second
	}

	var lastErr error
	for i := 0; i < maxAttempts; i++ {
		isLast := i == maxAttempts-1

		verdict, err := attempt(i, isLast)
		switch verdict {
		case Done:
			return nil
		case Fatal:
			return err
		case Retry:
			lastErr = err
			if isLast {
				if policy.AfterLastFailure != nil {
					policy.AfterLastFailure(err)
				}
				return err
			}
			select {
			case <-ctx.Done():
				return fmt.Errorf("retry: context cancelled after attempt %d: %w", i, ctx.Err())
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
		default:
			return errors.LogicErrorf("retry: attempt returned unknown verdict %d", verdict)
		}
	}
	return lastErr
}

// VerdictFor classifies err using *errors.SinkError.Kind() into the
// Verdict the retry controller should act on. Non-SinkError errors are
// treated as logical (fatal) since they represent a programming defect
// in this codebase, not a coordinator fault.
func VerdictFor(err error) Verdict {
	if err == nil {
		return Done
	}
	se, ok := err.(*errors.SinkError)
	if !ok {
		return Fatal
	}
	if se.Retryable() {
		return Retry
	}
	return Fatal
}
