// Package poll runs bounded status polls. Every wait in the service (power
// transitions, agent registration) goes through Until so that each one has an
// explicit attempt or time ceiling and observes context cancellation between
// attempts.
package poll

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/developingchet/bastion-access/internal/metrics"
	"github.com/sethvargo/go-retry"
)

// ErrExhausted is returned when the condition never became true within the
// policy's bounds.
var ErrExhausted = errors.New("poll exhausted")

// errNotYet marks an attempt whose condition was false.
var errNotYet = errors.New("condition not met")

// Policy bounds a poll. At least one of MaxAttempts or Timeout must be set.
type Policy struct {
	Interval    time.Duration
	MaxAttempts uint64        // 0 means no attempt ceiling
	Timeout     time.Duration // 0 means no time ceiling
}

// Validate reports a policy that could spin forever or panic the backoff.
func (p Policy) Validate() error {
	if p.Interval <= 0 {
		return fmt.Errorf("poll interval must be positive, got %s", p.Interval)
	}
	if p.MaxAttempts == 0 && p.Timeout <= 0 {
		return errors.New("poll policy needs max attempts or a timeout")
	}
	return nil
}

// Condition reports whether the awaited state has been reached. A non-nil
// error ends the poll immediately.
type Condition func(ctx context.Context) (bool, error)

// Until evaluates cond at p.Interval until it returns true, returns an error,
// or the policy is exhausted. The first evaluation happens immediately.
// phase labels the attempt metric. Returns the number of attempts made.
func Until(ctx context.Context, phase string, p Policy, cond Condition) (int, error) {
	if err := p.Validate(); err != nil {
		return 0, err
	}

	b := retry.NewConstant(p.Interval)
	if p.MaxAttempts > 0 {
		b = retry.WithMaxRetries(p.MaxAttempts-1, b)
	}
	if p.Timeout > 0 {
		b = retry.WithMaxDuration(p.Timeout, b)
	}

	attempts := 0
	err := retry.Do(ctx, b, func(ctx context.Context) error {
		attempts++
		metrics.PollAttempts.WithLabelValues(phase).Inc()
		ok, err := cond(ctx)
		if err != nil {
			return err
		}
		if !ok {
			return retry.RetryableError(errNotYet)
		}
		return nil
	})
	switch {
	case err == nil:
		return attempts, nil
	case errors.Is(err, errNotYet):
		return attempts, fmt.Errorf("%w: %s after %d attempts", ErrExhausted, phase, attempts)
	default:
		return attempts, err
	}
}
