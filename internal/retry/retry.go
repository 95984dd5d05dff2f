// Package retry runs operations under bounded exponential backoff with jitter.
// Only transient errors are retried; anything else stops the loop at once.
package retry

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/rohankatakam/retailgraph/internal/errors"
)

// Policy bounds a retry loop
type Policy struct {
	MaxAttempts int           `mapstructure:"max_attempts" yaml:"max_attempts"`
	Initial     time.Duration `mapstructure:"initial" yaml:"initial"`
	Max         time.Duration `mapstructure:"max" yaml:"max"`
}

// DefaultPolicy allows 5 attempts, 1s doubling to 32s
func DefaultPolicy() Policy {
	return Policy{MaxAttempts: 5, Initial: time.Second, Max: 32 * time.Second}
}

// NewBackOff returns a fresh schedule for one retry loop. NextBackOff returns
// backoff.Stop once MaxAttempts-1 delays have been handed out.
func (p Policy) NewBackOff() backoff.BackOff {
	b := p.NewUnbounded()
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	return backoff.WithMaxRetries(b, uint64(attempts-1))
}

// NewUnbounded returns the same delay schedule without an attempt limit, for
// loops that only stop on cancellation
func (p Policy) NewUnbounded() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	if p.Initial > 0 {
		b.InitialInterval = p.Initial
	}
	if p.Max > 0 {
		b.MaxInterval = p.Max
	}
	b.Multiplier = 2
	b.RandomizationFactor = 0.5
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// Do calls op until it succeeds, returns a non-transient error, the attempts
// run out or ctx ends. notify, if set, sees every error that will be retried.
func Do(ctx context.Context, p Policy, op func(ctx context.Context) error, notify func(err error, wait time.Duration)) error {
	b := backoff.WithContext(p.NewBackOff(), ctx)

	return backoff.RetryNotify(func() error {
		err := op(ctx)
		if err != nil && !errors.IsTransient(err) {
			return backoff.Permanent(err)
		}
		return err
	}, b, notify)
}

// Sleep waits for d or until ctx ends
func Sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
