// Package backoff is the single retry helper used for ledger contention and
// transient failures. It wraps cenkalti/backoff with the bounded,
// jittered exponential policy the pipeline configures.
package backoff

import (
	"context"
	"errors"
	"time"

	cbackoff "github.com/cenkalti/backoff/v5"

	"stemdeck/internal/config"
)

// Policy describes a bounded exponential backoff with jitter.
type Policy struct {
	Base     time.Duration
	Max      time.Duration
	Attempts int
	// Jitter is the randomization factor in [0,1]; 0.5 spreads each delay
	// across ±50% of its nominal value.
	Jitter float64
}

// FromConfig builds the reservation contention policy.
func FromConfig(cfg config.Reservation) Policy {
	return Policy{
		Base:     time.Duration(cfg.BackoffBaseMillis) * time.Millisecond,
		Max:      time.Duration(cfg.BackoffMaxMillis) * time.Millisecond,
		Attempts: cfg.Attempts,
		Jitter:   cfg.Jitter,
	}
}

func (p Policy) normalized() Policy {
	if p.Base <= 0 {
		p.Base = 100 * time.Millisecond
	}
	if p.Max < p.Base {
		p.Max = p.Base
	}
	if p.Attempts <= 0 {
		p.Attempts = 1
	}
	if p.Jitter < 0 {
		p.Jitter = 0
	}
	if p.Jitter > 1 {
		p.Jitter = 1
	}
	return p
}

func (p Policy) exponential() *cbackoff.ExponentialBackOff {
	p = p.normalized()
	b := cbackoff.NewExponentialBackOff()
	b.InitialInterval = p.Base
	b.MaxInterval = p.Max
	b.Multiplier = 2
	b.RandomizationFactor = p.Jitter
	b.Reset()
	return b
}

// Delays returns the nominal (unjittered) delay schedule between attempts.
func (p Policy) Delays() []time.Duration {
	p = p.normalized()
	out := make([]time.Duration, 0, p.Attempts-1)
	d := p.Base
	for i := 1; i < p.Attempts; i++ {
		out = append(out, d)
		d *= 2
		if d > p.Max {
			d = p.Max
		}
	}
	return out
}

// ErrRetry marks an outcome that should be attempted again without being a
// failure in itself, such as another job holding a reservation.
var ErrRetry = errors.New("retry")

// Permanent stops retrying and returns err unchanged.
func Permanent(err error) error {
	return cbackoff.Permanent(err)
}

// Retry runs op up to p.Attempts times, sleeping between attempts. A nil
// error or one wrapped with Permanent stops immediately. onRetry, when set,
// observes each failed attempt and the delay before the next one.
func Retry[T any](ctx context.Context, p Policy, op func(attempt int) (T, error), onRetry func(err error, next time.Duration)) (T, error) {
	p = p.normalized()
	attempt := 0
	opts := []cbackoff.RetryOption{
		cbackoff.WithBackOff(p.exponential()),
		cbackoff.WithMaxTries(uint(p.Attempts)),
		cbackoff.WithMaxElapsedTime(0),
	}
	if onRetry != nil {
		opts = append(opts, cbackoff.WithNotify(cbackoff.Notify(onRetry)))
	}
	res, err := cbackoff.Retry(ctx, func() (T, error) {
		attempt++
		return op(attempt)
	}, opts...)
	var perm *cbackoff.PermanentError
	if errors.As(err, &perm) {
		err = perm.Unwrap()
	}
	return res, err
}
