package notify

import (
	"time"

	"github.com/cenkalti/backoff"
)

// doubling yields base, 2*base, 4*base, ... for max steps and then backoff.Stop.
type doubling struct {
	base time.Duration
	max  int
	n    int
}

func (b *doubling) NextBackOff() time.Duration {
	if b.n >= b.max {
		return backoff.Stop
	}
	d := b.base << uint(b.n)
	b.n++
	return d
}

func (b *doubling) Reset() { b.n = 0 }

// newSchedule returns the wait sequence used between delivery attempts. One wait follows every
// failed attempt, so the schedule is exactly attempts long.
func newSchedule(base time.Duration, attempts int, jitter bool) backoff.BackOff {
	if !jitter {
		return &doubling{base: base, max: attempts}
	}

	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = base
	exp.Multiplier = 2
	exp.RandomizationFactor = 0.5
	exp.MaxInterval = base << uint(attempts)
	exp.MaxElapsedTime = 0
	exp.Reset()
	return backoff.WithMaxRetries(exp, uint64(attempts))
}
