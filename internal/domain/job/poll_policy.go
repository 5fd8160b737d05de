// Package job holds the polling rules used by queue consumers.
package job

import (
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// ErrInvalidPollPolicy indicates a policy with non-positive or inverted durations.
var ErrInvalidPollPolicy = errors.New("poll policy durations must be positive and idle min <= idle max")

// PollPolicy bounds how long a consumer waits for a message and how long it
// sleeps after coming back empty-handed.
type PollPolicy struct {
	wait    time.Duration
	idleMin time.Duration
	idleMax time.Duration
}

// NewPollPolicy constructs a PollPolicy. The idle sleep starts at idleMin,
// doubles after each consecutive empty receive and is capped at idleMax.
func NewPollPolicy(wait, idleMin, idleMax time.Duration) (*PollPolicy, error) {
	if wait <= 0 || idleMin <= 0 || idleMax < idleMin {
		return nil, ErrInvalidPollPolicy
	}
	return &PollPolicy{wait: wait, idleMin: idleMin, idleMax: idleMax}, nil
}

// Wait returns the receive wait budget.
func (p *PollPolicy) Wait() time.Duration {
	if p == nil {
		return 0
	}
	return p.wait
}

// NewBackoff returns fresh idle backoff state. Each consumer loop owns one.
func (p *PollPolicy) NewBackoff() *IdleBackoff {
	if p == nil {
		return &IdleBackoff{}
	}
	exp := backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(p.idleMin),
		backoff.WithMaxInterval(p.idleMax),
		backoff.WithMultiplier(2),
		backoff.WithRandomizationFactor(0),
		backoff.WithMaxElapsedTime(0),
	)
	return &IdleBackoff{exp: exp}
}

// IdleBackoff tracks consecutive empty receives for a single loop. Not safe for concurrent use.
type IdleBackoff struct {
	exp    *backoff.ExponentialBackOff
	misses int
}

// Next records an empty receive and returns how long to sleep.
func (b *IdleBackoff) Next() time.Duration {
	if b == nil || b.exp == nil {
		return 0
	}
	b.misses++
	return b.exp.NextBackOff()
}

// Reset clears the miss count after a delivery.
func (b *IdleBackoff) Reset() {
	if b == nil {
		return
	}
	b.misses = 0
	if b.exp != nil {
		b.exp.Reset()
	}
}

// Misses returns the number of consecutive empty receives.
func (b *IdleBackoff) Misses() int {
	if b == nil {
		return 0
	}
	return b.misses
}
