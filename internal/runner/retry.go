package runner

import (
	"time"

	"github.com/cenkalti/backoff/v4"
)

const (
	DefaultMaxRetries  = 3
	DefaultBaseBackoff = time.Second
	DefaultMaxBackoff  = 60 * time.Second
)

// RetryPolicy governs re-attempts of a failed unit. MaxRetries is the total
// number of attempts a unit gets; zero or less means a single attempt.
type RetryPolicy struct {
	MaxRetries int
	Base       time.Duration
	Cap        time.Duration
}

// RetryState tracks one unit after its first failure.
type RetryState struct {
	Attempts    int
	MaxRetries  int
	NextRetryAt time.Time

	b *backoff.ExponentialBackOff
}

func (p RetryPolicy) NewState() *RetryState {
	base, ceil := p.Base, p.Cap
	if base <= 0 {
		base = DefaultBaseBackoff
	}
	if ceil < base {
		ceil = base
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = base
	b.MaxInterval = ceil
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	b.Reset()
	return &RetryState{MaxRetries: p.MaxRetries, b: b}
}

// Fail records a failed attempt. It returns the delay before the next
// attempt, or false once the unit has used all its attempts. Delays double
// from Base up to Cap.
func (s *RetryState) Fail(now time.Time) (time.Duration, bool) {
	s.Attempts++
	if s.Attempts >= max(s.MaxRetries, 1) {
		s.NextRetryAt = time.Time{}
		return 0, false
	}
	d := s.b.NextBackOff()
	s.NextRetryAt = now.Add(d)
	return d, true
}
