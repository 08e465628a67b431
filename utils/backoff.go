package utils

import (
	"time"

	"github.com/cenkalti/backoff/v4"
)

// NewExponentialBackoff builds the backoff policy driving reconnection
// delays. MaxElapsedTime is disabled: the retry ceiling is an attempt count
// owned by the caller, not wall time.
func NewExponentialBackoff(initial, max time.Duration, multiplier, jitter float64) *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = initial
	b.MaxInterval = max
	b.MaxElapsedTime = 0
	b.Multiplier = multiplier
	b.RandomizationFactor = jitter
	b.Reset()
	return b
}
