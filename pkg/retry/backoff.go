package retry

import (
	"math"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// exponential builds the growing-wait schedule used by source reconnects
// and kafka message handling. maxElapsed <= 0 means no overall deadline.
func exponential(initial, maxInterval, maxElapsed time.Duration, multiplier float64) backoff.BackOff {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = initial
	exp.MaxInterval = maxInterval
	exp.Multiplier = multiplier
	exp.MaxElapsedTime = 0
	if maxElapsed > 0 {
		exp.MaxElapsedTime = maxElapsed
	}
	return exp
}

// delayForAttempt mirrors the wait the schedule will take after the given
// attempt, so retry callbacks can log the upcoming delay.
func delayForAttempt(attempt int, initial time.Duration, multiplier float64, maxInterval time.Duration) time.Duration {
	d := float64(initial) * math.Pow(multiplier, float64(attempt))
	if d > float64(maxInterval) {
		return maxInterval
	}
	return time.Duration(d)
}
