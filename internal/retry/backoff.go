// Package retry implements the engine side of the three retry surfaces:
// webhook redelivery, payment collection (dunning) and the shared backoff
// arithmetic. GL posting retries live with the posting queue in glpost.
package retry

import (
	"math/rand"
	"time"
)

// DefaultLadder is the webhook redelivery schedule.
var DefaultLadder = Ladder{time.Minute, 5 * time.Minute, 30 * time.Minute, 2 * time.Hour}

// DefaultMaxAttempts is the webhook attempt budget, first delivery included.
const DefaultMaxAttempts = 5

// jitterFraction spreads retries by up to ±10% so batches do not thunder.
const jitterFraction = 0.10

// Ladder is a sequence of delays indexed by attempt count. Attempts past the
// last rung reuse it.
type Ladder []time.Duration

// Delay returns the jittered delay after the given failed attempt (1-based).
func (l Ladder) Delay(attempt int) time.Duration {
	if len(l) == 0 {
		return 0
	}
	idx := attempt - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(l) {
		idx = len(l) - 1
	}
	return jitter(l[idx])
}

func jitter(d time.Duration) time.Duration {
	if d <= 0 {
		return d
	}
	spread := float64(d) * jitterFraction
	offset := (rand.Float64()*2 - 1) * spread
	return d + time.Duration(offset)
}

// DefaultScheduleDays is the dunning cadence after the initial attempt.
var DefaultScheduleDays = []int{1, 3, 7, 7}

// DefaultPaymentMaxAttempts caps collection attempts per invoice.
const DefaultPaymentMaxAttempts = 5

// NextCollection returns the next dunning attempt time after the given
// failed attempt (1-based), or false when the budget is spent.
func NextCollection(scheduleDays []int, maxAttempts, attempt int, now time.Time) (time.Time, bool) {
	if attempt >= maxAttempts {
		return time.Time{}, false
	}
	idx := attempt - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(scheduleDays) {
		idx = len(scheduleDays) - 1
	}
	return now.Add(time.Duration(scheduleDays[idx]) * 24 * time.Hour), true
}
