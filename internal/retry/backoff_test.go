package retry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLadderDelayStaysWithinJitterBounds(t *testing.T) {
	ladder := Ladder{time.Minute, 5 * time.Minute, 30 * time.Minute, 2 * time.Hour}

	cases := []struct {
		attempt int
		base    time.Duration
	}{
		{1, time.Minute},
		{2, 5 * time.Minute},
		{3, 30 * time.Minute},
		{4, 2 * time.Hour},
		{5, 2 * time.Hour},  // past the last rung it repeats
		{12, 2 * time.Hour},
		{0, time.Minute},
	}
	for _, tc := range cases {
		for i := 0; i < 50; i++ {
			d := ladder.Delay(tc.attempt)
			lo := time.Duration(float64(tc.base) * (1 - jitterFraction))
			hi := time.Duration(float64(tc.base) * (1 + jitterFraction))
			assert.GreaterOrEqual(t, d, lo, "attempt %d", tc.attempt)
			assert.LessOrEqual(t, d, hi, "attempt %d", tc.attempt)
		}
	}
}

func TestLadderDelayEmpty(t *testing.T) {
	assert.Equal(t, time.Duration(0), Ladder{}.Delay(1))
}

func TestNextCollectionSchedule(t *testing.T) {
	now := time.Date(2024, 3, 15, 12, 0, 0, 0, time.UTC)
	day := 24 * time.Hour

	cases := []struct {
		attempt int
		want    time.Duration
		ok      bool
	}{
		{1, 1 * day, true},
		{2, 3 * day, true},
		{3, 7 * day, true},
		{4, 7 * day, true},
		{5, 0, false}, // budget spent
		{9, 0, false},
	}
	for _, tc := range cases {
		next, ok := NextCollection(DefaultScheduleDays, DefaultPaymentMaxAttempts, tc.attempt, now)
		assert.Equal(t, tc.ok, ok, "attempt %d", tc.attempt)
		if tc.ok {
			assert.Equal(t, now.Add(tc.want), next, "attempt %d", tc.attempt)
		}
	}
}
