package pool

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBreaker_NeedsMinSamples(t *testing.T) {
	b := NewBreaker(BreakerSettings{Threshold: 0.5, Window: time.Minute, MinSamples: 4})
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	for i := 0; i < 3; i++ {
		b.RecordUse(now, true)
	}
	assert.False(t, b.Recompute(now))
	assert.False(t, b.Paused())

	b.RecordUse(now, true)
	assert.True(t, b.Recompute(now))
	assert.True(t, b.Paused())
	assert.Contains(t, b.Reason(), "use failure rate")
}

func TestBreaker_WindowsAreIndependent(t *testing.T) {
	b := NewBreaker(BreakerSettings{Threshold: 0.5, Window: time.Minute, MinSamples: 2})
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	// healthy uses do not dilute failing validations
	for i := 0; i < 10; i++ {
		b.RecordUse(now, false)
	}
	b.RecordValidation(now, true)
	b.RecordValidation(now, true)
	b.RecordValidation(now, false)

	assert.True(t, b.Recompute(now))
	validation, use := b.Rates(now)
	assert.InDelta(t, 2.0/3.0, validation, 0.001)
	assert.Equal(t, 0.0, use)
}

func TestBreaker_ThresholdIsExclusive(t *testing.T) {
	b := NewBreaker(BreakerSettings{Threshold: 0.5, Window: time.Minute, MinSamples: 2})
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	b.RecordValidation(now, true)
	b.RecordValidation(now, false)
	assert.False(t, b.Recompute(now))
	assert.False(t, b.Paused())
}

func TestBreaker_RecoversAsSamplesAgeOut(t *testing.T) {
	b := NewBreaker(BreakerSettings{Threshold: 0.5, Window: time.Minute, MinSamples: 2})
	start := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	b.RecordValidation(start, true)
	b.RecordValidation(start, true)
	assert.True(t, b.Recompute(start))

	later := start.Add(30 * time.Second)
	b.RecordValidation(later, false)
	assert.False(t, b.Recompute(later), "still above threshold")
	assert.True(t, b.Paused())

	assert.True(t, b.Recompute(start.Add(61*time.Second)))
	assert.False(t, b.Paused())
	assert.Empty(t, b.Reason())
}

func TestBreaker_ManualPauseAndReset(t *testing.T) {
	b := NewBreaker(BreakerSettings{})
	now := time.Now()

	assert.True(t, b.Pause("operator", now))
	assert.False(t, b.Pause("operator again", now))
	assert.False(t, b.Recompute(now))
	assert.True(t, b.Paused())
	assert.Equal(t, now, b.PausedAt())

	b.RecordUse(now, true)
	assert.True(t, b.Reset())
	assert.False(t, b.Paused())
	_, use := b.Rates(now)
	assert.Equal(t, 0.0, use)
	assert.False(t, b.Reset())
}
