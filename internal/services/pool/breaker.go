package pool

import (
	"fmt"
	"time"

	"github.com/ternarybob/sessionpool/internal/common"
)

// BreakerSettings configures the pool-wide circuit breaker
type BreakerSettings struct {
	Threshold  float64
	Window     time.Duration
	MinSamples int
}

// BreakerSettingsFromConfig maps the breaker config section
func BreakerSettingsFromConfig(cfg common.BreakerConfig) BreakerSettings {
	return BreakerSettings{
		Threshold:  cfg.FailureRateThreshold,
		Window:     common.MustDuration(cfg.Window, 15*time.Minute),
		MinSamples: cfg.MinSamples,
	}
}

type sample struct {
	at     time.Time
	failed bool
}

// rollingWindow keeps outcomes younger than span, oldest first
type rollingWindow struct {
	span    time.Duration
	samples []sample
}

func (w *rollingWindow) add(at time.Time, failed bool) {
	w.samples = append(w.samples, sample{at: at, failed: failed})
}

func (w *rollingWindow) prune(now time.Time) {
	cutoff := now.Add(-w.span)
	i := 0
	for i < len(w.samples) && !w.samples[i].at.After(cutoff) {
		i++
	}
	if i > 0 {
		w.samples = append(w.samples[:0], w.samples[i:]...)
	}
}

// rate returns the failure share and the sample count
func (w *rollingWindow) rate(now time.Time) (float64, int) {
	w.prune(now)
	if len(w.samples) == 0 {
		return 0, 0
	}
	failed := 0
	for _, s := range w.samples {
		if s.failed {
			failed++
		}
	}
	return float64(failed) / float64(len(w.samples)), len(w.samples)
}

func (w *rollingWindow) reset() {
	w.samples = nil
}

// Breaker pauses all allocation when either the validation or the use
// failure rate exceeds the threshold. The two windows are independent.
// Not safe for concurrent use; the pool serializes access.
type Breaker struct {
	settings    BreakerSettings
	validations rollingWindow
	uses        rollingWindow

	paused   bool
	manual   bool
	reason   string
	pausedAt time.Time
}

// NewBreaker creates a breaker, filling unset settings with defaults
func NewBreaker(settings BreakerSettings) *Breaker {
	if settings.Threshold <= 0 || settings.Threshold > 1 {
		settings.Threshold = 0.5
	}
	if settings.Window <= 0 {
		settings.Window = 15 * time.Minute
	}
	if settings.MinSamples <= 0 {
		settings.MinSamples = 10
	}
	return &Breaker{
		settings:    settings,
		validations: rollingWindow{span: settings.Window},
		uses:        rollingWindow{span: settings.Window},
	}
}

// RecordValidation adds one validation outcome
func (b *Breaker) RecordValidation(now time.Time, failed bool) {
	b.validations.add(now, failed)
}

// RecordUse adds one use outcome
func (b *Breaker) RecordUse(now time.Time, failed bool) {
	b.uses.add(now, failed)
}

// Rates returns the current validation and use failure rates
func (b *Breaker) Rates(now time.Time) (validation, use float64) {
	validation, _ = b.validations.rate(now)
	use, _ = b.uses.rate(now)
	return validation, use
}

// Recompute trips or clears the breaker from the windows. A manual pause is
// only lifted by Reset. Returns true when the paused flag changed.
func (b *Breaker) Recompute(now time.Time) bool {
	if b.manual {
		return false
	}

	vRate, vCount := b.validations.rate(now)
	uRate, uCount := b.uses.rate(now)

	var reason string
	switch {
	case vCount >= b.settings.MinSamples && vRate > b.settings.Threshold:
		reason = fmt.Sprintf("validation failure rate %.0f%% over %d samples", vRate*100, vCount)
	case uCount >= b.settings.MinSamples && uRate > b.settings.Threshold:
		reason = fmt.Sprintf("use failure rate %.0f%% over %d samples", uRate*100, uCount)
	}

	if reason != "" {
		b.reason = reason
		if b.paused {
			return false
		}
		b.paused = true
		b.pausedAt = now
		return true
	}

	if !b.paused {
		return false
	}
	b.paused = false
	b.reason = ""
	b.pausedAt = time.Time{}
	return true
}

// Pause trips the breaker by hand. It stays tripped until Reset.
func (b *Breaker) Pause(reason string, now time.Time) bool {
	changed := !b.paused
	b.paused = true
	b.manual = true
	b.reason = reason
	if changed {
		b.pausedAt = now
	}
	return changed
}

// Reset clears the pause and both windows
func (b *Breaker) Reset() bool {
	changed := b.paused
	b.paused = false
	b.manual = false
	b.reason = ""
	b.pausedAt = time.Time{}
	b.validations.reset()
	b.uses.reset()
	return changed
}

// Paused reports whether allocation is paused
func (b *Breaker) Paused() bool {
	return b.paused
}

// Reason returns why the breaker is paused, empty when it is not
func (b *Breaker) Reason() string {
	return b.reason
}

// PausedAt returns when the current pause started
func (b *Breaker) PausedAt() time.Time {
	return b.pausedAt
}
