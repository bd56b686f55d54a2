// Package quota holds the per-account budget and cooldown arithmetic. The
// tracker never locks: callers (the pool authority) serialize access to the
// account they pass in.
package quota

import (
	"time"

	"github.com/ternarybob/sessionpool/internal/common"
	"github.com/ternarybob/sessionpool/internal/models"
)

// Transition reasons
const (
	ReasonConsecutiveFailures = "consecutive_failures"
	ReasonRateLimited         = "rate_limited"
	ReasonCooldownExpired     = "cooldown_expired"
)

// Limits are the pool-wide knobs of the arithmetic
type Limits struct {
	MaxConsecutiveFailures int
	ErrorRecoveryCooldown  time.Duration
	RateLimitCooldown      time.Duration
}

// LimitsFromConfig maps the pool config section to Limits
func LimitsFromConfig(cfg common.PoolConfig) Limits {
	return Limits{
		MaxConsecutiveFailures: cfg.MaxConsecutiveFailures,
		ErrorRecoveryCooldown:  cfg.ErrorRecoveryCooldown(),
		RateLimitCooldown:      cfg.RateLimitCooldown(),
	}
}

// Transition describes a status change made by the tracker
type Transition struct {
	From   models.AccountStatus
	To     models.AccountStatus
	Reason string
}

// Changed reports whether the status actually moved
func (t Transition) Changed() bool {
	return t.From != t.To
}

// Tracker applies usage and failure signals to accounts
type Tracker struct {
	limits Limits
}

// NewTracker creates a tracker with the given limits
func NewTracker(limits Limits) *Tracker {
	if limits.MaxConsecutiveFailures <= 0 {
		limits.MaxConsecutiveFailures = 5
	}
	if limits.ErrorRecoveryCooldown <= 0 {
		limits.ErrorRecoveryCooldown = 60 * time.Minute
	}
	if limits.RateLimitCooldown <= 0 {
		limits.RateLimitCooldown = 24 * time.Hour
	}
	return &Tracker{limits: limits}
}

// Limits returns the effective limits
func (t *Tracker) Limits() Limits {
	return t.limits
}

// Rollover resets the daily counter when now falls on a later UTC day than
// the account's window. Returns true only when a reset happened, so repeated
// calls within the same day are no-ops.
func (t *Tracker) Rollover(a *models.Account, now time.Time) bool {
	today := models.UTCDay(now)
	if !today.After(a.DailyWindowStart) {
		return false
	}
	a.DailyRequestCount = 0
	a.DailyWindowStart = today
	return true
}

// CanConsume reports whether the account may serve one more request now:
// ACTIVE, spacing since the last use respected, and budget left for today.
func (t *Tracker) CanConsume(a *models.Account, now time.Time) bool {
	t.Rollover(a, now)

	if a.Status != models.AccountStatusActive {
		return false
	}
	if !a.LastUsedAt.IsZero() && now.Before(a.LastUsedAt.Add(a.MinDelay())) {
		return false
	}
	return a.DailyRequestCount < a.DailyRequestLimit
}

// RecordUse applies the outcome of one use. The daily counter is clamped at
// the limit so it can never exceed it.
func (t *Tracker) RecordUse(a *models.Account, outcome models.Outcome, now time.Time) Transition {
	t.Rollover(a, now)

	if a.DailyRequestCount < a.DailyRequestLimit {
		a.DailyRequestCount++
	}
	a.UpdatedAt = now

	switch outcome {
	case models.OutcomeSuccess:
		a.ConsecutiveFailures = 0
		a.LastUsedAt = now
		return Transition{From: a.Status, To: a.Status}
	case models.OutcomeRateLimited:
		return t.RecordRateLimitSignal(a, now)
	default:
		return t.recordFailure(a, now)
	}
}

// RecordRateLimitSignal puts the account into the long cooldown on a single
// explicit block/challenge signal, whatever the failure streak.
func (t *Tracker) RecordRateLimitSignal(a *models.Account, now time.Time) Transition {
	from := a.Status
	if from == models.AccountStatusBlocked {
		return Transition{From: from, To: from}
	}
	a.Status = models.AccountStatusCooldown
	a.CooldownUntil = now.Add(t.limits.RateLimitCooldown)
	a.UpdatedAt = now
	return Transition{From: from, To: a.Status, Reason: ReasonRateLimited}
}

// RecordValidationError counts an inconclusive validation toward the failure
// streak without downgrading the account on its own.
func (t *Tracker) RecordValidationError(a *models.Account, now time.Time) Transition {
	return t.recordFailure(a, now)
}

// RecordSuccess clears the failure streak (successful validation)
func (t *Tracker) RecordSuccess(a *models.Account, now time.Time) {
	a.ConsecutiveFailures = 0
	a.UpdatedAt = now
}

func (t *Tracker) recordFailure(a *models.Account, now time.Time) Transition {
	from := a.Status
	a.ConsecutiveFailures++
	a.UpdatedAt = now

	if from == models.AccountStatusActive && a.ConsecutiveFailures >= t.limits.MaxConsecutiveFailures {
		a.Status = models.AccountStatusCooldown
		a.CooldownUntil = now.Add(t.limits.ErrorRecoveryCooldown)
		return Transition{From: from, To: a.Status, Reason: ReasonConsecutiveFailures}
	}
	return Transition{From: from, To: from}
}

// ExpireCooldown returns a cooled-down account to ACTIVE once its cooldown
// has elapsed. The account must be revalidated before it is leased again.
func (t *Tracker) ExpireCooldown(a *models.Account, now time.Time) Transition {
	from := a.Status
	if from != models.AccountStatusCooldown || now.Before(a.CooldownUntil) {
		return Transition{From: from, To: from}
	}
	a.Status = models.AccountStatusActive
	a.CooldownUntil = time.Time{}
	a.NeedsRevalidation = true
	a.UpdatedAt = now
	return Transition{From: from, To: a.Status, Reason: ReasonCooldownExpired}
}
