package quota

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/sessionpool/internal/models"
)

var testDefaults = models.AccountDefaults{
	DailyRequestLimit: 150,
	MinDelayMs:        30000,
	MaxDelayMs:        90000,
}

func newActiveAccount(now time.Time) *models.Account {
	a := models.NewAccount("acct-1", "Account One", []*models.SessionCookie{{Name: "sid", Value: "x"}}, testDefaults, now)
	a.Status = models.AccountStatusActive
	return a
}

func newTestTracker() *Tracker {
	return NewTracker(Limits{
		MaxConsecutiveFailures: 5,
		ErrorRecoveryCooldown:  60 * time.Minute,
		RateLimitCooldown:      1440 * time.Minute,
	})
}

func TestCanConsume_DailyLimitScenario(t *testing.T) {
	tracker := newTestTracker()
	now := time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)
	a := newActiveAccount(now)

	// 149 successful uses, each spaced past min delay
	for i := 0; i < 149; i++ {
		require.True(t, tracker.CanConsume(a, now), "use %d", i+1)
		tracker.RecordUse(a, models.OutcomeSuccess, now)
		now = now.Add(a.MinDelay())
	}
	assert.Equal(t, 149, a.DailyRequestCount)
	assert.True(t, tracker.CanConsume(a, now))

	tracker.RecordUse(a, models.OutcomeSuccess, now)
	now = now.Add(a.MinDelay())
	assert.Equal(t, 150, a.DailyRequestCount)
	assert.False(t, tracker.CanConsume(a, now))

	// next UTC day
	tomorrow := time.Date(2025, 3, 11, 0, 0, 1, 0, time.UTC)
	assert.True(t, tracker.CanConsume(a, tomorrow))
	assert.Equal(t, 0, a.DailyRequestCount)
}

func TestCanConsume_RespectsMinDelay(t *testing.T) {
	tracker := newTestTracker()
	now := time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)
	a := newActiveAccount(now)

	tracker.RecordUse(a, models.OutcomeSuccess, now)
	assert.False(t, tracker.CanConsume(a, now.Add(29*time.Second)))
	assert.True(t, tracker.CanConsume(a, now.Add(30*time.Second)))
}

func TestCanConsume_RequiresActive(t *testing.T) {
	tracker := newTestTracker()
	now := time.Now()

	for _, status := range []models.AccountStatus{
		models.AccountStatusPending,
		models.AccountStatusInvalid,
		models.AccountStatusBlocked,
		models.AccountStatusCooldown,
	} {
		a := newActiveAccount(now)
		a.Status = status
		assert.False(t, tracker.CanConsume(a, now), string(status))
	}
}

func TestRollover_ResetsOncePerDay(t *testing.T) {
	tracker := newTestTracker()
	day1 := time.Date(2025, 3, 10, 23, 59, 0, 0, time.UTC)
	a := newActiveAccount(day1)
	a.DailyRequestCount = 42

	assert.False(t, tracker.Rollover(a, day1))
	assert.Equal(t, 42, a.DailyRequestCount)

	day2 := day1.Add(2 * time.Minute)
	assert.True(t, tracker.Rollover(a, day2))
	assert.Equal(t, 0, a.DailyRequestCount)

	// Uses recorded after the reset must survive further checks on the same day
	tracker.RecordUse(a, models.OutcomeSuccess, day2)
	for i := 0; i < 5; i++ {
		tracker.CanConsume(a, day2.Add(time.Duration(i)*time.Hour))
	}
	assert.Equal(t, 1, a.DailyRequestCount)
	assert.Equal(t, models.UTCDay(day2), a.DailyWindowStart)
}

func TestRollover_UsesUTCDate(t *testing.T) {
	tracker := newTestTracker()
	// 23:30 in UTC-5 is already the next day in UTC
	loc := time.FixedZone("EST", -5*3600)
	start := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)
	a := newActiveAccount(start)
	a.DailyRequestCount = 10

	local := time.Date(2025, 3, 10, 18, 30, 0, 0, loc) // 23:30 UTC same day
	assert.False(t, tracker.Rollover(a, local))

	local = time.Date(2025, 3, 10, 19, 30, 0, 0, loc) // 00:30 UTC next day
	assert.True(t, tracker.Rollover(a, local))
}

func TestRecordUse_FailuresTriggerCooldown(t *testing.T) {
	tracker := newTestTracker()
	now := time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)
	a := newActiveAccount(now)

	for i := 0; i < 4; i++ {
		tr := tracker.RecordUse(a, models.OutcomeFailure, now)
		assert.False(t, tr.Changed())
	}
	assert.Equal(t, models.AccountStatusActive, a.Status)
	assert.Equal(t, 4, a.ConsecutiveFailures)

	tr := tracker.RecordUse(a, models.OutcomeFailure, now)
	assert.True(t, tr.Changed())
	assert.Equal(t, ReasonConsecutiveFailures, tr.Reason)
	assert.Equal(t, models.AccountStatusCooldown, a.Status)
	assert.Equal(t, now.Add(60*time.Minute), a.CooldownUntil)
	assert.Equal(t, 5, a.DailyRequestCount)
}

func TestRecordUse_SuccessResetsFailures(t *testing.T) {
	tracker := newTestTracker()
	now := time.Now()
	a := newActiveAccount(now)

	tracker.RecordUse(a, models.OutcomeFailure, now)
	tracker.RecordUse(a, models.OutcomeFailure, now)
	assert.True(t, a.LastUsedAt.IsZero())

	tracker.RecordUse(a, models.OutcomeSuccess, now)
	assert.Equal(t, 0, a.ConsecutiveFailures)
	assert.Equal(t, now, a.LastUsedAt)
}

func TestRecordUse_ClampsAtLimit(t *testing.T) {
	tracker := newTestTracker()
	now := time.Now()
	a := newActiveAccount(now)
	a.DailyRequestCount = a.DailyRequestLimit

	tracker.RecordUse(a, models.OutcomeSuccess, now)
	assert.Equal(t, a.DailyRequestLimit, a.DailyRequestCount)
}

func TestRecordRateLimitSignal_OverridesWithZeroFailures(t *testing.T) {
	tracker := newTestTracker()
	now := time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)
	a := newActiveAccount(now)
	require.Equal(t, 0, a.ConsecutiveFailures)

	tr := tracker.RecordRateLimitSignal(a, now)
	assert.Equal(t, models.AccountStatusCooldown, a.Status)
	assert.Equal(t, now.Add(24*time.Hour), a.CooldownUntil)
	assert.Equal(t, ReasonRateLimited, tr.Reason)
	assert.Equal(t, 0, a.ConsecutiveFailures)
}

func TestRecordUse_RateLimitedOutcome(t *testing.T) {
	tracker := newTestTracker()
	now := time.Now()
	a := newActiveAccount(now)

	tr := tracker.RecordUse(a, models.OutcomeRateLimited, now)
	assert.Equal(t, models.AccountStatusCooldown, tr.To)
	assert.Equal(t, 1, a.DailyRequestCount)
	assert.Equal(t, now.Add(24*time.Hour), a.CooldownUntil)
}

func TestRecordRateLimitSignal_LeavesBlockedAlone(t *testing.T) {
	tracker := newTestTracker()
	now := time.Now()
	a := newActiveAccount(now)
	a.Status = models.AccountStatusBlocked

	tr := tracker.RecordRateLimitSignal(a, now)
	assert.False(t, tr.Changed())
	assert.True(t, a.CooldownUntil.IsZero())
}

func TestExpireCooldown(t *testing.T) {
	tracker := newTestTracker()
	now := time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)
	a := newActiveAccount(now)
	tracker.RecordRateLimitSignal(a, now)

	tr := tracker.ExpireCooldown(a, now.Add(23*time.Hour))
	assert.False(t, tr.Changed())
	assert.Equal(t, models.AccountStatusCooldown, a.Status)

	tr = tracker.ExpireCooldown(a, now.Add(24*time.Hour))
	assert.True(t, tr.Changed())
	assert.Equal(t, models.AccountStatusActive, a.Status)
	assert.True(t, a.CooldownUntil.IsZero())
	assert.True(t, a.NeedsRevalidation)
}

func TestRecordValidationError_CountsTowardCooldown(t *testing.T) {
	tracker := newTestTracker()
	now := time.Now()
	a := newActiveAccount(now)
	a.ConsecutiveFailures = 4

	tr := tracker.RecordValidationError(a, now)
	assert.Equal(t, models.AccountStatusCooldown, tr.To)
}

func TestNewTracker_AppliesDefaults(t *testing.T) {
	tracker := NewTracker(Limits{})
	limits := tracker.Limits()
	assert.Equal(t, 5, limits.MaxConsecutiveFailures)
	assert.Equal(t, time.Hour, limits.ErrorRecoveryCooldown)
	assert.Equal(t, 24*time.Hour, limits.RateLimitCooldown)
}
