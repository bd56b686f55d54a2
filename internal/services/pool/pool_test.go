package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/sessionpool/internal/common"
	"github.com/ternarybob/sessionpool/internal/models"
	"github.com/ternarybob/sessionpool/internal/services/quota"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

var testOptions = Options{
	Defaults: models.AccountDefaults{DailyRequestLimit: 150, MinDelayMs: 30000, MaxDelayMs: 90000},
	Limits: quota.Limits{
		MaxConsecutiveFailures: 5,
		ErrorRecoveryCooldown:  60 * time.Minute,
		RateLimitCooldown:      24 * time.Hour,
	},
	Breaker:                    BreakerSettings{Threshold: 0.5, Window: 15 * time.Minute, MinSamples: 10},
	MaxValidationErrors:        3,
	PersistentInvalidThreshold: 3,
}

func activeAccount(id string, now time.Time) *models.Account {
	a := models.NewAccount(id, "Account "+id, []*models.SessionCookie{{Name: "sid", Value: id}}, testOptions.Defaults, now)
	a.Status = models.AccountStatusActive
	return a
}

func newTestPool(t *testing.T, clock *testClock, accounts ...*models.Account) (*Pool, *memStore) {
	t.Helper()
	store := newMemStore(accounts...)
	p := New(store, arbor.NewLogger(), testOptions,
		WithClock(clock.Now),
		WithMetrics(NewMetrics(prometheus.NewRegistry())),
	)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		p.Close(ctx)
	})

	_, err := p.Reload(context.Background())
	require.NoError(t, err)
	return p, store
}

func record(accountID string, verdict models.ValidationVerdict) *models.ValidationRecord {
	return &models.ValidationRecord{
		ID:        common.NewValidationRecordID(),
		AccountID: accountID,
		Method:    models.ValidationMethodHTTP,
		Verdict:   verdict,
		CreatedAt: time.Now(),
	}
}

func assertNoAccount(t *testing.T, err error, reason string) {
	t.Helper()
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNoAccountAvailable))
	var noAccountErr *NoAccountError
	require.True(t, errors.As(err, &noAccountErr))
	assert.Equal(t, reason, noAccountErr.Reason)
}

func TestAcquire_RotationOrdering(t *testing.T) {
	clock := newTestClock()
	now := clock.Now()

	heavy := activeAccount("heavy", now)
	heavy.DailyRequestCount = 10
	used := activeAccount("used", now)
	used.DailyRequestCount = 2
	used.LastUsedAt = now.Add(-time.Hour)
	fresh := activeAccount("fresh", now)
	fresh.DailyRequestCount = 2

	p, _ := newTestPool(t, clock, heavy, used, fresh)

	var order []string
	for i := 0; i < 3; i++ {
		h, err := p.Acquire(models.Rotation(), fmt.Sprintf("job-%d", i))
		require.NoError(t, err)
		order = append(order, h.AccountID)
	}
	assert.Equal(t, []string{"fresh", "used", "heavy"}, order)

	_, err := p.Acquire(models.Rotation(), "job-4")
	assertNoAccount(t, err, ReasonExhausted)
}

func TestAcquire_HandleCarriesSessionMaterial(t *testing.T) {
	clock := newTestClock()
	a := activeAccount("a", clock.Now())
	a.ProxyRef = "http://proxy:3128"
	p, _ := newTestPool(t, clock, a)

	h, err := p.Acquire(models.Rotation(), "job")
	require.NoError(t, err)
	assert.Equal(t, "a", h.AccountID)
	assert.Equal(t, "http://proxy:3128", h.ProxyRef)
	require.Len(t, h.Cookies, 1)
	assert.Equal(t, "a", h.Cookies[0].Value)
	assert.NotEmpty(t, h.Token)
	assert.GreaterOrEqual(t, h.PaceDelay, 30*time.Second)
	assert.LessOrEqual(t, h.PaceDelay, 90*time.Second)

	// the handle is a copy
	h.Cookies[0].Value = "tampered"
	stored, ok := p.Account("a")
	require.True(t, ok)
	assert.Equal(t, "a", stored.Cookies[0].Value)
}

func TestAcquire_Exclusivity(t *testing.T) {
	clock := newTestClock()
	defaults := models.AccountDefaults{DailyRequestLimit: 1000000}

	var accounts []*models.Account
	for i := 0; i < 4; i++ {
		a := models.NewAccount(fmt.Sprintf("acct-%d", i), "", nil, defaults, clock.Now())
		a.Status = models.AccountStatusActive
		accounts = append(accounts, a)
	}
	p, _ := newTestPool(t, clock, accounts...)

	var (
		mu       sync.Mutex
		held     = map[string]string{}
		violated []string
		acquired int
		wg       sync.WaitGroup
	)

	for w := 0; w < 16; w++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			jobID := fmt.Sprintf("worker-%d", worker)
			for i := 0; i < 200; i++ {
				h, err := p.Acquire(models.Rotation(), jobID)
				if err != nil {
					continue
				}
				mu.Lock()
				if holder, ok := held[h.AccountID]; ok {
					violated = append(violated, fmt.Sprintf("%s held by %s and %s", h.AccountID, holder, jobID))
				}
				held[h.AccountID] = jobID
				acquired++
				mu.Unlock()

				mu.Lock()
				delete(held, h.AccountID)
				mu.Unlock()
				assert.NoError(t, p.Release(h, models.OutcomeSuccess))
			}
		}(w)
	}
	wg.Wait()

	assert.Empty(t, violated)
	assert.Greater(t, acquired, 0)
	assert.Empty(t, p.Leases())
}

func TestAcquire_SpecificPolicy(t *testing.T) {
	clock := newTestClock()
	p, _ := newTestPool(t, clock, activeAccount("a", clock.Now()), activeAccount("b", clock.Now()))

	h, err := p.Acquire(models.Specific("a"), "job-1")
	require.NoError(t, err)
	assert.Equal(t, "a", h.AccountID)

	// leased: no fallback to b
	_, err = p.Acquire(models.Specific("a"), "job-2")
	assertNoAccount(t, err, ReasonNotEligible)

	_, err = p.Acquire(models.Specific("missing"), "job-3")
	assertNoAccount(t, err, ReasonUnknownAccount)
}

func TestAcquire_SpecificExhausted(t *testing.T) {
	clock := newTestClock()
	a := activeAccount("a", clock.Now())
	a.DailyRequestCount = a.DailyRequestLimit
	p, _ := newTestPool(t, clock, a)

	_, err := p.Acquire(models.Specific("a"), "job")
	assertNoAccount(t, err, ReasonExhausted)
}

func TestAcquire_PausedBreakerBlocksEveryPolicy(t *testing.T) {
	clock := newTestClock()
	p, _ := newTestPool(t, clock, activeAccount("a", clock.Now()))

	for i := 0; i < 10; i++ {
		p.ApplyValidation(record(fmt.Sprintf("other-%d", i), models.VerdictInvalid))
	}
	status := p.Status()
	require.True(t, status.PausedForCircuitBreaker)
	assert.NotEmpty(t, status.PauseReason)

	_, err := p.Acquire(models.Rotation(), "job")
	assertNoAccount(t, err, ReasonPaused)
	_, err = p.Acquire(models.Specific("a"), "job")
	assertNoAccount(t, err, ReasonPaused)

	// samples age out of the window
	clock.Advance(16 * time.Minute)
	assert.True(t, p.RecomputeBreaker())
	assert.False(t, p.Status().PausedForCircuitBreaker)

	_, err = p.Acquire(models.Specific("a"), "job")
	assert.NoError(t, err)
}

func TestPauseAndResetBreaker(t *testing.T) {
	clock := newTestClock()
	p, _ := newTestPool(t, clock, activeAccount("a", clock.Now()))

	p.Pause("maintenance")
	assert.False(t, p.RecomputeBreaker(), "manual pause is not lifted by recompute")
	_, err := p.Acquire(models.Rotation(), "job")
	assertNoAccount(t, err, ReasonPaused)

	p.ResetBreaker()
	_, err = p.Acquire(models.Rotation(), "job")
	assert.NoError(t, err)
}

func TestRelease_IdempotentByToken(t *testing.T) {
	clock := newTestClock()
	p, _ := newTestPool(t, clock, activeAccount("a", clock.Now()))

	h, err := p.Acquire(models.Rotation(), "job")
	require.NoError(t, err)

	require.NoError(t, p.Release(h, models.OutcomeSuccess))
	require.NoError(t, p.Release(h, models.OutcomeSuccess))

	a, _ := p.Account("a")
	assert.Equal(t, 1, a.DailyRequestCount)
	assert.Equal(t, clock.Now(), a.LastUsedAt)

	// a stale token does not end someone else's lease
	clock.Advance(time.Minute)
	h2, err := p.Acquire(models.Rotation(), "job-2")
	require.NoError(t, err)
	require.NoError(t, p.Release(h, models.OutcomeFailure))
	assert.Len(t, p.Leases(), 1)
	require.NoError(t, p.Release(h2, models.OutcomeSuccess))
	assert.Empty(t, p.Leases())
}

func TestRelease_RejectsBadInput(t *testing.T) {
	clock := newTestClock()
	p, _ := newTestPool(t, clock, activeAccount("a", clock.Now()))

	assert.Error(t, p.Release(nil, models.OutcomeSuccess))
	h, err := p.Acquire(models.Rotation(), "job")
	require.NoError(t, err)
	assert.Error(t, p.Release(h, models.Outcome("maybe")))
	assert.Len(t, p.Leases(), 1)
}

func TestRelease_AccountDeletedMeanwhile(t *testing.T) {
	clock := newTestClock()
	p, store := newTestPool(t, clock, activeAccount("a", clock.Now()), activeAccount("b", clock.Now()))

	h, err := p.Acquire(models.Specific("a"), "job")
	require.NoError(t, err)

	store.remove("a")
	report, err := p.Reload(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Removed)
	assert.Empty(t, p.Leases())
	assert.Equal(t, 0, p.Status().LeasedCount)
	assert.False(t, p.Leased("a"))

	assert.NoError(t, p.Release(h, models.OutcomeSuccess))
	assert.Empty(t, p.Leases())
	_, ok := p.Account("a")
	assert.False(t, ok)
}

func TestReclaimExpiredLeases(t *testing.T) {
	clock := newTestClock()
	p, _ := newTestPool(t, clock, activeAccount("a", clock.Now()))

	_, err := p.Acquire(models.Rotation(), "dead-job")
	require.NoError(t, err)

	clock.Advance(5 * time.Minute)
	assert.Empty(t, p.ReclaimExpiredLeases(10*time.Minute))

	clock.Advance(6 * time.Minute)
	reclaimed := p.ReclaimExpiredLeases(10 * time.Minute)
	require.Len(t, reclaimed, 1)
	assert.Equal(t, "dead-job", reclaimed[0].HolderJobID)

	a, _ := p.Account("a")
	assert.Equal(t, 1, a.ConsecutiveFailures)
	assert.Equal(t, 1, a.DailyRequestCount)

	_, err = p.Acquire(models.Rotation(), "next-job")
	assert.NoError(t, err)
}

func TestCooldownScenario(t *testing.T) {
	clock := newTestClock()
	p, store := newTestPool(t, clock, activeAccount("a", clock.Now()), activeAccount("b", clock.Now()))

	for i := 0; i < 5; i++ {
		h, err := p.Acquire(models.Specific("a"), "job")
		require.NoError(t, err, "attempt %d", i+1)
		require.NoError(t, p.Release(h, models.OutcomeFailure))
		clock.Advance(time.Minute)
	}

	a, _ := p.Account("a")
	require.Equal(t, models.AccountStatusCooldown, a.Status)
	// the fifth failure happened one minute ago
	assert.Equal(t, clock.Now().Add(-time.Minute).Add(60*time.Minute), a.CooldownUntil)

	h, err := p.Acquire(models.Rotation(), "job-6")
	require.NoError(t, err)
	assert.Equal(t, "b", h.AccountID)

	_, err = p.Acquire(models.Rotation(), "job-7")
	assertNoAccount(t, err, ReasonExhausted)

	// not before the cooldown elapses
	clock.Advance(30 * time.Minute)
	assert.Empty(t, p.ExpireCooldowns())
	_, err = p.Acquire(models.Specific("a"), "job-8")
	assertNoAccount(t, err, ReasonNotEligible)

	clock.Advance(30 * time.Minute)
	assert.Equal(t, []string{"a"}, p.ExpireCooldowns())
	a, _ = p.Account("a")
	assert.Equal(t, models.AccountStatusActive, a.Status)
	assert.True(t, a.NeedsRevalidation)

	// pending revalidation
	_, err = p.Acquire(models.Specific("a"), "job-9")
	assertNoAccount(t, err, ReasonNotEligible)

	p.ApplyValidation(record("a", models.VerdictActive))
	h, err = p.Acquire(models.Specific("a"), "job-10")
	require.NoError(t, err)
	assert.Equal(t, "a", h.AccountID)

	require.NoError(t, p.Flush(context.Background()))
	assert.Equal(t, models.AccountStatusActive, store.stored("a").Status)
}

func TestApplyValidation_Transitions(t *testing.T) {
	tests := []struct {
		name     string
		start    models.AccountStatus
		verdicts []models.ValidationVerdict
		want     models.AccountStatus
	}{
		{"pending to active", models.AccountStatusPending, []models.ValidationVerdict{models.VerdictActive}, models.AccountStatusActive},
		{"pending to invalid", models.AccountStatusPending, []models.ValidationVerdict{models.VerdictInvalid}, models.AccountStatusInvalid},
		{"active to invalid", models.AccountStatusActive, []models.ValidationVerdict{models.VerdictInvalid}, models.AccountStatusInvalid},
		{"persistent invalid blocks", models.AccountStatusActive, []models.ValidationVerdict{models.VerdictInvalid, models.VerdictInvalid, models.VerdictInvalid}, models.AccountStatusBlocked},
		{"pending invalid x3 stays INVALID", models.AccountStatusPending, []models.ValidationVerdict{models.VerdictInvalid, models.VerdictInvalid, models.VerdictInvalid}, models.AccountStatusInvalid},
		{"never active invalid stays INVALID", models.AccountStatusInvalid, []models.ValidationVerdict{models.VerdictInvalid, models.VerdictInvalid, models.VerdictInvalid, models.VerdictInvalid}, models.AccountStatusInvalid},
		{"cooldown persistent invalid blocks", models.AccountStatusCooldown, []models.ValidationVerdict{models.VerdictInvalid, models.VerdictInvalid, models.VerdictInvalid}, models.AccountStatusBlocked},
		{"invalid restored by active", models.AccountStatusInvalid, []models.ValidationVerdict{models.VerdictActive}, models.AccountStatusActive},
		{"single error keeps status", models.AccountStatusActive, []models.ValidationVerdict{models.VerdictError}, models.AccountStatusActive},
		{"repeated errors escalate pending", models.AccountStatusPending, []models.ValidationVerdict{models.VerdictError, models.VerdictError, models.VerdictError}, models.AccountStatusInvalid},
		{"blocked is terminal", models.AccountStatusBlocked, []models.ValidationVerdict{models.VerdictActive}, models.AccountStatusBlocked},
		{"cooldown is not shortened", models.AccountStatusCooldown, []models.ValidationVerdict{models.VerdictActive}, models.AccountStatusCooldown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clock := newTestClock()
			a := activeAccount("a", clock.Now())
			a.Status = tt.start
			if tt.start == models.AccountStatusCooldown {
				a.CooldownUntil = clock.Now().Add(time.Hour)
			}
			p, _ := newTestPool(t, clock, a)

			for _, v := range tt.verdicts {
				p.ApplyValidation(record("a", v))
			}
			got, _ := p.Account("a")
			assert.Equal(t, tt.want, got.Status)
			assert.Equal(t, got.Status == models.AccountStatusCooldown, !got.CooldownUntil.IsZero())
		})
	}
}

func TestApplyValidation_ChallengeForcesRateLimitCooldown(t *testing.T) {
	clock := newTestClock()
	p, _ := newTestPool(t, clock, activeAccount("a", clock.Now()))

	rec := record("a", models.VerdictError)
	rec.ChallengeDetected = true
	rec.ResponseCode = 429
	p.ApplyValidation(rec)

	a, _ := p.Account("a")
	assert.Equal(t, models.AccountStatusCooldown, a.Status)
	assert.Equal(t, clock.Now().Add(24*time.Hour), a.CooldownUntil)
	assert.Equal(t, 0, a.ConsecutiveFailures)
}

func TestApplyValidation_AppendsAuditRecord(t *testing.T) {
	clock := newTestClock()
	p, store := newTestPool(t, clock, activeAccount("a", clock.Now()))

	p.ApplyValidation(record("a", models.VerdictActive))
	p.ApplyValidation(record("ghost", models.VerdictInvalid))
	require.NoError(t, p.Flush(context.Background()))

	assert.Equal(t, 2, store.recordCount())
	history, err := p.ValidationHistory(context.Background(), "a", 10)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, models.VerdictActive, history[0].Verdict)
}

func TestReload_MergesExternalChanges(t *testing.T) {
	clock := newTestClock()
	now := clock.Now()
	p, store := newTestPool(t, clock, activeAccount("a", now), activeAccount("b", now))

	h, err := p.Acquire(models.Specific("a"), "job")
	require.NoError(t, err)
	require.NoError(t, p.Release(h, models.OutcomeSuccess))

	// block b through validation, then have the operator reset it
	for i := 0; i < 3; i++ {
		p.ApplyValidation(record("b", models.VerdictInvalid))
	}
	require.NoError(t, p.Flush(context.Background()))
	b, _ := p.Account("b")
	require.Equal(t, models.AccountStatusBlocked, b.Status)

	clock.Advance(time.Minute)
	unblocked := store.stored("b")
	unblocked.Status = models.AccountStatusPending
	unblocked.UpdatedAt = clock.Now()
	store.put(unblocked)

	edited := store.stored("a")
	edited.DisplayName = "Renamed"
	edited.DailyRequestCount = 0 // stale counter in the store must not win
	store.put(edited)

	store.put(activeAccount("c", clock.Now()))

	report, err := p.Reload(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Added)
	assert.Equal(t, 0, report.Removed)

	a, _ := p.Account("a")
	assert.Equal(t, "Renamed", a.DisplayName)
	assert.Equal(t, 1, a.DailyRequestCount)

	b, _ = p.Account("b")
	assert.Equal(t, models.AccountStatusPending, b.Status)
	assert.Equal(t, 0, b.ConsecutiveInvalid)

	_, ok := p.Account("c")
	assert.True(t, ok)
}

func TestReload_CookieChangeForcesRevalidation(t *testing.T) {
	clock := newTestClock()
	p, store := newTestPool(t, clock, activeAccount("a", clock.Now()))

	edited := store.stored("a")
	edited.Cookies = []*models.SessionCookie{{Name: "sid", Value: "fresh"}}
	store.put(edited)

	_, err := p.Reload(context.Background())
	require.NoError(t, err)

	a, _ := p.Account("a")
	assert.True(t, a.NeedsRevalidation)
	assert.Equal(t, "fresh", a.Cookies[0].Value)
}

func TestDueForValidation(t *testing.T) {
	clock := newTestClock()
	now := clock.Now()

	pending := models.NewAccount("pending", "", nil, testOptions.Defaults, now)
	fresh := activeAccount("fresh", now)
	fresh.LastValidatedAt = now.Add(-10 * time.Minute)
	stale := activeAccount("stale", now)
	stale.LastValidatedAt = now.Add(-2 * time.Hour)
	flagged := activeAccount("flagged", now)
	flagged.LastValidatedAt = now
	flagged.NeedsRevalidation = true
	blocked := activeAccount("blocked", now)
	blocked.Status = models.AccountStatusBlocked

	p, _ := newTestPool(t, clock, pending, fresh, stale, flagged, blocked)

	due := p.DueForValidation(time.Hour)
	var ids []string
	for _, a := range due {
		ids = append(ids, a.ID)
	}
	assert.Equal(t, []string{"flagged", "pending", "stale"}, ids)
}

func TestDailyReset(t *testing.T) {
	clock := newTestClock()
	a := activeAccount("a", clock.Now())
	a.DailyRequestCount = 150
	p, _ := newTestPool(t, clock, a)

	assert.Equal(t, 0, p.DailyReset())

	clock.Advance(15 * time.Hour) // past UTC midnight
	assert.Equal(t, 1, p.DailyReset())
	assert.Equal(t, 0, p.DailyReset())

	got, _ := p.Account("a")
	assert.Equal(t, 0, got.DailyRequestCount)
}

func TestStatus_Counts(t *testing.T) {
	clock := newTestClock()
	now := clock.Now()
	cooling := activeAccount("c", now)
	cooling.Status = models.AccountStatusCooldown
	cooling.CooldownUntil = now.Add(time.Hour)
	blocked := activeAccount("d", now)
	blocked.Status = models.AccountStatusBlocked

	p, _ := newTestPool(t, clock,
		activeAccount("a", now),
		activeAccount("b", now),
		cooling,
		blocked,
		models.NewAccount("e", "", nil, testOptions.Defaults, now),
	)
	_, err := p.Acquire(models.Rotation(), "job")
	require.NoError(t, err)

	status := p.Status()
	assert.Equal(t, 5, status.TotalAccounts)
	assert.Equal(t, 2, status.ActiveCount)
	assert.Equal(t, 1, status.CooldownCount)
	assert.Equal(t, 1, status.BlockedCount)
	assert.Equal(t, 1, status.PendingCount)
	assert.Equal(t, 1, status.LeasedCount)
	assert.False(t, status.PausedForCircuitBreaker)
}

func TestWriter_RetriesStatusTransitions(t *testing.T) {
	clock := newTestClock()
	p, store := newTestPool(t, clock, activeAccount("a", clock.Now()))
	store.mu.Lock()
	store.failPersist = 1
	store.mu.Unlock()

	rec := record("a", models.VerdictError)
	rec.ChallengeDetected = true
	p.ApplyValidation(rec)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, p.Flush(ctx))
	assert.Equal(t, models.AccountStatusCooldown, store.stored("a").Status)
}

func TestWriter_StoreOutageNeverBlocksCallers(t *testing.T) {
	clock := newTestClock()
	accounts := make([]*models.Account, 0, 1100)
	for i := 0; i < 1100; i++ {
		accounts = append(accounts, activeAccount(fmt.Sprintf("acct-%04d", i), clock.Now()))
	}
	p, store := newTestPool(t, clock, accounts...)
	store.mu.Lock()
	store.failPersist = 1 << 30
	store.failRecords = true
	store.mu.Unlock()

	applied := make(chan struct{})
	go func() {
		defer close(applied)
		for _, a := range accounts {
			rec := record(a.ID, models.VerdictError)
			rec.ChallengeDetected = true
			p.ApplyValidation(rec)
		}
	}()

	select {
	case <-applied:
	case <-time.After(5 * time.Second):
		t.Fatal("ApplyValidation blocked while the store was failing")
	}

	status := p.Status()
	assert.Equal(t, 1100, status.CooldownCount)

	closed := make(chan struct{})
	go func() {
		defer close(closed)
		ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
		defer cancel()
		p.Close(ctx)
	}()

	select {
	case <-closed:
	case <-time.After(5 * time.Second):
		t.Fatal("Close ignored its deadline while the store was failing")
	}
}

func TestWriter_CoalescesSnapshotsPerAccount(t *testing.T) {
	store := newMemStore(activeAccount("a", time.Now()))
	store.failPersist = 1
	w := NewWriter(store, arbor.NewLogger(), nil)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		w.Close(ctx)
	})

	cooldown := store.stored("a")
	cooldown.Status = models.AccountStatusCooldown
	cooldown.CooldownUntil = time.Now().Add(time.Hour)
	w.PersistAccount(cooldown, true)

	later := cooldown.Clone()
	later.DailyRequestCount = 7
	w.PersistAccount(later, false)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, w.Flush(ctx))

	stored := store.stored("a")
	assert.Equal(t, models.AccountStatusCooldown, stored.Status)
	assert.Equal(t, 7, stored.DailyRequestCount)
}
