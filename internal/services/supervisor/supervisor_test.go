package supervisor

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/sessionpool/internal/common"
	"github.com/ternarybob/sessionpool/internal/interfaces"
	"github.com/ternarybob/sessionpool/internal/models"
	"github.com/ternarybob/sessionpool/internal/services/pool"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// store is a minimal in-memory CredentialStore
type store struct {
	mu       sync.Mutex
	accounts map[string]*models.Account
	records  []*models.ValidationRecord
}

func (s *store) LoadAccounts(ctx context.Context) ([]*models.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*models.Account, 0, len(s.accounts))
	for _, a := range s.accounts {
		out = append(out, a.Clone())
	}
	return out, nil
}

func (s *store) GetAccount(ctx context.Context, id string) (*models.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if a, ok := s.accounts[id]; ok {
		return a.Clone(), nil
	}
	return nil, interfaces.ErrAccountNotFound
}

func (s *store) Persist(ctx context.Context, account *models.Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.accounts[account.ID]; !ok {
		return interfaces.ErrAccountNotFound
	}
	s.accounts[account.ID] = account.Clone()
	return nil
}

func (s *store) AppendValidationRecord(ctx context.Context, record *models.ValidationRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, record)
	return nil
}

func (s *store) ListValidationRecords(ctx context.Context, accountID string, limit int) ([]*models.ValidationRecord, error) {
	return nil, nil
}

func (s *store) Close() error { return nil }

// fakeValidator returns a configured verdict per account (ACTIVE by default).
// When gate is set every call blocks until it is closed or ctx ends.
type fakeValidator struct {
	mu       sync.Mutex
	verdicts map[string]models.ValidationVerdict
	calls    []string
	methods  []models.ValidationMethod
	gate     chan struct{}
	started  chan string
}

func newFakeValidator() *fakeValidator {
	return &fakeValidator{verdicts: make(map[string]models.ValidationVerdict)}
}

func (f *fakeValidator) Validate(ctx context.Context, account *models.Account) *models.ValidationRecord {
	return f.run(ctx, account, models.ValidationMethodHTTP)
}

func (f *fakeValidator) ValidateWith(ctx context.Context, account *models.Account, method models.ValidationMethod) (*models.ValidationRecord, error) {
	return f.run(ctx, account, method), nil
}

func (f *fakeValidator) run(ctx context.Context, account *models.Account, method models.ValidationMethod) *models.ValidationRecord {
	f.mu.Lock()
	f.calls = append(f.calls, account.ID)
	f.methods = append(f.methods, method)
	verdict, ok := f.verdicts[account.ID]
	gate, started := f.gate, f.started
	f.mu.Unlock()

	if started != nil {
		started <- account.ID
	}
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			verdict, ok = models.VerdictError, true
		}
	}
	if !ok {
		verdict = models.VerdictActive
	}
	return &models.ValidationRecord{
		ID:        common.NewValidationRecordID(),
		AccountID: account.ID,
		Method:    method,
		Verdict:   verdict,
		CreatedAt: time.Now(),
	}
}

func (f *fakeValidator) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

type fixture struct {
	clock     *clock
	store     *store
	pool      *pool.Pool
	validator *fakeValidator
	service   *Service
}

func newFixture(t *testing.T, accounts ...*models.Account) *fixture {
	t.Helper()
	clk := &clock{now: time.Date(2025, 5, 1, 9, 0, 0, 0, time.UTC)}
	st := &store{accounts: make(map[string]*models.Account)}
	for _, a := range accounts {
		st.accounts[a.ID] = a.Clone()
	}

	cfg := common.NewDefaultConfig()
	cfg.Pool.DefaultMinDelayMs = 0
	cfg.Pool.DefaultMaxDelayMs = 0
	logger := arbor.NewLogger()

	p := pool.New(st, logger, pool.OptionsFromConfig(cfg), pool.WithClock(clk.Now))
	_, err := p.Reload(context.Background())
	require.NoError(t, err)

	validator := newFakeValidator()
	service := NewService(p, validator, Config{
		SweepInterval:        time.Hour,
		LeaseTimeout:         10 * time.Minute,
		StaleWindow:          time.Hour,
		Concurrency:          2,
		ValidationsPerSecond: 1000,
	}, logger)

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		service.Stop(ctx)
		p.Close(ctx)
	})
	return &fixture{clock: clk, store: st, pool: p, validator: validator, service: service}
}

func account(id string, status models.AccountStatus, lastValidated time.Time) *models.Account {
	return &models.Account{
		ID:                id,
		DisplayName:       id,
		Status:            status,
		DailyRequestLimit: 100,
		LastValidatedAt:   lastValidated,
		Cookies:           []*models.SessionCookie{{Name: "li_at", Value: "tok"}},
	}
}

func status(t *testing.T, p *pool.Pool, id string) *models.Account {
	t.Helper()
	a, ok := p.Account(id)
	require.True(t, ok)
	return a
}

func TestSweep_ValidatesPendingAccounts(t *testing.T) {
	fresh := time.Date(2025, 5, 1, 8, 50, 0, 0, time.UTC)
	f := newFixture(t,
		account("pending-ok", models.AccountStatusPending, time.Time{}),
		account("pending-bad", models.AccountStatusPending, time.Time{}),
		account("healthy", models.AccountStatusActive, fresh),
	)
	f.validator.verdicts["pending-bad"] = models.VerdictInvalid

	report := f.service.Sweep(context.Background())

	assert.False(t, report.Skipped)
	assert.Equal(t, 2, report.Due)
	assert.Equal(t, 2, report.Revalidated)
	assert.ElementsMatch(t, []string{"pending-ok", "pending-bad"}, f.validator.Calls())
	assert.Equal(t, models.AccountStatusActive, status(t, f.pool, "pending-ok").Status)
	assert.Equal(t, models.AccountStatusInvalid, status(t, f.pool, "pending-bad").Status)
}

func TestSweep_ExpiredCooldownIsRevalidatedBeforeUse(t *testing.T) {
	f := newFixture(t)
	cooling := account("cooling", models.AccountStatusCooldown, f.clock.Now())
	cooling.CooldownUntil = f.clock.Now().Add(time.Hour)
	f.store.accounts["cooling"] = cooling
	_, err := f.pool.Reload(context.Background())
	require.NoError(t, err)

	report := f.service.Sweep(context.Background())
	assert.Equal(t, 0, report.CooldownsExpired)
	assert.Empty(t, f.validator.Calls())

	f.clock.Advance(61 * time.Minute)
	report = f.service.Sweep(context.Background())
	assert.Equal(t, 1, report.CooldownsExpired)
	assert.Equal(t, 1, report.Revalidated)

	a := status(t, f.pool, "cooling")
	assert.Equal(t, models.AccountStatusActive, a.Status)
	assert.False(t, a.NeedsRevalidation)
	assert.True(t, a.CooldownUntil.IsZero())

	handle, err := f.pool.Acquire(models.Rotation(), "job-1")
	require.NoError(t, err)
	assert.Equal(t, "cooling", handle.AccountID)
}

func TestSweep_ReclaimsExpiredLeases(t *testing.T) {
	now := time.Date(2025, 5, 1, 9, 0, 0, 0, time.UTC)
	f := newFixture(t, account("a", models.AccountStatusActive, now))

	handle, err := f.pool.Acquire(models.Rotation(), "crashed-job")
	require.NoError(t, err)

	f.clock.Advance(5 * time.Minute)
	assert.Equal(t, 0, f.service.Sweep(context.Background()).LeasesReclaimed)

	f.clock.Advance(6 * time.Minute)
	assert.Equal(t, 1, f.service.Sweep(context.Background()).LeasesReclaimed)
	assert.False(t, f.pool.Leased("a"))

	// the crashed holder's late release is a no-op
	assert.NoError(t, f.pool.Release(handle, models.OutcomeSuccess))
	assert.Equal(t, 1, status(t, f.pool, "a").ConsecutiveFailures)
}

func TestSweep_ReportsBreakerState(t *testing.T) {
	now := time.Date(2025, 5, 1, 9, 0, 0, 0, time.UTC)
	f := newFixture(t, account("a", models.AccountStatusActive, now))

	assert.False(t, f.service.Sweep(context.Background()).BreakerPaused)

	f.pool.Pause("maintenance")
	assert.True(t, f.service.Sweep(context.Background()).BreakerPaused)
	assert.True(t, f.service.Sweep(context.Background()).BreakerPaused, "still paused on the next sweep")

	f.pool.ResetBreaker()
	assert.False(t, f.service.Sweep(context.Background()).BreakerPaused)
}

func TestSweep_NeverOverlaps(t *testing.T) {
	f := newFixture(t, account("slow", models.AccountStatusPending, time.Time{}))
	f.validator.gate = make(chan struct{})
	f.validator.started = make(chan string, 1)

	done := make(chan SweepReport)
	go func() { done <- f.service.Sweep(context.Background()) }()
	<-f.validator.started

	assert.True(t, f.service.Sweep(context.Background()).Skipped)

	close(f.validator.gate)
	report := <-done
	assert.False(t, report.Skipped)
	assert.Equal(t, 1, report.Revalidated)
}

func TestSweep_CancelledValidationIsDiscarded(t *testing.T) {
	f := newFixture(t, account("a", models.AccountStatusPending, time.Time{}))
	f.validator.gate = make(chan struct{})
	f.validator.started = make(chan string, 1)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan SweepReport)
	go func() { done <- f.service.Sweep(ctx) }()
	<-f.validator.started
	cancel()

	report := <-done
	assert.Equal(t, 0, report.Revalidated)
	a := status(t, f.pool, "a")
	assert.Equal(t, models.AccountStatusPending, a.Status)
	assert.Equal(t, 0, a.ConsecutiveValidationErrors)
}

func TestValidate(t *testing.T) {
	now := time.Date(2025, 5, 1, 9, 0, 0, 0, time.UTC)
	f := newFixture(t,
		account("a", models.AccountStatusPending, time.Time{}),
		account("leased", models.AccountStatusActive, now),
	)

	_, err := f.service.Validate(context.Background(), "ghost", "")
	assert.ErrorIs(t, err, ErrUnknownAccount)

	_, err = f.pool.Acquire(models.Specific("leased"), "job")
	require.NoError(t, err)
	_, err = f.service.Validate(context.Background(), "leased", "")
	assert.ErrorIs(t, err, ErrAccountBusy)
	assert.ErrorIs(t, f.service.ValidateNow("leased"), ErrAccountBusy)

	record, err := f.service.Validate(context.Background(), "a", models.ValidationMethodBrowser)
	require.NoError(t, err)
	assert.Equal(t, models.ValidationMethodBrowser, record.Method)
	assert.Equal(t, models.AccountStatusActive, status(t, f.pool, "a").Status)
}

func TestValidateNow_RunsInBackground(t *testing.T) {
	f := newFixture(t, account("a", models.AccountStatusPending, time.Time{}))

	require.NoError(t, f.service.ValidateNow("a"))
	assert.ErrorIs(t, f.service.ValidateNow("ghost"), ErrUnknownAccount)

	assert.Eventually(t, func() bool {
		a, _ := f.pool.Account("a")
		return a.Status == models.AccountStatusActive
	}, 2*time.Second, 10*time.Millisecond)
}

func TestStart_RejectsBadSchedule(t *testing.T) {
	f := newFixture(t)
	bad := NewService(f.pool, f.validator, Config{
		SweepInterval:      time.Minute,
		DailyResetSchedule: "not a cron spec",
	}, arbor.NewLogger())
	assert.Error(t, bad.Start())
}

func TestStart_RunsInitialSweep(t *testing.T) {
	f := newFixture(t, account("a", models.AccountStatusPending, time.Time{}))
	require.NoError(t, f.service.Start())

	assert.Eventually(t, func() bool {
		a, _ := f.pool.Account("a")
		return a.Status == models.AccountStatusActive
	}, 2*time.Second, 10*time.Millisecond)
}

func TestConfigFromCommon(t *testing.T) {
	cfg := ConfigFromCommon(common.NewDefaultConfig().Supervisor)
	assert.Equal(t, 30*time.Second, cfg.SweepInterval)
	assert.Equal(t, 10*time.Minute, cfg.LeaseTimeout)
	assert.Equal(t, time.Hour, cfg.StaleWindow)
	assert.Equal(t, 5*time.Minute, cfg.ReloadInterval)
	assert.Equal(t, "0 0 * * *", cfg.DailyResetSchedule)
}
