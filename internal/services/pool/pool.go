// Package pool is the single in-process authority over the account pool:
// allocation, release, validation results and the circuit breaker all go
// through one Pool value and its mutex.
package pool

import (
	"context"
	"fmt"
	"math/rand/v2"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/sessionpool/internal/common"
	"github.com/ternarybob/sessionpool/internal/interfaces"
	"github.com/ternarybob/sessionpool/internal/models"
	"github.com/ternarybob/sessionpool/internal/services/quota"
)

// Transition reasons owned by the pool
const (
	ReasonValidatedActive   = "validated_active"
	ReasonValidatedInvalid  = "validated_invalid"
	ReasonPersistentInvalid = "persistent_invalid"
	ReasonValidationErrors  = "repeated_validation_errors"
	ReasonExternalChange    = "external_change"
)

// Options configures a Pool
type Options struct {
	Defaults                   models.AccountDefaults
	Limits                     quota.Limits
	Breaker                    BreakerSettings
	MaxValidationErrors        int
	PersistentInvalidThreshold int
}

// OptionsFromConfig maps the application config to pool options
func OptionsFromConfig(cfg *common.Config) Options {
	return Options{
		Defaults: models.AccountDefaults{
			DailyRequestLimit: cfg.Pool.DefaultDailyRequestLimit,
			MinDelayMs:        cfg.Pool.DefaultMinDelayMs,
			MaxDelayMs:        cfg.Pool.DefaultMaxDelayMs,
		},
		Limits:                     quota.LimitsFromConfig(cfg.Pool),
		Breaker:                    BreakerSettingsFromConfig(cfg.Breaker),
		MaxValidationErrors:        cfg.Pool.MaxValidationErrors,
		PersistentInvalidThreshold: cfg.Pool.PersistentInvalidThreshold,
	}
}

// Option customizes a Pool at construction
type Option func(*Pool)

// WithClock replaces the wall clock
func WithClock(now func() time.Time) Option {
	return func(p *Pool) {
		p.now = now
	}
}

// WithMetrics attaches prometheus metrics
func WithMetrics(metrics *Metrics) Option {
	return func(p *Pool) {
		p.metrics = metrics
	}
}

// WithEvents attaches the event bus
func WithEvents(events interfaces.EventService) Option {
	return func(p *Pool) {
		p.events = events
	}
}

// ReloadReport summarizes one merge of the store into memory
type ReloadReport struct {
	Added   int
	Removed int
	Updated int
}

// Pool owns every live Account and Lease
type Pool struct {
	mu       sync.Mutex
	accounts map[string]*models.Account
	leases   map[string]*models.Lease // by account ID

	opts    Options
	tracker *quota.Tracker
	breaker *Breaker

	store   interfaces.CredentialStore
	writer  *Writer
	events  interfaces.EventService
	metrics *Metrics
	logger  arbor.ILogger
	now     func() time.Time
}

// New creates an empty pool. Call Reload to load accounts from the store.
func New(store interfaces.CredentialStore, logger arbor.ILogger, opts Options, options ...Option) *Pool {
	if opts.MaxValidationErrors <= 0 {
		opts.MaxValidationErrors = 3
	}
	if opts.PersistentInvalidThreshold <= 0 {
		opts.PersistentInvalidThreshold = 3
	}

	p := &Pool{
		accounts: make(map[string]*models.Account),
		leases:   make(map[string]*models.Lease),
		opts:     opts,
		tracker:  quota.NewTracker(opts.Limits),
		breaker:  NewBreaker(opts.Breaker),
		store:    store,
		logger:   logger,
		now:      time.Now,
	}
	for _, o := range options {
		o(p)
	}
	p.writer = NewWriter(store, logger, p.metrics)
	return p
}

// Close flushes pending store writes
func (p *Pool) Close(ctx context.Context) {
	p.writer.Close(ctx)
}

// Flush waits for queued store writes
func (p *Pool) Flush(ctx context.Context) error {
	return p.writer.Flush(ctx)
}

// Now returns the pool's clock reading
func (p *Pool) Now() time.Time {
	return p.now()
}

// Acquire reserves one account for jobID. It never blocks on I/O: when
// nothing is eligible it returns a *NoAccountError matching
// ErrNoAccountAvailable. Specific never falls back to rotation.
func (p *Pool) Acquire(policy models.Policy, jobID string) (*models.AccountHandle, error) {
	p.mu.Lock()
	handle, err := p.acquireLocked(policy, jobID, p.now())
	p.mu.Unlock()

	p.metrics.TrackAcquire(policy, err)
	if err == nil {
		p.logger.Debug().
			Str("account_id", handle.AccountID).
			Str("job_id", jobID).
			Str("policy", policy.String()).
			Msg("Account leased")
	}
	return handle, err
}

func (p *Pool) acquireLocked(policy models.Policy, jobID string, now time.Time) (*models.AccountHandle, error) {
	if p.breaker.Paused() {
		return nil, noAccount(ReasonPaused, policy.AccountID)
	}

	if policy.Kind == models.PolicySpecific {
		a, ok := p.accounts[policy.AccountID]
		if !ok {
			return nil, noAccount(ReasonUnknownAccount, policy.AccountID)
		}
		if !p.eligibleLocked(a, now) {
			reason := ReasonNotEligible
			if p.exhaustedLocked(a) {
				reason = ReasonExhausted
			}
			return nil, noAccount(reason, a.ID)
		}
		return p.reserveLocked(a, jobID, now)
	}

	candidates := make([]*models.Account, 0, len(p.accounts))
	for _, a := range p.accounts {
		if p.eligibleLocked(a, now) {
			candidates = append(candidates, a)
		}
	}
	if len(candidates) == 0 {
		return nil, noAccount(ReasonExhausted, "")
	}

	slices.SortFunc(candidates, compareRotation)
	return p.reserveLocked(candidates[0], jobID, now)
}

// compareRotation orders candidates by least spent budget share, then least
// recently used (never used first), then ID.
func compareRotation(a, b *models.Account) int {
	ra, rb := a.UsageRatio(), b.UsageRatio()
	if ra != rb {
		if ra < rb {
			return -1
		}
		return 1
	}
	if !a.LastUsedAt.Equal(b.LastUsedAt) {
		if a.LastUsedAt.Before(b.LastUsedAt) {
			return -1
		}
		return 1
	}
	return strings.Compare(a.ID, b.ID)
}

func (p *Pool) eligibleLocked(a *models.Account, now time.Time) bool {
	if _, leased := p.leases[a.ID]; leased {
		return false
	}
	if a.NeedsRevalidation {
		return false
	}
	return p.tracker.CanConsume(a, now)
}

func (p *Pool) exhaustedLocked(a *models.Account) bool {
	return a.Status == models.AccountStatusActive && a.DailyRequestCount >= a.DailyRequestLimit
}

func (p *Pool) reserveLocked(a *models.Account, jobID string, now time.Time) (*models.AccountHandle, error) {
	if existing, leased := p.leases[a.ID]; leased {
		p.logger.Error().
			Str("account_id", a.ID).
			Str("job_id", jobID).
			Str("holder_job_id", existing.HolderJobID).
			Msg("Lease conflict: account already leased")
		return nil, fmt.Errorf("%w: account %s held by job %s", ErrLeaseConflict, a.ID, existing.HolderJobID)
	}

	lease := &models.Lease{
		AccountID:   a.ID,
		HolderJobID: jobID,
		Token:       common.NewLeaseToken(),
		AcquiredAt:  now,
	}
	p.leases[a.ID] = lease

	snapshot := a.Clone()
	return &models.AccountHandle{
		AccountID:   snapshot.ID,
		DisplayName: snapshot.DisplayName,
		BaseURL:     snapshot.BaseURL,
		UserAgent:   snapshot.UserAgent,
		Cookies:     snapshot.Cookies,
		ProxyRef:    snapshot.ProxyRef,
		Token:       lease.Token,
		AcquiredAt:  now,
		PaceDelay:   paceDelay(snapshot),
	}, nil
}

// paceDelay picks a spacing within [min, max] delay
func paceDelay(a *models.Account) time.Duration {
	minDelay, maxDelay := a.MinDelay(), a.MaxDelay()
	if maxDelay <= minDelay {
		return minDelay
	}
	return minDelay + time.Duration(rand.Int64N(int64(maxDelay-minDelay)+1))
}

// Release ends the lease behind handle and applies the outcome. Releasing
// with a stale or already used token is a no-op, as is releasing an account
// that was deleted meanwhile.
func (p *Pool) Release(handle *models.AccountHandle, outcome models.Outcome) error {
	if handle == nil {
		return fmt.Errorf("release: nil handle")
	}
	if !outcome.IsValid() {
		return fmt.Errorf("release: unknown outcome %q", outcome)
	}

	var fx effects
	p.mu.Lock()
	lease, ok := p.leases[handle.AccountID]
	if !ok || lease.Token != handle.Token {
		p.mu.Unlock()
		p.logger.Debug().Str("account_id", handle.AccountID).Msg("Release with stale lease token ignored")
		return nil
	}
	delete(p.leases, handle.AccountID)

	if a, exists := p.accounts[handle.AccountID]; exists {
		p.recordUseLocked(a, outcome, &fx)
	}
	p.mu.Unlock()

	p.metrics.TrackRelease(outcome)
	p.apply(fx)
	return nil
}

func (p *Pool) recordUseLocked(a *models.Account, outcome models.Outcome, fx *effects) {
	now := p.now()
	tr := p.tracker.RecordUse(a, outcome, now)
	p.breaker.RecordUse(now, outcome != models.OutcomeSuccess)
	fx.persist(a, tr)
	p.recomputeBreakerLocked(now, fx)
}

// ReclaimExpiredLeases force-releases leases held longer than timeout with
// outcome failure and returns them.
func (p *Pool) ReclaimExpiredLeases(timeout time.Duration) []models.Lease {
	var fx effects
	var reclaimed []models.Lease

	p.mu.Lock()
	now := p.now()
	for id, lease := range p.leases {
		if now.Sub(lease.AcquiredAt) < timeout {
			continue
		}
		delete(p.leases, id)
		reclaimed = append(reclaimed, *lease)
		if a, exists := p.accounts[id]; exists {
			p.recordUseLocked(a, models.OutcomeFailure, &fx)
		}
		fx.publish(interfaces.EventLeaseReclaimed, *lease)
	}
	p.mu.Unlock()

	for _, lease := range reclaimed {
		p.logger.Warn().
			Str("account_id", lease.AccountID).
			Str("holder_job_id", lease.HolderJobID).
			Dur("held_for", now.Sub(lease.AcquiredAt)).
			Msg("Lease reclaimed after timeout")
	}
	p.metrics.TrackReclaim(len(reclaimed))
	p.apply(fx)
	return reclaimed
}

// ApplyValidation folds one validation record into the account state and
// appends it to the audit trail. Records for unknown accounts are still
// written.
func (p *Pool) ApplyValidation(record *models.ValidationRecord) {
	if record == nil {
		return
	}

	var fx effects
	fx.records = append(fx.records, record)

	p.mu.Lock()
	now := p.now()
	p.breaker.RecordValidation(now, record.IsFailure())
	if a, ok := p.accounts[record.AccountID]; ok {
		tr := p.applyVerdictLocked(a, record, now)
		fx.persist(a, tr)
	}
	p.recomputeBreakerLocked(now, &fx)
	p.mu.Unlock()

	p.metrics.TrackValidation(record)
	fx.publish(interfaces.EventValidationCompleted, record)
	p.apply(fx)
}

func (p *Pool) applyVerdictLocked(a *models.Account, record *models.ValidationRecord, now time.Time) quota.Transition {
	from := a.Status
	a.LastValidatedAt = now
	a.LastVerdict = record.Verdict
	a.UpdatedAt = now

	if from == models.AccountStatusBlocked {
		return quota.Transition{From: from, To: from}
	}

	switch record.Verdict {
	case models.VerdictActive:
		a.ConsecutiveValidationErrors = 0
		a.ConsecutiveInvalid = 0
		a.NeedsRevalidation = false
		p.tracker.RecordSuccess(a, now)
		// a validation never shortens a cooldown
		if from != models.AccountStatusCooldown {
			a.Status = models.AccountStatusActive
		}
		return quota.Transition{From: from, To: a.Status, Reason: ReasonValidatedActive}

	case models.VerdictInvalid:
		a.ConsecutiveValidationErrors = 0
		a.CooldownUntil = time.Time{}
		// the streak only starts on an account that has served as ACTIVE or
		// COOLDOWN; a session that never worked stays INVALID
		if from == models.AccountStatusActive || from == models.AccountStatusCooldown || a.ConsecutiveInvalid > 0 {
			a.ConsecutiveInvalid++
		}
		reason := ReasonValidatedInvalid
		if a.ConsecutiveInvalid > 0 && a.ConsecutiveInvalid >= p.opts.PersistentInvalidThreshold {
			a.Status = models.AccountStatusBlocked
			reason = ReasonPersistentInvalid
		} else {
			a.Status = models.AccountStatusInvalid
		}
		return quota.Transition{From: from, To: a.Status, Reason: reason}

	default:
		if record.ChallengeDetected {
			return p.tracker.RecordRateLimitSignal(a, now)
		}
		a.ConsecutiveValidationErrors++
		if a.ConsecutiveValidationErrors >= p.opts.MaxValidationErrors &&
			(from == models.AccountStatusActive || from == models.AccountStatusPending) {
			a.Status = models.AccountStatusInvalid
			return quota.Transition{From: from, To: a.Status, Reason: ReasonValidationErrors}
		}
		return p.tracker.RecordValidationError(a, now)
	}
}

// ExpireCooldowns returns elapsed COOLDOWN accounts to ACTIVE pending
// revalidation. Returns the IDs that moved.
func (p *Pool) ExpireCooldowns() []string {
	var fx effects
	var expired []string

	p.mu.Lock()
	now := p.now()
	for _, a := range p.accounts {
		tr := p.tracker.ExpireCooldown(a, now)
		if tr.Changed() {
			expired = append(expired, a.ID)
			fx.persist(a, tr)
		}
	}
	p.mu.Unlock()

	p.apply(fx)
	sort.Strings(expired)
	return expired
}

// DailyReset eagerly rolls every account's counter over to the current UTC
// day. Idempotent with the lazy rollover in CanConsume.
func (p *Pool) DailyReset() int {
	var fx effects
	reset := 0

	p.mu.Lock()
	now := p.now()
	for _, a := range p.accounts {
		if p.tracker.Rollover(a, now) {
			a.UpdatedAt = now
			reset++
			fx.persist(a, quota.Transition{From: a.Status, To: a.Status})
		}
	}
	p.mu.Unlock()

	p.apply(fx)
	return reset
}

// DueForValidation returns snapshots of unleased accounts that need a health
// check: pending ones, ones flagged after a cooldown, ones whose last check
// was inconclusive and ones older than staleWindow. Flagged accounts come
// first, then pending, then oldest check.
func (p *Pool) DueForValidation(staleWindow time.Duration) []*models.Account {
	p.mu.Lock()
	now := p.now()
	var due []*models.Account
	for _, a := range p.accounts {
		if _, leased := p.leases[a.ID]; leased {
			continue
		}
		switch a.Status {
		case models.AccountStatusBlocked, models.AccountStatusCooldown:
			continue
		}
		stale := a.LastValidatedAt.IsZero() || now.Sub(a.LastValidatedAt) >= staleWindow
		if a.Status == models.AccountStatusPending || a.NeedsRevalidation || a.LastVerdict == models.VerdictError || stale {
			due = append(due, a.Clone())
		}
	}
	p.mu.Unlock()

	priority := func(a *models.Account) int {
		switch {
		case a.NeedsRevalidation:
			return 0
		case a.Status == models.AccountStatusPending:
			return 1
		}
		return 2
	}
	sort.Slice(due, func(i, j int) bool {
		pi, pj := priority(due[i]), priority(due[j])
		if pi != pj {
			return pi < pj
		}
		if !due[i].LastValidatedAt.Equal(due[j].LastValidatedAt) {
			return due[i].LastValidatedAt.Before(due[j].LastValidatedAt)
		}
		return due[i].ID < due[j].ID
	})
	return due
}

// Reload re-reads the store and merges it into memory. Fields owned by the
// external layer are taken from the store; counters stay in memory. A newer
// UpdatedAt in the store means an operator changed the status (for example
// reset a BLOCKED account) and the stored status wins.
func (p *Pool) Reload(ctx context.Context) (ReloadReport, error) {
	loaded, err := p.store.LoadAccounts(ctx)
	if err != nil {
		return ReloadReport{}, fmt.Errorf("failed to load accounts: %w", err)
	}

	var fx effects
	var report ReloadReport
	seen := make(map[string]bool, len(loaded))

	p.mu.Lock()
	now := p.now()
	for _, incoming := range loaded {
		if incoming == nil || incoming.ID == "" {
			continue
		}
		seen[incoming.ID] = true
		incoming.Normalize(p.opts.Defaults, now)

		existing, ok := p.accounts[incoming.ID]
		if !ok {
			p.accounts[incoming.ID] = incoming.Clone()
			report.Added++
			continue
		}
		if tr, changed := p.mergeLocked(existing, incoming, now); changed {
			report.Updated++
			if tr.Changed() {
				fx.statusChanged(existing.ID, tr)
			}
		}
	}
	for id := range p.accounts {
		if !seen[id] {
			delete(p.accounts, id)
			// the holder's later Release finds no lease and is ignored
			delete(p.leases, id)
			report.Removed++
		}
	}
	p.mu.Unlock()

	p.apply(fx)
	p.logger.Info().
		Int("accounts", len(seen)).
		Int("added", report.Added).
		Int("removed", report.Removed).
		Int("updated", report.Updated).
		Msg("Account pool reloaded")
	return report, nil
}

func (p *Pool) mergeLocked(existing, incoming *models.Account, now time.Time) (quota.Transition, bool) {
	changed := false
	cookiesChanged := !sameCookies(existing.Cookies, incoming.Cookies)

	if existing.DisplayName != incoming.DisplayName || existing.BaseURL != incoming.BaseURL ||
		existing.UserAgent != incoming.UserAgent || existing.ProxyRef != incoming.ProxyRef ||
		existing.DailyRequestLimit != incoming.DailyRequestLimit ||
		existing.MinDelayMs != incoming.MinDelayMs || existing.MaxDelayMs != incoming.MaxDelayMs ||
		cookiesChanged {
		changed = true
	}

	existing.DisplayName = incoming.DisplayName
	existing.BaseURL = incoming.BaseURL
	existing.UserAgent = incoming.UserAgent
	existing.ProxyRef = incoming.ProxyRef
	existing.DailyRequestLimit = incoming.DailyRequestLimit
	existing.MinDelayMs = incoming.MinDelayMs
	existing.MaxDelayMs = incoming.MaxDelayMs
	if existing.DailyRequestCount > existing.DailyRequestLimit {
		existing.DailyRequestCount = existing.DailyRequestLimit
	}
	if cookiesChanged {
		existing.Cookies = incoming.Clone().Cookies
		if existing.Status == models.AccountStatusActive {
			existing.NeedsRevalidation = true
		}
	}

	from := existing.Status
	if incoming.Status != existing.Status && incoming.UpdatedAt.After(existing.UpdatedAt) {
		existing.Status = incoming.Status
		existing.CooldownUntil = incoming.CooldownUntil
		existing.ConsecutiveFailures = 0
		existing.ConsecutiveValidationErrors = 0
		existing.ConsecutiveInvalid = 0
		existing.NeedsRevalidation = incoming.Status == models.AccountStatusActive
		existing.Normalize(p.opts.Defaults, now)
		changed = true
	}
	if changed {
		existing.UpdatedAt = maxTime(existing.UpdatedAt, incoming.UpdatedAt)
	}
	return quota.Transition{From: from, To: existing.Status, Reason: ReasonExternalChange}, changed
}

func sameCookies(a, b []*models.SessionCookie) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if (a[i] == nil) != (b[i] == nil) {
			return false
		}
		if a[i] != nil && *a[i] != *b[i] {
			return false
		}
	}
	return true
}

func maxTime(a, b time.Time) time.Time {
	if a.After(b) {
		return a
	}
	return b
}

// Status returns the operator view of the pool
func (p *Pool) Status() models.PoolStatus {
	p.mu.Lock()
	now := p.now()
	status := models.PoolStatus{
		TotalAccounts:           len(p.accounts),
		LeasedCount:             len(p.leases),
		PausedForCircuitBreaker: p.breaker.Paused(),
		PauseReason:             p.breaker.Reason(),
		PausedAt:                p.breaker.PausedAt(),
	}
	status.ValidationFailureRate, status.UseFailureRate = p.breaker.Rates(now)
	for _, a := range p.accounts {
		switch a.Status {
		case models.AccountStatusPending:
			status.PendingCount++
		case models.AccountStatusActive:
			status.ActiveCount++
		case models.AccountStatusInvalid:
			status.InvalidCount++
		case models.AccountStatusCooldown:
			status.CooldownCount++
		case models.AccountStatusBlocked:
			status.BlockedCount++
		}
	}
	p.mu.Unlock()

	p.metrics.TrackPoolStatus(status)
	return status
}

// Snapshot returns copies of every account ordered by ID
func (p *Pool) Snapshot() []*models.Account {
	p.mu.Lock()
	accounts := make([]*models.Account, 0, len(p.accounts))
	for _, a := range p.accounts {
		accounts = append(accounts, a.Clone())
	}
	p.mu.Unlock()

	sort.Slice(accounts, func(i, j int) bool { return accounts[i].ID < accounts[j].ID })
	return accounts
}

// Account returns a copy of one account
func (p *Pool) Account(id string) (*models.Account, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	a, ok := p.accounts[id]
	if !ok {
		return nil, false
	}
	return a.Clone(), true
}

// Leases returns copies of the outstanding leases
func (p *Pool) Leases() []models.Lease {
	p.mu.Lock()
	leases := make([]models.Lease, 0, len(p.leases))
	for _, l := range p.leases {
		leases = append(leases, *l)
	}
	p.mu.Unlock()

	sort.Slice(leases, func(i, j int) bool { return leases[i].AccountID < leases[j].AccountID })
	return leases
}

// Leased reports whether the account is currently checked out
func (p *Pool) Leased(accountID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.leases[accountID]
	return ok
}

// ValidationHistory returns the newest audit records of an account
func (p *Pool) ValidationHistory(ctx context.Context, accountID string, limit int) ([]*models.ValidationRecord, error) {
	return p.store.ListValidationRecords(ctx, accountID, limit)
}

// Pause stops all allocation until ResetBreaker
func (p *Pool) Pause(reason string) {
	var fx effects
	p.mu.Lock()
	if p.breaker.Pause(reason, p.now()) {
		fx.publish(interfaces.EventBreakerTripped, p.breakerPayloadLocked())
	}
	p.mu.Unlock()

	p.logger.Warn().Str("reason", reason).Msg("Pool paused by operator")
	p.apply(fx)
}

// ResetBreaker clears the pause and both failure windows
func (p *Pool) ResetBreaker() {
	var fx effects
	p.mu.Lock()
	if p.breaker.Reset() {
		fx.publish(interfaces.EventBreakerCleared, p.breakerPayloadLocked())
	}
	p.mu.Unlock()

	p.logger.Info().Msg("Circuit breaker reset by operator")
	p.apply(fx)
}

// Paused reports whether allocation is currently stopped
func (p *Pool) Paused() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.breaker.Paused()
}

// RecomputeBreaker re-evaluates the breaker as samples age out. Returns
// whether the paused state changed.
func (p *Pool) RecomputeBreaker() bool {
	var fx effects
	p.mu.Lock()
	changed := p.recomputeBreakerLocked(p.now(), &fx)
	p.mu.Unlock()

	p.apply(fx)
	return changed
}

func (p *Pool) recomputeBreakerLocked(now time.Time, fx *effects) bool {
	if !p.breaker.Recompute(now) {
		return false
	}
	if p.breaker.Paused() {
		reason := p.breaker.Reason()
		fx.publish(interfaces.EventBreakerTripped, p.breakerPayloadLocked())
		fx.logs = append(fx.logs, func(logger arbor.ILogger) {
			logger.Error().Str("reason", reason).Msg("Circuit breaker tripped: allocation paused for all policies")
		})
	} else {
		fx.publish(interfaces.EventBreakerCleared, p.breakerPayloadLocked())
		fx.logs = append(fx.logs, func(logger arbor.ILogger) {
			logger.Info().Msg("Circuit breaker cleared: failure rate recovered")
		})
	}
	return true
}

// BreakerState is the payload of breaker events
type BreakerState struct {
	Paused   bool      `json:"paused"`
	Reason   string    `json:"reason,omitempty"`
	PausedAt time.Time `json:"paused_at,omitempty"`
}

func (p *Pool) breakerPayloadLocked() BreakerState {
	return BreakerState{
		Paused:   p.breaker.Paused(),
		Reason:   p.breaker.Reason(),
		PausedAt: p.breaker.PausedAt(),
	}
}

// effects collects the side effects of a locked section so that store writes,
// events and logging happen after the mutex is released.
type effects struct {
	writes  []accountWrite
	records []*models.ValidationRecord
	changes []interfaces.StatusChange
	events  []interfaces.Event
	logs    []func(arbor.ILogger)
}

func (fx *effects) persist(a *models.Account, tr quota.Transition) {
	if tr.Changed() {
		fx.statusChanged(a.ID, tr)
	}
	fx.writes = append(fx.writes, accountWrite{account: a.Clone(), transition: tr.Changed()})
}

func (fx *effects) statusChanged(accountID string, tr quota.Transition) {
	change := interfaces.StatusChange{
		AccountID: accountID,
		From:      string(tr.From),
		To:        string(tr.To),
		Reason:    tr.Reason,
	}
	fx.changes = append(fx.changes, change)
	fx.publish(interfaces.EventAccountStatusChanged, change)
}

func (fx *effects) publish(eventType interfaces.EventType, payload interface{}) {
	fx.events = append(fx.events, interfaces.Event{Type: eventType, Payload: payload})
}

func (p *Pool) apply(fx effects) {
	for _, write := range fx.writes {
		p.writer.PersistAccount(write.account, write.transition)
	}
	for _, record := range fx.records {
		p.writer.AppendRecord(record)
	}
	for _, change := range fx.changes {
		p.metrics.TrackStatusChange(models.AccountStatus(change.From), models.AccountStatus(change.To), change.Reason)
		p.logger.Info().
			Str("account_id", change.AccountID).
			Str("from", change.From).
			Str("to", change.To).
			Str("reason", change.Reason).
			Msg("Account status changed")
	}
	for _, log := range fx.logs {
		log(p.logger)
	}
	if p.events == nil {
		return
	}
	for _, event := range fx.events {
		if err := p.events.Publish(context.Background(), event); err != nil {
			p.logger.Warn().Err(err).Str("event_type", string(event.Type)).Msg("Failed to publish pool event")
		}
	}
}
