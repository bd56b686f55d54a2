package supervisor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/sessionpool/internal/common"
	"github.com/ternarybob/sessionpool/internal/models"
	"github.com/ternarybob/sessionpool/internal/services/pool"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

var (
	// ErrUnknownAccount is returned when a validation targets an ID the pool does not hold
	ErrUnknownAccount = errors.New("unknown account")
	// ErrAccountBusy is returned when the account is leased or already being validated
	ErrAccountBusy = errors.New("account is leased or being validated")
)

// AccountValidator runs health checks; the validation chain implements it
type AccountValidator interface {
	Validate(ctx context.Context, account *models.Account) *models.ValidationRecord
	ValidateWith(ctx context.Context, account *models.Account, method models.ValidationMethod) (*models.ValidationRecord, error)
}

// Config holds the sweep schedule and revalidation limits
type Config struct {
	SweepInterval        time.Duration
	LeaseTimeout         time.Duration
	StaleWindow          time.Duration
	Concurrency          int
	ValidationsPerSecond float64
	ReloadInterval       time.Duration // 0 disables periodic reload
	DailyResetSchedule   string        // cron spec in UTC
}

// ConfigFromCommon maps the supervisor config section
func ConfigFromCommon(cfg common.SupervisorConfig) Config {
	reload, _ := common.ParseOptionalDuration(cfg.ReloadInterval)
	return Config{
		SweepInterval:        common.MustDuration(cfg.SweepInterval, 30*time.Second),
		LeaseTimeout:         cfg.LeaseTimeout(),
		StaleWindow:          cfg.StaleValidationWindow(),
		Concurrency:          cfg.ValidationConcurrency,
		ValidationsPerSecond: cfg.ValidationsPerSecond,
		ReloadInterval:       reload,
		DailyResetSchedule:   cfg.DailyResetSchedule,
	}
}

// SweepReport summarizes one sweep
type SweepReport struct {
	Skipped           bool // another sweep was still running
	CooldownsExpired  int
	LeasesReclaimed   int
	BreakerPaused     bool
	Due               int
	Revalidated       int
	RevalidationsLeft int // due accounts not reached before the context ended
	Duration          time.Duration
}

// Service runs the periodic pool maintenance: cooldown expiry, lease
// reclamation, breaker recompute and revalidation, plus the UTC daily reset
// and the store reload. None of it runs on the allocation path.
type Service struct {
	pool      *pool.Pool
	validator AccountValidator
	config    Config
	limiter   *rate.Limiter
	cron      *cron.Cron
	logger    arbor.ILogger

	sweeping sync.Mutex

	inflightMu sync.Mutex
	inflight   map[string]struct{}

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewService creates the supervisor; Start schedules it
func NewService(p *pool.Pool, validator AccountValidator, config Config, logger arbor.ILogger) *Service {
	if config.Concurrency <= 0 {
		config.Concurrency = 1
	}
	if config.ValidationsPerSecond <= 0 {
		config.ValidationsPerSecond = 1
	}
	if config.DailyResetSchedule == "" {
		config.DailyResetSchedule = "0 0 * * *"
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Service{
		pool:      p,
		validator: validator,
		config:    config,
		limiter:   rate.NewLimiter(rate.Limit(config.ValidationsPerSecond), config.Concurrency),
		cron:      cron.New(cron.WithLocation(time.UTC)),
		logger:    logger,
		inflight:  make(map[string]struct{}),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Start registers the schedules, starts cron and kicks off a first sweep
func (s *Service) Start() error {
	if _, err := s.cron.AddFunc("@every "+s.config.SweepInterval.String(), s.runSweep); err != nil {
		return fmt.Errorf("invalid sweep interval: %w", err)
	}
	if _, err := s.cron.AddFunc(s.config.DailyResetSchedule, s.runDailyReset); err != nil {
		return fmt.Errorf("invalid daily reset schedule %q: %w", s.config.DailyResetSchedule, err)
	}
	if s.config.ReloadInterval > 0 {
		if _, err := s.cron.AddFunc("@every "+s.config.ReloadInterval.String(), s.runReload); err != nil {
			return fmt.Errorf("invalid reload interval: %w", err)
		}
	}

	s.cron.Start()
	s.logger.Info().
		Dur("sweep_interval", s.config.SweepInterval).
		Dur("reload_interval", s.config.ReloadInterval).
		Str("daily_reset", s.config.DailyResetSchedule).
		Msg("Pool supervisor started")

	s.wg.Add(1)
	common.SafeGo(s.logger, "supervisor-initial-sweep", func() {
		defer s.wg.Done()
		s.runSweep()
	})
	return nil
}

// Stop halts the schedules, cancels in-flight validations and waits for
// them, bounded by ctx
func (s *Service) Stop(ctx context.Context) {
	cronDone := s.cron.Stop()
	s.cancel()

	done := make(chan struct{})
	go func() {
		<-cronDone.Done()
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info().Msg("Pool supervisor stopped")
	case <-ctx.Done():
		s.logger.Warn().Msg("Pool supervisor stop timed out with work in flight")
	}
}

func (s *Service) runSweep() {
	report := s.Sweep(s.ctx)
	if report.Skipped {
		return
	}
	s.logger.Debug().
		Int("cooldowns_expired", report.CooldownsExpired).
		Int("leases_reclaimed", report.LeasesReclaimed).
		Bool("breaker_paused", report.BreakerPaused).
		Int("due", report.Due).
		Int("revalidated", report.Revalidated).
		Dur("duration", report.Duration).
		Msg("Pool sweep completed")
}

func (s *Service) runDailyReset() {
	reset := s.pool.DailyReset()
	s.logger.Info().Int("accounts_reset", reset).Msg("Daily quota reset completed")
}

func (s *Service) runReload() {
	ctx, cancel := context.WithTimeout(s.ctx, time.Minute)
	defer cancel()

	report, err := s.pool.Reload(ctx)
	if err != nil {
		s.logger.Warn().Err(err).Msg("Scheduled account reload failed")
		return
	}
	s.logger.Debug().
		Int("added", report.Added).
		Int("removed", report.Removed).
		Int("updated", report.Updated).
		Msg("Scheduled account reload completed")
}

// Sweep runs one maintenance pass. Concurrent calls do not overlap: a sweep
// started while another is running returns immediately with Skipped set.
func (s *Service) Sweep(ctx context.Context) SweepReport {
	if !s.sweeping.TryLock() {
		s.logger.Debug().Msg("Previous sweep still running, skipping")
		return SweepReport{Skipped: true}
	}
	defer s.sweeping.Unlock()

	start := time.Now()
	var report SweepReport

	report.CooldownsExpired = len(s.pool.ExpireCooldowns())
	report.LeasesReclaimed = len(s.pool.ReclaimExpiredLeases(s.config.LeaseTimeout))
	s.pool.RecomputeBreaker()

	due := s.pool.DueForValidation(s.config.StaleWindow)
	report.Due = len(due)
	report.Revalidated = s.revalidate(ctx, due)
	report.RevalidationsLeft = report.Due - report.Revalidated

	// fresh verdicts may already move the failure rate
	if report.Revalidated > 0 {
		s.pool.RecomputeBreaker()
	}
	report.BreakerPaused = s.pool.Paused()

	report.Duration = time.Since(start)
	return report
}

// revalidate checks due accounts with bounded concurrency, paced by the
// limiter. Returns how many verdicts were applied.
func (s *Service) revalidate(ctx context.Context, due []*models.Account) int {
	if len(due) == 0 {
		return 0
	}

	var applied atomic.Int32
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.config.Concurrency)

	for _, account := range due {
		if err := s.limiter.Wait(gctx); err != nil {
			break
		}
		if !s.claim(account.ID) {
			continue
		}
		g.Go(func() error {
			defer s.unclaim(account.ID)
			if _, ok := s.check(gctx, account, ""); ok {
				applied.Add(1)
			}
			return nil
		})
	}
	_ = g.Wait()

	return int(applied.Load())
}

// check validates one account snapshot and applies the verdict. A record
// produced while ctx was being cancelled is discarded so shutdown never
// counts against an account.
func (s *Service) check(ctx context.Context, account *models.Account, method models.ValidationMethod) (*models.ValidationRecord, bool) {
	var record *models.ValidationRecord
	if method == "" {
		record = s.validator.Validate(ctx, account)
	} else {
		var err error
		record, err = s.validator.ValidateWith(ctx, account, method)
		if err != nil {
			s.logger.Warn().Err(err).Str("account_id", account.ID).Msg("Validation not run")
			return nil, false
		}
	}

	if ctx.Err() != nil {
		s.logger.Debug().Str("account_id", account.ID).Msg("Validation cancelled, verdict discarded")
		return record, false
	}

	s.pool.ApplyValidation(record)
	return record, true
}

// Validate runs a validation for one account now and applies its verdict.
// An empty method runs the full chain. Leased accounts are refused.
func (s *Service) Validate(ctx context.Context, accountID string, method models.ValidationMethod) (*models.ValidationRecord, error) {
	account, ok := s.pool.Account(accountID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownAccount, accountID)
	}
	if s.pool.Leased(accountID) || !s.claim(accountID) {
		return nil, fmt.Errorf("%w: %s", ErrAccountBusy, accountID)
	}
	defer s.unclaim(accountID)

	record, applied := s.check(ctx, account, method)
	if record == nil {
		return nil, fmt.Errorf("validation method %s is not available", method)
	}
	if !applied {
		return record, ctx.Err()
	}
	return record, nil
}

// ValidateNow queues an immediate background validation. The error reports
// only why it could not be queued.
func (s *Service) ValidateNow(accountID string) error {
	if _, ok := s.pool.Account(accountID); !ok {
		return fmt.Errorf("%w: %s", ErrUnknownAccount, accountID)
	}
	if s.pool.Leased(accountID) {
		return fmt.Errorf("%w: %s", ErrAccountBusy, accountID)
	}

	s.wg.Add(1)
	common.SafeGo(s.logger, "validate-"+accountID, func() {
		defer s.wg.Done()
		record, err := s.Validate(s.ctx, accountID, "")
		if err != nil {
			s.logger.Warn().Err(err).Str("account_id", accountID).Msg("On-demand validation failed")
			return
		}
		s.logger.Info().
			Str("account_id", accountID).
			Str("method", string(record.Method)).
			Str("verdict", string(record.Verdict)).
			Msg("On-demand validation completed")
	})
	return nil
}

func (s *Service) claim(accountID string) bool {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	if _, busy := s.inflight[accountID]; busy {
		return false
	}
	s.inflight[accountID] = struct{}{}
	return true
}

func (s *Service) unclaim(accountID string) {
	s.inflightMu.Lock()
	delete(s.inflight, accountID)
	s.inflightMu.Unlock()
}
