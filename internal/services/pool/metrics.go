package pool

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/ternarybob/sessionpool/internal/models"
)

// Metrics contains the prometheus metrics of the pool. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	Acquires       *prometheus.CounterVec
	Releases       *prometheus.CounterVec
	StatusChanges  *prometheus.CounterVec
	LeasesReclaims prometheus.Counter
	StoreErrors    *prometheus.CounterVec

	Validations        *prometheus.CounterVec
	ValidationDuration *prometheus.HistogramVec

	Accounts      *prometheus.GaugeVec
	LeasedTotal   prometheus.Gauge
	BreakerPaused prometheus.Gauge
	FailureRate   *prometheus.GaugeVec
}

// NewMetrics creates and registers all pool metrics
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Acquires: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sessionpool_acquires_total",
				Help: "Acquire calls by policy and result",
			},
			[]string{"policy", "result"},
		),
		Releases: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sessionpool_releases_total",
				Help: "Released leases by reported outcome",
			},
			[]string{"outcome"},
		),
		StatusChanges: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sessionpool_status_changes_total",
				Help: "Account status transitions",
			},
			[]string{"from_status", "to_status", "reason"},
		),
		LeasesReclaims: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "sessionpool_leases_reclaimed_total",
				Help: "Leases force-released after the lease timeout",
			},
		),
		StoreErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sessionpool_store_write_errors_total",
				Help: "Failed write-through attempts to the credential store",
			},
			[]string{"kind"},
		),
		Validations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sessionpool_validations_total",
				Help: "Validation records by method and verdict",
			},
			[]string{"method", "verdict"},
		),
		ValidationDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "sessionpool_validation_duration_seconds",
				Help:    "Time spent in one validation method",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method"},
		),
		Accounts: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "sessionpool_accounts",
				Help: "Accounts in each status",
			},
			[]string{"status"},
		),
		LeasedTotal: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "sessionpool_leased_accounts",
				Help: "Accounts currently leased",
			},
		),
		BreakerPaused: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "sessionpool_breaker_paused",
				Help: "1 while the circuit breaker pauses allocation",
			},
		),
		FailureRate: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "sessionpool_failure_rate",
				Help: "Rolling failure rate per breaker window",
			},
			[]string{"window"},
		),
	}

	reg.MustRegister(
		m.Acquires,
		m.Releases,
		m.StatusChanges,
		m.LeasesReclaims,
		m.StoreErrors,
		m.Validations,
		m.ValidationDuration,
		m.Accounts,
		m.LeasedTotal,
		m.BreakerPaused,
		m.FailureRate,
	)

	return m
}

// TrackAcquire records one Acquire call
func (m *Metrics) TrackAcquire(policy models.Policy, err error) {
	if m == nil {
		return
	}
	result := "ok"
	var noAccountErr *NoAccountError
	if errors.As(err, &noAccountErr) {
		result = noAccountErr.Reason
	} else if err != nil {
		result = "error"
	}
	m.Acquires.WithLabelValues(string(policy.Kind), result).Inc()
}

// TrackRelease records one effective release
func (m *Metrics) TrackRelease(outcome models.Outcome) {
	if m == nil {
		return
	}
	m.Releases.WithLabelValues(string(outcome)).Inc()
}

// TrackStatusChange records an account transition
func (m *Metrics) TrackStatusChange(from, to models.AccountStatus, reason string) {
	if m == nil {
		return
	}
	m.StatusChanges.WithLabelValues(string(from), string(to), reason).Inc()
}

// TrackReclaim records force-released leases
func (m *Metrics) TrackReclaim(n int) {
	if m == nil || n == 0 {
		return
	}
	m.LeasesReclaims.Add(float64(n))
}

// TrackStoreError records a failed write attempt
func (m *Metrics) TrackStoreError(kind string) {
	if m == nil {
		return
	}
	m.StoreErrors.WithLabelValues(kind).Inc()
}

// TrackValidation records one validation record
func (m *Metrics) TrackValidation(record *models.ValidationRecord) {
	if m == nil || record == nil {
		return
	}
	m.Validations.WithLabelValues(string(record.Method), string(record.Verdict)).Inc()
	m.ValidationDuration.WithLabelValues(string(record.Method)).Observe(float64(record.ElapsedMs) / 1000)
}

// TrackPoolStatus updates the pool gauges
func (m *Metrics) TrackPoolStatus(status models.PoolStatus) {
	if m == nil {
		return
	}
	m.Accounts.WithLabelValues(string(models.AccountStatusPending)).Set(float64(status.PendingCount))
	m.Accounts.WithLabelValues(string(models.AccountStatusActive)).Set(float64(status.ActiveCount))
	m.Accounts.WithLabelValues(string(models.AccountStatusInvalid)).Set(float64(status.InvalidCount))
	m.Accounts.WithLabelValues(string(models.AccountStatusCooldown)).Set(float64(status.CooldownCount))
	m.Accounts.WithLabelValues(string(models.AccountStatusBlocked)).Set(float64(status.BlockedCount))
	m.LeasedTotal.Set(float64(status.LeasedCount))

	paused := 0.0
	if status.PausedForCircuitBreaker {
		paused = 1
	}
	m.BreakerPaused.Set(paused)
	m.FailureRate.WithLabelValues("validation").Set(status.ValidationFailureRate)
	m.FailureRate.WithLabelValues("use").Set(status.UseFailureRate)
}
