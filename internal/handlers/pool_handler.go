package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/sessionpool/internal/models"
	"github.com/ternarybob/sessionpool/internal/services/pool"
	"github.com/ternarybob/sessionpool/internal/services/supervisor"
)

// ValidationTrigger queues an immediate background validation
type ValidationTrigger interface {
	ValidateNow(accountID string) error
}

// PoolHandler serves the operator view of the pool. Cookie values never
// leave the process through it.
type PoolHandler struct {
	pool      *pool.Pool
	validator ValidationTrigger
	logger    arbor.ILogger
}

func NewPoolHandler(p *pool.Pool, validator ValidationTrigger, logger arbor.ILogger) *PoolHandler {
	return &PoolHandler{
		pool:      p,
		validator: validator,
		logger:    logger,
	}
}

// CookieView describes a cookie without its value
type CookieView struct {
	Name    string `json:"name"`
	Domain  string `json:"domain,omitempty"`
	Expires int64  `json:"expires,omitempty"`
	Expired bool   `json:"expired"`
}

// AccountView is the operator projection of an account
type AccountView struct {
	ID                          string                   `json:"id"`
	DisplayName                 string                   `json:"display_name"`
	BaseURL                     string                   `json:"base_url,omitempty"`
	ProxyRef                    string                   `json:"proxy_ref,omitempty"`
	Status                      models.AccountStatus     `json:"status"`
	Leased                      bool                     `json:"leased"`
	DailyRequestCount           int                      `json:"daily_request_count"`
	DailyRequestLimit           int                      `json:"daily_request_limit"`
	UsageRatio                  float64                  `json:"usage_ratio"`
	ConsecutiveFailures         int                      `json:"consecutive_failures"`
	ConsecutiveValidationErrors int                      `json:"consecutive_validation_errors"`
	ConsecutiveInvalid          int                      `json:"consecutive_invalid"`
	CooldownUntil               *time.Time               `json:"cooldown_until,omitempty"`
	NeedsRevalidation           bool                     `json:"needs_revalidation"`
	LastVerdict                 models.ValidationVerdict `json:"last_verdict,omitempty"`
	LastValidatedAt             *time.Time               `json:"last_validated_at,omitempty"`
	LastUsedAt                  *time.Time               `json:"last_used_at,omitempty"`
	Cookies                     []CookieView             `json:"cookies"`
}

// LeaseView is a lease without its release token
type LeaseView struct {
	AccountID   string    `json:"account_id"`
	HolderJobID string    `json:"holder_job_id"`
	AcquiredAt  time.Time `json:"acquired_at"`
	HeldFor     string    `json:"held_for"`
}

func optionalTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func newAccountView(a *models.Account, leased bool, now time.Time) AccountView {
	view := AccountView{
		ID:                          a.ID,
		DisplayName:                 a.DisplayName,
		BaseURL:                     a.BaseURL,
		ProxyRef:                    a.ProxyRef,
		Status:                      a.Status,
		Leased:                      leased,
		DailyRequestCount:           a.DailyRequestCount,
		DailyRequestLimit:           a.DailyRequestLimit,
		UsageRatio:                  a.UsageRatio(),
		ConsecutiveFailures:         a.ConsecutiveFailures,
		ConsecutiveValidationErrors: a.ConsecutiveValidationErrors,
		ConsecutiveInvalid:          a.ConsecutiveInvalid,
		CooldownUntil:               optionalTime(a.CooldownUntil),
		NeedsRevalidation:           a.NeedsRevalidation,
		LastVerdict:                 a.LastVerdict,
		LastValidatedAt:             optionalTime(a.LastValidatedAt),
		LastUsedAt:                  optionalTime(a.LastUsedAt),
		Cookies:                     make([]CookieView, 0, len(a.Cookies)),
	}
	for _, c := range a.Cookies {
		if c == nil {
			continue
		}
		view.Cookies = append(view.Cookies, CookieView{
			Name:    c.Name,
			Domain:  c.Domain,
			Expires: c.Expires,
			Expired: c.IsExpired(now),
		})
	}
	return view
}

func (h *PoolHandler) leasedSet() map[string]bool {
	leased := make(map[string]bool)
	for _, l := range h.pool.Leases() {
		leased[l.AccountID] = true
	}
	return leased
}

// StatusHandler returns the pool summary (GET /api/pool/status)
func (h *PoolHandler) StatusHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, "GET") {
		return
	}
	WriteJSON(w, http.StatusOK, h.pool.Status())
}

// ListAccountsHandler returns every account (GET /api/pool/accounts)
func (h *PoolHandler) ListAccountsHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, "GET") {
		return
	}

	now := h.pool.Now()
	leased := h.leasedSet()
	accounts := h.pool.Snapshot()
	views := make([]AccountView, 0, len(accounts))
	for _, a := range accounts {
		views = append(views, newAccountView(a, leased[a.ID], now))
	}

	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"accounts": views,
		"total":    len(views),
	})
}

// GetAccountHandler returns one account (GET /api/pool/accounts/{id})
func (h *PoolHandler) GetAccountHandler(w http.ResponseWriter, r *http.Request, accountID string) {
	if !RequireMethod(w, r, "GET") {
		return
	}

	account, ok := h.pool.Account(accountID)
	if !ok {
		WriteError(w, http.StatusNotFound, "Account not found")
		return
	}
	WriteJSON(w, http.StatusOK, newAccountView(account, h.pool.Leased(accountID), h.pool.Now()))
}

// ValidationsHandler returns the newest audit records of an account
// (GET /api/pool/accounts/{id}/validations?limit=N)
func (h *PoolHandler) ValidationsHandler(w http.ResponseWriter, r *http.Request, accountID string) {
	if !RequireMethod(w, r, "GET") {
		return
	}

	limit := QueryInt(r, "limit", 20, 500)
	records, err := h.pool.ValidationHistory(r.Context(), accountID, limit)
	if err != nil {
		h.logger.Error().Err(err).Str("account_id", accountID).Msg("Failed to list validation records")
		WriteError(w, http.StatusInternalServerError, "Failed to list validation records")
		return
	}
	if records == nil {
		records = []*models.ValidationRecord{}
	}

	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"account_id":  accountID,
		"validations": records,
	})
}

// ValidateHandler queues an immediate validation (POST /api/pool/accounts/{id}/validate)
func (h *PoolHandler) ValidateHandler(w http.ResponseWriter, r *http.Request, accountID string) {
	if !RequireMethod(w, r, "POST") {
		return
	}

	err := h.validator.ValidateNow(accountID)
	switch {
	case errors.Is(err, supervisor.ErrUnknownAccount):
		WriteError(w, http.StatusNotFound, "Account not found")
	case errors.Is(err, supervisor.ErrAccountBusy):
		WriteError(w, http.StatusConflict, err.Error())
	case err != nil:
		h.logger.Error().Err(err).Str("account_id", accountID).Msg("Failed to queue validation")
		WriteError(w, http.StatusInternalServerError, "Failed to queue validation")
	default:
		WriteStarted(w, "Validation queued for "+accountID)
	}
}

// LeasesHandler lists outstanding leases (GET /api/pool/leases)
func (h *PoolHandler) LeasesHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, "GET") {
		return
	}

	now := h.pool.Now()
	leases := h.pool.Leases()
	views := make([]LeaseView, 0, len(leases))
	for _, l := range leases {
		views = append(views, LeaseView{
			AccountID:   l.AccountID,
			HolderJobID: l.HolderJobID,
			AcquiredAt:  l.AcquiredAt,
			HeldFor:     now.Sub(l.AcquiredAt).Round(time.Second).String(),
		})
	}
	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"leases": views,
		"total":  len(views),
	})
}

// ResetBreakerHandler clears a breaker pause (POST /api/pool/breaker/reset)
func (h *PoolHandler) ResetBreakerHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, "POST") {
		return
	}

	h.pool.ResetBreaker()
	h.logger.Info().Str("remote", r.RemoteAddr).Msg("Circuit breaker reset by operator")
	WriteJSON(w, http.StatusOK, h.pool.Status())
}

// PauseHandler pauses all allocation until reset (POST /api/pool/breaker/pause)
// Body: {"reason": "..."}
func (h *PoolHandler) PauseHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, "POST") {
		return
	}

	var req struct {
		Reason string `json:"reason"`
	}
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			WriteError(w, http.StatusBadRequest, "Invalid request body")
			return
		}
	}
	if req.Reason == "" {
		req.Reason = "paused by operator"
	}

	h.pool.Pause(req.Reason)
	h.logger.Warn().Str("reason", req.Reason).Str("remote", r.RemoteAddr).Msg("Pool paused by operator")
	WriteJSON(w, http.StatusOK, h.pool.Status())
}

// ReloadHandler re-reads the credential store now (POST /api/pool/reload)
func (h *PoolHandler) ReloadHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, "POST") {
		return
	}

	report, err := h.pool.Reload(r.Context())
	if err != nil {
		h.logger.Error().Err(err).Msg("On-demand reload failed")
		WriteError(w, http.StatusBadGateway, "Failed to reload accounts from store")
		return
	}

	WriteJSON(w, http.StatusOK, map[string]int{
		"added":   report.Added,
		"removed": report.Removed,
		"updated": report.Updated,
	})
}

// AccountRoutes dispatches /api/pool/accounts/{id}[/validations|/validate]
func (h *PoolHandler) AccountRoutes(w http.ResponseWriter, r *http.Request) {
	segments := PathSegments(r.URL.Path, "/api/pool/accounts/")
	switch {
	case len(segments) == 1:
		h.GetAccountHandler(w, r, segments[0])
	case len(segments) == 2 && segments[1] == "validations":
		h.ValidationsHandler(w, r, segments[0])
	case len(segments) == 2 && segments[1] == "validate":
		h.ValidateHandler(w, r, segments[0])
	default:
		WriteError(w, http.StatusNotFound, "Not found")
	}
}
