package models

import (
	"net/http"
	"strings"
	"time"
)

// AccountStatus is the lifecycle state of a borrowed session
type AccountStatus string

const (
	AccountStatusPending  AccountStatus = "PENDING"
	AccountStatusActive   AccountStatus = "ACTIVE"
	AccountStatusInvalid  AccountStatus = "INVALID"
	AccountStatusBlocked  AccountStatus = "BLOCKED"
	AccountStatusCooldown AccountStatus = "COOLDOWN"
)

// IsValid reports whether s is one of the known statuses
func (s AccountStatus) IsValid() bool {
	switch s {
	case AccountStatusPending, AccountStatusActive, AccountStatusInvalid, AccountStatusBlocked, AccountStatusCooldown:
		return true
	}
	return false
}

// SessionCookie is one credential token of a session jar, in the shape the
// browser extension captures it.
type SessionCookie struct {
	Name     string `json:"name" toml:"name" yaml:"name"`
	Value    string `json:"value" toml:"value" yaml:"value"`
	Domain   string `json:"domain" toml:"domain" yaml:"domain"`
	Path     string `json:"path" toml:"path" yaml:"path"`
	Expires  int64  `json:"expires" toml:"expires" yaml:"expires"` // unix seconds, 0 = session cookie
	Secure   bool   `json:"secure" toml:"secure" yaml:"secure"`
	HTTPOnly bool   `json:"httpOnly" toml:"http_only" yaml:"httpOnly"`
	SameSite string `json:"sameSite" toml:"same_site" yaml:"sameSite"`
}

// IsExpired reports whether the cookie carries an expiry that has passed
func (c *SessionCookie) IsExpired(now time.Time) bool {
	return c.Expires > 0 && time.Unix(c.Expires, 0).Before(now)
}

// ToHTTPCookie converts the session cookie to a standard HTTP cookie
func (c *SessionCookie) ToHTTPCookie() *http.Cookie {
	cookie := &http.Cookie{
		Name:     c.Name,
		Value:    c.Value,
		Domain:   c.Domain,
		Path:     c.Path,
		Secure:   c.Secure,
		HttpOnly: c.HTTPOnly,
	}

	if c.Expires > 0 {
		cookie.Expires = time.Unix(c.Expires, 0)
	}

	switch strings.ToLower(c.SameSite) {
	case "strict":
		cookie.SameSite = http.SameSiteStrictMode
	case "lax":
		cookie.SameSite = http.SameSiteLaxMode
	case "none", "no_restriction":
		cookie.SameSite = http.SameSiteNoneMode
	default:
		cookie.SameSite = http.SameSiteDefaultMode
	}

	return cookie
}

// AccountDefaults holds the limits applied to accounts registered without their own
type AccountDefaults struct {
	DailyRequestLimit int
	MinDelayMs        int64
	MaxDelayMs        int64
}

// Account is one borrowed login identity with its quotas and health.
// Every mutation of a live account goes through the pool authority; anything
// handed out of the pool is a Clone.
type Account struct {
	ID          string           `json:"id"`
	DisplayName string           `json:"display_name"`
	BaseURL     string           `json:"base_url"`
	UserAgent   string           `json:"user_agent"`
	Cookies     []*SessionCookie `json:"cookies"`
	ProxyRef    string           `json:"proxy_ref,omitempty"`

	Status AccountStatus `json:"status" badgerhold:"index"`

	DailyRequestCount int       `json:"daily_request_count"`
	DailyRequestLimit int       `json:"daily_request_limit"`
	DailyWindowStart  time.Time `json:"daily_window_start"` // UTC midnight of the counting day

	MinDelayMs int64 `json:"min_delay_ms"`
	MaxDelayMs int64 `json:"max_delay_ms"`

	ConsecutiveFailures         int       `json:"consecutive_failures"`
	ConsecutiveValidationErrors int       `json:"consecutive_validation_errors"`
	ConsecutiveInvalid          int       `json:"consecutive_invalid"`
	CooldownUntil               time.Time `json:"cooldown_until,omitempty"` // zero unless Status == COOLDOWN
	NeedsRevalidation           bool      `json:"needs_revalidation"`

	LastValidatedAt time.Time         `json:"last_validated_at,omitempty"`
	LastVerdict     ValidationVerdict `json:"last_verdict,omitempty"`
	LastUsedAt      time.Time         `json:"last_used_at,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NewAccount creates a PENDING account with limits taken from defaults where
// the caller left them zero.
func NewAccount(id, displayName string, cookies []*SessionCookie, defaults AccountDefaults, now time.Time) *Account {
	a := &Account{
		ID:          id,
		DisplayName: displayName,
		Cookies:     cookies,
		Status:      AccountStatusPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	a.Normalize(defaults, now)
	return a
}

// Normalize re-applies the record invariants. Used by the constructor and on
// every record loaded from a credential store.
func (a *Account) Normalize(defaults AccountDefaults, now time.Time) {
	if !a.Status.IsValid() {
		a.Status = AccountStatusPending
	}
	if a.DailyRequestLimit <= 0 {
		a.DailyRequestLimit = defaults.DailyRequestLimit
	}
	if a.MinDelayMs <= 0 {
		a.MinDelayMs = defaults.MinDelayMs
	}
	if a.MaxDelayMs <= 0 {
		a.MaxDelayMs = defaults.MaxDelayMs
	}
	if a.MaxDelayMs < a.MinDelayMs {
		a.MaxDelayMs = a.MinDelayMs
	}

	if a.DailyRequestCount < 0 {
		a.DailyRequestCount = 0
	}
	if a.DailyRequestCount > a.DailyRequestLimit {
		a.DailyRequestCount = a.DailyRequestLimit
	}
	if a.DailyWindowStart.IsZero() {
		a.DailyWindowStart = UTCDay(now)
	}

	// cooldownUntil is only meaningful while cooling down
	if a.Status == AccountStatusCooldown {
		if a.CooldownUntil.IsZero() {
			a.Status = AccountStatusActive
			a.NeedsRevalidation = true
		}
	} else {
		a.CooldownUntil = time.Time{}
	}
}

// MinDelay is the minimum spacing between uses of the account
func (a *Account) MinDelay() time.Duration {
	return time.Duration(a.MinDelayMs) * time.Millisecond
}

// MaxDelay is the upper bound of the pacing window
func (a *Account) MaxDelay() time.Duration {
	return time.Duration(a.MaxDelayMs) * time.Millisecond
}

// UsageRatio is the share of today's budget already spent
func (a *Account) UsageRatio() float64 {
	if a.DailyRequestLimit <= 0 {
		return 1
	}
	return float64(a.DailyRequestCount) / float64(a.DailyRequestLimit)
}

// HasCookies reports whether the session jar holds anything
func (a *Account) HasCookies() bool {
	return len(a.Cookies) > 0
}

// Cookie returns the named cookie or nil
func (a *Account) Cookie(name string) *SessionCookie {
	for _, c := range a.Cookies {
		if c != nil && c.Name == name {
			return c
		}
	}
	return nil
}

// HTTPCookies converts the jar to standard HTTP cookies
func (a *Account) HTTPCookies() []*http.Cookie {
	cookies := make([]*http.Cookie, 0, len(a.Cookies))
	for _, c := range a.Cookies {
		if c != nil {
			cookies = append(cookies, c.ToHTTPCookie())
		}
	}
	return cookies
}

// Clone creates a deep copy of the account
func (a *Account) Clone() *Account {
	clone := *a
	if len(a.Cookies) > 0 {
		clone.Cookies = make([]*SessionCookie, len(a.Cookies))
		for i, c := range a.Cookies {
			if c != nil {
				cc := *c
				clone.Cookies[i] = &cc
			}
		}
	}
	return &clone
}

// CopyEngineState overwrites the fields the engine owns (status, counters,
// timestamps) with those of src. CRUD-owned fields are left alone.
func (a *Account) CopyEngineState(src *Account) {
	a.Status = src.Status
	a.DailyRequestCount = src.DailyRequestCount
	a.DailyWindowStart = src.DailyWindowStart
	a.ConsecutiveFailures = src.ConsecutiveFailures
	a.ConsecutiveValidationErrors = src.ConsecutiveValidationErrors
	a.ConsecutiveInvalid = src.ConsecutiveInvalid
	a.CooldownUntil = src.CooldownUntil
	a.NeedsRevalidation = src.NeedsRevalidation
	a.LastValidatedAt = src.LastValidatedAt
	a.LastVerdict = src.LastVerdict
	a.LastUsedAt = src.LastUsedAt
	a.UpdatedAt = src.UpdatedAt
}

// UTCDay truncates t to midnight UTC
func UTCDay(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC)
}
