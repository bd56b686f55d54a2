package validation

import (
	"net/http"
	"strings"
	"time"

	"github.com/ternarybob/sessionpool/internal/common"
	"github.com/ternarybob/sessionpool/internal/models"
)

// Settings describe what a healthy session looks like on the target platform
type Settings struct {
	RequiredCookies  []string
	ProbeURL         string
	LoginURLPatterns []string
	AuthSelectors    []string
	LoginSelectors   []string
	ChallengeMarkers []string
	Timeout          time.Duration
	UserAgent        string
	EnableHTTP       bool
	EnableBrowser    bool
}

// SettingsFromConfig maps the validation config section
func SettingsFromConfig(cfg common.ValidationConfig) Settings {
	return Settings{
		RequiredCookies:  cfg.RequiredCookies,
		ProbeURL:         cfg.ProbeURL,
		LoginURLPatterns: cfg.LoginURLPatterns,
		AuthSelectors:    cfg.AuthSelectors,
		LoginSelectors:   cfg.LoginSelectors,
		ChallengeMarkers: cfg.ChallengeMarkers,
		Timeout:          common.MustDuration(cfg.RequestTimeout, 20*time.Second),
		UserAgent:        cfg.UserAgent,
		EnableHTTP:       cfg.EnableHTTP,
		EnableBrowser:    cfg.EnableBrowser,
	}
}

// probeURL is the configured probe or the account's own base URL
func (s Settings) probeURL(account *models.Account) string {
	if s.ProbeURL != "" {
		return s.ProbeURL
	}
	return account.BaseURL
}

func (s Settings) userAgent(account *models.Account) string {
	if account.UserAgent != "" {
		return account.UserAgent
	}
	return s.UserAgent
}

// loginURL reports whether the final URL of a probe is the login wall
func (s Settings) loginURL(finalURL string) bool {
	for _, pattern := range s.LoginURLPatterns {
		if pattern != "" && strings.Contains(finalURL, pattern) {
			return true
		}
	}
	return false
}

// verdictFromMarkers applies the marker rules shared by the HTTP and browser
// checks once the page itself loaded.
func (s Settings) verdictFromMarkers(finalURL string, auth, login, challenge int) error {
	switch {
	case challenge > 0:
		return rateLimited("challenge page detected at %s", finalURL)
	case s.loginURL(finalURL):
		return invalidSession("redirected to login page %s", finalURL)
	case login > 0:
		return invalidSession("%d login elements found", login)
	case auth > 0:
		return nil
	}
	return invalidSession("no authenticated elements found")
}

// pageVerdict classifies a loaded page by its main document status, then by
// its markers. Only a 2xx/3xx page (or an unknown status) can be ACTIVE.
func (s Settings) pageVerdict(method models.ValidationMethod, finalURL string, status, auth, login, challenge int) error {
	switch {
	case status == http.StatusTooManyRequests:
		return rateLimited("status %d from %s", status, finalURL)
	case status >= http.StatusInternalServerError:
		return inconclusive(method, "server error %d", status)
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		if challenge > 0 {
			return rateLimited("status %d with challenge page at %s", status, finalURL)
		}
		return invalidSession("status %d", status)
	case status >= http.StatusBadRequest:
		return inconclusive(method, "unexpected status %d", status)
	}
	return s.verdictFromMarkers(finalURL, auth, login, challenge)
}
