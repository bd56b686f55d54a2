package validation

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/sessionpool/internal/models"
	"github.com/ternarybob/sessionpool/internal/services/browser"
)

// BrowserValidator loads the probe page in a real headless browser with the
// account's cookies injected. Used when the HTTP probe is inconclusive or
// the platform only renders markers client-side.
type BrowserValidator struct {
	settings Settings
	browsers *browser.Pool
	logger   arbor.ILogger
}

// NewBrowserValidator creates the browser check on top of a started pool
func NewBrowserValidator(settings Settings, browsers *browser.Pool, logger arbor.ILogger) *BrowserValidator {
	return &BrowserValidator{settings: settings, browsers: browsers, logger: logger}
}

func (v *BrowserValidator) Method() models.ValidationMethod {
	return models.ValidationMethodBrowser
}

func (v *BrowserValidator) Validate(ctx context.Context, account *models.Account) *models.ValidationRecord {
	start := time.Now()
	record := &models.ValidationRecord{
		AccountID: account.ID,
		Method:    models.ValidationMethodBrowser,
	}
	err := v.render(ctx, account, record)
	record.ElapsedMs = time.Since(start).Milliseconds()

	v.logger.Debug().
		Str("account_id", account.ID).
		Str("final_url", record.FinalURL).
		Int("auth_elements", record.AuthElementsFound).
		Int("login_elements", record.LoginElementsFound).
		Err(err).
		Msg("Browser validation finished")

	return finish(record, err)
}

func (v *BrowserValidator) render(ctx context.Context, account *models.Account, record *models.ValidationRecord) error {
	target := v.settings.probeURL(account)
	if target == "" {
		return inconclusive(models.ValidationMethodBrowser, "no probe URL configured and account has no base URL")
	}
	targetURL, err := url.Parse(target)
	if err != nil {
		return inconclusive(models.ValidationMethodBrowser, "invalid probe URL: %w", err)
	}

	if v.settings.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, v.settings.Timeout+v.browsers.WaitTime())
		defer cancel()
	}

	tabCtx, release, err := v.browsers.Acquire(ctx)
	if err != nil {
		return inconclusive(models.ValidationMethodBrowser, "no browser available: %w", err)
	}
	defer release()

	cookies := browserCookies(account, targetURL.Hostname())
	var finalURL string
	var auth, login, challenge int

	// the last main document response wins, so redirects report the landing page
	var documentStatus atomic.Int64
	chromedp.ListenTarget(tabCtx, func(ev interface{}) {
		if e, ok := ev.(*network.EventResponseReceived); ok && e.Type == network.ResourceTypeDocument && e.Response != nil {
			documentStatus.Store(e.Response.Status)
		}
	})

	err = chromedp.Run(tabCtx,
		network.Enable(),
		chromedp.ActionFunc(func(ctx context.Context) error {
			if len(cookies) == 0 {
				return nil
			}
			return network.SetCookies(cookies).Do(ctx)
		}),
		chromedp.ActionFunc(func(ctx context.Context) error {
			ua := v.settings.userAgent(account)
			if ua == "" {
				return nil
			}
			return emulation.SetUserAgentOverride(ua).Do(ctx)
		}),
		chromedp.Navigate(target),
		chromedp.Sleep(v.browsers.WaitTime()),
		chromedp.Location(&finalURL),
		chromedp.Evaluate(countScript(v.settings.AuthSelectors), &auth),
		chromedp.Evaluate(countScript(v.settings.LoginSelectors), &login),
		chromedp.Evaluate(countScript(v.settings.ChallengeMarkers), &challenge),
	)
	if err != nil {
		return inconclusive(models.ValidationMethodBrowser, "page load failed: %w", err)
	}

	record.FinalURL = finalURL
	record.ResponseCode = int(documentStatus.Load())
	record.AuthElementsFound = auth
	record.LoginElementsFound = login

	return v.settings.pageVerdict(models.ValidationMethodBrowser, finalURL, record.ResponseCode, auth, login, challenge)
}

// browserCookies converts the jar to CDP cookie params. Cookies without a
// domain are scoped to the probe host.
func browserCookies(account *models.Account, host string) []*network.CookieParam {
	now := time.Now()
	params := make([]*network.CookieParam, 0, len(account.Cookies))
	for _, c := range account.Cookies {
		if c == nil || c.Name == "" {
			continue
		}

		domain := c.Domain
		if domain == "" {
			domain = host
		}
		path := c.Path
		if path == "" {
			path = "/"
		}

		param := &network.CookieParam{
			Name:     c.Name,
			Value:    c.Value,
			Domain:   domain,
			Path:     path,
			Secure:   c.Secure,
			HTTPOnly: c.HTTPOnly,
		}
		if c.Expires > 0 {
			if expiresTime := time.Unix(c.Expires, 0); expiresTime.After(now) {
				timestamp := cdp.TimeSinceEpoch(expiresTime)
				param.Expires = &timestamp
			}
		}
		switch strings.ToLower(c.SameSite) {
		case "strict":
			param.SameSite = network.CookieSameSiteStrict
		case "lax":
			param.SameSite = network.CookieSameSiteLax
		case "none", "no_restriction":
			param.SameSite = network.CookieSameSiteNone
		}
		params = append(params, param)
	}
	return params
}

// countScript builds a JS expression summing querySelectorAll matches;
// invalid selectors count as zero
func countScript(selectors []string) string {
	quoted := make([]string, 0, len(selectors))
	for _, sel := range selectors {
		if sel = strings.TrimSpace(sel); sel == "" {
			continue
		}
		b, _ := json.Marshal(sel)
		quoted = append(quoted, string(b))
	}
	return fmt.Sprintf(`[%s].reduce((n, s) => { try { return n + document.querySelectorAll(s).length } catch (e) { return n } }, 0)`,
		strings.Join(quoted, ","))
}
