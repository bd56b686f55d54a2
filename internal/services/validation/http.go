package validation

import (
	"context"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/sessionpool/internal/httpclient"
	"github.com/ternarybob/sessionpool/internal/models"
)

const maxProbeBody = 5 << 20

// HTTPValidator fetches the probe page with the account's jar and counts
// logged-in and login-wall markers in the returned HTML.
type HTTPValidator struct {
	settings Settings
	logger   arbor.ILogger
}

// NewHTTPValidator creates the HTTP probe
func NewHTTPValidator(settings Settings, logger arbor.ILogger) *HTTPValidator {
	return &HTTPValidator{settings: settings, logger: logger}
}

func (v *HTTPValidator) Method() models.ValidationMethod {
	return models.ValidationMethodHTTP
}

func (v *HTTPValidator) Validate(ctx context.Context, account *models.Account) *models.ValidationRecord {
	start := time.Now()
	record := &models.ValidationRecord{
		AccountID: account.ID,
		Method:    models.ValidationMethodHTTP,
	}
	err := v.probe(ctx, account, record)
	record.ElapsedMs = time.Since(start).Milliseconds()

	v.logger.Debug().
		Str("account_id", account.ID).
		Str("final_url", record.FinalURL).
		Int("status_code", record.ResponseCode).
		Int("auth_elements", record.AuthElementsFound).
		Int("login_elements", record.LoginElementsFound).
		Err(err).
		Msg("HTTP validation probe finished")

	return finish(record, err)
}

func (v *HTTPValidator) probe(ctx context.Context, account *models.Account, record *models.ValidationRecord) error {
	target := v.settings.probeURL(account)
	if target == "" {
		return inconclusive(models.ValidationMethodHTTP, "no probe URL configured and account has no base URL")
	}

	client, err := httpclient.NewClientForAccount(account, v.settings.Timeout)
	if err != nil {
		return inconclusive(models.ValidationMethodHTTP, "failed to build client: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return inconclusive(models.ValidationMethodHTTP, "failed to build request: %w", err)
	}
	req.Header.Set("User-Agent", v.settings.userAgent(account))
	req.Header.Set("Accept", "text/html,application/xhtml+xml")

	resp, err := client.Do(req)
	if err != nil {
		return inconclusive(models.ValidationMethodHTTP, "request failed: %w", err)
	}
	defer resp.Body.Close()

	record.ResponseCode = resp.StatusCode
	record.FinalURL = resp.Request.URL.String()

	doc, err := goquery.NewDocumentFromReader(io.LimitReader(resp.Body, maxProbeBody))
	if err != nil {
		return inconclusive(models.ValidationMethodHTTP, "failed to read page: %w", err)
	}

	record.AuthElementsFound = countMatches(doc, v.settings.AuthSelectors)
	record.LoginElementsFound = countMatches(doc, v.settings.LoginSelectors)
	challenge := countMatches(doc, v.settings.ChallengeMarkers)

	return v.settings.pageVerdict(models.ValidationMethodHTTP, record.FinalURL, record.ResponseCode,
		record.AuthElementsFound, record.LoginElementsFound, challenge)
}

// countMatches sums the elements matched by each selector
func countMatches(doc *goquery.Document, selectors []string) int {
	total := 0
	for _, sel := range selectors {
		sel = strings.TrimSpace(sel)
		if sel == "" {
			continue
		}
		total += doc.Find(sel).Length()
	}
	return total
}
