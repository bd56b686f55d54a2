package httpclient

import (
	"fmt"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"time"

	"github.com/ternarybob/sessionpool/internal/models"
)

// NewDefaultHTTPClient creates a simple HTTP client with a timeout
func NewDefaultHTTPClient(timeout time.Duration) *http.Client {
	return &http.Client{
		Timeout: timeout,
	}
}

// NewClientForAccount creates an HTTP client carrying the account's session
// jar, egressing through its proxy when ProxyRef is a URL. The account's
// base URL is the fallback domain for cookies that declare none.
func NewClientForAccount(account *models.Account, timeout time.Duration) (*http.Client, error) {
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create cookie jar: %w", err)
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	if proxyURL := parseProxyRef(account.ProxyRef); proxyURL != nil {
		transport.Proxy = http.ProxyURL(proxyURL)
	}

	client := &http.Client{
		Jar:       jar,
		Timeout:   timeout,
		Transport: transport,
	}

	var fallbackHost string
	if account.BaseURL != "" {
		baseURL, err := url.Parse(account.BaseURL)
		if err != nil {
			return nil, fmt.Errorf("invalid base URL: %w", err)
		}
		fallbackHost = baseURL.Host
	}

	// Group cookies by domain so the jar accepts each under a matching URL
	cookiesByDomain := make(map[string][]*http.Cookie)
	now := time.Now()
	for _, c := range account.Cookies {
		if c == nil {
			continue
		}

		httpCookie := c.ToHTTPCookie()
		// Cookies that expired long ago are kept as session cookies so the
		// probe, not the jar, decides whether the platform still honours them
		if !httpCookie.Expires.IsZero() && httpCookie.Expires.Before(now.Add(-24*time.Hour)) {
			httpCookie.Expires = time.Time{}
		}

		domain := strings.TrimPrefix(c.Domain, ".")
		if domain == "" {
			domain = fallbackHost
		}
		if domain == "" {
			continue
		}
		cookiesByDomain[domain] = append(cookiesByDomain[domain], httpCookie)
	}

	for domain, domainCookies := range cookiesByDomain {
		domainURL, err := url.Parse(fmt.Sprintf("https://%s/", domain))
		if err != nil {
			continue
		}
		client.Jar.SetCookies(domainURL, domainCookies)
	}

	return client, nil
}

// parseProxyRef returns a proxy URL when the opaque reference is one
func parseProxyRef(ref string) *url.URL {
	if ref == "" || !strings.Contains(ref, "://") {
		return nil
	}
	u, err := url.Parse(ref)
	if err != nil || u.Host == "" {
		return nil
	}
	return u
}
