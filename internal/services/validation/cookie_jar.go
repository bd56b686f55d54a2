package validation

import (
	"context"
	"time"

	"github.com/ternarybob/sessionpool/internal/models"
)

// CookieJarValidator checks the jar offline: mandatory tokens present and
// not expired. Cheapest check, always run first.
type CookieJarValidator struct {
	required []string
	now      func() time.Time
}

// NewCookieJarValidator creates a jar check for the named tokens
func NewCookieJarValidator(required []string) *CookieJarValidator {
	return &CookieJarValidator{required: required, now: time.Now}
}

func (v *CookieJarValidator) Method() models.ValidationMethod {
	return models.ValidationMethodCookieJar
}

func (v *CookieJarValidator) Validate(ctx context.Context, account *models.Account) *models.ValidationRecord {
	start := time.Now()
	record := &models.ValidationRecord{
		AccountID: account.ID,
		Method:    models.ValidationMethodCookieJar,
	}
	err := v.check(account, &record.AuthElementsFound)
	record.ElapsedMs = time.Since(start).Milliseconds()
	return finish(record, err)
}

func (v *CookieJarValidator) check(account *models.Account, found *int) error {
	if !account.HasCookies() {
		return invalidSession("cookie jar is empty")
	}

	now := v.now()
	for _, name := range v.required {
		c := account.Cookie(name)
		if c == nil || c.Value == "" {
			return invalidSession("mandatory cookie %q missing", name)
		}
		if c.IsExpired(now) {
			return invalidSession("mandatory cookie %q expired", name)
		}
		*found++
	}
	return nil
}
