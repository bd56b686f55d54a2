package badger

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/pelletier/go-toml/v2"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/sessionpool/internal/interfaces"
	"github.com/ternarybob/sessionpool/internal/models"
	"gopkg.in/yaml.v3"
)

// AccountFile is one account in an import file, keyed by account ID.
// Format (TOML; YAML uses the same keys):
//
//	[acct-1]
//	display_name = "Research 1"
//	base_url = "https://www.example.com"
//	daily_request_limit = 150
//
//	[[acct-1.cookies]]
//	name = "li_at"
//	value = "AQED..."
//	domain = ".example.com"
type AccountFile struct {
	DisplayName       string       `toml:"display_name" yaml:"display_name" validate:"required"`
	BaseURL           string       `toml:"base_url" yaml:"base_url" validate:"omitempty,url"`
	UserAgent         string       `toml:"user_agent" yaml:"user_agent"`
	ProxyRef          string       `toml:"proxy_ref" yaml:"proxy_ref"`
	DailyRequestLimit int          `toml:"daily_request_limit" yaml:"daily_request_limit" validate:"min=0"`
	MinDelayMs        int64        `toml:"min_delay_ms" yaml:"min_delay_ms" validate:"min=0"`
	MaxDelayMs        int64        `toml:"max_delay_ms" yaml:"max_delay_ms" validate:"min=0"`
	Cookies           []CookieFile `toml:"cookies" yaml:"cookies" validate:"required,min=1,dive"`
}

// CookieFile is one session cookie as exported by the browser extension
type CookieFile struct {
	Name     string `toml:"name" yaml:"name" validate:"required"`
	Value    string `toml:"value" yaml:"value" validate:"required"`
	Domain   string `toml:"domain" yaml:"domain"`
	Path     string `toml:"path" yaml:"path"`
	Expires  int64  `toml:"expires" yaml:"expires" validate:"min=0"`
	Secure   bool   `toml:"secure" yaml:"secure"`
	HTTPOnly bool   `toml:"http_only" yaml:"http_only"`
	SameSite string `toml:"same_site" yaml:"same_site"`
}

func (f AccountFile) cookies() []*models.SessionCookie {
	cookies := make([]*models.SessionCookie, len(f.Cookies))
	for i, c := range f.Cookies {
		cookies[i] = &models.SessionCookie{
			Name:     c.Name,
			Value:    c.Value,
			Domain:   c.Domain,
			Path:     c.Path,
			Expires:  c.Expires,
			Secure:   c.Secure,
			HTTPOnly: c.HTTPOnly,
			SameSite: c.SameSite,
		}
	}
	return cookies
}

// ParseAccountFile decodes a TOML or YAML import file by extension
func ParseAccountFile(name string, content []byte) (map[string]AccountFile, error) {
	var accounts map[string]AccountFile
	switch strings.ToLower(filepath.Ext(name)) {
	case ".toml":
		if err := toml.Unmarshal(content, &accounts); err != nil {
			return nil, fmt.Errorf("failed to parse TOML: %w", err)
		}
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(content, &accounts); err != nil {
			return nil, fmt.Errorf("failed to parse YAML: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported account file type: %s", name)
	}
	return accounts, nil
}

// LoadAccountsFromFiles imports account files from dirPath into the store.
// New accounts start PENDING. Existing accounts only have their CRUD-owned
// fields refreshed; status and counters stay with the engine.
func LoadAccountsFromFiles(ctx context.Context, store *AccountStore, dirPath string, defaults models.AccountDefaults, logger arbor.ILogger) error {
	logger.Debug().Str("dir", dirPath).Msg("Loading accounts from files")

	if _, err := os.Stat(dirPath); os.IsNotExist(err) {
		logger.Debug().Str("dir", dirPath).Msg("Accounts directory does not exist, skipping")
		return nil
	}

	entries, err := os.ReadDir(dirPath)
	if err != nil {
		logger.Warn().Err(err).Str("dir", dirPath).Msg("Failed to read accounts directory")
		return nil // Non-fatal
	}

	validate := validator.New()
	validate.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("toml"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})

	loadedCount := 0
	updatedCount := 0
	skippedCount := 0
	errorCount := 0

	for _, entry := range entries {
		ext := strings.ToLower(filepath.Ext(entry.Name()))
		if entry.IsDir() || (ext != ".toml" && ext != ".yaml" && ext != ".yml") {
			continue
		}

		content, err := os.ReadFile(filepath.Join(dirPath, entry.Name()))
		if err != nil {
			logger.Warn().Err(err).Str("file", entry.Name()).Msg("Failed to read account file")
			errorCount++
			continue
		}

		accounts, err := ParseAccountFile(entry.Name(), content)
		if err != nil {
			logger.Warn().Err(err).Str("file", entry.Name()).Msg("Failed to parse account file")
			errorCount++
			continue
		}

		for id, file := range accounts {
			if err := validate.Struct(file); err != nil {
				logger.Warn().
					Err(err).
					Str("file", entry.Name()).
					Str("account_id", id).
					Msg("Skipping account: invalid definition")
				skippedCount++
				continue
			}

			created, err := importAccount(ctx, store, id, file, defaults)
			if err != nil {
				logger.Warn().Err(err).Str("account_id", id).Msg("Failed to import account")
				errorCount++
				continue
			}
			if created {
				loadedCount++
				logger.Debug().Str("account_id", id).Msg("Loaded new account")
			} else {
				updatedCount++
				logger.Debug().Str("account_id", id).Msg("Refreshed existing account")
			}
		}
	}

	logger.Info().
		Int("loaded", loadedCount).
		Int("updated", updatedCount).
		Int("skipped", skippedCount).
		Int("errors", errorCount).
		Msg("Finished loading accounts from files")

	return nil
}

func importAccount(ctx context.Context, store *AccountStore, id string, file AccountFile, defaults models.AccountDefaults) (bool, error) {
	now := time.Now().UTC()

	existing, err := store.GetAccount(ctx, id)
	if err != nil && !errors.Is(err, interfaces.ErrAccountNotFound) {
		return false, err
	}

	account := existing
	if account == nil {
		account = models.NewAccount(id, file.DisplayName, nil, models.AccountDefaults{}, now)
	}
	account.DisplayName = file.DisplayName
	account.BaseURL = file.BaseURL
	account.UserAgent = file.UserAgent
	account.ProxyRef = file.ProxyRef
	account.Cookies = file.cookies()
	account.DailyRequestLimit = file.DailyRequestLimit
	account.MinDelayMs = file.MinDelayMs
	account.MaxDelayMs = file.MaxDelayMs
	account.Normalize(defaults, now)

	if err := store.SaveAccount(ctx, account); err != nil {
		return false, err
	}
	return existing == nil, nil
}
