// Package mysql implements the credential store on the database shared with
// the account CRUD backend.
//
// The engine reads the whole accounts row but writes only the columns it
// owns. Expected tables:
//
//	accounts(id, display_name, base_url, user_agent, cookies JSON, proxy_ref,
//	         status, daily_request_count, daily_request_limit, daily_window_start,
//	         min_delay_ms, max_delay_ms, consecutive_failures,
//	         consecutive_validation_errors, consecutive_invalid, cooldown_until,
//	         needs_revalidation, last_validated_at, last_verdict, last_used_at,
//	         created_at, updated_at)
//	account_validations(id, account_id, method, verdict, auth_elements_found,
//	         login_elements_found, final_url, response_code, elapsed_ms,
//	         challenge_detected, error, created_at)
package mysql

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	gomysql "github.com/go-sql-driver/mysql"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/sessionpool/internal/common"
	"github.com/ternarybob/sessionpool/internal/interfaces"
	"github.com/ternarybob/sessionpool/internal/models"
)

const accountColumns = `id, display_name, base_url, user_agent, cookies, proxy_ref, status,
	daily_request_count, daily_request_limit, daily_window_start, min_delay_ms, max_delay_ms,
	consecutive_failures, consecutive_validation_errors, consecutive_invalid, cooldown_until,
	needs_revalidation, last_validated_at, last_verdict, last_used_at, created_at, updated_at`

const recordColumns = `id, account_id, method, verdict, auth_elements_found, login_elements_found,
	final_url, response_code, elapsed_ms, challenge_detected, error, created_at`

// Store implements interfaces.CredentialStore on MySQL
type Store struct {
	db     *sql.DB
	logger arbor.ILogger
}

// NewStore wraps an open database handle
func NewStore(db *sql.DB, logger arbor.ILogger) *Store {
	return &Store{db: db, logger: logger}
}

// Open connects using the DSN from config, with user and password overrides
func Open(ctx context.Context, cfg *common.MySQLConfig, logger arbor.ILogger) (*Store, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("storage.mysql.dsn is required")
	}

	dbcfg, err := gomysql.ParseDSN(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("invalid mysql DSN: %w", err)
	}
	if cfg.User != "" {
		dbcfg.User = cfg.User
	}
	if cfg.Pass != "" {
		dbcfg.Passwd = cfg.Pass
	}
	dbcfg.ParseTime = true
	dbcfg.Loc = time.UTC
	// UPDATE must report matched rows, not changed rows, to detect deleted accounts
	dbcfg.ClientFoundRows = true

	connector, err := gomysql.NewConnector(dbcfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create mysql connector: %w", err)
	}

	db := sql.OpenDB(connector)
	db.SetConnMaxLifetime(3 * time.Minute)
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("could not connect to database: %w", err)
	}

	logger.Debug().Str("addr", dbcfg.Addr).Str("database", dbcfg.DBName).Msg("MySQL credential store connected")
	return NewStore(db, logger), nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAccount(row rowScanner) (*models.Account, error) {
	var (
		a                                          models.Account
		baseURL, userAgent, proxyRef, lastVerdict  sql.NullString
		cookies                                    []byte
		status                                     string
		cooldownUntil, lastValidatedAt, lastUsedAt sql.NullTime
	)
	err := row.Scan(
		&a.ID, &a.DisplayName, &baseURL, &userAgent, &cookies, &proxyRef, &status,
		&a.DailyRequestCount, &a.DailyRequestLimit, &a.DailyWindowStart, &a.MinDelayMs, &a.MaxDelayMs,
		&a.ConsecutiveFailures, &a.ConsecutiveValidationErrors, &a.ConsecutiveInvalid, &cooldownUntil,
		&a.NeedsRevalidation, &lastValidatedAt, &lastVerdict, &lastUsedAt, &a.CreatedAt, &a.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	a.BaseURL = baseURL.String
	a.UserAgent = userAgent.String
	a.ProxyRef = proxyRef.String
	a.Status = models.AccountStatus(status)
	a.LastVerdict = models.ValidationVerdict(lastVerdict.String)
	a.CooldownUntil = cooldownUntil.Time
	a.LastValidatedAt = lastValidatedAt.Time
	a.LastUsedAt = lastUsedAt.Time

	if len(cookies) > 0 {
		if err := json.Unmarshal(cookies, &a.Cookies); err != nil {
			return nil, fmt.Errorf("account %s: invalid cookies column: %w", a.ID, err)
		}
	}
	return &a, nil
}

func (s *Store) LoadAccounts(ctx context.Context) ([]*models.Account, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT "+accountColumns+" FROM accounts ORDER BY id")
	if err != nil {
		return nil, fmt.Errorf("failed to load accounts: %w", err)
	}
	defer rows.Close()

	var accounts []*models.Account
	for rows.Next() {
		account, err := scanAccount(rows)
		if err != nil {
			// one bad row must not hide the rest of the pool
			s.logger.Warn().Err(err).Msg("Skipping unreadable account row")
			continue
		}
		accounts = append(accounts, account)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to load accounts: %w", err)
	}
	return accounts, nil
}

func (s *Store) GetAccount(ctx context.Context, id string) (*models.Account, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+accountColumns+" FROM accounts WHERE id = ?", id)
	account, err := scanAccount(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", interfaces.ErrAccountNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get account: %w", err)
	}
	return account, nil
}

// Persist updates the engine-owned columns only
func (s *Store) Persist(ctx context.Context, account *models.Account) error {
	result, err := s.db.ExecContext(ctx, `UPDATE accounts SET status = ?, daily_request_count = ?, daily_window_start = ?,
	consecutive_failures = ?, consecutive_validation_errors = ?, consecutive_invalid = ?, cooldown_until = ?,
	needs_revalidation = ?, last_validated_at = ?, last_verdict = ?, last_used_at = ?, updated_at = ?
	WHERE id = ?`,
		string(account.Status), account.DailyRequestCount, account.DailyWindowStart,
		account.ConsecutiveFailures, account.ConsecutiveValidationErrors, account.ConsecutiveInvalid, nullTime(account.CooldownUntil),
		account.NeedsRevalidation, nullTime(account.LastValidatedAt), nullString(string(account.LastVerdict)), nullTime(account.LastUsedAt), account.UpdatedAt,
		account.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to persist account %s: %w", account.ID, err)
	}
	if n, err := result.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%w: %s", interfaces.ErrAccountNotFound, account.ID)
	}
	return nil
}

// AppendValidationRecord inserts the record; a retried insert of the same ID is ignored
func (s *Store) AppendValidationRecord(ctx context.Context, record *models.ValidationRecord) error {
	_, err := s.db.ExecContext(ctx, "INSERT IGNORE INTO account_validations ("+recordColumns+") VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)",
		record.ID, record.AccountID, string(record.Method), string(record.Verdict), record.AuthElementsFound, record.LoginElementsFound,
		nullString(record.FinalURL), record.ResponseCode, record.ElapsedMs, record.ChallengeDetected, nullString(record.Error), record.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to append validation record: %w", err)
	}
	return nil
}

func (s *Store) ListValidationRecords(ctx context.Context, accountID string, limit int) ([]*models.ValidationRecord, error) {
	query := "SELECT " + recordColumns + " FROM account_validations WHERE account_id = ? ORDER BY created_at DESC, id DESC"
	args := []any{accountID}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list validation records: %w", err)
	}
	defer rows.Close()

	var records []*models.ValidationRecord
	for rows.Next() {
		var (
			r               models.ValidationRecord
			method, verdict string
			finalURL, msg   sql.NullString
		)
		if err := rows.Scan(&r.ID, &r.AccountID, &method, &verdict, &r.AuthElementsFound, &r.LoginElementsFound,
			&finalURL, &r.ResponseCode, &r.ElapsedMs, &r.ChallengeDetected, &msg, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan validation record: %w", err)
		}
		r.Method = models.ValidationMethod(method)
		r.Verdict = models.ValidationVerdict(verdict)
		r.FinalURL = finalURL.String
		r.Error = msg.String
		records = append(records, &r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list validation records: %w", err)
	}
	return records, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func nullTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t, Valid: !t.IsZero()}
}

func nullString(v string) sql.NullString {
	return sql.NullString{String: v, Valid: v != ""}
}
