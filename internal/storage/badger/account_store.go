package badger

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/dgraph-io/badger/v4"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/sessionpool/internal/interfaces"
	"github.com/ternarybob/sessionpool/internal/models"
	"github.com/timshannon/badgerhold/v4"
)

// AccountStore implements interfaces.CredentialStore on Badger. It is the
// standalone backend: accounts arrive through import files or an external
// writer sharing the database directory.
type AccountStore struct {
	db     *BadgerDB
	logger arbor.ILogger
}

// NewAccountStore creates a credential store over an open database
func NewAccountStore(db *BadgerDB, logger arbor.ILogger) *AccountStore {
	return &AccountStore{
		db:     db,
		logger: logger,
	}
}

func (s *AccountStore) LoadAccounts(ctx context.Context) ([]*models.Account, error) {
	var accounts []models.Account
	if err := s.db.Store().Find(&accounts, nil); err != nil {
		return nil, fmt.Errorf("failed to load accounts: %w", err)
	}

	result := make([]*models.Account, len(accounts))
	for i := range accounts {
		result[i] = &accounts[i]
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

func (s *AccountStore) GetAccount(ctx context.Context, id string) (*models.Account, error) {
	var account models.Account
	if err := s.db.Store().Get(id, &account); err != nil {
		if errors.Is(err, badgerhold.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", interfaces.ErrAccountNotFound, id)
		}
		return nil, fmt.Errorf("failed to get account: %w", err)
	}
	return &account, nil
}

// Persist writes back the engine-owned fields in a single read-modify-write
// transaction so concurrent edits of cookies or limits are never clobbered.
func (s *AccountStore) Persist(ctx context.Context, account *models.Account) error {
	if account.ID == "" {
		return fmt.Errorf("account ID is required")
	}

	store := s.db.Store()
	err := store.Badger().Update(func(txn *badger.Txn) error {
		var stored models.Account
		if err := store.TxGet(txn, account.ID, &stored); err != nil {
			return err
		}
		stored.CopyEngineState(account)
		return store.TxUpdate(txn, account.ID, &stored)
	})
	if errors.Is(err, badgerhold.ErrNotFound) {
		return fmt.Errorf("%w: %s", interfaces.ErrAccountNotFound, account.ID)
	}
	if err != nil {
		return fmt.Errorf("failed to persist account %s: %w", account.ID, err)
	}
	return nil
}

// SaveAccount upserts the full record. Used by account import and tests;
// the engine itself only calls Persist.
func (s *AccountStore) SaveAccount(ctx context.Context, account *models.Account) error {
	if account.ID == "" {
		return fmt.Errorf("account ID is required")
	}
	if err := s.db.Store().Upsert(account.ID, account); err != nil {
		return fmt.Errorf("failed to save account: %w", err)
	}
	return nil
}

// DeleteAccount removes an account; deleting a missing account is not an error
func (s *AccountStore) DeleteAccount(ctx context.Context, id string) error {
	if err := s.db.Store().Delete(id, &models.Account{}); err != nil {
		if errors.Is(err, badgerhold.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("failed to delete account: %w", err)
	}
	return nil
}

func (s *AccountStore) AppendValidationRecord(ctx context.Context, record *models.ValidationRecord) error {
	if record.ID == "" {
		return fmt.Errorf("validation record ID is required")
	}
	// Records are insert-only; a retried append of the same record is a no-op
	if err := s.db.Store().Insert(record.ID, record); err != nil {
		if errors.Is(err, badgerhold.ErrKeyExists) {
			return nil
		}
		return fmt.Errorf("failed to append validation record: %w", err)
	}
	return nil
}

func (s *AccountStore) ListValidationRecords(ctx context.Context, accountID string, limit int) ([]*models.ValidationRecord, error) {
	query := badgerhold.Where("AccountID").Eq(accountID).Index("AccountID").SortBy("CreatedAt").Reverse()
	if limit > 0 {
		query = query.Limit(limit)
	}

	var records []models.ValidationRecord
	if err := s.db.Store().Find(&records, query); err != nil {
		return nil, fmt.Errorf("failed to list validation records: %w", err)
	}

	result := make([]*models.ValidationRecord, len(records))
	for i := range records {
		result[i] = &records[i]
	}
	return result, nil
}

func (s *AccountStore) Close() error {
	return s.db.Close()
}
