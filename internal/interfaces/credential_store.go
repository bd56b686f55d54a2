package interfaces

import (
	"context"
	"errors"

	"github.com/ternarybob/sessionpool/internal/models"
)

// ErrAccountNotFound is returned when the store has no record for an account ID
var ErrAccountNotFound = errors.New("account not found")

// CredentialStore is the narrow durable backing the engine reads and writes.
// Account CRUD belongs to the external layer; the engine only loads accounts
// and writes back the fields it owns.
type CredentialStore interface {
	LoadAccounts(ctx context.Context) ([]*models.Account, error)
	GetAccount(ctx context.Context, id string) (*models.Account, error)
	Persist(ctx context.Context, account *models.Account) error

	// Validation audit trail (append-only)
	AppendValidationRecord(ctx context.Context, record *models.ValidationRecord) error
	ListValidationRecords(ctx context.Context, accountID string, limit int) ([]*models.ValidationRecord, error)

	Close() error
}
