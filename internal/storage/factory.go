package storage

import (
	"context"
	"fmt"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/sessionpool/internal/common"
	"github.com/ternarybob/sessionpool/internal/interfaces"
	"github.com/ternarybob/sessionpool/internal/models"
	"github.com/ternarybob/sessionpool/internal/storage/badger"
	"github.com/ternarybob/sessionpool/internal/storage/mysql"
)

// NewCredentialStore opens the credential store selected by storage.backend.
// The badger backend also imports account files from accounts.dir.
func NewCredentialStore(ctx context.Context, logger arbor.ILogger, config *common.Config, defaults models.AccountDefaults) (interfaces.CredentialStore, error) {
	switch config.Storage.Backend {
	case "", "badger":
		db, err := badger.NewBadgerDB(logger, &config.Storage.Badger)
		if err != nil {
			return nil, err
		}
		store := badger.NewAccountStore(db, logger)
		if err := badger.LoadAccountsFromFiles(ctx, store, config.Accounts.Dir, defaults, logger); err != nil {
			store.Close()
			return nil, fmt.Errorf("failed to import accounts: %w", err)
		}
		return store, nil
	case "mysql":
		return mysql.Open(ctx, &config.Storage.MySQL, logger)
	default:
		return nil, fmt.Errorf("unsupported storage backend: %s (supported: badger, mysql)", config.Storage.Backend)
	}
}
