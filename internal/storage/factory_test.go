package storage

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/sessionpool/internal/common"
	"github.com/ternarybob/sessionpool/internal/models"
)

func TestNewCredentialStore_Badger(t *testing.T) {
	dir := t.TempDir()
	accountsDir := filepath.Join(dir, "accounts")
	require.NoError(t, os.MkdirAll(accountsDir, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(accountsDir, "a.toml"), []byte(`
[acct-1]
display_name = "One"

[[acct-1.cookies]]
name = "li_at"
value = "x"
`), 0644))

	cfg := common.NewDefaultConfig()
	cfg.Storage.Badger.Path = filepath.Join(dir, "db")
	cfg.Accounts.Dir = accountsDir

	store, err := NewCredentialStore(context.Background(), arbor.NewLogger(), cfg, models.AccountDefaults{DailyRequestLimit: 10})
	require.NoError(t, err)
	defer store.Close()

	accounts, err := store.LoadAccounts(context.Background())
	require.NoError(t, err)
	require.Len(t, accounts, 1)
	assert.Equal(t, 10, accounts[0].DailyRequestLimit)
}

func TestNewCredentialStore_Unsupported(t *testing.T) {
	cfg := common.NewDefaultConfig()
	cfg.Storage.Backend = "sqlite"
	_, err := NewCredentialStore(context.Background(), arbor.NewLogger(), cfg, models.AccountDefaults{})
	assert.Error(t, err)
}
