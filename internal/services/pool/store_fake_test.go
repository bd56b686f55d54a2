package pool

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/ternarybob/sessionpool/internal/interfaces"
	"github.com/ternarybob/sessionpool/internal/models"
)

// memStore is an in-memory CredentialStore for pool tests
type memStore struct {
	mu          sync.Mutex
	accounts    map[string]*models.Account
	records     []*models.ValidationRecord
	persisted   []*models.Account
	failPersist int  // fail this many Persist calls before succeeding
	failRecords bool // fail every AppendValidationRecord
}

func newMemStore(accounts ...*models.Account) *memStore {
	s := &memStore{accounts: make(map[string]*models.Account)}
	for _, a := range accounts {
		s.accounts[a.ID] = a.Clone()
	}
	return s
}

func (s *memStore) LoadAccounts(ctx context.Context) ([]*models.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*models.Account, 0, len(s.accounts))
	for _, a := range s.accounts {
		out = append(out, a.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *memStore) GetAccount(ctx context.Context, id string) (*models.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.accounts[id]
	if !ok {
		return nil, interfaces.ErrAccountNotFound
	}
	return a.Clone(), nil
}

func (s *memStore) Persist(ctx context.Context, account *models.Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failPersist > 0 {
		s.failPersist--
		return errors.New("store unavailable")
	}
	if _, ok := s.accounts[account.ID]; !ok {
		return interfaces.ErrAccountNotFound
	}
	s.accounts[account.ID] = account.Clone()
	s.persisted = append(s.persisted, account.Clone())
	return nil
}

func (s *memStore) AppendValidationRecord(ctx context.Context, record *models.ValidationRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failRecords {
		return errors.New("store unavailable")
	}
	s.records = append(s.records, record)
	return nil
}

func (s *memStore) ListValidationRecords(ctx context.Context, accountID string, limit int) ([]*models.ValidationRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.ValidationRecord
	for i := len(s.records) - 1; i >= 0 && (limit <= 0 || len(out) < limit); i-- {
		if s.records[i].AccountID == accountID {
			out = append(out, s.records[i])
		}
	}
	return out, nil
}

func (s *memStore) Close() error { return nil }

func (s *memStore) put(a *models.Account) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.accounts[a.ID] = a.Clone()
}

func (s *memStore) remove(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.accounts, id)
}

func (s *memStore) stored(id string) *models.Account {
	s.mu.Lock()
	defer s.mu.Unlock()
	if a, ok := s.accounts[id]; ok {
		return a.Clone()
	}
	return nil
}

func (s *memStore) recordCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}
