package testutil

import (
	"context"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/onnwee/stormtrooper/account"
)

// MemoryAccounts is an in-memory account.Repository for service and handler tests.
// It enforces the same uniqueness rules as the Postgres schema.
type MemoryAccounts struct {
	mu       sync.Mutex
	users    map[string]account.User
	accounts map[string]map[string]account.ExternalAccount // user id -> provider -> account

	// Merges records (survivor, absorbed) pairs in call order.
	Merges [][2]string
}

// NewMemoryAccounts returns an empty repository.
func NewMemoryAccounts() *MemoryAccounts {
	return &MemoryAccounts{
		users:    make(map[string]account.User),
		accounts: make(map[string]map[string]account.ExternalAccount),
	}
}

func (m *MemoryAccounts) SaveUser(_ context.Context, u *account.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saveUserLocked(u)
	return nil
}

func (m *MemoryAccounts) saveUserLocked(u *account.User) {
	existing, ok := m.users[u.ID]
	if ok {
		existing.DeviceToken = u.DeviceToken
		m.users[u.ID] = existing
		u.CreatedAt = existing.CreatedAt
		return
	}
	u.CreatedAt = time.Now().UTC()
	m.users[u.ID] = account.User{ID: u.ID, DeviceToken: u.DeviceToken, CreatedAt: u.CreatedAt}
}

func (m *MemoryAccounts) UserExists(_ context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.users[id]
	return ok, nil
}

func (m *MemoryAccounts) GetUserByID(_ context.Context, id string) (*account.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return nil, account.ErrNotFound
	}
	u.ExternalAccounts = []account.ExternalAccount{}
	for _, provider := range slices.Sorted(maps.Keys(m.accounts[id])) {
		u.ExternalAccounts = append(u.ExternalAccounts, m.accounts[id][provider])
	}
	return &u, nil
}

func (m *MemoryAccounts) GetUserByExternalAccount(_ context.Context, externalID, provider string) (*account.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if owner, ok := m.ownerLocked(externalID, provider); ok {
		u := m.users[owner]
		return &u, nil
	}
	return nil, account.ErrNotFound
}

func (m *MemoryAccounts) SaveExternalAccount(_ context.Context, userID string, ext *account.ExternalAccount) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saveExternalLocked(userID, ext)
}

func (m *MemoryAccounts) saveExternalLocked(userID string, ext *account.ExternalAccount) error {
	if _, ok := m.users[userID]; !ok {
		return account.ErrNotFound
	}
	if owner, ok := m.ownerLocked(ext.ID, ext.Provider); ok && owner != userID {
		return account.ErrAccountLinked
	}
	if m.accounts[userID] == nil {
		m.accounts[userID] = make(map[string]account.ExternalAccount)
	}
	ext.UserID = userID
	m.accounts[userID][ext.Provider] = *ext
	return nil
}

func (m *MemoryAccounts) CreateUserWithExternalAccount(_ context.Context, u *account.User, ext *account.ExternalAccount) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if owner, ok := m.ownerLocked(ext.ID, ext.Provider); ok && owner != u.ID {
		return account.ErrAccountLinked
	}
	m.saveUserLocked(u)
	return m.saveExternalLocked(u.ID, ext)
}

func (m *MemoryAccounts) MergeUsers(_ context.Context, survivorID, absorbedID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Merges = append(m.Merges, [2]string{survivorID, absorbedID})
	if survivorID == absorbedID {
		return nil
	}
	survivor, ok := m.users[survivorID]
	if !ok {
		return account.ErrNotFound
	}
	absorbed, ok := m.users[absorbedID]
	if !ok {
		return nil
	}
	if m.accounts[survivorID] == nil {
		m.accounts[survivorID] = make(map[string]account.ExternalAccount)
	}
	for provider, ext := range m.accounts[absorbedID] {
		if _, taken := m.accounts[survivorID][provider]; taken {
			continue
		}
		ext.UserID = survivorID
		m.accounts[survivorID][provider] = ext
	}
	if absorbed.DeviceToken != "" {
		survivor.DeviceToken = absorbed.DeviceToken
		m.users[survivorID] = survivor
	}
	delete(m.accounts, absorbedID)
	delete(m.users, absorbedID)
	return nil
}

// UserCount returns the number of stored users.
func (m *MemoryAccounts) UserCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.users)
}

func (m *MemoryAccounts) ownerLocked(externalID, provider string) (string, bool) {
	for userID, byProvider := range m.accounts {
		if ext, ok := byProvider[provider]; ok && ext.ID == externalID {
			return userID, true
		}
	}
	return "", false
}
