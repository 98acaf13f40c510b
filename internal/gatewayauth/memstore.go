package gatewayauth

import (
	"context"
	"sync"
)

// MemStore is an in-memory Store, used by tests and single-process
// deployments where credentials don't need to survive a restart.
type MemStore struct {
	mu    sync.Mutex
	creds map[string]Credential
}

func NewMemStore() *MemStore {
	return &MemStore{creds: make(map[string]Credential)}
}

func (m *MemStore) Put(ctx context.Context, cred Credential) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.creds[cred.KeyID] = cred
	return nil
}

func (m *MemStore) Get(ctx context.Context, keyID string) (Credential, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cred, ok := m.creds[keyID]
	return cred, ok, nil
}
