package secret

import (
	"sync"

	"github.com/driftlock/driftlock/internal/session"
)

// MemoryVault is an in-memory Vault for tests and simulation mode.
type MemoryVault struct {
	mu      sync.Mutex
	entries map[string]*vaultEntry
}

type vaultEntry struct {
	sealed    []byte
	disclosed bool
}

// NewMemoryVault creates an empty in-memory vault.
func NewMemoryVault() *MemoryVault {
	return &MemoryVault{entries: make(map[string]*vaultEntry)}
}

func (v *MemoryVault) PutSealed(sessionID string, sealed []byte, commitment string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if _, exists := v.entries[sessionID]; exists {
		return session.ErrSecretExists
	}
	cp := make([]byte, len(sealed))
	copy(cp, sealed)
	v.entries[sessionID] = &vaultEntry{sealed: cp}
	return nil
}

func (v *MemoryVault) GetSealed(sessionID string) ([]byte, bool, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	e, ok := v.entries[sessionID]
	if !ok {
		return nil, false, session.ErrSecretNotFound
	}
	cp := make([]byte, len(e.sealed))
	copy(cp, e.sealed)
	return cp, e.disclosed, nil
}

func (v *MemoryVault) MarkDisclosed(sessionID string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	e, ok := v.entries[sessionID]
	if !ok {
		return session.ErrSecretNotFound
	}
	e.disclosed = true
	return nil
}
