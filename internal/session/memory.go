package session

import (
	"fmt"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory Store used by tests and simulation mode.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*SwapSession
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{sessions: make(map[string]*SwapSession)}
}

func (m *MemoryStore) Create(s *SwapSession) error {
	if s.Status != StatusInitialized {
		return fmt.Errorf("%w: new sessions must be initialized", ErrInvalidState)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.sessions[s.ID]; exists {
		return fmt.Errorf("%w: duplicate session ID %s", ErrValidation, s.ID)
	}
	m.sessions[s.ID] = s.Clone()
	return nil
}

func (m *MemoryStore) Get(id string) (*SwapSession, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	return s.Clone(), nil
}

func (m *MemoryStore) List(f Filter) ([]*SwapSession, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*SwapSession, 0)
	for _, s := range m.sessions {
		if f.Matches(s) {
			out = append(out, s.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

func (m *MemoryStore) Transition(id string, to Status) (*SwapSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	if !ValidTransition(s.Status, to) {
		return nil, fmt.Errorf("%w: cannot transition from %s to %s", ErrInvalidState, s.Status, to)
	}
	s.Status = to
	s.UpdatedAt = time.Now()
	return s.Clone(), nil
}

func (m *MemoryStore) SetStep(id string, step StepName, status StepStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return ErrNotFound
	}
	if s.Status.Terminal() {
		return fmt.Errorf("%w: %s", ErrTerminal, s.Status)
	}
	if err := s.SetStep(step, status); err != nil {
		return err
	}
	s.UpdatedAt = time.Now()
	return nil
}

func (m *MemoryStore) SetEscrow(id string, role EscrowRole, escrowID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return ErrNotFound
	}
	if s.Status.Terminal() {
		return fmt.Errorf("%w: %s", ErrTerminal, s.Status)
	}
	switch role {
	case RoleSource:
		s.SrcEscrowID = escrowID
	case RoleDestination:
		s.DstEscrowID = escrowID
	default:
		return fmt.Errorf("%w: unknown escrow role %s", ErrValidation, role)
	}
	s.UpdatedAt = time.Now()
	return nil
}

func (m *MemoryStore) SetSecret(id, secret string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return ErrNotFound
	}
	if s.Status.Terminal() {
		return fmt.Errorf("%w: %s", ErrTerminal, s.Status)
	}
	s.Secret = secret
	s.UpdatedAt = time.Now()
	return nil
}

func (m *MemoryStore) SetDegraded(id string, degraded bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return ErrNotFound
	}
	if s.Status.Terminal() {
		return fmt.Errorf("%w: %s", ErrTerminal, s.Status)
	}
	s.Degraded = degraded
	s.UpdatedAt = time.Now()
	return nil
}

func (m *MemoryStore) Close() error {
	return nil
}
