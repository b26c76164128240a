package ledger

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
)

// escrow lifecycle inside the simulator
type simState string

const (
	simLocked    simState = "locked"
	simWithdrawn simState = "withdrawn"
	simRefunded  simState = "refunded"
)

type simEscrow struct {
	lock  Lock
	state simState
}

// Sim is an in-memory ledger for tests and simulation mode. Blocks advance
// only through AdvanceBlocks, so tests control confirmation timing; FailNext
// injects transient faults.
type Sim struct {
	chainID string

	mu       sync.Mutex
	height   uint64
	seq      int
	escrows  map[string]*simEscrow
	events   []Event
	failNext int
}

// NewSim creates a simulated ledger at height 1.
func NewSim(chainID string) *Sim {
	return &Sim{
		chainID: chainID,
		height:  1,
		escrows: make(map[string]*simEscrow),
	}
}

func (s *Sim) ChainID() string { return s.chainID }

// AdvanceBlocks mines n empty blocks.
func (s *Sim) AdvanceBlocks(n uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.height += n
}

// FailNext makes the next n ledger calls fail with ErrTransient.
func (s *Sim) FailNext(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failNext = n
}

func (s *Sim) takeFault() bool {
	if s.failNext > 0 {
		s.failNext--
		return true
	}
	return false
}

func (s *Sim) Height(ctx context.Context) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.takeFault() {
		return 0, fmt.Errorf("%w: simulated outage", ErrTransient)
	}
	return s.height, nil
}

func (s *Sim) CreateLock(ctx context.Context, lock Lock) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.takeFault() {
		return "", fmt.Errorf("%w: simulated outage", ErrTransient)
	}
	if lock.Amount == 0 {
		return "", fmt.Errorf("%w: zero amount", ErrRejected)
	}
	if len(lock.Commitment) != 64 {
		return "", fmt.Errorf("%w: malformed commitment", ErrRejected)
	}

	s.seq++
	id := fmt.Sprintf("%s-escrow-%d", s.chainID, s.seq)
	s.escrows[id] = &simEscrow{lock: lock, state: simLocked}
	s.events = append(s.events, Event{
		Type:     EventLock,
		EscrowID: id,
		Party:    lock.Sender,
		Amount:   lock.Amount,
		Block:    s.height,
	})
	return id, nil
}

func (s *Sim) Withdraw(ctx context.Context, escrowID, secretHex string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.takeFault() {
		return fmt.Errorf("%w: simulated outage", ErrTransient)
	}
	e, ok := s.escrows[escrowID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrEscrowNotFound, escrowID)
	}
	if e.state != simLocked {
		return fmt.Errorf("%w: escrow is %s", ErrRejected, e.state)
	}

	raw, err := hex.DecodeString(secretHex)
	if err != nil {
		return fmt.Errorf("%w: malformed secret", ErrRejected)
	}
	sum := sha256.Sum256(raw)
	if hex.EncodeToString(sum[:]) != e.lock.Commitment {
		return fmt.Errorf("%w: secret does not match commitment", ErrRejected)
	}

	e.state = simWithdrawn
	s.events = append(s.events, Event{
		Type:     EventWithdraw,
		EscrowID: escrowID,
		Party:    e.lock.Receiver,
		Amount:   e.lock.Amount,
		Secret:   secretHex,
		Block:    s.height,
	})
	return nil
}

func (s *Sim) Refund(ctx context.Context, escrowID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.takeFault() {
		return fmt.Errorf("%w: simulated outage", ErrTransient)
	}
	e, ok := s.escrows[escrowID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrEscrowNotFound, escrowID)
	}
	if e.state != simLocked {
		return fmt.Errorf("%w: escrow is %s", ErrRejected, e.state)
	}

	e.state = simRefunded
	s.events = append(s.events, Event{
		Type:     EventRefund,
		EscrowID: escrowID,
		Party:    e.lock.Sender,
		Amount:   e.lock.Amount,
		Block:    s.height,
	})
	return nil
}

func (s *Sim) Events(ctx context.Context, fromBlock uint64) ([]Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.takeFault() {
		return nil, fmt.Errorf("%w: simulated outage", ErrTransient)
	}
	var out []Event
	for _, ev := range s.events {
		if ev.Block >= fromBlock {
			out = append(out, ev)
		}
	}
	return out, nil
}

func (s *Sim) Close() error { return nil }

// EscrowState reports an escrow's lifecycle state, for assertions in tests.
func (s *Sim) EscrowState(escrowID string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.escrows[escrowID]
	if !ok {
		return "", false
	}
	return string(e.state), true
}
