// Package session defines the swap session data model and its lifecycle.
// A session is the engine's unit of coordination: two parties, two ledgers,
// one secret. The status graph is enforced in exactly one place
// (ValidTransition); everything else goes through the Store.
package session

import (
	"errors"
	"fmt"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/google/uuid"

	"github.com/driftlock/driftlock/internal/config"
	"github.com/driftlock/driftlock/pkg/helpers"
)

// Common errors
var (
	ErrValidation   = errors.New("invalid session parameters")
	ErrNotFound     = errors.New("session not found")
	ErrInvalidState = errors.New("invalid session state")
	ErrTerminal     = errors.New("session is in a terminal state")
)

// Status represents the lifecycle state of a swap session.
type Status string

const (
	StatusInitialized  Status = "initialized"
	StatusExecuting    Status = "executing"
	StatusSourceLocking Status = "source_locking"
	StatusSourceLocked Status = "source_locked"
	StatusDestLocking  Status = "destination_locking"
	StatusBothLocked   Status = "both_locked"
	StatusRevealing    Status = "revealing_secret"
	StatusCompleted    Status = "completed"
	StatusCancelling   Status = "cancelling"
	StatusCancelled    Status = "cancelled"
	StatusExpired      Status = "expired"
)

// validTransitions is the single source of truth for the status graph.
// Expired is only reachable from initialized: once anything has been
// submitted to a ledger, abandonment routes through cancelling so funds
// get refunded.
var validTransitions = map[Status][]Status{
	StatusInitialized:  {StatusExecuting, StatusCancelling, StatusExpired},
	StatusExecuting:    {StatusSourceLocking, StatusCancelling},
	StatusSourceLocking: {StatusSourceLocked, StatusCancelling},
	StatusSourceLocked: {StatusDestLocking, StatusCancelling},
	StatusDestLocking:  {StatusBothLocked, StatusCancelling},
	StatusBothLocked:   {StatusRevealing, StatusCancelling},
	StatusRevealing:    {StatusCompleted, StatusCancelling},
	StatusCancelling:   {StatusCancelled},
	StatusCompleted:    {},
	StatusCancelled:    {},
	StatusExpired:      {},
}

// ValidTransition reports whether a session may move from one status to
// another. All status mutation in the engine funnels through this check.
func ValidTransition(from, to Status) bool {
	next, ok := validTransitions[from]
	if !ok {
		return false
	}
	for _, s := range next {
		if s == to {
			return true
		}
	}
	return false
}

// Terminal returns true if the status permits no further transitions.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusCancelled, StatusExpired:
		return true
	}
	return false
}

// AtLeast reports whether the status has reached or passed the milestone in
// the happy-path ordering. Cancellation statuses never satisfy a milestone.
func (s Status) AtLeast(milestone Status) bool {
	order := map[Status]int{
		StatusInitialized:  0,
		StatusExecuting:    1,
		StatusSourceLocking: 2,
		StatusSourceLocked: 3,
		StatusDestLocking:  4,
		StatusBothLocked:   5,
		StatusRevealing:    6,
		StatusCompleted:    7,
	}
	a, ok := order[s]
	if !ok {
		return false
	}
	b, ok := order[milestone]
	if !ok {
		return false
	}
	return a >= b
}

// StepName identifies one phase of the swap protocol.
type StepName string

const (
	StepInitialize StepName = "initialize"
	StepSourceLock StepName = "source_lock"
	StepDestLock   StepName = "destination_lock"
	StepReveal     StepName = "reveal_secret"
	StepComplete   StepName = "complete"
)

// StepOrder is the fixed protocol ordering of steps.
var StepOrder = []StepName{StepInitialize, StepSourceLock, StepDestLock, StepReveal, StepComplete}

// StepStatus tracks progress of a single step.
type StepStatus string

const (
	StepWaiting    StepStatus = "waiting"
	StepInProgress StepStatus = "in_progress"
	StepCompleted  StepStatus = "completed"
	StepFailed     StepStatus = "failed"
)

// SwapStep is the progress record of one protocol phase.
type SwapStep struct {
	Name      StepName   `json:"name"`
	Status    StepStatus `json:"status"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// EscrowRole distinguishes the two legs of a swap.
type EscrowRole string

const (
	RoleSource      EscrowRole = "source"
	RoleDestination EscrowRole = "destination"
)

// FeeBreakdown records the fees quoted at session creation.
type FeeBreakdown struct {
	NetworkFee  uint64 `json:"network_fee"`
	ProtocolFee uint64 `json:"protocol_fee"`
}

// SwapSession is the full state of one coordinated swap.
// Amounts, chains, tokens, and parties are immutable after creation.
type SwapSession struct {
	ID string `json:"id"`

	SourceChain string `json:"source_chain"`
	DestChain   string `json:"dest_chain"`
	SourceToken string `json:"source_token"`
	DestToken   string `json:"dest_token"`

	// Amounts in smallest unit of each chain.
	SourceAmount uint64 `json:"source_amount"`
	DestAmount   uint64 `json:"dest_amount"`

	// Parties as hex-encoded compressed secp256k1 public keys.
	// The maker funds the source leg, the taker funds the destination leg.
	Maker string `json:"maker"`
	Taker string `json:"taker"`

	// Commitment is the hex SHA-256 of the swap secret. Secret stays empty
	// until disclosure.
	Commitment string `json:"commitment"`
	Secret     string `json:"secret,omitempty"`

	Status Status     `json:"status"`
	Steps  []SwapStep `json:"steps"`

	// Escrow identifiers assigned by the ledgers once locks are submitted.
	SrcEscrowID string `json:"src_escrow_id,omitempty"`
	DstEscrowID string `json:"dst_escrow_id,omitempty"`

	Fees FeeBreakdown `json:"fees"`

	// Degraded is set when the coordinator exhausts its retry budget
	// against a ledger; the session stays readable but needs attention.
	Degraded bool `json:"degraded,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// CreateParams are the caller-supplied inputs for a new session.
type CreateParams struct {
	SourceChain  string
	DestChain    string
	SourceToken  string
	DestToken    string
	SourceAmount uint64
	DestAmount   uint64
	Maker        string
	Taker        string
}

// Validate checks creation parameters against the chain registry.
func (p *CreateParams) Validate() error {
	if !config.ValidPair(p.SourceChain, p.DestChain) {
		return fmt.Errorf("%w: unsupported chain pair %s/%s", ErrValidation, p.SourceChain, p.DestChain)
	}
	if p.SourceToken == "" || p.DestToken == "" {
		return fmt.Errorf("%w: token identifiers required", ErrValidation)
	}
	if p.SourceAmount == 0 || p.DestAmount == 0 {
		return fmt.Errorf("%w: amounts must be positive", ErrValidation)
	}

	src, _ := config.GetChain(p.SourceChain)
	if p.SourceAmount < src.MinAmount {
		return fmt.Errorf("%w: source amount below minimum: %d < %d", ErrValidation, p.SourceAmount, src.MinAmount)
	}
	if src.MaxAmount > 0 && p.SourceAmount > src.MaxAmount {
		return fmt.Errorf("%w: source amount above maximum: %d > %d", ErrValidation, p.SourceAmount, src.MaxAmount)
	}
	dst, _ := config.GetChain(p.DestChain)
	if p.DestAmount < dst.MinAmount {
		return fmt.Errorf("%w: destination amount below minimum: %d < %d", ErrValidation, p.DestAmount, dst.MinAmount)
	}
	if dst.MaxAmount > 0 && p.DestAmount > dst.MaxAmount {
		return fmt.Errorf("%w: destination amount above maximum: %d > %d", ErrValidation, p.DestAmount, dst.MaxAmount)
	}

	if err := validatePubKey(p.Maker); err != nil {
		return fmt.Errorf("%w: maker key: %v", ErrValidation, err)
	}
	if err := validatePubKey(p.Taker); err != nil {
		return fmt.Errorf("%w: taker key: %v", ErrValidation, err)
	}
	if p.Maker == p.Taker {
		return fmt.Errorf("%w: maker and taker must differ", ErrValidation)
	}
	return nil
}

func validatePubKey(hexKey string) error {
	raw, err := helpers.HexToBytes(hexKey)
	if err != nil {
		return err
	}
	if _, err := btcec.ParsePubKey(raw); err != nil {
		return fmt.Errorf("invalid public key: %w", err)
	}
	return nil
}

// New builds a SwapSession in its initial state. The commitment is supplied
// by the secret manager; callers never see the secret itself.
func New(p CreateParams, commitment string, fees FeeBreakdown, ttl time.Duration) (*SwapSession, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}

	now := time.Now()
	steps := make([]SwapStep, 0, len(StepOrder))
	for _, name := range StepOrder {
		steps = append(steps, SwapStep{Name: name, Status: StepWaiting, UpdatedAt: now})
	}

	return &SwapSession{
		ID:           uuid.NewString(),
		SourceChain:  p.SourceChain,
		DestChain:    p.DestChain,
		SourceToken:  p.SourceToken,
		DestToken:    p.DestToken,
		SourceAmount: p.SourceAmount,
		DestAmount:   p.DestAmount,
		Maker:        p.Maker,
		Taker:        p.Taker,
		Commitment:   commitment,
		Status:       StatusInitialized,
		Steps:        steps,
		Fees:         fees,
		CreatedAt:    now,
		ExpiresAt:    now.Add(ttl),
		UpdatedAt:    now,
	}, nil
}

// StepIndex returns the protocol position of a step, or -1.
func StepIndex(name StepName) int {
	for i, n := range StepOrder {
		if n == name {
			return i
		}
	}
	return -1
}

// SetStep updates one step's status, enforcing protocol ordering: a step
// cannot complete while any earlier step is still waiting or in progress.
func (s *SwapSession) SetStep(name StepName, status StepStatus) error {
	idx := StepIndex(name)
	if idx < 0 {
		return fmt.Errorf("%w: unknown step %s", ErrValidation, name)
	}
	if status == StepCompleted {
		for i := 0; i < idx; i++ {
			if s.Steps[i].Status != StepCompleted {
				return fmt.Errorf("%w: step %s cannot complete before %s",
					ErrInvalidState, name, s.Steps[i].Name)
			}
		}
	}
	s.Steps[idx].Status = status
	s.Steps[idx].UpdatedAt = time.Now()
	return nil
}

// Step returns the current status of a step.
func (s *SwapSession) Step(name StepName) (StepStatus, bool) {
	idx := StepIndex(name)
	if idx < 0 || idx >= len(s.Steps) {
		return "", false
	}
	return s.Steps[idx].Status, true
}

// Progress returns completed steps as a percentage of the protocol.
func (s *SwapSession) Progress() int {
	done := 0
	for _, st := range s.Steps {
		if st.Status == StepCompleted {
			done++
		}
	}
	return done * 100 / len(StepOrder)
}

// Clone returns a deep copy safe to hand outside the store.
func (s *SwapSession) Clone() *SwapSession {
	cp := *s
	cp.Steps = make([]SwapStep, len(s.Steps))
	copy(cp.Steps, s.Steps)
	return &cp
}
