package session

// Store persists swap sessions. Implementations must enforce the status
// graph at the Transition boundary and reject mutation of terminal
// sessions; sessions are never deleted.
//
// The coordinator is the only writer of status, steps, escrow IDs, and the
// degraded flag; the secret manager is the only writer of the secret
// column. Readers may call Get and List concurrently.
type Store interface {
	// Create persists a new session. The session must be in
	// StatusInitialized.
	Create(s *SwapSession) error

	// Get returns a copy of the session, or ErrNotFound.
	Get(id string) (*SwapSession, error)

	// List returns copies of sessions matching the filter, newest first.
	List(f Filter) ([]*SwapSession, error)

	// Transition moves the session to a new status, enforcing
	// ValidTransition. Returns the updated session.
	Transition(id string, to Status) (*SwapSession, error)

	// SetStep updates a step's status, enforcing protocol ordering.
	SetStep(id string, step StepName, status StepStatus) error

	// SetEscrow records the ledger-assigned escrow ID for one leg.
	SetEscrow(id string, role EscrowRole, escrowID string) error

	// SetSecret records the disclosed secret on the session.
	SetSecret(id, secret string) error

	// SetDegraded flips the session's degraded flag.
	SetDegraded(id string, degraded bool) error

	// Close releases underlying resources.
	Close() error
}

// Filter narrows List results. Zero values match everything.
type Filter struct {
	// Status matches sessions in exactly this status.
	Status Status

	// Chain matches sessions using this chain on either leg.
	Chain string

	// Active restricts results to non-terminal sessions.
	Active bool
}

// Matches reports whether a session satisfies the filter.
func (f Filter) Matches(s *SwapSession) bool {
	if f.Status != "" && s.Status != f.Status {
		return false
	}
	if f.Chain != "" && s.SourceChain != f.Chain && s.DestChain != f.Chain {
		return false
	}
	if f.Active && s.Status.Terminal() {
		return false
	}
	return true
}
