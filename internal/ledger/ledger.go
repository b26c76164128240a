// Package ledger abstracts the on-chain escrow collaborator. The engine
// coordinates; the escrow contract (or its simulated stand-in) custodies
// funds and enforces hashlocks and timelocks.
package ledger

import (
	"context"
	"errors"
	"time"
)

// Common errors
var (
	// ErrTransient marks failures worth retrying: connectivity, node lag,
	// rate limits. Everything else is treated as a hard rejection.
	ErrTransient = errors.New("transient ledger error")

	ErrEscrowNotFound = errors.New("escrow not found")
	ErrRejected       = errors.New("ledger rejected the operation")
)

// EventType is the kind of escrow event a ledger emits.
type EventType string

const (
	EventLock     EventType = "lock"
	EventWithdraw EventType = "withdraw"
	EventRefund   EventType = "refund"
)

// Event is one escrow state change as read from a ledger's log.
type Event struct {
	Type     EventType
	EscrowID string
	Party    string // hex pubkey of the acting party, when the ledger reports it
	Amount   uint64
	Secret   string // hex preimage, set on withdraw events only
	Block    uint64 // block the event landed in
}

// Lock describes an escrow to be created on a ledger.
type Lock struct {
	Sender     string // hex pubkey funding the escrow
	Receiver   string // hex pubkey allowed to withdraw with the secret
	Token      string
	Amount     uint64
	Commitment string    // hex SHA-256 hashlock
	Deadline   time.Time // timelock: sender may refund after this
}

// Client is one ledger's escrow interface. Implementations must be safe for
// concurrent use. Read failures that may heal on retry are wrapped in
// ErrTransient.
type Client interface {
	// ChainID returns the registry ID of the ledger this client serves.
	ChainID() string

	// Height returns the current block height.
	Height(ctx context.Context) (uint64, error)

	// CreateLock submits an escrow lock and returns the ledger-assigned
	// escrow ID.
	CreateLock(ctx context.Context, lock Lock) (string, error)

	// Withdraw claims a locked escrow by revealing the secret preimage.
	Withdraw(ctx context.Context, escrowID, secretHex string) error

	// Refund returns a locked escrow to its sender.
	Refund(ctx context.Context, escrowID string) error

	// Events returns escrow events from fromBlock (inclusive) onward, in
	// block order. Observers poll this with a cursor.
	Events(ctx context.Context, fromBlock uint64) ([]Event, error)

	// Close releases the underlying connection.
	Close() error
}
