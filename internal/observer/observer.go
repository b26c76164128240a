// Package observer watches escrow ledgers and turns raw log entries into
// confirmed domain events. One poller runs per ledger; the coordinator is
// the only consumer.
package observer

import (
	"time"

	"github.com/driftlock/driftlock/internal/ledger"
)

// Event is a confirmed escrow observation. It is only emitted once the
// event's block is buried under the chain's confirmation depth.
type Event struct {
	Chain    string
	Type     ledger.EventType
	EscrowID string
	Party    string
	Amount   uint64
	Secret   string // set on withdraw events
	Block    uint64
}

// Handler receives confirmed events. Called from the poller's goroutine;
// implementations must not block for long.
type Handler func(Event)

// Observer is the liveness surface a poller exposes.
type Observer interface {
	// Start begins polling. Stop halts it and waits for the loop to exit.
	Start()
	Stop()

	// LastSeen returns the time of the last successful poll.
	LastSeen() time.Time

	// Healthy reports whether the ledger was successfully polled within
	// staleAfter.
	Healthy(staleAfter time.Duration) bool
}
