// Package coordinator drives swap sessions through their lifecycle. Each
// session is owned by one worker goroutine; commands and ledger events are
// serialized through the worker's channel, so a stuck or failing session
// never affects another.
package coordinator

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"sync"

	"github.com/btcsuite/btcd/btcec/v2"
	btcecdsa "github.com/btcsuite/btcd/btcec/v2/ecdsa"

	"github.com/driftlock/driftlock/internal/config"
	"github.com/driftlock/driftlock/internal/ledger"
	"github.com/driftlock/driftlock/internal/notify"
	"github.com/driftlock/driftlock/internal/observer"
	"github.com/driftlock/driftlock/internal/secret"
	"github.com/driftlock/driftlock/internal/session"
	"github.com/driftlock/driftlock/pkg/helpers"
	"github.com/driftlock/driftlock/pkg/logging"
)

// Common errors
var (
	ErrUnauthorized = errors.New("invalid execution authorization")
	ErrUnknownChain = errors.New("no ledger client for chain")
	ErrShuttingDown = errors.New("coordinator is shutting down")
)

// escrowRef maps a ledger escrow back to the session leg it belongs to.
type escrowRef struct {
	sessionID string
	role      session.EscrowRole
}

// Coordinator owns the swap state machine.
type Coordinator struct {
	cfg     config.SwapConfig
	store   session.Store
	secrets *secret.Manager
	ledgers map[string]ledger.Client
	bus     *notify.Bus
	log     *logging.Logger

	mu      sync.RWMutex
	workers map[string]*worker
	escrows map[string]escrowRef // "chain/escrowID" -> ref
	closed  bool

	wg sync.WaitGroup
}

// Config holds coordinator dependencies.
type Config struct {
	Swap    config.SwapConfig
	Store   session.Store
	Secrets *secret.Manager
	Ledgers map[string]ledger.Client
	Bus     *notify.Bus
}

// New creates a Coordinator. Call Recover to resume persisted sessions,
// then feed it observer events.
func New(cfg *Config) *Coordinator {
	return &Coordinator{
		cfg:     cfg.Swap,
		store:   cfg.Store,
		secrets: cfg.Secrets,
		ledgers: cfg.Ledgers,
		bus:     cfg.Bus,
		log:     logging.Component("coordinator"),
		workers: make(map[string]*worker),
		escrows: make(map[string]escrowRef),
	}
}

// Stop halts all session workers. Sessions keep their persisted state and
// resume after Recover on the next start.
func (c *Coordinator) Stop() {
	c.mu.Lock()
	c.closed = true
	workers := make([]*worker, 0, len(c.workers))
	for _, w := range c.workers {
		workers = append(workers, w)
	}
	c.mu.Unlock()

	for _, w := range workers {
		w.stop()
	}
	c.wg.Wait()
	c.log.Info("Coordinator stopped")
}

// CreateSession validates parameters, obtains a secret commitment, persists
// the session, and arms its expiration timer. The session sits in
// initialized until Execute.
func (c *Coordinator) CreateSession(p session.CreateParams) (*session.SwapSession, error) {
	fees := session.FeeBreakdown{
		NetworkFee:  c.cfg.NetworkFeeFlat,
		ProtocolFee: config.ProtocolFee(p.SourceAmount, c.cfg.ProtocolFeeBps),
	}

	sess, err := session.New(p, "", fees, c.cfg.SessionTTL)
	if err != nil {
		return nil, err
	}
	if _, ok := c.ledgers[p.SourceChain]; !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownChain, p.SourceChain)
	}
	if _, ok := c.ledgers[p.DestChain]; !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownChain, p.DestChain)
	}

	commitment, err := c.secrets.Generate(sess.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to generate secret: %w", err)
	}
	sess.Commitment = commitment

	if err := c.store.Create(sess); err != nil {
		return nil, err
	}

	if _, err := c.spawnWorker(sess); err != nil {
		return nil, err
	}

	c.log.Info("Session created",
		"session", sess.ID,
		"pair", sess.SourceChain+"/"+sess.DestChain,
		"commitment", sess.Commitment)
	c.publish(sess.ID, sess.Status, string(session.StepInitialize), 0, false)
	return sess, nil
}

// Execute starts a session's swap. The authorization is a DER-encoded ECDSA
// signature by the taker's key over SHA-256 of the session ID; it is checked
// before any state changes. State validation runs inside the worker, so the
// returned error reflects the session's serialized state.
func (c *Coordinator) Execute(sessionID, authHex string) error {
	sess, err := c.store.Get(sessionID)
	if err != nil {
		return err
	}
	if err := verifyAuthorization(sessionID, sess.Taker, authHex); err != nil {
		return err
	}

	w, err := c.workerFor(sessionID)
	if err != nil {
		return err
	}
	return w.ask(command{kind: cmdExecute})
}

// Cancel aborts a session. Locked escrows are refunded, destination first;
// the session reaches cancelled once refunds confirm. Cancelling an
// already-cancelling session is a no-op.
func (c *Coordinator) Cancel(sessionID string) error {
	w, err := c.workerFor(sessionID)
	if err != nil {
		return err
	}
	return w.ask(command{kind: cmdCancel})
}

// OnLedgerEvent routes a confirmed escrow observation to the session that
// owns the escrow. Events for unknown escrows are dropped; everything else
// is decided inside the worker, where duplicates and stale events no-op.
func (c *Coordinator) OnLedgerEvent(ev observer.Event) {
	c.mu.RLock()
	ref, ok := c.escrows[escrowKey(ev.Chain, ev.EscrowID)]
	w := c.workers[ref.sessionID]
	c.mu.RUnlock()

	if !ok || w == nil {
		c.log.Debug("Ignoring event for unknown escrow", "chain", ev.Chain, "escrow", ev.EscrowID)
		return
	}
	w.post(command{kind: cmdEvent, ev: ev, role: ref.role})
}

// Recover reloads non-terminal sessions from the store, re-registers their
// escrows, restarts their workers, and re-arms their timers. Submissions
// that were in flight at shutdown are retried.
func (c *Coordinator) Recover() error {
	active, err := c.store.List(session.Filter{Active: true})
	if err != nil {
		return fmt.Errorf("failed to list active sessions: %w", err)
	}

	for _, sess := range active {
		if sess.SrcEscrowID != "" {
			c.registerEscrow(sess.SourceChain, sess.SrcEscrowID, sess.ID, session.RoleSource)
		}
		if sess.DstEscrowID != "" {
			c.registerEscrow(sess.DestChain, sess.DstEscrowID, sess.ID, session.RoleDestination)
		}
		w, err := c.spawnWorker(sess)
		if err != nil {
			return err
		}
		w.post(command{kind: cmdResume})
		c.log.Info("Recovered session", "session", sess.ID, "status", sess.Status)
	}

	c.log.Info("Recovery complete", "sessions", len(active))
	return nil
}

// ActiveSessions returns the number of sessions with live workers.
func (c *Coordinator) ActiveSessions() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.workers)
}

func (c *Coordinator) spawnWorker(sess *session.SwapSession) (*worker, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrShuttingDown
	}
	if w, exists := c.workers[sess.ID]; exists {
		return w, nil
	}

	w := newWorker(c, sess)
	c.workers[sess.ID] = w
	c.wg.Add(1)
	go w.run()
	return w, nil
}

func (c *Coordinator) workerFor(sessionID string) (*worker, error) {
	c.mu.RLock()
	w, ok := c.workers[sessionID]
	c.mu.RUnlock()
	if ok {
		return w, nil
	}
	// No worker: the session is terminal, or unknown.
	sess, err := c.store.Get(sessionID)
	if err != nil {
		return nil, err
	}
	return nil, fmt.Errorf("%w: session is %s", session.ErrInvalidState, sess.Status)
}

// releaseWorker removes a finished worker and its escrow registrations.
func (c *Coordinator) releaseWorker(w *worker) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.workers, w.sessionID)
	for key, ref := range c.escrows {
		if ref.sessionID == w.sessionID {
			delete(c.escrows, key)
		}
	}
}

func (c *Coordinator) registerEscrow(chain, escrowID, sessionID string, role session.EscrowRole) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.escrows[escrowKey(chain, escrowID)] = escrowRef{sessionID: sessionID, role: role}
}

func (c *Coordinator) publish(sessionID string, status session.Status, phase string, progress int, degraded bool) {
	c.bus.Publish(notify.Notification{
		SessionID: sessionID,
		Status:    status,
		Phase:     phase,
		Progress:  progress,
		Degraded:  degraded,
	})
}

func escrowKey(chain, escrowID string) string {
	return chain + "/" + escrowID
}

// verifyAuthorization checks the taker's signature over SHA-256(sessionID).
func verifyAuthorization(sessionID, takerHex, authHex string) error {
	sigBytes, err := helpers.HexToBytes(authHex)
	if err != nil {
		return fmt.Errorf("%w: malformed signature", ErrUnauthorized)
	}
	sig, err := btcecdsa.ParseDERSignature(sigBytes)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}
	keyBytes, err := helpers.HexToBytes(takerHex)
	if err != nil {
		return fmt.Errorf("%w: malformed taker key", ErrUnauthorized)
	}
	pub, err := btcec.ParsePubKey(keyBytes)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}

	digest := sha256.Sum256([]byte(sessionID))
	if !sig.Verify(digest[:], pub) {
		return fmt.Errorf("%w: signature does not match taker key", ErrUnauthorized)
	}
	return nil
}
