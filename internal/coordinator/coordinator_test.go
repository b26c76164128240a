package coordinator

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	btcecdsa "github.com/btcsuite/btcd/btcec/v2/ecdsa"

	"github.com/driftlock/driftlock/internal/config"
	"github.com/driftlock/driftlock/internal/ledger"
	"github.com/driftlock/driftlock/internal/notify"
	"github.com/driftlock/driftlock/internal/observer"
	"github.com/driftlock/driftlock/internal/secret"
	"github.com/driftlock/driftlock/internal/session"
)

// Deterministic test identities.
var (
	makerPriv, _ = btcec.PrivKeyFromBytes(bytesOf(0x11))
	takerPriv, _ = btcec.PrivKeyFromBytes(bytesOf(0x22))
)

func bytesOf(b byte) []byte {
	out := make([]byte, 32)
	for i := range out {
		out[i] = b
	}
	return out
}

func pubHex(priv *btcec.PrivateKey) string {
	return hex.EncodeToString(priv.PubKey().SerializeCompressed())
}

func signSession(priv *btcec.PrivateKey, sessionID string) string {
	digest := sha256.Sum256([]byte(sessionID))
	sig := btcecdsa.Sign(priv, digest[:])
	return hex.EncodeToString(sig.Serialize())
}

type harness struct {
	coord  *Coordinator
	store  session.Store
	srcSim *ledger.Sim
	dstSim *ledger.Sim
	bus    *notify.Bus
}

func newHarness(t *testing.T, swapCfg config.SwapConfig) *harness {
	t.Helper()

	store := session.NewMemoryStore()
	key := bytesOf(0x33)
	secrets, err := secret.NewManager(key, secret.NewMemoryVault())
	if err != nil {
		t.Fatal(err)
	}
	secrets.SetSessions(store)

	srcSim := ledger.NewSim("SIM")
	dstSim := ledger.NewSim("SIM2")
	bus := notify.NewBus()

	coord := New(&Config{
		Swap:    swapCfg,
		Store:   store,
		Secrets: secrets,
		Ledgers: map[string]ledger.Client{"SIM": srcSim, "SIM2": dstSim},
		Bus:     bus,
	})
	t.Cleanup(coord.Stop)

	return &harness{coord: coord, store: store, srcSim: srcSim, dstSim: dstSim, bus: bus}
}

func testSwapConfig() config.SwapConfig {
	cfg := config.DefaultSwapConfig()
	cfg.SessionTTL = time.Hour
	return cfg
}

func (h *harness) createSession(t *testing.T) *session.SwapSession {
	t.Helper()
	sess, err := h.coord.CreateSession(session.CreateParams{
		SourceChain:  "SIM",
		DestChain:    "SIM2",
		SourceToken:  "SIM",
		DestToken:    "SIM2",
		SourceAmount: 100000,
		DestAmount:   250000,
		Maker:        pubHex(makerPriv),
		Taker:        pubHex(takerPriv),
	})
	if err != nil {
		t.Fatalf("CreateSession() error = %v", err)
	}
	return sess
}

// waitFor polls the store until cond is satisfied or the deadline passes.
func (h *harness) waitFor(t *testing.T, id string, cond func(*session.SwapSession) bool) *session.SwapSession {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		sess, err := h.store.Get(id)
		if err != nil {
			t.Fatalf("Get() error = %v", err)
		}
		if cond(sess) {
			return sess
		}
		time.Sleep(2 * time.Millisecond)
	}
	sess, _ := h.store.Get(id)
	t.Fatalf("condition never met; session status = %s", sess.Status)
	return nil
}

func (h *harness) waitStatus(t *testing.T, id string, status session.Status) *session.SwapSession {
	t.Helper()
	return h.waitFor(t, id, func(s *session.SwapSession) bool { return s.Status == status })
}

// event synthesizes a confirmed observation for an escrow.
func event(chain string, typ ledger.EventType, escrowID, secretHex string) observer.Event {
	return observer.Event{
		Chain:    chain,
		Type:     typ,
		EscrowID: escrowID,
		Secret:   secretHex,
		Block:    1,
	}
}

// driveToBothLocked walks a session through execute and both lock
// confirmations, returning it at both_locked or later.
func (h *harness) driveToBothLocked(t *testing.T, sess *session.SwapSession) *session.SwapSession {
	t.Helper()

	if err := h.coord.Execute(sess.ID, signSession(takerPriv, sess.ID)); err != nil {
		t.Fatalf("Execute() error = %v", err)
	}

	locked := h.waitFor(t, sess.ID, func(s *session.SwapSession) bool {
		return s.Status == session.StatusSourceLocking && s.SrcEscrowID != ""
	})
	h.coord.OnLedgerEvent(event("SIM", ledger.EventLock, locked.SrcEscrowID, ""))

	dst := h.waitFor(t, sess.ID, func(s *session.SwapSession) bool {
		return s.Status == session.StatusDestLocking && s.DstEscrowID != ""
	})
	h.coord.OnLedgerEvent(event("SIM2", ledger.EventLock, dst.DstEscrowID, ""))

	return h.waitFor(t, sess.ID, func(s *session.SwapSession) bool {
		return s.Status.AtLeast(session.StatusBothLocked)
	})
}

func TestCreateSessionInitialized(t *testing.T) {
	h := newHarness(t, testSwapConfig())
	sess := h.createSession(t)

	if sess.Status != session.StatusInitialized {
		t.Errorf("status = %s, want initialized", sess.Status)
	}
	if len(sess.Commitment) != 64 {
		t.Errorf("commitment = %q", sess.Commitment)
	}
	if sess.Secret != "" {
		t.Error("secret must not be set at creation")
	}
	if sess.Fees.ProtocolFee != config.ProtocolFee(100000, testSwapConfig().ProtocolFeeBps) {
		t.Errorf("protocol fee = %d", sess.Fees.ProtocolFee)
	}
	for _, st := range sess.Steps {
		if st.Status != session.StepWaiting {
			t.Errorf("step %s = %s, want waiting", st.Name, st.Status)
		}
	}
	if h.coord.ActiveSessions() != 1 {
		t.Errorf("ActiveSessions() = %d", h.coord.ActiveSessions())
	}
}

func TestCreateSessionRejectsInvalidParams(t *testing.T) {
	h := newHarness(t, testSwapConfig())
	_, err := h.coord.CreateSession(session.CreateParams{
		SourceChain: "SIM", DestChain: "SIM",
		SourceToken: "a", DestToken: "b",
		SourceAmount: 1, DestAmount: 1,
		Maker: pubHex(makerPriv), Taker: pubHex(takerPriv),
	})
	if !errors.Is(err, session.ErrValidation) {
		t.Errorf("error = %v, want ErrValidation", err)
	}
}

func TestExecuteAuthorization(t *testing.T) {
	h := newHarness(t, testSwapConfig())
	sess := h.createSession(t)

	// maker's signature is not the taker's
	if err := h.coord.Execute(sess.ID, signSession(makerPriv, sess.ID)); !errors.Is(err, ErrUnauthorized) {
		t.Errorf("Execute(maker sig) error = %v, want ErrUnauthorized", err)
	}
	// signature over the wrong session ID
	if err := h.coord.Execute(sess.ID, signSession(takerPriv, "other")); !errors.Is(err, ErrUnauthorized) {
		t.Errorf("Execute(wrong payload) error = %v, want ErrUnauthorized", err)
	}
	// garbage
	if err := h.coord.Execute(sess.ID, "zz"); !errors.Is(err, ErrUnauthorized) {
		t.Errorf("Execute(garbage) error = %v, want ErrUnauthorized", err)
	}

	// valid signature succeeds; a second execute hits the state machine
	if err := h.coord.Execute(sess.ID, signSession(takerPriv, sess.ID)); err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if err := h.coord.Execute(sess.ID, signSession(takerPriv, sess.ID)); !errors.Is(err, session.ErrInvalidState) {
		t.Errorf("second Execute error = %v, want ErrInvalidState", err)
	}
}

func TestHappyPath(t *testing.T) {
	h := newHarness(t, testSwapConfig())
	sess := h.createSession(t)
	both := h.driveToBothLocked(t, sess)

	// disclosure happens on the both_locked edge; the withdraw follows
	revealing := h.waitFor(t, sess.ID, func(s *session.SwapSession) bool {
		return s.Status == session.StatusRevealing && s.Secret != ""
	})
	if !secret.Verify(revealing.Secret, revealing.Commitment) {
		t.Error("disclosed secret does not match commitment")
	}

	// the engine's withdraw settles the destination escrow
	h.waitForEscrow(t, h.dstSim, both.DstEscrowID, "withdrawn")
	h.coord.OnLedgerEvent(event("SIM2", ledger.EventWithdraw, both.DstEscrowID, revealing.Secret))

	final := h.waitStatus(t, sess.ID, session.StatusCompleted)
	for _, st := range final.Steps {
		if st.Status != session.StepCompleted {
			t.Errorf("step %s = %s, want completed", st.Name, st.Status)
		}
	}
	if final.Degraded {
		t.Error("session should not be degraded")
	}

	// worker exit frees the session slot
	h.waitWorkers(t, 0)
}

func (h *harness) waitForEscrow(t *testing.T, sim *ledger.Sim, escrowID, want string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if state, ok := sim.EscrowState(escrowID); ok && state == want {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	state, _ := sim.EscrowState(escrowID)
	t.Fatalf("escrow %s state = %s, want %s", escrowID, state, want)
}

func (h *harness) waitWorkers(t *testing.T, want int) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if h.coord.ActiveSessions() == want {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("ActiveSessions() = %d, want %d", h.coord.ActiveSessions(), want)
}

func TestDuplicateEventsNoOp(t *testing.T) {
	h := newHarness(t, testSwapConfig())
	sess := h.createSession(t)

	if err := h.coord.Execute(sess.ID, signSession(takerPriv, sess.ID)); err != nil {
		t.Fatal(err)
	}
	locked := h.waitFor(t, sess.ID, func(s *session.SwapSession) bool {
		return s.Status == session.StatusSourceLocking && s.SrcEscrowID != ""
	})

	// deliver the same confirmation three times
	for i := 0; i < 3; i++ {
		h.coord.OnLedgerEvent(event("SIM", ledger.EventLock, locked.SrcEscrowID, ""))
	}

	dst := h.waitFor(t, sess.ID, func(s *session.SwapSession) bool {
		return s.Status == session.StatusDestLocking && s.DstEscrowID != ""
	})
	if st, _ := dst.Step(session.StepSourceLock); st != session.StepCompleted {
		t.Errorf("source_lock step = %s", st)
	}
	// exactly one destination escrow was created
	if _, ok := h.dstSim.EscrowState(dst.DstEscrowID); !ok {
		t.Fatal("destination escrow missing")
	}
	if _, ok := h.dstSim.EscrowState("SIM2-escrow-2"); ok {
		t.Error("duplicate event created a second destination escrow")
	}
}

func TestUnknownEscrowEventIgnored(t *testing.T) {
	h := newHarness(t, testSwapConfig())
	sess := h.createSession(t)

	h.coord.OnLedgerEvent(event("SIM", ledger.EventLock, "SIM-escrow-42", ""))

	got, err := h.store.Get(sess.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != session.StatusInitialized {
		t.Errorf("status = %s, unknown event must not move the session", got.Status)
	}
}

func TestSourceWithdrawAbsorbed(t *testing.T) {
	h := newHarness(t, testSwapConfig())
	sess := h.createSession(t)
	both := h.driveToBothLocked(t, sess)

	// taker claiming the source escrow is not our claim path
	h.coord.OnLedgerEvent(event("SIM", ledger.EventWithdraw, both.SrcEscrowID, "aa"))

	got := h.waitFor(t, sess.ID, func(s *session.SwapSession) bool {
		return s.Status.AtLeast(session.StatusBothLocked)
	})
	if got.Status == session.StatusCompleted {
		t.Error("source-side withdraw must not complete the session")
	}
}

func TestCancelBeforeExecute(t *testing.T) {
	h := newHarness(t, testSwapConfig())
	sess := h.createSession(t)

	if err := h.coord.Cancel(sess.ID); err != nil {
		t.Fatalf("Cancel() error = %v", err)
	}
	final := h.waitStatus(t, sess.ID, session.StatusCancelled)
	if final.SrcEscrowID != "" || final.DstEscrowID != "" {
		t.Error("nothing should have been locked")
	}

	// terminal sessions reject further cancels
	h.waitWorkers(t, 0)
	if err := h.coord.Cancel(sess.ID); !errors.Is(err, session.ErrInvalidState) {
		t.Errorf("Cancel(cancelled) error = %v, want ErrInvalidState", err)
	}
}

func TestCancelRefundsDestinationBeforeSource(t *testing.T) {
	h := newHarness(t, testSwapConfig())
	sess := h.createSession(t)

	if err := h.coord.Execute(sess.ID, signSession(takerPriv, sess.ID)); err != nil {
		t.Fatal(err)
	}
	locked := h.waitFor(t, sess.ID, func(s *session.SwapSession) bool {
		return s.Status == session.StatusSourceLocking && s.SrcEscrowID != ""
	})
	h.coord.OnLedgerEvent(event("SIM", ledger.EventLock, locked.SrcEscrowID, ""))

	// both escrows exist, the destination lock is not yet confirmed
	both := h.waitFor(t, sess.ID, func(s *session.SwapSession) bool {
		return s.Status == session.StatusDestLocking && s.DstEscrowID != ""
	})

	if err := h.coord.Cancel(sess.ID); err != nil {
		t.Fatalf("Cancel() error = %v", err)
	}
	h.waitStatus(t, sess.ID, session.StatusCancelling)

	// destination refund is submitted first; source waits for it
	h.waitForEscrow(t, h.dstSim, both.DstEscrowID, "refunded")
	if state, _ := h.srcSim.EscrowState(both.SrcEscrowID); state != "locked" {
		t.Errorf("source escrow refunded early: %s", state)
	}

	h.coord.OnLedgerEvent(event("SIM2", ledger.EventRefund, both.DstEscrowID, ""))
	h.waitForEscrow(t, h.srcSim, both.SrcEscrowID, "refunded")

	h.coord.OnLedgerEvent(event("SIM", ledger.EventRefund, both.SrcEscrowID, ""))
	final := h.waitStatus(t, sess.ID, session.StatusCancelled)

	for _, name := range []session.StepName{session.StepReveal, session.StepComplete} {
		if st, _ := final.Step(name); st != session.StepFailed {
			t.Errorf("step %s = %s, want failed", name, st)
		}
	}
}

func TestSessionExpiresBeforeExecute(t *testing.T) {
	cfg := testSwapConfig()
	cfg.SessionTTL = 30 * time.Millisecond
	h := newHarness(t, cfg)
	sess := h.createSession(t)

	final := h.waitStatus(t, sess.ID, session.StatusExpired)
	if final.SrcEscrowID != "" {
		t.Error("expired session must not have locked anything")
	}

	// expired is terminal: execute is rejected
	h.waitWorkers(t, 0)
	if err := h.coord.Execute(sess.ID, signSession(takerPriv, sess.ID)); !errors.Is(err, session.ErrInvalidState) {
		t.Errorf("Execute(expired) error = %v, want ErrInvalidState", err)
	}
}

func TestLockDeadlineCancelsAndRefunds(t *testing.T) {
	cfg := testSwapConfig()
	cfg.DestLockTTL = 150 * time.Millisecond
	cfg.SafetyMargin = 50 * time.Millisecond
	h := newHarness(t, cfg)
	sess := h.createSession(t)

	if err := h.coord.Execute(sess.ID, signSession(takerPriv, sess.ID)); err != nil {
		t.Fatal(err)
	}
	locked := h.waitFor(t, sess.ID, func(s *session.SwapSession) bool {
		return s.Status == session.StatusSourceLocking && s.SrcEscrowID != ""
	})

	// never confirm the lock; the deadline must cancel autonomously
	h.waitStatus(t, sess.ID, session.StatusCancelling)
	h.waitForEscrow(t, h.srcSim, locked.SrcEscrowID, "refunded")

	h.coord.OnLedgerEvent(event("SIM", ledger.EventRefund, locked.SrcEscrowID, ""))
	h.waitStatus(t, sess.ID, session.StatusCancelled)
}

func TestSourceLockFailureCancels(t *testing.T) {
	h := newHarness(t, testSwapConfig())
	sess := h.createSession(t)

	// exhaust the submission retry budget
	h.srcSim.FailNext(submitAttempts)

	if err := h.coord.Execute(sess.ID, signSession(takerPriv, sess.ID)); err != nil {
		t.Fatal(err)
	}
	final := h.waitStatus(t, sess.ID, session.StatusCancelled)
	if final.SrcEscrowID != "" {
		t.Error("failed lock must not leave an escrow behind")
	}
	if st, _ := final.Step(session.StepSourceLock); st != session.StepFailed {
		t.Errorf("source_lock step = %s, want failed", st)
	}
}

func TestDestLockFailureDegrades(t *testing.T) {
	h := newHarness(t, testSwapConfig())
	sess := h.createSession(t)

	if err := h.coord.Execute(sess.ID, signSession(takerPriv, sess.ID)); err != nil {
		t.Fatal(err)
	}
	locked := h.waitFor(t, sess.ID, func(s *session.SwapSession) bool {
		return s.Status == session.StatusSourceLocking && s.SrcEscrowID != ""
	})

	h.dstSim.FailNext(submitAttempts)
	h.coord.OnLedgerEvent(event("SIM", ledger.EventLock, locked.SrcEscrowID, ""))

	// source funds are locked, so the session degrades instead of dying
	degraded := h.waitFor(t, sess.ID, func(s *session.SwapSession) bool { return s.Degraded })
	if degraded.Status.Terminal() {
		t.Errorf("degraded session went terminal: %s", degraded.Status)
	}
}

func TestRecoverResumesActiveSessions(t *testing.T) {
	store := session.NewMemoryStore()
	secrets, err := secret.NewManager(bytesOf(0x33), secret.NewMemoryVault())
	if err != nil {
		t.Fatal(err)
	}
	secrets.SetSessions(store)
	srcSim := ledger.NewSim("SIM")
	dstSim := ledger.NewSim("SIM2")
	bus := notify.NewBus()
	ledgers := map[string]ledger.Client{"SIM": srcSim, "SIM2": dstSim}

	mk := func() *Coordinator {
		return New(&Config{
			Swap: testSwapConfig(), Store: store, Secrets: secrets, Ledgers: ledgers, Bus: bus,
		})
	}

	first := mk()
	sess, err := first.CreateSession(session.CreateParams{
		SourceChain: "SIM", DestChain: "SIM2",
		SourceToken: "SIM", DestToken: "SIM2",
		SourceAmount: 1000, DestAmount: 2000,
		Maker: pubHex(makerPriv), Taker: pubHex(takerPriv),
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := first.Execute(sess.ID, signSession(takerPriv, sess.ID)); err != nil {
		t.Fatal(err)
	}
	h1 := &harness{coord: first, store: store, srcSim: srcSim, dstSim: dstSim, bus: bus}
	locked := h1.waitFor(t, sess.ID, func(s *session.SwapSession) bool {
		return s.Status == session.StatusSourceLocking && s.SrcEscrowID != ""
	})
	first.Stop() // daemon restart

	second := mk()
	t.Cleanup(second.Stop)
	if err := second.Recover(); err != nil {
		t.Fatalf("Recover() error = %v", err)
	}
	if second.ActiveSessions() != 1 {
		t.Fatalf("ActiveSessions() = %d after recovery", second.ActiveSessions())
	}

	// the replayed confirmation drives the recovered session forward
	second.OnLedgerEvent(event("SIM", ledger.EventLock, locked.SrcEscrowID, ""))
	h2 := &harness{coord: second, store: store, srcSim: srcSim, dstSim: dstSim, bus: bus}
	h2.waitFor(t, sess.ID, func(s *session.SwapSession) bool {
		return s.Status == session.StatusDestLocking && s.DstEscrowID != ""
	})
}
