package coordinator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/driftlock/driftlock/internal/config"
	"github.com/driftlock/driftlock/internal/ledger"
	"github.com/driftlock/driftlock/internal/notify"
	"github.com/driftlock/driftlock/internal/observer"
	"github.com/driftlock/driftlock/internal/session"
	"github.com/driftlock/driftlock/pkg/logging"
)

const (
	submitAttempts = 3
	submitBackoff  = 500 * time.Millisecond
	submitTimeout  = 10 * time.Second

	// how long a degraded session waits before retrying its pending work
	degradedRetry = 30 * time.Second
)

type cmdKind int

const (
	cmdExecute cmdKind = iota
	cmdCancel
	cmdEvent
	cmdDeadline
	cmdResume
)

// command is one unit of work for a session worker. resp is set for calls
// that report validation results synchronously.
type command struct {
	kind cmdKind
	ev   observer.Event
	role session.EscrowRole
	resp chan error
}

// refundLeg is one escrow awaiting refund during cancellation.
type refundLeg struct {
	role     session.EscrowRole
	chain    string
	escrowID string
}

// worker owns one session. All state transitions for the session happen on
// this goroutine; the timer and the observer feed it through cmds.
type worker struct {
	sessionID string
	c         *Coordinator
	cmds      chan command
	quit      chan struct{}
	done      chan struct{}
	log       *logging.Logger

	timer *time.Timer

	// refundQueue orders cancellation refunds: destination leg strictly
	// before source. The head is in flight; confirmation pops it.
	refundQueue []refundLeg
}

func newWorker(c *Coordinator, sess *session.SwapSession) *worker {
	w := &worker{
		sessionID: sess.ID,
		c:         c,
		cmds:      make(chan command, 16),
		quit:      make(chan struct{}),
		done:      make(chan struct{}),
		log:       logging.Component("coordinator").With("session", sess.ID),
	}
	w.armTimer(deadlineFor(sess, c.cfg))
	return w
}

// deadlineFor computes the session's single active deadline: the TTL before
// execution, the lock safety horizon after.
func deadlineFor(sess *session.SwapSession, cfg config.SwapConfig) time.Time {
	if sess.Status == session.StatusInitialized {
		return sess.ExpiresAt
	}
	return sess.CreatedAt.Add(cfg.DestLockTTL - cfg.SafetyMargin)
}

func (w *worker) run() {
	defer w.c.wg.Done()
	defer close(w.done)
	defer w.stopTimer()

	for {
		select {
		case <-w.quit:
			return
		case cmd := <-w.cmds:
			if w.handle(cmd) {
				w.c.releaseWorker(w)
				return
			}
		}
	}
}

// handle dispatches one command; returns true once the session is terminal.
func (w *worker) handle(cmd command) bool {
	sess, err := w.c.store.Get(w.sessionID)
	if err != nil {
		w.reply(cmd, err)
		w.log.Error("Failed to load session", "error", err)
		return true
	}

	switch cmd.kind {
	case cmdExecute:
		return w.handleExecute(cmd, sess)
	case cmdCancel:
		return w.handleCancel(cmd, sess)
	case cmdEvent:
		return w.handleEvent(cmd, sess)
	case cmdDeadline:
		return w.handleDeadline(sess)
	case cmdResume:
		return w.handleResume(sess)
	}
	return false
}

// stop halts the worker without touching session state.
func (w *worker) stop() {
	close(w.quit)
	<-w.done
}

// ask sends a command and waits for its synchronous result.
func (w *worker) ask(cmd command) error {
	cmd.resp = make(chan error, 1)
	select {
	case w.cmds <- cmd:
	case <-w.done:
		return fmt.Errorf("%w: session worker finished", session.ErrInvalidState)
	}
	select {
	case err := <-cmd.resp:
		return err
	case <-w.done:
		return fmt.Errorf("%w: session worker finished", session.ErrInvalidState)
	}
}

// post sends a command without waiting for a result.
func (w *worker) post(cmd command) {
	select {
	case w.cmds <- cmd:
	case <-w.done:
	}
}

func (w *worker) reply(cmd command, err error) {
	if cmd.resp != nil {
		cmd.resp <- err
	}
}

// =============================================================================
// Execution
// =============================================================================

func (w *worker) handleExecute(cmd command, sess *session.SwapSession) bool {
	updated, err := w.c.store.Transition(sess.ID, session.StatusExecuting)
	if err != nil {
		w.reply(cmd, err)
		return false
	}
	w.setStep(session.StepInitialize, session.StepCompleted)
	w.reply(cmd, nil)

	w.armTimer(deadlineFor(updated, w.c.cfg))
	w.publish(updated.Status, session.StepSourceLock)
	w.log.Info("Session executing", "source", updated.SourceChain, "dest", updated.DestChain)

	return w.submitSourceLock(updated)
}

// submitSourceLock places the maker's escrow on the source chain. A failure
// here leaves nothing locked, so it cancels the session outright.
func (w *worker) submitSourceLock(sess *session.SwapSession) bool {
	w.setStep(session.StepSourceLock, session.StepInProgress)

	client := w.c.ledgers[sess.SourceChain]
	lock := ledger.Lock{
		Sender:     sess.Maker,
		Receiver:   sess.Taker,
		Token:      sess.SourceToken,
		Amount:     sess.SourceAmount,
		Commitment: sess.Commitment,
		Deadline:   time.Now().Add(w.c.cfg.SourceLockTTL),
	}

	var escrowID string
	err := w.submitWithRetry("source lock", func(ctx context.Context) error {
		var serr error
		escrowID, serr = client.CreateLock(ctx, lock)
		return serr
	})
	if err != nil {
		w.log.Error("Source lock submission failed, cancelling", "error", err)
		w.setStep(session.StepSourceLock, session.StepFailed)
		return w.beginCancel(sess)
	}

	if err := w.c.store.SetEscrow(sess.ID, session.RoleSource, escrowID); err != nil {
		w.log.Error("Failed to record source escrow", "error", err)
	}
	w.c.registerEscrow(sess.SourceChain, escrowID, sess.ID, session.RoleSource)

	updated, err := w.c.store.Transition(sess.ID, session.StatusSourceLocking)
	if err != nil {
		w.log.Error("Transition to source_locking failed", "error", err)
		return false
	}
	w.publish(updated.Status, session.StepSourceLock)
	w.log.Info("Source lock submitted", "escrow", escrowID)
	return false
}

// submitDestLock places the taker's escrow on the destination chain. Its
// timelock is shorter than the source lock so the maker can always claim
// before the taker could refund.
func (w *worker) submitDestLock(sess *session.SwapSession, transition bool) bool {
	if transition {
		updated, err := w.c.store.Transition(sess.ID, session.StatusDestLocking)
		if err != nil {
			w.log.Error("Transition to destination_locking failed", "error", err)
			return false
		}
		sess = updated
		w.publish(sess.Status, session.StepDestLock)
	}
	w.setStep(session.StepDestLock, session.StepInProgress)

	client := w.c.ledgers[sess.DestChain]
	lock := ledger.Lock{
		Sender:     sess.Taker,
		Receiver:   sess.Maker,
		Token:      sess.DestToken,
		Amount:     sess.DestAmount,
		Commitment: sess.Commitment,
		Deadline:   time.Now().Add(w.c.cfg.DestLockTTL),
	}

	var escrowID string
	err := w.submitWithRetry("destination lock", func(ctx context.Context) error {
		var serr error
		escrowID, serr = client.CreateLock(ctx, lock)
		return serr
	})
	if err != nil {
		// Source funds are already locked; degrade and let the deadline
		// drive cancellation and refunds if this never recovers.
		return w.degrade("destination lock submission failed", err)
	}

	if err := w.c.store.SetEscrow(sess.ID, session.RoleDestination, escrowID); err != nil {
		w.log.Error("Failed to record destination escrow", "error", err)
	}
	w.c.registerEscrow(sess.DestChain, escrowID, sess.ID, session.RoleDestination)
	w.clearDegraded()
	w.log.Info("Destination lock submitted", "escrow", escrowID)
	return false
}

// submitReveal discloses the secret to the taker and claims the destination
// escrow, publishing the preimage on chain.
func (w *worker) submitReveal(sess *session.SwapSession, transition bool) bool {
	secretHex, err := w.c.secrets.Disclose(sess.ID, sess.Taker)
	if err != nil {
		w.log.Error("Secret disclosure failed", "error", err)
		return false
	}

	if transition {
		updated, terr := w.c.store.Transition(sess.ID, session.StatusRevealing)
		if terr != nil {
			w.log.Error("Transition to revealing_secret failed", "error", terr)
			return false
		}
		sess = updated
		w.publish(sess.Status, session.StepReveal)
	}

	client := w.c.ledgers[sess.DestChain]
	err = w.submitWithRetry("destination withdraw", func(ctx context.Context) error {
		return client.Withdraw(ctx, sess.DstEscrowID, secretHex)
	})
	if err != nil {
		if errors.Is(err, ledger.ErrRejected) {
			// Already claimed; the confirmation event will complete us.
			w.log.Debug("Destination withdraw already settled")
			return false
		}
		return w.degrade("destination withdraw submission failed", err)
	}
	w.clearDegraded()
	w.log.Info("Destination withdraw submitted", "escrow", sess.DstEscrowID)
	return false
}

// =============================================================================
// Ledger events
// =============================================================================

func (w *worker) handleEvent(cmd command, sess *session.SwapSession) bool {
	ev := cmd.ev

	switch {
	case ev.Type == ledger.EventLock && cmd.role == session.RoleSource &&
		sess.Status == session.StatusSourceLocking:
		w.setStep(session.StepSourceLock, session.StepCompleted)
		updated, err := w.c.store.Transition(sess.ID, session.StatusSourceLocked)
		if err != nil {
			w.log.Error("Transition to source_locked failed", "error", err)
			return false
		}
		w.publish(updated.Status, session.StepDestLock)
		w.log.Info("Source lock confirmed", "escrow", ev.EscrowID, "block", ev.Block)
		return w.submitDestLock(updated, true)

	case ev.Type == ledger.EventLock && cmd.role == session.RoleDestination &&
		sess.Status == session.StatusDestLocking:
		w.setStep(session.StepDestLock, session.StepCompleted)
		updated, err := w.c.store.Transition(sess.ID, session.StatusBothLocked)
		if err != nil {
			w.log.Error("Transition to both_locked failed", "error", err)
			return false
		}
		w.publish(updated.Status, session.StepReveal)
		w.log.Info("Destination lock confirmed", "escrow", ev.EscrowID, "block", ev.Block)
		return w.submitReveal(updated, true)

	case ev.Type == ledger.EventWithdraw && cmd.role == session.RoleDestination &&
		sess.Status == session.StatusRevealing:
		w.setStep(session.StepReveal, session.StepCompleted)
		w.setStep(session.StepComplete, session.StepCompleted)
		updated, err := w.c.store.Transition(sess.ID, session.StatusCompleted)
		if err != nil {
			w.log.Error("Transition to completed failed", "error", err)
			return false
		}
		w.publish(updated.Status, session.StepComplete)
		w.log.Info("Swap completed", "escrow", ev.EscrowID, "block", ev.Block)
		return true

	case ev.Type == ledger.EventWithdraw && cmd.role == session.RoleSource:
		// The taker claiming the source escrow with the revealed secret is
		// outside our claim path.
		w.log.Debug("Source escrow claimed by counterparty", "escrow", ev.EscrowID)
		return false

	case ev.Type == ledger.EventRefund && sess.Status == session.StatusCancelling:
		return w.handleRefundConfirmed(cmd.role, ev)
	}

	// Duplicate, stale, or out-of-order observation: absorb it.
	w.log.Debug("Ignoring ledger event",
		"type", ev.Type, "escrow", ev.EscrowID, "status", sess.Status)
	return false
}

// =============================================================================
// Cancellation and refunds
// =============================================================================

func (w *worker) handleCancel(cmd command, sess *session.SwapSession) bool {
	if sess.Status.Terminal() {
		w.reply(cmd, fmt.Errorf("%w: session is %s", session.ErrInvalidState, sess.Status))
		return false
	}
	if sess.Status == session.StatusCancelling {
		w.reply(cmd, nil) // already on its way
		return false
	}
	w.reply(cmd, nil)
	return w.beginCancel(sess)
}

// beginCancel moves the session to cancelling and starts the ordered refund
// chain: destination escrow first, source after it confirms. With nothing
// locked the session goes straight to cancelled.
func (w *worker) beginCancel(sess *session.SwapSession) bool {
	updated, err := w.c.store.Transition(sess.ID, session.StatusCancelling)
	if err != nil {
		w.log.Error("Transition to cancelling failed", "error", err)
		return false
	}
	w.failOpenSteps(updated)
	w.publish(updated.Status, "")
	w.log.Info("Session cancelling", "from", sess.Status)

	w.refundQueue = w.refundQueue[:0]
	if updated.DstEscrowID != "" {
		w.refundQueue = append(w.refundQueue, refundLeg{
			role: session.RoleDestination, chain: updated.DestChain, escrowID: updated.DstEscrowID,
		})
	}
	if updated.SrcEscrowID != "" {
		w.refundQueue = append(w.refundQueue, refundLeg{
			role: session.RoleSource, chain: updated.SourceChain, escrowID: updated.SrcEscrowID,
		})
	}
	return w.submitNextRefund()
}

// submitNextRefund submits the refund at the head of the queue; an empty
// queue finalizes the cancellation.
func (w *worker) submitNextRefund() bool {
	for len(w.refundQueue) > 0 {
		leg := w.refundQueue[0]
		client := w.c.ledgers[leg.chain]

		err := w.submitWithRetry("refund "+string(leg.role), func(ctx context.Context) error {
			return client.Refund(ctx, leg.escrowID)
		})
		if err == nil {
			w.log.Info("Refund submitted", "role", leg.role, "escrow", leg.escrowID)
			return false // wait for the confirmation event
		}
		if errors.Is(err, ledger.ErrRejected) || errors.Is(err, ledger.ErrEscrowNotFound) {
			// Escrow already settled; nothing to reclaim on this leg.
			w.log.Debug("Refund not needed", "role", leg.role, "escrow", leg.escrowID)
			w.refundQueue = w.refundQueue[1:]
			continue
		}
		// Transient budget exhausted: stay degraded and retry later.
		w.armTimer(time.Now().Add(degradedRetry))
		return w.degrade("refund submission failed", err)
	}
	return w.finalizeCancelled()
}

func (w *worker) handleRefundConfirmed(role session.EscrowRole, ev observer.Event) bool {
	if len(w.refundQueue) == 0 || w.refundQueue[0].role != role {
		w.log.Debug("Ignoring refund event", "role", role, "escrow", ev.EscrowID)
		return false
	}
	w.log.Info("Refund confirmed", "role", role, "escrow", ev.EscrowID, "block", ev.Block)
	w.refundQueue = w.refundQueue[1:]
	return w.submitNextRefund()
}

func (w *worker) finalizeCancelled() bool {
	updated, err := w.c.store.Transition(w.sessionID, session.StatusCancelled)
	if err != nil {
		w.log.Error("Transition to cancelled failed", "error", err)
		return false
	}
	w.publish(updated.Status, "")
	w.log.Info("Session cancelled")
	return true
}

// failOpenSteps marks every waiting or in-progress step failed.
func (w *worker) failOpenSteps(sess *session.SwapSession) {
	for _, st := range sess.Steps {
		if st.Status == session.StepWaiting || st.Status == session.StepInProgress {
			w.setStep(st.Name, session.StepFailed)
		}
	}
}

// =============================================================================
// Deadlines and recovery
// =============================================================================

func (w *worker) handleDeadline(sess *session.SwapSession) bool {
	switch {
	case sess.Status.Terminal():
		return false

	case sess.Status == session.StatusInitialized:
		// TTL elapsed with nothing locked and nothing to refund.
		w.failOpenSteps(sess)
		updated, err := w.c.store.Transition(sess.ID, session.StatusExpired)
		if err != nil {
			w.log.Error("Transition to expired failed", "error", err)
			return false
		}
		w.publish(updated.Status, "")
		w.log.Info("Session expired before execution")
		return true

	case sess.Status == session.StatusCancelling:
		// Degraded retry: pick the refund chain back up.
		return w.submitNextRefund()

	default:
		w.log.Warn("Lock deadline reached, cancelling", "status", sess.Status)
		return w.beginCancel(sess)
	}
}

// handleResume re-drives whatever was in flight when the daemon stopped.
// Confirmations that were missed while down are replayed by the observers,
// so everything here tolerates "already done" answers.
func (w *worker) handleResume(sess *session.SwapSession) bool {
	switch sess.Status {
	case session.StatusInitialized, session.StatusSourceLocking:
		return false // timer armed, observer watching

	case session.StatusExecuting:
		if sess.SrcEscrowID == "" {
			return w.submitSourceLock(sess)
		}
		updated, err := w.c.store.Transition(sess.ID, session.StatusSourceLocking)
		if err != nil {
			w.log.Error("Resume transition failed", "error", err)
			return false
		}
		w.publish(updated.Status, session.StepSourceLock)
		return false

	case session.StatusSourceLocked:
		return w.submitDestLock(sess, true)

	case session.StatusDestLocking:
		if sess.DstEscrowID == "" {
			return w.submitDestLock(sess, false)
		}
		return false

	case session.StatusBothLocked:
		return w.submitReveal(sess, true)

	case session.StatusRevealing:
		return w.submitReveal(sess, false)

	case session.StatusCancelling:
		w.refundQueue = w.refundQueue[:0]
		if sess.DstEscrowID != "" {
			w.refundQueue = append(w.refundQueue, refundLeg{
				role: session.RoleDestination, chain: sess.DestChain, escrowID: sess.DstEscrowID,
			})
		}
		if sess.SrcEscrowID != "" {
			w.refundQueue = append(w.refundQueue, refundLeg{
				role: session.RoleSource, chain: sess.SourceChain, escrowID: sess.SrcEscrowID,
			})
		}
		return w.submitNextRefund()
	}
	return false
}

// =============================================================================
// Helpers
// =============================================================================

// submitWithRetry runs a ledger submission with a bounded retry budget.
// Only transient failures are retried.
func (w *worker) submitWithRetry(desc string, fn func(context.Context) error) error {
	var err error
	for attempt := 1; attempt <= submitAttempts; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), submitTimeout)
		err = fn(ctx)
		cancel()

		if err == nil || !errors.Is(err, ledger.ErrTransient) {
			return err
		}
		w.log.Warn("Submission failed, retrying",
			"op", desc, "attempt", attempt, "error", err)

		select {
		case <-time.After(submitBackoff << uint(attempt-1)):
		case <-w.quit:
			return err
		}
	}
	return err
}

// degrade flags the session after an exhausted retry budget. The session
// stays readable and the worker stays alive; it does not force termination.
func (w *worker) degrade(msg string, err error) bool {
	w.log.Error(msg, "error", err)
	if serr := w.c.store.SetDegraded(w.sessionID, true); serr != nil {
		w.log.Error("Failed to set degraded flag", "error", serr)
	}
	if sess, gerr := w.c.store.Get(w.sessionID); gerr == nil {
		w.c.bus.Publish(notifyDegraded(sess))
	}
	return false
}

func notifyDegraded(sess *session.SwapSession) notify.Notification {
	return notify.Notification{
		SessionID: sess.ID,
		Status:    sess.Status,
		Progress:  sess.Progress(),
		Degraded:  true,
	}
}

func (w *worker) clearDegraded() {
	sess, err := w.c.store.Get(w.sessionID)
	if err != nil || !sess.Degraded {
		return
	}
	if err := w.c.store.SetDegraded(w.sessionID, false); err != nil {
		w.log.Error("Failed to clear degraded flag", "error", err)
	}
}

func (w *worker) setStep(name session.StepName, status session.StepStatus) {
	if err := w.c.store.SetStep(w.sessionID, name, status); err != nil {
		w.log.Error("Failed to update step", "step", name, "error", err)
	}
}

func (w *worker) publish(status session.Status, phase session.StepName) {
	sess, err := w.c.store.Get(w.sessionID)
	if err != nil {
		return
	}
	w.c.publish(w.sessionID, status, string(phase), sess.Progress(), sess.Degraded)
}

func (w *worker) armTimer(at time.Time) {
	w.stopTimer()
	w.timer = time.AfterFunc(time.Until(at), func() {
		w.post(command{kind: cmdDeadline})
	})
}

func (w *worker) stopTimer() {
	if w.timer != nil {
		w.timer.Stop()
	}
}
