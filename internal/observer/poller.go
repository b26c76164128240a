package observer

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"time"

	"github.com/driftlock/driftlock/internal/ledger"
	"github.com/driftlock/driftlock/pkg/logging"
)

const (
	backoffBase = time.Second
	backoffMax  = time.Minute
)

// Poller reads a ledger's event log on an interval, holds events until they
// reach confirmation depth, and hands confirmed events to the handler.
// Transient read failures back off exponentially and never kill the loop.
type Poller struct {
	client   ledger.Client
	depth    uint64
	interval time.Duration
	handler  Handler
	log      *logging.Logger

	mu       sync.Mutex
	cursor   uint64
	lastSeen time.Time
	failures int

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// PollerConfig holds poller settings.
type PollerConfig struct {
	Client   ledger.Client
	Depth    uint64        // confirmation depth before events are emitted
	Interval time.Duration // poll interval
	Handler  Handler
}

// NewPoller creates a poller; call Start to begin.
func NewPoller(cfg *PollerConfig) *Poller {
	ctx, cancel := context.WithCancel(context.Background())
	return &Poller{
		client:   cfg.Client,
		depth:    cfg.Depth,
		interval: cfg.Interval,
		handler:  cfg.Handler,
		log:      logging.Component("observer-" + cfg.Client.ChainID()),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Start launches the poll loop.
func (p *Poller) Start() {
	p.wg.Add(1)
	go p.loop()
	p.log.Info("Observer started", "depth", p.depth, "interval", p.interval)
}

// Stop halts the poll loop and waits for it to exit.
func (p *Poller) Stop() {
	p.cancel()
	p.wg.Wait()
	p.log.Info("Observer stopped")
}

// LastSeen returns the time of the last successful poll.
func (p *Poller) LastSeen() time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastSeen
}

// Healthy reports whether the ledger answered within staleAfter.
func (p *Poller) Healthy(staleAfter time.Duration) bool {
	last := p.LastSeen()
	if last.IsZero() {
		return false
	}
	return time.Since(last) < staleAfter
}

func (p *Poller) loop() {
	defer p.wg.Done()

	timer := time.NewTimer(p.interval)
	defer timer.Stop()

	for {
		select {
		case <-p.ctx.Done():
			return
		case <-timer.C:
		}

		if err := p.Poll(p.ctx); err != nil {
			timer.Reset(p.backoff())
		} else {
			timer.Reset(p.interval)
		}
	}
}

// Poll runs one poll cycle: read height, read events from the cursor, emit
// everything buried under the confirmation depth. Exported so tests and
// simulation mode can drive the poller deterministically.
func (p *Poller) Poll(ctx context.Context) error {
	height, err := p.client.Height(ctx)
	if err != nil {
		return p.pollFailed(err)
	}

	p.mu.Lock()
	cursor := p.cursor
	p.mu.Unlock()

	events, err := p.client.Events(ctx, cursor)
	if err != nil {
		return p.pollFailed(err)
	}

	// Events at block B are confirmed once height-B >= depth. Everything
	// above the horizon stays put; the cursor only moves past fully
	// confirmed blocks so nothing is skipped.
	var horizon uint64
	if height >= p.depth {
		horizon = height - p.depth
	} else {
		p.pollSucceeded()
		return nil
	}

	for _, ev := range events {
		if ev.Block > horizon {
			continue
		}
		p.handler(Event{
			Chain:    p.client.ChainID(),
			Type:     ev.Type,
			EscrowID: ev.EscrowID,
			Party:    ev.Party,
			Amount:   ev.Amount,
			Secret:   ev.Secret,
			Block:    ev.Block,
		})
	}

	p.mu.Lock()
	if horizon+1 > p.cursor {
		p.cursor = horizon + 1
	}
	p.mu.Unlock()

	p.pollSucceeded()
	return nil
}

func (p *Poller) pollSucceeded() {
	p.mu.Lock()
	p.lastSeen = time.Now()
	p.failures = 0
	p.mu.Unlock()
}

func (p *Poller) pollFailed(err error) error {
	p.mu.Lock()
	p.failures++
	n := p.failures
	p.mu.Unlock()

	if errors.Is(err, ledger.ErrTransient) {
		p.log.Warn("Ledger poll failed, backing off", "failures", n, "error", err)
	} else {
		p.log.Error("Ledger poll failed", "failures", n, "error", err)
	}
	return err
}

// backoff returns the delay before the next poll attempt: exponential in the
// failure count, capped, with jitter to avoid thundering herds.
func (p *Poller) backoff() time.Duration {
	p.mu.Lock()
	n := p.failures
	p.mu.Unlock()

	d := backoffBase << uint(n-1)
	if n > 6 || d > backoffMax {
		d = backoffMax
	}
	jitter := time.Duration(rand.Int63n(int64(d / 4)))
	return d + jitter
}
