package observer

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"testing"
	"time"

	"github.com/driftlock/driftlock/internal/ledger"
)

type eventSink struct {
	mu     sync.Mutex
	events []Event
}

func (s *eventSink) handle(ev Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
}

func (s *eventSink) all() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Event, len(s.events))
	copy(out, s.events)
	return out
}

func newTestPoller(sim *ledger.Sim, depth uint64) (*Poller, *eventSink) {
	sink := &eventSink{}
	p := NewPoller(&PollerConfig{
		Client:   sim,
		Depth:    depth,
		Interval: time.Hour, // tests drive Poll directly
		Handler:  sink.handle,
	})
	return p, sink
}

func lockOnSim(t *testing.T, sim *ledger.Sim) string {
	t.Helper()
	secret := []byte("0123456789abcdef0123456789abcdef")
	sum := sha256.Sum256(secret)
	id, err := sim.CreateLock(context.Background(), ledger.Lock{
		Sender:     "maker",
		Receiver:   "taker",
		Token:      "SIM",
		Amount:     500,
		Commitment: hex.EncodeToString(sum[:]),
		Deadline:   time.Now().Add(time.Hour),
	})
	if err != nil {
		t.Fatal(err)
	}
	return id
}

func TestPollerHoldsUntilConfirmed(t *testing.T) {
	ctx := context.Background()
	sim := ledger.NewSim("SIM")
	p, sink := newTestPoller(sim, 3)

	id := lockOnSim(t, sim) // lands at height 1

	// depth 3 at height 1: nothing confirmed yet
	if err := p.Poll(ctx); err != nil {
		t.Fatalf("Poll() error = %v", err)
	}
	if got := sink.all(); len(got) != 0 {
		t.Fatalf("got %d events before confirmation, want 0", len(got))
	}

	sim.AdvanceBlocks(2) // height 3, event depth 2: still short
	if err := p.Poll(ctx); err != nil {
		t.Fatal(err)
	}
	if got := sink.all(); len(got) != 0 {
		t.Fatalf("got %d events at depth 2, want 0", len(got))
	}

	sim.AdvanceBlocks(1) // height 4, depth 3: confirmed
	if err := p.Poll(ctx); err != nil {
		t.Fatal(err)
	}
	got := sink.all()
	if len(got) != 1 {
		t.Fatalf("got %d events, want 1", len(got))
	}
	ev := got[0]
	if ev.Chain != "SIM" || ev.Type != ledger.EventLock || ev.EscrowID != id {
		t.Errorf("unexpected event %+v", ev)
	}
	if ev.Amount != 500 || ev.Block != 1 {
		t.Errorf("event payload %+v", ev)
	}

	// cursor advanced: no duplicate on the next poll
	if err := p.Poll(ctx); err != nil {
		t.Fatal(err)
	}
	if got := sink.all(); len(got) != 1 {
		t.Errorf("got %d events after repoll, want 1", len(got))
	}
}

func TestPollerRecoversFromTransientErrors(t *testing.T) {
	ctx := context.Background()
	sim := ledger.NewSim("SIM")
	p, sink := newTestPoller(sim, 1)

	lockOnSim(t, sim)
	sim.AdvanceBlocks(1)
	sim.FailNext(2)

	if err := p.Poll(ctx); err == nil {
		t.Fatal("Poll should surface the transient error")
	}
	if p.Healthy(time.Minute) {
		t.Error("poller with no successful poll should be unhealthy")
	}
	if err := p.Poll(ctx); err == nil {
		t.Fatal("second Poll should still fail")
	}

	if err := p.Poll(ctx); err != nil {
		t.Fatalf("Poll after outage error = %v", err)
	}
	if got := sink.all(); len(got) != 1 {
		t.Errorf("got %d events after recovery, want 1", len(got))
	}
	if !p.Healthy(time.Minute) {
		t.Error("poller should be healthy after a successful poll")
	}
}

func TestPollerBackoffGrows(t *testing.T) {
	sim := ledger.NewSim("SIM")
	p, _ := newTestPoller(sim, 1)
	sim.FailNext(10)

	var prev time.Duration
	for i := 0; i < 4; i++ {
		_ = p.Poll(context.Background())
		d := p.backoff()
		if d < prev {
			// jitter allows small wobble but the base doubles each time
			if d < prev/2 {
				t.Errorf("backoff shrank: %v after %v", d, prev)
			}
		}
		prev = d
	}
	if prev > backoffMax+backoffMax/4 {
		t.Errorf("backoff %v exceeds cap", prev)
	}
}

func TestPollerStartStop(t *testing.T) {
	sim := ledger.NewSim("SIM")
	sink := &eventSink{}
	p := NewPoller(&PollerConfig{
		Client:   sim,
		Depth:    1,
		Interval: 5 * time.Millisecond,
		Handler:  sink.handle,
	})

	lockOnSim(t, sim)
	sim.AdvanceBlocks(1)

	p.Start()
	deadline := time.After(2 * time.Second)
	for len(sink.all()) == 0 {
		select {
		case <-deadline:
			t.Fatal("poller never delivered the event")
		case <-time.After(5 * time.Millisecond):
		}
	}
	p.Stop()
}
