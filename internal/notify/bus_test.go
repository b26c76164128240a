package notify

import (
	"sync"
	"testing"
	"time"

	"github.com/driftlock/driftlock/internal/session"
)

func TestBusDeliversInOrder(t *testing.T) {
	bus := NewBus()
	ch, cancel := bus.Subscribe("sess-1")
	defer cancel()

	statuses := []session.Status{
		session.StatusExecuting, session.StatusSourceLocking, session.StatusSourceLocked,
	}
	for i, st := range statuses {
		bus.Publish(Notification{SessionID: "sess-1", Status: st, Progress: i * 20})
	}

	for i, want := range statuses {
		select {
		case n := <-ch:
			if n.Status != want {
				t.Errorf("update %d status = %s, want %s", i, n.Status, want)
			}
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for update")
		}
	}
}

func TestBusSessionFiltering(t *testing.T) {
	bus := NewBus()
	ch, cancel := bus.Subscribe("sess-1")
	defer cancel()
	all, cancelAll := bus.SubscribeAll()
	defer cancelAll()

	bus.Publish(Notification{SessionID: "sess-2", Status: session.StatusExecuting})
	bus.Publish(Notification{SessionID: "sess-1", Status: session.StatusExecuting})

	select {
	case n := <-ch:
		if n.SessionID != "sess-1" {
			t.Errorf("session subscriber got %s", n.SessionID)
		}
	case <-time.After(time.Second):
		t.Fatal("session subscriber got nothing")
	}

	got := map[string]bool{}
	for i := 0; i < 2; i++ {
		select {
		case n := <-all:
			got[n.SessionID] = true
		case <-time.After(time.Second):
			t.Fatal("firehose subscriber missed an update")
		}
	}
	if !got["sess-1"] || !got["sess-2"] {
		t.Errorf("firehose saw %v", got)
	}
}

func TestBusProgressMonotonic(t *testing.T) {
	bus := NewBus()
	ch, cancel := bus.Subscribe("sess-1")
	defer cancel()

	bus.Publish(Notification{SessionID: "sess-1", Status: session.StatusBothLocked, Progress: 60})
	// a stale re-delivery must not walk progress backwards
	bus.Publish(Notification{SessionID: "sess-1", Status: session.StatusBothLocked, Progress: 40})

	first := <-ch
	second := <-ch
	if first.Progress != 60 {
		t.Errorf("first progress = %d", first.Progress)
	}
	if second.Progress < first.Progress {
		t.Errorf("progress went backwards: %d after %d", second.Progress, first.Progress)
	}
}

func TestBusProgressMonotonicUnderConcurrency(t *testing.T) {
	bus := NewBus()
	ch, cancel := bus.Subscribe("sess-1")

	var wg sync.WaitGroup
	for i := 0; i <= 100; i += 20 {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			bus.Publish(Notification{SessionID: "sess-1", Status: session.StatusExecuting, Progress: p})
		}(i)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		last := -1
		for n := range ch {
			if n.Progress < last {
				t.Errorf("progress regressed: %d after %d", n.Progress, last)
			}
			last = n.Progress
		}
	}()

	wg.Wait()
	cancel()
	<-done
}

func TestBusCancelStopsDelivery(t *testing.T) {
	bus := NewBus()
	ch, cancel := bus.Subscribe("sess-1")
	cancel()

	// publishing after cancel must not panic
	bus.Publish(Notification{SessionID: "sess-1", Status: session.StatusExecuting})

	if _, ok := <-ch; ok {
		t.Error("channel should be closed after cancel")
	}
}

func TestBusSlowSubscriberDropsOldest(t *testing.T) {
	bus := NewBus()
	ch, cancel := bus.Subscribe("sess-1")
	defer cancel()

	// overflow the buffer without draining
	for i := 0; i < subBuffer+8; i++ {
		bus.Publish(Notification{SessionID: "sess-1", Status: session.StatusExecuting, Progress: i})
	}

	// the newest update survives
	var last Notification
	for {
		select {
		case n := <-ch:
			last = n
			continue
		default:
		}
		break
	}
	if last.Progress != subBuffer+7 {
		t.Errorf("newest surviving progress = %d, want %d", last.Progress, subBuffer+7)
	}
}
