// Package notify fans session progress out to subscribers: in-process
// channels for the daemon's own components and a WebSocket hub for external
// clients.
package notify

import (
	"sync"
	"time"

	"github.com/driftlock/driftlock/internal/session"
	"github.com/driftlock/driftlock/pkg/logging"
)

const subBuffer = 64

// Notification is one session progress update.
type Notification struct {
	SessionID string         `json:"session_id"`
	Status    session.Status `json:"status"`
	Phase     string         `json:"phase"` // protocol step the session is working on
	Progress  int            `json:"progress"`
	Degraded  bool           `json:"degraded,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// subscription wraps a delivery channel so sends and close cannot race.
// A subscriber more than subBuffer behind loses its oldest updates; order
// and the monotonic progress clamp are preserved for what it does see.
type subscription struct {
	mu     sync.Mutex
	ch     chan Notification
	closed bool
}

func (s *subscription) send(n Notification, log *logging.Logger) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	for {
		select {
		case s.ch <- n:
			return
		default:
		}
		// Full: drop the oldest queued update to make room.
		select {
		case dropped := <-s.ch:
			log.Warn("Subscriber lagging, dropping update",
				"session", dropped.SessionID, "status", dropped.Status)
		default:
		}
	}
}

func (s *subscription) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}

// Bus delivers notifications per session, in publish order. Progress never
// decreases for a session: late or re-delivered updates are clamped to the
// high-water mark.
type Bus struct {
	mu       sync.Mutex
	subs     map[string]map[*subscription]struct{} // per-session
	allSubs  map[*subscription]struct{}
	progress map[string]int
	log      *logging.Logger
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{
		subs:     make(map[string]map[*subscription]struct{}),
		allSubs:  make(map[*subscription]struct{}),
		progress: make(map[string]int),
		log:      logging.Component("notify"),
	}
}

// Publish delivers a notification to the session's subscribers and all
// firehose subscribers.
func (b *Bus) Publish(n Notification) {
	if n.Timestamp.IsZero() {
		n.Timestamp = time.Now()
	}

	// Clamp and deliver under one lock so concurrent publishers cannot
	// reorder between the clamp and the send. Sends never block: a full
	// subscriber loses its oldest update instead.
	b.mu.Lock()
	defer b.mu.Unlock()

	if prev := b.progress[n.SessionID]; n.Progress < prev {
		n.Progress = prev
	} else {
		b.progress[n.SessionID] = n.Progress
	}
	for sub := range b.subs[n.SessionID] {
		sub.send(n, b.log)
	}
	for sub := range b.allSubs {
		sub.send(n, b.log)
	}
}

// Subscribe returns a channel of updates for one session and a cancel
// function. The channel is closed on cancel.
func (b *Bus) Subscribe(sessionID string) (<-chan Notification, func()) {
	sub := &subscription{ch: make(chan Notification, subBuffer)}

	b.mu.Lock()
	if b.subs[sessionID] == nil {
		b.subs[sessionID] = make(map[*subscription]struct{})
	}
	b.subs[sessionID][sub] = struct{}{}
	b.mu.Unlock()

	return sub.ch, func() {
		b.mu.Lock()
		if set, ok := b.subs[sessionID]; ok {
			delete(set, sub)
			if len(set) == 0 {
				delete(b.subs, sessionID)
			}
		}
		b.mu.Unlock()
		sub.close()
	}
}

// SubscribeAll returns a channel of updates for every session.
func (b *Bus) SubscribeAll() (<-chan Notification, func()) {
	sub := &subscription{ch: make(chan Notification, subBuffer)}

	b.mu.Lock()
	b.allSubs[sub] = struct{}{}
	b.mu.Unlock()

	return sub.ch, func() {
		b.mu.Lock()
		delete(b.allSubs, sub)
		b.mu.Unlock()
		sub.close()
	}
}
