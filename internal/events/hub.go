// Package events fans scheduler telemetry out to API and TUI clients.
package events

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"
)

// Event types published by the dispatch controller and the API.
const (
	JobAdded     = "job.added"
	JobStarted   = "job.started"
	JobCompleted = "job.completed"
	JobFailed    = "job.failed"
	JobRetrying  = "job.retrying"
	JobError     = "job.error"
	JobPaused    = "job.paused"
	JobResumed   = "job.resumed"
	JobDeleted   = "job.deleted"
	JobRestored  = "job.restored"

	SchedulerPaused  = "scheduler.paused"
	SchedulerResumed = "scheduler.resumed"
	SessionOpened    = "session.opened"
	SessionClosed    = "session.closed"
	PolicyChanged    = "policy.changed"
)

type Event struct {
	ID   int64           `json:"id"`
	User string          `json:"user,omitempty"`
	Type string          `json:"type"`
	At   time.Time       `json:"at"`
	Data json.RawMessage `json:"data"`
}

// VisibleTo reports whether a subscriber filtering on user should see e.
// An empty filter sees everything; global events reach every filter.
func (e Event) VisibleTo(user string) bool {
	return user == "" || e.User == "" || e.User == user
}

type subscriber struct {
	user string
	ch   chan Event
}

// Hub keeps the most recent events in a ring for replay and pushes new
// ones to subscribers without ever blocking the publisher.
type Hub struct {
	nextID atomic.Int64

	mu    sync.Mutex
	ring  []Event
	start int
	size  int

	subs      map[int]subscriber
	nextSubID int
}

func NewHub(capacity int) *Hub {
	if capacity <= 0 {
		capacity = 100
	}
	return &Hub{
		ring: make([]Event, capacity),
		subs: make(map[int]subscriber),
	}
}

// Publish records an event for user. An empty user marks a global event.
func (h *Hub) Publish(user, eventType string, data any) {
	if h == nil {
		return
	}

	payload := json.RawMessage("{}")
	if data != nil {
		if b, err := json.Marshal(data); err == nil {
			payload = b
		}
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	// IDs are assigned under the lock so the ring stays in ID order.
	ev := Event{
		ID:   h.nextID.Add(1),
		User: user,
		Type: eventType,
		At:   time.Now().UTC(),
		Data: payload,
	}
	h.push(ev)
	for _, sub := range h.subs {
		if !ev.VisibleTo(sub.user) {
			continue
		}
		// Slow clients drop events rather than block the scheduler.
		select {
		case sub.ch <- ev:
		default:
		}
	}
}

// Subscribe delivers future events visible to user. The returned cancel
// closes the channel and may be called more than once.
func (h *Hub) Subscribe(user string) (<-chan Event, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	id := h.nextSubID
	h.nextSubID++
	ch := make(chan Event, 128)
	h.subs[id] = subscriber{user: user, ch: ch}

	cancel := func() {
		h.mu.Lock()
		if sub, ok := h.subs[id]; ok {
			delete(h.subs, id)
			close(sub.ch)
		}
		h.mu.Unlock()
	}
	return ch, cancel
}

// SnapshotSince returns buffered events with ID > lastID visible to user,
// oldest first.
func (h *Hub) SnapshotSince(lastID int64, user string) []Event {
	h.mu.Lock()
	defer h.mu.Unlock()

	var out []Event
	for i := 0; i < h.size; i++ {
		ev := h.ring[(h.start+i)%len(h.ring)]
		if ev.ID > lastID && ev.VisibleTo(user) {
			out = append(out, ev)
		}
	}
	return out
}

func (h *Hub) push(ev Event) {
	n := len(h.ring)
	if h.size < n {
		h.ring[(h.start+h.size)%n] = ev
		h.size++
		return
	}
	h.ring[h.start] = ev
	h.start = (h.start + 1) % n
}
