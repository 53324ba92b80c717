package session

import (
	"sync"
	"time"
)

// subscriberBufferSize is the channel buffer for each event subscriber.
// Events are dropped if a subscriber falls this far behind.
const subscriberBufferSize = 64

// Event is one observable step in a session's life, streamed to subscribers.
type Event struct {
	Type   string    `json:"type"`
	Status string    `json:"status,omitempty"`
	TaskID string    `json:"task_id,omitempty"`
	Run    int       `json:"run,omitempty"`
	Error  string    `json:"error,omitempty"`
	Time   time.Time `json:"time"`
}

// Event types published by sessions.
const (
	EventStatus       = "status"
	EventRunFinished  = "run_finished"
	EventTaskFinished = "task_finished"
	EventTaskFailed   = "task_failed"
)

// Broker fans session events out to subscribers. It is safe for concurrent
// use.
//
// Closed topics are retained as markers so that late subscribers (those
// subscribing after a session finishes) receive a closed channel instead of
// blocking forever. Each marker is a few bytes, which is acceptable for the
// expected session volume.
type Broker struct {
	mu     sync.Mutex
	topics map[string]*topic
}

type topic struct {
	subs   map[int]chan Event
	nextID int
	closed bool
}

// NewBroker creates a new event broker.
func NewBroker() *Broker {
	return &Broker{
		topics: make(map[string]*topic),
	}
}

// Subscribe returns a channel that receives events for the given session and
// an unsubscribe function. If the session has already finished (Close was
// called), the returned channel is immediately closed.
func (b *Broker) Subscribe(sessionID string) (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.topics[sessionID]
	if !ok {
		t = &topic{subs: make(map[int]chan Event)}
		b.topics[sessionID] = t
	}

	ch := make(chan Event, subscriberBufferSize)
	if t.closed {
		close(ch)
		return ch, func() {}
	}

	id := t.nextID
	t.nextID++
	t.subs[id] = ch

	return ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(t.subs, id)
	}
}

// Publish sends an event to all subscribers of the given session. Events are
// dropped for subscribers whose buffers are full.
func (b *Broker) Publish(sessionID string, ev Event) {
	if ev.Time.IsZero() {
		ev.Time = time.Now().UTC()
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.topics[sessionID]
	if !ok || t.closed {
		return
	}

	for _, ch := range t.subs {
		select {
		case ch <- ev:
		default:
			// Drop for slow subscribers to avoid blocking the scheduler.
		}
	}
}

// Close signals that no more events will be published for the given session.
// All subscriber channels are closed and future Subscribe calls return a
// closed channel.
func (b *Broker) Close(sessionID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.topics[sessionID]
	if !ok {
		// Create a closed marker so late subscribers get a closed channel.
		b.topics[sessionID] = &topic{subs: make(map[int]chan Event), closed: true}
		return
	}

	t.closed = true
	for id, ch := range t.subs {
		close(ch)
		delete(t.subs, id)
	}
}
