// Package events fans queue, lock and worker activity out to live
// subscribers such as the SSE endpoint and the watch board.
package events

import (
	"encoding/json"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

const (
	defaultCapacity = 256
	subscriberBuf   = 128
)

type Event struct {
	ID   int64           `json:"id"`
	Type string          `json:"type"`
	At   time.Time       `json:"at"`
	Data json.RawMessage `json:"data"`
}

// Decode unmarshals the payload into v.
func (e Event) Decode(v any) error {
	return json.Unmarshal(e.Data, v)
}

// Hub is an in-memory pub/sub with a ring buffer for late clients.
// Publish never blocks: a subscriber whose buffer is full misses the event
// and its drop counter goes up.
type Hub struct {
	nextID atomic.Int64
	now    func() time.Time

	mu    sync.Mutex
	ring  []Event
	start int
	size  int

	subs      map[int]*subscriber
	nextSubID int
}

type subscriber struct {
	ch       chan Event
	prefixes []string
	dropped  atomic.Int64
}

func (s *subscriber) wants(eventType string) bool {
	if len(s.prefixes) == 0 {
		return true
	}
	for _, p := range s.prefixes {
		if strings.HasPrefix(eventType, p) {
			return true
		}
	}
	return false
}

func NewHub(capacity int) *Hub {
	if capacity <= 0 {
		capacity = defaultCapacity
	}
	return &Hub{
		now:  time.Now,
		ring: make([]Event, capacity),
		subs: make(map[int]*subscriber),
	}
}

// WithClock replaces the hub's time source.
func (h *Hub) WithClock(now func() time.Time) *Hub {
	h.now = now
	return h
}

// Publish records an event and hands it to every interested subscriber.
// data is marshalled to JSON; unmarshallable payloads become {}.
func (h *Hub) Publish(eventType string, data any) {
	payload := json.RawMessage("{}")
	if data != nil {
		if b, err := json.Marshal(data); err == nil {
			payload = b
		}
	}

	h.mu.Lock()
	ev := Event{
		ID:   h.nextID.Add(1),
		Type: eventType,
		At:   h.now().UTC(),
		Data: payload,
	}
	h.pushLocked(ev)
	for _, s := range h.subs {
		if !s.wants(eventType) {
			continue
		}
		select {
		case s.ch <- ev:
		default:
			s.dropped.Add(1)
		}
	}
	h.mu.Unlock()
}

// Subscription is a live feed from the hub.
type Subscription struct {
	C      <-chan Event
	sub    *subscriber
	cancel func()
}

// Close stops delivery and closes C. Safe to call more than once.
func (s *Subscription) Close() { s.cancel() }

// Dropped reports how many events were skipped because C was full.
func (s *Subscription) Dropped() int64 { return s.sub.dropped.Load() }

// Subscribe returns a feed of events whose type starts with one of prefixes,
// or every event when none are given.
func (h *Hub) Subscribe(prefixes ...string) *Subscription {
	h.mu.Lock()
	defer h.mu.Unlock()

	id := h.nextSubID
	h.nextSubID++
	s := &subscriber{ch: make(chan Event, subscriberBuf), prefixes: prefixes}
	h.subs[id] = s

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, id)
			close(s.ch)
			h.mu.Unlock()
		})
	}
	return &Subscription{C: s.ch, sub: s, cancel: cancel}
}

// Subscribers returns the number of open subscriptions.
func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// SnapshotSince returns buffered events with ID > lastID, oldest-first.
// If lastID is 0, the full ring buffer snapshot is returned.
func (h *Hub) SnapshotSince(lastID int64) []Event {
	h.mu.Lock()
	defer h.mu.Unlock()

	out := make([]Event, 0, h.size)
	for i := 0; i < h.size; i++ {
		ev := h.ring[(h.start+i)%len(h.ring)]
		if ev.ID > lastID {
			out = append(out, ev)
		}
	}
	return out
}

// Latest returns up to n of the most recent events, oldest-first.
func (h *Hub) Latest(n int) []Event {
	all := h.SnapshotSince(0)
	if n > 0 && len(all) > n {
		all = all[len(all)-n:]
	}
	return all
}

func (h *Hub) pushLocked(ev Event) {
	capacity := len(h.ring)
	if h.size < capacity {
		h.ring[(h.start+h.size)%capacity] = ev
		h.size++
		return
	}
	// Overwrite oldest.
	h.ring[h.start] = ev
	h.start = (h.start + 1) % capacity
}
