package notify

import (
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Alert is a queued notification. ID should be stable for a given alert
// identity (module, pump, kind, day) so re-enqueuing the same alert is a
// no-op while it is still pending.
type Alert struct {
	ID        string
	Title     string
	Body      string
	CreatedAt time.Time
}

type entry struct {
	alert       Alert
	remaining   []Sink
	attempts    int
	nextAttempt time.Time
}

const (
	initialBackoff = 30 * time.Second
	maxBackoff     = 15 * time.Minute
)

// Queue is a capacity-bounded at-least-once delivery queue. When full, the
// oldest pending entry is evicted so prolonged connectivity loss cannot grow
// the queue without bound.
type Queue struct {
	mu       sync.Mutex
	capacity int
	sinks    []Sink
	entries  []*entry
	draining bool
}

func NewQueue(capacity int, sinks ...Sink) *Queue {
	if capacity <= 0 {
		capacity = 64
	}
	return &Queue{capacity: capacity, sinks: sinks}
}

// Enqueue adds an alert for delivery to every sink. Alerts without an ID get
// a random one; alerts whose ID is already pending are dropped.
func (q *Queue) Enqueue(a Alert) {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now()
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	for _, e := range q.entries {
		if e.alert.ID == a.ID {
			return
		}
	}
	if len(q.entries) >= q.capacity {
		evicted := q.entries[0]
		q.entries = q.entries[1:]
		log.Printf("[WARN] alert queue full, evicting oldest alert %s", evicted.alert.ID)
	}
	q.entries = append(q.entries, &entry{
		alert:     a,
		remaining: append([]Sink(nil), q.sinks...),
	})
}

// Drain attempts delivery for every due entry. Sinks that fail keep the
// entry pending with exponential backoff; an entry is removed once every
// sink has accepted it. Only one drain runs at a time: an overlapping call
// returns immediately and leaves the entries to the drain in flight.
func (q *Queue) Drain(now time.Time) {
	q.mu.Lock()
	if q.draining {
		q.mu.Unlock()
		return
	}
	q.draining = true
	due := make([]*entry, 0, len(q.entries))
	for _, e := range q.entries {
		if !now.Before(e.nextAttempt) {
			due = append(due, e)
		}
	}
	q.mu.Unlock()

	defer func() {
		q.mu.Lock()
		q.draining = false
		q.mu.Unlock()
	}()

	for _, e := range due {
		var failed []Sink
		for _, s := range e.remaining {
			if err := s.Send(e.alert.Title, e.alert.Body); err != nil {
				log.Printf("[WARN] alert %s delivery via %s failed: %v", e.alert.ID, s.Name(), err)
				failed = append(failed, s)
			}
		}

		q.mu.Lock()
		e.remaining = failed
		if len(failed) == 0 {
			q.remove(e)
		} else {
			shift := e.attempts
			if shift > 5 {
				shift = 5
			}
			backoff := initialBackoff << shift
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			e.attempts++
			e.nextAttempt = now.Add(backoff)
		}
		q.mu.Unlock()
	}
}

func (q *Queue) remove(target *entry) {
	for i, e := range q.entries {
		if e == target {
			q.entries = append(q.entries[:i], q.entries[i+1:]...)
			return
		}
	}
}

// Pending returns the number of alerts still awaiting delivery.
func (q *Queue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}
