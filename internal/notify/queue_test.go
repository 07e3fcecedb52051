package notify

import (
	"errors"
	"sync"
	"testing"
	"time"
)

// fakeSink records deliveries and can be told to fail.
type fakeSink struct {
	mu       sync.Mutex
	name     string
	fail     bool
	received []string
}

func (s *fakeSink) Name() string { return s.name }

func (s *fakeSink) Send(title, body string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return errors.New("sink unavailable")
	}
	s.received = append(s.received, title)
	return nil
}

func (s *fakeSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.received)
}

func (s *fakeSink) setFail(v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fail = v
}

func TestQueueDeliverAndRemove(t *testing.T) {
	sink := &fakeSink{name: "fake"}
	q := NewQueue(10, sink)

	q.Enqueue(Alert{ID: "a1", Title: "t1", Body: "b1"})
	if q.Pending() != 1 {
		t.Fatalf("Pending = %d, want 1", q.Pending())
	}

	q.Drain(time.Now())
	if q.Pending() != 0 {
		t.Errorf("Pending after drain = %d, want 0", q.Pending())
	}
	if sink.count() != 1 {
		t.Errorf("sink received %d alerts, want 1", sink.count())
	}
}

func TestQueueDedupByID(t *testing.T) {
	sink := &fakeSink{name: "fake"}
	q := NewQueue(10, sink)

	q.Enqueue(Alert{ID: "same", Title: "first"})
	q.Enqueue(Alert{ID: "same", Title: "second"})
	if q.Pending() != 1 {
		t.Fatalf("Pending = %d, want 1", q.Pending())
	}

	// Once delivered, the ID is free again.
	q.Drain(time.Now())
	q.Enqueue(Alert{ID: "same", Title: "third"})
	if q.Pending() != 1 {
		t.Errorf("Pending = %d, want 1 after re-enqueue", q.Pending())
	}
}

func TestQueueRandomIDWhenMissing(t *testing.T) {
	q := NewQueue(10, &fakeSink{name: "fake"})
	q.Enqueue(Alert{Title: "one"})
	q.Enqueue(Alert{Title: "two"})
	if q.Pending() != 2 {
		t.Errorf("Pending = %d, want 2 for alerts without IDs", q.Pending())
	}
}

func TestQueueBackoff(t *testing.T) {
	sink := &fakeSink{name: "fake", fail: true}
	q := NewQueue(10, sink)
	now := time.Now()

	q.Enqueue(Alert{ID: "a1", Title: "t1"})
	q.Drain(now)
	if q.Pending() != 1 {
		t.Fatalf("failed delivery removed the entry")
	}

	// Not due yet: no attempt is made even after the sink recovers.
	sink.setFail(false)
	q.Drain(now.Add(time.Second))
	if q.Pending() != 1 || sink.count() != 0 {
		t.Fatalf("entry delivered before its backoff elapsed")
	}

	// First backoff step is 30s.
	q.Drain(now.Add(31 * time.Second))
	if q.Pending() != 0 || sink.count() != 1 {
		t.Errorf("entry not delivered after backoff: pending=%d received=%d", q.Pending(), sink.count())
	}
}

func TestQueuePartialSinkFailure(t *testing.T) {
	good := &fakeSink{name: "good"}
	bad := &fakeSink{name: "bad", fail: true}
	q := NewQueue(10, good, bad)
	now := time.Now()

	q.Enqueue(Alert{ID: "a1", Title: "t1"})
	q.Drain(now)

	if good.count() != 1 {
		t.Errorf("healthy sink received %d, want 1", good.count())
	}
	if q.Pending() != 1 {
		t.Fatalf("entry dropped while one sink still owes delivery")
	}

	// The retry goes only to the sink that failed.
	bad.setFail(false)
	q.Drain(now.Add(31 * time.Second))
	if q.Pending() != 0 {
		t.Errorf("entry still pending after all sinks accepted")
	}
	if good.count() != 1 || bad.count() != 1 {
		t.Errorf("deliveries: good=%d bad=%d, want 1 each", good.count(), bad.count())
	}
}

// blockingSink parks every delivery until released, to hold a drain open.
type blockingSink struct {
	started chan struct{}
	release chan struct{}
	mu      sync.Mutex
	sent    int
}

func (s *blockingSink) Name() string { return "blocking" }

func (s *blockingSink) Send(title, body string) error {
	s.mu.Lock()
	s.sent++
	s.mu.Unlock()
	s.started <- struct{}{}
	<-s.release
	return nil
}

func (s *blockingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sent
}

func TestQueueDrainSingleFlight(t *testing.T) {
	sink := &blockingSink{started: make(chan struct{}, 2), release: make(chan struct{})}
	q := NewQueue(10, sink)
	q.Enqueue(Alert{ID: "a1", Title: "t1"})

	done := make(chan struct{})
	go func() {
		q.Drain(time.Now())
		close(done)
	}()
	<-sink.started

	// An overlapping drain must return without touching the entry the first
	// drain is still delivering.
	q.Drain(time.Now())

	close(sink.release)
	<-done

	if got := sink.count(); got != 1 {
		t.Errorf("sink received %d deliveries, want 1", got)
	}
	if q.Pending() != 0 {
		t.Errorf("Pending = %d after delivery, want 0", q.Pending())
	}
}

func TestQueueEvictsOldestWhenFull(t *testing.T) {
	sink := &fakeSink{name: "fake"}
	q := NewQueue(2, sink)

	q.Enqueue(Alert{ID: "a1", Title: "t1"})
	q.Enqueue(Alert{ID: "a2", Title: "t2"})
	q.Enqueue(Alert{ID: "a3", Title: "t3"})
	if q.Pending() != 2 {
		t.Fatalf("Pending = %d, want capacity 2", q.Pending())
	}

	q.Drain(time.Now())
	if sink.count() != 2 {
		t.Fatalf("sink received %d alerts, want 2", sink.count())
	}
	for _, title := range sink.received {
		if title == "t1" {
			t.Error("oldest alert survived eviction")
		}
	}
}
