package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jmehdipour/webhook-gateway/internal/dispatcher"
	"github.com/jmehdipour/webhook-gateway/internal/kafka"
	"github.com/jmehdipour/webhook-gateway/internal/model"
)

type fakeSource struct {
	msgs chan kafka.Message

	mu        sync.Mutex
	committed []kafka.Message
}

func (s *fakeSource) Fetch(ctx context.Context) (kafka.Message, error) {
	select {
	case m := <-s.msgs:
		return m, nil
	case <-ctx.Done():
		return kafka.Message{}, ctx.Err()
	}
}

func (s *fakeSource) Commit(_ context.Context, m kafka.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.committed = append(s.committed, m)
	return nil
}

// committedOn lists the committed offsets of one partition in commit order.
func (s *fakeSource) committedOn(partition int) []int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []int64
	for _, m := range s.committed {
		if m.Partition == partition {
			out = append(out, m.Offset)
		}
	}
	return out
}

func (s *fakeSource) lastCommitted(partition int) int64 {
	offsets := s.committedOn(partition)
	if len(offsets) == 0 {
		return -1
	}
	return offsets[len(offsets)-1]
}

type fakeTrigger struct {
	mu       sync.Mutex
	events   []model.Event
	calls    int
	failFor  map[string]bool // event ids that never get through
	failures int             // calls to fail before accepting anything
}

func (f *fakeTrigger) TriggerEvent(_ context.Context, ev model.Event) (*dispatcher.Ticket, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.failFor[ev.ID] {
		return nil, errors.New("registry down")
	}
	if f.failures > 0 {
		f.failures--
		return nil, errors.New("registry down")
	}
	f.events = append(f.events, ev)
	return &dispatcher.Ticket{EventID: ev.ID}, nil
}

func (f *fakeTrigger) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.events)
}

func (f *fakeTrigger) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func intake(id string) []byte {
	return []byte(`{"tenant_id":"t1","type":"lead.created","id":"` + id + `","payload":{"lead_id":"L1"}}`)
}

func startIntake(t *testing.T, w *IntakeKafka) context.CancelFunc {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			if err != nil {
				t.Errorf("run: %v", err)
			}
		case <-time.After(2 * time.Second):
			t.Errorf("worker did not stop")
		}
	})
	return cancel
}

func waitUntil(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestIntakeDispatchesAndCommits(t *testing.T) {
	src := &fakeSource{msgs: make(chan kafka.Message, 4)}
	trig := &fakeTrigger{}
	w := NewIntakeKafka(src, trig, nil)
	w.Workers = 2
	startIntake(t, w)

	src.msgs <- kafka.Message{Offset: 1, Value: intake("e1")}
	src.msgs <- kafka.Message{Offset: 2, Value: []byte(`not json`)}
	src.msgs <- kafka.Message{Offset: 3, Value: []byte(`{"tenant_id":"t1","type":"lead.created"}`)}

	waitUntil(t, "commits", func() bool { return src.lastCommitted(0) == 3 })
	if trig.count() != 1 {
		t.Fatalf("triggered %d events, want 1", trig.count())
	}
	trig.mu.Lock()
	ev := trig.events[0]
	trig.mu.Unlock()
	if ev.TenantID != "t1" || ev.ID != "e1" || ev.Type != model.EventLeadCreated {
		t.Fatalf("event = %+v", ev)
	}
	offsets := src.committedOn(0)
	for i := 1; i < len(offsets); i++ {
		if offsets[i] <= offsets[i-1] {
			t.Fatalf("commits went backwards: %v", offsets)
		}
	}
}

func TestIntakeLeavesMessageWhenTriggerFails(t *testing.T) {
	src := &fakeSource{msgs: make(chan kafka.Message, 4)}
	trig := &fakeTrigger{failFor: map[string]bool{"stuck": true}}
	w := NewIntakeKafka(src, trig, nil)
	w.Workers = 4
	w.RetryBackoff = time.Millisecond
	w.MaxRetryBackoff = 5 * time.Millisecond
	cancel := startIntake(t, w)

	src.msgs <- kafka.Message{Partition: 0, Offset: 10, Value: intake("stuck")}
	src.msgs <- kafka.Message{Partition: 0, Offset: 11, Value: intake("e11")}
	src.msgs <- kafka.Message{Partition: 0, Offset: 12, Value: intake("e12")}
	src.msgs <- kafka.Message{Partition: 1, Offset: 5, Value: intake("e5")}

	// later messages are handed off and the other partition moves on
	waitUntil(t, "hand-offs", func() bool { return trig.count() == 3 })
	waitUntil(t, "partition 1 commit", func() bool { return src.lastCommitted(1) == 5 })
	// the failed message keeps being retried
	waitUntil(t, "retries", func() bool { return trig.callCount() > 6 })

	if got := src.committedOn(0); len(got) != 0 {
		t.Fatalf("partition 0 committed %v past the failed message", got)
	}
	cancel()
	time.Sleep(20 * time.Millisecond)
	if got := src.committedOn(0); len(got) != 0 {
		t.Fatalf("partition 0 committed %v after stop", got)
	}
}

func TestIntakeRetriesUntilHandedOff(t *testing.T) {
	src := &fakeSource{msgs: make(chan kafka.Message, 2)}
	trig := &fakeTrigger{failures: 2}
	w := NewIntakeKafka(src, trig, nil)
	w.Workers = 2
	w.RetryBackoff = time.Millisecond
	startIntake(t, w)

	src.msgs <- kafka.Message{Offset: 7, Value: intake("e7")}
	src.msgs <- kafka.Message{Offset: 8, Value: intake("e8")}

	waitUntil(t, "commit of both", func() bool { return src.lastCommitted(0) == 8 })
	if trig.count() != 2 || trig.callCount() != 4 {
		t.Fatalf("events=%d calls=%d", trig.count(), trig.callCount())
	}
}

func TestCommitTrackerReleasesInFetchOrder(t *testing.T) {
	c := newCommitTracker()
	a := c.track(kafka.Message{Partition: 0, Offset: 1})
	b := c.track(kafka.Message{Partition: 0, Offset: 4}) // offsets may have gaps
	other := c.track(kafka.Message{Partition: 2, Offset: 9})

	var got []int64
	commit := func(m kafka.Message) { got = append(got, m.Offset) }

	c.complete(b, commit)
	if len(got) != 0 {
		t.Fatalf("committed %v while offset 1 is open", got)
	}
	c.complete(other, commit)
	c.complete(a, commit)
	if len(got) != 2 || got[0] != 9 || got[1] != 4 {
		t.Fatalf("commits = %v, want [9 4]", got)
	}
	if len(c.pending) != 0 {
		t.Fatalf("tracker kept %d partitions", len(c.pending))
	}
}
