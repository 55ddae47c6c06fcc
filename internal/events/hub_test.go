package events

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/supercheck-io/supercheck-sub010/internal/domain"
	"github.com/supercheck-io/supercheck-sub010/internal/metrics"
	"github.com/supercheck-io/supercheck-sub010/internal/testutil"
)

// recordingSink captures hub metric calls; everything else no-ops.
type recordingSink struct {
	metrics.NoopSink
	mu               sync.Mutex
	dispatched       []string
	dropped          int
	subscriberCounts []int
}

func (s *recordingSink) EventDispatched(event string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dispatched = append(s.dispatched, event)
}

func (s *recordingSink) EventDropped() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dropped++
}

func (s *recordingSink) SubscriberCountUpdate(count int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subscriberCounts = append(s.subscriberCounts, count)
}

func newTestHub(buffer int) *Hub {
	return New(nil, []string{"sq:monitor-check-execution:events"}, buffer, testutil.DiscardLogger())
}

func testEvent(jobID string, name domain.EventName) domain.QueueEvent {
	return domain.QueueEvent{
		Category:  domain.CategoryMonitor,
		Queue:     domain.TaskKindMonitorCheck,
		JobID:     jobID,
		RunID:     uuid.New(),
		Event:     name,
		Status:    string(name),
		Timestamp: time.Now().UTC(),
	}
}

func TestHub_FanOut(t *testing.T) {
	hub := newTestHub(8)

	ch1, unsub1 := hub.Subscribe()
	ch2, unsub2 := hub.Subscribe()
	ch3, unsub3 := hub.Subscribe()
	defer unsub2()
	defer unsub3()

	hub.deliver(testEvent("job-1", domain.EventWaiting))

	for i, ch := range []<-chan domain.QueueEvent{ch1, ch2, ch3} {
		select {
		case got := <-ch:
			if got.JobID != "job-1" {
				t.Errorf("subscriber %d got JobID %q, want job-1", i+1, got.JobID)
			}
		default:
			t.Errorf("subscriber %d received nothing", i+1)
		}
	}

	unsub1()
	hub.deliver(testEvent("job-2", domain.EventWaiting))

	select {
	case got := <-ch1:
		t.Errorf("unsubscribed channel received %q", got.JobID)
	default:
	}
	for i, ch := range []<-chan domain.QueueEvent{ch2, ch3} {
		select {
		case got := <-ch:
			if got.JobID != "job-2" {
				t.Errorf("subscriber %d got JobID %q, want job-2", i+2, got.JobID)
			}
		default:
			t.Errorf("subscriber %d missed the second event", i+2)
		}
	}
}

func TestHub_SlowSubscriberLosesEvents(t *testing.T) {
	sink := &recordingSink{}
	hub := newTestHub(1).WithMetrics(sink)

	ch, unsub := hub.Subscribe()
	defer unsub()

	hub.deliver(testEvent("job-1", domain.EventActive))
	hub.deliver(testEvent("job-2", domain.EventActive))

	// Buffer of one: the first event is held, the second is dropped.
	got := <-ch
	if got.JobID != "job-1" {
		t.Errorf("got JobID %q, want job-1", got.JobID)
	}
	select {
	case got := <-ch:
		t.Errorf("expected drop, received %q", got.JobID)
	default:
	}

	sink.mu.Lock()
	defer sink.mu.Unlock()
	if sink.dropped != 1 {
		t.Errorf("dropped = %d, want 1", sink.dropped)
	}
	if len(sink.dispatched) != 2 {
		t.Errorf("dispatched = %d events, want 2", len(sink.dispatched))
	}
}

func TestHub_DuplicateSuppression(t *testing.T) {
	clock := testutil.NewFakeClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	hub := newTestHub(8)
	hub.clock = clock.Now

	ch, unsub := hub.Subscribe()
	defer unsub()

	event := testEvent("job-1", domain.EventCompleted)
	hub.deliver(event)
	hub.deliver(event)

	if got := len(ch); got != 1 {
		t.Fatalf("received %d events inside the window, want 1", got)
	}

	// Outside the window the same occurrence key passes again, so a
	// requeued entry's second waiting event is not swallowed.
	clock.Advance(dedupWindow + time.Second)
	hub.deliver(event)
	if got := len(ch); got != 2 {
		t.Errorf("received %d events after the window, want 2", got)
	}
}

func TestHub_DistinctEventsAreNotDeduped(t *testing.T) {
	hub := newTestHub(8)
	ch, unsub := hub.Subscribe()
	defer unsub()

	hub.deliver(testEvent("job-1", domain.EventWaiting))
	hub.deliver(testEvent("job-1", domain.EventActive))
	hub.deliver(testEvent("job-2", domain.EventWaiting))

	if got := len(ch); got != 3 {
		t.Errorf("received %d events, want 3", got)
	}
}

func TestHub_UnsubscribeIsIdempotent(t *testing.T) {
	sink := &recordingSink{}
	hub := newTestHub(8).WithMetrics(sink)

	_, unsub := hub.Subscribe()
	unsub()
	unsub()

	if got := hub.SubscriberCount(); got != 0 {
		t.Errorf("SubscriberCount = %d, want 0", got)
	}
	sink.mu.Lock()
	defer sink.mu.Unlock()
	// One update for subscribe, one for the first unsubscribe only.
	if len(sink.subscriberCounts) != 2 {
		t.Errorf("subscriber count updates = %v, want exactly 2", sink.subscriberCounts)
	}
}

func TestHub_ConcurrentSubscribeAndDispatch(t *testing.T) {
	hub := newTestHub(4)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				_, unsub := hub.Subscribe()
				unsub()
			}
		}()
	}
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				hub.deliver(testEvent(uuid.NewString(), domain.EventWaiting))
			}
		}(i)
	}
	wg.Wait()

	if got := hub.SubscriberCount(); got != 0 {
		t.Errorf("SubscriberCount = %d after churn, want 0", got)
	}
}

func TestHub_ReadyFailureIsRetryable(t *testing.T) {
	client := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 100 * time.Millisecond,
		MaxRetries:  -1,
	})
	defer client.Close()

	hub := New(client, []string{"sq:test:events"}, 8, testutil.DiscardLogger())
	ctx := context.Background()

	if err := hub.Ready(ctx); err == nil {
		t.Fatal("Ready against an unreachable backend must fail")
	}
	// The failure is not sticky: the hub stays unattached and a later
	// call attempts again.
	if err := hub.Ready(ctx); err == nil {
		t.Fatal("second Ready must attempt attach again and fail")
	}

	if err := hub.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := hub.Ready(ctx); !errors.Is(err, ErrClosed) {
		t.Errorf("Ready after Close = %v, want ErrClosed", err)
	}
}

func TestHub_CloseIsIdempotent(t *testing.T) {
	hub := newTestHub(8)
	if err := hub.Close(); err != nil {
		t.Fatalf("first Close: %v", err)
	}
	if err := hub.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
}
