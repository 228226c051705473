package eventbus

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/swarm-blackjack/gateway-fabric/internal/store"
)

func TestPublishAndConsumeDelivers(t *testing.T) {
	st := store.NewMemoryStore()
	bus := New(st, "orders", "test:events")
	if err := bus.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	var got int32
	var wg sync.WaitGroup
	wg.Add(1)
	bus.RegisterHandler("order.created", func(ctx context.Context, ev DomainEvent) error {
		atomic.AddInt32(&got, 1)
		wg.Done()
		return nil
	}, RetryPolicy{Base: time.Millisecond, Factor: 2, Max: 10 * time.Millisecond, MaxAttempts: 3, Timeout: time.Second})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	bus.Run(ctx)
	defer bus.Close()

	ev, err := NewDomainEvent("order.created", "agg-1", "order", "billing", map[string]string{"foo": "bar"})
	if err != nil {
		t.Fatalf("NewDomainEvent: %v", err)
	}
	if err := bus.Publish(ctx, ev); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	waitOrTimeout(t, &wg, time.Second)
	if atomic.LoadInt32(&got) != 1 {
		t.Fatalf("got = %d, want 1", got)
	}
}

func TestSelfProducedEventsAreSkipped(t *testing.T) {
	st := store.NewMemoryStore()
	bus := New(st, "orders", "test:events")
	if err := bus.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	var called int32
	bus.RegisterHandler("order.created", func(ctx context.Context, ev DomainEvent) error {
		atomic.AddInt32(&called, 1)
		return nil
	}, DefaultRetryPolicy())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	bus.Run(ctx)
	defer bus.Close()

	ev, _ := NewDomainEvent("order.created", "agg-1", "order", "orders", nil)
	bus.Publish(ctx, ev)

	time.Sleep(100 * time.Millisecond)
	if atomic.LoadInt32(&called) != 0 {
		t.Fatal("self-produced event should not be dispatched to this service's own handlers")
	}
}

func TestHandlerRetriesOnErrorThenSucceeds(t *testing.T) {
	st := store.NewMemoryStore()
	bus := New(st, "orders", "test:events")
	if err := bus.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	var attempts int32
	var wg sync.WaitGroup
	wg.Add(1)
	bus.RegisterHandler("order.created", func(ctx context.Context, ev DomainEvent) error {
		n := atomic.AddInt32(&attempts, 1)
		if n < 3 {
			return errors.New("transient failure")
		}
		wg.Done()
		return nil
	}, RetryPolicy{Base: time.Millisecond, Factor: 2, Max: 5 * time.Millisecond, MaxAttempts: 5, Timeout: time.Second})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	bus.Run(ctx)
	defer bus.Close()

	ev, _ := NewDomainEvent("order.created", "agg-1", "order", "billing", nil)
	bus.Publish(ctx, ev)

	waitOrTimeout(t, &wg, time.Second)
	if atomic.LoadInt32(&attempts) != 3 {
		t.Fatalf("attempts = %d, want 3", attempts)
	}
}

func TestUnregisteredEventTypeIsAcked(t *testing.T) {
	st := &ackRecorder{MemoryStore: store.NewMemoryStore()}
	bus := New(st, "orders", "test:events")
	if err := bus.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	// no handlers registered at all

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	bus.Run(ctx)
	defer bus.Close()

	ev, _ := NewDomainEvent("unknown.type", "agg-1", "order", "billing", nil)
	if err := bus.Publish(ctx, ev); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if n := st.ackCountWithin(1, 3*time.Second); n != 1 {
		t.Fatalf("acked %d entries, want 1 for an event type with no handler", n)
	}
}

func TestPublishWritesDurableEventDetailRecord(t *testing.T) {
	st := store.NewMemoryStore()
	bus := New(st, "orders", "test:events")

	ev, err := NewDomainEvent("order.created", "agg-1", "order", "orders", map[string]string{"foo": "bar"})
	if err != nil {
		t.Fatalf("NewDomainEvent: %v", err)
	}
	if err := bus.Publish(context.Background(), ev); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	fields, err := st.HGetAll(context.Background(), "event:"+ev.EventID)
	if err != nil {
		t.Fatalf("HGetAll: %v", err)
	}
	if fields["event_type"] != "order.created" || fields["aggregate_id"] != "agg-1" || fields["producer_service"] != "orders" {
		t.Fatalf("event detail record = %+v, want event_type/aggregate_id/producer_service populated", fields)
	}
}

func TestExhaustedRetriesRecordFailureAndStillAck(t *testing.T) {
	st := &ackRecorder{MemoryStore: store.NewMemoryStore()}
	bus := New(st, "orders", "test:events")
	if err := bus.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	var attempts int32
	var wg sync.WaitGroup
	wg.Add(1)
	handlerID := bus.RegisterHandler("order.created", func(ctx context.Context, ev DomainEvent) error {
		n := atomic.AddInt32(&attempts, 1)
		if n == 2 {
			wg.Done()
		}
		return errors.New("permanent failure")
	}, RetryPolicy{Base: time.Millisecond, Factor: 2, Max: 5 * time.Millisecond, MaxAttempts: 2, Timeout: time.Second})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	bus.Run(ctx)
	defer bus.Close()

	ev, _ := NewDomainEvent("order.created", "agg-1", "order", "billing", nil)
	bus.Publish(ctx, ev)

	waitOrTimeout(t, &wg, time.Second)
	time.Sleep(20 * time.Millisecond) // let process() finish acking after the last attempt returns

	failures := bus.Failures()
	if len(failures) != 1 {
		t.Fatalf("got %d failures, want 1: %+v", len(failures), failures)
	}
	if failures[0].EventID != ev.EventID || failures[0].HandlerID != handlerID {
		t.Fatalf("failure = %+v, want event %s handler %s", failures[0], ev.EventID, handlerID)
	}

	fields, err := st.HGetAll(context.Background(), "eventfailure:"+ev.EventID+":"+handlerID)
	if err != nil {
		t.Fatalf("HGetAll failure record: %v", err)
	}
	if fields["error"] != "permanent failure" {
		t.Fatalf("failure record = %+v", fields)
	}
	if n := st.ackCountWithin(1, 3*time.Second); n != 1 {
		t.Fatalf("acked %d entries, want 1 after retries are exhausted", n)
	}
}

// ackRecorder is a MemoryStore that remembers which stream entries were
// acknowledged, since the memory store's own StreamAck is a no-op.
type ackRecorder struct {
	*store.MemoryStore
	mu    sync.Mutex
	acked []string
}

func (a *ackRecorder) StreamAck(ctx context.Context, stream, group, id string) error {
	a.mu.Lock()
	a.acked = append(a.acked, id)
	a.mu.Unlock()
	return a.MemoryStore.StreamAck(ctx, stream, group, id)
}

// ackCountWithin polls until at least want entries are acknowledged or d
// elapses, and returns the count seen.
func (a *ackRecorder) ackCountWithin(want int, d time.Duration) int {
	deadline := time.Now().Add(d)
	for {
		a.mu.Lock()
		n := len(a.acked)
		a.mu.Unlock()
		if n >= want || time.Now().After(deadline) {
			return n
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func waitOrTimeout(t *testing.T, wg *sync.WaitGroup, d time.Duration) {
	t.Helper()
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(d):
		t.Fatal("timed out waiting for handler")
	}
}
