// Package eventbus implements a durable, at-least-once domain event bus on
// top of the shared store's streams and consumer groups: a capped stream
// append plus a long-lived event-detail record on publish, and a
// consumer-group read loop with a self-produced-event skip, an idempotency
// guard, per-handler timeouts, and retry with exponential backoff.
package eventbus

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/swarm-blackjack/gateway-fabric/internal/store"
)

const streamMaxLen = 1000000

// DomainEvent is one published fact. The JSON field names are the wire
// contract shared with every consuming service; changing them breaks
// cross-service compatibility.
type DomainEvent struct {
	EventID         string            `json:"event_id"`
	EventType       string            `json:"event_type"`
	AggregateID     string            `json:"aggregate_id"`
	AggregateType   string            `json:"aggregate_type,omitempty"`
	Payload         json.RawMessage   `json:"payload"`
	OccurredAt      time.Time         `json:"occurred_at"`
	Version         int               `json:"version"`
	CorrelationID   string            `json:"correlation_id,omitempty"`
	CausationID     string            `json:"causation_id,omitempty"`
	ProducerService string            `json:"producer_service"`
	Metadata        map[string]string `json:"metadata,omitempty"`
}

// NewDomainEvent constructs an event with a generated ID and timestamp.
// Version defaults to 1; correlation/causation/metadata can be set
// afterward by callers that need them (e.g. to chain a correlation_id
// through a request).
func NewDomainEvent(eventType, aggregateID, aggregateType, producerService string, payload interface{}) (DomainEvent, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return DomainEvent{}, fmt.Errorf("eventbus: marshal payload: %w", err)
	}
	return DomainEvent{
		EventID:         uuid.NewString(),
		EventType:       eventType,
		AggregateID:     aggregateID,
		AggregateType:   aggregateType,
		Payload:         raw,
		OccurredAt:      time.Now(),
		Version:         1,
		ProducerService: producerService,
	}, nil
}

// Handler processes one event. Returning an error triggers the retry policy.
type Handler func(ctx context.Context, ev DomainEvent) error

// RetryPolicy controls per-handler retry backoff: base * factor^attempt,
// capped at max, for up to maxAttempts tries.
type RetryPolicy struct {
	Base        time.Duration
	Factor      float64
	Max         time.Duration
	MaxAttempts int
	Timeout     time.Duration
}

// DefaultRetryPolicy backs off exponentially from one second, capped, with
// bounded attempts.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{Base: time.Second, Factor: 2, Max: 30 * time.Second, MaxAttempts: 5, Timeout: 10 * time.Second}
}

func (p RetryPolicy) delay(attempt int) time.Duration {
	d := p.Base
	for i := 0; i < attempt; i++ {
		d = time.Duration(float64(d) * p.Factor)
		if d > p.Max {
			return p.Max
		}
	}
	if d > p.Max {
		d = p.Max
	}
	return d
}

type registration struct {
	eventType string
	handlerID string
	handler   Handler
	policy    RetryPolicy
}

// FailedResult records one handler's exhausted-retries outcome, keyed by
// (event_id, handler_id), so a failed event can be found and replayed from
// the event-detail store.
type FailedResult struct {
	EventID   string    `json:"event_id"`
	HandlerID string    `json:"handler_id"`
	EventType string    `json:"event_type"`
	Attempts  int       `json:"attempts"`
	Error     string    `json:"error"`
	FailedAt  time.Time `json:"failed_at"`
}

// Bus publishes and consumes domain events via a shared store stream and
// consumer group, one group per service name.
type Bus struct {
	st          store.Store
	serviceName string
	consumerID  string
	stream      string

	mu            sync.RWMutex
	handlers      map[string][]registration
	processing    map[string]bool // idempotency guard: event IDs mid-flight
	failures      []FailedResult

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New builds a Bus for the given logical service, publishing to and
// consuming from streamName (e.g. "events").
func New(st store.Store, serviceName, streamName string) *Bus {
	return &Bus{
		st:          st,
		serviceName: serviceName,
		consumerID:  fmt.Sprintf("%s_%s", serviceName, uuid.NewString()[:8]),
		stream:      streamName,
		handlers:    make(map[string][]registration),
		processing:  make(map[string]bool),
		stopCh:      make(chan struct{}),
	}
}

// RegisterHandler subscribes handler to eventType with the given retry
// policy. It returns a handler ID (stable for this process's lifetime) used
// to key failure records.
func (b *Bus) RegisterHandler(eventType string, handler Handler, policy RetryPolicy) string {
	b.mu.Lock()
	defer b.mu.Unlock()
	handlerID := fmt.Sprintf("%s#%d", eventType, len(b.handlers[eventType]))
	b.handlers[eventType] = append(b.handlers[eventType], registration{eventType: eventType, handlerID: handlerID, handler: handler, policy: policy})
	return handlerID
}

// Initialize creates the consumer group for this service, creating the
// stream if it does not exist yet.
func (b *Bus) Initialize(ctx context.Context) error {
	group := "service_" + b.serviceName
	return b.st.StreamCreateGroup(ctx, b.stream, group)
}

// eventDetailTTL is the retention window for the per-event detail hash
// (event:<event_id>), an audit record kept independent of stream trimming.
const eventDetailTTL = 30 * 24 * time.Hour

// Publish appends an event to the capped stream and writes a durable detail
// record at event:<event_id>. A detail-write failure is logged, not
// returned; the stream append consumers depend on has already succeeded.
func (b *Bus) Publish(ctx context.Context, ev DomainEvent) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("eventbus: marshal event: %w", err)
	}
	_, err = b.st.StreamAdd(ctx, b.stream, map[string]string{
		"event_id":         ev.EventID,
		"event_type":       ev.EventType,
		"producer_service": ev.ProducerService,
		"data":             string(payload),
	}, streamMaxLen)
	if err != nil {
		return err
	}

	detailKey := "event:" + ev.EventID
	if err := b.st.HSet(ctx, detailKey, map[string]string{
		"event_id":         ev.EventID,
		"event_type":       ev.EventType,
		"aggregate_id":     ev.AggregateID,
		"aggregate_type":   ev.AggregateType,
		"producer_service": ev.ProducerService,
		"occurred_at":      ev.OccurredAt.Format(time.RFC3339Nano),
		"data":             string(payload),
	}); err != nil {
		log.Printf("[eventbus] event detail write failed for %s: %v", ev.EventID, err)
		return nil
	}
	if err := b.st.Expire(ctx, detailKey, eventDetailTTL); err != nil {
		log.Printf("[eventbus] event detail expire failed for %s: %v", ev.EventID, err)
	}
	return nil
}

// Run starts the consumer loop, reading from the service's consumer group
// until ctx is cancelled.
func (b *Bus) Run(ctx context.Context) {
	group := "service_" + b.serviceName
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case <-b.stopCh:
				return
			default:
			}

			entries, err := b.st.StreamReadGroup(ctx, b.stream, group, b.consumerID, 10, time.Second)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				log.Printf("[eventbus] read error: %v", err)
				time.Sleep(time.Second)
				continue
			}
			for _, entry := range entries {
				b.process(ctx, group, entry)
			}
		}
	}()
}

func (b *Bus) process(ctx context.Context, group string, entry store.StreamEntry) {
	var ev DomainEvent
	if err := json.Unmarshal([]byte(entry.Fields["data"]), &ev); err != nil {
		log.Printf("[eventbus] malformed event %s, acking to skip: %v", entry.ID, err)
		b.ack(ctx, group, entry.ID)
		return
	}

	if ev.ProducerService == b.serviceName {
		b.ack(ctx, group, entry.ID)
		return
	}

	b.mu.RLock()
	regs := b.handlers[ev.EventType]
	b.mu.RUnlock()
	if len(regs) == 0 {
		b.ack(ctx, group, entry.ID)
		return
	}

	b.mu.Lock()
	if b.processing[ev.EventID] {
		b.mu.Unlock()
		return
	}
	b.processing[ev.EventID] = true
	b.mu.Unlock()
	defer func() {
		b.mu.Lock()
		delete(b.processing, ev.EventID)
		b.mu.Unlock()
	}()

	for _, reg := range regs {
		b.executeWithRetry(ctx, reg, ev)
	}
	b.ack(ctx, group, entry.ID)
}

// executeWithRetry runs one handler with a timeout, retrying on error with
// exponential backoff up to policy.MaxAttempts.
func (b *Bus) executeWithRetry(ctx context.Context, reg registration, ev DomainEvent) {
	policy := reg.policy
	if policy.MaxAttempts <= 0 {
		policy = DefaultRetryPolicy()
	}

	var lastErr error
	for attempt := 0; attempt < policy.MaxAttempts; attempt++ {
		callCtx, cancel := context.WithTimeout(ctx, policy.Timeout)
		lastErr = reg.handler(callCtx, ev)
		cancel()
		if lastErr == nil {
			return
		}
		log.Printf("[eventbus] handler for %s failed (attempt %d/%d): %v", ev.EventType, attempt+1, policy.MaxAttempts, lastErr)
		if attempt == policy.MaxAttempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(policy.delay(attempt)):
		}
	}
	log.Printf("[eventbus] handler for %s exhausted retries, event %s dropped after %d attempts: %v", ev.EventType, ev.EventID, policy.MaxAttempts, lastErr)
	b.recordFailure(ctx, FailedResult{
		EventID:   ev.EventID,
		HandlerID: reg.handlerID,
		EventType: ev.EventType,
		Attempts:  policy.MaxAttempts,
		Error:     lastErr.Error(),
		FailedAt:  time.Now(),
	})
}

// recordFailure keeps the failure in-process for the admin surface and
// writes a best-effort durable record keyed by (event_id, handler_id), so a
// failed dispatch can be replayed later by reading the event-detail store.
func (b *Bus) recordFailure(ctx context.Context, fr FailedResult) {
	b.mu.Lock()
	b.failures = append(b.failures, fr)
	b.mu.Unlock()

	key := fmt.Sprintf("eventfailure:%s:%s", fr.EventID, fr.HandlerID)
	fields := map[string]string{
		"event_id":   fr.EventID,
		"handler_id": fr.HandlerID,
		"event_type": fr.EventType,
		"attempts":   fmt.Sprintf("%d", fr.Attempts),
		"error":      fr.Error,
		"failed_at":  fr.FailedAt.Format(time.RFC3339Nano),
	}
	if err := b.st.HSet(ctx, key, fields); err != nil {
		log.Printf("[eventbus] failed to persist failure record for %s/%s: %v", fr.EventID, fr.HandlerID, err)
	}
}

// Failures returns every handler failure recorded by this process since
// startup, for the admin/metrics surface and manual replay tooling.
func (b *Bus) Failures() []FailedResult {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]FailedResult, len(b.failures))
	copy(out, b.failures)
	return out
}

func (b *Bus) ack(ctx context.Context, group, id string) {
	if err := b.st.StreamAck(ctx, b.stream, group, id); err != nil {
		log.Printf("[eventbus] ack failed for %s: %v", id, err)
	}
}

// Close stops the consumer loop.
func (b *Bus) Close() {
	close(b.stopCh)
	b.wg.Wait()
}
