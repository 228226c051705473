// Package metrics records per-request timing and status, rolling them up
// into percentile snapshots, and republishes each completed request on a
// live feed for SSE subscribers in addition to the JSON snapshot endpoint.
package metrics

import (
	"context"
	"encoding/json"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/swarm-blackjack/gateway-fabric/internal/store"
)

// RequestRecord is one completed request as seen by the collector.
type RequestRecord struct {
	Method      string
	Path        string
	Service     string
	Status      int
	DurationMs  float64
	ErrorKind   string
	RequestID   string
	ClientIP    string
	UserID      string
	CompletedAt time.Time
}

// Event is published on the live feed for every completed request.
type Event struct {
	Type string      `json:"type"`
	Data RequestRecord `json:"data"`
}

const streamName = "gateway:requests"

// serviceRollup holds a per-service bounded sample ring plus success/failure
// tallies. Each service gets its own ring so one noisy service's volume
// cannot starve another's percentile window.
type serviceRollup struct {
	durations []float64
	pos       int
	filled    bool
	success   int
	failure   int
}

// Collector accumulates request outcomes in a fixed-size ring buffer and
// maintains running tallies.
type Collector struct {
	st            store.Store
	ringSize      int
	slowThreshold time.Duration
	persistStream bool
	startedAt     time.Time

	mu           sync.Mutex
	ring         []RequestRecord
	ringPos      int
	ringFilled   bool
	totalCount   int
	statusCounts map[int]int
	errorCounts  map[string]int
	serviceCounts map[string]int
	perService   map[string]*serviceRollup

	subsMu sync.Mutex
	subs   []chan Event
}

// New builds a Collector. ringSize bounds the response-time sample window
// used for percentile computation.
func New(st store.Store, ringSize int, slowThreshold time.Duration, persistStream bool) *Collector {
	if ringSize <= 0 {
		ringSize = 1000
	}
	return &Collector{
		st:            st,
		ringSize:      ringSize,
		slowThreshold: slowThreshold,
		persistStream: persistStream,
		startedAt:     time.Now(),
		ring:          make([]RequestRecord, ringSize),
		statusCounts:  make(map[int]int),
		errorCounts:   make(map[string]int),
		serviceCounts: make(map[string]int),
		perService:    make(map[string]*serviceRollup),
	}
}

// Record appends one completed request, updates rollups, warns on slow
// requests, and fans the record out to subscribers and (best-effort) the
// shared store stream.
func (c *Collector) Record(ctx context.Context, rec RequestRecord) {
	if rec.CompletedAt.IsZero() {
		rec.CompletedAt = time.Now()
	}

	c.mu.Lock()
	c.ring[c.ringPos] = rec
	c.ringPos = (c.ringPos + 1) % c.ringSize
	if c.ringPos == 0 {
		c.ringFilled = true
	}
	c.totalCount++
	c.statusCounts[rec.Status]++
	c.serviceCounts[rec.Service]++
	if rec.ErrorKind != "" {
		c.errorCounts[rec.ErrorKind]++
	}
	if rec.Service != "" {
		c.recordServiceLocked(rec)
	}
	c.mu.Unlock()

	if c.slowThreshold > 0 && time.Duration(rec.DurationMs*float64(time.Millisecond)) >= c.slowThreshold {
		log.Printf("[metrics] slow request: %s %s -> %s %dms (id=%s)", rec.Method, rec.Path, rec.Service, int(rec.DurationMs), rec.RequestID)
	}

	c.publish(Event{Type: "request", Data: rec})

	if c.persistStream && c.st != nil {
		c.persist(ctx, rec)
	}
}

// recordServiceLocked appends rec's duration/outcome to its service's
// rollup ring. Caller must hold c.mu.
func (c *Collector) recordServiceLocked(rec RequestRecord) {
	sr, ok := c.perService[rec.Service]
	if !ok {
		sr = &serviceRollup{durations: make([]float64, c.ringSize)}
		c.perService[rec.Service] = sr
	}
	sr.durations[sr.pos] = rec.DurationMs
	sr.pos = (sr.pos + 1) % c.ringSize
	if sr.pos == 0 {
		sr.filled = true
	}
	if rec.Status >= 500 {
		sr.failure++
	} else {
		sr.success++
	}
}

func (c *Collector) persist(ctx context.Context, rec RequestRecord) {
	payload, err := json.Marshal(rec)
	if err != nil {
		return
	}
	if _, err := c.st.StreamAdd(ctx, streamName, map[string]string{"record": string(payload)}, 100000); err != nil {
		log.Printf("[metrics] best-effort stream persistence failed: %v", err)
	}
}

// Subscribe registers a channel that receives every Record call as an
// Event. Callers must drain or Unsubscribe promptly; slow subscribers have
// events dropped, not the publisher blocked.
func (c *Collector) Subscribe() <-chan Event {
	ch := make(chan Event, 64)
	c.subsMu.Lock()
	c.subs = append(c.subs, ch)
	c.subsMu.Unlock()
	return ch
}

// Unsubscribe removes and closes a channel obtained from Subscribe.
func (c *Collector) Unsubscribe(ch <-chan Event) {
	c.subsMu.Lock()
	defer c.subsMu.Unlock()
	for i, s := range c.subs {
		if s == ch {
			close(s)
			c.subs = append(c.subs[:i], c.subs[i+1:]...)
			return
		}
	}
}

func (c *Collector) publish(ev Event) {
	c.subsMu.Lock()
	defer c.subsMu.Unlock()
	for _, ch := range c.subs {
		select {
		case ch <- ev:
		default:
			// drop rather than block on a slow subscriber
		}
	}
}

// ServiceSnapshot is one service's rollup within Snapshot.PerService.
type ServiceSnapshot struct {
	SuccessRate   float64 `json:"success_rate"`
	AvgResponseMs float64 `json:"avg_response_ms"`
	P95ResponseMs float64 `json:"p95_response_ms"`
	MinMs         float64 `json:"min_ms"`
	MaxMs         float64 `json:"max_ms"`
}

// Snapshot is the JSON-served rollup for the /metrics endpoint.
type Snapshot struct {
	GatewayUptimeSeconds float64                    `json:"gateway_uptime_seconds"`
	TotalRequests        int                        `json:"total_requests"`
	StatusCounts         map[int]int                `json:"status_counts"`
	ErrorCounts          map[string]int             `json:"error_counts"`
	ServiceCounts        map[string]int             `json:"service_counts"`
	PerService           map[string]ServiceSnapshot `json:"per_service"`
	PerMinuteRate        float64                    `json:"per_minute_rate"`
	PerHourRate          float64                    `json:"per_hour_rate"`
	P50Ms                float64                    `json:"p50_ms"`
	P95Ms                float64                    `json:"p95_ms"`
	P99Ms                float64                    `json:"p99_ms"`
	MinMs                float64                    `json:"min_ms"`
	MaxMs                float64                    `json:"max_ms"`
	SampleSize           int                        `json:"sample_size"`
}

// Snapshot computes the current rollup, including response-time
// percentiles over the ring buffer's samples.
func (c *Collector) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := c.ringPos
	if c.ringFilled {
		n = c.ringSize
	}
	durations := make([]float64, 0, n)
	if c.ringFilled {
		for i := 0; i < c.ringSize; i++ {
			durations = append(durations, c.ring[i].DurationMs)
		}
	} else {
		for i := 0; i < c.ringPos; i++ {
			durations = append(durations, c.ring[i].DurationMs)
		}
	}
	sort.Float64s(durations)

	var minuteCount, hourCount int
	now := time.Now()
	for _, rec := range c.ring {
		if rec.CompletedAt.IsZero() {
			continue
		}
		if now.Sub(rec.CompletedAt) <= time.Minute {
			minuteCount++
		}
		if now.Sub(rec.CompletedAt) <= time.Hour {
			hourCount++
		}
	}

	snap := Snapshot{
		GatewayUptimeSeconds: time.Since(c.startedAt).Seconds(),
		TotalRequests:        c.totalCount,
		StatusCounts:         copyIntMap(c.statusCounts),
		ErrorCounts:          copyStringMap(c.errorCounts),
		ServiceCounts:        copyStringMap(c.serviceCounts),
		PerService:           c.perServiceSnapshotLocked(),
		PerMinuteRate:        float64(minuteCount),
		PerHourRate:          float64(hourCount),
		SampleSize:           len(durations),
	}
	if len(durations) > 0 {
		snap.MinMs = durations[0]
		snap.MaxMs = durations[len(durations)-1]
		snap.P50Ms = percentile(durations, 0.50)
		snap.P95Ms = percentile(durations, 0.95)
		snap.P99Ms = percentile(durations, 0.99)
	}
	return snap
}

// perServiceSnapshotLocked computes each service's rollup. Caller must hold c.mu.
func (c *Collector) perServiceSnapshotLocked() map[string]ServiceSnapshot {
	out := make(map[string]ServiceSnapshot, len(c.perService))
	for name, sr := range c.perService {
		n := sr.pos
		if sr.filled {
			n = c.ringSize
		}
		if n == 0 {
			out[name] = ServiceSnapshot{}
			continue
		}
		samples := make([]float64, 0, n)
		if sr.filled {
			samples = append(samples, sr.durations...)
		} else {
			samples = append(samples, sr.durations[:sr.pos]...)
		}
		sort.Float64s(samples)

		var sum float64
		for _, d := range samples {
			sum += d
		}
		total := sr.success + sr.failure
		successRate := 1.0
		if total > 0 {
			successRate = float64(sr.success) / float64(total)
		}
		out[name] = ServiceSnapshot{
			SuccessRate:   successRate,
			AvgResponseMs: sum / float64(len(samples)),
			P95ResponseMs: percentile(samples, 0.95),
			MinMs:         samples[0],
			MaxMs:         samples[len(samples)-1],
		}
	}
	return out
}

// percentile indexes into sorted ascending samples at floor(p*n), clamped
// to the last sample.
func percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(p * float64(len(sorted)))
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

func copyIntMap(m map[int]int) map[int]int {
	out := make(map[int]int, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func copyStringMap(m map[string]int) map[string]int {
	out := make(map[string]int, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
