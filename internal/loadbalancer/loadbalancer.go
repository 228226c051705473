// Package loadbalancer selects an instance for a routed request and tracks
// per-instance circuit breaker state (closed/open/half-open, with an
// exponential cooldown on repeated half-open failures).
package loadbalancer

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/swarm-blackjack/gateway-fabric/internal/registry"
)

// ErrNoEligibleInstance is returned when every known instance for a service
// is unhealthy or has its circuit open.
var ErrNoEligibleInstance = errors.New("loadbalancer: no eligible instance")

// Algorithm selects among eligible instances.
type Algorithm string

const (
	RoundRobin       Algorithm = "round_robin"
	Weighted         Algorithm = "weighted"
	LeastConnections Algorithm = "least_connections"
)

type breakerState string

const (
	breakerClosed   breakerState = "closed"
	breakerOpen     breakerState = "open"
	breakerHalfOpen breakerState = "half_open"
)

type breaker struct {
	state           breakerState
	failures        int
	openedAt        time.Time
	cooldown        time.Duration
	halfOpenInFlight int
}

// Config controls breaker thresholds and selection policy.
type Config struct {
	Algorithm         Algorithm
	FailureThreshold  int
	BaseCooldown      time.Duration
	MaxCooldown       time.Duration
	HalfOpenMax       int
}

// LoadBalancer picks an instance per service and tracks per-instance
// breaker state plus in-flight connection counts for least_connections.
type LoadBalancer struct {
	cfg Config

	mu        sync.Mutex
	breakers  map[string]*breaker // keyed by registry.Instance.ID()
	cursors   map[string]int      // per-service round-robin cursor
	inFlight  map[string]int      // keyed by instance ID
}

// New builds a LoadBalancer from Config.
func New(cfg Config) *LoadBalancer {
	if cfg.HalfOpenMax <= 0 {
		cfg.HalfOpenMax = 1
	}
	return &LoadBalancer{
		cfg:      cfg,
		breakers: make(map[string]*breaker),
		cursors:  make(map[string]int),
		inFlight: make(map[string]int),
	}
}

// eligible filters instances to those whose circuit is closed or half-open
// (and under the half-open trial cap), sorted by (host, port) for
// deterministic round-robin ordering.
func (lb *LoadBalancer) eligible(instances []registry.Instance, now time.Time) []registry.Instance {
	sorted := make([]registry.Instance, len(instances))
	copy(sorted, instances)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].Host != sorted[j].Host {
			return sorted[i].Host < sorted[j].Host
		}
		return sorted[i].Port < sorted[j].Port
	})

	lb.mu.Lock()
	defer lb.mu.Unlock()

	out := make([]registry.Instance, 0, len(sorted))
	for _, inst := range sorted {
		if inst.Status != registry.StatusHealthy {
			continue
		}
		b := lb.breakers[inst.ID()]
		if b == nil {
			out = append(out, inst)
			continue
		}
		switch b.state {
		case breakerClosed:
			out = append(out, inst)
		case breakerOpen:
			if now.Sub(b.openedAt) >= b.cooldown {
				b.state = breakerHalfOpen
				b.halfOpenInFlight = 0
				out = append(out, inst)
			}
		case breakerHalfOpen:
			if b.halfOpenInFlight < lb.cfg.HalfOpenMax {
				out = append(out, inst)
			}
		}
	}
	return out
}

// Select picks one eligible instance for serviceName using the configured
// algorithm.
func (lb *LoadBalancer) Select(serviceName string, instances []registry.Instance, now time.Time) (registry.Instance, error) {
	elig := lb.eligible(instances, now)
	if len(elig) == 0 {
		return registry.Instance{}, ErrNoEligibleInstance
	}

	switch lb.cfg.Algorithm {
	case Weighted:
		return lb.selectWeighted(elig), nil
	case LeastConnections:
		return lb.selectLeastConnections(elig), nil
	default:
		return lb.selectRoundRobin(serviceName, elig), nil
	}
}

func (lb *LoadBalancer) selectRoundRobin(serviceName string, elig []registry.Instance) registry.Instance {
	lb.mu.Lock()
	defer lb.mu.Unlock()
	idx := lb.cursors[serviceName] % len(elig)
	lb.cursors[serviceName] = idx + 1
	return elig[idx]
}

func (lb *LoadBalancer) selectWeighted(elig []registry.Instance) registry.Instance {
	total := 0
	for _, inst := range elig {
		w := inst.Weight
		if w <= 0 {
			w = 1
		}
		total += w
	}

	lb.mu.Lock()
	cursor := lb.cursors["__weighted__"]
	lb.cursors["__weighted__"] = cursor + 1
	lb.mu.Unlock()

	target := cursor % total
	acc := 0
	for _, inst := range elig {
		w := inst.Weight
		if w <= 0 {
			w = 1
		}
		acc += w
		if target < acc {
			return inst
		}
	}
	return elig[len(elig)-1]
}

func (lb *LoadBalancer) selectLeastConnections(elig []registry.Instance) registry.Instance {
	lb.mu.Lock()
	defer lb.mu.Unlock()
	best := elig[0]
	bestCount := lb.inFlight[best.ID()]
	for _, inst := range elig[1:] {
		c := lb.inFlight[inst.ID()]
		if c < bestCount {
			best = inst
			bestCount = c
		}
	}
	return best
}

// Acquire marks the start of a proxied request against inst, for
// least_connections tracking. Release must be called when it completes.
func (lb *LoadBalancer) Acquire(inst registry.Instance) {
	lb.mu.Lock()
	defer lb.mu.Unlock()
	lb.inFlight[inst.ID()]++
	if b := lb.breakers[inst.ID()]; b != nil && b.state == breakerHalfOpen {
		b.halfOpenInFlight++
	}
}

// Release marks the end of a proxied request and records the outcome
// against the instance's circuit breaker.
func (lb *LoadBalancer) Release(inst registry.Instance, success bool, now time.Time) {
	lb.mu.Lock()
	defer lb.mu.Unlock()

	if n := lb.inFlight[inst.ID()]; n > 0 {
		lb.inFlight[inst.ID()] = n - 1
	}

	b := lb.breakers[inst.ID()]
	if b == nil {
		b = &breaker{state: breakerClosed, cooldown: lb.cfg.BaseCooldown}
		lb.breakers[inst.ID()] = b
	}

	switch b.state {
	case breakerHalfOpen:
		if b.halfOpenInFlight > 0 {
			b.halfOpenInFlight--
		}
		if success {
			b.state = breakerClosed
			b.failures = 0
			b.cooldown = lb.cfg.BaseCooldown
		} else {
			lb.trip(b, now)
		}
	case breakerClosed:
		if success {
			b.failures = 0
		} else {
			b.failures++
			if b.failures >= lb.cfg.FailureThreshold {
				lb.trip(b, now)
			}
		}
	case breakerOpen:
		// outcome for a stale in-flight request from before the trip; ignore.
	}
}

// trip opens the circuit. A trip from half-open doubles the cooldown from
// its last value; a trip from closed keeps the current cooldown (the base
// cooldown unless a half-open failure escalated it). The result is capped
// at MaxCooldown.
func (lb *LoadBalancer) trip(b *breaker, now time.Time) {
	if b.state == breakerOpen {
		return
	}
	if b.state == breakerHalfOpen && b.cooldown > 0 {
		b.cooldown *= 2
	}
	if b.cooldown <= 0 {
		b.cooldown = lb.cfg.BaseCooldown
	}
	if lb.cfg.MaxCooldown > 0 && b.cooldown > lb.cfg.MaxCooldown {
		b.cooldown = lb.cfg.MaxCooldown
	}
	b.state = breakerOpen
	b.openedAt = now
	b.failures = 0
}

// BreakerSnapshot reports an instance's current breaker state, for the
// admin/metrics surface.
type BreakerSnapshot struct {
	InstanceID string        `json:"instance_id"`
	State      string        `json:"state"`
	Cooldown   time.Duration `json:"cooldown_ns"`
}

func (lb *LoadBalancer) Snapshot() []BreakerSnapshot {
	lb.mu.Lock()
	defer lb.mu.Unlock()
	out := make([]BreakerSnapshot, 0, len(lb.breakers))
	for id, b := range lb.breakers {
		out = append(out, BreakerSnapshot{InstanceID: id, State: string(b.state), Cooldown: b.cooldown})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].InstanceID < out[j].InstanceID })
	return out
}
