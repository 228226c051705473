// Package registry implements the gateway's service discovery: registering
// instances, tracking liveness via heartbeat keys, and serving healthy
// snapshots to the load balancer.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/swarm-blackjack/gateway-fabric/internal/store"
)

const (
	servicePrefix   = "services"
	heartbeatPrefix = "heartbeat"
)

// Status is an instance's lifecycle state.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusUnhealthy Status = "unhealthy"
	StatusStarting  Status = "starting"
	StatusStopping  Status = "stopping"
)

// Instance is one registered service instance.
type Instance struct {
	Name     string
	Host     string
	Port     int
	Weight   int
	Status   Status
	LastSeen time.Time
}

// ID is the instance's registry identity, "<name>:<host>:<port>".
func (i Instance) ID() string {
	return fmt.Sprintf("%s:%s:%d", i.Name, i.Host, i.Port)
}

// URL is the base address to proxy requests to.
func (i Instance) URL() string {
	return fmt.Sprintf("http://%s:%d", i.Host, i.Port)
}

func serviceKey(name, host string, port int) string {
	return fmt.Sprintf("%s:%s:%s:%d", servicePrefix, name, host, port)
}

func heartbeatKey(name, host string, port int) string {
	return fmt.Sprintf("%s:%s:%s:%d", heartbeatPrefix, name, host, port)
}

// Registry tracks service instances in the shared store plus a local cache,
// and runs heartbeat/expiry background loops.
type Registry struct {
	st store.Store

	instanceTTL time.Duration
	heartbeatEvery time.Duration

	mu    sync.RWMutex
	local map[string]Instance // keyed by Instance.ID()

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New builds a Registry. instanceTTL is the heartbeat/instance liveness
// window; the service hash TTL is 2x that, so a record outlives one missed
// heartbeat but not the expiry sweep.
func New(st store.Store, instanceTTL, heartbeatEvery time.Duration) *Registry {
	return &Registry{
		st:             st,
		instanceTTL:    instanceTTL,
		heartbeatEvery: heartbeatEvery,
		local:          make(map[string]Instance),
		stopCh:         make(chan struct{}),
	}
}

// Register adds or refreshes an instance: a service hash with TTL 2x
// instanceTTL, and a heartbeat string key with TTL instanceTTL.
func (r *Registry) Register(ctx context.Context, inst Instance) error {
	if inst.Status == "" {
		inst.Status = StatusStarting
	}
	inst.LastSeen = time.Now()

	fields := map[string]string{
		"name":   inst.Name,
		"host":   inst.Host,
		"port":   strconv.Itoa(inst.Port),
		"weight": strconv.Itoa(inst.Weight),
		"status": string(inst.Status),
	}
	key := serviceKey(inst.Name, inst.Host, inst.Port)
	if err := r.st.HSet(ctx, key, fields); err != nil {
		return fmt.Errorf("registry: hset: %w", err)
	}
	if err := r.st.Expire(ctx, key, 2*r.instanceTTL); err != nil {
		return fmt.Errorf("registry: expire service key: %w", err)
	}
	if err := r.st.Set(ctx, heartbeatKey(inst.Name, inst.Host, inst.Port), strconv.FormatInt(inst.LastSeen.Unix(), 10), r.instanceTTL); err != nil {
		return fmt.Errorf("registry: set heartbeat: %w", err)
	}

	r.mu.Lock()
	r.local[inst.ID()] = inst
	r.mu.Unlock()

	log.Printf("[registry] registered %s at %s", inst.ID(), inst.URL())
	return nil
}

// Unregister removes an instance from both the shared store and local cache.
func (r *Registry) Unregister(ctx context.Context, name, host string, port int) error {
	id := Instance{Name: name, Host: host, Port: port}.ID()
	if err := r.st.Del(ctx, serviceKey(name, host, port), heartbeatKey(name, host, port)); err != nil {
		return fmt.Errorf("registry: del: %w", err)
	}
	r.mu.Lock()
	delete(r.local, id)
	r.mu.Unlock()
	log.Printf("[registry] unregistered %s", id)
	return nil
}

// Heartbeat refreshes an instance's liveness window without rewriting the
// full service hash.
func (r *Registry) Heartbeat(ctx context.Context, name, host string, port int) error {
	now := time.Now()
	if err := r.st.Set(ctx, heartbeatKey(name, host, port), strconv.FormatInt(now.Unix(), 10), r.instanceTTL); err != nil {
		return fmt.Errorf("registry: heartbeat: %w", err)
	}
	r.mu.Lock()
	id := Instance{Name: name, Host: host, Port: port}.ID()
	if inst, ok := r.local[id]; ok {
		inst.LastSeen = now
		inst.Status = StatusHealthy
		r.local[id] = inst
	}
	r.mu.Unlock()
	return nil
}

// UpdateStatus sets an instance's health status in the local cache and the
// shared hash, without touching its heartbeat.
func (r *Registry) UpdateStatus(ctx context.Context, name, host string, port int, status Status) error {
	key := serviceKey(name, host, port)
	if err := r.st.HSet(ctx, key, map[string]string{"status": string(status)}); err != nil {
		return fmt.Errorf("registry: update status: %w", err)
	}
	r.mu.Lock()
	id := Instance{Name: name, Host: host, Port: port}.ID()
	if inst, ok := r.local[id]; ok {
		inst.Status = status
		r.local[id] = inst
	}
	r.mu.Unlock()
	return nil
}

// Discover returns all known instances for a service name, refreshed from
// the shared store, marking any whose heartbeat key has expired unhealthy.
func (r *Registry) Discover(ctx context.Context, name string) ([]Instance, error) {
	pattern := fmt.Sprintf("%s:%s:*", servicePrefix, name)
	keys, err := r.st.Keys(ctx, pattern)
	if err != nil {
		if errors.Is(err, store.ErrStoreUnavailable) {
			return r.localByName(name), nil
		}
		return nil, fmt.Errorf("registry: keys: %w", err)
	}

	instances := make([]Instance, 0, len(keys))
	for _, key := range keys {
		fields, err := r.st.HGetAll(ctx, key)
		if err == store.ErrNotFound {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("registry: hgetall %s: %w", key, err)
		}
		inst := instanceFromFields(fields)

		alive, err := r.isAlive(ctx, inst)
		if err != nil {
			return nil, err
		}
		if alive {
			inst.Status = StatusHealthy
		} else {
			inst.Status = StatusUnhealthy
		}

		instances = append(instances, inst)
	}

	sort.Slice(instances, func(i, j int) bool {
		if instances[i].Host != instances[j].Host {
			return instances[i].Host < instances[j].Host
		}
		return instances[i].Port < instances[j].Port
	})

	r.mu.Lock()
	for _, inst := range instances {
		r.local[inst.ID()] = inst
	}
	r.mu.Unlock()

	return instances, nil
}

// localByName serves a best-effort snapshot from the local cache when the
// shared store is unavailable, so reads keep working through an outage.
func (r *Registry) localByName(name string) []Instance {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Instance, 0)
	for _, inst := range r.local {
		if inst.Name == name {
			out = append(out, inst)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Host != out[j].Host {
			return out[i].Host < out[j].Host
		}
		return out[i].Port < out[j].Port
	})
	return out
}

func (r *Registry) isAlive(ctx context.Context, inst Instance) (bool, error) {
	_, err := r.st.Get(ctx, heartbeatKey(inst.Name, inst.Host, inst.Port))
	if err == store.ErrNotFound {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func instanceFromFields(fields map[string]string) Instance {
	port, _ := strconv.Atoi(fields["port"])
	weight, _ := strconv.Atoi(fields["weight"])
	return Instance{
		Name:   fields["name"],
		Host:   fields["host"],
		Port:   port,
		Weight: weight,
		Status: Status(fields["status"]),
	}
}

// HealthyInstances filters Discover's result to Status == StatusHealthy.
func (r *Registry) HealthyInstances(ctx context.Context, name string) ([]Instance, error) {
	all, err := r.Discover(ctx, name)
	if err != nil {
		return nil, err
	}
	out := make([]Instance, 0, len(all))
	for _, inst := range all {
		if inst.Status == StatusHealthy {
			out = append(out, inst)
		}
	}
	return out, nil
}

// HealthyServices returns each service name that has at least one healthy
// instance, mapped to those instances; services with none are omitted.
func (r *Registry) HealthyServices(ctx context.Context) (map[string][]Instance, error) {
	pattern := servicePrefix + ":*"
	keys, err := r.st.Keys(ctx, pattern)
	if err != nil {
		if errors.Is(err, store.ErrStoreUnavailable) {
			return r.localHealthyByService(), nil
		}
		return nil, fmt.Errorf("registry: keys: %w", err)
	}

	out := make(map[string][]Instance)
	for _, key := range keys {
		fields, err := r.st.HGetAll(ctx, key)
		if err == store.ErrNotFound {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("registry: hgetall %s: %w", key, err)
		}
		inst := instanceFromFields(fields)
		alive, err := r.isAlive(ctx, inst)
		if err != nil {
			return nil, err
		}
		if !alive {
			continue
		}
		inst.Status = StatusHealthy
		out[inst.Name] = append(out[inst.Name], inst)
	}
	for name := range out {
		sort.Slice(out[name], func(i, j int) bool {
			if out[name][i].Host != out[name][j].Host {
				return out[name][i].Host < out[name][j].Host
			}
			return out[name][i].Port < out[name][j].Port
		})
	}
	return out, nil
}

// localHealthyByService serves HealthyServices from the local cache when
// the shared store is unavailable.
func (r *Registry) localHealthyByService() map[string][]Instance {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string][]Instance)
	for _, inst := range r.local {
		if inst.Status == StatusHealthy {
			out[inst.Name] = append(out[inst.Name], inst)
		}
	}
	return out
}

// LocalSnapshot returns every instance last observed, without touching the
// store; used for admin listing endpoints.
func (r *Registry) LocalSnapshot() []Instance {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Instance, 0, len(r.local))
	for _, inst := range r.local {
		out = append(out, inst)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		if out[i].Host != out[j].Host {
			return out[i].Host < out[j].Host
		}
		return out[i].Port < out[j].Port
	})
	return out
}

// StartHeartbeatLoop refreshes the given instance's heartbeat on
// heartbeatEvery until ctx is cancelled or Close is called.
func (r *Registry) StartHeartbeatLoop(ctx context.Context, inst Instance) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ticker := time.NewTicker(r.heartbeatEvery)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-r.stopCh:
				return
			case <-ticker.C:
				if err := r.Heartbeat(ctx, inst.Name, inst.Host, inst.Port); err != nil {
					log.Printf("[registry] heartbeat failed for %s: %v", inst.ID(), err)
				}
			}
		}
	}()
}

// StartCleanupLoop sweeps every minute for service hashes whose heartbeat
// has expired, deleting them. It rescans the full "services:*" key pattern
// every pass rather than being handed a fixed service-name list, so an
// instance registered later at runtime (e.g. via the admin register
// endpoint under a name unknown at startup) is still swept once its
// heartbeat lapses.
func (r *Registry) StartCleanupLoop(ctx context.Context) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ticker := time.NewTicker(60 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-r.stopCh:
				return
			case <-ticker.C:
				if err := r.sweepExpired(ctx); err != nil {
					log.Printf("[registry] cleanup sweep failed: %v", err)
				}
			}
		}
	}()
}

// sweepExpired lists every service record across every service and deletes
// any whose heartbeat key has expired.
func (r *Registry) sweepExpired(ctx context.Context) error {
	pattern := servicePrefix + ":*"
	keys, err := r.st.Keys(ctx, pattern)
	if err != nil {
		if errors.Is(err, store.ErrStoreUnavailable) {
			return nil
		}
		return fmt.Errorf("registry: keys: %w", err)
	}
	for _, key := range keys {
		fields, err := r.st.HGetAll(ctx, key)
		if err == store.ErrNotFound {
			continue
		}
		if err != nil {
			return fmt.Errorf("registry: hgetall %s: %w", key, err)
		}
		inst := instanceFromFields(fields)
		alive, err := r.isAlive(ctx, inst)
		if err != nil {
			return err
		}
		if alive {
			continue
		}
		if err := r.st.Del(ctx, key, heartbeatKey(inst.Name, inst.Host, inst.Port)); err != nil {
			return fmt.Errorf("registry: del expired %s: %w", key, err)
		}
		r.mu.Lock()
		delete(r.local, inst.ID())
		r.mu.Unlock()
		log.Printf("[registry] expired and removed %s", inst.ID())
	}
	return nil
}

// Stats reports counts for the admin/metrics surface.
type Stats struct {
	TotalInstances   int `json:"total_instances"`
	HealthyInstances int `json:"healthy_instances"`
	Services         int `json:"services"`
}

// Stats summarizes the local cache.
func (r *Registry) Stats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make(map[string]bool)
	s := Stats{}
	for _, inst := range r.local {
		s.TotalInstances++
		if inst.Status == StatusHealthy {
			s.HealthyInstances++
		}
		names[inst.Name] = true
	}
	s.Services = len(names)
	return s
}

// Close stops background loops. It deliberately does not close the
// underlying store; the composition root owns that lifecycle.
func (r *Registry) Close() {
	close(r.stopCh)
	r.wg.Wait()
}
