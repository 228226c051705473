// Command gateway is the composition root: it builds the config, store,
// registry, rate limiter, load balancer, authenticator, router, metrics
// collector, event bus, and websocket bus, then serves the HTTP pipeline.
// Every component is constructed here and injected; there is no package
// global state.
package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/swarm-blackjack/gateway-fabric/internal/auth"
	"github.com/swarm-blackjack/gateway-fabric/internal/config"
	"github.com/swarm-blackjack/gateway-fabric/internal/eventbus"
	"github.com/swarm-blackjack/gateway-fabric/internal/gatewayhttp"
	"github.com/swarm-blackjack/gateway-fabric/internal/loadbalancer"
	"github.com/swarm-blackjack/gateway-fabric/internal/metrics"
	"github.com/swarm-blackjack/gateway-fabric/internal/ratelimit"
	"github.com/swarm-blackjack/gateway-fabric/internal/registry"
	"github.com/swarm-blackjack/gateway-fabric/internal/router"
	"github.com/swarm-blackjack/gateway-fabric/internal/store"
	"github.com/swarm-blackjack/gateway-fabric/internal/wsbus"
)

func main() {
	cfg := config.FromEnv()
	if err := cfg.Validate(); err != nil {
		log.Fatalf("[gateway] invalid configuration: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st := buildStore(ctx, cfg)
	defer st.Close()

	reg := registry.New(st, time.Duration(cfg.Registry.InstanceTTLSeconds)*time.Second, time.Duration(cfg.Registry.HeartbeatIntervalSeconds)*time.Second)
	defer reg.Close()

	reg.StartCleanupLoop(ctx)
	seedInstances(ctx, reg, cfg)

	rlStore := st
	if cfg.RateLimit.Store == "memory" {
		rlStore = store.NewMemoryStore()
	}
	rl := ratelimit.New(rlStore, cfg.RateLimit.Enabled, cfg.RateLimit.DefaultLimit, time.Duration(cfg.RateLimit.WindowSeconds)*time.Second)

	lb := loadbalancer.New(loadbalancer.Config{
		Algorithm:        loadbalancer.Algorithm(cfg.LoadBalancer.Algorithm),
		FailureThreshold: cfg.LoadBalancer.CircuitThreshold,
		BaseCooldown:     time.Duration(cfg.LoadBalancer.CircuitCooldownSeconds) * time.Second,
		MaxCooldown:      time.Duration(cfg.LoadBalancer.CircuitMaxCooldownSeconds) * time.Second,
		HalfOpenMax:      cfg.LoadBalancer.HalfOpenMax,
	})

	authenticator := auth.New(
		cfg.Auth.JWTSecret,
		time.Duration(cfg.Auth.AccessTTLSeconds)*time.Second,
		time.Duration(cfg.Auth.RefreshTTLSeconds)*time.Second,
		cfg.Auth.PublicPaths,
		cfg.Auth.PublicPathPrefixes,
	)

	rt := router.New(routesFromConfig(cfg))

	m := metrics.New(st, cfg.Metrics.RingBufferSize, time.Duration(cfg.Metrics.SlowRequestThresholdSeconds*float64(time.Second)), cfg.Metrics.PersistStream)

	bus := eventbus.New(st, "gateway", "events")
	if err := bus.Initialize(ctx); err != nil {
		log.Printf("[gateway] event bus init failed, continuing without it: %v", err)
	} else {
		bus.Run(ctx)
		defer bus.Close()
	}

	instanceID := "gateway-" + cfg.Host + ":" + cfg.Port
	ws := wsbus.New(st)
	ws.StartHeartbeatLoop(ctx)
	if err := ws.StartRedisListener(ctx, instanceID); err != nil {
		log.Printf("[gateway] websocket cross-instance listener failed to start: %v", err)
	}
	defer ws.Close()

	gw := gatewayhttp.New(reg, rl, lb, authenticator, rt, m, time.Duration(cfg.RequestTimeoutSeconds)*time.Second).
		WithWSBus(ws, instanceID).
		WithEventBus(bus)

	srv := &http.Server{
		Addr:    cfg.Host + ":" + cfg.Port,
		Handler: gw.Mux(),
	}

	go func() {
		log.Printf("[gateway] starting on %s", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("[gateway] server error: %v", err)
		}
	}()

	<-ctx.Done()
	log.Printf("[gateway] shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("[gateway] graceful shutdown error: %v", err)
	}
}

func buildStore(ctx context.Context, cfg config.GatewayConfig) store.Store {
	if cfg.RateLimit.Store == "shared" || cfg.Registry.StoreURL != "" {
		if cfg.Registry.StoreURL == "" {
			log.Fatalf("[gateway] shared store selected but REGISTRY_STORE_URL is empty")
		}
		st, err := store.NewRedisStore(ctx, cfg.Registry.StoreURL)
		if err != nil {
			log.Fatalf("[gateway] failed to connect to shared store: %v", err)
		}
		log.Printf("[gateway] using shared store at %s", cfg.Registry.StoreURL)
		return st
	}
	log.Printf("[gateway] no shared store configured, using in-process memory store")
	return store.NewMemoryStore()
}

func routesFromConfig(cfg config.GatewayConfig) []router.Route {
	routes := make([]router.Route, 0, len(cfg.Services))
	for _, svc := range cfg.Services {
		routes = append(routes, router.Route{Prefix: svc.Prefix, Service: svc.Name})
	}
	return routes
}

func seedInstances(ctx context.Context, reg *registry.Registry, cfg config.GatewayConfig) {
	for _, svc := range cfg.Services {
		for _, inst := range svc.Instances {
			instance := registry.Instance{Name: svc.Name, Host: inst.Host, Port: inst.Port, Weight: inst.Weight, Status: registry.StatusHealthy}
			if err := reg.Register(ctx, instance); err != nil {
				log.Printf("[gateway] failed to seed instance %s: %v", instance.ID(), err)
				continue
			}
			reg.StartHeartbeatLoop(ctx, instance)
		}
	}
}
