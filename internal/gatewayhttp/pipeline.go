// Package gatewayhttp composes the registry, rate limiter, load balancer,
// authenticator, router, and metrics collector into the gateway's HTTP
// request pipeline: collect -> metrics start -> authenticate -> rate-limit
// (keyed by client IP plus user ID when authenticated) -> route -> select
// instance -> proxy -> shape response -> metrics complete. Errors are shaped
// at this boundary; nothing below it writes to the transport directly.
package gatewayhttp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"net/http/httputil"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/swarm-blackjack/gateway-fabric/internal/auth"
	"github.com/swarm-blackjack/gateway-fabric/internal/eventbus"
	"github.com/swarm-blackjack/gateway-fabric/internal/loadbalancer"
	"github.com/swarm-blackjack/gateway-fabric/internal/metrics"
	"github.com/swarm-blackjack/gateway-fabric/internal/ratelimit"
	"github.com/swarm-blackjack/gateway-fabric/internal/registry"
	"github.com/swarm-blackjack/gateway-fabric/internal/router"
	"github.com/swarm-blackjack/gateway-fabric/internal/wsbus"
)

// wsUpgrader upgrades /ws connections. CheckOrigin accepts any origin;
// origin restriction is left to a fronting reverse proxy.
var wsUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// errorBody is the JSON error shape every client-facing failure uses.
type errorBody struct {
	Error      string `json:"error"`
	Code       string `json:"code"`
	StatusCode int    `json:"status_code"`
	RequestID  string `json:"request_id,omitempty"`
}

func writeError(w http.ResponseWriter, status int, code, message, requestID string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(errorBody{Error: message, Code: code, StatusCode: status, RequestID: requestID})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Gateway wires every component into net/http handlers.
type Gateway struct {
	Registry    *registry.Registry
	RateLimiter *ratelimit.Limiter
	LB          *loadbalancer.LoadBalancer
	Auth        *auth.Authenticator
	Router      *router.Router
	Metrics     *metrics.Collector
	WSBus       *wsbus.Bus
	EventBus    *eventbus.Bus
	InstanceID  string

	RequestTimeout time.Duration

	proxyMu    sync.Mutex
	proxyCache map[string]*httputil.ReverseProxy
}

// New builds a Gateway. Callers then call Mux to obtain the composed
// http.Handler.
func New(reg *registry.Registry, rl *ratelimit.Limiter, lb *loadbalancer.LoadBalancer, a *auth.Authenticator, rt *router.Router, m *metrics.Collector, requestTimeout time.Duration) *Gateway {
	return &Gateway{
		Registry:       reg,
		RateLimiter:    rl,
		LB:             lb,
		Auth:           a,
		Router:         rt,
		Metrics:        m,
		RequestTimeout: requestTimeout,
		proxyCache:     make(map[string]*httputil.ReverseProxy),
	}
}

// WithWSBus attaches the websocket message bus and this instance's identity
// (used as sender_id on cross-instance fan-out), enabling the /ws route.
func (g *Gateway) WithWSBus(bus *wsbus.Bus, instanceID string) *Gateway {
	g.WSBus = bus
	g.InstanceID = instanceID
	return g
}

// WithEventBus attaches the event bus so the admin surface can report
// handler failures.
func (g *Gateway) WithEventBus(bus *eventbus.Bus) *Gateway {
	g.EventBus = bus
	return g
}

// Mux assembles the full handler tree, wrapped in CORS middleware.
func (g *Gateway) Mux() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", g.healthHandler)
	mux.HandleFunc("/metrics", g.metricsHandler)
	mux.HandleFunc("/events", g.eventsSSEHandler)
	mux.HandleFunc("/ws", g.wsHandler)
	mux.HandleFunc("/auth/refresh", g.refreshHandler)
	mux.HandleFunc("/admin/services/register", g.requireAdmin(g.adminRegisterHandler))
	mux.HandleFunc("/admin/status", g.requireAdmin(g.adminStatusHandler))
	mux.HandleFunc("/admin/services", g.requireAdmin(g.adminListHandler))
	mux.HandleFunc("/admin/services/", g.requireAdmin(g.adminDeregisterHandler))
	mux.HandleFunc("/", g.proxyHandler)
	return corsMiddleware(mux)
}

// requireAdmin gates a handler behind a valid access token carrying the
// "admin" role.
func (g *Gateway) requireAdmin(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		user, authErr := g.Auth.Authenticate(auth.BearerHeader(r))
		if authErr != nil {
			writeError(w, statusForAuthKind(authErr.Kind), string(authErr.Kind), authErr.Error(), "")
			return
		}
		if !user.HasRole("admin") {
			writeError(w, http.StatusForbidden, "forbidden", "admin role required", "")
			return
		}
		next(w, r)
	}
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// instanceSummary is the health endpoint's per-instance shape.
type instanceSummary struct {
	Host   string `json:"host"`
	Port   int    `json:"port"`
	Status string `json:"status"`
	Weight int    `json:"weight"`
}

func (g *Gateway) healthHandler(w http.ResponseWriter, r *http.Request) {
	services := map[string][]instanceSummary{}
	healthy, err := g.Registry.HealthyServices(r.Context())
	status := "ok"
	if err != nil {
		status = "degraded"
	}
	for name, instances := range healthy {
		summaries := make([]instanceSummary, 0, len(instances))
		for _, inst := range instances {
			summaries = append(summaries, instanceSummary{Host: inst.Host, Port: inst.Port, Status: string(inst.Status), Weight: inst.Weight})
		}
		services[name] = summaries
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"status":    status,
		"services":  services,
		"timestamp": time.Now().UTC(),
	})
}

func (g *Gateway) metricsHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(g.Metrics.Snapshot())
}

func (g *Gateway) eventsSSEHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "SSE not supported", http.StatusInternalServerError)
		return
	}

	ch := g.Metrics.Subscribe()
	defer g.Metrics.Unsubscribe(ch)

	fmt.Fprintf(w, "event: connected\ndata: {\"service\":\"gateway\"}\n\n")
	flusher.Flush()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			payload, _ := json.Marshal(ev)
			fmt.Fprintf(w, "event: request\ndata: %s\n\n", payload)
			flusher.Flush()
		}
	}
}

// wsHandler upgrades the connection and hands it to the ws bus's read loop.
// The caller may supply its own connection_id via ?connection_id=; one is
// generated otherwise.
func (g *Gateway) wsHandler(w http.ResponseWriter, r *http.Request) {
	if g.WSBus == nil {
		writeError(w, http.StatusServiceUnavailable, "internal", "websocket bus not configured", "")
		return
	}
	connID := r.URL.Query().Get("connection_id")
	if connID == "" {
		connID = uuid.NewString()
	}
	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[wsbus] upgrade failed: %v", err)
		return
	}
	g.WSBus.ServeConn(r.Context(), connID, conn, g.Auth, g.InstanceID)
}

// refreshHandler exchanges a valid refresh token in the Authorization
// header for a fresh access/refresh pair.
func (g *Gateway) refreshHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "POST required", "")
		return
	}
	access, refresh, authErr := g.Auth.Refresh(auth.BearerHeader(r))
	if authErr != nil {
		writeError(w, statusForAuthKind(authErr.Kind), string(authErr.Kind), authErr.Error(), "")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"access_token": access, "refresh_token": refresh})
}

type registerRequest struct {
	Name   string `json:"name"`
	Host   string `json:"host"`
	Port   int    `json:"port"`
	Weight int    `json:"weight"`
}

func (g *Gateway) adminRegisterHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "POST required", "")
		return
	}
	var req registerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", err.Error(), "")
		return
	}
	inst := registry.Instance{Name: req.Name, Host: req.Host, Port: req.Port, Weight: req.Weight, Status: registry.StatusHealthy}
	if err := g.Registry.Register(r.Context(), inst); err != nil {
		writeError(w, http.StatusInternalServerError, "registration_failed", err.Error(), "")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "registered", "id": inst.ID()})
}

// adminStatusHandler reports the registry, rate limiter, and circuit
// breaker internals in one place.
func (g *Gateway) adminStatusHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "GET required", "")
		return
	}
	status := map[string]interface{}{
		"registry":   g.Registry.Stats(),
		"rate_limit": g.RateLimiter.Stats(),
		"breakers":   g.LB.Snapshot(),
	}
	if g.EventBus != nil {
		status["event_failures"] = g.EventBus.Failures()
	}
	if g.WSBus != nil {
		status["websocket"] = g.WSBus.Stats()
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(status)
}

func (g *Gateway) adminListHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "GET required", "")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(g.Registry.LocalSnapshot())
}

func (g *Gateway) adminDeregisterHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodDelete {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "DELETE required", "")
		return
	}
	name := r.URL.Path[len("/admin/services/"):]
	if name == "" {
		writeError(w, http.StatusBadRequest, "missing_name", "service name required", "")
		return
	}
	instances, err := g.Registry.Discover(r.Context(), name)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "discover_failed", err.Error(), "")
		return
	}
	for _, inst := range instances {
		g.Registry.Unregister(r.Context(), inst.Name, inst.Host, inst.Port)
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "unregistered", "name": name})
}

// proxyHandler implements the 9-step request pipeline.
func (g *Gateway) proxyHandler(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	requestID := uuid.NewString()
	w.Header().Set("X-Gateway-Request-Id", requestID)

	clientIP := ratelimit.ClientIP(r)
	path := r.URL.Path

	rec := metrics.RequestRecord{Method: r.Method, Path: path, RequestID: requestID, ClientIP: clientIP}

	// Step: authenticate (skips for public paths)
	var user auth.UserContext
	if !g.Auth.IsPublic(path) {
		header := auth.BearerHeader(r)
		u, authErr := g.Auth.Authenticate(header)
		if authErr != nil {
			status := statusForAuthKind(authErr.Kind)
			rec.Status = status
			rec.ErrorKind = string(authErr.Kind)
			rec.DurationMs = float64(time.Since(start).Microseconds()) / 1000
			g.Metrics.Record(r.Context(), rec)
			writeError(w, status, string(authErr.Kind), authErr.Error(), requestID)
			return
		}
		user = u
		rec.UserID = user.UserID
	}

	// Step: rate limit
	key := ratelimit.Key(clientIP, user.UserID)
	decision, err := g.RateLimiter.Check(r.Context(), key, path, start)
	if err != nil {
		rec.Status = http.StatusInternalServerError
		rec.ErrorKind = "internal"
		rec.DurationMs = float64(time.Since(start).Microseconds()) / 1000
		g.Metrics.Record(r.Context(), rec)
		writeError(w, http.StatusInternalServerError, "internal", err.Error(), requestID)
		return
	}
	if decision.Limit > 0 {
		w.Header().Set("X-RateLimit-Limit", itoa(decision.Limit))
		w.Header().Set("X-RateLimit-Remaining", itoa(decision.Remaining))
		w.Header().Set("X-RateLimit-Reset", itoa(int(start.Unix())+decision.WindowSeconds))
	}
	if !decision.Allowed {
		w.Header().Set("Retry-After", itoa(int(decision.RetryAfter.Seconds())))
		rec.Status = http.StatusTooManyRequests
		rec.ErrorKind = "too_many_requests"
		rec.DurationMs = float64(time.Since(start).Microseconds()) / 1000
		g.Metrics.Record(r.Context(), rec)
		writeError(w, http.StatusTooManyRequests, "too_many_requests", "too many requests", requestID)
		return
	}

	// Step: route
	serviceName, _, ok := g.Router.Resolve(path)
	if !ok {
		rec.Status = http.StatusNotFound
		rec.ErrorKind = "not_found"
		rec.DurationMs = float64(time.Since(start).Microseconds()) / 1000
		g.Metrics.Record(r.Context(), rec)
		writeError(w, http.StatusNotFound, "not_found", "no route", requestID)
		return
	}
	rec.Service = serviceName

	// Step: select instance
	instances, err := g.Registry.HealthyInstances(r.Context(), serviceName)
	if err != nil {
		rec.Status = http.StatusInternalServerError
		rec.ErrorKind = "internal"
		rec.DurationMs = float64(time.Since(start).Microseconds()) / 1000
		g.Metrics.Record(r.Context(), rec)
		writeError(w, http.StatusInternalServerError, "internal", err.Error(), requestID)
		return
	}
	instance, err := g.LB.Select(serviceName, instances, start)
	if err != nil {
		rec.Status = http.StatusServiceUnavailable
		rec.ErrorKind = "upstream_unavailable"
		rec.DurationMs = float64(time.Since(start).Microseconds()) / 1000
		g.Metrics.Record(r.Context(), rec)
		writeError(w, http.StatusServiceUnavailable, "upstream_unavailable", "no healthy instance for "+serviceName, requestID)
		return
	}

	// Step: proxy
	g.LB.Acquire(instance)
	rw := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
	proxy := g.proxyFor(instance.URL())

	ctx := r.Context()
	if g.RequestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.RequestTimeout)
		defer cancel()
		r = r.WithContext(ctx)
	}

	if prior := r.Header.Get("X-Forwarded-For"); prior != "" {
		r.Header.Set("X-Forwarded-For", prior+", "+clientIP)
	} else {
		r.Header.Set("X-Forwarded-For", clientIP)
	}
	r.Header.Set("X-Forwarded-Proto", schemeOf(r))
	r.Header.Set("X-Gateway-Request-Id", requestID)
	if user.UserID != "" {
		r.Header.Set("X-User-ID", user.UserID)
		r.Header.Set("X-User-Roles", joinRoles(user.Roles))
	}

	// the upstream sees the full request path; routing only picks the
	// service, it never rewrites
	proxy.ServeHTTP(rw, r)

	success := rw.status < 500
	g.LB.Release(instance, success, time.Now())

	rec.Status = rw.status
	switch rw.status {
	case http.StatusGatewayTimeout:
		rec.ErrorKind = "upstream_timeout"
	case http.StatusBadGateway:
		rec.ErrorKind = "upstream_failed"
	default:
		if rw.status >= 500 {
			rec.ErrorKind = "upstream_failed"
		}
	}
	rec.DurationMs = float64(time.Since(start).Microseconds()) / 1000
	g.Metrics.Record(r.Context(), rec)

	log.Printf("[gateway->%s] %s %s %d (%dms)", serviceName, r.Method, path, rw.status, int(rec.DurationMs))
}

func schemeOf(r *http.Request) string {
	if r.TLS != nil {
		return "https"
	}
	return "http"
}

func joinRoles(roles []string) string {
	out := ""
	for i, r := range roles {
		if i > 0 {
			out += ","
		}
		out += r
	}
	return out
}

func itoa(n int) string {
	return fmt.Sprintf("%d", n)
}

func statusForAuthKind(kind auth.Kind) int {
	switch kind {
	case auth.KindMissingToken, auth.KindMalformedHeader, auth.KindInvalidSignature, auth.KindExpired:
		return http.StatusUnauthorized
	case auth.KindWrongTokenType:
		return http.StatusForbidden
	default:
		return http.StatusUnauthorized
	}
}

// proxyFor returns a cached ReverseProxy for an upstream base URL, building
// one on first use.
func (g *Gateway) proxyFor(base string) *httputil.ReverseProxy {
	g.proxyMu.Lock()
	defer g.proxyMu.Unlock()

	if p, ok := g.proxyCache[base]; ok {
		return p
	}
	target, err := url.Parse(base)
	if err != nil {
		// instance URLs are built from registry-validated host/port; this
		// would indicate a malformed registration, not a request-time fault.
		log.Printf("[gateway] invalid upstream URL %s: %v", base, err)
	}
	proxy := httputil.NewSingleHostReverseProxy(target)
	proxy.ErrorHandler = func(w http.ResponseWriter, r *http.Request, err error) {
		log.Printf("[gateway] proxy error for %s: %v", base, err)
		requestID := r.Header.Get("X-Gateway-Request-Id")
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(r.Context().Err(), context.DeadlineExceeded) {
			writeError(w, http.StatusGatewayTimeout, "upstream_timeout", "upstream timed out", requestID)
			return
		}
		writeError(w, http.StatusBadGateway, "upstream_failed", "upstream unavailable", requestID)
	}
	g.proxyCache[base] = proxy
	return proxy
}
