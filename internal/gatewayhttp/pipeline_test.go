package gatewayhttp

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/swarm-blackjack/gateway-fabric/internal/auth"
	"github.com/swarm-blackjack/gateway-fabric/internal/loadbalancer"
	"github.com/swarm-blackjack/gateway-fabric/internal/metrics"
	"github.com/swarm-blackjack/gateway-fabric/internal/ratelimit"
	"github.com/swarm-blackjack/gateway-fabric/internal/registry"
	"github.com/swarm-blackjack/gateway-fabric/internal/router"
	"github.com/swarm-blackjack/gateway-fabric/internal/store"
)

func newTestGateway(t *testing.T, upstream *httptest.Server, defaultLimit int) *Gateway {
	t.Helper()
	st := store.NewMemoryStore()
	reg := registry.New(st, time.Minute, 10*time.Second)
	rl := ratelimit.New(st, true, defaultLimit, time.Minute)
	lb := loadbalancer.New(loadbalancer.Config{Algorithm: loadbalancer.RoundRobin, FailureThreshold: 5, BaseCooldown: time.Second, MaxCooldown: 10 * time.Second})
	a := auth.New("test-secret", time.Hour, time.Hour, []string{"/health"}, nil)
	rt := router.New([]router.Route{{Prefix: "/api/orders", Service: "orders"}})
	m := metrics.New(nil, 100, time.Hour, false)

	u, err := url.Parse(upstream.URL)
	if err != nil {
		t.Fatalf("parse upstream url: %v", err)
	}
	host := u.Hostname()
	port, _ := strconv.Atoi(u.Port())
	if err := reg.Register(context.Background(), registry.Instance{Name: "orders", Host: host, Port: port, Status: registry.StatusHealthy}); err != nil {
		t.Fatalf("Register: %v", err)
	}

	return New(reg, rl, lb, a, rt, m, 5*time.Second)
}

func TestProxyHandlerRoutesToUpstream(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/orders/123" {
			t.Errorf("upstream got path %s, want /api/orders/123 (full path, no rewrite)", r.URL.Path)
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	}))
	defer upstream.Close()

	gw := newTestGateway(t, upstream, 100)

	req := httptest.NewRequest(http.MethodGet, "/api/orders/123", nil)
	req.Header.Set("Authorization", "Bearer "+issueTestToken(t, gw))
	rw := httptest.NewRecorder()
	gw.Mux().ServeHTTP(rw, req)

	if rw.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200, body=%s", rw.Code, rw.Body.String())
	}
	if rw.Header().Get("X-Gateway-Request-Id") == "" {
		t.Fatal("missing X-Gateway-Request-Id header")
	}
}

func TestProxyHandlerNoRouteReturns404(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer upstream.Close()
	gw := newTestGateway(t, upstream, 100)

	req := httptest.NewRequest(http.MethodGet, "/unmatched", nil)
	req.Header.Set("Authorization", "Bearer "+issueTestToken(t, gw))
	rw := httptest.NewRecorder()
	gw.Mux().ServeHTTP(rw, req)

	if rw.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rw.Code)
	}
}

func TestHealthEndpointIsPublic(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer upstream.Close()
	gw := newTestGateway(t, upstream, 100)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rw := httptest.NewRecorder()
	gw.Mux().ServeHTTP(rw, req)

	if rw.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rw.Code)
	}
}

func TestHealthEndpointReportsRegisteredServices(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer upstream.Close()
	gw := newTestGateway(t, upstream, 100)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rw := httptest.NewRecorder()
	gw.Mux().ServeHTTP(rw, req)

	if !strings.Contains(rw.Body.String(), `"status":"ok"`) {
		t.Fatalf("body = %s, want status ok", rw.Body.String())
	}
	if !strings.Contains(rw.Body.String(), `"orders":[{`) {
		t.Fatalf("body = %s, want orders service summary", rw.Body.String())
	}
}

func TestRefreshEndpointIssuesNewTokenPair(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer upstream.Close()
	gw := newTestGateway(t, upstream, 100)

	refresh, err := gw.Auth.IssueRefreshToken("u1", "alice", []string{"admin"})
	if err != nil {
		t.Fatalf("IssueRefreshToken: %v", err)
	}

	req := httptest.NewRequest(http.MethodPost, "/auth/refresh", nil)
	req.Header.Set("Authorization", "Bearer "+refresh)
	rw := httptest.NewRecorder()
	gw.Mux().ServeHTTP(rw, req)

	if rw.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200, body=%s", rw.Code, rw.Body.String())
	}
	if !strings.Contains(rw.Body.String(), "access_token") || !strings.Contains(rw.Body.String(), "refresh_token") {
		t.Fatalf("body = %s, want access_token and refresh_token", rw.Body.String())
	}
}

func TestRefreshEndpointRejectsAccessToken(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer upstream.Close()
	gw := newTestGateway(t, upstream, 100)

	access := issueTestToken(t, gw)
	req := httptest.NewRequest(http.MethodPost, "/auth/refresh", nil)
	req.Header.Set("Authorization", "Bearer "+access)
	rw := httptest.NewRecorder()
	gw.Mux().ServeHTTP(rw, req)

	if rw.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403 for access token on refresh endpoint", rw.Code)
	}
}

func TestProxyHandlerRequiresAuthOnProtectedPath(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) }))
	defer upstream.Close()
	gw := newTestGateway(t, upstream, 100)

	req := httptest.NewRequest(http.MethodGet, "/api/orders/1", nil)
	rw := httptest.NewRecorder()
	gw.Mux().ServeHTTP(rw, req)

	if rw.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401 (no bearer token on protected path)", rw.Code)
	}
}

func TestCORSPreflightHandled(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer upstream.Close()
	gw := newTestGateway(t, upstream, 100)

	req := httptest.NewRequest(http.MethodOptions, "/api/orders", nil)
	rw := httptest.NewRecorder()
	gw.Mux().ServeHTTP(rw, req)

	if rw.Code != http.StatusNoContent {
		t.Fatalf("status = %d, want 204", rw.Code)
	}
	if rw.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Fatal("missing CORS header")
	}
}

func TestRateLimitDenyReturns429(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) }))
	defer upstream.Close()
	gw := newTestGateway(t, upstream, 1)

	req1 := httptest.NewRequest(http.MethodGet, "/api/orders/1", nil)
	req1.Header.Set("Authorization", "Bearer "+issueTestToken(t, gw))
	rw1 := httptest.NewRecorder()
	gw.Mux().ServeHTTP(rw1, req1)
	if rw1.Code != http.StatusOK {
		t.Fatalf("first request status = %d, want 200, body=%s", rw1.Code, rw1.Body.String())
	}

	req2 := httptest.NewRequest(http.MethodGet, "/api/orders/2", nil)
	req2.Header.Set("Authorization", "Bearer "+issueTestToken(t, gw))
	rw2 := httptest.NewRecorder()
	gw.Mux().ServeHTTP(rw2, req2)
	if rw2.Code != http.StatusTooManyRequests {
		t.Fatalf("second request status = %d, want 429", rw2.Code)
	}
	if !strings.Contains(rw2.Body.String(), "too_many_requests") {
		t.Fatalf("body = %s, want too_many_requests code", rw2.Body.String())
	}
}

func issueTestToken(t *testing.T, gw *Gateway) string {
	t.Helper()
	tok, err := gw.Auth.IssueAccessToken("u1", "alice", nil)
	if err != nil {
		t.Fatalf("IssueAccessToken: %v", err)
	}
	return tok
}

func TestNoRouteReturnsNotFoundCode(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer upstream.Close()
	gw := newTestGateway(t, upstream, 100)

	req := httptest.NewRequest(http.MethodGet, "/nope", nil)
	req.Header.Set("Authorization", "Bearer "+issueTestToken(t, gw))
	rw := httptest.NewRecorder()
	gw.Mux().ServeHTTP(rw, req)

	if rw.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rw.Code)
	}
	if !strings.Contains(rw.Body.String(), `"code":"not_found"`) {
		t.Fatalf("body = %s, want code=not_found", rw.Body.String())
	}
	if !strings.Contains(rw.Body.String(), `"status_code":404`) {
		t.Fatalf("body = %s, want status_code=404", rw.Body.String())
	}
}

func TestRateLimitHeadersOnAdmittedRequest(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) }))
	defer upstream.Close()
	gw := newTestGateway(t, upstream, 100)

	req := httptest.NewRequest(http.MethodGet, "/api/orders/1", nil)
	req.Header.Set("Authorization", "Bearer "+issueTestToken(t, gw))
	rw := httptest.NewRecorder()
	gw.Mux().ServeHTTP(rw, req)

	if rw.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rw.Code)
	}
	if rw.Header().Get("X-RateLimit-Limit") != "100" {
		t.Fatalf("X-RateLimit-Limit = %q, want 100", rw.Header().Get("X-RateLimit-Limit"))
	}
	if rw.Header().Get("X-RateLimit-Remaining") != "99" {
		t.Fatalf("X-RateLimit-Remaining = %q, want 99", rw.Header().Get("X-RateLimit-Remaining"))
	}
	if rw.Header().Get("X-RateLimit-Reset") == "" {
		t.Fatal("missing X-RateLimit-Reset header")
	}
}

func TestAdminStatusReportsSubsystems(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer upstream.Close()
	gw := newTestGateway(t, upstream, 100)

	adminTok, err := gw.Auth.IssueAccessToken("u3", "root", []string{"admin"})
	if err != nil {
		t.Fatalf("IssueAccessToken: %v", err)
	}
	req := httptest.NewRequest(http.MethodGet, "/admin/status", nil)
	req.Header.Set("Authorization", "Bearer "+adminTok)
	rw := httptest.NewRecorder()
	gw.Mux().ServeHTTP(rw, req)

	if rw.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200, body=%s", rw.Code, rw.Body.String())
	}
	for _, key := range []string{`"registry"`, `"rate_limit"`, `"breakers"`} {
		if !strings.Contains(rw.Body.String(), key) {
			t.Fatalf("body = %s, want %s section", rw.Body.String(), key)
		}
	}
}

func TestAdminRegisterRequiresAdminRole(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer upstream.Close()
	gw := newTestGateway(t, upstream, 100)

	body := strings.NewReader(`{"name":"orders","host":"10.0.0.5","port":9100}`)
	req := httptest.NewRequest(http.MethodPost, "/admin/services/register", body)
	rw := httptest.NewRecorder()
	gw.Mux().ServeHTTP(rw, req)
	if rw.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401 without token", rw.Code)
	}

	nonAdminTok, err := gw.Auth.IssueAccessToken("u2", "bob", []string{"viewer"})
	if err != nil {
		t.Fatalf("IssueAccessToken: %v", err)
	}
	req2 := httptest.NewRequest(http.MethodPost, "/admin/services/register", strings.NewReader(`{"name":"orders","host":"10.0.0.5","port":9100}`))
	req2.Header.Set("Authorization", "Bearer "+nonAdminTok)
	rw2 := httptest.NewRecorder()
	gw.Mux().ServeHTTP(rw2, req2)
	if rw2.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403 for non-admin role", rw2.Code)
	}

	adminTok, err := gw.Auth.IssueAccessToken("u3", "root", []string{"admin"})
	if err != nil {
		t.Fatalf("IssueAccessToken: %v", err)
	}
	req3 := httptest.NewRequest(http.MethodPost, "/admin/services/register", strings.NewReader(`{"name":"orders","host":"10.0.0.5","port":9100}`))
	req3.Header.Set("Authorization", "Bearer "+adminTok)
	rw3 := httptest.NewRecorder()
	gw.Mux().ServeHTTP(rw3, req3)
	if rw3.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 for admin role, body=%s", rw3.Code, rw3.Body.String())
	}
}
