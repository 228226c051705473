package config

import "testing"

func TestFromEnvDefaults(t *testing.T) {
	cfg := FromEnv()
	if cfg.Host != "0.0.0.0" || cfg.Port != "8080" {
		t.Fatalf("got host=%s port=%s", cfg.Host, cfg.Port)
	}
	if cfg.RateLimit.DefaultLimit != 100 {
		t.Fatalf("DefaultLimit = %d, want 100", cfg.RateLimit.DefaultLimit)
	}
	if cfg.LoadBalancer.Algorithm != "round_robin" {
		t.Fatalf("Algorithm = %s", cfg.LoadBalancer.Algorithm)
	}
	if len(cfg.Services) != 0 {
		t.Fatalf("Services = %+v, want none without GATEWAY_SERVICES", cfg.Services)
	}
}

func TestFromEnvParsesServices(t *testing.T) {
	t.Setenv("GATEWAY_SERVICES", "orders, user-profile")
	t.Setenv("SERVICE_ORDERS_PREFIX", "/api/v1/orders")
	t.Setenv("SERVICE_ORDERS_INSTANCES", "10.0.0.1:9001:2;10.0.0.2:9001")
	t.Setenv("SERVICE_USER_PROFILE_PREFIX", "/api/v1/profile")

	cfg := FromEnv()
	if len(cfg.Services) != 2 {
		t.Fatalf("got %d services, want 2: %+v", len(cfg.Services), cfg.Services)
	}

	orders := cfg.Services[0]
	if orders.Name != "orders" || orders.Prefix != "/api/v1/orders" {
		t.Fatalf("orders = %+v", orders)
	}
	if len(orders.Instances) != 2 {
		t.Fatalf("got %d instances, want 2: %+v", len(orders.Instances), orders.Instances)
	}
	if orders.Instances[0].Host != "10.0.0.1" || orders.Instances[0].Port != 9001 || orders.Instances[0].Weight != 2 {
		t.Fatalf("instance[0] = %+v", orders.Instances[0])
	}
	if orders.Instances[1].Weight != 1 {
		t.Fatalf("instance[1] weight = %d, want default 1", orders.Instances[1].Weight)
	}

	profile := cfg.Services[1]
	if profile.Name != "user-profile" || profile.Prefix != "/api/v1/profile" {
		t.Fatalf("profile = %+v", profile)
	}
	if len(profile.Instances) != 0 {
		t.Fatalf("profile instances = %+v, want none", profile.Instances)
	}
}

func TestValidateRejectsBadRateLimitStore(t *testing.T) {
	cfg := FromEnv()
	cfg.RateLimit.Store = "bogus"
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for invalid RATE_LIMIT_STORE")
	}
}

func TestValidateRejectsUnknownAlgorithm(t *testing.T) {
	cfg := FromEnv()
	cfg.LoadBalancer.Algorithm = "bogus"
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for unknown LB_ALGORITHM")
	}
}
