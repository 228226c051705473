// Package config loads gateway configuration from the environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

type AuthConfig struct {
	JWTSecret          string
	JWTAlgorithm       string
	AccessTTLSeconds   int
	RefreshTTLSeconds  int
	PublicPaths        []string
	PublicPathPrefixes []string
}

type RateLimitConfig struct {
	Enabled        bool
	DefaultLimit   int
	WindowSeconds  int
	BurstLimit     int // read but not applied; the limiter uses a single window
	Store          string // memory | shared
}

type LoadBalancerConfig struct {
	Algorithm              string // round_robin | weighted | least_connections
	HealthCheckEnabled     bool
	CircuitThreshold       int
	CircuitCooldownSeconds int
	CircuitMaxCooldownSeconds int
	HalfOpenMax            int
}

type RegistryConfig struct {
	StoreURL                string
	InstanceTTLSeconds      int
	HeartbeatIntervalSeconds int
}

type MetricsConfig struct {
	SlowRequestThresholdSeconds float64
	RingBufferSize              int
	PersistStream                bool
}

type ServiceConfig struct {
	Name      string
	Prefix    string
	Instances []InstanceSeed
}

type InstanceSeed struct {
	Host   string
	Port   int
	Weight int
}

type GatewayConfig struct {
	Host  string
	Port  string
	Debug bool

	Auth          AuthConfig
	RateLimit     RateLimitConfig
	LoadBalancer  LoadBalancerConfig
	Registry      RegistryConfig
	Metrics       MetricsConfig
	RequestTimeoutSeconds int

	Services []ServiceConfig
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseFloat(v, 64); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		return strings.EqualFold(v, "true") || v == "1"
	}
	return fallback
}

// servicesFromEnv parses per-service entries, flattened to env-var form
// since there is no nested structure in the environment:
// GATEWAY_SERVICES lists logical service names (comma-separated); each
// name's prefix comes from SERVICE_<NAME>_PREFIX and its seed instances
// from SERVICE_<NAME>_INSTANCES as a semicolon-separated
// "host:port[:weight]" list. An unset SERVICE_<NAME>_PREFIX defaults the
// route prefix to "/api/<name>"; an unset SERVICE_<NAME>_INSTANCES leaves
// the service with no seed instances, and callers may still register
// instances at runtime via the admin API.
func servicesFromEnv() []ServiceConfig {
	raw := getEnv("GATEWAY_SERVICES", "")
	if raw == "" {
		return nil
	}
	var services []ServiceConfig
	for _, name := range strings.Split(raw, ",") {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		upper := strings.ToUpper(strings.NewReplacer("-", "_", ".", "_").Replace(name))
		svc := ServiceConfig{
			Name:   name,
			Prefix: getEnv("SERVICE_"+upper+"_PREFIX", "/api/"+name),
		}
		if raw := getEnv("SERVICE_"+upper+"_INSTANCES", ""); raw != "" {
			for _, entry := range strings.Split(raw, ";") {
				entry = strings.TrimSpace(entry)
				if entry == "" {
					continue
				}
				svc.Instances = append(svc.Instances, parseInstanceSeed(entry))
			}
		}
		services = append(services, svc)
	}
	return services
}

// parseInstanceSeed parses one "host:port" or "host:port:weight" entry.
func parseInstanceSeed(entry string) InstanceSeed {
	parts := strings.Split(entry, ":")
	seed := InstanceSeed{Weight: 1}
	if len(parts) > 0 {
		seed.Host = parts[0]
	}
	if len(parts) > 1 {
		if p, err := strconv.Atoi(parts[1]); err == nil {
			seed.Port = p
		}
	}
	if len(parts) > 2 {
		if w, err := strconv.Atoi(parts[2]); err == nil && w > 0 {
			seed.Weight = w
		}
	}
	return seed
}

// FromEnv builds a GatewayConfig from the process environment, defaulting
// anything unset. Per-service entries (services.<name>.prefix / .instances)
// are read from GATEWAY_SERVICES plus per-name SERVICE_<NAME>_PREFIX /
// SERVICE_<NAME>_INSTANCES, since the environment has no native nesting.
func FromEnv() GatewayConfig {
	return GatewayConfig{
		Host:  getEnv("GATEWAY_HOST", "0.0.0.0"),
		Port:  getEnv("GATEWAY_PORT", "8080"),
		Debug: getEnvBool("GATEWAY_DEBUG", false),

		Auth: AuthConfig{
			JWTSecret:         getEnv("JWT_SECRET", "dev-secret-change-me"),
			JWTAlgorithm:      getEnv("JWT_ALGORITHM", "HS256"),
			AccessTTLSeconds:  getEnvInt("JWT_ACCESS_TTL_SECONDS", 30*60),
			RefreshTTLSeconds: getEnvInt("JWT_REFRESH_TTL_SECONDS", 7*24*60*60),
			PublicPaths:       []string{"/health", "/metrics", "/events", "/auth/refresh"},
			PublicPathPrefixes: []string{"/docs", "/api/auth", "/api/login"},
		},

		RateLimit: RateLimitConfig{
			Enabled:       getEnvBool("RATE_LIMIT_ENABLED", true),
			DefaultLimit:  getEnvInt("RATE_LIMIT_DEFAULT_LIMIT", 100),
			WindowSeconds: getEnvInt("RATE_LIMIT_WINDOW_SECONDS", 60),
			BurstLimit:    getEnvInt("RATE_LIMIT_BURST_LIMIT", 200),
			Store:         getEnv("RATE_LIMIT_STORE", "memory"),
		},

		LoadBalancer: LoadBalancerConfig{
			Algorithm:                 getEnv("LB_ALGORITHM", "round_robin"),
			HealthCheckEnabled:        getEnvBool("LB_HEALTHCHECK_ENABLED", true),
			CircuitThreshold:          getEnvInt("CIRCUIT_THRESHOLD", 5),
			CircuitCooldownSeconds:    getEnvInt("CIRCUIT_COOLDOWN_SECONDS", 60),
			CircuitMaxCooldownSeconds: getEnvInt("CIRCUIT_MAX_COOLDOWN_SECONDS", 300),
			HalfOpenMax:               getEnvInt("CIRCUIT_HALF_OPEN_MAX", 1),
		},

		Registry: RegistryConfig{
			StoreURL:                 getEnv("REGISTRY_STORE_URL", ""),
			InstanceTTLSeconds:       getEnvInt("REGISTRY_INSTANCE_TTL_SECONDS", 30),
			HeartbeatIntervalSeconds: getEnvInt("REGISTRY_HEARTBEAT_INTERVAL_SECONDS", 10),
		},

		Metrics: MetricsConfig{
			SlowRequestThresholdSeconds: getEnvFloat("SLOW_REQUEST_THRESHOLD_SECONDS", 1.0),
			RingBufferSize:              getEnvInt("METRICS_RING_BUFFER_SIZE", 1000),
			PersistStream:               getEnvBool("METRICS_PERSIST_STREAM", false),
		},

		RequestTimeoutSeconds: getEnvInt("REQUEST_TIMEOUT_SECONDS", 30),

		Services: servicesFromEnv(),
	}
}

// Validate performs a handful of startup sanity checks so misconfiguration
// fails loudly instead of producing confusing runtime errors.
func (c GatewayConfig) Validate() error {
	if c.Auth.JWTSecret == "" {
		return fmt.Errorf("config: JWT_SECRET must not be empty")
	}
	if c.RateLimit.DefaultLimit <= 0 {
		return fmt.Errorf("config: RATE_LIMIT_DEFAULT_LIMIT must be positive")
	}
	if c.RateLimit.Store != "memory" && c.RateLimit.Store != "shared" {
		return fmt.Errorf("config: RATE_LIMIT_STORE must be 'memory' or 'shared', got %q", c.RateLimit.Store)
	}
	switch c.LoadBalancer.Algorithm {
	case "round_robin", "weighted", "least_connections":
	default:
		return fmt.Errorf("config: unknown LB_ALGORITHM %q", c.LoadBalancer.Algorithm)
	}
	return nil
}
