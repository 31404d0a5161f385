// Package config handles YAML configuration loading with environment
// variable expansion, GATEWAY_* overrides, and explicit validation.
package config

import (
	"fmt"
	"net/url"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"go.yaml.in/yaml/v3"

	gateway "github.com/wardengate/warden/internal"
)

// Config is the top-level gateway configuration.
type Config struct {
	Environment  string             `yaml:"environment"`
	Server       ServerConfig       `yaml:"server"`
	Routes       []RouteConfig      `yaml:"routes"`
	Logging      LoggingConfig      `yaml:"logging"`
	Session      SessionConfig      `yaml:"session"`
	RateLimiting RateLimitingConfig `yaml:"rate_limiting"`
	Upstream     UpstreamConfig     `yaml:"upstream"`
	Telemetry    TelemetryConfig    `yaml:"telemetry"`
}

// ServerConfig holds HTTP listener settings. Timeouts are in seconds.
type ServerConfig struct {
	Host              string `yaml:"host"`
	Port              int    `yaml:"port"`
	TLSEnabled        bool   `yaml:"tls_enabled"`
	TLSCertPath       string `yaml:"tls_cert_path"`
	TLSKeyPath        string `yaml:"tls_key_path"`
	ConnectionTimeout int    `yaml:"connection_timeout"`
	KeepaliveTimeout  int    `yaml:"keepalive_timeout"`
	MaxConnections    int    `yaml:"max_connections"`
	ShutdownTimeout   int    `yaml:"shutdown_timeout"`
}

// Addr returns the host:port bind address.
func (s ServerConfig) Addr() string {
	return s.Host + ":" + strconv.Itoa(s.Port)
}

// RouteConfig is a route definition in the config file.
type RouteConfig struct {
	ID           string   `yaml:"id"`
	PathPattern  string   `yaml:"path_pattern"`
	Methods      []string `yaml:"methods"`
	UpstreamURL  string   `yaml:"upstream_url"`
	AuthRequired *bool    `yaml:"auth_required"` // nil defaults to true
	AuthRoles    []string `yaml:"auth_roles"`
	Timeout      int      `yaml:"timeout"` // seconds
}

// LoggingConfig holds log emission settings.
type LoggingConfig struct {
	Level               string   `yaml:"level"`
	Format              string   `yaml:"format"`
	Output              string   `yaml:"output"`
	CorrelationIDHeader string   `yaml:"correlation_id_header"`
	RedactHeaders       []string `yaml:"redact_headers"`
}

// SessionConfig holds authentication settings. A non-empty signing secret
// switches the gateway to signed-token mode.
type SessionConfig struct {
	CookieName         string `yaml:"cookie_name"`
	StoreURL           string `yaml:"session_store_url"`
	TokenSigningSecret string `yaml:"token_signing_secret"`
	TokenTTL           int    `yaml:"token_ttl"` // seconds
	RefreshEnabled     bool   `yaml:"refresh_enabled"`
	RefreshThreshold   int    `yaml:"refresh_threshold"` // seconds
}

// RateLimitingConfig holds the limiter settings and rules.
type RateLimitingConfig struct {
	Enabled  bool         `yaml:"enabled"`
	StoreURL string       `yaml:"store_url"`
	FailMode string       `yaml:"fail_mode"`
	Rules    []RuleConfig `yaml:"rules"`
}

// RuleConfig is a rate-limiting rule in the config file.
type RuleConfig struct {
	Name      string   `yaml:"name"`
	KeyType   string   `yaml:"key_type"`
	Algorithm string   `yaml:"algorithm"`
	Limit     int      `yaml:"limit"`
	Window    int      `yaml:"window"` // seconds
	Burst     int      `yaml:"burst"`
	Routes    []string `yaml:"routes"`
}

// UpstreamConfig holds proxy client settings. Timeouts are in seconds.
// The retry fields are parsed for compatibility but never exercised: the
// proxy performs exactly one attempt.
type UpstreamConfig struct {
	ConnectionTimeout int  `yaml:"connection_timeout"`
	RequestTimeout    int  `yaml:"request_timeout"`
	PoolSize          int  `yaml:"pool_size"`
	RetryEnabled      bool `yaml:"retry_enabled"`
	RetryAttempts     int  `yaml:"retry_attempts"`
}

// TelemetryConfig holds observability settings.
type TelemetryConfig struct {
	Metrics MetricsConfig `yaml:"metrics"`
	Tracing TracingConfig `yaml:"tracing"`
}

// MetricsConfig controls Prometheus metrics.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
}

// TracingConfig controls OpenTelemetry tracing.
type TracingConfig struct {
	Enabled    bool    `yaml:"enabled"`
	Endpoint   string  `yaml:"endpoint"`    // OTLP gRPC endpoint
	SampleRate float64 `yaml:"sample_rate"` // 0.0 to 1.0
}

// GatewayRoutes converts the route entries to domain routes, applying the
// auth-required default and converting timeouts to durations.
func (c *Config) GatewayRoutes() []gateway.Route {
	routes := make([]gateway.Route, 0, len(c.Routes))
	for _, rc := range c.Routes {
		methods := make([]string, len(rc.Methods))
		for i, m := range rc.Methods {
			methods[i] = strings.ToUpper(m)
		}
		routes = append(routes, gateway.Route{
			ID:           rc.ID,
			PathPattern:  rc.PathPattern,
			Methods:      methods,
			UpstreamURL:  rc.UpstreamURL,
			AuthRequired: rc.AuthRequired == nil || *rc.AuthRequired,
			AuthRoles:    rc.AuthRoles,
			Timeout:      time.Duration(rc.Timeout) * time.Second,
		})
	}
	return routes
}

// GatewayRules converts rule entries to domain rules.
func (c *Config) GatewayRules() []gateway.RateLimitRule {
	rules := make([]gateway.RateLimitRule, 0, len(c.RateLimiting.Rules))
	for _, rc := range c.RateLimiting.Rules {
		rules = append(rules, gateway.RateLimitRule{
			Name:      rc.Name,
			KeyType:   rc.KeyType,
			Algorithm: rc.Algorithm,
			Limit:     rc.Limit,
			Window:    rc.Window,
			Burst:     rc.Burst,
			Routes:    rc.Routes,
		})
	}
	return rules
}

var envPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnv replaces ${VAR} patterns with environment variable values.
func expandEnv(data []byte) []byte {
	return envPattern.ReplaceAllFunc(data, func(match []byte) []byte {
		varName := string(match[2 : len(match)-1])
		if val, ok := os.LookupEnv(varName); ok {
			return []byte(val)
		}
		return match
	})
}

// defaults returns a Config populated with every default value.
func defaults() *Config {
	return &Config{
		Environment: "development",
		Server: ServerConfig{
			Host:              "0.0.0.0",
			Port:              8080,
			ConnectionTimeout: 60,
			KeepaliveTimeout:  75,
			MaxConnections:    1000,
			ShutdownTimeout:   30,
		},
		Logging: LoggingConfig{
			Level:               "INFO",
			Format:              "json",
			Output:              "stdout",
			CorrelationIDHeader: "X-Request-ID",
			RedactHeaders:       []string{"Authorization", "Cookie", "Set-Cookie"},
		},
		Session: SessionConfig{
			CookieName:       "session_token",
			StoreURL:         "redis://localhost:6379/0",
			TokenTTL:         3600,
			RefreshEnabled:   true,
			RefreshThreshold: 300,
		},
		RateLimiting: RateLimitingConfig{
			Enabled:  true,
			StoreURL: "redis://localhost:6379/1",
			FailMode: gateway.FailOpen,
		},
		Upstream: UpstreamConfig{
			ConnectionTimeout: 5,
			RequestTimeout:    30,
			PoolSize:          100,
			RetryAttempts:     2,
		},
		Telemetry: TelemetryConfig{
			Metrics: MetricsConfig{Enabled: true},
			Tracing: TracingConfig{SampleRate: 0.1},
		},
	}
}

// Load reads and parses a YAML config file, expanding ${VAR} references,
// applying GATEWAY_* environment overrides, and validating the result.
func Load(path string) (*Config, error) {
	cfg := defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		data = expandEnv(data)
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnvOverrides applies GATEWAY_<SECTION>_<KEY> environment variables
// on top of file values.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("GATEWAY_ENV"); v != "" {
		cfg.Environment = v
	}
	if v := os.Getenv("GATEWAY_SERVER_HOST"); v != "" {
		cfg.Server.Host = v
	}
	if v := os.Getenv("GATEWAY_SERVER_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("GATEWAY_SERVER_TLS_ENABLED"); v != "" {
		cfg.Server.TLSEnabled = strings.EqualFold(v, "true")
	}
	if v := os.Getenv("GATEWAY_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("GATEWAY_LOG_FORMAT"); v != "" {
		cfg.Logging.Format = v
	}
	if v := os.Getenv("GATEWAY_SESSION_STORE_URL"); v != "" {
		cfg.Session.StoreURL = v
	}
	if v := os.Getenv("GATEWAY_TOKEN_SIGNING_SECRET"); v != "" {
		cfg.Session.TokenSigningSecret = v
	}
	if v := os.Getenv("GATEWAY_RATELIMIT_STORE_URL"); v != "" {
		cfg.RateLimiting.StoreURL = v
	}
	if v := os.Getenv("GATEWAY_RATELIMIT_ENABLED"); v != "" {
		cfg.RateLimiting.Enabled = strings.EqualFold(v, "true")
	}
}

var (
	validLevels     = map[string]bool{"DEBUG": true, "INFO": true, "WARNING": true, "ERROR": true, "CRITICAL": true}
	validFormats    = map[string]bool{"json": true, "text": true}
	validFailModes  = map[string]bool{gateway.FailOpen: true, gateway.FailClosed: true}
	validKeyTypes   = map[string]bool{gateway.KeyTypeIP: true, gateway.KeyTypeUser: true, gateway.KeyTypeRoute: true, gateway.KeyTypeComposite: true}
	validAlgorithms = map[string]bool{gateway.AlgorithmTokenBucket: true, gateway.AlgorithmFixedWindow: true, gateway.AlgorithmSlidingWindow: true}
)

// Validate applies the per-field checks a schema would: bounds, enum
// membership, file existence, and uniqueness.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range 1-65535", c.Server.Port)
	}
	if c.Server.TLSEnabled {
		for _, p := range []string{c.Server.TLSCertPath, c.Server.TLSKeyPath} {
			if p == "" {
				return fmt.Errorf("server.tls_cert_path and server.tls_key_path are required when tls_enabled")
			}
			if _, err := os.Stat(p); err != nil {
				return fmt.Errorf("TLS file not found: %s", p)
			}
		}
	}

	if !validLevels[strings.ToUpper(c.Logging.Level)] {
		return fmt.Errorf("invalid logging.level %q", c.Logging.Level)
	}
	if !validFormats[c.Logging.Format] {
		return fmt.Errorf("invalid logging.format %q", c.Logging.Format)
	}

	if c.Session.TokenTTL < 60 {
		return fmt.Errorf("session.token_ttl %d below minimum of 60s", c.Session.TokenTTL)
	}
	if c.Session.RefreshThreshold < 0 {
		return fmt.Errorf("session.refresh_threshold must not be negative")
	}

	if !validFailModes[c.RateLimiting.FailMode] {
		return fmt.Errorf("invalid rate_limiting.fail_mode %q", c.RateLimiting.FailMode)
	}

	seenRules := make(map[string]bool)
	for _, r := range c.RateLimiting.Rules {
		if r.Name == "" {
			return fmt.Errorf("rate limit rule missing name")
		}
		if seenRules[r.Name] {
			return fmt.Errorf("duplicate rate limit rule %q", r.Name)
		}
		seenRules[r.Name] = true
		if !validKeyTypes[r.KeyType] {
			return fmt.Errorf("rule %q: invalid key_type %q", r.Name, r.KeyType)
		}
		if !validAlgorithms[r.Algorithm] {
			return fmt.Errorf("rule %q: invalid algorithm %q", r.Name, r.Algorithm)
		}
		if r.Limit < 1 {
			return fmt.Errorf("rule %q: limit must be at least 1", r.Name)
		}
		if r.Window < 1 {
			return fmt.Errorf("rule %q: window must be at least 1 second", r.Name)
		}
		if r.Burst < 0 {
			return fmt.Errorf("rule %q: burst must not be negative", r.Name)
		}
	}

	seenRoutes := make(map[string]bool)
	for _, r := range c.Routes {
		if r.ID == "" {
			return fmt.Errorf("route missing id")
		}
		if seenRoutes[r.ID] {
			return fmt.Errorf("duplicate route id %q", r.ID)
		}
		seenRoutes[r.ID] = true
		if r.PathPattern == "" {
			return fmt.Errorf("route %s: missing path_pattern", r.ID)
		}
		if len(r.Methods) == 0 {
			return fmt.Errorf("route %s: at least one method required", r.ID)
		}
		u, err := url.Parse(r.UpstreamURL)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("route %s: invalid upstream_url %q", r.ID, r.UpstreamURL)
		}
		if r.Timeout < 0 {
			return fmt.Errorf("route %s: timeout must not be negative", r.ID)
		}
	}

	if c.Upstream.ConnectionTimeout < 1 || c.Upstream.RequestTimeout < 1 {
		return fmt.Errorf("upstream timeouts must be at least 1 second")
	}
	if c.Upstream.PoolSize < 1 {
		return fmt.Errorf("upstream.pool_size must be at least 1")
	}
	return nil
}
