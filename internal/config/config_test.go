package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	gateway "github.com/wardengate/warden/internal"
)

const sampleConfig = `
environment: production
server:
  host: 127.0.0.1
  port: 9090
logging:
  level: DEBUG
  format: text
session:
  cookie_name: wt
  session_store_url: memory://
  token_signing_secret: ${WARDEN_TEST_SECRET}
  token_ttl: 1800
rate_limiting:
  enabled: true
  store_url: memory://
  fail_mode: closed
  rules:
    - name: per-user
      key_type: user
      algorithm: token_bucket
      limit: 100
      window: 60
      burst: 20
routes:
  - id: users
    path_pattern: /api/users/{id}
    methods: [get, POST]
    upstream_url: http://users.internal:8000
    timeout: 10
  - id: public
    path_pattern: /api/public
    methods: [GET]
    upstream_url: http://public.internal:8000
    auth_required: false
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoad_FullConfig(t *testing.T) {
	t.Setenv("WARDEN_TEST_SECRET", "s3cret")

	cfg, err := Load(writeConfig(t, sampleConfig))
	if err != nil {
		t.Fatal(err)
	}

	if cfg.Environment != "production" {
		t.Errorf("environment = %q, want production", cfg.Environment)
	}
	if got := cfg.Server.Addr(); got != "127.0.0.1:9090" {
		t.Errorf("addr = %q, want 127.0.0.1:9090", got)
	}
	if cfg.Session.TokenSigningSecret != "s3cret" {
		t.Errorf("secret = %q, want env-expanded value", cfg.Session.TokenSigningSecret)
	}
	if cfg.RateLimiting.FailMode != gateway.FailClosed {
		t.Errorf("fail_mode = %q, want closed", cfg.RateLimiting.FailMode)
	}

	// Defaults survive partial sections.
	if cfg.Logging.CorrelationIDHeader != "X-Request-ID" {
		t.Errorf("correlation header = %q, want default", cfg.Logging.CorrelationIDHeader)
	}
	if cfg.Upstream.RequestTimeout != 30 {
		t.Errorf("upstream request_timeout = %d, want default 30", cfg.Upstream.RequestTimeout)
	}
}

func TestLoad_MissingEnvVarLeftVerbatim(t *testing.T) {
	os.Unsetenv("WARDEN_TEST_SECRET")
	cfg, err := Load(writeConfig(t, sampleConfig))
	if err != nil {
		t.Fatal(err)
	}
	if got := cfg.Session.TokenSigningSecret; got != "${WARDEN_TEST_SECRET}" {
		t.Errorf("secret = %q, want unexpanded placeholder", got)
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("WARDEN_TEST_SECRET", "x")
	t.Setenv("GATEWAY_SERVER_PORT", "7070")
	t.Setenv("GATEWAY_LOG_LEVEL", "ERROR")
	t.Setenv("GATEWAY_RATELIMIT_ENABLED", "false")

	cfg, err := Load(writeConfig(t, sampleConfig))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Server.Port != 7070 {
		t.Errorf("port = %d, want override 7070", cfg.Server.Port)
	}
	if cfg.Logging.Level != "ERROR" {
		t.Errorf("level = %q, want override ERROR", cfg.Logging.Level)
	}
	if cfg.RateLimiting.Enabled {
		t.Error("rate limiting should be disabled by override")
	}
}

func TestGatewayRoutes_Conversion(t *testing.T) {
	t.Setenv("WARDEN_TEST_SECRET", "x")
	cfg, err := Load(writeConfig(t, sampleConfig))
	if err != nil {
		t.Fatal(err)
	}

	routes := cfg.GatewayRoutes()
	if len(routes) != 2 {
		t.Fatalf("routes = %d, want 2", len(routes))
	}

	users := routes[0]
	if !users.AuthRequired {
		t.Error("auth_required should default to true")
	}
	if users.Methods[0] != "GET" {
		t.Errorf("method = %q, want uppercased GET", users.Methods[0])
	}
	if users.Timeout != 10*time.Second {
		t.Errorf("timeout = %v, want 10s", users.Timeout)
	}

	if routes[1].AuthRequired {
		t.Error("explicit auth_required: false must stick")
	}
}

func TestValidate_Rejections(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"bad port", func(c *Config) { c.Server.Port = 0 }},
		{"bad level", func(c *Config) { c.Logging.Level = "LOUD" }},
		{"bad format", func(c *Config) { c.Logging.Format = "xml" }},
		{"short ttl", func(c *Config) { c.Session.TokenTTL = 10 }},
		{"bad fail mode", func(c *Config) { c.RateLimiting.FailMode = "maybe" }},
		{"tls without files", func(c *Config) { c.Server.TLSEnabled = true }},
		{"rule bad algorithm", func(c *Config) {
			c.RateLimiting.Rules = []RuleConfig{{Name: "r", KeyType: "ip", Algorithm: "leaky_bucket", Limit: 1, Window: 1}}
		}},
		{"rule zero limit", func(c *Config) {
			c.RateLimiting.Rules = []RuleConfig{{Name: "r", KeyType: "ip", Algorithm: "token_bucket", Limit: 0, Window: 1}}
		}},
		{"duplicate rule", func(c *Config) {
			r := RuleConfig{Name: "r", KeyType: "ip", Algorithm: "token_bucket", Limit: 1, Window: 1}
			c.RateLimiting.Rules = []RuleConfig{r, r}
		}},
		{"duplicate route", func(c *Config) {
			r := RouteConfig{ID: "a", PathPattern: "/a", Methods: []string{"GET"}, UpstreamURL: "http://u:1"}
			c.Routes = []RouteConfig{r, r}
		}},
		{"route no methods", func(c *Config) {
			c.Routes = []RouteConfig{{ID: "a", PathPattern: "/a", UpstreamURL: "http://u:1"}}
		}},
		{"route bad upstream", func(c *Config) {
			c.Routes = []RouteConfig{{ID: "a", PathPattern: "/a", Methods: []string{"GET"}, UpstreamURL: "not a url"}}
		}},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			t.Parallel()
			cfg := defaults()
			c.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Errorf("Validate accepted %s", c.name)
			}
		})
	}
}

func TestValidate_DefaultsAreValid(t *testing.T) {
	t.Parallel()
	if err := defaults().Validate(); err != nil {
		t.Errorf("defaults should validate: %v", err)
	}
}
