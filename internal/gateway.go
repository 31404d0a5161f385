// Package gateway defines domain types shared across the Warden API gateway.
// This package has no project imports -- it is the dependency root.
package gateway

import (
	"time"
)

// --- Routes ---

// Route is a single proxied route. Routes are immutable after config load.
type Route struct {
	ID           string        `json:"id"`
	PathPattern  string        `json:"path_pattern"`
	Methods      []string      `json:"methods"`
	UpstreamURL  string        `json:"upstream_url"`
	AuthRequired bool          `json:"auth_required"`
	AuthRoles    []string      `json:"auth_roles,omitempty"` // empty = any authenticated caller
	Timeout      time.Duration `json:"timeout"`
}

// AllowsMethod reports whether the route permits the given HTTP method.
func (r *Route) AllowsMethod(method string) bool {
	for _, m := range r.Methods {
		if m == method {
			return true
		}
	}
	return false
}

// --- Sessions ---

// Session is the persisted caller session. Opaque tokens are session ids;
// signed tokens carry a serialized session as their payload.
type Session struct {
	SessionID         string            `json:"session_id"`
	UserID            string            `json:"user_id"`
	Username          string            `json:"username"`
	CreatedAt         time.Time         `json:"created_at"`
	LastAccessedAt    time.Time         `json:"last_accessed_at"`
	ExpiresAt         time.Time         `json:"expires_at"`
	Revoked           bool              `json:"revoked"`
	Roles             []string          `json:"roles"`
	Permissions       []string          `json:"permissions"`
	IPAddress         string            `json:"ip_address,omitempty"`
	DeviceFingerprint string            `json:"device_fingerprint,omitempty"`
	Metadata          map[string]string `json:"metadata,omitempty"`
}

// Expired reports whether the session's expiry has passed at now.
func (s *Session) Expired(now time.Time) bool {
	return !now.Before(s.ExpiresAt)
}

// Valid reports whether the session is usable at now: not expired and not
// revoked in the record itself. The revocation index is a separate check
// owned by the session store.
func (s *Session) Valid(now time.Time) bool {
	return !s.Expired(now) && !s.Revoked
}

// HasAnyRole reports whether the session holds at least one of the given
// roles. An empty required set always passes.
func (s *Session) HasAnyRole(required []string) bool {
	if len(required) == 0 {
		return true
	}
	for _, want := range required {
		for _, have := range s.Roles {
			if have == want {
				return true
			}
		}
	}
	return false
}

// --- Rate limiting ---

// Rate limit key derivation strategies.
const (
	KeyTypeIP        = "ip"
	KeyTypeUser      = "user"
	KeyTypeRoute     = "route"
	KeyTypeComposite = "composite"
)

// Rate limit algorithms.
const (
	AlgorithmTokenBucket   = "token_bucket"
	AlgorithmFixedWindow   = "fixed_window"
	AlgorithmSlidingWindow = "sliding_window"
)

// Store failure policies.
const (
	FailOpen   = "open"
	FailClosed = "closed"
)

// RateLimitRule is an immutable rate-limiting rule from configuration.
type RateLimitRule struct {
	Name      string   `json:"name"`
	KeyType   string   `json:"key_type"`
	Algorithm string   `json:"algorithm"`
	Limit     int      `json:"limit"`
	Window    int      `json:"window"` // seconds
	Burst     int      `json:"burst,omitempty"`
	Routes    []string `json:"routes,omitempty"` // empty = applies to every route
}

// AppliesTo reports whether the rule covers the given route id.
func (r *RateLimitRule) AppliesTo(routeID string) bool {
	if len(r.Routes) == 0 {
		return true
	}
	for _, id := range r.Routes {
		if id == routeID {
			return true
		}
	}
	return false
}

// RateLimitResult is the outcome of evaluating one rule for one request.
type RateLimitResult struct {
	Allowed    bool
	Remaining  int
	Limit      int
	ResetAt    int64 // unix seconds
	RetryAfter int   // seconds; meaningful only when denied
}
