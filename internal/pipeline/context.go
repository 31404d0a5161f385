package pipeline

import (
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	gateway "github.com/wardengate/warden/internal"
	"github.com/wardengate/warden/internal/router"
)

// RequestContext carries the mutable per-request state threaded through the
// stage chain. Stages read what earlier stages wrote; nothing here is shared
// across requests.
type RequestContext struct {
	Method        string
	Path          string
	Query         string
	ClientIP      string
	UserAgent     string
	CorrelationID string
	StartTime     time.Time

	// Route is set before the chain runs; nil never reaches the stages.
	Route *router.Match

	// Identity is set by the auth stage on success.
	Session *gateway.Session

	// RateLimit is the outcome of the first applicable rule, set by the
	// rate-limit stage. Nil when limiting is disabled or no rule applied.
	RateLimit     *gateway.RateLimitResult
	RateLimitRule string

	// Attributes is a grab-bag for stage-to-stage coordination.
	Attributes map[string]any
}

// NewRequestContext extracts the request facts every stage needs.
func NewRequestContext(r *http.Request, correlationHeader string) *RequestContext {
	return &RequestContext{
		Method:        r.Method,
		Path:          r.URL.Path,
		Query:         r.URL.RawQuery,
		ClientIP:      clientIP(r),
		UserAgent:     r.Header.Get("User-Agent"),
		CorrelationID: correlationID(r, correlationHeader),
		StartTime:     time.Now(),
		Attributes:    make(map[string]any),
	}
}

// UserID returns the authenticated user id, or "" before auth.
func (rc *RequestContext) UserID() string {
	if rc.Session == nil {
		return ""
	}
	return rc.Session.UserID
}

// RouteID returns the matched route id, or "" when unresolved.
func (rc *RequestContext) RouteID() string {
	if rc.Route == nil {
		return ""
	}
	return rc.Route.Route.ID
}

// clientIP prefers the first X-Forwarded-For hop, falling back to the
// transport peer address.
func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// correlationID honors a client-supplied id verbatim, otherwise mints
// "req-" plus 16 hex characters.
func correlationID(r *http.Request, header string) string {
	if id := r.Header.Get(header); id != "" {
		return id
	}
	raw := uuid.New()
	hexed := make([]byte, 0, 16)
	const digits = "0123456789abcdef"
	for _, b := range raw[:8] {
		hexed = append(hexed, digits[b>>4], digits[b&0x0f])
	}
	return "req-" + string(hexed)
}
