package ratelimit

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	gateway "github.com/wardengate/warden/internal"
	"github.com/wardengate/warden/internal/pipeline"
	"github.com/wardengate/warden/internal/store"
	"github.com/wardengate/warden/internal/telemetry"
)

// Stage evaluates every applicable rule in configuration order and denies
// on the first exhausted one. The first applicable rule's outcome drives the
// X-RateLimit-* headers, which ride on every response including denials.
type Stage struct {
	Rules    []gateway.RateLimitRule
	Limiter  *Limiter
	Store    store.RateLimitStore
	FailMode string
	Logger   *slog.Logger
	Metrics  *telemetry.Metrics
}

func (s *Stage) Name() string { return "rate_limit" }

const failClosedRetryAfter = 60

func (s *Stage) Process(r *http.Request, rc *pipeline.RequestContext, next pipeline.Handler) *pipeline.Response {
	now := time.Now()
	routeID := rc.RouteID()

	for i := range s.Rules {
		rule := &s.Rules[i]
		if !rule.AppliesTo(routeID) {
			continue
		}

		key := Key(rule, rc)
		result := s.evaluate(r, rc, rule, key, now)

		if rc.RateLimit == nil {
			rc.RateLimit = result
			rc.RateLimitRule = rule.Name
		}

		if !result.Allowed {
			if s.Metrics != nil {
				s.Metrics.RateLimitRejects.WithLabelValues(rule.Name, rule.KeyType).Inc()
			}
			s.Logger.LogAttrs(r.Context(), slog.LevelWarn, "rate limit exceeded",
				slog.String("correlation_id", rc.CorrelationID),
				slog.String("rule", rule.Name),
				slog.String("key", key),
				slog.Int("retry_after", result.RetryAfter),
			)
			resp := pipeline.Envelope(http.StatusTooManyRequests, gateway.CodeRateLimitExceeded,
				"rate limit exceeded", rc.CorrelationID)
			resp.Header.Set("Retry-After", strconv.Itoa(result.RetryAfter))
			setHeaders(resp, result)
			return resp
		}
	}

	resp := next(r, rc)
	if rc.RateLimit != nil {
		setHeaders(resp, rc.RateLimit)
	}
	return resp
}

// evaluate runs one rule, resolving store failures by the fail-mode policy.
func (s *Stage) evaluate(r *http.Request, rc *pipeline.RequestContext, rule *gateway.RateLimitRule, key string, now time.Time) *gateway.RateLimitResult {
	if !s.Store.Healthy(r.Context()) {
		return s.failModeResult(r, rc, rule, "store unhealthy")
	}
	result, err := s.Limiter.Check(r.Context(), rule, key, now)
	if err != nil {
		return s.failModeResult(r, rc, rule, err.Error())
	}
	return result
}

func (s *Stage) failModeResult(r *http.Request, rc *pipeline.RequestContext, rule *gateway.RateLimitRule, cause string) *gateway.RateLimitResult {
	if s.Metrics != nil {
		s.Metrics.RateLimitStoreFailures.Inc()
	}
	s.Logger.LogAttrs(r.Context(), slog.LevelError, "rate limit store failure",
		slog.String("correlation_id", rc.CorrelationID),
		slog.String("rule", rule.Name),
		slog.String("fail_mode", s.FailMode),
		slog.String("cause", cause),
	)

	if s.FailMode == gateway.FailClosed {
		return &gateway.RateLimitResult{
			Allowed:    false,
			Remaining:  0,
			Limit:      rule.Limit,
			RetryAfter: failClosedRetryAfter,
		}
	}
	return &gateway.RateLimitResult{
		Allowed:   true,
		Remaining: rule.Limit,
		Limit:     rule.Limit,
	}
}

func setHeaders(resp *pipeline.Response, result *gateway.RateLimitResult) {
	resp.Header.Set("X-RateLimit-Limit", strconv.Itoa(result.Limit))
	resp.Header.Set("X-RateLimit-Remaining", strconv.Itoa(result.Remaining))
	resp.Header.Set("X-RateLimit-Reset", strconv.FormatInt(result.ResetAt, 10))
}
