package ratelimit

import (
	gateway "github.com/wardengate/warden/internal"
	"github.com/wardengate/warden/internal/pipeline"
)

// Key derives the limiter key for a rule and request. The rule name is
// always the final segment: two rules over the same subject must never
// share bucket or window state. User-keyed rules fall back to the client
// IP for unauthenticated requests so anonymous traffic is still limited.
func Key(rule *gateway.RateLimitRule, rc *pipeline.RequestContext) string {
	var base string
	switch rule.KeyType {
	case gateway.KeyTypeUser:
		base = subjectKey(rc)
	case gateway.KeyTypeRoute:
		base = "route:" + routeOrUnknown(rc)
	case gateway.KeyTypeComposite:
		base = subjectKey(rc) + ":route:" + routeOrUnknown(rc)
	default: // gateway.KeyTypeIP
		base = "ip:" + rc.ClientIP
	}
	return base + ":" + rule.Name
}

func subjectKey(rc *pipeline.RequestContext) string {
	if uid := rc.UserID(); uid != "" {
		return "user:" + uid
	}
	return "ip:" + rc.ClientIP
}

func routeOrUnknown(rc *pipeline.RequestContext) string {
	if id := rc.RouteID(); id != "" {
		return id
	}
	return "unknown"
}
