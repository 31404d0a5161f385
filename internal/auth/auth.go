// Package auth implements the authentication stage: credential extraction,
// opaque and signed token validation, role authorization, and sliding
// session refresh.
package auth

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	gateway "github.com/wardengate/warden/internal"
	"github.com/wardengate/warden/internal/pipeline"
	"github.com/wardengate/warden/internal/session"
	"github.com/wardengate/warden/internal/telemetry"
	"github.com/wardengate/warden/internal/token"
)

// Stage authenticates requests on routes that require it. A non-empty
// SigningSecret switches validation from opaque session lookup to signed
// token verification; the two modes never mix.
type Stage struct {
	Sessions         *session.Store
	SigningSecret    string
	CookieName       string
	RefreshEnabled   bool
	RefreshThreshold time.Duration
	TokenTTL         time.Duration
	Logger           *slog.Logger
	Metrics          *telemetry.Metrics
}

func (s *Stage) Name() string { return "auth" }

func (s *Stage) Process(r *http.Request, rc *pipeline.RequestContext, next pipeline.Handler) *pipeline.Response {
	route := rc.Route.Route
	if !route.AuthRequired {
		return next(r, rc)
	}

	cred, ok := s.extract(r)
	if !ok {
		return s.unauthorized(rc, "missing credentials")
	}

	var (
		sess   *gateway.Session
		reason string
	)
	if s.SigningSecret != "" {
		sess, reason = s.validateSigned(r, cred)
	} else {
		sess, reason = s.validateOpaque(r, cred)
	}
	if sess == nil {
		return s.unauthorized(rc, reason)
	}

	if !sess.HasAnyRole(route.AuthRoles) {
		if s.Metrics != nil {
			s.Metrics.AuthAttempts.WithLabelValues("forbidden").Inc()
		}
		return pipeline.Envelope(http.StatusForbidden, gateway.CodeForbidden,
			"insufficient role", rc.CorrelationID)
	}

	rc.Session = sess
	if s.Metrics != nil {
		s.Metrics.AuthAttempts.WithLabelValues("success").Inc()
	}

	resp := next(r, rc)
	s.refresh(r, rc, resp)
	return resp
}

// extract pulls the credential from the session cookie, falling back to a
// Bearer authorization header. The cookie wins when both are present.
func (s *Stage) extract(r *http.Request) (string, bool) {
	if c, err := r.Cookie(s.CookieName); err == nil && c.Value != "" {
		return c.Value, true
	}
	auth := r.Header.Get("Authorization")
	if rest, found := strings.CutPrefix(auth, "Bearer "); found {
		rest = strings.TrimSpace(rest)
		if rest != "" {
			return rest, true
		}
	}
	return "", false
}

// validateOpaque treats the credential as a session id. Store failures deny:
// authentication never fails open.
func (s *Stage) validateOpaque(r *http.Request, id string) (*gateway.Session, string) {
	sess, err := s.Sessions.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, gateway.ErrNotFound) {
			return nil, "unknown or expired session"
		}
		s.Logger.LogAttrs(r.Context(), slog.LevelError, "session lookup failed",
			slog.String("error", err.Error()))
		return nil, "session store unavailable"
	}

	revoked, err := s.Sessions.IsRevoked(r.Context(), id)
	if err != nil {
		s.Logger.LogAttrs(r.Context(), slog.LevelError, "revocation check failed",
			slog.String("session_id", id), slog.String("error", err.Error()))
		return nil, "session store unavailable"
	}
	if revoked || sess.Revoked {
		return nil, "session revoked"
	}
	return sess, ""
}

// validateSigned verifies the HMAC token. The store is consulted only for
// the revocation index, so signed tokens keep working through store
// outages; a failed revocation check still denies.
func (s *Stage) validateSigned(r *http.Request, tok string) (*gateway.Session, string) {
	now := time.Now()
	claims, err := token.Verify(tok, s.SigningSecret, now)
	if err != nil {
		return nil, "invalid token: " + err.Error()
	}

	if claims.SessionID != "" {
		revoked, err := s.Sessions.IsRevoked(r.Context(), claims.SessionID)
		if err != nil {
			s.Logger.LogAttrs(r.Context(), slog.LevelError, "revocation check failed",
				slog.String("session_id", claims.SessionID), slog.String("error", err.Error()))
			return nil, "session store unavailable"
		}
		if revoked {
			return nil, "session revoked"
		}
	}
	return claims.Session(now), ""
}

// refresh extends the session when it is close to expiry, at most once per
// request, after the downstream response exists. Opaque sessions are
// rewritten in the store; signed sessions get a re-issued token. Either way
// the fresh credential rides back on a cookie.
func (s *Stage) refresh(r *http.Request, rc *pipeline.RequestContext, resp *pipeline.Response) {
	if !s.RefreshEnabled || rc.Session == nil || resp == nil {
		return
	}
	now := time.Now()
	if rc.Session.ExpiresAt.Sub(now) >= s.RefreshThreshold {
		return
	}

	sess := *rc.Session
	sess.ExpiresAt = now.Add(s.TokenTTL)
	sess.LastAccessedAt = now

	cookieValue := sess.SessionID
	if s.SigningSecret != "" {
		signed, err := token.Sign(token.FromSession(&sess), s.SigningSecret)
		if err != nil {
			s.Logger.LogAttrs(r.Context(), slog.LevelWarn, "token re-issue failed",
				slog.String("session_id", sess.SessionID), slog.String("error", err.Error()))
			return
		}
		cookieValue = signed
	} else {
		if err := s.Sessions.Update(r.Context(), &sess); err != nil {
			s.Logger.LogAttrs(r.Context(), slog.LevelWarn, "session refresh failed",
				slog.String("session_id", sess.SessionID), slog.String("error", err.Error()))
			return
		}
	}

	cookie := &http.Cookie{
		Name:     s.CookieName,
		Value:    cookieValue,
		Path:     "/",
		MaxAge:   int(s.TokenTTL / time.Second),
		HttpOnly: true,
		Secure:   true,
		SameSite: http.SameSiteLaxMode,
	}
	resp.Header.Add("Set-Cookie", cookie.String())
	*rc.Session = sess

	if s.Metrics != nil {
		s.Metrics.TokenRefreshes.Inc()
	}
	s.Logger.LogAttrs(r.Context(), slog.LevelDebug, "session refreshed",
		slog.String("session_id", sess.SessionID),
		slog.String("expires_at", sess.ExpiresAt.Format(time.RFC3339)),
		slog.String("ttl", strconv.Itoa(int(s.TokenTTL/time.Second))),
	)
}

func (s *Stage) unauthorized(rc *pipeline.RequestContext, reason string) *pipeline.Response {
	if s.Metrics != nil {
		s.Metrics.AuthAttempts.WithLabelValues("failure").Inc()
	}
	s.Logger.LogAttrs(context.Background(), slog.LevelWarn, "authentication failed",
		slog.String("correlation_id", rc.CorrelationID),
		slog.String("path", rc.Path),
		slog.String("reason", reason),
	)
	resp := pipeline.Envelope(http.StatusUnauthorized, gateway.CodeInvalidToken,
		"authentication required", rc.CorrelationID)
	resp.Header.Set("WWW-Authenticate", "Bearer")
	return resp
}
