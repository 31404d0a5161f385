// Package proxy forwards matched requests to their route's upstream over a
// shared pooled HTTP client and materializes the upstream response for the
// pipeline. Redirects are never followed; upstream 3xx responses pass
// through to the caller.
package proxy

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/rs/dnscache"

	gateway "github.com/wardengate/warden/internal"
	"github.com/wardengate/warden/internal/pipeline"
	"github.com/wardengate/warden/internal/telemetry"
)

// NewClient builds the shared upstream client: cached DNS, bounded pool,
// no redirect following. The per-request deadline comes from context, not
// the client. The returned stop function ends the DNS refresh loop and
// closes idle connections; it is safe to call more than once.
func NewClient(connectTimeout time.Duration, poolSize int) (*http.Client, func()) {
	resolver := &dnscache.Resolver{}
	done := make(chan struct{})
	go func() {
		t := time.NewTicker(5 * time.Minute)
		defer t.Stop()
		for {
			select {
			case <-done:
				return
			case <-t.C:
				resolver.Refresh(true)
			}
		}
	}()

	dialer := &net.Dialer{Timeout: connectTimeout}
	transport := &http.Transport{
		DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			host, port, err := net.SplitHostPort(addr)
			if err != nil {
				return nil, err
			}
			ips, err := resolver.LookupHost(ctx, host)
			if err != nil {
				return nil, err
			}
			var lastErr error
			for _, ip := range ips {
				conn, err := dialer.DialContext(ctx, network, net.JoinHostPort(ip, port))
				if err == nil {
					return conn, nil
				}
				lastErr = err
			}
			return nil, lastErr
		},
		MaxIdleConns:        poolSize,
		MaxIdleConnsPerHost: poolSize,
		IdleConnTimeout:     90 * time.Second,
	}

	client := &http.Client{
		Transport: transport,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
	stop := sync.OnceFunc(func() {
		close(done)
		transport.CloseIdleConnections()
	})
	return client, stop
}

// Stage is the terminal pipeline stage: it never calls next.
type Stage struct {
	Client         *http.Client
	RequestTimeout time.Duration
	Logger         *slog.Logger
	Metrics        *telemetry.Metrics
}

func (s *Stage) Name() string { return "proxy" }

func (s *Stage) Process(r *http.Request, rc *pipeline.RequestContext, _ pipeline.Handler) *pipeline.Response {
	route := rc.Route.Route

	target, err := buildTarget(route.UpstreamURL, rc.Path, rc.Query)
	if err != nil {
		s.Logger.LogAttrs(r.Context(), slog.LevelError, "bad upstream url",
			slog.String("route", route.ID), slog.String("error", err.Error()))
		return pipeline.Envelope(http.StatusInternalServerError, gateway.CodeInternalError,
			"invalid upstream configuration", rc.CorrelationID)
	}

	timeout := s.RequestTimeout
	if route.Timeout > 0 && route.Timeout < timeout {
		timeout = route.Timeout
	}
	ctx, cancel := context.WithTimeout(r.Context(), timeout)
	defer cancel()

	body, err := io.ReadAll(r.Body)
	if err != nil {
		return pipeline.Envelope(http.StatusBadRequest, gateway.CodeValidationError,
			"unreadable request body", rc.CorrelationID)
	}

	req, err := http.NewRequestWithContext(ctx, rc.Method, target, bytes.NewReader(body))
	if err != nil {
		return pipeline.Envelope(http.StatusInternalServerError, gateway.CodeInternalError,
			"build upstream request failed", rc.CorrelationID)
	}
	s.forwardHeaders(r, rc, req)

	start := time.Now()
	upstream, err := s.Client.Do(req)
	elapsed := time.Since(start)
	if s.Metrics != nil {
		s.Metrics.UpstreamDuration.WithLabelValues(route.ID).Observe(elapsed.Seconds())
	}
	if err != nil {
		return s.classify(r.Context(), rc, route.ID, err)
	}
	defer upstream.Body.Close()

	respBody, err := io.ReadAll(upstream.Body)
	if err != nil {
		return s.classify(r.Context(), rc, route.ID, err)
	}

	resp := pipeline.NewResponse(upstream.StatusCode)
	copyHeaders(resp.Header, upstream.Header)
	resp.Body = respBody

	s.Logger.LogAttrs(r.Context(), slog.LevelDebug, "upstream responded",
		slog.String("correlation_id", rc.CorrelationID),
		slog.String("route", route.ID),
		slog.Int("status", upstream.StatusCode),
		slog.Duration("duration", elapsed),
	)
	return resp
}

// buildTarget joins the upstream base with the incoming path and carries the
// query string verbatim.
func buildTarget(upstreamURL, path, query string) (string, error) {
	base, err := url.Parse(upstreamURL)
	if err != nil {
		return "", err
	}
	target := strings.TrimRight(base.String(), "/") + path
	if query != "" {
		target += "?" + query
	}
	return target, nil
}

// forwardHeaders applies the proxy header discipline: strip hop-by-hop
// headers, append the client to X-Forwarded-For, and stamp the gateway's
// identity headers.
func (s *Stage) forwardHeaders(r *http.Request, rc *pipeline.RequestContext, req *http.Request) {
	copyHeaders(req.Header, r.Header)
	req.Header.Del("Host")

	if prior := r.Header.Get("X-Forwarded-For"); prior != "" {
		req.Header.Set("X-Forwarded-For", prior+", "+rc.ClientIP)
	} else {
		req.Header.Set("X-Forwarded-For", rc.ClientIP)
	}
	// A client- or edge-supplied proto wins; default to the upstream scheme.
	if req.Header.Get("X-Forwarded-Proto") == "" {
		req.Header.Set("X-Forwarded-Proto", req.URL.Scheme)
	}
	req.Header.Set("X-Request-ID", rc.CorrelationID)
	if uid := rc.UserID(); uid != "" {
		req.Header.Set("X-User-ID", uid)
	}
}

// hopByHop headers are connection-scoped and never forwarded either way.
var hopByHop = map[string]bool{
	"Connection":          true,
	"Keep-Alive":          true,
	"Proxy-Authenticate":  true,
	"Proxy-Authorization": true,
	"Te":                  true,
	"Trailer":             true,
	"Transfer-Encoding":   true,
	"Upgrade":             true,
}

func copyHeaders(dst, src http.Header) {
	dropped := map[string]bool{}
	for _, name := range src.Values("Connection") {
		for _, h := range strings.Split(name, ",") {
			dropped[http.CanonicalHeaderKey(strings.TrimSpace(h))] = true
		}
	}
	for name, values := range src {
		if hopByHop[http.CanonicalHeaderKey(name)] || dropped[http.CanonicalHeaderKey(name)] {
			continue
		}
		for _, v := range values {
			dst.Add(name, v)
		}
	}
}

// classify maps a transport error onto the gateway's 502/504 contract.
func (s *Stage) classify(ctx context.Context, rc *pipeline.RequestContext, routeID string, err error) *pipeline.Response {
	var (
		status int
		code   string
		kind   string
		msg    string
	)
	var netErr net.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		status, code, kind = http.StatusGatewayTimeout, gateway.CodeGatewayTimeout, "timeout"
		msg = "upstream timed out"
	case errors.As(err, &netErr) && netErr.Timeout():
		status, code, kind = http.StatusGatewayTimeout, gateway.CodeGatewayTimeout, "timeout"
		msg = "upstream timed out"
	case isConnectError(err):
		status, code, kind = http.StatusBadGateway, gateway.CodeBadGateway, "connect"
		msg = "upstream unreachable"
	default:
		status, code, kind = http.StatusBadGateway, gateway.CodeBadGateway, "transport"
		msg = "upstream request failed"
	}

	if s.Metrics != nil {
		s.Metrics.UpstreamErrors.WithLabelValues(routeID, kind).Inc()
	}
	s.Logger.LogAttrs(ctx, slog.LevelError, "upstream error",
		slog.String("correlation_id", rc.CorrelationID),
		slog.String("route", routeID),
		slog.String("kind", kind),
		slog.String("error", err.Error()),
	)
	return pipeline.Envelope(status, code, msg, rc.CorrelationID)
}

func isConnectError(err error) bool {
	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Op == "dial" {
		return true
	}
	var dnsErr *net.DNSError
	return errors.As(err, &dnsErr)
}
