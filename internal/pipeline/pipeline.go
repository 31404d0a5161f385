// Package pipeline runs every proxied request through an ordered stage
// chain: error trap, request logging, authentication, rate limiting, proxy.
// Route resolution happens before the chain so 404/405 short-circuit without
// touching auth or the limiter.
package pipeline

import (
	"context"
	"net/http"
	"strconv"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	gateway "github.com/wardengate/warden/internal"
	"github.com/wardengate/warden/internal/router"
	"github.com/wardengate/warden/internal/telemetry"
)

// Response is the materialized gateway response a stage returns. Stages
// build responses in memory; the pipeline writes exactly one to the wire.
type Response struct {
	Status int
	Header http.Header
	Body   []byte
}

// NewResponse returns an empty response with the given status.
func NewResponse(status int) *Response {
	return &Response{Status: status, Header: make(http.Header)}
}

// Handler produces a response for a request within the chain.
type Handler func(r *http.Request, rc *RequestContext) *Response

// Stage is one link in the chain. A stage either returns its own response
// (short-circuit) or delegates to next and may decorate the result on the
// way back out.
type Stage interface {
	Name() string
	Process(r *http.Request, rc *RequestContext, next Handler) *Response
}

// Chain composes stages around a terminal handler, first stage outermost.
func Chain(terminal Handler, stages ...Stage) Handler {
	h := terminal
	for i := len(stages) - 1; i >= 0; i-- {
		stage := stages[i]
		inner := h
		h = func(r *http.Request, rc *RequestContext) *Response {
			return stage.Process(r, rc, inner)
		}
	}
	return h
}

// Pipeline is the gateway's catch-all HTTP handler.
type Pipeline struct {
	router            *router.Router
	handler           Handler
	correlationHeader string
	tracingEnabled    bool
}

// New assembles a pipeline over the route table. Stage order is the caller's
// responsibility; the error trap should come first.
func New(rt *router.Router, correlationHeader string, tracingEnabled bool, stages ...Stage) *Pipeline {
	terminal := func(r *http.Request, rc *RequestContext) *Response {
		// Reached only if no stage produced a response; the proxy stage
		// is expected to be terminal in practice.
		return Envelope(http.StatusInternalServerError, gateway.CodeInternalError,
			"no stage produced a response", rc.CorrelationID)
	}
	return &Pipeline{
		router:            rt,
		handler:           Chain(terminal, stages...),
		correlationHeader: correlationHeader,
		tracingEnabled:    tracingEnabled,
	}
}

// ServeHTTP resolves the route, runs the chain, and writes the response.
// The correlation id header is stamped on every response including 404/405.
func (p *Pipeline) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	rc := NewRequestContext(r, p.correlationHeader)

	var span trace.Span
	if p.tracingEnabled {
		var ctx context.Context
		ctx, span = telemetry.Tracer("pipeline").Start(r.Context(), r.Method+" "+r.URL.Path,
			trace.WithAttributes(
				attribute.String("http.method", r.Method),
				attribute.String("http.target", r.URL.Path),
				attribute.String("correlation_id", rc.CorrelationID),
			))
		defer span.End()
		r = r.WithContext(ctx)
	}

	resp := p.resolve(r, rc)
	if span != nil {
		span.SetAttributes(
			attribute.String("route.id", rc.RouteID()),
			attribute.Int("http.status_code", resp.Status),
		)
	}
	p.write(w, rc, resp)
}

// resolve maps the request to a route and runs the chain, or returns the
// 404/405 envelope when no route fits.
func (p *Pipeline) resolve(r *http.Request, rc *RequestContext) *Response {
	match := p.router.Match(r.URL.Path, r.Method)
	if match != nil {
		rc.Route = match
		return p.handler(r, rc)
	}

	if allowed := p.router.AllowedMethods(r.URL.Path); len(allowed) > 0 {
		resp := Envelope(http.StatusMethodNotAllowed, gateway.CodeMethodNotAllowed,
			"method "+r.Method+" not allowed", rc.CorrelationID)
		resp.Header.Set("Allow", strings.Join(allowed, ", "))
		return resp
	}
	return Envelope(http.StatusNotFound, gateway.CodeNotFound,
		"no route matches "+r.URL.Path, rc.CorrelationID)
}

func (p *Pipeline) write(w http.ResponseWriter, rc *RequestContext, resp *Response) {
	for name, values := range resp.Header {
		for _, v := range values {
			w.Header().Add(name, v)
		}
	}
	w.Header().Set(p.correlationHeader, rc.CorrelationID)
	if len(resp.Body) > 0 && w.Header().Get("Content-Length") == "" {
		w.Header().Set("Content-Length", strconv.Itoa(len(resp.Body)))
	}
	w.WriteHeader(resp.Status)
	if len(resp.Body) > 0 {
		w.Write(resp.Body)
	}
}
