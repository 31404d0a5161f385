package pipeline

import (
	"context"
	"log/slog"
	"net/http"
	"runtime/debug"
	"strconv"
	"time"

	gateway "github.com/wardengate/warden/internal"
	"github.com/wardengate/warden/internal/logging"
	"github.com/wardengate/warden/internal/telemetry"
)

// ErrorTrapStage converts downstream panics into a 500 envelope so one bad
// request never takes the process down. It sits outermost in the chain.
type ErrorTrapStage struct {
	Logger *slog.Logger
}

func (s *ErrorTrapStage) Name() string { return "error_trap" }

func (s *ErrorTrapStage) Process(r *http.Request, rc *RequestContext, next Handler) (resp *Response) {
	defer func() {
		if rec := recover(); rec != nil {
			s.Logger.LogAttrs(r.Context(), slog.LevelError, "panic in request pipeline",
				slog.String("correlation_id", rc.CorrelationID),
				slog.String("path", rc.Path),
				slog.Any("panic", rec),
				slog.String("stack", string(debug.Stack())),
			)
			resp = Envelope(http.StatusInternalServerError, gateway.CodeInternalError,
				"internal server error", rc.CorrelationID)
		}
	}()
	return next(r, rc)
}

// LoggingStage emits the request_received / request_completed pair and
// records the request metrics on unwind.
type LoggingStage struct {
	Logger   *slog.Logger
	Redactor *logging.Redactor
	Metrics  *telemetry.Metrics
}

func (s *LoggingStage) Name() string { return "logging" }

func (s *LoggingStage) Process(r *http.Request, rc *RequestContext, next Handler) *Response {
	s.Logger.LogAttrs(r.Context(), slog.LevelInfo, "request_received",
		slog.String("correlation_id", rc.CorrelationID),
		slog.String("method", rc.Method),
		slog.String("path", rc.Path),
		slog.String("client_ip", rc.ClientIP),
		slog.String("user_agent", rc.UserAgent),
		slog.Any("headers", s.Redactor.Headers(r.Header)),
	)

	if s.Metrics != nil {
		s.Metrics.ActiveRequests.Inc()
		defer s.Metrics.ActiveRequests.Dec()
	}

	resp := next(r, rc)

	elapsed := time.Since(rc.StartTime)
	s.logCompleted(r.Context(), rc, resp, elapsed)

	if s.Metrics != nil {
		route := rc.RouteID()
		if route == "" {
			route = "unmatched"
		}
		s.Metrics.RequestsTotal.WithLabelValues(rc.Method, route, strconv.Itoa(resp.Status)).Inc()
		s.Metrics.RequestDuration.WithLabelValues(rc.Method, route).Observe(elapsed.Seconds())
	}
	return resp
}

func (s *LoggingStage) logCompleted(ctx context.Context, rc *RequestContext, resp *Response, elapsed time.Duration) {
	attrs := []slog.Attr{
		slog.String("correlation_id", rc.CorrelationID),
		slog.String("method", rc.Method),
		slog.String("path", rc.Path),
		slog.Int("status", resp.Status),
		slog.Duration("duration", elapsed),
	}
	if id := rc.RouteID(); id != "" {
		attrs = append(attrs, slog.String("route", id))
	}
	if uid := rc.UserID(); uid != "" {
		attrs = append(attrs, slog.String("user_id", uid))
	}

	level := slog.LevelInfo
	if resp.Status >= 500 {
		level = slog.LevelError
	} else if resp.Status >= 400 {
		level = slog.LevelWarn
	}
	s.Logger.LogAttrs(ctx, level, "request_completed", attrs...)
}
