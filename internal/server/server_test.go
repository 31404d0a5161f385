package server

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/tidwall/gjson"

	"github.com/wardengate/warden/internal/config"
)

type pinger struct{ err error }

func (p pinger) Ping(context.Context) error { return p.err }

func echoPipeline() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
		io.WriteString(w, "pipeline")
	})
}

func testServer(t *testing.T, sessionPing, limitPing error) *Server {
	t.Helper()
	cfg, err := config.Load("")
	if err != nil {
		t.Fatal(err)
	}
	cfg.Environment = "test"
	return New(cfg, "1.2.3", echoPipeline(),
		pinger{sessionPing}, pinger{limitPing},
		prometheus.NewRegistry(), slog.New(slog.DiscardHandler))
}

func TestServer_Health(t *testing.T) {
	t.Parallel()
	s := testServer(t, nil, nil)

	w := httptest.NewRecorder()
	s.httpSrv.Handler.ServeHTTP(w, httptest.NewRequest("GET", "/health", nil))

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	body := w.Body.String()
	if got := gjson.Get(body, "status").String(); got != "healthy" {
		t.Errorf("status = %q, want healthy", got)
	}
	if got := gjson.Get(body, "environment").String(); got != "test" {
		t.Errorf("environment = %q, want test", got)
	}
	if got := gjson.Get(body, "version").String(); got != "1.2.3" {
		t.Errorf("version = %q, want 1.2.3", got)
	}
}

func TestServer_Liveness(t *testing.T) {
	t.Parallel()
	s := testServer(t, nil, nil)

	w := httptest.NewRecorder()
	s.httpSrv.Handler.ServeHTTP(w, httptest.NewRequest("GET", "/health/live", nil))

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if got := gjson.Get(w.Body.String(), "status").String(); got != "alive" {
		t.Errorf("status = %q, want alive", got)
	}
}

func TestServer_ReadinessReflectsStores(t *testing.T) {
	t.Parallel()
	ready := testServer(t, nil, nil)
	w := httptest.NewRecorder()
	ready.httpSrv.Handler.ServeHTTP(w, httptest.NewRequest("GET", "/health/ready", nil))
	if w.Code != http.StatusOK {
		t.Errorf("ready status = %d, want 200", w.Code)
	}

	broken := testServer(t, nil, errors.New("refused"))
	w = httptest.NewRecorder()
	broken.httpSrv.Handler.ServeHTTP(w, httptest.NewRequest("GET", "/health/ready", nil))
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("not-ready status = %d, want 503", w.Code)
	}
	if got := gjson.Get(w.Body.String(), "reason").String(); got != "ratelimit_store unreachable" {
		t.Errorf("reason = %q, want ratelimit_store unreachable", got)
	}
}

func TestServer_MetricsEndpoint(t *testing.T) {
	t.Parallel()
	s := testServer(t, nil, nil)

	w := httptest.NewRecorder()
	s.httpSrv.Handler.ServeHTTP(w, httptest.NewRequest("GET", "/metrics", nil))
	if w.Code != http.StatusOK {
		t.Errorf("metrics status = %d, want 200", w.Code)
	}
}

func TestServer_PipelineCatchAll(t *testing.T) {
	t.Parallel()
	s := testServer(t, nil, nil)

	for _, req := range []*http.Request{
		httptest.NewRequest("GET", "/api/anything", nil),
		httptest.NewRequest("POST", "/health", nil), // wrong method on an operator path
	} {
		w := httptest.NewRecorder()
		s.httpSrv.Handler.ServeHTTP(w, req)
		if w.Code != http.StatusTeapot {
			t.Errorf("%s %s status = %d, want pipeline's 418", req.Method, req.URL.Path, w.Code)
		}
	}
}

func TestServer_BodyLimit(t *testing.T) {
	t.Parallel()
	var readErr error
	sink := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, readErr = io.Copy(io.Discard, r.Body)
		w.WriteHeader(http.StatusOK)
	})

	handler := limitBody(sink)
	w := httptest.NewRecorder()
	big := make([]byte, maxBodyBytes+1)
	r := httptest.NewRequest("POST", "/api/things", bytes.NewReader(big))
	handler.ServeHTTP(w, r)

	if readErr == nil {
		t.Error("oversized body should fail to read")
	}
}
