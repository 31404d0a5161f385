package server

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/tidwall/gjson"

	gateway "github.com/wardengate/warden/internal"
	"github.com/wardengate/warden/internal/auth"
	"github.com/wardengate/warden/internal/config"
	"github.com/wardengate/warden/internal/logging"
	"github.com/wardengate/warden/internal/pipeline"
	"github.com/wardengate/warden/internal/proxy"
	"github.com/wardengate/warden/internal/ratelimit"
	"github.com/wardengate/warden/internal/router"
	"github.com/wardengate/warden/internal/session"
	"github.com/wardengate/warden/internal/store"
	"github.com/wardengate/warden/internal/testutil"
)

// fullStack wires every stage over in-memory stores against a live upstream,
// exercising the request path the way the binary assembles it.
type fullStack struct {
	server   *Server
	sessions *session.Store
	upstream *httptest.Server
}

func newFullStack(t *testing.T, rules []gateway.RateLimitRule) *fullStack {
	t.Helper()

	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/slow" {
			time.Sleep(time.Second)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"from":"upstream"}`))
	}))
	t.Cleanup(upstream.Close)

	kv := store.NewMemory()
	sessions, err := session.NewStore(kv)
	if err != nil {
		t.Fatal(err)
	}

	routes := []gateway.Route{
		{ID: "things", PathPattern: "/api/things", Methods: []string{"GET", "POST"}, UpstreamURL: upstream.URL, AuthRequired: true},
		{ID: "admin", PathPattern: "/api/admin", Methods: []string{"GET"}, UpstreamURL: upstream.URL, AuthRequired: true, AuthRoles: []string{"admin"}},
		{ID: "public", PathPattern: "/api/public", Methods: []string{"GET"}, UpstreamURL: upstream.URL},
		{ID: "slow", PathPattern: "/api/slow", Methods: []string{"GET"}, UpstreamURL: upstream.URL, Timeout: 100 * time.Millisecond},
	}
	rt, err := router.New(routes)
	if err != nil {
		t.Fatal(err)
	}

	logger := slog.New(slog.DiscardHandler)
	upstreamClient, stopClient := proxy.NewClient(2*time.Second, 10)
	t.Cleanup(stopClient)
	stages := []pipeline.Stage{
		&pipeline.ErrorTrapStage{Logger: logger},
		&pipeline.LoggingStage{Logger: logger, Redactor: logging.NewRedactor(nil)},
		&auth.Stage{
			Sessions:         sessions,
			CookieName:       "session_token",
			RefreshEnabled:   true,
			RefreshThreshold: 5 * time.Minute,
			TokenTTL:         time.Hour,
			Logger:           logger,
		},
		&ratelimit.Stage{
			Rules:    rules,
			Limiter:  ratelimit.NewLimiter(kv),
			Store:    kv,
			FailMode: gateway.FailOpen,
			Logger:   logger,
		},
		&proxy.Stage{
			Client:         upstreamClient,
			RequestTimeout: 30 * time.Second,
			Logger:         logger,
		},
	}
	pipe := pipeline.New(rt, "X-Request-ID", false, stages...)

	cfg, err := config.Load("")
	if err != nil {
		t.Fatal(err)
	}
	srv := New(cfg, "test", pipe, kv, kv, prometheus.NewRegistry(), logger)
	return &fullStack{server: srv, sessions: sessions, upstream: upstream}
}

func (f *fullStack) do(r *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	f.server.httpSrv.Handler.ServeHTTP(w, r)
	return w
}

func (f *fullStack) login(t *testing.T, roles ...string) *gateway.Session {
	t.Helper()
	sess := testutil.NewSession("u1", roles...)
	if err := f.sessions.Create(context.Background(), sess); err != nil {
		t.Fatal(err)
	}
	return sess
}

func authed(method, path string, sess *gateway.Session) *http.Request {
	r := httptest.NewRequest(method, path, nil)
	r.AddCookie(&http.Cookie{Name: "session_token", Value: sess.SessionID})
	return r
}

func TestGateway_UnauthenticatedRejected(t *testing.T) {
	t.Parallel()
	f := newFullStack(t, nil)

	w := f.do(httptest.NewRequest("GET", "/api/things", nil))
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", w.Code)
	}
	if got := gjson.Get(w.Body.String(), "error").String(); got != "invalid_token" {
		t.Errorf("error = %q, want invalid_token", got)
	}
	if w.Header().Get("X-Request-ID") == "" {
		t.Error("correlation header missing")
	}
}

func TestGateway_AuthenticatedProxy(t *testing.T) {
	t.Parallel()
	f := newFullStack(t, nil)
	sess := f.login(t)

	w := f.do(authed("GET", "/api/things", sess))
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if got := gjson.Get(w.Body.String(), "from").String(); got != "upstream" {
		t.Errorf("body = %q, want upstream passthrough", w.Body.String())
	}
}

func TestGateway_PublicRouteSkipsAuth(t *testing.T) {
	t.Parallel()
	f := newFullStack(t, nil)

	w := f.do(httptest.NewRequest("GET", "/api/public", nil))
	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want 200 without credentials", w.Code)
	}
}

func TestGateway_RoleForbidden(t *testing.T) {
	t.Parallel()
	f := newFullStack(t, nil)
	sess := f.login(t, "viewer")

	w := f.do(authed("GET", "/api/admin", sess))
	if w.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", w.Code)
	}
	if got := gjson.Get(w.Body.String(), "error").String(); got != "forbidden" {
		t.Errorf("error = %q, want forbidden", got)
	}
}

func TestGateway_RateLimitDenies(t *testing.T) {
	t.Parallel()
	f := newFullStack(t, []gateway.RateLimitRule{{
		Name: "burst", KeyType: gateway.KeyTypeUser,
		Algorithm: gateway.AlgorithmTokenBucket,
		Limit:     60, Window: 60, Burst: 2,
	}})
	sess := f.login(t)

	for i := range 2 {
		if w := f.do(authed("GET", "/api/things", sess)); w.Code != http.StatusOK {
			t.Fatalf("request %d status = %d, want 200", i+1, w.Code)
		}
	}

	w := f.do(authed("GET", "/api/things", sess))
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", w.Code)
	}
	if w.Header().Get("Retry-After") == "" {
		t.Error("Retry-After missing")
	}
	if got := gjson.Get(w.Body.String(), "error").String(); got != "rate_limit_exceeded" {
		t.Errorf("error = %q, want rate_limit_exceeded", got)
	}
}

func TestGateway_UpstreamTimeout(t *testing.T) {
	t.Parallel()
	f := newFullStack(t, nil)
	sess := f.login(t)

	w := f.do(authed("GET", "/api/slow", sess))
	if w.Code != http.StatusGatewayTimeout {
		t.Fatalf("status = %d, want 504", w.Code)
	}
	if got := gjson.Get(w.Body.String(), "error").String(); got != "gateway_timeout" {
		t.Errorf("error = %q, want gateway_timeout", got)
	}
}

func TestGateway_MethodNotAllowed(t *testing.T) {
	t.Parallel()
	f := newFullStack(t, nil)

	w := f.do(httptest.NewRequest("DELETE", "/api/things", nil))
	if w.Code != http.StatusMethodNotAllowed {
		t.Fatalf("status = %d, want 405", w.Code)
	}
	if got := w.Header().Get("Allow"); got != "GET, POST" {
		t.Errorf("Allow = %q, want %q", got, "GET, POST")
	}
}

func TestGateway_RevocationTakesEffect(t *testing.T) {
	t.Parallel()
	f := newFullStack(t, nil)
	sess := f.login(t)

	if w := f.do(authed("GET", "/api/things", sess)); w.Code != http.StatusOK {
		t.Fatalf("pre-revocation status = %d, want 200", w.Code)
	}
	if err := f.sessions.Revoke(context.Background(), sess.SessionID); err != nil {
		t.Fatal(err)
	}
	if w := f.do(authed("GET", "/api/things", sess)); w.Code != http.StatusUnauthorized {
		t.Errorf("post-revocation status = %d, want 401", w.Code)
	}
}
