// Package server hosts the gateway: the operator surface (health, metrics)
// on a chi mux with the proxy pipeline as the catch-all for everything else.
package server

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/wardengate/warden/internal/config"
)

// maxBodyBytes caps buffered request bodies before they reach the pipeline.
const maxBodyBytes = 10 << 20

// Pinger reports state-store connectivity for the readiness probe.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Server is the gateway's HTTP front end.
type Server struct {
	httpSrv     *http.Server
	cfg         config.ServerConfig
	environment string
	version     string
	logger      *slog.Logger
}

// New assembles the mux and listener. sessionStore and limitStore back the
// readiness probe; registry may be nil to disable /metrics.
func New(cfg *config.Config, version string, pipeline http.Handler,
	sessionStore, limitStore Pinger, registry *prometheus.Registry, logger *slog.Logger) *Server {

	s := &Server{
		cfg:         cfg.Server,
		environment: cfg.Environment,
		version:     version,
		logger:      logger,
	}

	r := chi.NewRouter()
	r.Get("/health", s.handleHealth)
	r.Get("/health/live", s.handleLive)
	r.Get("/health/ready", s.handleReady(sessionStore, limitStore))
	if registry != nil {
		r.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	}

	catchAll := func(w http.ResponseWriter, req *http.Request) {
		pipeline.ServeHTTP(w, req)
	}
	r.NotFound(catchAll)
	r.MethodNotAllowed(catchAll)

	handler := limitBody(r)

	s.httpSrv = &http.Server{
		Addr:         cfg.Server.Addr(),
		Handler:      handler,
		ReadTimeout:  time.Duration(cfg.Server.ConnectionTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.ConnectionTimeout) * time.Second,
		IdleTimeout:  time.Duration(cfg.Server.KeepaliveTimeout) * time.Second,
	}
	if cfg.Server.TLSEnabled {
		s.httpSrv.TLSConfig = tlsConfig()
	}
	return s
}

// ListenAndServe blocks serving requests until Shutdown or a listener error.
func (s *Server) ListenAndServe() error {
	s.logger.LogAttrs(context.Background(), slog.LevelInfo, "listening",
		slog.String("addr", s.cfg.Addr()),
		slog.Bool("tls", s.cfg.TLSEnabled),
		slog.String("environment", s.environment),
	)
	if s.cfg.TLSEnabled {
		return s.httpSrv.ListenAndServeTLS(s.cfg.TLSCertPath, s.cfg.TLSKeyPath)
	}
	return s.httpSrv.ListenAndServe()
}

// Shutdown drains in-flight requests until ctx expires.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpSrv.Shutdown(ctx)
}

func limitBody(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Body != nil {
			r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
		}
		next.ServeHTTP(w, r)
	})
}

func tlsConfig() *tls.Config {
	return &tls.Config{
		MinVersion: tls.VersionTLS12,
		CipherSuites: []uint16{
			tls.TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256,
			tls.TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384,
			tls.TLS_ECDHE_ECDSA_WITH_CHACHA20_POLY1305,
			tls.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256,
			tls.TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384,
			tls.TLS_ECDHE_RSA_WITH_CHACHA20_POLY1305,
		},
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":      "healthy",
		"environment": s.environment,
		"version":     s.version,
	})
}

func (s *Server) handleLive(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "alive"})
}

// handleReady reports ready only when both state stores answer a ping.
func (s *Server) handleReady(sessionStore, limitStore Pinger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		checks := []struct {
			name string
			p    Pinger
		}{
			{"session_store", sessionStore},
			{"ratelimit_store", limitStore},
		}
		for _, c := range checks {
			if c.p == nil {
				continue
			}
			if err := c.p.Ping(ctx); err != nil {
				writeJSON(w, http.StatusServiceUnavailable, map[string]string{
					"status": "not_ready",
					"reason": c.name + " unreachable",
				})
				return
			}
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		slog.Warn("write health response failed", "error", err)
	}
}
