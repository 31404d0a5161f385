package main

import (
	"context"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	"github.com/wardengate/warden/internal/auth"
	"github.com/wardengate/warden/internal/config"
	"github.com/wardengate/warden/internal/logging"
	"github.com/wardengate/warden/internal/pipeline"
	"github.com/wardengate/warden/internal/proxy"
	"github.com/wardengate/warden/internal/ratelimit"
	"github.com/wardengate/warden/internal/router"
	"github.com/wardengate/warden/internal/server"
	"github.com/wardengate/warden/internal/session"
	"github.com/wardengate/warden/internal/store"
	"github.com/wardengate/warden/internal/telemetry"
)

const janitorInterval = time.Minute

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	logger := logging.Setup(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.Output)
	logger.LogAttrs(context.Background(), slog.LevelInfo, "starting warden",
		slog.String("version", version),
		slog.String("environment", cfg.Environment),
		slog.Int("routes", len(cfg.Routes)),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Telemetry.
	var (
		registry *prometheus.Registry
		metrics  *telemetry.Metrics
	)
	if cfg.Telemetry.Metrics.Enabled {
		registry = prometheus.NewRegistry()
		registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		metrics = telemetry.NewMetrics(registry)
	}
	if cfg.Telemetry.Tracing.Enabled {
		shutdown, err := telemetry.SetupTracing(ctx, telemetry.TracingOptions{
			Endpoint:    cfg.Telemetry.Tracing.Endpoint,
			SampleRate:  cfg.Telemetry.Tracing.SampleRate,
			Version:     version,
			Environment: cfg.Environment,
		})
		if err != nil {
			return fmt.Errorf("setup tracing: %w", err)
		}
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := shutdown(sctx); err != nil {
				logger.Warn("tracing shutdown failed", "error", err)
			}
		}()
	}

	// State stores connect before the listener comes up: a gateway that
	// cannot answer auth questions should not accept traffic.
	sessionKV, err := store.Open(ctx, cfg.Session.StoreURL)
	if err != nil {
		return fmt.Errorf("open session store: %w", err)
	}
	defer sessionKV.Close()

	limitKV := sessionKV
	if cfg.RateLimiting.StoreURL != cfg.Session.StoreURL {
		limitKV, err = store.Open(ctx, cfg.RateLimiting.StoreURL)
		if err != nil {
			return fmt.Errorf("open rate limit store: %w", err)
		}
		defer limitKV.Close()
	}

	sessions, err := session.NewStore(sessionKV)
	if err != nil {
		return err
	}

	rt, err := router.New(cfg.GatewayRoutes())
	if err != nil {
		return fmt.Errorf("compile routes: %w", err)
	}

	stages := []pipeline.Stage{
		&pipeline.ErrorTrapStage{Logger: logger},
		&pipeline.LoggingStage{
			Logger:   logger,
			Redactor: logging.NewRedactor(cfg.Logging.RedactHeaders),
			Metrics:  metrics,
		},
		&auth.Stage{
			Sessions:         sessions,
			SigningSecret:    cfg.Session.TokenSigningSecret,
			CookieName:       cfg.Session.CookieName,
			RefreshEnabled:   cfg.Session.RefreshEnabled,
			RefreshThreshold: time.Duration(cfg.Session.RefreshThreshold) * time.Second,
			TokenTTL:         time.Duration(cfg.Session.TokenTTL) * time.Second,
			Logger:           logger,
			Metrics:          metrics,
		},
	}
	if cfg.RateLimiting.Enabled {
		stages = append(stages, &ratelimit.Stage{
			Rules:    cfg.GatewayRules(),
			Limiter:  ratelimit.NewLimiter(limitKV),
			Store:    limitKV,
			FailMode: cfg.RateLimiting.FailMode,
			Logger:   logger,
			Metrics:  metrics,
		})
	}
	upstreamClient, stopClient := proxy.NewClient(
		time.Duration(cfg.Upstream.ConnectionTimeout)*time.Second,
		cfg.Upstream.PoolSize,
	)
	defer stopClient()
	stages = append(stages, &proxy.Stage{
		Client:         upstreamClient,
		RequestTimeout: time.Duration(cfg.Upstream.RequestTimeout) * time.Second,
		Logger:         logger,
		Metrics:        metrics,
	})

	pipe := pipeline.New(rt, cfg.Logging.CorrelationIDHeader, cfg.Telemetry.Tracing.Enabled, stages...)
	srv := server.New(cfg, version, pipe, sessionKV, limitKV, registry, logger)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(srv.ListenAndServe)

	g.Go(func() error {
		<-gctx.Done()
		grace := time.Duration(cfg.Server.ShutdownTimeout) * time.Second
		sctx, cancel := context.WithTimeout(context.Background(), grace)
		defer cancel()
		logger.Info("shutting down", "grace", grace.String())
		return srv.Shutdown(sctx)
	})

	// Janitor: reap expired state on backends without native TTLs and keep
	// the store health gauges current.
	g.Go(func() error {
		ticker := time.NewTicker(janitorInterval)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-ticker.C:
				if n := sessions.CleanupExpired(); n > 0 {
					logger.Debug("reaped expired sessions", "count", n)
				}
				if sw, ok := limitKV.(interface{ Sweep() int }); ok && limitKV != sessionKV {
					sw.Sweep()
				}
				if metrics != nil {
					metrics.StoreHealthy.WithLabelValues("session").Set(healthGauge(sessionKV.Healthy(gctx)))
					metrics.StoreHealthy.WithLabelValues("ratelimit").Set(healthGauge(limitKV.Healthy(gctx)))
				}
			}
		}
	})

	err = g.Wait()
	if err != nil && ctx.Err() != nil {
		// Shutdown via signal: a closed-listener error is expected.
		logger.Info("stopped")
		return nil
	}
	return err
}

func healthGauge(ok bool) float64 {
	if ok {
		return 1
	}
	return 0
}
