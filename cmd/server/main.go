// Package main runs the feature-flag evaluation service.
//
// Startup is two-phase: storage, cache, and the recorders are built first,
// then passed by value into the handler factory. Two HTTP servers run
// concurrently:
//
//   - API server (default :8080): the /feature-flags surface
//   - Metrics server (default :9090): Prometheus metrics and pprof
//
// Shutdown drains in-flight requests, then the audit and tracking queues.
package main

import (
	"context"
	"errors"
	"net/http"
	_ "net/http/pprof" // registers /debug/pprof/* on DefaultServeMux
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/kriasoft/flagkit/internal/analytics"
	"github.com/kriasoft/flagkit/internal/api"
	"github.com/kriasoft/flagkit/internal/audit"
	"github.com/kriasoft/flagkit/internal/auth"
	"github.com/kriasoft/flagkit/internal/cache"
	"github.com/kriasoft/flagkit/internal/config"
	"github.com/kriasoft/flagkit/internal/store"
	"github.com/kriasoft/flagkit/internal/telemetry"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// version is stamped by the build.
var version = "dev"

func main() {
	logger := zerolog.New(os.Stderr).With().Timestamp().Logger()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("config load failed")
	}
	if level, err := zerolog.ParseLevel(cfg.LogLevel); err == nil {
		logger = logger.Level(level)
	}

	telemetry.Init()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := store.NewStore(ctx, store.FactoryConfig{
		Type:              cfg.StoreType,
		DatabaseDSN:       cfg.DatabaseDSN,
		UnknownFlagPolicy: store.UnknownFlagPolicy(cfg.UnknownFlagPolicy),
		Logger:            logger,
	})
	if err != nil {
		logger.Fatal().Err(err).Str("storeType", cfg.StoreType).Msg("store initialization failed")
	}
	defer st.Close()
	if err := st.Ping(ctx); err != nil {
		logger.Fatal().Err(err).Msg("store unreachable")
	}

	evalCache, err := cache.New(cfg.CacheMaxEntries, cfg.CacheTTL)
	if err != nil {
		logger.Fatal().Err(err).Msg("cache initialization failed")
	}

	var auditSvc *audit.Service
	if cfg.AuditEnabled {
		auditSvc = audit.NewService(st, logger, 0)
		defer auditSvc.Close()
		go auditSvc.RunCleanup(ctx, cfg.AuditRetentionDays)
		telemetry.RegisterDropCounter("audit_dropped_total",
			"Audit entries dropped because the audit queue was full", auditSvc.Dropped)
	}

	var tracker *analytics.Tracker
	if cfg.TrackUsage {
		tracker = analytics.NewTracker(st, logger)
		defer tracker.Close()
		telemetry.RegisterDropCounter("tracking_dropped_total",
			"Evaluation records dropped because the tracking queue was full", tracker.Dropped)
	}

	var idem analytics.IdempotencyStore
	if cfg.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		idem = analytics.NewRedisIdempotency(client, cfg.IdempotencyTTL)
		logger.Info().Str("addr", cfg.RedisAddr).Msg("using redis idempotency store")
	} else {
		idem = analytics.NewMemoryIdempotency(cfg.IdempotencyTTL, 0)
	}

	server := api.NewServer(api.Deps{
		Store:    st,
		Cache:    evalCache,
		Audit:    auditSvc,
		Tracker:  tracker,
		Idem:     idem,
		Sessions: hostSessionResolver(),
		Enforcer: &auth.Enforcer{
			AdminRoles:   cfg.AdminRoles,
			AdminEnabled: cfg.AdminEnabled,
			MultiTenant:  cfg.MultiTenant,
		},
		Logger: logger,
		Options: api.Options{
			TrackUsage:              cfg.TrackUsage,
			CacheTTL:                cfg.CacheTTL,
			DisabledOverridesPinned: cfg.DisabledOverridesPinned,
			HeaderRules:             cfg.HeaderRules,
			RateLimitEvaluate:       cfg.RateLimitEvaluate,
			RateLimitBatch:          cfg.RateLimitBatch,
			RateLimitAdmin:          cfg.RateLimitAdmin,
			Version:                 version,
		},
	})

	apiSrv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      server.Router(),
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	go func() {
		logger.Info().Str("addr", cfg.HTTPAddr).Msg("api server listening")
		if err := apiSrv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("api server failed")
		}
	}()

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/debug/pprof/", http.DefaultServeMux.ServeHTTP)
	metricsSrv := &http.Server{
		Addr:         cfg.MetricsAddr,
		Handler:      mux,
		ReadTimeout:  3 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	go func() {
		logger.Info().Str("addr", cfg.MetricsAddr).Msg("metrics/pprof server listening")
		if err := metricsSrv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("metrics server failed")
		}
	}()

	<-ctx.Done()
	logger.Info().Msg("shutdown signal received, stopping servers")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := apiSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("api server shutdown error")
	}
	if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("metrics server shutdown error")
	}
	logger.Info().Msg("servers stopped")
}

// hostSessionResolver is the integration point for the host authentication
// framework. The standalone binary trusts the X-Session-* headers a fronting
// gateway injects after authenticating the request; embedders replace this
// with their own resolver.
func hostSessionResolver() auth.SessionResolver {
	return auth.SessionResolverFunc(func(r *http.Request) (*auth.Session, error) {
		userID := r.Header.Get("X-Session-User")
		if userID == "" {
			return nil, nil
		}
		session := &auth.Session{
			UserID:         userID,
			Email:          r.Header.Get("X-Session-Email"),
			OrganizationID: r.Header.Get("X-Session-Org"),
		}
		if roles := r.Header.Get("X-Session-Roles"); roles != "" {
			for _, role := range strings.Split(roles, ",") {
				if role = strings.TrimSpace(role); role != "" {
					session.Roles = append(session.Roles, role)
				}
			}
		}
		return session, nil
	})
}
