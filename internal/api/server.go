package api

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/kriasoft/flagkit/internal/analytics"
	"github.com/kriasoft/flagkit/internal/audit"
	"github.com/kriasoft/flagkit/internal/auth"
	"github.com/kriasoft/flagkit/internal/cache"
	"github.com/kriasoft/flagkit/internal/contextval"
	"github.com/kriasoft/flagkit/internal/engine"
	"github.com/kriasoft/flagkit/internal/store"
	"github.com/kriasoft/flagkit/internal/telemetry"
	"github.com/rs/zerolog"
)

// Options are the request-surface knobs carried from configuration.
type Options struct {
	TrackUsage              bool
	CacheTTL                time.Duration
	DisabledOverridesPinned bool
	HeaderRules             []contextval.HeaderRule
	RateLimitEvaluate       int
	RateLimitBatch          int
	RateLimitAdmin          int
	Version                 string
}

// Deps is everything a Server consumes, built first and passed in by value:
// storage and cache exist before any handler does.
type Deps struct {
	Store    store.Store
	Cache    *cache.Cache
	Audit    *audit.Service             // nil disables audit recording
	Tracker  *analytics.Tracker         // nil disables evaluation tracking
	Idem     analytics.IdempotencyStore // required for event endpoints
	Sessions auth.SessionResolver       // host-provided; nil means anonymous
	Enforcer *auth.Enforcer
	Logger   zerolog.Logger
	Options  Options
}

// Server is the HTTP request surface.
type Server struct {
	store    store.Store
	cache    *cache.Cache
	resolver *engine.Resolver
	audit    *audit.Service
	tracker  *analytics.Tracker
	idem     analytics.IdempotencyStore
	sessions auth.SessionResolver
	enforcer *auth.Enforcer
	logger   zerolog.Logger
	opts     Options
}

// NewServer wires the request surface over pre-built dependencies.
func NewServer(deps Deps) *Server {
	return &Server{
		store:    deps.Store,
		cache:    deps.Cache,
		resolver: engine.NewResolver(deps.Store, deps.Logger),
		audit:    deps.Audit,
		tracker:  deps.Tracker,
		idem:     deps.Idem,
		sessions: deps.Sessions,
		enforcer: deps.Enforcer,
		logger:   deps.Logger,
		opts:     deps.Options,
	}
}

// Router assembles the full route tree under /feature-flags.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Recoverer)
	r.Use(telemetry.Middleware)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", "If-None-Match", "Idempotency-Key", "x-deployment-ring"},
		ExposedHeaders: []string{"ETag"},
		MaxAge:         300,
	}))

	r.Route("/feature-flags", func(r chi.Router) {
		// Public surface.
		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(5 * time.Second))
			r.Use(s.withSession)

			r.Group(func(r chi.Router) {
				r.Use(s.rateLimiter(s.opts.RateLimitEvaluate))
				r.Post("/evaluate", s.handleEvaluate)
				r.Post("/bootstrap", s.handleBootstrap)
			})
			r.Group(func(r chi.Router) {
				r.Use(s.rateLimiter(s.opts.RateLimitBatch))
				r.Post("/evaluate-batch", s.handleEvaluateBatch)
			})
			r.Group(func(r chi.Router) {
				r.Use(s.rateLimiter(s.opts.RateLimitBatch))
				r.Post("/events", s.handleEvent)
				r.Post("/events/batch", s.handleEventBatch)
			})

			r.Get("/config", s.handleConfig)
			r.Get("/health", s.handleHealth)
		})

		// Admin surface.
		r.Route("/admin", func(r chi.Router) {
			r.Use(middleware.Timeout(10 * time.Second))
			r.Use(s.rateLimiter(s.opts.RateLimitAdmin))
			r.Use(s.withSession, s.requireAdmin)

			r.Route("/flags", func(r chi.Router) {
				r.Get("/", s.handleListFlags)
				r.Post("/", s.handleCreateFlag)
				r.Route("/{flagId}", func(r chi.Router) {
					r.Get("/", s.handleGetFlag)
					r.Patch("/", s.handleUpdateFlag)
					r.Delete("/", s.handleDeleteFlag)
					r.Post("/enable", s.handleSetEnabled(true))
					r.Post("/disable", s.handleSetEnabled(false))
					r.Get("/stats", s.handleFlagStats)
					r.Route("/rules", func(r chi.Router) {
						r.Get("/", s.handleListRules)
						r.Post("/", s.handleCreateRule)
						r.Post("/reorder", s.handleReorderRules)
						r.Get("/{ruleId}", s.handleGetRule)
						r.Patch("/{ruleId}", s.handleUpdateRule)
						r.Delete("/{ruleId}", s.handleDeleteRule)
					})
				})
			})

			r.Route("/overrides", func(r chi.Router) {
				r.Get("/", s.handleListOverrides)
				r.Post("/", s.handleCreateOverride)
				r.Get("/{id}", s.handleGetOverride)
				r.Patch("/{id}", s.handleUpdateOverride)
				r.Delete("/{id}", s.handleDeleteOverride)
			})

			r.Get("/metrics/usage", s.handleUsageMetrics)
			r.Get("/audit", s.handleListAudit)
			r.Get("/audit/{id}", s.handleGetAudit)

			r.Route("/environments", func(r chi.Router) {
				r.Get("/", s.handleListEnvironments)
				r.Post("/", s.handleCreateEnvironment)
				r.Patch("/{id}", s.handleUpdateEnvironment)
				r.Delete("/{id}", s.handleDeleteEnvironment)
			})

			r.Post("/export", s.handleExport)
		})
	})

	return r
}

// rateLimiter applies a per-IP rate limit that rejects with the service's
// structured 429 before any storage work happens.
func (s *Server) rateLimiter(limit int) func(http.Handler) http.Handler {
	return httprate.Limit(limit, time.Minute,
		httprate.WithKeyFuncs(httprate.KeyByIP),
		httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
			writeError(w, r, http.StatusTooManyRequests, ErrCodeRateLimited, "Rate limit exceeded")
		}),
	)
}

// withSession resolves the host session into the request context. Resolver
// failures degrade to anonymous; the gates decide what anonymous may do.
func (s *Server) withSession(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.sessions != nil {
			session, err := s.sessions.Resolve(r)
			if err != nil {
				s.logger.Warn().Err(err).Msg("session resolution failed")
			} else if session != nil {
				r = r.WithContext(auth.WithSession(r.Context(), session))
			}
		}
		next.ServeHTTP(w, r)
	})
}

// requireAdmin applies the role gate to the admin subtree and records
// admin_access audit entries.
func (s *Server) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		session := auth.SessionFromContext(r.Context())
		if err := s.enforcer.RequireAdmin(session); err != nil {
			switch {
			case errors.Is(err, auth.ErrAdminDisabled):
				ForbiddenError(w, r, ErrCodeAdminDisabled, "Admin access is disabled")
			case errors.Is(err, auth.ErrUnauthenticated):
				UnauthorizedError(w, r, "Authentication required")
			default:
				ForbiddenError(w, r, ErrCodeUnauthorizedAccess, "Admin role required")
			}
			return
		}
		s.auditLog(audit.NewEntry(r).Action(store.AuditAdminAccess).Build())
		next.ServeHTTP(w, r)
	})
}

// auditLog enqueues an entry when the recorder is enabled.
func (s *Server) auditLog(entry store.AuditEntry) {
	if s.audit != nil {
		s.audit.Log(entry)
	}
}

// resolveOrg applies the organization gate and writes the error response on
// failure; callers bail out when ok is false.
func (s *Server) resolveOrg(w http.ResponseWriter, r *http.Request, requestedOrg string) (string, bool) {
	session := auth.SessionFromContext(r.Context())
	org, err := s.enforcer.ResolveOrg(session, requestedOrg)
	if err != nil {
		if errors.Is(err, auth.ErrOrganizationRequired) {
			ForbiddenError(w, r, ErrCodeOrgRequired, "Session has no organization")
		} else {
			ForbiddenError(w, r, ErrCodeUnauthorizedAccess, "Organization does not match session")
		}
		return "", false
	}
	return org, true
}

// loadOwnedFlag fetches a flag by id and applies the ownership gate,
// masking cross-organization access as absence.
func (s *Server) loadOwnedFlag(w http.ResponseWriter, r *http.Request, flagID string) (*store.Flag, bool) {
	flag, err := s.store.GetFlagByID(r.Context(), flagID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			NotFoundError(w, r, ErrCodeFlagNotFound, "Flag not found")
		} else {
			StorageError(w, r, "Failed to load flag")
		}
		return nil, false
	}
	session := auth.SessionFromContext(r.Context())
	if err := s.enforcer.CheckOwnership(session, flag); err != nil {
		NotFoundError(w, r, ErrCodeFlagNotFound, "Flag not found")
		return nil, false
	}
	return flag, true
}

// ---- capability descriptor & health ----

// handleConfig serves the public-safe capability descriptor with ETag
// revalidation.
func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	descriptor := map[string]any{
		"version": s.opts.Version,
		"endpoints": map[string]any{
			"evaluate":      "/feature-flags/evaluate",
			"evaluateBatch": "/feature-flags/evaluate-batch",
			"bootstrap":     "/feature-flags/bootstrap",
			"events":        "/feature-flags/events",
		},
		"select":       []string{"full", "value"},
		"selectFields": []string{"value", "variant", "reason", "metadata"},
		"analytics": map[string]any{
			"trackUsage": s.opts.TrackUsage,
		},
		"limits": map[string]any{
			"batchKeys":   maxBatchKeys,
			"batchEvents": maxBatchEvents,
		},
	}
	body, err := json.Marshal(descriptor)
	if err != nil {
		InternalError(w, r, "Failed to build config")
		return
	}
	sum := sha256.Sum256(body)
	etag := `"` + hex.EncodeToString(sum[:8]) + `"`

	w.Header().Set("ETag", etag)
	w.Header().Set("Cache-Control", "public, max-age=300, stale-while-revalidate=60")
	if r.Header.Get("If-None-Match") == etag {
		w.WriteHeader(http.StatusNotModified)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(body)
}

// handleHealth reports storage and cache health plus recorder drop
// counters. Storage failure makes the service unhealthy (503); recorder
// drops degrade it without failing probes.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := "healthy"
	checks := map[string]any{}

	storageStatus := "ok"
	if err := s.store.Ping(r.Context()); err != nil {
		storageStatus = "unreachable"
		status = "unhealthy"
	}
	checks["storage"] = storageStatus

	cacheStats := s.cache.Stats()
	checks["cache"] = map[string]any{
		"size":    cacheStats.Size,
		"maxSize": cacheStats.MaxSize,
		"hitRate": cacheStats.HitRate,
	}

	var trackingDropped, auditDropped uint64
	if s.tracker != nil {
		trackingDropped = s.tracker.Dropped()
		checks["tracking"] = map[string]any{
			"pending": s.tracker.Pending(),
			"dropped": trackingDropped,
		}
	}
	if s.audit != nil {
		auditDropped = s.audit.Dropped()
		checks["audit"] = map[string]any{"dropped": auditDropped}
	}
	if status == "healthy" && (trackingDropped > 0 || auditDropped > 0) {
		status = "degraded"
	}

	code := http.StatusOK
	if status == "unhealthy" {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]any{
		"status": status,
		"checks": checks,
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}
