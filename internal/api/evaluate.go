package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/kriasoft/flagkit/internal/auth"
	"github.com/kriasoft/flagkit/internal/cache"
	"github.com/kriasoft/flagkit/internal/contextval"
	"github.com/kriasoft/flagkit/internal/engine"
	"github.com/kriasoft/flagkit/internal/store"
	"github.com/kriasoft/flagkit/internal/telemetry"
	"github.com/kriasoft/flagkit/internal/validation"
)

// maxBatchKeys caps one evaluate-batch request.
const maxBatchKeys = 200

type evaluateRequest struct {
	FlagKey           string          `json:"flagKey"`
	Context           contextDTO      `json:"context"`
	Default           any             `json:"default,omitempty"`
	Select            json.RawMessage `json:"select,omitempty"`
	Environment       string          `json:"environment,omitempty"`
	Track             *bool           `json:"track,omitempty"`
	Debug             bool            `json:"debug,omitempty"`
	ContextInResponse *bool           `json:"contextInResponse,omitempty"`
}

type batchRequest struct {
	FlagKeys          []string        `json:"flagKeys"`
	Defaults          map[string]any  `json:"defaults,omitempty"`
	Context           contextDTO      `json:"context"`
	Select            json.RawMessage `json:"select,omitempty"`
	Environment       string          `json:"environment,omitempty"`
	Track             *bool           `json:"track,omitempty"`
	Debug             bool            `json:"debug,omitempty"`
	ContextInResponse *bool           `json:"contextInResponse,omitempty"`
}

type bootstrapRequest struct {
	Context     contextDTO      `json:"context"`
	Include     []string        `json:"include,omitempty"`
	Prefix      string          `json:"prefix,omitempty"`
	Select      json.RawMessage `json:"select,omitempty"`
	Environment string          `json:"environment,omitempty"`
	Track       *bool           `json:"track,omitempty"`
	Debug       bool            `json:"debug,omitempty"`
}

// buildContext merges the request context with the session principal and
// whitelisted headers, then validates the attribute map.
func (s *Server) buildContext(w http.ResponseWriter, r *http.Request, dto contextDTO) (engine.Context, bool) {
	ectx := engine.Context{
		UserID:         dto.UserID,
		Email:          dto.Email,
		Role:           dto.Role,
		OrganizationID: dto.OrganizationID,
		Attributes:     dto.Attributes,
	}
	if session := auth.SessionFromContext(r.Context()); session != nil {
		if ectx.UserID == "" {
			ectx.UserID = session.UserID
		}
		if ectx.Email == "" {
			ectx.Email = session.Email
		}
		if ectx.OrganizationID == "" {
			ectx.OrganizationID = session.OrganizationID
		}
		if ectx.Role == "" && len(session.Roles) > 0 {
			ectx.Role = session.Roles[0]
		}
	}

	if err := contextval.ValidateAttributes(ectx.Attributes); err != nil {
		var fe *contextval.FieldError
		fields := map[string]string{}
		if errors.As(err, &fe) {
			fields[fe.Field] = fe.Message
		}
		ValidationError(w, r, "Invalid context attributes", fields)
		return engine.Context{}, false
	}

	// Whitelisted headers contribute attributes without clobbering
	// explicit ones.
	if headerAttrs := contextval.ExtractHeaders(r.Header, s.opts.HeaderRules, s.logger); headerAttrs != nil {
		if ectx.Attributes == nil {
			ectx.Attributes = headerAttrs
		} else {
			for key, value := range headerAttrs {
				if _, exists := ectx.Attributes[key]; !exists {
					ectx.Attributes[key] = value
				}
			}
		}
	}
	return ectx, true
}

// environmentFor applies the header-beats-body rule for environment.
func environmentFor(r *http.Request, body string) string {
	if ring := deploymentRing(r); ring != "" {
		return ring
	}
	return body
}

// cacheContext is the context subset that keys the cache: the fields
// evaluation actually reads.
func cacheContext(ectx engine.Context) map[string]any {
	return map[string]any{
		"userId":         ectx.UserID,
		"email":          ectx.Email,
		"role":           ectx.Role,
		"organizationId": ectx.OrganizationID,
		"attributes":     ectx.Attributes,
	}
}

// evaluateOne runs one cached evaluation: cache lookup, snapshot load on
// miss, engine run, tracking. Debug runs bypass the cache both ways.
func (s *Server) evaluateOne(ctx context.Context, flagKey string, ectx engine.Context, opts engine.Options, track bool) engine.Result {
	keyData := cache.KeyData{
		FlagKey:     flagKey,
		Context:     cacheContext(ectx),
		Environment: opts.Environment,
	}
	if !opts.Debug {
		if cached, ok := s.cache.Get(keyData); ok {
			if result, ok := cached.(engine.Result); ok {
				telemetry.CacheHits.Inc()
				return result
			}
		}
		telemetry.CacheMisses.Inc()
	}

	start := time.Now()
	snap := s.resolver.Snapshot(ctx, flagKey, ectx.OrganizationID, ectx.UserID)
	result := s.runEngine(snap, ectx, opts)
	latency := time.Since(start)

	// not_found results embed the caller-supplied default, which varies
	// per caller; caching them would leak one caller's default to another.
	if !opts.Debug && result.Reason != engine.ReasonNotFound {
		s.cache.Set(keyData, result, s.opts.CacheTTL)
	}
	telemetry.EvaluationsTotal.WithLabelValues(string(result.Reason)).Inc()

	if track && ctx.Err() == nil {
		s.trackEvaluation(flagKey, snap, ectx, result, latency)
	}
	return result
}

// runEngine guards the pure engine call: a panic degrades to the caller
// default with reason not_found instead of failing the request.
func (s *Server) runEngine(snap engine.Snapshot, ectx engine.Context, opts engine.Options) (result engine.Result) {
	defer func() {
		if recovered := recover(); recovered != nil {
			s.logger.Error().Any("panic", recovered).Msg("evaluation failed unexpectedly")
			result = engine.Result{Value: opts.CallerDefault, Reason: engine.ReasonNotFound}
		}
	}()
	opts.DisabledOverridesPinned = s.opts.DisabledOverridesPinned
	return engine.Evaluate(snap, ectx, opts)
}

func (s *Server) trackEvaluation(flagKey string, snap engine.Snapshot, ectx engine.Context, result engine.Result, latency time.Duration) {
	if s.tracker == nil || !s.opts.TrackUsage {
		return
	}
	record := store.EvaluationRecord{
		FlagKey:   flagKey,
		UserID:    ectx.UserID,
		Variant:   result.Variant,
		Reason:    string(result.Reason),
		LatencyMs: float64(latency.Microseconds()) / 1000,
		Context: map[string]any{
			"userId":         ectx.UserID,
			"organizationId": ectx.OrganizationID,
			"attributes":     ectx.Attributes,
		},
	}
	if snap.Flag != nil {
		record.FlagID = snap.Flag.ID
		if value, err := store.NewValue(snap.Flag.Type, result.Value); err == nil {
			record.Value = value
		}
	}
	s.tracker.Track(record)
}

// handleEvaluate serves POST /feature-flags/evaluate.
func (s *Server) handleEvaluate(w http.ResponseWriter, r *http.Request) {
	var req evaluateRequest
	if err := decodeJSON(w, r, &req); err != nil {
		BadRequestError(w, r, ErrCodeInvalidInput, "Invalid JSON: "+err.Error())
		return
	}
	if result := validation.ValidateKey(req.FlagKey); !result.Valid {
		ValidationError(w, r, "Invalid flag key", result.Errors)
		return
	}
	sel, ok := parseSelect(req.Select)
	if !ok {
		BadRequestError(w, r, ErrCodeInvalidInput, "Invalid select projection")
		return
	}
	ectx, ok := s.buildContext(w, r, req.Context)
	if !ok {
		return
	}

	opts := engine.Options{
		Debug:         req.Debug,
		Environment:   environmentFor(r, req.Environment),
		CallerDefault: req.Default,
	}
	track := req.Track == nil || *req.Track
	result := s.evaluateOne(r.Context(), req.FlagKey, ectx, opts, track)

	response := shapeResult(result, sel)
	if !sel.value {
		response["evaluatedAt"] = time.Now().UTC().Format(time.RFC3339)
		if req.ContextInResponse != nil && *req.ContextInResponse {
			response["context"] = cacheContext(ectx)
		}
	}
	writeJSON(w, http.StatusOK, response)
}

// handleEvaluateBatch serves POST /feature-flags/evaluate-batch.
func (s *Server) handleEvaluateBatch(w http.ResponseWriter, r *http.Request) {
	var req batchRequest
	if err := decodeJSON(w, r, &req); err != nil {
		BadRequestError(w, r, ErrCodeInvalidInput, "Invalid JSON: "+err.Error())
		return
	}
	if len(req.FlagKeys) == 0 {
		ValidationError(w, r, "flagKeys is required", map[string]string{"flagKeys": "At least one flag key is required"})
		return
	}
	if len(req.FlagKeys) > maxBatchKeys {
		BadRequestError(w, r, ErrCodeInvalidInput, "Too many flag keys in one batch")
		return
	}
	for _, key := range req.FlagKeys {
		if result := validation.ValidateKey(key); !result.Valid {
			ValidationError(w, r, "Invalid flag key "+key, result.Errors)
			return
		}
	}
	sel, ok := parseSelect(req.Select)
	if !ok {
		BadRequestError(w, r, ErrCodeInvalidInput, "Invalid select projection")
		return
	}
	ectx, ok := s.buildContext(w, r, req.Context)
	if !ok {
		return
	}

	environment := environmentFor(r, req.Environment)
	track := req.Track == nil || *req.Track

	// One bulk fetch per request, then the per-key algorithm.
	snapshots := s.resolver.SnapshotBatch(r.Context(), req.FlagKeys, ectx.OrganizationID, ectx.UserID)

	flags := make(map[string]any, len(req.FlagKeys))
	for _, key := range req.FlagKeys {
		snap := snapshots[key]
		opts := engine.Options{Debug: req.Debug, Environment: environment}
		if def, hasDefault := req.Defaults[key]; hasDefault && snap.Flag == nil {
			// Caller-supplied default for a missing flag reads as a
			// deliberate default, not an error.
			flags[key] = shapeResult(engine.Result{Value: def, Reason: engine.ReasonDefault}, sel)
			continue
		}
		start := time.Now()
		result := s.runEngine(snap, ectx, opts)
		telemetry.EvaluationsTotal.WithLabelValues(string(result.Reason)).Inc()
		if track && r.Context().Err() == nil {
			s.trackEvaluation(key, snap, ectx, result, time.Since(start))
		}
		flags[key] = shapeResult(result, sel)
	}

	response := map[string]any{
		"flags":       flags,
		"evaluatedAt": time.Now().UTC().Format(time.RFC3339),
	}
	if req.ContextInResponse == nil || *req.ContextInResponse {
		response["context"] = cacheContext(ectx)
	}
	writeJSON(w, http.StatusOK, response)
}

// handleBootstrap serves POST /feature-flags/bootstrap: every enabled flag
// in scope evaluated for the principal, server-side filtered.
func (s *Server) handleBootstrap(w http.ResponseWriter, r *http.Request) {
	var req bootstrapRequest
	if err := decodeJSON(w, r, &req); err != nil {
		BadRequestError(w, r, ErrCodeInvalidInput, "Invalid JSON: "+err.Error())
		return
	}
	sel, ok := parseSelect(req.Select)
	if !ok {
		BadRequestError(w, r, ErrCodeInvalidInput, "Invalid select projection")
		return
	}
	ectx, ok := s.buildContext(w, r, req.Context)
	if !ok {
		return
	}

	environment := environmentFor(r, req.Environment)
	// The request shape (prefix, include, select) is part of the cache
	// identity alongside the evaluation context.
	keyData := cache.KeyData{
		FlagKey: cache.BootstrapKey,
		Context: map[string]any{
			"context": cacheContext(ectx),
			"prefix":  req.Prefix,
			"include": req.Include,
			"select":  string(req.Select),
		},
		Environment: environment,
	}
	if !req.Debug {
		if cached, ok := s.cache.Get(keyData); ok {
			if response, ok := cached.(map[string]any); ok {
				telemetry.CacheHits.Inc()
				writeJSON(w, http.StatusOK, response)
				return
			}
		}
		telemetry.CacheMisses.Inc()
	}

	snapshots, err := s.resolver.EnabledFlags(r.Context(), ectx.OrganizationID, ectx.UserID, req.Prefix)
	if err != nil {
		StorageError(w, r, "Failed to list flags")
		return
	}

	include := map[string]bool{}
	for _, key := range req.Include {
		include[key] = true
	}
	track := req.Track == nil || *req.Track

	flags := make(map[string]any, len(snapshots))
	for key, snap := range snapshots {
		if len(include) > 0 && !include[key] {
			continue
		}
		opts := engine.Options{Debug: req.Debug, Environment: environment}
		start := time.Now()
		result := s.runEngine(snap, ectx, opts)
		telemetry.EvaluationsTotal.WithLabelValues(string(result.Reason)).Inc()
		if track && r.Context().Err() == nil {
			s.trackEvaluation(key, snap, ectx, result, time.Since(start))
		}
		flags[key] = shapeResult(result, sel)
	}

	response := map[string]any{
		"flags":       flags,
		"evaluatedAt": time.Now().UTC().Format(time.RFC3339),
		"context":     cacheContext(ectx),
	}
	if !req.Debug {
		s.cache.Set(keyData, response, s.opts.CacheTTL)
	}
	writeJSON(w, http.StatusOK, response)
}
