package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/kriasoft/flagkit/internal/audit"
	"github.com/kriasoft/flagkit/internal/store"
)

// maxStatsWindow bounds the stats query range.
const maxStatsWindow = 90 * 24 * time.Hour

// parseDateRange reads start/end query parameters and applies the window
// limit. An unset start or end is left zero, which the store treats as an
// open bound; the 90-day limit is checked only when both are given.
func parseDateRange(r *http.Request) (store.DateRange, ErrorCode, error) {
	query := r.URL.Query()
	start, err := parseTimeParam(query.Get("start"))
	if err != nil {
		return store.DateRange{}, ErrCodeInvalidRange, err
	}
	end, err := parseTimeParam(query.Get("end"))
	if err != nil {
		return store.DateRange{}, ErrCodeInvalidRange, err
	}
	if !start.IsZero() && !end.IsZero() {
		if end.Before(start) {
			return store.DateRange{}, ErrCodeInvalidRange, errors.New("end must not precede start")
		}
		if end.Sub(start) > maxStatsWindow {
			return store.DateRange{}, ErrCodeRangeTooLarge, errors.New("date range must not exceed 90 days")
		}
	}
	return store.DateRange{Start: start, End: end}, "", nil
}

// handleFlagStats serves GET /admin/flags/{flagId}/stats.
func (s *Server) handleFlagStats(w http.ResponseWriter, r *http.Request) {
	flag, ok := s.loadOwnedFlag(w, r, chi.URLParam(r, "flagId"))
	if !ok {
		return
	}
	dateRange, code, err := parseDateRange(r)
	if err != nil {
		BadRequestError(w, r, code, err.Error())
		return
	}
	query := r.URL.Query()
	opts := store.StatsOptions{
		Metrics:     query["metrics"],
		Granularity: query.Get("granularity"),
		Timezone:    query.Get("timezone"),
	}

	stats, err := s.store.GetEvaluationStats(r.Context(), flag.ID, dateRange, opts)
	if err != nil {
		StorageError(w, r, "Failed to compute stats")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"flagId": flag.ID,
		"key":    flag.Key,
		"stats":  stats,
	})
}

// handleUsageMetrics serves GET /admin/metrics/usage.
func (s *Server) handleUsageMetrics(w http.ResponseWriter, r *http.Request) {
	org, ok := s.resolveOrg(w, r, r.URL.Query().Get("organizationId"))
	if !ok {
		return
	}
	dateRange, code, err := parseDateRange(r)
	if err != nil {
		BadRequestError(w, r, code, err.Error())
		return
	}
	metrics, err := s.store.GetUsageMetrics(r.Context(), org, dateRange)
	if err != nil {
		StorageError(w, r, "Failed to compute usage metrics")
		return
	}
	writeJSON(w, http.StatusOK, metrics)
}

// handleListAudit serves GET /admin/audit.
func (s *Server) handleListAudit(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	org, ok := s.resolveOrg(w, r, query.Get("organizationId"))
	if !ok {
		return
	}
	limit, err := parseLimit(query.Get("limit"), defaultListLimit, maxListLimit)
	if err != nil {
		BadRequestError(w, r, ErrCodeInvalidInput, err.Error())
		return
	}
	offset := 0
	if cursor := query.Get("cursor"); cursor != "" {
		if offset, err = decodeCursor(cursor); err != nil {
			BadRequestError(w, r, ErrCodeInvalidInput, err.Error())
			return
		}
	}
	dateRange, code, err := parseDateRange(r)
	if err != nil {
		BadRequestError(w, r, code, err.Error())
		return
	}

	entries, err := s.store.GetAuditLogs(r.Context(), store.AuditFilter{
		FlagID:         query.Get("flagId"),
		UserID:         query.Get("userId"),
		Action:         query.Get("action"),
		OrganizationID: org,
		Range:          dateRange,
		Limit:          limit + 1,
		Offset:         offset,
	})
	if err != nil {
		StorageError(w, r, "Failed to list audit entries")
		return
	}

	hasMore := len(entries) > limit
	if hasMore {
		entries = entries[:limit]
	}
	page := map[string]any{"limit": limit, "hasMore": hasMore}
	if hasMore {
		page["nextCursor"] = encodeCursor(offset + limit)
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries, "page": page})
}

// handleGetAudit serves GET /admin/audit/{id}.
func (s *Server) handleGetAudit(w http.ResponseWriter, r *http.Request) {
	entry, err := s.store.GetAuditLog(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			NotFoundError(w, r, ErrCodeAuditNotFound, "Audit entry not found")
		} else {
			StorageError(w, r, "Failed to load audit entry")
		}
		return
	}
	org, ok := s.resolveOrg(w, r, "")
	if !ok {
		return
	}
	if org != "" && entry.OrganizationID != org {
		NotFoundError(w, r, ErrCodeAuditNotFound, "Audit entry not found")
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

// ---- environments ----

type environmentWriteRequest struct {
	Key         string `json:"key"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

// handleListEnvironments serves GET /admin/environments.
func (s *Server) handleListEnvironments(w http.ResponseWriter, r *http.Request) {
	envs, err := s.store.ListEnvironments(r.Context())
	if err != nil {
		StorageError(w, r, "Failed to list environments")
		return
	}
	dtos := make([]environmentDTO, 0, len(envs))
	for i := range envs {
		dtos = append(dtos, environmentToDTO(&envs[i]))
	}
	writeJSON(w, http.StatusOK, map[string]any{"environments": dtos})
}

// handleCreateEnvironment serves POST /admin/environments.
func (s *Server) handleCreateEnvironment(w http.ResponseWriter, r *http.Request) {
	var req environmentWriteRequest
	if err := decodeJSON(w, r, &req); err != nil {
		BadRequestError(w, r, ErrCodeInvalidInput, "Invalid JSON: "+err.Error())
		return
	}
	if req.Key == "" || req.Name == "" {
		ValidationError(w, r, "key and name are required", map[string]string{
			"key":  "Key is required",
			"name": "Name is required",
		})
		return
	}

	env := store.Environment{Key: req.Key, Name: req.Name, Description: req.Description}
	if err := s.store.CreateEnvironment(r.Context(), &env); err != nil {
		if errors.Is(err, store.ErrConflict) {
			ConflictError(w, r, "An environment with this key already exists")
			return
		}
		StorageError(w, r, "Failed to create environment")
		return
	}
	s.auditLog(audit.NewEntry(r).Action(store.AuditCreated).Meta("environment", env.Key).Build())
	writeJSON(w, http.StatusCreated, environmentToDTO(&env))
}

// handleUpdateEnvironment serves PATCH /admin/environments/{id}.
func (s *Server) handleUpdateEnvironment(w http.ResponseWriter, r *http.Request) {
	envs, err := s.store.ListEnvironments(r.Context())
	if err != nil {
		StorageError(w, r, "Failed to load environments")
		return
	}
	id := chi.URLParam(r, "id")
	var env *store.Environment
	for i := range envs {
		if envs[i].ID == id {
			env = &envs[i]
			break
		}
	}
	if env == nil {
		NotFoundError(w, r, ErrCodeNotFound, "Environment not found")
		return
	}

	var req environmentWriteRequest
	if err := decodeJSON(w, r, &req); err != nil {
		BadRequestError(w, r, ErrCodeInvalidInput, "Invalid JSON: "+err.Error())
		return
	}
	if req.Key != "" {
		env.Key = req.Key
	}
	if req.Name != "" {
		env.Name = req.Name
	}
	if req.Description != "" {
		env.Description = req.Description
	}
	if err := s.store.UpdateEnvironment(r.Context(), env); err != nil {
		if errors.Is(err, store.ErrConflict) {
			ConflictError(w, r, "An environment with this key already exists")
			return
		}
		StorageError(w, r, "Failed to update environment")
		return
	}
	s.auditLog(audit.NewEntry(r).Action(store.AuditUpdated).Meta("environment", env.Key).Build())
	writeJSON(w, http.StatusOK, environmentToDTO(env))
}

// handleDeleteEnvironment serves DELETE /admin/environments/{id}.
func (s *Server) handleDeleteEnvironment(w http.ResponseWriter, r *http.Request) {
	if err := s.store.DeleteEnvironment(r.Context(), chi.URLParam(r, "id")); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			NotFoundError(w, r, ErrCodeNotFound, "Environment not found")
			return
		}
		StorageError(w, r, "Failed to delete environment")
		return
	}
	s.auditLog(audit.NewEntry(r).Action(store.AuditDeleted).Build())
	w.WriteHeader(http.StatusNoContent)
}

// ---- export ----

type exportRequest struct {
	Include []string `json:"include,omitempty"` // flags, rules, overrides
}

// handleExport serves POST /admin/export: a JSON dump of the organization's
// flag configuration.
func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	var req exportRequest
	if err := decodeJSON(w, r, &req); err != nil {
		BadRequestError(w, r, ErrCodeInvalidInput, "Invalid JSON: "+err.Error())
		return
	}
	org, ok := s.resolveOrg(w, r, "")
	if !ok {
		return
	}

	include := map[string]bool{"flags": true, "rules": true, "overrides": true}
	if len(req.Include) > 0 {
		include = map[string]bool{}
		for _, section := range req.Include {
			switch section {
			case "flags", "rules", "overrides":
				include[section] = true
			default:
				BadRequestError(w, r, ErrCodeInvalidInput, "Unknown export section "+section)
				return
			}
		}
	}

	flags, _, err := s.store.ListFlags(r.Context(), org, store.ListOptions{})
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, ErrCodeExport, "Failed to export flags")
		return
	}

	export := map[string]any{
		"exportedAt":     time.Now().UTC().Format(time.RFC3339),
		"organizationId": org,
	}
	if include["flags"] {
		dtos := make([]flagDTO, 0, len(flags))
		for i := range flags {
			dtos = append(dtos, flagToDTO(&flags[i]))
		}
		export["flags"] = dtos
	}
	if include["rules"] {
		allRules := make([]ruleDTO, 0)
		for i := range flags {
			flagRules, err := s.store.GetRulesForFlag(r.Context(), flags[i].ID)
			if err != nil {
				writeError(w, r, http.StatusInternalServerError, ErrCodeExport, "Failed to export rules")
				return
			}
			for j := range flagRules {
				allRules = append(allRules, ruleToDTO(&flagRules[j]))
			}
		}
		export["rules"] = allRules
	}
	if include["overrides"] {
		allOverrides := make([]overrideDTO, 0)
		for i := range flags {
			overrides, err := s.store.ListOverrides(r.Context(), flags[i].ID, "")
			if err != nil {
				writeError(w, r, http.StatusInternalServerError, ErrCodeExport, "Failed to export overrides")
				return
			}
			for j := range overrides {
				allOverrides = append(allOverrides, overrideToDTO(&overrides[j]))
			}
		}
		export["overrides"] = allOverrides
	}

	s.auditLog(audit.NewEntry(r).Action(store.AuditAdminAccess).Meta("export", req.Include).Build())
	writeJSON(w, http.StatusOK, export)
}
