package api

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/kriasoft/flagkit/internal/audit"
	"github.com/kriasoft/flagkit/internal/store"
	"github.com/kriasoft/flagkit/internal/telemetry"
	"github.com/kriasoft/flagkit/internal/validation"
)

const (
	defaultListLimit = 50
	maxListLimit     = 100
)

// invalidateFlag drops cached evaluations for the flag after a successful
// admin write.
func (s *Server) invalidateFlag(flagKey string) {
	s.cache.InvalidateByFlag(flagKey)
	telemetry.CacheEntries.Set(float64(s.cache.Stats().Size))
}

type flagWriteRequest struct {
	Key               string            `json:"key"`
	Name              string            `json:"name"`
	Description       *string           `json:"description,omitempty"`
	Type              string            `json:"type"`
	Enabled           *bool             `json:"enabled,omitempty"`
	DefaultValue      any               `json:"defaultValue"`
	RolloutPercentage *float64          `json:"rolloutPercentage,omitempty"`
	OrganizationID    string            `json:"organizationId,omitempty"`
	Variants          []variantWriteDTO `json:"variants,omitempty"`
	Metadata          map[string]any    `json:"metadata,omitempty"`
}

type variantWriteDTO struct {
	Key      string         `json:"key"`
	Value    any            `json:"value"`
	Weight   float64        `json:"weight"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

func variantsFromDTO(kind store.Kind, dtos []variantWriteDTO) ([]store.Variant, error) {
	if len(dtos) == 0 {
		return nil, nil
	}
	variants := make([]store.Variant, 0, len(dtos))
	for _, dto := range dtos {
		value, err := store.NewValue(kind, dto.Value)
		if err != nil {
			return nil, err
		}
		variants = append(variants, store.Variant{
			Key:      dto.Key,
			Value:    value,
			Weight:   dto.Weight,
			Metadata: dto.Metadata,
		})
	}
	return variants, nil
}

// handleListFlags serves GET /admin/flags with cursor pagination.
func (s *Server) handleListFlags(w http.ResponseWriter, r *http.Request) {
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

	opts := store.ListOptions{
		Limit:  limit,
		Offset: offset,
		Filter: store.ListFilter{
			KeyPrefix: query.Get("prefix"),
			Query:     query.Get("q"),
		},
	}
	if sort := query.Get("sort"); sort != "" {
		if rest, found := strings.CutPrefix(sort, "-"); found {
			opts.OrderBy, opts.OrderDirection = rest, "desc"
		} else {
			opts.OrderBy, opts.OrderDirection = sort, "asc"
		}
	}
	if typeFilter := query.Get("type"); typeFilter != "" {
		kind, err := store.ParseKind(typeFilter)
		if err != nil {
			BadRequestError(w, r, ErrCodeInvalidFlagType, err.Error())
			return
		}
		opts.Filter.Type = kind
	}
	if enabledFilter := query.Get("enabled"); enabledFilter != "" {
		enabled, err := strconv.ParseBool(enabledFilter)
		if err != nil {
			BadRequestError(w, r, ErrCodeInvalidInput, "enabled must be a boolean")
			return
		}
		opts.Filter.Enabled = &enabled
	}

	flags, total, err := s.store.ListFlags(r.Context(), org, opts)
	if err != nil {
		StorageError(w, r, "Failed to list flags")
		return
	}

	includeStats := query.Get("include") == "stats"
	dtos := make([]flagDTO, 0, len(flags))
	for i := range flags {
		dto := flagToDTO(&flags[i])
		if includeStats {
			if stats, err := s.store.GetEvaluationStats(r.Context(), flags[i].ID, store.DateRange{}, store.StatsOptions{}); err == nil {
				dto.Stats = stats
			}
		}
		dtos = append(dtos, dto)
	}

	page := map[string]any{
		"limit":   limit,
		"hasMore": offset+len(flags) < total,
	}
	if offset+len(flags) < total {
		page["nextCursor"] = encodeCursor(offset + len(flags))
	}
	writeJSON(w, http.StatusOK, map[string]any{"flags": dtos, "page": page})
}

// handleCreateFlag serves POST /admin/flags.
func (s *Server) handleCreateFlag(w http.ResponseWriter, r *http.Request) {
	var req flagWriteRequest
	if err := decodeJSON(w, r, &req); err != nil {
		BadRequestError(w, r, ErrCodeInvalidInput, "Invalid JSON: "+err.Error())
		return
	}
	org, ok := s.resolveOrg(w, r, req.OrganizationID)
	if !ok {
		return
	}

	kind, err := store.ParseKind(req.Type)
	if err != nil {
		BadRequestError(w, r, ErrCodeInvalidFlagType, err.Error())
		return
	}
	defaultValue, err := store.NewValue(kind, req.DefaultValue)
	if err != nil {
		BadRequestError(w, r, ErrCodeInvalidFlagType, err.Error())
		return
	}
	variants, err := variantsFromDTO(kind, req.Variants)
	if err != nil {
		BadRequestError(w, r, ErrCodeInvalidFlagType, err.Error())
		return
	}

	flag := store.Flag{
		Key:               req.Key,
		Name:              req.Name,
		Type:              kind,
		DefaultValue:      defaultValue,
		RolloutPercentage: 100,
		OrganizationID:    org,
		Variants:          variants,
		Metadata:          req.Metadata,
	}
	if req.Description != nil {
		flag.Description = *req.Description
	}
	if req.Enabled != nil {
		flag.Enabled = *req.Enabled
	}
	if req.RolloutPercentage != nil {
		flag.RolloutPercentage = *req.RolloutPercentage
	}

	if result := validation.ValidateFlag(validation.FlagParams{
		Key:               flag.Key,
		Name:              flag.Name,
		Description:       flag.Description,
		Type:              flag.Type,
		RolloutPercentage: flag.RolloutPercentage,
		Variants:          flag.Variants,
	}); !result.Valid {
		ValidationError(w, r, "Validation failed for one or more fields", result.Errors)
		return
	}

	if err := s.store.CreateFlag(r.Context(), &flag); err != nil {
		if errors.Is(err, store.ErrConflict) {
			ConflictError(w, r, "A flag with this key already exists in the organization")
			return
		}
		StorageError(w, r, "Failed to create flag")
		return
	}

	s.auditLog(audit.NewEntry(r).ForFlag(flag.ID).Action(store.AuditCreated).Org(org).
		Values(nil, flagToDTO(&flag)).Build())
	s.invalidateFlag(flag.Key)
	writeJSON(w, http.StatusCreated, flagToDTO(&flag))
}

// handleGetFlag serves GET /admin/flags/{flagId}.
func (s *Server) handleGetFlag(w http.ResponseWriter, r *http.Request) {
	flag, ok := s.loadOwnedFlag(w, r, chi.URLParam(r, "flagId"))
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, flagToDTO(flag))
}

type flagPatchRequest struct {
	Name              *string           `json:"name,omitempty"`
	Description       *string           `json:"description,omitempty"`
	Enabled           *bool             `json:"enabled,omitempty"`
	DefaultValue      any               `json:"defaultValue,omitempty"`
	RolloutPercentage *float64          `json:"rolloutPercentage,omitempty"`
	Variants          []variantWriteDTO `json:"variants,omitempty"`
	Metadata          map[string]any    `json:"metadata,omitempty"`
}

// handleUpdateFlag serves PATCH /admin/flags/{flagId}.
func (s *Server) handleUpdateFlag(w http.ResponseWriter, r *http.Request) {
	flag, ok := s.loadOwnedFlag(w, r, chi.URLParam(r, "flagId"))
	if !ok {
		return
	}
	var req flagPatchRequest
	if err := decodeJSON(w, r, &req); err != nil {
		BadRequestError(w, r, ErrCodeInvalidInput, "Invalid JSON: "+err.Error())
		return
	}

	before := flagToDTO(flag)
	if req.Name != nil {
		flag.Name = *req.Name
	}
	if req.Description != nil {
		flag.Description = *req.Description
	}
	if req.Enabled != nil {
		flag.Enabled = *req.Enabled
	}
	if req.DefaultValue != nil {
		value, err := store.NewValue(flag.Type, req.DefaultValue)
		if err != nil {
			BadRequestError(w, r, ErrCodeInvalidFlagType, err.Error())
			return
		}
		flag.DefaultValue = value
	}
	if req.RolloutPercentage != nil {
		flag.RolloutPercentage = *req.RolloutPercentage
	}
	if req.Variants != nil {
		variants, err := variantsFromDTO(flag.Type, req.Variants)
		if err != nil {
			BadRequestError(w, r, ErrCodeInvalidFlagType, err.Error())
			return
		}
		flag.Variants = variants
	}
	if req.Metadata != nil {
		flag.Metadata = req.Metadata
	}

	if result := validation.ValidateFlag(validation.FlagParams{
		Key:               flag.Key,
		Name:              flag.Name,
		Description:       flag.Description,
		Type:              flag.Type,
		RolloutPercentage: flag.RolloutPercentage,
		Variants:          flag.Variants,
	}); !result.Valid {
		ValidationError(w, r, "Validation failed for one or more fields", result.Errors)
		return
	}

	if err := s.store.UpdateFlag(r.Context(), flag); err != nil {
		StorageError(w, r, "Failed to update flag")
		return
	}

	s.auditLog(audit.NewEntry(r).ForFlag(flag.ID).Action(store.AuditUpdated).Org(flag.OrganizationID).
		Values(before, flagToDTO(flag)).Build())
	s.invalidateFlag(flag.Key)
	writeJSON(w, http.StatusOK, flagToDTO(flag))
}

// handleDeleteFlag serves DELETE /admin/flags/{flagId}.
func (s *Server) handleDeleteFlag(w http.ResponseWriter, r *http.Request) {
	flag, ok := s.loadOwnedFlag(w, r, chi.URLParam(r, "flagId"))
	if !ok {
		return
	}
	if err := s.store.DeleteFlag(r.Context(), flag.ID); err != nil {
		StorageError(w, r, "Failed to delete flag")
		return
	}
	s.auditLog(audit.NewEntry(r).ForFlag(flag.ID).Action(store.AuditDeleted).Org(flag.OrganizationID).
		Values(flagToDTO(flag), nil).Build())
	s.invalidateFlag(flag.Key)
	w.WriteHeader(http.StatusNoContent)
}

// handleSetEnabled serves POST /admin/flags/{flagId}/enable and /disable.
func (s *Server) handleSetEnabled(enabled bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		flag, ok := s.loadOwnedFlag(w, r, chi.URLParam(r, "flagId"))
		if !ok {
			return
		}
		if flag.Enabled != enabled {
			flag.Enabled = enabled
			if err := s.store.UpdateFlag(r.Context(), flag); err != nil {
				StorageError(w, r, "Failed to update flag")
				return
			}
		}
		action := store.AuditEnabled
		if !enabled {
			action = store.AuditDisabled
		}
		s.auditLog(audit.NewEntry(r).ForFlag(flag.ID).Action(action).Org(flag.OrganizationID).Build())
		s.invalidateFlag(flag.Key)
		writeJSON(w, http.StatusOK, flagToDTO(flag))
	}
}
