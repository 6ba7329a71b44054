package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/kriasoft/flagkit/internal/audit"
	"github.com/kriasoft/flagkit/internal/auth"
	"github.com/kriasoft/flagkit/internal/store"
)

type overrideWriteRequest struct {
	FlagID    string     `json:"flagId"`
	UserID    string     `json:"userId"`
	Value     any        `json:"value"`
	Variant   string     `json:"variant,omitempty"`
	ExpiresAt *time.Time `json:"expiresAt,omitempty"`
	Reason    string     `json:"reason,omitempty"`
}

// loadOwnedOverride fetches an override and gates it through its flag's
// ownership. A foreign override reads as absent.
func (s *Server) loadOwnedOverride(w http.ResponseWriter, r *http.Request, id string) (*store.Override, *store.Flag, bool) {
	override, err := s.store.GetOverrideByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			NotFoundError(w, r, ErrCodeOverrideNotFound, "Override not found")
		} else {
			StorageError(w, r, "Failed to load override")
		}
		return nil, nil, false
	}
	flag, err := s.store.GetFlagByID(r.Context(), override.FlagID)
	if err != nil {
		NotFoundError(w, r, ErrCodeOverrideNotFound, "Override not found")
		return nil, nil, false
	}
	session := auth.SessionFromContext(r.Context())
	if err := s.enforcer.CheckOwnership(session, flag); err != nil {
		NotFoundError(w, r, ErrCodeOverrideNotFound, "Override not found")
		return nil, nil, false
	}
	return override, flag, true
}

// handleListOverrides serves GET /admin/overrides.
func (s *Server) handleListOverrides(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	flagID := query.Get("flagId")
	userID := query.Get("userId")

	// Scope the listing to flags the session may see.
	if flagID != "" {
		if _, ok := s.loadOwnedFlag(w, r, flagID); !ok {
			return
		}
	}
	overrides, err := s.store.ListOverrides(r.Context(), flagID, userID)
	if err != nil {
		StorageError(w, r, "Failed to list overrides")
		return
	}

	session := auth.SessionFromContext(r.Context())
	dtos := make([]overrideDTO, 0, len(overrides))
	for i := range overrides {
		if flagID == "" {
			// Without a flag filter, drop rows owned by other tenants.
			flag, err := s.store.GetFlagByID(r.Context(), overrides[i].FlagID)
			if err != nil || s.enforcer.CheckOwnership(session, flag) != nil {
				continue
			}
		}
		dtos = append(dtos, overrideToDTO(&overrides[i]))
	}
	writeJSON(w, http.StatusOK, map[string]any{"overrides": dtos})
}

// handleCreateOverride serves POST /admin/overrides.
func (s *Server) handleCreateOverride(w http.ResponseWriter, r *http.Request) {
	var req overrideWriteRequest
	if err := decodeJSON(w, r, &req); err != nil {
		BadRequestError(w, r, ErrCodeInvalidInput, "Invalid JSON: "+err.Error())
		return
	}
	if req.FlagID == "" || req.UserID == "" {
		ValidationError(w, r, "flagId and userId are required", map[string]string{
			"flagId": "Flag id is required",
			"userId": "User id is required",
		})
		return
	}
	flag, ok := s.loadOwnedFlag(w, r, req.FlagID)
	if !ok {
		return
	}
	value, err := store.NewValue(flag.Type, req.Value)
	if err != nil {
		BadRequestError(w, r, ErrCodeInvalidFlagType, err.Error())
		return
	}

	override := store.Override{
		FlagID:    flag.ID,
		UserID:    req.UserID,
		Value:     value,
		Variant:   req.Variant,
		ExpiresAt: req.ExpiresAt,
		Reason:    req.Reason,
	}
	if err := s.store.CreateOverride(r.Context(), &override); err != nil {
		if errors.Is(err, store.ErrConflict) {
			ConflictError(w, r, "An override for this user already exists on the flag")
			return
		}
		StorageError(w, r, "Failed to create override")
		return
	}

	s.auditLog(audit.NewEntry(r).ForFlag(flag.ID).Action(store.AuditOverrideAdded).Org(flag.OrganizationID).
		Values(nil, overrideToDTO(&override)).Build())
	s.invalidateFlag(flag.Key)
	writeJSON(w, http.StatusCreated, overrideToDTO(&override))
}

// handleGetOverride serves GET /admin/overrides/{id}.
func (s *Server) handleGetOverride(w http.ResponseWriter, r *http.Request) {
	override, _, ok := s.loadOwnedOverride(w, r, chi.URLParam(r, "id"))
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, overrideToDTO(override))
}

type overridePatchRequest struct {
	Value     any        `json:"value,omitempty"`
	Variant   *string    `json:"variant,omitempty"`
	ExpiresAt *time.Time `json:"expiresAt,omitempty"`
	Reason    *string    `json:"reason,omitempty"`
}

// handleUpdateOverride serves PATCH /admin/overrides/{id}.
func (s *Server) handleUpdateOverride(w http.ResponseWriter, r *http.Request) {
	override, flag, ok := s.loadOwnedOverride(w, r, chi.URLParam(r, "id"))
	if !ok {
		return
	}
	var req overridePatchRequest
	if err := decodeJSON(w, r, &req); err != nil {
		BadRequestError(w, r, ErrCodeInvalidInput, "Invalid JSON: "+err.Error())
		return
	}

	before := overrideToDTO(override)
	if req.Value != nil {
		value, err := store.NewValue(flag.Type, req.Value)
		if err != nil {
			BadRequestError(w, r, ErrCodeInvalidFlagType, err.Error())
			return
		}
		override.Value = value
	}
	if req.Variant != nil {
		override.Variant = *req.Variant
	}
	if req.ExpiresAt != nil {
		override.ExpiresAt = req.ExpiresAt
	}
	if req.Reason != nil {
		override.Reason = *req.Reason
	}

	if err := s.store.UpdateOverride(r.Context(), override); err != nil {
		StorageError(w, r, "Failed to update override")
		return
	}

	s.auditLog(audit.NewEntry(r).ForFlag(flag.ID).Action(store.AuditOverrideAdded).Org(flag.OrganizationID).
		Values(before, overrideToDTO(override)).Build())
	s.invalidateFlag(flag.Key)
	writeJSON(w, http.StatusOK, overrideToDTO(override))
}

// handleDeleteOverride serves DELETE /admin/overrides/{id}.
func (s *Server) handleDeleteOverride(w http.ResponseWriter, r *http.Request) {
	override, flag, ok := s.loadOwnedOverride(w, r, chi.URLParam(r, "id"))
	if !ok {
		return
	}
	if err := s.store.DeleteOverride(r.Context(), override.ID); err != nil {
		StorageError(w, r, "Failed to delete override")
		return
	}
	s.auditLog(audit.NewEntry(r).ForFlag(flag.ID).Action(store.AuditOverrideRemoved).Org(flag.OrganizationID).
		Values(overrideToDTO(override), nil).Build())
	s.invalidateFlag(flag.Key)
	w.WriteHeader(http.StatusNoContent)
}
