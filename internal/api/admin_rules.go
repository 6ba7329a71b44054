package api

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/kriasoft/flagkit/internal/audit"
	"github.com/kriasoft/flagkit/internal/rules"
	"github.com/kriasoft/flagkit/internal/store"
	"github.com/kriasoft/flagkit/internal/validation"
)

type ruleWriteRequest struct {
	Priority   *int            `json:"priority,omitempty"`
	Conditions rules.Condition `json:"conditions"`
	Value      any             `json:"value"`
	Variant    string          `json:"variant,omitempty"`
	Percentage *float64        `json:"percentage,omitempty"`
	Enabled    *bool           `json:"enabled,omitempty"`
}

// loadOwnedRule fetches a rule through its flag's ownership gate.
func (s *Server) loadOwnedRule(w http.ResponseWriter, r *http.Request) (*store.Flag, *store.Rule, bool) {
	flag, ok := s.loadOwnedFlag(w, r, chi.URLParam(r, "flagId"))
	if !ok {
		return nil, nil, false
	}
	ruleID := chi.URLParam(r, "ruleId")
	flagRules, err := s.store.GetRulesForFlag(r.Context(), flag.ID)
	if err != nil {
		StorageError(w, r, "Failed to load rules")
		return nil, nil, false
	}
	for i := range flagRules {
		if flagRules[i].ID == ruleID {
			return flag, &flagRules[i], true
		}
	}
	NotFoundError(w, r, ErrCodeNotFound, "Rule not found")
	return nil, nil, false
}

// handleListRules serves GET /admin/flags/{flagId}/rules.
func (s *Server) handleListRules(w http.ResponseWriter, r *http.Request) {
	flag, ok := s.loadOwnedFlag(w, r, chi.URLParam(r, "flagId"))
	if !ok {
		return
	}
	flagRules, err := s.store.GetRulesForFlag(r.Context(), flag.ID)
	if err != nil {
		StorageError(w, r, "Failed to load rules")
		return
	}
	dtos := make([]ruleDTO, 0, len(flagRules))
	for i := range flagRules {
		dtos = append(dtos, ruleToDTO(&flagRules[i]))
	}
	writeJSON(w, http.StatusOK, map[string]any{"rules": dtos})
}

// handleGetRule serves GET /admin/flags/{flagId}/rules/{ruleId}.
func (s *Server) handleGetRule(w http.ResponseWriter, r *http.Request) {
	_, rule, ok := s.loadOwnedRule(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, ruleToDTO(rule))
}

// handleCreateRule serves POST /admin/flags/{flagId}/rules.
func (s *Server) handleCreateRule(w http.ResponseWriter, r *http.Request) {
	flag, ok := s.loadOwnedFlag(w, r, chi.URLParam(r, "flagId"))
	if !ok {
		return
	}
	var req ruleWriteRequest
	if err := decodeJSON(w, r, &req); err != nil {
		BadRequestError(w, r, ErrCodeInvalidInput, "Invalid JSON: "+err.Error())
		return
	}

	if result := validation.ValidateRule(validation.RuleParams{
		Conditions: req.Conditions,
		Percentage: req.Percentage,
		Variant:    req.Variant,
		Flag:       flag,
	}); !result.Valid {
		ValidationError(w, r, "Validation failed for one or more fields", result.Errors)
		return
	}
	value, err := store.NewValue(flag.Type, req.Value)
	if err != nil {
		BadRequestError(w, r, ErrCodeInvalidFlagType, err.Error())
		return
	}

	// New rules append at the end unless a priority is given.
	priority := 0
	if req.Priority != nil {
		priority = *req.Priority
	} else {
		existing, err := s.store.GetRulesForFlag(r.Context(), flag.ID)
		if err != nil {
			StorageError(w, r, "Failed to load rules")
			return
		}
		priority = len(existing) + 1
	}

	rule := store.Rule{
		FlagID:     flag.ID,
		Priority:   priority,
		Conditions: req.Conditions,
		Value:      value,
		Variant:    req.Variant,
		Percentage: req.Percentage,
		Enabled:    true,
	}
	if req.Enabled != nil {
		rule.Enabled = *req.Enabled
	}
	if err := s.store.CreateRule(r.Context(), &rule); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			NotFoundError(w, r, ErrCodeFlagNotFound, "Flag not found")
			return
		}
		StorageError(w, r, "Failed to create rule")
		return
	}

	s.auditLog(audit.NewEntry(r).ForFlag(flag.ID).Action(store.AuditRuleAdded).Org(flag.OrganizationID).
		Values(nil, ruleToDTO(&rule)).Build())
	s.invalidateFlag(flag.Key)
	writeJSON(w, http.StatusCreated, ruleToDTO(&rule))
}

type rulePatchRequest struct {
	Priority   *int             `json:"priority,omitempty"`
	Conditions *rules.Condition `json:"conditions,omitempty"`
	Value      any              `json:"value,omitempty"`
	Variant    *string          `json:"variant,omitempty"`
	Percentage *float64         `json:"percentage,omitempty"`
	Enabled    *bool            `json:"enabled,omitempty"`
}

// handleUpdateRule serves PATCH /admin/flags/{flagId}/rules/{ruleId}.
func (s *Server) handleUpdateRule(w http.ResponseWriter, r *http.Request) {
	flag, rule, ok := s.loadOwnedRule(w, r)
	if !ok {
		return
	}
	var req rulePatchRequest
	if err := decodeJSON(w, r, &req); err != nil {
		BadRequestError(w, r, ErrCodeInvalidInput, "Invalid JSON: "+err.Error())
		return
	}

	before := ruleToDTO(rule)
	if req.Priority != nil {
		rule.Priority = *req.Priority
	}
	if req.Conditions != nil {
		rule.Conditions = *req.Conditions
	}
	if req.Value != nil {
		value, err := store.NewValue(flag.Type, req.Value)
		if err != nil {
			BadRequestError(w, r, ErrCodeInvalidFlagType, err.Error())
			return
		}
		rule.Value = value
	}
	if req.Variant != nil {
		rule.Variant = *req.Variant
	}
	if req.Percentage != nil {
		rule.Percentage = req.Percentage
	}
	if req.Enabled != nil {
		rule.Enabled = *req.Enabled
	}

	if result := validation.ValidateRule(validation.RuleParams{
		Conditions: rule.Conditions,
		Percentage: rule.Percentage,
		Variant:    rule.Variant,
		Flag:       flag,
	}); !result.Valid {
		ValidationError(w, r, "Validation failed for one or more fields", result.Errors)
		return
	}

	if err := s.store.UpdateRule(r.Context(), rule); err != nil {
		StorageError(w, r, "Failed to update rule")
		return
	}

	s.auditLog(audit.NewEntry(r).ForFlag(flag.ID).Action(store.AuditRuleUpdated).Org(flag.OrganizationID).
		Values(before, ruleToDTO(rule)).Build())
	s.invalidateFlag(flag.Key)
	writeJSON(w, http.StatusOK, ruleToDTO(rule))
}

// handleDeleteRule serves DELETE /admin/flags/{flagId}/rules/{ruleId}.
func (s *Server) handleDeleteRule(w http.ResponseWriter, r *http.Request) {
	flag, rule, ok := s.loadOwnedRule(w, r)
	if !ok {
		return
	}
	if err := s.store.DeleteRule(r.Context(), rule.ID); err != nil {
		StorageError(w, r, "Failed to delete rule")
		return
	}
	s.auditLog(audit.NewEntry(r).ForFlag(flag.ID).Action(store.AuditRuleDeleted).Org(flag.OrganizationID).
		Values(ruleToDTO(rule), nil).Build())
	s.invalidateFlag(flag.Key)
	w.WriteHeader(http.StatusNoContent)
}

// handleReorderRules serves POST /admin/flags/{flagId}/rules/reorder.
func (s *Server) handleReorderRules(w http.ResponseWriter, r *http.Request) {
	flag, ok := s.loadOwnedFlag(w, r, chi.URLParam(r, "flagId"))
	if !ok {
		return
	}
	var req struct {
		IDs []string `json:"ids"`
	}
	if err := decodeJSON(w, r, &req); err != nil {
		BadRequestError(w, r, ErrCodeInvalidInput, "Invalid JSON: "+err.Error())
		return
	}
	if len(req.IDs) == 0 {
		ValidationError(w, r, "ids is required", map[string]string{"ids": "The full ordered rule id list is required"})
		return
	}

	if err := s.store.ReorderRules(r.Context(), flag.ID, req.IDs); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			NotFoundError(w, r, ErrCodeNotFound, "Rule not found")
			return
		}
		BadRequestError(w, r, ErrCodeInvalidInput, err.Error())
		return
	}

	s.auditLog(audit.NewEntry(r).ForFlag(flag.ID).Action(store.AuditRuleUpdated).Org(flag.OrganizationID).
		Meta("reorderedIds", req.IDs).Build())
	s.invalidateFlag(flag.Key)

	reordered, err := s.store.GetRulesForFlag(r.Context(), flag.ID)
	if err != nil {
		StorageError(w, r, "Failed to load rules")
		return
	}
	dtos := make([]ruleDTO, 0, len(reordered))
	for i := range reordered {
		dtos = append(dtos, ruleToDTO(&reordered[i]))
	}
	writeJSON(w, http.StatusOK, map[string]any{"rules": dtos})
}
