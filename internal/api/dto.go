package api

import (
	"encoding/json"
	"time"

	"github.com/kriasoft/flagkit/internal/engine"
	"github.com/kriasoft/flagkit/internal/store"
)

// contextDTO is the wire shape of an evaluation context.
type contextDTO struct {
	UserID         string         `json:"userId,omitempty"`
	Email          string         `json:"email,omitempty"`
	Role           string         `json:"role,omitempty"`
	OrganizationID string         `json:"organizationId,omitempty"`
	Attributes     map[string]any `json:"attributes,omitempty"`
}

// selectSpec is the response projection: "full" (default), "value", or an
// explicit field list.
type selectSpec struct {
	value  bool
	fields map[string]bool
}

// parseSelect accepts a JSON string or array of field names.
func parseSelect(raw json.RawMessage) (selectSpec, bool) {
	if len(raw) == 0 {
		return selectSpec{}, true
	}
	var single string
	if err := json.Unmarshal(raw, &single); err == nil {
		switch single {
		case "", "full":
			return selectSpec{}, true
		case "value":
			return selectSpec{value: true}, true
		default:
			return selectSpec{}, false
		}
	}
	var list []string
	if err := json.Unmarshal(raw, &list); err != nil {
		return selectSpec{}, false
	}
	fields := make(map[string]bool, len(list))
	for _, f := range list {
		switch f {
		case "value", "variant", "reason", "metadata":
			fields[f] = true
		default:
			return selectSpec{}, false
		}
	}
	return selectSpec{fields: fields}, true
}

// shapeResult projects one evaluation result per the select spec.
func shapeResult(result engine.Result, sel selectSpec) map[string]any {
	if sel.value {
		return map[string]any{"value": result.Value}
	}
	full := sel.fields == nil
	shaped := make(map[string]any, 4)
	if full || sel.fields["value"] {
		shaped["value"] = result.Value
	}
	if (full || sel.fields["variant"]) && result.Variant != "" {
		shaped["variant"] = result.Variant
	}
	if full || sel.fields["reason"] {
		shaped["reason"] = string(result.Reason)
	}
	if (full || sel.fields["metadata"]) && result.Metadata != nil {
		shaped["metadata"] = result.Metadata
	}
	return shaped
}

// flagDTO is the admin wire shape of a flag. Values travel as raw payloads;
// the declared type tags them on the way back in.
type flagDTO struct {
	ID                string                 `json:"id"`
	Key               string                 `json:"key"`
	Name              string                 `json:"name"`
	Description       string                 `json:"description,omitempty"`
	Type              string                 `json:"type"`
	Enabled           bool                   `json:"enabled"`
	DefaultValue      any                    `json:"defaultValue"`
	RolloutPercentage float64                `json:"rolloutPercentage"`
	OrganizationID    string                 `json:"organizationId,omitempty"`
	Variants          []variantDTO           `json:"variants,omitempty"`
	Metadata          map[string]any         `json:"metadata,omitempty"`
	Stats             *store.EvaluationStats `json:"stats,omitempty"`
	CreatedAt         time.Time              `json:"createdAt"`
	UpdatedAt         time.Time              `json:"updatedAt"`
}

type variantDTO struct {
	Key      string         `json:"key"`
	Value    any            `json:"value"`
	Weight   float64        `json:"weight"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

func flagToDTO(flag *store.Flag) flagDTO {
	dto := flagDTO{
		ID:                flag.ID,
		Key:               flag.Key,
		Name:              flag.Name,
		Description:       flag.Description,
		Type:              string(flag.Type),
		Enabled:           flag.Enabled,
		DefaultValue:      flag.DefaultValue.Payload,
		RolloutPercentage: flag.RolloutPercentage,
		OrganizationID:    flag.OrganizationID,
		Metadata:          flag.Metadata,
		CreatedAt:         flag.CreatedAt,
		UpdatedAt:         flag.UpdatedAt,
	}
	for _, v := range flag.Variants {
		dto.Variants = append(dto.Variants, variantDTO{
			Key:      v.Key,
			Value:    v.Value.Payload,
			Weight:   v.Weight,
			Metadata: v.Metadata,
		})
	}
	return dto
}

// ruleDTO is the admin wire shape of a rule.
type ruleDTO struct {
	ID         string          `json:"id"`
	FlagID     string          `json:"flagId"`
	Priority   int             `json:"priority"`
	Conditions json.RawMessage `json:"conditions"`
	Value      any             `json:"value"`
	Variant    string          `json:"variant,omitempty"`
	Percentage *float64        `json:"percentage,omitempty"`
	Enabled    bool            `json:"enabled"`
	CreatedAt  time.Time       `json:"createdAt"`
}

func ruleToDTO(rule *store.Rule) ruleDTO {
	conditions, _ := json.Marshal(rule.Conditions)
	return ruleDTO{
		ID:         rule.ID,
		FlagID:     rule.FlagID,
		Priority:   rule.Priority,
		Conditions: conditions,
		Value:      rule.Value.Payload,
		Variant:    rule.Variant,
		Percentage: rule.Percentage,
		Enabled:    rule.Enabled,
		CreatedAt:  rule.CreatedAt,
	}
}

// overrideDTO is the admin wire shape of an override.
type overrideDTO struct {
	ID        string     `json:"id"`
	FlagID    string     `json:"flagId"`
	UserID    string     `json:"userId"`
	Value     any        `json:"value"`
	Variant   string     `json:"variant,omitempty"`
	ExpiresAt *time.Time `json:"expiresAt,omitempty"`
	Reason    string     `json:"reason,omitempty"`
	CreatedAt time.Time  `json:"createdAt"`
}

func overrideToDTO(o *store.Override) overrideDTO {
	return overrideDTO{
		ID:        o.ID,
		FlagID:    o.FlagID,
		UserID:    o.UserID,
		Value:     o.Value.Payload,
		Variant:   o.Variant,
		ExpiresAt: o.ExpiresAt,
		Reason:    o.Reason,
		CreatedAt: o.CreatedAt,
	}
}

// environmentDTO is the admin wire shape of an environment.
type environmentDTO struct {
	ID          string    `json:"id"`
	Key         string    `json:"key"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
}

func environmentToDTO(e *store.Environment) environmentDTO {
	return environmentDTO{
		ID:          e.ID,
		Key:         e.Key,
		Name:        e.Name,
		Description: e.Description,
		CreatedAt:   e.CreatedAt,
	}
}
