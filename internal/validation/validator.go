// Package validation provides field-level validation for admin write
// payloads. Results collect per-field messages so responses can point at
// everything wrong at once.
package validation

import (
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/kriasoft/flagkit/internal/rules"
	"github.com/kriasoft/flagkit/internal/store"
)

const (
	// MaxKeyLength is the maximum length for flag keys.
	MaxKeyLength = 128
	// MaxNameLength is the maximum length for flag names.
	MaxNameLength = 256
	// MaxDescriptionLength is the maximum length for descriptions.
	MaxDescriptionLength = 1000
	// MinRollout and MaxRollout bound rollout percentages.
	MinRollout = 0
	MaxRollout = 100
)

// keyPattern keeps flag keys URL-safe.
var keyPattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// Result holds the outcome of a validation pass.
type Result struct {
	Valid  bool
	Errors map[string]string
}

// NewResult creates a passing result.
func NewResult() *Result {
	return &Result{Valid: true, Errors: make(map[string]string)}
}

// AddError records a field error and marks the result invalid.
func (r *Result) AddError(field, message string) {
	r.Valid = false
	r.Errors[field] = message
}

// Merge folds another result into this one.
func (r *Result) Merge(other *Result) {
	if other == nil {
		return
	}
	for field, message := range other.Errors {
		r.AddError(field, message)
	}
}

// FlagParams are the fields checked when creating or updating a flag.
type FlagParams struct {
	Key               string
	Name              string
	Description       string
	Type              store.Kind
	RolloutPercentage float64
	Variants          []store.Variant
}

// ValidateFlag checks every flag field.
func ValidateFlag(p FlagParams) *Result {
	result := NewResult()
	result.Merge(ValidateKey(p.Key))

	if strings.TrimSpace(p.Name) == "" {
		result.AddError("name", "Name is required")
	} else if utf8.RuneCountInString(p.Name) > MaxNameLength {
		result.AddError("name", "Name must not exceed 256 characters")
	}

	if utf8.RuneCountInString(p.Description) > MaxDescriptionLength {
		result.AddError("description", "Description must not exceed 1000 characters")
	}

	if _, err := store.ParseKind(string(p.Type)); err != nil {
		result.AddError("type", "Type must be one of boolean, string, number, json")
	}

	result.Merge(ValidateRollout(p.RolloutPercentage))

	if len(p.Variants) > 0 {
		if err := store.ValidateVariantWeights(p.Variants); err != nil {
			result.AddError("variants", err.Error())
		}
	}
	return result
}

// ValidateKey checks a flag key.
func ValidateKey(key string) *Result {
	result := NewResult()
	key = strings.TrimSpace(key)

	if key == "" {
		result.AddError("key", "Key is required")
		return result
	}
	if utf8.RuneCountInString(key) > MaxKeyLength {
		result.AddError("key", "Key must not exceed 128 characters")
		return result
	}
	if !keyPattern.MatchString(key) {
		result.AddError("key", "Key must contain only alphanumeric characters, underscores, and hyphens")
		return result
	}
	if key == store.ReservedUnknownFlagKey {
		result.AddError("key", "Key is reserved")
	}
	return result
}

// ValidateRollout checks a rollout percentage.
func ValidateRollout(rollout float64) *Result {
	result := NewResult()
	if rollout < MinRollout || rollout > MaxRollout {
		result.AddError("rolloutPercentage", "Rollout percentage must be between 0 and 100")
	}
	return result
}

// RuleParams are the fields checked when creating or updating a rule.
type RuleParams struct {
	Conditions rules.Condition
	Percentage *float64
	Variant    string
	Flag       *store.Flag
}

// ValidateRule checks rule shape: a well-formed condition tree, an in-range
// percentage gate, and a variant reference that exists on the flag.
func ValidateRule(p RuleParams) *Result {
	result := NewResult()

	if err := rules.ValidateCondition(p.Conditions); err != nil {
		result.AddError("conditions", err.Error())
	}
	if p.Percentage != nil && (*p.Percentage < 0 || *p.Percentage > 100) {
		result.AddError("percentage", "Percentage must be between 0 and 100")
	}
	if p.Variant != "" && p.Flag != nil {
		found := false
		for _, v := range p.Flag.Variants {
			if v.Key == p.Variant {
				found = true
				break
			}
		}
		if !found {
			result.AddError("variant", "Variant "+p.Variant+" is not defined on the flag")
		}
	}
	return result
}

// ValidateSampleRate checks a client-supplied sampling rate.
func ValidateSampleRate(rate float64) *Result {
	result := NewResult()
	if rate < 0 || rate > 1 {
		result.AddError("sampleRate", "Sample rate must be between 0 and 1")
	}
	return result
}
