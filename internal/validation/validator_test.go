package validation

import (
	"strings"
	"testing"

	"github.com/kriasoft/flagkit/internal/rules"
	"github.com/kriasoft/flagkit/internal/store"
)

func validFlagParams() FlagParams {
	return FlagParams{
		Key:               "checkout-v2",
		Name:              "Checkout v2",
		Type:              store.KindBoolean,
		RolloutPercentage: 50,
	}
}

func TestValidateFlag_Valid(t *testing.T) {
	result := ValidateFlag(validFlagParams())
	if !result.Valid {
		t.Errorf("unexpected errors: %v", result.Errors)
	}
}

func TestValidateFlag_FieldErrors(t *testing.T) {
	p := validFlagParams()
	p.Key = "bad key!"
	p.Name = ""
	p.Type = "vector"
	p.RolloutPercentage = 120
	result := ValidateFlag(p)
	if result.Valid {
		t.Fatal("expected validation failure")
	}
	for _, field := range []string{"key", "name", "type", "rolloutPercentage"} {
		if _, ok := result.Errors[field]; !ok {
			t.Errorf("missing error for field %q: %v", field, result.Errors)
		}
	}
}

func TestValidateKey(t *testing.T) {
	if result := ValidateKey("feature_x-2"); !result.Valid {
		t.Errorf("valid key rejected: %v", result.Errors)
	}
	for _, bad := range []string{"", "has space", "a/b", strings.Repeat("k", 200), store.ReservedUnknownFlagKey} {
		if result := ValidateKey(bad); result.Valid {
			t.Errorf("key %q should be rejected", bad)
		}
	}
}

func TestValidateFlag_VariantWeights(t *testing.T) {
	p := validFlagParams()
	p.Variants = []store.Variant{
		{Key: "A", Value: store.MustValue(store.KindBoolean, true), Weight: 80},
		{Key: "B", Value: store.MustValue(store.KindBoolean, false), Weight: 10},
	}
	result := ValidateFlag(p)
	if result.Valid {
		t.Error("weights summing to 90 should fail")
	}

	// The tolerance window admits floating point sums.
	p.Variants[1].Weight = 20.005
	if result := ValidateFlag(p); !result.Valid {
		t.Errorf("weights within tolerance rejected: %v", result.Errors)
	}
}

func TestValidateRule(t *testing.T) {
	flag := &store.Flag{
		Variants: []store.Variant{{Key: "treat", Value: store.MustValue(store.KindBoolean, true), Weight: 100}},
	}
	pct := 50.0
	result := ValidateRule(RuleParams{
		Conditions: rules.Condition{Attribute: "role", Operator: rules.OpEquals, Value: "admin"},
		Percentage: &pct,
		Variant:    "treat",
		Flag:       flag,
	})
	if !result.Valid {
		t.Errorf("valid rule rejected: %v", result.Errors)
	}

	bad := 150.0
	result = ValidateRule(RuleParams{
		Conditions: rules.Condition{Attribute: "role", Operator: "like", Value: "x"},
		Percentage: &bad,
		Variant:    "ghost",
		Flag:       flag,
	})
	for _, field := range []string{"conditions", "percentage", "variant"} {
		if _, ok := result.Errors[field]; !ok {
			t.Errorf("missing error for %q: %v", field, result.Errors)
		}
	}
}

func TestValidateSampleRate(t *testing.T) {
	if result := ValidateSampleRate(0.5); !result.Valid {
		t.Error("0.5 should be a valid sample rate")
	}
	for _, bad := range []float64{-0.1, 1.5} {
		if result := ValidateSampleRate(bad); result.Valid {
			t.Errorf("rate %v should be rejected", bad)
		}
	}
}
