package store

import (
	"encoding/json"
	"fmt"
	"math"
)

// Kind is the declared type of a flag and of every value attached to it.
type Kind string

const (
	KindBoolean Kind = "boolean"
	KindString  Kind = "string"
	KindNumber  Kind = "number"
	KindJSON    Kind = "json"
)

// ParseKind validates a wire string into a Kind.
func ParseKind(s string) (Kind, error) {
	switch Kind(s) {
	case KindBoolean, KindString, KindNumber, KindJSON:
		return Kind(s), nil
	default:
		return "", fmt.Errorf("unknown flag type %q", s)
	}
}

// Value is a tagged flag value. The payload is JSON-shaped (string, bool,
// float64, nil, []any, map[string]any) and must be compatible with its kind.
// Comparisons against values of the wrong shape are the rule evaluator's
// problem and resolve to false there; Value itself only guards construction.
type Value struct {
	Kind    Kind `json:"kind"`
	Payload any  `json:"payload"`
}

// NewValue builds a Value after checking kind/payload compatibility.
func NewValue(kind Kind, payload any) (Value, error) {
	payload = normalizePayload(payload)
	switch kind {
	case KindBoolean:
		if _, ok := payload.(bool); !ok {
			return Value{}, fmt.Errorf("value %v is not compatible with type boolean", payload)
		}
	case KindString:
		if _, ok := payload.(string); !ok {
			return Value{}, fmt.Errorf("value %v is not compatible with type string", payload)
		}
	case KindNumber:
		f, ok := payload.(float64)
		if !ok {
			return Value{}, fmt.Errorf("value %v is not compatible with type number", payload)
		}
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return Value{}, fmt.Errorf("number value must be finite")
		}
	case KindJSON:
		if !jsonShaped(payload) {
			return Value{}, fmt.Errorf("value is not JSON-shaped")
		}
	default:
		return Value{}, fmt.Errorf("unknown flag type %q", kind)
	}
	return Value{Kind: kind, Payload: payload}, nil
}

// MustValue is NewValue for seed data and tests where the input is known good.
func MustValue(kind Kind, payload any) Value {
	v, err := NewValue(kind, payload)
	if err != nil {
		panic(err)
	}
	return v
}

// IsZero reports whether the value was never constructed.
func (v Value) IsZero() bool {
	return v.Kind == ""
}

// normalizePayload widens Go integer types to float64 so a Value always
// holds the shape encoding/json would produce.
func normalizePayload(payload any) any {
	switch n := payload.(type) {
	case int:
		return float64(n)
	case int32:
		return float64(n)
	case int64:
		return float64(n)
	case float32:
		return float64(n)
	case json.Number:
		f, err := n.Float64()
		if err != nil {
			return payload
		}
		return f
	default:
		return payload
	}
}

func jsonShaped(v any) bool {
	switch val := v.(type) {
	case nil, bool, string, float64:
		return true
	case []any:
		for _, item := range val {
			if !jsonShaped(item) {
				return false
			}
		}
		return true
	case map[string]any:
		for _, item := range val {
			if !jsonShaped(item) {
				return false
			}
		}
		return true
	default:
		return false
	}
}
