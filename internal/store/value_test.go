package store

import (
	"encoding/json"
	"math"
	"testing"
)

func TestNewValue_KindChecks(t *testing.T) {
	cases := []struct {
		kind    Kind
		payload any
		ok      bool
	}{
		{KindBoolean, true, true},
		{KindBoolean, "true", false},
		{KindString, "hello", true},
		{KindString, 42, false},
		{KindNumber, 42, true},          // ints widen to float64
		{KindNumber, 3.14, true},
		{KindNumber, math.NaN(), false}, // must be finite
		{KindNumber, math.Inf(1), false},
		{KindNumber, "42", false},
		{KindJSON, map[string]any{"a": []any{1.0, "b"}}, true},
		{KindJSON, nil, true},
		{KindJSON, map[string]any{"fn": func() {}}, false},
		{Kind("vector"), 1, false},
	}
	for i, tc := range cases {
		_, err := NewValue(tc.kind, tc.payload)
		if (err == nil) != tc.ok {
			t.Errorf("case %d (%s/%v): err = %v, want ok=%v", i, tc.kind, tc.payload, err, tc.ok)
		}
	}
}

func TestValue_IntWidening(t *testing.T) {
	v, err := NewValue(KindNumber, 7)
	if err != nil {
		t.Fatalf("NewValue failed: %v", err)
	}
	if f, ok := v.Payload.(float64); !ok || f != 7 {
		t.Errorf("payload = %v (%T), want float64 7", v.Payload, v.Payload)
	}
}

func TestValue_JSONRoundTrip(t *testing.T) {
	v := MustValue(KindJSON, map[string]any{"limit": 10.0, "names": []any{"a"}})
	raw, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}
	var back Value
	if err := json.Unmarshal(raw, &back); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	if back.Kind != KindJSON {
		t.Errorf("kind lost in round trip: %q", back.Kind)
	}
	payload, ok := back.Payload.(map[string]any)
	if !ok || payload["limit"] != 10.0 {
		t.Errorf("payload lost in round trip: %v", back.Payload)
	}
}

func TestParseKind(t *testing.T) {
	for _, valid := range []string{"boolean", "string", "number", "json"} {
		if _, err := ParseKind(valid); err != nil {
			t.Errorf("ParseKind(%q) failed: %v", valid, err)
		}
	}
	if _, err := ParseKind("uuid"); err == nil {
		t.Error("expected error for unknown kind")
	}
}
