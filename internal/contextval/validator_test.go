package contextval

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func TestValidateAttributes_Valid(t *testing.T) {
	attrs := map[string]any{
		"plan":       "pro",
		"age":        34.0,
		"beta":       true,
		"score":      nil,
		"tags":       []any{"a", "b"},
		"dotted.key": "ok",
		"nested":     map[string]any{"a": map[string]any{"b": "c"}},
	}
	if err := ValidateAttributes(attrs); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	if err := ValidateAttributes(nil); err != nil {
		t.Errorf("nil attributes should validate: %v", err)
	}
}

func TestValidateAttributes_BlockedKeys(t *testing.T) {
	for _, key := range []string{"__proto__", "constructor", "prototype", "hasOwnProperty", "toString", "valueOf"} {
		err := ValidateAttributes(map[string]any{key: "x"})
		if err == nil {
			t.Errorf("key %q should be rejected", key)
			continue
		}
		var fe *FieldError
		if !errors.As(err, &fe) {
			t.Errorf("key %q: expected *FieldError, got %T", key, err)
		}
	}
	// Blocked keys nested inside objects are rejected too.
	err := ValidateAttributes(map[string]any{"outer": map[string]any{"__proto__": "x"}})
	if err == nil {
		t.Error("nested blocked key should be rejected")
	}
}

func TestValidateAttributes_KeyPattern(t *testing.T) {
	bad := []string{"has space", "semi;colon", "slash/", "ünïcode", ""}
	for _, key := range bad {
		if err := ValidateAttributes(map[string]any{key: "x"}); err == nil {
			t.Errorf("key %q should be rejected", key)
		}
	}
}

func TestValidateAttributes_Depth(t *testing.T) {
	// Depth 5 is the limit; build a map nested 6 levels deep.
	deep := map[string]any{"leaf": "too deep"}
	for i := 0; i < 5; i++ {
		deep = map[string]any{"l": deep}
	}
	if err := ValidateAttributes(deep); err == nil {
		t.Error("6-deep nesting should be rejected")
	}

	ok := map[string]any{"l2": map[string]any{"l3": map[string]any{"l4": map[string]any{"l5": "fits"}}}}
	if err := ValidateAttributes(map[string]any{"l1": ok["l2"]}); err != nil {
		t.Errorf("nesting inside the limit rejected: %v", err)
	}
}

func TestValidateAttributes_SizeLimits(t *testing.T) {
	// Oversized single string.
	if err := ValidateAttributes(map[string]any{"big": strings.Repeat("a", MaxStringBytes+1)}); err == nil {
		t.Error("oversized string should be rejected")
	}

	// Oversized array.
	arr := make([]any, MaxArrayElements+1)
	for i := range arr {
		arr[i] = true
	}
	if err := ValidateAttributes(map[string]any{"arr": arr}); err == nil {
		t.Error("oversized array should be rejected")
	}

	// Oversized object.
	obj := make(map[string]any, MaxObjectProperties+1)
	for i := 0; i <= MaxObjectProperties; i++ {
		obj[fmt.Sprintf("k%d", i)] = i
	}
	if err := ValidateAttributes(map[string]any{"obj": obj}); err == nil {
		t.Error("oversized object should be rejected")
	}

	// Total serialized size.
	many := map[string]any{}
	for i := 0; i < 10; i++ {
		many["chunk"+string(rune('a'+i))] = strings.Repeat("b", 9000)
	}
	if err := ValidateAttributes(many); err == nil {
		t.Error("attributes over the total size budget should be rejected")
	}
}

func TestValidateAttributes_NonFiniteAndOpaque(t *testing.T) {
	nan := map[string]any{"bad": float64(1)}
	nan["bad"] = mathNaN()
	if err := ValidateAttributes(nan); err == nil {
		t.Error("NaN should be rejected")
	}
	if err := ValidateAttributes(map[string]any{"fn": func() {}}); err == nil {
		t.Error("function values should be rejected")
	}
}

func mathNaN() float64 {
	zero := 0.0
	return zero / zero
}

func TestCamelCaseHeader(t *testing.T) {
	cases := map[string]string{
		"x-deployment-ring": "deploymentRing",
		"X-Device-Type":     "deviceType",
		"x-ab":              "ab",
		"user-agent":        "userAgent",
	}
	for in, want := range cases {
		if got := CamelCaseHeader(in); got != want {
			t.Errorf("CamelCaseHeader(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestExtractHeaders(t *testing.T) {
	logger := zerolog.Nop()
	rls := []HeaderRule{
		{Name: "x-deployment-ring", Type: HeaderEnum, Enum: []string{"canary", "preview", "production"}},
		{Name: "x-client-version", Type: HeaderString, Pattern: `^\d+\.\d+\.\d+$`, MaxLength: 16},
		{Name: "x-session-count", Type: HeaderNumber},
		{Name: "x-is-beta", Type: HeaderBoolean},
		{Name: "x-device", Type: HeaderJSON},
	}

	h := http.Header{}
	h.Set("x-deployment-ring", "canary")
	h.Set("x-client-version", "2.14.0")
	h.Set("x-session-count", "12")
	h.Set("x-is-beta", "true")
	h.Set("x-device", `{"os":"ios"}`)
	h.Set("x-unlisted", "ignored")

	attrs := ExtractHeaders(h, rls, logger)
	if attrs["deploymentRing"] != "canary" {
		t.Errorf("deploymentRing = %v", attrs["deploymentRing"])
	}
	if attrs["clientVersion"] != "2.14.0" {
		t.Errorf("clientVersion = %v", attrs["clientVersion"])
	}
	if attrs["sessionCount"] != 12.0 {
		t.Errorf("sessionCount = %v", attrs["sessionCount"])
	}
	if attrs["isBeta"] != true {
		t.Errorf("isBeta = %v", attrs["isBeta"])
	}
	device, ok := attrs["device"].(map[string]any)
	if !ok || device["os"] != "ios" {
		t.Errorf("device = %v", attrs["device"])
	}
	if _, present := attrs["unlisted"]; present {
		t.Error("non-whitelisted header leaked into attributes")
	}
}

func TestExtractHeaders_DropsInvalidSilently(t *testing.T) {
	logger := zerolog.Nop()
	rls := []HeaderRule{
		{Name: "x-deployment-ring", Type: HeaderEnum, Enum: []string{"canary", "production"}},
		{Name: "x-session-count", Type: HeaderNumber},
		{Name: "x-client-version", Type: HeaderString, MaxLength: 4},
	}

	h := http.Header{}
	h.Set("x-deployment-ring", "staging")   // not in enum
	h.Set("x-session-count", "not-a-number")
	h.Set("x-client-version", "1.2.3-beta") // too long

	attrs := ExtractHeaders(h, rls, logger)
	if len(attrs) != 0 {
		t.Errorf("all invalid headers should be dropped, got %v", attrs)
	}
}
