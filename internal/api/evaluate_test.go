package api

import (
	"net/http"
	"strings"
	"testing"
)

func flagBody(key string, overrides map[string]any) map[string]any {
	body := map[string]any{
		"key":          key,
		"name":         key,
		"type":         "boolean",
		"enabled":      true,
		"defaultValue": false,
	}
	for k, v := range overrides {
		body[k] = v
	}
	return body
}

func TestEvaluate_Disabled(t *testing.T) {
	env := newTestEnv(t)
	env.seedFlag(t, flagBody("dark-mode", map[string]any{"enabled": false}))

	w, resp := env.do(t, "POST", "/feature-flags/evaluate", map[string]any{
		"flagKey": "dark-mode",
		"context": map[string]any{"userId": "u1", "organizationId": "org-1"},
	})
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", w.Code, w.Body.String())
	}
	if resp["value"] != false || resp["reason"] != "disabled" {
		t.Errorf("got %v/%v, want false/disabled", resp["value"], resp["reason"])
	}
	if _, ok := resp["evaluatedAt"]; !ok {
		t.Error("evaluatedAt missing")
	}
}

func TestEvaluate_NotFoundWithCallerDefault(t *testing.T) {
	env := newTestEnv(t)

	w, resp := env.do(t, "POST", "/feature-flags/evaluate", map[string]any{
		"flagKey": "missing",
		"default": 42,
	})
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if resp["value"] != float64(42) || resp["reason"] != "not_found" {
		t.Errorf("got %v/%v, want 42/not_found", resp["value"], resp["reason"])
	}
}

func TestEvaluate_RuleMatch(t *testing.T) {
	env := newTestEnv(t)
	flagID := env.seedFlag(t, flagBody("promo", map[string]any{
		"type":         "string",
		"defaultValue": "none",
	}))
	w, _ := env.do(t, "POST", "/feature-flags/admin/flags/"+flagID+"/rules", map[string]any{
		"conditions": map[string]any{
			"all": []any{map[string]any{"attribute": "attributes.plan", "operator": "equals", "value": "pro"}},
		},
		"value": "gold",
	}, adminHeaders)
	if w.Code != http.StatusCreated {
		t.Fatalf("seed rule: %d %s", w.Code, w.Body.String())
	}

	w, resp := env.do(t, "POST", "/feature-flags/evaluate", map[string]any{
		"flagKey": "promo",
		"context": map[string]any{
			"userId":         "u7",
			"organizationId": "org-1",
			"attributes":     map[string]any{"plan": "pro"},
		},
	})
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", w.Code, w.Body.String())
	}
	if resp["value"] != "gold" || resp["reason"] != "rule_match" {
		t.Errorf("got %v/%v, want gold/rule_match", resp["value"], resp["reason"])
	}
	metadata, ok := resp["metadata"].(map[string]any)
	if !ok || metadata["ruleId"] == "" {
		t.Errorf("metadata = %v", resp["metadata"])
	}
}

func TestEvaluate_OverrideBeatsDisabled(t *testing.T) {
	env := newTestEnv(t)
	flagID := env.seedFlag(t, flagBody("beta", map[string]any{"enabled": false}))

	w, _ := env.do(t, "POST", "/feature-flags/admin/overrides", map[string]any{
		"flagId": flagID,
		"userId": "u42",
		"value":  true,
	}, adminHeaders)
	if w.Code != http.StatusCreated {
		t.Fatalf("seed override: %d %s", w.Code, w.Body.String())
	}

	w, resp := env.do(t, "POST", "/feature-flags/evaluate", map[string]any{
		"flagKey": "beta",
		"context": map[string]any{"userId": "u42", "organizationId": "org-1"},
	})
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if resp["value"] != true || resp["reason"] != "override" {
		t.Errorf("got %v/%v, want true/override", resp["value"], resp["reason"])
	}
}

func TestEvaluate_InvalidAttributesRejected(t *testing.T) {
	env := newTestEnv(t)
	env.seedFlag(t, flagBody("guarded", nil))

	w, resp := env.do(t, "POST", "/feature-flags/evaluate", map[string]any{
		"flagKey": "guarded",
		"context": map[string]any{
			"userId":     "u1",
			"attributes": map[string]any{"__proto__": "x"},
		},
	})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
	if resp["code"] != string(ErrCodeValidation) {
		t.Errorf("code = %v", resp["code"])
	}
}

func TestEvaluate_InvalidFlagKeyRejected(t *testing.T) {
	env := newTestEnv(t)
	w, resp := env.do(t, "POST", "/feature-flags/evaluate", map[string]any{
		"flagKey": "not a key!",
	})
	if w.Code != http.StatusBadRequest || resp["code"] != string(ErrCodeValidation) {
		t.Errorf("status=%d code=%v", w.Code, resp["code"])
	}
}

func TestEvaluate_SelectValueProjection(t *testing.T) {
	env := newTestEnv(t)
	env.seedFlag(t, flagBody("lean", nil))

	w, resp := env.do(t, "POST", "/feature-flags/evaluate", map[string]any{
		"flagKey": "lean",
		"select":  "value",
		"context": map[string]any{"userId": "u1", "organizationId": "org-1"},
	})
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if len(resp) != 1 {
		t.Errorf("value projection should have exactly one field: %v", resp)
	}
	if _, ok := resp["value"]; !ok {
		t.Error("value missing")
	}
}

func TestEvaluate_SelectFieldList(t *testing.T) {
	env := newTestEnv(t)
	env.seedFlag(t, flagBody("fields", nil))

	w, resp := env.do(t, "POST", "/feature-flags/evaluate", map[string]any{
		"flagKey": "fields",
		"select":  []string{"value", "reason"},
		"context": map[string]any{"userId": "u1", "organizationId": "org-1"},
	})
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if _, ok := resp["value"]; !ok {
		t.Error("value missing")
	}
	if _, ok := resp["reason"]; !ok {
		t.Error("reason missing")
	}
	if _, ok := resp["variant"]; ok {
		t.Error("variant should be projected away")
	}

	w, _ = env.do(t, "POST", "/feature-flags/evaluate", map[string]any{
		"flagKey": "fields",
		"select":  []string{"bogus"},
	})
	if w.Code != http.StatusBadRequest {
		t.Errorf("bogus select: status = %d, want 400", w.Code)
	}
}

func TestEvaluate_HeaderAttributesAndRing(t *testing.T) {
	env := newTestEnv(t)
	flagID := env.seedFlag(t, flagBody("mobile-only", nil))
	w, _ := env.do(t, "POST", "/feature-flags/admin/flags/"+flagID+"/rules", map[string]any{
		"conditions": map[string]any{"attribute": "attributes.deviceType", "operator": "equals", "value": "ios"},
		"value":      true,
	}, adminHeaders)
	if w.Code != http.StatusCreated {
		t.Fatalf("seed rule: %d", w.Code)
	}

	w, resp := env.do(t, "POST", "/feature-flags/evaluate", map[string]any{
		"flagKey": "mobile-only",
		"debug":   true,
		"context": map[string]any{"userId": "u1", "organizationId": "org-1"},
	}, func(r *http.Request) {
		r.Header.Set("x-device-type", "ios")
		r.Header.Set("x-deployment-ring", "canary")
	})
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if resp["reason"] != "rule_match" {
		t.Errorf("whitelisted header did not reach the rule: %v", resp)
	}
	metadata := resp["metadata"].(map[string]any)
	if metadata["environment"] != "canary" {
		t.Errorf("header ring did not override environment: %v", metadata)
	}
}

func TestEvaluate_CacheHitAndInvalidation(t *testing.T) {
	env := newTestEnv(t)
	flagID := env.seedFlag(t, flagBody("cached", nil))

	body := map[string]any{
		"flagKey": "cached",
		"context": map[string]any{"userId": "u1", "organizationId": "org-1"},
		"track":   false,
	}
	env.do(t, "POST", "/feature-flags/evaluate", body)
	before := env.cache.Stats()

	env.do(t, "POST", "/feature-flags/evaluate", body)
	after := env.cache.Stats()
	if after.Hits != before.Hits+1 {
		t.Errorf("expected a cache hit: before=%+v after=%+v", before, after)
	}

	// An admin mutation invalidates; the next evaluation misses and sees
	// the new state.
	w, _ := env.do(t, "POST", "/feature-flags/admin/flags/"+flagID+"/disable", nil, adminHeaders)
	if w.Code != http.StatusOK {
		t.Fatalf("disable: %d", w.Code)
	}
	_, resp := env.do(t, "POST", "/feature-flags/evaluate", body)
	if resp["reason"] != "disabled" {
		t.Errorf("stale cache after invalidation: %v", resp)
	}
}

func TestEvaluateBatch_DefaultsAndNotFound(t *testing.T) {
	env := newTestEnv(t)
	env.seedFlag(t, flagBody("present", nil))

	w, resp := env.do(t, "POST", "/feature-flags/evaluate-batch", map[string]any{
		"flagKeys": []string{"present", "absent-with-default", "absent"},
		"defaults": map[string]any{"absent-with-default": float64(7)},
		"context":  map[string]any{"userId": "u1", "organizationId": "org-1"},
	})
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", w.Code, w.Body.String())
	}
	flags := resp["flags"].(map[string]any)

	present := flags["present"].(map[string]any)
	if present["reason"] != "default" {
		t.Errorf("present: %v", present)
	}
	withDefault := flags["absent-with-default"].(map[string]any)
	if withDefault["value"] != float64(7) || withDefault["reason"] != "default" {
		t.Errorf("caller default: %v", withDefault)
	}
	absent := flags["absent"].(map[string]any)
	if absent["reason"] != "not_found" {
		t.Errorf("absent: %v", absent)
	}

	// contextInResponse defaults to true on batch.
	if _, ok := resp["context"]; !ok {
		t.Error("context missing from batch response")
	}
}

func TestEvaluateBatch_Validation(t *testing.T) {
	env := newTestEnv(t)

	w, _ := env.do(t, "POST", "/feature-flags/evaluate-batch", map[string]any{
		"flagKeys": []string{},
	})
	if w.Code != http.StatusBadRequest {
		t.Errorf("empty keys: status = %d", w.Code)
	}

	tooMany := make([]string, maxBatchKeys+1)
	for i := range tooMany {
		tooMany[i] = "k"
	}
	w, _ = env.do(t, "POST", "/feature-flags/evaluate-batch", map[string]any{
		"flagKeys": tooMany,
	})
	if w.Code != http.StatusBadRequest {
		t.Errorf("oversized batch: status = %d", w.Code)
	}
}

func TestBootstrap_OnlyEnabledFlags(t *testing.T) {
	env := newTestEnv(t)
	env.seedFlag(t, flagBody("on-1", nil))
	env.seedFlag(t, flagBody("on-2", nil))
	env.seedFlag(t, flagBody("off-1", map[string]any{"enabled": false}))

	w, resp := env.do(t, "POST", "/feature-flags/bootstrap", map[string]any{
		"context": map[string]any{"userId": "u1", "organizationId": "org-1"},
	})
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	flags := resp["flags"].(map[string]any)
	if len(flags) != 2 {
		t.Errorf("flags = %v, want the two enabled ones", flags)
	}
	if _, ok := flags["off-1"]; ok {
		t.Error("disabled flag leaked into bootstrap")
	}
}

func TestBootstrap_PrefixAndInclude(t *testing.T) {
	env := newTestEnv(t)
	env.seedFlag(t, flagBody("ui-alpha", nil))
	env.seedFlag(t, flagBody("ui-beta", nil))
	env.seedFlag(t, flagBody("api-gamma", nil))

	_, resp := env.do(t, "POST", "/feature-flags/bootstrap", map[string]any{
		"prefix":  "ui-",
		"context": map[string]any{"userId": "u1", "organizationId": "org-1"},
	})
	flags := resp["flags"].(map[string]any)
	if len(flags) != 2 {
		t.Errorf("prefix filter: %v", flags)
	}

	_, resp = env.do(t, "POST", "/feature-flags/bootstrap", map[string]any{
		"include": []string{"api-gamma"},
		"context": map[string]any{"userId": "u1", "organizationId": "org-1"},
	})
	flags = resp["flags"].(map[string]any)
	if len(flags) != 1 {
		t.Errorf("include filter: %v", flags)
	}
	if _, ok := flags["api-gamma"]; !ok {
		t.Error("included flag missing")
	}
}

func TestEvaluate_Sticky(t *testing.T) {
	env := newTestEnv(t)
	env.seedFlag(t, flagBody("new-ui", map[string]any{
		"type":              "string",
		"defaultValue":      "off",
		"rolloutPercentage": 50,
		"variants": []map[string]any{
			{"key": "A", "value": "a", "weight": 50},
			{"key": "B", "value": "b", "weight": 50},
		},
	}))

	body := map[string]any{
		"flagKey": "new-ui",
		"context": map[string]any{"userId": "stableUser", "organizationId": "org-1"},
		"track":   false,
	}
	_, first := env.do(t, "POST", "/feature-flags/evaluate", body)
	_, second := env.do(t, "POST", "/feature-flags/evaluate", body)
	if first["value"] != second["value"] || first["variant"] != second["variant"] {
		t.Errorf("assignment not sticky: %v vs %v", first, second)
	}
}

func TestEvaluate_OversizedBodyRejected(t *testing.T) {
	env := newTestEnv(t)
	big := strings.Repeat("a", maxBodyBytes+10)
	w, _ := env.do(t, "POST", "/feature-flags/evaluate", map[string]any{
		"flagKey": "x",
		"context": map[string]any{"attributes": map[string]any{"blob": big}},
	})
	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", w.Code)
	}
}
