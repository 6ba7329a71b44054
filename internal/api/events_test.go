package api

import (
	"net/http"
	"testing"
)

func TestEvents_RecordAndRespond(t *testing.T) {
	env := newTestEnv(t)
	env.seedFlag(t, flagBody("checkout", nil))

	w, resp := env.do(t, "POST", "/feature-flags/events", map[string]any{
		"flagKey": "checkout",
		"event":   "purchase",
		"properties": map[string]any{
			"amount": 129.0,
		},
		"userId": "u1",
	})
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", w.Code, w.Body.String())
	}
	if resp["success"] != true {
		t.Errorf("success = %v", resp["success"])
	}
	if resp["eventId"] == "" {
		t.Error("eventId missing")
	}
	if resp["sampled"] != true {
		t.Errorf("sampled = %v", resp["sampled"])
	}
}

func TestEvents_Validation(t *testing.T) {
	env := newTestEnv(t)

	w, _ := env.do(t, "POST", "/feature-flags/events", map[string]any{
		"flagKey": "checkout",
	})
	if w.Code != http.StatusBadRequest {
		t.Errorf("missing event name: status = %d", w.Code)
	}

	w, resp := env.do(t, "POST", "/feature-flags/events", map[string]any{
		"flagKey":    "checkout",
		"event":      "purchase",
		"sampleRate": 1.5,
	})
	if w.Code != http.StatusBadRequest || resp["code"] != string(ErrCodeInvalidSample) {
		t.Errorf("bad sample rate: status=%d code=%v", w.Code, resp["code"])
	}
}

func TestEvents_Idempotency(t *testing.T) {
	env := newTestEnv(t)
	env.seedFlag(t, flagBody("checkout", nil))

	body := map[string]any{
		"flagKey": "checkout",
		"event":   "purchase",
		"userId":  "u1",
	}
	withKey := func(r *http.Request) { r.Header.Set("Idempotency-Key", "retry-123") }

	w, first := env.do(t, "POST", "/feature-flags/events", body, withKey)
	if w.Code != http.StatusOK || first["sampled"] != true {
		t.Fatalf("first send: status=%d resp=%v", w.Code, first)
	}

	w, second := env.do(t, "POST", "/feature-flags/events", body, withKey)
	if w.Code != http.StatusOK {
		t.Fatalf("retry status = %d", w.Code)
	}
	if second["success"] != true || second["sampled"] != false {
		t.Errorf("duplicate should be acknowledged without recording: %v", second)
	}

	// A different user with the same key is not a duplicate.
	body["userId"] = "u2"
	w, third := env.do(t, "POST", "/feature-flags/events", body, withKey)
	if w.Code != http.StatusOK || third["sampled"] != true {
		t.Errorf("per-user scoping broken: %v", third)
	}
}

func TestEvents_SampleRateZeroSkips(t *testing.T) {
	env := newTestEnv(t)
	env.seedFlag(t, flagBody("checkout", nil))

	w, resp := env.do(t, "POST", "/feature-flags/events", map[string]any{
		"flagKey":    "checkout",
		"event":      "view",
		"sampleRate": 0.0,
		"userId":     "u1",
	})
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if resp["sampled"] != false {
		t.Errorf("rate 0 should skip recording: %v", resp)
	}
}

func TestEventsBatch(t *testing.T) {
	env := newTestEnv(t)
	env.seedFlag(t, flagBody("checkout", nil))

	w, resp := env.do(t, "POST", "/feature-flags/events/batch", map[string]any{
		"events": []map[string]any{
			{"flagKey": "checkout", "event": "view", "userId": "u1"},
			{"flagKey": "checkout", "event": "click", "userId": "u1"},
			{"flagKey": "bad key!", "event": "view", "userId": "u1"},
		},
	})
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", w.Code, w.Body.String())
	}
	if resp["success"] != float64(2) {
		t.Errorf("success = %v, want 2", resp["success"])
	}
	if resp["failed"] != float64(1) {
		t.Errorf("failed = %v, want 1", resp["failed"])
	}
	if resp["batchId"] == "" {
		t.Error("batchId missing")
	}
}

func TestEventsBatch_Limits(t *testing.T) {
	env := newTestEnv(t)

	events := make([]map[string]any, maxBatchEvents+1)
	for i := range events {
		events[i] = map[string]any{"flagKey": "k", "event": "e"}
	}
	w, _ := env.do(t, "POST", "/feature-flags/events/batch", map[string]any{"events": events})
	if w.Code != http.StatusBadRequest {
		t.Errorf("oversized batch: status = %d", w.Code)
	}

	w, _ = env.do(t, "POST", "/feature-flags/events/batch", map[string]any{"events": []any{}})
	if w.Code != http.StatusBadRequest {
		t.Errorf("empty batch: status = %d", w.Code)
	}
}

func TestEventsBatch_Idempotency(t *testing.T) {
	env := newTestEnv(t)
	env.seedFlag(t, flagBody("checkout", nil))

	body := map[string]any{
		"events": []map[string]any{
			{"flagKey": "checkout", "event": "view", "userId": "u1"},
		},
		"idempotencyKey": "batch-1",
	}
	asUser := func(r *http.Request) { r.Header.Set("X-Test-User", "sender") }

	_, first := env.do(t, "POST", "/feature-flags/events/batch", body, asUser)
	if first["success"] != float64(1) {
		t.Fatalf("first batch: %v", first)
	}
	_, second := env.do(t, "POST", "/feature-flags/events/batch", body, asUser)
	if second["success"] != float64(0) {
		t.Errorf("duplicate batch recorded events: %v", second)
	}
}
