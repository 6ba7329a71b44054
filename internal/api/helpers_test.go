package api

import (
	"net/http/httptest"
	"testing"
)

func TestCursorRoundTrip(t *testing.T) {
	for _, offset := range []int{0, 1, 50, 12345} {
		cursor := encodeCursor(offset)
		decoded, err := decodeCursor(cursor)
		if err != nil {
			t.Fatalf("decodeCursor(%q) failed: %v", cursor, err)
		}
		if decoded != offset {
			t.Errorf("round trip: got %d, want %d", decoded, offset)
		}
	}
}

func TestDecodeCursor_Malformed(t *testing.T) {
	for _, bad := range []string{"not-base64!", "bzotMQ==", "eDo1", ""} {
		if _, err := decodeCursor(bad); err == nil {
			t.Errorf("cursor %q should be rejected", bad)
		}
	}
}

func TestParseLimit(t *testing.T) {
	if limit, err := parseLimit("", 50, 100); err != nil || limit != 50 {
		t.Errorf("default: %d, %v", limit, err)
	}
	if limit, err := parseLimit("25", 50, 100); err != nil || limit != 25 {
		t.Errorf("explicit: %d, %v", limit, err)
	}
	for _, bad := range []string{"0", "101", "-1", "abc"} {
		if _, err := parseLimit(bad, 50, 100); err == nil {
			t.Errorf("limit %q should be rejected", bad)
		}
	}
}

func TestDeploymentRing(t *testing.T) {
	r := httptest.NewRequest("POST", "/", nil)
	if ring := deploymentRing(r); ring != "" {
		t.Errorf("unset header: %q", ring)
	}
	r.Header.Set("x-deployment-ring", "canary")
	if ring := deploymentRing(r); ring != "canary" {
		t.Errorf("canary: %q", ring)
	}
	r.Header.Set("x-deployment-ring", "staging")
	if ring := deploymentRing(r); ring != "" {
		t.Errorf("unknown ring should be ignored: %q", ring)
	}
}
