package ident

import (
	"strconv"
	"testing"
)

func TestNewID_Unique(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		id := NewID()
		if id == "" {
			t.Fatal("NewID returned empty string")
		}
		if seen[id] {
			t.Fatalf("NewID returned duplicate: %s", id)
		}
		seen[id] = true
	}
}

func TestAssignment_Deterministic(t *testing.T) {
	a := Assignment("user-123", "feature_x")
	b := Assignment("user-123", "feature_x")
	if a != b {
		t.Errorf("Assignment is not deterministic: got %d and %d", a, b)
	}
}

func TestAssignment_InputSensitivity(t *testing.T) {
	// The delimiter must keep (user, flag) pairs distinct: ("ab", "c")
	// and ("a", "bc") hash different inputs.
	if Assignment("ab", "c") == Assignment("a", "bc") {
		t.Error("expected different hashes for shifted delimiter inputs")
	}
	if Assignment("user-1", "flag-a") == Assignment("user-1", "flag-b") {
		t.Error("expected per-flag independence")
	}
}

func TestBucket10000_Range(t *testing.T) {
	for i := 0; i < 1000; i++ {
		b := Bucket10000("user-"+strconv.Itoa(i), "feature_x")
		if b >= 10000 {
			t.Fatalf("bucket out of range: %d", b)
		}
	}
}

func TestBucket10000_Distribution(t *testing.T) {
	// 20000 users across 10 coarse buckets should land ~2000 each.
	counts := make([]int, 10)
	for i := 0; i < 20000; i++ {
		b := Bucket10000("user-"+strconv.Itoa(i), "feature_x")
		counts[b/1000]++
	}
	for i, c := range counts {
		if c < 1600 || c > 2400 {
			t.Errorf("bucket decile %d has %d users, expected ~2000", i, c)
		}
	}
}
