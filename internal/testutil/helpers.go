// Package testutil provides seeding helpers shared by package tests.
package testutil

import (
	"context"
	"testing"

	"github.com/kriasoft/flagkit/internal/rules"
	"github.com/kriasoft/flagkit/internal/store"
)

// SeedFlag creates a flag and fails the test on error.
func SeedFlag(t *testing.T, s store.Store, flag *store.Flag) *store.Flag {
	t.Helper()
	if flag.Name == "" {
		flag.Name = flag.Key
	}
	if flag.Type == "" {
		flag.Type = store.KindBoolean
	}
	if flag.DefaultValue.IsZero() {
		flag.DefaultValue = store.MustValue(flag.Type, defaultForKind(flag.Type))
	}
	if err := s.CreateFlag(context.Background(), flag); err != nil {
		t.Fatalf("seed flag %q: %v", flag.Key, err)
	}
	return flag
}

// SeedBoolFlag creates an enabled boolean flag with a false default and
// full rollout.
func SeedBoolFlag(t *testing.T, s store.Store, key, orgID string) *store.Flag {
	t.Helper()
	return SeedFlag(t, s, &store.Flag{
		Key:               key,
		Enabled:           true,
		RolloutPercentage: 100,
		OrganizationID:    orgID,
	})
}

// SeedRule attaches a rule to a flag and fails the test on error.
func SeedRule(t *testing.T, s store.Store, flagID string, priority int, conditions rules.Condition, value store.Value) *store.Rule {
	t.Helper()
	rule := &store.Rule{
		FlagID:     flagID,
		Priority:   priority,
		Conditions: conditions,
		Value:      value,
		Enabled:    true,
	}
	if err := s.CreateRule(context.Background(), rule); err != nil {
		t.Fatalf("seed rule for flag %q: %v", flagID, err)
	}
	return rule
}

// SeedOverride pins a value for a user and fails the test on error.
func SeedOverride(t *testing.T, s store.Store, flagID, userID string, value store.Value) *store.Override {
	t.Helper()
	override := &store.Override{FlagID: flagID, UserID: userID, Value: value}
	if err := s.CreateOverride(context.Background(), override); err != nil {
		t.Fatalf("seed override for (%s, %s): %v", flagID, userID, err)
	}
	return override
}

func defaultForKind(kind store.Kind) any {
	switch kind {
	case store.KindString:
		return ""
	case store.KindNumber:
		return 0
	case store.KindJSON:
		return map[string]any{}
	default:
		return false
	}
}
