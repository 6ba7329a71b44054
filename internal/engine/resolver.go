package engine

import (
	"context"
	"errors"

	"github.com/kriasoft/flagkit/internal/store"
	"github.com/rs/zerolog"
)

// Resolver loads flag snapshots from storage with the degradation policy
// evaluation requires: reads that fail for reasons other than absence never
// surface as errors, they produce a snapshot the engine resolves to a safe
// default.
type Resolver struct {
	store  store.Store
	logger zerolog.Logger
}

// NewResolver creates a Resolver over a store.
func NewResolver(s store.Store, logger zerolog.Logger) *Resolver {
	return &Resolver{store: s, logger: logger}
}

// Snapshot loads the flag, its rules, and the caller's override. Rule and
// override read failures degrade to an empty slice / nil with a WARN log;
// evaluation proceeds on what loaded.
func (r *Resolver) Snapshot(ctx context.Context, flagKey, orgID, userID string) Snapshot {
	flag, err := r.store.GetFlagByKey(ctx, flagKey, orgID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return Snapshot{}
		}
		r.logger.Warn().Err(err).Str("flagKey", flagKey).Msg("flag read failed, degrading to default")
		return Snapshot{Degraded: true}
	}
	return r.hydrate(ctx, flag, userID)
}

// SnapshotBatch bulk-fetches the named flags once, then hydrates each.
// Missing keys come back as empty snapshots (reason not_found downstream).
func (r *Resolver) SnapshotBatch(ctx context.Context, flagKeys []string, orgID, userID string) map[string]Snapshot {
	result := make(map[string]Snapshot, len(flagKeys))

	flags, err := r.store.GetFlagsByKeys(ctx, flagKeys, orgID)
	if err != nil {
		r.logger.Warn().Err(err).Msg("bulk flag read failed, degrading batch to defaults")
		for _, key := range flagKeys {
			result[key] = Snapshot{Degraded: true}
		}
		return result
	}

	for _, key := range flagKeys {
		flag, ok := flags[key]
		if !ok {
			result[key] = Snapshot{}
			continue
		}
		result[key] = r.hydrate(ctx, flag, userID)
	}
	return result
}

// EnabledFlags lists every enabled flag in the scope for bootstrap, hydrated
// for the caller. keyPrefix optionally narrows the set.
func (r *Resolver) EnabledFlags(ctx context.Context, orgID, userID, keyPrefix string) (map[string]Snapshot, error) {
	enabled := true
	flags, _, err := r.store.ListFlags(ctx, orgID, store.ListOptions{
		Filter: store.ListFilter{Enabled: &enabled, KeyPrefix: keyPrefix},
	})
	if err != nil {
		return nil, err
	}
	result := make(map[string]Snapshot, len(flags))
	for i := range flags {
		flag := flags[i]
		result[flag.Key] = r.hydrate(ctx, &flag, userID)
	}
	return result, nil
}

func (r *Resolver) hydrate(ctx context.Context, flag *store.Flag, userID string) Snapshot {
	snap := Snapshot{Flag: flag}

	rules, err := r.store.GetRulesForFlag(ctx, flag.ID)
	if err != nil {
		r.logger.Warn().Err(err).Str("flagKey", flag.Key).Msg("rule read failed, evaluating without rules")
	} else {
		snap.Rules = rules
	}

	if userID != "" {
		override, err := r.store.GetOverride(ctx, flag.ID, userID)
		switch {
		case err == nil:
			snap.Override = override
		case errors.Is(err, store.ErrNotFound):
			// No override for this user.
		default:
			r.logger.Warn().Err(err).Str("flagKey", flag.Key).Msg("override read failed, evaluating without override")
		}
	}
	return snap
}
