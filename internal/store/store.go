// Package store defines the storage contract the evaluation engine depends
// on, along with the entity types shared by every backend.
//
// Implementations must be thread-safe. All mutating operations must be
// observable by any subsequent read from the same process once they return.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/kriasoft/flagkit/internal/rules"
)

// Sentinel errors shared by all backends.
var (
	ErrNotFound = errors.New("not found")
	ErrConflict = errors.New("already exists")
)

// UnknownFlagPolicy controls what TrackEvaluation does when a record
// references a flag key that does not exist. LogAudit does not consult it:
// audit entries are stored without checking that their flag exists.
type UnknownFlagPolicy string

const (
	// UnknownFlagLog warns and drops the record (default).
	UnknownFlagLog UnknownFlagPolicy = "log"
	// UnknownFlagThrow surfaces an error to the recorder.
	UnknownFlagThrow UnknownFlagPolicy = "throw"
	// UnknownFlagTrack stores the record under ReservedUnknownFlagKey with
	// the original key preserved in metadata.
	UnknownFlagTrack UnknownFlagPolicy = "track-unknown"
)

// ReservedUnknownFlagKey is the system flag that absorbs records for unknown
// keys under the track-unknown policy.
const ReservedUnknownFlagKey = "__unknown__"

// Variant is a named alternative value of a flag with a percentage weight.
type Variant struct {
	Key      string         `json:"key"`
	Value    Value          `json:"value"`
	Weight   float64        `json:"weight"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Flag is the primary entity: a named, typed decision point.
// (OrganizationID, Key) is unique; an empty OrganizationID is the global
// scope and forms its own uniqueness bucket.
type Flag struct {
	ID                string         `json:"id"`
	Key               string         `json:"key"`
	Name              string         `json:"name"`
	Description       string         `json:"description,omitempty"`
	Type              Kind           `json:"type"`
	Enabled           bool           `json:"enabled"`
	DefaultValue      Value          `json:"defaultValue"`
	RolloutPercentage float64        `json:"rolloutPercentage"`
	OrganizationID    string         `json:"organizationId,omitempty"`
	Variants          []Variant      `json:"variants,omitempty"`
	Metadata          map[string]any `json:"metadata,omitempty"`
	CreatedAt         time.Time      `json:"createdAt"`
	UpdatedAt         time.Time      `json:"updatedAt"`
}

// Rule attaches a condition tree and a value to a flag. Rules of a flag are
// totally ordered by (Priority asc, CreatedAt asc, ID asc).
type Rule struct {
	ID         string          `json:"id"`
	FlagID     string          `json:"flagId"`
	Priority   int             `json:"priority"`
	Conditions rules.Condition `json:"conditions"`
	Value      Value           `json:"value"`
	Variant    string          `json:"variant,omitempty"`
	Percentage *float64        `json:"percentage,omitempty"`
	Enabled    bool            `json:"enabled"`
	CreatedAt  time.Time       `json:"createdAt"`
}

// Override pins a flag value for a single user. (FlagID, UserID) is unique.
type Override struct {
	ID        string     `json:"id"`
	FlagID    string     `json:"flagId"`
	UserID    string     `json:"userId"`
	Value     Value      `json:"value"`
	Variant   string     `json:"variant,omitempty"`
	ExpiresAt *time.Time `json:"expiresAt,omitempty"`
	Reason    string     `json:"reason,omitempty"`
	CreatedAt time.Time  `json:"createdAt"`
}

// Expired reports whether the override has lapsed. Expiration is checked at
// read time; no sweeper removes expired rows.
func (o *Override) Expired(now time.Time) bool {
	return o.ExpiresAt != nil && !now.Before(*o.ExpiresAt)
}

// EvaluationRecord is an append-only analytics row for one evaluation.
type EvaluationRecord struct {
	ID          string         `json:"id"`
	FlagID      string         `json:"flagId"`
	FlagKey     string         `json:"flagKey"`
	UserID      string         `json:"userId,omitempty"`
	Value       Value          `json:"value"`
	Variant     string         `json:"variant,omitempty"`
	Reason      string         `json:"reason"`
	Context     map[string]any `json:"context,omitempty"`
	LatencyMs   float64        `json:"latencyMs,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	EvaluatedAt time.Time      `json:"evaluatedAt"`
}

// Audit actions.
const (
	AuditCreated         = "created"
	AuditUpdated         = "updated"
	AuditDeleted         = "deleted"
	AuditEnabled         = "enabled"
	AuditDisabled        = "disabled"
	AuditRuleAdded       = "rule_added"
	AuditRuleUpdated     = "rule_updated"
	AuditRuleDeleted     = "rule_deleted"
	AuditOverrideAdded   = "override_added"
	AuditOverrideRemoved = "override_removed"
	AuditEvaluate        = "evaluate"
	AuditAdminAccess     = "admin_access"
)

// AuditEntry records an admin-visible action. Entries outlive the flags they
// reference: DeleteFlag keeps audit rows with FlagID preserved.
type AuditEntry struct {
	ID             string         `json:"id"`
	FlagID         string         `json:"flagId,omitempty"`
	UserID         string         `json:"userId,omitempty"`
	Action         string         `json:"action"`
	OrganizationID string         `json:"organizationId,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	CreatedAt      time.Time      `json:"createdAt"`
}

// Environment is a named deployment ring admins can manage.
type Environment struct {
	ID          string    `json:"id"`
	Key         string    `json:"key"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
}

// ListFilter narrows flag listings.
type ListFilter struct {
	Type      Kind
	Enabled   *bool
	KeyPrefix string
	Query     string // substring match on key or name
}

// ListOptions controls pagination and ordering of flag listings. Listings
// are deterministic: equal OrderBy values are tie-broken by key.
type ListOptions struct {
	Limit          int
	Offset         int
	OrderBy        string // key | name | createdAt | updatedAt
	OrderDirection string // asc | desc
	Filter         ListFilter
}

// DateRange bounds analytics queries. A zero Start or End is unbounded.
type DateRange struct {
	Start time.Time
	End   time.Time
}

// Contains reports whether t falls inside the range.
func (r DateRange) Contains(t time.Time) bool {
	if !r.Start.IsZero() && t.Before(r.Start) {
		return false
	}
	if !r.End.IsZero() && t.After(r.End) {
		return false
	}
	return true
}

// StatsOptions selects which metrics GetEvaluationStats computes.
// An empty Metrics slice means all of them.
type StatsOptions struct {
	Metrics     []string // totalEvaluations, uniqueUsers, variants, reasons, avgLatency, errorRate
	Granularity string   // hour | day
	Timezone    string
}

// EvaluationStats is the aggregate answer for one flag. Fields outside the
// requested metric set are left at their zero values.
type EvaluationStats struct {
	TotalEvaluations int64            `json:"totalEvaluations,omitempty"`
	UniqueUsers      int64            `json:"uniqueUsers,omitempty"`
	Variants         map[string]int64 `json:"variants,omitempty"`
	Reasons          map[string]int64 `json:"reasons,omitempty"`
	AvgLatencyMs     float64          `json:"avgLatency,omitempty"`
	ErrorRate        float64          `json:"errorRate,omitempty"`
}

// UsageMetrics summarizes an organization's footprint.
type UsageMetrics struct {
	TotalFlags       int64 `json:"totalFlags"`
	EnabledFlags     int64 `json:"enabledFlags"`
	TotalEvaluations int64 `json:"totalEvaluations"`
	UniqueUsers      int64 `json:"uniqueUsers"`
	TotalOverrides   int64 `json:"totalOverrides"`
	TotalRules       int64 `json:"totalRules"`
}

// AuditFilter narrows audit listings.
type AuditFilter struct {
	FlagID         string
	UserID         string
	Action         string
	OrganizationID string
	Range          DateRange
	Limit          int
	Offset         int
}

// Store is the contract every backend satisfies. orgID arguments scope
// lookups to an organization; the empty string is the global scope.
type Store interface {
	// Flags
	GetFlagByKey(ctx context.Context, key, orgID string) (*Flag, error)
	GetFlagByID(ctx context.Context, id string) (*Flag, error)
	GetFlagsByKeys(ctx context.Context, keys []string, orgID string) (map[string]*Flag, error)
	ListFlags(ctx context.Context, orgID string, opts ListOptions) ([]Flag, int, error)
	CreateFlag(ctx context.Context, flag *Flag) error
	UpdateFlag(ctx context.Context, flag *Flag) error
	DeleteFlag(ctx context.Context, id string) error

	// Rules
	GetRulesForFlag(ctx context.Context, flagID string) ([]Rule, error)
	CreateRule(ctx context.Context, rule *Rule) error
	UpdateRule(ctx context.Context, rule *Rule) error
	DeleteRule(ctx context.Context, id string) error
	ReorderRules(ctx context.Context, flagID string, ruleIDs []string) error

	// Overrides
	GetOverride(ctx context.Context, flagID, userID string) (*Override, error)
	GetOverrideByID(ctx context.Context, id string) (*Override, error)
	CreateOverride(ctx context.Context, override *Override) error
	UpdateOverride(ctx context.Context, override *Override) error
	DeleteOverride(ctx context.Context, id string) error
	ListOverrides(ctx context.Context, flagID, userID string) ([]Override, error)

	// Analytics
	TrackEvaluation(ctx context.Context, record *EvaluationRecord) error
	GetEvaluationStats(ctx context.Context, flagID string, dateRange DateRange, opts StatsOptions) (*EvaluationStats, error)
	GetUsageMetrics(ctx context.Context, orgID string, dateRange DateRange) (*UsageMetrics, error)

	// Audit
	LogAudit(ctx context.Context, entry *AuditEntry) error
	GetAuditLogs(ctx context.Context, filter AuditFilter) ([]AuditEntry, error)
	GetAuditLog(ctx context.Context, id string) (*AuditEntry, error)
	CleanupAuditLogs(ctx context.Context, olderThan time.Time) (int64, error)

	// Environments
	ListEnvironments(ctx context.Context) ([]Environment, error)
	CreateEnvironment(ctx context.Context, env *Environment) error
	UpdateEnvironment(ctx context.Context, env *Environment) error
	DeleteEnvironment(ctx context.Context, id string) error

	// Ping verifies the backend is reachable; health checks depend on it.
	Ping(ctx context.Context) error

	// Close releases any resources held by the store.
	Close() error
}

// ValidateVariantWeights enforces the weight invariant: every weight is
// non-negative and the total is 100 within a 0.01 tolerance. An empty slice
// is valid (no variants configured).
func ValidateVariantWeights(variants []Variant) error {
	if len(variants) == 0 {
		return nil
	}
	total := 0.0
	seen := make(map[string]bool, len(variants))
	for _, v := range variants {
		if v.Key == "" {
			return errors.New("variant key cannot be empty")
		}
		if seen[v.Key] {
			return errors.New("duplicate variant key: " + v.Key)
		}
		seen[v.Key] = true
		if v.Weight < 0 {
			return errors.New("variant weight cannot be negative")
		}
		total += v.Weight
	}
	if total < 99.99 || total > 100.01 {
		return errors.New("variant weights must sum to 100")
	}
	return nil
}
