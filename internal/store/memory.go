package store

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/kriasoft/flagkit/internal/ident"
	"github.com/rs/zerolog"
)

const (
	// defaultEvaluationRetention bounds the in-memory evaluation log.
	defaultEvaluationRetention = 50000
)

// MemoryStore is the reference implementation of the Store contract. It
// keeps secondary indexes for the two hot lookups ((org, key) → flag and
// (flag, user) → override) and is suitable for development, testing, and
// single-instance deployments.
type MemoryStore struct {
	mu sync.RWMutex

	flags     map[string]*Flag  // id → flag
	flagIndex map[string]string // scope key → id

	rules map[string]*Rule // id → rule

	overrides     map[string]*Override // id → override
	overrideIndex map[string]string    // flagID \x00 userID → id

	evaluations []EvaluationRecord
	audits      []AuditEntry

	environments map[string]*Environment

	policy       UnknownFlagPolicy
	maxEvalRows  int
	logger       zerolog.Logger
}

// MemoryOption customizes a MemoryStore.
type MemoryOption func(*MemoryStore)

// WithUnknownFlagPolicy sets the tracking policy for unknown flag keys.
func WithUnknownFlagPolicy(p UnknownFlagPolicy) MemoryOption {
	return func(m *MemoryStore) { m.policy = p }
}

// WithEvaluationRetention bounds how many evaluation records are kept.
func WithEvaluationRetention(n int) MemoryOption {
	return func(m *MemoryStore) {
		if n > 0 {
			m.maxEvalRows = n
		}
	}
}

// WithLogger sets the store logger.
func WithLogger(l zerolog.Logger) MemoryOption {
	return func(m *MemoryStore) { m.logger = l }
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore(opts ...MemoryOption) *MemoryStore {
	m := &MemoryStore{
		flags:         make(map[string]*Flag),
		flagIndex:     make(map[string]string),
		rules:         make(map[string]*Rule),
		overrides:     make(map[string]*Override),
		overrideIndex: make(map[string]string),
		environments:  make(map[string]*Environment),
		policy:        UnknownFlagLog,
		maxEvalRows:   defaultEvaluationRetention,
		logger:        zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func scopeKey(orgID, key string) string {
	return orgID + "\x00" + key
}

func overrideKey(flagID, userID string) string {
	return flagID + "\x00" + userID
}

// ---- flags ----

func (m *MemoryStore) GetFlagByKey(ctx context.Context, key, orgID string) (*Flag, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.flagIndex[scopeKey(orgID, key)]
	if !ok {
		return nil, ErrNotFound
	}
	return copyFlag(m.flags[id]), nil
}

func (m *MemoryStore) GetFlagByID(ctx context.Context, id string) (*Flag, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	flag, ok := m.flags[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyFlag(flag), nil
}

func (m *MemoryStore) GetFlagsByKeys(ctx context.Context, keys []string, orgID string) (map[string]*Flag, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make(map[string]*Flag, len(keys))
	for _, key := range keys {
		if id, ok := m.flagIndex[scopeKey(orgID, key)]; ok {
			result[key] = copyFlag(m.flags[id])
		}
	}
	return result, nil
}

func (m *MemoryStore) ListFlags(ctx context.Context, orgID string, opts ListOptions) ([]Flag, int, error) {
	if err := ctx.Err(); err != nil {
		return nil, 0, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	matched := make([]*Flag, 0, len(m.flags))
	for _, flag := range m.flags {
		if flag.OrganizationID != orgID {
			continue
		}
		if !matchesFilter(flag, opts.Filter) {
			continue
		}
		matched = append(matched, flag)
	}

	sortFlags(matched, opts.OrderBy, opts.OrderDirection)

	total := len(matched)
	start := opts.Offset
	if start > total {
		start = total
	}
	end := total
	if opts.Limit > 0 && start+opts.Limit < end {
		end = start + opts.Limit
	}

	page := make([]Flag, 0, end-start)
	for _, flag := range matched[start:end] {
		page = append(page, *copyFlag(flag))
	}
	return page, total, nil
}

func matchesFilter(flag *Flag, f ListFilter) bool {
	if f.Type != "" && flag.Type != f.Type {
		return false
	}
	if f.Enabled != nil && flag.Enabled != *f.Enabled {
		return false
	}
	if f.KeyPrefix != "" && !strings.HasPrefix(flag.Key, f.KeyPrefix) {
		return false
	}
	if f.Query != "" {
		q := strings.ToLower(f.Query)
		if !strings.Contains(strings.ToLower(flag.Key), q) &&
			!strings.Contains(strings.ToLower(flag.Name), q) {
			return false
		}
	}
	return true
}

// sortFlags orders deterministically: the requested column first, key as the
// tie-breaker so pagination is stable across pages.
func sortFlags(flags []*Flag, orderBy, direction string) {
	desc := strings.EqualFold(direction, "desc")
	sort.SliceStable(flags, func(i, j int) bool {
		cmp := compareFlags(flags[i], flags[j], orderBy)
		if desc {
			return cmp > 0
		}
		return cmp < 0
	})
}

func compareFlags(a, b *Flag, orderBy string) int {
	switch orderBy {
	case "name":
		if a.Name != b.Name {
			return strings.Compare(a.Name, b.Name)
		}
	case "createdAt":
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Compare(b.CreatedAt)
		}
	case "updatedAt":
		if !a.UpdatedAt.Equal(b.UpdatedAt) {
			return a.UpdatedAt.Compare(b.UpdatedAt)
		}
	}
	return strings.Compare(a.Key, b.Key)
}

func (m *MemoryStore) CreateFlag(ctx context.Context, flag *Flag) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := ValidateVariantWeights(flag.Variants); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	sk := scopeKey(flag.OrganizationID, flag.Key)
	if _, exists := m.flagIndex[sk]; exists {
		return fmt.Errorf("flag %q in scope %q: %w", flag.Key, flag.OrganizationID, ErrConflict)
	}

	if flag.ID == "" {
		flag.ID = ident.NewID()
	}
	now := time.Now().UTC()
	if flag.CreatedAt.IsZero() {
		flag.CreatedAt = now
	}
	flag.UpdatedAt = now

	m.flags[flag.ID] = copyFlag(flag)
	m.flagIndex[sk] = flag.ID
	return nil
}

func (m *MemoryStore) UpdateFlag(ctx context.Context, flag *Flag) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := ValidateVariantWeights(flag.Variants); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	existing, ok := m.flags[flag.ID]
	if !ok {
		return ErrNotFound
	}

	// A key or scope change must keep (org, key) unique.
	newScope := scopeKey(flag.OrganizationID, flag.Key)
	oldScope := scopeKey(existing.OrganizationID, existing.Key)
	if newScope != oldScope {
		if _, taken := m.flagIndex[newScope]; taken {
			return fmt.Errorf("flag %q in scope %q: %w", flag.Key, flag.OrganizationID, ErrConflict)
		}
		delete(m.flagIndex, oldScope)
		m.flagIndex[newScope] = flag.ID
	}

	flag.CreatedAt = existing.CreatedAt
	flag.UpdatedAt = time.Now().UTC()
	m.flags[flag.ID] = copyFlag(flag)
	return nil
}

func (m *MemoryStore) DeleteFlag(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	flag, ok := m.flags[id]
	if !ok {
		return ErrNotFound
	}

	// Cascade: rules and overrides go with the flag. Audit entries stay.
	for ruleID, rule := range m.rules {
		if rule.FlagID == id {
			delete(m.rules, ruleID)
		}
	}
	for overrideID, override := range m.overrides {
		if override.FlagID == id {
			delete(m.overrideIndex, overrideKey(override.FlagID, override.UserID))
			delete(m.overrides, overrideID)
		}
	}
	kept := m.evaluations[:0]
	for _, rec := range m.evaluations {
		if rec.FlagID != id {
			kept = append(kept, rec)
		}
	}
	m.evaluations = kept

	delete(m.flagIndex, scopeKey(flag.OrganizationID, flag.Key))
	delete(m.flags, id)
	return nil
}

// ---- rules ----

func (m *MemoryStore) GetRulesForFlag(ctx context.Context, flagID string) ([]Rule, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]Rule, 0, 4)
	for _, rule := range m.rules {
		if rule.FlagID == flagID {
			result = append(result, *copyRule(rule))
		}
	}
	sortRules(result)
	return result, nil
}

// sortRules applies the canonical rule order: priority asc, then createdAt,
// then id lexicographically.
func sortRules(rs []Rule) {
	sort.SliceStable(rs, func(i, j int) bool {
		if rs[i].Priority != rs[j].Priority {
			return rs[i].Priority < rs[j].Priority
		}
		if !rs[i].CreatedAt.Equal(rs[j].CreatedAt) {
			return rs[i].CreatedAt.Before(rs[j].CreatedAt)
		}
		return rs[i].ID < rs[j].ID
	})
}

func (m *MemoryStore) CreateRule(ctx context.Context, rule *Rule) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.flags[rule.FlagID]; !ok {
		return ErrNotFound
	}
	if rule.ID == "" {
		rule.ID = ident.NewID()
	}
	if rule.CreatedAt.IsZero() {
		rule.CreatedAt = time.Now().UTC()
	}
	m.rules[rule.ID] = copyRule(rule)
	return nil
}

func (m *MemoryStore) UpdateRule(ctx context.Context, rule *Rule) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	existing, ok := m.rules[rule.ID]
	if !ok {
		return ErrNotFound
	}
	rule.FlagID = existing.FlagID
	rule.CreatedAt = existing.CreatedAt
	m.rules[rule.ID] = copyRule(rule)
	return nil
}

func (m *MemoryStore) DeleteRule(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.rules[id]; !ok {
		return ErrNotFound
	}
	delete(m.rules, id)
	return nil
}

func (m *MemoryStore) ReorderRules(ctx context.Context, flagID string, ruleIDs []string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	current := make(map[string]*Rule)
	for _, rule := range m.rules {
		if rule.FlagID == flagID {
			current[rule.ID] = rule
		}
	}
	if len(ruleIDs) != len(current) {
		return fmt.Errorf("reorder must list all %d rules of the flag, got %d", len(current), len(ruleIDs))
	}
	seen := make(map[string]bool, len(ruleIDs))
	for _, id := range ruleIDs {
		if _, ok := current[id]; !ok {
			return fmt.Errorf("rule %q does not belong to flag %q: %w", id, flagID, ErrNotFound)
		}
		if seen[id] {
			return fmt.Errorf("duplicate rule id %q in reorder", id)
		}
		seen[id] = true
	}
	// All ids verified; apply atomically under the same lock.
	for index, id := range ruleIDs {
		current[id].Priority = index + 1
	}
	return nil
}

// ---- overrides ----

func (m *MemoryStore) GetOverride(ctx context.Context, flagID, userID string) (*Override, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.overrideIndex[overrideKey(flagID, userID)]
	if !ok {
		return nil, ErrNotFound
	}
	return copyOverride(m.overrides[id]), nil
}

func (m *MemoryStore) GetOverrideByID(ctx context.Context, id string) (*Override, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	override, ok := m.overrides[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyOverride(override), nil
}

func (m *MemoryStore) CreateOverride(ctx context.Context, override *Override) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.flags[override.FlagID]; !ok {
		return ErrNotFound
	}
	ok := overrideKey(override.FlagID, override.UserID)
	if _, exists := m.overrideIndex[ok]; exists {
		return fmt.Errorf("override for (%s, %s): %w", override.FlagID, override.UserID, ErrConflict)
	}
	if override.ID == "" {
		override.ID = ident.NewID()
	}
	if override.CreatedAt.IsZero() {
		override.CreatedAt = time.Now().UTC()
	}
	m.overrides[override.ID] = copyOverride(override)
	m.overrideIndex[ok] = override.ID
	return nil
}

func (m *MemoryStore) UpdateOverride(ctx context.Context, override *Override) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	existing, ok := m.overrides[override.ID]
	if !ok {
		return ErrNotFound
	}
	override.FlagID = existing.FlagID
	override.UserID = existing.UserID
	override.CreatedAt = existing.CreatedAt
	m.overrides[override.ID] = copyOverride(override)
	return nil
}

func (m *MemoryStore) DeleteOverride(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	override, ok := m.overrides[id]
	if !ok {
		return ErrNotFound
	}
	delete(m.overrideIndex, overrideKey(override.FlagID, override.UserID))
	delete(m.overrides, id)
	return nil
}

func (m *MemoryStore) ListOverrides(ctx context.Context, flagID, userID string) ([]Override, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]Override, 0)
	for _, override := range m.overrides {
		if flagID != "" && override.FlagID != flagID {
			continue
		}
		if userID != "" && override.UserID != userID {
			continue
		}
		result = append(result, *copyOverride(override))
	}
	sort.Slice(result, func(i, j int) bool {
		if !result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].CreatedAt.Before(result[j].CreatedAt)
		}
		return result[i].ID < result[j].ID
	})
	return result, nil
}

// ---- analytics ----

func (m *MemoryStore) TrackEvaluation(ctx context.Context, record *EvaluationRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if record.FlagID == "" {
		resolved := false
		for _, flag := range m.flags {
			if flag.Key == record.FlagKey {
				record.FlagID = flag.ID
				resolved = true
				break
			}
		}
		if !resolved {
			switch m.policy {
			case UnknownFlagThrow:
				return fmt.Errorf("evaluation for unknown flag key %q: %w", record.FlagKey, ErrNotFound)
			case UnknownFlagTrack:
				if record.Metadata == nil {
					record.Metadata = make(map[string]any)
				}
				record.Metadata["originalKey"] = record.FlagKey
				record.FlagKey = ReservedUnknownFlagKey
				record.Reason = "not_found"
			default:
				m.logger.Warn().Str("flagKey", record.FlagKey).Msg("dropping evaluation for unknown flag")
				return nil
			}
		}
	}

	if record.ID == "" {
		record.ID = ident.NewID()
	}
	if record.EvaluatedAt.IsZero() {
		record.EvaluatedAt = time.Now().UTC()
	}
	m.evaluations = append(m.evaluations, *record)
	if len(m.evaluations) > m.maxEvalRows {
		m.evaluations = m.evaluations[len(m.evaluations)-m.maxEvalRows:]
	}
	return nil
}

func wantMetric(opts StatsOptions, name string) bool {
	if len(opts.Metrics) == 0 {
		return true
	}
	for _, metric := range opts.Metrics {
		if metric == name {
			return true
		}
	}
	return false
}

func (m *MemoryStore) GetEvaluationStats(ctx context.Context, flagID string, dateRange DateRange, opts StatsOptions) (*EvaluationStats, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	stats := &EvaluationStats{}
	users := make(map[string]bool)
	var latencyTotal float64
	var errorCount int64

	for _, rec := range m.evaluations {
		if rec.FlagID != flagID || !dateRange.Contains(rec.EvaluatedAt) {
			continue
		}
		stats.TotalEvaluations++
		if rec.UserID != "" {
			users[rec.UserID] = true
		}
		if rec.Variant != "" {
			if stats.Variants == nil {
				stats.Variants = make(map[string]int64)
			}
			stats.Variants[rec.Variant]++
		}
		if stats.Reasons == nil {
			stats.Reasons = make(map[string]int64)
		}
		stats.Reasons[rec.Reason]++
		latencyTotal += rec.LatencyMs
		if rec.Reason == "not_found" {
			errorCount++
		}
	}

	if stats.TotalEvaluations > 0 {
		stats.UniqueUsers = int64(len(users))
		stats.AvgLatencyMs = latencyTotal / float64(stats.TotalEvaluations)
		stats.ErrorRate = float64(errorCount) / float64(stats.TotalEvaluations)
	}

	// Zero out whatever the caller did not ask for.
	if !wantMetric(opts, "totalEvaluations") {
		stats.TotalEvaluations = 0
	}
	if !wantMetric(opts, "uniqueUsers") {
		stats.UniqueUsers = 0
	}
	if !wantMetric(opts, "variants") {
		stats.Variants = nil
	}
	if !wantMetric(opts, "reasons") {
		stats.Reasons = nil
	}
	if !wantMetric(opts, "avgLatency") {
		stats.AvgLatencyMs = 0
	}
	if !wantMetric(opts, "errorRate") {
		stats.ErrorRate = 0
	}
	return stats, nil
}

func (m *MemoryStore) GetUsageMetrics(ctx context.Context, orgID string, dateRange DateRange) (*UsageMetrics, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	metrics := &UsageMetrics{}
	orgFlags := make(map[string]bool)
	for _, flag := range m.flags {
		if flag.OrganizationID != orgID {
			continue
		}
		orgFlags[flag.ID] = true
		metrics.TotalFlags++
		if flag.Enabled {
			metrics.EnabledFlags++
		}
	}
	for _, rule := range m.rules {
		if orgFlags[rule.FlagID] {
			metrics.TotalRules++
		}
	}
	for _, override := range m.overrides {
		if orgFlags[override.FlagID] {
			metrics.TotalOverrides++
		}
	}
	users := make(map[string]bool)
	for _, rec := range m.evaluations {
		if !orgFlags[rec.FlagID] || !dateRange.Contains(rec.EvaluatedAt) {
			continue
		}
		metrics.TotalEvaluations++
		if rec.UserID != "" {
			users[rec.UserID] = true
		}
	}
	metrics.UniqueUsers = int64(len(users))
	return metrics, nil
}

// ---- audit ----

func (m *MemoryStore) LogAudit(ctx context.Context, entry *AuditEntry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if entry.ID == "" {
		entry.ID = ident.NewID()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	m.audits = append(m.audits, *entry)
	return nil
}

func (m *MemoryStore) GetAuditLogs(ctx context.Context, filter AuditFilter) ([]AuditEntry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	matched := make([]AuditEntry, 0)
	for _, entry := range m.audits {
		if filter.FlagID != "" && entry.FlagID != filter.FlagID {
			continue
		}
		if filter.UserID != "" && entry.UserID != filter.UserID {
			continue
		}
		if filter.Action != "" && entry.Action != filter.Action {
			continue
		}
		if filter.OrganizationID != "" && entry.OrganizationID != filter.OrganizationID {
			continue
		}
		if !filter.Range.Contains(entry.CreatedAt) {
			continue
		}
		matched = append(matched, entry)
	}
	// Newest first, id tie-break for stable paging.
	sort.Slice(matched, func(i, j int) bool {
		if !matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].CreatedAt.After(matched[j].CreatedAt)
		}
		return matched[i].ID < matched[j].ID
	})

	start := filter.Offset
	if start > len(matched) {
		start = len(matched)
	}
	end := len(matched)
	if filter.Limit > 0 && start+filter.Limit < end {
		end = start + filter.Limit
	}
	return matched[start:end], nil
}

func (m *MemoryStore) GetAuditLog(ctx context.Context, id string) (*AuditEntry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	for i := range m.audits {
		if m.audits[i].ID == id {
			entry := m.audits[i]
			return &entry, nil
		}
	}
	return nil, ErrNotFound
}

func (m *MemoryStore) CleanupAuditLogs(ctx context.Context, olderThan time.Time) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	kept := m.audits[:0]
	var removed int64
	for _, entry := range m.audits {
		if entry.CreatedAt.Before(olderThan) {
			removed++
			continue
		}
		kept = append(kept, entry)
	}
	m.audits = kept
	return removed, nil
}

// ---- environments ----

func (m *MemoryStore) ListEnvironments(ctx context.Context) ([]Environment, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]Environment, 0, len(m.environments))
	for _, env := range m.environments {
		result = append(result, *env)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Key < result[j].Key })
	return result, nil
}

func (m *MemoryStore) CreateEnvironment(ctx context.Context, env *Environment) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, existing := range m.environments {
		if existing.Key == env.Key {
			return fmt.Errorf("environment %q: %w", env.Key, ErrConflict)
		}
	}
	if env.ID == "" {
		env.ID = ident.NewID()
	}
	if env.CreatedAt.IsZero() {
		env.CreatedAt = time.Now().UTC()
	}
	copied := *env
	m.environments[env.ID] = &copied
	return nil
}

func (m *MemoryStore) UpdateEnvironment(ctx context.Context, env *Environment) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	existing, ok := m.environments[env.ID]
	if !ok {
		return ErrNotFound
	}
	env.CreatedAt = existing.CreatedAt
	copied := *env
	m.environments[env.ID] = &copied
	return nil
}

func (m *MemoryStore) DeleteEnvironment(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.environments[id]; !ok {
		return ErrNotFound
	}
	delete(m.environments, id)
	return nil
}

func (m *MemoryStore) Ping(ctx context.Context) error {
	return ctx.Err()
}

func (m *MemoryStore) Close() error {
	return nil
}

// ---- deep copies ----
//
// The store hands out copies so callers can never mutate indexed state.

func copyFlag(f *Flag) *Flag {
	if f == nil {
		return nil
	}
	copied := *f
	if f.Variants != nil {
		copied.Variants = make([]Variant, len(f.Variants))
		copy(copied.Variants, f.Variants)
	}
	if f.Metadata != nil {
		copied.Metadata = make(map[string]any, len(f.Metadata))
		for k, v := range f.Metadata {
			copied.Metadata[k] = v
		}
	}
	return &copied
}

func copyRule(r *Rule) *Rule {
	if r == nil {
		return nil
	}
	copied := *r
	if r.Percentage != nil {
		p := *r.Percentage
		copied.Percentage = &p
	}
	return &copied
}

func copyOverride(o *Override) *Override {
	if o == nil {
		return nil
	}
	copied := *o
	if o.ExpiresAt != nil {
		t := *o.ExpiresAt
		copied.ExpiresAt = &t
	}
	return &copied
}
