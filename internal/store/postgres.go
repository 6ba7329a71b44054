package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/kriasoft/flagkit/internal/ident"
	"github.com/rs/zerolog"
)

// PostgresStore is the relational implementation of the Store contract.
// The schema lives in schema.sql; migrations are the host's concern.
type PostgresStore struct {
	pool   *pgxpool.Pool
	policy UnknownFlagPolicy
	logger zerolog.Logger
}

// PostgresOption customizes a PostgresStore.
type PostgresOption func(*PostgresStore)

// WithPostgresUnknownFlagPolicy sets the tracking policy for unknown keys.
func WithPostgresUnknownFlagPolicy(p UnknownFlagPolicy) PostgresOption {
	return func(s *PostgresStore) { s.policy = p }
}

// WithPostgresLogger sets the store logger.
func WithPostgresLogger(l zerolog.Logger) PostgresOption {
	return func(s *PostgresStore) { s.logger = l }
}

// NewPostgresStore creates a PostgreSQL-backed store over an existing pool.
func NewPostgresStore(pool *pgxpool.Pool, opts ...PostgresOption) *PostgresStore {
	s := &PostgresStore{
		pool:   pool,
		policy: UnknownFlagLog,
		logger: zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

const uniqueViolation = "23505"

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

// ---- flags ----

const flagColumns = `id, key, name, description, type, enabled, default_value,
	rollout_percentage, COALESCE(organization_id, ''), variants, metadata,
	created_at, updated_at`

func (s *PostgresStore) GetFlagByKey(ctx context.Context, key, orgID string) (*Flag, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+flagColumns+` FROM flags
		 WHERE key = $1 AND COALESCE(organization_id, '') = $2`, key, orgID)
	return scanFlag(row)
}

func (s *PostgresStore) GetFlagByID(ctx context.Context, id string) (*Flag, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+flagColumns+` FROM flags WHERE id = $1`, id)
	return scanFlag(row)
}

func (s *PostgresStore) GetFlagsByKeys(ctx context.Context, keys []string, orgID string) (map[string]*Flag, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+flagColumns+` FROM flags
		 WHERE key = ANY($1) AND COALESCE(organization_id, '') = $2`, keys, orgID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := make(map[string]*Flag, len(keys))
	for rows.Next() {
		flag, err := scanFlag(rows)
		if err != nil {
			return nil, err
		}
		result[flag.Key] = flag
	}
	return result, rows.Err()
}

// listOrderColumns whitelists sortable columns; anything else sorts by key.
var listOrderColumns = map[string]string{
	"key":       "key",
	"name":      "name",
	"createdAt": "created_at",
	"updatedAt": "updated_at",
}

func (s *PostgresStore) ListFlags(ctx context.Context, orgID string, opts ListOptions) ([]Flag, int, error) {
	where := []string{`COALESCE(organization_id, '') = $1`}
	args := []any{orgID}

	if opts.Filter.Type != "" {
		args = append(args, string(opts.Filter.Type))
		where = append(where, fmt.Sprintf("type = $%d", len(args)))
	}
	if opts.Filter.Enabled != nil {
		args = append(args, *opts.Filter.Enabled)
		where = append(where, fmt.Sprintf("enabled = $%d", len(args)))
	}
	if opts.Filter.KeyPrefix != "" {
		args = append(args, opts.Filter.KeyPrefix+"%")
		where = append(where, fmt.Sprintf("key LIKE $%d", len(args)))
	}
	if opts.Filter.Query != "" {
		args = append(args, "%"+strings.ToLower(opts.Filter.Query)+"%")
		where = append(where, fmt.Sprintf("(LOWER(key) LIKE $%d OR LOWER(name) LIKE $%d)", len(args), len(args)))
	}
	whereClause := strings.Join(where, " AND ")

	var total int
	if err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM flags WHERE `+whereClause, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	orderCol, ok := listOrderColumns[opts.OrderBy]
	if !ok {
		orderCol = "key"
	}
	direction := "ASC"
	if strings.EqualFold(opts.OrderDirection, "desc") {
		direction = "DESC"
	}

	query := fmt.Sprintf(`SELECT %s FROM flags WHERE %s ORDER BY %s %s, key ASC`,
		flagColumns, whereClause, orderCol, direction)
	if opts.Limit > 0 {
		args = append(args, opts.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if opts.Offset > 0 {
		args = append(args, opts.Offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	flags := make([]Flag, 0, opts.Limit)
	for rows.Next() {
		flag, err := scanFlag(rows)
		if err != nil {
			return nil, 0, err
		}
		flags = append(flags, *flag)
	}
	return flags, total, rows.Err()
}

func (s *PostgresStore) CreateFlag(ctx context.Context, flag *Flag) error {
	if err := ValidateVariantWeights(flag.Variants); err != nil {
		return err
	}
	if flag.ID == "" {
		flag.ID = ident.NewID()
	}
	now := time.Now().UTC()
	if flag.CreatedAt.IsZero() {
		flag.CreatedAt = now
	}
	flag.UpdatedAt = now

	defaultValue, variants, metadata, err := encodeFlagJSON(flag)
	if err != nil {
		return err
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO flags (id, key, name, description, type, enabled, default_value,
		                    rollout_percentage, organization_id, variants, metadata,
		                    created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		flag.ID, flag.Key, flag.Name, flag.Description, string(flag.Type), flag.Enabled,
		defaultValue, flag.RolloutPercentage, nullString(flag.OrganizationID),
		variants, metadata, flag.CreatedAt, flag.UpdatedAt)
	if isUniqueViolation(err) {
		return fmt.Errorf("flag %q in scope %q: %w", flag.Key, flag.OrganizationID, ErrConflict)
	}
	return err
}

func (s *PostgresStore) UpdateFlag(ctx context.Context, flag *Flag) error {
	if err := ValidateVariantWeights(flag.Variants); err != nil {
		return err
	}
	flag.UpdatedAt = time.Now().UTC()

	defaultValue, variants, metadata, err := encodeFlagJSON(flag)
	if err != nil {
		return err
	}

	tag, err := s.pool.Exec(ctx,
		`UPDATE flags SET key = $2, name = $3, description = $4, type = $5, enabled = $6,
		        default_value = $7, rollout_percentage = $8, organization_id = $9,
		        variants = $10, metadata = $11, updated_at = $12
		 WHERE id = $1`,
		flag.ID, flag.Key, flag.Name, flag.Description, string(flag.Type), flag.Enabled,
		defaultValue, flag.RolloutPercentage, nullString(flag.OrganizationID),
		variants, metadata, flag.UpdatedAt)
	if isUniqueViolation(err) {
		return fmt.Errorf("flag %q in scope %q: %w", flag.Key, flag.OrganizationID, ErrConflict)
	}
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteFlag removes the flag and cascades to rules and overrides in one
// transaction. Audit rows are untouched so the trail survives the flag.
func (s *PostgresStore) DeleteFlag(ctx context.Context, id string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `DELETE FROM rules WHERE flag_id = $1`, id); err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, `DELETE FROM overrides WHERE flag_id = $1`, id); err != nil {
		return err
	}
	tag, err := tx.Exec(ctx, `DELETE FROM flags WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return tx.Commit(ctx)
}

// ---- rules ----

const ruleColumns = `id, flag_id, priority, conditions, value, variant, percentage, enabled, created_at`

func (s *PostgresStore) GetRulesForFlag(ctx context.Context, flagID string) ([]Rule, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+ruleColumns+` FROM rules
		 WHERE flag_id = $1
		 ORDER BY priority ASC, created_at ASC, id ASC`, flagID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := make([]Rule, 0, 4)
	for rows.Next() {
		rule, err := scanRule(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *rule)
	}
	return result, rows.Err()
}

func (s *PostgresStore) CreateRule(ctx context.Context, rule *Rule) error {
	if rule.ID == "" {
		rule.ID = ident.NewID()
	}
	if rule.CreatedAt.IsZero() {
		rule.CreatedAt = time.Now().UTC()
	}
	conditions, value, err := encodeRuleJSON(rule)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO rules (id, flag_id, priority, conditions, value, variant, percentage, enabled, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		rule.ID, rule.FlagID, rule.Priority, conditions, value, rule.Variant,
		rule.Percentage, rule.Enabled, rule.CreatedAt)
	return err
}

func (s *PostgresStore) UpdateRule(ctx context.Context, rule *Rule) error {
	conditions, value, err := encodeRuleJSON(rule)
	if err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE rules SET priority = $2, conditions = $3, value = $4, variant = $5,
		        percentage = $6, enabled = $7
		 WHERE id = $1`,
		rule.ID, rule.Priority, conditions, value, rule.Variant, rule.Percentage, rule.Enabled)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) DeleteRule(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM rules WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ReorderRules assigns priority = index+1 for every submitted id in one
// transaction, after verifying the id set matches the flag's rules exactly.
func (s *PostgresStore) ReorderRules(ctx context.Context, flagID string, ruleIDs []string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	rows, err := tx.Query(ctx, `SELECT id FROM rules WHERE flag_id = $1 FOR UPDATE`, flagID)
	if err != nil {
		return err
	}
	existing := make(map[string]bool)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return err
		}
		existing[id] = true
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	if len(ruleIDs) != len(existing) {
		return fmt.Errorf("reorder must list all %d rules of the flag, got %d", len(existing), len(ruleIDs))
	}
	seen := make(map[string]bool, len(ruleIDs))
	for _, id := range ruleIDs {
		if !existing[id] {
			return fmt.Errorf("rule %q does not belong to flag %q: %w", id, flagID, ErrNotFound)
		}
		if seen[id] {
			return fmt.Errorf("duplicate rule id %q in reorder", id)
		}
		seen[id] = true
	}

	for index, id := range ruleIDs {
		if _, err := tx.Exec(ctx, `UPDATE rules SET priority = $2 WHERE id = $1`, id, index+1); err != nil {
			return err
		}
	}
	return tx.Commit(ctx)
}

// ---- overrides ----

const overrideColumns = `id, flag_id, user_id, value, variant, expires_at, reason, created_at`

func (s *PostgresStore) GetOverride(ctx context.Context, flagID, userID string) (*Override, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+overrideColumns+` FROM overrides WHERE flag_id = $1 AND user_id = $2`,
		flagID, userID)
	return scanOverride(row)
}

func (s *PostgresStore) GetOverrideByID(ctx context.Context, id string) (*Override, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+overrideColumns+` FROM overrides WHERE id = $1`, id)
	return scanOverride(row)
}

func (s *PostgresStore) CreateOverride(ctx context.Context, override *Override) error {
	if override.ID == "" {
		override.ID = ident.NewID()
	}
	if override.CreatedAt.IsZero() {
		override.CreatedAt = time.Now().UTC()
	}
	value, err := json.Marshal(override.Value)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO overrides (id, flag_id, user_id, value, variant, expires_at, reason, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		override.ID, override.FlagID, override.UserID, value, override.Variant,
		override.ExpiresAt, override.Reason, override.CreatedAt)
	if isUniqueViolation(err) {
		return fmt.Errorf("override for (%s, %s): %w", override.FlagID, override.UserID, ErrConflict)
	}
	return err
}

func (s *PostgresStore) UpdateOverride(ctx context.Context, override *Override) error {
	value, err := json.Marshal(override.Value)
	if err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE overrides SET value = $2, variant = $3, expires_at = $4, reason = $5
		 WHERE id = $1`,
		override.ID, value, override.Variant, override.ExpiresAt, override.Reason)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) DeleteOverride(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM overrides WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) ListOverrides(ctx context.Context, flagID, userID string) ([]Override, error) {
	where := []string{"TRUE"}
	args := []any{}
	if flagID != "" {
		args = append(args, flagID)
		where = append(where, fmt.Sprintf("flag_id = $%d", len(args)))
	}
	if userID != "" {
		args = append(args, userID)
		where = append(where, fmt.Sprintf("user_id = $%d", len(args)))
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+overrideColumns+` FROM overrides WHERE `+strings.Join(where, " AND ")+
			` ORDER BY created_at ASC, id ASC`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := make([]Override, 0)
	for rows.Next() {
		override, err := scanOverride(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *override)
	}
	return result, rows.Err()
}

// ---- analytics ----

func (s *PostgresStore) TrackEvaluation(ctx context.Context, record *EvaluationRecord) error {
	if record.FlagID == "" {
		var flagID string
		err := s.pool.QueryRow(ctx,
			`SELECT id FROM flags WHERE key = $1 LIMIT 1`, record.FlagKey).Scan(&flagID)
		switch {
		case err == nil:
			record.FlagID = flagID
		case errors.Is(err, pgx.ErrNoRows):
			switch s.policy {
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
				s.logger.Warn().Str("flagKey", record.FlagKey).Msg("dropping evaluation for unknown flag")
				return nil
			}
		default:
			return err
		}
	}

	if record.ID == "" {
		record.ID = ident.NewID()
	}
	if record.EvaluatedAt.IsZero() {
		record.EvaluatedAt = time.Now().UTC()
	}
	value, err := json.Marshal(record.Value)
	if err != nil {
		return err
	}
	contextJSON, err := marshalMap(record.Context)
	if err != nil {
		return err
	}
	metadata, err := marshalMap(record.Metadata)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO evaluations (id, flag_id, flag_key, user_id, value, variant, reason,
		                          context, latency_ms, metadata, evaluated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		record.ID, nullString(record.FlagID), record.FlagKey, nullString(record.UserID),
		value, record.Variant, record.Reason, contextJSON, record.LatencyMs,
		metadata, record.EvaluatedAt)
	return err
}

func (s *PostgresStore) GetEvaluationStats(ctx context.Context, flagID string, dateRange DateRange, opts StatsOptions) (*EvaluationStats, error) {
	where, args := evalWindow(flagID, dateRange)
	stats := &EvaluationStats{}

	row := s.pool.QueryRow(ctx, `
		SELECT COUNT(*),
		       COUNT(DISTINCT user_id),
		       COALESCE(AVG(latency_ms), 0),
		       COALESCE(AVG(CASE WHEN reason = 'not_found' THEN 1.0 ELSE 0.0 END), 0)
		FROM evaluations WHERE `+where, args...)
	if err := row.Scan(&stats.TotalEvaluations, &stats.UniqueUsers, &stats.AvgLatencyMs, &stats.ErrorRate); err != nil {
		return nil, err
	}

	if wantMetric(opts, "reasons") {
		rows, err := s.pool.Query(ctx,
			`SELECT reason, COUNT(*) FROM evaluations WHERE `+where+` GROUP BY reason`, args...)
		if err != nil {
			return nil, err
		}
		stats.Reasons, err = scanCounts(rows)
		if err != nil {
			return nil, err
		}
	}
	if wantMetric(opts, "variants") {
		rows, err := s.pool.Query(ctx,
			`SELECT variant, COUNT(*) FROM evaluations WHERE `+where+` AND variant <> '' GROUP BY variant`, args...)
		if err != nil {
			return nil, err
		}
		stats.Variants, err = scanCounts(rows)
		if err != nil {
			return nil, err
		}
	}

	if !wantMetric(opts, "totalEvaluations") {
		stats.TotalEvaluations = 0
	}
	if !wantMetric(opts, "uniqueUsers") {
		stats.UniqueUsers = 0
	}
	if !wantMetric(opts, "avgLatency") {
		stats.AvgLatencyMs = 0
	}
	if !wantMetric(opts, "errorRate") {
		stats.ErrorRate = 0
	}
	return stats, nil
}

func evalWindow(flagID string, dateRange DateRange) (string, []any) {
	where := []string{"flag_id = $1"}
	args := []any{flagID}
	if !dateRange.Start.IsZero() {
		args = append(args, dateRange.Start)
		where = append(where, fmt.Sprintf("evaluated_at >= $%d", len(args)))
	}
	if !dateRange.End.IsZero() {
		args = append(args, dateRange.End)
		where = append(where, fmt.Sprintf("evaluated_at <= $%d", len(args)))
	}
	return strings.Join(where, " AND "), args
}

func scanCounts(rows pgx.Rows) (map[string]int64, error) {
	defer rows.Close()
	counts := make(map[string]int64)
	for rows.Next() {
		var key string
		var count int64
		if err := rows.Scan(&key, &count); err != nil {
			return nil, err
		}
		counts[key] = count
	}
	return counts, rows.Err()
}

func (s *PostgresStore) GetUsageMetrics(ctx context.Context, orgID string, dateRange DateRange) (*UsageMetrics, error) {
	metrics := &UsageMetrics{}
	row := s.pool.QueryRow(ctx, `
		SELECT COUNT(*),
		       COUNT(*) FILTER (WHERE enabled),
		       (SELECT COUNT(*) FROM rules r JOIN flags f2 ON r.flag_id = f2.id
		        WHERE COALESCE(f2.organization_id, '') = $1),
		       (SELECT COUNT(*) FROM overrides o JOIN flags f3 ON o.flag_id = f3.id
		        WHERE COALESCE(f3.organization_id, '') = $1)
		FROM flags f WHERE COALESCE(f.organization_id, '') = $1`, orgID)
	if err := row.Scan(&metrics.TotalFlags, &metrics.EnabledFlags, &metrics.TotalRules, &metrics.TotalOverrides); err != nil {
		return nil, err
	}

	where := []string{`flag_id IN (SELECT id FROM flags WHERE COALESCE(organization_id, '') = $1)`}
	args := []any{orgID}
	if !dateRange.Start.IsZero() {
		args = append(args, dateRange.Start)
		where = append(where, fmt.Sprintf("evaluated_at >= $%d", len(args)))
	}
	if !dateRange.End.IsZero() {
		args = append(args, dateRange.End)
		where = append(where, fmt.Sprintf("evaluated_at <= $%d", len(args)))
	}
	row = s.pool.QueryRow(ctx,
		`SELECT COUNT(*), COUNT(DISTINCT user_id) FROM evaluations WHERE `+strings.Join(where, " AND "),
		args...)
	if err := row.Scan(&metrics.TotalEvaluations, &metrics.UniqueUsers); err != nil {
		return nil, err
	}
	return metrics, nil
}

// ---- audit ----

const auditColumns = `id, COALESCE(flag_id::text, ''), COALESCE(user_id, ''), action,
	COALESCE(organization_id, ''), metadata, created_at`

func (s *PostgresStore) LogAudit(ctx context.Context, entry *AuditEntry) error {
	if entry.ID == "" {
		entry.ID = ident.NewID()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	metadata, err := marshalMap(entry.Metadata)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO audits (id, flag_id, user_id, action, organization_id, metadata, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		entry.ID, nullString(entry.FlagID), nullString(entry.UserID), entry.Action,
		nullString(entry.OrganizationID), metadata, entry.CreatedAt)
	return err
}

func (s *PostgresStore) GetAuditLogs(ctx context.Context, filter AuditFilter) ([]AuditEntry, error) {
	where := []string{"TRUE"}
	args := []any{}
	addFilter := func(clause string, value any) {
		args = append(args, value)
		where = append(where, fmt.Sprintf(clause, len(args)))
	}
	if filter.FlagID != "" {
		addFilter("flag_id = $%d", filter.FlagID)
	}
	if filter.UserID != "" {
		addFilter("user_id = $%d", filter.UserID)
	}
	if filter.Action != "" {
		addFilter("action = $%d", filter.Action)
	}
	if filter.OrganizationID != "" {
		addFilter("organization_id = $%d", filter.OrganizationID)
	}
	if !filter.Range.Start.IsZero() {
		addFilter("created_at >= $%d", filter.Range.Start)
	}
	if !filter.Range.End.IsZero() {
		addFilter("created_at <= $%d", filter.Range.End)
	}

	query := `SELECT ` + auditColumns + ` FROM audits WHERE ` + strings.Join(where, " AND ") +
		` ORDER BY created_at DESC, id ASC`
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if filter.Offset > 0 {
		args = append(args, filter.Offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := make([]AuditEntry, 0)
	for rows.Next() {
		entry, err := scanAudit(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *entry)
	}
	return result, rows.Err()
}

func (s *PostgresStore) GetAuditLog(ctx context.Context, id string) (*AuditEntry, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+auditColumns+` FROM audits WHERE id = $1`, id)
	return scanAudit(row)
}

func (s *PostgresStore) CleanupAuditLogs(ctx context.Context, olderThan time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM audits WHERE created_at < $1`, olderThan)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// ---- environments ----

func (s *PostgresStore) ListEnvironments(ctx context.Context) ([]Environment, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, key, name, description, created_at FROM environments ORDER BY key ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := make([]Environment, 0)
	for rows.Next() {
		var env Environment
		if err := rows.Scan(&env.ID, &env.Key, &env.Name, &env.Description, &env.CreatedAt); err != nil {
			return nil, err
		}
		result = append(result, env)
	}
	return result, rows.Err()
}

func (s *PostgresStore) CreateEnvironment(ctx context.Context, env *Environment) error {
	if env.ID == "" {
		env.ID = ident.NewID()
	}
	if env.CreatedAt.IsZero() {
		env.CreatedAt = time.Now().UTC()
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO environments (id, key, name, description, created_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		env.ID, env.Key, env.Name, env.Description, env.CreatedAt)
	if isUniqueViolation(err) {
		return fmt.Errorf("environment %q: %w", env.Key, ErrConflict)
	}
	return err
}

func (s *PostgresStore) UpdateEnvironment(ctx context.Context, env *Environment) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE environments SET key = $2, name = $3, description = $4 WHERE id = $1`,
		env.ID, env.Key, env.Name, env.Description)
	if isUniqueViolation(err) {
		return fmt.Errorf("environment %q: %w", env.Key, ErrConflict)
	}
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) DeleteEnvironment(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM environments WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

// ---- row scanning ----

func scanFlag(row pgx.Row) (*Flag, error) {
	var flag Flag
	var typ string
	var defaultValue, variants, metadata []byte
	err := row.Scan(&flag.ID, &flag.Key, &flag.Name, &flag.Description, &typ,
		&flag.Enabled, &defaultValue, &flag.RolloutPercentage, &flag.OrganizationID,
		&variants, &metadata, &flag.CreatedAt, &flag.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	flag.Type = Kind(typ)
	if err := json.Unmarshal(defaultValue, &flag.DefaultValue); err != nil {
		return nil, fmt.Errorf("flag %s: decode default value: %w", flag.ID, err)
	}
	if len(variants) > 0 {
		if err := json.Unmarshal(variants, &flag.Variants); err != nil {
			return nil, fmt.Errorf("flag %s: decode variants: %w", flag.ID, err)
		}
	}
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &flag.Metadata); err != nil {
			return nil, fmt.Errorf("flag %s: decode metadata: %w", flag.ID, err)
		}
	}
	return &flag, nil
}

func scanRule(row pgx.Row) (*Rule, error) {
	var rule Rule
	var conditions, value []byte
	err := row.Scan(&rule.ID, &rule.FlagID, &rule.Priority, &conditions, &value,
		&rule.Variant, &rule.Percentage, &rule.Enabled, &rule.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(conditions, &rule.Conditions); err != nil {
		return nil, fmt.Errorf("rule %s: decode conditions: %w", rule.ID, err)
	}
	if err := json.Unmarshal(value, &rule.Value); err != nil {
		return nil, fmt.Errorf("rule %s: decode value: %w", rule.ID, err)
	}
	return &rule, nil
}

func scanOverride(row pgx.Row) (*Override, error) {
	var override Override
	var value []byte
	err := row.Scan(&override.ID, &override.FlagID, &override.UserID, &value,
		&override.Variant, &override.ExpiresAt, &override.Reason, &override.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(value, &override.Value); err != nil {
		return nil, fmt.Errorf("override %s: decode value: %w", override.ID, err)
	}
	return &override, nil
}

func scanAudit(row pgx.Row) (*AuditEntry, error) {
	var entry AuditEntry
	var metadata []byte
	err := row.Scan(&entry.ID, &entry.FlagID, &entry.UserID, &entry.Action,
		&entry.OrganizationID, &metadata, &entry.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &entry.Metadata); err != nil {
			return nil, fmt.Errorf("audit %s: decode metadata: %w", entry.ID, err)
		}
	}
	return &entry, nil
}

// ---- encoding helpers ----

func encodeFlagJSON(flag *Flag) (defaultValue, variants, metadata []byte, err error) {
	defaultValue, err = json.Marshal(flag.DefaultValue)
	if err != nil {
		return nil, nil, nil, err
	}
	if len(flag.Variants) > 0 {
		variants, err = json.Marshal(flag.Variants)
		if err != nil {
			return nil, nil, nil, err
		}
	}
	metadata, err = marshalMap(flag.Metadata)
	if err != nil {
		return nil, nil, nil, err
	}
	return defaultValue, variants, metadata, nil
}

func encodeRuleJSON(rule *Rule) (conditions, value []byte, err error) {
	conditions, err = json.Marshal(rule.Conditions)
	if err != nil {
		return nil, nil, err
	}
	value, err = json.Marshal(rule.Value)
	if err != nil {
		return nil, nil, err
	}
	return conditions, value, nil
}

func marshalMap(m map[string]any) ([]byte, error) {
	if m == nil {
		return nil, nil
	}
	return json.Marshal(m)
}

// nullString maps the empty string to SQL NULL.
func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
