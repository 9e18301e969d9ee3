package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"metricwatch/internal/alerts"
	"metricwatch/internal/datasource"
	"metricwatch/internal/models"
)

var (
	// ErrNotConfigured indicates the storage pool was not initialised.
	ErrNotConfigured = errors.New("storage: pool not configured")

	// errOpenAlertRace is returned when an insert conflicted but the conflicting row was
	// resolved before it could be read back. Callers retry.
	errOpenAlertRace = errors.New("storage: conflicting alert changed during insert")
)

const (
	alertColumns = `id, source, kind, rule_id, metric, severity, current_value, expected_value, deviation,
        message, channels, triggered_at, acknowledged_at, acknowledged_by, resolved_at, resolved_by`

	insertAlertSQL = `INSERT INTO alerts (
        id, source, kind, rule_id, metric, severity, current_value, expected_value, deviation,
        message, channels, triggered_at
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12
    )
    ON CONFLICT DO NOTHING
    RETURNING ` + alertColumns + `;`

	getAlertSQL = `SELECT ` + alertColumns + ` FROM alerts WHERE id = $1;`

	findUnresolvedBySourceSQL = `SELECT ` + alertColumns + `
    FROM alerts
    WHERE source = $1
      AND resolved_at IS NULL;`

	listUnresolvedSQL = `SELECT ` + alertColumns + `
    FROM alerts
    WHERE resolved_at IS NULL
    ORDER BY triggered_at DESC
    LIMIT $1;`

	updateAlertSQL = `UPDATE alerts
    SET acknowledged_by = CASE WHEN acknowledged_at IS NULL AND resolved_at IS NULL AND $2::timestamptz IS NOT NULL THEN $3 ELSE acknowledged_by END,
        acknowledged_at = CASE WHEN resolved_at IS NULL THEN COALESCE(acknowledged_at, $2::timestamptz) ELSE acknowledged_at END,
        resolved_by     = CASE WHEN resolved_at IS NULL AND $4::timestamptz IS NOT NULL THEN $5 ELSE resolved_by END,
        resolved_at     = COALESCE(resolved_at, $4::timestamptz)
    WHERE id = $1;`

	ruleColumns = `id, name, metric, threshold, operator, severity, channels, enabled, created_by, created_at, updated_at`

	listEnabledRulesSQL = `SELECT ` + ruleColumns + `
    FROM alert_rules
    WHERE enabled
    ORDER BY id;`

	upsertRuleSQL = `INSERT INTO alert_rules (
        id, name, metric, threshold, operator, severity, channels, enabled, created_by, created_at, updated_at
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$10
    )
    ON CONFLICT (id) DO UPDATE
    SET name       = EXCLUDED.name,
        metric     = EXCLUDED.metric,
        threshold  = EXCLUDED.threshold,
        operator   = EXCLUDED.operator,
        severity   = EXCLUDED.severity,
        channels   = EXCLUDED.channels,
        enabled    = EXCLUDED.enabled,
        updated_at = EXCLUDED.updated_at;`

	insertEventSQL = `INSERT INTO metric_events (metric, subject_id, occurred_at, value, dimension)
    VALUES ($1,$2,$3,$4,$5);`

	upsertSubscriptionSQL = `INSERT INTO subscriptions (id, subject_id, plan, status, price_monthly, updated_at)
    VALUES ($1,$2,$3,$4,$5,$6)
    ON CONFLICT (id) DO UPDATE
    SET subject_id    = EXCLUDED.subject_id,
        plan          = EXCLUDED.plan,
        status        = EXCLUDED.status,
        price_monthly = EXCLUDED.price_monthly,
        updated_at    = EXCLUDED.updated_at;`

	tryAdvisoryLockSQL = `SELECT pg_try_advisory_lock($1);`
	advisoryUnlockSQL  = `SELECT pg_advisory_unlock($1);`
)

// AdvisoryLocker exposes advisory lock helpers.
type AdvisoryLocker interface {
	TryAdvisoryLock(ctx context.Context, key int64) (unlock func(), acquired bool, err error)
}

// Store is the PostgreSQL backend: alerts, rules, metric events and subscriptions.
type Store struct {
	pool   *pgxpool.Pool
	chain  *datasource.Chain
	logger zerolog.Logger
}

// NewStore wires a pgx pool into a Store.
func NewStore(pool *pgxpool.Pool, logger zerolog.Logger) *Store {
	return &Store{
		pool:   pool,
		chain:  datasource.NewChain(logger),
		logger: logger.With().Str("component", "postgres_store").Logger(),
	}
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// EnsureSchema creates missing tables and indexes.
func (s *Store) EnsureSchema(ctx context.Context) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	for _, stmt := range postgresSchema {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	return nil
}

// TryAdvisoryLock attempts to acquire a postgres advisory lock and returns a release func.
func (s *Store) TryAdvisoryLock(ctx context.Context, key int64) (func(), bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, false, err
	}

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("acquire connection: %w", err)
	}

	var acquired bool
	if err := conn.QueryRow(ctx, tryAdvisoryLockSQL, key).Scan(&acquired); err != nil {
		conn.Release()
		return nil, false, fmt.Errorf("try advisory lock: %w", err)
	}
	if !acquired {
		conn.Release()
		return nil, false, nil
	}

	unlock := func() {
		ctxUnlock, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if _, err := conn.Exec(ctxUnlock, advisoryUnlockSQL, key); err != nil {
			s.logger.Warn().Err(err).Int64("key", key).Msg("advisory unlock failed")
		}
		conn.Release()
	}
	return unlock, true, nil
}

func (s *Store) getPool() (*pgxpool.Pool, error) {
	if s == nil || s.pool == nil {
		return nil, ErrNotConfigured
	}
	return s.pool, nil
}

// CreateIfAbsent inserts alert unless its id or an open alert for its source already exists.
func (s *Store) CreateIfAbsent(ctx context.Context, alert models.Alert) (models.Alert, bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return models.Alert{}, false, err
	}

	row := pool.QueryRow(ctx, insertAlertSQL,
		alert.ID,
		alert.Source,
		string(alert.Kind),
		nullableString(alert.RuleID),
		alert.Metric,
		string(alert.Severity),
		alert.CurrentValue,
		alert.ExpectedValue,
		alert.Deviation,
		alert.Message,
		channelsOrEmpty(alert.Channels),
		alert.TriggeredAt.UTC(),
	)
	stored, err := scanAlert(row)
	if err == nil {
		return stored, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return models.Alert{}, false, fmt.Errorf("insert alert: %w", err)
	}

	existing, err := existingAlert(ctx, s, alert)
	if err != nil {
		return models.Alert{}, false, err
	}
	return existing, false, nil
}

// Get returns the alert with id.
func (s *Store) Get(ctx context.Context, id string) (models.Alert, error) {
	pool, err := s.getPool()
	if err != nil {
		return models.Alert{}, err
	}
	a, err := scanAlert(pool.QueryRow(ctx, getAlertSQL, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Alert{}, alerts.ErrNotFound
	}
	if err != nil {
		return models.Alert{}, fmt.Errorf("get alert: %w", err)
	}
	return a, nil
}

// FindUnresolvedBySource returns the open alert for source, or nil.
func (s *Store) FindUnresolvedBySource(ctx context.Context, source string) (*models.Alert, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}
	a, err := scanAlert(pool.QueryRow(ctx, findUnresolvedBySourceSQL, source))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find unresolved alert: %w", err)
	}
	return &a, nil
}

// ListUnresolved lists open alerts, newest first.
func (s *Store) ListUnresolved(ctx context.Context, limit int) ([]models.Alert, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listUnresolvedSQL, limit)
	if queryErr != nil {
		return nil, fmt.Errorf("list unresolved alerts: %w", queryErr)
	}
	defer rows.Close()

	out := make([]models.Alert, 0, limit)
	for rows.Next() {
		a, scanErr := scanAlert(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		out = append(out, a)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return out, nil
}

// Update fills lifecycle fields that are still empty. It reports whether the alert exists.
func (s *Store) Update(ctx context.Context, id string, patch models.AlertPatch) (bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return false, err
	}
	tag, execErr := pool.Exec(ctx, updateAlertSQL,
		id,
		patch.AcknowledgedAt,
		nullableString(patch.AcknowledgedBy),
		patch.ResolvedAt,
		nullableString(patch.ResolvedBy),
	)
	if execErr != nil {
		return false, fmt.Errorf("update alert: %w", execErr)
	}
	return tag.RowsAffected() > 0, nil
}

// ListEnabledRules returns enabled rules. Rows that no longer parse are skipped and logged.
func (s *Store) ListEnabledRules(ctx context.Context) ([]models.AlertRule, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listEnabledRulesSQL)
	if queryErr != nil {
		return nil, fmt.Errorf("list enabled rules: %w", queryErr)
	}
	defer rows.Close()

	var out []models.AlertRule
	for rows.Next() {
		var r ruleRow
		if err := rows.Scan(
			&r.ID, &r.Name, &r.Metric, &r.Threshold, &r.Operator, &r.Severity,
			&r.Channels, &r.Enabled, &r.CreatedBy, &r.CreatedAt, &r.UpdatedAt,
		); err != nil {
			return nil, err
		}
		rule, convErr := r.toModel()
		if convErr != nil {
			s.logger.Warn().Err(convErr).Msg("skipping malformed rule")
			continue
		}
		out = append(out, rule)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return out, nil
}

// UpsertRule creates or replaces a rule by id.
func (s *Store) UpsertRule(ctx context.Context, rule models.AlertRule) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	now := rule.UpdatedAt
	if now.IsZero() {
		now = time.Now().UTC()
	}
	if _, execErr := pool.Exec(ctx, upsertRuleSQL,
		rule.ID,
		rule.Name,
		rule.Metric.String(),
		rule.Threshold,
		string(rule.Operator),
		string(rule.Severity),
		channelsOrEmpty(rule.Channels),
		rule.Enabled,
		nullableString(rule.CreatedBy),
		now,
	); execErr != nil {
		return fmt.Errorf("upsert rule: %w", execErr)
	}
	return nil
}

// InsertEvents records metric events in one batch.
func (s *Store) InsertEvents(ctx context.Context, events []MetricEvent) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	batch := &pgx.Batch{}
	for _, e := range events {
		batch.Queue(insertEventSQL, e.Metric, nullableString(e.SubjectID), e.OccurredAt.UTC(), e.Value, e.Dimension)
	}
	if err := pool.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("insert events: %w", err)
	}
	return nil
}

// UpsertSubscription creates or replaces a subscription by id.
func (s *Store) UpsertSubscription(ctx context.Context, sub Subscription) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	updated := sub.UpdatedAt
	if updated.IsZero() {
		updated = time.Now().UTC()
	}
	if _, execErr := pool.Exec(ctx, upsertSubscriptionSQL,
		sub.ID, sub.SubjectID, sub.Plan, sub.Status, sub.PriceMonthly.String(), updated,
	); execErr != nil {
		return fmt.Errorf("upsert subscription: %w", execErr)
	}
	return nil
}

func scanAlert(row pgx.Row) (models.Alert, error) {
	var r alertRow
	if err := row.Scan(
		&r.ID,
		&r.Source,
		&r.Kind,
		&r.RuleID,
		&r.Metric,
		&r.Severity,
		&r.CurrentValue,
		&r.ExpectedValue,
		&r.Deviation,
		&r.Message,
		&r.Channels,
		&r.TriggeredAt,
		&r.AcknowledgedAt,
		&r.AcknowledgedBy,
		&r.ResolvedAt,
		&r.ResolvedBy,
	); err != nil {
		return models.Alert{}, err
	}
	return r.toModel(), nil
}

type alertReader interface {
	Get(ctx context.Context, id string) (models.Alert, error)
	FindUnresolvedBySource(ctx context.Context, source string) (*models.Alert, error)
}

// existingAlert loads the row that made an insert of alert conflict: the same id first, then
// the open alert for the same source.
func existingAlert(ctx context.Context, r alertReader, alert models.Alert) (models.Alert, error) {
	existing, err := r.Get(ctx, alert.ID)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, alerts.ErrNotFound) {
		return models.Alert{}, err
	}
	open, err := r.FindUnresolvedBySource(ctx, alert.Source)
	if err != nil {
		return models.Alert{}, err
	}
	if open == nil {
		return models.Alert{}, errOpenAlertRace
	}
	return *open, nil
}

func channelsOrEmpty(ch []string) []string {
	if ch == nil {
		return []string{}
	}
	return ch
}
