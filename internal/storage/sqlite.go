package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	_ "modernc.org/sqlite"

	"metricwatch/internal/alerts"
	"metricwatch/internal/datasource"
	"metricwatch/internal/models"
)

// MemoryPath opens a private in-memory database.
const MemoryPath = ":memory:"

const (
	sqliteInsertAlertSQL = `INSERT INTO alerts (
        id, source, kind, rule_id, metric, severity, current_value, expected_value, deviation,
        message, channels, triggered_at
    ) VALUES (?,?,?,?,?,?,?,?,?,?,?,?)
    ON CONFLICT DO NOTHING
    RETURNING ` + alertColumns

	sqliteGetAlertSQL = `SELECT ` + alertColumns + ` FROM alerts WHERE id = ?`

	sqliteFindUnresolvedSQL = `SELECT ` + alertColumns + ` FROM alerts WHERE source = ? AND resolved_at IS NULL`

	sqliteListUnresolvedSQL = `SELECT ` + alertColumns + `
    FROM alerts
    WHERE resolved_at IS NULL
    ORDER BY triggered_at DESC
    LIMIT ?`

	sqliteUpdateAlertSQL = `UPDATE alerts
    SET acknowledged_by = CASE WHEN acknowledged_at IS NULL AND resolved_at IS NULL AND ?2 IS NOT NULL THEN ?3 ELSE acknowledged_by END,
        acknowledged_at = CASE WHEN resolved_at IS NULL THEN COALESCE(acknowledged_at, ?2) ELSE acknowledged_at END,
        resolved_by     = CASE WHEN resolved_at IS NULL AND ?4 IS NOT NULL THEN ?5 ELSE resolved_by END,
        resolved_at     = COALESCE(resolved_at, ?4)
    WHERE id = ?1`

	sqliteListEnabledRulesSQL = `SELECT ` + ruleColumns + ` FROM alert_rules WHERE enabled = 1 ORDER BY id`

	sqliteUpsertRuleSQL = `INSERT INTO alert_rules (
        id, name, metric, threshold, operator, severity, channels, enabled, created_by, created_at, updated_at
    ) VALUES (?,?,?,?,?,?,?,?,?,?,?)
    ON CONFLICT (id) DO UPDATE
    SET name       = excluded.name,
        metric     = excluded.metric,
        threshold  = excluded.threshold,
        operator   = excluded.operator,
        severity   = excluded.severity,
        channels   = excluded.channels,
        enabled    = excluded.enabled,
        updated_at = excluded.updated_at`

	sqliteInsertEventSQL = `INSERT INTO metric_events (metric, subject_id, occurred_at, value, dimension) VALUES (?,?,?,?,?)`

	sqliteUpsertSubscriptionSQL = `INSERT INTO subscriptions (id, subject_id, plan, status, price_monthly, updated_at)
    VALUES (?,?,?,?,?,?)
    ON CONFLICT (id) DO UPDATE
    SET subject_id    = excluded.subject_id,
        plan          = excluded.plan,
        status        = excluded.status,
        price_monthly = excluded.price_monthly,
        updated_at    = excluded.updated_at`

	sqliteSumMetricSQL = `SELECT COALESCE(SUM(value), 0) FROM metric_events
    WHERE metric = ? AND occurred_at >= ? AND occurred_at < ?`

	sqliteScanEventsSQL = `SELECT metric, value, dimension FROM metric_events
    WHERE occurred_at >= ? AND occurred_at < ?`

	sqliteSubjectEventsSQL = `SELECT metric, value, dimension FROM metric_events
    WHERE subject_id = ? AND occurred_at >= ? AND occurred_at < ?`

	sqliteActivePricesSQL = `SELECT price_monthly FROM subscriptions WHERE status = 'active'`

	sqliteScanSubscriptionsSQL = `SELECT subject_id, plan, status, price_monthly FROM subscriptions`

	sqliteCurrentPlanSQL = `SELECT plan FROM subscriptions
    WHERE subject_id = ? AND status = 'active'
    ORDER BY updated_at DESC
    LIMIT 1`
)

var sqliteSubjectAggregateSQL = map[aggregation]string{
	aggSum: `SELECT COALESCE(SUM(value), 0), 1 FROM metric_events
    WHERE subject_id = ? AND metric = ? AND occurred_at >= ? AND occurred_at < ?`,
	aggCount: `SELECT COUNT(*), 1 FROM metric_events
    WHERE subject_id = ? AND metric = ? AND occurred_at >= ? AND occurred_at < ?`,
	aggAvg: `SELECT COALESCE(AVG(value), 0), COUNT(*) > 0 FROM metric_events
    WHERE subject_id = ? AND metric = ? AND occurred_at >= ? AND occurred_at < ?`,
	aggDistinct: `SELECT COUNT(DISTINCT NULLIF(dimension, '')), 1 FROM metric_events
    WHERE subject_id = ? AND metric = ? AND occurred_at >= ? AND occurred_at < ?`,
}

// SQLiteStore is the single-file backend used for local runs and tests. It implements the same
// read and write surface as Store, minus advisory locking.
type SQLiteStore struct {
	db     *sql.DB
	chain  *datasource.Chain
	logger zerolog.Logger
}

// OpenSQLite opens or creates the database at path and applies the schema.
func OpenSQLite(path string, logger zerolog.Logger) (*SQLiteStore, error) {
	if path == "" {
		path = filepath.Join(os.TempDir(), "metricwatch", "metricwatch.db")
	}
	if path != MemoryPath {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create data directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	s := &SQLiteStore{
		db:     db,
		chain:  datasource.NewChain(logger),
		logger: logger.With().Str("component", "sqlite_store").Logger(),
	}
	if err := s.EnsureSchema(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the database.
func (s *SQLiteStore) Close() {
	if err := s.db.Close(); err != nil {
		s.logger.Warn().Err(err).Msg("close sqlite")
	}
}

// EnsureSchema creates missing tables and indexes.
func (s *SQLiteStore) EnsureSchema(ctx context.Context) error {
	for _, stmt := range sqliteSchema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	return nil
}

// CreateIfAbsent inserts alert unless its id or an open alert for its source already exists.
func (s *SQLiteStore) CreateIfAbsent(ctx context.Context, alert models.Alert) (models.Alert, bool, error) {
	channels, err := json.Marshal(channelsOrEmpty(alert.Channels))
	if err != nil {
		return models.Alert{}, false, fmt.Errorf("encode channels: %w", err)
	}
	row := s.db.QueryRowContext(ctx, sqliteInsertAlertSQL,
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
		string(channels),
		alert.TriggeredAt.UTC().UnixNano(),
	)
	stored, err := scanSQLiteAlert(row)
	if err == nil {
		return stored, true, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return models.Alert{}, false, fmt.Errorf("insert alert: %w", err)
	}

	existing, err := existingAlert(ctx, s, alert)
	if err != nil {
		return models.Alert{}, false, err
	}
	return existing, false, nil
}

// Get returns the alert with id.
func (s *SQLiteStore) Get(ctx context.Context, id string) (models.Alert, error) {
	a, err := scanSQLiteAlert(s.db.QueryRowContext(ctx, sqliteGetAlertSQL, id))
	if errors.Is(err, sql.ErrNoRows) {
		return models.Alert{}, alerts.ErrNotFound
	}
	if err != nil {
		return models.Alert{}, fmt.Errorf("get alert: %w", err)
	}
	return a, nil
}

// FindUnresolvedBySource returns the open alert for source, or nil.
func (s *SQLiteStore) FindUnresolvedBySource(ctx context.Context, source string) (*models.Alert, error) {
	a, err := scanSQLiteAlert(s.db.QueryRowContext(ctx, sqliteFindUnresolvedSQL, source))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find unresolved alert: %w", err)
	}
	return &a, nil
}

// ListUnresolved lists open alerts, newest first.
func (s *SQLiteStore) ListUnresolved(ctx context.Context, limit int) ([]models.Alert, error) {
	rows, err := s.db.QueryContext(ctx, sqliteListUnresolvedSQL, limit)
	if err != nil {
		return nil, fmt.Errorf("list unresolved alerts: %w", err)
	}
	defer rows.Close()

	out := make([]models.Alert, 0, limit)
	for rows.Next() {
		a, err := scanSQLiteAlert(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// Update fills lifecycle fields that are still empty. It reports whether the alert exists.
func (s *SQLiteStore) Update(ctx context.Context, id string, patch models.AlertPatch) (bool, error) {
	res, err := s.db.ExecContext(ctx, sqliteUpdateAlertSQL,
		id,
		nanosOrNil(patch.AcknowledgedAt),
		nullableString(patch.AcknowledgedBy),
		nanosOrNil(patch.ResolvedAt),
		nullableString(patch.ResolvedBy),
	)
	if err != nil {
		return false, fmt.Errorf("update alert: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("update alert: %w", err)
	}
	return n > 0, nil
}

// ListEnabledRules returns enabled rules. Rows that no longer parse are skipped and logged.
func (s *SQLiteStore) ListEnabledRules(ctx context.Context) ([]models.AlertRule, error) {
	rows, err := s.db.QueryContext(ctx, sqliteListEnabledRulesSQL)
	if err != nil {
		return nil, fmt.Errorf("list enabled rules: %w", err)
	}
	defer rows.Close()

	var out []models.AlertRule
	for rows.Next() {
		var (
			r         ruleRow
			channels  string
			createdBy sql.NullString
			createdAt int64
			updatedAt int64
		)
		if err := rows.Scan(
			&r.ID, &r.Name, &r.Metric, &r.Threshold, &r.Operator, &r.Severity,
			&channels, &r.Enabled, &createdBy, &createdAt, &updatedAt,
		); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(channels), &r.Channels); err != nil {
			s.logger.Warn().Err(err).Str("rule_id", r.ID).Msg("skipping rule with malformed channels")
			continue
		}
		if createdBy.Valid {
			r.CreatedBy = &createdBy.String
		}
		r.CreatedAt = time.Unix(0, createdAt)
		r.UpdatedAt = time.Unix(0, updatedAt)

		rule, convErr := r.toModel()
		if convErr != nil {
			s.logger.Warn().Err(convErr).Msg("skipping malformed rule")
			continue
		}
		out = append(out, rule)
	}
	return out, rows.Err()
}

// UpsertRule creates or replaces a rule by id.
func (s *SQLiteStore) UpsertRule(ctx context.Context, rule models.AlertRule) error {
	channels, err := json.Marshal(channelsOrEmpty(rule.Channels))
	if err != nil {
		return fmt.Errorf("encode channels: %w", err)
	}
	now := rule.UpdatedAt
	if now.IsZero() {
		now = time.Now().UTC()
	}
	if _, err := s.db.ExecContext(ctx, sqliteUpsertRuleSQL,
		rule.ID,
		rule.Name,
		rule.Metric.String(),
		rule.Threshold,
		string(rule.Operator),
		string(rule.Severity),
		string(channels),
		rule.Enabled,
		nullableString(rule.CreatedBy),
		now.UnixNano(),
		now.UnixNano(),
	); err != nil {
		return fmt.Errorf("upsert rule: %w", err)
	}
	return nil
}

// InsertEvents records metric events in one transaction.
func (s *SQLiteStore) InsertEvents(ctx context.Context, events []MetricEvent) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	for _, e := range events {
		if _, err := tx.ExecContext(ctx, sqliteInsertEventSQL,
			e.Metric, nullableString(e.SubjectID), e.OccurredAt.UTC().UnixNano(), e.Value, e.Dimension,
		); err != nil {
			return fmt.Errorf("insert event: %w", err)
		}
	}
	return tx.Commit()
}

// UpsertSubscription creates or replaces a subscription by id.
func (s *SQLiteStore) UpsertSubscription(ctx context.Context, sub Subscription) error {
	updated := sub.UpdatedAt
	if updated.IsZero() {
		updated = time.Now().UTC()
	}
	if _, err := s.db.ExecContext(ctx, sqliteUpsertSubscriptionSQL,
		sub.ID, sub.SubjectID, sub.Plan, sub.Status, sub.PriceMonthly.String(), updated.UnixNano(),
	); err != nil {
		return fmt.Errorf("upsert subscription: %w", err)
	}
	return nil
}

// Value sums metric over [dayStart, dayEnd).
func (s *SQLiteStore) Value(ctx context.Context, metric string, dayStart, dayEnd time.Time) (float64, error) {
	start, end := dayStart.UTC().UnixNano(), dayEnd.UTC().UnixNano()
	v, step := datasource.Fetch(ctx, s.chain, datasource.Query[float64]{
		Name: "metric_value",
		Primary: func(ctx context.Context) (float64, error) {
			var sum float64
			err := s.db.QueryRowContext(ctx, sqliteSumMetricSQL, metric, start, end).Scan(&sum)
			return sum, err
		},
		Scan: func(ctx context.Context) (float64, error) {
			rows, err := s.scanEvents(ctx, sqliteScanEventsSQL, start, end)
			if err != nil {
				return 0, err
			}
			sum, _ := reduce(rows, metric, aggSum)
			return sum, nil
		},
	})
	if step == datasource.StepDefault {
		return 0, fmt.Errorf("metric %s: %w", metric, datasource.ErrUnavailable)
	}
	return v, nil
}

// ActivePlanPrices lists the monthly price of every active subscription.
func (s *SQLiteStore) ActivePlanPrices(ctx context.Context) ([]decimal.Decimal, error) {
	prices, _ := datasource.Fetch(ctx, s.chain, datasource.Query[[]decimal.Decimal]{
		Name: "active_plan_prices",
		Primary: func(ctx context.Context) ([]decimal.Decimal, error) {
			rows, err := s.db.QueryContext(ctx, sqliteActivePricesSQL)
			if err != nil {
				return nil, err
			}
			defer rows.Close()
			var raw []string
			for rows.Next() {
				var p string
				if err := rows.Scan(&p); err != nil {
					return nil, err
				}
				raw = append(raw, p)
			}
			if err := rows.Err(); err != nil {
				return nil, err
			}
			return parsePrices(raw)
		},
		Scan: func(ctx context.Context) ([]decimal.Decimal, error) {
			rows, err := s.db.QueryContext(ctx, sqliteScanSubscriptionsSQL)
			if err != nil {
				return nil, err
			}
			defer rows.Close()
			var subs []subscriptionRow
			for rows.Next() {
				var r subscriptionRow
				if err := rows.Scan(&r.SubjectID, &r.Plan, &r.Status, &r.Price); err != nil {
					return nil, err
				}
				subs = append(subs, r)
			}
			if err := rows.Err(); err != nil {
				return nil, err
			}
			return activePrices(subs)
		},
		Default: []decimal.Decimal{},
	})
	return prices, nil
}

// ChurnSignals gathers a subject's activity, product events, sentiment, support errors and plan.
func (s *SQLiteStore) ChurnSignals(ctx context.Context, subjectID string, now time.Time) (models.ChurnSignals, error) {
	recentStart := now.Add(-churnWindow)
	priorStart := recentStart.Add(-churnWindow)

	type result struct {
		value float64
		ok    bool
	}
	aggregate := func(metric string, agg aggregation, from, to time.Time) (float64, bool) {
		start, end := from.UTC().UnixNano(), to.UTC().UnixNano()
		r, _ := datasource.Fetch(ctx, s.chain, datasource.Query[result]{
			Name: "churn_" + metric,
			Primary: func(ctx context.Context) (result, error) {
				var r result
				err := s.db.QueryRowContext(ctx, sqliteSubjectAggregateSQL[agg], subjectID, metric, start, end).Scan(&r.value, &r.ok)
				return r, err
			},
			Scan: func(ctx context.Context) (result, error) {
				rows, err := s.scanEvents(ctx, sqliteSubjectEventsSQL, subjectID, start, end)
				if err != nil {
					return result{}, err
				}
				v, ok := reduce(rows, metric, agg)
				return result{value: v, ok: ok}, nil
			},
		})
		return r.value, r.ok
	}

	sig := models.ChurnSignals{SubjectID: subjectID}
	sig.RecentActivity, _ = aggregate(MetricActivity, aggSum, recentStart, now)
	sig.PriorActivity, _ = aggregate(MetricActivity, aggSum, priorStart, recentStart)
	events, _ := aggregate(MetricProductEvent, aggCount, recentStart, now)
	sig.RecentEvents = int(events)
	if avg, ok := aggregate(MetricSentiment, aggAvg, recentStart, now); ok {
		sig.SentimentAvg = &avg
	}
	errs, _ := aggregate(MetricSupportError, aggDistinct, recentStart, now)
	sig.SupportErrors = int(errs)

	plan, _ := datasource.Fetch(ctx, s.chain, datasource.Query[string]{
		Name: "churn_plan",
		Primary: func(ctx context.Context) (string, error) {
			var plan string
			err := s.db.QueryRowContext(ctx, sqliteCurrentPlanSQL, subjectID).Scan(&plan)
			if errors.Is(err, sql.ErrNoRows) {
				return freePlan, nil
			}
			return plan, err
		},
		Default: freePlan,
	})
	sig.Plan = plan
	sig.PaidPlan = isPaidPlan(plan)
	return sig, nil
}

func (s *SQLiteStore) scanEvents(ctx context.Context, query string, args ...any) ([]eventRow, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []eventRow
	for rows.Next() {
		var r eventRow
		if err := rows.Scan(&r.Metric, &r.Value, &r.Dimension); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteAlert(row rowScanner) (models.Alert, error) {
	var (
		r              alertRow
		ruleID         sql.NullString
		channels       string
		triggeredAt    int64
		acknowledgedAt sql.NullInt64
		acknowledgedBy sql.NullString
		resolvedAt     sql.NullInt64
		resolvedBy     sql.NullString
	)
	if err := row.Scan(
		&r.ID,
		&r.Source,
		&r.Kind,
		&ruleID,
		&r.Metric,
		&r.Severity,
		&r.CurrentValue,
		&r.ExpectedValue,
		&r.Deviation,
		&r.Message,
		&channels,
		&triggeredAt,
		&acknowledgedAt,
		&acknowledgedBy,
		&resolvedAt,
		&resolvedBy,
	); err != nil {
		return models.Alert{}, err
	}
	if err := json.Unmarshal([]byte(channels), &r.Channels); err != nil {
		return models.Alert{}, fmt.Errorf("decode channels: %w", err)
	}
	r.TriggeredAt = time.Unix(0, triggeredAt)
	r.RuleID = stringPtr(ruleID)
	r.AcknowledgedAt = timePtr(acknowledgedAt)
	r.AcknowledgedBy = stringPtr(acknowledgedBy)
	r.ResolvedAt = timePtr(resolvedAt)
	r.ResolvedBy = stringPtr(resolvedBy)
	return r.toModel(), nil
}

func nanosOrNil(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().UnixNano()
}

func timePtr(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.Unix(0, v.Int64)
	return &t
}

func stringPtr(v sql.NullString) *string {
	if !v.Valid {
		return nil
	}
	return &v.String
}
