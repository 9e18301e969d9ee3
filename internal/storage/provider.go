package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/samber/lo"
	"github.com/shopspring/decimal"

	"metricwatch/internal/datasource"
	"metricwatch/internal/models"
)

// Churn windows: recent is the last 30 days, prior the 30 days before that.
const churnWindow = 30 * 24 * time.Hour

const (
	sumMetricSQL = `SELECT COALESCE(SUM(value), 0)
    FROM metric_events
    WHERE metric = $1
      AND occurred_at >= $2
      AND occurred_at < $3;`

	scanEventsSQL = `SELECT metric, value, dimension
    FROM metric_events
    WHERE occurred_at >= $1
      AND occurred_at < $2;`

	activePricesSQL = `SELECT price_monthly::text FROM subscriptions WHERE status = 'active';`

	scanSubscriptionsSQL = `SELECT subject_id, plan, status, price_monthly::text FROM subscriptions;`

	subjectEventsSQL = `SELECT metric, value, dimension
    FROM metric_events
    WHERE subject_id = $1
      AND occurred_at >= $2
      AND occurred_at < $3;`

	currentPlanSQL = `SELECT plan
    FROM subscriptions
    WHERE subject_id = $1
      AND status = 'active'
    ORDER BY updated_at DESC
    LIMIT 1;`
)

// subjectAggregateSQL holds the indexed per-subject query for each aggregation.
var subjectAggregateSQL = map[aggregation]string{
	aggSum: `SELECT COALESCE(SUM(value), 0), TRUE FROM metric_events
    WHERE subject_id = $1 AND metric = $2 AND occurred_at >= $3 AND occurred_at < $4;`,
	aggCount: `SELECT COUNT(*)::double precision, TRUE FROM metric_events
    WHERE subject_id = $1 AND metric = $2 AND occurred_at >= $3 AND occurred_at < $4;`,
	aggAvg: `SELECT COALESCE(AVG(value), 0), COUNT(*) > 0 FROM metric_events
    WHERE subject_id = $1 AND metric = $2 AND occurred_at >= $3 AND occurred_at < $4;`,
	aggDistinct: `SELECT COUNT(DISTINCT NULLIF(dimension, ''))::double precision, TRUE FROM metric_events
    WHERE subject_id = $1 AND metric = $2 AND occurred_at >= $3 AND occurred_at < $4;`,
}

// Value sums metric over [dayStart, dayEnd). It returns datasource.ErrUnavailable when neither
// the indexed query nor the broad scan succeeded.
func (s *Store) Value(ctx context.Context, metric string, dayStart, dayEnd time.Time) (float64, error) {
	pool, err := s.getPool()
	if err != nil {
		return 0, err
	}
	v, step := datasource.Fetch(ctx, s.chain, datasource.Query[float64]{
		Name: "metric_value",
		Primary: func(ctx context.Context) (float64, error) {
			var sum float64
			if err := pool.QueryRow(ctx, sumMetricSQL, metric, dayStart, dayEnd).Scan(&sum); err != nil {
				return 0, err
			}
			return sum, nil
		},
		Scan: func(ctx context.Context) (float64, error) {
			rows, err := s.scanEvents(ctx, scanEventsSQL, dayStart, dayEnd)
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
func (s *Store) ActivePlanPrices(ctx context.Context) ([]decimal.Decimal, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}
	prices, _ := datasource.Fetch(ctx, s.chain, datasource.Query[[]decimal.Decimal]{
		Name: "active_plan_prices",
		Primary: func(ctx context.Context) ([]decimal.Decimal, error) {
			rows, err := pool.Query(ctx, activePricesSQL)
			if err != nil {
				return nil, err
			}
			raw, err := pgx.CollectRows(rows, pgx.RowTo[string])
			if err != nil {
				return nil, err
			}
			return parsePrices(raw)
		},
		Scan: func(ctx context.Context) ([]decimal.Decimal, error) {
			rows, err := pool.Query(ctx, scanSubscriptionsSQL)
			if err != nil {
				return nil, err
			}
			subs, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (subscriptionRow, error) {
				var r subscriptionRow
				err := row.Scan(&r.SubjectID, &r.Plan, &r.Status, &r.Price)
				return r, err
			})
			if err != nil {
				return nil, err
			}
			return activePrices(subs)
		},
		Default: []decimal.Decimal{},
	})
	return prices, nil
}

// ChurnSignals gathers a subject's activity, product events, sentiment, support errors and plan.
func (s *Store) ChurnSignals(ctx context.Context, subjectID string, now time.Time) (models.ChurnSignals, error) {
	pool, err := s.getPool()
	if err != nil {
		return models.ChurnSignals{}, err
	}
	recentStart := now.Add(-churnWindow)
	priorStart := recentStart.Add(-churnWindow)

	aggregate := func(metric string, agg aggregation, from, to time.Time) (float64, bool) {
		type result struct {
			value float64
			ok    bool
		}
		r, _ := datasource.Fetch(ctx, s.chain, datasource.Query[result]{
			Name: "churn_" + metric,
			Primary: func(ctx context.Context) (result, error) {
				var r result
				err := pool.QueryRow(ctx, subjectAggregateSQL[agg], subjectID, metric, from, to).Scan(&r.value, &r.ok)
				return r, err
			},
			Scan: func(ctx context.Context) (result, error) {
				rows, err := s.scanEvents(ctx, subjectEventsSQL, subjectID, from, to)
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
			err := pool.QueryRow(ctx, currentPlanSQL, subjectID).Scan(&plan)
			if errors.Is(err, pgx.ErrNoRows) {
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

func (s *Store) scanEvents(ctx context.Context, query string, args ...any) ([]eventRow, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (eventRow, error) {
		var r eventRow
		err := row.Scan(&r.Metric, &r.Value, &r.Dimension)
		return r, err
	})
}

func parsePrices(raw []string) ([]decimal.Decimal, error) {
	out := make([]decimal.Decimal, 0, len(raw))
	for _, p := range raw {
		d, err := decimal.NewFromString(p)
		if err != nil {
			return nil, fmt.Errorf("parse price %q: %w", p, err)
		}
		out = append(out, d)
	}
	return out, nil
}

func activePrices(subs []subscriptionRow) ([]decimal.Decimal, error) {
	active := lo.Filter(subs, func(r subscriptionRow, _ int) bool { return r.Status == "active" })
	return parsePrices(lo.Map(active, func(r subscriptionRow, _ int) string { return r.Price }))
}
