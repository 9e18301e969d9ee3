package storage

import (
	"fmt"
	"strings"
	"time"

	"github.com/samber/lo"
	"github.com/shopspring/decimal"

	"metricwatch/internal/models"
)

// Event metrics the churn signals are read from.
const (
	MetricActivity     = "activity"
	MetricProductEvent = "product_event"
	MetricSentiment    = "sentiment"
	MetricSupportError = "support_error"

	freePlan = "free"
)

// MetricEvent is one recorded occurrence of a metric.
type MetricEvent struct {
	Metric     string
	SubjectID  string
	OccurredAt time.Time
	Value      float64
	Dimension  string
}

// Subscription is a subject's plan and its monthly price.
type Subscription struct {
	ID           string
	SubjectID    string
	Plan         string
	Status       string
	PriceMonthly decimal.Decimal
	UpdatedAt    time.Time
}

// eventRow is one raw metric event as returned by the broad fallback scans.
type eventRow struct {
	Metric    string
	Value     float64
	Dimension string
}

// aggregation names the reduction applied to a metric's events.
type aggregation string

const (
	aggSum      aggregation = "sum"
	aggCount    aggregation = "count"
	aggAvg      aggregation = "avg"
	aggDistinct aggregation = "distinct"
)

// reduce filters rows to metric and applies agg in memory. ok is false for an average over no rows.
func reduce(rows []eventRow, metric string, agg aggregation) (value float64, ok bool) {
	matched := lo.Filter(rows, func(r eventRow, _ int) bool { return r.Metric == metric })
	switch agg {
	case aggCount:
		return float64(len(matched)), true
	case aggAvg:
		if len(matched) == 0 {
			return 0, false
		}
		return lo.SumBy(matched, func(r eventRow) float64 { return r.Value }) / float64(len(matched)), true
	case aggDistinct:
		dims := lo.Uniq(lo.FilterMap(matched, func(r eventRow, _ int) (string, bool) {
			return r.Dimension, r.Dimension != ""
		}))
		return float64(len(dims)), true
	default:
		return lo.SumBy(matched, func(r eventRow) float64 { return r.Value }), true
	}
}

// subscriptionRow is a subscription as read by the broad scan.
type subscriptionRow struct {
	SubjectID string
	Plan      string
	Status    string
	Price     string
}

func isPaidPlan(plan string) bool {
	return plan != "" && !strings.EqualFold(plan, freePlan)
}

// alertRow mirrors the alerts table with nullable columns spelled out.
type alertRow struct {
	ID             string
	Source         string
	Kind           string
	RuleID         *string
	Metric         string
	Severity       string
	CurrentValue   float64
	ExpectedValue  float64
	Deviation      float64
	Message        string
	Channels       []string
	TriggeredAt    time.Time
	AcknowledgedAt *time.Time
	AcknowledgedBy *string
	ResolvedAt     *time.Time
	ResolvedBy     *string
}

func (r alertRow) toModel() models.Alert {
	a := models.Alert{
		ID:             r.ID,
		Source:         r.Source,
		Kind:           models.AlertKind(r.Kind),
		Metric:         r.Metric,
		Severity:       models.Severity(r.Severity),
		CurrentValue:   r.CurrentValue,
		ExpectedValue:  r.ExpectedValue,
		Deviation:      r.Deviation,
		Message:        r.Message,
		Channels:       r.Channels,
		TriggeredAt:    r.TriggeredAt.UTC(),
		AcknowledgedAt: utcPtr(r.AcknowledgedAt),
		ResolvedAt:     utcPtr(r.ResolvedAt),
	}
	if r.RuleID != nil {
		a.RuleID = *r.RuleID
	}
	if r.AcknowledgedBy != nil {
		a.AcknowledgedBy = *r.AcknowledgedBy
	}
	if r.ResolvedBy != nil {
		a.ResolvedBy = *r.ResolvedBy
	}
	if a.Channels == nil {
		a.Channels = []string{}
	}
	return a
}

// ruleRow mirrors the alert_rules table.
type ruleRow struct {
	ID        string
	Name      string
	Metric    string
	Threshold float64
	Operator  string
	Severity  string
	Channels  []string
	Enabled   bool
	CreatedBy *string
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (r ruleRow) toModel() (models.AlertRule, error) {
	ref, err := models.ParseMetricRef(r.Metric)
	if err != nil {
		return models.AlertRule{}, fmt.Errorf("rule %s: %w", r.ID, err)
	}
	op, err := models.ParseOperator(r.Operator)
	if err != nil {
		return models.AlertRule{}, fmt.Errorf("rule %s: %w", r.ID, err)
	}
	sev, err := models.ParseSeverity(r.Severity)
	if err != nil {
		return models.AlertRule{}, fmt.Errorf("rule %s: %w", r.ID, err)
	}
	rule := models.AlertRule{
		ID:        r.ID,
		Name:      r.Name,
		Metric:    ref,
		Threshold: r.Threshold,
		Operator:  op,
		Severity:  sev,
		Channels:  r.Channels,
		Enabled:   r.Enabled,
		CreatedAt: r.CreatedAt.UTC(),
		UpdatedAt: r.UpdatedAt.UTC(),
	}
	if r.CreatedBy != nil {
		rule.CreatedBy = *r.CreatedBy
	}
	return rule, nil
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}

func nullableString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
