// Package rules evaluates admin-defined threshold rules against a metrics snapshot.
package rules

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"metricwatch/internal/models"
	"metricwatch/internal/telemetry"
)

// Source lists the rules a sweep evaluates.
type Source interface {
	ListEnabledRules(ctx context.Context) ([]models.AlertRule, error)
}

// Raiser persists a rule alert and reports whether it was newly created.
type Raiser interface {
	RaiseTracked(ctx context.Context, alert models.Alert) (stored models.Alert, created, ok bool)
}

// Result is the outcome of checking one rule.
type Result struct {
	Triggered bool
	Value     float64
	Message   string
}

// Evaluate checks rule against snapshot. Comparisons are exact, including eq.
func Evaluate(rule models.AlertRule, snapshot models.Snapshot) (Result, error) {
	value, ok := snapshot.Value(rule.Metric)
	if !ok {
		return Result{}, fmt.Errorf("rule %s: snapshot has no value for %s", rule.ID, rule.Metric)
	}

	var triggered bool
	switch rule.Operator {
	case models.OpGT:
		triggered = value > rule.Threshold
	case models.OpGTE:
		triggered = value >= rule.Threshold
	case models.OpLT:
		triggered = value < rule.Threshold
	case models.OpLTE:
		triggered = value <= rule.Threshold
	case models.OpEQ:
		triggered = value == rule.Threshold
	default:
		return Result{}, fmt.Errorf("rule %s: unknown operator %q", rule.ID, rule.Operator)
	}

	return Result{
		Triggered: triggered,
		Value:     value,
		Message: fmt.Sprintf("%s: %s is %.2f (threshold %s %.2f)",
			rule.Name, rule.Metric, value, rule.Operator.Symbol(), rule.Threshold),
	}, nil
}

// DefaultSeverity grades rules that carry no explicit severity: failure-rate metrics are critical.
func DefaultSeverity(ref models.MetricRef) models.Severity {
	switch ref.Kind {
	case models.KindErrorRate, models.KindJobFailureRate:
		return models.SeverityCritical
	default:
		return models.SeverityWarning
	}
}

// Evaluator sweeps every enabled rule.
type Evaluator struct {
	source      Source
	raiser      Raiser
	concurrency int
	logger      zerolog.Logger
}

// NewEvaluator constructs an Evaluator.
func NewEvaluator(source Source, raiser Raiser, concurrency int, logger zerolog.Logger) *Evaluator {
	if concurrency <= 0 {
		concurrency = 4
	}
	return &Evaluator{
		source:      source,
		raiser:      raiser,
		concurrency: concurrency,
		logger:      logger.With().Str("component", "rule_evaluator").Logger(),
	}
}

// EvaluateAll checks every enabled rule against snapshot and returns the alerts created by this
// pass. A rule that already has an open alert creates nothing. A failing rule is logged and
// skipped.
func (e *Evaluator) EvaluateAll(ctx context.Context, snapshot models.Snapshot) []models.Alert {
	start := time.Now()
	defer func() {
		telemetry.SweepDuration.WithLabelValues("rules").Observe(time.Since(start).Seconds())
	}()

	list, err := e.source.ListEnabledRules(ctx)
	if err != nil {
		e.logger.Error().Err(err).Msg("failed to list rules")
		return nil
	}

	results := make([]*models.Alert, len(list))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.concurrency)
	for i, rule := range list {
		g.Go(func() error {
			alert, outcome := e.evaluateOne(gctx, rule, snapshot)
			telemetry.SweepUnits.WithLabelValues("rules", outcome).Inc()
			results[i] = alert
			return nil
		})
	}
	_ = g.Wait()

	created := make([]models.Alert, 0, len(list))
	for _, a := range results {
		if a != nil {
			created = append(created, *a)
		}
	}
	e.logger.Info().Int("rules", len(list)).Int("created", len(created)).Msg("rule sweep complete")
	return created
}

func (e *Evaluator) evaluateOne(ctx context.Context, rule models.AlertRule, snapshot models.Snapshot) (*models.Alert, string) {
	if !rule.Enabled {
		return nil, "disabled"
	}
	res, err := Evaluate(rule, snapshot)
	if err != nil {
		e.logger.Warn().Err(err).Str("rule_id", rule.ID).Msg("rule evaluation failed")
		return nil, "error"
	}
	if !res.Triggered {
		return nil, "normal"
	}

	severity := rule.Severity
	if severity == "" {
		severity = DefaultSeverity(rule.Metric)
	}
	alert := models.Alert{
		Source:        rule.ID,
		Kind:          models.AlertKindRule,
		RuleID:        rule.ID,
		Metric:        rule.Metric.String(),
		Severity:      severity,
		CurrentValue:  res.Value,
		ExpectedValue: rule.Threshold,
		Deviation:     res.Value - rule.Threshold,
		Message:       res.Message,
		Channels:      rule.Channels,
	}

	stored, created, ok := e.raiser.RaiseTracked(ctx, alert)
	switch {
	case !ok:
		return nil, "unpersisted"
	case !created:
		e.logger.Debug().Str("rule_id", rule.ID).Str("alert_id", stored.ID).Msg("rule still firing, alert already open")
		return nil, "suppressed"
	default:
		return &stored, "triggered"
	}
}
