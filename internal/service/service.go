// Package service is the engine facade: daily sweeps, forecasts, churn scoring and alert lifecycle.
package service

import (
	"context"
	"fmt"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"

	"metricwatch/internal/alerts"
	"metricwatch/internal/anomaly"
	"metricwatch/internal/churn"
	"metricwatch/internal/datasource"
	"metricwatch/internal/forecast"
	"metricwatch/internal/models"
	"metricwatch/internal/rules"
	"metricwatch/internal/scheduler"
	"metricwatch/internal/storage"
)

// Deps wires the engine components into a Service. Scheduler and Locker are optional.
type Deps struct {
	Detector   *anomaly.Detector
	Evaluator  *rules.Evaluator
	RuleSource rules.Source
	Forecaster *forecast.Engine
	Scorer     *churn.Scorer
	Alerts     *alerts.Manager
	Metrics    datasource.MetricSampleProvider
	Scheduler  *scheduler.Scheduler
	Locker     storage.AdvisoryLocker
	LockKey    int64
	Clock      clock.Clock
}

// DayReport summarises one daily sweep.
type DayReport struct {
	Day        time.Time
	Snapshot   models.Snapshot
	Anomalies  []models.Alert
	RuleAlerts []models.Alert
}

// Service orchestrates detection, rule evaluation, forecasting and alert lifecycle.
type Service struct {
	deps   Deps
	clock  clock.Clock
	logger zerolog.Logger
}

// New constructs the engine service.
func New(deps Deps, logger zerolog.Logger) *Service {
	clk := deps.Clock
	if clk == nil {
		clk = clock.New()
	}
	return &Service{
		deps:   deps,
		clock:  clk,
		logger: logger.With().Str("component", "service").Logger(),
	}
}

// Run begins the aligned sweep loop. Each tick processes the last completed day.
func (s *Service) Run(ctx context.Context) error {
	if s.deps.Scheduler == nil {
		return fmt.Errorf("scheduler not configured")
	}
	return s.deps.Scheduler.Run(ctx, s.ProcessBucket)
}

// ProcessBucket runs the sweep for the day before bucket, guarded by the advisory lock when one is
// configured so that only one instance sweeps.
func (s *Service) ProcessBucket(ctx context.Context, bucket time.Time) error {
	unlock, proceed, err := s.acquireLock(ctx)
	if err != nil {
		return err
	}
	if !proceed {
		s.logger.Debug().Time("bucket", bucket).Msg("skip bucket because advisory lock held elsewhere")
		return nil
	}
	if unlock != nil {
		defer unlock()
	}

	dayStart, _ := datasource.DayBounds(bucket)
	_, err = s.ProcessDay(ctx, dayStart.AddDate(0, 0, -1))
	return err
}

// ProcessDay detects anomalies for day and evaluates every enabled rule against day's snapshot.
func (s *Service) ProcessDay(ctx context.Context, day time.Time) (DayReport, error) {
	dayStart, _ := datasource.DayBounds(day)
	report := DayReport{Day: dayStart}

	report.Anomalies = s.DetectAnomalies(ctx, dayStart)
	report.Snapshot = s.BuildSnapshot(ctx, dayStart)
	report.RuleAlerts = s.EvaluateRules(ctx, report.Snapshot)

	if err := ctx.Err(); err != nil {
		return report, err
	}
	s.logger.Info().
		Time("day", dayStart).
		Int("anomalies", len(report.Anomalies)).
		Int("rule_alerts", len(report.RuleAlerts)).
		Msg("daily sweep complete")
	return report, nil
}

// DetectAnomalies runs the anomaly sweep for referenceDate.
func (s *Service) DetectAnomalies(ctx context.Context, referenceDate time.Time) []models.Alert {
	if s.deps.Detector == nil {
		return nil
	}
	return s.deps.Detector.Detect(ctx, referenceDate)
}

// EvaluateRules runs every enabled rule against snapshot and returns newly created alerts.
func (s *Service) EvaluateRules(ctx context.Context, snapshot models.Snapshot) []models.Alert {
	if s.deps.Evaluator == nil {
		return nil
	}
	return s.deps.Evaluator.EvaluateAll(ctx, snapshot)
}

// BuildSnapshot reads day's value of every known metric kind and of every custom metric an
// enabled rule refers to. Metrics the provider cannot serve are left unset.
func (s *Service) BuildSnapshot(ctx context.Context, day time.Time) models.Snapshot {
	dayStart, dayEnd := datasource.DayBounds(day)
	snap := models.Snapshot{TakenAt: s.clock.Now().UTC()}
	if s.deps.Metrics == nil {
		return snap
	}

	refs := make([]models.MetricRef, 0, len(models.KnownKinds))
	for _, k := range models.KnownKinds {
		refs = append(refs, models.MetricRef{Kind: k})
	}
	refs = append(refs, s.customRefs(ctx)...)

	for _, ref := range refs {
		name := ref.Name
		if ref.Kind != models.KindCustom {
			name = string(ref.Kind)
		}
		v, err := s.deps.Metrics.Value(ctx, name, dayStart, dayEnd)
		if err != nil {
			s.logger.Warn().Err(err).Str("metric", ref.String()).Msg("metric missing from snapshot")
			continue
		}
		snap.Set(ref, v)
	}
	return snap
}

func (s *Service) customRefs(ctx context.Context) []models.MetricRef {
	if s.deps.RuleSource == nil {
		return nil
	}
	list, err := s.deps.RuleSource.ListEnabledRules(ctx)
	if err != nil {
		s.logger.Warn().Err(err).Msg("could not list rules for custom metrics")
		return nil
	}
	seen := make(map[string]bool)
	var out []models.MetricRef
	for _, r := range list {
		if r.Metric.Kind == models.KindCustom && !seen[r.Metric.Name] {
			seen[r.Metric.Name] = true
			out = append(out, r.Metric)
		}
	}
	return out
}

// ForecastUsage projects a usage metric over period.
func (s *Service) ForecastUsage(ctx context.Context, metric models.UsageMetric, period models.Period) (models.ForecastResult, error) {
	if s.deps.Forecaster == nil {
		return models.ForecastResult{}, fmt.Errorf("forecasting not configured")
	}
	return s.deps.Forecaster.Usage(ctx, metric, period)
}

// ForecastRevenue projects monthly recurring revenue over period.
func (s *Service) ForecastRevenue(ctx context.Context, period models.Period) (models.ForecastResult, error) {
	if s.deps.Forecaster == nil {
		return models.ForecastResult{}, fmt.Errorf("forecasting not configured")
	}
	return s.deps.Forecaster.Revenue(ctx, period)
}

// PredictChurn scores subjectID's churn risk.
func (s *Service) PredictChurn(ctx context.Context, subjectID string) (models.ChurnPrediction, error) {
	if s.deps.Scorer == nil {
		return models.ChurnPrediction{}, fmt.Errorf("churn scoring not configured")
	}
	return s.deps.Scorer.Predict(ctx, subjectID)
}

// AcknowledgeAlert marks an alert as seen by actor.
func (s *Service) AcknowledgeAlert(ctx context.Context, id, actor string) (bool, error) {
	return s.deps.Alerts.Acknowledge(ctx, id, actor)
}

// ResolveAlert closes an alert.
func (s *Service) ResolveAlert(ctx context.Context, id, actor string) (bool, error) {
	return s.deps.Alerts.Resolve(ctx, id, actor)
}

// ListOpenAlerts lists unresolved alerts, newest first.
func (s *Service) ListOpenAlerts(ctx context.Context, limit int) ([]models.Alert, error) {
	return s.deps.Alerts.ListOpen(ctx, limit)
}

func (s *Service) acquireLock(ctx context.Context) (func(), bool, error) {
	if s.deps.LockKey == 0 || s.deps.Locker == nil {
		return nil, true, nil
	}
	unlock, acquired, err := s.deps.Locker.TryAdvisoryLock(ctx, s.deps.LockKey)
	if err != nil {
		return nil, false, fmt.Errorf("acquire advisory lock: %w", err)
	}
	if !acquired {
		return nil, false, nil
	}
	return unlock, true, nil
}
