// Package anomaly flags daily metrics that deviate from their trailing baseline.
package anomaly

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"metricwatch/internal/datasource"
	"metricwatch/internal/models"
	"metricwatch/internal/telemetry"
)

// criticalMultiplier escalates an anomaly to critical once a deviation reaches this multiple of its threshold.
const criticalMultiplier = 1.5

// AlertSink persists detected alerts. It returns the stored alert (the existing one on a duplicate)
// and false when persistence failed.
type AlertSink interface {
	Raise(ctx context.Context, alert models.Alert) (models.Alert, bool)
}

// Options tune a Detector.
type Options struct {
	Window             int
	EnforceConsecutive bool
	Concurrency        int
	// Channels routes every anomaly alert.
	Channels []string
}

// Evaluation is the classification of one current value against its baseline.
type Evaluation struct {
	PercentDeviation float64
	StdDevDeviation  float64
	Anomalous        bool
	Severity         models.Severity
}

// Detector sweeps a fixed set of metric configurations.
type Detector struct {
	configs  []models.MetricConfig
	provider datasource.MetricSampleProvider
	calc     *Calculator
	sink     AlertSink
	opts     Options
	logger   zerolog.Logger
}

// NewDetector constructs a Detector.
func NewDetector(configs []models.MetricConfig, provider datasource.MetricSampleProvider, sink AlertSink, opts Options, logger zerolog.Logger) *Detector {
	if opts.Window <= 0 {
		opts.Window = DefaultWindow
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 4
	}
	logger = logger.With().Str("component", "anomaly_detector").Logger()
	return &Detector{
		configs:  configs,
		provider: provider,
		calc:     NewCalculator(provider, logger),
		sink:     sink,
		opts:     opts,
		logger:   logger,
	}
}

// Classify compares current against stats using cfg's thresholds.
func Classify(current float64, stats models.MovingWindowStats, cfg models.MetricConfig) Evaluation {
	diff := math.Abs(current - stats.Mean)

	var ev Evaluation
	if stats.Mean > 0 {
		ev.PercentDeviation = diff / stats.Mean * 100
	}
	if stats.StdDev > 0 {
		ev.StdDevDeviation = diff / stats.StdDev
	}

	pctHit := cfg.PercentThreshold > 0 && ev.PercentDeviation >= cfg.PercentThreshold
	stdHit := cfg.StdDevThreshold > 0 && ev.StdDevDeviation >= cfg.StdDevThreshold
	ev.Anomalous = pctHit || stdHit
	if !ev.Anomalous {
		return ev
	}

	ev.Severity = models.SeverityWarning
	if (cfg.PercentThreshold > 0 && ev.PercentDeviation >= cfg.PercentThreshold*criticalMultiplier) ||
		(cfg.StdDevThreshold > 0 && ev.StdDevDeviation >= cfg.StdDevThreshold*criticalMultiplier) {
		ev.Severity = models.SeverityCritical
	}
	return ev
}

// SourceKey is the dedup key of an anomaly alert: one per metric per day.
func SourceKey(metric string, day time.Time) string {
	return fmt.Sprintf("anomaly:%s:%s", metric, day.UTC().Format("2006-01-02"))
}

// Detect evaluates every configured metric for referenceDate and returns the alerts raised.
// A failing metric is logged and skipped; it never aborts the sweep.
func (d *Detector) Detect(ctx context.Context, referenceDate time.Time) []models.Alert {
	start := time.Now()
	defer func() {
		telemetry.SweepDuration.WithLabelValues("anomaly").Observe(time.Since(start).Seconds())
	}()

	results := make([]*models.Alert, len(d.configs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.opts.Concurrency)
	for i, cfg := range d.configs {
		g.Go(func() error {
			alert, outcome := d.detectOne(gctx, cfg, referenceDate)
			telemetry.SweepUnits.WithLabelValues("anomaly", outcome).Inc()
			results[i] = alert
			return nil
		})
	}
	_ = g.Wait()

	alerts := make([]models.Alert, 0, len(results))
	for _, a := range results {
		if a != nil {
			alerts = append(alerts, *a)
		}
	}
	d.logger.Info().
		Time("reference_date", referenceDate).
		Int("metrics", len(d.configs)).
		Int("alerts", len(alerts)).
		Msg("anomaly sweep complete")
	return alerts
}

func (d *Detector) detectOne(ctx context.Context, cfg models.MetricConfig, ref time.Time) (*models.Alert, string) {
	log := d.logger.With().Str("metric", cfg.Metric).Logger()

	current, stats, ev, err := d.evaluateDay(ctx, cfg, ref)
	if err != nil {
		log.Error().Err(err).Msg("metric evaluation failed")
		return nil, "error"
	}
	if !stats.HasHistory() {
		log.Warn().Msg("no history available; skipping")
		return nil, "no_history"
	}
	if !ev.Anomalous {
		return nil, "normal"
	}

	if d.opts.EnforceConsecutive && cfg.MinConsecutiveIntervals > 1 {
		ok, err := d.precededByAnomalies(ctx, cfg, ref)
		if err != nil {
			log.Error().Err(err).Msg("consecutive check failed")
			return nil, "error"
		}
		if !ok {
			log.Debug().Int("required", cfg.MinConsecutiveIntervals).Msg("anomaly not sustained; suppressed")
			return nil, "suppressed"
		}
	}

	day, _ := datasource.DayBounds(ref)
	alert := models.Alert{
		Source:        SourceKey(cfg.Metric, day),
		Kind:          models.AlertKindAnomaly,
		Metric:        cfg.Metric,
		Severity:      ev.Severity,
		CurrentValue:  current,
		ExpectedValue: stats.Mean,
		Deviation:     ev.PercentDeviation,
		Message:       anomalyMessage(cfg.Metric, current, stats.Mean, ev),
		Channels:      d.opts.Channels,
	}

	stored, ok := d.sink.Raise(ctx, alert)
	if !ok {
		// Persistence failures are already logged by the sink; report the detection anyway.
		return &alert, "unpersisted"
	}
	log.Info().
		Str("severity", string(ev.Severity)).
		Float64("percent_deviation", ev.PercentDeviation).
		Float64("stddev_deviation", ev.StdDevDeviation).
		Msg("anomaly detected")
	return &stored, "anomalous"
}

func (d *Detector) evaluateDay(ctx context.Context, cfg models.MetricConfig, ref time.Time) (float64, models.MovingWindowStats, Evaluation, error) {
	dayStart, dayEnd := datasource.DayBounds(ref)
	current, err := d.provider.Value(ctx, cfg.Metric, dayStart, dayEnd)
	if err != nil {
		return 0, models.MovingWindowStats{}, Evaluation{}, fmt.Errorf("read current value: %w", err)
	}
	stats := d.calc.MovingStatistics(ctx, cfg.Metric, ref, d.opts.Window)
	if !stats.HasHistory() {
		return current, stats, Evaluation{}, nil
	}
	return current, stats, Classify(current, stats, cfg), nil
}

// precededByAnomalies checks the MinConsecutiveIntervals-1 days before ref, each against its own baseline.
func (d *Detector) precededByAnomalies(ctx context.Context, cfg models.MetricConfig, ref time.Time) (bool, error) {
	for k := 1; k < cfg.MinConsecutiveIntervals; k++ {
		_, stats, ev, err := d.evaluateDay(ctx, cfg, ref.AddDate(0, 0, -k))
		if err != nil {
			return false, err
		}
		if !stats.HasHistory() || !ev.Anomalous {
			return false, nil
		}
	}
	return true, nil
}

func anomalyMessage(metric string, current, expected float64, ev Evaluation) string {
	direction := "higher"
	if current < expected {
		direction = "lower"
	}
	return fmt.Sprintf("%s is %.2f%% %s than expected (current: %.2f, expected: %.2f, %.2f std devs)",
		metric, ev.PercentDeviation, direction, current, expected, ev.StdDevDeviation)
}
