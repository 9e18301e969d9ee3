package anomaly

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"metricwatch/internal/models"
)

var refDate = time.Date(2026, 5, 20, 9, 0, 0, 0, time.UTC)

// seriesProvider serves per-day values keyed by metric and day; missing days read as 0.
type seriesProvider struct {
	values map[string]map[string]float64
	failed map[string]bool
}

func newSeriesProvider() *seriesProvider {
	return &seriesProvider{values: map[string]map[string]float64{}, failed: map[string]bool{}}
}

func (p *seriesProvider) set(metric string, day time.Time, v float64) {
	if p.values[metric] == nil {
		p.values[metric] = map[string]float64{}
	}
	p.values[metric][day.Format("2006-01-02")] = v
}

// history sets the window days before ref (oldest first) and today's value.
func (p *seriesProvider) history(metric string, ref time.Time, window []float64, current float64) {
	for i, v := range window {
		p.set(metric, ref.AddDate(0, 0, i-len(window)), v)
	}
	p.set(metric, ref, current)
}

func (p *seriesProvider) Value(_ context.Context, metric string, dayStart, _ time.Time) (float64, error) {
	if p.failed[metric] {
		return 0, errors.New("provider down")
	}
	v, ok := p.values[metric][dayStart.Format("2006-01-02")]
	if !ok {
		return 0, nil
	}
	return v, nil
}

type recordingSink struct {
	mu     sync.Mutex
	alerts []models.Alert
}

func (s *recordingSink) Raise(_ context.Context, a models.Alert) (models.Alert, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a.ID = a.Source
	s.alerts = append(s.alerts, a)
	return a, true
}

func cfg(metric string) models.MetricConfig {
	return models.MetricConfig{Metric: metric, PercentThreshold: 50, StdDevThreshold: 2}
}

func TestMovingStatisticsPopulation(t *testing.T) {
	p := newSeriesProvider()
	p.history("signups", refDate, []float64{2, 4, 4, 4, 5, 5, 7}, 0)

	stats := NewCalculator(p, zerolog.Nop()).MovingStatistics(context.Background(), "signups", refDate, 7)
	require.Len(t, stats.Values, 7)
	assert.Equal(t, []float64{2, 4, 4, 4, 5, 5, 7}, stats.Values)
	assert.InDelta(t, 4.428571, stats.Mean, 1e-6)
	// population variance: Σ(v-mean)²/n
	assert.InDelta(t, 1.399708, stats.StdDev, 1e-6)
}

func TestMovingStatisticsMissingDaysAreZero(t *testing.T) {
	p := newSeriesProvider()
	p.set("signups", refDate.AddDate(0, 0, -1), 14)

	stats := NewCalculator(p, zerolog.Nop()).MovingStatistics(context.Background(), "signups", refDate, 7)
	require.Len(t, stats.Values, 7)
	assert.Equal(t, 14.0, stats.Values[6])
	assert.Equal(t, 2.0, stats.Mean)
}

func TestMovingStatisticsProviderUnavailable(t *testing.T) {
	p := newSeriesProvider()
	p.failed["signups"] = true

	stats := NewCalculator(p, zerolog.Nop()).MovingStatistics(context.Background(), "signups", refDate, 7)
	assert.False(t, stats.HasHistory())
	assert.Zero(t, stats.Mean)
	assert.Zero(t, stats.StdDev)
	assert.Empty(t, stats.Values)
}

func TestClassifyConstantHistoryIsNormal(t *testing.T) {
	for _, v := range []float64{0, 1, 250.5} {
		stats := models.MovingWindowStats{Mean: v, StdDev: 0, Values: []float64{v, v, v, v, v, v, v}}
		ev := Classify(v, stats, cfg("m"))
		assert.Zero(t, ev.PercentDeviation)
		assert.Zero(t, ev.StdDevDeviation)
		assert.False(t, ev.Anomalous)
	}
}

func TestClassifyGuardsZeroBaselines(t *testing.T) {
	ev := Classify(0, models.MovingWindowStats{Values: make([]float64, 7)}, cfg("m"))
	assert.Zero(t, ev.PercentDeviation)
	assert.False(t, ev.Anomalous)

	// stdDev == 0 and current != mean: stdDevDeviation is guarded to 0, percent still applies.
	ev = Classify(12, models.MovingWindowStats{Mean: 10, StdDev: 0, Values: make([]float64, 7)}, cfg("m"))
	assert.Zero(t, ev.StdDevDeviation)
	assert.InDelta(t, 20, ev.PercentDeviation, 1e-9)
	assert.False(t, ev.Anomalous)
}

func TestClassifySeverity(t *testing.T) {
	stats := models.MovingWindowStats{Mean: 100, StdDev: 50, Values: make([]float64, 7)}

	ev := Classify(160, stats, cfg("m"))
	require.True(t, ev.Anomalous)
	assert.Equal(t, models.SeverityWarning, ev.Severity)

	ev = Classify(175, stats, cfg("m"))
	require.True(t, ev.Anomalous)
	assert.Equal(t, models.SeverityCritical, ev.Severity, "75 percent reaches 1.5x the 50 percent threshold")

	// stddev path alone: 3 std devs against a threshold of 2
	ev = Classify(100+3*50, models.MovingWindowStats{Mean: 100, StdDev: 50, Values: make([]float64, 7)},
		models.MetricConfig{PercentThreshold: 1000, StdDevThreshold: 2})
	require.True(t, ev.Anomalous)
	assert.Equal(t, models.SeverityCritical, ev.Severity)
}

func TestClassifyZeroThresholdDisablesCheck(t *testing.T) {
	stats := models.MovingWindowStats{Mean: 100, StdDev: 50, Values: make([]float64, 7)}

	// 10 percent and 0.2 std devs: only a disabled check could fire.
	ev := Classify(110, stats, models.MetricConfig{PercentThreshold: 0, StdDevThreshold: 2})
	assert.False(t, ev.Anomalous)
	ev = Classify(110, stats, models.MetricConfig{PercentThreshold: 50, StdDevThreshold: 0})
	assert.False(t, ev.Anomalous)

	// The remaining check still fires on its own.
	ev = Classify(200, stats, models.MetricConfig{PercentThreshold: 0, StdDevThreshold: 2})
	require.True(t, ev.Anomalous)
	assert.Equal(t, models.SeverityWarning, ev.Severity)
}

func TestDetectRaisesOneAlertPerAnomalousMetric(t *testing.T) {
	p := newSeriesProvider()
	p.history("signups", refDate, []float64{10, 10, 10, 10, 10, 10, 10}, 30)
	p.history("jobs", refDate, []float64{5, 5, 5, 5, 5, 5, 5}, 5)
	p.history("tokens", refDate, []float64{100, 100, 100, 100, 100, 100, 100}, 40)
	p.failed["broken"] = true

	sink := &recordingSink{}
	d := NewDetector([]models.MetricConfig{cfg("signups"), cfg("jobs"), cfg("tokens"), cfg("broken")}, p, sink, Options{}, zerolog.Nop())

	alerts := d.Detect(context.Background(), refDate)
	require.Len(t, alerts, 2)
	require.Len(t, sink.alerts, 2)

	byMetric := map[string]models.Alert{}
	for _, a := range alerts {
		byMetric[a.Metric] = a
	}

	up := byMetric["signups"]
	assert.Equal(t, "anomaly:signups:2026-05-20", up.Source)
	assert.Equal(t, models.AlertKindAnomaly, up.Kind)
	assert.Equal(t, models.SeverityCritical, up.Severity)
	assert.Equal(t, 30.0, up.CurrentValue)
	assert.Equal(t, 10.0, up.ExpectedValue)
	assert.InDelta(t, 200, up.Deviation, 1e-9)
	assert.Contains(t, up.Message, "signups")
	assert.Contains(t, up.Message, "higher")
	assert.Contains(t, up.Message, "30.00")
	assert.Contains(t, up.Message, "10.00")

	down := byMetric["tokens"]
	assert.Contains(t, down.Message, "lower")
	assert.Equal(t, models.SeverityWarning, down.Severity)
}

func TestDetectConsecutiveEnforcement(t *testing.T) {
	p := newSeriesProvider()
	// Flat history, spike only on the reference day.
	for i := 1; i <= 14; i++ {
		p.set("signups", refDate.AddDate(0, 0, -i), 10)
	}
	p.set("signups", refDate, 40)

	c := cfg("signups")
	c.MinConsecutiveIntervals = 2

	sink := &recordingSink{}
	d := NewDetector([]models.MetricConfig{c}, p, sink, Options{EnforceConsecutive: true}, zerolog.Nop())
	assert.Empty(t, d.Detect(context.Background(), refDate), "a single anomalous day is suppressed")

	d = NewDetector([]models.MetricConfig{c}, p, sink, Options{EnforceConsecutive: false}, zerolog.Nop())
	assert.Len(t, d.Detect(context.Background(), refDate), 1, "field is ignored unless enforcement is on")

	// Two anomalous days in a row pass.
	p.set("signups", refDate.AddDate(0, 0, -1), 40)
	p.set("signups", refDate, 80)
	d = NewDetector([]models.MetricConfig{c}, p, sink, Options{EnforceConsecutive: true}, zerolog.Nop())
	assert.Len(t, d.Detect(context.Background(), refDate), 1)
}
