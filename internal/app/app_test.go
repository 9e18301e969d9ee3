package app

import (
	"bytes"
	"context"
	"encoding/csv"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"metricwatch/internal/config"
	"metricwatch/internal/models"
	"metricwatch/internal/storage"
)

var refDay = time.Date(2026, 4, 10, 0, 0, 0, 0, time.UTC)

func newTestApp(t *testing.T, rules ...config.RuleConfig) (*App, *bytes.Buffer) {
	t.Helper()
	cfg := &config.Config{
		Database: config.DatabaseConfig{
			Driver:     config.DriverSQLite,
			SQLitePath: filepath.Join(t.TempDir(), "metricwatch.db"),
		},
		Engine: config.EngineConfig{Concurrency: 2},
		Anomaly: config.AnomalyConfig{
			Window:  7,
			Metrics: []models.MetricConfig{{Metric: "error_rate", PercentThreshold: 50, StdDevThreshold: 2}},
		},
		Forecast: config.ForecastConfig{Alpha: 0.3, UsageBand: 0.15, RevenueBand: 0.10, MonthlyRevenueGrowth: 0.05},
		Alerting: config.AlertingConfig{DefaultChannels: []string{"in_app"}, Rules: rules},
		Export:   config.ExportConfig{ChartWidth: 640, ChartHeight: 320},
	}
	clk := clock.NewMock()
	clk.Set(refDay.Add(26 * time.Hour))

	out := &bytes.Buffer{}
	a := NewApp(cfg, zerolog.Nop())
	a.Clock = clk
	a.Out = out
	return a, out
}

// seed writes fixtures through a short-lived connection to the app's database file.
func seed(t *testing.T, a *App, fn func(s *storage.SQLiteStore)) {
	t.Helper()
	s, err := storage.OpenSQLite(a.Config.Database.SQLitePath, zerolog.Nop())
	require.NoError(t, err)
	defer s.Close()
	fn(s)
}

func TestMigrateAndEvaluate(t *testing.T) {
	ctx := context.Background()
	a, out := newTestApp(t, config.RuleConfig{ID: "errors-high", Name: "errors high", Metric: "error_rate", Threshold: 20, Operator: "gt"})

	require.NoError(t, a.Migrate(ctx))
	seed(t, a, func(s *storage.SQLiteStore) {
		list, err := s.ListEnabledRules(ctx)
		require.NoError(t, err)
		require.Len(t, list, 1)
		assert.Equal(t, []string{"in_app"}, list[0].Channels)
	})

	require.NoError(t, a.Evaluate(ctx, EvaluateOptions{Day: refDay, Overrides: map[string]float64{"error_rate": 30}, DryRun: true}))
	assert.Contains(t, out.String(), "errors-high")
	assert.Contains(t, out.String(), "true")

	out.Reset()
	require.NoError(t, a.Evaluate(ctx, EvaluateOptions{Day: refDay, Overrides: map[string]float64{"error_rate": 30}}))
	assert.Contains(t, out.String(), "errors high: error_rate is 30.00 (threshold > 20.00)")

	// The open alert suppresses a second one.
	out.Reset()
	require.NoError(t, a.Evaluate(ctx, EvaluateOptions{Day: refDay, Overrides: map[string]float64{"error_rate": 31}}))
	assert.Equal(t, "no alerts\n", out.String())

	out.Reset()
	require.NoError(t, a.ListAlerts(ctx, AlertsOptions{Limit: 10}))
	assert.Contains(t, out.String(), "errors high")
}

func TestDetectRangeAndLifecycle(t *testing.T) {
	ctx := context.Background()
	a, out := newTestApp(t)

	seed(t, a, func(s *storage.SQLiteStore) {
		var events []storage.MetricEvent
		for i := 1; i <= 7; i++ {
			events = append(events, storage.MetricEvent{Metric: "error_rate", OccurredAt: refDay.AddDate(0, 0, -i).Add(time.Hour), Value: 10})
		}
		events = append(events, storage.MetricEvent{Metric: "error_rate", OccurredAt: refDay.Add(time.Hour), Value: 30})
		require.NoError(t, s.InsertEvents(ctx, events))
	})

	require.NoError(t, a.Detect(ctx, DetectOptions{From: refDay.AddDate(0, 0, -1), To: refDay}))
	assert.Contains(t, out.String(), "higher than expected")

	var id string
	seed(t, a, func(s *storage.SQLiteStore) {
		open, err := s.ListUnresolved(ctx, 10)
		require.NoError(t, err)
		require.Len(t, open, 1)
		id = open[0].ID
	})

	out.Reset()
	require.NoError(t, a.AcknowledgeAlert(ctx, id, "alice"))
	assert.Equal(t, "alert "+id+" acknowledged\n", out.String())
	require.NoError(t, a.ResolveAlert(ctx, id, "alice"))
	assert.Error(t, a.ResolveAlert(ctx, "missing", "alice"))

	out.Reset()
	require.NoError(t, a.ListAlerts(ctx, AlertsOptions{Limit: 10}))
	assert.Equal(t, "no alerts\n", out.String())
}

func TestDetectRejectsInvertedRange(t *testing.T) {
	a, _ := newTestApp(t)
	assert.Error(t, a.Detect(context.Background(), DetectOptions{From: refDay, To: refDay.AddDate(0, 0, -1)}))
}

func TestForecastRevenueExports(t *testing.T) {
	ctx := context.Background()
	a, out := newTestApp(t)
	seed(t, a, func(s *storage.SQLiteStore) {
		require.NoError(t, s.UpsertSubscription(ctx, storage.Subscription{
			ID: "s1", SubjectID: "u1", Plan: "pro", Status: "active", PriceMonthly: decimal.NewFromInt(100),
		}))
	})

	dir := t.TempDir()
	csvPath := filepath.Join(dir, "out", "revenue.csv")
	pngPath := filepath.Join(dir, "out", "revenue.png")
	require.NoError(t, a.Forecast(ctx, ForecastOptions{Revenue: true, Period: models.Period30d, CSVPath: csvPath, PNGPath: pngPath}))
	assert.Contains(t, out.String(), "105.00")

	f, err := os.Open(csvPath)
	require.NoError(t, err)
	defer f.Close()
	records, err := csv.NewReader(f).ReadAll()
	require.NoError(t, err)
	require.Len(t, records, 3)
	assert.Equal(t, []string{"date", "value", "lower", "upper", "projected"}, records[0])
	assert.Equal(t, []string{"2026-04-11", "100.00", "100.00", "100.00", "false"}, records[1])
	assert.Equal(t, []string{"2026-05-11", "105.00", "94.50", "115.50", "true"}, records[2])

	info, err := os.Stat(pngPath)
	require.NoError(t, err)
	assert.Positive(t, info.Size())
}

func TestChurnOutput(t *testing.T) {
	ctx := context.Background()
	a, out := newTestApp(t)
	seed(t, a, func(s *storage.SQLiteStore) {
		require.NoError(t, s.UpsertSubscription(ctx, storage.Subscription{
			ID: "s1", SubjectID: "u1", Plan: "pro", Status: "active", PriceMonthly: decimal.NewFromInt(50),
		}))
	})

	require.NoError(t, a.Churn(ctx, []string{"u1", "u2"}))
	assert.Contains(t, out.String(), "u1")
	assert.Contains(t, out.String(), "u2")
}

func TestForecastPointsLayout(t *testing.T) {
	points := forecastPoints(models.ForecastResult{
		Period:      models.Period60d,
		Forecast:    9,
		Confidence:  models.ConfidenceInterval{Lower: 8, Upper: 10},
		History:     []float64{1, 2, 3},
		GeneratedAt: refDay.Add(5 * time.Hour),
	})
	require.Len(t, points, 4)
	assert.Equal(t, refDay.AddDate(0, 0, -14), points[0].At)
	assert.Equal(t, refDay, points[2].At)
	assert.Equal(t, refDay.AddDate(0, 0, 60), points[3].At)
	assert.True(t, points[3].Projected)
	assert.Equal(t, 8.0, points[3].Lower)
}

func TestParseOverrides(t *testing.T) {
	got, err := ParseOverrides([]string{"error_rate=12.5", "custom:signups= 3"})
	require.NoError(t, err)
	assert.Equal(t, map[string]float64{"error_rate": 12.5, "custom:signups": 3}, got)

	for _, bad := range []string{"error_rate", "=1", "bogus=1", "error_rate=abc"} {
		_, err := ParseOverrides([]string{bad})
		assert.Error(t, err, bad)
	}
}

func TestRequireActor(t *testing.T) {
	assert.Error(t, RequireActor("  "))
	assert.NoError(t, RequireActor("alice"))
}
