// Package forecast projects usage and revenue metrics from their recent history.
package forecast

import (
	"context"
	"fmt"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"metricwatch/internal/datasource"
	"metricwatch/internal/models"
)

const (
	// DefaultAlpha is the exponential smoothing factor.
	DefaultAlpha = 0.3

	historyWeeks = 12
	edgeWeeks    = 4
	trendBand    = 5.0
)

// Options tune the Engine. An out-of-range Alpha and nil MetricNames select the defaults; bands
// and growth are used as given, so zero is honoured. DefaultOptions carries the stock values.
type Options struct {
	Alpha float64
	// UsageBand and RevenueBand are the half-widths of the fixed confidence bands, as fractions.
	UsageBand   float64
	RevenueBand float64
	// MonthlyRevenueGrowth is the assumed compounding growth per 30 days, as a fraction.
	MonthlyRevenueGrowth decimal.Decimal
	// MetricNames maps usage metrics to provider metric names.
	MetricNames map[models.UsageMetric]string
}

// DefaultOptions returns the stock tuning: ±15% usage band, ±10% revenue band, 5% monthly growth.
func DefaultOptions() Options {
	return Options{
		Alpha:                DefaultAlpha,
		UsageBand:            0.15,
		RevenueBand:          0.10,
		MonthlyRevenueGrowth: decimal.NewFromFloat(0.05),
		MetricNames:          DefaultMetricNames(),
	}
}

// DefaultMetricNames maps the supported usage metrics onto provider metrics.
func DefaultMetricNames() map[models.UsageMetric]string {
	return map[models.UsageMetric]string{
		models.UsageTokens:       "tokens_used",
		models.UsageContentUnits: "content_units",
		models.UsageNewAccounts:  "new_accounts",
	}
}

// Engine produces usage and revenue forecasts. It has no side effects.
type Engine struct {
	provider      datasource.MetricSampleProvider
	subscriptions datasource.SubscriptionSource
	clock         clock.Clock
	opts          Options
	logger        zerolog.Logger
}

// NewEngine constructs an Engine.
func NewEngine(provider datasource.MetricSampleProvider, subscriptions datasource.SubscriptionSource, clk clock.Clock, opts Options, logger zerolog.Logger) *Engine {
	if opts.Alpha <= 0 || opts.Alpha > 1 {
		opts.Alpha = DefaultAlpha
	}
	if opts.MetricNames == nil {
		opts.MetricNames = DefaultMetricNames()
	}
	if clk == nil {
		clk = clock.New()
	}
	return &Engine{
		provider:      provider,
		subscriptions: subscriptions,
		clock:         clk,
		opts:          opts,
		logger:        logger.With().Str("component", "forecast").Logger(),
	}
}

// Usage forecasts metric over period from 12 weekly buckets covering the trailing 84 days.
func (e *Engine) Usage(ctx context.Context, metric models.UsageMetric, period models.Period) (models.ForecastResult, error) {
	name, ok := e.opts.MetricNames[metric]
	if !ok {
		return models.ForecastResult{}, fmt.Errorf("unsupported usage metric %q", metric)
	}
	if period.Days() == 0 {
		return models.ForecastResult{}, fmt.Errorf("unsupported period %q", period)
	}

	now := e.clock.Now().UTC()
	today, _ := datasource.DayBounds(now)
	start := today.AddDate(0, 0, -7*historyWeeks)

	weekly := make([]float64, historyWeeks)
	missing := 0
	for w := 0; w < historyWeeks; w++ {
		ws := start.AddDate(0, 0, 7*w)
		v, err := e.provider.Value(ctx, name, ws, ws.AddDate(0, 0, 7))
		if err != nil {
			missing++
			continue
		}
		weekly[w] = v
	}
	if missing > 0 {
		e.logger.Warn().Str("metric", name).Int("missing_weeks", missing).Msg("weekly buckets defaulted to zero")
	}

	smoothed := ExponentialSmoothing(weekly, e.opts.Alpha)
	first := average(smoothed[:edgeWeeks])
	last := average(smoothed[historyWeeks-edgeWeeks:])
	var growth float64
	if first > 0 {
		growth = (last - first) / first * 100
	}

	tail := make([]Point, 0, edgeWeeks)
	for i := historyWeeks - edgeWeeks; i < historyWeeks; i++ {
		tail = append(tail, Point{X: float64(i), Y: smoothed[i]})
	}
	slope, intercept := LinearRegression(tail)
	x := float64(historyWeeks-1) + float64(period.Days())/7
	point := slope*x + intercept
	if point < 0 {
		point = 0
	}

	return models.ForecastResult{
		Metric:   string(metric),
		Period:   period,
		Forecast: point,
		Confidence: models.ConfidenceInterval{
			Lower: point * (1 - e.opts.UsageBand),
			Upper: point * (1 + e.opts.UsageBand),
		},
		Trend:       classifyTrend(growth),
		GrowthRate:  growth,
		History:     smoothed,
		GeneratedAt: now,
	}, nil
}

// Revenue compounds current monthly recurring revenue by the fixed monthly growth assumption.
// The growth rate is configured, not fitted from historical revenue.
func (e *Engine) Revenue(ctx context.Context, period models.Period) (models.ForecastResult, error) {
	if period.Days() == 0 {
		return models.ForecastResult{}, fmt.Errorf("unsupported period %q", period)
	}

	var prices []decimal.Decimal
	if e.subscriptions != nil {
		var err error
		prices, err = e.subscriptions.ActivePlanPrices(ctx)
		if err != nil {
			e.logger.Error().Err(err).Msg("active subscriptions unavailable; assuming zero revenue")
			prices = nil
		}
	}

	mrr := decimal.Sum(decimal.Zero, prices...)
	one := decimal.NewFromInt(1)
	monthly := one.Add(e.opts.MonthlyRevenueGrowth)
	factor := one
	for m := 0; m < period.Days()/30; m++ {
		factor = factor.Mul(monthly)
	}
	projected := mrr.Mul(factor).Round(2)
	band := decimal.NewFromFloat(e.opts.RevenueBand)

	growthPct := e.opts.MonthlyRevenueGrowth.Mul(decimal.NewFromInt(100)).InexactFloat64()
	trend := models.TrendStable
	switch e.opts.MonthlyRevenueGrowth.Sign() {
	case 1:
		trend = models.TrendIncreasing
	case -1:
		trend = models.TrendDecreasing
	}

	return models.ForecastResult{
		Metric:   "revenue",
		Period:   period,
		Forecast: projected.InexactFloat64(),
		Confidence: models.ConfidenceInterval{
			Lower: projected.Mul(one.Sub(band)).Round(2).InexactFloat64(),
			Upper: projected.Mul(one.Add(band)).Round(2).InexactFloat64(),
		},
		Trend:       trend,
		GrowthRate:  growthPct,
		History:     []float64{mrr.InexactFloat64()},
		GeneratedAt: e.clock.Now().UTC(),
	}, nil
}

func classifyTrend(growth float64) models.Trend {
	switch {
	case growth > trendBand:
		return models.TrendIncreasing
	case growth < -trendBand:
		return models.TrendDecreasing
	default:
		return models.TrendStable
	}
}
