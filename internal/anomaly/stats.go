package anomaly

import (
	"context"
	"math"
	"time"

	"github.com/rs/zerolog"

	"metricwatch/internal/datasource"
	"metricwatch/internal/models"
)

// DefaultWindow is the trailing window, in days, used for baselines.
const DefaultWindow = 7

// Calculator computes trailing-window statistics from a MetricSampleProvider.
type Calculator struct {
	provider datasource.MetricSampleProvider
	logger   zerolog.Logger
}

// NewCalculator wires a provider into a Calculator.
func NewCalculator(provider datasource.MetricSampleProvider, logger zerolog.Logger) *Calculator {
	return &Calculator{provider: provider, logger: logger}
}

// MovingStatistics returns the baseline of metric over the window days ending the day before ref,
// oldest first. A day whose read fails contributes 0; if every read fails the result has no history.
func (c *Calculator) MovingStatistics(ctx context.Context, metric string, ref time.Time, window int) models.MovingWindowStats {
	if window <= 0 || c.provider == nil {
		return models.MovingWindowStats{Values: []float64{}}
	}

	refStart, _ := datasource.DayBounds(ref)
	values := make([]float64, window)
	failed := 0
	for i := 0; i < window; i++ {
		dayStart := refStart.AddDate(0, 0, i-window)
		dayEnd := dayStart.AddDate(0, 0, 1)
		v, err := c.provider.Value(ctx, metric, dayStart, dayEnd)
		if err != nil {
			failed++
			c.logger.Debug().Err(err).Str("metric", metric).Time("day", dayStart).Msg("history day unavailable")
			continue
		}
		values[i] = v
	}
	if failed == window {
		return models.MovingWindowStats{Values: []float64{}}
	}

	mean, std := meanStdDev(values)
	return models.MovingWindowStats{Mean: mean, StdDev: std, Values: values}
}

// meanStdDev returns the mean and population standard deviation of values.
func meanStdDev(values []float64) (float64, float64) {
	if len(values) == 0 {
		return 0, 0
	}
	n := float64(len(values))
	var sum float64
	for _, v := range values {
		sum += v
	}
	mean := sum / n

	var sq float64
	for _, v := range values {
		d := v - mean
		sq += d * d
	}
	return mean, math.Sqrt(sq / n)
}
