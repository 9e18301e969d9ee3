package models

import (
	"fmt"
	"time"
)

// UsageMetric is a metric the usage forecast supports.
type UsageMetric string

const (
	UsageTokens       UsageMetric = "tokens"
	UsageContentUnits UsageMetric = "content-units"
	UsageNewAccounts  UsageMetric = "new-accounts"
)

// ParseUsageMetric validates a usage metric name.
func ParseUsageMetric(raw string) (UsageMetric, error) {
	switch m := UsageMetric(raw); m {
	case UsageTokens, UsageContentUnits, UsageNewAccounts:
		return m, nil
	default:
		return "", fmt.Errorf("unsupported usage metric %q", raw)
	}
}

// Period is a forecast horizon.
type Period string

const (
	Period30d Period = "30d"
	Period60d Period = "60d"
	Period90d Period = "90d"
)

// ParsePeriod validates a forecast horizon.
func ParsePeriod(raw string) (Period, error) {
	switch p := Period(raw); p {
	case Period30d, Period60d, Period90d:
		return p, nil
	default:
		return "", fmt.Errorf("unsupported period %q (want 30d, 60d or 90d)", raw)
	}
}

// Days returns the horizon length in days.
func (p Period) Days() int {
	switch p {
	case Period30d:
		return 30
	case Period60d:
		return 60
	case Period90d:
		return 90
	default:
		return 0
	}
}

// Trend labels the direction of a forecast.
type Trend string

const (
	TrendIncreasing Trend = "increasing"
	TrendStable     Trend = "stable"
	TrendDecreasing Trend = "decreasing"
)

// ConfidenceInterval bounds a point forecast.
type ConfidenceInterval struct {
	Lower float64 `json:"lower"`
	Upper float64 `json:"upper"`
}

// ForecastResult is the outcome of a usage or revenue forecast.
type ForecastResult struct {
	Metric      string             `json:"metric"`
	Period      Period             `json:"period"`
	Forecast    float64            `json:"forecast"`
	Confidence  ConfidenceInterval `json:"confidence"`
	Trend       Trend              `json:"trend"`
	GrowthRate  float64            `json:"growth_rate"`
	History     []float64          `json:"history,omitempty"`
	GeneratedAt time.Time          `json:"generated_at"`
}
