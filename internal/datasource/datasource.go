// Package datasource defines the read ports the engine pulls data through and the
// fallback policy every implementation applies to its queries.
package datasource

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"metricwatch/internal/models"
)

// ErrUnavailable is returned when neither the primary query nor the broad scan produced a value.
var ErrUnavailable = errors.New("datasource: value unavailable")

// MetricSampleProvider returns the value of a metric for the half-open interval [dayStart, dayEnd).
type MetricSampleProvider interface {
	Value(ctx context.Context, metric string, dayStart, dayEnd time.Time) (float64, error)
}

// SubscriptionSource lists the monthly prices of currently active subscriptions.
type SubscriptionSource interface {
	ActivePlanPrices(ctx context.Context) ([]decimal.Decimal, error)
}

// ChurnSignalSource gathers the raw churn inputs for one subject as of now.
type ChurnSignalSource interface {
	ChurnSignals(ctx context.Context, subjectID string, now time.Time) (models.ChurnSignals, error)
}

// DayBounds returns the UTC midnight that starts t's UTC day and the following midnight.
func DayBounds(t time.Time) (time.Time, time.Time) {
	t = t.UTC()
	start := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
	return start, start.AddDate(0, 0, 1)
}
