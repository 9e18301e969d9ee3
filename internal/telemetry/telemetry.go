// Package telemetry holds the engine's Prometheus collectors.
package telemetry

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

var (
	// SweepUnits counts evaluated units (metric configs or rules) by sweep and outcome.
	SweepUnits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "metricwatch_sweep_units_total",
			Help: "Units evaluated by a sweep, by sweep kind and outcome",
		},
		[]string{"sweep", "outcome"},
	)

	// AlertsCreated counts newly persisted alerts.
	AlertsCreated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "metricwatch_alerts_created_total",
			Help: "Alerts created, by kind and severity",
		},
		[]string{"kind", "severity"},
	)

	// AlertPersistFailures counts alerts dropped after retries were exhausted.
	AlertPersistFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "metricwatch_alert_persist_failures_total",
			Help: "Alerts that could not be persisted after retrying",
		},
	)

	// DataSourceSteps counts which fallback step served a data-source query.
	DataSourceSteps = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "metricwatch_datasource_steps_total",
			Help: "Data-source queries by the fallback step that answered them",
		},
		[]string{"query", "step"},
	)

	// SweepDuration records sweep latency.
	SweepDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "metricwatch_sweep_duration_seconds",
			Help:    "Sweep duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 10),
		},
		[]string{"sweep"},
	)
)

// Serve exposes /metrics on addr until ctx is cancelled. An empty addr disables the endpoint.
func Serve(ctx context.Context, addr string, logger zerolog.Logger) error {
	if addr == "" {
		return nil
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Info().Str("addr", addr).Msg("serving metrics")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
