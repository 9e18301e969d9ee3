package app

import (
	"context"
	"errors"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"metricwatch/internal/alerts"
	"metricwatch/internal/anomaly"
	"metricwatch/internal/churn"
	"metricwatch/internal/config"
	"metricwatch/internal/forecast"
	"metricwatch/internal/models"
	"metricwatch/internal/rules"
	"metricwatch/internal/scheduler"
	"metricwatch/internal/service"
	"metricwatch/internal/storage"
	"metricwatch/internal/telemetry"
)

// App aggregates configuration and shared dependencies for the CLI commands.
type App struct {
	Config *config.Config
	Logger zerolog.Logger
	Clock  clock.Clock
	Out    io.Writer
}

// NewApp constructs a new application handle.
func NewApp(cfg *config.Config, logger zerolog.Logger) *App {
	return &App{
		Config: cfg,
		Logger: logger.With().Str("component", "app").Logger(),
		Clock:  clock.New(),
		Out:    os.Stdout,
	}
}

func (a *App) openBackend(ctx context.Context) (storage.Backend, error) {
	return storage.Open(ctx, a.Config.Database, a.Logger)
}

// newService wires every engine component onto backend.
func (a *App) newService(backend storage.Backend, sched *scheduler.Scheduler) *service.Service {
	cfg := a.Config
	mgr := alerts.NewManager(backend, a.Clock, alerts.RetryOptions{
		MaxAttempts:     cfg.Alerting.Retry.MaxAttempts,
		InitialInterval: cfg.Alerting.Retry.InitialInterval,
		MaxInterval:     cfg.Alerting.Retry.MaxInterval,
	}, a.Logger)

	ruleSource := rules.Merged{backend, rules.StaticSource(cfg.StaticRules())}

	detector := anomaly.NewDetector(cfg.Anomaly.Metrics, backend, mgr, anomaly.Options{
		Window:             cfg.Anomaly.Window,
		EnforceConsecutive: cfg.Anomaly.EnforceConsecutive,
		Concurrency:        cfg.Engine.Concurrency,
		Channels:           cfg.Alerting.DefaultChannels,
	}, a.Logger)

	forecaster := forecast.NewEngine(backend, backend, a.Clock, forecast.Options{
		Alpha:                cfg.Forecast.Alpha,
		UsageBand:            cfg.Forecast.UsageBand,
		RevenueBand:          cfg.Forecast.RevenueBand,
		MonthlyRevenueGrowth: decimal.NewFromFloat(cfg.Forecast.MonthlyRevenueGrowth),
		MetricNames:          usageMetricNames(cfg.Forecast.MetricNames),
	}, a.Logger)

	var locker storage.AdvisoryLocker
	if l, ok := backend.(storage.AdvisoryLocker); ok {
		locker = l
	}

	return service.New(service.Deps{
		Detector:   detector,
		Evaluator:  rules.NewEvaluator(ruleSource, mgr, cfg.Engine.Concurrency, a.Logger),
		RuleSource: ruleSource,
		Forecaster: forecaster,
		Scorer:     churn.NewScorer(backend, a.Clock, a.Logger),
		Alerts:     mgr,
		Metrics:    backend,
		Scheduler:  sched,
		Locker:     locker,
		LockKey:    cfg.Scheduler.AdvisoryLockKey,
		Clock:      a.Clock,
	}, a.Logger)
}

// usageMetricNames overlays configured provider names onto the defaults.
func usageMetricNames(overrides map[string]string) map[models.UsageMetric]string {
	names := forecast.DefaultMetricNames()
	for k, v := range overrides {
		metric, err := models.ParseUsageMetric(k)
		if err != nil || v == "" {
			continue
		}
		names[metric] = v
	}
	return names
}

// withService opens the backend, builds a service without a scheduler and runs fn.
func (a *App) withService(ctx context.Context, fn func(svc *service.Service, backend storage.Backend) error) error {
	backend, err := a.openBackend(ctx)
	if err != nil {
		return err
	}
	defer backend.Close()
	return fn(a.newService(backend, nil), backend)
}

// Run executes the long-running sweep service and the metrics endpoint.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	backend, err := a.openBackend(ctx)
	if err != nil {
		return err
	}
	defer backend.Close()
	if err := backend.EnsureSchema(ctx); err != nil {
		return err
	}

	sched, err := scheduler.New(scheduler.Options{
		Interval:     a.Config.Scheduler.Interval,
		AlignToStart: a.Config.Scheduler.AlignToBucket,
		StartupDelay: a.Config.Scheduler.StartupDelay,
		RunOnStart:   a.Config.Scheduler.RunOnStart,
	}, a.Clock, a.Logger)
	if err != nil {
		return err
	}

	svc := a.newService(backend, sched)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return telemetry.Serve(gctx, a.Config.Telemetry.ListenAddr, a.Logger)
	})
	g.Go(func() error {
		a.Logger.Info().Dur("interval", a.Config.Scheduler.Interval).Msg("starting sweep service")
		return svc.Run(gctx)
	})

	err = g.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		a.Logger.Error().Err(err).Msg("service terminated with error")
		return err
	}

	a.Logger.Info().Msg("sweep service stopped")
	return nil
}

// Migrate applies the schema and stores the rules declared in the config file.
func (a *App) Migrate(ctx context.Context) error {
	backend, err := a.openBackend(ctx)
	if err != nil {
		return err
	}
	defer backend.Close()

	if err := backend.EnsureSchema(ctx); err != nil {
		return err
	}
	now := a.Clock.Now().UTC()
	for _, rule := range a.Config.StaticRules() {
		rule.UpdatedAt = now
		if err := backend.UpsertRule(ctx, rule); err != nil {
			return err
		}
	}
	a.Logger.Info().
		Str("driver", a.Config.Database.Driver).
		Int("rules", len(a.Config.Alerting.Rules)).
		Msg("schema applied")
	return nil
}

// DetectOptions select the day or day range to sweep.
type DetectOptions struct {
	From time.Time
	To   time.Time
}

// EvaluateOptions configure a one-off rule evaluation.
type EvaluateOptions struct {
	Day       time.Time
	Overrides map[string]float64
	DryRun    bool
}

// ForecastOptions configure the forecast command and its exports.
type ForecastOptions struct {
	Revenue bool
	Metric  models.UsageMetric
	Period  models.Period
	PNGPath string
	CSVPath string
}

// AlertsOptions configure the alert listing.
type AlertsOptions struct {
	Limit int
}
