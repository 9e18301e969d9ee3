package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/hashicorp/go-multierror"
	"github.com/spf13/viper"

	"metricwatch/internal/logging"
	"metricwatch/internal/models"
)

// Database drivers.
const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

// Config materialises application configuration.
type Config struct {
	App       AppConfig       `mapstructure:"app"`
	Logging   logging.Config  `mapstructure:"logging"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Engine    EngineConfig    `mapstructure:"engine"`
	Anomaly   AnomalyConfig   `mapstructure:"anomaly"`
	Forecast  ForecastConfig  `mapstructure:"forecast"`
	Alerting  AlertingConfig  `mapstructure:"alerting"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
	Export    ExportConfig    `mapstructure:"export"`
}

// AppConfig general metadata.
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
}

// DatabaseConfig selects and tunes the storage backend.
type DatabaseConfig struct {
	Driver          string        `mapstructure:"driver"`
	DSN             string        `mapstructure:"dsn"`
	SQLitePath      string        `mapstructure:"sqlite_path"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

// SchedulerConfig governs sweep cadence.
type SchedulerConfig struct {
	Interval        time.Duration `mapstructure:"interval"`
	AlignToBucket   bool          `mapstructure:"align_to_bucket"`
	AdvisoryLockKey int64         `mapstructure:"advisory_lock_key"`
	StartupDelay    time.Duration `mapstructure:"startup_delay"`
	RunOnStart      bool          `mapstructure:"run_on_start"`
}

// EngineConfig bounds sweep fan-out.
type EngineConfig struct {
	Concurrency int `mapstructure:"concurrency"`
}

// AnomalyConfig lists monitored metrics and the history window.
type AnomalyConfig struct {
	Window             int                   `mapstructure:"window"`
	EnforceConsecutive bool                  `mapstructure:"enforce_consecutive"`
	Metrics            []models.MetricConfig `mapstructure:"metrics"`
}

// ForecastConfig tunes the forecasting heuristics.
type ForecastConfig struct {
	Alpha                float64           `mapstructure:"alpha"`
	UsageBand            float64           `mapstructure:"usage_band"`
	RevenueBand          float64           `mapstructure:"revenue_band"`
	MonthlyRevenueGrowth float64           `mapstructure:"monthly_revenue_growth"`
	MetricNames          map[string]string `mapstructure:"metric_names"`
}

// AlertingConfig defines persistence retry, default routing and static rules.
type AlertingConfig struct {
	DefaultChannels []string     `mapstructure:"default_channels"`
	Retry           RetryConfig  `mapstructure:"retry"`
	Rules           []RuleConfig `mapstructure:"rules"`
}

// RetryConfig bounds alert persistence retries.
type RetryConfig struct {
	MaxAttempts     uint64        `mapstructure:"max_attempts"`
	InitialInterval time.Duration `mapstructure:"initial_interval"`
	MaxInterval     time.Duration `mapstructure:"max_interval"`
}

// RuleConfig is a threshold rule declared in the config file.
type RuleConfig struct {
	ID        string   `mapstructure:"id"`
	Name      string   `mapstructure:"name"`
	Metric    string   `mapstructure:"metric"`
	Threshold float64  `mapstructure:"threshold"`
	Operator  string   `mapstructure:"operator"`
	Severity  string   `mapstructure:"severity"`
	Channels  []string `mapstructure:"channels"`
	Disabled  bool     `mapstructure:"disabled"`
}

// TelemetryConfig controls the Prometheus endpoint.
type TelemetryConfig struct {
	ListenAddr string `mapstructure:"listen_addr"`
}

// ExportConfig sets CLI export behaviour.
type ExportConfig struct {
	ChartWidth  int `mapstructure:"chart_width"`
	ChartHeight int `mapstructure:"chart_height"`
}

// Load builds configuration from file, environment, and defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("METRICWATCH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	if err := readConfig(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, decodeHook()); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func readConfig(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "metricwatch")
	v.SetDefault("app.environment", "development")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.file.path", "")
	v.SetDefault("logging.file.max_size_mb", 100)
	v.SetDefault("logging.file.max_backups", 5)
	v.SetDefault("logging.file.max_age_days", 28)

	v.SetDefault("database.driver", DriverSQLite)
	v.SetDefault("database.dsn", "")
	v.SetDefault("database.sqlite_path", "data/metricwatch.db")
	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 2)
	v.SetDefault("database.conn_max_lifetime", "30m")

	v.SetDefault("scheduler.interval", "24h")
	v.SetDefault("scheduler.align_to_bucket", true)
	v.SetDefault("scheduler.advisory_lock_key", int64(0x6d657477))
	v.SetDefault("scheduler.startup_delay", "0s")
	v.SetDefault("scheduler.run_on_start", false)

	v.SetDefault("engine.concurrency", 4)

	v.SetDefault("anomaly.window", 7)
	v.SetDefault("anomaly.enforce_consecutive", false)
	v.SetDefault("anomaly.metrics", []map[string]any{
		{"metric": string(models.KindErrorRate), "percent_threshold": 50.0, "stddev_threshold": 2.0, "min_consecutive_intervals": 1},
		{"metric": string(models.KindJobFailureRate), "percent_threshold": 50.0, "stddev_threshold": 2.0, "min_consecutive_intervals": 1},
		{"metric": string(models.KindTokenUsage), "percent_threshold": 100.0, "stddev_threshold": 3.0, "min_consecutive_intervals": 2},
		{"metric": string(models.KindActiveUsers), "percent_threshold": 30.0, "stddev_threshold": 2.5, "min_consecutive_intervals": 2},
	})

	v.SetDefault("forecast.alpha", 0.3)
	v.SetDefault("forecast.usage_band", 0.15)
	v.SetDefault("forecast.revenue_band", 0.10)
	v.SetDefault("forecast.monthly_revenue_growth", 0.05)

	v.SetDefault("alerting.default_channels", []string{"in_app"})
	v.SetDefault("alerting.retry.max_attempts", 3)
	v.SetDefault("alerting.retry.initial_interval", "200ms")
	v.SetDefault("alerting.retry.max_interval", "2s")

	v.SetDefault("telemetry.listen_addr", "")

	v.SetDefault("export.chart_width", 1280)
	v.SetDefault("export.chart_height", 640)
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}
}

// Validate checks every section and reports all problems at once.
func (c *Config) Validate() error {
	var result *multierror.Error

	switch c.Database.Driver {
	case DriverPostgres:
		if c.Database.DSN == "" {
			result = multierror.Append(result, fmt.Errorf("database.dsn is required for the postgres driver"))
		}
	case DriverSQLite:
	default:
		result = multierror.Append(result, fmt.Errorf("database.driver must be %q or %q, got %q", DriverPostgres, DriverSQLite, c.Database.Driver))
	}
	if c.Scheduler.Interval <= 0 {
		result = multierror.Append(result, fmt.Errorf("scheduler.interval must be greater than zero"))
	}
	if c.Engine.Concurrency <= 0 {
		result = multierror.Append(result, fmt.Errorf("engine.concurrency must be greater than zero"))
	}
	if c.Anomaly.Window <= 0 {
		result = multierror.Append(result, fmt.Errorf("anomaly.window must be greater than zero"))
	}
	for i, m := range c.Anomaly.Metrics {
		if strings.TrimSpace(m.Metric) == "" {
			result = multierror.Append(result, fmt.Errorf("anomaly.metrics[%d]: metric is required", i))
		}
		if m.PercentThreshold <= 0 && m.StdDevThreshold <= 0 {
			result = multierror.Append(result, fmt.Errorf("anomaly.metrics[%d]: at least one threshold must be positive", i))
		}
	}
	if c.Forecast.Alpha <= 0 || c.Forecast.Alpha > 1 {
		result = multierror.Append(result, fmt.Errorf("forecast.alpha must be in (0, 1]"))
	}
	if c.Forecast.UsageBand < 0 || c.Forecast.RevenueBand < 0 {
		result = multierror.Append(result, fmt.Errorf("forecast bands cannot be negative"))
	}
	seen := make(map[string]bool, len(c.Alerting.Rules))
	for i, r := range c.Alerting.Rules {
		if r.ID == "" {
			result = multierror.Append(result, fmt.Errorf("alerting.rules[%d]: id is required", i))
		} else if seen[r.ID] {
			result = multierror.Append(result, fmt.Errorf("alerting.rules[%d]: duplicate id %q", i, r.ID))
		}
		seen[r.ID] = true
		if _, err := r.ToRule(nil); err != nil {
			result = multierror.Append(result, fmt.Errorf("alerting.rules[%d]: %w", i, err))
		}
	}
	if c.Export.ChartWidth <= 0 || c.Export.ChartHeight <= 0 {
		result = multierror.Append(result, fmt.Errorf("export chart dimensions must be greater than zero"))
	}

	return result.ErrorOrNil()
}

// ToRule converts the declaration into an AlertRule. Rules without channels inherit defaults.
func (r RuleConfig) ToRule(defaultChannels []string) (models.AlertRule, error) {
	ref, err := models.ParseMetricRef(r.Metric)
	if err != nil {
		return models.AlertRule{}, err
	}
	op, err := models.ParseOperator(r.Operator)
	if err != nil {
		return models.AlertRule{}, err
	}
	sev, err := models.ParseSeverity(r.Severity)
	if err != nil {
		return models.AlertRule{}, err
	}
	channels := r.Channels
	if len(channels) == 0 {
		channels = defaultChannels
	}
	name := r.Name
	if name == "" {
		name = r.ID
	}
	return models.AlertRule{
		ID:        r.ID,
		Name:      name,
		Metric:    ref,
		Threshold: r.Threshold,
		Operator:  op,
		Severity:  sev,
		Channels:  channels,
		Enabled:   !r.Disabled,
		CreatedBy: "config",
	}, nil
}

// StaticRules converts the declared rules. Declarations that fail to parse are skipped; Validate reports them.
func (c *Config) StaticRules() []models.AlertRule {
	out := make([]models.AlertRule, 0, len(c.Alerting.Rules))
	for _, r := range c.Alerting.Rules {
		rule, err := r.ToRule(c.Alerting.DefaultChannels)
		if err != nil {
			continue
		}
		out = append(out, rule)
	}
	return out
}
