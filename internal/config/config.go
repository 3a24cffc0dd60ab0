package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Store      StoreConfig      `yaml:"store" mapstructure:"store"`
	Server     ServerConfig     `yaml:"server" mapstructure:"server"`
	Log        LogConfig        `yaml:"log" mapstructure:"log"`
	Fiscal     FiscalConfig     `yaml:"fiscal" mapstructure:"fiscal"`
	Recalc     RecalcConfig     `yaml:"recalc" mapstructure:"recalc"`
	Retry      RetryConfig      `yaml:"retry" mapstructure:"retry"`
	Temporal   TemporalConfig   `yaml:"temporal" mapstructure:"temporal"`
	Cache      CacheConfig      `yaml:"cache" mapstructure:"cache"`
	Monitoring MonitoringConfig `yaml:"monitoring" mapstructure:"monitoring"`
	Import     ImportConfig     `yaml:"import" mapstructure:"import"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	MaxConns    int    `yaml:"max_conns" mapstructure:"max_conns"`
}

// ServerConfig configures the HTTP API server.
type ServerConfig struct {
	Port           int      `yaml:"port" mapstructure:"port"`
	AllowedOrigins []string `yaml:"allowed_origins" mapstructure:"allowed_origins"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// FiscalConfig configures the fiscal calendar used for planning years.
type FiscalConfig struct {
	StartMonth int `yaml:"start_month" mapstructure:"start_month"`
	// PlanningYear pins the current planning year when > 0.
	PlanningYear int `yaml:"planning_year" mapstructure:"planning_year"`
}

// RecalcConfig configures how recalculation jobs are dispatched.
type RecalcConfig struct {
	Mode       string  `yaml:"mode" mapstructure:"mode"`
	Workers    int     `yaml:"workers" mapstructure:"workers"`
	QueueSize  int     `yaml:"queue_size" mapstructure:"queue_size"`
	RatePerSec float64 `yaml:"rate_per_sec" mapstructure:"rate_per_sec"`
}

// RetryConfig configures retry behavior for recalculation jobs.
type RetryConfig struct {
	MaxAttempts      int     `yaml:"max_attempts" mapstructure:"max_attempts"`
	InitialBackoffMs int     `yaml:"initial_backoff_ms" mapstructure:"initial_backoff_ms"`
	MaxBackoffMs     int     `yaml:"max_backoff_ms" mapstructure:"max_backoff_ms"`
	Multiplier       float64 `yaml:"multiplier" mapstructure:"multiplier"`
	JitterFraction   float64 `yaml:"jitter_fraction" mapstructure:"jitter_fraction"`
}

// TemporalConfig holds Temporal connection settings.
type TemporalConfig struct {
	HostPort  string `yaml:"host_port" mapstructure:"host_port"`
	Namespace string `yaml:"namespace" mapstructure:"namespace"`
	TaskQueue string `yaml:"task_queue" mapstructure:"task_queue"`
}

// CacheConfig configures the cache service.
type CacheConfig struct {
	Driver     string `yaml:"driver" mapstructure:"driver"`
	RedisAddr  string `yaml:"redis_addr" mapstructure:"redis_addr"`
	RedisDB    int    `yaml:"redis_db" mapstructure:"redis_db"`
	TTLSecs    int    `yaml:"ttl_secs" mapstructure:"ttl_secs"`
	MaxEntries int    `yaml:"max_entries" mapstructure:"max_entries"`
}

// MonitoringConfig configures alerting.
type MonitoringConfig struct {
	WebhookURL        string  `yaml:"webhook_url" mapstructure:"webhook_url"`
	DLQThreshold      int     `yaml:"dlq_threshold" mapstructure:"dlq_threshold"`
	BacklogThreshold  float64 `yaml:"backlog_threshold" mapstructure:"backlog_threshold"`
	CheckIntervalSecs int     `yaml:"check_interval_secs" mapstructure:"check_interval_secs"`
}

// ImportConfig configures the spreadsheet import pipeline.
type ImportConfig struct {
	BatchSize int    `yaml:"batch_size" mapstructure:"batch_size"`
	UploadDir string `yaml:"upload_dir" mapstructure:"upload_dir"`
}

// defaults apply to every key not set by the config file or environment.
var defaults = map[string]any{
	"store.driver":                   "postgres",
	"store.max_conns":                10,
	"log.level":                      "info",
	"log.format":                     "json",
	"server.port":                    8080,
	"server.allowed_origins":         []string{"*"},
	"fiscal.start_month":             7,
	"fiscal.planning_year":           0,
	"recalc.mode":                    "local",
	"recalc.workers":                 4,
	"recalc.queue_size":              1024,
	"recalc.rate_per_sec":            50.0,
	"retry.max_attempts":             3,
	"retry.initial_backoff_ms":       500,
	"retry.max_backoff_ms":           10000,
	"retry.multiplier":               2.0,
	"retry.jitter_fraction":          0.25,
	"temporal.host_port":             "localhost:7233",
	"temporal.namespace":             "default",
	"temporal.task_queue":            "sogr-recalc",
	"cache.driver":                   "memory",
	"cache.ttl_secs":                 300,
	"cache.max_entries":              10000,
	"monitoring.dlq_threshold":       10,
	"monitoring.backlog_threshold":   0.25,
	"monitoring.check_interval_secs": 300,
	"import.batch_size":              500,
	"import.upload_dir":              "uploads",
}

// Load merges defaults, an optional ./config.yaml and SOGR_* environment
// variables, in increasing precedence.
func Load() (*Config, error) {
	v := viper.New()
	for key, val := range defaults {
		v.SetDefault(key, val)
	}

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.SetEnvPrefix("SOGR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var notFound viper.ConfigFileNotFoundError
	if err := v.ReadInConfig(); err != nil && !errors.As(err, &notFound) {
		return nil, eris.Wrap(err, "config: read file")
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}
	return cfg, nil
}

// Validate checks the settings a command mode depends on. Modes: serve,
// worker, recalc, import, policy, dlq, monitor, migrate.
func (c *Config) Validate(mode string) error {
	var errs []string

	switch mode {
	case "serve":
		if c.Server.Port <= 0 {
			errs = append(errs, "server.port must be > 0")
		}
	case "worker":
		if c.Temporal.HostPort == "" {
			errs = append(errs, "temporal.host_port is required")
		}
		if c.Temporal.TaskQueue == "" {
			errs = append(errs, "temporal.task_queue is required")
		}
	case "monitor":
		if c.Monitoring.WebhookURL == "" {
			errs = append(errs, "monitoring.webhook_url is required")
		}
	case "recalc", "import", "policy", "dlq", "migrate":
	default:
		return eris.Errorf("config: unknown mode %q", mode)
	}

	switch c.Store.Driver {
	case "postgres":
		if c.Store.DatabaseURL == "" {
			errs = append(errs, "store.database_url is required")
		}
	case "sqlite":
	default:
		errs = append(errs, fmt.Sprintf("store.driver %q is not supported", c.Store.Driver))
	}

	if c.Fiscal.StartMonth < 1 || c.Fiscal.StartMonth > 12 {
		errs = append(errs, "fiscal.start_month must be between 1 and 12")
	}

	switch c.Recalc.Mode {
	case "inline", "local", "temporal":
	default:
		errs = append(errs, fmt.Sprintf("recalc.mode %q must be inline, local or temporal", c.Recalc.Mode))
	}
	if c.Recalc.Mode == "local" && (c.Recalc.Workers < 1 || c.Recalc.Workers > 64) {
		errs = append(errs, "recalc.workers must be between 1 and 64")
	}
	if c.Retry.MaxAttempts < 1 {
		errs = append(errs, "retry.max_attempts must be >= 1")
	}

	switch c.Cache.Driver {
	case "memory", "none":
	case "redis":
		if c.Cache.RedisAddr == "" {
			errs = append(errs, "cache.redis_addr is required for the redis driver")
		}
	default:
		errs = append(errs, fmt.Sprintf("cache.driver %q is not supported", c.Cache.Driver))
	}

	if len(errs) > 0 {
		return eris.Errorf("config: validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
