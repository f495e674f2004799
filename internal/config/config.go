// Package config loads service configuration from defaults, .env, the
// environment and the runtime JSON file.
package config

import (
	"errors"
	"fmt"
	"os"
	"reflect"
	"runtime"
	"strings"
	"time"

	"github.com/creasty/defaults"
	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// ErrInvalidConfig is returned when configuration fails validation.
var ErrInvalidConfig = errors.New("invalid configuration")

var validate = validator.New()

// RuntimeSettings is the subset editable at runtime through the admin API.
type RuntimeSettings struct {
	DefaultWebhookURL              string  `mapstructure:"default_webhook_url" json:"default_webhook_url" validate:"omitempty,url"`
	PollIntervalSeconds            int     `mapstructure:"poll_interval_seconds" json:"poll_interval_seconds" default:"30" validate:"gte=1"`
	BatchSize                      int     `mapstructure:"batch_size" json:"batch_size" default:"50" validate:"gte=1"`
	ATHIntervalSeconds             int     `mapstructure:"ath_interval_seconds" json:"ath_interval_seconds" default:"30" validate:"gte=1"`
	ATHBatchSize                   int     `mapstructure:"ath_batch_size" json:"ath_batch_size" default:"200" validate:"gte=1"`
	FinalizeIntervalSeconds        int     `mapstructure:"finalize_interval_seconds" json:"finalize_interval_seconds" default:"30" validate:"gte=1"`
	FinalizeBacklogIntervalSeconds int     `mapstructure:"finalize_backlog_interval_seconds" json:"finalize_backlog_interval_seconds" default:"10" validate:"gte=1"`
	FinalizeBatchSize              int     `mapstructure:"finalize_batch_size" json:"finalize_batch_size" default:"500" validate:"gte=1"`
	WebhookTimeoutSeconds          int     `mapstructure:"webhook_timeout_seconds" json:"webhook_timeout_seconds" default:"10" validate:"gte=1,lte=300"`
	MaxMissingFeatureRatio         float64 `mapstructure:"max_missing_feature_ratio" json:"max_missing_feature_ratio" default:"0.5" validate:"gte=0,lte=1"`
}

// PollInterval returns the ingestion tick period.
func (r RuntimeSettings) PollInterval() time.Duration {
	return time.Duration(r.PollIntervalSeconds) * time.Second
}

// ATHInterval returns the ATH tracker tick period.
func (r RuntimeSettings) ATHInterval() time.Duration {
	return time.Duration(r.ATHIntervalSeconds) * time.Second
}

// FinalizeInterval returns the finalizer tick period.
func (r RuntimeSettings) FinalizeInterval() time.Duration {
	return time.Duration(r.FinalizeIntervalSeconds) * time.Second
}

// FinalizeBacklogInterval returns the finalizer period while behind.
func (r RuntimeSettings) FinalizeBacklogInterval() time.Duration {
	return time.Duration(r.FinalizeBacklogIntervalSeconds) * time.Second
}

// WebhookTimeout returns the per-POST timeout.
func (r RuntimeSettings) WebhookTimeout() time.Duration {
	return time.Duration(r.WebhookTimeoutSeconds) * time.Second
}

// Validate checks ranges.
func (r RuntimeSettings) Validate() error {
	if err := validate.Struct(r); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	return nil
}

// Config is the full process configuration.
type Config struct {
	DBDSN          string        `mapstructure:"db_dsn"`
	DBMinConns     int32         `mapstructure:"db_min_conns" default:"1" validate:"gte=1"`
	DBMaxConns     int32         `mapstructure:"db_max_conns" default:"10" validate:"gtefield=DBMinConns"`
	DBQueryTimeout time.Duration `mapstructure:"db_query_timeout" default:"60s" validate:"gt=0"`

	TrainingServiceURL string        `mapstructure:"training_service_url" default:"http://localhost:8000" validate:"required,url"`
	TrainingTimeout    time.Duration `mapstructure:"training_timeout" default:"10s" validate:"gt=0"`
	TrainingRatePerSec float64       `mapstructure:"training_rate_per_sec" default:"5" validate:"gt=0"`

	ModelStoragePath  string `mapstructure:"model_storage_path" default:"./models" validate:"required"`
	ModelCacheSize    int    `mapstructure:"model_cache_size" default:"10" validate:"gte=1"`
	ModelRetrySeconds int    `mapstructure:"model_retry_seconds" default:"30" validate:"gte=1"`

	ModelRefreshSeconds  int `mapstructure:"model_refresh_seconds" default:"10" validate:"gte=1"`
	WatchdogStaleSeconds int `mapstructure:"watchdog_stale_seconds" default:"180" validate:"gte=1"`
	DrainSeconds         int `mapstructure:"drain_seconds" default:"30" validate:"gte=0"`
	FinalizeParallelism  int `mapstructure:"finalize_parallelism" default:"50" validate:"gte=1"`
	FeatureHistoryLimit  int `mapstructure:"feature_history_limit" default:"1000" validate:"gte=1"`
	InferenceWorkers     int `mapstructure:"inference_workers" validate:"gte=0"`

	HTTPAddr  string `mapstructure:"http_addr" default:":8090" validate:"required"`
	LogLevel  string `mapstructure:"log_level" default:"info" validate:"oneof=debug info warn error"`
	LogFormat string `mapstructure:"log_format" default:"json" validate:"oneof=json console"`

	RedisAddr     string `mapstructure:"redis_addr"`
	RedisPassword string `mapstructure:"redis_password"`
	RedisDB       int    `mapstructure:"redis_db" validate:"gte=0"`

	KafkaBrokers string `mapstructure:"kafka_brokers"`
	KafkaTopic   string `mapstructure:"kafka_topic" default:"predictions"`

	ClickhouseDSN string `mapstructure:"clickhouse_dsn"`

	WebhookLogRetentionDays int    `mapstructure:"webhook_log_retention_days" default:"14" validate:"gte=1"`
	MaintenanceCron         string `mapstructure:"maintenance_cron" default:"@every 1h" validate:"required"`

	ServiceName string `mapstructure:"service_name" default:"pump-inference"`
	ConfigFile  string `mapstructure:"config_file" default:"./data/config.json"`

	Runtime RuntimeSettings `mapstructure:",squash"`
}

// LoadOptions controls Load.
type LoadOptions struct {
	EnvFile   string // optional .env path, default ".env"
	UseMemory bool   // DB_DSN not required
}

// Load builds the configuration. Priority, lowest first: defaults, .env,
// environment, runtime JSON file.
func Load(opts LoadOptions) (*Config, error) {
	envFile := opts.EnvFile
	if envFile == "" {
		envFile = ".env"
	}
	if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: read %s: %w", ErrInvalidConfig, envFile, err)
	}

	var cfg Config
	if err := defaults.Set(&cfg); err != nil {
		return nil, fmt.Errorf("%w: defaults: %w", ErrInvalidConfig, err)
	}

	v := viper.New()
	v.AutomaticEnv()
	bindEnv(v, reflect.TypeOf(cfg))
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("%w: decode environment: %w", ErrInvalidConfig, err)
	}

	rt, err := readRuntimeFile(cfg.ConfigFile, cfg.Runtime)
	if err != nil {
		return nil, err
	}
	cfg.Runtime = rt

	if cfg.InferenceWorkers == 0 {
		cfg.InferenceWorkers = runtime.NumCPU()
	}

	if err := cfg.Validate(opts.UseMemory); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the whole configuration.
func (c *Config) Validate(useMemory bool) error {
	if !useMemory && c.DBDSN == "" {
		return fmt.Errorf("%w: DB_DSN is required", ErrInvalidConfig)
	}
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	return nil
}

// KafkaBrokerList splits KAFKA_BROKERS.
func (c *Config) KafkaBrokerList() []string {
	var out []string
	for _, b := range strings.Split(c.KafkaBrokers, ",") {
		if b = strings.TrimSpace(b); b != "" {
			out = append(out, b)
		}
	}
	return out
}

// bindEnv registers every mapstructure key so that Unmarshal sees
// variables that are only set in the environment.
func bindEnv(v *viper.Viper, t reflect.Type) {
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		tag := f.Tag.Get("mapstructure")
		if tag == ",squash" {
			bindEnv(v, f.Type)
			continue
		}
		if tag == "" || tag == "-" {
			continue
		}
		_ = v.BindEnv(tag, strings.ToUpper(tag))
	}
}
