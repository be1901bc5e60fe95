package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/url"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"

	"github.com/YaganovValera/dune-sync/internal/dune"
	"github.com/YaganovValera/dune-sync/internal/metrics"
	"github.com/YaganovValera/dune-sync/internal/query"
	"github.com/YaganovValera/dune-sync/internal/sink"
	"github.com/YaganovValera/dune-sync/pkg/logger"
	"github.com/YaganovValera/dune-sync/pkg/telemetry"
)

// EnvPrefix — префикс ENV-переменных: DUNE_SYNC_SYNC_OUTPUT_DIR и т.д.
const EnvPrefix = "DUNE_SYNC"

// Config — все настройки сервиса.
type Config struct {
	ServiceName    string             `mapstructure:"service_name"`
	ServiceVersion string             `mapstructure:"service_version"`
	Dune           DuneConfig         `mapstructure:"dune"`
	Sync           SyncConfig         `mapstructure:"sync"`
	Queries        []query.Descriptor `mapstructure:"queries"`
	Logging        logger.Config      `mapstructure:"logging"`
	Telemetry      telemetry.Config   `mapstructure:"telemetry"`
	Metrics        metrics.PushConfig `mapstructure:"metrics"`
	HTTP           HTTPConfig         `mapstructure:"http"`
	Sinks          SinksConfig        `mapstructure:"sinks"`
}

// DuneConfig — клиент Dune плюс ключ доступа. Ключ приходит только из ENV.
type DuneConfig struct {
	dune.Config `mapstructure:",squash"`
	APIKey      string `mapstructure:"api_key" json:"-"`
}

// SyncConfig управляет прогоном.
type SyncConfig struct {
	OutputDir  string        `mapstructure:"output_dir"`
	BestEffort bool          `mapstructure:"best_effort"` // exit 0 даже при ошибках
	Interval   time.Duration `mapstructure:"interval"`    // только для serve
}

// HTTPConfig хранит конфигурацию HTTP-/metrics-сервера (serve).
type HTTPConfig struct {
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	MetricsPath     string        `mapstructure:"metrics_path"`
	HealthzPath     string        `mapstructure:"healthz_path"`
	ReadyzPath      string        `mapstructure:"readyz_path"`
	CORSOrigins     []string      `mapstructure:"cors_origins"`
}

// SinksConfig — необязательные зеркала.
type SinksConfig struct {
	S3    sink.S3Config    `mapstructure:"s3"`
	Redis sink.RedisConfig `mapstructure:"redis"`
	Kafka sink.KafkaConfig `mapstructure:"kafka"`
}

func setDefaults(v *viper.Viper) {
	defaults := query.Defaults()
	qs := make([]map[string]any, 0, len(defaults))
	for _, d := range defaults {
		qs = append(qs, map[string]any{"id": d.ID, "name": d.Name, "output_path": d.OutputPath})
	}

	for key, val := range map[string]any{
		"service_name":    "dune-sync",
		"service_version": "v1.0.0",

		"dune.base_url":                 dune.DefaultBaseURL,
		"dune.api_key":                  "",
		"dune.timeout":                  "60s",
		"dune.page_size":                dune.DefaultPageSize,
		"dune.max_age":                  "0s",
		"dune.backoff.initial_interval": "1s",
		"dune.backoff.max_interval":     "10s",
		"dune.backoff.max_retries":      3,
		"dune.backoff.max_elapsed_time": "2m",

		"sync.output_dir":  ".",
		"sync.best_effort": false,
		"sync.interval":    "1h",
		"queries":          qs,

		// в CI читает человек, поэтому по умолчанию консоль
		"logging.level":    "info",
		"logging.dev_mode": true,

		"telemetry.enabled":       false,
		"telemetry.otel_endpoint": "otel-collector:4317",
		"telemetry.insecure":      false,
		"telemetry.sampler":       1.0,

		"metrics.push_url": "",
		"metrics.job":      "dune_sync",

		"http.port":             8080,
		"http.read_timeout":     "10s",
		"http.write_timeout":    "15s",
		"http.idle_timeout":     "60s",
		"http.shutdown_timeout": "5s",
		"http.metrics_path":     "/metrics",
		"http.healthz_path":     "/healthz",
		"http.readyz_path":      "/readyz",
		"http.cors_origins":     []string{},

		"sinks.s3.enabled":            false,
		"sinks.s3.endpoint":           "",
		"sinks.s3.region":             "",
		"sinks.s3.bucket":             "",
		"sinks.s3.access_key_id":      "",
		"sinks.s3.secret_access_key":  "",
		"sinks.s3.use_ssl":            true,
		"sinks.s3.prefix":             "",
		"sinks.s3.auto_create_bucket": false,

		"sinks.redis.enabled":    false,
		"sinks.redis.addr":       "localhost:6379",
		"sinks.redis.password":   "",
		"sinks.redis.db":         0,
		"sinks.redis.key_prefix": "dune",
		"sinks.redis.ttl":        "0s",

		"sinks.kafka.enabled":       false,
		"sinks.kafka.brokers":       []string{},
		"sinks.kafka.topic":         "dune.snapshots",
		"sinks.kafka.required_acks": "all",
		"sinks.kafka.compression":   "none",
		"sinks.kafka.timeout":       "5s",

		"sinks.kafka.backoff.initial_interval": "500ms",
		"sinks.kafka.backoff.max_interval":     "5s",
		"sinks.kafka.backoff.max_retries":      3,
		"sinks.kafka.backoff.max_elapsed_time": "30s",
	} {
		v.SetDefault(key, val)
	}
}

// Load загружает и валидирует конфиг. Если path пустой — читаются только ENV и defaults.
func Load(path string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	// приоритет: ENV > файл > defaults
	v.SetEnvPrefix(EnvPrefix)
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	// ключ принимается и под привычным именем
	if err := v.BindEnv("dune.api_key", EnvPrefix+"_DUNE_API_KEY", "DUNE_API_KEY"); err != nil {
		return nil, fmt.Errorf("bind env: %w", err)
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %q: %w", v.ConfigFileUsed(), err)
		}
	}

	var cfg Config
	decodeHook := mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
		stringToBoolHook,
	)
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName:          "mapstructure",
		Result:           &cfg,
		DecodeHook:       decodeHook,
		WeaklyTypedInput: true,
	})
	if err != nil {
		return nil, fmt.Errorf("create decoder: %w", err)
	}
	if err := dec.Decode(v.AllSettings()); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.Telemetry.ServiceName = cfg.ServiceName
	cfg.Telemetry.ServiceVersion = cfg.ServiceVersion

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return &cfg, nil
}

// stringToBoolHook разбирает true/false, иначе отдает исходные данные.
func stringToBoolHook(f, t reflect.Kind, data interface{}) (interface{}, error) {
	if f == reflect.String && t == reflect.Bool {
		return strconv.ParseBool(data.(string))
	}
	return data, nil
}

// Validate возвращает все найденные проблемы разом (errors.Join).
// dune.api_key не проверяется: отсутствие ключа диагностирует runner.
func (c *Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}

	check(c.ServiceName != "", "service_name is required")
	check(c.ServiceVersion != "", "service_version is required")

	check(isAbsURL(c.Dune.BaseURL), "dune.base_url must be an absolute URL, got %q", c.Dune.BaseURL)
	check(c.Dune.Timeout > 0, "dune.timeout must be > 0")
	check(c.Dune.PageSize > 0, "dune.page_size must be > 0")
	check(c.Dune.MaxAge >= 0, "dune.max_age must be >= 0")

	check(strings.TrimSpace(c.Sync.OutputDir) != "", "sync.output_dir is required")
	check(c.Sync.Interval > 0, "sync.interval must be > 0")

	if err := query.ValidateAll(c.Queries); err != nil {
		errs = append(errs, fmt.Errorf("queries: %w", err))
	}

	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("logging.level %q is not one of debug, info, warn, error", c.Logging.Level))
	}

	check(!c.Telemetry.Enabled || c.Telemetry.Endpoint != "",
		"telemetry.otel_endpoint is required when telemetry is enabled")
	check(c.Metrics.PushURL == "" || isAbsURL(c.Metrics.PushURL),
		"metrics.push_url must be an absolute URL")

	errs = append(errs, c.HTTP.validate()...)

	for _, err := range []error{c.Sinks.S3.Validate(), c.Sinks.Redis.Validate(), c.Sinks.Kafka.Validate()} {
		if err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func isAbsURL(raw string) bool {
	u, err := url.Parse(raw)
	return err == nil && u.Scheme != "" && u.Host != ""
}

func (h HTTPConfig) validate() []error {
	var errs []error
	if h.Port <= 0 || h.Port > 65535 {
		errs = append(errs, fmt.Errorf("http.port %d is out of range", h.Port))
	}
	for _, d := range []struct {
		key string
		val time.Duration
	}{
		{"http.read_timeout", h.ReadTimeout},
		{"http.write_timeout", h.WriteTimeout},
		{"http.idle_timeout", h.IdleTimeout},
		{"http.shutdown_timeout", h.ShutdownTimeout},
	} {
		if d.val <= 0 {
			errs = append(errs, fmt.Errorf("%s must be > 0", d.key))
		}
	}
	for _, p := range []struct{ key, val string }{
		{"http.metrics_path", h.MetricsPath},
		{"http.healthz_path", h.HealthzPath},
		{"http.readyz_path", h.ReadyzPath},
	} {
		if !strings.HasPrefix(p.val, "/") {
			errs = append(errs, fmt.Errorf("%s must start with '/'", p.key))
		}
	}
	return errs
}

// Print пишет текущий конфиг в JSON; секреты (json:"-") не попадают в вывод.
func (c *Config) Print(w io.Writer) {
	b, _ := json.MarshalIndent(c, "", "  ")
	fmt.Fprintln(w, "Loaded configuration:\n", string(b))
}
