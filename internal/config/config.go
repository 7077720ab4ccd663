// Package config loads and validates the service's top-level
// configuration: a YAML file layered with environment variable
// overrides, then checked by a ConfigValidator before the pipeline is
// allowed to start.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v2"

	"github.com/ssw-telemetry/telemetry-core/internal/fastpath"
	"github.com/ssw-telemetry/telemetry-core/internal/slowpath"
	"github.com/ssw-telemetry/telemetry-core/pkg/backpressure"
	"github.com/ssw-telemetry/telemetry-core/pkg/deduplication"
	"github.com/ssw-telemetry/telemetry-core/pkg/dlq"
	appErrors "github.com/ssw-telemetry/telemetry-core/pkg/errors"
	"github.com/ssw-telemetry/telemetry-core/pkg/metricsstore"
	"github.com/ssw-telemetry/telemetry-core/pkg/retry"
	"github.com/ssw-telemetry/telemetry-core/pkg/stream"
	"github.com/ssw-telemetry/telemetry-core/pkg/tracestore"
	"github.com/ssw-telemetry/telemetry-core/pkg/tracing"
)

// AppConfig carries the service's own identity, independent of any
// single component.
type AppConfig struct {
	Name      string `yaml:"name"`
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
}

// ObsConfig configures the ambient /metrics and /healthz surface.
type ObsConfig struct {
	Addr              string        `yaml:"addr"`
	CollectorInterval time.Duration `yaml:"collector_interval"`
}

func (c ObsConfig) withDefaults() ObsConfig {
	if c.Addr == "" {
		c.Addr = ":9090"
	}
	if c.CollectorInterval <= 0 {
		c.CollectorInterval = 30 * time.Second
	}
	return c
}

// StreamsConfig names the three Redis streams the pipeline moves
// events through: C4 ingest, C5 CDC, and the dead-letter stream.
type StreamsConfig struct {
	Ingest     stream.Config `yaml:"ingest"`
	CDC        stream.Config `yaml:"cdc"`
	DeadLetter stream.Config `yaml:"dead_letter"`
}

func (c StreamsConfig) withDefaults() StreamsConfig {
	if c.Ingest.Key == "" {
		c.Ingest.Key = "telemetry:events"
	}
	if c.CDC.Key == "" {
		c.CDC.Key = "cdc:events"
	}
	if c.DeadLetter.Key == "" {
		c.DeadLetter.Key = "telemetry:dlq"
	}
	return c
}

// Config is the fully assembled configuration for one telemetry-core
// process: one Redis connection shared by every Redis-backed
// component, plus each component's own settings.
type Config struct {
	App      AppConfig     `yaml:"app"`
	RedisURL string        `yaml:"redis_url"`
	Streams  StreamsConfig `yaml:"streams"`

	TraceStore   tracestore.Config   `yaml:"trace_store"`
	MetricsStore metricsstore.Config `yaml:"metrics_store"`

	FastPath fastpath.Config `yaml:"fast_path"`
	SlowPath slowpath.Config `yaml:"slow_path"`

	Backpressure backpressure.Config  `yaml:"backpressure"`
	Dedup        deduplication.Config `yaml:"dedup"`
	DLQ          dlq.Config           `yaml:"dlq"`
	Retry        retry.Config         `yaml:"retry"`
	Tracing      tracing.Config       `yaml:"tracing"`
	Obs          ObsConfig            `yaml:"obs"`
}

// Load reads configFile (if non-empty), applies defaults, then layers
// environment variable overrides on top, and finally validates the
// result. configFile may be empty to run on defaults plus environment
// alone.
func Load(configFile string) (*Config, error) {
	cfg := &Config{}

	if configFile != "" {
		if err := loadConfigFile(configFile, cfg); err != nil {
			return nil, appErrors.ConfigError("load", err.Error())
		}
	}

	applyDefaults(cfg)
	applyEnvironmentOverrides(cfg)

	if err := Validate(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

func loadConfigFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

func applyDefaults(cfg *Config) {
	if cfg.App.Name == "" {
		cfg.App.Name = "telemetry-core"
	}
	if cfg.App.LogLevel == "" {
		cfg.App.LogLevel = "info"
	}
	if cfg.App.LogFormat == "" {
		cfg.App.LogFormat = "json"
	}
	if cfg.RedisURL == "" {
		cfg.RedisURL = "redis://127.0.0.1:6379/0"
	}
	cfg.Streams = cfg.Streams.withDefaults()
	cfg.Obs = cfg.Obs.withDefaults()

	// Every nested component's own withDefaults is unexported and
	// applied lazily by its constructor, so the zero value is fine to
	// hand straight through. TraceStore.Path and MetricsStore.RedisURL
	// are the two fields worth pinning here since they have no natural
	// per-package default otherwise.
	if cfg.TraceStore.Path == "" {
		cfg.TraceStore.Path = "./data/trace.db"
	}
	if cfg.MetricsStore.RedisURL == "" {
		cfg.MetricsStore.RedisURL = cfg.RedisURL
	}
	if cfg.Retry == (retry.Config{}) {
		cfg.Retry = retry.DefaultConfig()
	}
}

// applyEnvironmentOverrides layers TELEMETRY_* environment variables
// on top of whatever the file (or defaults) produced. Only the
// settings an operator is likely to need to flip per-deployment are
// exposed this way; per-component tuning knobs stay file-only.
func applyEnvironmentOverrides(cfg *Config) {
	cfg.App.Name = getEnvString("TELEMETRY_APP_NAME", cfg.App.Name)
	cfg.App.LogLevel = getEnvString("TELEMETRY_LOG_LEVEL", cfg.App.LogLevel)
	cfg.App.LogFormat = getEnvString("TELEMETRY_LOG_FORMAT", cfg.App.LogFormat)

	cfg.RedisURL = getEnvString("TELEMETRY_REDIS_URL", cfg.RedisURL)
	cfg.Streams.Ingest.Key = getEnvString("TELEMETRY_STREAM_INGEST_KEY", cfg.Streams.Ingest.Key)
	cfg.Streams.CDC.Key = getEnvString("TELEMETRY_STREAM_CDC_KEY", cfg.Streams.CDC.Key)
	cfg.Streams.DeadLetter.Key = getEnvString("TELEMETRY_STREAM_DLQ_KEY", cfg.Streams.DeadLetter.Key)

	cfg.TraceStore.Path = getEnvString("TELEMETRY_TRACE_STORE_PATH", cfg.TraceStore.Path)
	cfg.MetricsStore.RedisURL = getEnvString("TELEMETRY_METRICS_REDIS_URL", cfg.MetricsStore.RedisURL)

	cfg.Obs.Addr = getEnvString("TELEMETRY_OBS_ADDR", cfg.Obs.Addr)
	cfg.Obs.CollectorInterval = getEnvDuration("TELEMETRY_OBS_COLLECTOR_INTERVAL", cfg.Obs.CollectorInterval)

	cfg.Tracing.Enabled = getEnvBool("TELEMETRY_TRACING_ENABLED", cfg.Tracing.Enabled)
	cfg.Tracing.Endpoint = getEnvString("TELEMETRY_TRACING_ENDPOINT", cfg.Tracing.Endpoint)
	cfg.Tracing.Environment = getEnvString("TELEMETRY_ENVIRONMENT", cfg.Tracing.Environment)

	cfg.FastPath.BatchFlushSize = getEnvInt("TELEMETRY_FASTPATH_BATCH_SIZE", cfg.FastPath.BatchFlushSize)
	cfg.FastPath.BatchFlushInterval = getEnvDuration("TELEMETRY_FASTPATH_BATCH_INTERVAL", cfg.FastPath.BatchFlushInterval)
}

func getEnvString(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultValue
}

// Validate runs a ConfigValidator over cfg, accumulating every
// problem found rather than stopping at the first.
func Validate(cfg *Config) error {
	v := &ConfigValidator{config: cfg}
	return v.Validate()
}

// ConfigValidator accumulates validation failures across every
// section of Config so a single Load call reports everything wrong at
// once, instead of forcing one fix-and-retry cycle per field.
type ConfigValidator struct {
	config *Config
	errors []error
}

func (v *ConfigValidator) Validate() error {
	v.validateApp()
	v.validateRedis()
	v.validateStreams()
	v.validateStores()
	v.validateFastPath()
	v.validateSlowPath()
	v.validateObs()

	if len(v.errors) > 0 {
		return v.buildValidationError()
	}
	return nil
}

func (v *ConfigValidator) addError(component, operation, message string) {
	v.errors = append(v.errors, appErrors.ConfigError(operation, message).WithMetadata("component", component))
}

func (v *ConfigValidator) validateApp() {
	switch strings.ToLower(v.config.App.LogLevel) {
	case "debug", "info", "warn", "warning", "error", "fatal", "panic":
	default:
		v.addError("app", "validate_log_level", fmt.Sprintf("unrecognized log level %q", v.config.App.LogLevel))
	}
}

func (v *ConfigValidator) validateRedis() {
	if v.config.RedisURL == "" {
		v.addError("redis", "validate_url", "redis_url must not be empty")
	}
}

func (v *ConfigValidator) validateStreams() {
	if v.config.Streams.Ingest.Key == v.config.Streams.CDC.Key {
		v.addError("streams", "validate_keys", "ingest and cdc streams must use distinct keys")
	}
	if v.config.Streams.Ingest.Key == v.config.Streams.DeadLetter.Key ||
		v.config.Streams.CDC.Key == v.config.Streams.DeadLetter.Key {
		v.addError("streams", "validate_keys", "dead letter stream must use a key distinct from ingest and cdc")
	}
}

func (v *ConfigValidator) validateStores() {
	if v.config.TraceStore.Path == "" {
		v.addError("trace_store", "validate_path", "trace_store.path must not be empty")
	}
}

func (v *ConfigValidator) validateFastPath() {
	if v.config.FastPath.BatchFlushSize < 0 {
		v.addError("fast_path", "validate_batch_size", "fast_path.batch_flush_size must not be negative")
	}
	if v.config.FastPath.MaxEventBytes < 0 {
		v.addError("fast_path", "validate_max_event_bytes", "fast_path.max_event_bytes must not be negative")
	}
}

func (v *ConfigValidator) validateSlowPath() {
	seen := make(map[string]bool, len(v.config.SlowPath.Classes))
	for _, cls := range v.config.SlowPath.Classes {
		if cls.Group == "" {
			v.addError("slow_path", "validate_classes", fmt.Sprintf("worker class %q has no consumer group", cls.Class))
			continue
		}
		if seen[cls.Group] {
			v.addError("slow_path", "validate_classes", fmt.Sprintf("consumer group %q used by more than one worker class", cls.Group))
		}
		seen[cls.Group] = true
		if cls.Concurrency < 0 {
			v.addError("slow_path", "validate_classes", fmt.Sprintf("worker class %q has negative concurrency", cls.Class))
		}
	}
}

func (v *ConfigValidator) validateObs() {
	if v.config.Obs.Addr == "" {
		v.addError("obs", "validate_addr", "obs.addr must not be empty")
	}
}

func (v *ConfigValidator) buildValidationError() error {
	if len(v.errors) == 1 {
		return v.errors[0]
	}
	messages := make([]string, 0, len(v.errors))
	for _, err := range v.errors {
		messages = append(messages, err.Error())
	}
	return appErrors.ConfigError("validate", fmt.Sprintf("%d configuration problems: %s", len(v.errors), strings.Join(messages, "; ")))
}
