package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment variable name.
const EnvPrefix = "CAPTIONQ"

// defaults lists every key with its default value. Keys without a sensible
// default are bound with an empty value so that AutomaticEnv can still
// populate them.
var defaults = map[string]any{
	"server.port":             8080,
	"server.log_level":        "info",
	"server.log_format":       "json",
	"server.shutdown_timeout": 15 * time.Second,

	"database.url":               "",
	"database.max_open_conns":    25,
	"database.max_idle_conns":    5,
	"database.conn_max_lifetime": 30 * time.Minute,

	"redis.addr":         "localhost:6379",
	"redis.password":     "",
	"redis.db":           0,
	"redis.namespace":    "captionq",
	"redis.dial_timeout": 5 * time.Second,
	"redis.read_timeout": 3 * time.Second,
	"redis.pool_size":    0,

	"queue.task_lifetime":    24 * time.Hour,
	"queue.retention":        24 * time.Hour,
	"queue.pop_timeout":      2 * time.Second,
	"queue.max_retries":      3,
	"queue.retry_base_delay": 60 * time.Second,
	"queue.retry_max_delay":  time.Hour,
	"queue.promote_interval": time.Second,
	"queue.migration_batch":  100,

	"workers.tier_sets":        "urgent,high=1;urgent,high,normal,low=2",
	"workers.heartbeat_ttl":    30 * time.Second,
	"workers.shutdown_timeout": 30 * time.Second,
	"workers.worker_binary":    "captionq-worker",
	"workers.integrated":       true,

	"health.ping_interval":     30 * time.Second,
	"health.ping_timeout":      5 * time.Second,
	"health.failure_threshold": 3,

	"llm.gemini_api_key":       "",
	"llm.model_name":           "gemini-2.0-flash",
	"llm.prompt_template_path": "",
	"llm.base_url":             "",
	"llm.max_image_bytes":      int64(10 << 20),
	"llm.request_timeout":      60 * time.Second,
}

// Load configuration from environment variables and optionally config files.
// Environment variables take precedence over values from config files.
// Returns a populated Config struct or an error if loading/validation fails.
func Load() (*Config, error) {
	return LoadFrom("")
}

// LoadFrom is Load with an explicit config file path. An empty path looks
// for config.yaml in the working directory; a missing file is not an error.
func LoadFrom(path string) (*Config, error) {
	v := viper.New()

	for key, value := range defaults {
		v.SetDefault(key, value)
	}

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks cfg against its struct tags.
func Validate(cfg *Config) error {
	validate := validator.New()
	if err := validate.Struct(cfg); err != nil {
		return fmt.Errorf("config validation failed: %w", err)
	}
	return nil
}
