package config

import "time"

// Config holds all application configuration.
// It organizes settings into logical groups for better maintainability.
type Config struct {
	Server   ServerConfig   `mapstructure:"server" validate:"required"`
	Database DatabaseConfig `mapstructure:"database" validate:"required"`
	Redis    RedisConfig    `mapstructure:"redis" validate:"required"`
	Queue    QueueConfig    `mapstructure:"queue" validate:"required"`
	Workers  WorkersConfig  `mapstructure:"workers" validate:"required"`
	Health   HealthConfig   `mapstructure:"health" validate:"required"`
	LLM      LLMConfig      `mapstructure:"llm" validate:"required"`
}

// ServerConfig contains all server-related configuration settings.
type ServerConfig struct {
	Port            int           `mapstructure:"port" validate:"required,gt=0,lt=65536"`
	LogLevel        string        `mapstructure:"log_level" validate:"required,oneof=debug info warn error"`
	LogFormat       string        `mapstructure:"log_format" validate:"required,oneof=json text"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" validate:"gt=0"`
}

// DatabaseConfig contains all database-related configuration settings.
type DatabaseConfig struct {
	URL             string        `mapstructure:"url" validate:"required,url"`
	MaxOpenConns    int           `mapstructure:"max_open_conns" validate:"gte=1"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns" validate:"gte=0"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime" validate:"gte=0"`
}

// RedisConfig contains broker connection settings.
type RedisConfig struct {
	Addr        string        `mapstructure:"addr" validate:"required,hostname_port"`
	Password    string        `mapstructure:"password"`
	DB          int           `mapstructure:"db" validate:"gte=0"`
	Namespace   string        `mapstructure:"namespace" validate:"required"`
	DialTimeout time.Duration `mapstructure:"dial_timeout" validate:"gt=0"`
	ReadTimeout time.Duration `mapstructure:"read_timeout" validate:"gt=0"`
	PoolSize    int           `mapstructure:"pool_size" validate:"gte=0"`
}

// QueueConfig contains task lifetime and retry settings.
type QueueConfig struct {
	// TaskLifetime bounds how long a user's active slot can be held.
	TaskLifetime    time.Duration `mapstructure:"task_lifetime" validate:"gt=0"`
	Retention       time.Duration `mapstructure:"retention" validate:"gt=0"`
	PopTimeout      time.Duration `mapstructure:"pop_timeout" validate:"gt=0"`
	MaxRetries      int           `mapstructure:"max_retries" validate:"gte=1"`
	RetryBaseDelay  time.Duration `mapstructure:"retry_base_delay" validate:"gt=0"`
	RetryMaxDelay   time.Duration `mapstructure:"retry_max_delay" validate:"gtefield=RetryBaseDelay"`
	PromoteInterval time.Duration `mapstructure:"promote_interval" validate:"gt=0"`
	MigrationBatch  int           `mapstructure:"migration_batch" validate:"gte=1"`
}

// WorkersConfig contains worker unit settings.
type WorkersConfig struct {
	// TierSets lists unit groups as "tiers=count" joined by ";", for
	// example "urgent,high=1;urgent,high,normal,low=2".
	TierSets        string        `mapstructure:"tier_sets" validate:"required"`
	HeartbeatTTL    time.Duration `mapstructure:"heartbeat_ttl" validate:"gt=0"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" validate:"gt=0"`
	WorkerBinary    string        `mapstructure:"worker_binary" validate:"required"`
	// Integrated runs worker units inside the server process.
	Integrated bool `mapstructure:"integrated"`
}

// HealthConfig contains broker health monitor settings.
type HealthConfig struct {
	PingInterval     time.Duration `mapstructure:"ping_interval" validate:"gt=0"`
	PingTimeout      time.Duration `mapstructure:"ping_timeout" validate:"gt=0"`
	FailureThreshold int           `mapstructure:"failure_threshold" validate:"gte=1"`
}

// LLMConfig contains all LLM integration related settings.
type LLMConfig struct {
	GeminiAPIKey string `mapstructure:"gemini_api_key" validate:"required"`
	ModelName    string `mapstructure:"model_name" validate:"required"`
	// PromptTemplatePath optionally overrides the built-in caption prompt.
	PromptTemplatePath string        `mapstructure:"prompt_template_path"`
	BaseURL            string        `mapstructure:"base_url" validate:"omitempty,url"`
	MaxImageBytes      int64         `mapstructure:"max_image_bytes" validate:"gt=0"`
	RequestTimeout     time.Duration `mapstructure:"request_timeout" validate:"gt=0"`
}
