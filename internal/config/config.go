package config

import (
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

const (
	// MinPort is the minimum valid port number
	MinPort = 1
	// MaxPort is the maximum valid port number
	MaxPort = 65535

	// EnvPrefix prefixes every environment override, e.g. BUNDLER_DATABASE_PASSWORD
	EnvPrefix = "BUNDLER_"
)

// Archive drivers
const (
	ArchiveMemory   = "memory"
	ArchiveRedis    = "redis"
	ArchivePostgres = "postgres"
)

// Config represents the complete application configuration
type Config struct {
	Server       ServerConfig       `yaml:"server" envPrefix:"SERVER_"`
	Database     DatabaseConfig     `yaml:"database" envPrefix:"DATABASE_"`
	RabbitMQ     RabbitMQConfig     `yaml:"rabbitmq" envPrefix:"RABBITMQ_"`
	Redis        RedisConfig        `yaml:"redis" envPrefix:"REDIS_"`
	Logging      LoggingConfig      `yaml:"logging" envPrefix:"LOG_"`
	App          AppConfig          `yaml:"app" envPrefix:"APP_"`
	Orchestrator OrchestratorConfig `yaml:"orchestrator" envPrefix:"ORCHESTRATOR_"`
	Channel      ChannelConfig      `yaml:"channel" envPrefix:"CHANNEL_"`
	Executor     ExecutorConfig     `yaml:"executor" envPrefix:"EXECUTOR_"`
	Archive      ArchiveConfig      `yaml:"archive" envPrefix:"ARCHIVE_"`
	Worker       WorkerConfig       `yaml:"worker" envPrefix:"WORKER_"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port            int           `yaml:"port" env:"PORT"`
	ReadTimeout     time.Duration `yaml:"read_timeout" env:"READ_TIMEOUT"`
	WriteTimeout    time.Duration `yaml:"write_timeout" env:"WRITE_TIMEOUT"`
	IdleTimeout     time.Duration `yaml:"idle_timeout" env:"IDLE_TIMEOUT"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT"`
}

// DatabaseConfig holds PostgreSQL connection configuration
type DatabaseConfig struct {
	DSN             string        `yaml:"dsn" env:"DSN"` // overrides the fields below when set
	Host            string        `yaml:"host" env:"HOST"`
	Port            int           `yaml:"port" env:"PORT"`
	User            string        `yaml:"user" env:"USER"`
	Password        string        `yaml:"password" env:"PASSWORD"`
	Database        string        `yaml:"database" env:"NAME"`
	SSLMode         string        `yaml:"sslmode" env:"SSLMODE"`
	MaxOpenConns    int           `yaml:"max_open_conns" env:"MAX_OPEN_CONNS"`
	MaxIdleConns    int           `yaml:"max_idle_conns" env:"MAX_IDLE_CONNS"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" env:"CONN_MAX_LIFETIME"`
	ConnMaxIdleTime time.Duration `yaml:"conn_max_idle_time" env:"CONN_MAX_IDLE_TIME"`
	AutoMigrate     bool          `yaml:"auto_migrate" env:"AUTO_MIGRATE"`
}

// RabbitMQConfig holds RabbitMQ connection and exchange/queue configuration.
// The api-service mirrors events when Enabled; the worker-service always consumes.
type RabbitMQConfig struct {
	Enabled    bool             `yaml:"enabled" env:"ENABLED"`
	Host       string           `yaml:"host" env:"HOST"`
	Port       int              `yaml:"port" env:"PORT"`
	User       string           `yaml:"user" env:"USER"`
	Password   string           `yaml:"password" env:"PASSWORD"`
	VHost      string           `yaml:"vhost" env:"VHOST"`
	Exchange   ExchangeConfig   `yaml:"exchange" envPrefix:"EXCHANGE_"`
	Queue      QueueConfig      `yaml:"queue" envPrefix:"QUEUE_"`
	RoutingKey string           `yaml:"routing_key" env:"ROUTING_KEY"`
	Connection ConnectionConfig `yaml:"connection"`
	Publish    PublishConfig    `yaml:"publish"`
	Consumer   ConsumerConfig   `yaml:"consumer"`
}

// ExchangeConfig holds RabbitMQ exchange configuration
type ExchangeConfig struct {
	Name       string `yaml:"name" env:"NAME"`
	Type       string `yaml:"type"`
	Durable    bool   `yaml:"durable"`
	AutoDelete bool   `yaml:"auto_delete"`
}

// QueueConfig holds RabbitMQ queue configuration
type QueueConfig struct {
	Name       string `yaml:"name" env:"NAME"`
	Durable    bool   `yaml:"durable"`
	AutoDelete bool   `yaml:"auto_delete"`
	Exclusive  bool   `yaml:"exclusive"`

	DeadLetterExchange string `yaml:"dead_letter_exchange" env:"DEAD_LETTER_EXCHANGE"`
}

// ConnectionConfig holds RabbitMQ connection settings
type ConnectionConfig struct {
	RetryAttempts     int           `yaml:"retry_attempts"`
	RetryInterval     time.Duration `yaml:"retry_interval"`
	Heartbeat         time.Duration `yaml:"heartbeat"`
	ConnectionTimeout time.Duration `yaml:"connection_timeout"`
}

// PublishConfig holds RabbitMQ publish retry settings
type PublishConfig struct {
	RetryAttempts     int           `yaml:"retry_attempts"`
	RetryInterval     time.Duration `yaml:"retry_interval"`
	BackoffMultiplier float64       `yaml:"backoff_multiplier"`
	Timeout           time.Duration `yaml:"timeout"`
	Buffer            int           `yaml:"buffer"`
}

// ConsumerConfig holds RabbitMQ consumer settings
type ConsumerConfig struct {
	PrefetchCount int `yaml:"prefetch_count"`
}

// RedisConfig holds the redis connection used by the redis archive driver
type RedisConfig struct {
	Addr     string `yaml:"addr" env:"ADDR"`
	Password string `yaml:"password" env:"PASSWORD"`
	DB       int    `yaml:"db" env:"DB"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level        string `yaml:"level" env:"LEVEL"`
	Format       string `yaml:"format" env:"FORMAT"`
	Output       string `yaml:"output" env:"OUTPUT"`
	EnableCaller bool   `yaml:"enable_caller" env:"ENABLE_CALLER"`
}

// AppConfig holds application metadata
type AppConfig struct {
	Name        string `yaml:"name"`
	Version     string `yaml:"version"`
	Environment string `yaml:"environment" env:"ENVIRONMENT"`
}

// PriorityConfig holds the retry settings of one priority class
type PriorityConfig struct {
	MaxRetries        int     `yaml:"max_retries"`
	TimeoutMultiplier float64 `yaml:"timeout_multiplier"`
	CapMultiplier     float64 `yaml:"cap_multiplier"`
}

// PrioritiesConfig holds the three priority classes
type PrioritiesConfig struct {
	High   PriorityConfig `yaml:"high"`
	Medium PriorityConfig `yaml:"medium"`
	Low    PriorityConfig `yaml:"low"`
}

// BackoffConfig holds the retry delay curve
type BackoffConfig struct {
	Base    time.Duration `yaml:"base"`
	Factor  float64       `yaml:"factor"`
	CapBase time.Duration `yaml:"cap_base"`
}

// OrchestratorConfig holds scheduler configuration
type OrchestratorConfig struct {
	MaxConcurrent        int              `yaml:"max_concurrent" env:"MAX_CONCURRENT"`
	DelayBetweenLaunches time.Duration    `yaml:"delay_between_launches" env:"DELAY_BETWEEN_LAUNCHES"`
	BundleTimeout        time.Duration    `yaml:"bundle_timeout" env:"BUNDLE_TIMEOUT"`
	AttemptTimeout       time.Duration    `yaml:"attempt_timeout" env:"ATTEMPT_TIMEOUT"`
	Jitter               float64          `yaml:"jitter" env:"JITTER"`
	FailFastRequired     bool             `yaml:"fail_fast_required" env:"FAIL_FAST_REQUIRED"`
	StatsInterval        time.Duration    `yaml:"stats_interval" env:"STATS_INTERVAL"`
	Backoff              BackoffConfig    `yaml:"backoff"`
	Priorities           PrioritiesConfig `yaml:"priorities"`
}

// ChannelConfig holds real-time channel configuration
type ChannelConfig struct {
	HeartbeatInterval    time.Duration `yaml:"heartbeat_interval" env:"HEARTBEAT_INTERVAL"`
	HeartbeatTimeout     time.Duration `yaml:"heartbeat_timeout" env:"HEARTBEAT_TIMEOUT"`
	MaxReconnectAttempts int           `yaml:"max_reconnect_attempts" env:"MAX_RECONNECT_ATTEMPTS"`
	ReconnectBaseDelay   time.Duration `yaml:"reconnect_base_delay" env:"RECONNECT_BASE_DELAY"`
	MaxReconnectDelay    time.Duration `yaml:"max_reconnect_delay" env:"MAX_RECONNECT_DELAY"`
	AuthToken            string        `yaml:"auth_token" env:"AUTH_TOKEN"`
	SendBuffer           int           `yaml:"send_buffer" env:"SEND_BUFFER"`
}

// ExecutorConfig holds the provisioning endpoint
type ExecutorConfig struct {
	Endpoint  string        `yaml:"endpoint" env:"ENDPOINT"`
	AuthToken string        `yaml:"auth_token" env:"AUTH_TOKEN"`
	Timeout   time.Duration `yaml:"timeout" env:"TIMEOUT"`
}

// ArchiveConfig selects where finalized bundles are kept
type ArchiveConfig struct {
	Driver    string        `yaml:"driver" env:"DRIVER"`
	Retention time.Duration `yaml:"retention" env:"RETENTION"`
}

// WorkerConfig holds worker service configuration
type WorkerConfig struct {
	ID              string        `yaml:"id" env:"ID"`
	Concurrency     int           `yaml:"concurrency" env:"CONCURRENCY"`
	ProcessTimeout  time.Duration `yaml:"process_timeout" env:"PROCESS_TIMEOUT"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT"`
}

// Load reads and parses the configuration file, then applies BUNDLER_* environment overrides
func Load(configPath string) (*Config, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := env.ParseWithOptions(&config, env.Options{Prefix: EnvPrefix}); err != nil {
		return nil, fmt.Errorf("failed to apply environment overrides: %w", err)
	}

	return &config, nil
}

// ValidateAPIConfig checks the settings the api-service needs
func (c *Config) ValidateAPIConfig() error {
	if c.Server.Port < MinPort || c.Server.Port > MaxPort {
		return fmt.Errorf("invalid server port: %d (must be between %d and %d)", c.Server.Port, MinPort, MaxPort)
	}

	if err := c.validateOrchestrator(); err != nil {
		return err
	}

	if c.Executor.Endpoint == "" {
		return fmt.Errorf("executor endpoint is required")
	}

	if c.Channel.HeartbeatTimeout <= 0 {
		return fmt.Errorf("channel heartbeat_timeout must be greater than 0")
	}

	switch c.Archive.Driver {
	case "", ArchiveMemory:
	case ArchiveRedis:
		if c.Redis.Addr == "" {
			return fmt.Errorf("redis addr is required for the redis archive")
		}
	case ArchivePostgres:
		if err := c.validateDatabase(); err != nil {
			return err
		}
	default:
		return fmt.Errorf("unknown archive driver %q", c.Archive.Driver)
	}

	if c.RabbitMQ.Enabled {
		if err := c.validateRabbitMQ(); err != nil {
			return err
		}
	}

	return nil
}

// ValidateWorkerConfig checks the settings the worker-service needs
func (c *Config) ValidateWorkerConfig() error {
	if err := c.validateDatabase(); err != nil {
		return err
	}

	if err := c.validateRabbitMQ(); err != nil {
		return err
	}

	if c.RabbitMQ.Queue.Name == "" {
		return fmt.Errorf("rabbitmq queue name is required")
	}

	if dlx := c.RabbitMQ.Queue.DeadLetterExchange; dlx != "" && dlx == c.RabbitMQ.Exchange.Name {
		return fmt.Errorf("rabbitmq dead_letter_exchange must differ from the event exchange")
	}

	if c.Worker.Concurrency <= 0 {
		return fmt.Errorf("worker concurrency must be greater than 0")
	}

	if c.Worker.ProcessTimeout <= 0 {
		return fmt.Errorf("worker process_timeout must be greater than 0")
	}

	if c.Worker.ShutdownTimeout <= 0 {
		return fmt.Errorf("worker shutdown_timeout must be greater than 0")
	}

	return nil
}

func (c *Config) validateOrchestrator() error {
	o := c.Orchestrator
	if o.MaxConcurrent <= 0 {
		return fmt.Errorf("orchestrator max_concurrent must be greater than 0")
	}

	if o.BundleTimeout <= 0 {
		return fmt.Errorf("orchestrator bundle_timeout must be greater than 0")
	}

	if o.DelayBetweenLaunches < 0 {
		return fmt.Errorf("orchestrator delay_between_launches must not be negative")
	}

	if o.Jitter < 0 || o.Jitter >= 1 {
		return fmt.Errorf("orchestrator jitter must be in [0, 1)")
	}

	return nil
}

func (c *Config) validateDatabase() error {
	if c.Database.DSN != "" {
		return nil
	}

	if c.Database.Host == "" {
		return fmt.Errorf("database host is required")
	}

	if c.Database.Port < MinPort || c.Database.Port > MaxPort {
		return fmt.Errorf("invalid database port: %d (must be between %d and %d)", c.Database.Port, MinPort, MaxPort)
	}

	if c.Database.Database == "" {
		return fmt.Errorf("database name is required")
	}

	return nil
}

func (c *Config) validateRabbitMQ() error {
	if c.RabbitMQ.Host == "" {
		return fmt.Errorf("rabbitmq host is required")
	}

	if c.RabbitMQ.Port < MinPort || c.RabbitMQ.Port > MaxPort {
		return fmt.Errorf("invalid rabbitmq port: %d (must be between %d and %d)", c.RabbitMQ.Port, MinPort, MaxPort)
	}

	if c.RabbitMQ.Exchange.Name == "" {
		return fmt.Errorf("rabbitmq exchange name is required")
	}

	return nil
}
