package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	// MinPort is the minimum valid port number
	MinPort = 1
	// MaxPort is the maximum valid port number
	MaxPort = 65535
)

// Supported driver names
const (
	DriverRedis    = "redis"
	DriverRabbitMQ = "rabbitmq"
	DriverMemory   = "memory"
)

// Config represents the complete application configuration
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Redis    RedisConfig    `yaml:"redis"`
	RabbitMQ RabbitMQConfig `yaml:"rabbitmq"`
	Logging  LoggingConfig  `yaml:"logging"`
	App      AppConfig      `yaml:"app"`
	Queue    QueueConfig    `yaml:"queue"`
	Lock     LockConfig     `yaml:"lock"`
	Worker   WorkerConfig   `yaml:"worker"`
	Backend  BackendConfig  `yaml:"backend"`
	Retry    RetryConfig    `yaml:"retry"`
	Delivery DeliveryConfig `yaml:"delivery"`
	Pricing  PricingConfig  `yaml:"pricing"`
	Results  ResultsConfig  `yaml:"results"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// DatabaseConfig holds PostgreSQL connection configuration
type DatabaseConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	User            string        `yaml:"user"`
	Password        string        `yaml:"password"`
	Database        string        `yaml:"database"`
	SSLMode         string        `yaml:"sslmode"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `yaml:"conn_max_idle_time"`
}

// RedisConfig holds Redis connection configuration
type RedisConfig struct {
	URL          string        `yaml:"url"`
	DialTimeout  time.Duration `yaml:"dial_timeout"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	PoolSize     int           `yaml:"pool_size"`
}

// RabbitMQConfig holds RabbitMQ connection settings
type RabbitMQConfig struct {
	Host       string           `yaml:"host"`
	Port       int              `yaml:"port"`
	User       string           `yaml:"user"`
	Password   string           `yaml:"password"`
	VHost      string           `yaml:"vhost"`
	Durable    bool             `yaml:"durable"`
	Connection ConnectionConfig `yaml:"connection"`
	Publish    PublishConfig    `yaml:"publish"`
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
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level        string `yaml:"level"`
	Format       string `yaml:"format"`
	Output       string `yaml:"output"`
	EnableCaller bool   `yaml:"enable_caller"`
}

// AppConfig holds application metadata
type AppConfig struct {
	Name        string `yaml:"name"`
	Version     string `yaml:"version"`
	Environment string `yaml:"environment"`
}

// QueueConfig selects the work queue driver and channel
type QueueConfig struct {
	Driver            string        `yaml:"driver"`
	Channel           string        `yaml:"channel"`
	VisibilityTimeout time.Duration `yaml:"visibility_timeout"`
}

// LockConfig holds execution lock settings
type LockConfig struct {
	Driver        string        `yaml:"driver"`
	Key           string        `yaml:"key"`
	TTL           time.Duration `yaml:"ttl"`
	RetryInterval time.Duration `yaml:"retry_interval"`
}

// WorkerConfig holds worker loop settings
type WorkerConfig struct {
	LockTimeout        time.Duration `yaml:"lock_timeout"`
	IdleBackoffInitial time.Duration `yaml:"idle_backoff_initial"`
	IdleBackoffMax     time.Duration `yaml:"idle_backoff_max"`
	ReconcileInterval  time.Duration `yaml:"reconcile_interval"`
	StaleAfter         time.Duration `yaml:"stale_after"`
	MetricsPort        int           `yaml:"metrics_port"`
	ShutdownTimeout    time.Duration `yaml:"shutdown_timeout"`
}

// BackendConfig holds generation backend settings
type BackendConfig struct {
	BaseURL        string        `yaml:"base_url"`
	Timeout        time.Duration `yaml:"timeout"`
	PollInterval   time.Duration `yaml:"poll_interval"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
	SafetyMargin   time.Duration `yaml:"safety_margin"`
	UnknownGrace   int           `yaml:"unknown_grace"`
	OutputDir      string        `yaml:"output_dir"`
	SingleTemplate string        `yaml:"single_template"`
	DualTemplate   string        `yaml:"dual_template"`
}

// RetryConfig holds the retry budget and advisory delay table
type RetryConfig struct {
	MaxRetries int             `yaml:"max_retries"`
	Delays     []time.Duration `yaml:"delays"`
}

// DeliveryConfig holds user notification settings
type DeliveryConfig struct {
	TelegramToken  string        `yaml:"telegram_token"`
	SuccessCaption string        `yaml:"success_caption"`
	FailureMessage string        `yaml:"failure_message"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
	RefundRetries  int           `yaml:"refund_retries"`
	RefundBackoff  time.Duration `yaml:"refund_backoff"`
}

// PricingConfig holds the credit cost of an edit
type PricingConfig struct {
	EditCost int64 `yaml:"edit_cost"`
}

// ResultsConfig holds the Redis result cache settings. The cache is only
// used when a redis url is configured.
type ResultsConfig struct {
	Prefix string        `yaml:"prefix"`
	TTL    time.Duration `yaml:"ttl"`
}

// Load reads and parses the configuration file. ${VAR} references are
// expanded from the environment before parsing.
func Load(configPath string) (*Config, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	config.ApplyDefaults()

	return &config, nil
}

// ApplyDefaults fills zero values with working defaults
func (c *Config) ApplyDefaults() {
	if c.Queue.Driver == "" {
		c.Queue.Driver = DriverRedis
	}
	if c.Queue.Channel == "" {
		c.Queue.Channel = "edit_jobs"
	}
	if c.Queue.VisibilityTimeout <= 0 {
		c.Queue.VisibilityTimeout = 2 * time.Minute
	}

	if c.Lock.Driver == "" {
		c.Lock.Driver = DriverRedis
	}
	if c.Lock.Key == "" {
		c.Lock.Key = "edit_jobs:gpu_lock"
	}
	if c.Lock.TTL <= 0 {
		c.Lock.TTL = 30 * time.Second
	}
	if c.Lock.RetryInterval <= 0 {
		c.Lock.RetryInterval = 200 * time.Millisecond
	}

	if c.Worker.LockTimeout <= 0 {
		c.Worker.LockTimeout = 10 * time.Second
	}
	if c.Worker.IdleBackoffInitial <= 0 {
		c.Worker.IdleBackoffInitial = 100 * time.Millisecond
	}
	if c.Worker.IdleBackoffMax <= 0 {
		c.Worker.IdleBackoffMax = 2 * time.Second
	}
	if c.Worker.ReconcileInterval <= 0 {
		c.Worker.ReconcileInterval = time.Minute
	}
	if c.Worker.ShutdownTimeout <= 0 {
		c.Worker.ShutdownTimeout = 30 * time.Second
	}

	if c.Backend.Timeout <= 0 {
		c.Backend.Timeout = 5 * time.Minute
	}
	if c.Backend.PollInterval <= 0 {
		c.Backend.PollInterval = 2 * time.Second
	}
	if c.Backend.RequestTimeout <= 0 {
		c.Backend.RequestTimeout = 30 * time.Second
	}
	if c.Backend.SafetyMargin <= 0 {
		c.Backend.SafetyMargin = 30 * time.Second
	}
	if c.Backend.UnknownGrace <= 0 {
		c.Backend.UnknownGrace = 3
	}
	if c.Backend.OutputDir == "" {
		c.Backend.OutputDir = "./output"
	}
	if c.Worker.StaleAfter <= 0 {
		c.Worker.StaleAfter = c.Backend.Timeout + c.Backend.SafetyMargin + time.Minute
	}

	if c.Retry.MaxRetries <= 0 {
		c.Retry.MaxRetries = 3
	}
	if len(c.Retry.Delays) == 0 {
		c.Retry.Delays = []time.Duration{10 * time.Second, 30 * time.Second, 60 * time.Second}
	}

	if c.Delivery.SuccessCaption == "" {
		c.Delivery.SuccessCaption = "Your edit is ready."
	}
	if c.Delivery.FailureMessage == "" {
		c.Delivery.FailureMessage = "Sorry, we could not process your edit. The credits have been returned to your balance."
	}
	if c.Delivery.RequestTimeout <= 0 {
		c.Delivery.RequestTimeout = 30 * time.Second
	}
	if c.Delivery.RefundRetries <= 0 {
		c.Delivery.RefundRetries = 4
	}
	if c.Delivery.RefundBackoff <= 0 {
		c.Delivery.RefundBackoff = 250 * time.Millisecond
	}

	if c.Results.Prefix == "" {
		c.Results.Prefix = "edit_results"
	}
	if c.Results.TTL <= 0 {
		c.Results.TTL = 7 * 24 * time.Hour
	}
}

// JobDeadline is the hard wall-clock ceiling for one backend execution
func (c *Config) JobDeadline() time.Duration {
	return c.Backend.Timeout + c.Backend.SafetyMargin
}

// ValidateAPIConfig checks the settings the api-service needs
func (c *Config) ValidateAPIConfig() error {
	if c.Server.Port < MinPort || c.Server.Port > MaxPort {
		return fmt.Errorf("invalid server port: %d (must be between %d and %d)", c.Server.Port, MinPort, MaxPort)
	}

	if err := c.validateStores(); err != nil {
		return err
	}

	// the api runs in its own process; workers never see its memory
	if c.Queue.Driver == DriverMemory {
		return fmt.Errorf("queue driver %q is in-process and cannot be shared with workers", DriverMemory)
	}
	if c.Lock.Driver == DriverMemory {
		return fmt.Errorf("lock driver %q is in-process and cannot report the workers' lock", DriverMemory)
	}

	if c.Pricing.EditCost < 0 {
		return fmt.Errorf("pricing edit_cost must not be negative")
	}

	return nil
}

// ValidateWorkerConfig checks the settings the worker-service needs
func (c *Config) ValidateWorkerConfig() error {
	if err := c.validateStores(); err != nil {
		return err
	}

	// a shared queue may feed several worker processes, which only a
	// shared lock can serialize
	if c.Lock.Driver == DriverMemory && c.Queue.Driver != DriverMemory {
		return fmt.Errorf("lock driver %q requires queue driver %q", DriverMemory, DriverMemory)
	}

	if c.Backend.BaseURL == "" {
		return fmt.Errorf("backend base_url is required")
	}

	if c.Backend.PollInterval >= c.Backend.Timeout {
		return fmt.Errorf("backend poll_interval must be shorter than backend timeout")
	}

	if c.Worker.IdleBackoffInitial > c.Worker.IdleBackoffMax {
		return fmt.Errorf("worker idle_backoff_initial must not exceed idle_backoff_max")
	}

	if c.Lock.TTL <= c.Lock.RetryInterval {
		return fmt.Errorf("lock ttl must be longer than lock retry_interval")
	}

	if c.Worker.MetricsPort != 0 && (c.Worker.MetricsPort < MinPort || c.Worker.MetricsPort > MaxPort) {
		return fmt.Errorf("invalid worker metrics port: %d (must be between %d and %d)", c.Worker.MetricsPort, MinPort, MaxPort)
	}

	for i, d := range c.Retry.Delays {
		if d < 0 {
			return fmt.Errorf("retry delay %d must not be negative", i)
		}
	}

	return nil
}

func (c *Config) validateStores() error {
	if c.Database.Host == "" {
		return fmt.Errorf("database host is required")
	}

	if c.Database.Port < MinPort || c.Database.Port > MaxPort {
		return fmt.Errorf("invalid database port: %d (must be between %d and %d)", c.Database.Port, MinPort, MaxPort)
	}

	if c.Database.Database == "" {
		return fmt.Errorf("database name is required")
	}

	switch c.Queue.Driver {
	case DriverRedis, DriverMemory:
	case DriverRabbitMQ:
		if c.RabbitMQ.Host == "" {
			return fmt.Errorf("rabbitmq host is required")
		}
		if c.RabbitMQ.Port < MinPort || c.RabbitMQ.Port > MaxPort {
			return fmt.Errorf("invalid rabbitmq port: %d (must be between %d and %d)", c.RabbitMQ.Port, MinPort, MaxPort)
		}
	default:
		return fmt.Errorf("unknown queue driver: %q", c.Queue.Driver)
	}

	switch c.Lock.Driver {
	case DriverRedis, DriverMemory:
	default:
		return fmt.Errorf("unknown lock driver: %q", c.Lock.Driver)
	}

	if c.NeedsRedis() && c.Redis.URL == "" {
		return fmt.Errorf("redis url is required")
	}

	if c.Queue.Channel == "" {
		return fmt.Errorf("queue channel is required")
	}

	return nil
}

// NeedsRedis reports whether any configured component runs on Redis
func (c *Config) NeedsRedis() bool {
	return c.Queue.Driver == DriverRedis || c.Lock.Driver == DriverRedis
}
