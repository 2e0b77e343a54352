package config

import (
	"fmt"
	"os"
	"slices"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	// MinPort is the minimum valid port number
	MinPort = 1
	// MaxPort is the maximum valid port number
	MaxPort = 65535
)

// Storage backends
const (
	StorageFilesystem = "filesystem"
	StorageS3         = "s3"
)

// Config represents the complete application configuration
type Config struct {
	App       AppConfig       `yaml:"app"`
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	RabbitMQ  RabbitMQConfig  `yaml:"rabbitmq"`
	Logging   LoggingConfig   `yaml:"logging"`
	Worker    WorkerConfig    `yaml:"worker"`
	Pipeline  PipelineConfig  `yaml:"pipeline"`
	Providers ProvidersConfig `yaml:"providers"`
	Storage   StorageConfig   `yaml:"storage"`
	Auth      AuthConfig      `yaml:"auth"`
}

// AppConfig holds application metadata
type AppConfig struct {
	Name        string `yaml:"name"`
	Version     string `yaml:"version"`
	Environment string `yaml:"environment"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port              int           `yaml:"port"`
	ReadTimeout       time.Duration `yaml:"read_timeout"`
	WriteTimeout      time.Duration `yaml:"write_timeout"`
	IdleTimeout       time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout   time.Duration `yaml:"shutdown_timeout"`
	EventPollInterval time.Duration `yaml:"event_poll_interval"`
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
	MigrationsDir   string        `yaml:"migrations_dir"`
}

// RabbitMQConfig holds RabbitMQ connection and exchange/queue configuration
type RabbitMQConfig struct {
	Host       string           `yaml:"host"`
	Port       int              `yaml:"port"`
	User       string           `yaml:"user"`
	Password   string           `yaml:"password"`
	VHost      string           `yaml:"vhost"`
	Exchange   ExchangeConfig   `yaml:"exchange"`
	Queue      QueueConfig      `yaml:"queue"`
	RoutingKey string           `yaml:"routing_key"`
	Connection ConnectionConfig `yaml:"connection"`
	Publish    PublishConfig    `yaml:"publish"`
	Consumer   ConsumerConfig   `yaml:"consumer"`
}

// ExchangeConfig holds RabbitMQ exchange configuration
type ExchangeConfig struct {
	Name       string `yaml:"name"`
	Type       string `yaml:"type"`
	Durable    bool   `yaml:"durable"`
	AutoDelete bool   `yaml:"auto_delete"`
}

// QueueConfig holds RabbitMQ queue configuration
type QueueConfig struct {
	Name               string `yaml:"name"`
	Durable            bool   `yaml:"durable"`
	AutoDelete         bool   `yaml:"auto_delete"`
	Exclusive          bool   `yaml:"exclusive"`
	DeadLetterExchange string `yaml:"dead_letter_exchange"`
}

// ConnectionConfig holds RabbitMQ connection settings
type ConnectionConfig struct {
	RetryAttempts int           `yaml:"retry_attempts"`
	RetryInterval time.Duration `yaml:"retry_interval"`
	Heartbeat     time.Duration `yaml:"heartbeat"`
}

// PublishConfig holds RabbitMQ publish retry settings
type PublishConfig struct {
	RetryAttempts     int           `yaml:"retry_attempts"`
	RetryInterval     time.Duration `yaml:"retry_interval"`
	BackoffMultiplier float64       `yaml:"backoff_multiplier"`
}

// ConsumerConfig holds RabbitMQ consumer settings
type ConsumerConfig struct {
	PrefetchCount int `yaml:"prefetch_count"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level        string `yaml:"level"`
	Format       string `yaml:"format"`
	Output       string `yaml:"output"`
	EnableCaller bool   `yaml:"enable_caller"`
	NoColor      bool   `yaml:"no_color"`
}

// WorkerConfig holds worker service configuration
type WorkerConfig struct {
	ID                  string        `yaml:"id"`
	Concurrency         int           `yaml:"concurrency"`
	PollInterval        time.Duration `yaml:"poll_interval"`
	HeartbeatInterval   time.Duration `yaml:"heartbeat_interval"`
	JobTimeout          time.Duration `yaml:"job_timeout"`
	StaleAfter          time.Duration `yaml:"stale_after"`
	ReclaimInterval     time.Duration `yaml:"reclaim_interval"`
	UnhealthyThreshold  int           `yaml:"unhealthy_threshold"`
	HealthProbeInterval time.Duration `yaml:"health_probe_interval"`
	UploadConcurrency   int           `yaml:"upload_concurrency"`
	ShutdownTimeout     time.Duration `yaml:"shutdown_timeout"`
	HealthPort          int           `yaml:"health_port"`
}

// PipelineConfig holds the admission and retry policy shared by both services
type PipelineConfig struct {
	MinVariants        int           `yaml:"min_variants"`
	MaxVariants        int           `yaml:"max_variants"`
	AspectRatios       []string      `yaml:"aspect_ratios"`
	DefaultAspectRatio string        `yaml:"default_aspect_ratio"`
	CostPerVariant     int           `yaml:"cost_per_variant"`
	MaxAttempts        int           `yaml:"max_attempts"`
	RetryBaseDelay     time.Duration `yaml:"retry_base_delay"`
	RetryMaxDelay      time.Duration `yaml:"retry_max_delay"`
	PerOwnerLimit      int           `yaml:"per_owner_limit"`
	Providers          []string      `yaml:"providers"`
}

// ProvidersConfig holds image provider credentials. A provider is enabled
// when its API key is set.
type ProvidersConfig struct {
	Default   string          `yaml:"default"`
	Gemini    GeminiConfig    `yaml:"gemini"`
	DashScope DashScopeConfig `yaml:"dashscope"`
}

// GeminiConfig holds Google Gemini settings
type GeminiConfig struct {
	APIKey string `yaml:"api_key"`
	Model  string `yaml:"model"`
}

// DashScopeConfig holds Alibaba DashScope settings
type DashScopeConfig struct {
	APIKey  string        `yaml:"api_key"`
	BaseURL string        `yaml:"base_url"`
	Model   string        `yaml:"model"`
	Timeout time.Duration `yaml:"timeout"`
}

// Enabled lists configured providers in a stable order.
func (p ProvidersConfig) Enabled() []string {
	var names []string
	if p.Gemini.APIKey != "" {
		names = append(names, "gemini")
	}
	if p.DashScope.APIKey != "" {
		names = append(names, "dashscope")
	}
	return names
}

// StorageConfig selects where generated images are written
type StorageConfig struct {
	Backend    string           `yaml:"backend"`
	Filesystem FilesystemConfig `yaml:"filesystem"`
	S3         S3Config         `yaml:"s3"`
}

// FilesystemConfig holds local disk storage settings
type FilesystemConfig struct {
	BasePath      string `yaml:"base_path"`
	PublicBaseURL string `yaml:"public_base_url"`
}

// S3Config holds S3 storage settings
type S3Config struct {
	Bucket        string `yaml:"bucket"`
	Region        string `yaml:"region"`
	Prefix        string `yaml:"prefix"`
	PublicBaseURL string `yaml:"public_base_url"`
}

// AuthConfig holds API authentication settings
type AuthConfig struct {
	JWTSecret      string   `yaml:"jwt_secret"`
	AllowedOrigins []string `yaml:"allowed_origins"`
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

// ApplyDefaults fills every unset tunable.
func (c *Config) ApplyDefaults() {
	if c.Server.ShutdownTimeout <= 0 {
		c.Server.ShutdownTimeout = 15 * time.Second
	}
	if c.Server.EventPollInterval <= 0 {
		c.Server.EventPollInterval = time.Second
	}
	if c.Database.SSLMode == "" {
		c.Database.SSLMode = "disable"
	}
	if c.RabbitMQ.Exchange.Type == "" {
		c.RabbitMQ.Exchange.Type = "direct"
	}

	p := &c.Pipeline
	if p.MinVariants <= 0 {
		p.MinVariants = 1
	}
	if p.MaxVariants <= 0 {
		p.MaxVariants = 4
	}
	if len(p.AspectRatios) == 0 {
		p.AspectRatios = []string{"1:1", "4:5", "9:16", "16:9", "3:4", "4:3"}
	}
	if p.DefaultAspectRatio == "" {
		p.DefaultAspectRatio = p.AspectRatios[0]
	}
	if p.CostPerVariant < 0 {
		p.CostPerVariant = 0
	}
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 3
	}
	if p.RetryBaseDelay <= 0 {
		p.RetryBaseDelay = 2 * time.Second
	}
	if p.RetryMaxDelay <= 0 {
		p.RetryMaxDelay = 30 * time.Second
	}
	if p.PerOwnerLimit <= 0 {
		p.PerOwnerLimit = 2
	}
	if len(p.Providers) == 0 {
		p.Providers = []string{"gemini", "dashscope"}
	}

	w := &c.Worker
	if w.Concurrency <= 0 {
		w.Concurrency = 4
	}
	if w.PollInterval <= 0 {
		w.PollInterval = 2 * time.Second
	}
	if w.HeartbeatInterval <= 0 {
		w.HeartbeatInterval = 10 * time.Second
	}
	if w.JobTimeout <= 0 {
		w.JobTimeout = 5 * time.Minute
	}
	if w.StaleAfter <= 0 {
		w.StaleAfter = 6 * w.HeartbeatInterval
	}
	if w.ReclaimInterval <= 0 {
		w.ReclaimInterval = w.StaleAfter / 2
	}
	if w.ShutdownTimeout <= 0 {
		w.ShutdownTimeout = 30 * time.Second
	}

	if c.Storage.Backend == "" {
		c.Storage.Backend = StorageFilesystem
	}
	if c.Providers.Default == "" {
		if enabled := c.Providers.Enabled(); len(enabled) > 0 {
			c.Providers.Default = enabled[0]
		}
	}
}

// Validate checks the sections shared by both services
func (c *Config) Validate() error {
	if c.Database.Host == "" {
		return fmt.Errorf("database host is required")
	}

	if c.Database.Port < MinPort || c.Database.Port > MaxPort {
		return fmt.Errorf("invalid database port: %d (must be between %d and %d)", c.Database.Port, MinPort, MaxPort)
	}

	if c.Database.Database == "" {
		return fmt.Errorf("database name is required")
	}

	if c.RabbitMQ.Host == "" {
		return fmt.Errorf("rabbitmq host is required")
	}

	if c.RabbitMQ.Port < MinPort || c.RabbitMQ.Port > MaxPort {
		return fmt.Errorf("invalid rabbitmq port: %d (must be between %d and %d)", c.RabbitMQ.Port, MinPort, MaxPort)
	}

	if c.RabbitMQ.Exchange.Name == "" {
		return fmt.Errorf("rabbitmq exchange name is required")
	}

	if c.RabbitMQ.Queue.Name == "" {
		return fmt.Errorf("rabbitmq queue name is required")
	}

	p := c.Pipeline
	if p.MinVariants > p.MaxVariants {
		return fmt.Errorf("pipeline min_variants (%d) exceeds max_variants (%d)", p.MinVariants, p.MaxVariants)
	}

	if !slices.Contains(p.AspectRatios, p.DefaultAspectRatio) {
		return fmt.Errorf("pipeline default_aspect_ratio %q is not in aspect_ratios", p.DefaultAspectRatio)
	}

	if p.RetryBaseDelay > p.RetryMaxDelay {
		return fmt.Errorf("pipeline retry_base_delay exceeds retry_max_delay")
	}

	return nil
}

// ValidateAPIConfig checks the configuration needed by the api service
func (c *Config) ValidateAPIConfig() error {
	if err := c.Validate(); err != nil {
		return err
	}

	if c.Server.Port < MinPort || c.Server.Port > MaxPort {
		return fmt.Errorf("invalid server port: %d (must be between %d and %d)", c.Server.Port, MinPort, MaxPort)
	}

	if secret := c.Auth.JWTSecret; secret != "" && len(secret) < 16 {
		return fmt.Errorf("auth jwt_secret must be at least 16 characters")
	}

	return nil
}

// ValidateWorkerConfig checks the configuration needed by the worker service
func (c *Config) ValidateWorkerConfig() error {
	if err := c.Validate(); err != nil {
		return err
	}

	if c.Worker.HeartbeatInterval >= c.Worker.StaleAfter {
		return fmt.Errorf("worker heartbeat_interval must be shorter than stale_after")
	}

	if c.Worker.HealthPort != 0 && (c.Worker.HealthPort < MinPort || c.Worker.HealthPort > MaxPort) {
		return fmt.Errorf("invalid worker health port: %d", c.Worker.HealthPort)
	}

	enabled := c.Providers.Enabled()
	if len(enabled) == 0 {
		return fmt.Errorf("at least one provider api_key is required")
	}

	if !slices.Contains(enabled, c.Providers.Default) {
		return fmt.Errorf("default provider %q is not configured (enabled: %s)", c.Providers.Default, strings.Join(enabled, ", "))
	}

	switch c.Storage.Backend {
	case StorageFilesystem:
		if c.Storage.Filesystem.BasePath == "" {
			return fmt.Errorf("storage filesystem base_path is required")
		}
	case StorageS3:
		if c.Storage.S3.Bucket == "" {
			return fmt.Errorf("storage s3 bucket is required")
		}
	default:
		return fmt.Errorf("unknown storage backend: %q", c.Storage.Backend)
	}

	return nil
}
