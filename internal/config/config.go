package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the main configuration structure
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	API         APIConfig         `yaml:"api"`
	SMTP        SMTPConfig        `yaml:"smtp"`
	Storage     StorageConfig     `yaml:"storage"`
	Redis       RedisConfig       `yaml:"redis"`
	Queue       QueueConfig       `yaml:"queue"`
	Tracking    TrackingConfig    `yaml:"tracking"`
	Webhook     WebhookConfig     `yaml:"webhook"`
	Suppression SuppressionConfig `yaml:"suppression"`
	DKIM        map[string]DKIMConfig `yaml:"dkim"` // keyed by sender domain
	Metrics     MetricsConfig     `yaml:"metrics"`
	Logging     LoggingConfig     `yaml:"logging"`
}

// ServerConfig contains server identity settings
type ServerConfig struct {
	Hostname string `yaml:"hostname"`
}

// APIConfig contains HTTP API settings
type APIConfig struct {
	ListenAddr string `yaml:"listen_addr"`
}

// SMTPConfig contains outbound SMTP relay settings
type SMTPConfig struct {
	Host        string        `yaml:"host"`
	Port        int           `yaml:"port"`
	Username    string        `yaml:"username"`
	Password    string        `yaml:"password"`
	TLS         bool          `yaml:"tls"`          // implicit TLS; otherwise opportunistic STARTTLS
	PoolSize    int           `yaml:"pool_size"`
	Timeout     time.Duration `yaml:"timeout"`
	MaxAttempts int           `yaml:"max_attempts"`
	ConnMaxAge  time.Duration `yaml:"conn_max_age"` // idle connections older than this are discarded
}

// StorageConfig contains persistence settings
type StorageConfig struct {
	Path string `yaml:"path"`
}

// RedisConfig contains settings for the webhook retry schedule store.
// An empty addr falls back to the in-process timer queue.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// QueueConfig contains delivery queue processing settings
type QueueConfig struct {
	Workers         int           `yaml:"workers"`
	ProcessInterval time.Duration `yaml:"process_interval"`
	RequeueGrace    time.Duration `yaml:"requeue_grace"` // queued messages older than this are resubmitted on startup
}

// TrackingConfig contains open/click tracking settings
type TrackingConfig struct {
	BaseURL     string `yaml:"base_url"`   // public base URL of the tracking endpoints
	PixelPath   string `yaml:"pixel_path"`
	ClickPath   string `yaml:"click_path"`
	OpenByDefault  bool `yaml:"open_by_default"`
	ClickByDefault bool `yaml:"click_by_default"`
	FallbackURL string `yaml:"fallback_url"` // redirect target when a click token cannot be decoded
}

// WebhookConfig contains webhook dispatch settings
type WebhookConfig struct {
	Workers       int           `yaml:"workers"`
	Timeout       time.Duration `yaml:"timeout"`
	MaxAttempts   int           `yaml:"max_attempts"`
	MaxInterval   time.Duration `yaml:"max_interval"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

// SuppressionConfig contains suppression expiry settings
type SuppressionConfig struct {
	SoftBounceTTL   time.Duration `yaml:"soft_bounce_ttl"`
	CleanupInterval time.Duration `yaml:"cleanup_interval"`
}

// DKIMConfig contains DKIM signing settings for one sender domain
type DKIMConfig struct {
	Selector string `yaml:"selector"`
	KeyFile  string `yaml:"key_file"`
}

// MetricsConfig contains Prometheus metrics settings
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
}

// LoggingConfig contains logging settings
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text or json
}

// Load reads and validates configuration from a YAML file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// applyDefaults fills in default values for unset fields
func (c *Config) applyDefaults() {
	if c.Server.Hostname == "" {
		c.Server.Hostname, _ = os.Hostname()
	}
	if c.API.ListenAddr == "" {
		c.API.ListenAddr = ":8080"
	}
	if c.SMTP.Port == 0 {
		c.SMTP.Port = 587
	}
	if c.SMTP.PoolSize <= 0 {
		c.SMTP.PoolSize = 5
	}
	if c.SMTP.Timeout <= 0 {
		c.SMTP.Timeout = 30 * time.Second
	}
	if c.SMTP.MaxAttempts <= 0 {
		c.SMTP.MaxAttempts = 3
	}
	if c.SMTP.ConnMaxAge <= 0 {
		c.SMTP.ConnMaxAge = 5 * time.Minute
	}
	if c.Storage.Path == "" {
		c.Storage.Path = "/var/lib/courierd/courierd.db"
	}
	if c.Queue.Workers <= 0 {
		c.Queue.Workers = 4
	}
	if c.Queue.ProcessInterval <= 0 {
		c.Queue.ProcessInterval = time.Second
	}
	if c.Queue.RequeueGrace <= 0 {
		c.Queue.RequeueGrace = 2 * time.Minute
	}
	if c.Tracking.PixelPath == "" {
		c.Tracking.PixelPath = "/t/o"
	}
	if c.Tracking.ClickPath == "" {
		c.Tracking.ClickPath = "/t/c"
	}
	if c.Webhook.Workers <= 0 {
		c.Webhook.Workers = 4
	}
	if c.Webhook.Timeout <= 0 {
		c.Webhook.Timeout = 10 * time.Second
	}
	if c.Webhook.MaxAttempts <= 0 {
		c.Webhook.MaxAttempts = 5
	}
	if c.Webhook.MaxInterval <= 0 {
		c.Webhook.MaxInterval = time.Hour
	}
	if c.Webhook.SweepInterval <= 0 {
		c.Webhook.SweepInterval = 30 * time.Second
	}
	if c.Suppression.SoftBounceTTL <= 0 {
		c.Suppression.SoftBounceTTL = 7 * 24 * time.Hour
	}
	if c.Suppression.CleanupInterval <= 0 {
		c.Suppression.CleanupInterval = time.Hour
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
}

// Validate checks the configuration for errors
func (c *Config) Validate() error {
	if c.SMTP.Host == "" {
		return fmt.Errorf("smtp.host is required")
	}
	if c.SMTP.Port < 1 || c.SMTP.Port > 65535 {
		return fmt.Errorf("smtp.port must be between 1 and 65535")
	}
	if c.Tracking.BaseURL == "" {
		return fmt.Errorf("tracking.base_url is required")
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level must be one of: debug, info, warn, error")
	}
	switch c.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("logging.format must be text or json")
	}
	for domain, d := range c.DKIM {
		if d.Selector == "" {
			return fmt.Errorf("dkim.%s.selector is required", domain)
		}
		if d.KeyFile == "" {
			return fmt.Errorf("dkim.%s.key_file is required", domain)
		}
	}
	return nil
}
