package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"herald/internal/infra/logging"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Dispatch modes.
const (
	ModeLive    = "live"
	ModeSandbox = "sandbox"
)

// Queue backends.
const (
	QueueAsynq = "asynq"
	QueueLocal = "local"
)

// Store drivers.
const (
	StoreMemory   = "memory"
	StorePostgres = "postgres"
	StoreSQLite   = "sqlite"
	StoreSupabase = "supabase"
)

// Config holds all application configuration.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Auth      AuthConfig      `mapstructure:"auth"`
	CORS      CORSConfig      `mapstructure:"cors"`
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Queue     QueueConfig     `mapstructure:"queue"`
	Reaper    ReaperConfig    `mapstructure:"reaper"`
	Store     StoreConfig     `mapstructure:"store"`
	Supabase  SupabaseConfig  `mapstructure:"supabase"`
	Email     EmailConfig     `mapstructure:"email"`
	Slack     SlackConfig     `mapstructure:"slack"`
	SMS       SMSConfig       `mapstructure:"sms"`
	Push      PushConfig      `mapstructure:"push"`
	Webhook   WebhookConfig   `mapstructure:"webhook"`
	InApp     InAppConfig     `mapstructure:"in_app"`
	Kafka     KafkaConfig     `mapstructure:"kafka"`
	Archive   ArchiveConfig   `mapstructure:"archive"`
	Logging   logging.Config  `mapstructure:"logging"`
	Dispatch  DispatchConfig  `mapstructure:"dispatch"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	Mode            string        `mapstructure:"mode"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// AuthConfig holds API key authentication settings.
type AuthConfig struct {
	APIKeys []string `mapstructure:"api_keys"`
}

// CORSConfig holds CORS policy settings.
type CORSConfig struct {
	AllowedOrigins []string `mapstructure:"allowed_origins"`
	AllowedMethods []string `mapstructure:"allowed_methods"`
	AllowedHeaders []string `mapstructure:"allowed_headers"`
}

// RateLimitConfig holds per-IP request limiting.
type RateLimitConfig struct {
	RequestsPerSecond float64 `mapstructure:"requests_per_second"`
	Burst             int     `mapstructure:"burst"`
}

// RedisConfig holds Redis connection settings.
type RedisConfig struct {
	Address  string `mapstructure:"address"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// QueueConfig selects where deferred attempts wait. The local backend keeps
// them on in-process timers and needs no Redis. MetricsPort serves /metrics
// from the worker process; 0 disables it.
type QueueConfig struct {
	Backend     string `mapstructure:"backend"`
	Concurrency int    `mapstructure:"concurrency"`
	MetricsPort int    `mapstructure:"metrics_port"`
}

// ReaperConfig holds stale record reaper settings.
type ReaperConfig struct {
	Enabled        bool          `mapstructure:"enabled"`
	Interval       time.Duration `mapstructure:"interval"`
	StaleThreshold time.Duration `mapstructure:"stale_threshold"`
	BatchSize      int           `mapstructure:"batch_size"`
}

// StoreConfig selects the record and template store.
type StoreConfig struct {
	Driver      string `mapstructure:"driver"`
	DSN         string `mapstructure:"dsn"`
	MaxConns    int    `mapstructure:"max_conns"`
	AutoMigrate bool   `mapstructure:"auto_migrate"`
}

// SupabaseConfig holds Supabase project settings.
type SupabaseConfig struct {
	URL        string `mapstructure:"url"`
	ServiceKey string `mapstructure:"service_key"`
}

// EmailConfig holds Resend settings.
type EmailConfig struct {
	APIKey      string `mapstructure:"api_key"`
	FromAddress string `mapstructure:"from_address"`
	FromName    string `mapstructure:"from_name"`
	BaseURL     string `mapstructure:"base_url"`
}

// SlackConfig holds the default incoming webhook.
type SlackConfig struct {
	WebhookURL string `mapstructure:"webhook_url"`
	Username   string `mapstructure:"username"`
	IconEmoji  string `mapstructure:"icon_emoji"`
}

// AWSConfig is shared by SNS and S3.
type AWSConfig struct {
	Region    string `mapstructure:"region"`
	Endpoint  string `mapstructure:"endpoint"`
	AccessKey string `mapstructure:"access_key"`
	SecretKey string `mapstructure:"secret_key"`
	UseSSL    bool   `mapstructure:"use_ssl"`
}

// SMSConfig holds SNS settings. SMS is disabled without a region.
type SMSConfig struct {
	AWS      AWSConfig `mapstructure:"aws"`
	SenderID string    `mapstructure:"sender_id"`
}

// PushConfig holds FCM settings. Push is disabled without a project id.
type PushConfig struct {
	ProjectID       string `mapstructure:"project_id"`
	CredentialsFile string `mapstructure:"credentials_file"`
}

// WebhookConfig holds outbound webhook signing.
type WebhookConfig struct {
	SigningSecret string `mapstructure:"signing_secret"`
}

// InAppConfig holds websocket settings.
type InAppConfig struct {
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

// KafkaConfig holds the lifecycle event stream. No brokers disables it.
type KafkaConfig struct {
	Brokers  []string `mapstructure:"brokers"`
	Topic    string   `mapstructure:"topic"`
	ClientID string   `mapstructure:"client_id"`
}

// ArchiveConfig holds the purge archive. No bucket disables it.
type ArchiveConfig struct {
	Bucket string    `mapstructure:"bucket"`
	Prefix string    `mapstructure:"prefix"`
	AWS    AWSConfig `mapstructure:"aws"`
}

// ThrottleConfig caps calls to one provider.
type ThrottleConfig struct {
	PerSecond float64 `mapstructure:"per_second"`
	Burst     int     `mapstructure:"burst"`
}

// RecipientLimitConfig caps notifications per recipient over a window.
type RecipientLimitConfig struct {
	Limit  int           `mapstructure:"limit"`
	Window time.Duration `mapstructure:"window"`
}

// DispatchConfig holds delivery behaviour.
type DispatchConfig struct {
	Mode           string                    `mapstructure:"mode"`
	SendTimeout    time.Duration             `mapstructure:"send_timeout"`
	MaxRetries     int                       `mapstructure:"max_retries"`
	MaxParallel    int                       `mapstructure:"max_parallel"`
	SMSMaxLength   int                       `mapstructure:"sms_max_length"`
	SMSOverflow    string                    `mapstructure:"sms_overflow"`
	BulkMaxSize    int                       `mapstructure:"bulk_max_recipients"`
	BulkParallel   int                       `mapstructure:"bulk_max_parallel"`
	UnitCosts      map[string]float64        `mapstructure:"unit_costs"`
	Throttle       map[string]ThrottleConfig `mapstructure:"throttle"`
	RecipientLimit RecipientLimitConfig      `mapstructure:"recipient_limit"`
	TemplatesDir   string                    `mapstructure:"templates_dir"`
}

// Load reads configuration from a YAML file and environment variables.
// Environment variables use the HERALD_ prefix and underscore separators.
// Example: HERALD_SERVER_PORT overrides server.port in config.yaml.
// An empty path searches ./config.yaml and ./config/config.yaml.
func Load(path string) (*Config, error) {
	v := viper.New()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
	}

	_ = godotenv.Load()

	v.SetEnvPrefix("HERALD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	// Comma-separated lists from env vars arrive as one element.
	cfg.Auth.APIKeys = splitList(cfg.Auth.APIKeys)
	cfg.CORS.AllowedOrigins = splitList(cfg.CORS.AllowedOrigins)
	cfg.InApp.AllowedOrigins = splitList(cfg.InApp.AllowedOrigins)
	cfg.Kafka.Brokers = splitList(cfg.Kafka.Brokers)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8081)
	v.SetDefault("server.mode", "release")
	v.SetDefault("server.shutdown_timeout", 10*time.Second)
	v.SetDefault("auth.api_keys", []string{})
	v.SetDefault("cors.allowed_origins", []string{"*"})
	v.SetDefault("cors.allowed_methods", []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"})
	v.SetDefault("cors.allowed_headers", []string{"Origin", "Content-Type", "X-API-Key", "X-Request-ID"})
	v.SetDefault("rate_limit.requests_per_second", 10)
	v.SetDefault("rate_limit.burst", 20)
	v.SetDefault("redis.address", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("queue.backend", QueueAsynq)
	v.SetDefault("queue.concurrency", 10)
	v.SetDefault("queue.metrics_port", 9091)
	v.SetDefault("reaper.enabled", true)
	v.SetDefault("reaper.interval", 5*time.Minute)
	v.SetDefault("reaper.stale_threshold", 10*time.Minute)
	v.SetDefault("reaper.batch_size", 50)
	v.SetDefault("store.driver", StoreMemory)
	v.SetDefault("store.dsn", "")
	v.SetDefault("store.max_conns", 10)
	v.SetDefault("store.auto_migrate", true)
	v.SetDefault("supabase.url", "")
	v.SetDefault("supabase.service_key", "")
	v.SetDefault("email.api_key", "")
	v.SetDefault("email.from_address", "")
	v.SetDefault("email.from_name", "Herald")
	v.SetDefault("email.base_url", "")
	v.SetDefault("slack.webhook_url", "")
	v.SetDefault("slack.username", "herald")
	v.SetDefault("slack.icon_emoji", "")
	v.SetDefault("sms.aws.region", "")
	v.SetDefault("sms.aws.endpoint", "")
	v.SetDefault("sms.aws.access_key", "")
	v.SetDefault("sms.aws.secret_key", "")
	v.SetDefault("sms.sender_id", "")
	v.SetDefault("push.project_id", "")
	v.SetDefault("push.credentials_file", "")
	v.SetDefault("webhook.signing_secret", "")
	v.SetDefault("in_app.allowed_origins", []string{})
	v.SetDefault("kafka.brokers", []string{})
	v.SetDefault("kafka.topic", "herald.notifications")
	v.SetDefault("kafka.client_id", "herald")
	v.SetDefault("archive.bucket", "")
	v.SetDefault("archive.prefix", "notifications")
	v.SetDefault("archive.aws.region", "")
	v.SetDefault("archive.aws.endpoint", "")
	v.SetDefault("archive.aws.access_key", "")
	v.SetDefault("archive.aws.secret_key", "")
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.file", "")
	v.SetDefault("logging.max_size_mb", 100)
	v.SetDefault("logging.max_backups", 5)
	v.SetDefault("logging.max_age_days", 28)
	v.SetDefault("logging.compress", true)
	v.SetDefault("dispatch.mode", ModeLive)
	v.SetDefault("dispatch.send_timeout", 10*time.Second)
	v.SetDefault("dispatch.max_retries", 3)
	v.SetDefault("dispatch.max_parallel", 6)
	v.SetDefault("dispatch.sms_max_length", 160)
	v.SetDefault("dispatch.sms_overflow", "truncate")
	v.SetDefault("dispatch.bulk_max_recipients", 1000)
	v.SetDefault("dispatch.bulk_max_parallel", 16)
	v.SetDefault("dispatch.recipient_limit.limit", 0)
	v.SetDefault("dispatch.recipient_limit.window", time.Hour)
	v.SetDefault("dispatch.templates_dir", "")
}

// Validate rejects settings the process cannot start with.
func (c *Config) Validate() error {
	switch c.Dispatch.Mode {
	case ModeLive, ModeSandbox:
	default:
		return fmt.Errorf("dispatch.mode must be %q or %q, got %q", ModeLive, ModeSandbox, c.Dispatch.Mode)
	}

	switch c.Queue.Backend {
	case QueueAsynq, QueueLocal:
	default:
		return fmt.Errorf("queue.backend must be %q or %q, got %q", QueueAsynq, QueueLocal, c.Queue.Backend)
	}

	switch c.Store.Driver {
	case StoreMemory:
	case StorePostgres, StoreSQLite:
		if c.Store.DSN == "" {
			return fmt.Errorf("store.dsn is required for the %s driver", c.Store.Driver)
		}
	case StoreSupabase:
		if c.Supabase.URL == "" || c.Supabase.ServiceKey == "" {
			return errors.New("supabase.url and supabase.service_key are required for the supabase driver")
		}
	default:
		return fmt.Errorf("unsupported store.driver: %q", c.Store.Driver)
	}

	switch c.Dispatch.SMSOverflow {
	case "truncate", "reject":
	default:
		return fmt.Errorf("dispatch.sms_overflow must be truncate or reject, got %q", c.Dispatch.SMSOverflow)
	}

	if c.Dispatch.MaxRetries < 1 || c.Dispatch.MaxRetries > 10 {
		return fmt.Errorf("dispatch.max_retries must be between 1 and 10, got %d", c.Dispatch.MaxRetries)
	}
	if c.Dispatch.SendTimeout <= 0 {
		return errors.New("dispatch.send_timeout must be positive")
	}
	if c.Archive.Bucket != "" && c.Archive.AWS.Region == "" {
		return errors.New("archive.aws.region is required when archive.bucket is set")
	}
	return nil
}

// Sandbox reports whether providers are replaced by recording senders.
func (c *Config) Sandbox() bool {
	return c.Dispatch.Mode == ModeSandbox
}

func splitList(in []string) []string {
	var out []string
	for _, item := range in {
		for _, part := range strings.Split(item, ",") {
			if p := strings.TrimSpace(part); p != "" {
				out = append(out, p)
			}
		}
	}
	return out
}
