// Package config provides configuration management for the engine.
//
// Configuration is loaded from YAML files, .env files, and environment
// variables with proper precedence (later sources override earlier ones):
//  1. Default values (SetEngineDefaults)
//  2. Configuration files (./engine.yaml, ./configs/engine.yaml, /etc/krai/engine.yaml)
//  3. .env files
//  4. Environment variables
//
// Well-known environment variables keep their historical flat names
// (POSTGRES_URL, SMTP_HOST, SLACK_MAX_RETRIES, ...) and are bound
// explicitly; everything else maps through the KRAI_ prefix, e.g.
// KRAI_SERVER_PORT=8091.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// ServerConfig contains HTTP server configuration.
type ServerConfig struct {
	// Host is the server bind address (default: 0.0.0.0)
	Host string `mapstructure:"host"`

	// Port is the server listen port (default: 8091)
	Port int `mapstructure:"port"`

	// ReadTimeout is the maximum duration for reading requests
	ReadTimeout time.Duration `mapstructure:"read_timeout"`

	// WriteTimeout is the maximum duration for writing responses
	WriteTimeout time.Duration `mapstructure:"write_timeout"`

	// ShutdownTimeout is the maximum duration for graceful shutdown
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`

	// Debug enables debug logging and additional endpoints
	Debug bool `mapstructure:"debug"`

	// AllowedOrigins are the CORS allowed origins
	AllowedOrigins []string `mapstructure:"allowed_origins"`

	// RateLimit is the maximum requests per second per client (0 = no limit)
	RateLimit float64 `mapstructure:"rate_limit"`
}

// DatabaseConfig contains settings for the persistent store.
type DatabaseConfig struct {
	// Type selects the backend dialect (default: postgresql)
	Type string `mapstructure:"type"`

	// URL is the database connection URL (POSTGRES_URL)
	URL string `mapstructure:"url"`

	// SchemaPrefix namespaces the engine schemas (default: krai)
	SchemaPrefix string `mapstructure:"schema_prefix"`

	// MaxOpenConns is the maximum number of open connections
	MaxOpenConns int `mapstructure:"max_open_conns"`

	// MaxIdleConns is the maximum number of idle pooled connections
	MaxIdleConns int `mapstructure:"max_idle_conns"`

	// ConnMaxLifetime bounds how long a connection may be reused
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`

	// Timeout for individual database operations
	Timeout time.Duration `mapstructure:"timeout"`
}

// RedisConfig contains settings for the retry/ingest job queue.
type RedisConfig struct {
	// URL is the Redis connection URL (default: redis://localhost:6379/0)
	URL string `mapstructure:"url"`

	// KeyPrefix namespaces the queue keys (default: krai:)
	KeyPrefix string `mapstructure:"key_prefix"`
}

// AMQPConfig contains settings for the optional AMQP ingest bridge.
type AMQPConfig struct {
	// URL is the AMQP broker URL; empty disables the bridge
	URL string `mapstructure:"url"`

	// Queue is the durable queue carrying document-accepted events
	Queue string `mapstructure:"queue"`
}

// StorageConfig contains object storage settings for source documents.
type StorageConfig struct {
	// Endpoint overrides the S3 endpoint (empty for AWS)
	Endpoint string `mapstructure:"endpoint"`

	// Region is the S3 region
	Region string `mapstructure:"region"`

	// Bucket holds uploaded source documents
	Bucket string `mapstructure:"bucket"`

	// AccessKey and SecretKey authenticate against the store
	AccessKey string `mapstructure:"access_key"`
	SecretKey string `mapstructure:"secret_key"`

	// UsePathStyle forces path-style addressing (MinIO compatibility)
	UsePathStyle bool `mapstructure:"use_path_style"`
}

// SMTPConfig contains email alert sink settings.
type SMTPConfig struct {
	Host      string `mapstructure:"host"`
	Port      int    `mapstructure:"port"`
	Username  string `mapstructure:"username"`
	Password  string `mapstructure:"password"`
	FromEmail string `mapstructure:"from_email"`
	UseTLS    bool   `mapstructure:"use_tls"`
}

// SlackConfig contains Slack alert sink settings.
type SlackConfig struct {
	// MaxRetries bounds retry attempts on 429 responses
	MaxRetries int `mapstructure:"max_retries"`

	// TimeoutSeconds bounds each webhook POST
	TimeoutSeconds int `mapstructure:"timeout_seconds"`
}

// Timeout returns the webhook timeout as a duration.
func (s SlackConfig) Timeout() time.Duration {
	return time.Duration(s.TimeoutSeconds) * time.Second
}

// SecurityConfig contains request validation and auth settings.
type SecurityConfig struct {
	// ValidationEnabled toggles the request validation front door
	ValidationEnabled bool `mapstructure:"validation_enabled"`

	// MaxRequestMB caps the declared Content-Length of any request
	MaxRequestMB int `mapstructure:"max_request_mb"`

	// MaxUploadMB caps a single uploaded file
	MaxUploadMB int `mapstructure:"max_upload_mb"`

	// AllowedExtensions lists acceptable upload extensions (lowercase, with dot)
	AllowedExtensions []string `mapstructure:"allowed_extensions"`

	// JWTSecret signs and verifies monitoring tokens
	JWTSecret string `mapstructure:"jwt_secret"`
}

// StagePolicy configures one pipeline stage.
type StagePolicy struct {
	// Critical stages abort the document run on failure
	Critical bool `mapstructure:"critical"`

	// MaxRetries bounds transient-failure retries
	MaxRetries int `mapstructure:"max_retries"`

	// BaseDelay seeds the exponential backoff
	BaseDelay time.Duration `mapstructure:"base_delay"`

	// MaxDelay caps a single backoff sleep
	MaxDelay time.Duration `mapstructure:"max_delay"`
}

// PipelineConfig contains stage execution settings.
type PipelineConfig struct {
	// Stages maps stage name to its policy; missing stages use defaults
	Stages map[string]StagePolicy `mapstructure:"stages"`

	// RetryWorkers is the background retry worker count
	RetryWorkers int `mapstructure:"retry_workers"`

	// MaxConcurrentDocuments bounds documents in flight
	MaxConcurrentDocuments int `mapstructure:"max_concurrent_documents"`

	// StageTimeout bounds a single stage execution
	StageTimeout time.Duration `mapstructure:"stage_timeout"`
}

// MonitorConfig contains metrics cache and broadcast cadence settings.
type MonitorConfig struct {
	// CacheTTL is the TTL for coarse metric reads
	CacheTTL time.Duration `mapstructure:"cache_ttl"`

	// HardwareCacheTTL is the TTL for hardware metric reads
	HardwareCacheTTL time.Duration `mapstructure:"hardware_cache_ttl"`

	// BroadcastInterval is the periodic realtime push cadence
	BroadcastInterval time.Duration `mapstructure:"broadcast_interval"`

	// AlertEvaluationInterval drives the threshold evaluation loop
	AlertEvaluationInterval time.Duration `mapstructure:"alert_evaluation_interval"`
}

// AIConfig points at the external model services.
type AIConfig struct {
	// EmbeddingURL is the text/image embedding service endpoint
	EmbeddingURL string `mapstructure:"embedding_url"`

	// VisionURL is the captioning service endpoint
	VisionURL string `mapstructure:"vision_url"`

	// EmbeddingModel names the embedding model in use
	EmbeddingModel string `mapstructure:"embedding_model"`

	// EmbeddingDim is the fixed vector dimension for the model
	EmbeddingDim int `mapstructure:"embedding_dim"`

	// Timeout bounds each model service call
	Timeout time.Duration `mapstructure:"timeout"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	// Level is the log level (debug, info, warn, error)
	Level string `mapstructure:"level"`

	// Format is the log format (json, text)
	Format string `mapstructure:"format"`
}

// Config is the root configuration for the engine.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	Redis    RedisConfig    `mapstructure:"redis"`
	AMQP     AMQPConfig     `mapstructure:"amqp"`
	Storage  StorageConfig  `mapstructure:"storage"`
	SMTP     SMTPConfig     `mapstructure:"smtp"`
	Slack    SlackConfig    `mapstructure:"slack"`
	Security SecurityConfig `mapstructure:"security"`
	Pipeline PipelineConfig `mapstructure:"pipeline"`
	Monitor  MonitorConfig  `mapstructure:"monitor"`
	AI       AIConfig       `mapstructure:"ai"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// Loader provides configuration loading functionality.
type Loader struct {
	v      *viper.Viper
	prefix string
}

// NewLoader creates a new configuration loader with the given environment prefix.
func NewLoader(envPrefix string) *Loader {
	return &Loader{
		v:      viper.New(),
		prefix: envPrefix,
	}
}

// SetEngineDefaults sets the standard engine defaults.
func (l *Loader) SetEngineDefaults() {
	l.v.SetDefault("server.host", "0.0.0.0")
	l.v.SetDefault("server.port", 8091)
	l.v.SetDefault("server.read_timeout", "30s")
	l.v.SetDefault("server.write_timeout", "60s")
	l.v.SetDefault("server.shutdown_timeout", "10s")
	l.v.SetDefault("server.debug", false)
	l.v.SetDefault("server.allowed_origins", []string{"*"})
	l.v.SetDefault("server.rate_limit", 0)

	l.v.SetDefault("database.type", "postgresql")
	l.v.SetDefault("database.url", "")
	l.v.SetDefault("database.schema_prefix", "krai")
	l.v.SetDefault("database.max_open_conns", 25)
	l.v.SetDefault("database.max_idle_conns", 10)
	l.v.SetDefault("database.conn_max_lifetime", "1h")
	l.v.SetDefault("database.timeout", "30s")

	l.v.SetDefault("redis.url", "redis://localhost:6379/0")
	l.v.SetDefault("redis.key_prefix", "krai:")

	l.v.SetDefault("amqp.url", "")
	l.v.SetDefault("amqp.queue", "krai_documents")

	l.v.SetDefault("storage.region", "eu-central-1")
	l.v.SetDefault("storage.bucket", "krai-documents")
	l.v.SetDefault("storage.use_path_style", false)

	l.v.SetDefault("smtp.port", 587)
	l.v.SetDefault("smtp.use_tls", true)

	l.v.SetDefault("slack.max_retries", 3)
	l.v.SetDefault("slack.timeout_seconds", 10)

	l.v.SetDefault("security.validation_enabled", true)
	l.v.SetDefault("security.max_request_mb", 100)
	l.v.SetDefault("security.max_upload_mb", 500)
	l.v.SetDefault("security.allowed_extensions", []string{".pdf", ".pdfa", ".pdfx"})

	l.v.SetDefault("pipeline.retry_workers", 4)
	l.v.SetDefault("pipeline.max_concurrent_documents", 8)
	l.v.SetDefault("pipeline.stage_timeout", "30m")
	l.v.SetDefault("pipeline.stages", DefaultStagePolicies())

	l.v.SetDefault("monitor.cache_ttl", "5s")
	l.v.SetDefault("monitor.hardware_cache_ttl", "1s")
	l.v.SetDefault("monitor.broadcast_interval", "1s")
	l.v.SetDefault("monitor.alert_evaluation_interval", "30s")

	l.v.SetDefault("ai.embedding_model", "nomic-embed-text")
	l.v.SetDefault("ai.embedding_dim", 768)
	l.v.SetDefault("ai.timeout", "60s")

	l.v.SetDefault("logging.level", "info")
	l.v.SetDefault("logging.format", "text")
}

// bindWellKnownEnv binds the historical flat environment variable names
// used across deployments to their configuration keys.
func (l *Loader) bindWellKnownEnv() {
	_ = l.v.BindEnv("database.type", "DATABASE_TYPE")
	_ = l.v.BindEnv("database.url", "POSTGRES_URL")
	_ = l.v.BindEnv("database.schema_prefix", "KRAI_SCHEMA_PREFIX")
	_ = l.v.BindEnv("redis.url", "REDIS_URL")
	_ = l.v.BindEnv("amqp.url", "AMQP_URL")
	_ = l.v.BindEnv("smtp.host", "SMTP_HOST")
	_ = l.v.BindEnv("smtp.port", "SMTP_PORT")
	_ = l.v.BindEnv("smtp.username", "SMTP_USERNAME")
	_ = l.v.BindEnv("smtp.password", "SMTP_PASSWORD")
	_ = l.v.BindEnv("smtp.from_email", "SMTP_FROM_EMAIL")
	_ = l.v.BindEnv("smtp.use_tls", "SMTP_USE_TLS")
	_ = l.v.BindEnv("slack.max_retries", "SLACK_MAX_RETRIES")
	_ = l.v.BindEnv("slack.timeout_seconds", "SLACK_TIMEOUT_SECONDS")
	_ = l.v.BindEnv("security.jwt_secret", "JWT_SECRET")
	_ = l.v.BindEnv("ai.embedding_url", "EMBEDDING_SERVICE_URL")
	_ = l.v.BindEnv("ai.vision_url", "VISION_SERVICE_URL")
}

// Load reads configuration from file, .env, and environment variables.
// If cfgFile is empty, searches for engine.yaml in standard locations.
func (l *Loader) Load(cfgFile string, target interface{}) error {
	if cfgFile != "" {
		l.v.SetConfigFile(cfgFile)
	} else {
		l.v.SetConfigName("engine")
		l.v.SetConfigType("yaml")
		l.v.AddConfigPath(".")
		l.v.AddConfigPath("./configs")
		l.v.AddConfigPath("/etc/krai")
	}

	if err := l.v.ReadInConfig(); err != nil {
		if cfgFile != "" && !isFileNotFoundError(err) {
			return fmt.Errorf("error reading config file: %w", err)
		}
		if cfgFile == "" {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return fmt.Errorf("error reading config file: %w", err)
			}
		}
	}

	// Merge .env file if present
	l.v.SetConfigFile(".env")
	l.v.SetConfigType("env")
	_ = l.v.MergeInConfig()

	if l.prefix != "" {
		l.v.SetEnvPrefix(l.prefix)
	}
	l.v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	l.v.AutomaticEnv()
	l.bindWellKnownEnv()

	if err := l.v.Unmarshal(target); err != nil {
		return fmt.Errorf("unable to decode config: %w", err)
	}

	return nil
}

// LoadConfig loads the engine configuration with standard defaults applied.
func LoadConfig(cfgFile string) (*Config, error) {
	loader := NewLoader("KRAI")
	loader.SetEngineDefaults()

	cfg := &Config{}
	if err := loader.Load(cfgFile, cfg); err != nil {
		return nil, err
	}

	if err := ValidateConfig(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// ValidateConfig validates the loaded configuration.
func ValidateConfig(cfg *Config) error {
	if cfg.Server.Port < 1 || cfg.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", cfg.Server.Port)
	}
	if cfg.Database.Type != "postgresql" {
		return fmt.Errorf("unsupported database type: %s", cfg.Database.Type)
	}
	if cfg.Security.MaxUploadMB <= 0 || cfg.Security.MaxRequestMB <= 0 {
		return fmt.Errorf("request and upload size limits must be positive")
	}
	if cfg.AI.EmbeddingDim <= 0 {
		return fmt.Errorf("embedding dimension must be positive")
	}
	return nil
}

// isFileNotFoundError checks if an error is a file not found error.
func isFileNotFoundError(err error) bool {
	var pathErr *os.PathError
	if errors.As(err, &pathErr) {
		return errors.Is(pathErr, os.ErrNotExist)
	}
	return false
}
