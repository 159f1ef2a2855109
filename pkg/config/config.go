package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/depotlab/commons/pkg/observability"
	"github.com/depotlab/commons/pkg/storage"
)

// Config holds all application configuration.
type Config struct {
	// Server configuration
	Server ServerConfig

	// Storage configuration
	Storage storage.Config

	// Cache configuration (Redis + in-process L1)
	Cache CacheConfig

	// Files configuration (S3 logo storage)
	Files FilesConfig

	// Auth configuration (identity extraction)
	Auth AuthConfig

	// Roles configuration
	Roles RolesConfig

	// Requests configuration (expiry and sweeper)
	Requests RequestsConfig

	// Notifications configuration (webhook delivery)
	Notifications NotificationsConfig

	// Feature flags
	Features FeatureConfig

	// Observability configuration
	Observability ObservabilityConfig
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host            string
	Port            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	// Health/metrics server (separate port for k8s probes)
	HealthPort string
}

// CacheConfig holds identity cache configuration.
type CacheConfig struct {
	Enabled       bool
	RedisURL      string
	RedisPassword string
	RedisDB       int
	RedisPoolSize int
	TTL           time.Duration
	L1Size        int
}

// FilesConfig holds S3 configuration for community logo storage.
type FilesConfig struct {
	S3Endpoint     string
	S3Region       string
	S3Bucket       string
	S3AccessKey    string
	S3SecretKey    string
	S3UsePathStyle bool
	MaxLogoSize    int64
}

// AuthConfig holds identity extraction settings. The service runs behind an
// authenticating gateway that forwards the verified user id in a header;
// internal jobs authenticate with the shared system token.
type AuthConfig struct {
	// SystemToken promotes a bearer of this token to the system identity.
	// Empty disables system access over HTTP.
	SystemToken string

	// UserHeader carries the gateway-verified user id.
	UserHeader string
}

// RolesConfig holds the role registry configuration.
type RolesConfig struct {
	// FilePath points at a YAML role definition file. Empty means the
	// built-in role table.
	FilePath string
}

// RequestsConfig holds request expiry configuration.
type RequestsConfig struct {
	// DefaultTTL is applied to new requests without an explicit expiry.
	DefaultTTL time.Duration

	// SweeperSchedule is a cron expression for the expiry sweeper.
	SweeperSchedule string

	// SweeperBatchSize bounds how many requests a single sweep closes.
	SweeperBatchSize int
}

// NotificationsConfig holds webhook delivery settings. An empty URL keeps
// notifications on the structured log.
type NotificationsConfig struct {
	WebhookURL    string
	WebhookSecret string
}

// FeatureConfig holds feature flags.
type FeatureConfig struct {
	// MembershipRequests enables users asking to join closed communities.
	MembershipRequests bool
}

// ObservabilityConfig holds observability settings.
type ObservabilityConfig struct {
	LogLevel observability.LogLevel

	MetricsEnabled bool

	OTelEnabled        bool
	OTelEndpoint       string
	OTelServiceName    string
	OTelServiceVersion string
	OTelInsecure       bool
}

// LoadConfig loads configuration from environment variables.
func LoadConfig() (*Config, error) {
	cfg := &Config{
		Server:        loadServerConfig(),
		Storage:       loadStorageConfig(),
		Cache:         loadCacheConfig(),
		Files:         loadFilesConfig(),
		Auth:          loadAuthConfig(),
		Roles:         loadRolesConfig(),
		Requests:      loadRequestsConfig(),
		Notifications: loadNotificationsConfig(),
		Features:      loadFeatureConfig(),
		Observability: loadObservabilityConfig(),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

func loadServerConfig() ServerConfig {
	return ServerConfig{
		Host:            getEnv("COMMONS_HOST", "0.0.0.0"),
		Port:            getEnv("COMMONS_PORT", "8080"),
		ReadTimeout:     getEnvDuration("COMMONS_READ_TIMEOUT", 15*time.Second),
		WriteTimeout:    getEnvDuration("COMMONS_WRITE_TIMEOUT", 15*time.Second),
		IdleTimeout:     getEnvDuration("COMMONS_IDLE_TIMEOUT", 60*time.Second),
		ShutdownTimeout: getEnvDuration("COMMONS_SHUTDOWN_TIMEOUT", 30*time.Second),
		HealthPort:      getEnv("COMMONS_HEALTH_PORT", "9090"),
	}
}

func loadStorageConfig() storage.Config {
	cfg := storage.DefaultConfig()

	if pgURL := getEnv("COMMONS_POSTGRES_URL", ""); pgURL != "" {
		cfg.PostgresURL = pgURL
	}
	if maxConns := getEnvInt("COMMONS_POSTGRES_MAX_CONNS", 0); maxConns > 0 {
		cfg.MaxConns = maxConns
	}
	if minConns := getEnvInt("COMMONS_POSTGRES_MIN_CONNS", 0); minConns > 0 {
		cfg.MinConns = minConns
	}
	if timeout := getEnvDuration("COMMONS_POSTGRES_TIMEOUT", 0); timeout > 0 {
		cfg.Timeout = timeout
	}

	return cfg
}

func loadCacheConfig() CacheConfig {
	return CacheConfig{
		Enabled:       getEnvBool("COMMONS_CACHE_ENABLED", true),
		RedisURL:      getEnv("COMMONS_REDIS_URL", "localhost:6379"),
		RedisPassword: getEnv("COMMONS_REDIS_PASSWORD", ""),
		RedisDB:       getEnvInt("COMMONS_REDIS_DB", 0),
		RedisPoolSize: getEnvInt("COMMONS_REDIS_POOL_SIZE", 10),
		TTL:           getEnvDuration("COMMONS_CACHE_TTL", 5*time.Minute),
		L1Size:        getEnvInt("COMMONS_L1_CACHE_SIZE", 4096),
	}
}

func loadFilesConfig() FilesConfig {
	return FilesConfig{
		S3Endpoint:     getEnv("COMMONS_S3_ENDPOINT", ""),
		S3Region:       getEnv("COMMONS_S3_REGION", "us-east-1"),
		S3Bucket:       getEnv("COMMONS_S3_BUCKET", ""),
		S3AccessKey:    getEnv("COMMONS_S3_ACCESS_KEY", ""),
		S3SecretKey:    getEnv("COMMONS_S3_SECRET_KEY", ""),
		S3UsePathStyle: getEnvBool("COMMONS_S3_USE_PATH_STYLE", false),
		MaxLogoSize:    getEnvInt64("COMMONS_MAX_LOGO_SIZE", 10<<20),
	}
}

func loadAuthConfig() AuthConfig {
	return AuthConfig{
		SystemToken: getEnv("COMMONS_SYSTEM_TOKEN", ""),
		UserHeader:  getEnv("COMMONS_USER_HEADER", "X-User-ID"),
	}
}

func loadRolesConfig() RolesConfig {
	return RolesConfig{
		FilePath: getEnv("COMMONS_ROLES_FILE", ""),
	}
}

func loadRequestsConfig() RequestsConfig {
	return RequestsConfig{
		DefaultTTL:       getEnvDuration("COMMONS_REQUEST_TTL", 30*24*time.Hour),
		SweeperSchedule:  getEnv("COMMONS_SWEEPER_SCHEDULE", "@hourly"),
		SweeperBatchSize: getEnvInt("COMMONS_SWEEPER_BATCH_SIZE", 500),
	}
}

func loadNotificationsConfig() NotificationsConfig {
	return NotificationsConfig{
		WebhookURL:    getEnv("COMMONS_WEBHOOK_URL", ""),
		WebhookSecret: getEnv("COMMONS_WEBHOOK_SECRET", ""),
	}
}

func loadFeatureConfig() FeatureConfig {
	return FeatureConfig{
		MembershipRequests: getEnvBool("COMMONS_FEATURE_MEMBERSHIP_REQUESTS", false),
	}
}

func loadObservabilityConfig() ObservabilityConfig {
	return ObservabilityConfig{
		LogLevel:           parseLogLevel(getEnv("COMMONS_LOG_LEVEL", "info")),
		MetricsEnabled:     getEnvBool("COMMONS_METRICS_ENABLED", true),
		OTelEnabled:        getEnvBool("COMMONS_OTEL_ENABLED", false),
		OTelEndpoint:       getEnv("COMMONS_OTEL_ENDPOINT", "localhost:4317"),
		OTelServiceName:    getEnv("COMMONS_OTEL_SERVICE_NAME", "commons"),
		OTelServiceVersion: getEnv("COMMONS_OTEL_SERVICE_VERSION", "1.0.0"),
		OTelInsecure:       getEnvBool("COMMONS_OTEL_INSECURE", true),
	}
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.Server.Port == "" {
		return fmt.Errorf("server port is required")
	}
	if c.Server.HealthPort == "" {
		return fmt.Errorf("health port is required")
	}
	if c.Server.Port == c.Server.HealthPort {
		return fmt.Errorf("server port and health port must be different")
	}

	if c.Storage.PostgresURL == "" {
		return fmt.Errorf("postgres URL is required")
	}

	if c.Cache.Enabled {
		if c.Cache.RedisURL == "" {
			return fmt.Errorf("redis URL is required when caching is enabled")
		}
		if c.Cache.L1Size <= 0 {
			return fmt.Errorf("L1 cache size must be positive")
		}
	}

	if c.Requests.DefaultTTL <= 0 {
		return fmt.Errorf("request TTL must be positive")
	}
	if c.Requests.SweeperSchedule == "" {
		return fmt.Errorf("sweeper schedule is required")
	}

	if c.Observability.OTelEnabled {
		if c.Observability.OTelEndpoint == "" {
			return fmt.Errorf("OpenTelemetry endpoint is required when OTel is enabled")
		}
		if c.Observability.OTelServiceName == "" {
			return fmt.Errorf("OpenTelemetry service name is required when OTel is enabled")
		}
	}

	return nil
}

func parseLogLevel(level string) observability.LogLevel {
	switch strings.ToLower(level) {
	case "debug":
		return observability.DebugLevel
	case "info":
		return observability.InfoLevel
	case "warn", "warning":
		return observability.WarnLevel
	case "error":
		return observability.ErrorLevel
	default:
		return observability.InfoLevel
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return strings.ToLower(value) == "true" || value == "1"
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.ParseInt(value, 10, 64); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
