// Package config loads worker configuration from environment variables,
// the same getEnv*/default-value pattern the teacher's config package uses.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all worker configuration.
type Config struct {
	Database      DatabaseConfig
	Redis         RedisConfig
	App           AppConfig
	API           APIConfig
	Prometheus    PrometheusConfig
	Security      SecurityConfig
	Performance   PerformanceConfig
	ControlPlane  ControlPlaneConfig
}

// DatabaseConfig holds Postgres connection configuration.
type DatabaseConfig struct {
	Host     string
	Port     string
	User     string
	Password string
	Name     string
}

// RedisConfig holds the Pub/Sub transport configuration.
type RedisConfig struct {
	URL string
}

// AppConfig holds general worker configuration.
type AppConfig struct {
	Port             int
	DefaultRefresh   time.Duration
	FeedsFile        string
	LogLevel         string
	FreshnessWindow  time.Duration // §4.2: items older than this are dropped
}

// APIConfig holds outbound HTTP fetch configuration.
type APIConfig struct {
	Timeout   time.Duration
	UserAgent string
}

// PrometheusConfig holds metrics-endpoint configuration.
type PrometheusConfig struct {
	MetricsPath string
}

// SecurityConfig holds CORS configuration for the admin HTTP surface.
type SecurityConfig struct {
	CORSAllowedOrigins string
	CORSAllowedMethods string
	CORSAllowedHeaders string
}

// PerformanceConfig holds resource-shaping knobs.
type PerformanceConfig struct {
	HTTPReadTimeout  time.Duration
	HTTPWriteTimeout time.Duration
	HTTPIdleTimeout  time.Duration
}

// ControlPlaneConfig holds the inbound/outbound channel names and queue
// sizing for the publish scheduler.
type ControlPlaneConfig struct {
	CommandChannel     string
	ErrorChannel       string
	StatusChannel      string
	ItemChannelPrefix  string
	PublishQueueSize   int
	PublishMaxRetries  int
	PublishRetryBase   time.Duration
}

// Load reads configuration from the environment, applying the same
// defaults-with-override strategy as the teacher.
func Load() *Config {
	return &Config{
		Database: DatabaseConfig{
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnv("DB_PORT", "5432"),
			User:     getEnv("DB_USER", "postgres"),
			Password: getEnv("DB_PASSWORD", "postgres"),
			Name:     getEnv("DB_NAME", "aggregator"),
		},
		Redis: RedisConfig{
			URL: getEnv("REDIS_URL", "redis://localhost:6379/0"),
		},
		App: AppConfig{
			Port:            getEnvInt("APP_PORT", 8080),
			DefaultRefresh:  getEnvDuration("DEFAULT_REFRESH", 5*time.Minute),
			FeedsFile:       getEnv("FEEDS_FILE", "/app/feeds.txt"),
			LogLevel:        getEnv("LOG_LEVEL", "info"),
			FreshnessWindow: getEnvDuration("FRESHNESS_WINDOW", 24*time.Hour),
		},
		API: APIConfig{
			Timeout:   getEnvDuration("API_TIMEOUT", 30*time.Second),
			UserAgent: getEnv("API_USER_AGENT", "aggregator/1.0 (+feed worker)"),
		},
		Prometheus: PrometheusConfig{
			MetricsPath: getEnv("PROMETHEUS_METRICS_PATH", "/metrics"),
		},
		Security: SecurityConfig{
			CORSAllowedOrigins: getEnv("CORS_ALLOWED_ORIGINS", "*"),
			CORSAllowedMethods: getEnv("CORS_ALLOWED_METHODS", "GET,OPTIONS"),
			CORSAllowedHeaders: getEnv("CORS_ALLOWED_HEADERS", "Content-Type"),
		},
		Performance: PerformanceConfig{
			HTTPReadTimeout:  getEnvDuration("HTTP_READ_TIMEOUT", 15*time.Second),
			HTTPWriteTimeout: getEnvDuration("HTTP_WRITE_TIMEOUT", 15*time.Second),
			HTTPIdleTimeout:  getEnvDuration("HTTP_IDLE_TIMEOUT", 60*time.Second),
		},
		ControlPlane: ControlPlaneConfig{
			CommandChannel:    getEnv("COMMAND_CHANNEL", "aggregator"),
			ErrorChannel:      getEnv("ERROR_CHANNEL", "aggregator-errors"),
			StatusChannel:     getEnv("STATUS_CHANNEL", "aggregator-status"),
			ItemChannelPrefix: getEnv("ITEM_CHANNEL_PREFIX", "feed:wire:"),
			PublishQueueSize:  getEnvInt("PUBLISH_QUEUE_SIZE", 256),
			PublishMaxRetries: getEnvInt("PUBLISH_MAX_RETRIES", 3),
			PublishRetryBase:  getEnvDuration("PUBLISH_RETRY_BACKOFF_BASE", time.Second),
		},
	}
}

// GetConnectionString returns the lib/pq connection string.
func (c *Config) GetConnectionString() string {
	return "host=" + c.Database.Host +
		" port=" + c.Database.Port +
		" user=" + c.Database.User +
		" password=" + c.Database.Password +
		" dbname=" + c.Database.Name +
		" sslmode=disable"
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
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

func getEnvStringSlice(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		parts := strings.Split(value, ",")
		result := make([]string, 0, len(parts))
		for _, part := range parts {
			if trimmed := strings.TrimSpace(part); trimmed != "" {
				result = append(result, trimmed)
			}
		}
		return result
	}
	return defaultValue
}
