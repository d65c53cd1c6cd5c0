package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
	_ "time/tzdata"

	"github.com/go-playground/validator/v10"
)

// Config holds all application configuration
type Config struct {
	// API Configuration
	APIPort        string
	APIHost        string
	APIEnvironment string

	// CRM (SprintHub)
	CRMBaseURL   string        `validate:"required,url"`
	CRMPageSize  int           `validate:"gt=0,lte=500"`
	CRMPageDelay time.Duration `validate:"gte=0"`
	CRMTimeout   time.Duration `validate:"gt=0"`

	// Datastore
	DatastoreBackend      string        `validate:"oneof=postgrest postgres"`
	DatastoreURL          string        `validate:"required,url"`
	DatastoreTable        string        `validate:"required"`
	DatastoreSchema       string
	DatastoreReadTimeout  time.Duration `validate:"gt=0"`
	DatastoreWriteTimeout time.Duration `validate:"gt=0"`
	DatabaseURL           string        `validate:"required_if=DatastoreBackend postgres"`
	DBSSLMode             string        `validate:"omitempty,oneof=disable require verify-ca verify-full"`
	DBSSLCertPath         string
	DBSSLKeyPath          string
	DBSSLRootCertPath     string
	DBMaxOpenConns        int `validate:"gte=0"`

	// Redis
	RedisURL string

	// Sync
	FunnelsConfigPath   string
	SyncConcurrency     int           `validate:"gt=0,lte=32"`
	SyncTimezone        string        `validate:"required"`
	WebhookTimeout      time.Duration `validate:"gt=0"`
	WebhookSecret       string
	DriftAlertThreshold float64 `validate:"gte=0,lte=100"`

	// Schedules
	CronEnabled   bool
	SyncCron      string
	SyncTodayCron string
	DriftCron     string

	// Admin JWT
	JWTSecret string

	// Rate Limiting
	RateLimitRequestsPerMinute int
	RateLimitBurst             int

	// CORS
	CORSAllowedOrigins []string

	// Logging
	LogLevel string

	// Secrets
	SecretsBackend       string
	SecretsCacheDuration time.Duration
	SecretsPrefix        string
	AWSRegion            string

	// Report archive
	S3Bucket          string
	S3Prefix          string
	S3AccessKeyID     string
	S3SecretAccessKey string

	// Slack
	SlackWebhookURL string

	// Sentry
	SentryDSN         string
	SentryEnvironment string
}

// Load loads configuration from environment variables
func Load() *Config {
	return &Config{
		// API
		APIPort:        getEnv("API_PORT", "8080"),
		APIHost:        getEnv("API_HOST", "0.0.0.0"),
		APIEnvironment: getEnv("API_ENVIRONMENT", "development"),

		// CRM
		CRMBaseURL:   getEnv("CRM_BASE_URL", "https://sprinthub-api-master.sprinthub.app"),
		CRMPageSize:  getEnvAsInt("CRM_PAGE_SIZE", 100),
		CRMPageDelay: getEnvAsDuration("CRM_PAGE_DELAY", time.Second),
		CRMTimeout:   getEnvAsDuration("CRM_TIMEOUT", 30*time.Second),

		// Datastore
		DatastoreBackend:      getEnv("DATASTORE_BACKEND", "postgrest"),
		DatastoreURL:          strings.TrimRight(getEnv("DATASTORE_URL", "http://localhost:3000"), "/"),
		DatastoreTable:        getEnv("DATASTORE_TABLE", "oportunidade_sprint"),
		DatastoreSchema:       getEnv("DATASTORE_SCHEMA", "api"),
		DatastoreReadTimeout:  getEnvAsDuration("DATASTORE_READ_TIMEOUT", 5*time.Second),
		DatastoreWriteTimeout: getEnvAsDuration("DATASTORE_WRITE_TIMEOUT", 3*time.Second),
		DatabaseURL:           getEnv("DATABASE_URL", ""),
		DBSSLMode:             getEnv("DB_SSL_MODE", ""),
		DBSSLCertPath:         getEnv("DB_SSL_CERT_PATH", ""),
		DBSSLKeyPath:          getEnv("DB_SSL_KEY_PATH", ""),
		DBSSLRootCertPath:     getEnv("DB_SSL_ROOT_CERT_PATH", ""),
		DBMaxOpenConns:        getEnvAsInt("DB_MAX_OPEN_CONNS", 16),

		// Redis
		RedisURL: getEnv("REDIS_URL", "redis://localhost:6379"),

		// Sync
		FunnelsConfigPath:   getEnv("FUNNELS_CONFIG_PATH", ""),
		SyncConcurrency:     getEnvAsInt("SYNC_CONCURRENCY", 4),
		SyncTimezone:        getEnv("SYNC_TIMEZONE", "America/Sao_Paulo"),
		WebhookTimeout:      getEnvAsDuration("WEBHOOK_TIMEOUT", 8*time.Second),
		WebhookSecret:       getEnv("WEBHOOK_SECRET", ""),
		DriftAlertThreshold: getEnvAsFloat("DRIFT_ALERT_THRESHOLD", 98),

		// Schedules
		CronEnabled:   getEnvAsBool("CRON_ENABLED", true),
		SyncCron:      getEnv("SYNC_CRON", "0 */2 * * *"),
		SyncTodayCron: getEnv("SYNC_TODAY_CRON", "*/10 * * * *"),
		DriftCron:     getEnv("DRIFT_CRON", "0 6 * * *"),

		// JWT
		JWTSecret: getEnv("JWT_SECRET", "change-this-in-production"),

		// Rate Limiting
		RateLimitRequestsPerMinute: getEnvAsInt("RATE_LIMIT_REQUESTS_PER_MINUTE", 600),
		RateLimitBurst:             getEnvAsInt("RATE_LIMIT_BURST", 50),

		// CORS
		CORSAllowedOrigins: getEnvAsSlice("CORS_ALLOWED_ORIGINS", []string{"*"}),

		// Logging
		LogLevel: getEnv("LOG_LEVEL", "info"),

		// Secrets
		SecretsBackend:       getEnv("SECRETS_BACKEND", "env"),
		SecretsCacheDuration: getEnvAsDuration("SECRETS_CACHE_DURATION", 12*time.Hour),
		SecretsPrefix:        getEnv("SECRETS_PREFIX", "funnelsync/"),
		AWSRegion:            getEnv("AWS_REGION", "us-east-1"),

		// Report archive
		S3Bucket:          getEnv("S3_BUCKET", ""),
		S3Prefix:          getEnv("S3_PREFIX", "drift-reports"),
		S3AccessKeyID:     getEnv("S3_ACCESS_KEY_ID", ""),
		S3SecretAccessKey: getEnv("S3_SECRET_ACCESS_KEY", ""),

		// Slack
		SlackWebhookURL: getEnv("SLACK_WEBHOOK_URL", ""),

		// Sentry
		SentryDSN:         getEnv("SENTRY_DSN", ""),
		SentryEnvironment: getEnv("SENTRY_ENVIRONMENT", "development"),
	}
}

// Validate checks the configuration for values the engine cannot run without
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if _, err := time.LoadLocation(c.SyncTimezone); err != nil {
		return fmt.Errorf("invalid configuration: SYNC_TIMEZONE: %w", err)
	}
	return nil
}

// Location returns the time zone used for "today" filters and default timestamps.
// Falls back to UTC when the zone database does not know the configured name.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.SyncTimezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// IsProduction reports whether the service runs in production
func (c *Config) IsProduction() bool {
	return c.APIEnvironment == "production"
}

// Helper functions
func getEnv(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := time.ParseDuration(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsSlice(key string, defaultValue []string) []string {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	parts := strings.Split(valueStr, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
