package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds application configuration loaded from environment.
type Config struct {
	Server     ServerConfig
	Database   DatabaseConfig
	Redis      RedisConfig
	JWT        JWTConfig
	Storage    StorageConfig
	Encoding   EncodingConfig
	Watchdog   WatchdogConfig
	Publishing PublishingConfig
	Scheduler  SchedulerConfig
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port               string
	ReadTimeout        int
	WriteTimeout       int
	CORSAllowedOrigins string   // comma-separated, or "*" for all
	OpsRoles           []string // JWT roles allowed on ops endpoints
}

// DatabaseConfig holds PostgreSQL connection settings.
type DatabaseConfig struct {
	URL      string // if set, used as-is (e.g. postgres://localhost:5432/videos?sslmode=disable)
	Host     string
	Port     string
	User     string
	Password string
	DBName   string
	SSLMode  string
	MaxConns int
}

// RedisConfig holds Redis connection settings.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// JWTConfig holds JWT signing and validation settings.
type JWTConfig struct {
	Secret      string
	ExpireHours int
}

// StorageConfig holds blob storage credentials and container names.
type StorageConfig struct {
	Region               string
	AccessKeyID          string
	SecretAccessKey      string
	Endpoint             string // S3-compatible gateway; empty uses AWS
	Account              string
	InputBucket          string
	EncodedBucket        string
	CDNEndpoint          string
	PresignExpireMinutes int
}

// EncodingConfig holds queue and provider settings.
type EncodingConfig struct {
	Concurrency      int
	MaxAttempts      int
	DefaultPriority  int
	JobRetention     time.Duration
	RetryBackoff     time.Duration
	Dispatch         bool // run the dispatcher and watchdog; enable in exactly one process
	DispatchInterval time.Duration
	ProviderURL      string
	ProviderAPIKey   string
	ProviderTimeout  time.Duration
	CallbackURL      string
	WebhookSecret    string
}

// WatchdogConfig holds encoding watchdog settings.
type WatchdogConfig struct {
	Schedule     string
	StuckAfter   time.Duration
	TimeoutAfter time.Duration
}

// PublishingConfig holds scheduled publish settings.
type PublishingConfig struct {
	PublishSchedule string
	StuckSchedule   string
}

// SchedulerConfig holds periodic task settings.
type SchedulerConfig struct {
	LockTTL         time.Duration
	DistributedLock bool
	CleanupSchedule string
}

// DSN returns the PostgreSQL connection string.
// If DatabaseConfig.URL is set (e.g. DATABASE_URL env), it is used as-is; otherwise built from components.
func (c DatabaseConfig) DSN() string {
	if c.URL != "" {
		return c.URL
	}
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%s/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.DBName, c.SSLMode,
	)
}

// Load reads configuration from environment, with optional .env file.
func Load() (*Config, error) {
	_ = godotenv.Load()      // .env
	_ = godotenv.Load("env") // env (no leading dot)

	cfg := &Config{
		Server: ServerConfig{
			Port:               getEnv("PORT", "8080"),
			ReadTimeout:        getEnvInt("READ_TIMEOUT_SEC", 30),
			WriteTimeout:       getEnvInt("WRITE_TIMEOUT_SEC", 30),
			CORSAllowedOrigins: getEnv("CORS_ALLOWED_ORIGINS", "http://localhost:3000"),
			OpsRoles:           splitTrim(getEnv("OPS_ROLES", "admin"), ","),
		},
		Database: DatabaseConfig{
			URL:      getEnv("DATABASE_URL", ""),
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnv("DB_PORT", "5432"),
			User:     getEnv("DB_USER", "postgres"),
			Password: getEnv("DB_PASSWORD", "postgres"),
			DBName:   getEnv("DB_NAME", "videos"),
			SSLMode:  getEnv("DB_SSLMODE", "disable"),
			MaxConns: getEnvInt("DB_MAX_CONNS", 10),
		},
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", "localhost:6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),
		},
		JWT: JWTConfig{
			Secret:      getEnv("JWT_SECRET", "change-me-in-production"),
			ExpireHours: getEnvInt("JWT_EXPIRE_HOURS", 24),
		},
		Storage: StorageConfig{
			Region:               getEnv("STORAGE_REGION", "us-east-1"),
			AccessKeyID:          getEnv("STORAGE_ACCESS_KEY_ID", ""),
			SecretAccessKey:      getEnv("STORAGE_SECRET_ACCESS_KEY", ""),
			Endpoint:             getEnv("STORAGE_ENDPOINT", ""),
			Account:              getEnv("STORAGE_ACCOUNT", ""),
			InputBucket:          getEnv("STORAGE_INPUT_BUCKET", "videos-original"),
			EncodedBucket:        getEnv("STORAGE_ENCODED_BUCKET", "videos-encoded"),
			CDNEndpoint:          getEnv("CDN_ENDPOINT", ""),
			PresignExpireMinutes: getEnvInt("STORAGE_PRESIGN_EXPIRE_MINUTES", 60),
		},
		Encoding: EncodingConfig{
			Concurrency:      getEnvInt("ENCODING_CONCURRENCY", 2),
			MaxAttempts:      getEnvInt("ENCODING_MAX_ATTEMPTS", 3),
			DefaultPriority:  getEnvInt("ENCODING_DEFAULT_PRIORITY", 10),
			JobRetention:     getEnvDuration("ENCODING_JOB_RETENTION", 24*time.Hour),
			RetryBackoff:     getEnvDuration("ENCODING_RETRY_BACKOFF", 10*time.Second),
			Dispatch:         getEnvBool("ENCODING_DISPATCH", true),
			DispatchInterval: getEnvDuration("ENCODING_DISPATCH_INTERVAL", 2*time.Second),
			ProviderURL:      getEnv("ENCODING_PROVIDER_URL", ""),
			ProviderAPIKey:   getEnv("ENCODING_PROVIDER_API_KEY", ""),
			ProviderTimeout:  getEnvDuration("ENCODING_PROVIDER_TIMEOUT", 30*time.Second),
			CallbackURL:      getEnv("ENCODING_CALLBACK_URL", ""),
			WebhookSecret:    getEnv("ENCODING_WEBHOOK_SECRET", ""),
		},
		Watchdog: WatchdogConfig{
			Schedule:     getEnv("WATCHDOG_SCHEDULE", "*/5 * * * *"),
			StuckAfter:   getEnvDuration("WATCHDOG_STUCK_AFTER", 30*time.Minute),
			TimeoutAfter: getEnvDuration("WATCHDOG_TIMEOUT_AFTER", 60*time.Minute),
		},
		Publishing: PublishingConfig{
			PublishSchedule: getEnv("PUBLISH_SCHEDULE", "* * * * *"),
			StuckSchedule:   getEnv("STUCK_SCHEDULE_SCHEDULE", "*/15 * * * *"),
		},
		Scheduler: SchedulerConfig{
			LockTTL:         getEnvDuration("SCHEDULER_LOCK_TTL", 10*time.Minute),
			DistributedLock: getEnvBool("SCHEDULER_DISTRIBUTED_LOCK", true),
			CleanupSchedule: getEnv("QUEUE_CLEANUP_SCHEDULE", "0 * * * *"),
		},
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects settings the encoding pipeline cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if c.Encoding.Concurrency <= 0 {
		errs = append(errs, errors.New("ENCODING_CONCURRENCY must be positive"))
	}
	if c.Encoding.MaxAttempts <= 0 {
		errs = append(errs, errors.New("ENCODING_MAX_ATTEMPTS must be positive"))
	}
	if c.Encoding.RetryBackoff <= 0 {
		errs = append(errs, errors.New("ENCODING_RETRY_BACKOFF must be positive"))
	}
	if c.Encoding.ProviderURL == "" {
		errs = append(errs, errors.New("ENCODING_PROVIDER_URL is required"))
	}
	if c.Watchdog.StuckAfter <= 0 {
		errs = append(errs, errors.New("WATCHDOG_STUCK_AFTER must be positive"))
	}
	if c.Watchdog.TimeoutAfter <= c.Watchdog.StuckAfter {
		errs = append(errs, errors.New("WATCHDOG_TIMEOUT_AFTER must exceed WATCHDOG_STUCK_AFTER"))
	}
	if c.Storage.CDNEndpoint == "" && c.Storage.Account == "" {
		errs = append(errs, errors.New("CDN_ENDPOINT or STORAGE_ACCOUNT is required to build manifest URLs"))
	}
	return errors.Join(errs...)
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func splitTrim(s, sep string) []string {
	if s == "" {
		return nil
	}
	var out []string
	for _, v := range strings.Split(s, sep) {
		if t := strings.TrimSpace(v); t != "" {
			out = append(out, t)
		}
	}
	return out
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
