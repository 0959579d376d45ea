package infra

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config represents application configuration loaded from environment variables.
type Config struct {
	AppEnv      string
	Port        string
	DatabaseURL string
	JWTSecret   string
	JWTTTL      time.Duration
	StoragePath string

	CORSAllowedOrigins string
	RateLimitPerMin    int
	DefaultLocale      string

	HTTPReadTimeout  time.Duration
	HTTPWriteTimeout time.Duration
	HTTPIdleTimeout  time.Duration

	// Generation engine knobs.
	GenConcurrency  string
	GenWorkerCount  int
	GenMaxRetries   int
	GenRetryBackoff time.Duration
	TaskRetention   time.Duration
}

// LoadConfig loads configuration from environment variables and applies defaults where needed.
func LoadConfig() (*Config, error) {
	cfg := &Config{
		AppEnv:      getEnv("APP_ENV", "development"),
		Port:        getEnv("PORT", "8080"),
		DatabaseURL: os.Getenv("DATABASE_URL"),
		JWTSecret:   os.Getenv("JWT_SECRET"),
		JWTTTL:      time.Hour * time.Duration(getEnvInt("JWT_TTL_HOURS", 168)),
		StoragePath: getEnv("STORAGE_PATH", "./storage"),

		CORSAllowedOrigins: getEnv("CORS_ALLOWED_ORIGINS", "*"),
		RateLimitPerMin:    getEnvInt("RATE_LIMIT_RPM", 120),
		DefaultLocale:      getEnv("DEFAULT_LOCALE", "zh"),

		HTTPReadTimeout: time.Second * time.Duration(getEnvInt("HTTP_READ_TIMEOUT_SECONDS", 15)),
		// Zero write timeout: progress streams are long-lived, deadlines are
		// set per request where needed.
		HTTPWriteTimeout: time.Second * time.Duration(getEnvInt("HTTP_WRITE_TIMEOUT_SECONDS", 0)),
		HTTPIdleTimeout:  time.Second * time.Duration(getEnvInt("HTTP_IDLE_TIMEOUT_SECONDS", 60)),

		GenConcurrency:  normalizeConcurrency(getEnv("GEN_CONCURRENCY", "sequential")),
		GenWorkerCount:  getEnvInt("GEN_WORKER_COUNT", 3),
		GenMaxRetries:   getEnvInt("GEN_MAX_RETRIES", 3),
		GenRetryBackoff: time.Millisecond * time.Duration(getEnvInt("GEN_RETRY_BACKOFF_MS", 1500)),
		TaskRetention:   time.Minute * time.Duration(getEnvInt("TASK_RETENTION_MINUTES", 30)),
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	if cfg.JWTSecret == "" {
		return nil, fmt.Errorf("JWT_SECRET is required")
	}

	if cfg.GenWorkerCount < 1 {
		cfg.GenWorkerCount = 1
	}
	if cfg.GenMaxRetries < 1 {
		cfg.GenMaxRetries = 1
	}

	return cfg, nil
}

func normalizeConcurrency(v string) string {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "parallel", "bounded-parallel":
		return "bounded-parallel"
	default:
		return "sequential"
	}
}

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}
