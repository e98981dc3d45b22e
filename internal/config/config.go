package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Store backend selectors.
const (
	StoreMemory   = "memory"
	StoreSQLite   = "sqlite"
	StorePostgres = "postgres"
	StoreRedis    = "redis"
)

var validStores = map[string]bool{
	StoreMemory:   true,
	StoreSQLite:   true,
	StorePostgres: true,
	StoreRedis:    true,
}

type Config struct {
	ListenAddr string
	APIKeys    []string

	Store         string
	SQLitePath    string
	PostgresDSN   string
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	Workers     int
	QueueSize   int
	RateLimit   int
	CORSOrigins []string

	EngineURL    string
	EngineAPIKey string

	WebhookURL string

	RetentionDays     int
	RetentionSchedule string

	ShutdownTimeout time.Duration
}

func Load() (*Config, error) {
	cfg := &Config{
		ListenAddr:        getEnv("LEXFLOW_ADDR", ":8084"),
		Store:             getEnv("LEXFLOW_STORE", StoreSQLite),
		SQLitePath:        getEnv("LEXFLOW_SQLITE_PATH", "lexflow.db"),
		PostgresDSN:       getEnv("LEXFLOW_POSTGRES_DSN", ""),
		RedisAddr:         getEnv("LEXFLOW_REDIS_ADDR", ""),
		RedisPassword:     getEnv("LEXFLOW_REDIS_PASSWORD", ""),
		EngineURL:         getEnv("LEXFLOW_ENGINE_URL", ""),
		EngineAPIKey:      getEnv("LEXFLOW_ENGINE_API_KEY", ""),
		WebhookURL:        getEnv("LEXFLOW_WEBHOOK_URL", ""),
		RetentionSchedule: getEnv("LEXFLOW_RETENTION_SCHEDULE", "0 3 * * *"),
	}

	rawKeys := getEnv("LEXFLOW_API_KEYS", "")
	if rawKeys == "" {
		return nil, errors.New("LEXFLOW_API_KEYS must not be empty")
	}
	for _, k := range strings.Split(rawKeys, ",") {
		k = strings.TrimSpace(k)
		if k != "" {
			cfg.APIKeys = append(cfg.APIKeys, k)
		}
	}
	if len(cfg.APIKeys) == 0 {
		return nil, errors.New("LEXFLOW_API_KEYS contains no valid keys")
	}

	if !validStores[cfg.Store] {
		return nil, fmt.Errorf("LEXFLOW_STORE %q must be one of: memory, sqlite, postgres, redis", cfg.Store)
	}
	if cfg.Store == StorePostgres && cfg.PostgresDSN == "" {
		return nil, errors.New("LEXFLOW_POSTGRES_DSN is required when LEXFLOW_STORE=postgres")
	}
	if cfg.Store == StoreRedis && cfg.RedisAddr == "" {
		return nil, errors.New("LEXFLOW_REDIS_ADDR is required when LEXFLOW_STORE=redis")
	}

	if cfg.EngineURL == "" {
		return nil, errors.New("LEXFLOW_ENGINE_URL must not be empty")
	}

	var err error
	cfg.RedisDB, err = getEnvInt("LEXFLOW_REDIS_DB", 0)
	if err != nil {
		return nil, fmt.Errorf("LEXFLOW_REDIS_DB: %w", err)
	}

	cfg.Workers, err = getEnvInt("LEXFLOW_WORKERS", 4)
	if err != nil {
		return nil, fmt.Errorf("LEXFLOW_WORKERS: %w", err)
	}
	if cfg.Workers < 1 {
		return nil, errors.New("LEXFLOW_WORKERS must be > 0")
	}

	cfg.QueueSize, err = getEnvInt("LEXFLOW_QUEUE_SIZE", 100)
	if err != nil {
		return nil, fmt.Errorf("LEXFLOW_QUEUE_SIZE: %w", err)
	}
	if cfg.QueueSize < 1 {
		return nil, errors.New("LEXFLOW_QUEUE_SIZE must be > 0")
	}

	// 0 disables rate limiting.
	cfg.RateLimit, err = getEnvInt("LEXFLOW_RATE_LIMIT", 2)
	if err != nil {
		return nil, fmt.Errorf("LEXFLOW_RATE_LIMIT: %w", err)
	}

	for _, o := range strings.Split(getEnv("LEXFLOW_CORS_ORIGINS", ""), ",") {
		o = strings.TrimSpace(o)
		if o != "" {
			cfg.CORSOrigins = append(cfg.CORSOrigins, o)
		}
	}

	// 0 disables the retention sweep.
	cfg.RetentionDays, err = getEnvInt("LEXFLOW_RETENTION_DAYS", 30)
	if err != nil {
		return nil, fmt.Errorf("LEXFLOW_RETENTION_DAYS: %w", err)
	}
	if cfg.RetentionDays < 0 {
		return nil, errors.New("LEXFLOW_RETENTION_DAYS must be >= 0")
	}

	shutdownSecs, err := getEnvInt("LEXFLOW_SHUTDOWN_TIMEOUT_SECONDS", 30)
	if err != nil {
		return nil, fmt.Errorf("LEXFLOW_SHUTDOWN_TIMEOUT_SECONDS: %w", err)
	}
	if shutdownSecs < 1 {
		return nil, errors.New("LEXFLOW_SHUTDOWN_TIMEOUT_SECONDS must be > 0")
	}
	cfg.ShutdownTimeout = time.Duration(shutdownSecs) * time.Second

	return cfg, nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid integer %q", v)
	}
	return n, nil
}
