package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	DBSource  string
	RedisAddr string
	Port      string
	Env       string

	WebhookSecret string

	LockTTL            time.Duration
	LockAcquireTimeout time.Duration

	RetryMaxAttempts int
	RetryBaseDelay   time.Duration

	RateLimitClient  int64
	RateLimitWebhook int64
	RateWindow       time.Duration

	StuckThreshold time.Duration
}

func Load() (*Config, error) {
	// .env is a local-development convenience; absence is not an error.
	_ = godotenv.Load()

	dbSource := os.Getenv("DB_SOURCE")
	if dbSource == "" {
		return nil, fmt.Errorf("DB_SOURCE environment variable is required")
	}

	redisAddr := os.Getenv("REDIS_ADDR")
	if redisAddr == "" {
		return nil, fmt.Errorf("REDIS_ADDR environment variable is required")
	}

	secret := os.Getenv("WEBHOOK_SECRET")
	if secret == "" {
		return nil, fmt.Errorf("WEBHOOK_SECRET environment variable is required")
	}

	port := os.Getenv("SERVER_PORT")
	if port == "" {
		port = "8080"
	}

	env := os.Getenv("ENVIRONMENT")
	if env == "" {
		env = "development"
	}

	return &Config{
		DBSource:           dbSource,
		RedisAddr:          redisAddr,
		Port:               port,
		Env:                env,
		WebhookSecret:      secret,
		LockTTL:            envDuration("LOCK_TTL", 30*time.Second),
		LockAcquireTimeout: envDuration("LOCK_ACQUIRE_TIMEOUT", 10*time.Second),
		RetryMaxAttempts:   envInt("RETRY_MAX_ATTEMPTS", 5),
		RetryBaseDelay:     envDuration("RETRY_BASE_DELAY", 500*time.Millisecond),
		RateLimitClient:    int64(envInt("RATE_LIMIT_CLIENT", 5)),
		RateLimitWebhook:   int64(envInt("RATE_LIMIT_WEBHOOK", 10)),
		RateWindow:         envDuration("RATE_WINDOW", 60*time.Second),
		StuckThreshold:     envDuration("STUCK_THRESHOLD", 5*time.Minute),
	}, nil
}

func envDuration(name string, fallback time.Duration) time.Duration {
	if v := os.Getenv(name); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

func envInt(name string, fallback int) int {
	if v := os.Getenv(name); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}
