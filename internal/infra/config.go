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
	AppEnv         string
	Port           string
	DatabaseURL    string
	DBMaxConns     int
	DBMinConns     int
	JWTSecret      string
	WebhookBaseURL string

	RunPodAPIKey     string
	RunPodEndpointID string
	RunPodBaseURL    string
	RunPodTimeout    time.Duration

	MinioEndpoint  string
	MinioAccessKey string
	MinioSecretKey string
	MinioUseSSL    bool
	StoragePath    string
	StorageBaseURL string

	DefaultQuota    int
	FollowerQuota   int
	QuotaResetDays  int
	PollInterval    time.Duration
	PollMaxAttempts int

	HTTPReadTimeout  time.Duration
	HTTPWriteTimeout time.Duration
	HTTPIdleTimeout  time.Duration
	RateLimitPerMin  int
	AllowedOrigins   string
}

// LoadConfig loads configuration from environment variables and applies defaults where needed.
func LoadConfig() (*Config, error) {
	cfg := &Config{
		AppEnv:         getEnv("APP_ENV", "development"),
		Port:           getEnv("PORT", "8080"),
		DatabaseURL:    os.Getenv("DATABASE_URL"),
		DBMaxConns:     getEnvInt("DB_MAX_CONNS", 10),
		DBMinConns:     getEnvInt("DB_MIN_CONNS", 1),
		JWTSecret:      os.Getenv("JWT_SECRET"),
		WebhookBaseURL: os.Getenv("WEBHOOK_BASE_URL"),

		RunPodAPIKey:     os.Getenv("RUNPOD_API_KEY"),
		RunPodEndpointID: os.Getenv("RUNPOD_ENDPOINT_ID"),
		RunPodBaseURL:    getEnv("RUNPOD_BASE_URL", "https://api.runpod.ai/v2"),
		RunPodTimeout:    time.Second * time.Duration(getEnvInt("RUNPOD_TIMEOUT_SECONDS", 90)),

		MinioEndpoint:  os.Getenv("MINIO_ENDPOINT"),
		MinioAccessKey: os.Getenv("MINIO_ACCESS_KEY"),
		MinioSecretKey: os.Getenv("MINIO_SECRET_KEY"),
		MinioUseSSL:    getEnvBool("MINIO_USE_SSL", false),
		StoragePath:    getEnv("STORAGE_PATH", "./storage"),
		StorageBaseURL: getEnv("STORAGE_BASE_URL", "http://localhost:8080/static"),

		DefaultQuota:    getEnvInt("DEFAULT_IMAGE_QUOTA", 10),
		FollowerQuota:   getEnvInt("FOLLOWER_IMAGE_QUOTA", 30),
		QuotaResetDays:  getEnvInt("QUOTA_RESET_DAYS", 30),
		PollInterval:    time.Second * time.Duration(getEnvInt("JOB_POLL_INTERVAL_SECONDS", 5)),
		PollMaxAttempts: getEnvInt("JOB_POLL_MAX_ATTEMPTS", 120),

		HTTPReadTimeout:  time.Second * time.Duration(getEnvInt("HTTP_READ_TIMEOUT_SECONDS", 15)),
		// Sync submissions hold the response open for up to the remote
		// worker timeout, so the write timeout must exceed it.
		HTTPWriteTimeout: time.Second * time.Duration(getEnvInt("HTTP_WRITE_TIMEOUT_SECONDS", 120)),
		HTTPIdleTimeout:  time.Second * time.Duration(getEnvInt("HTTP_IDLE_TIMEOUT_SECONDS", 60)),
		RateLimitPerMin:  getEnvInt("RATE_LIMIT_PER_MINUTE", 30),
		AllowedOrigins:   getEnv("ALLOWED_ORIGINS", "*"),
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	if cfg.JWTSecret == "" {
		return nil, fmt.Errorf("JWT_SECRET is required")
	}

	if cfg.RunPodAPIKey == "" {
		return nil, fmt.Errorf("RUNPOD_API_KEY is required")
	}

	if cfg.RunPodEndpointID == "" {
		return nil, fmt.Errorf("RUNPOD_ENDPOINT_ID is required")
	}

	return cfg, nil
}

// Origins splits the configured allowed-origins list.
func (c *Config) Origins() []string {
	parts := strings.Split(c.AllowedOrigins, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
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

func getEnvBool(key string, fallback bool) bool {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}
