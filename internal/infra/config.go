package infra

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config represents application configuration loaded from environment variables.
type Config struct {
	AppEnv string
	Port   string

	// DatabaseURL is optional; without it records live in memory.
	DatabaseURL string

	KlingAccessKey string
	KlingSecretKey string
	KlingAPIKey    string
	KlingBaseURL   string

	DashScopeAPIKey  string
	DashScopeBaseURL string

	// WebhookCallbackURL, when set, is passed to providers that push
	// terminal states instead of being polled.
	WebhookCallbackURL string

	UploadsDir     string
	StorageBaseURL string

	PollInterval    time.Duration
	PollMaxAttempts int

	StageVideoConcurrency int

	HTTPReadTimeout  time.Duration
	HTTPWriteTimeout time.Duration
	HTTPIdleTimeout  time.Duration
	RateLimitPerMin  int

	CORSAllowedOrigins []string
}

// LoadConfig loads configuration from environment variables and applies defaults where needed.
func LoadConfig() (*Config, error) {
	cfg := &Config{
		AppEnv:      getEnv("APP_ENV", "development"),
		Port:        getEnv("PORT", "8080"),
		DatabaseURL: os.Getenv("DATABASE_URL"),

		KlingAccessKey: os.Getenv("KLING_ACCESS_KEY"),
		KlingSecretKey: os.Getenv("KLING_SECRET_KEY"),
		KlingAPIKey:    os.Getenv("KLING_API_KEY"),
		KlingBaseURL:   os.Getenv("KLING_BASE_URL"),

		DashScopeAPIKey:  os.Getenv("DASHSCOPE_API_KEY"),
		DashScopeBaseURL: os.Getenv("DASHSCOPE_BASE_URL"),

		WebhookCallbackURL: os.Getenv("WEBHOOK_CALLBACK_URL"),

		UploadsDir:     getEnv("UPLOADS_DIR", "uploads"),
		StorageBaseURL: getEnv("STORAGE_BASE_URL", "http://localhost:8080/static"),

		PollInterval:    time.Second * time.Duration(getEnvInt("POLL_INTERVAL_SECONDS", 5)),
		PollMaxAttempts: getEnvInt("POLL_MAX_ATTEMPTS", 120),

		StageVideoConcurrency: getEnvInt("STAGE_VIDEO_CONCURRENCY", 2),

		HTTPReadTimeout:  time.Second * time.Duration(getEnvInt("HTTP_READ_TIMEOUT_SECONDS", 15)),
		HTTPWriteTimeout: time.Second * time.Duration(getEnvInt("HTTP_WRITE_TIMEOUT_SECONDS", 120)),
		HTTPIdleTimeout:  time.Second * time.Duration(getEnvInt("HTTP_IDLE_TIMEOUT_SECONDS", 60)),
		RateLimitPerMin:  getEnvInt("RATE_LIMIT_PER_MINUTE", 60),
	}

	if origins := os.Getenv("CORS_ALLOWED_ORIGINS"); origins != "" {
		for _, origin := range strings.Split(origins, ",") {
			if origin = strings.TrimSpace(origin); origin != "" {
				cfg.CORSAllowedOrigins = append(cfg.CORSAllowedOrigins, origin)
			}
		}
	}

	return cfg, nil
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
