package infra

import (
	"testing"
	"time"
)

func TestLoadConfigDefaults(t *testing.T) {
	t.Setenv("PORT", "")
	t.Setenv("DATABASE_URL", "")
	t.Setenv("UPLOADS_DIR", "")
	t.Setenv("POLL_INTERVAL_SECONDS", "")

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}
	if cfg.Port != "8080" {
		t.Fatalf("Port = %q, want 8080", cfg.Port)
	}
	if cfg.DatabaseURL != "" {
		t.Fatalf("DatabaseURL = %q, want empty (in-memory store)", cfg.DatabaseURL)
	}
	if cfg.UploadsDir != "uploads" {
		t.Fatalf("UploadsDir = %q", cfg.UploadsDir)
	}
	if cfg.PollInterval != 5*time.Second {
		t.Fatalf("PollInterval = %v", cfg.PollInterval)
	}
	if cfg.PollMaxAttempts != 120 {
		t.Fatalf("PollMaxAttempts = %d", cfg.PollMaxAttempts)
	}
	if cfg.StageVideoConcurrency != 2 {
		t.Fatalf("StageVideoConcurrency = %d", cfg.StageVideoConcurrency)
	}
}

func TestLoadConfigReadsProviderCredentials(t *testing.T) {
	t.Setenv("KLING_ACCESS_KEY", "ak")
	t.Setenv("KLING_SECRET_KEY", "sk")
	t.Setenv("DASHSCOPE_API_KEY", "ds")
	t.Setenv("WEBHOOK_CALLBACK_URL", "https://hooks.example.com/webhooks/kling")

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}
	if cfg.KlingAccessKey != "ak" || cfg.KlingSecretKey != "sk" {
		t.Fatalf("kling credentials = %q/%q", cfg.KlingAccessKey, cfg.KlingSecretKey)
	}
	if cfg.DashScopeAPIKey != "ds" {
		t.Fatalf("dashscope key = %q", cfg.DashScopeAPIKey)
	}
	if cfg.WebhookCallbackURL == "" {
		t.Fatal("webhook callback url not read")
	}
}

func TestLoadConfigOverrides(t *testing.T) {
	t.Setenv("POLL_INTERVAL_SECONDS", "2")
	t.Setenv("POLL_MAX_ATTEMPTS", "10")
	t.Setenv("STAGE_VIDEO_CONCURRENCY", "4")
	t.Setenv("RATE_LIMIT_PER_MINUTE", "bogus")

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}
	if cfg.PollInterval != 2*time.Second || cfg.PollMaxAttempts != 10 {
		t.Fatalf("poll settings = %v/%d", cfg.PollInterval, cfg.PollMaxAttempts)
	}
	if cfg.StageVideoConcurrency != 4 {
		t.Fatalf("StageVideoConcurrency = %d", cfg.StageVideoConcurrency)
	}
	// Unparseable numbers fall back to the default.
	if cfg.RateLimitPerMin != 60 {
		t.Fatalf("RateLimitPerMin = %d, want default 60", cfg.RateLimitPerMin)
	}
}
