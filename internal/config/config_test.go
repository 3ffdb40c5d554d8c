package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaults(t *testing.T) {
	cfg := Default()

	if cfg.MaxConcurrentBrowserSessions != 5 {
		t.Errorf("MaxConcurrentBrowserSessions = %d, want 5", cfg.MaxConcurrentBrowserSessions)
	}
	if cfg.EventBufferSize != 64 {
		t.Errorf("EventBufferSize = %d, want 64", cfg.EventBufferSize)
	}
	if cfg.HeartbeatSeconds != 15 {
		t.Errorf("HeartbeatSeconds = %d, want 15", cfg.HeartbeatSeconds)
	}
	if cfg.ScreenshotRetentionHours != 24 {
		t.Errorf("ScreenshotRetentionHours = %d, want 24", cfg.ScreenshotRetentionHours)
	}
	if cfg.TaskLinkedRetentionHours != 168 {
		t.Errorf("TaskLinkedRetentionHours = %d, want 168", cfg.TaskLinkedRetentionHours)
	}
	if cfg.EarlyCompletionConfidence != 0.8 {
		t.Errorf("EarlyCompletionConfidence = %v, want 0.8", cfg.EarlyCompletionConfidence)
	}
	if !cfg.CacheEnabled() {
		t.Error("CacheEnabled() = false, want true by default")
	}
	if cfg.Store.Driver != "sqlite" {
		t.Errorf("Store.Driver = %q, want sqlite", cfg.Store.Driver)
	}
	if cfg.Browser.Engine != "chromedp" {
		t.Errorf("Browser.Engine = %q, want chromedp", cfg.Browser.Engine)
	}
	if cfg.Evaluation.PromotionIntervalSeconds != 60 {
		t.Errorf("Evaluation.PromotionIntervalSeconds = %d, want 60", cfg.Evaluation.PromotionIntervalSeconds)
	}
	if cfg.Evaluation.MaxConcurrent != 3 {
		t.Errorf("Evaluation.MaxConcurrent = %d, want 3", cfg.Evaluation.MaxConcurrent)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config failed validation: %v", err)
	}
}

func TestLoadYAML(t *testing.T) {
	t.Setenv("WAYFARER_TEST_KEY", "sk-secret")

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `
screenshots_dir: /tmp/shots
max_concurrent_browser_sessions: 3
current_model_id: openai/gpt-4o
server:
  http_port: 9100
providers:
  openai:
    api_key: ${WAYFARER_TEST_KEY}
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.ScreenshotsDir != "/tmp/shots" {
		t.Errorf("ScreenshotsDir = %q, want /tmp/shots", cfg.ScreenshotsDir)
	}
	if cfg.MaxConcurrentBrowserSessions != 3 {
		t.Errorf("MaxConcurrentBrowserSessions = %d, want 3", cfg.MaxConcurrentBrowserSessions)
	}
	if cfg.Server.HTTPPort != 9100 {
		t.Errorf("Server.HTTPPort = %d, want 9100", cfg.Server.HTTPPort)
	}
	if cfg.Providers.OpenAI.APIKey != "sk-secret" {
		t.Errorf("APIKey = %q, want env-expanded value", cfg.Providers.OpenAI.APIKey)
	}
	// Untouched keys still get defaults.
	if cfg.EventBufferSize != 64 {
		t.Errorf("EventBufferSize = %d, want default 64", cfg.EventBufferSize)
	}
}

func TestLoadJSON5(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json5")
	content := `{
  // comments are allowed here
  heartbeat_seconds: 5,
  store: { driver: "memory" },
}`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.HeartbeatSeconds != 5 {
		t.Errorf("HeartbeatSeconds = %d, want 5", cfg.HeartbeatSeconds)
	}
	if cfg.Store.Driver != "memory" {
		t.Errorf("Store.Driver = %q, want memory", cfg.Store.Driver)
	}
}

func TestLoadOrDefaultMissingFile(t *testing.T) {
	cfg, err := LoadOrDefault(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("LoadOrDefault() error: %v", err)
	}
	if cfg.Server.HTTPPort != 8700 {
		t.Errorf("HTTPPort = %d, want default 8700", cfg.Server.HTTPPort)
	}
}

func TestValidateRejections(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"bad store driver", func(c *Config) { c.Store.Driver = "oracle" }},
		{"postgres without dsn", func(c *Config) { c.Store.Driver = "postgres"; c.Store.DSN = "" }},
		{"bad browser engine", func(c *Config) { c.Browser.Engine = "selenium" }},
		{"bad artifacts backend", func(c *Config) { c.Artifacts.Backend = "gcs" }},
		{"s3 without bucket", func(c *Config) { c.Artifacts.Backend = "s3"; c.Artifacts.S3.Bucket = "" }},
		{"zero sessions", func(c *Config) { c.MaxConcurrentBrowserSessions = -1 }},
		{"confidence out of range", func(c *Config) { c.EarlyCompletionConfidence = 1.5 }},
		{"bad log level", func(c *Config) { c.Logging.Level = "verbose" }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Fatal("Validate() = nil, want error")
			}
		})
	}
}

func TestTaskDeadline(t *testing.T) {
	cfg := Default()
	got := cfg.TaskDeadline(10)
	want := 10*30*time.Second + 30*time.Second
	if got != want {
		t.Errorf("TaskDeadline(10) = %v, want %v", got, want)
	}
}

func TestCacheEnabledExplicitFalse(t *testing.T) {
	disabled := false
	cfg := Default()
	cfg.DescriptionCacheEnabled = &disabled
	if cfg.CacheEnabled() {
		t.Error("CacheEnabled() = true after explicit disable")
	}
}

func TestSchemaJSON(t *testing.T) {
	data, err := SchemaJSON()
	if err != nil {
		t.Fatalf("SchemaJSON() error: %v", err)
	}
	if len(data) == 0 {
		t.Fatal("SchemaJSON() returned empty document")
	}
}
