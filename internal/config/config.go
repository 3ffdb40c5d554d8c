// Package config loads and validates the wayfarer configuration file.
package config

import (
	"fmt"
	"strings"
	"time"
)

// Config is the main configuration structure for wayfarer.
//
// The top-level keys are the execution-core options; everything transport-
// or backend-specific lives in its own section.
type Config struct {
	// ScreenshotsDir is where captured PNGs are written and served from.
	ScreenshotsDir string `yaml:"screenshots_dir" json:"screenshots_dir"`

	// MaxConcurrentBrowserSessions caps browser sessions across all tasks.
	MaxConcurrentBrowserSessions int `yaml:"max_concurrent_browser_sessions" json:"max_concurrent_browser_sessions"`

	// PerStepTimeoutSeconds bounds a single browser step.
	PerStepTimeoutSeconds int `yaml:"per_step_timeout_seconds" json:"per_step_timeout_seconds"`

	// TaskGraceSeconds is added to max_steps x per-step timeout to form the
	// overall task deadline.
	TaskGraceSeconds int `yaml:"task_grace_seconds" json:"task_grace_seconds"`

	// EarlyCompletionConfidence is the moving-average threshold that ends an
	// AUTO task early when early completion is allowed.
	EarlyCompletionConfidence float64 `yaml:"early_completion_confidence" json:"early_completion_confidence"`

	// DescriptionCacheEnabled toggles the persistent description cache.
	// Defaults to true; nil means unset.
	DescriptionCacheEnabled *bool `yaml:"description_cache_enabled" json:"description_cache_enabled"`

	// CurrentModelID partitions the description cache and selects the
	// provider adapter ("openai/gpt-4o", "anthropic/claude-sonnet", "none").
	CurrentModelID string `yaml:"current_model_id" json:"current_model_id"`

	// EventBufferSize is the per-subscription bounded buffer length.
	EventBufferSize int `yaml:"event_buffer_size" json:"event_buffer_size"`

	// HeartbeatSeconds is the idle interval before a subscription heartbeat.
	HeartbeatSeconds int `yaml:"heartbeat_seconds" json:"heartbeat_seconds"`

	// ScreenshotRetentionHours is the age after which transient screenshots
	// are deleted. Screenshots attached to unpruned tasks use
	// TaskLinkedRetentionHours instead.
	ScreenshotRetentionHours int `yaml:"screenshot_retention_hours" json:"screenshot_retention_hours"`

	// TaskLinkedRetentionHours is the retention for task-linked screenshots.
	TaskLinkedRetentionHours int `yaml:"task_linked_retention_hours" json:"task_linked_retention_hours"`

	Server     ServerConfig     `yaml:"server" json:"server"`
	Store      StoreConfig      `yaml:"store" json:"store"`
	Browser    BrowserConfig    `yaml:"browser" json:"browser"`
	Artifacts  ArtifactsConfig  `yaml:"artifacts" json:"artifacts"`
	Providers  ProvidersConfig  `yaml:"providers" json:"providers"`
	Evaluation EvaluationConfig `yaml:"evaluation" json:"evaluation"`
	Tracing    TracingConfig    `yaml:"tracing" json:"tracing"`
	Logging    LoggingConfig    `yaml:"logging" json:"logging"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Host     string `yaml:"host" json:"host"`
	HTTPPort int    `yaml:"http_port" json:"http_port"`

	// BaseURL is the externally reachable prefix used when publishing
	// screenshot and progress URLs. Defaults to http://{host}:{port}.
	BaseURL string `yaml:"base_url" json:"base_url"`

	// ShutdownGraceSeconds bounds graceful shutdown.
	ShutdownGraceSeconds int `yaml:"shutdown_grace_seconds" json:"shutdown_grace_seconds"`
}

// StoreConfig selects and configures the relational store.
type StoreConfig struct {
	// Driver is one of "sqlite", "postgres", or "memory".
	Driver string `yaml:"driver" json:"driver"`

	// DSN is the sqlite path or postgres connection string.
	DSN string `yaml:"dsn" json:"dsn"`

	MaxOpenConns    int           `yaml:"max_open_conns" json:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns" json:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" json:"conn_max_lifetime"`
}

// BrowserConfig configures the headless browser driver.
type BrowserConfig struct {
	// Engine is "chromedp" (default) or "playwright".
	Engine string `yaml:"engine" json:"engine"`

	Headless bool `yaml:"headless" json:"headless"`

	// RemoteURL attaches to an already-running browser (chromedp remote
	// debugging URL). Empty launches a local instance.
	RemoteURL string `yaml:"remote_url" json:"remote_url"`

	// DefaultURL is the navigation target the heuristic planner falls back
	// to when an instruction carries no URL.
	DefaultURL string `yaml:"default_url" json:"default_url"`

	ViewportWidth  int `yaml:"viewport_width" json:"viewport_width"`
	ViewportHeight int `yaml:"viewport_height" json:"viewport_height"`
}

// ArtifactsConfig selects the blob backend for step artifacts.
type ArtifactsConfig struct {
	// Backend is "local" (default) or "s3".
	Backend string `yaml:"backend" json:"backend"`

	// Dir is the local backend's base directory.
	Dir string `yaml:"dir" json:"dir"`

	S3 S3Config `yaml:"s3" json:"s3"`
}

// S3Config configures the S3-compatible artifact backend.
type S3Config struct {
	Bucket          string `yaml:"bucket" json:"bucket"`
	Region          string `yaml:"region" json:"region"`
	Endpoint        string `yaml:"endpoint" json:"endpoint"`
	Prefix          string `yaml:"prefix" json:"prefix"`
	AccessKeyID     string `yaml:"access_key_id" json:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key" json:"secret_access_key"`
	UsePathStyle    bool   `yaml:"use_path_style" json:"use_path_style"`
}

// ProvidersConfig holds AI provider credentials for description generation
// and step decomposition.
type ProvidersConfig struct {
	OpenAI    ProviderConfig `yaml:"openai" json:"openai"`
	Anthropic ProviderConfig `yaml:"anthropic" json:"anthropic"`

	// GenerationTimeoutSeconds bounds a single generator call.
	GenerationTimeoutSeconds int `yaml:"generation_timeout_seconds" json:"generation_timeout_seconds"`
}

// ProviderConfig holds one provider's connection settings.
type ProviderConfig struct {
	APIKey  string `yaml:"api_key" json:"api_key"`
	BaseURL string `yaml:"base_url" json:"base_url"`
}

// EvaluationConfig configures the benchmark harness.
type EvaluationConfig struct {
	Enabled bool `yaml:"enabled" json:"enabled"`

	// SpecsDir is scanned for evaluation spec files (.yaml/.json/.json5).
	SpecsDir string `yaml:"specs_dir" json:"specs_dir"`

	// PromotionIntervalSeconds is the cadence at which queued evaluations
	// are promoted to running.
	PromotionIntervalSeconds int `yaml:"promotion_interval_seconds" json:"promotion_interval_seconds"`

	// MaxConcurrent bounds simultaneously running evaluations.
	MaxConcurrent int `yaml:"max_concurrent" json:"max_concurrent"`
}

// TracingConfig configures the OTLP trace exporter. Empty endpoint disables
// tracing.
type TracingConfig struct {
	Endpoint     string            `yaml:"endpoint" json:"endpoint"`
	SamplingRate float64           `yaml:"sampling_rate" json:"sampling_rate"`
	Insecure     bool              `yaml:"insecure" json:"insecure"`
	Environment  string            `yaml:"environment" json:"environment"`
	Attributes   map[string]string `yaml:"attributes" json:"attributes"`
}

// LoggingConfig configures slog output.
type LoggingConfig struct {
	// Level is one of debug, info, warn, error.
	Level string `yaml:"level" json:"level"`

	// Format is "json", "text", or "" for terminal autodetect.
	Format string `yaml:"format" json:"format"`
}

// Default returns a configuration with every default applied.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

func applyDefaults(cfg *Config) {
	if cfg.ScreenshotsDir == "" {
		cfg.ScreenshotsDir = "screenshots"
	}
	if cfg.MaxConcurrentBrowserSessions == 0 {
		cfg.MaxConcurrentBrowserSessions = 5
	}
	if cfg.PerStepTimeoutSeconds == 0 {
		cfg.PerStepTimeoutSeconds = 30
	}
	if cfg.TaskGraceSeconds == 0 {
		cfg.TaskGraceSeconds = 30
	}
	if cfg.EarlyCompletionConfidence == 0 {
		cfg.EarlyCompletionConfidence = 0.8
	}
	if cfg.DescriptionCacheEnabled == nil {
		enabled := true
		cfg.DescriptionCacheEnabled = &enabled
	}
	if cfg.CurrentModelID == "" {
		cfg.CurrentModelID = "none"
	}
	if cfg.EventBufferSize == 0 {
		cfg.EventBufferSize = 64
	}
	if cfg.HeartbeatSeconds == 0 {
		cfg.HeartbeatSeconds = 15
	}
	if cfg.ScreenshotRetentionHours == 0 {
		cfg.ScreenshotRetentionHours = 24
	}
	if cfg.TaskLinkedRetentionHours == 0 {
		cfg.TaskLinkedRetentionHours = 7 * 24
	}

	if cfg.Server.Host == "" {
		cfg.Server.Host = "0.0.0.0"
	}
	if cfg.Server.HTTPPort == 0 {
		cfg.Server.HTTPPort = 8700
	}
	if cfg.Server.BaseURL == "" {
		cfg.Server.BaseURL = fmt.Sprintf("http://%s:%d", cfg.Server.Host, cfg.Server.HTTPPort)
	}
	if cfg.Server.ShutdownGraceSeconds == 0 {
		cfg.Server.ShutdownGraceSeconds = 10
	}

	if cfg.Store.Driver == "" {
		cfg.Store.Driver = "sqlite"
	}
	if cfg.Store.DSN == "" && cfg.Store.Driver == "sqlite" {
		cfg.Store.DSN = "wayfarer.db"
	}
	if cfg.Store.MaxOpenConns == 0 {
		cfg.Store.MaxOpenConns = 10
	}
	if cfg.Store.MaxIdleConns == 0 {
		cfg.Store.MaxIdleConns = 5
	}
	if cfg.Store.ConnMaxLifetime == 0 {
		cfg.Store.ConnMaxLifetime = 5 * time.Minute
	}

	if cfg.Browser.Engine == "" {
		cfg.Browser.Engine = "chromedp"
	}
	if cfg.Browser.DefaultURL == "" {
		cfg.Browser.DefaultURL = "https://www.google.com"
	}
	if cfg.Browser.ViewportWidth == 0 {
		cfg.Browser.ViewportWidth = 1920
	}
	if cfg.Browser.ViewportHeight == 0 {
		cfg.Browser.ViewportHeight = 1080
	}

	if cfg.Artifacts.Backend == "" {
		cfg.Artifacts.Backend = "local"
	}
	if cfg.Artifacts.Dir == "" {
		cfg.Artifacts.Dir = "artifacts"
	}
	if cfg.Artifacts.S3.Region == "" {
		cfg.Artifacts.S3.Region = "us-east-1"
	}

	if cfg.Providers.GenerationTimeoutSeconds == 0 {
		cfg.Providers.GenerationTimeoutSeconds = 45
	}

	if cfg.Evaluation.PromotionIntervalSeconds == 0 {
		cfg.Evaluation.PromotionIntervalSeconds = 60
	}
	if cfg.Evaluation.MaxConcurrent == 0 {
		cfg.Evaluation.MaxConcurrent = 3
	}

	if cfg.Tracing.SamplingRate == 0 {
		cfg.Tracing.SamplingRate = 1.0
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
}

// Validate rejects configurations the server cannot run with.
func (c *Config) Validate() error {
	switch c.Store.Driver {
	case "sqlite", "postgres", "memory":
	default:
		return fmt.Errorf("store.driver: unknown driver %q", c.Store.Driver)
	}
	if c.Store.Driver == "postgres" && strings.TrimSpace(c.Store.DSN) == "" {
		return fmt.Errorf("store.dsn is required for postgres")
	}
	switch c.Browser.Engine {
	case "chromedp", "playwright":
	default:
		return fmt.Errorf("browser.engine: unknown engine %q", c.Browser.Engine)
	}
	switch c.Artifacts.Backend {
	case "local", "s3":
	default:
		return fmt.Errorf("artifacts.backend: unknown backend %q", c.Artifacts.Backend)
	}
	if c.Artifacts.Backend == "s3" && c.Artifacts.S3.Bucket == "" {
		return fmt.Errorf("artifacts.s3.bucket is required for the s3 backend")
	}
	if c.MaxConcurrentBrowserSessions < 1 {
		return fmt.Errorf("max_concurrent_browser_sessions must be >= 1")
	}
	if c.EarlyCompletionConfidence < 0 || c.EarlyCompletionConfidence > 1 {
		return fmt.Errorf("early_completion_confidence must be in [0,1]")
	}
	if c.EventBufferSize < 1 {
		return fmt.Errorf("event_buffer_size must be >= 1")
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level: unknown level %q", c.Logging.Level)
	}
	return nil
}

// PerStepTimeout returns the per-step deadline as a duration.
func (c *Config) PerStepTimeout() time.Duration {
	return time.Duration(c.PerStepTimeoutSeconds) * time.Second
}

// TaskGrace returns the task deadline grace as a duration.
func (c *Config) TaskGrace() time.Duration {
	return time.Duration(c.TaskGraceSeconds) * time.Second
}

// TaskDeadline computes the overall deadline for a task with the given step
// budget: max_steps x per-step timeout + grace.
func (c *Config) TaskDeadline(maxSteps int) time.Duration {
	return time.Duration(maxSteps)*c.PerStepTimeout() + c.TaskGrace()
}

// Heartbeat returns the subscription heartbeat interval.
func (c *Config) Heartbeat() time.Duration {
	return time.Duration(c.HeartbeatSeconds) * time.Second
}

// CacheEnabled reports whether the persistent description cache is on.
func (c *Config) CacheEnabled() bool {
	return c.DescriptionCacheEnabled == nil || *c.DescriptionCacheEnabled
}
