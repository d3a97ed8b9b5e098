// Package config loads and validates service configuration via Viper.
package config

import (
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/linksmith/chrono-scraper-sub004/internal/filter"
)

// Fetch modes.
const (
	FetchWayback  = "wayback"
	FetchHeadless = "headless"
	FetchAuto     = "auto"
)

// Storage backends.
const (
	BackendMemory   = "memory"
	BackendPostgres = "postgres"
	BlobMemory      = "memory"
	BlobLocal       = "local"
	BlobGCS         = "gcs"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Pipeline  PipelineConfig  `mapstructure:"pipeline"`
	Filter    FilterConfig    `mapstructure:"filter"`
	Fetch     FetchConfig     `mapstructure:"fetch"`
	Headless  HeadlessConfig  `mapstructure:"headless"`
	RateLimit RateLimitConfig `mapstructure:"ratelimit"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Database  DatabaseConfig  `mapstructure:"database"`
	PubSub    PubSubConfig    `mapstructure:"pubsub"`
	Events    EventsConfig    `mapstructure:"events"`
	Monitor   MonitorConfig   `mapstructure:"monitor"`
	Tracing   TracingConfig   `mapstructure:"tracing"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	RequestTimeout  time.Duration `mapstructure:"request_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// PipelineConfig governs workers, the state machine timers and retries.
type PipelineConfig struct {
	Workers               int           `mapstructure:"workers"`
	QueueDepth            int           `mapstructure:"queue_depth"`
	CaptureBucket         time.Duration `mapstructure:"capture_bucket"`
	FetchTimeout          time.Duration `mapstructure:"fetch_timeout"`
	FetchAttempts         int           `mapstructure:"fetch_attempts"`
	BackoffInitial        time.Duration `mapstructure:"backoff_initial"`
	BackoffMax            time.Duration `mapstructure:"backoff_max"`
	MaxProcessingDuration time.Duration `mapstructure:"max_processing_duration"`
	SweepInterval         time.Duration `mapstructure:"sweep_interval"`
	MaxRetries            int           `mapstructure:"max_retries"`
	BulkConcurrency       int           `mapstructure:"bulk_concurrency"`
}

// FilterConfig mirrors filter.Config. Zero thresholds disable a rule.
type FilterConfig struct {
	Policy               string              `mapstructure:"policy"`
	DuplicateQueryParams []string            `mapstructure:"duplicate_query_params"`
	ListPagePatterns     []string            `mapstructure:"list_page_patterns"`
	MaxBytes             int64               `mapstructure:"max_bytes"`
	AllowedContentTypes  []string            `mapstructure:"allowed_content_types"`
	MinWordCount         int                 `mapstructure:"min_word_count"`
	CustomRules          []filter.CustomRule `mapstructure:"custom_rules"`
}

// FetchConfig selects and tunes the archive fetcher.
type FetchConfig struct {
	Mode         string `mapstructure:"mode"`
	BaseURL      string `mapstructure:"base_url"`
	UserAgent    string `mapstructure:"user_agent"`
	MaxBodyBytes int    `mapstructure:"max_body_bytes"`
}

// HeadlessConfig configures the chromedp renderer.
type HeadlessConfig struct {
	MaxParallel int           `mapstructure:"max_parallel"`
	NavTimeout  time.Duration `mapstructure:"nav_timeout"`
	SettleDelay time.Duration `mapstructure:"settle_delay"`
	// PromotionThreshold is the body size under which auto mode re-renders a
	// capture headless. Zero uses the detector default.
	PromotionThreshold int `mapstructure:"promotion_threshold"`
}

// RateLimitConfig sets the fetch token buckets.
type RateLimitConfig struct {
	GlobalRPS      float64 `mapstructure:"global_rps"`
	GlobalBurst    int     `mapstructure:"global_burst"`
	PerDomainRPS   float64 `mapstructure:"per_domain_rps"`
	PerDomainBurst int     `mapstructure:"per_domain_burst"`
}

// StorageConfig picks the record and blob backends.
type StorageConfig struct {
	Backend     string `mapstructure:"backend"`
	Blob        string `mapstructure:"blob"`
	LocalDir    string `mapstructure:"local_dir"`
	GCSBucket   string `mapstructure:"gcs_bucket"`
	GCSEndpoint string `mapstructure:"gcs_endpoint"`
	Prefix      string `mapstructure:"prefix"`
}

// DatabaseConfig controls access to Postgres.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
	AutoMigrate     bool          `mapstructure:"auto_migrate"`
}

// PubSubConfig holds Pub/Sub topics and subscriptions. Empty names disable
// the corresponding integration.
type PubSubConfig struct {
	ProjectID              string `mapstructure:"project_id"`
	EventsTopic            string `mapstructure:"events_topic"`
	CandidatesSubscription string `mapstructure:"candidates_subscription"`
}

// EventsConfig tunes the lifecycle event hub.
type EventsConfig struct {
	BufferSize     int           `mapstructure:"buffer_size"`
	MaxBatchEvents int           `mapstructure:"max_batch_events"`
	MaxBatchWait   time.Duration `mapstructure:"max_batch_wait"`
	Kinds          []string      `mapstructure:"kinds"`
	MemoryLimit    int           `mapstructure:"memory_limit"`
}

// MonitorConfig tunes the health monitor.
type MonitorConfig struct {
	ErrorWindow    time.Duration `mapstructure:"error_window"`
	CollectTimeout time.Duration `mapstructure:"collect_timeout"`
}

// TracingConfig toggles OpenTelemetry tracing.
type TracingConfig struct {
	Enabled     bool    `mapstructure:"enabled"`
	ServiceName string  `mapstructure:"service_name"`
	SampleRatio float64 `mapstructure:"sample_ratio"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("CHRONO")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.request_timeout", 60*time.Second)
	v.SetDefault("server.shutdown_timeout", 15*time.Second)
	v.SetDefault("logging.development", true)
	v.SetDefault("pipeline.workers", 4)
	v.SetDefault("pipeline.queue_depth", 256)
	v.SetDefault("pipeline.capture_bucket", 24*time.Hour)
	v.SetDefault("pipeline.fetch_timeout", 30*time.Second)
	v.SetDefault("pipeline.fetch_attempts", 3)
	v.SetDefault("pipeline.backoff_initial", 250*time.Millisecond)
	v.SetDefault("pipeline.backoff_max", 5*time.Second)
	v.SetDefault("pipeline.max_processing_duration", 15*time.Minute)
	v.SetDefault("pipeline.sweep_interval", time.Minute)
	v.SetDefault("pipeline.max_retries", 3)
	v.SetDefault("pipeline.bulk_concurrency", 8)
	v.SetDefault("filter.policy", string(filter.PolicyAutoSkip))
	v.SetDefault("fetch.mode", FetchWayback)
	v.SetDefault("fetch.base_url", "https://web.archive.org/web")
	v.SetDefault("fetch.user_agent", "chrono-scraper/0.1")
	v.SetDefault("fetch.max_body_bytes", 10<<20)
	v.SetDefault("headless.max_parallel", 1)
	v.SetDefault("headless.nav_timeout", 45*time.Second)
	v.SetDefault("headless.settle_delay", 500*time.Millisecond)
	v.SetDefault("ratelimit.global_rps", 10.0)
	v.SetDefault("ratelimit.global_burst", 10)
	v.SetDefault("ratelimit.per_domain_rps", 1.0)
	v.SetDefault("ratelimit.per_domain_burst", 2)
	v.SetDefault("storage.backend", BackendMemory)
	v.SetDefault("storage.blob", BlobMemory)
	v.SetDefault("storage.prefix", "pages")
	v.SetDefault("events.buffer_size", 4096)
	v.SetDefault("events.max_batch_events", 500)
	v.SetDefault("events.max_batch_wait", 500*time.Millisecond)
	v.SetDefault("events.memory_limit", 1000)
	v.SetDefault("monitor.error_window", 24*time.Hour)
	v.SetDefault("monitor.collect_timeout", 5*time.Second)
	v.SetDefault("tracing.service_name", "chrono-scraper")
	v.SetDefault("tracing.sample_ratio", 1.0)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	if c.Pipeline.Workers <= 0 {
		return fmt.Errorf("pipeline.workers must be > 0")
	}
	if c.Pipeline.QueueDepth <= 0 {
		return fmt.Errorf("pipeline.queue_depth must be > 0")
	}
	if c.Pipeline.FetchTimeout <= 0 {
		return fmt.Errorf("pipeline.fetch_timeout must be > 0")
	}
	if c.Pipeline.MaxProcessingDuration <= c.Pipeline.FetchTimeout {
		return fmt.Errorf("pipeline.max_processing_duration must exceed pipeline.fetch_timeout")
	}
	if c.Pipeline.MaxRetries < 0 {
		return fmt.Errorf("pipeline.max_retries must be >= 0")
	}
	switch filter.Policy(c.Filter.Policy) {
	case filter.PolicyAutoSkip, filter.PolicyHoldForReview:
	default:
		return fmt.Errorf("filter.policy must be %q or %q", filter.PolicyAutoSkip, filter.PolicyHoldForReview)
	}
	if c.Filter.MaxBytes < 0 || c.Filter.MinWordCount < 0 {
		return fmt.Errorf("filter thresholds must be >= 0")
	}
	if !slices.Contains([]string{FetchWayback, FetchHeadless, FetchAuto}, c.Fetch.Mode) {
		return fmt.Errorf("fetch.mode must be one of wayback, headless, auto")
	}
	if c.Fetch.Mode != FetchWayback && c.Headless.MaxParallel <= 0 {
		return fmt.Errorf("headless.max_parallel must be > 0 when fetch.mode uses headless")
	}
	switch c.Storage.Backend {
	case BackendMemory:
	case BackendPostgres:
		if c.Database.DSN == "" {
			return fmt.Errorf("database.dsn is required for the postgres backend")
		}
	default:
		return fmt.Errorf("storage.backend must be memory or postgres")
	}
	switch c.Storage.Blob {
	case BlobMemory:
	case BlobLocal:
		if c.Storage.LocalDir == "" {
			return fmt.Errorf("storage.local_dir is required for the local blob store")
		}
	case BlobGCS:
		if c.Storage.GCSBucket == "" {
			return fmt.Errorf("storage.gcs_bucket is required for the gcs blob store")
		}
	default:
		return fmt.Errorf("storage.blob must be memory, local or gcs")
	}
	if (c.PubSub.EventsTopic != "" || c.PubSub.CandidatesSubscription != "") && c.PubSub.ProjectID == "" {
		return fmt.Errorf("pubsub.project_id is required when a topic or subscription is set")
	}
	if c.Tracing.SampleRatio < 0 || c.Tracing.SampleRatio > 1 {
		return fmt.Errorf("tracing.sample_ratio must be within [0,1]")
	}
	return nil
}

// FilterEngineConfig converts the filter section for filter.Build.
func (c Config) FilterEngineConfig() filter.Config {
	return filter.Config{
		Policy:               c.Filter.Policy,
		DuplicateQueryParams: c.Filter.DuplicateQueryParams,
		ListPagePatterns:     c.Filter.ListPagePatterns,
		MaxBytes:             c.Filter.MaxBytes,
		AllowedContentTypes:  c.Filter.AllowedContentTypes,
		MinWordCount:         c.Filter.MinWordCount,
		CustomRules:          c.Filter.CustomRules,
	}
}

// Address returns the HTTP listen address.
func (c Config) Address() string {
	return fmt.Sprintf(":%d", c.Server.Port)
}
