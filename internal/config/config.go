// Package config loads and validates service configuration via Viper.
package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/JakeFAU/vectorroulette/internal/document"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	HTTP     HTTPConfig     `mapstructure:"http"`
	Headless HeadlessConfig `mapstructure:"headless"`
	Sources  SourcesConfig  `mapstructure:"sources"`
	Resolver ResolverConfig `mapstructure:"resolver"`
	Batch    BatchConfig    `mapstructure:"batch"`
	Index    IndexConfig    `mapstructure:"index"`
	Pool     PoolConfig     `mapstructure:"pool"`
	Storage  StorageConfig  `mapstructure:"storage"`
	Archive  ArchiveConfig  `mapstructure:"archive"`
	Bulk     BulkConfig     `mapstructure:"bulk"`
	PubSub   PubSubConfig   `mapstructure:"pubsub"`
	Tracing  TracingConfig  `mapstructure:"tracing"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port                  int    `mapstructure:"port"`
	RequestTimeoutSeconds int    `mapstructure:"request_timeout_seconds"`
	// APIKey, when set, is required on /v1 routes via X-API-Key or ?api_key=.
	APIKey string `mapstructure:"api_key"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// HTTPConfig configures the shared upstream HTTP client.
type HTTPConfig struct {
	UserAgent      string  `mapstructure:"user_agent"`
	TimeoutSeconds int     `mapstructure:"timeout_seconds"`
	MaxBodyBytes   int     `mapstructure:"max_body_bytes"`
	PerHostRPS     float64 `mapstructure:"per_host_rps"`
	PerHostBurst   int     `mapstructure:"per_host_burst"`
}

// HeadlessConfig configures the optional rendered listing fetch.
type HeadlessConfig struct {
	Enabled       bool `mapstructure:"enabled"`
	MaxParallel   int  `mapstructure:"max_parallel"`
	NavTimeoutSec int  `mapstructure:"nav_timeout_seconds"`

	// PromotionMinBytes and PromotionScriptPct tune when an empty listing is re-rendered.
	PromotionMinBytes  int `mapstructure:"promotion_min_bytes"`
	PromotionScriptPct int `mapstructure:"promotion_script_percent"`
}

// SourcesConfig groups per-upstream adapter settings.
type SourcesConfig struct {
	SiteA     SiteConfig `mapstructure:"site_a"`
	SiteB     SiteConfig `mapstructure:"site_b"`
	WikiMedia WikiConfig `mapstructure:"wiki_media"`
}

// SiteConfig describes one HTML-scraped listing site.
type SiteConfig struct {
	Enabled       bool               `mapstructure:"enabled"`
	ListingURL    string             `mapstructure:"listing_url"`
	PageMin       int                `mapstructure:"page_min"`
	PageMax       int                `mapstructure:"page_max"`
	Extension     string             `mapstructure:"extension"`
	RenderListing bool               `mapstructure:"render_listing"`
	Selectors     document.Selectors `mapstructure:"selectors"`
}

// WikiConfig describes the wiki media API upstream.
type WikiConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	APIURL      string `mapstructure:"api_url"`
	SearchQuery string `mapstructure:"search_query"`
	MaxOffset   int    `mapstructure:"max_offset"`
	TimeoutMs   int    `mapstructure:"timeout_ms"`
	ThumbWidth  int    `mapstructure:"thumb_width"`
}

// ResolverConfig tunes the tiered resolver.
type ResolverConfig struct {
	LiveTimeoutMs         int    `mapstructure:"live_timeout_ms"`
	ThrottleWindowSeconds int    `mapstructure:"throttle_window_seconds"`
	ArchiveBaseURL        string `mapstructure:"archive_base_url"`
}

// BatchConfig tunes the batch orchestrator.
type BatchConfig struct {
	Size      int `mapstructure:"size"`
	StaggerMs int `mapstructure:"stagger_ms"`
}

// IndexConfig selects and tunes the cache index backend.
type IndexConfig struct {
	Backend        string         `mapstructure:"backend"`
	Path           string         `mapstructure:"path"`
	RefreshSeconds int            `mapstructure:"refresh_seconds"`
	Postgres       PostgresConfig `mapstructure:"postgres"`
}

// PostgresConfig controls the Postgres index backend.
type PostgresConfig struct {
	DSN      string `mapstructure:"dsn"`
	Table    string `mapstructure:"table"`
	MaxConns int32  `mapstructure:"max_conns"`
}

// PoolConfig points at the static deploy-time pool.
type PoolConfig struct {
	Path string `mapstructure:"path"`
}

// StorageConfig sets where archived assets are written.
type StorageConfig struct {
	Backend     string `mapstructure:"backend"`
	LocalDir    string `mapstructure:"local_dir"`
	GCSBucket   string `mapstructure:"gcs_bucket"`
	Prefix      string `mapstructure:"prefix"`
	ContentType string `mapstructure:"content_type"`
}

// ArchiveConfig tunes the background archive collector.
type ArchiveConfig struct {
	RunInServer       bool     `mapstructure:"run_in_server"`
	PacingMs          int      `mapstructure:"pacing_ms"`
	CooldownSeconds   int      `mapstructure:"cooldown_seconds"`
	Denylist          []string `mapstructure:"denylist"`
	Extension         string   `mapstructure:"extension"`
	MaxFileNameLength int      `mapstructure:"max_file_name_length"`
	ContentMarker     string   `mapstructure:"content_marker"`
	MarkerWindowBytes int      `mapstructure:"marker_window_bytes"`
	MaxBytes          int64    `mapstructure:"max_bytes"`
}

// BulkConfig tunes the offline bulk cache builder.
type BulkConfig struct {
	CandidatesPath       string `mapstructure:"candidates_path"`
	MaxRetries           int    `mapstructure:"max_retries"`
	ThrottleDelaySeconds int    `mapstructure:"throttle_delay_seconds"`
	MaxBytes             int64  `mapstructure:"max_bytes"`
	Concurrency          int    `mapstructure:"concurrency"`
}

// PubSubConfig holds metadata for archive notifications.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
	// MemoryBuffer bounds the in-process event buffer used without a topic.
	MemoryBuffer int `mapstructure:"memory_buffer"`
}

// TracingConfig controls span export.
type TracingConfig struct {
	ProjectID   string  `mapstructure:"project_id"`
	SampleRatio float64 `mapstructure:"sample_ratio"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("VECTOR")
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

	cfg.deriveArchiveBaseURL()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.request_timeout_seconds", 30)
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "")
	v.SetDefault("http.user_agent", "vectorroulette/0.1 (+https://github.com/JakeFAU/vectorroulette)")
	v.SetDefault("http.timeout_seconds", 15)
	v.SetDefault("http.max_body_bytes", 10*1024*1024)
	v.SetDefault("http.per_host_rps", 0)
	v.SetDefault("http.per_host_burst", 1)
	v.SetDefault("headless.enabled", false)
	v.SetDefault("headless.max_parallel", 1)
	v.SetDefault("headless.nav_timeout_seconds", 25)
	v.SetDefault("headless.promotion_min_bytes", 2048)
	v.SetDefault("headless.promotion_script_percent", 25)

	v.SetDefault("sources.site_a.enabled", true)
	v.SetDefault("sources.site_a.listing_url", "https://freesvg.org/?page=%d")
	v.SetDefault("sources.site_a.page_min", 1)
	v.SetDefault("sources.site_a.page_max", 1500)
	v.SetDefault("sources.site_a.extension", ".svg")
	v.SetDefault("sources.site_a.selectors.listing_link", "div.svg-image a[href]")
	v.SetDefault("sources.site_a.selectors.listing_thumb", "img")
	v.SetDefault("sources.site_a.selectors.detail_image", "div.svg-image img")
	v.SetDefault("sources.site_a.selectors.detail_image_attr", "src")
	v.SetDefault("sources.site_a.selectors.download_link", "a.btn-download[href]")
	v.SetDefault("sources.site_a.selectors.heading", "h1")

	v.SetDefault("sources.site_b.enabled", true)
	v.SetDefault("sources.site_b.listing_url", "https://publicdomainvectors.org/en/free-clipart/date/svg/%d")
	v.SetDefault("sources.site_b.page_min", 1)
	v.SetDefault("sources.site_b.page_max", 800)
	v.SetDefault("sources.site_b.extension", ".svg")
	v.SetDefault("sources.site_b.selectors.listing_link", "div.vector a[href]")
	v.SetDefault("sources.site_b.selectors.listing_thumb", "img")
	v.SetDefault("sources.site_b.selectors.detail_image", "div.mainimage img")
	v.SetDefault("sources.site_b.selectors.detail_image_attr", "src")
	v.SetDefault("sources.site_b.selectors.download_link", "a.download-svg[href]")
	v.SetDefault("sources.site_b.selectors.heading", "h1")

	v.SetDefault("sources.wiki_media.enabled", true)
	v.SetDefault("sources.wiki_media.api_url", "https://commons.wikimedia.org/w/api.php")
	v.SetDefault("sources.wiki_media.search_query", "filemime:image/svg+xml")
	v.SetDefault("sources.wiki_media.max_offset", 9999)
	v.SetDefault("sources.wiki_media.timeout_ms", 2000)
	v.SetDefault("sources.wiki_media.thumb_width", 320)

	v.SetDefault("resolver.live_timeout_ms", 8000)
	v.SetDefault("resolver.throttle_window_seconds", 60)
	v.SetDefault("resolver.archive_base_url", "/archive/")
	v.SetDefault("batch.size", 6)
	v.SetDefault("batch.stagger_ms", 350)

	v.SetDefault("index.backend", "file")
	v.SetDefault("index.path", "data/index.json")
	v.SetDefault("index.refresh_seconds", 30)
	v.SetDefault("index.postgres.table", "cache_entries")
	v.SetDefault("index.postgres.max_conns", 4)
	v.SetDefault("pool.path", "data/pool.json")

	v.SetDefault("storage.backend", "local")
	v.SetDefault("storage.local_dir", "data/archive")
	v.SetDefault("storage.content_type", "image/svg+xml")

	v.SetDefault("archive.run_in_server", false)
	v.SetDefault("archive.pacing_ms", 3000)
	v.SetDefault("archive.cooldown_seconds", 120)
	v.SetDefault("archive.denylist", []string{"flag of", "coat of arms", "logo", "emblem"})
	v.SetDefault("archive.extension", ".svg")
	v.SetDefault("archive.max_file_name_length", 80)
	v.SetDefault("archive.content_marker", "<svg")
	v.SetDefault("archive.marker_window_bytes", 4096)
	v.SetDefault("archive.max_bytes", 5*1024*1024)

	v.SetDefault("bulk.max_retries", 3)
	v.SetDefault("bulk.throttle_delay_seconds", 30)
	v.SetDefault("bulk.max_bytes", 2*1024*1024)
	v.SetDefault("bulk.concurrency", 2)

	v.SetDefault("pubsub.memory_buffer", 100)
	v.SetDefault("tracing.project_id", "")
	v.SetDefault("tracing.sample_ratio", 1.0)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.HTTP.TimeoutSeconds <= 0 {
		return fmt.Errorf("http.timeout_seconds must be > 0")
	}
	if c.Headless.Enabled && c.Headless.MaxParallel <= 0 {
		return fmt.Errorf("headless.max_parallel must be > 0 when headless is enabled")
	}
	if !c.Sources.SiteA.Enabled && !c.Sources.SiteB.Enabled && !c.Sources.WikiMedia.Enabled {
		return fmt.Errorf("at least one source must be enabled")
	}
	if err := c.Sources.SiteA.validate("sources.site_a"); err != nil {
		return err
	}
	if err := c.Sources.SiteB.validate("sources.site_b"); err != nil {
		return err
	}
	if c.Sources.WikiMedia.Enabled {
		if c.Sources.WikiMedia.APIURL == "" {
			return fmt.Errorf("sources.wiki_media.api_url is required")
		}
		if c.Sources.WikiMedia.TimeoutMs <= 0 {
			return fmt.Errorf("sources.wiki_media.timeout_ms must be > 0")
		}
	}
	if c.Batch.Size <= 0 {
		return fmt.Errorf("batch.size must be > 0")
	}
	if c.Resolver.ThrottleWindowSeconds <= 0 {
		return fmt.Errorf("resolver.throttle_window_seconds must be > 0")
	}
	switch c.Index.Backend {
	case "file":
		if c.Index.Path == "" {
			return fmt.Errorf("index.path is required for the file backend")
		}
	case "postgres":
		if c.Index.Postgres.DSN == "" {
			return fmt.Errorf("index.postgres.dsn is required for the postgres backend")
		}
	default:
		return fmt.Errorf("unknown index.backend %q", c.Index.Backend)
	}
	switch c.Storage.Backend {
	case "local":
		if c.Storage.LocalDir == "" {
			return fmt.Errorf("storage.local_dir is required for the local backend")
		}
	case "gcs":
		if c.Storage.GCSBucket == "" {
			return fmt.Errorf("storage.gcs_bucket is required for the gcs backend")
		}
		if !isAbsoluteURL(c.Resolver.ArchiveBaseURL) {
			return fmt.Errorf("resolver.archive_base_url must be an absolute URL for the gcs backend, got %q", c.Resolver.ArchiveBaseURL)
		}
	case "memory":
	default:
		return fmt.Errorf("unknown storage.backend %q", c.Storage.Backend)
	}
	if c.HTTP.MaxBodyBytes > 0 {
		if int64(c.HTTP.MaxBodyBytes) <= c.Archive.MaxBytes {
			return fmt.Errorf("http.max_body_bytes (%d) must exceed archive.max_bytes (%d)", c.HTTP.MaxBodyBytes, c.Archive.MaxBytes)
		}
		if int64(c.HTTP.MaxBodyBytes) <= c.Bulk.MaxBytes {
			return fmt.Errorf("http.max_body_bytes (%d) must exceed bulk.max_bytes (%d)", c.HTTP.MaxBodyBytes, c.Bulk.MaxBytes)
		}
	}
	if c.Tracing.SampleRatio < 0 || c.Tracing.SampleRatio > 1 {
		return fmt.Errorf("tracing.sample_ratio must be within [0, 1]")
	}
	if c.PubSub.TopicName != "" && c.PubSub.ProjectID == "" {
		return fmt.Errorf("pubsub.project_id must be set when pubsub.topic_name is set")
	}
	return nil
}

func (s SiteConfig) validate(prefix string) error {
	if !s.Enabled {
		return nil
	}
	if !strings.Contains(s.ListingURL, "%d") {
		return fmt.Errorf("%s.listing_url must contain a %%d page placeholder", prefix)
	}
	if s.PageMin <= 0 || s.PageMax < s.PageMin {
		return fmt.Errorf("%s page range [%d, %d] is invalid", prefix, s.PageMin, s.PageMax)
	}
	if s.Selectors.ListingLink == "" {
		return fmt.Errorf("%s.selectors.listing_link is required", prefix)
	}
	return nil
}

// HTTPTimeout returns the upstream request timeout.
func (c Config) HTTPTimeout() time.Duration {
	return time.Duration(c.HTTP.TimeoutSeconds) * time.Second
}

// LiveTimeout returns the per-resolution live tier deadline.
func (c Config) LiveTimeout() time.Duration {
	return time.Duration(c.Resolver.LiveTimeoutMs) * time.Millisecond
}

// ThrottleWindow returns the serving-path throttle window.
func (c Config) ThrottleWindow() time.Duration {
	return time.Duration(c.Resolver.ThrottleWindowSeconds) * time.Second
}

// WikiTimeout returns the wiki adapter's client-side timeout.
func (c Config) WikiTimeout() time.Duration {
	return time.Duration(c.Sources.WikiMedia.TimeoutMs) * time.Millisecond
}

// Stagger returns the per-call delay between live calls to one upstream in a batch.
func (c Config) Stagger() time.Duration {
	return time.Duration(c.Batch.StaggerMs) * time.Millisecond
}

// IndexRefresh returns how often the serving path re-reads the index.
func (c Config) IndexRefresh() time.Duration {
	return time.Duration(c.Index.RefreshSeconds) * time.Second
}

// ArchivePacing returns the delay between collector iterations.
func (c Config) ArchivePacing() time.Duration {
	return time.Duration(c.Archive.PacingMs) * time.Millisecond
}

// ArchiveCooldown returns the collector's sleep after a throttle.
func (c Config) ArchiveCooldown() time.Duration {
	return time.Duration(c.Archive.CooldownSeconds) * time.Second
}

// BulkThrottleDelay returns the builder's wait after a throttle.
func (c Config) BulkThrottleDelay() time.Duration {
	return time.Duration(c.Bulk.ThrottleDelaySeconds) * time.Second
}

// RequestTimeout returns the per-request HTTP server deadline.
func (c Config) RequestTimeout() time.Duration {
	return time.Duration(c.Server.RequestTimeoutSeconds) * time.Second
}

// deriveArchiveBaseURL points cached items at the public bucket URL when objects live in GCS
// and no absolute base URL was configured.
func (c *Config) deriveArchiveBaseURL() {
	if c.Storage.Backend != "gcs" || c.Storage.GCSBucket == "" || isAbsoluteURL(c.Resolver.ArchiveBaseURL) {
		return
	}
	base := "https://storage.googleapis.com/" + c.Storage.GCSBucket + "/"
	if prefix := strings.Trim(c.Storage.Prefix, "/"); prefix != "" {
		base += prefix + "/"
	}
	c.Resolver.ArchiveBaseURL = base
}

func isAbsoluteURL(raw string) bool {
	u, err := url.Parse(raw)
	return err == nil && u.IsAbs() && u.Host != ""
}
