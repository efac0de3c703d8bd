// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package types

import "time"

// HTTPConfig holds shared HTTP settings used by stages that make network requests.
type HTTPConfig struct {
	// Timeout is the HTTP request timeout.
	Timeout time.Duration `json:"timeout" yaml:"timeout" mapstructure:"timeout"`

	// UserAgent is the User-Agent header sent with HTTP requests
	// (e.g. "harvest-engine/0.1").
	UserAgent string `json:"user_agent" yaml:"user_agent" mapstructure:"user_agent"`

	// ContactEmail is appended to the User-Agent and sent as mailto to
	// APIs with a polite pool (OpenAlex, Crossref).
	ContactEmail string `json:"contact_email,omitempty" yaml:"contact_email,omitempty" mapstructure:"contact_email"`
}

// RateLimitConfig sets the minimum spacing between requests to one origin.
// Each request waits BaseDelay plus a uniform random jitter in [0, Jitter].
type RateLimitConfig struct {
	BaseDelay time.Duration `json:"base_delay" yaml:"base_delay" mapstructure:"base_delay"`
	Jitter    time.Duration `json:"jitter" yaml:"jitter" mapstructure:"jitter"`
}

// RetryConfig controls exponential backoff for transient failures.
type RetryConfig struct {
	// MaxRetries is the total number of attempts, including the first.
	MaxRetries int `json:"max_retries" yaml:"max_retries" mapstructure:"max_retries"`

	// BaseDelay is the wait before the second attempt; it doubles after each attempt.
	BaseDelay time.Duration `json:"base_delay" yaml:"base_delay" mapstructure:"base_delay"`

	// MaxDelay caps a single backoff wait (0 = uncapped).
	MaxDelay time.Duration `json:"max_delay" yaml:"max_delay" mapstructure:"max_delay"`
}

// StoreConfig selects and configures the record store backend.
type StoreConfig struct {
	// Driver is "sqlite" (default) or "postgres".
	Driver string `json:"driver" yaml:"driver" mapstructure:"driver"`

	// Path is the SQLite database file.
	Path string `json:"path" yaml:"path" mapstructure:"path"`

	// DSN is the PostgreSQL connection string.
	DSN string `json:"dsn,omitempty" yaml:"dsn,omitempty" mapstructure:"dsn"`

	MaxConns int32 `json:"max_conns,omitempty" yaml:"max_conns,omitempty" mapstructure:"max_conns"`
}

// HarvestConfig holds settings for the harvest stage.
type HarvestConfig struct {
	HTTPConfig `yaml:",inline" mapstructure:",squash"`

	// PageSize is the number of records requested per page (default 100).
	PageSize int `json:"page_size" yaml:"page_size" mapstructure:"page_size"`

	// MaxRecords caps records processed per invocation (0 = unbounded).
	MaxRecords int `json:"max_records" yaml:"max_records" mapstructure:"max_records"`

	// RateLimit is the default politeness policy for source origins.
	RateLimit RateLimitConfig `json:"rate_limit" yaml:"rate_limit" mapstructure:"rate_limit"`

	// SourceRateLimits overrides RateLimit per source name.
	SourceRateLimits map[string]RateLimitConfig `json:"source_rate_limits,omitempty" yaml:"source_rate_limits,omitempty" mapstructure:"source_rate_limits"`

	Retry RetryConfig `json:"retry" yaml:"retry" mapstructure:"retry"`
}

// FetchConfig holds settings for the artifact fetch stage.
type FetchConfig struct {
	HTTPConfig `yaml:",inline" mapstructure:",squash"`

	// Dir is the base directory for fetched artifacts.
	Dir string `json:"dir" yaml:"dir" mapstructure:"dir"`

	// MaxBytes is the artifact size cap (0 = unbounded).
	MaxBytes int64 `json:"max_bytes" yaml:"max_bytes" mapstructure:"max_bytes"`

	// Workers is the number of concurrent fetches (default 1).
	Workers int `json:"workers" yaml:"workers" mapstructure:"workers"`

	// FailureCooldown skips URLs that failed permanently within this window.
	FailureCooldown time.Duration `json:"failure_cooldown" yaml:"failure_cooldown" mapstructure:"failure_cooldown"`

	RateLimit RateLimitConfig `json:"rate_limit" yaml:"rate_limit" mapstructure:"rate_limit"`
	Retry     RetryConfig     `json:"retry" yaml:"retry" mapstructure:"retry"`
}

// ScoringConfig holds keyword lists and weights for relevance scoring.
type ScoringConfig struct {
	Positive []string `json:"positive" yaml:"positive" mapstructure:"positive"`
	Negative []string `json:"negative" yaml:"negative" mapstructure:"negative"`

	// TitleWeight is added per positive keyword found in the title (default 2).
	TitleWeight float64 `json:"title_weight" yaml:"title_weight" mapstructure:"title_weight"`

	// AbstractWeight is added per positive keyword found in the abstract (default 1).
	AbstractWeight float64 `json:"abstract_weight" yaml:"abstract_weight" mapstructure:"abstract_weight"`

	// NegativeWeight is subtracted per negative keyword found (default 1.5).
	NegativeWeight float64 `json:"negative_weight" yaml:"negative_weight" mapstructure:"negative_weight"`
}

// SourcesConfig holds per-adapter credentials and endpoints.
type SourcesConfig struct {
	OpenAlexEmail         string `json:"openalex_email,omitempty" yaml:"openalex_email,omitempty" mapstructure:"openalex_email"`
	CrossrefMailto        string `json:"crossref_mailto,omitempty" yaml:"crossref_mailto,omitempty" mapstructure:"crossref_mailto"`
	SemanticScholarAPIKey string `json:"semantic_scholar_api_key,omitempty" yaml:"semantic_scholar_api_key,omitempty" mapstructure:"semantic_scholar_api_key"`

	// OAIBaseURL is the OAI-PMH endpoint (default arXiv).
	OAIBaseURL string `json:"oai_base_url,omitempty" yaml:"oai_base_url,omitempty" mapstructure:"oai_base_url"`

	// SitemapURL is the sitemap the sitemap adapter walks.
	SitemapURL string `json:"sitemap_url,omitempty" yaml:"sitemap_url,omitempty" mapstructure:"sitemap_url"`

	// SitemapIgnoreRobots skips the robots.txt check before landing pages
	// are read.
	SitemapIgnoreRobots bool `json:"sitemap_ignore_robots,omitempty" yaml:"sitemap_ignore_robots,omitempty" mapstructure:"sitemap_ignore_robots"`
}

// MirrorConfig selects an object store that fetched artifacts are copied to.
type MirrorConfig struct {
	// Provider is "", "gcs", or "s3". Empty disables mirroring.
	Provider string `json:"provider" yaml:"provider" mapstructure:"provider"`
	Bucket   string `json:"bucket" yaml:"bucket" mapstructure:"bucket"`
	Prefix   string `json:"prefix" yaml:"prefix" mapstructure:"prefix"`

	// Region, Endpoint, AccessKey and SecretKey apply to S3-compatible stores.
	Region    string `json:"region,omitempty" yaml:"region,omitempty" mapstructure:"region"`
	Endpoint  string `json:"endpoint,omitempty" yaml:"endpoint,omitempty" mapstructure:"endpoint"`
	AccessKey string `json:"access_key,omitempty" yaml:"access_key,omitempty" mapstructure:"access_key"`
	SecretKey string `json:"secret_key,omitempty" yaml:"secret_key,omitempty" mapstructure:"secret_key"`

	// IncludeSidecars also uploads the metadata sidecar.
	IncludeSidecars bool `json:"include_sidecars" yaml:"include_sidecars" mapstructure:"include_sidecars"`
}

// ServerConfig holds settings for the status API and scheduled harvests.
type ServerConfig struct {
	Addr string `json:"addr" yaml:"addr" mapstructure:"addr"`

	// Schedule is a cron spec (e.g. "@every 6h") for running the harvest plan.
	Schedule string `json:"schedule,omitempty" yaml:"schedule,omitempty" mapstructure:"schedule"`

	// PlanFile is the harvest plan run on Schedule.
	PlanFile string `json:"plan_file,omitempty" yaml:"plan_file,omitempty" mapstructure:"plan_file"`
}

// LogConfig controls logger construction.
type LogConfig struct {
	Development bool `json:"development" yaml:"development" mapstructure:"development"`
}

// Config groups all stage configurations.
type Config struct {
	Store   StoreConfig   `json:"store" yaml:"store" mapstructure:"store"`
	Harvest HarvestConfig `json:"harvest" yaml:"harvest" mapstructure:"harvest"`
	Fetch   FetchConfig   `json:"fetch" yaml:"fetch" mapstructure:"fetch"`
	Scoring ScoringConfig `json:"scoring" yaml:"scoring" mapstructure:"scoring"`
	Sources SourcesConfig `json:"sources" yaml:"sources" mapstructure:"sources"`
	Mirror  MirrorConfig  `json:"mirror" yaml:"mirror" mapstructure:"mirror"`
	Server  ServerConfig  `json:"server" yaml:"server" mapstructure:"server"`
	Log     LogConfig     `json:"log" yaml:"log" mapstructure:"log"`
}
