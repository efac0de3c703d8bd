// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package main

import (
	"fmt"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/pdiddy/harvest-engine/internal/fetch"
	"github.com/pdiddy/harvest-engine/internal/secrets"
	"github.com/pdiddy/harvest-engine/pkg/types"
)

const defaultUserAgent = "harvest-engine/0.1"

// setDefaults registers every configuration key, so environment variables
// reach viper.Unmarshal even when no config file mentions the key.
func setDefaults(v *viper.Viper) {
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.path", "data/harvest.db")
	v.SetDefault("store.dsn", "")
	v.SetDefault("store.max_conns", 4)

	v.SetDefault("harvest.timeout", 30*time.Second)
	v.SetDefault("harvest.user_agent", defaultUserAgent)
	v.SetDefault("harvest.contact_email", "")
	v.SetDefault("harvest.page_size", 100)
	v.SetDefault("harvest.max_records", 0)
	v.SetDefault("harvest.rate_limit.base_delay", time.Second)
	v.SetDefault("harvest.rate_limit.jitter", 500*time.Millisecond)
	v.SetDefault("harvest.retry.max_retries", 4)
	v.SetDefault("harvest.retry.base_delay", 2*time.Second)
	v.SetDefault("harvest.retry.max_delay", time.Minute)

	v.SetDefault("fetch.timeout", 60*time.Second)
	v.SetDefault("fetch.user_agent", defaultUserAgent)
	v.SetDefault("fetch.contact_email", "")
	v.SetDefault("fetch.dir", fetch.DefaultDir)
	v.SetDefault("fetch.max_bytes", 100<<20)
	v.SetDefault("fetch.workers", 2)
	v.SetDefault("fetch.failure_cooldown", 24*time.Hour)
	v.SetDefault("fetch.rate_limit.base_delay", time.Second)
	v.SetDefault("fetch.rate_limit.jitter", 500*time.Millisecond)
	v.SetDefault("fetch.retry.max_retries", 3)
	v.SetDefault("fetch.retry.base_delay", 2*time.Second)
	v.SetDefault("fetch.retry.max_delay", 30*time.Second)

	v.SetDefault("scoring.positive", []string{})
	v.SetDefault("scoring.negative", []string{})
	v.SetDefault("scoring.title_weight", 2.0)
	v.SetDefault("scoring.abstract_weight", 1.0)
	v.SetDefault("scoring.negative_weight", 1.5)

	v.SetDefault("sources.openalex_email", "")
	v.SetDefault("sources.crossref_mailto", "")
	v.SetDefault("sources.semantic_scholar_api_key", "")
	v.SetDefault("sources.oai_base_url", "")
	v.SetDefault("sources.sitemap_url", "")
	v.SetDefault("sources.sitemap_ignore_robots", false)

	v.SetDefault("mirror.provider", "")
	v.SetDefault("mirror.bucket", "")
	v.SetDefault("mirror.prefix", "")
	v.SetDefault("mirror.region", "")
	v.SetDefault("mirror.endpoint", "")
	v.SetDefault("mirror.access_key", "")
	v.SetDefault("mirror.secret_key", "")
	v.SetDefault("mirror.include_sidecars", false)

	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.schedule", "")
	v.SetDefault("server.plan_file", "")

	v.SetDefault("log.development", false)
}

// loadConfig decodes v into a Config and fills credentials the config
// left empty from the secrets directory.
func loadConfig(v *viper.Viper, loaded map[string]string) (types.Config, error) {
	var cfg types.Config
	if err := v.Unmarshal(&cfg); err != nil {
		return cfg, fmt.Errorf("parsing configuration: %w", err)
	}
	secrets.Apply(&cfg, loaded)
	return cfg, nil
}

// bindFlag makes a flag override the configuration key when it is set on
// the command line.
func bindFlag(f *pflag.Flag, key string) {
	if err := viper.BindPFlag(key, f); err != nil {
		panic(fmt.Sprintf("binding flag %s: %v", f.Name, err))
	}
}
