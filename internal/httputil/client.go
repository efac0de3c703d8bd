// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package httputil

import (
	"net/http"
	"time"

	"github.com/pdiddy/harvest-engine/pkg/types"
)

const (
	defaultTimeout   = 60 * time.Second
	defaultUserAgent = "harvest-engine/0.1"
)

// NewClient returns an HTTP client with the configured timeout.
func NewClient(cfg types.HTTPConfig) *http.Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &http.Client{Timeout: timeout}
}

// UserAgent returns the configured User-Agent with the contact address
// appended, as polite API pools ask for.
func UserAgent(cfg types.HTTPConfig) string {
	ua := cfg.UserAgent
	if ua == "" {
		ua = defaultUserAgent
	}
	if cfg.ContactEmail != "" {
		ua += " (mailto:" + cfg.ContactEmail + ")"
	}
	return ua
}
