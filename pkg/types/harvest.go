// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package types

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// HarvestCursor is the durable resume point of one (source, query) harvest.
type HarvestCursor struct {
	Source string `json:"source" yaml:"source"`

	// QuerySignature is a stable hash of the query parameters.
	QuerySignature string `json:"query_signature" yaml:"query_signature"`

	// ContinuationToken is opaque to everything but the adapter that
	// produced it. Empty means "start from the beginning".
	ContinuationToken string `json:"continuation_token,omitempty" yaml:"continuation_token,omitempty"`

	// RecordsProcessed counts candidates consumed across all runs.
	RecordsProcessed int64 `json:"records_processed" yaml:"records_processed"`

	// Exhausted is set once the adapter reported there are no more pages.
	Exhausted bool `json:"exhausted" yaml:"exhausted"`

	UpdatedAt time.Time `json:"updated_at" yaml:"updated_at"`
}

// VisitRecord is the fetch ledger entry for one artifact URL.
type VisitRecord struct {
	URL             string         `json:"url" yaml:"url"`
	LastStatus      ArtifactStatus `json:"last_status" yaml:"last_status"`
	LastHTTPStatus  int            `json:"last_http_status,omitempty" yaml:"last_http_status,omitempty"`
	FirstSeenAt     time.Time      `json:"first_seen_at" yaml:"first_seen_at"`
	LastAttemptedAt time.Time      `json:"last_attempted_at" yaml:"last_attempted_at"`
	AttemptCount    int            `json:"attempt_count" yaml:"attempt_count"`
}

// HarvestStatus names how a harvest run ended.
type HarvestStatus string

const (
	HarvestExhausted    HarvestStatus = "exhausted"
	HarvestLimitReached HarvestStatus = "limit_reached"
	HarvestAborted      HarvestStatus = "aborted"
	HarvestCancelled    HarvestStatus = "cancelled"
)

// HarvestMetrics summarizes one harvest run.
type HarvestMetrics struct {
	Source         string        `json:"source" yaml:"source"`
	QuerySignature string        `json:"query_signature" yaml:"query_signature"`
	Pages          int           `json:"pages" yaml:"pages"`
	Processed      int           `json:"processed" yaml:"processed"`
	Inserted       int           `json:"inserted" yaml:"inserted"`
	Updated        int           `json:"updated" yaml:"updated"`
	Errors         int           `json:"errors" yaml:"errors"`
	Status         HarvestStatus `json:"status" yaml:"status"`
	Err            string        `json:"error,omitempty" yaml:"error,omitempty"`
}

// String returns a one-line summary.
func (m HarvestMetrics) String() string {
	s := fmt.Sprintf("%s: %s after %d page(s): %d processed, %d inserted, %d updated, %d errors",
		m.Source, m.Status, m.Pages, m.Processed, m.Inserted, m.Updated, m.Errors)
	if m.Err != "" {
		s += " (" + m.Err + ")"
	}
	return s
}

// FetchMetrics summarizes one fetch run.
type FetchMetrics struct {
	OK           int                    `json:"ok" yaml:"ok"`
	Skipped      int                    `json:"skipped" yaml:"skipped"`
	Failed       map[ArtifactStatus]int `json:"failed" yaml:"failed"`
	MirrorErrors int                    `json:"mirror_errors,omitempty" yaml:"mirror_errors,omitempty"`
}

// AddFailure counts one terminal failure of the given kind.
func (m *FetchMetrics) AddFailure(status ArtifactStatus) {
	if m.Failed == nil {
		m.Failed = make(map[ArtifactStatus]int)
	}
	m.Failed[status]++
}

// FailedTotal returns the number of failed fetches across all kinds.
func (m FetchMetrics) FailedTotal() int {
	n := 0
	for _, c := range m.Failed {
		n += c
	}
	return n
}

// Total returns the number of records processed.
func (m FetchMetrics) Total() int {
	return m.OK + m.Skipped + m.FailedTotal()
}

// String returns a one-line summary with failures broken down by kind.
func (m FetchMetrics) String() string {
	s := fmt.Sprintf("%d ok, %d skipped, %d failed", m.OK, m.Skipped, m.FailedTotal())
	if len(m.Failed) > 0 {
		kinds := make([]string, 0, len(m.Failed))
		for k, v := range m.Failed {
			kinds = append(kinds, fmt.Sprintf("%s=%d", k, v))
		}
		sort.Strings(kinds)
		s += " (" + strings.Join(kinds, ", ") + ")"
	}
	return s + fmt.Sprintf(" (total: %d)", m.Total())
}
