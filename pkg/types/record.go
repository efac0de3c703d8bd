// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

// Package types defines shared data structures for the harvest-engine pipeline:
// harvested records, harvest cursors, the artifact visit ledger, run metrics,
// configuration, and the error taxonomy shared by every stage.
package types

import (
	"slices"
	"time"
	"unicode/utf8"
)

// ArtifactStatus tracks the outcome of fetching a record's artifact.
type ArtifactStatus string

const (
	ArtifactUnfetched ArtifactStatus = "unfetched"
	ArtifactOK        ArtifactStatus = "ok"
	ArtifactNotFound  ArtifactStatus = "not_found"
	ArtifactForbidden ArtifactStatus = "forbidden"
	ArtifactTooLarge  ArtifactStatus = "too_large"
	ArtifactTimeout   ArtifactStatus = "timeout"
	ArtifactError     ArtifactStatus = "error"
)

// Valid reports whether s is one of the known statuses.
func (s ArtifactStatus) Valid() bool {
	switch s {
	case ArtifactUnfetched, ArtifactOK, ArtifactNotFound, ArtifactForbidden,
		ArtifactTooLarge, ArtifactTimeout, ArtifactError:
		return true
	}
	return false
}

// Failed reports whether s is a terminal failure status.
func (s ArtifactStatus) Failed() bool {
	return s.Valid() && s != ArtifactOK && s != ArtifactUnfetched
}

// Record is one harvested bibliographic item. Empty strings and a zero Year
// mean "unknown"; upserts never overwrite a populated field with an empty one.
type Record struct {
	// ID is the store-assigned identifier (UUIDv7).
	ID string `json:"id" yaml:"id"`

	// PersistentID is a globally unique identifier such as a DOI or arXiv id.
	PersistentID string `json:"persistent_id,omitempty" yaml:"persistent_id,omitempty"`

	// CanonicalURL is the stable landing URL of the item at its origin.
	CanonicalURL string `json:"canonical_url,omitempty" yaml:"canonical_url,omitempty"`

	// URLHash is the hex sha256 of CanonicalURL, used for indexed lookup.
	URLHash string `json:"-" yaml:"-"`

	// NormalizedTitle is the lower-cased, punctuation-stripped,
	// whitespace-collapsed title used as the last-resort identity key.
	NormalizedTitle string `json:"normalized_title,omitempty" yaml:"normalized_title,omitempty"`

	Title    string   `json:"title" yaml:"title"`
	Abstract string   `json:"abstract,omitempty" yaml:"abstract,omitempty"`
	Authors  []string `json:"authors,omitempty" yaml:"authors,omitempty"`
	Year     int      `json:"year,omitempty" yaml:"year,omitempty"`
	Venue    string   `json:"venue,omitempty" yaml:"venue,omitempty"`

	// Source is the adapter that first produced the record.
	Source string `json:"source" yaml:"source"`

	// Sources lists every adapter that has contributed to the record.
	Sources []string `json:"sources,omitempty" yaml:"sources,omitempty"`

	// SourceURL is the URL the record was first harvested from.
	SourceURL string `json:"source_url,omitempty" yaml:"source_url,omitempty"`

	// SourceURLs lists every origin URL the record was seen at.
	SourceURLs []string `json:"source_urls,omitempty" yaml:"source_urls,omitempty"`

	DiscoveredAt time.Time `json:"discovered_at" yaml:"discovered_at"`

	// RelevanceScore is nil until the record has been scored.
	RelevanceScore  *float64 `json:"relevance_score,omitempty" yaml:"relevance_score,omitempty"`
	MatchedKeywords []string `json:"matched_keywords,omitempty" yaml:"matched_keywords,omitempty"`

	ArtifactURL       string         `json:"artifact_url,omitempty" yaml:"artifact_url,omitempty"`
	ArtifactLocalPath string         `json:"artifact_local_path,omitempty" yaml:"artifact_local_path,omitempty"`
	ArtifactStatus    ArtifactStatus `json:"artifact_status" yaml:"artifact_status"`
	Checksum          string         `json:"checksum,omitempty" yaml:"checksum,omitempty"`
	ArtifactFetchedAt time.Time      `json:"artifact_fetched_at,omitempty" yaml:"artifact_fetched_at,omitempty"`
}

// Score returns the relevance score, or 0 when the record is unscored.
func (r Record) Score() float64 {
	if r.RelevanceScore == nil {
		return 0
	}
	return *r.RelevanceScore
}

// ArtifactUpdate carries the fields the artifact fetcher owns.
type ArtifactUpdate struct {
	Status    ArtifactStatus
	LocalPath string
	Checksum  string
	FetchedAt time.Time
}

// RecordFilter selects records for iteration and export. Zero values
// disable the corresponding criterion.
type RecordFilter struct {
	// MinScore keeps records whose relevance score is at least this value.
	// Unscored records never pass a positive MinScore.
	MinScore float64 `json:"min_score,omitempty" yaml:"min_score,omitempty"`

	YearFrom int `json:"year_from,omitempty" yaml:"year_from,omitempty"`
	YearTo   int `json:"year_to,omitempty" yaml:"year_to,omitempty"`

	// Statuses keeps records whose artifact status is in the list.
	Statuses []ArtifactStatus `json:"statuses,omitempty" yaml:"statuses,omitempty"`

	// Sources keeps records contributed by any of the listed adapters.
	Sources []string `json:"sources,omitempty" yaml:"sources,omitempty"`

	// IDs restricts iteration to the given record ids.
	IDs []string `json:"ids,omitempty" yaml:"ids,omitempty"`

	// Limit caps the number of records yielded (0 = unbounded).
	Limit int `json:"limit,omitempty" yaml:"limit,omitempty"`

	// Ranked asks export to yield records by relevance rank instead of
	// discovery order. Stores ignore it.
	Ranked bool `json:"ranked,omitempty" yaml:"ranked,omitempty"`

	// RequireMatched keeps only records that matched at least one keyword.
	RequireMatched bool `json:"require_matched,omitempty" yaml:"require_matched,omitempty"`

	// RequireAbstract keeps only records with a title and an abstract longer
	// than SubstantialAbstract characters.
	RequireAbstract bool `json:"require_abstract,omitempty" yaml:"require_abstract,omitempty"`

	// MinCompleteness and MinQuality are thresholds on Record.Completeness
	// and Record.Quality.
	MinCompleteness float64 `json:"min_completeness,omitempty" yaml:"min_completeness,omitempty"`
	MinQuality      float64 `json:"min_quality,omitempty" yaml:"min_quality,omitempty"`
}

// Match reports whether r satisfies every criterion of f except Limit.
func (f RecordFilter) Match(r Record) bool {
	if f.MinScore > 0 && (r.RelevanceScore == nil || *r.RelevanceScore < f.MinScore) {
		return false
	}
	if f.YearFrom > 0 && (r.Year == 0 || r.Year < f.YearFrom) {
		return false
	}
	if f.YearTo > 0 && (r.Year == 0 || r.Year > f.YearTo) {
		return false
	}
	if len(f.Statuses) > 0 && !slices.Contains(f.Statuses, r.ArtifactStatus) {
		return false
	}
	if len(f.Sources) > 0 && !overlaps(f.Sources, r.Sources) {
		return false
	}
	if len(f.IDs) > 0 && !slices.Contains(f.IDs, r.ID) {
		return false
	}
	if f.RequireMatched && len(r.MatchedKeywords) == 0 {
		return false
	}
	if f.RequireAbstract && (r.Title == "" || utf8.RuneCountInString(r.Abstract) <= SubstantialAbstract) {
		return false
	}
	if f.MinCompleteness > 0 && r.Completeness() < f.MinCompleteness {
		return false
	}
	if f.MinQuality > 0 && r.Quality() < f.MinQuality {
		return false
	}
	return true
}

func overlaps(a, b []string) bool {
	for _, v := range a {
		if slices.Contains(b, v) {
			return true
		}
	}
	return false
}
