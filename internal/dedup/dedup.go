// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

// Package dedup resolves harvested candidates to stored records. Identity
// is decided by a fixed cascade: persistent id, then canonical URL hash,
// then normalized title. Matching is exact on normalized keys. The title
// step applies only between records that carry no persistent id.
package dedup

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"slices"
	"strings"
	"unicode"

	"github.com/pdiddy/harvest-engine/pkg/types"
)

// Key names one identity key in resolution order.
type Key int

const (
	KeyPersistentID Key = iota
	KeyURLHash
	KeyTitle
)

func (k Key) String() string {
	switch k {
	case KeyPersistentID:
		return "persistent_id"
	case KeyURLHash:
		return "url_hash"
	case KeyTitle:
		return "normalized_title"
	}
	return "unknown"
}

// Order is the resolution cascade. The first key that matches wins.
var Order = []Key{KeyPersistentID, KeyURLHash, KeyTitle}

// Lookup finds a stored record id by one identity key. Stores implement it
// inside the transaction that performs the upsert. A KeyTitle lookup must
// only consider records whose persistent id is empty.
type Lookup interface {
	FindBy(ctx context.Context, key Key, value string) (id string, found bool, err error)
}

// Keys holds the normalized identity keys of a record.
type Keys struct {
	PersistentID    string
	URLHash         string
	NormalizedTitle string
}

// Value returns the key's value, empty when the record lacks it.
func (k Keys) Value(key Key) string {
	switch key {
	case KeyPersistentID:
		return k.PersistentID
	case KeyURLHash:
		return k.URLHash
	case KeyTitle:
		return k.NormalizedTitle
	}
	return ""
}

// Empty reports whether no identity key is present.
func (k Keys) Empty() bool {
	return k.PersistentID == "" && k.URLHash == "" && k.NormalizedTitle == ""
}

// Consulted returns the keys Resolve looks up for a candidate with these
// keys, in resolution order. The title is consulted only when there is no
// persistent id.
func (k Keys) Consulted() []Key {
	var out []Key
	for _, key := range Order {
		if k.Value(key) == "" {
			continue
		}
		if key == KeyTitle && k.PersistentID != "" {
			continue
		}
		out = append(out, key)
	}
	return out
}

// KeysFor computes the normalized identity keys of rec.
func KeysFor(rec types.Record) Keys {
	return Keys{
		PersistentID:    NormalizePersistentID(rec.PersistentID),
		URLHash:         HashURL(rec.CanonicalURL),
		NormalizedTitle: NormalizeTitle(rec.Title),
	}
}

// Prepare normalizes the identity fields of a candidate in place of the
// raw values an adapter produced. A candidate with no identity key is a
// mapping error.
func Prepare(rec types.Record) (types.Record, error) {
	keys := KeysFor(rec)
	if keys.Empty() {
		return rec, types.MappingError("record from %s has no persistent id, url, or title", rec.Source)
	}
	rec.PersistentID = keys.PersistentID
	rec.CanonicalURL = strings.TrimSpace(rec.CanonicalURL)
	rec.URLHash = keys.URLHash
	rec.NormalizedTitle = keys.NormalizedTitle
	rec.Title = strings.TrimSpace(rec.Title)
	rec.Sources = addToSet(slices.Clone(rec.Sources), rec.Source)
	rec.SourceURLs = addToSet(slices.Clone(rec.SourceURLs), rec.SourceURL)
	if rec.ArtifactStatus == "" {
		rec.ArtifactStatus = types.ArtifactUnfetched
	}
	return rec, nil
}

// Resolve walks the cascade and returns the id of the first stored record
// matching one of cand's keys.
func Resolve(ctx context.Context, lookup Lookup, cand types.Record) (string, bool, error) {
	keys := KeysFor(cand)
	for _, key := range keys.Consulted() {
		id, found, err := lookup.FindBy(ctx, key, keys.Value(key))
		if err != nil {
			return "", false, err
		}
		if found {
			return id, true, nil
		}
	}
	return "", false, nil
}

// Merge folds cand into existing. Populated fields of existing win, empty
// ones are filled from cand, and provenance sets are unioned. Identity keys
// missing on existing are adopted. Artifact state and scoring are left
// untouched.
func Merge(existing, cand types.Record) types.Record {
	out := existing

	if out.PersistentID == "" {
		out.PersistentID = cand.PersistentID
	}
	if out.CanonicalURL == "" && cand.CanonicalURL != "" {
		out.CanonicalURL = cand.CanonicalURL
		out.URLHash = cand.URLHash
	}
	if out.Title == "" {
		out.Title = cand.Title
	}
	if out.NormalizedTitle == "" {
		out.NormalizedTitle = cand.NormalizedTitle
	}
	if out.Abstract == "" {
		out.Abstract = cand.Abstract
	}
	if len(out.Authors) == 0 && len(cand.Authors) > 0 {
		out.Authors = slices.Clone(cand.Authors)
	}
	if out.Year == 0 {
		out.Year = cand.Year
	}
	if out.Venue == "" {
		out.Venue = cand.Venue
	}
	if out.Source == "" {
		out.Source = cand.Source
	}
	if out.SourceURL == "" {
		out.SourceURL = cand.SourceURL
	}
	if out.ArtifactURL == "" {
		out.ArtifactURL = cand.ArtifactURL
	}
	if out.DiscoveredAt.IsZero() {
		out.DiscoveredAt = cand.DiscoveredAt
	}

	out.Sources = union(out.Sources, cand.Sources, cand.Source)
	out.SourceURLs = union(out.SourceURLs, cand.SourceURLs, cand.SourceURL)
	return out
}

// NormalizeTitle lower-cases, strips punctuation, and collapses whitespace.
func NormalizeTitle(title string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(title) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || unicode.IsSpace(r) {
			b.WriteRune(r)
		}
	}
	return strings.Join(strings.Fields(b.String()), " ")
}

var doiPrefixes = []string{
	"https://doi.org/",
	"http://doi.org/",
	"https://dx.doi.org/",
	"http://dx.doi.org/",
	"doi:",
}

// NormalizePersistentID trims and lower-cases id and strips DOI URL and
// scheme prefixes, so "doi:10.1/X" and "https://doi.org/10.1/x" agree.
func NormalizePersistentID(id string) string {
	id = strings.ToLower(strings.TrimSpace(id))
	for _, p := range doiPrefixes {
		if strings.HasPrefix(id, p) {
			return strings.TrimSpace(id[len(p):])
		}
	}
	return id
}

// HashURL returns the hex sha256 of a trimmed URL, or "" for an empty one.
func HashURL(u string) string {
	u = strings.TrimSpace(u)
	if u == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(u))
	return hex.EncodeToString(sum[:])
}

func union(dst, src []string, extra string) []string {
	out := slices.Clone(dst)
	for _, v := range src {
		out = addToSet(out, v)
	}
	return addToSet(out, extra)
}

func addToSet(set []string, v string) []string {
	if v == "" || slices.Contains(set, v) {
		return set
	}
	set = append(set, v)
	slices.Sort(set)
	return set
}
