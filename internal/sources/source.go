// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

// Package sources adapts external bibliographic services to one paging
// contract. Each adapter fetches pages of loosely typed raw records and
// maps single raw records into candidate Records; the harvest engine owns
// rate limiting, retries, and persistence.
package sources

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/pdiddy/harvest-engine/internal/httputil"
	"github.com/pdiddy/harvest-engine/internal/ratelimit"
	"github.com/pdiddy/harvest-engine/pkg/types"
)

// RawRecord is one record as the source returned it, before mapping.
type RawRecord map[string]any

// Page is one page of raw records. NextToken continues the listing; when
// Exhausted is set no further page exists.
type Page struct {
	Records   []RawRecord
	NextToken string
	Exhausted bool
}

// Adapter fetches pages from one external source. FetchPage performs a
// single request attempt and classifies failures with the error taxonomy;
// Map is a pure transformation.
type Adapter interface {
	Name() string

	// Origin is the rate-limit key for page requests.
	Origin() string

	FetchPage(ctx context.Context, q Query, token string, pageSize int) (Page, error)
	Map(raw RawRecord) (types.Record, error)
}

// Query holds the harvest parameters shared by all adapters. Adapters use
// the fields their service understands and ignore the rest.
type Query struct {
	FreeText string
	Author   string
	Keywords []string
	DateFrom time.Time
	DateTo   time.Time

	// Set restricts OAI-PMH harvests to one set spec.
	Set string

	// SitemapURL overrides the configured sitemap for the sitemap adapter.
	SitemapURL string
}

// IsEmpty reports whether the query carries no search terms.
func (q Query) IsEmpty() bool {
	return q.FreeText == "" && q.Author == "" && len(q.Keywords) == 0
}

// Text joins the free text, author, and keywords into one search string.
func (q Query) Text() string {
	var parts []string
	if q.FreeText != "" {
		parts = append(parts, q.FreeText)
	}
	if q.Author != "" {
		parts = append(parts, q.Author)
	}
	parts = append(parts, q.Keywords...)
	return strings.Join(parts, " ")
}

const dateFmt = "2006-01-02"

// Signature is the hex sha256 of the canonical query parameters. Two
// queries with the same terms in any keyword order share a cursor.
func (q Query) Signature() string {
	return q.signature("")
}

// Endpointer is implemented by adapters whose service endpoint is
// configurable. The endpoint is part of the cursor key, so a token issued
// by one server is never replayed against another.
type Endpointer interface {
	Endpoint(q Query) string
}

// CursorSignature returns the cursor key for harvesting q through a.
func CursorSignature(a Adapter, q Query) string {
	if e, ok := a.(Endpointer); ok {
		return q.signature(e.Endpoint(q))
	}
	return q.Signature()
}

func (q Query) signature(endpoint string) string {
	kw := slices.Clone(q.Keywords)
	for i := range kw {
		kw[i] = strings.ToLower(strings.TrimSpace(kw[i]))
	}
	sort.Strings(kw)

	canon := strings.Join([]string{
		"text=" + strings.ToLower(strings.TrimSpace(q.FreeText)),
		"author=" + strings.ToLower(strings.TrimSpace(q.Author)),
		"keywords=" + strings.Join(kw, ","),
		"from=" + formatDate(q.DateFrom),
		"until=" + formatDate(q.DateTo),
		"set=" + q.Set,
		"sitemap=" + q.SitemapURL,
	}, "\n")
	if endpoint != "" {
		canon += "\nendpoint=" + endpoint
	}
	sum := sha256.Sum256([]byte(canon))
	return hex.EncodeToString(sum[:])
}

func formatDate(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.Format(dateFmt)
}

// Deps carries what adapters need to talk to their services.
type Deps struct {
	Client    *http.Client
	UserAgent string

	// Limiter spaces secondary requests an adapter makes on its own, such
	// as landing pages discovered through a sitemap.
	Limiter *ratelimit.Limiter
	Logger  *zap.Logger
}

func (d Deps) client() *http.Client {
	if d.Client == nil {
		return http.DefaultClient
	}
	return d.Client
}

func (d Deps) logger() *zap.Logger {
	if d.Logger == nil {
		return zap.NewNop()
	}
	return d.Logger
}

func (d Deps) userAgent() string {
	if d.UserAgent == "" {
		return httputil.UserAgent(types.HTTPConfig{})
	}
	return d.UserAgent
}

func (d Deps) newRequest(ctx context.Context, rawURL, accept string, headers map[string]string) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("User-Agent", d.userAgent())
	if accept != "" {
		req.Header.Set("Accept", accept)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	return req, nil
}

// get issues one GET with the adapter's headers. Non-2xx responses come
// back as *types.StatusError.
func (d Deps) get(ctx context.Context, rawURL, accept string, headers map[string]string) (*http.Response, error) {
	req, err := d.newRequest(ctx, rawURL, accept, headers)
	if err != nil {
		return nil, err
	}
	return httputil.Do(d.client(), req)
}

// getJSON fetches rawURL and decodes the body into v. A body that fails to
// decode is treated as transient, since truncated responses are the usual
// cause.
func (d Deps) getJSON(ctx context.Context, rawURL string, headers map[string]string, v any) error {
	resp, err := d.get(ctx, rawURL, "application/json", headers)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return errors.Join(types.ErrTransient, fmt.Errorf("decoding %s: %w", rawURL, err))
	}
	return nil
}

// Names lists the registered adapter names.
func Names() []string {
	return []string{"arxiv", "crossref", "oai", "openalex", "semantic_scholar", "sitemap"}
}

// New builds the adapter registered under name.
func New(name string, cfg types.SourcesConfig, deps Deps) (Adapter, error) {
	switch name {
	case "openalex":
		return &OpenAlex{deps: deps, email: cfg.OpenAlexEmail}, nil
	case "crossref":
		return &Crossref{deps: deps, mailto: cfg.CrossrefMailto}, nil
	case "arxiv":
		return &Arxiv{deps: deps}, nil
	case "oai":
		return NewOAI(deps, cfg.OAIBaseURL), nil
	case "semantic_scholar":
		return &SemanticScholar{deps: deps, apiKey: cfg.SemanticScholarAPIKey}, nil
	case "sitemap":
		s := NewSitemap(deps, cfg.SitemapURL)
		s.IgnoreRobots = cfg.SitemapIgnoreRobots
		return s, nil
	default:
		return nil, fmt.Errorf("unknown source %q (known: %s)", name, strings.Join(Names(), ", "))
	}
}

// requireIdentity rejects records that carry no identity key.
func requireIdentity(source string, rec types.Record) (types.Record, error) {
	if rec.PersistentID == "" && rec.CanonicalURL == "" && strings.TrimSpace(rec.Title) == "" {
		return rec, types.MappingError("%s record has no doi, url, or title", source)
	}
	return rec, nil
}
