// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package sources

import (
	"bytes"
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"

	"github.com/PuerkitoBio/goquery"
	"github.com/temoto/robotstxt"
	"go.uber.org/zap"

	"github.com/pdiddy/harvest-engine/internal/dedup"
	"github.com/pdiddy/harvest-engine/internal/httputil"
	"github.com/pdiddy/harvest-engine/internal/ratelimit"
	"github.com/pdiddy/harvest-engine/pkg/types"
)

const (
	maxSitemapDepth  = 4
	maxLandingBytes  = 4 << 20
	sitemapAcceptHdr = "application/xml, text/xml;q=0.9, */*;q=0.5"
)

// Sitemap discovers records by walking a sitemap (recursing through
// sitemap indexes) and reading citation_* meta tags from each landing
// page. The continuation token is the offset into the URL list.
//
// Landing pages disallowed by their host's robots.txt are skipped.
type Sitemap struct {
	deps       Deps
	defaultURL string

	// IgnoreRobots skips the robots.txt check.
	IgnoreRobots bool

	mu     sync.Mutex
	urls   map[string][]string
	robots map[string]*robotstxt.RobotsData
}

// NewSitemap returns a sitemap adapter that walks rootURL unless a query
// names another sitemap.
func NewSitemap(deps Deps, rootURL string) *Sitemap {
	return &Sitemap{
		deps:       deps,
		defaultURL: rootURL,
		urls:       make(map[string][]string),
		robots:     make(map[string]*robotstxt.RobotsData),
	}
}

// Name returns the adapter identifier.
func (a *Sitemap) Name() string { return "sitemap" }

// Origin returns the rate-limit key for the page as a whole. Each landing
// page is additionally spaced under its own host's key.
func (a *Sitemap) Origin() string { return a.Name() }

// Endpoint returns the sitemap walked for q. Offsets only make sense
// against the URL list they were taken from.
func (a *Sitemap) Endpoint(q Query) string {
	return firstNonEmpty(q.SitemapURL, a.defaultURL)
}

// FetchPage reads the landing pages at [offset, offset+pageSize) of the
// sitemap's URL list. A transient failure on any landing page fails the
// whole page so the engine retries it. A page that fails for good is
// returned as a raw record carrying the error, so mapping counts and
// skips it.
func (a *Sitemap) FetchPage(ctx context.Context, q Query, token string, pageSize int) (Page, error) {
	root := a.Endpoint(q)
	if root == "" {
		return Page{}, fmt.Errorf("no sitemap url configured: %w", types.ErrPermanent)
	}
	offset := 0
	if token != "" {
		n, err := strconv.Atoi(token)
		if err != nil || n < 0 {
			return Page{}, fmt.Errorf("invalid sitemap offset %q: %w", token, types.ErrPermanent)
		}
		offset = n
	}

	urls, err := a.listURLs(ctx, root)
	if err != nil {
		return Page{}, err
	}
	if offset >= len(urls) {
		return Page{Exhausted: true}, nil
	}
	end := min(offset+max(pageSize, 1), len(urls))

	page := Page{}
	for _, u := range urls[offset:end] {
		raw, err := a.landing(ctx, u)
		if err != nil {
			if ctx.Err() != nil {
				return Page{}, ctx.Err()
			}
			if httputil.Retryable(err) {
				return Page{}, fmt.Errorf("landing page %s: %w", u, err)
			}
			a.deps.logger().Debug("landing page failed", zap.String("url", u), zap.Error(err))
			raw = RawRecord{"url": u, "error": err.Error()}
		}
		page.Records = append(page.Records, raw)
	}
	if end >= len(urls) {
		page.Exhausted = true
	} else {
		page.NextToken = strconv.Itoa(end)
	}
	return page, nil
}

// listURLs returns the cached URL list for root, walking it on first use.
func (a *Sitemap) listURLs(ctx context.Context, root string) ([]string, error) {
	a.mu.Lock()
	cached, ok := a.urls[root]
	a.mu.Unlock()
	if ok {
		return cached, nil
	}

	seen := map[string]bool{root: true}
	var out []string
	if err := a.walk(ctx, root, 0, seen, &out); err != nil {
		return nil, err
	}

	a.mu.Lock()
	a.urls[root] = out
	a.mu.Unlock()
	return out, nil
}

func (a *Sitemap) walk(ctx context.Context, sitemapURL string, depth int, seen map[string]bool, out *[]string) error {
	if depth > maxSitemapDepth {
		return nil
	}
	if err := a.acquire(ctx, sitemapURL); err != nil {
		return err
	}
	resp, err := a.deps.get(ctx, sitemapURL, sitemapAcceptHdr, nil)
	if err != nil {
		return fmt.Errorf("fetching sitemap %s: %w", sitemapURL, err)
	}
	defer resp.Body.Close()

	var doc sitemapDoc
	if err := xml.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return errors.Join(types.ErrTransient, fmt.Errorf("parsing sitemap %s: %w", sitemapURL, err))
	}

	for _, sm := range doc.Sitemaps {
		if loc := strings.TrimSpace(sm.Loc); loc != "" && !seen[loc] {
			seen[loc] = true
			if err := a.walk(ctx, loc, depth+1, seen, out); err != nil {
				return err
			}
		}
	}
	for _, u := range doc.URLs {
		if loc := strings.TrimSpace(u.Loc); loc != "" && !seen[loc] {
			seen[loc] = true
			*out = append(*out, loc)
		}
	}
	return nil
}

func (a *Sitemap) acquire(ctx context.Context, rawURL string) error {
	if a.deps.Limiter == nil {
		return ctx.Err()
	}
	return a.deps.Limiter.Acquire(ctx, ratelimit.Origin(rawURL))
}

// landing fetches one landing page and extracts its citation metadata.
func (a *Sitemap) landing(ctx context.Context, pageURL string) (RawRecord, error) {
	if !a.IgnoreRobots {
		ok, err := a.allowed(ctx, pageURL)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, fmt.Errorf("disallowed by robots.txt: %w", types.ErrPermanent)
		}
	}
	if err := a.acquire(ctx, pageURL); err != nil {
		return nil, err
	}
	resp, err := a.deps.get(ctx, pageURL, "text/html", nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxLandingBytes))
	if err != nil {
		return nil, fmt.Errorf("reading landing page: %w", httputil.ClassifyError(err))
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("parsing landing page: %w", err)
	}
	return extractCitationMeta(pageURL, doc), nil
}

// extractCitationMeta reads the Highwire citation_* meta tags most
// publisher pages carry, falling back to Open Graph and <title>.
func extractCitationMeta(pageURL string, doc *goquery.Document) RawRecord {
	meta := func(names ...string) string {
		for _, n := range names {
			sel := doc.Find(`meta[name="` + n + `"], meta[property="` + n + `"]`).First()
			if v, ok := sel.Attr("content"); ok && strings.TrimSpace(v) != "" {
				return strings.TrimSpace(v)
			}
		}
		return ""
	}

	var authors []any
	doc.Find(`meta[name="citation_author"]`).Each(func(_ int, s *goquery.Selection) {
		if v, ok := s.Attr("content"); ok && strings.TrimSpace(v) != "" {
			authors = append(authors, strings.TrimSpace(v))
		}
	})

	canonical, _ := doc.Find(`link[rel="canonical"]`).First().Attr("href")

	return RawRecord{
		"url":       pageURL,
		"canonical": strings.TrimSpace(canonical),
		"title":     firstNonEmpty(meta("citation_title", "dc.title", "og:title"), collapse(doc.Find("title").First().Text())),
		"abstract":  meta("citation_abstract", "dc.description", "description", "og:description"),
		"authors":   authors,
		"doi":       meta("citation_doi", "dc.identifier"),
		"pdf_url":   meta("citation_pdf_url"),
		"date":      meta("citation_publication_date", "citation_date", "citation_online_date", "dc.date"),
		"venue":     meta("citation_journal_title", "citation_conference_title", "citation_publisher"),
	}
}

// Map converts one landing-page record. Pages that failed to load map to
// a mapping error.
func (a *Sitemap) Map(raw RawRecord) (types.Record, error) {
	if msg := raw.String("error"); msg != "" {
		return types.Record{}, types.MappingError("landing page %s: %s", raw.String("url"), msg)
	}
	pid := dedup.NormalizePersistentID(raw.String("doi"))
	if !strings.HasPrefix(pid, "10.") {
		pid = ""
	}
	rec := types.Record{
		PersistentID: pid,
		CanonicalURL: firstNonEmpty(raw.String("canonical"), raw.String("url")),
		Title:        raw.String("title"),
		Abstract:     raw.String("abstract"),
		Authors:      raw.Strings("authors"),
		Year:         yearOf(raw.String("date")),
		Venue:        raw.String("venue"),
		ArtifactURL:  raw.String("pdf_url"),
		Source:       a.Name(),
		SourceURL:    raw.String("url"),
	}
	return requireIdentity(a.Name(), rec)
}

type sitemapDoc struct {
	Sitemaps []sitemapLoc `xml:"sitemap"`
	URLs     []sitemapLoc `xml:"url"`
}

type sitemapLoc struct {
	Loc string `xml:"loc"`
}
