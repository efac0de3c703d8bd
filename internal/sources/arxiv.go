// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package sources

import (
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/pdiddy/harvest-engine/pkg/types"
)

// arxivAPIBase is the arXiv search endpoint. Declared as a var so tests
// can substitute an httptest server.
var arxivAPIBase = "https://export.arxiv.org/api/query"

// Arxiv pages through the arXiv Atom search API. The continuation token is
// the start offset.
type Arxiv struct {
	deps Deps
}

// Name returns the adapter identifier.
func (a *Arxiv) Name() string { return "arxiv" }

// Origin returns the rate-limit key.
func (a *Arxiv) Origin() string { return a.Name() }

// FetchPage requests one page starting at the offset in token.
func (a *Arxiv) FetchPage(ctx context.Context, q Query, token string, pageSize int) (Page, error) {
	sq := buildArxivQuery(q)
	if sq == "" {
		return Page{}, fmt.Errorf("empty arXiv query: %w", types.ErrPermanent)
	}
	start := 0
	if token != "" {
		n, err := strconv.Atoi(token)
		if err != nil || n < 0 {
			return Page{}, fmt.Errorf("invalid arXiv continuation token %q: %w", token, types.ErrPermanent)
		}
		start = n
	}
	size := clamp(pageSize, 1, 2000)

	params := url.Values{
		"search_query": {sq},
		"start":        {strconv.Itoa(start)},
		"max_results":  {strconv.Itoa(size)},
		"sortBy":       {"submittedDate"},
		"sortOrder":    {"ascending"},
	}

	resp, err := a.deps.get(ctx, arxivAPIBase+"?"+params.Encode(), "application/atom+xml", nil)
	if err != nil {
		return Page{}, fmt.Errorf("arXiv API request: %w", err)
	}
	defer resp.Body.Close()

	var feed arxivFeed
	if err := xml.NewDecoder(resp.Body).Decode(&feed); err != nil {
		return Page{}, errors.Join(types.ErrTransient, fmt.Errorf("parsing arXiv response: %w", err))
	}

	page := Page{}
	for _, e := range feed.Entries {
		page.Records = append(page.Records, e.raw())
	}
	next := start + len(feed.Entries)
	if len(feed.Entries) == 0 || next >= feed.TotalResults {
		page.Exhausted = true
	} else {
		page.NextToken = strconv.Itoa(next)
	}
	return page, nil
}

// Map converts one Atom entry. The DOI wins as persistent id when the
// entry carries one; otherwise the unversioned arXiv id is used.
func (a *Arxiv) Map(raw RawRecord) (types.Record, error) {
	id := raw.String("arxiv_id")
	if id == "" {
		return types.Record{}, types.MappingError("arXiv entry %q has no arXiv id", raw.String("abs_url"))
	}
	rec := types.Record{
		PersistentID: firstNonEmpty(raw.String("doi"), "arXiv:"+id),
		CanonicalURL: "https://arxiv.org/abs/" + id,
		Title:        collapse(raw.String("title")),
		Abstract:     collapse(raw.String("summary")),
		Authors:      raw.Strings("authors"),
		Year:         yearOf(raw.String("published")),
		Venue:        raw.String("journal_ref"),
		Source:       a.Name(),
		SourceURL:    raw.String("abs_url"),
		ArtifactURL:  raw.String("pdf_url"),
	}
	return rec, nil
}

// buildArxivQuery constructs the search_query parameter from structured fields.
func buildArxivQuery(q Query) string {
	var parts []string
	if q.FreeText != "" {
		parts = append(parts, "all:"+strings.Join(strings.Fields(q.FreeText), " "))
	}
	if q.Author != "" {
		parts = append(parts, "au:"+strings.Join(strings.Fields(q.Author), " "))
	}
	for _, kw := range q.Keywords {
		if kw = strings.TrimSpace(kw); kw != "" {
			parts = append(parts, `all:"`+kw+`"`)
		}
	}
	if !q.DateFrom.IsZero() || !q.DateTo.IsZero() {
		from, to := "000001010000", "999912312359"
		if !q.DateFrom.IsZero() {
			from = q.DateFrom.Format("200601021504")
		}
		if !q.DateTo.IsZero() {
			to = q.DateTo.Format("20060102") + "2359"
		}
		if len(parts) > 0 {
			parts = append(parts, "submittedDate:["+from+" TO "+to+"]")
		}
	}
	return strings.Join(parts, " AND ")
}

// arXiv Atom feed XML structures.
type arxivFeed struct {
	TotalResults int          `xml:"http://a9.com/-/spec/opensearch/1.1/ totalResults"`
	Entries      []arxivEntry `xml:"entry"`
}

type arxivEntry struct {
	ID         string        `xml:"id"`
	Title      string        `xml:"title"`
	Summary    string        `xml:"summary"`
	Published  string        `xml:"published"`
	Authors    []arxivAuthor `xml:"author"`
	Links      []arxivLink   `xml:"link"`
	DOI        string        `xml:"http://arxiv.org/schemas/atom doi"`
	JournalRef string        `xml:"http://arxiv.org/schemas/atom journal_ref"`
}

type arxivAuthor struct {
	Name string `xml:"name"`
}

type arxivLink struct {
	Href  string `xml:"href,attr"`
	Title string `xml:"title,attr"`
	Type  string `xml:"type,attr"`
}

func (e arxivEntry) raw() RawRecord {
	authors := make([]any, 0, len(e.Authors))
	for _, au := range e.Authors {
		if n := strings.TrimSpace(au.Name); n != "" {
			authors = append(authors, n)
		}
	}
	var pdf string
	for _, l := range e.Links {
		if l.Title == "pdf" || l.Type == "application/pdf" {
			pdf = l.Href
			break
		}
	}
	return RawRecord{
		"arxiv_id":    extractArxivID(e.ID),
		"abs_url":     strings.TrimSpace(e.ID),
		"title":       e.Title,
		"summary":     e.Summary,
		"published":   e.Published,
		"authors":     authors,
		"pdf_url":     pdf,
		"doi":         strings.TrimSpace(e.DOI),
		"journal_ref": strings.TrimSpace(e.JournalRef),
	}
}

// extractArxivID pulls the arXiv ID from the entry's <id> URL
// (e.g. "http://arxiv.org/abs/2301.07041v1" -> "2301.07041").
func extractArxivID(idURL string) string {
	const prefix = "/abs/"
	idx := strings.Index(idURL, prefix)
	if idx < 0 {
		return ""
	}
	return StripArxivVersion(strings.TrimSpace(idURL[idx+len(prefix):]))
}

// StripArxivVersion removes a trailing version suffix ("v2") from an
// arXiv id.
func StripArxivVersion(id string) string {
	if vIdx := strings.LastIndex(id, "v"); vIdx > 0 {
		if _, err := strconv.Atoi(id[vIdx+1:]); err == nil {
			return id[:vIdx]
		}
	}
	return id
}

func collapse(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
