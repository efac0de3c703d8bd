// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package sources

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/pdiddy/harvest-engine/pkg/types"
)

// crossrefWorksBase is the Crossref REST works endpoint. Declared as a var
// so tests can substitute an httptest server.
var crossrefWorksBase = "https://api.crossref.org/works"

// Crossref pages through the Crossref REST API with deep cursors.
type Crossref struct {
	deps   Deps
	mailto string
}

// Name returns the adapter identifier.
func (a *Crossref) Name() string { return "crossref" }

// Origin returns the rate-limit key.
func (a *Crossref) Origin() string { return a.Name() }

// FetchPage requests one page. Crossref always returns a next cursor, so
// the listing ends on the first short page.
func (a *Crossref) FetchPage(ctx context.Context, q Query, token string, pageSize int) (Page, error) {
	text := q.Text()
	if text == "" {
		return Page{}, fmt.Errorf("empty Crossref query: %w", types.ErrPermanent)
	}
	if token == "" {
		token = "*"
	}
	rows := clamp(pageSize, 1, 1000)

	params := url.Values{
		"query":  {text},
		"rows":   {strconv.Itoa(rows)},
		"cursor": {token},
	}
	var filters []string
	if !q.DateFrom.IsZero() {
		filters = append(filters, "from-pub-date:"+q.DateFrom.Format(dateFmt))
	}
	if !q.DateTo.IsZero() {
		filters = append(filters, "until-pub-date:"+q.DateTo.Format(dateFmt))
	}
	if len(filters) > 0 {
		params.Set("filter", strings.Join(filters, ","))
	}
	if a.mailto != "" {
		params.Set("mailto", a.mailto)
	}

	var resp struct {
		Message struct {
			NextCursor string      `json:"next-cursor"`
			Items      []RawRecord `json:"items"`
		} `json:"message"`
	}
	if err := a.deps.getJSON(ctx, crossrefWorksBase+"?"+params.Encode(), nil, &resp); err != nil {
		return Page{}, fmt.Errorf("Crossref API request: %w", err)
	}

	page := Page{Records: resp.Message.Items, NextToken: resp.Message.NextCursor}
	if len(resp.Message.Items) < rows || resp.Message.NextCursor == "" {
		page.Exhausted = true
		page.NextToken = ""
	}
	return page, nil
}

// Map converts one Crossref work item.
func (a *Crossref) Map(raw RawRecord) (types.Record, error) {
	doi := raw.String("DOI")
	rec := types.Record{
		PersistentID: doi,
		CanonicalURL: raw.String("URL"),
		Title:        raw.First("title"),
		Abstract:     stripMarkup(raw.String("abstract")),
		Venue:        raw.First("container-title"),
		Year:         crossrefYear(raw),
		Source:       a.Name(),
	}
	if doi != "" {
		rec.SourceURL = "https://api.crossref.org/works/" + doi
	}
	for _, au := range raw.Objects("author") {
		name := strings.TrimSpace(au.String("given") + " " + au.String("family"))
		if name == "" {
			name = au.String("name")
		}
		if name != "" {
			rec.Authors = append(rec.Authors, name)
		}
	}
	for _, link := range raw.Objects("link") {
		if link.String("content-type") == "application/pdf" {
			rec.ArtifactURL = link.String("URL")
			break
		}
	}
	return requireIdentity(a.Name(), rec)
}

// crossrefYear reads the first date-parts year from the most specific
// publication date present.
func crossrefYear(raw RawRecord) int {
	for _, field := range []string{"published-print", "published-online", "published", "issued", "created"} {
		parts := raw.List(field, "date-parts")
		if len(parts) == 0 {
			continue
		}
		first, ok := parts[0].([]any)
		if !ok || len(first) == 0 {
			continue
		}
		if y, ok := first[0].(float64); ok && y > 0 {
			return int(y)
		}
	}
	return 0
}

// stripMarkup reduces JATS or HTML abstract markup to its text.
func stripMarkup(s string) string {
	if s == "" || !strings.Contains(s, "<") {
		return strings.TrimSpace(s)
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(s))
	if err != nil {
		return strings.TrimSpace(s)
	}
	return strings.Join(strings.Fields(doc.Text()), " ")
}
