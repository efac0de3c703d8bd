// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package sources

import (
	"context"
	"fmt"
	"net/url"
	"strconv"

	"github.com/pdiddy/harvest-engine/pkg/types"
)

// semanticAPIBase is the Semantic Scholar paper search endpoint. Declared
// as a var so tests can substitute an httptest server.
var semanticAPIBase = "https://api.semanticscholar.org/graph/v1/paper/search"

const semanticFields = "paperId,title,abstract,year,venue,authors,externalIds,url,openAccessPdf"

// SemanticScholar pages through the Semantic Scholar Graph API search with
// offset paging.
type SemanticScholar struct {
	deps   Deps
	apiKey string
}

// Name returns the adapter identifier.
func (a *SemanticScholar) Name() string { return "semantic_scholar" }

// Origin returns the rate-limit key.
func (a *SemanticScholar) Origin() string { return a.Name() }

// FetchPage requests one page at the offset in token.
func (a *SemanticScholar) FetchPage(ctx context.Context, q Query, token string, pageSize int) (Page, error) {
	text := q.Text()
	if text == "" {
		return Page{}, fmt.Errorf("empty Semantic Scholar query: %w", types.ErrPermanent)
	}
	offset := 0
	if token != "" {
		n, err := strconv.Atoi(token)
		if err != nil || n < 0 {
			return Page{}, fmt.Errorf("invalid Semantic Scholar offset %q: %w", token, types.ErrPermanent)
		}
		offset = n
	}

	params := url.Values{
		"query":  {text},
		"offset": {strconv.Itoa(offset)},
		"limit":  {strconv.Itoa(clamp(pageSize, 1, 100))},
		"fields": {semanticFields},
	}
	if y := semanticYears(q); y != "" {
		params.Set("year", y)
	}
	var headers map[string]string
	if a.apiKey != "" {
		headers = map[string]string{"x-api-key": a.apiKey}
	}

	var resp struct {
		Total  int         `json:"total"`
		Offset int         `json:"offset"`
		Next   *int        `json:"next"`
		Data   []RawRecord `json:"data"`
	}
	if err := a.deps.getJSON(ctx, semanticAPIBase+"?"+params.Encode(), headers, &resp); err != nil {
		return Page{}, fmt.Errorf("Semantic Scholar API request: %w", err)
	}

	page := Page{Records: resp.Data}
	if resp.Next == nil || len(resp.Data) == 0 {
		page.Exhausted = true
	} else {
		page.NextToken = strconv.Itoa(*resp.Next)
	}
	return page, nil
}

// Map converts one paper. DOI wins as persistent id, then the arXiv id.
func (a *SemanticScholar) Map(raw RawRecord) (types.Record, error) {
	rec := types.Record{
		Title:        raw.String("title"),
		Abstract:     raw.String("abstract"),
		Year:         raw.Int("year"),
		Venue:        raw.String("venue"),
		CanonicalURL: raw.String("url"),
		ArtifactURL:  raw.String("openAccessPdf", "url"),
		Source:       a.Name(),
	}
	if doi := raw.String("externalIds", "DOI"); doi != "" {
		rec.PersistentID = doi
	} else if ax := raw.String("externalIds", "ArXiv"); ax != "" {
		rec.PersistentID = "arXiv:" + ax
	}
	if id := raw.String("paperId"); id != "" {
		rec.SourceURL = "https://api.semanticscholar.org/graph/v1/paper/" + id
	}
	for _, au := range raw.Objects("authors") {
		if n := au.String("name"); n != "" {
			rec.Authors = append(rec.Authors, n)
		}
	}
	return requireIdentity(a.Name(), rec)
}

// semanticYears renders the year filter ("2019-2021", "2019-", "-2021").
func semanticYears(q Query) string {
	var from, to string
	if !q.DateFrom.IsZero() {
		from = strconv.Itoa(q.DateFrom.Year())
	}
	if !q.DateTo.IsZero() {
		to = strconv.Itoa(q.DateTo.Year())
	}
	if from == "" && to == "" {
		return ""
	}
	return from + "-" + to
}
