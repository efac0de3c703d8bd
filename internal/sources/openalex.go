// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package sources

import (
	"context"
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"

	"github.com/pdiddy/harvest-engine/pkg/types"
)

// openAlexWorksBase is the OpenAlex Works endpoint. Declared as a var so
// tests can substitute an httptest server.
var openAlexWorksBase = "https://api.openalex.org/works"

// OpenAlex pages through the OpenAlex Works API with cursor paging.
type OpenAlex struct {
	deps Deps
	// email is sent as mailto for polite pool access.
	email string
}

// Name returns the adapter identifier.
func (a *OpenAlex) Name() string { return "openalex" }

// Origin returns the rate-limit key.
func (a *OpenAlex) Origin() string { return a.Name() }

// FetchPage requests one page. An empty token starts a new cursor.
func (a *OpenAlex) FetchPage(ctx context.Context, q Query, token string, pageSize int) (Page, error) {
	text := q.Text()
	if text == "" {
		return Page{}, fmt.Errorf("empty OpenAlex query: %w", types.ErrPermanent)
	}
	if token == "" {
		token = "*"
	}

	params := url.Values{
		"search":   {text},
		"per_page": {strconv.Itoa(clamp(pageSize, 1, 200))},
		"cursor":   {token},
	}
	var filters []string
	if !q.DateFrom.IsZero() {
		filters = append(filters, "from_publication_date:"+q.DateFrom.Format(dateFmt))
	}
	if !q.DateTo.IsZero() {
		filters = append(filters, "to_publication_date:"+q.DateTo.Format(dateFmt))
	}
	if len(filters) > 0 {
		params.Set("filter", strings.Join(filters, ","))
	}
	if a.email != "" {
		params.Set("mailto", a.email)
	}

	var resp struct {
		Meta struct {
			NextCursor *string `json:"next_cursor"`
		} `json:"meta"`
		Results []RawRecord `json:"results"`
	}
	if err := a.deps.getJSON(ctx, openAlexWorksBase+"?"+params.Encode(), nil, &resp); err != nil {
		return Page{}, fmt.Errorf("OpenAlex API request: %w", err)
	}

	page := Page{Records: resp.Results}
	if resp.Meta.NextCursor == nil || *resp.Meta.NextCursor == "" || len(resp.Results) == 0 {
		page.Exhausted = true
	} else {
		page.NextToken = *resp.Meta.NextCursor
	}
	return page, nil
}

// Map converts one OpenAlex work. The DOI is the persistent id; the
// landing page, or the OpenAlex work URL, is the canonical URL.
func (a *OpenAlex) Map(raw RawRecord) (types.Record, error) {
	rec := types.Record{
		PersistentID: strings.TrimPrefix(raw.String("doi"), "https://doi.org/"),
		CanonicalURL: firstNonEmpty(raw.String("primary_location", "landing_page_url"), raw.String("id")),
		Title:        firstNonEmpty(raw.String("title"), raw.String("display_name")),
		Abstract:     reconstructAbstract(raw.Get("abstract_inverted_index")),
		Year:         raw.Int("publication_year"),
		Venue:        raw.String("primary_location", "source", "display_name"),
		Source:       a.Name(),
		SourceURL:    raw.String("id"),
		ArtifactURL: firstNonEmpty(
			raw.String("best_oa_location", "pdf_url"),
			raw.String("primary_location", "pdf_url"),
		),
	}
	if rec.Year == 0 {
		rec.Year = yearOf(raw.String("publication_date"))
	}
	for _, au := range raw.Objects("authorships") {
		if name := au.String("author", "display_name"); name != "" {
			rec.Authors = append(rec.Authors, name)
		}
	}
	return requireIdentity(a.Name(), rec)
}

// reconstructAbstract converts OpenAlex's abstract_inverted_index back to
// plain text. The inverted index maps each word to the positions where it
// appears.
func reconstructAbstract(v any) string {
	index := asRaw(v)
	if len(index) == 0 {
		return ""
	}

	type posWord struct {
		pos  int
		word string
	}
	var pairs []posWord
	for word := range index {
		for _, p := range index.List(word) {
			if f, ok := p.(float64); ok {
				pairs = append(pairs, posWord{pos: int(f), word: word})
			}
		}
	}

	sort.Slice(pairs, func(i, j int) bool {
		return pairs[i].pos < pairs[j].pos
	})

	words := make([]string, len(pairs))
	for i, p := range pairs {
		words[i] = p.word
	}
	return strings.Join(words, " ")
}

func clamp(v, lo, hi int) int {
	return max(lo, min(v, hi))
}
