// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package sources

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pdiddy/harvest-engine/pkg/types"
)

func decodeRaw(t *testing.T, s string) RawRecord {
	t.Helper()
	var r RawRecord
	require.NoError(t, json.Unmarshal([]byte(s), &r))
	return r
}

func TestOpenAlex_FetchPage(t *testing.T) {
	var gotQuery map[string]string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = map[string]string{
			"search":   r.URL.Query().Get("search"),
			"cursor":   r.URL.Query().Get("cursor"),
			"per_page": r.URL.Query().Get("per_page"),
			"filter":   r.URL.Query().Get("filter"),
			"mailto":   r.URL.Query().Get("mailto"),
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"meta":{"next_cursor":"abc"},"results":[{"id":"https://openalex.org/W1","title":"One"}]}`))
	}))
	defer ts.Close()

	orig := openAlexWorksBase
	openAlexWorksBase = ts.URL
	defer func() { openAlexWorksBase = orig }()

	a := &OpenAlex{deps: Deps{Client: ts.Client()}, email: "me@example.org"}
	page, err := a.FetchPage(context.Background(), Query{
		FreeText: "chloride ingress",
		DateFrom: time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC),
	}, "", 500)
	require.NoError(t, err)

	assert.Equal(t, "chloride ingress", gotQuery["search"])
	assert.Equal(t, "*", gotQuery["cursor"])
	assert.Equal(t, "200", gotQuery["per_page"])
	assert.Equal(t, "from_publication_date:2020-01-01", gotQuery["filter"])
	assert.Equal(t, "me@example.org", gotQuery["mailto"])

	require.Len(t, page.Records, 1)
	assert.Equal(t, "abc", page.NextToken)
	assert.False(t, page.Exhausted)
}

func TestOpenAlex_FetchPage_Exhausted(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "abc", r.URL.Query().Get("cursor"))
		w.Write([]byte(`{"meta":{"next_cursor":null},"results":[]}`))
	}))
	defer ts.Close()

	orig := openAlexWorksBase
	openAlexWorksBase = ts.URL
	defer func() { openAlexWorksBase = orig }()

	a := &OpenAlex{deps: Deps{Client: ts.Client()}}
	page, err := a.FetchPage(context.Background(), Query{FreeText: "x"}, "abc", 10)
	require.NoError(t, err)
	assert.True(t, page.Exhausted)
	assert.Empty(t, page.NextToken)
}

func TestOpenAlex_FetchPage_Errors(t *testing.T) {
	tests := []struct {
		name   string
		status int
		want   error
	}{
		{"rate limited", http.StatusTooManyRequests, types.ErrTransient},
		{"server error", http.StatusBadGateway, types.ErrTransient},
		{"bad request", http.StatusBadRequest, types.ErrPermanent},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tt.status)
			}))
			defer ts.Close()

			orig := openAlexWorksBase
			openAlexWorksBase = ts.URL
			defer func() { openAlexWorksBase = orig }()

			a := &OpenAlex{deps: Deps{Client: ts.Client()}}
			_, err := a.FetchPage(context.Background(), Query{FreeText: "x"}, "", 10)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestOpenAlex_FetchPage_EmptyQuery(t *testing.T) {
	a := &OpenAlex{}
	_, err := a.FetchPage(context.Background(), Query{}, "", 10)
	assert.ErrorIs(t, err, types.ErrPermanent)
}

func TestOpenAlex_Map(t *testing.T) {
	raw := decodeRaw(t, `{
		"id": "https://openalex.org/W123",
		"doi": "https://doi.org/10.1234/ABC",
		"title": "Chloride Ingress",
		"publication_year": 2021,
		"authorships": [
			{"author": {"display_name": "Ada Lovelace"}},
			{"author": {"display_name": ""}},
			{"author": {"display_name": "Alan Turing"}}
		],
		"abstract_inverted_index": {"We": [0], "study": [1], "concrete": [2]},
		"primary_location": {"landing_page_url": "https://journal.example/abc", "source": {"display_name": "Cement Research"}},
		"best_oa_location": {"pdf_url": "https://repo.example/abc.pdf"}
	}`)

	rec, err := (&OpenAlex{}).Map(raw)
	require.NoError(t, err)
	assert.Equal(t, "10.1234/ABC", rec.PersistentID)
	assert.Equal(t, "https://journal.example/abc", rec.CanonicalURL)
	assert.Equal(t, "Chloride Ingress", rec.Title)
	assert.Equal(t, "We study concrete", rec.Abstract)
	assert.Equal(t, []string{"Ada Lovelace", "Alan Turing"}, rec.Authors)
	assert.Equal(t, 2021, rec.Year)
	assert.Equal(t, "Cement Research", rec.Venue)
	assert.Equal(t, "https://repo.example/abc.pdf", rec.ArtifactURL)
	assert.Equal(t, "openalex", rec.Source)
	assert.Equal(t, "https://openalex.org/W123", rec.SourceURL)
}

func TestOpenAlex_Map_NoIdentity(t *testing.T) {
	_, err := (&OpenAlex{}).Map(RawRecord{"publication_year": float64(2020)})
	assert.ErrorIs(t, err, types.ErrMapping)
}

func TestReconstructAbstract(t *testing.T) {
	tests := []struct {
		name  string
		index any
		want  string
	}{
		{"nil", nil, ""},
		{"empty", map[string]any{}, ""},
		{"single word", map[string]any{"hello": []any{0.0}}, "hello"},
		{"repeated word", map[string]any{"the": []any{0.0, 4.0}, "cat": []any{1.0}, "sat": []any{2.0}, "on": []any{3.0}, "mat": []any{5.0}}, "the cat sat on the mat"},
		{"not an object", "text", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, reconstructAbstract(tt.index))
		})
	}
}
