// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package sources

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pdiddy/harvest-engine/pkg/types"
)

func TestQuery_Signature(t *testing.T) {
	from := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
	base := Query{FreeText: "Concrete", Keywords: []string{"a", "B"}, DateFrom: from}

	tests := []struct {
		name  string
		other Query
		same  bool
	}{
		{"identical", Query{FreeText: "Concrete", Keywords: []string{"a", "B"}, DateFrom: from}, true},
		{"keyword order and case", Query{FreeText: " concrete ", Keywords: []string{"b", "A"}, DateFrom: from}, true},
		{"different text", Query{FreeText: "steel", Keywords: []string{"a", "B"}, DateFrom: from}, false},
		{"different date", Query{FreeText: "Concrete", Keywords: []string{"a", "B"}}, false},
		{"different set", Query{FreeText: "Concrete", Keywords: []string{"a", "B"}, DateFrom: from, Set: "cs"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.same, base.Signature() == tt.other.Signature())
		})
	}
	assert.Len(t, base.Signature(), 64)
}

func TestCursorSignature(t *testing.T) {
	q := Query{FreeText: "concrete"}

	oaiA := NewOAI(Deps{}, "https://a.example/oai")
	oaiB := NewOAI(Deps{}, "https://b.example/oai")
	assert.NotEqual(t, CursorSignature(oaiA, q), CursorSignature(oaiB, q))
	assert.Equal(t, CursorSignature(oaiA, q), CursorSignature(NewOAI(Deps{}, "https://a.example/oai"), q))

	smA := NewSitemap(Deps{}, "https://a.example/sitemap.xml")
	smB := NewSitemap(Deps{}, "https://b.example/sitemap.xml")
	assert.NotEqual(t, CursorSignature(smA, q), CursorSignature(smB, q))
	override := Query{FreeText: "concrete", SitemapURL: "https://c.example/sitemap.xml"}
	assert.Equal(t, CursorSignature(smA, override), CursorSignature(smB, override))

	assert.Equal(t, q.Signature(), CursorSignature(&Arxiv{}, q), "fixed endpoints keep the query signature")
}

func TestQuery_Signature_DoesNotMutateKeywords(t *testing.T) {
	q := Query{Keywords: []string{"Zeta", "alpha"}}
	_ = q.Signature()
	assert.Equal(t, []string{"Zeta", "alpha"}, q.Keywords)
}

func TestQuery_Text(t *testing.T) {
	q := Query{FreeText: "chloride", Author: "Lovelace", Keywords: []string{"concrete"}}
	assert.Equal(t, "chloride Lovelace concrete", q.Text())
	assert.False(t, q.IsEmpty())
	assert.True(t, Query{Set: "cs"}.IsEmpty())
}

func TestNew(t *testing.T) {
	for _, name := range Names() {
		t.Run(name, func(t *testing.T) {
			a, err := New(name, types.SourcesConfig{}, Deps{})
			require.NoError(t, err)
			assert.Equal(t, name, a.Name())
			assert.Equal(t, name, a.Origin())
		})
	}

	_, err := New("pubmed", types.SourcesConfig{}, Deps{})
	assert.ErrorContains(t, err, "unknown source")
}

func TestRawRecord_Accessors(t *testing.T) {
	raw := decodeRaw(t, `{
		"title": "  T  ",
		"year": 2021,
		"nested": {"inner": {"value": "deep"}},
		"list": ["a", "", " b "],
		"objs": [{"name": "x"}, 3, {"name": "y"}]
	}`)

	assert.Equal(t, "T", raw.String("title"))
	assert.Equal(t, "2021", raw.String("year"))
	assert.Equal(t, 2021, raw.Int("year"))
	assert.Equal(t, "deep", raw.String("nested", "inner", "value"))
	assert.Nil(t, raw.Get("nested", "missing", "value"))
	assert.Equal(t, []string{"a", "b"}, raw.Strings("list"))
	assert.Equal(t, "a", raw.First("list"))
	assert.Equal(t, []string{"T"}, raw.Strings("title"))
	assert.Len(t, raw.Objects("objs"), 2)
}

func TestYearOf(t *testing.T) {
	assert.Equal(t, 2021, yearOf("2021-03-04"))
	assert.Equal(t, 0, yearOf("21"))
	assert.Equal(t, 0, yearOf("n.d."))
}
