// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package score

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/pdiddy/harvest-engine/pkg/types"
)

func scorer() *Scorer {
	return New(types.ScoringConfig{
		Positive: []string{"chloride ingress", "concrete", "diffusion"},
		Negative: []string{"survey"},
	})
}

func TestScore_WordBoundaries(t *testing.T) {
	s := New(types.ScoringConfig{Positive: []string{"concrete"}})

	tests := []struct {
		name  string
		title string
		hit   bool
	}{
		{"exact", "Concrete durability", true},
		{"punctuation", "durability of concrete.", true},
		{"hyphenated", "self-compacting concrete-mixes", true},
		{"prefix", "concretely speaking", false},
		{"suffix", "nonconcrete forms", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := s.Score(types.Record{Title: tt.title})
			assert.Equal(t, tt.hit, r.Score > 0)
		})
	}
}

func TestScore_PhraseMustBeContiguous(t *testing.T) {
	s := scorer()
	r := s.Score(types.Record{Title: "Ingress of chloride"})
	assert.Zero(t, r.Score)
	assert.Empty(t, r.Matched)

	r = s.Score(types.Record{Title: "Chloride  ingress in marine structures"})
	assert.Equal(t, []string{"chloride ingress"}, r.Matched)
}

func TestScore_TitleOutweighsAbstract(t *testing.T) {
	s := scorer()
	inTitle := s.Score(types.Record{Title: "Concrete"})
	inAbstract := s.Score(types.Record{Abstract: "Concrete"})
	assert.Greater(t, inTitle.Score, inAbstract.Score)
}

func TestScore_Bounds(t *testing.T) {
	s := scorer()
	all := s.Score(types.Record{
		Title:    "Chloride ingress and diffusion in concrete",
		Abstract: "Chloride ingress, diffusion, concrete.",
	})
	assert.Equal(t, 1.0, all.Score)
	assert.Equal(t, []string{"chloride ingress", "concrete", "diffusion"}, all.Matched)

	neg := s.Score(types.Record{Title: "A survey"})
	assert.Zero(t, neg.Score, "negative totals clip to zero")
}

func TestScore_Monotonic(t *testing.T) {
	s := scorer()
	steps := []types.Record{
		{Title: "Steel"},
		{Title: "Steel", Abstract: "concrete"},
		{Title: "Concrete", Abstract: "concrete"},
		{Title: "Concrete diffusion", Abstract: "concrete"},
		{Title: "Concrete diffusion", Abstract: "concrete and chloride ingress"},
	}
	prev := -1.0
	for _, rec := range steps {
		got := s.Score(rec).Score
		assert.GreaterOrEqual(t, got, prev, "adding a positive match lowered the score for %+v", rec)
		prev = got
	}

	base := types.Record{Title: "Concrete diffusion", Abstract: "chloride ingress"}
	withNeg := base
	withNeg.Abstract += " a survey"
	assert.LessOrEqual(t, s.Score(withNeg).Score, s.Score(base).Score)
}

func TestScore_NoPositiveKeywords(t *testing.T) {
	s := New(types.ScoringConfig{Negative: []string{"survey"}})
	assert.False(t, s.Enabled())
	assert.Zero(t, s.Score(types.Record{Title: "anything"}).Score)
}

func TestScore_CustomWeights(t *testing.T) {
	s := New(types.ScoringConfig{Positive: []string{"a", "b"}, TitleWeight: 3, AbstractWeight: 1, NegativeWeight: 1})
	r := s.Score(types.Record{Title: "a", Abstract: "b"})
	assert.InDelta(t, 4.0/8.0, r.Score, 1e-9)
}

func TestNew_DeduplicatesKeywords(t *testing.T) {
	s := New(types.ScoringConfig{Positive: []string{"Concrete", "concrete ", "", "--"}})
	assert.Len(t, s.positive, 1)
}

func TestRank(t *testing.T) {
	f := func(v float64) *float64 { return &v }
	recs := []types.Record{
		{Title: "unscored", Year: 2024},
		{Title: "b", RelevanceScore: f(0.5), Year: 2020},
		{Title: "a", RelevanceScore: f(0.5), Year: 2020},
		{Title: "newer", RelevanceScore: f(0.5), Year: 2023},
		{Title: "top", RelevanceScore: f(0.9)},
	}
	Rank(recs)

	var titles []string
	for _, r := range recs {
		titles = append(titles, r.Title)
	}
	assert.Equal(t, []string{"top", "newer", "a", "b", "unscored"}, titles)
}
