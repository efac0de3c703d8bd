// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

// Package score rates records against positive and negative keyword lists.
// Scoring is a pure function of a record's title and abstract; callers
// persist the result.
package score

import (
	"cmp"
	"slices"
	"strings"
	"unicode"

	"github.com/pdiddy/harvest-engine/pkg/types"
)

// Default weights applied when the configuration leaves them unset.
const (
	DefaultTitleWeight    = 2.0
	DefaultAbstractWeight = 1.0
	DefaultNegativeWeight = 1.5
)

// Result is the outcome of scoring one record.
type Result struct {
	// Score is in [0, 1].
	Score float64

	// Matched lists the positive keywords found, in configuration order.
	Matched []string
}

// Scorer holds the tokenized keyword lists and weights. It is immutable
// and safe for concurrent use.
type Scorer struct {
	positive []keyword
	negative []keyword

	titleW, abstractW, negativeW float64
}

type keyword struct {
	text   string
	tokens []string
}

// New builds a Scorer from cfg. Keywords with no word characters are
// ignored; duplicate keywords count once.
func New(cfg types.ScoringConfig) *Scorer {
	s := &Scorer{
		positive:  compile(cfg.Positive),
		negative:  compile(cfg.Negative),
		titleW:    orDefault(cfg.TitleWeight, DefaultTitleWeight),
		abstractW: orDefault(cfg.AbstractWeight, DefaultAbstractWeight),
		negativeW: orDefault(cfg.NegativeWeight, DefaultNegativeWeight),
	}
	return s
}

// Enabled reports whether any positive keyword is configured. Without one
// every record scores 0.
func (s *Scorer) Enabled() bool { return len(s.positive) > 0 }

// Score rates rec. Each positive keyword found in the title adds the title
// weight and each found in the abstract adds the abstract weight; each
// negative keyword found in either subtracts the negative weight. The sum
// is divided by the best attainable positive total and clipped to [0, 1].
// Keywords match whole words, case-insensitively.
func (s *Scorer) Score(rec types.Record) Result {
	if len(s.positive) == 0 {
		return Result{}
	}
	title := tokenize(rec.Title)
	abstract := tokenize(rec.Abstract)

	var raw float64
	var matched []string
	for _, kw := range s.positive {
		inTitle := containsPhrase(title, kw.tokens)
		inAbstract := containsPhrase(abstract, kw.tokens)
		if inTitle {
			raw += s.titleW
		}
		if inAbstract {
			raw += s.abstractW
		}
		if inTitle || inAbstract {
			matched = append(matched, kw.text)
		}
	}
	for _, kw := range s.negative {
		if containsPhrase(title, kw.tokens) || containsPhrase(abstract, kw.tokens) {
			raw -= s.negativeW
		}
	}

	best := float64(len(s.positive)) * (s.titleW + s.abstractW)
	if best <= 0 {
		return Result{Matched: matched}
	}
	return Result{Score: min(max(raw/best, 0), 1), Matched: matched}
}

// Rank sorts records by score (highest first), then by year (most recent
// first, unknown last), then by title. Unscored records rank as 0.
func Rank(recs []types.Record) {
	slices.SortStableFunc(recs, func(a, b types.Record) int {
		if c := cmp.Compare(b.Score(), a.Score()); c != 0 {
			return c
		}
		if c := cmp.Compare(b.Year, a.Year); c != 0 {
			return c
		}
		return cmp.Compare(strings.ToLower(a.Title), strings.ToLower(b.Title))
	})
}

func compile(words []string) []keyword {
	var out []keyword
	seen := make(map[string]bool)
	for _, w := range words {
		toks := tokenize(w)
		if len(toks) == 0 {
			continue
		}
		key := strings.Join(toks, " ")
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, keyword{text: strings.TrimSpace(w), tokens: toks})
	}
	return out
}

// tokenize lower-cases s and splits it into runs of letters and digits.
func tokenize(s string) []string {
	return strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

// containsPhrase reports whether phrase occurs as a contiguous run of
// whole tokens in text.
func containsPhrase(text, phrase []string) bool {
	if len(phrase) == 0 || len(phrase) > len(text) {
		return false
	}
	for i := 0; i+len(phrase) <= len(text); i++ {
		if slices.Equal(text[i:i+len(phrase)], phrase) {
			return true
		}
	}
	return false
}

func orDefault(v, def float64) float64 {
	if v <= 0 {
		return def
	}
	return v
}
