// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package types

import "unicode/utf8"

// SubstantialAbstract is the length in characters an abstract must exceed
// to count toward a record's completeness.
const SubstantialAbstract = 50

// richAbstract is the abstract length at which richness from the abstract
// saturates.
const richAbstract = 500

// Completeness is the fraction of descriptive fields a record carries:
// title, a substantial abstract, authors, year, persistent id and venue.
func (r Record) Completeness() float64 {
	fields := []bool{
		r.Title != "",
		utf8.RuneCountInString(r.Abstract) > SubstantialAbstract,
		len(r.Authors) > 0,
		r.Year > 0,
		r.PersistentID != "",
		r.Venue != "",
	}
	n := 0
	for _, ok := range fields {
		if ok {
			n++
		}
	}
	return float64(n) / float64(len(fields))
}

// Richness estimates how much usable content a record holds, in [0, 1].
// A fetched artifact counts as much as a long abstract.
func (r Record) Richness() float64 {
	var v float64
	if n := utf8.RuneCountInString(r.Abstract); n > 0 {
		v += min(1, float64(n)/richAbstract) * 0.4
	}
	if r.ArtifactStatus == ArtifactOK {
		v += 0.4
	}
	if len(r.Authors) > 0 {
		v += 0.1
	}
	if r.Venue != "" {
		v += 0.1
	}
	return min(1, v)
}

// Quality combines relevance, completeness and richness into one score in
// [0, 1]. Relevance carries the most weight.
func (r Record) Quality() float64 {
	return 0.4*r.Score() + 0.3*r.Completeness() + 0.3*r.Richness()
}
