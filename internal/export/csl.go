// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package export

import (
	"strings"

	"github.com/pdiddy/harvest-engine/pkg/types"
)

// CSLItem represents a bibliographic entry in CSL (Citation Style Language)
// format. The field names and structure follow the CSL-JSON/CSL-YAML schema
// so that output is consumable by Pandoc and reference managers.
type CSLItem struct {
	ID             string    `yaml:"id"`
	Type           string    `yaml:"type"`
	Title          string    `yaml:"title"`
	Author         []CSLName `yaml:"author,omitempty"`
	Abstract       string    `yaml:"abstract,omitempty"`
	ContainerTitle string    `yaml:"container-title,omitempty"`
	Issued         *CSLDate  `yaml:"issued,omitempty"`
	DOI            string    `yaml:"DOI,omitempty"`
	URL            string    `yaml:"URL,omitempty"`
	Keyword        string    `yaml:"keyword,omitempty"`
}

// CSLName represents a person's name in CSL format.
type CSLName struct {
	Family  string `yaml:"family,omitempty"`
	Given   string `yaml:"given,omitempty"`
	Literal string `yaml:"literal,omitempty"`
}

// CSLDate represents a date in CSL format using date-parts.
type CSLDate struct {
	DateParts [][]int `yaml:"date-parts"`
}

// ToCSL converts a record into a CSL item. The persistent id is the item
// id when present, otherwise the record id.
func ToCSL(r types.Record) CSLItem {
	item := CSLItem{
		ID:             r.PersistentID,
		Type:           "article",
		Title:          r.Title,
		Abstract:       r.Abstract,
		ContainerTitle: r.Venue,
		URL:            r.CanonicalURL,
		Keyword:        strings.Join(r.MatchedKeywords, ", "),
	}
	if item.ID == "" {
		item.ID = r.ID
	}
	if r.Venue != "" {
		item.Type = "article-journal"
	}
	for _, a := range r.Authors {
		item.Author = append(item.Author, parseAuthorName(a))
	}
	if r.Year > 0 {
		item.Issued = &CSLDate{DateParts: [][]int{{r.Year}}}
	}
	if strings.HasPrefix(r.PersistentID, "10.") {
		item.DOI = r.PersistentID
	}
	return item
}

// parseAuthorName splits a name into CSL family/given parts. "Family,
// Given" is split on the comma; otherwise the last space separates given
// names from the family name. Single-token names use the literal field.
func parseAuthorName(name string) CSLName {
	name = strings.TrimSpace(name)
	if name == "" {
		return CSLName{}
	}
	if family, given, ok := strings.Cut(name, ","); ok {
		return CSLName{Family: strings.TrimSpace(family), Given: strings.TrimSpace(given)}
	}
	idx := strings.LastIndex(name, " ")
	if idx < 0 {
		return CSLName{Literal: name}
	}
	return CSLName{
		Given:  name[:idx],
		Family: name[idx+1:],
	}
}
