// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package sources

import (
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/pdiddy/harvest-engine/pkg/types"
)

// DefaultOAIBaseURL is the arXiv OAI-PMH endpoint.
const DefaultOAIBaseURL = "https://export.arxiv.org/oai2"

const arxivOAIPrefix = "oai:arxiv.org:"

// OAI harvests Dublin Core records through OAI-PMH ListRecords. The
// continuation token is the server's resumptionToken; the server decides
// page size.
type OAI struct {
	deps    Deps
	baseURL string
}

// NewOAI returns an OAI-PMH adapter for baseURL, or the arXiv endpoint
// when baseURL is empty.
func NewOAI(deps Deps, baseURL string) *OAI {
	if baseURL == "" {
		baseURL = DefaultOAIBaseURL
	}
	return &OAI{deps: deps, baseURL: baseURL}
}

// Name returns the adapter identifier.
func (a *OAI) Name() string { return "oai" }

// Origin returns the rate-limit key.
func (a *OAI) Origin() string { return a.Name() }

// Endpoint returns the OAI-PMH base URL. Resumption tokens are only valid
// against the server that issued them.
func (a *OAI) Endpoint(Query) string { return a.baseURL }

// FetchPage issues one ListRecords request. The first request carries the
// set and date range; later ones carry only the resumption token.
func (a *OAI) FetchPage(ctx context.Context, q Query, token string, _ int) (Page, error) {
	params := url.Values{"verb": {"ListRecords"}}
	if token != "" {
		params.Set("resumptionToken", token)
	} else {
		params.Set("metadataPrefix", "oai_dc")
		if q.Set != "" {
			params.Set("set", q.Set)
		}
		if !q.DateFrom.IsZero() {
			params.Set("from", q.DateFrom.Format(dateFmt))
		}
		if !q.DateTo.IsZero() {
			params.Set("until", q.DateTo.Format(dateFmt))
		}
	}

	resp, err := a.deps.get(ctx, a.baseURL+"?"+params.Encode(), "application/xml, text/xml;q=0.9", nil)
	if err != nil {
		return Page{}, fmt.Errorf("OAI-PMH request: %w", err)
	}
	defer resp.Body.Close()

	var doc oaiResponse
	if err := xml.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return Page{}, errors.Join(types.ErrTransient, fmt.Errorf("parsing OAI-PMH response: %w", err))
	}

	if doc.Error != nil {
		if doc.Error.Code == "noRecordsMatch" {
			return Page{Exhausted: true}, nil
		}
		return Page{}, fmt.Errorf("OAI-PMH error %s: %s: %w",
			doc.Error.Code, strings.TrimSpace(doc.Error.Message), types.ErrPermanent)
	}

	page := Page{}
	for _, r := range doc.ListRecords.Records {
		if r.Header.Status == "deleted" {
			continue
		}
		page.Records = append(page.Records, r.raw())
	}
	if next := strings.TrimSpace(doc.ListRecords.Token); next != "" {
		page.NextToken = next
	} else {
		page.Exhausted = true
	}
	return page, nil
}

// Map converts one Dublin Core record. A DOI identifier wins; arXiv
// records without one use the arXiv id from the OAI header.
func (a *OAI) Map(raw RawRecord) (types.Record, error) {
	rec := types.Record{
		Title:     collapse(raw.First("title")),
		Abstract:  collapse(raw.First("description")),
		Authors:   raw.Strings("creator"),
		Venue:     raw.First("publisher"),
		Year:      yearOf(raw.First("date")),
		Source:    a.Name(),
		SourceURL: a.baseURL + "?verb=GetRecord&metadataPrefix=oai_dc&identifier=" + url.QueryEscape(raw.String("oai_id")),
	}

	for _, ident := range raw.Strings("identifier") {
		low := strings.ToLower(ident)
		switch {
		case strings.HasPrefix(low, "doi:"):
			rec.PersistentID = strings.TrimSpace(ident[len("doi:"):])
		case strings.Contains(low, "doi.org/"):
			rec.PersistentID = ident[strings.Index(low, "doi.org/")+len("doi.org/"):]
		case strings.HasPrefix(low, "http://") || strings.HasPrefix(low, "https://"):
			if rec.CanonicalURL == "" {
				rec.CanonicalURL = ident
			}
		}
	}

	oaiID := raw.String("oai_id")
	if rec.PersistentID == "" && strings.HasPrefix(strings.ToLower(oaiID), arxivOAIPrefix) {
		rec.PersistentID = "arXiv:" + oaiID[len(arxivOAIPrefix):]
	}
	return requireIdentity(a.Name(), rec)
}

// OAI-PMH XML structures. Element names match in any namespace.
type oaiResponse struct {
	Error       *oaiError `xml:"error"`
	ListRecords struct {
		Records []oaiRecord `xml:"record"`
		Token   string      `xml:"resumptionToken"`
	} `xml:"ListRecords"`
}

type oaiError struct {
	Code    string `xml:"code,attr"`
	Message string `xml:",chardata"`
}

type oaiRecord struct {
	Header struct {
		Identifier string `xml:"identifier"`
		Datestamp  string `xml:"datestamp"`
		Status     string `xml:"status,attr"`
	} `xml:"header"`
	Metadata struct {
		DC oaiDC `xml:"dc"`
	} `xml:"metadata"`
}

type oaiDC struct {
	Title       []string `xml:"title"`
	Creator     []string `xml:"creator"`
	Description []string `xml:"description"`
	Date        []string `xml:"date"`
	Identifier  []string `xml:"identifier"`
	Publisher   []string `xml:"publisher"`
}

func (r oaiRecord) raw() RawRecord {
	dc := r.Metadata.DC
	return RawRecord{
		"oai_id":      strings.TrimSpace(r.Header.Identifier),
		"datestamp":   strings.TrimSpace(r.Header.Datestamp),
		"title":       dc.Title,
		"creator":     dc.Creator,
		"description": dc.Description,
		"date":        dc.Date,
		"identifier":  dc.Identifier,
		"publisher":   dc.Publisher,
	}
}
