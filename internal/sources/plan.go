// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package sources

import (
	"fmt"
	"os"
	"slices"
	"time"

	"go.yaml.in/yaml/v3"
)

// Plan is the on-disk list of harvests to run together, for example on a
// schedule. Each entry is one (source, query) pair with its own limit.
type Plan struct {
	Harvests []PlanEntry `yaml:"harvests"`
}

// PlanEntry is one harvest in a plan.
type PlanEntry struct {
	Source string      `yaml:"source"`
	Query  QueryParams `yaml:"query"`

	// Limit caps records processed by this entry per run (0 = unbounded).
	Limit int `yaml:"limit,omitempty"`
}

// QueryParams stores query parameters in a serializable form.
type QueryParams struct {
	FreeText   string   `yaml:"free_text,omitempty"`
	Author     string   `yaml:"author,omitempty"`
	Keywords   []string `yaml:"keywords,omitempty"`
	DateFrom   string   `yaml:"date_from,omitempty"`
	DateTo     string   `yaml:"date_to,omitempty"`
	Set        string   `yaml:"set,omitempty"`
	SitemapURL string   `yaml:"sitemap_url,omitempty"`
}

// ParamsFor converts a Query into its serializable form.
func ParamsFor(q Query) QueryParams {
	return QueryParams{
		FreeText:   q.FreeText,
		Author:     q.Author,
		Keywords:   q.Keywords,
		DateFrom:   formatDate(q.DateFrom),
		DateTo:     formatDate(q.DateTo),
		Set:        q.Set,
		SitemapURL: q.SitemapURL,
	}
}

// ToQuery converts stored QueryParams back into a Query.
func (p QueryParams) ToQuery() (Query, error) {
	q := Query{
		FreeText:   p.FreeText,
		Author:     p.Author,
		Keywords:   p.Keywords,
		Set:        p.Set,
		SitemapURL: p.SitemapURL,
	}
	if p.DateFrom != "" {
		t, err := time.Parse(dateFmt, p.DateFrom)
		if err != nil {
			return q, fmt.Errorf("invalid date_from %q: %w", p.DateFrom, err)
		}
		q.DateFrom = t
	}
	if p.DateTo != "" {
		t, err := time.Parse(dateFmt, p.DateTo)
		if err != nil {
			return q, fmt.Errorf("invalid date_to %q: %w", p.DateTo, err)
		}
		q.DateTo = t
	}
	return q, nil
}

// ReadPlan loads and validates a harvest plan file.
func ReadPlan(path string) (*Plan, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading plan file: %w", err)
	}
	var p Plan
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("parsing plan file: %w", err)
	}
	if len(p.Harvests) == 0 {
		return nil, fmt.Errorf("plan file %s lists no harvests", path)
	}
	for i, e := range p.Harvests {
		if !slices.Contains(Names(), e.Source) {
			return nil, fmt.Errorf("plan entry %d: unknown source %q", i+1, e.Source)
		}
		if _, err := e.Query.ToQuery(); err != nil {
			return nil, fmt.Errorf("plan entry %d: %w", i+1, err)
		}
	}
	return &p, nil
}

// WritePlan saves a harvest plan as YAML.
func WritePlan(path string, p Plan) error {
	data, err := yaml.Marshal(&p)
	if err != nil {
		return fmt.Errorf("marshaling plan file: %w", err)
	}
	return os.WriteFile(path, data, 0o644)
}
