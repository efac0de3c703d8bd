// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

// Package export writes record streams as a table, JSON lines, YAML, or
// CSL-YAML. Every format is written incrementally, one record at a time.
package export

import (
	"encoding/json"
	"fmt"
	"io"
	"iter"
	"strings"

	"go.yaml.in/yaml/v3"

	"github.com/pdiddy/harvest-engine/pkg/types"
)

// Format names an output format.
type Format string

const (
	FormatTable Format = "table"
	FormatJSONL Format = "jsonl"
	FormatYAML  Format = "yaml"
	FormatCSL   Format = "csl"
)

// Formats lists the supported formats.
func Formats() []Format {
	return []Format{FormatTable, FormatJSONL, FormatYAML, FormatCSL}
}

// ParseFormat validates a format name. The empty string selects the table.
func ParseFormat(s string) (Format, error) {
	if s == "" {
		return FormatTable, nil
	}
	for _, f := range Formats() {
		if string(f) == strings.ToLower(s) {
			return f, nil
		}
	}
	return "", fmt.Errorf("unknown export format %q (want table, jsonl, yaml, or csl)", s)
}

// Write drains recs into w in format f and returns the number of records
// written. It stops at the first error from the sequence or the writer.
func Write(w io.Writer, f Format, recs iter.Seq2[types.Record, error]) (int, error) {
	var emit func(i int, r types.Record) error
	switch f {
	case FormatTable:
		emit = tableRow(w)
	case FormatJSONL:
		enc := json.NewEncoder(w)
		emit = func(_ int, r types.Record) error { return enc.Encode(r) }
	case FormatYAML:
		emit = func(_ int, r types.Record) error { return yamlItem(w, r) }
	case FormatCSL:
		emit = func(_ int, r types.Record) error { return yamlItem(w, ToCSL(r)) }
	default:
		return 0, fmt.Errorf("unknown export format %q", f)
	}

	n := 0
	for r, err := range recs {
		if err != nil {
			return n, err
		}
		if err := emit(n, r); err != nil {
			return n, fmt.Errorf("writing record %s: %w", r.ID, err)
		}
		n++
	}

	switch f {
	case FormatTable:
		if n == 0 {
			fmt.Fprintln(w, "No records found.")
		} else {
			fmt.Fprintf(w, "\n%d records\n", n)
		}
	case FormatYAML, FormatCSL:
		if n == 0 {
			fmt.Fprintln(w, "[]")
		}
	}
	return n, nil
}

// yamlItem writes v as a one-element YAML sequence. Consecutive calls
// concatenate into a single sequence.
func yamlItem(w io.Writer, v any) error {
	data, err := yaml.Marshal([]any{v})
	if err != nil {
		return err
	}
	_, err = w.Write(data)
	return err
}

func tableRow(w io.Writer) func(int, types.Record) error {
	return func(i int, r types.Record) error {
		if i == 0 {
			fmt.Fprintf(w, "%-4s  %-60s  %-20s  %-4s  %-6s  %-10s  %s\n",
				"Rank", "Title", "Authors", "Year", "Score", "Artifact", "Sources")
			fmt.Fprintln(w, strings.Repeat("-", 124))
		}
		year := ""
		if r.Year > 0 {
			year = fmt.Sprintf("%d", r.Year)
		}
		score := "-"
		if r.RelevanceScore != nil {
			score = fmt.Sprintf("%.2f", *r.RelevanceScore)
		}
		_, err := fmt.Fprintf(w, "%-4d  %-60s  %-20s  %-4s  %-6s  %-10s  %s\n",
			i+1, truncate(r.Title, 60), formatAuthors(r.Authors), year, score,
			r.ArtifactStatus, strings.Join(r.Sources, ","))
		return err
	}
}

func formatAuthors(authors []string) string {
	switch len(authors) {
	case 0:
		return ""
	case 1:
		return truncate(authors[0], 20)
	default:
		return truncate(authors[0], 14) + " et al."
	}
}

func truncate(s string, max int) string {
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[:max-3]) + "..."
}
