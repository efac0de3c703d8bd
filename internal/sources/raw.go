// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package sources

import (
	"fmt"
	"strconv"
	"strings"
)

// Get walks nested objects along path and returns the value found, or nil.
func (r RawRecord) Get(path ...string) any {
	var cur any = r
	for _, key := range path {
		m := asRaw(cur)
		if m == nil {
			return nil
		}
		cur = m[key]
	}
	return cur
}

// String returns the value at path as trimmed text. Numbers are formatted;
// other types yield "".
func (r RawRecord) String(path ...string) string {
	switch v := r.Get(path...).(type) {
	case string:
		return strings.TrimSpace(v)
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case int:
		return strconv.Itoa(v)
	case fmt.Stringer:
		return v.String()
	}
	return ""
}

// Int returns the value at path as an integer, or 0.
func (r RawRecord) Int(path ...string) int {
	switch v := r.Get(path...).(type) {
	case float64:
		return int(v)
	case int:
		return v
	case string:
		n, _ := strconv.Atoi(strings.TrimSpace(v))
		return n
	}
	return 0
}

// List returns the array at path, or nil.
func (r RawRecord) List(path ...string) []any {
	switch v := r.Get(path...).(type) {
	case []any:
		return v
	case []string:
		out := make([]any, len(v))
		for i, s := range v {
			out[i] = s
		}
		return out
	}
	return nil
}

// Strings returns the non-empty string elements of the array at path. A
// single string value is returned as a one-element slice.
func (r RawRecord) Strings(path ...string) []string {
	if s, ok := r.Get(path...).(string); ok {
		if s = strings.TrimSpace(s); s != "" {
			return []string{s}
		}
		return nil
	}
	var out []string
	for _, v := range r.List(path...) {
		if s, ok := v.(string); ok && strings.TrimSpace(s) != "" {
			out = append(out, strings.TrimSpace(s))
		}
	}
	return out
}

// First returns the first non-empty string of the array at path, or the
// string at path itself.
func (r RawRecord) First(path ...string) string {
	if vals := r.Strings(path...); len(vals) > 0 {
		return vals[0]
	}
	return ""
}

// Objects returns the object elements of the array at path.
func (r RawRecord) Objects(path ...string) []RawRecord {
	var out []RawRecord
	for _, v := range r.List(path...) {
		if m := asRaw(v); m != nil {
			out = append(out, m)
		}
	}
	return out
}

func asRaw(v any) RawRecord {
	switch m := v.(type) {
	case RawRecord:
		return m
	case map[string]any:
		return RawRecord(m)
	}
	return nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

// yearOf extracts a leading four-digit year from a date string.
func yearOf(date string) int {
	date = strings.TrimSpace(date)
	if len(date) < 4 {
		return 0
	}
	y, err := strconv.Atoi(date[:4])
	if err != nil || y < 1000 {
		return 0
	}
	return y
}
