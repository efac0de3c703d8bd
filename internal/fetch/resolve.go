// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package fetch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/pdiddy/harvest-engine/internal/httputil"
	"github.com/pdiddy/harvest-engine/internal/ratelimit"
	"github.com/pdiddy/harvest-engine/pkg/types"
)

// Base URLs for artifact resolution. Declared as vars so tests can
// substitute httptest servers.
var (
	arxivPDFBase    = "https://arxiv.org/pdf/"
	openAlexAPIBase = "https://api.openalex.org/works/"
)

const arxivPrefix = "arxiv:"

// Slug returns the filesystem-safe file stem for rec: the arXiv id or DOI
// when the record has one, else a hash of the canonical URL, else the
// record id. The same record always yields the same slug.
func Slug(rec types.Record) string {
	pid := strings.TrimSpace(rec.PersistentID)
	switch {
	case strings.HasPrefix(strings.ToLower(pid), arxivPrefix):
		return sanitize(pid[len(arxivPrefix):])
	case pid != "":
		return sanitize(pid)
	case rec.CanonicalURL != "":
		return urlHashSlug(rec.CanonicalURL)
	default:
		return sanitize(rec.ID)
	}
}

// ArtifactPath returns where rec's artifact lives under dir:
// <dir>/<source>/<slug>.pdf.
func ArtifactPath(dir string, rec types.Record) string {
	src := sanitize(rec.Source)
	if src == "" {
		src = "unknown"
	}
	return filepath.Join(dir, src, Slug(rec)+".pdf")
}

// SidecarPath returns the metadata file written next to an artifact.
func SidecarPath(artifactPath string) string {
	return strings.TrimSuffix(artifactPath, filepath.Ext(artifactPath)) + ".meta.yaml"
}

// sanitize keeps letters, digits, '.', '_' and '-', mapping path
// separators and colons to '-' and dropping everything else.
func sanitize(s string) string {
	s = strings.NewReplacer("/", "-", ":", "-", "\\", "-").Replace(strings.TrimSpace(s))
	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '_', r == '-':
			b.WriteRune(r)
		}
	}
	return strings.Trim(b.String(), ".")
}

// Resolvable reports whether rec has an artifact URL or an identifier
// ResolveArtifactURL can try.
func Resolvable(rec types.Record) bool {
	pid := strings.ToLower(strings.TrimSpace(rec.PersistentID))
	return rec.ArtifactURL != "" || strings.HasPrefix(pid, arxivPrefix) || strings.HasPrefix(pid, "10.")
}

func urlHashSlug(rawURL string) string {
	return "url-" + shortHash(rawURL)
}

// openAlexWork captures the fields needed from an OpenAlex work record.
type openAlexWork struct {
	BestOALocation *struct {
		PDFURL string `json:"pdf_url"`
	} `json:"best_oa_location"`
}

// ResolveArtifactURL returns the URL to download rec's artifact from. A
// record's own artifact URL wins; arXiv ids map to the arXiv PDF endpoint;
// DOIs are looked up in OpenAlex for an open-access PDF. It returns "" when
// nothing can be resolved. Lookup failures are logged, not returned.
func (f *Fetcher) ResolveArtifactURL(ctx context.Context, rec types.Record) string {
	if rec.ArtifactURL != "" {
		return rec.ArtifactURL
	}
	pid := strings.TrimSpace(rec.PersistentID)
	if strings.HasPrefix(strings.ToLower(pid), arxivPrefix) {
		return arxivPDFBase + pid[len(arxivPrefix):]
	}
	if !strings.HasPrefix(pid, "10.") {
		return ""
	}

	u, err := f.resolveOpenAlex(ctx, pid)
	if err != nil {
		if ctx.Err() == nil {
			f.logger.Debug("OpenAlex lookup failed", zap.String("doi", pid), zap.Error(err))
		}
		return ""
	}
	return u
}

func (f *Fetcher) resolveOpenAlex(ctx context.Context, doi string) (string, error) {
	apiURL := openAlexAPIBase + "https://doi.org/" + doi
	if f.cfg.ContactEmail != "" {
		apiURL += "?mailto=" + url.QueryEscape(f.cfg.ContactEmail)
	}

	var work openAlexWork
	err := httputil.Retry(ctx, f.retry, func(ctx context.Context, _ int) error {
		if err := f.acquire(ctx, apiURL); err != nil {
			return err
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, apiURL, nil)
		if err != nil {
			return fmt.Errorf("creating OpenAlex request: %w", err)
		}
		req.Header.Set("User-Agent", f.userAgent)
		req.Header.Set("Accept", "application/json")

		resp, err := httputil.Do(f.client, req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if err := json.NewDecoder(resp.Body).Decode(&work); err != nil {
			return errors.Join(types.ErrTransient, fmt.Errorf("parsing OpenAlex response: %w", err))
		}
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("OpenAlex lookup: %w", err)
	}
	if work.BestOALocation == nil {
		return "", nil
	}
	return work.BestOALocation.PDFURL, nil
}

func (f *Fetcher) acquire(ctx context.Context, rawURL string) error {
	if f.limiter == nil {
		return ctx.Err()
	}
	return f.limiter.Acquire(ctx, ratelimit.Origin(rawURL))
}
