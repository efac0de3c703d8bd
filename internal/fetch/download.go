// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package fetch

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"go.yaml.in/yaml/v3"

	"github.com/pdiddy/harvest-engine/internal/httputil"
	"github.com/pdiddy/harvest-engine/pkg/types"
)

const tempPattern = ".fetch-*.tmp"

// Sidecar is the metadata file written next to every artifact.
type Sidecar struct {
	RecordID     string    `yaml:"record_id"`
	PersistentID string    `yaml:"persistent_id,omitempty"`
	Title        string    `yaml:"title,omitempty"`
	Authors      []string  `yaml:"authors,omitempty"`
	Year         int       `yaml:"year,omitempty"`
	Venue        string    `yaml:"venue,omitempty"`
	Source       string    `yaml:"source,omitempty"`
	CanonicalURL string    `yaml:"canonical_url,omitempty"`
	ArtifactURL  string    `yaml:"artifact_url"`
	Checksum     string    `yaml:"checksum"`
	Bytes        int64     `yaml:"bytes"`
	FetchedAt    time.Time `yaml:"fetched_at"`
}

// ReadSidecar loads the sidecar written next to an artifact.
func ReadSidecar(artifactPath string) (*Sidecar, error) {
	data, err := os.ReadFile(SidecarPath(artifactPath))
	if err != nil {
		return nil, err
	}
	var s Sidecar
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("parsing sidecar: %w", err)
	}
	return &s, nil
}

// download is a completed transfer waiting in a temp file.
type download struct {
	tmpPath  string
	checksum string
	size     int64
}

// transfer streams rawURL into a temp file next to path, hashing as it
// writes and enforcing the size cap.
func (f *Fetcher) transfer(ctx context.Context, rawURL, path string) (*download, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating directory %s: %w", dir, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("User-Agent", f.userAgent)
	req.Header.Set("Accept", "application/pdf, */*;q=0.8")

	resp, err := httputil.Do(f.client, req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	maxBytes := f.cfg.MaxBytes
	if maxBytes > 0 && resp.ContentLength > maxBytes {
		return nil, fmt.Errorf("declared size %d exceeds %d bytes: %w", resp.ContentLength, maxBytes, types.ErrTooLarge)
	}

	tmp, err := os.CreateTemp(dir, tempPattern)
	if err != nil {
		return nil, fmt.Errorf("creating temp file: %w", err)
	}
	tmpPath := tmp.Name()

	var body io.Reader = resp.Body
	if maxBytes > 0 {
		body = io.LimitReader(resp.Body, maxBytes+1)
	}
	h := sha256.New()
	n, copyErr := io.Copy(io.MultiWriter(tmp, h), body)
	if copyErr == nil && maxBytes > 0 && n > maxBytes {
		copyErr = fmt.Errorf("body exceeds %d bytes: %w", maxBytes, types.ErrTooLarge)
	} else if copyErr != nil {
		copyErr = httputil.ClassifyError(fmt.Errorf("reading body: %w", copyErr))
	}
	if copyErr == nil {
		copyErr = tmp.Sync()
	}
	closeErr := tmp.Close()
	if copyErr != nil {
		os.Remove(tmpPath)
		return nil, copyErr
	}
	if closeErr != nil {
		os.Remove(tmpPath)
		return nil, fmt.Errorf("closing temp file: %w", closeErr)
	}

	return &download{tmpPath: tmpPath, checksum: hex.EncodeToString(h.Sum(nil)), size: n}, nil
}

// promote writes the sidecar and moves the artifact, then the sidecar,
// into place.
func (d *download) promote(rec types.Record, rawURL, path string, fetchedAt time.Time) error {
	side := Sidecar{
		RecordID:     rec.ID,
		PersistentID: rec.PersistentID,
		Title:        rec.Title,
		Authors:      rec.Authors,
		Year:         rec.Year,
		Venue:        rec.Venue,
		Source:       rec.Source,
		CanonicalURL: rec.CanonicalURL,
		ArtifactURL:  rawURL,
		Checksum:     d.checksum,
		Bytes:        d.size,
		FetchedAt:    fetchedAt,
	}
	data, err := yaml.Marshal(&side)
	if err != nil {
		return fmt.Errorf("marshaling sidecar: %w", err)
	}
	sideTmp, err := writeTemp(filepath.Dir(path), data)
	if err != nil {
		return fmt.Errorf("writing sidecar: %w", err)
	}

	if err := os.Rename(d.tmpPath, path); err != nil {
		os.Remove(sideTmp)
		return fmt.Errorf("renaming artifact: %w", err)
	}
	if err := os.Rename(sideTmp, SidecarPath(path)); err != nil {
		// An artifact never stays on disk without its sidecar.
		os.Remove(sideTmp)
		os.Remove(path)
		return fmt.Errorf("renaming sidecar: %w", err)
	}
	return nil
}

func (d *download) discard() {
	os.Remove(d.tmpPath)
}

func writeTemp(dir string, data []byte) (string, error) {
	tmp, err := os.CreateTemp(dir, tempPattern)
	if err != nil {
		return "", err
	}
	_, err = tmp.Write(data)
	if err == nil {
		err = tmp.Sync()
	}
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(tmp.Name())
		return "", err
	}
	return tmp.Name(), nil
}

// CleanTemp removes temp files a crashed fetch left under dir and returns
// how many it removed. A missing dir is not an error.
func CleanTemp(dir string) (int, error) {
	removed := 0
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) && path == dir {
				return fs.SkipAll
			}
			return err
		}
		if d.IsDir() {
			return nil
		}
		if ok, _ := filepath.Match(tempPattern, d.Name()); !ok {
			return nil
		}
		if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return err
		}
		removed++
		return nil
	})
	if err != nil {
		return removed, fmt.Errorf("cleaning temp files: %w", err)
	}
	return removed, nil
}

// mirrorKey is path relative to the artifact directory, slash-separated.
func mirrorKey(base, path string) (string, error) {
	rel, err := filepath.Rel(base, path)
	if err != nil {
		return "", fmt.Errorf("mirror key for %s: %w", path, err)
	}
	return filepath.ToSlash(rel), nil
}
