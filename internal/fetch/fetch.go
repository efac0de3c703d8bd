// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

// Package fetch downloads the artifact (usually a PDF) behind a record.
// Downloads stream into a temporary file in the destination directory and
// are renamed into place only once complete, so a crash never leaves a
// partial artifact at its final path. Every fetch ends in exactly one
// artifact status update on the record.
package fetch

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/pdiddy/harvest-engine/internal/httputil"
	"github.com/pdiddy/harvest-engine/internal/logging"
	"github.com/pdiddy/harvest-engine/internal/metrics"
	"github.com/pdiddy/harvest-engine/internal/ratelimit"
	"github.com/pdiddy/harvest-engine/pkg/types"
)

// DefaultDir is the artifact directory used when the configuration leaves
// it unset.
const DefaultDir = "data/artifacts"

// Store is the subset of the record store the fetcher reads and writes.
type Store interface {
	UpdateArtifact(ctx context.Context, id string, u types.ArtifactUpdate) error
	RecordVisit(ctx context.Context, v types.VisitRecord) error
	GetVisit(ctx context.Context, url string) (*types.VisitRecord, error)
}

// Mirror copies a promoted artifact to remote storage.
type Mirror interface {
	Name() string
	Upload(ctx context.Context, key, localPath, contentType string) error
}

// Skip reasons reported in Outcome.SkipReason.
const (
	SkipAlreadyFetched = "already fetched"
	SkipCooldown       = "recently failed"
	SkipNoURL          = "no artifact url"
)

// Outcome describes how one fetch ended.
type Outcome struct {
	RecordID string
	URL      string

	// Status is the artifact status written to the record. Skipped
	// fetches report the record's existing status.
	Status types.ArtifactStatus

	Path     string
	Checksum string
	Bytes    int64
	Attempts int

	Skipped    bool
	SkipReason string

	// Err is the cause of a failed status.
	Err error

	// MirrorErr is set when the artifact was fetched but its upload to
	// the mirror failed.
	MirrorErr error
}

// Fetcher downloads artifacts under a base directory.
type Fetcher struct {
	cfg       types.FetchConfig
	store     Store
	limiter   *ratelimit.Limiter
	client    *http.Client
	retry     httputil.RetryPolicy
	userAgent string
	logger    *zap.Logger
	now       func() time.Time

	mirror         Mirror
	mirrorSidecars bool
}

// Option customizes a Fetcher.
type Option func(*Fetcher)

// WithLogger sets the fetcher's logger.
func WithLogger(l *zap.Logger) Option {
	return func(f *Fetcher) { f.logger = logging.OrNop(l) }
}

// WithMirror uploads every fetched artifact to m, and its sidecar too when
// sidecars is set.
func WithMirror(m Mirror, sidecars bool) Option {
	return func(f *Fetcher) {
		f.mirror = m
		f.mirrorSidecars = sidecars
	}
}

// WithClock replaces the time source used for fetch timestamps and the
// failure cooldown.
func WithClock(now func() time.Time) Option {
	return func(f *Fetcher) { f.now = now }
}

// New returns a Fetcher. A nil limiter disables rate limiting; a nil
// client gets one built from cfg.
func New(cfg types.FetchConfig, store Store, limiter *ratelimit.Limiter, client *http.Client, opts ...Option) *Fetcher {
	if cfg.Dir == "" {
		cfg.Dir = DefaultDir
	}
	if client == nil {
		client = httputil.NewClient(cfg.HTTPConfig)
	}
	f := &Fetcher{
		cfg:       cfg,
		store:     store,
		limiter:   limiter,
		client:    client,
		retry:     httputil.NewRetryPolicy(cfg.Retry),
		userAgent: httputil.UserAgent(cfg.HTTPConfig),
		logger:    zap.NewNop(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Dir returns the base artifact directory.
func (f *Fetcher) Dir() string { return f.cfg.Dir }

// Fetch downloads rec's artifact and records the outcome. Terminal
// download failures are reported through Outcome.Status with a nil error;
// the returned error is reserved for store failures and cancellation, in
// which case the record is left untouched.
func (f *Fetcher) Fetch(ctx context.Context, rec types.Record) (Outcome, error) {
	out := Outcome{RecordID: rec.ID, Status: rec.ArtifactStatus}
	log := f.logger.With(zap.String("record", rec.ID))

	path := rec.ArtifactLocalPath
	if path == "" {
		path = ArtifactPath(f.cfg.Dir, rec)
	}

	if rec.ArtifactStatus == types.ArtifactOK && rec.Checksum != "" && fileMatches(path, rec.Checksum) {
		out.Skipped, out.SkipReason = true, SkipAlreadyFetched
		out.Path, out.Checksum, out.URL = path, rec.Checksum, rec.ArtifactURL
		return out, nil
	}

	rawURL := f.ResolveArtifactURL(ctx, rec)
	if err := ctx.Err(); err != nil {
		return out, err
	}
	if rawURL == "" {
		out.Skipped, out.SkipReason = true, SkipNoURL
		return out, nil
	}
	out.URL = rawURL
	log = log.With(zap.String("url", rawURL))

	visit, err := f.store.GetVisit(ctx, rawURL)
	if err != nil {
		return out, err
	}
	if f.coolingDown(visit) {
		log.Debug("skipping recently failed url", zap.String("last_status", string(visit.LastStatus)))
		out.Skipped, out.SkipReason = true, SkipCooldown
		return out, nil
	}

	if f.cfg.MaxBytes > 0 {
		if size := f.declaredSize(ctx, rawURL); size > f.cfg.MaxBytes {
			err := fmt.Errorf("declared size %d exceeds %d bytes: %w", size, f.cfg.MaxBytes, types.ErrTooLarge)
			return f.fail(ctx, log, out, err)
		}
	}

	var dl *download
	err = httputil.Retry(ctx, f.retry, func(ctx context.Context, attempt int) error {
		out.Attempts = attempt
		if err := f.acquire(ctx, rawURL); err != nil {
			return err
		}
		d, err := f.transfer(ctx, rawURL, path)
		if err != nil {
			log.Debug("download attempt failed", zap.Int("attempt", attempt), zap.Error(err))
			return err
		}
		dl = d
		return nil
	})
	if err != nil {
		if ctx.Err() != nil {
			return out, ctx.Err()
		}
		return f.fail(ctx, log, out, err)
	}

	fetchedAt := f.now().UTC()
	if err := dl.promote(rec, rawURL, path, fetchedAt); err != nil {
		dl.discard()
		return f.fail(ctx, log, out, err)
	}

	out.Status = types.ArtifactOK
	out.Path, out.Checksum, out.Bytes = path, dl.checksum, dl.size
	if err := f.store.UpdateArtifact(ctx, rec.ID, types.ArtifactUpdate{
		Status:    types.ArtifactOK,
		LocalPath: path,
		Checksum:  dl.checksum,
		FetchedAt: fetchedAt,
	}); err != nil {
		return out, err
	}
	f.recordVisit(ctx, log, rawURL, types.ArtifactOK, http.StatusOK, out.Attempts)
	metrics.ObserveFetch(rawURL, string(types.ArtifactOK), dl.size)
	log.Info("artifact fetched", zap.String("path", path), zap.Int64("bytes", dl.size))

	if f.mirror != nil {
		out.MirrorErr = f.upload(ctx, log, path)
	}
	return out, nil
}

// fail records a terminal failure: one artifact update, one ledger entry.
func (f *Fetcher) fail(ctx context.Context, log *zap.Logger, out Outcome, cause error) (Outcome, error) {
	status, code := Classify(cause)
	out.Status, out.Err = status, cause
	log.Warn("artifact fetch failed",
		zap.String("status", string(status)),
		zap.Int("attempts", out.Attempts),
		zap.Error(cause),
	)

	if err := f.store.UpdateArtifact(ctx, out.RecordID, types.ArtifactUpdate{
		Status:    status,
		FetchedAt: f.now().UTC(),
	}); err != nil {
		return out, err
	}
	f.recordVisit(ctx, log, out.URL, status, code, out.Attempts)
	metrics.ObserveFetch(out.URL, string(status), 0)
	return out, nil
}

func (f *Fetcher) recordVisit(ctx context.Context, log *zap.Logger, rawURL string, status types.ArtifactStatus, code, attempts int) {
	err := f.store.RecordVisit(ctx, types.VisitRecord{
		URL:             rawURL,
		LastStatus:      status,
		LastHTTPStatus:  code,
		LastAttemptedAt: f.now().UTC(),
		AttemptCount:    attempts,
	})
	if err != nil {
		log.Warn("recording visit", zap.Error(err))
	}
}

// coolingDown reports whether v is a forbidden or not-found result recent
// enough to skip the URL.
func (f *Fetcher) coolingDown(v *types.VisitRecord) bool {
	if v == nil || f.cfg.FailureCooldown <= 0 {
		return false
	}
	if v.LastStatus != types.ArtifactForbidden && v.LastStatus != types.ArtifactNotFound {
		return false
	}
	return f.now().Sub(v.LastAttemptedAt) < f.cfg.FailureCooldown
}

// declaredSize issues a HEAD request and returns the declared Content-Length, or
// -1 when the server does not say or the request fails.
func (f *Fetcher) declaredSize(ctx context.Context, rawURL string) int64 {
	if err := f.acquire(ctx, rawURL); err != nil {
		return -1
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, rawURL, nil)
	if err != nil {
		return -1
	}
	req.Header.Set("User-Agent", f.userAgent)
	resp, err := httputil.Do(f.client, req)
	if err != nil {
		return -1
	}
	resp.Body.Close()
	return resp.ContentLength
}

func (f *Fetcher) upload(ctx context.Context, log *zap.Logger, path string) error {
	key, err := mirrorKey(f.cfg.Dir, path)
	if err == nil {
		err = f.mirror.Upload(ctx, key, path, "application/pdf")
	}
	if err == nil && f.mirrorSidecars {
		side := SidecarPath(path)
		if key, err = mirrorKey(f.cfg.Dir, side); err == nil {
			err = f.mirror.Upload(ctx, key, side, "application/yaml")
		}
	}
	metrics.ObserveMirrorUpload(f.mirror.Name(), err)
	if err != nil {
		log.Warn("mirror upload failed", zap.String("mirror", f.mirror.Name()), zap.Error(err))
	}
	return err
}

// Classify maps a terminal download error to an artifact status and the
// HTTP status code behind it (0 when there was no response).
func Classify(err error) (types.ArtifactStatus, int) {
	var se *types.StatusError
	switch {
	case errors.Is(err, types.ErrTooLarge):
		return types.ArtifactTooLarge, 0
	case errors.As(err, &se):
		switch se.StatusCode {
		case http.StatusNotFound, http.StatusGone:
			return types.ArtifactNotFound, se.StatusCode
		case http.StatusUnauthorized, http.StatusForbidden:
			return types.ArtifactForbidden, se.StatusCode
		}
		return types.ArtifactError, se.StatusCode
	case httputil.IsTimeout(err):
		return types.ArtifactTimeout, 0
	}
	return types.ArtifactError, 0
}

// fileMatches reports whether the file at path exists and hashes to sum.
func fileMatches(path, sum string) bool {
	got, err := fileChecksum(path)
	return err == nil && got == sum
}

func fileChecksum(path string) (string, error) {
	fh, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer fh.Close()
	h := sha256.New()
	if _, err := io.Copy(h, fh); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func shortHash(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:8])
}
