// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

// Package harvest drives one source adapter through its pages: each page is
// fetched under the origin's rate limit with retries, every raw record is
// mapped and upserted in page order, and the harvest cursor advances only
// after a page has been fully persisted. A run interrupted at any point
// resumes from the last completed page.
package harvest

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/pdiddy/harvest-engine/internal/httputil"
	"github.com/pdiddy/harvest-engine/internal/logging"
	"github.com/pdiddy/harvest-engine/internal/metrics"
	"github.com/pdiddy/harvest-engine/internal/ratelimit"
	"github.com/pdiddy/harvest-engine/internal/sources"
	"github.com/pdiddy/harvest-engine/pkg/types"
)

// DefaultPageSize is the number of records requested per page when the
// configuration leaves it unset.
const DefaultPageSize = 100

// Store is the subset of the record store the engine writes to.
type Store interface {
	Upsert(ctx context.Context, cand types.Record) (string, bool, error)
	LoadCursor(ctx context.Context, source, signature string) (*types.HarvestCursor, error)
	AdvanceCursor(ctx context.Context, source, signature, token string, processed int, exhausted bool) error
}

// Engine runs harvests against a Store. An Engine is safe for concurrent
// use by several runs, provided no two runs share a (source, query) cursor.
type Engine struct {
	store    Store
	limiter  *ratelimit.Limiter
	retry    httputil.RetryPolicy
	pageSize int
	logger   *zap.Logger
}

// Option customizes an Engine.
type Option func(*Engine)

// WithLimiter spaces page requests per adapter origin.
func WithLimiter(l *ratelimit.Limiter) Option {
	return func(e *Engine) { e.limiter = l }
}

// WithRetryPolicy sets how transient page failures are retried.
func WithRetryPolicy(p httputil.RetryPolicy) Option {
	return func(e *Engine) { e.retry = p }
}

// WithPageSize sets the records requested per page.
func WithPageSize(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.pageSize = n
		}
	}
}

// WithLogger sets the engine's logger.
func WithLogger(l *zap.Logger) Option {
	return func(e *Engine) { e.logger = logging.OrNop(l) }
}

// New returns an Engine writing to store.
func New(store Store, opts ...Option) *Engine {
	e := &Engine{
		store:    store,
		retry:    httputil.NewRetryPolicy(types.RetryConfig{}),
		pageSize: DefaultPageSize,
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Run harvests a until its listing is exhausted, limit candidates have been
// processed (limit <= 0 is unbounded), a page fails for good, or ctx is
// cancelled. The limit is checked between pages; a page is always
// processed whole, so a source that ignores the requested page size can
// overshoot it.
//
// The returned error is nil for exhausted and limit_reached runs. Aborted
// runs return the failure; cancelled runs return ctx.Err().
func (e *Engine) Run(ctx context.Context, a sources.Adapter, q sources.Query, limit int) (types.HarvestMetrics, error) {
	sig := sources.CursorSignature(a, q)
	m := types.HarvestMetrics{Source: a.Name(), QuerySignature: sig}
	log := e.logger.With(zap.String("source", a.Name()), zap.String("query", shortSig(sig)))

	cur, err := e.store.LoadCursor(ctx, a.Name(), sig)
	if err != nil {
		return e.finish(log, m, types.HarvestAborted, err)
	}
	token := ""
	if cur != nil {
		if cur.Exhausted {
			log.Info("cursor already exhausted", zap.Int64("records_processed", cur.RecordsProcessed))
			return e.finish(log, m, types.HarvestExhausted, nil)
		}
		token = cur.ContinuationToken
		if token != "" {
			log.Info("resuming harvest", zap.String("token", token), zap.Int64("records_processed", cur.RecordsProcessed))
		}
	}

	for {
		if err := ctx.Err(); err != nil {
			return e.finish(log, m, types.HarvestCancelled, err)
		}
		if limit > 0 && m.Processed >= limit {
			return e.finish(log, m, types.HarvestLimitReached, nil)
		}

		size := e.pageSize
		if limit > 0 {
			size = min(size, limit-m.Processed)
		}
		page, err := e.fetchPage(ctx, log, a, q, token, size)
		if err != nil {
			if ctx.Err() != nil {
				return e.finish(log, m, types.HarvestCancelled, ctx.Err())
			}
			return e.finish(log, m, types.HarvestAborted, fmt.Errorf("fetching page of %s: %w", a.Name(), err))
		}
		m.Pages++
		metrics.ObservePage(a.Name())

		n, err := e.processPage(ctx, log, a, page, &m)
		if err != nil {
			if ctx.Err() != nil {
				return e.finish(log, m, types.HarvestCancelled, ctx.Err())
			}
			return e.finish(log, m, types.HarvestAborted, err)
		}

		exhausted := page.Exhausted || page.NextToken == ""
		if !exhausted && page.NextToken == token && len(page.Records) == 0 {
			log.Warn("source returned an empty page without advancing; treating listing as exhausted",
				zap.String("token", token))
			exhausted = true
		}

		// The page is fully persisted, so the cursor advances even if ctx
		// was cancelled after the last upsert.
		if err := e.store.AdvanceCursor(context.WithoutCancel(ctx), a.Name(), sig, page.NextToken, n, exhausted); err != nil {
			return e.finish(log, m, types.HarvestAborted, fmt.Errorf("advancing cursor: %w", err))
		}
		log.Debug("page committed",
			zap.Int("page", m.Pages),
			zap.Int("records", n),
			zap.String("next_token", page.NextToken),
		)

		if exhausted {
			return e.finish(log, m, types.HarvestExhausted, nil)
		}
		token = page.NextToken
	}
}

// fetchPage requests one page, acquiring the origin's rate-limit slot
// before every attempt.
func (e *Engine) fetchPage(ctx context.Context, log *zap.Logger, a sources.Adapter, q sources.Query, token string, size int) (sources.Page, error) {
	var page sources.Page
	err := httputil.Retry(ctx, e.retry, func(ctx context.Context, attempt int) error {
		if e.limiter != nil {
			if err := e.limiter.Acquire(ctx, a.Origin()); err != nil {
				return err
			}
		}
		p, err := a.FetchPage(ctx, q, token, size)
		if err != nil {
			log.Warn("page request failed",
				zap.Int("attempt", attempt),
				zap.Bool("retryable", httputil.Retryable(err)),
				zap.Error(err),
			)
			return err
		}
		page = p
		return nil
	})
	return page, err
}

// processPage maps and upserts the page's records in order. Mapping
// failures are counted and skipped; any other failure stops the page. It
// returns the number of candidates consumed.
func (e *Engine) processPage(ctx context.Context, log *zap.Logger, a sources.Adapter, page sources.Page, m *types.HarvestMetrics) (int, error) {
	n := 0
	for i, raw := range page.Records {
		if err := ctx.Err(); err != nil {
			return n, err
		}
		n++
		m.Processed++

		rec, err := a.Map(raw)
		if err == nil {
			var inserted bool
			_, inserted, err = e.store.Upsert(ctx, rec)
			if err == nil {
				if inserted {
					m.Inserted++
					metrics.ObserveRecord(a.Name(), "inserted")
				} else {
					m.Updated++
					metrics.ObserveRecord(a.Name(), "updated")
				}
				continue
			}
		}

		if errors.Is(err, types.ErrMapping) {
			m.Errors++
			metrics.ObserveRecord(a.Name(), "mapping_error")
			log.Warn("skipping record", zap.Int("index", i), zap.Error(err))
			continue
		}
		return n, fmt.Errorf("upserting record %d of page: %w", i, err)
	}
	return n, nil
}

func (e *Engine) finish(log *zap.Logger, m types.HarvestMetrics, status types.HarvestStatus, err error) (types.HarvestMetrics, error) {
	m.Status = status
	if err != nil {
		m.Err = err.Error()
	}
	metrics.ObserveHarvestRun(m.Source, string(status))

	fields := []zap.Field{
		zap.String("status", string(status)),
		zap.Int("pages", m.Pages),
		zap.Int("processed", m.Processed),
		zap.Int("inserted", m.Inserted),
		zap.Int("updated", m.Updated),
		zap.Int("errors", m.Errors),
	}
	if status == types.HarvestAborted {
		log.Error("harvest aborted", append(fields, zap.Error(err))...)
	} else {
		log.Info("harvest finished", fields...)
	}
	return m, err
}

func shortSig(sig string) string {
	if len(sig) > 12 {
		return sig[:12]
	}
	return sig
}

// Job is one harvest to run as part of a batch.
type Job struct {
	Adapter sources.Adapter
	Query   sources.Query
	Limit   int
}

// Result is the outcome of one Job.
type Result struct {
	Job     Job
	Metrics types.HarvestMetrics
	Err     error
}

// RunAll runs every job concurrently and returns their results in job
// order. A job that aborts does not affect the others.
func (e *Engine) RunAll(ctx context.Context, jobs []Job) []Result {
	results := make([]Result, len(jobs))
	var wg sync.WaitGroup
	for i, job := range jobs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m, err := e.Run(ctx, job.Adapter, job.Query, job.Limit)
			results[i] = Result{Job: job, Metrics: m, Err: err}
		}()
	}
	wg.Wait()
	return results
}
