// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

// Package pipeline wires the store, harvest engine, artifact fetcher,
// scorer, and mirror into the entry points the CLI and server call.
package pipeline

import (
	"context"
	"fmt"
	"io"
	"iter"
	"net/http"
	"sync"

	"go.uber.org/zap"

	"github.com/pdiddy/harvest-engine/internal/fetch"
	"github.com/pdiddy/harvest-engine/internal/harvest"
	"github.com/pdiddy/harvest-engine/internal/httputil"
	"github.com/pdiddy/harvest-engine/internal/logging"
	"github.com/pdiddy/harvest-engine/internal/mirror"
	"github.com/pdiddy/harvest-engine/internal/ratelimit"
	"github.com/pdiddy/harvest-engine/internal/score"
	"github.com/pdiddy/harvest-engine/internal/sources"
	"github.com/pdiddy/harvest-engine/internal/store"
	"github.com/pdiddy/harvest-engine/pkg/types"
)

// Pipeline runs the harvest, fetch, score, and export stages against one
// record store. It does not own the store; callers close it.
type Pipeline struct {
	cfg     types.Config
	store   store.RecordStore
	engine  *harvest.Engine
	fetcher *fetch.Fetcher
	scorer  *score.Scorer
	mirror  mirror.Mirror

	harvestLimiter *ratelimit.Limiter
	harvestClient  *http.Client
	fetchClient    *http.Client
	logger         *zap.Logger

	mirrorSet bool
}

// Option customizes a Pipeline.
type Option func(*Pipeline)

// WithLogger sets the logger passed to every stage.
func WithLogger(l *zap.Logger) Option {
	return func(p *Pipeline) { p.logger = logging.OrNop(l) }
}

// WithHTTPClient uses c for both source and artifact requests.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Pipeline) {
		p.harvestClient = c
		p.fetchClient = c
	}
}

// WithMirror replaces the mirror built from the configuration. A nil m
// disables mirroring.
func WithMirror(m mirror.Mirror) Option {
	return func(p *Pipeline) {
		p.mirror = m
		p.mirrorSet = true
	}
}

// New builds a Pipeline from cfg.
func New(ctx context.Context, cfg types.Config, st store.RecordStore, opts ...Option) (*Pipeline, error) {
	if cfg.Sources.OpenAlexEmail == "" {
		cfg.Sources.OpenAlexEmail = cfg.Harvest.ContactEmail
	}
	if cfg.Sources.CrossrefMailto == "" {
		cfg.Sources.CrossrefMailto = cfg.Harvest.ContactEmail
	}

	p := &Pipeline{
		cfg:    cfg,
		store:  st,
		scorer: score.New(cfg.Scoring),
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.harvestClient == nil {
		p.harvestClient = httputil.NewClient(cfg.Harvest.HTTPConfig)
	}
	if p.fetchClient == nil {
		p.fetchClient = httputil.NewClient(cfg.Fetch.HTTPConfig)
	}
	if !p.mirrorSet {
		m, err := mirror.New(ctx, cfg.Mirror)
		if err != nil {
			return nil, fmt.Errorf("configuring mirror: %w", err)
		}
		p.mirror = m
	}

	p.harvestLimiter = ratelimit.New(cfg.Harvest.RateLimit)
	p.engine = harvest.New(st,
		harvest.WithLimiter(p.harvestLimiter),
		harvest.WithRetryPolicy(httputil.NewRetryPolicy(cfg.Harvest.Retry)),
		harvest.WithPageSize(cfg.Harvest.PageSize),
		harvest.WithLogger(p.logger.Named("harvest")),
	)

	fetchOpts := []fetch.Option{fetch.WithLogger(p.logger.Named("fetch"))}
	if p.mirror != nil {
		fetchOpts = append(fetchOpts, fetch.WithMirror(p.mirror, cfg.Mirror.IncludeSidecars))
	}
	p.fetcher = fetch.New(cfg.Fetch, st, ratelimit.New(cfg.Fetch.RateLimit), p.fetchClient, fetchOpts...)
	return p, nil
}

// Close releases the mirror client, if any.
func (p *Pipeline) Close() error {
	if c, ok := p.mirror.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

// Store returns the record store the pipeline writes to.
func (p *Pipeline) Store() store.RecordStore { return p.store }

// Adapter builds the named source adapter with the pipeline's client and
// harvest limiter, applying any per-source rate limit override.
func (p *Pipeline) Adapter(name string) (sources.Adapter, error) {
	a, err := sources.New(name, p.cfg.Sources, sources.Deps{
		Client:    p.harvestClient,
		UserAgent: httputil.UserAgent(p.cfg.Harvest.HTTPConfig),
		Limiter:   p.harvestLimiter,
		Logger:    p.logger.Named(name),
	})
	if err != nil {
		return nil, err
	}
	if rl, ok := p.cfg.Harvest.SourceRateLimits[name]; ok {
		p.harvestLimiter.SetOrigin(a.Origin(), rl)
	}
	return a, nil
}

// RunHarvest harvests one source for q. A limit <= 0 falls back to the
// configured harvest.max_records.
func (p *Pipeline) RunHarvest(ctx context.Context, source string, q sources.Query, limit int) (types.HarvestMetrics, error) {
	a, err := p.Adapter(source)
	if err != nil {
		return types.HarvestMetrics{Source: source, Status: types.HarvestAborted, Err: err.Error()}, err
	}
	return p.engine.Run(ctx, a, q, p.limit(limit))
}

// RunHarvestPlan runs every plan entry concurrently. It fails before
// starting anything if an entry names an unknown source, carries an
// invalid query, or shares its cursor with an earlier entry; otherwise
// per-entry failures are reported in the results.
func (p *Pipeline) RunHarvestPlan(ctx context.Context, plan *sources.Plan) ([]harvest.Result, error) {
	jobs := make([]harvest.Job, 0, len(plan.Harvests))
	seen := make(map[[2]string]int, len(plan.Harvests))
	for i, e := range plan.Harvests {
		a, err := p.Adapter(e.Source)
		if err != nil {
			return nil, fmt.Errorf("plan entry %d: %w", i+1, err)
		}
		q, err := e.Query.ToQuery()
		if err != nil {
			return nil, fmt.Errorf("plan entry %d: %w", i+1, err)
		}
		key := [2]string{a.Name(), sources.CursorSignature(a, q)}
		if first, dup := seen[key]; dup {
			return nil, fmt.Errorf("plan entry %d duplicates entry %d (%s)", i+1, first, a.Name())
		}
		seen[key] = i + 1
		jobs = append(jobs, harvest.Job{Adapter: a, Query: q, Limit: p.limit(e.Limit)})
	}
	p.logger.Info("running harvest plan", zap.Int("harvests", len(jobs)))
	return p.engine.RunAll(ctx, jobs), nil
}

func (p *Pipeline) limit(n int) int {
	if n > 0 {
		return n
	}
	return p.cfg.Harvest.MaxRecords
}

// RunFetch downloads artifacts with a pool of fetch.workers goroutines.
// With no ids it selects every record whose artifact is not yet ok and
// whose artifact URL is known or resolvable; with ids it fetches exactly
// those records. A limit > 0 caps how many records are attempted.
//
// Per-record download failures are counted in the metrics. A store
// failure stops the run and is returned, as is cancellation.
func (p *Pipeline) RunFetch(ctx context.Context, ids []string, limit int) (types.FetchMetrics, error) {
	m := types.FetchMetrics{Failed: make(map[types.ArtifactStatus]int)}

	if n, err := fetch.CleanTemp(p.fetcher.Dir()); err != nil {
		p.logger.Warn("cleaning temporary files", zap.Error(err))
	} else if n > 0 {
		p.logger.Info("removed interrupted downloads", zap.Int("files", n))
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	workers := max(p.cfg.Fetch.Workers, 1)
	jobs := make(chan types.Record)

	var (
		mu       sync.Mutex
		firstErr error
		wg       sync.WaitGroup
	)
	setErr := func(err error) {
		mu.Lock()
		defer mu.Unlock()
		if firstErr == nil {
			firstErr = err
			cancel()
		}
	}

	for range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for rec := range jobs {
				out, err := p.fetcher.Fetch(ctx, rec)
				if err != nil {
					setErr(err)
					continue
				}
				mu.Lock()
				tally(&m, out)
				mu.Unlock()
			}
		}()
	}

	produced := 0
	for rec, err := range p.store.Iterate(ctx, types.RecordFilter{IDs: ids}) {
		if err != nil {
			setErr(err)
			break
		}
		if len(ids) == 0 && (rec.ArtifactStatus == types.ArtifactOK || !fetch.Resolvable(rec)) {
			continue
		}
		if limit > 0 && produced >= limit {
			break
		}
		select {
		case jobs <- rec:
			produced++
		case <-ctx.Done():
		}
		if ctx.Err() != nil {
			break
		}
	}
	close(jobs)
	wg.Wait()

	p.logger.Info("fetch finished", zap.Stringer("metrics", m))
	if firstErr != nil {
		return m, firstErr
	}
	return m, ctx.Err()
}

func tally(m *types.FetchMetrics, out fetch.Outcome) {
	switch {
	case out.Skipped:
		m.Skipped++
	case out.Status == types.ArtifactOK:
		m.OK++
	default:
		m.AddFailure(out.Status)
	}
	if out.MirrorErr != nil {
		m.MirrorErrors++
	}
}

// ScoreAll scores every record and persists the results. It returns the
// number of records scored.
func (p *Pipeline) ScoreAll(ctx context.Context) (int, error) {
	if !p.scorer.Enabled() {
		p.logger.Warn("no positive keywords configured; every record scores 0")
	}
	n := 0
	for rec, err := range p.store.Iterate(ctx, types.RecordFilter{}) {
		if err != nil {
			return n, err
		}
		res := p.scorer.Score(rec)
		if err := p.store.UpdateScore(ctx, rec.ID, res.Score, res.Matched); err != nil {
			return n, fmt.Errorf("scoring %s: %w", rec.ID, err)
		}
		n++
	}
	p.logger.Info("scored records", zap.Int("records", n))
	return n, nil
}

// FilterAndExport yields the records matching criteria. Records that have
// not been scored are scored on the fly (without persisting) before the
// score, keyword and quality criteria are applied. With criteria.Ranked the matches are
// collected and yielded best first.
func (p *Pipeline) FilterAndExport(ctx context.Context, criteria types.RecordFilter) iter.Seq2[types.Record, error] {
	base := criteria
	base.MinScore = 0
	base.RequireMatched = false
	base.MinQuality = 0
	base.Limit = 0
	base.Ranked = false

	return func(yield func(types.Record, error) bool) {
		var ranked []types.Record
		yielded := 0
		for rec, err := range p.store.Iterate(ctx, base) {
			if err != nil {
				yield(types.Record{}, err)
				return
			}
			if rec.RelevanceScore == nil && p.scorer.Enabled() {
				res := p.scorer.Score(rec)
				rec.RelevanceScore = &res.Score
				rec.MatchedKeywords = res.Matched
			}
			if !criteria.Match(rec) {
				continue
			}
			if criteria.Ranked {
				ranked = append(ranked, rec)
				continue
			}
			if !yield(rec, nil) {
				return
			}
			yielded++
			if criteria.Limit > 0 && yielded >= criteria.Limit {
				return
			}
		}
		if !criteria.Ranked {
			return
		}
		score.Rank(ranked)
		if criteria.Limit > 0 && len(ranked) > criteria.Limit {
			ranked = ranked[:criteria.Limit]
		}
		for _, rec := range ranked {
			if !yield(rec, nil) {
				return
			}
		}
	}
}
