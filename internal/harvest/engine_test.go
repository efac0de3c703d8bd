// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package harvest

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/pdiddy/harvest-engine/internal/httputil"
	"github.com/pdiddy/harvest-engine/internal/ratelimit"
	"github.com/pdiddy/harvest-engine/internal/sources"
	"github.com/pdiddy/harvest-engine/internal/store"
	"github.com/pdiddy/harvest-engine/pkg/types"
)

var fastRetry = httputil.RetryPolicy{MaxRetries: 3, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond}

type fetchCall struct {
	token string
	size  int
}

// fakeAdapter serves records with offset tokens and honors the requested
// page size.
type fakeAdapter struct {
	name    string
	records []sources.RawRecord
	fail    func(call int) error
	onMap   func(raw sources.RawRecord)

	mu    sync.Mutex
	calls []fetchCall
}

func (f *fakeAdapter) Name() string   { return f.name }
func (f *fakeAdapter) Origin() string { return f.name }

func (f *fakeAdapter) FetchPage(_ context.Context, _ sources.Query, token string, size int) (sources.Page, error) {
	f.mu.Lock()
	f.calls = append(f.calls, fetchCall{token: token, size: size})
	n := len(f.calls)
	f.mu.Unlock()

	if f.fail != nil {
		if err := f.fail(n); err != nil {
			return sources.Page{}, err
		}
	}
	off := 0
	if token != "" {
		off, _ = strconv.Atoi(token)
	}
	end := min(off+size, len(f.records))
	p := sources.Page{Records: f.records[off:end]}
	if end >= len(f.records) {
		p.Exhausted = true
	} else {
		p.NextToken = strconv.Itoa(end)
	}
	return p, nil
}

func (f *fakeAdapter) Map(raw sources.RawRecord) (types.Record, error) {
	if f.onMap != nil {
		f.onMap(raw)
	}
	rec := types.Record{
		PersistentID: raw.String("doi"),
		Title:        raw.String("title"),
		Source:       f.name,
	}
	if rec.PersistentID == "" && rec.Title == "" {
		return rec, types.MappingError("record has no identity")
	}
	rec.SourceURL = "https://" + f.name + ".example/" + rec.PersistentID
	return rec, nil
}

func (f *fakeAdapter) fetchCalls() []fetchCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]fetchCall(nil), f.calls...)
}

func papers(n int) []sources.RawRecord {
	out := make([]sources.RawRecord, n)
	for i := range out {
		out[i] = sources.RawRecord{"doi": fmt.Sprintf("10.1/%d", i), "title": fmt.Sprintf("Paper %d", i)}
	}
	return out
}

func newStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.NewStore(types.StoreConfig{Path: filepath.Join(t.TempDir(), "harvest.db")})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func newEngine(t *testing.T, s Store, opts ...Option) *Engine {
	t.Helper()
	base := []Option{WithPageSize(2), WithRetryPolicy(fastRetry), WithLogger(zaptest.NewLogger(t))}
	return New(s, append(base, opts...)...)
}

func TestRun_ExhaustsAndIsIdempotent(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	a := &fakeAdapter{name: "fake", records: papers(5)}
	q := sources.Query{FreeText: "concrete"}
	e := newEngine(t, s)

	m, err := e.Run(ctx, a, q, 0)
	require.NoError(t, err)
	assert.Equal(t, types.HarvestExhausted, m.Status)
	assert.Equal(t, 3, m.Pages)
	assert.Equal(t, 5, m.Processed)
	assert.Equal(t, 5, m.Inserted)

	cur, err := s.LoadCursor(ctx, "fake", q.Signature())
	require.NoError(t, err)
	require.NotNil(t, cur)
	assert.True(t, cur.Exhausted)
	assert.Equal(t, int64(5), cur.RecordsProcessed)

	// An exhausted cursor ends the run before any request.
	m, err = e.Run(ctx, a, q, 0)
	require.NoError(t, err)
	assert.Equal(t, types.HarvestExhausted, m.Status)
	assert.Zero(t, m.Pages)
	assert.Len(t, a.fetchCalls(), 3)

	// Re-harvesting from scratch updates instead of inserting.
	require.NoError(t, s.ResetCursor(ctx, "fake", q.Signature()))
	m, err = e.Run(ctx, a, q, 0)
	require.NoError(t, err)
	assert.Zero(t, m.Inserted)
	assert.Equal(t, 5, m.Updated)

	n, err := s.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 5, n)
}

func TestRun_LimitThenResume(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	a := &fakeAdapter{name: "fake", records: papers(5)}
	q := sources.Query{FreeText: "concrete"}
	e := newEngine(t, s)

	m, err := e.Run(ctx, a, q, 3)
	require.NoError(t, err)
	assert.Equal(t, types.HarvestLimitReached, m.Status)
	assert.Equal(t, 3, m.Processed)
	assert.Equal(t, []fetchCall{{"", 2}, {"2", 1}}, a.fetchCalls(), "the last page is trimmed to the remaining limit")

	cur, err := s.LoadCursor(ctx, "fake", q.Signature())
	require.NoError(t, err)
	require.NotNil(t, cur)
	assert.Equal(t, "3", cur.ContinuationToken)
	assert.False(t, cur.Exhausted)

	m, err = e.Run(ctx, a, q, 0)
	require.NoError(t, err)
	assert.Equal(t, types.HarvestExhausted, m.Status)
	assert.Equal(t, 2, m.Inserted)
	assert.Equal(t, fetchCall{"3", 2}, a.fetchCalls()[2])

	n, err := s.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 5, n)
}

func TestRun_MappingErrorsAreSkipped(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	two := papers(2)
	recs := []sources.RawRecord{two[0], {"junk": true}, two[1]}
	a := &fakeAdapter{name: "fake", records: recs}

	m, err := newEngine(t, s, WithPageSize(10)).Run(ctx, a, sources.Query{FreeText: "x"}, 0)
	require.NoError(t, err)
	assert.Equal(t, types.HarvestExhausted, m.Status)
	assert.Equal(t, 3, m.Processed)
	assert.Equal(t, 2, m.Inserted)
	assert.Equal(t, 1, m.Errors)
}

func TestRun_RetriesTransientPageFailures(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	a := &fakeAdapter{
		name:    "fake",
		records: papers(1),
		fail: func(call int) error {
			if call <= 2 {
				return &types.StatusError{URL: "https://fake", StatusCode: 503}
			}
			return nil
		},
	}

	var waits atomic.Int32
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	lim := ratelimit.New(types.RateLimitConfig{BaseDelay: time.Second},
		ratelimit.WithClock(func() time.Time { return now }, func(context.Context, time.Duration) error {
			waits.Add(1)
			return nil
		}))

	m, err := newEngine(t, s, WithLimiter(lim)).Run(ctx, a, sources.Query{FreeText: "x"}, 0)
	require.NoError(t, err)
	assert.Equal(t, types.HarvestExhausted, m.Status)
	assert.Equal(t, 1, m.Inserted)
	assert.Len(t, a.fetchCalls(), 3)
	assert.Equal(t, int32(2), waits.Load(), "every attempt after the first waits for the origin")
}

func TestRun_SitemapLandingPageRetried(t *testing.T) {
	var hits atomic.Int32
	var ts *httptest.Server
	ts = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/sitemap.xml":
			fmt.Fprintf(w, `<urlset><url><loc>%[1]s/a</loc></url><url><loc>%[1]s/b</loc></url></urlset>`, ts.URL)
		case "/a":
			if hits.Add(1) == 1 {
				w.WriteHeader(http.StatusServiceUnavailable)
				return
			}
			fmt.Fprint(w, `<html><head><meta name="citation_title" content="Paper A"><meta name="citation_doi" content="10.1/a"></head></html>`)
		case "/b":
			fmt.Fprint(w, `<html><head><meta name="citation_title" content="Paper B"><meta name="citation_doi" content="10.1/b"></head></html>`)
		default:
			http.NotFound(w, r)
		}
	}))
	defer ts.Close()

	ctx := context.Background()
	s := newStore(t)
	a := sources.NewSitemap(sources.Deps{Client: ts.Client()}, ts.URL+"/sitemap.xml")

	m, err := newEngine(t, s).Run(ctx, a, sources.Query{}, 0)
	require.NoError(t, err)
	assert.Equal(t, types.HarvestExhausted, m.Status)
	assert.Equal(t, 2, m.Inserted)
	assert.Zero(t, m.Errors)
	assert.Equal(t, int32(2), hits.Load())

	n, err := s.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestRun_AbortsWithoutAdvancingCursor(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		wantCalls int
		wantIs    error
	}{
		{"retries exhausted", &types.StatusError{StatusCode: 503}, 3, types.ErrTransient},
		{"permanent", &types.StatusError{StatusCode: 404}, 1, types.ErrPermanent},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			s := newStore(t)
			a := &fakeAdapter{name: "fake", records: papers(3), fail: func(int) error { return tt.err }}
			q := sources.Query{FreeText: "x"}

			m, err := newEngine(t, s).Run(ctx, a, q, 0)
			assert.ErrorIs(t, err, tt.wantIs)
			assert.Equal(t, types.HarvestAborted, m.Status)
			assert.NotEmpty(t, m.Err)
			assert.Len(t, a.fetchCalls(), tt.wantCalls)

			cur, err := s.LoadCursor(ctx, "fake", q.Signature())
			require.NoError(t, err)
			assert.Nil(t, cur)
		})
	}
}

func TestRun_CancelledMidPage(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s := newStore(t)
	a := &fakeAdapter{
		name:    "fake",
		records: papers(4),
		onMap: func(raw sources.RawRecord) {
			if raw.String("doi") == "10.1/1" {
				cancel()
			}
		},
	}
	q := sources.Query{FreeText: "x"}

	m, err := newEngine(t, s, WithPageSize(4)).Run(ctx, a, q, 0)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, types.HarvestCancelled, m.Status)

	cur, err := s.LoadCursor(context.Background(), "fake", q.Signature())
	require.NoError(t, err)
	assert.Nil(t, cur, "a partially processed page never advances the cursor")

	n, err := s.Count(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

// failingStore rejects every upsert with a storage error.
type failingStore struct {
	advanced atomic.Int32
}

func (f *failingStore) Upsert(context.Context, types.Record) (string, bool, error) {
	return "", false, types.StorageError("upsert", errors.New("disk full"))
}

func (f *failingStore) LoadCursor(context.Context, string, string) (*types.HarvestCursor, error) {
	return nil, nil
}

func (f *failingStore) AdvanceCursor(context.Context, string, string, string, int, bool) error {
	f.advanced.Add(1)
	return nil
}

func TestRun_StorageErrorAborts(t *testing.T) {
	fs := &failingStore{}
	a := &fakeAdapter{name: "fake", records: papers(3)}

	m, err := newEngine(t, fs).Run(context.Background(), a, sources.Query{FreeText: "x"}, 0)
	assert.ErrorIs(t, err, types.ErrStorage)
	assert.Equal(t, types.HarvestAborted, m.Status)
	assert.Equal(t, 1, m.Processed)
	assert.Zero(t, fs.advanced.Load())
}

func TestRunAll_IsolatesFailures(t *testing.T) {
	s := newStore(t)
	bad := &fakeAdapter{name: "bad", records: papers(3), fail: func(int) error {
		return &types.StatusError{StatusCode: 400}
	}}
	good := &fakeAdapter{name: "good", records: papers(3)}

	results := newEngine(t, s).RunAll(context.Background(), []Job{
		{Adapter: bad, Query: sources.Query{FreeText: "x"}},
		{Adapter: good, Query: sources.Query{FreeText: "x"}},
	})
	require.Len(t, results, 2)

	assert.Equal(t, "bad", results[0].Metrics.Source)
	assert.Equal(t, types.HarvestAborted, results[0].Metrics.Status)
	assert.ErrorIs(t, results[0].Err, types.ErrPermanent)

	assert.Equal(t, "good", results[1].Metrics.Source)
	assert.Equal(t, types.HarvestExhausted, results[1].Metrics.Status)
	assert.NoError(t, results[1].Err)
	assert.Equal(t, 3, results[1].Metrics.Inserted)
}
