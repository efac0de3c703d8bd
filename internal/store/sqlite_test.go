// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package store

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pdiddy/harvest-engine/pkg/types"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(types.StoreConfig{Path: filepath.Join(t.TempDir(), "db", "harvest.db")})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func collect(t *testing.T, s *Store, f types.RecordFilter) []types.Record {
	t.Helper()
	var out []types.Record
	for r, err := range s.Iterate(context.Background(), f) {
		require.NoError(t, err)
		out = append(out, r)
	}
	return out
}

func TestUpsert_MergeScenario(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	id1, isNew, err := s.Upsert(ctx, types.Record{PersistentID: "X1", Title: "Chloride Ingress in Concrete", Source: "A"})
	require.NoError(t, err)
	assert.True(t, isNew)

	id2, isNew, err := s.Upsert(ctx, types.Record{
		PersistentID: "X1",
		Title:        "Chloride Ingress in Concrete (revised)",
		Abstract:     "...",
		Source:       "B",
	})
	require.NoError(t, err)
	assert.False(t, isNew)
	assert.Equal(t, id1, id2)

	n, err := s.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	r, err := s.Get(ctx, id1)
	require.NoError(t, err)
	assert.Equal(t, "x1", r.PersistentID)
	assert.Equal(t, "Chloride Ingress in Concrete", r.Title)
	assert.Equal(t, "...", r.Abstract)
	assert.Equal(t, "A", r.Source)
	assert.Equal(t, []string{"A", "B"}, r.Sources)
	assert.Equal(t, types.ArtifactUnfetched, r.ArtifactStatus)
	assert.Nil(t, r.RelevanceScore)
	assert.False(t, r.DiscoveredAt.IsZero())
}

func TestUpsert_Idempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	page := []types.Record{
		{PersistentID: "10.1/a", Title: "A", Source: "openalex"},
		{CanonicalURL: "https://example.org/b", Title: "B", Source: "openalex"},
		{Title: "C", Source: "openalex", Year: 2021},
	}

	for range 2 {
		for _, c := range page {
			_, _, err := s.Upsert(ctx, c)
			require.NoError(t, err)
		}
	}

	n, err := s.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}

func TestUpsert_IdentityPrecedence(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	byPID, _, err := s.Upsert(ctx, types.Record{PersistentID: "10.1/p", Title: "Original Title", Source: "crossref"})
	require.NoError(t, err)
	byTitle, _, err := s.Upsert(ctx, types.Record{Title: "Generic Survey", Source: "sitemap"})
	require.NoError(t, err)

	id, isNew, err := s.Upsert(ctx, types.Record{PersistentID: "doi:10.1/P", Title: "Completely Different", Source: "openalex"})
	require.NoError(t, err)
	assert.False(t, isNew)
	assert.Equal(t, byPID, id)

	id, isNew, err = s.Upsert(ctx, types.Record{Title: "generic survey.", Year: 2019, Source: "arxiv"})
	require.NoError(t, err)
	assert.False(t, isNew)
	assert.Equal(t, byTitle, id)

	r, err := s.Get(ctx, byTitle)
	require.NoError(t, err)
	assert.Equal(t, 2019, r.Year)
	assert.Equal(t, []string{"arxiv", "sitemap"}, r.Sources)
}

func TestUpsert_URLAdoptedOnMerge(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	id, _, err := s.Upsert(ctx, types.Record{Title: "Paper", Source: "a"})
	require.NoError(t, err)
	_, _, err = s.Upsert(ctx, types.Record{Title: "Paper", CanonicalURL: "https://example.org/paper", Source: "b"})
	require.NoError(t, err)

	got, isNew, err := s.Upsert(ctx, types.Record{CanonicalURL: "https://example.org/paper", Source: "c"})
	require.NoError(t, err)
	assert.False(t, isNew)
	assert.Equal(t, id, got)
}

func TestUpsert_NoIdentityIsMappingError(t *testing.T) {
	s := newTestStore(t)
	_, _, err := s.Upsert(context.Background(), types.Record{Source: "a", Abstract: "x"})
	assert.ErrorIs(t, err, types.ErrMapping)
}

func TestUpsert_ConcurrentSameIdentity(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _, err := s.Upsert(ctx, types.Record{
				PersistentID: "10.1/same",
				Title:        "Same",
				Source:       fmt.Sprintf("s%d", i),
			})
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	n, err := s.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	recs := collect(t, s, types.RecordFilter{})
	require.Len(t, recs, 1)
	assert.Len(t, recs[0].Sources, 8)
}

func TestUpsert_DoesNotTouchArtifactOrScore(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	id, _, err := s.Upsert(ctx, types.Record{PersistentID: "10.1/z", Title: "Z", Source: "a"})
	require.NoError(t, err)

	fetched := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, s.UpdateArtifact(ctx, id, types.ArtifactUpdate{
		Status: types.ArtifactOK, LocalPath: "/tmp/z.pdf", Checksum: "abc", FetchedAt: fetched,
	}))
	require.NoError(t, s.UpdateScore(ctx, id, 0.5, []string{"concrete"}))

	_, _, err = s.Upsert(ctx, types.Record{
		PersistentID:   "10.1/z",
		Source:         "b",
		ArtifactStatus: types.ArtifactError,
		Checksum:       "other",
	})
	require.NoError(t, err)

	r, err := s.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, types.ArtifactOK, r.ArtifactStatus)
	assert.Equal(t, "/tmp/z.pdf", r.ArtifactLocalPath)
	assert.Equal(t, "abc", r.Checksum)
	assert.True(t, fetched.Equal(r.ArtifactFetchedAt))
	require.NotNil(t, r.RelevanceScore)
	assert.InDelta(t, 0.5, *r.RelevanceScore, 1e-9)
	assert.Equal(t, []string{"concrete"}, r.MatchedKeywords)
}

func TestGet_NotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, types.ErrNotFound)
}

func TestUpdates_NotFound(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	assert.ErrorIs(t, s.UpdateArtifact(ctx, "missing", types.ArtifactUpdate{Status: types.ArtifactOK}), types.ErrNotFound)
	assert.ErrorIs(t, s.UpdateScore(ctx, "missing", 1, nil), types.ErrNotFound)
	assert.Error(t, s.UpdateArtifact(ctx, "missing", types.ArtifactUpdate{Status: "bogus"}))
}

func TestIterate_Filters(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	seed := []types.Record{
		{PersistentID: "p1", Title: "One", Year: 2018, Source: "openalex"},
		{PersistentID: "p2", Title: "Two", Year: 2020, Source: "crossref"},
		{PersistentID: "p3", Title: "Three", Year: 2022, Source: "openalex"},
		{PersistentID: "p4", Title: "Four", Source: "arxiv"},
	}
	ids := make([]string, len(seed))
	for i, r := range seed {
		id, _, err := s.Upsert(ctx, r)
		require.NoError(t, err)
		ids[i] = id
	}
	require.NoError(t, s.UpdateScore(ctx, ids[1], 0.8, nil))
	require.NoError(t, s.UpdateScore(ctx, ids[2], 0.2, nil))
	require.NoError(t, s.UpdateArtifact(ctx, ids[2], types.ArtifactUpdate{Status: types.ArtifactNotFound}))

	titles := func(recs []types.Record) []string {
		var out []string
		for _, r := range recs {
			out = append(out, r.Title)
		}
		return out
	}

	tests := []struct {
		name   string
		filter types.RecordFilter
		want   []string
	}{
		{"all in discovery order", types.RecordFilter{}, []string{"One", "Two", "Three", "Four"}},
		{"min score", types.RecordFilter{MinScore: 0.5}, []string{"Two"}},
		{"year range", types.RecordFilter{YearFrom: 2019, YearTo: 2021}, []string{"Two"}},
		{"year from excludes unknown", types.RecordFilter{YearFrom: 2000}, []string{"One", "Two", "Three"}},
		{"status", types.RecordFilter{Statuses: []types.ArtifactStatus{types.ArtifactNotFound}}, []string{"Three"}},
		{"source", types.RecordFilter{Sources: []string{"openalex"}}, []string{"One", "Three"}},
		{"ids", types.RecordFilter{IDs: []string{ids[3], ids[0]}}, []string{"One", "Four"}},
		{"limit", types.RecordFilter{Limit: 2}, []string{"One", "Two"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, titles(collect(t, s, tt.filter)))
		})
	}
}

func TestIterate_PagesAndRestarts(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	total := iterPageSize + 10
	for i := range total {
		_, _, err := s.Upsert(ctx, types.Record{PersistentID: fmt.Sprintf("p%d", i), Title: fmt.Sprintf("T%d", i), Source: "a"})
		require.NoError(t, err)
	}

	seq := s.Iterate(ctx, types.RecordFilter{})
	first := 0
	for _, err := range seq {
		require.NoError(t, err)
		first++
	}
	second := 0
	for _, err := range seq {
		require.NoError(t, err)
		second++
	}
	assert.Equal(t, total, first)
	assert.Equal(t, total, second)
}

func TestIterate_EarlyBreak(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	for i := range 5 {
		_, _, err := s.Upsert(ctx, types.Record{PersistentID: fmt.Sprintf("p%d", i), Source: "a"})
		require.NoError(t, err)
	}

	n := 0
	for _, err := range s.Iterate(ctx, types.RecordFilter{}) {
		require.NoError(t, err)
		n++
		if n == 2 {
			break
		}
	}
	assert.Equal(t, 2, n)
}

func TestCursor_Lifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	c, err := s.LoadCursor(ctx, "openalex", "sig")
	require.NoError(t, err)
	assert.Nil(t, c)

	require.NoError(t, s.AdvanceCursor(ctx, "openalex", "sig", "tok1", 25, false))
	require.NoError(t, s.AdvanceCursor(ctx, "openalex", "sig", "tok2", 25, false))
	require.NoError(t, s.AdvanceCursor(ctx, "openalex", "sig", "", 7, true))

	c, err = s.LoadCursor(ctx, "openalex", "sig")
	require.NoError(t, err)
	require.NotNil(t, c)
	assert.Equal(t, "", c.ContinuationToken)
	assert.Equal(t, int64(57), c.RecordsProcessed)
	assert.True(t, c.Exhausted)
	assert.False(t, c.UpdatedAt.IsZero())

	require.NoError(t, s.AdvanceCursor(ctx, "crossref", "sig2", "t", 1, false))
	list, err := s.ListCursors(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "crossref", list[0].Source)
	assert.Equal(t, "openalex", list[1].Source)

	require.NoError(t, s.ResetCursor(ctx, "openalex", "sig"))
	c, err = s.LoadCursor(ctx, "openalex", "sig")
	require.NoError(t, err)
	assert.Nil(t, c)
}

func TestVisits(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	url := "https://example.org/a.pdf"

	v, err := s.GetVisit(ctx, url)
	require.NoError(t, err)
	assert.Nil(t, v)

	t1 := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	t2 := t1.Add(time.Hour)
	require.NoError(t, s.RecordVisit(ctx, types.VisitRecord{URL: url, LastStatus: types.ArtifactTimeout, LastAttemptedAt: t1}))
	require.NoError(t, s.RecordVisit(ctx, types.VisitRecord{URL: url, LastStatus: types.ArtifactForbidden, LastHTTPStatus: 403, LastAttemptedAt: t2}))

	v, err = s.GetVisit(ctx, url)
	require.NoError(t, err)
	require.NotNil(t, v)
	assert.Equal(t, types.ArtifactForbidden, v.LastStatus)
	assert.Equal(t, 403, v.LastHTTPStatus)
	assert.Equal(t, 2, v.AttemptCount)
	assert.True(t, t1.Equal(v.FirstSeenAt))
	assert.True(t, t2.Equal(v.LastAttemptedAt))
}

func TestOpen_UnknownDriver(t *testing.T) {
	_, err := Open(context.Background(), types.StoreConfig{Driver: "oracle"})
	assert.Error(t, err)
}
