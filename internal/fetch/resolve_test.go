// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package fetch

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pdiddy/harvest-engine/pkg/types"
)

func TestSlug(t *testing.T) {
	tests := []struct {
		name string
		rec  types.Record
		want string
	}{
		{"arxiv", types.Record{PersistentID: "arXiv:2301.07041"}, "2301.07041"},
		{"old arxiv", types.Record{PersistentID: "arXiv:hep-th/9901001"}, "hep-th-9901001"},
		{"doi", types.Record{PersistentID: "10.1145/3292500.3330919"}, "10.1145-3292500.3330919"},
		{"doi with odd characters", types.Record{PersistentID: "10.1002/(SICI)1097<1::AID>"}, "10.1002-SICI10971--AID"},
		{"url", types.Record{CanonicalURL: "https://example.org/paper"}, urlHashSlug("https://example.org/paper")},
		{"id", types.Record{ID: "0190f3a2-aaaa"}, "0190f3a2-aaaa"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Slug(tt.rec))
		})
	}
	assert.True(t, strings.HasPrefix(urlHashSlug("x"), "url-"))
}

func TestArtifactPath(t *testing.T) {
	rec := types.Record{PersistentID: "10.1/x", Source: "crossref"}
	path := ArtifactPath("/data", rec)
	assert.Equal(t, filepath.Join("/data", "crossref", "10.1-x.pdf"), path)
	assert.Equal(t, filepath.Join("/data", "crossref", "10.1-x.meta.yaml"), SidecarPath(path))
	assert.Equal(t, filepath.Join("/data", "unknown", "10.1-x.pdf"), ArtifactPath("/data", types.Record{PersistentID: "10.1/x"}))
}

func TestResolveArtifactURL(t *testing.T) {
	var gotPath, gotMailto string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotMailto = r.URL.Query().Get("mailto")
		if strings.Contains(r.URL.Path, "10.1/closed") {
			w.Write([]byte(`{"best_oa_location": null}`))
			return
		}
		if strings.Contains(r.URL.Path, "10.1/missing") {
			http.NotFound(w, r)
			return
		}
		w.Write([]byte(`{"best_oa_location": {"pdf_url": "https://repo.example/open.pdf"}}`))
	}))
	defer ts.Close()

	origOA, origArxiv := openAlexAPIBase, arxivPDFBase
	openAlexAPIBase = ts.URL + "/works/"
	arxivPDFBase = "https://arxiv.test/pdf/"
	defer func() { openAlexAPIBase, arxivPDFBase = origOA, origArxiv }()

	cfg := testConfig(t.TempDir())
	cfg.ContactEmail = "me@example.org"
	f := New(cfg, newMemStore(), nil, ts.Client())
	ctx := context.Background()

	assert.Equal(t, "https://given.example/a.pdf", f.ResolveArtifactURL(ctx, types.Record{ArtifactURL: "https://given.example/a.pdf", PersistentID: "10.1/open"}))
	assert.Equal(t, "https://arxiv.test/pdf/2301.07041", f.ResolveArtifactURL(ctx, types.Record{PersistentID: "arXiv:2301.07041"}))

	assert.Equal(t, "https://repo.example/open.pdf", f.ResolveArtifactURL(ctx, types.Record{PersistentID: "10.1/open"}))
	assert.Equal(t, "/works/https://doi.org/10.1/open", gotPath)
	assert.Equal(t, "me@example.org", gotMailto)

	assert.Empty(t, f.ResolveArtifactURL(ctx, types.Record{PersistentID: "10.1/closed"}))
	assert.Empty(t, f.ResolveArtifactURL(ctx, types.Record{PersistentID: "10.1/missing"}))
	assert.Empty(t, f.ResolveArtifactURL(ctx, types.Record{CanonicalURL: "https://example.org"}))
}

func TestResolvable(t *testing.T) {
	assert.True(t, Resolvable(types.Record{ArtifactURL: "https://x"}))
	assert.True(t, Resolvable(types.Record{PersistentID: "arXiv:1"}))
	assert.True(t, Resolvable(types.Record{PersistentID: "10.1/x"}))
	assert.False(t, Resolvable(types.Record{CanonicalURL: "https://x"}))
}

func TestCleanTemp(t *testing.T) {
	dir := t.TempDir()
	sub := filepath.Join(dir, "openalex")
	require.NoError(t, os.MkdirAll(sub, 0o755))
	for _, name := range []string{".fetch-123.tmp", "keep.pdf", "keep.meta.yaml"} {
		require.NoError(t, os.WriteFile(filepath.Join(sub, name), []byte("x"), 0o644))
	}
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".fetch-9.tmp"), []byte("x"), 0o644))

	n, err := CleanTemp(dir)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	entries, err := os.ReadDir(sub)
	require.NoError(t, err)
	assert.Len(t, entries, 2)

	n, err = CleanTemp(filepath.Join(dir, "absent"))
	require.NoError(t, err)
	assert.Zero(t, n)
}
