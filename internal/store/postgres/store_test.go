// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package postgres

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pdiddy/harvest-engine/internal/dedup"
	"github.com/pdiddy/harvest-engine/pkg/types"
)

func newMockStore(t *testing.T) (*Store, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)

	s := New(mock)
	s.now = func() time.Time { return time.Unix(1700000000, 0).UTC() }
	return s, mock
}

// anyArgs matches n arguments of any value.
func anyArgs(n int) []any {
	args := make([]any, n)
	for i := range args {
		args[i] = pgxmock.AnyArg()
	}
	return args
}

var recordCols = []string{
	"id", "persistent_id", "canonical_url", "url_hash", "normalized_title",
	"title", "abstract", "authors", "year", "venue",
	"source", "sources", "source_url", "source_urls", "discovered_at",
	"relevance_score", "matched_keywords",
	"artifact_url", "artifact_local_path", "artifact_status", "checksum", "artifact_fetched_at",
}

func TestEnsureSchema(t *testing.T) {
	s, mock := newMockStore(t)
	for _, stmt := range schemaStatements {
		mock.ExpectExec(regexp.QuoteMeta(stmt)).WillReturnResult(pgxmock.NewResult("CREATE", 0))
	}

	require.NoError(t, s.EnsureSchema(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsert_InsertsNewRecord(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec("SELECT pg_advisory_xact_lock").
		WithArgs("persistent_id:10.1/a").
		WillReturnResult(pgxmock.NewResult("SELECT", 1))
	mock.ExpectQuery("SELECT id FROM records WHERE persistent_id").
		WithArgs("10.1/a").
		WillReturnRows(mock.NewRows([]string{"id"}))
	mock.ExpectExec("INSERT INTO records").
		WithArgs(anyArgs(17)...).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	id, isNew, err := s.Upsert(context.Background(), types.Record{
		PersistentID: "https://doi.org/10.1/A",
		Title:        "A",
		Source:       "openalex",
	})
	require.NoError(t, err)
	assert.True(t, isNew)
	assert.NotEmpty(t, id)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsert_MergesIntoMatch(t *testing.T) {
	s, mock := newMockStore(t)
	discovered := time.Unix(1690000000, 0).UTC()

	mock.ExpectBegin()
	mock.ExpectExec("SELECT pg_advisory_xact_lock").
		WithArgs("persistent_id:x1").
		WillReturnResult(pgxmock.NewResult("SELECT", 1))
	mock.ExpectQuery("SELECT id FROM records WHERE persistent_id").
		WithArgs("x1").
		WillReturnRows(mock.NewRows([]string{"id"}).AddRow("r1"))
	mock.ExpectQuery("SELECT id, persistent_id").
		WithArgs("r1").
		WillReturnRows(mock.NewRows(recordCols).AddRow(
			"r1", "x1", "", "", "chloride ingress in concrete",
			"Chloride Ingress in Concrete", "", []string{}, 0, "",
			"A", []string{"A"}, "", []string{}, discovered,
			(*float64)(nil), []string{},
			"", "", "unfetched", "", (*time.Time)(nil),
		))
	mock.ExpectExec("UPDATE records SET").
		WithArgs(
			"x1", "", "", "chloride ingress in concrete",
			"Chloride Ingress in Concrete", "...", pgxmock.AnyArg(), 0, "",
			"A", []string{"A", "B"}, "", pgxmock.AnyArg(),
			"",
			"r1",
		).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectCommit()

	id, isNew, err := s.Upsert(context.Background(), types.Record{
		PersistentID: "X1",
		Title:        "Chloride Ingress in Concrete (revised)",
		Abstract:     "...",
		Source:       "B",
	})
	require.NoError(t, err)
	assert.False(t, isNew)
	assert.Equal(t, "r1", id)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsert_RetriesUniqueViolation(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec("SELECT pg_advisory_xact_lock").
		WithArgs("persistent_id:10.1/race").
		WillReturnResult(pgxmock.NewResult("SELECT", 1))
	mock.ExpectQuery("SELECT id FROM records WHERE persistent_id").
		WithArgs("10.1/race").
		WillReturnRows(mock.NewRows([]string{"id"}))
	mock.ExpectExec("INSERT INTO records").
		WithArgs(anyArgs(17)...).
		WillReturnError(&pgconn.PgError{Code: "23505"})
	mock.ExpectRollback()

	mock.ExpectBegin()
	mock.ExpectExec("SELECT pg_advisory_xact_lock").
		WithArgs("persistent_id:10.1/race").
		WillReturnResult(pgxmock.NewResult("SELECT", 1))
	mock.ExpectQuery("SELECT id FROM records WHERE persistent_id").
		WithArgs("10.1/race").
		WillReturnRows(mock.NewRows([]string{"id"}).AddRow("r9"))
	mock.ExpectQuery("SELECT id, persistent_id").
		WithArgs("r9").
		WillReturnRows(mock.NewRows(recordCols).AddRow(
			"r9", "10.1/race", "", "", "race",
			"Race", "", []string{}, 2024, "",
			"a", []string{"a"}, "", []string{}, time.Unix(1690000000, 0).UTC(),
			(*float64)(nil), []string{},
			"", "", "unfetched", "", (*time.Time)(nil),
		))
	mock.ExpectExec("UPDATE records SET").
		WithArgs(anyArgs(15)...).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectCommit()

	id, isNew, err := s.Upsert(context.Background(), types.Record{PersistentID: "10.1/race", Title: "Race", Source: "b"})
	require.NoError(t, err)
	assert.False(t, isNew)
	assert.Equal(t, "r9", id)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsert_LocksEveryConsultedKey(t *testing.T) {
	s, mock := newMockStore(t)
	hash := dedup.HashURL("https://example.org/papers/a")

	mock.ExpectBegin()
	mock.ExpectExec("SELECT pg_advisory_xact_lock").
		WithArgs("persistent_id:10.1/a").
		WillReturnResult(pgxmock.NewResult("SELECT", 1))
	mock.ExpectExec("SELECT pg_advisory_xact_lock").
		WithArgs("url_hash:" + hash).
		WillReturnResult(pgxmock.NewResult("SELECT", 1))
	mock.ExpectQuery("SELECT id FROM records WHERE persistent_id").
		WithArgs("10.1/a").
		WillReturnRows(mock.NewRows([]string{"id"}))
	mock.ExpectQuery("SELECT id FROM records WHERE url_hash").
		WithArgs(hash).
		WillReturnRows(mock.NewRows([]string{"id"}))
	mock.ExpectExec("INSERT INTO records").
		WithArgs(anyArgs(17)...).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	_, isNew, err := s.Upsert(context.Background(), types.Record{
		PersistentID: "10.1/A",
		CanonicalURL: "https://example.org/papers/a",
		Title:        "A",
		Source:       "crossref",
	})
	require.NoError(t, err)
	assert.True(t, isNew)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsert_TitleOnlyLocksURLAndTitle(t *testing.T) {
	s, mock := newMockStore(t)
	hash := dedup.HashURL("https://example.org/papers/b")

	mock.ExpectBegin()
	mock.ExpectExec("SELECT pg_advisory_xact_lock").
		WithArgs("url_hash:" + hash).
		WillReturnResult(pgxmock.NewResult("SELECT", 1))
	mock.ExpectExec("SELECT pg_advisory_xact_lock").
		WithArgs("normalized_title:bridge decks").
		WillReturnResult(pgxmock.NewResult("SELECT", 1))
	mock.ExpectQuery("SELECT id FROM records WHERE url_hash").
		WithArgs(hash).
		WillReturnRows(mock.NewRows([]string{"id"}))
	mock.ExpectQuery("SELECT id FROM records WHERE normalized_title").
		WithArgs("bridge decks").
		WillReturnRows(mock.NewRows([]string{"id"}))
	mock.ExpectExec("INSERT INTO records").
		WithArgs(anyArgs(17)...).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	_, isNew, err := s.Upsert(context.Background(), types.Record{
		CanonicalURL: "https://example.org/papers/b",
		Title:        "Bridge Decks!",
		Source:       "sitemap",
	})
	require.NoError(t, err)
	assert.True(t, isNew)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsert_NoIdentity(t *testing.T) {
	s, mock := newMockStore(t)
	_, _, err := s.Upsert(context.Background(), types.Record{Source: "a"})
	assert.ErrorIs(t, err, types.ErrMapping)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateArtifact_NotFound(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectExec("UPDATE records SET artifact_status").
		WithArgs("ok", "/a.pdf", "abc", pgxmock.AnyArg(), "missing").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	err := s.UpdateArtifact(context.Background(), "missing", types.ArtifactUpdate{
		Status: types.ArtifactOK, LocalPath: "/a.pdf", Checksum: "abc", FetchedAt: time.Now(),
	})
	assert.ErrorIs(t, err, types.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateScore(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectExec("UPDATE records SET relevance_score").
		WithArgs(0.75, []string{"concrete"}, "r1").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	require.NoError(t, s.UpdateScore(context.Background(), "r1", 0.75, []string{"concrete"}))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCursorOps(t *testing.T) {
	s, mock := newMockStore(t)
	ctx := context.Background()

	mock.ExpectQuery("SELECT continuation_token").
		WithArgs("openalex", "sig").
		WillReturnRows(mock.NewRows([]string{"continuation_token", "records_processed", "exhausted", "updated_at"}))
	mock.ExpectExec("INSERT INTO harvest_cursors").
		WithArgs("openalex", "sig", "tok", int64(25), false, s.now().UTC()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec("DELETE FROM harvest_cursors").
		WithArgs("openalex", "sig").
		WillReturnResult(pgxmock.NewResult("DELETE", 1))

	c, err := s.LoadCursor(ctx, "openalex", "sig")
	require.NoError(t, err)
	assert.Nil(t, c)
	require.NoError(t, s.AdvanceCursor(ctx, "openalex", "sig", "tok", 25, false))
	require.NoError(t, s.ResetCursor(ctx, "openalex", "sig"))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAdvanceCursor_StorageError(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectExec("INSERT INTO harvest_cursors").
		WithArgs("a", "b", "", int64(1), true, pgxmock.AnyArg()).
		WillReturnError(assert.AnError)

	err := s.AdvanceCursor(context.Background(), "a", "b", "", 1, true)
	assert.ErrorIs(t, err, types.ErrStorage)
	assert.ErrorIs(t, err, assert.AnError)
}

func TestCount(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectQuery(regexp.QuoteMeta("SELECT count(*) FROM records")).
		WillReturnRows(mock.NewRows([]string{"count"}).AddRow(int64(42)))

	n, err := s.Count(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 42, n)
}

func TestPgWhere(t *testing.T) {
	where, args := pgWhere(types.RecordFilter{
		MinScore: 0.5,
		YearFrom: 2020,
		Statuses: []types.ArtifactStatus{types.ArtifactOK},
		Sources:  []string{"openalex"},
	}, 2)
	assert.Equal(t, " AND relevance_score >= $2 AND year >= $3 AND artifact_status = ANY($4) AND sources && $5", where)
	assert.Equal(t, []any{0.5, 2020, []string{"ok"}, []string{"openalex"}}, args)

	where, args = pgWhere(types.RecordFilter{}, 2)
	assert.Empty(t, where)
	assert.Nil(t, args)
}
