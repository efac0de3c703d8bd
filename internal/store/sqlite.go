// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/pdiddy/harvest-engine/internal/dedup"
	"github.com/pdiddy/harvest-engine/pkg/types"
)

const defaultDBPath = "data/harvest.db"

// Store is the SQLite RecordStore. Write transactions begin IMMEDIATE, so
// upserts that resolve to the same identity serialize on the database lock.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// NewStore opens or creates the SQLite database at cfg.Path and creates
// the schema if it does not exist.
func NewStore(cfg types.StoreConfig) (*Store, error) {
	path := cfg.Path
	if path == "" {
		path = defaultDBPath
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, types.StorageError("creating database directory", err)
		}
	}

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_foreign_keys=on&_busy_timeout=10000&_txlock=immediate")
	if err != nil {
		return nil, types.StorageError("opening database", err)
	}

	s := &Store{db: db, now: time.Now}
	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, types.StorageError("creating schema", err)
	}
	return s, nil
}

// Close releases the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) createSchema() error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS records (
			id TEXT PRIMARY KEY,
			persistent_id TEXT NOT NULL DEFAULT '',
			canonical_url TEXT NOT NULL DEFAULT '',
			url_hash TEXT NOT NULL DEFAULT '',
			normalized_title TEXT NOT NULL DEFAULT '',
			title TEXT NOT NULL DEFAULT '',
			abstract TEXT NOT NULL DEFAULT '',
			authors TEXT NOT NULL DEFAULT '[]',
			year INTEGER NOT NULL DEFAULT 0,
			venue TEXT NOT NULL DEFAULT '',
			source TEXT NOT NULL DEFAULT '',
			sources TEXT NOT NULL DEFAULT '[]',
			source_url TEXT NOT NULL DEFAULT '',
			source_urls TEXT NOT NULL DEFAULT '[]',
			discovered_at TEXT NOT NULL DEFAULT '',
			relevance_score REAL,
			matched_keywords TEXT NOT NULL DEFAULT '[]',
			artifact_url TEXT NOT NULL DEFAULT '',
			artifact_local_path TEXT NOT NULL DEFAULT '',
			artifact_status TEXT NOT NULL DEFAULT 'unfetched',
			checksum TEXT NOT NULL DEFAULT '',
			artifact_fetched_at TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_records_persistent_id ON records(persistent_id) WHERE persistent_id <> ''`,
		`CREATE INDEX IF NOT EXISTS idx_records_url_hash ON records(url_hash) WHERE url_hash <> ''`,
		`CREATE INDEX IF NOT EXISTS idx_records_title ON records(normalized_title) WHERE persistent_id = ''`,
		`CREATE INDEX IF NOT EXISTS idx_records_status ON records(artifact_status)`,
		`CREATE TABLE IF NOT EXISTS cursors (
			source TEXT NOT NULL,
			query_signature TEXT NOT NULL,
			continuation_token TEXT NOT NULL DEFAULT '',
			records_processed INTEGER NOT NULL DEFAULT 0,
			exhausted INTEGER NOT NULL DEFAULT 0,
			updated_at TEXT NOT NULL,
			PRIMARY KEY (source, query_signature)
		)`,
		`CREATE TABLE IF NOT EXISTS visits (
			url TEXT PRIMARY KEY,
			last_status TEXT NOT NULL,
			last_http_status INTEGER NOT NULL DEFAULT 0,
			first_seen_at TEXT NOT NULL,
			last_attempted_at TEXT NOT NULL,
			attempt_count INTEGER NOT NULL DEFAULT 0
		)`,
	}

	for _, stmt := range statements {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("executing schema statement: %w", err)
		}
	}
	return nil
}

const recordColumns = `id, persistent_id, canonical_url, url_hash, normalized_title,
	title, abstract, authors, year, venue,
	source, sources, source_url, source_urls, discovered_at,
	relevance_score, matched_keywords,
	artifact_url, artifact_local_path, artifact_status, checksum, artifact_fetched_at`

// Upsert resolves cand against existing records inside one transaction and
// either merges into the match or inserts a new record.
func (s *Store) Upsert(ctx context.Context, cand types.Record) (string, bool, error) {
	cand, err := dedup.Prepare(cand)
	if err != nil {
		return "", false, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", false, types.StorageError("beginning upsert", err)
	}
	defer tx.Rollback()

	id, found, err := dedup.Resolve(ctx, txLookup{tx}, cand)
	if err != nil {
		return "", false, types.StorageError("resolving identity", err)
	}

	if found {
		existing, err := scanRecord(tx.QueryRowContext(ctx,
			`SELECT `+recordColumns+` FROM records WHERE id = ?`, id))
		if err != nil {
			return "", false, types.StorageError("loading match", err)
		}
		merged := dedup.Merge(*existing, cand)
		if err := updateContent(ctx, tx, merged); err != nil {
			return "", false, types.StorageError("updating record", err)
		}
	} else {
		id = uuid.Must(uuid.NewV7()).String()
		if err := insertRecord(ctx, tx, newRecord(id, cand, s.now())); err != nil {
			return "", false, types.StorageError("inserting record", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return "", false, types.StorageError("committing upsert", err)
	}
	return id, !found, nil
}

// newRecord strips fields a candidate may not set on insert.
func newRecord(id string, cand types.Record, now time.Time) types.Record {
	rec := cand
	rec.ID = id
	if rec.DiscoveredAt.IsZero() {
		rec.DiscoveredAt = now
	}
	rec.RelevanceScore = nil
	rec.MatchedKeywords = nil
	rec.ArtifactLocalPath = ""
	rec.ArtifactStatus = types.ArtifactUnfetched
	rec.Checksum = ""
	rec.ArtifactFetchedAt = time.Time{}
	return rec
}

type txLookup struct{ tx *sql.Tx }

func (l txLookup) FindBy(ctx context.Context, key dedup.Key, value string) (string, bool, error) {
	var q string
	switch key {
	case dedup.KeyPersistentID:
		q = `SELECT id FROM records WHERE persistent_id = ? LIMIT 1`
	case dedup.KeyURLHash:
		q = `SELECT id FROM records WHERE url_hash = ? ORDER BY rowid LIMIT 1`
	case dedup.KeyTitle:
		q = `SELECT id FROM records WHERE normalized_title = ? AND persistent_id = '' ORDER BY rowid LIMIT 1`
	default:
		return "", false, fmt.Errorf("unknown identity key %v", key)
	}

	var id string
	err := l.tx.QueryRowContext(ctx, q, value).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("lookup by %s: %w", key, err)
	}
	return id, true, nil
}

func insertRecord(ctx context.Context, tx *sql.Tx, r types.Record) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO records (`+recordColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.PersistentID, r.CanonicalURL, r.URLHash, r.NormalizedTitle,
		r.Title, r.Abstract, jsonList(r.Authors), r.Year, r.Venue,
		r.Source, jsonList(r.Sources), r.SourceURL, jsonList(r.SourceURLs), formatTime(r.DiscoveredAt),
		r.RelevanceScore, jsonList(r.MatchedKeywords),
		r.ArtifactURL, r.ArtifactLocalPath, string(r.ArtifactStatus), r.Checksum, formatTime(r.ArtifactFetchedAt),
	)
	return err
}

// updateContent writes the merge-owned columns. Artifact state and scores
// are left to UpdateArtifact and UpdateScore.
func updateContent(ctx context.Context, tx *sql.Tx, r types.Record) error {
	_, err := tx.ExecContext(ctx,
		`UPDATE records SET
			persistent_id = ?, canonical_url = ?, url_hash = ?, normalized_title = ?,
			title = ?, abstract = ?, authors = ?, year = ?, venue = ?,
			source = ?, sources = ?, source_url = ?, source_urls = ?, discovered_at = ?,
			artifact_url = ?
		 WHERE id = ?`,
		r.PersistentID, r.CanonicalURL, r.URLHash, r.NormalizedTitle,
		r.Title, r.Abstract, jsonList(r.Authors), r.Year, r.Venue,
		r.Source, jsonList(r.Sources), r.SourceURL, jsonList(r.SourceURLs), formatTime(r.DiscoveredAt),
		r.ArtifactURL,
		r.ID,
	)
	return err
}

// Get returns the record with the given id, or types.ErrNotFound.
func (s *Store) Get(ctx context.Context, id string) (*types.Record, error) {
	r, err := scanRecord(s.db.QueryRowContext(ctx,
		`SELECT `+recordColumns+` FROM records WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("record %s: %w", id, types.ErrNotFound)
	}
	if err != nil {
		return nil, types.StorageError("getting record", err)
	}
	return r, nil
}

// Iterate yields records matching filter in discovery order. Rows are read
// in pages keyed on rowid, so no cursor stays open while the caller works
// and the sequence may be ranged over again from the start.
func (s *Store) Iterate(ctx context.Context, filter types.RecordFilter) iter.Seq2[types.Record, error] {
	return func(yield func(types.Record, error) bool) {
		where, args := sqliteWhere(filter)
		var after int64
		yielded := 0

		for {
			if err := ctx.Err(); err != nil {
				yield(types.Record{}, err)
				return
			}

			page, last, err := s.iteratePage(ctx, where, args, after)
			if err != nil {
				yield(types.Record{}, types.StorageError("iterating records", err))
				return
			}
			for _, r := range page {
				if !filter.Match(r) {
					continue
				}
				if !yield(r, nil) {
					return
				}
				yielded++
				if filter.Limit > 0 && yielded >= filter.Limit {
					return
				}
			}
			if len(page) < iterPageSize {
				return
			}
			after = last
		}
	}
}

func (s *Store) iteratePage(ctx context.Context, where string, args []any, after int64) ([]types.Record, int64, error) {
	q := `SELECT rowid, ` + recordColumns + ` FROM records WHERE rowid > ?` + where +
		` ORDER BY rowid LIMIT ?`
	rows, err := s.db.QueryContext(ctx, q, append(append([]any{after}, args...), iterPageSize)...)
	if err != nil {
		return nil, after, err
	}
	defer rows.Close()

	var page []types.Record
	last := after
	for rows.Next() {
		var rowid int64
		r, err := scanRecordWith(rows, &rowid)
		if err != nil {
			return nil, after, err
		}
		last = rowid
		page = append(page, *r)
	}
	return page, last, rows.Err()
}

// sqliteWhere pushes the scalar filter criteria into SQL. Set-valued
// criteria are checked by RecordFilter.Match after decoding.
func sqliteWhere(f types.RecordFilter) (string, []any) {
	var clauses []string
	var args []any
	if f.MinScore > 0 {
		clauses = append(clauses, "relevance_score >= ?")
		args = append(args, f.MinScore)
	}
	if f.YearFrom > 0 {
		clauses = append(clauses, "year >= ?")
		args = append(args, f.YearFrom)
	}
	if f.YearTo > 0 {
		clauses = append(clauses, "year > 0 AND year <= ?")
		args = append(args, f.YearTo)
	}
	if len(f.Statuses) > 0 {
		ph := make([]string, len(f.Statuses))
		for i, st := range f.Statuses {
			ph[i] = "?"
			args = append(args, string(st))
		}
		clauses = append(clauses, "artifact_status IN ("+strings.Join(ph, ", ")+")")
	}
	if len(f.IDs) > 0 {
		ph := make([]string, len(f.IDs))
		for i, id := range f.IDs {
			ph[i] = "?"
			args = append(args, id)
		}
		clauses = append(clauses, "id IN ("+strings.Join(ph, ", ")+")")
	}
	if len(clauses) == 0 {
		return "", nil
	}
	return " AND " + strings.Join(clauses, " AND "), args
}

// UpdateArtifact writes the fetcher-owned fields of one record.
func (s *Store) UpdateArtifact(ctx context.Context, id string, u types.ArtifactUpdate) error {
	if !u.Status.Valid() {
		return fmt.Errorf("invalid artifact status %q", u.Status)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE records SET artifact_status = ?, artifact_local_path = ?, checksum = ?, artifact_fetched_at = ?
		 WHERE id = ?`,
		string(u.Status), u.LocalPath, u.Checksum, formatTime(u.FetchedAt), id)
	if err != nil {
		return types.StorageError("updating artifact", err)
	}
	return requireRow(res, id)
}

// UpdateScore persists a relevance score and the keywords that produced it.
func (s *Store) UpdateScore(ctx context.Context, id string, score float64, matched []string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE records SET relevance_score = ?, matched_keywords = ? WHERE id = ?`,
		score, jsonList(matched), id)
	if err != nil {
		return types.StorageError("updating score", err)
	}
	return requireRow(res, id)
}

func requireRow(res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return types.StorageError("checking update", err)
	}
	if n == 0 {
		return fmt.Errorf("record %s: %w", id, types.ErrNotFound)
	}
	return nil
}

// Count returns the number of stored records.
func (s *Store) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT count(*) FROM records`).Scan(&n); err != nil {
		return 0, types.StorageError("counting records", err)
	}
	return n, nil
}

// LoadCursor returns the saved cursor, or nil when the harvest has never
// advanced.
func (s *Store) LoadCursor(ctx context.Context, source, signature string) (*types.HarvestCursor, error) {
	c := types.HarvestCursor{Source: source, QuerySignature: signature}
	var exhausted int
	var updated string
	err := s.db.QueryRowContext(ctx,
		`SELECT continuation_token, records_processed, exhausted, updated_at
		 FROM cursors WHERE source = ? AND query_signature = ?`,
		source, signature,
	).Scan(&c.ContinuationToken, &c.RecordsProcessed, &exhausted, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, types.StorageError("loading cursor", err)
	}
	c.Exhausted = exhausted != 0
	c.UpdatedAt = parseTime(updated)
	return &c, nil
}

// AdvanceCursor stores the next continuation token and adds processed to
// the running count in a single statement.
func (s *Store) AdvanceCursor(ctx context.Context, source, signature, token string, processed int, exhausted bool) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO cursors (source, query_signature, continuation_token, records_processed, exhausted, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT (source, query_signature) DO UPDATE SET
			continuation_token = excluded.continuation_token,
			records_processed = cursors.records_processed + excluded.records_processed,
			exhausted = excluded.exhausted,
			updated_at = excluded.updated_at`,
		source, signature, token, processed, boolInt(exhausted), formatTime(s.now()))
	return types.StorageError("advancing cursor", err)
}

// ResetCursor deletes the cursor so the next harvest starts from scratch.
func (s *Store) ResetCursor(ctx context.Context, source, signature string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM cursors WHERE source = ? AND query_signature = ?`, source, signature)
	return types.StorageError("resetting cursor", err)
}

// ListCursors returns every saved cursor ordered by source.
func (s *Store) ListCursors(ctx context.Context) ([]types.HarvestCursor, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT source, query_signature, continuation_token, records_processed, exhausted, updated_at
		 FROM cursors ORDER BY source, query_signature`)
	if err != nil {
		return nil, types.StorageError("listing cursors", err)
	}
	defer rows.Close()

	var out []types.HarvestCursor
	for rows.Next() {
		var c types.HarvestCursor
		var exhausted int
		var updated string
		if err := rows.Scan(&c.Source, &c.QuerySignature, &c.ContinuationToken,
			&c.RecordsProcessed, &exhausted, &updated); err != nil {
			return nil, types.StorageError("scanning cursor", err)
		}
		c.Exhausted = exhausted != 0
		c.UpdatedAt = parseTime(updated)
		out = append(out, c)
	}
	return out, types.StorageError("listing cursors", rows.Err())
}

// RecordVisit upserts the ledger row for v.URL. The first-seen time is kept
// and the attempt count grows by v.AttemptCount (at least one).
func (s *Store) RecordVisit(ctx context.Context, v types.VisitRecord) error {
	at := v.LastAttemptedAt
	if at.IsZero() {
		at = s.now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO visits (url, last_status, last_http_status, first_seen_at, last_attempted_at, attempt_count)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT (url) DO UPDATE SET
			last_status = excluded.last_status,
			last_http_status = excluded.last_http_status,
			last_attempted_at = excluded.last_attempted_at,
			attempt_count = visits.attempt_count + excluded.attempt_count`,
		v.URL, string(v.LastStatus), v.LastHTTPStatus, formatTime(at), formatTime(at), max(v.AttemptCount, 1))
	return types.StorageError("recording visit", err)
}

// GetVisit returns the ledger row for url, or nil if it was never visited.
func (s *Store) GetVisit(ctx context.Context, url string) (*types.VisitRecord, error) {
	v := types.VisitRecord{URL: url}
	var status, first, last string
	err := s.db.QueryRowContext(ctx,
		`SELECT last_status, last_http_status, first_seen_at, last_attempted_at, attempt_count
		 FROM visits WHERE url = ?`, url,
	).Scan(&status, &v.LastHTTPStatus, &first, &last, &v.AttemptCount)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, types.StorageError("getting visit", err)
	}
	v.LastStatus = types.ArtifactStatus(status)
	v.FirstSeenAt = parseTime(first)
	v.LastAttemptedAt = parseTime(last)
	return &v, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*types.Record, error) {
	return scanRecordWith(row)
}

// scanRecordWith scans recordColumns, preceded by any extra destinations.
func scanRecordWith(row rowScanner, extra ...any) (*types.Record, error) {
	var r types.Record
	var authors, sources, sourceURLs, matched string
	var discovered, fetched, status string
	var score sql.NullFloat64

	dest := append(extra,
		&r.ID, &r.PersistentID, &r.CanonicalURL, &r.URLHash, &r.NormalizedTitle,
		&r.Title, &r.Abstract, &authors, &r.Year, &r.Venue,
		&r.Source, &sources, &r.SourceURL, &sourceURLs, &discovered,
		&score, &matched,
		&r.ArtifactURL, &r.ArtifactLocalPath, &status, &r.Checksum, &fetched,
	)
	if err := row.Scan(dest...); err != nil {
		return nil, err
	}

	r.Authors = parseList(authors)
	r.Sources = parseList(sources)
	r.SourceURLs = parseList(sourceURLs)
	r.MatchedKeywords = parseList(matched)
	r.DiscoveredAt = parseTime(discovered)
	r.ArtifactFetchedAt = parseTime(fetched)
	r.ArtifactStatus = types.ArtifactStatus(status)
	if score.Valid {
		v := score.Float64
		r.RelevanceScore = &v
	}
	return &r, nil
}

func jsonList(v []string) string {
	if len(v) == 0 {
		return "[]"
	}
	b, _ := json.Marshal(v)
	return string(b)
}

func parseList(s string) []string {
	var out []string
	if s == "" || s == "[]" {
		return nil
	}
	if err := json.Unmarshal([]byte(s), &out); err != nil {
		return nil
	}
	return out
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
