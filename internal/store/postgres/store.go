// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

// Package postgres implements the record store on PostgreSQL through pgx.
// Upserts that could resolve to the same identity serialize on transaction
// advisory locks, one per identity key the cascade consults, taken in
// cascade order. The partial unique index on persistent_id backs that up,
// and a unique violation is retried once.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pdiddy/harvest-engine/internal/dedup"
	"github.com/pdiddy/harvest-engine/pkg/types"
)

// Pool is the subset of *pgxpool.Pool the store uses. pgxmock pools
// satisfy it in tests.
type Pool interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Close()
}

const (
	iterPageSize    = 256
	uniqueViolation = "23505"
	defaultMaxConns = 8
)

// Store is the PostgreSQL RecordStore.
type Store struct {
	pool Pool
	now  func() time.Time
}

// Open connects to cfg.DSN, sizes the pool, and ensures the schema.
func Open(ctx context.Context, cfg types.StoreConfig) (*Store, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("postgres store requires a dsn")
	}
	pcfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, types.StorageError("parsing dsn", err)
	}
	pcfg.MaxConns = defaultMaxConns
	if cfg.MaxConns > 0 {
		pcfg.MaxConns = cfg.MaxConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, pcfg)
	if err != nil {
		return nil, types.StorageError("creating connection pool", err)
	}
	s := New(pool)
	if err := s.EnsureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// New wraps an existing pool. The schema is not touched.
func New(pool Pool) *Store {
	return &Store{pool: pool, now: time.Now}
}

// Close closes the underlying connection pool.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS records (
		seq BIGSERIAL,
		id TEXT PRIMARY KEY,
		persistent_id TEXT NOT NULL DEFAULT '',
		canonical_url TEXT NOT NULL DEFAULT '',
		url_hash TEXT NOT NULL DEFAULT '',
		normalized_title TEXT NOT NULL DEFAULT '',
		title TEXT NOT NULL DEFAULT '',
		abstract TEXT NOT NULL DEFAULT '',
		authors TEXT[] NOT NULL DEFAULT '{}',
		year INTEGER NOT NULL DEFAULT 0,
		venue TEXT NOT NULL DEFAULT '',
		source TEXT NOT NULL DEFAULT '',
		sources TEXT[] NOT NULL DEFAULT '{}',
		source_url TEXT NOT NULL DEFAULT '',
		source_urls TEXT[] NOT NULL DEFAULT '{}',
		discovered_at TIMESTAMPTZ NOT NULL,
		relevance_score DOUBLE PRECISION,
		matched_keywords TEXT[] NOT NULL DEFAULT '{}',
		artifact_url TEXT NOT NULL DEFAULT '',
		artifact_local_path TEXT NOT NULL DEFAULT '',
		artifact_status TEXT NOT NULL DEFAULT 'unfetched',
		checksum TEXT NOT NULL DEFAULT '',
		artifact_fetched_at TIMESTAMPTZ
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS records_persistent_id_key ON records (persistent_id) WHERE persistent_id <> ''`,
	`CREATE INDEX IF NOT EXISTS records_url_hash_idx ON records (url_hash) WHERE url_hash <> ''`,
	`CREATE INDEX IF NOT EXISTS records_title_idx ON records (normalized_title) WHERE persistent_id = ''`,
	`CREATE TABLE IF NOT EXISTS harvest_cursors (
		source TEXT NOT NULL,
		query_signature TEXT NOT NULL,
		continuation_token TEXT NOT NULL DEFAULT '',
		records_processed BIGINT NOT NULL DEFAULT 0,
		exhausted BOOLEAN NOT NULL DEFAULT FALSE,
		updated_at TIMESTAMPTZ NOT NULL,
		PRIMARY KEY (source, query_signature)
	)`,
	`CREATE TABLE IF NOT EXISTS visits (
		url TEXT PRIMARY KEY,
		last_status TEXT NOT NULL,
		last_http_status INTEGER NOT NULL DEFAULT 0,
		first_seen_at TIMESTAMPTZ NOT NULL,
		last_attempted_at TIMESTAMPTZ NOT NULL,
		attempt_count INTEGER NOT NULL DEFAULT 0
	)`,
}

// EnsureSchema creates tables and indexes that do not exist yet.
func (s *Store) EnsureSchema(ctx context.Context) error {
	for _, stmt := range schemaStatements {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return types.StorageError("executing schema statement", err)
		}
	}
	return nil
}

const recordColumns = `id, persistent_id, canonical_url, url_hash, normalized_title,
	title, abstract, authors, year, venue,
	source, sources, source_url, source_urls, discovered_at,
	relevance_score, matched_keywords,
	artifact_url, artifact_local_path, artifact_status, checksum, artifact_fetched_at`

// Upsert resolves cand's identity under advisory locks and merges or
// inserts. A unique violation from a racing insert is retried once.
func (s *Store) Upsert(ctx context.Context, cand types.Record) (string, bool, error) {
	cand, err := dedup.Prepare(cand)
	if err != nil {
		return "", false, err
	}

	id, isNew, err := s.upsertOnce(ctx, cand)
	if err != nil && isUniqueViolation(err) {
		id, isNew, err = s.upsertOnce(ctx, cand)
	}
	if err != nil {
		return "", false, types.StorageError("upserting record", err)
	}
	return id, isNew, nil
}

func (s *Store) upsertOnce(ctx context.Context, cand types.Record) (string, bool, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return "", false, fmt.Errorf("beginning upsert: %w", err)
	}
	defer tx.Rollback(ctx)

	keys := dedup.KeysFor(cand)
	for _, key := range keys.Consulted() {
		if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, key.String()+":"+keys.Value(key)); err != nil {
			return "", false, fmt.Errorf("locking %s: %w", key, err)
		}
	}

	id, found, err := dedup.Resolve(ctx, txLookup{tx}, cand)
	if err != nil {
		return "", false, err
	}

	if found {
		existing, err := scanRecord(tx.QueryRow(ctx, `SELECT `+recordColumns+` FROM records WHERE id = $1`, id))
		if err != nil {
			return "", false, fmt.Errorf("loading match: %w", err)
		}
		merged := dedup.Merge(*existing, cand)
		if err := updateContent(ctx, tx, merged); err != nil {
			return "", false, fmt.Errorf("updating record: %w", err)
		}
	} else {
		id = uuid.Must(uuid.NewV7()).String()
		rec := cand
		rec.ID = id
		if rec.DiscoveredAt.IsZero() {
			rec.DiscoveredAt = s.now()
		}
		if err := insertRecord(ctx, tx, rec); err != nil {
			return "", false, fmt.Errorf("inserting record: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return "", false, fmt.Errorf("committing upsert: %w", err)
	}
	return id, !found, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

type txLookup struct{ tx pgx.Tx }

func (l txLookup) FindBy(ctx context.Context, key dedup.Key, value string) (string, bool, error) {
	var q string
	switch key {
	case dedup.KeyPersistentID:
		q = `SELECT id FROM records WHERE persistent_id = $1 LIMIT 1`
	case dedup.KeyURLHash:
		q = `SELECT id FROM records WHERE url_hash = $1 ORDER BY seq LIMIT 1`
	case dedup.KeyTitle:
		q = `SELECT id FROM records WHERE normalized_title = $1 AND persistent_id = '' ORDER BY seq LIMIT 1`
	default:
		return "", false, fmt.Errorf("unknown identity key %v", key)
	}

	var id string
	err := l.tx.QueryRow(ctx, q, value).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("lookup by %s: %w", key, err)
	}
	return id, true, nil
}

// insertRecord writes a new record. Score and artifact state always start
// empty; only UpdateScore and UpdateArtifact set them.
func insertRecord(ctx context.Context, tx pgx.Tx, r types.Record) error {
	_, err := tx.Exec(ctx,
		`INSERT INTO records (id, persistent_id, canonical_url, url_hash, normalized_title,
			title, abstract, authors, year, venue,
			source, sources, source_url, source_urls, discovered_at,
			artifact_url, artifact_status)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)`,
		r.ID, r.PersistentID, r.CanonicalURL, r.URLHash, r.NormalizedTitle,
		r.Title, r.Abstract, list(r.Authors), r.Year, r.Venue,
		r.Source, list(r.Sources), r.SourceURL, list(r.SourceURLs), r.DiscoveredAt,
		r.ArtifactURL, string(types.ArtifactUnfetched),
	)
	return err
}

func updateContent(ctx context.Context, tx pgx.Tx, r types.Record) error {
	_, err := tx.Exec(ctx,
		`UPDATE records SET
			persistent_id = $1, canonical_url = $2, url_hash = $3, normalized_title = $4,
			title = $5, abstract = $6, authors = $7, year = $8, venue = $9,
			source = $10, sources = $11, source_url = $12, source_urls = $13,
			artifact_url = $14
		 WHERE id = $15`,
		r.PersistentID, r.CanonicalURL, r.URLHash, r.NormalizedTitle,
		r.Title, r.Abstract, list(r.Authors), r.Year, r.Venue,
		r.Source, list(r.Sources), r.SourceURL, list(r.SourceURLs),
		r.ArtifactURL,
		r.ID,
	)
	return err
}

// Get returns the record with the given id, or types.ErrNotFound.
func (s *Store) Get(ctx context.Context, id string) (*types.Record, error) {
	r, err := scanRecord(s.pool.QueryRow(ctx, `SELECT `+recordColumns+` FROM records WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("record %s: %w", id, types.ErrNotFound)
	}
	if err != nil {
		return nil, types.StorageError("getting record", err)
	}
	return r, nil
}

// Iterate yields matching records in discovery order, reading pages keyed
// on the insertion sequence.
func (s *Store) Iterate(ctx context.Context, filter types.RecordFilter) iter.Seq2[types.Record, error] {
	return func(yield func(types.Record, error) bool) {
		where, args := pgWhere(filter, 2)
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
	n := len(args) + 2
	q := fmt.Sprintf(`SELECT seq, %s FROM records WHERE seq > $1%s ORDER BY seq LIMIT $%d`, recordColumns, where, n)
	rows, err := s.pool.Query(ctx, q, append(append([]any{after}, args...), iterPageSize)...)
	if err != nil {
		return nil, after, err
	}
	defer rows.Close()

	var page []types.Record
	last := after
	for rows.Next() {
		var seq int64
		r, err := scanRecordWith(rows, &seq)
		if err != nil {
			return nil, after, err
		}
		last = seq
		page = append(page, *r)
	}
	return page, last, rows.Err()
}

// pgWhere renders the column filter criteria as SQL with placeholders
// numbered from first. Quality criteria are checked by RecordFilter.Match.
func pgWhere(f types.RecordFilter, first int) (string, []any) {
	var clauses []string
	var args []any
	add := func(clause string, arg any) {
		clauses = append(clauses, fmt.Sprintf(clause, first+len(args)))
		args = append(args, arg)
	}
	if f.MinScore > 0 {
		add("relevance_score >= $%d", f.MinScore)
	}
	if f.YearFrom > 0 {
		add("year >= $%d", f.YearFrom)
	}
	if f.YearTo > 0 {
		add("year > 0 AND year <= $%d", f.YearTo)
	}
	if len(f.Statuses) > 0 {
		st := make([]string, len(f.Statuses))
		for i, s := range f.Statuses {
			st[i] = string(s)
		}
		add("artifact_status = ANY($%d)", st)
	}
	if len(f.Sources) > 0 {
		add("sources && $%d", f.Sources)
	}
	if len(f.IDs) > 0 {
		add("id = ANY($%d)", f.IDs)
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
	var fetched *time.Time
	if !u.FetchedAt.IsZero() {
		fetched = &u.FetchedAt
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE records SET artifact_status = $1, artifact_local_path = $2, checksum = $3, artifact_fetched_at = $4
		 WHERE id = $5`,
		string(u.Status), u.LocalPath, u.Checksum, fetched, id)
	if err != nil {
		return types.StorageError("updating artifact", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("record %s: %w", id, types.ErrNotFound)
	}
	return nil
}

// UpdateScore persists a relevance score and its matched keywords.
func (s *Store) UpdateScore(ctx context.Context, id string, score float64, matched []string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE records SET relevance_score = $1, matched_keywords = $2 WHERE id = $3`,
		score, list(matched), id)
	if err != nil {
		return types.StorageError("updating score", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("record %s: %w", id, types.ErrNotFound)
	}
	return nil
}

// Count returns the number of stored records.
func (s *Store) Count(ctx context.Context) (int, error) {
	var n int64
	if err := s.pool.QueryRow(ctx, `SELECT count(*) FROM records`).Scan(&n); err != nil {
		return 0, types.StorageError("counting records", err)
	}
	return int(n), nil
}

// LoadCursor returns the saved cursor or nil on a fresh start.
func (s *Store) LoadCursor(ctx context.Context, source, signature string) (*types.HarvestCursor, error) {
	c := types.HarvestCursor{Source: source, QuerySignature: signature}
	err := s.pool.QueryRow(ctx,
		`SELECT continuation_token, records_processed, exhausted, updated_at
		 FROM harvest_cursors WHERE source = $1 AND query_signature = $2`,
		source, signature,
	).Scan(&c.ContinuationToken, &c.RecordsProcessed, &c.Exhausted, &c.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, types.StorageError("loading cursor", err)
	}
	return &c, nil
}

// AdvanceCursor upserts the token and adds processed to the running count.
func (s *Store) AdvanceCursor(ctx context.Context, source, signature, token string, processed int, exhausted bool) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO harvest_cursors (source, query_signature, continuation_token, records_processed, exhausted, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (source, query_signature) DO UPDATE SET
			continuation_token = EXCLUDED.continuation_token,
			records_processed = harvest_cursors.records_processed + EXCLUDED.records_processed,
			exhausted = EXCLUDED.exhausted,
			updated_at = EXCLUDED.updated_at`,
		source, signature, token, int64(processed), exhausted, s.now().UTC())
	return types.StorageError("advancing cursor", err)
}

// ResetCursor deletes the cursor row.
func (s *Store) ResetCursor(ctx context.Context, source, signature string) error {
	_, err := s.pool.Exec(ctx,
		`DELETE FROM harvest_cursors WHERE source = $1 AND query_signature = $2`, source, signature)
	return types.StorageError("resetting cursor", err)
}

// ListCursors returns all cursors ordered by source.
func (s *Store) ListCursors(ctx context.Context) ([]types.HarvestCursor, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT source, query_signature, continuation_token, records_processed, exhausted, updated_at
		 FROM harvest_cursors ORDER BY source, query_signature`)
	if err != nil {
		return nil, types.StorageError("listing cursors", err)
	}
	defer rows.Close()

	var out []types.HarvestCursor
	for rows.Next() {
		var c types.HarvestCursor
		if err := rows.Scan(&c.Source, &c.QuerySignature, &c.ContinuationToken,
			&c.RecordsProcessed, &c.Exhausted, &c.UpdatedAt); err != nil {
			return nil, types.StorageError("scanning cursor", err)
		}
		out = append(out, c)
	}
	return out, types.StorageError("listing cursors", rows.Err())
}

// RecordVisit upserts the ledger row for v.URL.
func (s *Store) RecordVisit(ctx context.Context, v types.VisitRecord) error {
	at := v.LastAttemptedAt
	if at.IsZero() {
		at = s.now()
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO visits (url, last_status, last_http_status, first_seen_at, last_attempted_at, attempt_count)
		 VALUES ($1, $2, $3, $4, $4, $5)
		 ON CONFLICT (url) DO UPDATE SET
			last_status = EXCLUDED.last_status,
			last_http_status = EXCLUDED.last_http_status,
			last_attempted_at = EXCLUDED.last_attempted_at,
			attempt_count = visits.attempt_count + EXCLUDED.attempt_count`,
		v.URL, string(v.LastStatus), v.LastHTTPStatus, at.UTC(), max(v.AttemptCount, 1))
	return types.StorageError("recording visit", err)
}

// GetVisit returns the ledger row for url or nil.
func (s *Store) GetVisit(ctx context.Context, url string) (*types.VisitRecord, error) {
	v := types.VisitRecord{URL: url}
	var status string
	err := s.pool.QueryRow(ctx,
		`SELECT last_status, last_http_status, first_seen_at, last_attempted_at, attempt_count
		 FROM visits WHERE url = $1`, url,
	).Scan(&status, &v.LastHTTPStatus, &v.FirstSeenAt, &v.LastAttemptedAt, &v.AttemptCount)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, types.StorageError("getting visit", err)
	}
	v.LastStatus = types.ArtifactStatus(status)
	return &v, nil
}

func scanRecord(row pgx.Row) (*types.Record, error) {
	return scanRecordWith(row)
}

func scanRecordWith(row pgx.Row, extra ...any) (*types.Record, error) {
	var r types.Record
	var status string
	var fetched *time.Time
	dest := append(extra,
		&r.ID, &r.PersistentID, &r.CanonicalURL, &r.URLHash, &r.NormalizedTitle,
		&r.Title, &r.Abstract, &r.Authors, &r.Year, &r.Venue,
		&r.Source, &r.Sources, &r.SourceURL, &r.SourceURLs, &r.DiscoveredAt,
		&r.RelevanceScore, &r.MatchedKeywords,
		&r.ArtifactURL, &r.ArtifactLocalPath, &status, &r.Checksum, &fetched,
	)
	if err := row.Scan(dest...); err != nil {
		return nil, err
	}
	r.ArtifactStatus = types.ArtifactStatus(status)
	if fetched != nil {
		r.ArtifactFetchedAt = *fetched
	}
	if len(r.MatchedKeywords) == 0 {
		r.MatchedKeywords = nil
	}
	return &r, nil
}

// list keeps nil slices out of NOT NULL array columns.
func list(v []string) []string {
	if v == nil {
		return []string{}
	}
	return v
}
