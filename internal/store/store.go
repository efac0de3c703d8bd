// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

// Package store persists harvested records, harvest cursors, and the
// artifact visit ledger. The default backend is SQLite; PostgreSQL is
// available through the postgres subpackage behind the same interface.
package store

import (
	"context"
	"fmt"
	"iter"
	"time"

	"github.com/pdiddy/harvest-engine/internal/store/postgres"
	"github.com/pdiddy/harvest-engine/pkg/types"
)

// RecordStore is the durable state shared by every stage. Every mutation
// is atomic per record; failures wrap types.ErrStorage.
type RecordStore interface {
	// Upsert resolves cand's identity and merges it into the matching
	// record, or inserts it. It reports the record id and whether a new
	// record was created.
	Upsert(ctx context.Context, cand types.Record) (string, bool, error)
	Get(ctx context.Context, id string) (*types.Record, error)
	Iterate(ctx context.Context, filter types.RecordFilter) iter.Seq2[types.Record, error]
	UpdateArtifact(ctx context.Context, id string, u types.ArtifactUpdate) error
	UpdateScore(ctx context.Context, id string, score float64, matched []string) error
	Count(ctx context.Context) (int, error)

	LoadCursor(ctx context.Context, source, signature string) (*types.HarvestCursor, error)
	AdvanceCursor(ctx context.Context, source, signature, token string, processed int, exhausted bool) error
	ResetCursor(ctx context.Context, source, signature string) error
	ListCursors(ctx context.Context) ([]types.HarvestCursor, error)

	RecordVisit(ctx context.Context, v types.VisitRecord) error
	GetVisit(ctx context.Context, url string) (*types.VisitRecord, error)

	Close() error
}

var (
	_ RecordStore = (*Store)(nil)
	_ RecordStore = (*postgres.Store)(nil)
)

// Open returns the backend named by cfg.Driver ("sqlite" by default).
func Open(ctx context.Context, cfg types.StoreConfig) (RecordStore, error) {
	switch cfg.Driver {
	case "", "sqlite", "sqlite3":
		return NewStore(cfg)
	case "postgres", "postgresql", "pgx":
		return postgres.Open(ctx, cfg)
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}
}

// iterPageSize bounds how many rows one Iterate round trip reads.
const iterPageSize = 256

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
