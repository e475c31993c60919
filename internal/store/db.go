// Package store is the durable persistence sink: full project snapshots
// keyed by project identity, written whole on every save. No partial-update
// API exists because the synchronization core never needs one.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

func Open(ctx context.Context, databaseURL string) (*sql.DB, error) {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	db.SetConnMaxIdleTime(5 * time.Minute)
	db.SetConnMaxLifetime(30 * time.Minute)
	db.SetMaxIdleConns(10)
	db.SetMaxOpenConns(20)

	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("ping db: %w", err)
	}
	return db, nil
}

// EnsureSchema creates the snapshot table and its search index. One table is
// all this core persists, so a migrations directory would be overkill.
func EnsureSchema(ctx context.Context, db *sql.DB) error {
	const schema = `
		CREATE TABLE IF NOT EXISTS project_snapshots (
			project_id TEXT PRIMARY KEY,
			snapshot   JSONB NOT NULL,
			updated_at BIGINT NOT NULL,
			saved_at   TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			fts        tsvector GENERATED ALWAYS AS (
				to_tsvector('english', coalesce(snapshot->>'theoryNarrativeHtml', ''))
			) STORED
		);
		CREATE INDEX IF NOT EXISTS project_snapshots_fts_idx
			ON project_snapshots USING GIN (fts);
	`
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}
