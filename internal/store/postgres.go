package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"groundwork/sync/internal/project"
)

// ErrNotFound is returned when no snapshot exists for a project identity.
var ErrNotFound = errors.New("project not found")

// PostgresStore persists full project snapshots in Postgres.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

// SaveProject upserts the complete snapshot for a project identity. The
// whole latest snapshot is always written; there is no partial update.
func (s *PostgresStore) SaveProject(ctx context.Context, projectID string, snap *project.Snapshot) error {
	payload, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO project_snapshots (project_id, snapshot, updated_at, saved_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (project_id) DO UPDATE
			SET snapshot=EXCLUDED.snapshot, updated_at=EXCLUDED.updated_at, saved_at=NOW()
	`, projectID, payload, snap.UpdatedAt)
	if err != nil {
		return fmt.Errorf("save project %s: %w", projectID, err)
	}
	return nil
}

// LoadProject reads the latest persisted snapshot for a project identity.
func (s *PostgresStore) LoadProject(ctx context.Context, projectID string) (*project.Snapshot, error) {
	var payload []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT snapshot FROM project_snapshots WHERE project_id=$1`, projectID,
	).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load project %s: %w", projectID, err)
	}
	var snap project.Snapshot
	if err := json.Unmarshal(payload, &snap); err != nil {
		return nil, fmt.Errorf("unmarshal project %s: %w", projectID, err)
	}
	return &snap, nil
}

// SavedAt returns when the project was last durably written.
func (s *PostgresStore) SavedAt(ctx context.Context, projectID string) (time.Time, error) {
	var savedAt time.Time
	err := s.db.QueryRowContext(ctx,
		`SELECT saved_at FROM project_snapshots WHERE project_id=$1`, projectID,
	).Scan(&savedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, ErrNotFound
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("read saved_at for %s: %w", projectID, err)
	}
	return savedAt, nil
}

// Ping checks database connectivity.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}
