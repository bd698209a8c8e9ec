// Package sources tracks the health of harvested sources between runs.
package sources

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/pevans/newsharvest/harvest"
)

// ErrSourceNotFound is returned when no health record exists for a source.
var ErrSourceNotFound = errors.New("source not found")

// HealthStore records per-source run outcomes using SQLite.
type HealthStore struct {
	db *sql.DB
}

// Health is the last known state of a source.
type Health struct {
	SourceID      string     `json:"source_id"`
	LastRunAt     time.Time  `json:"last_run_at"`
	LastSuccessAt *time.Time `json:"last_success_at,omitempty"`
	LastItemCount int        `json:"last_item_count"`
	// FetchErrorCount counts consecutive failed runs. A success resets it.
	FetchErrorCount int     `json:"fetch_error_count"`
	LastError       *string `json:"last_error,omitempty"`
}

// Healthy reports whether the last run of the source succeeded.
func (h *Health) Healthy() bool {
	return h.FetchErrorCount == 0
}

// NewHealthStore opens the store at dbPath, creating the table if needed.
// It can share a database file with the news store.
func NewHealthStore(dbPath string) (*HealthStore, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	store := &HealthStore{db: db}
	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return store, nil
}

// initSchema creates the source_health table if it doesn't exist.
func (s *HealthStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS source_health (
		source_id TEXT PRIMARY KEY,
		last_run_at TEXT NOT NULL,
		last_success_at TEXT,
		last_item_count INTEGER NOT NULL DEFAULT 0,
		fetch_error_count INTEGER NOT NULL DEFAULT 0,
		last_error TEXT
	);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection.
func (s *HealthStore) Close() error {
	return s.db.Close()
}

// RecordRun stores the outcome of every source in a run, in one
// transaction.
func (s *HealthStore) RecordRun(ctx context.Context, results []harvest.SourceResult, at time.Time) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	for _, r := range results {
		if r.Err == nil {
			_, err = tx.ExecContext(ctx, `
				INSERT INTO source_health
					(source_id, last_run_at, last_success_at, last_item_count, fetch_error_count, last_error)
				VALUES (?, ?, ?, ?, 0, NULL)
				ON CONFLICT(source_id) DO UPDATE SET
					last_run_at = excluded.last_run_at,
					last_success_at = excluded.last_success_at,
					last_item_count = excluded.last_item_count,
					fetch_error_count = 0,
					last_error = NULL
			`, r.SourceID, formatTime(&at), formatTime(&at), r.Items)
		} else {
			_, err = tx.ExecContext(ctx, `
				INSERT INTO source_health
					(source_id, last_run_at, last_item_count, fetch_error_count, last_error)
				VALUES (?, ?, 0, 1, ?)
				ON CONFLICT(source_id) DO UPDATE SET
					last_run_at = excluded.last_run_at,
					fetch_error_count = source_health.fetch_error_count + 1,
					last_error = excluded.last_error
			`, r.SourceID, formatTime(&at), r.Err.Error())
		}
		if err != nil {
			return fmt.Errorf("failed to record health for %s: %w", r.SourceID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

const healthColumns = `source_id, last_run_at, last_success_at, last_item_count, fetch_error_count, last_error`

// Get returns the health record of one source.
func (s *HealthStore) Get(ctx context.Context, sourceID string) (*Health, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+healthColumns+` FROM source_health WHERE source_id = ?`, sourceID)

	h, err := scanHealth(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrSourceNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query source health: %w", err)
	}
	return h, nil
}

// List returns every health record ordered by source id.
func (s *HealthStore) List(ctx context.Context) ([]Health, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+healthColumns+` FROM source_health ORDER BY source_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list source health: %w", err)
	}
	defer rows.Close()

	var out []Health
	for rows.Next() {
		h, err := scanHealth(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan source health: %w", err)
		}
		out = append(out, *h)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanHealth(sc scanner) (*Health, error) {
	var h Health
	var lastRunAt string
	var lastSuccessAt, lastError sql.NullString

	if err := sc.Scan(&h.SourceID, &lastRunAt, &lastSuccessAt,
		&h.LastItemCount, &h.FetchErrorCount, &lastError); err != nil {
		return nil, err
	}

	h.LastRunAt = parseTime(lastRunAt)
	if lastSuccessAt.Valid {
		t := parseTime(lastSuccessAt.String)
		h.LastSuccessAt = &t
	}
	if lastError.Valid {
		h.LastError = &lastError.String
	}
	return &h, nil
}

// Helper functions for time formatting
func formatTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	// Strip monotonic clock for consistent storage and comparisons
	return t.Truncate(0).UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	// Try RFC3339Nano first, fall back to RFC3339 for compatibility
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		t, _ = time.Parse(time.RFC3339, s)
	}
	// Strip monotonic clock for consistent comparisons
	return t.Truncate(0)
}
