// Package newsfeed stores harvested news items in SQLite, de-duplicated by
// normalized link, and tracks which items and clusters have been processed.
package newsfeed

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	sq "github.com/Masterminds/squirrel"
	_ "github.com/mattn/go-sqlite3"

	"github.com/pevans/newsharvest/harvest"
	"github.com/pevans/newsharvest/metrics"
)

// ErrNoRowsMatched is returned by UpdateStatus when no stored row matched
// the given links. Callers normally log it and carry on.
var ErrNoRowsMatched = errors.New("no stored rows matched")

// Status is the processing state of a stored row.
type Status int

const (
	StatusPending   Status = 0
	StatusProcessed Status = 1
)

// Row is one stored news item.
type Row struct {
	ID          int64      `json:"id"`
	Link        string     `json:"link"`
	Title       string     `json:"title"`
	SourceID    string     `json:"source_id"`
	PublishedAt *time.Time `json:"published_at,omitempty"`
	Content     *string    `json:"content,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	Status      Status     `json:"status"`
	ClusterKey  string     `json:"cluster_key"`
}

// SaveResult counts the outcome of a Save call.
type SaveResult struct {
	Inserted int
	Ignored  int
	// Rejected items had no publication date or no usable link.
	Rejected int
}

// Store is the SQLite-backed news item store.
type Store struct {
	db      *sql.DB
	logger  *slog.Logger
	metrics metrics.Recorder
}

var rowColumns = []string{
	"id", "link", "title", "source_id", "published_at",
	"content", "created_at", "status", "cluster_key",
}

// NewStore opens the database at dbPath, applying migrations first. A nil
// logger or recorder falls back to the defaults.
func NewStore(dbPath string, logger *slog.Logger, rec metrics.Recorder) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if rec == nil {
		rec = metrics.Nop{}
	}

	if err := RunMigrations(dbPath); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	return &Store{db: db, logger: logger, metrics: rec}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Save inserts items in one transaction. Items whose normalized link is
// already stored are ignored, so saving the same batch twice leaves the
// store unchanged. Items without a publication date are rejected. An empty
// cluster key defaults to the title.
func (s *Store) Save(ctx context.Context, items []harvest.Item) (SaveResult, error) {
	var result SaveResult
	if len(items) == 0 {
		return result, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return result, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT OR IGNORE INTO news_items (
			link, title, source_id, published_at, content, created_at, status, cluster_key
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return result, fmt.Errorf("failed to prepare insert: %w", err)
	}
	defer stmt.Close()

	now := time.Now()
	for _, item := range items {
		link := NormalizeLink(item.Link)
		if item.PublishedAt == nil || link == "" {
			result.Rejected++
			continue
		}

		key := item.ClusterKey
		if key == "" {
			key = item.Title
		}

		var content any
		if item.Content != "" {
			content = item.Content
		}

		res, err := stmt.ExecContext(ctx,
			link,
			item.Title,
			item.Source,
			formatTime(item.PublishedAt),
			content,
			formatTime(&now),
			StatusPending,
			key,
		)
		if err != nil {
			return SaveResult{}, fmt.Errorf("failed to insert news item: %w", err)
		}

		n, err := res.RowsAffected()
		if err != nil {
			return SaveResult{}, fmt.Errorf("failed to read insert result: %w", err)
		}
		if n == 0 {
			result.Ignored++
		} else {
			result.Inserted++
		}
	}

	if err := tx.Commit(); err != nil {
		return SaveResult{}, fmt.Errorf("failed to commit news items: %w", err)
	}

	s.metrics.RecordItemsSaved(result.Inserted, result.Ignored)
	s.logger.Info("saved news items",
		"inserted", result.Inserted,
		"ignored", result.Ignored,
		"rejected", result.Rejected,
	)

	return result, nil
}

// UpdateStatus sets status on every row whose link is in links and on
// every row sharing a cluster key with one of them. It returns the number
// of rows changed, or an error wrapping ErrNoRowsMatched when nothing
// matched.
func (s *Store) UpdateStatus(ctx context.Context, links []string, status Status) (int64, error) {
	normalized := normalizeAll(links)
	if len(normalized) == 0 {
		s.metrics.RecordStatusMiss()
		return 0, fmt.Errorf("%w: no links given", ErrNoRowsMatched)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	// Cluster keys of the named rows
	query, args, err := sq.Select("DISTINCT cluster_key").
		From("news_items").
		Where(sq.Eq{"link": normalized}).
		ToSql()
	if err != nil {
		return 0, fmt.Errorf("failed to build cluster key query: %w", err)
	}

	rows, err := tx.QueryContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("failed to query cluster keys: %w", err)
	}
	var keys []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			rows.Close()
			return 0, fmt.Errorf("failed to scan cluster key: %w", err)
		}
		keys = append(keys, key)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return 0, fmt.Errorf("failed to iterate cluster keys: %w", err)
	}
	rows.Close()

	// Named rows and their cluster siblings
	match := sq.Or{sq.Eq{"link": normalized}}
	if len(keys) > 0 {
		match = append(match, sq.Eq{"cluster_key": keys})
	}

	query, args, err = sq.Update("news_items").
		Set("status", status).
		Where(match).
		ToSql()
	if err != nil {
		return 0, fmt.Errorf("failed to build status update: %w", err)
	}

	res, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("failed to update status: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read update result: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit status update: %w", err)
	}

	if n == 0 {
		s.metrics.RecordStatusMiss()
		return 0, fmt.Errorf("%w: %d links", ErrNoRowsMatched, len(normalized))
	}

	s.logger.Info("updated news status",
		"links", len(normalized),
		"clusters", len(keys),
		"rows", n,
		"status", int(status),
	)

	return n, nil
}

// Unprocessed returns every pending row, newest publication first.
func (s *Store) Unprocessed(ctx context.Context) ([]Row, error) {
	query, args, err := sq.Select(rowColumns...).
		From("news_items").
		Where(sq.Eq{"status": StatusPending}).
		OrderBy("published_at DESC", "id DESC").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build query: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query unprocessed rows: %w", err)
	}
	defer rows.Close()

	var out []Row
	for rows.Next() {
		row, err := scanRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate rows: %w", err)
	}

	return out, nil
}

// Reset marks every pending row as processed and returns how many changed.
func (s *Store) Reset(ctx context.Context) (int64, error) {
	query, args, err := sq.Update("news_items").
		Set("status", StatusProcessed).
		Where(sq.Eq{"status": StatusPending}).
		ToSql()
	if err != nil {
		return 0, fmt.Errorf("failed to build reset: %w", err)
	}

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("failed to reset status: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read reset result: %w", err)
	}

	s.logger.Info("reset pending news items", "rows", n)
	return n, nil
}

// Exists reports whether a row with the normalized form of link is stored.
func (s *Store) Exists(ctx context.Context, link string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM news_items WHERE link = ? LIMIT 1`,
		NormalizeLink(link),
	).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to query link: %w", err)
	}
	return true, nil
}

func normalizeAll(links []string) []string {
	seen := make(map[string]bool, len(links))
	out := make([]string, 0, len(links))
	for _, l := range links {
		n := NormalizeLink(l)
		if n == "" || seen[n] {
			continue
		}
		seen[n] = true
		out = append(out, n)
	}
	return out
}

func scanRow(rows *sql.Rows) (Row, error) {
	var row Row
	var publishedAt, content sql.NullString
	var createdAt string

	err := rows.Scan(
		&row.ID,
		&row.Link,
		&row.Title,
		&row.SourceID,
		&publishedAt,
		&content,
		&createdAt,
		&row.Status,
		&row.ClusterKey,
	)
	if err != nil {
		return Row{}, fmt.Errorf("failed to scan row: %w", err)
	}

	row.CreatedAt = parseTime(createdAt)
	if publishedAt.Valid {
		t := parseTime(publishedAt.String)
		row.PublishedAt = &t
	}
	if content.Valid {
		c := content.String
		row.Content = &c
	}

	return row, nil
}

// storedTimeLayout has fixed-width fractions so text ordering matches time
// ordering.
const storedTimeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	// Strip monotonic clock for consistent storage and comparisons
	return t.Truncate(0).UTC().Format(storedTimeLayout)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(storedTimeLayout, s)
	if err != nil {
		t, _ = time.Parse(time.RFC3339Nano, s)
	}
	return t.Truncate(0)
}
