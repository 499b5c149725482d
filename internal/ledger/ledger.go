// SPDX-License-Identifier: MIT

// Package ledger is mediabin's durable record of media items and their
// state (spec.md §4.4, L4). It is backed by a single embedded SQL file
// (modernc.org/sqlite, a pure-Go, cgo-free driver — grounded on the same
// dependency used by the download-manager and media-cataloguing repos in
// the retrieval pack).
package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite" // registers the "sqlite" database/sql driver
)

// Status is a MediaItem's position in the pending -> downloading ->
// {complete, error} state machine (spec.md §3).
type Status string

const (
	StatusPending     Status = "pending"
	StatusDownloading Status = "downloading"
	StatusComplete    Status = "complete"
	StatusError       Status = "error"
)

// MediaItem is a single ledger row (spec.md §3).
type MediaItem struct {
	ID                 string
	Title              string
	OriginURL          string
	VideoURL           string
	ThumbnailURL       string
	ObjectPath         string
	Status             Status
	TimestampCreated   time.Time
	TimestampInstalled *time.Time
	TimestampUpdated   *time.Time
}

// ErrDuplicateItem is returned by InsertPending when id is already known;
// the caller (spec.md §7) treats this as an informational "already
// known", not an error surfaced to the user as a failure.
var ErrDuplicateItem = errors.New("ledger: item already exists")

// ErrNotFound is returned when an id-keyed operation targets a row that
// does not exist.
var ErrNotFound = errors.New("ledger: item not found")

// Ledger is a connection to the mediabin ledger database.
type Ledger struct {
	db   *sql.DB
	path string
}

// Open opens (creating if necessary) the ledger at path and migrates it
// to the highest embedded schema version.
func Open(ctx context.Context, path string) (*Ledger, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("ledger: open %s: %w", path, err)
	}
	// The embedded engine serializes its own statements; a single
	// connection keeps writer ordering simple and matches spec.md §5's
	// "all writers must serialize through the scheduler's write path or
	// handler write paths" expectation.
	db.SetMaxOpenConns(1)

	if err := EnsureAtVersion(ctx, db, path, HighestMigrationVersion()); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Ledger{db: db, path: path}, nil
}

// Close closes the underlying database connection.
func (l *Ledger) Close() error {
	return l.db.Close()
}

// SetDatadirLocation writes the singleton Metadata row's datadir_location.
// It is a no-op (matching spec.md §3 "written at most once ... immutable
// thereafter") if the row already exists.
func (l *Ledger) SetDatadirLocation(ctx context.Context, dir string) error {
	_, err := l.db.ExecContext(ctx,
		"INSERT OR IGNORE INTO metadata (id, datadir_location) VALUES (0, ?)", dir)
	if err != nil {
		return fmt.Errorf("ledger: set datadir location: %w", err)
	}
	return nil
}

// DatadirLocation returns the Metadata singleton's datadir_location, or
// ErrNotFound if it has never been set.
func (l *Ledger) DatadirLocation(ctx context.Context) (string, error) {
	var dir string
	row := l.db.QueryRowContext(ctx, "SELECT datadir_location FROM metadata WHERE id = 0")
	if err := row.Scan(&dir); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("ledger: read datadir location: %w", err)
	}
	return dir, nil
}

// InsertPending atomically inserts item with status pending. Returns
// ErrDuplicateItem if item.ID is already present.
func (l *Ledger) InsertPending(ctx context.Context, item MediaItem) error {
	_, err := l.db.ExecContext(ctx, `
		INSERT INTO media_items
			(id, title, origin_url, video_url, thumbnail_url, object_path, status, timestamp_created)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		item.ID, item.Title, item.OriginURL, item.VideoURL, item.ThumbnailURL, item.ObjectPath,
		StatusPending, item.TimestampCreated)
	if err != nil {
		if isUniqueConstraintErr(err) {
			return ErrDuplicateItem
		}
		return fmt.Errorf("ledger: insert pending %s: %w", item.ID, err)
	}
	return nil
}

func isUniqueConstraintErr(err error) bool {
	return strings.Contains(err.Error(), "UNIQUE constraint failed") ||
		strings.Contains(err.Error(), "constraint failed: UNIQUE")
}

// PromoteToDownloading transitions id from pending to downloading. It is
// the caller's responsibility (the scheduler, under its lock) to ensure
// this is only ever called on a row currently pending — spec.md's
// "at-most-once promotion" invariant.
func (l *Ledger) PromoteToDownloading(ctx context.Context, id string) error {
	res, err := l.db.ExecContext(ctx,
		"UPDATE media_items SET status = ? WHERE id = ? AND status = ?",
		StatusDownloading, id, StatusPending)
	if err != nil {
		return fmt.Errorf("ledger: promote %s: %w", id, err)
	}
	return requireRowAffected(res, id)
}

// MarkComplete transitions id to complete, stamping timestamp_installed
// and timestamp_updated with now.
func (l *Ledger) MarkComplete(ctx context.Context, id string, now time.Time) error {
	res, err := l.db.ExecContext(ctx,
		"UPDATE media_items SET status = ?, timestamp_installed = ?, timestamp_updated = ? WHERE id = ?",
		StatusComplete, now, now, id)
	if err != nil {
		return fmt.Errorf("ledger: mark complete %s: %w", id, err)
	}
	return requireRowAffected(res, id)
}

// MarkError transitions id to error.
func (l *Ledger) MarkError(ctx context.Context, id string) error {
	res, err := l.db.ExecContext(ctx, "UPDATE media_items SET status = ? WHERE id = ?", StatusError, id)
	if err != nil {
		return fmt.Errorf("ledger: mark error %s: %w", id, err)
	}
	return requireRowAffected(res, id)
}

func requireRowAffected(res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("ledger: rows affected for %s: %w", id, err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// ResetDownloadingToPending resets every downloading row to pending. It
// must be called exactly once at daemon startup to recover jobs
// interrupted by a previous crash (spec.md P4) and returns the number of
// rows reset.
func (l *Ledger) ResetDownloadingToPending(ctx context.Context) (int64, error) {
	res, err := l.db.ExecContext(ctx,
		"UPDATE media_items SET status = ? WHERE status = ?", StatusPending, StatusDownloading)
	if err != nil {
		return 0, fmt.Errorf("ledger: reset downloading to pending: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("ledger: rows affected: %w", err)
	}
	return n, nil
}

// NextPending returns one pending row's (id, origin_url). ok is false if
// no pending rows exist. The caller must promote the returned id under
// the scheduler lock before acting on it again (spec.md §4.4).
func (l *Ledger) NextPending(ctx context.Context) (id, originURL string, ok bool, err error) {
	row := l.db.QueryRowContext(ctx,
		"SELECT id, origin_url FROM media_items WHERE status = ? ORDER BY timestamp_created ASC LIMIT 1",
		StatusPending)
	if scanErr := row.Scan(&id, &originURL); scanErr != nil {
		if errors.Is(scanErr, sql.ErrNoRows) {
			return "", "", false, nil
		}
		return "", "", false, fmt.Errorf("ledger: next pending: %w", scanErr)
	}
	return id, originURL, true, nil
}

// Get returns a single row by id.
func (l *Ledger) Get(ctx context.Context, id string) (MediaItem, error) {
	row := l.db.QueryRowContext(ctx, `
		SELECT id, title, origin_url, video_url, thumbnail_url, object_path, status,
		       timestamp_created, timestamp_installed, timestamp_updated
		FROM media_items WHERE id = ?`, id)
	item, err := scanItem(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return MediaItem{}, ErrNotFound
		}
		return MediaItem{}, fmt.Errorf("ledger: get %s: %w", id, err)
	}
	return item, nil
}

// ListCurrent returns every row still pending or downloading, for the
// "list_current_procs" handler snapshot join (spec.md §4.7).
func (l *Ledger) ListCurrent(ctx context.Context) ([]MediaItem, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT id, title, origin_url, video_url, thumbnail_url, object_path, status,
		       timestamp_created, timestamp_installed, timestamp_updated
		FROM media_items WHERE status IN (?, ?)`, StatusPending, StatusDownloading)
	if err != nil {
		return nil, fmt.Errorf("ledger: list current: %w", err)
	}
	defer rows.Close()
	return scanItems(rows)
}

// ListComplete returns rows with status complete, ordered by
// timestamp_updated DESC, timestamp_installed DESC, title ASC (spec.md
// P8), filtered by a case-insensitive, whitespace-split substring match
// on title and by tag intersection.
func (l *Ledger) ListComplete(ctx context.Context, titleLike string, tags []string) ([]MediaItem, error) {
	query := strings.Builder{}
	query.WriteString(`
		SELECT id, title, origin_url, video_url, thumbnail_url, object_path, status,
		       timestamp_created, timestamp_installed, timestamp_updated
		FROM media_items WHERE status = ?`)
	args := []any{StatusComplete}

	for _, word := range strings.Fields(titleLike) {
		query.WriteString(" AND lower(title) LIKE ?")
		args = append(args, "%"+strings.ToLower(word)+"%")
	}

	if len(tags) > 0 {
		placeholders := make([]string, len(tags))
		for i, tag := range tags {
			placeholders[i] = "?"
			args = append(args, tag)
		}
		query.WriteString(fmt.Sprintf(`
			AND id IN (
				SELECT resource_id FROM tags WHERE tag IN (%s)
				GROUP BY resource_id HAVING COUNT(DISTINCT tag) = %d
			)`, strings.Join(placeholders, ", "), len(tags)))
	}

	query.WriteString(" ORDER BY timestamp_updated DESC, timestamp_installed DESC, title ASC")

	rows, err := l.db.QueryContext(ctx, query.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("ledger: list complete: %w", err)
	}
	defer rows.Close()
	return scanItems(rows)
}

// AddTag associates tag with resourceID.
func (l *Ledger) AddTag(ctx context.Context, resourceID, tag string) error {
	_, err := l.db.ExecContext(ctx,
		"INSERT OR IGNORE INTO tags (resource_id, tag) VALUES (?, ?)", resourceID, tag)
	if err != nil {
		return fmt.Errorf("ledger: add tag %s/%s: %w", resourceID, tag, err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanItem(row rowScanner) (MediaItem, error) {
	var item MediaItem
	var status string
	var installed, updated sql.NullTime
	if err := row.Scan(&item.ID, &item.Title, &item.OriginURL, &item.VideoURL, &item.ThumbnailURL,
		&item.ObjectPath, &status, &item.TimestampCreated, &installed, &updated); err != nil {
		return MediaItem{}, err
	}
	item.Status = Status(status)
	if installed.Valid {
		item.TimestampInstalled = &installed.Time
	}
	if updated.Valid {
		item.TimestampUpdated = &updated.Time
	}
	return item, nil
}

func scanItems(rows *sql.Rows) ([]MediaItem, error) {
	var items []MediaItem
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, fmt.Errorf("ledger: scan row: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ledger: iterate rows: %w", err)
	}
	return items, nil
}
