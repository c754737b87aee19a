// ABOUTME: Media metadata persistence for uploaded objects
// ABOUTME: Rows are scoped to their owner; StorageUsage sums sizes for tier limits

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const mediaColumns = `id, user_id, filename, r2_key, url, content_type, size_bytes, created_at`

// CreateMedia records an uploaded object and assigns its ID.
func (s *SQLiteStore) CreateMedia(ctx context.Context, media *Media) error {
	if media.CreatedAt.IsZero() {
		media.CreatedAt = time.Now().UTC()
	}

	query := `
		INSERT INTO media (user_id, filename, r2_key, url, content_type, size_bytes, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`

	res, err := s.db.ExecContext(ctx, query,
		media.UserID,
		media.Filename,
		media.ObjectKey,
		media.URL,
		media.ContentType,
		media.SizeBytes,
		formatTime(media.CreatedAt),
	)
	if err != nil {
		if isConstraintViolation(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("inserting media: %w", err)
	}

	if media.ID, err = res.LastInsertId(); err != nil {
		return fmt.Errorf("reading media id: %w", err)
	}

	s.logger.Debug("created media", "user_id", media.UserID, "media_id", media.ID, "bytes", media.SizeBytes)
	return nil
}

// GetMedia returns one of the user's media rows.
func (s *SQLiteStore) GetMedia(ctx context.Context, userID, mediaID int64) (*Media, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+mediaColumns+` FROM media WHERE id = ? AND user_id = ?`, mediaID, userID)
	return scanMedia(row)
}

// DeleteMedia removes one of the user's media rows.
func (s *SQLiteStore) DeleteMedia(ctx context.Context, userID, mediaID int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM media WHERE id = ? AND user_id = ?`, mediaID, userID)
	if err != nil {
		return fmt.Errorf("deleting media: %w", err)
	}
	return requireAffected(res)
}

// ListMedia returns the user's media, newest first. limit <= 0 means 50.
func (s *SQLiteStore) ListMedia(ctx context.Context, userID int64, limit int) ([]*Media, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+mediaColumns+` FROM media WHERE user_id = ? ORDER BY created_at DESC, id DESC LIMIT ?`,
		userID, limit)
	if err != nil {
		return nil, fmt.Errorf("querying media: %w", err)
	}
	defer func() { _ = rows.Close() }()

	items := []*Media{}
	for rows.Next() {
		m, err := scanMedia(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating media: %w", err)
	}
	return items, nil
}

// StorageUsage returns the file count and total bytes stored by the user.
func (s *SQLiteStore) StorageUsage(ctx context.Context, userID int64) (StorageUsage, error) {
	var u StorageUsage
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(SUM(size_bytes), 0) FROM media WHERE user_id = ?`, userID,
	).Scan(&u.FileCount, &u.TotalBytes)
	if err != nil {
		return StorageUsage{}, fmt.Errorf("summing storage: %w", err)
	}
	return u, nil
}

func scanMedia(row rowScanner) (*Media, error) {
	var m Media
	var createdAt string

	err := row.Scan(&m.ID, &m.UserID, &m.Filename, &m.ObjectKey, &m.URL, &m.ContentType, &m.SizeBytes, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning media: %w", err)
	}
	if m.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	return &m, nil
}

var _ MediaStore = (*SQLiteStore)(nil)
