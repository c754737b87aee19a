// ABOUTME: Custom feed subscriptions and personalization profiles
// ABOUTME: Feeds are unique per user by URL; profiles are upserted as a single row per user

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// AddFeed subscribes a user to a feed URL and assigns the feed ID.
// Returns ErrDuplicate if the user already has that URL.
func (s *SQLiteStore) AddFeed(ctx context.Context, feed *Feed) error {
	if feed.CreatedAt.IsZero() {
		feed.CreatedAt = time.Now().UTC()
	}

	query := `
		INSERT INTO user_feeds (user_id, feed_url, feed_name, topic, created_at)
		VALUES (?, ?, ?, ?, ?)
	`

	res, err := s.db.ExecContext(ctx, query,
		feed.UserID,
		feed.URL,
		feed.Name,
		nullString(feed.Topic),
		formatTime(feed.CreatedAt),
	)
	if err != nil {
		if isConstraintViolation(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("inserting feed: %w", err)
	}

	if feed.ID, err = res.LastInsertId(); err != nil {
		return fmt.Errorf("reading feed id: %w", err)
	}

	s.logger.Debug("added feed", "user_id", feed.UserID, "feed_id", feed.ID)
	return nil
}

// RemoveFeed deletes one of the user's feeds and returns what was removed.
// A feed owned by someone else is reported as ErrNotFound.
func (s *SQLiteStore) RemoveFeed(ctx context.Context, userID, feedID int64) (*Feed, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, feed_url, feed_name, topic, created_at
		FROM user_feeds WHERE id = ? AND user_id = ?
	`, feedID, userID)

	feed, err := scanFeed(row)
	if err != nil {
		return nil, err
	}

	if _, err := s.db.ExecContext(ctx, `DELETE FROM user_feeds WHERE id = ? AND user_id = ?`, feedID, userID); err != nil {
		return nil, fmt.Errorf("deleting feed: %w", err)
	}

	s.logger.Debug("removed feed", "user_id", userID, "feed_id", feedID)
	return feed, nil
}

// ListFeeds returns the user's feeds, oldest first.
func (s *SQLiteStore) ListFeeds(ctx context.Context, userID int64) ([]*Feed, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, feed_url, feed_name, topic, created_at
		FROM user_feeds WHERE user_id = ? ORDER BY id
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("querying feeds: %w", err)
	}
	defer func() { _ = rows.Close() }()

	feeds := []*Feed{}
	for rows.Next() {
		f, err := scanFeed(rows)
		if err != nil {
			return nil, err
		}
		feeds = append(feeds, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating feeds: %w", err)
	}
	return feeds, nil
}

func scanFeed(row rowScanner) (*Feed, error) {
	var f Feed
	var topic sql.NullString
	var createdAt string

	err := row.Scan(&f.ID, &f.UserID, &f.URL, &f.Name, &topic, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning feed: %w", err)
	}
	f.Topic = topic.String
	if f.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	return &f, nil
}

// GetProfile returns the user's profile or ErrNotFound.
func (s *SQLiteStore) GetProfile(ctx context.Context, userID int64) (*Profile, error) {
	var p Profile
	var topicsJSON string
	var location, description sql.NullString
	var updatedAt string

	err := s.db.QueryRowContext(ctx, `
		SELECT user_id, topics, location, description, updated_at
		FROM user_profiles WHERE user_id = ?
	`, userID).Scan(&p.UserID, &topicsJSON, &location, &description, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying profile: %w", err)
	}

	if err := json.Unmarshal([]byte(topicsJSON), &p.Topics); err != nil {
		return nil, fmt.Errorf("decoding profile topics: %w", err)
	}
	p.Location = location.String
	p.Description = description.String
	if p.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", err)
	}
	return &p, nil
}

// UpsertProfile creates or replaces the user's profile.
func (s *SQLiteStore) UpsertProfile(ctx context.Context, profile *Profile) error {
	topics := profile.Topics
	if topics == nil {
		topics = []string{}
	}
	topicsJSON, err := json.Marshal(topics)
	if err != nil {
		return fmt.Errorf("encoding profile topics: %w", err)
	}
	profile.UpdatedAt = time.Now().UTC()

	query := `
		INSERT INTO user_profiles (user_id, topics, location, description, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			topics = excluded.topics,
			location = excluded.location,
			description = excluded.description,
			updated_at = excluded.updated_at
	`

	_, err = s.db.ExecContext(ctx, query,
		profile.UserID,
		string(topicsJSON),
		nullString(profile.Location),
		nullString(profile.Description),
		formatTime(profile.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("upserting profile: %w", err)
	}

	s.logger.Debug("saved profile", "user_id", profile.UserID, "topics", len(topics))
	return nil
}

var (
	_ FeedStore    = (*SQLiteStore)(nil)
	_ ProfileStore = (*SQLiteStore)(nil)
)
