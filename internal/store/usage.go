// ABOUTME: Append-only usage ledger backed by the usage_logs table
// ABOUTME: One row per tool invocation; windowed counts feed the access gate

package store

import (
	"context"
	"fmt"
	"time"
)

// AppendUsage records a tool invocation. Records are never updated or deleted
// except by cascade when the owning user is removed.
func (s *SQLiteStore) AppendUsage(ctx context.Context, userID int64, toolName string, at time.Time) error {
	query := `INSERT INTO usage_logs (user_id, tool_name, timestamp) VALUES (?, ?, ?)`

	_, err := s.db.ExecContext(ctx, query, userID, toolName, formatTime(at))
	if err != nil {
		return fmt.Errorf("inserting usage: %w", err)
	}

	s.logger.Debug("recorded usage", "user_id", userID, "tool", toolName)
	return nil
}

// CountUsageSince counts the user's records with timestamp >= since.
func (s *SQLiteStore) CountUsageSince(ctx context.Context, userID int64, since time.Time) (int, error) {
	query := `SELECT COUNT(*) FROM usage_logs WHERE user_id = ? AND timestamp >= ?`

	var count int
	if err := s.db.QueryRowContext(ctx, query, userID, formatTime(since)).Scan(&count); err != nil {
		return 0, fmt.Errorf("counting usage: %w", err)
	}
	return count, nil
}

// UsageByTool returns per-tool call counts for the user since the instant.
func (s *SQLiteStore) UsageByTool(ctx context.Context, userID int64, since time.Time) (map[string]int, error) {
	query := `
		SELECT tool_name, COUNT(*)
		FROM usage_logs
		WHERE user_id = ? AND timestamp >= ?
		GROUP BY tool_name
	`

	rows, err := s.db.QueryContext(ctx, query, userID, formatTime(since))
	if err != nil {
		return nil, fmt.Errorf("querying usage by tool: %w", err)
	}
	defer func() { _ = rows.Close() }()

	counts := make(map[string]int)
	for rows.Next() {
		var name string
		var n int
		if err := rows.Scan(&name, &n); err != nil {
			return nil, fmt.Errorf("scanning usage row: %w", err)
		}
		counts[name] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating usage rows: %w", err)
	}
	return counts, nil
}

var _ UsageStore = (*SQLiteStore)(nil)
