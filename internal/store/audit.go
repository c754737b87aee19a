// ABOUTME: Account audit log recording tier changes, signups and integration links
// ABOUTME: Records who changed which user and when, for billing disputes and support

package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// AuditAction represents an auditable account change.
type AuditAction string

const (
	AuditSignup        AuditAction = "signup"
	AuditTierChange    AuditAction = "tier_change"
	AuditKeyRotated    AuditAction = "api_key_rotated"
	AuditLateConnected AuditAction = "late_connected"
)

// Actors that change accounts.
const (
	ActorSignup = "signup"
	ActorStripe = "stripe"
	ActorCLI    = "cli"
	ActorUser   = "user"
)

// AuditEntry represents a single audit log entry.
type AuditEntry struct {
	ID        string         // UUID v4
	UserID    int64          // affected account
	Actor     string         // who performed the action
	Action    AuditAction    // what action was performed
	Timestamp time.Time      // when it happened
	Detail    map[string]any // additional context, e.g. from/to tier
}

// AuditFilter specifies filtering options for listing audit entries.
type AuditFilter struct {
	Since  *time.Time   // entries at or after this time
	UserID *int64       // filter by account
	Action *AuditAction // filter by action type
	Limit  int          // max results (default 100, max 1000)
}

// AuditStore persists the account audit log.
type AuditStore interface {
	// AppendAuditLog generates ID and Timestamp when unset.
	AppendAuditLog(ctx context.Context, e *AuditEntry) error
	// ListAuditLog returns matching entries newest first.
	ListAuditLog(ctx context.Context, f AuditFilter) ([]AuditEntry, error)
}

func prepareAuditEntry(e *AuditEntry) {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
}

// AppendAuditLog appends a new entry to the audit log.
func (s *SQLiteStore) AppendAuditLog(ctx context.Context, e *AuditEntry) error {
	prepareAuditEntry(e)

	var detailJSON *string
	if e.Detail != nil {
		data, err := json.Marshal(e.Detail)
		if err != nil {
			return fmt.Errorf("marshaling audit detail: %w", err)
		}
		str := string(data)
		detailJSON = &str
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_log (audit_id, user_id, actor, action, ts, detail_json)
		VALUES (?, ?, ?, ?, ?, ?)
	`, e.ID, e.UserID, e.Actor, e.Action, formatTime(e.Timestamp), detailJSON)
	if err != nil {
		return fmt.Errorf("inserting audit entry: %w", err)
	}

	s.logger.Debug("appended audit log",
		"id", e.ID,
		"user_id", e.UserID,
		"actor", e.Actor,
		"action", e.Action,
	)
	return nil
}

// normalizeAuditLimit applies default (100) and cap (1000) to audit limit.
func normalizeAuditLimit(limit int) int {
	switch {
	case limit <= 0:
		return 100
	case limit > 1000:
		return 1000
	default:
		return limit
	}
}

// scanAuditEntry scans a row into an AuditEntry.
func scanAuditEntry(scanner interface{ Scan(dest ...any) error }) (AuditEntry, error) {
	var e AuditEntry
	var actionStr, tsStr string
	var detailJSON *string

	if err := scanner.Scan(&e.ID, &e.UserID, &e.Actor, &actionStr, &tsStr, &detailJSON); err != nil {
		return e, fmt.Errorf("scanning audit entry: %w", err)
	}

	e.Action = AuditAction(actionStr)
	var err error
	e.Timestamp, err = parseTime(tsStr)
	if err != nil {
		return e, fmt.Errorf("parsing timestamp: %w", err)
	}

	if detailJSON != nil {
		if err := json.Unmarshal([]byte(*detailJSON), &e.Detail); err != nil {
			return e, fmt.Errorf("unmarshaling detail: %w", err)
		}
	}
	return e, nil
}

const auditLogQuery = `
	SELECT audit_id, user_id, actor, action, ts, detail_json
	FROM audit_log
	WHERE (? IS NULL OR ts >= ?)
	  AND (? IS NULL OR user_id = ?)
	  AND (? IS NULL OR action = ?)
	ORDER BY ts DESC, rowid DESC
	LIMIT ?
`

// ListAuditLog returns audit entries matching the filter criteria.
func (s *SQLiteStore) ListAuditLog(ctx context.Context, f AuditFilter) ([]AuditEntry, error) {
	var sinceStr, actionStr *string
	if f.Since != nil {
		v := formatTime(*f.Since)
		sinceStr = &v
	}
	if f.Action != nil {
		v := string(*f.Action)
		actionStr = &v
	}

	rows, err := s.db.QueryContext(ctx, auditLogQuery,
		sinceStr, sinceStr,
		f.UserID, f.UserID,
		actionStr, actionStr,
		normalizeAuditLimit(f.Limit),
	)
	if err != nil {
		return nil, fmt.Errorf("querying audit log: %w", err)
	}
	defer func() { _ = rows.Close() }()

	entries := []AuditEntry{}
	for rows.Next() {
		e, err := scanAuditEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating audit entries: %w", err)
	}
	return entries, nil
}
