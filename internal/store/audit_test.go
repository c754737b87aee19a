// ABOUTME: Tests for audit log store operations
// ABOUTME: Covers Append and List with filtering for the audit_log table

package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAuditStore_Append(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	user := createTestUser(t, store, "audit@example.com")

	entry := &AuditEntry{
		UserID: user.ID,
		Actor:  ActorStripe,
		Action: AuditTierChange,
		Detail: map[string]any{"from": "free", "to": "pro"},
	}

	err := store.AppendAuditLog(ctx, entry)
	require.NoError(t, err)

	// Should have generated ID and timestamp
	assert.NotEmpty(t, entry.ID)
	assert.False(t, entry.Timestamp.IsZero())

	entries, err := store.ListAuditLog(ctx, AuditFilter{})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, entry.ID, entries[0].ID)
	assert.Equal(t, ActorStripe, entries[0].Actor)
	assert.Equal(t, "pro", entries[0].Detail["to"])
}

func TestAuditStore_List_NoFilter(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	for i, action := range []AuditAction{AuditSignup, AuditTierChange, AuditLateConnected} {
		entry := &AuditEntry{
			UserID:    1,
			Actor:     ActorUser,
			Action:    action,
			Timestamp: now.Add(time.Duration(i) * time.Second),
		}
		require.NoError(t, store.AppendAuditLog(ctx, entry))
	}

	entries, err := store.ListAuditLog(ctx, AuditFilter{})
	require.NoError(t, err)
	assert.Len(t, entries, 3)

	// Should be newest first
	assert.Equal(t, AuditLateConnected, entries[0].Action)
	assert.Nil(t, entries[0].Detail)
}

func TestAuditStore_List_Filters(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	baseTime := time.Now().UTC().Add(-time.Hour)
	for i := 0; i < 3; i++ {
		require.NoError(t, store.AppendAuditLog(ctx, &AuditEntry{
			UserID:    int64(i%2 + 1),
			Actor:     ActorCLI,
			Action:    AuditTierChange,
			Timestamp: baseTime.Add(time.Duration(i) * 10 * time.Minute),
		}))
	}
	require.NoError(t, store.AppendAuditLog(ctx, &AuditEntry{
		UserID:    1,
		Actor:     ActorSignup,
		Action:    AuditSignup,
		Timestamp: baseTime,
	}))

	since := baseTime.Add(15 * time.Minute)
	entries, err := store.ListAuditLog(ctx, AuditFilter{Since: &since})
	require.NoError(t, err)
	assert.Len(t, entries, 1)

	userID := int64(1)
	entries, err = store.ListAuditLog(ctx, AuditFilter{UserID: &userID})
	require.NoError(t, err)
	assert.Len(t, entries, 3)

	action := AuditSignup
	entries, err = store.ListAuditLog(ctx, AuditFilter{UserID: &userID, Action: &action})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, ActorSignup, entries[0].Actor)

	entries, err = store.ListAuditLog(ctx, AuditFilter{Limit: 2})
	require.NoError(t, err)
	assert.Len(t, entries, 2)
}

func TestNormalizeAuditLimit(t *testing.T) {
	assert.Equal(t, 100, normalizeAuditLimit(0))
	assert.Equal(t, 1000, normalizeAuditLimit(5000))
	assert.Equal(t, 25, normalizeAuditLimit(25))
}

func TestMockStore_AuditLog(t *testing.T) {
	m := NewMockStore()
	ctx := context.Background()

	require.NoError(t, m.AppendAuditLog(ctx, &AuditEntry{UserID: 7, Actor: ActorStripe, Action: AuditTierChange}))
	require.NoError(t, m.AppendAuditLog(ctx, &AuditEntry{UserID: 8, Actor: ActorCLI, Action: AuditTierChange}))

	userID := int64(7)
	entries, err := m.ListAuditLog(ctx, AuditFilter{UserID: &userID})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.NotEmpty(t, entries[0].ID)
}
