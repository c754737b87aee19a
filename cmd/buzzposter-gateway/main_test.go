// ABOUTME: Tests for CLI helpers and the operator account commands
// ABOUTME: Runs the commands against a temporary SQLite database

package main

import (
	"bytes"
	"context"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/buzzposter/buzzposter-gateway/internal/auth"
	"github.com/buzzposter/buzzposter-gateway/internal/config"
	"github.com/buzzposter/buzzposter-gateway/internal/store"
	"github.com/buzzposter/buzzposter-gateway/internal/tier"
)

func TestGetConfigPath(t *testing.T) {
	t.Run("env override", func(t *testing.T) {
		t.Setenv("BUZZPOSTER_CONFIG", "/etc/bp.yaml")
		assert.Equal(t, "/etc/bp.yaml", getConfigPath())
	})

	t.Run("xdg config home", func(t *testing.T) {
		t.Setenv("BUZZPOSTER_CONFIG", "")
		t.Setenv("XDG_CONFIG_HOME", "/xdg")
		assert.Equal(t, filepath.Join("/xdg", "buzzposter", "gateway.yaml"), getConfigPath())
	})
}

func TestGetDataPath(t *testing.T) {
	t.Setenv("XDG_DATA_HOME", "/data")
	assert.Equal(t, filepath.Join("/data", "buzzposter"), getDataPath())
}

func TestParseFlags(t *testing.T) {
	flags, err := parseFlags([]string{"--email", "a@b.c", "--tier=pro"}, "email", "tier")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"email": "a@b.c", "tier": "pro"}, flags)

	_, err = parseFlags([]string{"--bogus", "x"}, "email")
	assert.ErrorContains(t, err, "unknown flag")

	_, err = parseFlags([]string{"--email"}, "email")
	assert.ErrorContains(t, err, "requires a value")

	_, err = parseFlags([]string{"stray"}, "email")
	assert.ErrorContains(t, err, "unexpected argument")
}

func TestHealthURL(t *testing.T) {
	cfg := &config.Config{}
	cfg.Server.HTTPAddr = ":8080"
	assert.Equal(t, "http://localhost:8080/health", healthURL(cfg))

	cfg.Server.HTTPAddr = "127.0.0.1:9000"
	assert.Equal(t, "http://127.0.0.1:9000/health", healthURL(cfg))
}

func TestSetupLogger(t *testing.T) {
	logger := setupLogger(config.LoggingConfig{Level: "warn", Format: "text"})
	assert.False(t, logger.Enabled(context.Background(), slog.LevelInfo))
	assert.True(t, logger.Enabled(context.Background(), slog.LevelWarn))

	logger = setupLogger(config.LoggingConfig{Level: "debug", Format: "json"})
	assert.True(t, logger.Enabled(context.Background(), slog.LevelDebug))
	_, isColor := logger.Handler().(*colorHandler)
	assert.False(t, isColor)
}

func TestColorHandler_WithAttrsSharesMutex(t *testing.T) {
	h := &colorHandler{mu: &sync.Mutex{}, level: slog.LevelInfo}

	grouped := h.WithGroup("req").(*colorHandler)
	child := grouped.WithAttrs([]slog.Attr{slog.String("id", "1")}).(*colorHandler)

	assert.Same(t, h.mu, child.mu)
	require.Len(t, child.attrs, 1)
	assert.Equal(t, "req.id", child.attrs[0].Key)
	assert.Empty(t, h.attrs, "parent is not mutated")
	assert.Same(t, h, h.WithGroup(""))
}

func newAccountEnv(t *testing.T) *accountEnv {
	t.Helper()

	s, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "gateway.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	cfg := &config.Config{}
	cfg.Quota.Window = 24 * time.Hour
	return &accountEnv{cfg: cfg, policy: tier.Default(), store: s}
}

func TestAddUser(t *testing.T) {
	ctx := context.Background()
	env := newAccountEnv(t)

	var out bytes.Buffer
	require.NoError(t, addUser(ctx, &out, env, " Ops@Example.com ", "PRO"))

	var key string
	for _, line := range strings.Split(out.String(), "\n") {
		if k, ok := strings.CutPrefix(line, "API key: "); ok {
			key = k
		}
	}
	require.True(t, strings.HasPrefix(key, auth.APIKeyPrefix), out.String())

	user, err := env.store.GetUserByAPIKeyHash(ctx, auth.HashAPIKey(key))
	require.NoError(t, err)
	assert.Equal(t, "ops@example.com", user.Email)
	assert.Equal(t, tier.Pro, user.Tier)

	err = addUser(ctx, &out, env, "ops@example.com", "")
	assert.ErrorContains(t, err, "already exists")

	err = addUser(ctx, &out, env, "other@example.com", "platinum")
	assert.ErrorContains(t, err, "unknown tier")
}

func TestSetTier(t *testing.T) {
	ctx := context.Background()
	env := newAccountEnv(t)

	var out bytes.Buffer
	require.NoError(t, addUser(ctx, &out, env, "tier@example.com", ""))

	out.Reset()
	require.NoError(t, setTier(ctx, &out, env, "tier@example.com", "business"))
	assert.Equal(t, "tier@example.com: free -> business\n", out.String())

	user, err := env.store.GetUserByEmail(ctx, "tier@example.com")
	require.NoError(t, err)
	assert.Equal(t, tier.Business, user.Tier)

	assert.ErrorContains(t, setTier(ctx, &out, env, "nobody@example.com", "pro"), "no user")
	assert.ErrorContains(t, setTier(ctx, &out, env, "tier@example.com", "gold"), "unknown tier")
}

func TestShowUsage(t *testing.T) {
	ctx := context.Background()
	env := newAccountEnv(t)
	now := time.Now()

	var out bytes.Buffer
	require.NoError(t, addUser(ctx, &out, env, "usage@example.com", ""))
	user, err := env.store.GetUserByEmail(ctx, "usage@example.com")
	require.NoError(t, err)

	require.NoError(t, env.store.AppendUsage(ctx, user.ID, "buzzposter_list_feeds", now.Add(-time.Hour)))
	require.NoError(t, env.store.AppendUsage(ctx, user.ID, "buzzposter_list_feeds", now.Add(-2*time.Hour)))
	require.NoError(t, env.store.AppendUsage(ctx, user.ID, "buzzposter_get_feed", now.Add(-3*time.Hour)))
	// outside the window
	require.NoError(t, env.store.AppendUsage(ctx, user.ID, "buzzposter_get_feed", now.Add(-25*time.Hour)))

	out.Reset()
	require.NoError(t, showUsage(ctx, &out, env, "usage@example.com", now))

	text := out.String()
	assert.Contains(t, text, "3 of 50 calls")
	assert.Contains(t, text, "buzzposter_list_feeds")
	assert.Less(t, strings.Index(text, "buzzposter_get_feed"), strings.Index(text, "buzzposter_list_feeds"))

	assert.ErrorContains(t, showUsage(ctx, &out, env, "ghost@example.com", now), "no user")
}

func TestRotateKeyAndHistory(t *testing.T) {
	ctx := context.Background()
	env := newAccountEnv(t)

	var out bytes.Buffer
	require.NoError(t, addUser(ctx, &out, env, "rotate@example.com", ""))
	before, err := env.store.GetUserByEmail(ctx, "rotate@example.com")
	require.NoError(t, err)

	out.Reset()
	require.NoError(t, rotateKey(ctx, &out, env, "rotate@example.com"))
	line, _, _ := strings.Cut(out.String(), "\n")
	key := line[strings.LastIndex(line, " ")+1:]
	require.True(t, strings.HasPrefix(key, auth.APIKeyPrefix), out.String())

	_, err = env.store.GetUserByAPIKeyHash(ctx, before.APIKeyHash)
	assert.ErrorIs(t, err, store.ErrNotFound, "old key no longer resolves")
	after, err := env.store.GetUserByAPIKeyHash(ctx, auth.HashAPIKey(key))
	require.NoError(t, err)
	assert.Equal(t, before.ID, after.ID)

	require.NoError(t, setTier(ctx, &out, env, "rotate@example.com", "pro"))

	out.Reset()
	require.NoError(t, showHistory(ctx, &out, env, "rotate@example.com"))
	text := out.String()
	assert.Contains(t, text, string(store.AuditSignup))
	assert.Contains(t, text, string(store.AuditKeyRotated))
	assert.Contains(t, text, "free -> pro")

	assert.ErrorContains(t, rotateKey(ctx, &out, env, "ghost@example.com"), "no user")
}
