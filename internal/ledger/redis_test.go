// ABOUTME: Tests for the Redis quota counter against an in-process miniredis
// ABOUTME: Covers exact reservation limits, window trimming, unlimited tiers and durable count delegation

package ledger

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/buzzposter/buzzposter-gateway/internal/auth"
	"github.com/buzzposter/buzzposter-gateway/internal/gate"
	"github.com/buzzposter/buzzposter-gateway/internal/store"
	"github.com/buzzposter/buzzposter-gateway/internal/tier"
)

func newTestCounter(t *testing.T, durable DurableCounter) (*RedisCounter, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	c, err := NewRedisCounter(context.Background(), Config{Client: client, Durable: durable})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c, mr
}

func TestNewRedisCounter_Unreachable(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	_, err := NewRedisCounter(ctx, Config{Addr: "127.0.0.1:1"})
	assert.Error(t, err)

	_, err = NewRedisCounter(ctx, Config{})
	assert.Error(t, err)
}

func TestReserve_StopsAtLimit(t *testing.T) {
	c, _ := newTestCounter(t, nil)
	ctx := context.Background()
	now := time.Now()

	for i := 0; i < 3; i++ {
		used, ok, err := c.Reserve(ctx, 1, now.Add(time.Duration(i)*time.Millisecond), 24*time.Hour, 3)
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, i, used)
	}

	used, ok, err := c.Reserve(ctx, 1, now.Add(time.Second), 24*time.Hour, 3)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, 3, used)

	// other users are independent
	_, ok, err = c.Reserve(ctx, 2, now, 24*time.Hour, 3)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestReserve_WindowTrims(t *testing.T) {
	c, _ := newTestCounter(t, nil)
	ctx := context.Background()
	start := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	_, ok, err := c.Reserve(ctx, 1, start, time.Hour, 1)
	require.NoError(t, err)
	require.True(t, ok)

	_, ok, err = c.Reserve(ctx, 1, start.Add(30*time.Minute), time.Hour, 1)
	require.NoError(t, err)
	assert.False(t, ok)

	used, ok, err := c.Reserve(ctx, 1, start.Add(time.Hour+time.Microsecond), time.Hour, 1)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 0, used)
}

func TestReserve_ConcurrentIsExact(t *testing.T) {
	c, _ := newTestCounter(t, nil)
	ctx := context.Background()
	now := time.Now()

	var wg sync.WaitGroup
	var mu sync.Mutex
	granted := 0
	for i := 0; i < 40; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, ok, err := c.Reserve(ctx, 7, now.Add(time.Duration(i)*time.Microsecond), 24*time.Hour, 25)
			if err == nil && ok {
				mu.Lock()
				granted++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 25, granted)
}

func TestCountUsageSince_FromReservations(t *testing.T) {
	c, _ := newTestCounter(t, nil)
	ctx := context.Background()
	now := time.Now()

	for i := 0; i < 4; i++ {
		_, _, err := c.Reserve(ctx, 1, now.Add(-time.Duration(i)*time.Hour), 24*time.Hour, 100)
		require.NoError(t, err)
	}

	n, err := c.CountUsageSince(ctx, 1, now.Add(-90*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestReserve_NegativeLimitAlwaysRecords(t *testing.T) {
	c, _ := newTestCounter(t, nil)
	ctx := context.Background()
	now := time.Now()

	for i := 0; i < 60; i++ {
		used, ok, err := c.Reserve(ctx, 1, now.Add(time.Duration(i)*time.Millisecond), 24*time.Hour, -1)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, i, used)
	}

	// the same history caps a limited reservation
	used, ok, err := c.Reserve(ctx, 1, now.Add(time.Second), 24*time.Hour, 50)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, 60, used)
}

func TestCountUsageSince_DelegatesToDurable(t *testing.T) {
	ms := store.NewMockStore()
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		require.NoError(t, ms.AppendUsage(ctx, 1, "t", time.Now()))
	}

	c, _ := newTestCounter(t, ms)
	n, err := c.CountUsageSince(ctx, 1, time.Now().Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 5, n)
}

func TestReserve_SetsExpiry(t *testing.T) {
	c, mr := newTestCounter(t, nil)

	_, _, err := c.Reserve(context.Background(), 3, time.Now(), time.Hour, 10)
	require.NoError(t, err)

	ttl := mr.TTL("buzzposter:usage:3")
	assert.Greater(t, ttl, time.Hour)
}

func TestGate_DowngradeCountsUnlimitedCalls(t *testing.T) {
	ctx := context.Background()
	s, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "gateway.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	user := &store.User{Email: "biz@example.com", APIKeyHash: "hash-biz", Tier: tier.Business}
	require.NoError(t, s.CreateUser(ctx, user))

	c, _ := newTestCounter(t, s)
	now := time.Now()
	clock := func() time.Time { return now }
	g, err := gate.New(gate.Config{Policy: tier.Default(), Counter: c, Now: clock})
	require.NoError(t, err)

	for i := 0; i < 60; i++ {
		_, err := g.Authorize(ctx, &auth.Caller{UserID: user.ID, Tier: tier.Business}, "buzzposter_list_feeds", tier.FeatureNone)
		require.NoError(t, err)
		require.NoError(t, s.AppendUsage(ctx, user.ID, "buzzposter_list_feeds", now))
		now = now.Add(time.Second)
	}

	require.NoError(t, s.UpdateUserTier(ctx, user.ID, tier.Free))
	downgraded, err := s.GetUser(ctx, user.ID)
	require.NoError(t, err)

	d, err := g.Authorize(ctx, auth.CallerFromUser(downgraded), "buzzposter_list_feeds", tier.FeatureNone)
	require.True(t, errors.Is(err, gate.ErrRateLimitExceeded), "got %v", err)
	assert.Equal(t, 60, d.Used)
	assert.False(t, d.Allowed)
}
