// ABOUTME: Tests for the tool dispatcher end to end over a mock store
// ABOUTME: Checks which calls write usage, quota boundaries, window sliding, and ledger failure handling

package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/buzzposter/buzzposter-gateway/internal/auth"
	"github.com/buzzposter/buzzposter-gateway/internal/gate"
	"github.com/buzzposter/buzzposter-gateway/internal/packs"
	"github.com/buzzposter/buzzposter-gateway/internal/store"
	"github.com/buzzposter/buzzposter-gateway/internal/tier"
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type fixture struct {
	dispatcher *Dispatcher
	store      *store.MockStore
	clock      *clock
	calls      atomic.Int32
	failNext   atomic.Bool
}

// topicFeatures gates every topic but "tech" on unlimited topics.
func topicFeatures(input json.RawMessage) []tier.Feature {
	var in struct {
		Topic string `json:"topic"`
	}
	if err := json.Unmarshal(input, &in); err != nil || in.Topic == "tech" {
		return nil
	}
	return []tier.Feature{tier.FeatureUnlimitedTopics}
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		store: store.NewMockStore(),
		clock: &clock{t: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)},
	}

	handler := func(ctx context.Context, caller *auth.Caller, input json.RawMessage) (json.RawMessage, error) {
		f.calls.Add(1)
		if f.failNext.Swap(false) {
			return nil, errors.New("upstream unavailable")
		}
		return json.RawMessage(`{"ok":true}`), nil
	}

	registry := packs.NewRegistry(nil)
	require.NoError(t, registry.RegisterBuiltinPack(&packs.BuiltinPack{
		ID: "test",
		Tools: []*packs.BuiltinTool{
			{Definition: &packs.ToolDefinition{Name: "get_feed"}, Handler: handler},
			{Definition: &packs.ToolDefinition{Name: "search_news", RequiredFeature: tier.FeatureNewsAPISearch}, Handler: handler},
			{Definition: &packs.ToolDefinition{Name: "get_topic", ArgumentFeatures: topicFeatures}, Handler: handler},
		},
	}))
	router := packs.NewRouter(packs.RouterConfig{Registry: registry, Timeout: time.Second})

	g, err := gate.New(gate.Config{
		Policy:  tier.Default(),
		Counter: f.store,
		Now:     f.clock.Now,
	})
	require.NoError(t, err)

	d, err := New(Config{
		Resolver: auth.NewStoreResolver(f.store),
		Gate:     g,
		Router:   router,
		Ledger:   f.store,
		Now:      f.clock.Now,
	})
	require.NoError(t, err)
	f.dispatcher = d
	return f
}

func (f *fixture) addUser(t *testing.T, email string, tr tier.Name) (*store.User, string) {
	t.Helper()
	key, err := auth.GenerateAPIKey()
	require.NoError(t, err)
	u := &store.User{Email: email, APIKeyHash: auth.HashAPIKey(key), Tier: tr}
	require.NoError(t, f.store.CreateUser(context.Background(), u))
	return u, key
}

func TestInvoke_Success(t *testing.T) {
	f := newFixture(t)
	u, key := f.addUser(t, "a@example.com", tier.Free)

	res, err := f.dispatcher.Invoke(context.Background(), key, "get_feed", nil)
	require.NoError(t, err)
	assert.JSONEq(t, `{"ok":true}`, string(res.Output))
	assert.Equal(t, u.ID, res.Caller.UserID)
	assert.True(t, res.Decision.Allowed)
	assert.Equal(t, 50, res.Decision.Limit)
	assert.Equal(t, 49, res.Decision.Remaining)
	assert.NotEmpty(t, res.RequestID)

	records := f.store.UsageRecords()
	require.Len(t, records, 1)
	assert.Equal(t, u.ID, records[0].UserID)
	assert.Equal(t, "get_feed", records[0].ToolName)
	assert.Equal(t, f.clock.Now(), records[0].Timestamp)
}

func TestInvoke_QuotaBoundary(t *testing.T) {
	f := newFixture(t)
	_, key := f.addUser(t, "a@example.com", tier.Free)
	ctx := context.Background()

	for i := 0; i < 50; i++ {
		_, err := f.dispatcher.Invoke(ctx, key, "get_feed", nil)
		require.NoError(t, err, "call %d", i+1)
		f.clock.Advance(time.Second)
	}

	_, err := f.dispatcher.Invoke(ctx, key, "get_feed", nil)
	require.ErrorIs(t, err, gate.ErrRateLimitExceeded)

	de, ok := gate.AsDenied(err)
	require.True(t, ok)
	assert.Equal(t, 50, de.Decision.Used)
	assert.Equal(t, 50, de.Decision.Limit)

	assert.Len(t, f.store.UsageRecords(), 50)
	assert.Equal(t, int32(50), f.calls.Load())
}

func TestInvoke_FeatureDeniedWritesNothing(t *testing.T) {
	f := newFixture(t)
	_, key := f.addUser(t, "a@example.com", tier.Free)

	_, err := f.dispatcher.Invoke(context.Background(), key, "search_news", json.RawMessage(`{"query":"go"}`))
	require.ErrorIs(t, err, gate.ErrFeatureNotAllowed)
	assert.Equal(t, tier.FeatureDeniedMessage, err.Error())

	assert.Empty(t, f.store.UsageRecords())
	assert.Zero(t, f.calls.Load())
}

func TestInvoke_ArgumentFeatureDeniedWritesNothing(t *testing.T) {
	f := newFixture(t)
	_, key := f.addUser(t, "a@example.com", tier.Free)
	ctx := context.Background()

	_, err := f.dispatcher.Invoke(ctx, key, "get_topic", json.RawMessage(`{"topic":"crypto"}`))
	require.ErrorIs(t, err, gate.ErrFeatureNotAllowed)
	de, ok := gate.AsDenied(err)
	require.True(t, ok)
	assert.Equal(t, tier.FeatureUnlimitedTopics, de.Decision.Feature)
	assert.Empty(t, f.store.UsageRecords())
	assert.Zero(t, f.calls.Load())

	_, err = f.dispatcher.Invoke(ctx, key, "get_topic", json.RawMessage(`{"topic":"tech"}`))
	require.NoError(t, err)
	assert.Len(t, f.store.UsageRecords(), 1)
}

func TestInvoke_HandlerErrorStillLogsUsage(t *testing.T) {
	f := newFixture(t)
	_, key := f.addUser(t, "a@example.com", tier.Free)
	f.failNext.Store(true)

	res, err := f.dispatcher.Invoke(context.Background(), key, "get_feed", nil)
	require.EqualError(t, err, "upstream unavailable")
	require.NotNil(t, res)
	assert.True(t, res.Decision.Allowed)

	assert.Len(t, f.store.UsageRecords(), 1)
}

func TestInvoke_AuthenticationFailure(t *testing.T) {
	f := newFixture(t)
	f.addUser(t, "a@example.com", tier.Free)

	for _, cred := range []string{"", "not-a-key", "bp_doesnotexist"} {
		_, err := f.dispatcher.Invoke(context.Background(), cred, "get_feed", nil)
		assert.ErrorIs(t, err, gate.ErrAuthentication, "credential %q", cred)
	}
	assert.Empty(t, f.store.UsageRecords())
	assert.Zero(t, f.calls.Load())
}

func TestInvoke_UnknownTool(t *testing.T) {
	f := newFixture(t)
	_, key := f.addUser(t, "a@example.com", tier.Free)

	_, err := f.dispatcher.Invoke(context.Background(), key, "nope", nil)
	require.ErrorIs(t, err, packs.ErrToolNotFound)
	assert.Empty(t, f.store.UsageRecords())
}

func TestInvoke_WindowSlides(t *testing.T) {
	f := newFixture(t)
	u, key := f.addUser(t, "a@example.com", tier.Free)
	ctx := context.Background()
	now := f.clock.Now()

	// one record just outside the window, 49 inside
	require.NoError(t, f.store.AppendUsage(ctx, u.ID, "get_feed", now.Add(-25*time.Hour)))
	for i := 0; i < 49; i++ {
		require.NoError(t, f.store.AppendUsage(ctx, u.ID, "get_feed", now.Add(-time.Hour)))
	}

	res, err := f.dispatcher.Invoke(ctx, key, "get_feed", nil)
	require.NoError(t, err)
	assert.Equal(t, 49, res.Decision.Used)

	n, err := f.store.CountUsageSince(ctx, u.ID, now.Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 50, n)

	_, err = f.dispatcher.Invoke(ctx, key, "get_feed", nil)
	assert.ErrorIs(t, err, gate.ErrRateLimitExceeded)
}

func TestInvoke_TierUpgradeAppliesNextCall(t *testing.T) {
	f := newFixture(t)
	u, key := f.addUser(t, "a@example.com", tier.Free)
	ctx := context.Background()

	_, err := f.dispatcher.Invoke(ctx, key, "search_news", nil)
	require.ErrorIs(t, err, gate.ErrFeatureNotAllowed)

	require.NoError(t, f.store.UpdateUserTier(ctx, u.ID, tier.Pro))

	res, err := f.dispatcher.Invoke(ctx, key, "search_news", nil)
	require.NoError(t, err)
	assert.Equal(t, tier.Pro, res.Decision.Tier)
	assert.Equal(t, 500, res.Decision.Limit)
}

func TestInvoke_LedgerFailureKeepsResult(t *testing.T) {
	f := newFixture(t)
	_, key := f.addUser(t, "a@example.com", tier.Free)
	f.store.AppendErr = errors.New("disk full")

	res, err := f.dispatcher.Invoke(context.Background(), key, "get_feed", nil)
	require.NoError(t, err)
	assert.JSONEq(t, `{"ok":true}`, string(res.Output))
	assert.Equal(t, int32(1), f.calls.Load())
}

func TestInvoke_CounterFailureFailsClosed(t *testing.T) {
	f := newFixture(t)
	_, key := f.addUser(t, "a@example.com", tier.Free)
	f.store.CountErr = errors.New("database locked")

	_, err := f.dispatcher.Invoke(context.Background(), key, "get_feed", nil)
	require.Error(t, err)
	_, denied := gate.AsDenied(err)
	assert.False(t, denied)
	assert.Zero(t, f.calls.Load())
	assert.Empty(t, f.store.UsageRecords())
}

// ctxCheckingLedger fails the append when handed a cancelled context.
type ctxCheckingLedger struct {
	appended atomic.Int32
}

func (l *ctxCheckingLedger) AppendUsage(ctx context.Context, userID int64, toolName string, at time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	l.appended.Add(1)
	return nil
}

func TestInvoke_AppendSurvivesCancellation(t *testing.T) {
	registry := packs.NewRegistry(nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, registry.RegisterBuiltinPack(&packs.BuiltinPack{
		ID: "test",
		Tools: []*packs.BuiltinTool{{
			Definition: &packs.ToolDefinition{Name: "cancels"},
			Handler: func(hctx context.Context, caller *auth.Caller, input json.RawMessage) (json.RawMessage, error) {
				cancel()
				return json.RawMessage(`{}`), nil
			},
		}},
	}))

	ms := store.NewMockStore()
	g, err := gate.New(gate.Config{Policy: tier.Default(), Counter: ms})
	require.NoError(t, err)

	ledger := &ctxCheckingLedger{}
	caller := &auth.Caller{UserID: 9, Tier: tier.Pro}
	d, err := New(Config{
		Resolver: auth.ResolverFunc(func(ctx context.Context, credential string) (*auth.Caller, error) {
			return caller, nil
		}),
		Gate:   g,
		Router: packs.NewRouter(packs.RouterConfig{Registry: registry}),
		Ledger: ledger,
	})
	require.NoError(t, err)

	_, _ = d.Invoke(ctx, "anything", "cancels", nil)
	assert.Equal(t, int32(1), ledger.appended.Load())
}

func TestInvoke_ConcurrentCallsEachLogged(t *testing.T) {
	f := newFixture(t)
	_, key := f.addUser(t, "a@example.com", tier.Business)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.dispatcher.Invoke(context.Background(), key, "get_feed", nil)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Len(t, f.store.UsageRecords(), 20)
}

func TestNew_RequiresCollaborators(t *testing.T) {
	_, err := New(Config{})
	assert.Error(t, err)
}
