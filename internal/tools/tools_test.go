// ABOUTME: Shared test environment for the tool packs
// ABOUTME: Fakes RSS feeds, NewsAPI and Late.dev with httptest and runs calls through the dispatcher

package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/buzzposter/buzzposter-gateway/internal/auth"
	"github.com/buzzposter/buzzposter-gateway/internal/dispatch"
	"github.com/buzzposter/buzzposter-gateway/internal/feeds"
	"github.com/buzzposter/buzzposter-gateway/internal/gate"
	"github.com/buzzposter/buzzposter-gateway/internal/late"
	"github.com/buzzposter/buzzposter-gateway/internal/media"
	"github.com/buzzposter/buzzposter-gateway/internal/newsapi"
	"github.com/buzzposter/buzzposter-gateway/internal/packs"
	"github.com/buzzposter/buzzposter-gateway/internal/store"
	"github.com/buzzposter/buzzposter-gateway/internal/tier"
)

var feedBase = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

// rss renders a feed whose items are published hourly, starting offset hours before feedBase.
func rss(title string, items, offset int) string {
	var b strings.Builder
	b.WriteString(`<?xml version="1.0" encoding="UTF-8"?><rss version="2.0"><channel>`)
	fmt.Fprintf(&b, "<title>%s</title><description>%s news</description>", title, title)
	for i := 0; i < items; i++ {
		fmt.Fprintf(&b, "<item><title>%s %d</title><link>https://example.com/%s/%d</link><pubDate>%s</pubDate></item>",
			title, i, title, i, feedBase.Add(-time.Duration(offset+i)*time.Hour).Format(time.RFC1123Z))
	}
	b.WriteString(`</channel></rss>`)
	return b.String()
}

type lateRequest struct {
	Method string
	Path   string
	Auth   string
	Body   map[string]any
}

type testEnv struct {
	deps    *Deps
	store   *store.MockStore
	objects *media.MemoryStore
	feeds   *httptest.Server

	mu        sync.Mutex
	lateCalls []lateRequest
	newsCalls []string
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	env := &testEnv{store: store.NewMockStore()}

	env.feeds = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/rss+xml")
		switch r.URL.Path {
		case "/alpha":
			_, _ = w.Write([]byte(rss("Alpha", 25, 0)))
		case "/beta":
			_, _ = w.Write([]byte(rss("Beta", 20, 1)))
		case "/custom":
			_, _ = w.Write([]byte(rss("Custom", 5, 0)))
		default:
			http.Error(w, "gone", http.StatusNotFound)
		}
	}))
	t.Cleanup(env.feeds.Close)

	news := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		env.mu.Lock()
		env.newsCalls = append(env.newsCalls, r.URL.Query().Get("q"))
		env.mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"status":"ok","totalResults":42,"articles":[{"title":"%s story","url":"https://news.example.com/1","publishedAt":"2025-03-01T13:00:00Z","source":{"name":"Wire"}}]}`,
			r.URL.Query().Get("q"))
	}))
	t.Cleanup(news.Close)

	lateSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		req := lateRequest{Method: r.Method, Path: r.URL.RequestURI(), Auth: r.Header.Get("Authorization")}
		_ = json.NewDecoder(r.Body).Decode(&req.Body)
		env.mu.Lock()
		env.lateCalls = append(env.lateCalls, req)
		env.mu.Unlock()

		w.Header().Set("Content-Type", "application/json")
		switch {
		case r.URL.Path == "/accounts":
			_, _ = w.Write([]byte(`{"accounts":[{"id":"acc_1","platform":"twitter"}]}`))
		case r.Method == http.MethodPost:
			_, _ = w.Write([]byte(`{"id":"post_1","status":"ok"}`))
		default:
			_, _ = w.Write([]byte(`{"posts":[]}`))
		}
	}))
	t.Cleanup(lateSrv.Close)

	fetcher := feeds.NewFetcher(feeds.Config{CacheTTL: -1, Timeout: 2 * time.Second})
	t.Cleanup(fetcher.Close)

	env.objects = media.NewMemoryStore("https://media.example.com")
	policy := tier.Default()
	uploader, err := media.NewUploader(media.Config{
		Objects: env.objects,
		Store:   env.store,
		Policy:  policy,
	})
	require.NoError(t, err)

	env.deps = &Deps{
		Store:   env.store,
		Policy:  policy,
		Fetcher: fetcher,
		News:    newsapi.NewClient(newsapi.Config{APIKey: "news-key", BaseURL: news.URL}),
		Late:    late.NewClient(late.Config{ClientID: "id", ClientSecret: "secret", APIBase: lateSrv.URL, TokenURL: lateSrv.URL + "/oauth/token"}),
		Media:   uploader,
		Topics: func(topic string) ([]feeds.Source, bool) {
			if topic != "tech" {
				return nil, false
			}
			return []feeds.Source{
				{Name: "Alpha", URL: env.feeds.URL + "/alpha"},
				{Name: "Beta", URL: env.feeds.URL + "/beta"},
				{Name: "Broken", URL: env.feeds.URL + "/missing"},
			}, true
		},
	}
	return env
}

func (env *testEnv) caller(t *testing.T, tr tier.Name) *auth.Caller {
	t.Helper()
	id := uuid.NewString()
	u := &store.User{Email: id + "@example.com", APIKeyHash: "hash-" + id, Tier: tr}
	require.NoError(t, env.store.CreateUser(context.Background(), u))
	return auth.CallerFromUser(u)
}

func (env *testEnv) connectedCaller(t *testing.T) *auth.Caller {
	t.Helper()
	c := env.caller(t, tier.Pro)
	c.LateAccessToken = "late-access"
	c.LateRefreshToken = "late-refresh"
	return c
}

// dispatcher assembles every pack behind a real gate and ledger over the mock
// store, so calls are authorized and recorded the way the gateway does it.
func (env *testEnv) dispatcher(t *testing.T) *dispatch.Dispatcher {
	t.Helper()
	registry := packs.NewRegistry(nil)
	for _, pack := range All(env.deps) {
		require.NoError(t, registry.RegisterBuiltinPack(pack))
	}
	router := packs.NewRouter(packs.RouterConfig{Registry: registry, Timeout: 5 * time.Second})
	t.Cleanup(router.Close)

	g, err := gate.New(gate.Config{Policy: env.deps.Policy, Counter: env.store})
	require.NoError(t, err)
	d, err := dispatch.New(dispatch.Config{
		Resolver: auth.NewStoreResolver(env.store),
		Gate:     g,
		Router:   router,
		Ledger:   env.store,
	})
	require.NoError(t, err)
	return d
}

// call runs a tool through the dispatcher and decodes its JSON output.
func (env *testEnv) call(t *testing.T, caller *auth.Caller, name, input string) (map[string]any, error) {
	t.Helper()
	res, err := env.dispatcher(t).InvokeAs(context.Background(), caller, name, json.RawMessage(input))
	if err != nil {
		return nil, err
	}
	var m map[string]any
	require.NoError(t, json.Unmarshal(res.Output, &m))
	return m, nil
}

// recordsFor counts the usage records written for the caller.
func (env *testEnv) recordsFor(caller *auth.Caller) int {
	n := 0
	for _, r := range env.store.UsageRecords() {
		if r.UserID == caller.UserID {
			n++
		}
	}
	return n
}

func (env *testEnv) lateRequests() []lateRequest {
	env.mu.Lock()
	defer env.mu.Unlock()
	return append([]lateRequest(nil), env.lateCalls...)
}

func (env *testEnv) newsQueries() []string {
	env.mu.Lock()
	defer env.mu.Unlock()
	return append([]string(nil), env.newsCalls...)
}
