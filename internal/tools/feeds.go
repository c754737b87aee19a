// ABOUTME: Feeds pack: custom feed subscriptions, the personalization profile, and my_feed
// ABOUTME: my_feed merges profile topics and custom feeds concurrently, newest first

package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/buzzposter/buzzposter-gateway/internal/auth"
	"github.com/buzzposter/buzzposter-gateway/internal/feeds"
	"github.com/buzzposter/buzzposter-gateway/internal/packs"
	"github.com/buzzposter/buzzposter-gateway/internal/store"
	"github.com/buzzposter/buzzposter-gateway/internal/tier"
)

// MaxMyFeedArticles caps the articles returned by my_feed.
const MaxMyFeedArticles = 50

// FeedsPack creates the feeds and profile pack.
func FeedsPack(d *Deps) *packs.BuiltinPack {
	f := &feedHandlers{deps: d}
	return &packs.BuiltinPack{
		ID: "feeds",
		Tools: []*packs.BuiltinTool{
			{
				Definition: &packs.ToolDefinition{
					Name:            Prefix + "add_feed",
					Description:     "Add a custom RSS feed to your collection. The feed is fetched once to validate it.",
					InputSchema:     schema(`"feed_url":{"type":"string"},"feed_name":{"type":"string"},"topic":{"type":"string"}`, "feed_url", "feed_name"),
					RequiredFeature: tier.FeatureCustomFeeds,
				},
				Handler: f.AddFeed,
			},
			{
				Definition: &packs.ToolDefinition{
					Name:        Prefix + "remove_feed",
					Description: "Remove a custom feed from your collection.",
					InputSchema: schema(`"feed_id":{"type":"integer"}`, "feed_id"),
				},
				Handler: f.RemoveFeed,
			},
			{
				Definition: &packs.ToolDefinition{
					Name:        Prefix + "list_feeds",
					Description: "List the custom feeds in your collection.",
					InputSchema: schema(``),
				},
				Handler: f.ListFeeds,
			},
			{
				Definition: &packs.ToolDefinition{
					Name:        Prefix + "set_profile",
					Description: "Set your content profile. Omitted fields keep their current value.",
					InputSchema: schema(`"topics":{"type":"array","items":{"type":"string"}},"location":{"type":"string"},"description":{"type":"string"}`),
				},
				Handler: f.SetProfile,
			},
			{
				Definition: &packs.ToolDefinition{
					Name:        Prefix + "my_feed",
					Description: "Get a personalized feed from your profile topics and custom feeds.",
					InputSchema: schema(``),
				},
				Handler: f.MyFeed,
			},
		},
	}
}

type feedHandlers struct {
	deps *Deps
}

type feedView struct {
	ID        int64     `json:"id"`
	Name      string    `json:"name"`
	URL       string    `json:"url"`
	Topic     string    `json:"topic,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

func viewFeed(f *store.Feed) feedView {
	return feedView{ID: f.ID, Name: f.Name, URL: f.URL, Topic: f.Topic, CreatedAt: f.CreatedAt}
}

type addFeedInput struct {
	FeedURL  string `json:"feed_url"`
	FeedName string `json:"feed_name"`
	Topic    string `json:"topic"`
}

func (f *feedHandlers) AddFeed(ctx context.Context, caller *auth.Caller, input json.RawMessage) (json.RawMessage, error) {
	var in addFeedInput
	if err := decodeInput(input, &in); err != nil {
		return nil, err
	}
	in.FeedURL = strings.TrimSpace(in.FeedURL)
	in.FeedName = strings.TrimSpace(in.FeedName)
	if err := required("feed_url", in.FeedURL); err != nil {
		return nil, err
	}
	if err := required("feed_name", in.FeedName); err != nil {
		return nil, err
	}

	if _, err := f.deps.Fetcher.Fetch(ctx, in.FeedURL); err != nil {
		return nil, fmt.Errorf("invalid feed URL: %w", err)
	}

	feed := &store.Feed{UserID: caller.UserID, URL: in.FeedURL, Name: in.FeedName, Topic: in.Topic}
	if err := f.deps.Store.AddFeed(ctx, feed); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			return nil, errors.New("feed already exists in your collection")
		}
		return nil, err
	}

	return json.Marshal(map[string]any{
		"success": true,
		"message": "Added feed: " + feed.Name,
		"feed":    viewFeed(feed),
	})
}

type removeFeedInput struct {
	FeedID int64 `json:"feed_id"`
}

func (f *feedHandlers) RemoveFeed(ctx context.Context, caller *auth.Caller, input json.RawMessage) (json.RawMessage, error) {
	var in removeFeedInput
	if err := decodeInput(input, &in); err != nil {
		return nil, err
	}
	if in.FeedID <= 0 {
		return nil, fmt.Errorf("%w: feed_id is required", ErrInvalidInput)
	}

	feed, err := f.deps.Store.RemoveFeed(ctx, caller.UserID, in.FeedID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, errors.New("feed not found")
	}
	if err != nil {
		return nil, err
	}

	return json.Marshal(map[string]any{
		"success": true,
		"message": "Removed feed: " + feed.Name,
	})
}

func (f *feedHandlers) ListFeeds(ctx context.Context, caller *auth.Caller, input json.RawMessage) (json.RawMessage, error) {
	list, err := f.deps.Store.ListFeeds(ctx, caller.UserID)
	if err != nil {
		return nil, err
	}

	views := make([]feedView, len(list))
	for i, feed := range list {
		views[i] = viewFeed(feed)
	}
	return json.Marshal(map[string]any{"feeds": views, "total": len(views)})
}

type setProfileInput struct {
	Topics      *[]string `json:"topics"`
	Location    *string   `json:"location"`
	Description *string   `json:"description"`
}

type profileView struct {
	Topics      []string `json:"topics"`
	Location    string   `json:"location"`
	Description string   `json:"description"`
}

func (f *feedHandlers) SetProfile(ctx context.Context, caller *auth.Caller, input json.RawMessage) (json.RawMessage, error) {
	var in setProfileInput
	if err := decodeInput(input, &in); err != nil {
		return nil, err
	}

	profile, err := f.deps.Store.GetProfile(ctx, caller.UserID)
	if errors.Is(err, store.ErrNotFound) {
		profile = &store.Profile{UserID: caller.UserID}
	} else if err != nil {
		return nil, err
	}

	if in.Topics != nil {
		topics := make([]string, 0, len(*in.Topics))
		for _, t := range *in.Topics {
			if t = strings.ToLower(strings.TrimSpace(t)); t != "" {
				topics = append(topics, t)
			}
		}
		profile.Topics = topics
	}
	if in.Location != nil {
		profile.Location = *in.Location
	}
	if in.Description != nil {
		profile.Description = *in.Description
	}

	if err := f.deps.Store.UpsertProfile(ctx, profile); err != nil {
		return nil, err
	}

	view := profileView{Topics: profile.Topics, Location: profile.Location, Description: profile.Description}
	if view.Topics == nil {
		view.Topics = []string{}
	}
	return json.Marshal(map[string]any{"success": true, "profile": view})
}

type myFeedResult struct {
	Articles      []feeds.Article     `json:"articles"`
	Total         int                 `json:"total"`
	ProfileTopics []string            `json:"profile_topics"`
	CustomFeeds   int                 `json:"custom_feeds"`
	FailedSources []feeds.SourceError `json:"failed_sources,omitempty"`
}

func (f *feedHandlers) MyFeed(ctx context.Context, caller *auth.Caller, input json.RawMessage) (json.RawMessage, error) {
	topics := []string{}
	profile, err := f.deps.Store.GetProfile(ctx, caller.UserID)
	switch {
	case err == nil:
		topics = append(topics, profile.Topics...)
	case !errors.Is(err, store.ErrNotFound):
		return nil, err
	}

	custom, err := f.deps.Store.ListFeeds(ctx, caller.UserID)
	if err != nil {
		return nil, err
	}

	var sources []feeds.Source
	var searchTopics []string
	for _, t := range topics {
		if s, ok := f.deps.topics(t); ok {
			sources = append(sources, s...)
		} else {
			searchTopics = append(searchTopics, t)
		}
	}
	for _, c := range custom {
		sources = append(sources, feeds.Source{Name: c.Name, URL: c.URL})
	}

	articles, failed := f.deps.Fetcher.FetchSources(ctx, sources)
	articles = append(articles, f.searchTopics(ctx, caller, searchTopics)...)
	feeds.SortNewestFirst(articles)

	return json.Marshal(myFeedResult{
		Articles:      capArticles(articles, MaxMyFeedArticles),
		Total:         len(articles),
		ProfileTopics: topics,
		CustomFeeds:   len(custom),
		FailedSources: failed,
	})
}

// searchTopics resolves profile topics outside the built-in set through
// NewsAPI. Topics the caller's tier cannot search are skipped.
func (f *feedHandlers) searchTopics(ctx context.Context, caller *auth.Caller, topics []string) []feeds.Article {
	if len(topics) == 0 || !f.deps.News.Configured() {
		return nil
	}
	if !f.deps.allows(caller, tier.FeatureUnlimitedTopics) {
		return nil
	}

	var mu sync.Mutex
	var out []feeds.Article
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(3)
	for _, t := range topics {
		g.Go(func() error {
			articles, _, err := f.deps.topicArticles(gctx, t)
			if err != nil {
				f.deps.logger().Warn("profile topic search failed", "topic", t, "error", err)
				return nil
			}
			mu.Lock()
			out = append(out, articles...)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return out
}
