// ABOUTME: Content pack: RSS feed reading, built-in topics, and NewsAPI search
// ABOUTME: Topics fan out over several feeds; unknown topics fall back to search for paid tiers

package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/buzzposter/buzzposter-gateway/internal/auth"
	"github.com/buzzposter/buzzposter-gateway/internal/feeds"
	"github.com/buzzposter/buzzposter-gateway/internal/newsapi"
	"github.com/buzzposter/buzzposter-gateway/internal/packs"
	"github.com/buzzposter/buzzposter-gateway/internal/tier"
)

// MaxTopicArticles caps the articles returned by get_topic.
const MaxTopicArticles = 30

// ContentPack creates the content pack.
func ContentPack(d *Deps) *packs.BuiltinPack {
	c := &contentHandlers{deps: d}
	return &packs.BuiltinPack{
		ID: "content",
		Tools: []*packs.BuiltinTool{
			{
				Definition: &packs.ToolDefinition{
					Name:        Prefix + "get_feed",
					Description: "Fetch and parse any RSS or Atom feed. Returns up to 20 recent articles.",
					InputSchema: schema(`"feed_url":{"type":"string","description":"URL of the RSS feed"}`, "feed_url"),
				},
				Handler: c.GetFeed,
			},
			{
				Definition: &packs.ToolDefinition{
					Name:             Prefix + "get_topic",
					Description:      "Get recent news for a topic. Built-in topics: " + strings.Join(feeds.Topics(), ", ") + ". Other topics require Pro or Business.",
					InputSchema:      schema(`"topic":{"type":"string","description":"Topic name"}`, "topic"),
					ArgumentFeatures: c.topicFeatures,
				},
				Handler: c.GetTopic,
			},
			{
				Definition: &packs.ToolDefinition{
					Name:            Prefix + "search_news",
					Description:     "Search news articles across thousands of sources via NewsAPI.",
					InputSchema:     schema(`"query":{"type":"string"},"language":{"type":"string","default":"en"},"sort_by":{"type":"string","enum":["publishedAt","relevancy","popularity"],"default":"publishedAt"}`, "query"),
					RequiredFeature: tier.FeatureNewsAPISearch,
				},
				Handler: c.SearchNews,
			},
		},
	}
}

type contentHandlers struct {
	deps *Deps
}

type getFeedInput struct {
	FeedURL string `json:"feed_url"`
}

type feedResult struct {
	*feeds.Feed
	Total int `json:"total"`
}

func (c *contentHandlers) GetFeed(ctx context.Context, caller *auth.Caller, input json.RawMessage) (json.RawMessage, error) {
	var in getFeedInput
	if err := decodeInput(input, &in); err != nil {
		return nil, err
	}
	if err := required("feed_url", in.FeedURL); err != nil {
		return nil, err
	}

	feed, err := c.deps.Fetcher.Fetch(ctx, in.FeedURL)
	if err != nil {
		return nil, err
	}
	return json.Marshal(feedResult{Feed: feed, Total: len(feed.Articles)})
}

type getTopicInput struct {
	Topic string `json:"topic"`
}

type topicResult struct {
	Topic         string              `json:"topic"`
	Articles      []feeds.Article     `json:"articles"`
	Total         int                 `json:"total"`
	FailedSources []feeds.SourceError `json:"failed_sources,omitempty"`
}

// topicFeatures requires unlimited topics for anything outside the built-in set.
// Undecodable or empty input needs nothing extra; the handler rejects it.
func (c *contentHandlers) topicFeatures(input json.RawMessage) []tier.Feature {
	var in getTopicInput
	if err := decodeInput(input, &in); err != nil {
		return nil
	}
	topic := strings.ToLower(strings.TrimSpace(in.Topic))
	if topic == "" {
		return nil
	}
	if _, ok := c.deps.topics(topic); ok {
		return nil
	}
	return []tier.Feature{tier.FeatureUnlimitedTopics}
}

func (c *contentHandlers) GetTopic(ctx context.Context, caller *auth.Caller, input json.RawMessage) (json.RawMessage, error) {
	var in getTopicInput
	if err := decodeInput(input, &in); err != nil {
		return nil, err
	}
	topic := strings.ToLower(strings.TrimSpace(in.Topic))
	if err := required("topic", topic); err != nil {
		return nil, err
	}

	articles, failed, err := c.deps.topicArticles(ctx, topic)
	if err != nil {
		return nil, err
	}

	res := topicResult{Topic: topic, Total: len(articles), FailedSources: failed}
	res.Articles = capArticles(articles, MaxTopicArticles)
	return json.Marshal(res)
}

// topicArticles fetches a built-in topic's feeds, or searches NewsAPI for any
// other topic. Callers have already checked the tier allows unlimited topics.
func (d *Deps) topicArticles(ctx context.Context, topic string) ([]feeds.Article, []feeds.SourceError, error) {
	if sources, ok := d.topics(topic); ok {
		articles, failed := d.Fetcher.FetchSources(ctx, sources)
		return articles, failed, nil
	}

	res, err := d.News.Search(ctx, newsapi.Query{Q: topic})
	if errors.Is(err, newsapi.ErrNotConfigured) {
		return nil, nil, fmt.Errorf("unknown topic: %s. Available: %s", topic, strings.Join(feeds.Topics(), ", "))
	}
	if err != nil {
		return nil, nil, err
	}
	return res.Articles, nil, nil
}

type searchNewsInput struct {
	Query    string `json:"query"`
	Language string `json:"language"`
	SortBy   string `json:"sort_by"`
}

func (c *contentHandlers) SearchNews(ctx context.Context, caller *auth.Caller, input json.RawMessage) (json.RawMessage, error) {
	var in searchNewsInput
	if err := decodeInput(input, &in); err != nil {
		return nil, err
	}
	if err := required("query", strings.TrimSpace(in.Query)); err != nil {
		return nil, err
	}

	res, err := c.deps.News.Search(ctx, newsapi.Query{Q: in.Query, Language: in.Language, SortBy: in.SortBy})
	if err != nil {
		return nil, err
	}
	return json.Marshal(res)
}

func capArticles(articles []feeds.Article, n int) []feeds.Article {
	if articles == nil {
		return []feeds.Article{}
	}
	if len(articles) > n {
		return articles[:n]
	}
	return articles
}
