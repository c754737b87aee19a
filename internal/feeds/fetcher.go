// ABOUTME: RSS/Atom fetching with gofeed, cached per URL
// ABOUTME: FetchSources fans out concurrently and merges articles newest first

package feeds

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/mmcdole/gofeed"
	"golang.org/x/sync/errgroup"
)

// MaxArticlesPerFeed caps how many entries are kept from a single feed.
const MaxArticlesPerFeed = 20

// ErrFetchFailed wraps any failure to retrieve or parse a feed.
var ErrFetchFailed = errors.New("feed fetch failed")

// Article is one normalized feed entry.
type Article struct {
	Title       string     `json:"title"`
	Link        string     `json:"link"`
	Description string     `json:"description"`
	Published   *time.Time `json:"published,omitempty"`
	Author      string     `json:"author,omitempty"`
	Source      string     `json:"source,omitempty"`
	Image       string     `json:"image,omitempty"`
}

// Feed is a parsed feed with at most MaxArticlesPerFeed articles.
type Feed struct {
	Title       string    `json:"feed_title"`
	Description string    `json:"feed_description"`
	Link        string    `json:"feed_link,omitempty"`
	Articles    []Article `json:"articles"`
}

// Config configures a Fetcher.
type Config struct {
	Timeout     time.Duration // per-feed HTTP timeout, default 10s
	CacheTTL    time.Duration // default 15m; negative disables caching
	CacheSize   int           // default 256
	Concurrency int           // fan-out limit, default 6
	UserAgent   string
	HTTPClient  *http.Client
	Logger      *slog.Logger
}

// Fetcher retrieves and parses feeds.
type Fetcher struct {
	parser      *gofeed.Parser
	timeout     time.Duration
	cache       *Cache[*Feed]
	concurrency int
	logger      *slog.Logger
}

// NewFetcher creates a Fetcher.
func NewFetcher(cfg Config) *Fetcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.CacheTTL == 0 {
		cfg.CacheTTL = 15 * time.Minute
	}
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = 256
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 6
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = "BuzzPoster/1.0 (+https://buzzposter.app)"
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	parser := gofeed.NewParser()
	parser.UserAgent = cfg.UserAgent
	if cfg.HTTPClient != nil {
		parser.Client = cfg.HTTPClient
	}

	f := &Fetcher{
		parser:      parser,
		timeout:     cfg.Timeout,
		concurrency: cfg.Concurrency,
		logger:      cfg.Logger.With("component", "feeds"),
	}
	if cfg.CacheTTL > 0 {
		f.cache = NewCache[*Feed](cfg.CacheTTL, cfg.CacheSize)
	}
	return f
}

// Close releases the cache's background sweeper.
func (f *Fetcher) Close() {
	if f.cache != nil {
		f.cache.Close()
	}
}

// Fetch returns the parsed feed at url. Results are cached by URL.
func (f *Fetcher) Fetch(ctx context.Context, url string) (*Feed, error) {
	url = strings.TrimSpace(url)
	if !strings.HasPrefix(url, "http://") && !strings.HasPrefix(url, "https://") {
		return nil, fmt.Errorf("%w: url must be http or https", ErrFetchFailed)
	}

	if f.cache != nil {
		if feed, ok := f.cache.Get(url); ok {
			return feed, nil
		}
	}

	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	start := time.Now()
	parsed, err := f.parser.ParseURLWithContext(url, ctx)
	if err != nil {
		f.logger.Debug("feed fetch failed", "url", url, "error", err)
		var httpErr gofeed.HTTPError
		if errors.As(err, &httpErr) {
			return nil, fmt.Errorf("%w: %s returned %d", ErrFetchFailed, url, httpErr.StatusCode)
		}
		return nil, fmt.Errorf("%w: %w", ErrFetchFailed, err)
	}

	feed := convertFeed(parsed)
	f.logger.Debug("feed fetched", "url", url, "articles", len(feed.Articles), "duration", time.Since(start))

	if f.cache != nil {
		f.cache.Set(url, feed)
	}
	return feed, nil
}

// SourceError records a source that could not be fetched during a fan-out.
type SourceError struct {
	Source Source `json:"source"`
	Error  string `json:"error"`
}

// FetchSources fetches all sources concurrently, tags each article with its
// source name, and merges them newest first. Sources that fail are reported
// in the second return value and do not fail the whole call.
func (f *Fetcher) FetchSources(ctx context.Context, sources []Source) ([]Article, []SourceError) {
	results := make([][]Article, len(sources))
	failures := make([]*SourceError, len(sources))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(f.concurrency)
	for i, src := range sources {
		g.Go(func() error {
			feed, err := f.Fetch(gctx, src.URL)
			if err != nil {
				failures[i] = &SourceError{Source: src, Error: err.Error()}
				return nil
			}
			articles := make([]Article, len(feed.Articles))
			for j, a := range feed.Articles {
				if src.Name != "" {
					a.Source = src.Name
				}
				articles[j] = a
			}
			results[i] = articles
			return nil
		})
	}
	_ = g.Wait()

	var merged []Article
	for _, r := range results {
		merged = append(merged, r...)
	}
	SortNewestFirst(merged)

	var errs []SourceError
	for _, fe := range failures {
		if fe != nil {
			errs = append(errs, *fe)
		}
	}
	if len(errs) > 0 {
		f.logger.Info("some feeds failed", "failed", len(errs), "total", len(sources))
	}
	return merged, errs
}

// SortNewestFirst orders articles by publication time, undated ones last.
func SortNewestFirst(articles []Article) {
	sort.SliceStable(articles, func(i, j int) bool {
		a, b := articles[i].Published, articles[j].Published
		switch {
		case a == nil:
			return false
		case b == nil:
			return true
		default:
			return a.After(*b)
		}
	})
}

func convertFeed(parsed *gofeed.Feed) *Feed {
	feed := &Feed{
		Title:       parsed.Title,
		Description: parsed.Description,
		Link:        parsed.Link,
	}

	items := parsed.Items
	if len(items) > MaxArticlesPerFeed {
		items = items[:MaxArticlesPerFeed]
	}
	feed.Articles = make([]Article, 0, len(items))
	for _, item := range items {
		a := Article{
			Title:       item.Title,
			Link:        item.Link,
			Description: item.Description,
		}
		if a.Description == "" {
			a.Description = item.Content
		}
		switch {
		case item.PublishedParsed != nil:
			t := item.PublishedParsed.UTC()
			a.Published = &t
		case item.UpdatedParsed != nil:
			t := item.UpdatedParsed.UTC()
			a.Published = &t
		}
		if item.Author != nil {
			a.Author = item.Author.Name
		} else if len(item.Authors) > 0 && item.Authors[0] != nil {
			a.Author = item.Authors[0].Name
		}
		if item.Image != nil {
			a.Image = item.Image.URL
		}
		feed.Articles = append(feed.Articles, a)
	}
	return feed
}
