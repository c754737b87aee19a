// ABOUTME: Minimal NewsAPI client for the /v2/everything search endpoint
// ABOUTME: Normalizes results into feed articles so search and RSS share one shape

package newsapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/buzzposter/buzzposter-gateway/internal/feeds"
)

// DefaultBaseURL is the public NewsAPI host.
const DefaultBaseURL = "https://newsapi.org"

// PageSize is the number of results requested per search.
const PageSize = 20

var (
	// ErrNotConfigured is returned when no API key was provided.
	ErrNotConfigured = errors.New("newsapi key not configured on server")
	// ErrBadQuery is returned for an empty query or unsupported sort order.
	ErrBadQuery = errors.New("invalid search query")
)

var validSorts = map[string]bool{
	"publishedAt": true,
	"relevancy":   true,
	"popularity":  true,
}

// Config configures a Client.
type Config struct {
	APIKey     string
	BaseURL    string
	HTTPClient *http.Client
	Logger     *slog.Logger
}

// Client calls NewsAPI.
type Client struct {
	apiKey  string
	baseURL string
	http    *http.Client
	logger  *slog.Logger
}

// NewClient creates a NewsAPI client. A client without an API key is valid;
// Search then returns ErrNotConfigured.
func NewClient(cfg Config) *Client {
	base := strings.TrimRight(cfg.BaseURL, "/")
	if base == "" {
		base = DefaultBaseURL
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		apiKey:  cfg.APIKey,
		baseURL: base,
		http:    httpClient,
		logger:  logger.With("component", "newsapi"),
	}
}

// Query describes one search.
type Query struct {
	Q        string
	Language string // default "en"
	SortBy   string // publishedAt, relevancy, popularity; default publishedAt
}

// Result is a normalized search response.
type Result struct {
	Query        string          `json:"query"`
	Articles     []feeds.Article `json:"articles"`
	TotalResults int             `json:"total"`
}

type apiResponse struct {
	Status       string       `json:"status"`
	Code         string       `json:"code"`
	Message      string       `json:"message"`
	TotalResults int          `json:"totalResults"`
	Articles     []apiArticle `json:"articles"`
}

type apiArticle struct {
	Source struct {
		Name string `json:"name"`
	} `json:"source"`
	Author      string `json:"author"`
	Title       string `json:"title"`
	Description string `json:"description"`
	URL         string `json:"url"`
	URLToImage  string `json:"urlToImage"`
	PublishedAt string `json:"publishedAt"`
}

// APIError is a non-2xx reply from NewsAPI.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("newsapi %d %s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("newsapi returned %d", e.StatusCode)
}

// Search runs q against /v2/everything.
func (c *Client) Search(ctx context.Context, q Query) (*Result, error) {
	if c.apiKey == "" {
		return nil, ErrNotConfigured
	}
	q.Q = strings.TrimSpace(q.Q)
	if q.Q == "" {
		return nil, fmt.Errorf("%w: query is required", ErrBadQuery)
	}
	if q.Language == "" {
		q.Language = "en"
	}
	if q.SortBy == "" {
		q.SortBy = "publishedAt"
	}
	if !validSorts[q.SortBy] {
		return nil, fmt.Errorf("%w: sort_by must be publishedAt, relevancy or popularity", ErrBadQuery)
	}

	params := url.Values{}
	params.Set("q", q.Q)
	params.Set("language", q.Language)
	params.Set("sortBy", q.SortBy)
	params.Set("pageSize", strconv.Itoa(PageSize))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v2/everything?"+params.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("building newsapi request: %w", err)
	}
	req.Header.Set("X-Api-Key", c.apiKey)
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("newsapi request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, fmt.Errorf("reading newsapi response: %w", err)
	}

	var parsed apiResponse
	if err := json.Unmarshal(body, &parsed); err != nil && resp.StatusCode < 300 {
		return nil, fmt.Errorf("decoding newsapi response: %w", err)
	}
	if resp.StatusCode >= 300 || parsed.Status == "error" {
		c.logger.Warn("newsapi error", "status", resp.StatusCode, "code", parsed.Code)
		return nil, &APIError{StatusCode: resp.StatusCode, Code: parsed.Code, Message: parsed.Message}
	}

	result := &Result{
		Query:        q.Q,
		TotalResults: parsed.TotalResults,
		Articles:     make([]feeds.Article, 0, len(parsed.Articles)),
	}
	for _, a := range parsed.Articles {
		article := feeds.Article{
			Title:       a.Title,
			Link:        a.URL,
			Description: a.Description,
			Author:      a.Author,
			Source:      a.Source.Name,
			Image:       a.URLToImage,
		}
		if t, err := time.Parse(time.RFC3339, a.PublishedAt); err == nil {
			t = t.UTC()
			article.Published = &t
		}
		result.Articles = append(result.Articles, article)
	}
	return result, nil
}

// Configured reports whether the client has an API key.
func (c *Client) Configured() bool {
	return c.apiKey != ""
}
