// ABOUTME: Tests for the NewsAPI client against an httptest server
// ABOUTME: Checks request parameters, normalization and error replies

package newsapi

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleReply = `{
  "status": "ok",
  "totalResults": 137,
  "articles": [
    {"source": {"id": null, "name": "Wired"}, "author": "Jane Doe", "title": "Go 2 ships",
     "description": "It finally happened", "url": "https://wired.com/go2",
     "urlToImage": "https://wired.com/go2.png", "publishedAt": "2025-02-03T04:05:06Z"}
  ]
}`

func TestSearch(t *testing.T) {
	var got *http.Request
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(sampleReply))
	}))
	defer srv.Close()

	c := NewClient(Config{APIKey: "k123", BaseURL: srv.URL + "/"})
	res, err := c.Search(context.Background(), Query{Q: " golang "})
	require.NoError(t, err)

	require.NotNil(t, got)
	assert.Equal(t, "/v2/everything", got.URL.Path)
	assert.Equal(t, "golang", got.URL.Query().Get("q"))
	assert.Equal(t, "en", got.URL.Query().Get("language"))
	assert.Equal(t, "publishedAt", got.URL.Query().Get("sortBy"))
	assert.Equal(t, "20", got.URL.Query().Get("pageSize"))
	assert.Equal(t, "k123", got.Header.Get("X-Api-Key"))

	assert.Equal(t, 137, res.TotalResults)
	require.Len(t, res.Articles, 1)
	a := res.Articles[0]
	assert.Equal(t, "Go 2 ships", a.Title)
	assert.Equal(t, "https://wired.com/go2", a.Link)
	assert.Equal(t, "Wired", a.Source)
	assert.Equal(t, "https://wired.com/go2.png", a.Image)
	require.NotNil(t, a.Published)
	assert.Equal(t, 2025, a.Published.Year())
}

func TestSearch_Validation(t *testing.T) {
	_, err := NewClient(Config{}).Search(context.Background(), Query{Q: "x"})
	assert.ErrorIs(t, err, ErrNotConfigured)

	c := NewClient(Config{APIKey: "k"})
	_, err = c.Search(context.Background(), Query{Q: "  "})
	assert.ErrorIs(t, err, ErrBadQuery)

	_, err = c.Search(context.Background(), Query{Q: "x", SortBy: "random"})
	assert.ErrorIs(t, err, ErrBadQuery)
}

func TestSearch_APIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"status":"error","code":"rateLimited","message":"You have made too many requests"}`))
	}))
	defer srv.Close()

	_, err := NewClient(Config{APIKey: "k", BaseURL: srv.URL}).Search(context.Background(), Query{Q: "x"})
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusTooManyRequests, apiErr.StatusCode)
	assert.Equal(t, "rateLimited", apiErr.Code)
	assert.Contains(t, err.Error(), "too many requests")
}
