// ABOUTME: Per-user Late.dev API session with one refresh-and-retry on 401
// ABOUTME: Wraps the posting, scheduling and analytics endpoints used by the social tools

package late

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"sync"
)

// TokenSaver persists a refreshed token pair for a user.
type TokenSaver interface {
	SaveLateTokens(ctx context.Context, userID int64, accessToken, refreshToken string) error
}

// Session is an authenticated API session for one user.
type Session struct {
	client *Client
	saver  TokenSaver
	userID int64

	mu      sync.Mutex
	access  string
	refresh string
}

// Session returns an API session for the user's stored tokens.
func (c *Client) Session(userID int64, accessToken, refreshToken string, saver TokenSaver) (*Session, error) {
	if accessToken == "" {
		return nil, ErrNotConnected
	}
	return &Session{
		client:  c,
		saver:   saver,
		userID:  userID,
		access:  accessToken,
		refresh: refreshToken,
	}, nil
}

func (s *Session) tokens() (string, string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.access, s.refresh
}

// Do sends an authenticated request to endpoint (relative to the API base)
// and returns the raw JSON reply.
func (s *Session) Do(ctx context.Context, method, endpoint string, query url.Values, body any) (json.RawMessage, error) {
	var payload []byte
	if body != nil {
		var err error
		if payload, err = json.Marshal(body); err != nil {
			return nil, fmt.Errorf("encoding request body: %w", err)
		}
	}

	access, refresh := s.tokens()
	out, status, err := s.send(ctx, method, endpoint, query, payload, access)
	if err != nil || status != http.StatusUnauthorized {
		return out, err
	}

	if refresh == "" {
		return nil, ErrReconnect
	}
	tokens, err := s.client.Refresh(ctx, refresh)
	if err != nil {
		s.client.logger.Info("late token refresh failed", "user_id", s.userID, "error", err)
		return nil, ErrReconnect
	}

	s.mu.Lock()
	s.access, s.refresh = tokens.AccessToken, tokens.RefreshToken
	s.mu.Unlock()

	if s.saver != nil {
		if err := s.saver.SaveLateTokens(ctx, s.userID, tokens.AccessToken, tokens.RefreshToken); err != nil {
			s.client.logger.Error("saving refreshed late tokens", "user_id", s.userID, "error", err)
		}
	}

	out, status, err = s.send(ctx, method, endpoint, query, payload, tokens.AccessToken)
	if err == nil && status == http.StatusUnauthorized {
		return nil, ErrReconnect
	}
	return out, err
}

// send performs one request. A 401 is reported through status with a nil error
// so the caller can decide whether to refresh.
func (s *Session) send(ctx context.Context, method, endpoint string, query url.Values, payload []byte, access string) (json.RawMessage, int, error) {
	u := s.client.apiBase + "/" + endpoint
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return nil, 0, fmt.Errorf("building late request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+access)
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := s.client.http.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("late.dev request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, resp.StatusCode, fmt.Errorf("reading late response: %w", err)
	}

	if resp.StatusCode == http.StatusUnauthorized {
		return nil, resp.StatusCode, nil
	}
	if resp.StatusCode >= 300 {
		return nil, resp.StatusCode, &APIError{StatusCode: resp.StatusCode, Body: string(raw)}
	}
	if len(raw) == 0 {
		raw = []byte(`{}`)
	}
	if !json.Valid(raw) {
		return nil, resp.StatusCode, errors.New("late.dev returned a non-JSON response")
	}
	return json.RawMessage(raw), resp.StatusCode, nil
}

// Post is the body of a single-platform post.
type Post struct {
	Platform    string   `json:"platform"`
	Content     string   `json:"content"`
	MediaURLs   []string `json:"media_urls,omitempty"`
	AccountID   string   `json:"account_id,omitempty"`
	ScheduledAt string   `json:"scheduled_at,omitempty"`
}

// CrossPost is the body of a multi-platform post.
type CrossPost struct {
	Platforms            []string          `json:"platforms"`
	Content              string            `json:"content"`
	MediaURLs            []string          `json:"media_urls,omitempty"`
	CustomizePerPlatform map[string]string `json:"customize_per_platform,omitempty"`
}

// PostFilter narrows ListPosts.
type PostFilter struct {
	Status   string
	Platform string
	Limit    int
}

// Accounts lists the social accounts connected in Late.
func (s *Session) Accounts(ctx context.Context) (json.RawMessage, error) {
	return s.Do(ctx, http.MethodGet, "accounts", nil, nil)
}

// CreatePost publishes immediately.
func (s *Session) CreatePost(ctx context.Context, p Post) (json.RawMessage, error) {
	p.ScheduledAt = ""
	return s.Do(ctx, http.MethodPost, "posts", nil, p)
}

// CrossPost publishes the same content to several platforms.
func (s *Session) CrossPost(ctx context.Context, p CrossPost) (json.RawMessage, error) {
	return s.Do(ctx, http.MethodPost, "posts/cross-post", nil, p)
}

// SchedulePost queues a post for p.ScheduledAt.
func (s *Session) SchedulePost(ctx context.Context, p Post) (json.RawMessage, error) {
	return s.Do(ctx, http.MethodPost, "posts/schedule", nil, p)
}

// ListPosts lists posts matching the filter.
func (s *Session) ListPosts(ctx context.Context, f PostFilter) (json.RawMessage, error) {
	q := url.Values{}
	if f.Limit <= 0 {
		f.Limit = 20
	}
	q.Set("limit", strconv.Itoa(f.Limit))
	if f.Status != "" {
		q.Set("status", f.Status)
	}
	if f.Platform != "" {
		q.Set("platform", f.Platform)
	}
	return s.Do(ctx, http.MethodGet, "posts", q, nil)
}

// PostAnalytics returns engagement metrics for a post.
func (s *Session) PostAnalytics(ctx context.Context, postID string) (json.RawMessage, error) {
	return s.Do(ctx, http.MethodGet, "posts/"+url.PathEscape(postID)+"/analytics", nil, nil)
}
