// ABOUTME: Late.dev OAuth client: authorize URL, code exchange and token refresh
// ABOUTME: Token endpoint calls are JSON bodies, as Late expects

package late

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Defaults for the public Late.dev deployment.
const (
	DefaultAPIBase      = "https://getlate.dev/api/v1"
	DefaultAuthorizeURL = "https://app.getlate.dev/oauth/authorize"
	DefaultTokenURL     = "https://getlate.dev/api/v1/oauth/token"
)

var (
	// ErrNotConfigured means no OAuth client credentials were provided.
	ErrNotConfigured = errors.New("late.dev integration not configured")
	// ErrNotConnected means the user never linked a Late account.
	ErrNotConnected = errors.New("late.dev account not connected. Please connect via /auth/late/connect")
	// ErrReconnect means the stored tokens no longer work.
	ErrReconnect = errors.New("late.dev token expired. Please reconnect via /auth/late/connect")
)

// Tokens is an OAuth token pair.
type Tokens struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int    `json:"expires_in,omitempty"`
}

// APIError is a non-2xx reply from Late.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("late.dev API error: %d - %s", e.StatusCode, e.Body)
}

// Config configures a Client.
type Config struct {
	ClientID     string
	ClientSecret string
	// RedirectURL is the absolute /auth/late/callback URL of this gateway.
	RedirectURL  string
	APIBase      string
	AuthorizeURL string
	TokenURL     string
	HTTPClient   *http.Client
	Logger       *slog.Logger
}

// Client is a Late.dev OAuth and API client shared by all users.
type Client struct {
	clientID     string
	clientSecret string
	redirectURL  string
	apiBase      string
	authorizeURL string
	tokenURL     string
	http         *http.Client
	logger       *slog.Logger
}

// NewClient creates a Client, filling in the public Late endpoints.
func NewClient(cfg Config) *Client {
	c := &Client{
		clientID:     cfg.ClientID,
		clientSecret: cfg.ClientSecret,
		redirectURL:  cfg.RedirectURL,
		apiBase:      strings.TrimRight(orDefault(cfg.APIBase, DefaultAPIBase), "/"),
		authorizeURL: orDefault(cfg.AuthorizeURL, DefaultAuthorizeURL),
		tokenURL:     orDefault(cfg.TokenURL, DefaultTokenURL),
		http:         cfg.HTTPClient,
		logger:       cfg.Logger,
	}
	if c.http == nil {
		c.http = &http.Client{Timeout: 30 * time.Second}
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	c.logger = c.logger.With("component", "late")
	return c
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

// Configured reports whether OAuth client credentials are present.
func (c *Client) Configured() bool {
	return c.clientID != "" && c.clientSecret != ""
}

// AuthorizeURL returns the Late consent URL carrying state.
func (c *Client) AuthorizeURL(state string) (string, error) {
	if !c.Configured() {
		return "", ErrNotConfigured
	}
	params := url.Values{}
	params.Set("client_id", c.clientID)
	params.Set("redirect_uri", c.redirectURL)
	params.Set("response_type", "code")
	params.Set("state", state)
	params.Set("scope", "read write")

	sep := "?"
	if strings.Contains(c.authorizeURL, "?") {
		sep = "&"
	}
	return c.authorizeURL + sep + params.Encode(), nil
}

// ExchangeCode trades an authorization code for tokens.
func (c *Client) ExchangeCode(ctx context.Context, code string) (*Tokens, error) {
	if !c.Configured() {
		return nil, ErrNotConfigured
	}
	return c.tokenRequest(ctx, map[string]string{
		"client_id":     c.clientID,
		"client_secret": c.clientSecret,
		"code":          code,
		"grant_type":    "authorization_code",
		"redirect_uri":  c.redirectURL,
	})
}

// Refresh trades a refresh token for a new token pair. A reply without a new
// refresh token keeps the old one.
func (c *Client) Refresh(ctx context.Context, refreshToken string) (*Tokens, error) {
	if !c.Configured() {
		return nil, ErrNotConfigured
	}
	tokens, err := c.tokenRequest(ctx, map[string]string{
		"client_id":     c.clientID,
		"client_secret": c.clientSecret,
		"refresh_token": refreshToken,
		"grant_type":    "refresh_token",
	})
	if err != nil {
		return nil, err
	}
	if tokens.RefreshToken == "" {
		tokens.RefreshToken = refreshToken
	}
	return tokens, nil
}

func (c *Client) tokenRequest(ctx context.Context, body map[string]string) (*Tokens, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("encoding token request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.tokenURL, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("building token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("token request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode >= 300 {
		c.logger.Warn("token endpoint error", "grant_type", body["grant_type"], "status", resp.StatusCode)
		return nil, &APIError{StatusCode: resp.StatusCode, Body: string(raw)}
	}

	var tokens Tokens
	if err := json.Unmarshal(raw, &tokens); err != nil {
		return nil, fmt.Errorf("decoding token response: %w", err)
	}
	if tokens.AccessToken == "" {
		return nil, errors.New("token response missing access_token")
	}
	return &tokens, nil
}
