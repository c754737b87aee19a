// ABOUTME: Social pack: Late.dev account listing, posting, scheduling and analytics
// ABOUTME: Each call opens a session from the caller's stored tokens; refreshed tokens are persisted

package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/buzzposter/buzzposter-gateway/internal/auth"
	"github.com/buzzposter/buzzposter-gateway/internal/late"
	"github.com/buzzposter/buzzposter-gateway/internal/packs"
	"github.com/buzzposter/buzzposter-gateway/internal/tier"
)

const postProperties = `"platform":{"type":"string","description":"twitter, linkedin, instagram, facebook, threads, ..."},` +
	`"content":{"type":"string"},` +
	`"media_urls":{"type":"array","items":{"type":"string"}},` +
	`"account_id":{"type":"string"}`

// SocialPack creates the Late.dev social pack.
func SocialPack(d *Deps) *packs.BuiltinPack {
	s := &socialHandlers{deps: d}
	return &packs.BuiltinPack{
		ID: "social",
		Tools: []*packs.BuiltinTool{
			{
				Definition: &packs.ToolDefinition{
					Name:            Prefix + "list_social_accounts",
					Description:     "List the social media accounts connected through Late.dev.",
					InputSchema:     schema(``),
					RequiredFeature: tier.FeatureSocialPosting,
				},
				Handler: s.ListAccounts,
			},
			{
				Definition: &packs.ToolDefinition{
					Name:            Prefix + "post",
					Description:     "Publish a post to one platform immediately.",
					InputSchema:     schema(postProperties, "platform", "content"),
					RequiredFeature: tier.FeatureSocialPosting,
				},
				Handler: s.Post,
			},
			{
				Definition: &packs.ToolDefinition{
					Name:        Prefix + "cross_post",
					Description: "Publish the same content to several platforms.",
					InputSchema: schema(`"platforms":{"type":"array","items":{"type":"string"}},"content":{"type":"string"},`+
						`"media_urls":{"type":"array","items":{"type":"string"}},`+
						`"customize_per_platform":{"type":"object","additionalProperties":{"type":"string"}}`, "platforms", "content"),
					RequiredFeature: tier.FeatureSocialPosting,
				},
				Handler: s.CrossPost,
			},
			{
				Definition: &packs.ToolDefinition{
					Name:            Prefix + "schedule_post",
					Description:     "Schedule a post for later. scheduled_at is an RFC 3339 timestamp.",
					InputSchema:     schema(postProperties+`,"scheduled_at":{"type":"string","format":"date-time"}`, "platform", "content", "scheduled_at"),
					RequiredFeature: tier.FeatureSocialPosting,
				},
				Handler: s.SchedulePost,
			},
			{
				Definition: &packs.ToolDefinition{
					Name:            Prefix + "list_posts",
					Description:     "List your posts, optionally filtered by status or platform.",
					InputSchema:     schema(`"status":{"type":"string","enum":["draft","scheduled","published","failed"]},"platform":{"type":"string"},"limit":{"type":"integer","default":20}`),
					RequiredFeature: tier.FeatureSocialPosting,
				},
				Handler: s.ListPosts,
			},
			{
				Definition: &packs.ToolDefinition{
					Name:            Prefix + "post_analytics",
					Description:     "Get engagement analytics for a post.",
					InputSchema:     schema(`"post_id":{"type":"string"}`, "post_id"),
					RequiredFeature: tier.FeatureSocialPosting,
				},
				Handler: s.PostAnalytics,
			},
		},
	}
}

type socialHandlers struct {
	deps *Deps
}

func (d *Deps) lateSession(caller *auth.Caller) (*late.Session, error) {
	if d.Late == nil {
		return nil, late.ErrNotConfigured
	}
	return d.Late.Session(caller.UserID, caller.LateAccessToken, caller.LateRefreshToken, d.Store)
}

func (s *socialHandlers) ListAccounts(ctx context.Context, caller *auth.Caller, input json.RawMessage) (json.RawMessage, error) {
	sess, err := s.deps.lateSession(caller)
	if err != nil {
		return nil, err
	}
	return sess.Accounts(ctx)
}

type postInput struct {
	Platform    string   `json:"platform"`
	Content     string   `json:"content"`
	MediaURLs   []string `json:"media_urls"`
	AccountID   string   `json:"account_id"`
	ScheduledAt string   `json:"scheduled_at"`
}

func (in postInput) validate() error {
	if err := required("platform", strings.TrimSpace(in.Platform)); err != nil {
		return err
	}
	return required("content", strings.TrimSpace(in.Content))
}

func (in postInput) post() late.Post {
	return late.Post{
		Platform:    strings.ToLower(strings.TrimSpace(in.Platform)),
		Content:     in.Content,
		MediaURLs:   in.MediaURLs,
		AccountID:   in.AccountID,
		ScheduledAt: in.ScheduledAt,
	}
}

func (s *socialHandlers) Post(ctx context.Context, caller *auth.Caller, input json.RawMessage) (json.RawMessage, error) {
	var in postInput
	if err := decodeInput(input, &in); err != nil {
		return nil, err
	}
	if err := in.validate(); err != nil {
		return nil, err
	}

	sess, err := s.deps.lateSession(caller)
	if err != nil {
		return nil, err
	}
	return sess.CreatePost(ctx, in.post())
}

type crossPostInput struct {
	Platforms            []string          `json:"platforms"`
	Content              string            `json:"content"`
	MediaURLs            []string          `json:"media_urls"`
	CustomizePerPlatform map[string]string `json:"customize_per_platform"`
}

func (s *socialHandlers) CrossPost(ctx context.Context, caller *auth.Caller, input json.RawMessage) (json.RawMessage, error) {
	var in crossPostInput
	if err := decodeInput(input, &in); err != nil {
		return nil, err
	}
	if len(in.Platforms) == 0 {
		return nil, fmt.Errorf("%w: platforms is required", ErrInvalidInput)
	}
	if err := required("content", strings.TrimSpace(in.Content)); err != nil {
		return nil, err
	}

	sess, err := s.deps.lateSession(caller)
	if err != nil {
		return nil, err
	}
	return sess.CrossPost(ctx, late.CrossPost{
		Platforms:            in.Platforms,
		Content:              in.Content,
		MediaURLs:            in.MediaURLs,
		CustomizePerPlatform: in.CustomizePerPlatform,
	})
}

func (s *socialHandlers) SchedulePost(ctx context.Context, caller *auth.Caller, input json.RawMessage) (json.RawMessage, error) {
	var in postInput
	if err := decodeInput(input, &in); err != nil {
		return nil, err
	}
	if err := in.validate(); err != nil {
		return nil, err
	}
	at, err := time.Parse(time.RFC3339, strings.TrimSpace(in.ScheduledAt))
	if err != nil {
		return nil, fmt.Errorf("%w: scheduled_at must be an RFC 3339 timestamp", ErrInvalidInput)
	}

	sess, err := s.deps.lateSession(caller)
	if err != nil {
		return nil, err
	}
	p := in.post()
	p.ScheduledAt = at.UTC().Format(time.RFC3339)
	return sess.SchedulePost(ctx, p)
}

type listPostsInput struct {
	Status   string `json:"status"`
	Platform string `json:"platform"`
	Limit    int    `json:"limit"`
}

func (s *socialHandlers) ListPosts(ctx context.Context, caller *auth.Caller, input json.RawMessage) (json.RawMessage, error) {
	var in listPostsInput
	if err := decodeInput(input, &in); err != nil {
		return nil, err
	}

	sess, err := s.deps.lateSession(caller)
	if err != nil {
		return nil, err
	}
	return sess.ListPosts(ctx, late.PostFilter{Status: in.Status, Platform: in.Platform, Limit: in.Limit})
}

type postAnalyticsInput struct {
	PostID string `json:"post_id"`
}

func (s *socialHandlers) PostAnalytics(ctx context.Context, caller *auth.Caller, input json.RawMessage) (json.RawMessage, error) {
	var in postAnalyticsInput
	if err := decodeInput(input, &in); err != nil {
		return nil, err
	}
	if err := required("post_id", strings.TrimSpace(in.PostID)); err != nil {
		return nil, err
	}

	sess, err := s.deps.lateSession(caller)
	if err != nil {
		return nil, err
	}
	return sess.PostAnalytics(ctx, in.PostID)
}
