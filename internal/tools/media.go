// ABOUTME: Media pack: upload, list and delete files in the media bucket, and post with media
// ABOUTME: Size and storage limits come from the caller's tier; see internal/media

package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/buzzposter/buzzposter-gateway/internal/auth"
	"github.com/buzzposter/buzzposter-gateway/internal/media"
	"github.com/buzzposter/buzzposter-gateway/internal/packs"
	"github.com/buzzposter/buzzposter-gateway/internal/store"
	"github.com/buzzposter/buzzposter-gateway/internal/tier"
)

// MediaPack creates the media pack.
func MediaPack(d *Deps) *packs.BuiltinPack {
	m := &mediaHandlers{deps: d}
	return &packs.BuiltinPack{
		ID: "media",
		Tools: []*packs.BuiltinTool{
			{
				Definition: &packs.ToolDefinition{
					Name:            Prefix + "upload_media",
					Description:     "Upload an image or video (base64) and get a public URL. Allowed types: " + strings.Join(media.AllowedTypes(), ", ") + ".",
					InputSchema:     schema(`"file_data":{"type":"string","description":"base64 file contents"},"filename":{"type":"string"},"content_type":{"type":"string"}`, "file_data", "filename"),
					RequiredFeature: tier.FeatureMediaUpload,
				},
				Handler: m.Upload,
			},
			{
				Definition: &packs.ToolDefinition{
					Name:            Prefix + "list_media",
					Description:     "List your uploaded media files.",
					InputSchema:     schema(`"limit":{"type":"integer","default":50}`),
					RequiredFeature: tier.FeatureMediaUpload,
				},
				Handler: m.List,
			},
			{
				Definition: &packs.ToolDefinition{
					Name:            Prefix + "delete_media",
					Description:     "Delete one of your media files.",
					InputSchema:     schema(`"media_id":{"type":"integer"}`, "media_id"),
					RequiredFeature: tier.FeatureMediaUpload,
				},
				Handler: m.Delete,
			},
			{
				Definition: &packs.ToolDefinition{
					Name:            Prefix + "storage_usage",
					Description:     "Show media storage used against your tier's limit.",
					InputSchema:     schema(``),
					RequiredFeature: tier.FeatureMediaUpload,
				},
				Handler: m.Usage,
			},
			{
				Definition: &packs.ToolDefinition{
					Name:        Prefix + "post_with_media",
					Description: "Upload a file and publish a post that uses it, in one step.",
					InputSchema: schema(`"platform":{"type":"string"},"content":{"type":"string"},`+
						`"media_data":{"type":"string","description":"base64 file contents"},"media_filename":{"type":"string"},`+
						`"account_id":{"type":"string"}`, "platform", "content"),
					RequiredFeature:  tier.FeatureSocialPosting,
					ArgumentFeatures: postWithMediaFeatures,
				},
				Handler: m.PostWithMedia,
			},
		},
	}
}

type mediaHandlers struct {
	deps *Deps
}

type mediaView struct {
	ID          int64     `json:"id"`
	Filename    string    `json:"filename"`
	URL         string    `json:"url"`
	ContentType string    `json:"content_type"`
	SizeBytes   int64     `json:"size_bytes"`
	CreatedAt   time.Time `json:"created_at"`
}

func viewMedia(m *store.Media) mediaView {
	return mediaView{
		ID:          m.ID,
		Filename:    m.Filename,
		URL:         m.URL,
		ContentType: m.ContentType,
		SizeBytes:   m.SizeBytes,
		CreatedAt:   m.CreatedAt,
	}
}

func (m *mediaHandlers) uploader() (*media.Uploader, error) {
	if m.deps.Media == nil {
		return nil, ErrMediaNotConfigured
	}
	return m.deps.Media, nil
}

type uploadInput struct {
	FileData    string `json:"file_data"`
	Filename    string `json:"filename"`
	ContentType string `json:"content_type"`
}

func (m *mediaHandlers) upload(ctx context.Context, caller *auth.Caller, data, filename, contentType string) (*store.Media, error) {
	up, err := m.uploader()
	if err != nil {
		return nil, err
	}
	raw, err := media.DecodeBase64(data)
	if err != nil {
		return nil, err
	}
	return up.Upload(ctx, caller, filename, raw, contentType)
}

func (m *mediaHandlers) Upload(ctx context.Context, caller *auth.Caller, input json.RawMessage) (json.RawMessage, error) {
	var in uploadInput
	if err := decodeInput(input, &in); err != nil {
		return nil, err
	}
	if err := required("file_data", in.FileData); err != nil {
		return nil, err
	}
	if err := required("filename", strings.TrimSpace(in.Filename)); err != nil {
		return nil, err
	}

	rec, err := m.upload(ctx, caller, in.FileData, in.Filename, in.ContentType)
	if err != nil {
		return nil, err
	}
	return json.Marshal(map[string]any{
		"success":      true,
		"media_id":     rec.ID,
		"url":          rec.URL,
		"filename":     rec.Filename,
		"size_bytes":   rec.SizeBytes,
		"content_type": rec.ContentType,
	})
}

type listMediaInput struct {
	Limit int `json:"limit"`
}

func (m *mediaHandlers) List(ctx context.Context, caller *auth.Caller, input json.RawMessage) (json.RawMessage, error) {
	var in listMediaInput
	if err := decodeInput(input, &in); err != nil {
		return nil, err
	}
	up, err := m.uploader()
	if err != nil {
		return nil, err
	}

	list, err := up.List(ctx, caller, in.Limit)
	if err != nil {
		return nil, err
	}
	usage, err := up.Usage(ctx, caller)
	if err != nil {
		return nil, err
	}

	views := make([]mediaView, len(list))
	for i, rec := range list {
		views[i] = viewMedia(rec)
	}
	return json.Marshal(map[string]any{
		"media_files":       views,
		"total_files":       usage.TotalFiles,
		"total_usage_bytes": usage.UsedBytes,
		"tier_limit_bytes":  usage.LimitBytes,
		"usage_percentage":  usage.UsagePercentage,
	})
}

type deleteMediaInput struct {
	MediaID int64 `json:"media_id"`
}

func (m *mediaHandlers) Delete(ctx context.Context, caller *auth.Caller, input json.RawMessage) (json.RawMessage, error) {
	var in deleteMediaInput
	if err := decodeInput(input, &in); err != nil {
		return nil, err
	}
	if in.MediaID <= 0 {
		return nil, fmt.Errorf("%w: media_id is required", ErrInvalidInput)
	}
	up, err := m.uploader()
	if err != nil {
		return nil, err
	}

	rec, err := up.Delete(ctx, caller, in.MediaID)
	if err != nil {
		return nil, err
	}
	return json.Marshal(map[string]any{
		"success":  true,
		"message":  "Deleted " + rec.Filename,
		"media_id": rec.ID,
	})
}

func (m *mediaHandlers) Usage(ctx context.Context, caller *auth.Caller, input json.RawMessage) (json.RawMessage, error) {
	up, err := m.uploader()
	if err != nil {
		return nil, err
	}
	report, err := up.Usage(ctx, caller)
	if err != nil {
		return nil, err
	}
	return json.Marshal(report)
}

type postWithMediaInput struct {
	Platform      string `json:"platform"`
	Content       string `json:"content"`
	MediaData     string `json:"media_data"`
	MediaFilename string `json:"media_filename"`
	AccountID     string `json:"account_id"`
}

// postWithMediaFeatures adds media_upload when the call carries a file.
func postWithMediaFeatures(input json.RawMessage) []tier.Feature {
	var in postWithMediaInput
	if err := decodeInput(input, &in); err != nil || in.MediaData == "" {
		return nil
	}
	return []tier.Feature{tier.FeatureMediaUpload}
}

// PostWithMedia uploads media_data when given, then posts with its URL.
func (m *mediaHandlers) PostWithMedia(ctx context.Context, caller *auth.Caller, input json.RawMessage) (json.RawMessage, error) {
	var in postWithMediaInput
	if err := decodeInput(input, &in); err != nil {
		return nil, err
	}
	p := postInput{Platform: in.Platform, Content: in.Content, AccountID: in.AccountID}
	if err := p.validate(); err != nil {
		return nil, err
	}

	sess, err := m.deps.lateSession(caller)
	if err != nil {
		return nil, err
	}

	var mediaURL string
	if in.MediaData != "" {
		filename := in.MediaFilename
		if strings.TrimSpace(filename) == "" {
			filename = "upload"
		}
		rec, err := m.upload(ctx, caller, in.MediaData, filename, "")
		if err != nil {
			return nil, fmt.Errorf("media upload failed: %w", err)
		}
		mediaURL = rec.URL
		p.MediaURLs = []string{mediaURL}
	}

	post, err := sess.CreatePost(ctx, p.post())
	if err != nil {
		if mediaURL != "" {
			return nil, fmt.Errorf("media uploaded to %s but post failed: %w", mediaURL, err)
		}
		return nil, err
	}

	out := map[string]any{"success": true, "post": post}
	if mediaURL != "" {
		out["media_url"] = mediaURL
	}
	return json.Marshal(out)
}

