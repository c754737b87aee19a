// ABOUTME: Media upload service enforcing tier storage limits and the MIME allowlist
// ABOUTME: Writes the object first, then the metadata row, and removes the object if the row fails

package media

import (
	"context"
	"crypto/md5"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"mime"
	"net/http"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/buzzposter/buzzposter-gateway/internal/auth"
	"github.com/buzzposter/buzzposter-gateway/internal/store"
	"github.com/buzzposter/buzzposter-gateway/internal/tier"
)

var (
	ErrFileTooLarge    = errors.New("file too large")
	ErrStorageLimit    = errors.New("storage limit reached")
	ErrUnsupportedType = errors.New("file type not supported")
	ErrInvalidData     = errors.New("invalid base64 data")
	ErrNotFound        = errors.New("media file not found or access denied")
	ErrUploadFailed    = errors.New("upload failed")
)

var allowedTypes = map[string]bool{
	"image/jpeg":    true,
	"image/jpg":     true,
	"image/png":     true,
	"image/gif":     true,
	"image/webp":    true,
	"image/svg+xml": true,
	"video/mp4":     true,
	"video/webm":    true,
}

// AllowedTypes lists the accepted MIME types, sorted.
func AllowedTypes() []string {
	out := make([]string, 0, len(allowedTypes))
	for t := range allowedTypes {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// Config holds the collaborators of an Uploader.
type Config struct {
	Objects ObjectStore
	Store   store.MediaStore
	Policy  *tier.Policy
	Now     func() time.Time
	Logger  *slog.Logger
}

// Uploader manages a user's media.
type Uploader struct {
	objects ObjectStore
	store   store.MediaStore
	policy  *tier.Policy
	now     func() time.Time
	logger  *slog.Logger
}

// NewUploader creates an Uploader.
func NewUploader(cfg Config) (*Uploader, error) {
	if cfg.Objects == nil || cfg.Store == nil || cfg.Policy == nil {
		return nil, errors.New("media: objects, store and policy are required")
	}
	u := &Uploader{
		objects: cfg.Objects,
		store:   cfg.Store,
		policy:  cfg.Policy,
		now:     cfg.Now,
		logger:  cfg.Logger,
	}
	if u.now == nil {
		u.now = time.Now
	}
	if u.logger == nil {
		u.logger = slog.Default()
	}
	u.logger = u.logger.With("component", "media")
	return u, nil
}

// DecodeBase64 accepts standard or URL-safe base64, with or without a data: URL prefix.
func DecodeBase64(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "data:") {
		if i := strings.Index(s, ","); i >= 0 {
			s = s[i+1:]
		}
	}
	for _, enc := range []*base64.Encoding{base64.StdEncoding, base64.RawStdEncoding, base64.URLEncoding, base64.RawURLEncoding} {
		if b, err := enc.DecodeString(s); err == nil {
			return b, nil
		}
	}
	return nil, ErrInvalidData
}

// DetectContentType returns the explicit type if given, otherwise the type
// implied by the filename's extension.
func DetectContentType(filename, explicit string) string {
	ct := explicit
	if ct == "" {
		ct = mime.TypeByExtension(strings.ToLower(filepath.Ext(filename)))
	}
	if ct == "" {
		return "application/octet-stream"
	}
	if mt, _, err := mime.ParseMediaType(ct); err == nil {
		return mt
	}
	return ct
}

// ObjectKey builds the storage key for an upload.
func ObjectKey(userID int64, at time.Time, data []byte, filename string) string {
	sum := md5.Sum(data)
	return fmt.Sprintf("%d/%s_%s_%s", userID, at.UTC().Format("20060102_150405"), hex.EncodeToString(sum[:])[:8], filename)
}

func cleanFilename(name string) string {
	name = path.Base(strings.ReplaceAll(strings.TrimSpace(name), "\\", "/"))
	if name == "." || name == "/" || name == "" {
		return "upload"
	}
	return name
}

func mb(n int64) float64 {
	return float64(n) / float64(tier.MiB)
}

// Upload stores data for caller and records it.
func (u *Uploader) Upload(ctx context.Context, caller *auth.Caller, filename string, data []byte, contentType string) (*store.Media, error) {
	entry, err := u.policy.Lookup(caller.Tier)
	if err != nil {
		return nil, err
	}
	size := int64(len(data))
	filename = cleanFilename(filename)

	if size > entry.MaxFileBytes {
		return nil, fmt.Errorf("%w for %s tier. Max: %.1fMB", ErrFileTooLarge, caller.Tier, mb(entry.MaxFileBytes))
	}

	usage, err := u.store.StorageUsage(ctx, caller.UserID)
	if err != nil {
		return nil, fmt.Errorf("reading storage usage: %w", err)
	}
	if usage.TotalBytes+size > entry.StorageBytes {
		return nil, fmt.Errorf("%w. Used: %.1fMB, Limit: %.1fMB. Delete files or upgrade tier",
			ErrStorageLimit, mb(usage.TotalBytes), mb(entry.StorageBytes))
	}

	ct := DetectContentType(filename, contentType)
	if ct == "application/octet-stream" {
		ct = DetectContentType("", http.DetectContentType(data))
	}
	if !allowedTypes[ct] {
		return nil, fmt.Errorf("%w: %s. Allowed types: %s", ErrUnsupportedType, ct, strings.Join(AllowedTypes(), ", "))
	}

	key := ObjectKey(caller.UserID, u.now(), data, filename)
	// the S3 client retries transient failures itself
	if err := u.objects.Put(ctx, key, data, ct); err != nil {
		u.logger.Warn("media put failed", "key", key, "error", err)
		return nil, fmt.Errorf("%w: %w", ErrUploadFailed, err)
	}

	m := &store.Media{
		UserID:      caller.UserID,
		Filename:    filename,
		ObjectKey:   key,
		URL:         u.objects.PublicURL(key),
		ContentType: ct,
		SizeBytes:   size,
	}
	if err := u.store.CreateMedia(ctx, m); err != nil {
		if delErr := u.objects.Delete(context.WithoutCancel(ctx), key); delErr != nil {
			u.logger.Error("orphaned media object", "key", key, "error", delErr)
		}
		return nil, fmt.Errorf("%w: saving metadata: %w", ErrUploadFailed, err)
	}

	u.logger.Info("media uploaded", "user_id", caller.UserID, "key", key, "size_bytes", size)
	return m, nil
}

// Delete removes one of caller's files. A failed object delete is logged and
// the metadata row is removed anyway.
func (u *Uploader) Delete(ctx context.Context, caller *auth.Caller, mediaID int64) (*store.Media, error) {
	m, err := u.store.GetMedia(ctx, caller.UserID, mediaID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	if err := u.objects.Delete(ctx, m.ObjectKey); err != nil {
		u.logger.Warn("media object delete failed", "key", m.ObjectKey, "error", err)
	}
	if err := u.store.DeleteMedia(ctx, caller.UserID, mediaID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return m, nil
}

// List returns caller's files, newest first.
func (u *Uploader) List(ctx context.Context, caller *auth.Caller, limit int) ([]*store.Media, error) {
	return u.store.ListMedia(ctx, caller.UserID, limit)
}

// UsageReport summarizes a caller's storage against their tier.
type UsageReport struct {
	Tier            tier.Name `json:"tier"`
	TotalFiles      int       `json:"total_files"`
	UsedBytes       int64     `json:"used_bytes"`
	UsedMB          float64   `json:"used_mb"`
	LimitBytes      int64     `json:"limit_bytes"`
	LimitMB         float64   `json:"limit_mb"`
	MaxFileBytes    int64     `json:"max_file_bytes"`
	MaxFileMB       float64   `json:"max_file_mb"`
	UsagePercentage float64   `json:"usage_percentage"`
}

// Usage reports caller's storage consumption.
func (u *Uploader) Usage(ctx context.Context, caller *auth.Caller) (*UsageReport, error) {
	entry, err := u.policy.Lookup(caller.Tier)
	if err != nil {
		return nil, err
	}
	usage, err := u.store.StorageUsage(ctx, caller.UserID)
	if err != nil {
		return nil, err
	}

	r := &UsageReport{
		Tier:         caller.Tier,
		TotalFiles:   usage.FileCount,
		UsedBytes:    usage.TotalBytes,
		UsedMB:       round2(mb(usage.TotalBytes)),
		LimitBytes:   entry.StorageBytes,
		LimitMB:      round2(mb(entry.StorageBytes)),
		MaxFileBytes: entry.MaxFileBytes,
		MaxFileMB:    round2(mb(entry.MaxFileBytes)),
	}
	if entry.StorageBytes > 0 {
		r.UsagePercentage = round2(float64(usage.TotalBytes) / float64(entry.StorageBytes) * 100)
	}
	return r, nil
}

func round2(f float64) float64 {
	return float64(int64(f*100+0.5)) / 100
}
