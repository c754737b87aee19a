// ABOUTME: Store interfaces and data types for buzzposter-gateway persistence
// ABOUTME: Defines User, UsageRecord, Feed, Profile, Media and the interfaces that persist them

package store

import (
	"context"
	"errors"
	"time"

	"github.com/buzzposter/buzzposter-gateway/internal/tier"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// ErrDuplicate is returned when a unique column (email, api key hash, feed url) collides
var ErrDuplicate = errors.New("already exists")

// timeLayout is fixed-width so lexicographic order in SQLite matches time order.
const timeLayout = "2006-01-02T15:04:05.000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		// rows written by older builds used RFC3339
		t, err = time.Parse(time.RFC3339, s)
	}
	return t, err
}

// User is a registered account. The raw API key is never stored, only its hash.
type User struct {
	ID               int64
	Email            string
	APIKeyHash       string
	Tier             tier.Name
	LateAccessToken  string
	LateRefreshToken string
	StripeCustomerID string
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// LateConnected reports whether the user has linked a Late account.
func (u *User) LateConnected() bool {
	return u.LateAccessToken != ""
}

// UsageRecord is one append-only entry in the usage ledger.
type UsageRecord struct {
	ID        int64
	UserID    int64
	ToolName  string
	Timestamp time.Time
}

// Feed is a custom RSS feed a user has subscribed to.
type Feed struct {
	ID        int64
	UserID    int64
	URL       string
	Name      string
	Topic     string
	CreatedAt time.Time
}

// Profile holds the personalization settings used by buzzposter_my_feed.
type Profile struct {
	UserID      int64
	Topics      []string
	Location    string
	Description string
	UpdatedAt   time.Time
}

// Media is metadata for an object uploaded to the media bucket.
type Media struct {
	ID          int64
	UserID      int64
	Filename    string
	ObjectKey   string
	URL         string
	ContentType string
	SizeBytes   int64
	CreatedAt   time.Time
}

// StorageUsage summarises a user's media footprint.
type StorageUsage struct {
	FileCount  int
	TotalBytes int64
}

// UserStore persists accounts.
type UserStore interface {
	// CreateUser inserts the user and sets its ID. Returns ErrDuplicate when
	// the email or API key hash is already registered.
	CreateUser(ctx context.Context, user *User) error
	GetUser(ctx context.Context, id int64) (*User, error)
	GetUserByEmail(ctx context.Context, email string) (*User, error)
	GetUserByAPIKeyHash(ctx context.Context, hash string) (*User, error)
	GetUserByStripeCustomer(ctx context.Context, customerID string) (*User, error)
	ListUsers(ctx context.Context) ([]*User, error)
	UpdateUserTier(ctx context.Context, id int64, t tier.Name) error
	RotateAPIKey(ctx context.Context, id int64, hash string) error
	SaveLateTokens(ctx context.Context, id int64, accessToken, refreshToken string) error
	SetStripeCustomerID(ctx context.Context, id int64, customerID string) error
}

// UsageStore is the append-only usage ledger.
type UsageStore interface {
	// AppendUsage records one tool invocation at the given instant.
	AppendUsage(ctx context.Context, userID int64, toolName string, at time.Time) error

	// CountUsageSince counts records for the user with timestamp >= since.
	CountUsageSince(ctx context.Context, userID int64, since time.Time) (int, error)

	// UsageByTool groups records since the instant by tool name.
	UsageByTool(ctx context.Context, userID int64, since time.Time) (map[string]int, error)
}

// FeedStore persists custom feed subscriptions.
type FeedStore interface {
	AddFeed(ctx context.Context, feed *Feed) error
	// RemoveFeed deletes the feed only if it belongs to the user and returns it.
	RemoveFeed(ctx context.Context, userID, feedID int64) (*Feed, error)
	ListFeeds(ctx context.Context, userID int64) ([]*Feed, error)
}

// ProfileStore persists personalization profiles.
type ProfileStore interface {
	GetProfile(ctx context.Context, userID int64) (*Profile, error)
	UpsertProfile(ctx context.Context, profile *Profile) error
}

// MediaStore persists media metadata. Object bytes live in the bucket.
type MediaStore interface {
	CreateMedia(ctx context.Context, media *Media) error
	GetMedia(ctx context.Context, userID, mediaID int64) (*Media, error)
	DeleteMedia(ctx context.Context, userID, mediaID int64) error
	ListMedia(ctx context.Context, userID int64, limit int) ([]*Media, error)
	StorageUsage(ctx context.Context, userID int64) (StorageUsage, error)
}

// Store is the full persistence surface of the gateway.
type Store interface {
	UserStore
	UsageStore
	FeedStore
	ProfileStore
	MediaStore
	AuditStore
	Close() error
}
