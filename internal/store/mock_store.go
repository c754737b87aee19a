// ABOUTME: Mock Store implementation for testing
// ABOUTME: Allows tests to run without SQLite and to inject failures per operation

package store

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/buzzposter/buzzposter-gateway/internal/tier"
)

// MockStore is an in-memory Store implementation for testing.
type MockStore struct {
	mu       sync.RWMutex
	nextID   int64
	users    map[int64]*User
	usage    []UsageRecord
	feeds    map[int64]*Feed
	profiles map[int64]*Profile
	media    map[int64]*Media
	audit    []AuditEntry

	// AppendErr, when set, is returned by AppendUsage without recording.
	AppendErr error
	// CountErr, when set, is returned by CountUsageSince.
	CountErr error
	// CreateMediaErr, when set, is returned by CreateMedia.
	CreateMediaErr error
}

// NewMockStore creates a new MockStore.
func NewMockStore() *MockStore {
	return &MockStore{
		users:    make(map[int64]*User),
		feeds:    make(map[int64]*Feed),
		profiles: make(map[int64]*Profile),
		media:    make(map[int64]*Media),
	}
}

func (m *MockStore) id() int64 {
	m.nextID++
	return m.nextID
}

// CreateUser stores a new user.
func (m *MockStore) CreateUser(ctx context.Context, user *User) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	user.Email = strings.ToLower(strings.TrimSpace(user.Email))
	for _, u := range m.users {
		if u.Email == user.Email || u.APIKeyHash == user.APIKeyHash {
			return ErrDuplicate
		}
	}
	if user.Tier == "" {
		user.Tier = tier.Free
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}
	user.UpdatedAt = user.CreatedAt
	user.ID = m.id()

	u := *user
	m.users[u.ID] = &u
	return nil
}

func (m *MockStore) findUser(match func(*User) bool) (*User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, u := range m.users {
		if match(u) {
			c := *u
			return &c, nil
		}
	}
	return nil, ErrNotFound
}

// GetUser retrieves a user by ID.
func (m *MockStore) GetUser(ctx context.Context, id int64) (*User, error) {
	return m.findUser(func(u *User) bool { return u.ID == id })
}

// GetUserByEmail retrieves a user by email.
func (m *MockStore) GetUserByEmail(ctx context.Context, email string) (*User, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	return m.findUser(func(u *User) bool { return u.Email == email })
}

// GetUserByAPIKeyHash retrieves a user by key hash.
func (m *MockStore) GetUserByAPIKeyHash(ctx context.Context, hash string) (*User, error) {
	if hash == "" {
		return nil, ErrNotFound
	}
	return m.findUser(func(u *User) bool { return u.APIKeyHash == hash })
}

// GetUserByStripeCustomer retrieves a user by Stripe customer ID.
func (m *MockStore) GetUserByStripeCustomer(ctx context.Context, customerID string) (*User, error) {
	if customerID == "" {
		return nil, ErrNotFound
	}
	return m.findUser(func(u *User) bool { return u.StripeCustomerID == customerID })
}

// ListUsers returns all users ordered by ID.
func (m *MockStore) ListUsers(ctx context.Context) ([]*User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*User, 0, len(m.users))
	for _, u := range m.users {
		c := *u
		out = append(out, &c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MockStore) mutateUser(id int64, fn func(*User)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return ErrNotFound
	}
	fn(u)
	u.UpdatedAt = time.Now().UTC()
	return nil
}

// UpdateUserTier changes a user's tier.
func (m *MockStore) UpdateUserTier(ctx context.Context, id int64, t tier.Name) error {
	return m.mutateUser(id, func(u *User) { u.Tier = t })
}

// RotateAPIKey replaces the stored key hash.
func (m *MockStore) RotateAPIKey(ctx context.Context, id int64, hash string) error {
	return m.mutateUser(id, func(u *User) { u.APIKeyHash = hash })
}

// SaveLateTokens stores Late OAuth tokens.
func (m *MockStore) SaveLateTokens(ctx context.Context, id int64, accessToken, refreshToken string) error {
	return m.mutateUser(id, func(u *User) {
		u.LateAccessToken = accessToken
		u.LateRefreshToken = refreshToken
	})
}

// SetStripeCustomerID links a Stripe customer.
func (m *MockStore) SetStripeCustomerID(ctx context.Context, id int64, customerID string) error {
	return m.mutateUser(id, func(u *User) { u.StripeCustomerID = customerID })
}

// AppendUsage records a tool invocation.
func (m *MockStore) AppendUsage(ctx context.Context, userID int64, toolName string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.AppendErr != nil {
		return m.AppendErr
	}
	m.usage = append(m.usage, UsageRecord{
		ID:        int64(len(m.usage) + 1),
		UserID:    userID,
		ToolName:  toolName,
		Timestamp: at.UTC(),
	})
	return nil
}

// CountUsageSince counts records at or after since.
func (m *MockStore) CountUsageSince(ctx context.Context, userID int64, since time.Time) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.CountErr != nil {
		return 0, m.CountErr
	}
	n := 0
	for _, r := range m.usage {
		if r.UserID == userID && !r.Timestamp.Before(since) {
			n++
		}
	}
	return n, nil
}

// UsageByTool groups records at or after since by tool.
func (m *MockStore) UsageByTool(ctx context.Context, userID int64, since time.Time) (map[string]int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	counts := make(map[string]int)
	for _, r := range m.usage {
		if r.UserID == userID && !r.Timestamp.Before(since) {
			counts[r.ToolName]++
		}
	}
	return counts, nil
}

// UsageRecords returns a copy of every recorded invocation, for assertions.
func (m *MockStore) UsageRecords() []UsageRecord {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]UsageRecord, len(m.usage))
	copy(out, m.usage)
	return out
}

// AddFeed stores a feed subscription.
func (m *MockStore) AddFeed(ctx context.Context, feed *Feed) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, f := range m.feeds {
		if f.UserID == feed.UserID && f.URL == feed.URL {
			return ErrDuplicate
		}
	}
	if feed.CreatedAt.IsZero() {
		feed.CreatedAt = time.Now().UTC()
	}
	feed.ID = m.id()
	f := *feed
	m.feeds[f.ID] = &f
	return nil
}

// RemoveFeed deletes a user's feed.
func (m *MockStore) RemoveFeed(ctx context.Context, userID, feedID int64) (*Feed, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	f, ok := m.feeds[feedID]
	if !ok || f.UserID != userID {
		return nil, ErrNotFound
	}
	delete(m.feeds, feedID)
	c := *f
	return &c, nil
}

// ListFeeds returns a user's feeds, oldest first.
func (m *MockStore) ListFeeds(ctx context.Context, userID int64) ([]*Feed, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := []*Feed{}
	for _, f := range m.feeds {
		if f.UserID == userID {
			c := *f
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// GetProfile returns a user's profile.
func (m *MockStore) GetProfile(ctx context.Context, userID int64) (*Profile, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	p, ok := m.profiles[userID]
	if !ok {
		return nil, ErrNotFound
	}
	c := *p
	c.Topics = append([]string(nil), p.Topics...)
	return &c, nil
}

// UpsertProfile creates or replaces a profile.
func (m *MockStore) UpsertProfile(ctx context.Context, profile *Profile) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	profile.UpdatedAt = time.Now().UTC()
	c := *profile
	c.Topics = append([]string(nil), profile.Topics...)
	m.profiles[profile.UserID] = &c
	return nil
}

// CreateMedia records an uploaded object.
func (m *MockStore) CreateMedia(ctx context.Context, media *Media) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.CreateMediaErr != nil {
		return m.CreateMediaErr
	}
	if media.CreatedAt.IsZero() {
		media.CreatedAt = time.Now().UTC()
	}
	media.ID = m.id()
	c := *media
	m.media[c.ID] = &c
	return nil
}

// GetMedia returns one of a user's media rows.
func (m *MockStore) GetMedia(ctx context.Context, userID, mediaID int64) (*Media, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	item, ok := m.media[mediaID]
	if !ok || item.UserID != userID {
		return nil, ErrNotFound
	}
	c := *item
	return &c, nil
}

// DeleteMedia removes one of a user's media rows.
func (m *MockStore) DeleteMedia(ctx context.Context, userID, mediaID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	item, ok := m.media[mediaID]
	if !ok || item.UserID != userID {
		return ErrNotFound
	}
	delete(m.media, mediaID)
	return nil
}

// ListMedia returns a user's media, newest first.
func (m *MockStore) ListMedia(ctx context.Context, userID int64, limit int) ([]*Media, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if limit <= 0 {
		limit = 50
	}
	out := []*Media{}
	for _, item := range m.media {
		if item.UserID == userID {
			c := *item
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID > out[j].ID
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// StorageUsage sums a user's media.
func (m *MockStore) StorageUsage(ctx context.Context, userID int64) (StorageUsage, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var u StorageUsage
	for _, item := range m.media {
		if item.UserID == userID {
			u.FileCount++
			u.TotalBytes += item.SizeBytes
		}
	}
	return u, nil
}

// AppendAuditLog records the entry in memory.
func (m *MockStore) AppendAuditLog(ctx context.Context, e *AuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	prepareAuditEntry(e)
	m.audit = append(m.audit, *e)
	return nil
}

// ListAuditLog returns matching entries newest first.
func (m *MockStore) ListAuditLog(ctx context.Context, f AuditFilter) ([]AuditEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := []AuditEntry{}
	for i := len(m.audit) - 1; i >= 0; i-- {
		e := m.audit[i]
		if f.Since != nil && e.Timestamp.Before(*f.Since) {
			continue
		}
		if f.UserID != nil && e.UserID != *f.UserID {
			continue
		}
		if f.Action != nil && e.Action != *f.Action {
			continue
		}
		out = append(out, e)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Timestamp.After(out[j].Timestamp)
	})
	if limit := normalizeAuditLimit(f.Limit); len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Close is a no-op.
func (m *MockStore) Close() error {
	return nil
}

var _ Store = (*MockStore)(nil)
