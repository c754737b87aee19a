// ABOUTME: Caller identity carried through request handlers
// ABOUTME: Provides WithCaller/FromContext for propagating the resolved user via context

package auth

import (
	"context"
	"time"

	"github.com/buzzposter/buzzposter-gateway/internal/store"
	"github.com/buzzposter/buzzposter-gateway/internal/tier"
)

// Caller is the identity resolved from an API key. It is a snapshot taken at
// resolution time, so a tier change is visible on the caller's next request.
type Caller struct {
	UserID           int64
	Email            string
	Tier             tier.Name
	CreatedAt        time.Time
	LateAccessToken  string
	LateRefreshToken string
}

// LateConnected reports whether the caller has linked a Late account.
func (c *Caller) LateConnected() bool {
	return c.LateAccessToken != ""
}

// CallerFromUser builds a Caller snapshot from a stored user.
func CallerFromUser(u *store.User) *Caller {
	return &Caller{
		UserID:           u.ID,
		Email:            u.Email,
		Tier:             u.Tier,
		CreatedAt:        u.CreatedAt,
		LateAccessToken:  u.LateAccessToken,
		LateRefreshToken: u.LateRefreshToken,
	}
}

// callerContextKey is the key type for storing Caller in context.Context.
type callerContextKey struct{}

// WithCaller returns a new context with the Caller attached.
func WithCaller(ctx context.Context, caller *Caller) context.Context {
	return context.WithValue(ctx, callerContextKey{}, caller)
}

// FromContext retrieves the Caller from the context, returning nil if not present.
func FromContext(ctx context.Context) *Caller {
	caller, _ := ctx.Value(callerContextKey{}).(*Caller)
	return caller
}

// MustFromContext retrieves the Caller from the context, panicking if not present.
func MustFromContext(ctx context.Context) *Caller {
	caller := FromContext(ctx)
	if caller == nil {
		panic("auth: Caller not found in context")
	}
	return caller
}
