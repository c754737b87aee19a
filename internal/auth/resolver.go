// ABOUTME: Resolves an API key credential to a Caller
// ABOUTME: Every call re-reads the user so tier changes apply on the next request

package auth

import (
	"context"
	"errors"
	"fmt"

	"github.com/buzzposter/buzzposter-gateway/internal/store"
)

// Credential errors
var (
	ErrMissingCredential = errors.New("missing api key")
	ErrInvalidCredential = errors.New("invalid api key")
)

// Resolver maps an opaque credential to a caller identity.
type Resolver interface {
	Resolve(ctx context.Context, credential string) (*Caller, error)
}

// StoreResolver resolves API keys against the user store.
type StoreResolver struct {
	users store.UserStore
}

// NewStoreResolver creates a resolver backed by the user store.
func NewStoreResolver(users store.UserStore) *StoreResolver {
	return &StoreResolver{users: users}
}

// Resolve looks up the user owning the API key.
func (r *StoreResolver) Resolve(ctx context.Context, credential string) (*Caller, error) {
	if credential == "" {
		return nil, ErrMissingCredential
	}
	if !LooksLikeAPIKey(credential) {
		return nil, ErrInvalidCredential
	}

	user, err := r.users.GetUserByAPIKeyHash(ctx, HashAPIKey(credential))
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrInvalidCredential
	}
	if err != nil {
		return nil, fmt.Errorf("looking up api key: %w", err)
	}

	return CallerFromUser(user), nil
}

// ResolverFunc adapts a function to the Resolver interface.
type ResolverFunc func(ctx context.Context, credential string) (*Caller, error)

// Resolve calls f.
func (f ResolverFunc) Resolve(ctx context.Context, credential string) (*Caller, error) {
	return f(ctx, credential)
}

var _ Resolver = (*StoreResolver)(nil)
