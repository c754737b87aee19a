// ABOUTME: Error sentinels and the denial error type returned by the gate
// ABOUTME: Callers classify with errors.Is and read details with errors.As

package gate

import (
	"errors"

	"github.com/buzzposter/buzzposter-gateway/internal/tier"
)

// Error kinds. AuthenticationError is produced by the dispatcher when the
// credential does not resolve; the other two come from Authorize.
var (
	ErrAuthentication    = errors.New("authentication failed")
	ErrFeatureNotAllowed = errors.New("feature not allowed")
	ErrRateLimitExceeded = errors.New("rate limit exceeded")

	// ErrUnknownTier aliases the policy error so callers need not import tier.
	ErrUnknownTier = tier.ErrUnknownTier
)

// DeniedError is a gate denial carrying the decision that produced it.
type DeniedError struct {
	Decision Decision
	kind     error
}

func (e *DeniedError) Error() string {
	if e.Decision.Reason != "" {
		return e.Decision.Reason
	}
	return e.kind.Error()
}

func (e *DeniedError) Unwrap() error {
	return e.kind
}

// AsDenied extracts a *DeniedError from err.
func AsDenied(err error) (*DeniedError, bool) {
	var de *DeniedError
	if errors.As(err, &de) {
		return de, true
	}
	return nil, false
}
