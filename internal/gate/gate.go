// ABOUTME: Access gate deciding whether a caller may invoke a tool
// ABOUTME: Feature check first, then a rolling-window quota check against the usage ledger

package gate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/buzzposter/buzzposter-gateway/internal/auth"
	"github.com/buzzposter/buzzposter-gateway/internal/tier"
)

// DefaultWindow is the rolling quota window.
const DefaultWindow = 24 * time.Hour

// Counter counts a caller's usage records since an instant.
type Counter interface {
	CountUsageSince(ctx context.Context, userID int64, since time.Time) (int, error)
}

// Reserver is implemented by counters that can atomically "count and take a
// slot if below limit". When the configured Counter implements it, the gate
// uses it instead of check-then-log.
type Reserver interface {
	// Reserve trims entries older than now-window, and if fewer than limit
	// remain, records one at now. A negative limit (tier.Unlimited) always
	// records. It returns the count before the reservation.
	Reserve(ctx context.Context, userID int64, now time.Time, window time.Duration, limit int) (used int, reserved bool, err error)
}

// Decision is the outcome of an authorization check.
type Decision struct {
	Allowed   bool         `json:"allowed"`
	Tier      tier.Name    `json:"tier"`
	Tool      string       `json:"tool"`
	Feature   tier.Feature `json:"feature,omitempty"`
	Used      int          `json:"used"`
	Limit     int          `json:"limit"`     // tier.Unlimited for no cap
	Remaining int          `json:"remaining"` // tier.Unlimited for no cap
	Reserved  bool         `json:"reserved,omitempty"`
	Reason    string       `json:"reason,omitempty"`
}

// Config holds the collaborators of a Gate.
type Config struct {
	Policy  *tier.Policy
	Counter Counter
	Window  time.Duration    // defaults to DefaultWindow
	Now     func() time.Time // defaults to time.Now
	Logger  *slog.Logger
}

// Gate authorizes tool invocations. It holds no mutable state; all state
// lives in the counter.
type Gate struct {
	policy   *tier.Policy
	counter  Counter
	reserver Reserver
	window   time.Duration
	now      func() time.Time
	logger   *slog.Logger
}

// New creates a Gate.
func New(cfg Config) (*Gate, error) {
	if cfg.Policy == nil {
		return nil, errors.New("gate: policy is required")
	}
	if cfg.Counter == nil {
		return nil, errors.New("gate: counter is required")
	}

	g := &Gate{
		policy:  cfg.Policy,
		counter: cfg.Counter,
		window:  cfg.Window,
		now:     cfg.Now,
		logger:  cfg.Logger,
	}
	if g.window <= 0 {
		g.window = DefaultWindow
	}
	if g.now == nil {
		g.now = time.Now
	}
	if g.logger == nil {
		g.logger = slog.Default()
	}
	g.logger = g.logger.With("component", "gate")

	if r, ok := cfg.Counter.(Reserver); ok {
		g.reserver = r
		g.logger.Info("atomic quota reservation enabled")
	}

	return g, nil
}

// Window returns the rolling quota window.
func (g *Gate) Window() time.Duration {
	return g.window
}

// Authorize decides whether caller may invoke toolName. The caller's tier must
// include every one of features. A denial is returned as a *DeniedError
// wrapping ErrFeatureNotAllowed or ErrRateLimitExceeded; any other error means
// the decision could not be made and the call must not run.
func (g *Gate) Authorize(ctx context.Context, caller *auth.Caller, toolName string, features ...tier.Feature) (Decision, error) {
	if caller == nil {
		return Decision{Tool: toolName, Reason: "no caller"}, ErrAuthentication
	}

	d := Decision{Tier: caller.Tier, Tool: toolName}
	if len(features) > 0 {
		d.Feature = features[0]
	}

	entry, err := g.policy.Lookup(caller.Tier)
	if err != nil {
		d.Reason = "unknown tier"
		g.logger.Error("caller has unknown tier", "user_id", caller.UserID, "tier", caller.Tier)
		return d, fmt.Errorf("authorizing %s: %w", toolName, err)
	}

	d.Limit = entry.DailyQuota

	for _, f := range features {
		if entry.Allows(f) {
			continue
		}
		d.Feature = f
		d.Reason = tier.FeatureDeniedMessage
		g.logger.Debug("feature denied", "user_id", caller.UserID, "tier", caller.Tier, "tool", toolName, "feature", f)
		return d, &DeniedError{Decision: d, kind: ErrFeatureNotAllowed}
	}

	now := g.now()

	// unlimited tiers reserve too, with no cap, so their calls count if the tier drops
	if g.reserver != nil {
		used, reserved, err := g.reserver.Reserve(ctx, caller.UserID, now, g.window, entry.DailyQuota)
		if err != nil {
			return d, fmt.Errorf("reserving quota: %w", err)
		}
		d.Used = used
		d.Reserved = reserved
		return g.decide(d, entry, reserved || entry.Unlimited())
	}

	used, err := g.counter.CountUsageSince(ctx, caller.UserID, now.Add(-g.window))
	if err != nil {
		return d, fmt.Errorf("counting usage: %w", err)
	}
	d.Used = used

	return g.decide(d, entry, entry.Unlimited() || used < entry.DailyQuota)
}

func (g *Gate) decide(d Decision, entry tier.Entry, allowed bool) (Decision, error) {
	if entry.Unlimited() {
		d.Remaining = tier.Unlimited
	} else if rem := entry.DailyQuota - d.Used; rem > 0 {
		d.Remaining = rem
	}

	if !allowed {
		d.Remaining = 0
		d.Reason = g.policy.RateLimitMessage()
		g.logger.Info("rate limit exceeded", "tier", d.Tier, "tool", d.Tool, "used", d.Used, "limit", d.Limit)
		return d, &DeniedError{Decision: d, kind: ErrRateLimitExceeded}
	}

	d.Allowed = true
	if d.Remaining > 0 {
		// this call consumes one slot
		d.Remaining--
	}
	return d, nil
}
