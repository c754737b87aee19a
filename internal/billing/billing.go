// ABOUTME: Stripe subscription checkout and webhook handling for tier upgrades
// ABOUTME: Checkout metadata carries the user id and tier; webhooks apply them to the user store

package billing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/stripe/stripe-go/v79"
	"github.com/stripe/stripe-go/v79/checkout/session"
	"github.com/stripe/stripe-go/v79/webhook"

	"github.com/buzzposter/buzzposter-gateway/internal/store"
	"github.com/buzzposter/buzzposter-gateway/internal/tier"
)

// Handled webhook event types.
const (
	EventCheckoutCompleted   = stripe.EventType("checkout.session.completed")
	EventSubscriptionDeleted = stripe.EventType("customer.subscription.deleted")
)

var (
	ErrNotConfigured      = errors.New("billing not configured")
	ErrInvalidTier        = errors.New("invalid tier. Must be 'pro' or 'business'")
	ErrPriceNotConfigured = errors.New("stripe price ID not configured")
	ErrInvalidSignature   = errors.New("invalid webhook signature")
	ErrCheckoutFailed     = errors.New("stripe error")
)

// UserStore is the slice of the store billing needs.
type UserStore interface {
	GetUser(ctx context.Context, id int64) (*store.User, error)
	GetUserByStripeCustomer(ctx context.Context, customerID string) (*store.User, error)
	UpdateUserTier(ctx context.Context, id int64, t tier.Name) error
	SetStripeCustomerID(ctx context.Context, id int64, customerID string) error
}

// AuditLog records tier changes applied from webhooks.
type AuditLog interface {
	AppendAuditLog(ctx context.Context, e *store.AuditEntry) error
}

// Config holds Stripe credentials and the user store.
type Config struct {
	SecretKey       string
	WebhookSecret   string
	ProPriceID      string
	BusinessPriceID string
	// BaseURL is where checkout returns to.
	BaseURL         string
	Users           UserStore
	// Audit is optional.
	Audit           AuditLog
	// APIURL overrides the Stripe API endpoint.
	APIURL          string
	Logger          *slog.Logger
}

// Service creates checkout sessions and applies webhook events.
type Service struct {
	cfg      Config
	sessions session.Client
	users    UserStore
	audit    AuditLog
	logger   *slog.Logger
}

// New creates a billing Service. A Service without a secret key reports
// ErrNotConfigured from CreateCheckout; webhooks need only the webhook secret.
func New(cfg Config) (*Service, error) {
	if cfg.Users == nil {
		return nil, errors.New("billing: user store is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "billing")

	backendCfg := &stripe.BackendConfig{LeveledLogger: &leveledLogger{logger: logger}}
	if cfg.APIURL != "" {
		backendCfg.URL = stripe.String(cfg.APIURL)
		backendCfg.MaxNetworkRetries = stripe.Int64(0)
	}

	return &Service{
		cfg: cfg,
		sessions: session.Client{
			B:   stripe.GetBackendWithConfig(stripe.APIBackend, backendCfg),
			Key: cfg.SecretKey,
		},
		users:  cfg.Users,
		audit:  cfg.Audit,
		logger: logger,
	}, nil
}

// Configured reports whether checkout sessions can be created.
func (s *Service) Configured() bool {
	return s.cfg.SecretKey != ""
}

func (s *Service) priceFor(t tier.Name) (string, error) {
	var price string
	switch t {
	case tier.Pro:
		price = s.cfg.ProPriceID
	case tier.Business:
		price = s.cfg.BusinessPriceID
	default:
		return "", ErrInvalidTier
	}
	if price == "" {
		return "", ErrPriceNotConfigured
	}
	return price, nil
}

// CreateCheckout starts a subscription checkout for user and returns its URL.
func (s *Service) CreateCheckout(ctx context.Context, user *store.User, t tier.Name) (string, error) {
	price, err := s.priceFor(t)
	if err != nil {
		return "", err
	}
	if !s.Configured() {
		return "", ErrNotConfigured
	}

	base := strings.TrimRight(s.cfg.BaseURL, "/")
	userID := strconv.FormatInt(user.ID, 10)

	params := &stripe.CheckoutSessionParams{
		Mode: stripe.String(string(stripe.CheckoutSessionModeSubscription)),
		LineItems: []*stripe.CheckoutSessionLineItemParams{
			{Price: stripe.String(price), Quantity: stripe.Int64(1)},
		},
		SuccessURL:        stripe.String(base + "/onboarding?upgraded=true"),
		CancelURL:         stripe.String(base + "/billing?canceled=true"),
		ClientReferenceID: stripe.String(userID),
	}
	if user.StripeCustomerID != "" {
		params.Customer = stripe.String(user.StripeCustomerID)
	} else {
		params.CustomerEmail = stripe.String(user.Email)
	}
	params.Context = ctx
	params.AddMetadata("user_id", userID)
	params.AddMetadata("tier", string(t))

	cs, err := s.sessions.New(params)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrCheckoutFailed, err)
	}

	s.logger.Info("checkout session created", "user_id", user.ID, "tier", t, "session_id", cs.ID)
	return cs.URL, nil
}

// HandleWebhook verifies and applies a webhook delivery. Unhandled event
// types, and handled events that name no known user, are acknowledged
// without error so Stripe does not retry them.
func (s *Service) HandleWebhook(ctx context.Context, payload []byte, signature string) (stripe.EventType, error) {
	if s.cfg.WebhookSecret == "" {
		return "", ErrNotConfigured
	}
	if signature == "" {
		return "", fmt.Errorf("%w: missing stripe-signature header", ErrInvalidSignature)
	}

	event, err := webhook.ConstructEventWithOptions(payload, signature, s.cfg.WebhookSecret,
		webhook.ConstructEventOptions{IgnoreAPIVersionMismatch: true})
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrInvalidSignature, err)
	}

	switch event.Type {
	case EventCheckoutCompleted:
		var cs stripe.CheckoutSession
		if err := json.Unmarshal(event.Data.Raw, &cs); err != nil {
			return event.Type, fmt.Errorf("decoding checkout session: %w", err)
		}
		return event.Type, s.checkoutCompleted(ctx, &cs)
	case EventSubscriptionDeleted:
		var sub stripe.Subscription
		if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
			return event.Type, fmt.Errorf("decoding subscription: %w", err)
		}
		return event.Type, s.subscriptionDeleted(ctx, &sub)
	default:
		s.logger.Debug("ignoring webhook event", "type", event.Type, "event_id", event.ID)
		return event.Type, nil
	}
}

func (s *Service) checkoutCompleted(ctx context.Context, cs *stripe.CheckoutSession) error {
	rawID := cs.Metadata["user_id"]
	if rawID == "" {
		rawID = cs.ClientReferenceID
	}
	t := tier.Name(cs.Metadata["tier"])

	userID, err := strconv.ParseInt(rawID, 10, 64)
	if err != nil || !tier.IsPaid(t) {
		s.logger.Warn("checkout session missing user or tier", "session_id", cs.ID, "user_id", rawID, "tier", t)
		return nil
	}

	user, err := s.users.GetUser(ctx, userID)
	if errors.Is(err, store.ErrNotFound) {
		s.logger.Warn("checkout for unknown user", "session_id", cs.ID, "user_id", userID)
		return nil
	}
	if err != nil {
		return err
	}

	if err := s.users.UpdateUserTier(ctx, user.ID, t); err != nil {
		return fmt.Errorf("updating tier: %w", err)
	}
	if cs.Customer != nil && cs.Customer.ID != "" {
		if err := s.users.SetStripeCustomerID(ctx, user.ID, cs.Customer.ID); err != nil {
			return fmt.Errorf("saving stripe customer: %w", err)
		}
	}

	s.recordTierChange(ctx, user, t, cs.ID)
	s.logger.Info("user upgraded", "user_id", user.ID, "email", user.Email, "tier", t)
	return nil
}

func (s *Service) subscriptionDeleted(ctx context.Context, sub *stripe.Subscription) error {
	if sub.Customer == nil || sub.Customer.ID == "" {
		s.logger.Warn("subscription without customer", "subscription_id", sub.ID)
		return nil
	}

	user, err := s.users.GetUserByStripeCustomer(ctx, sub.Customer.ID)
	if errors.Is(err, store.ErrNotFound) {
		s.logger.Warn("subscription for unknown customer", "customer_id", sub.Customer.ID)
		return nil
	}
	if err != nil {
		return err
	}

	if err := s.users.UpdateUserTier(ctx, user.ID, tier.Free); err != nil {
		return fmt.Errorf("downgrading tier: %w", err)
	}
	s.recordTierChange(ctx, user, tier.Free, sub.ID)
	s.logger.Info("user downgraded", "user_id", user.ID, "email", user.Email)
	return nil
}

// recordTierChange never fails the webhook; the tier is already applied.
func (s *Service) recordTierChange(ctx context.Context, user *store.User, to tier.Name, stripeID string) {
	if s.audit == nil {
		return
	}
	err := s.audit.AppendAuditLog(ctx, &store.AuditEntry{
		UserID: user.ID,
		Actor:  store.ActorStripe,
		Action: store.AuditTierChange,
		Detail: map[string]any{"from": string(user.Tier), "to": string(to), "stripe_id": stripeID},
	})
	if err != nil {
		s.logger.Warn("failed to record tier change", "user_id", user.ID, "error", err)
	}
}

// leveledLogger routes stripe-go's logging into slog.
type leveledLogger struct {
	logger *slog.Logger
}

func (l *leveledLogger) Debugf(format string, v ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, v...))
}

func (l *leveledLogger) Infof(format string, v ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, v...))
}

func (l *leveledLogger) Warnf(format string, v ...interface{}) {
	l.logger.Warn(fmt.Sprintf(format, v...))
}

func (l *leveledLogger) Errorf(format string, v ...interface{}) {
	l.logger.Error(fmt.Sprintf(format, v...))
}
