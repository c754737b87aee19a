// ABOUTME: JSON HTTP API handlers: signup, checkout, Stripe webhooks and Late status
// ABOUTME: Also serves the root service description and the health probe

package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/mail"
	"strings"

	"github.com/buzzposter/buzzposter-gateway/internal/auth"
	"github.com/buzzposter/buzzposter-gateway/internal/billing"
	"github.com/buzzposter/buzzposter-gateway/internal/late"
	"github.com/buzzposter/buzzposter-gateway/internal/store"
	"github.com/buzzposter/buzzposter-gateway/internal/tier"
)

// maxWebhookBytes caps a Stripe delivery body.
const maxWebhookBytes = 64 << 10

// maxJSONBodyBytes caps the small JSON request bodies of the account API.
const maxJSONBodyBytes = 16 << 10

// SignupRequest is the JSON request body for POST /signup.
type SignupRequest struct {
	Email string `json:"email"`
}

// SignupResponse is returned once; the API key is never shown again.
type SignupResponse struct {
	UserID        int64     `json:"user_id"`
	Email         string    `json:"email"`
	Tier          tier.Name `json:"tier"`
	APIKey        string    `json:"api_key"`
	MCPURL        string    `json:"mcp_url"`
	OnboardingURL string    `json:"onboarding_url"`
}

// CheckoutRequest is the JSON request body for POST /checkout.
type CheckoutRequest struct {
	APIKey string    `json:"api_key"`
	Tier   tier.Name `json:"tier"`
}

// CheckoutResponse carries the hosted Stripe checkout URL.
type CheckoutResponse struct {
	CheckoutURL string `json:"checkout_url"`
}

// LateStatusResponse is the JSON response for GET /auth/late/status.
type LateStatusResponse struct {
	Connected bool            `json:"connected"`
	Accounts  json.RawMessage `json:"accounts,omitempty"`
	Error     string          `json:"error,omitempty"`
}

// ServiceInfo is the JSON response for GET /.
type ServiceInfo struct {
	Service     string      `json:"service"`
	Version     string      `json:"version"`
	MCPEndpoint string      `json:"mcp_endpoint"`
	Signup      string      `json:"signup"`
	Billing     string      `json:"billing"`
	Tiers       []tierPrice `json:"tiers"`
	Packs       []packTools `json:"packs"`
}

type packTools struct {
	ID    string   `json:"id"`
	Tools []string `json:"tools"`
}

type tierPrice struct {
	Tier         tier.Name `json:"tier"`
	MonthlyPrice int       `json:"monthly_price"`
	DailyQuota   int       `json:"daily_quota"`
}

// handleRoot describes the service. Any other unmatched path is a 404.
func (g *Gateway) handleRoot(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		g.sendJSONError(w, http.StatusNotFound, "not found")
		return
	}
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		g.sendJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	info := ServiceInfo{
		Service:     "BuzzPoster",
		Version:     Version,
		MCPEndpoint: g.MCPEndpoint(),
		Signup:      g.baseURL + "/signup",
		Billing:     g.baseURL + "/billing",
	}
	for _, e := range g.policy.Entries() {
		info.Tiers = append(info.Tiers, tierPrice{Tier: e.Tier, MonthlyPrice: e.MonthlyPrice, DailyQuota: e.DailyQuota})
	}
	for _, p := range g.packRegistry.ListBuiltinPacks() {
		pt := packTools{ID: p.ID, Tools: make([]string, 0, len(p.Tools))}
		for _, tool := range p.Tools {
			pt.Tools = append(pt.Tools, tool.Definition.Name)
		}
		info.Packs = append(info.Packs, pt)
	}
	g.writeJSON(w, http.StatusOK, info)
}

// handleHealth returns 200 OK if the server is alive.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	g.writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

// handleSignup creates a free-tier user and returns its API key.
func (g *Gateway) handleSignup(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		g.sendJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var req SignupRequest
	if err := decodeJSONBody(w, r, &req); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	email, err := normalizeEmail(req.Email)
	if err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	key, err := auth.GenerateAPIKey()
	if err != nil {
		g.logger.Error("generating api key", "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal error")
		return
	}

	user := &store.User{
		Email:      email,
		APIKeyHash: auth.HashAPIKey(key),
		Tier:       tier.Free,
	}
	if err := g.store.CreateUser(r.Context(), user); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			g.sendJSONError(w, http.StatusConflict, "email already registered")
			return
		}
		g.logger.Error("creating user", "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal error")
		return
	}

	g.recordAudit(r.Context(), &store.AuditEntry{UserID: user.ID, Actor: store.ActorSignup, Action: store.AuditSignup})
	g.logger.Info("user signed up", "user_id", user.ID)
	g.writeJSON(w, http.StatusCreated, SignupResponse{
		UserID:        user.ID,
		Email:         user.Email,
		Tier:          user.Tier,
		APIKey:        key,
		MCPURL:        g.MCPEndpoint() + "/" + key,
		OnboardingURL: g.baseURL + "/onboarding?api_key=" + key,
	})
}

// recordAudit logs and drops audit failures; the account change already happened.
func (g *Gateway) recordAudit(ctx context.Context, e *store.AuditEntry) {
	if err := g.store.AppendAuditLog(ctx, e); err != nil {
		g.logger.Warn("failed to record audit entry", "user_id", e.UserID, "action", e.Action, "error", err)
	}
}

// normalizeEmail trims and lowercases an address and checks its syntax.
func normalizeEmail(raw string) (string, error) {
	email := strings.ToLower(strings.TrimSpace(raw))
	if email == "" {
		return "", errors.New("email is required")
	}
	addr, err := mail.ParseAddress(email)
	if err != nil || addr.Address != email {
		return "", errors.New("invalid email address")
	}
	return email, nil
}

// handleCheckout starts a Stripe subscription checkout for a paid tier.
func (g *Gateway) handleCheckout(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		g.sendJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var req CheckoutRequest
	if err := decodeJSONBody(w, r, &req); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	credential := strings.TrimSpace(req.APIKey)
	if credential == "" {
		credential = auth.CredentialFromRequest(r)
	}

	caller, err := g.resolver.Resolve(r.Context(), credential)
	if err != nil {
		g.sendJSONError(w, http.StatusUnauthorized, err.Error())
		return
	}
	user, err := g.store.GetUser(r.Context(), caller.UserID)
	if err != nil {
		g.logger.Error("loading user for checkout", "user_id", caller.UserID, "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal error")
		return
	}

	checkoutURL, err := g.billing.CreateCheckout(r.Context(), user, tier.Name(strings.ToLower(string(req.Tier))))
	switch {
	case err == nil:
		g.writeJSON(w, http.StatusOK, CheckoutResponse{CheckoutURL: checkoutURL})
	case errors.Is(err, billing.ErrInvalidTier):
		g.sendJSONError(w, http.StatusBadRequest, "tier must be pro or business")
	case errors.Is(err, billing.ErrPriceNotConfigured), errors.Is(err, billing.ErrNotConfigured):
		g.sendJSONError(w, http.StatusServiceUnavailable, err.Error())
	default:
		g.logger.Error("creating checkout", "user_id", user.ID, "error", err)
		g.sendJSONError(w, http.StatusBadGateway, "payment provider error")
	}
}

// handleStripeWebhook verifies and applies a Stripe event.
func (g *Gateway) handleStripeWebhook(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		g.sendJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBytes))
	if err != nil {
		g.sendJSONError(w, http.StatusRequestEntityTooLarge, "payload too large")
		return
	}

	eventType, err := g.billing.HandleWebhook(r.Context(), payload, r.Header.Get("Stripe-Signature"))
	if err != nil {
		switch {
		case errors.Is(err, billing.ErrNotConfigured):
			g.sendJSONError(w, http.StatusServiceUnavailable, err.Error())
			return
		case errors.Is(err, billing.ErrInvalidSignature):
			g.logger.Warn("rejected stripe webhook", "error", err)
			g.sendJSONError(w, http.StatusBadRequest, "invalid signature")
			return
		}
		g.logger.Error("handling stripe webhook", "event_type", eventType, "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "webhook processing failed")
		return
	}

	g.writeJSON(w, http.StatusOK, map[string]any{"received": true, "type": eventType})
}

// handleLateStatus reports whether the caller's Late account works. The
// caller is attached by auth.HTTPMiddleware.
func (g *Gateway) handleLateStatus(w http.ResponseWriter, r *http.Request) {
	caller := auth.MustFromContext(r.Context())

	if !caller.LateConnected() {
		g.writeJSON(w, http.StatusOK, LateStatusResponse{Connected: false})
		return
	}

	session, err := g.late.Session(caller.UserID, caller.LateAccessToken, caller.LateRefreshToken, g.store)
	if err != nil {
		g.writeJSON(w, http.StatusOK, LateStatusResponse{Connected: false, Error: err.Error()})
		return
	}
	accounts, err := session.Accounts(r.Context())
	if err != nil {
		connected := !errors.Is(err, late.ErrReconnect)
		g.writeJSON(w, http.StatusOK, LateStatusResponse{Connected: connected, Error: err.Error()})
		return
	}
	g.writeJSON(w, http.StatusOK, LateStatusResponse{Connected: true, Accounts: accounts})
}

// decodeJSONBody decodes a size-limited JSON body into v.
func decodeJSONBody(w http.ResponseWriter, r *http.Request, v any) error {
	return json.NewDecoder(http.MaxBytesReader(w, r.Body, maxJSONBodyBytes)).Decode(v)
}

func (g *Gateway) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		g.logger.Debug("failed to write response", "error", err)
	}
}

// sendJSONError writes a JSON error response with the given status code.
func (g *Gateway) sendJSONError(w http.ResponseWriter, status int, message string) {
	g.writeJSON(w, status, map[string]string{"error": message})
}
