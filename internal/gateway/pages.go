// ABOUTME: HTML pages for onboarding and billing, plus the Late.dev OAuth connect flow
// ABOUTME: Templates are embedded; the setup guide is markdown rendered once with goldmark

package gateway

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"html/template"
	"net/http"
	"strings"
	"time"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"

	"github.com/buzzposter/buzzposter-gateway/internal/auth"
	"github.com/buzzposter/buzzposter-gateway/internal/store"
	"github.com/buzzposter/buzzposter-gateway/internal/tier"
)

var featureLabels = map[tier.Feature]string{
	tier.FeatureNewsAPISearch:   "Search any news topic",
	tier.FeatureCustomFeeds:     "Custom RSS feeds",
	tier.FeatureSocialPosting:   "Social posting via Late.dev",
	tier.FeatureUnlimitedTopics: "Unlimited topics",
	tier.FeatureMediaUpload:     "Media uploads",
}

type pageRenderer struct {
	onboarding *template.Template
	billing    *template.Template
	message    *template.Template
	guide      template.HTML
}

// newPageRenderer parses the embedded templates and renders the setup guide.
func newPageRenderer() (*pageRenderer, error) {
	parse := func(name string) (*template.Template, error) {
		t, err := template.ParseFS(pagesFS, "templates/layout.html", "templates/"+name)
		if err != nil {
			return nil, fmt.Errorf("parsing %s: %w", name, err)
		}
		return t, nil
	}

	p := &pageRenderer{}
	var err error
	if p.onboarding, err = parse("onboarding.html"); err != nil {
		return nil, err
	}
	if p.billing, err = parse("billing.html"); err != nil {
		return nil, err
	}
	if p.message, err = parse("message.html"); err != nil {
		return nil, err
	}

	md, err := pagesFS.ReadFile("docs/setup.md")
	if err != nil {
		return nil, fmt.Errorf("reading setup guide: %w", err)
	}
	var buf bytes.Buffer
	if err := goldmark.New(goldmark.WithExtensions(extension.GFM)).Convert(md, &buf); err != nil {
		return nil, fmt.Errorf("rendering setup guide: %w", err)
	}
	p.guide = template.HTML(buf.String())
	return p, nil
}

type messageData struct {
	Title    string
	Message  string
	IsError  bool
	LinkURL  string
	LinkText string
}

type onboardingData struct {
	Title             string
	Key               string
	User              *store.User
	Error             string
	Upgraded          bool
	LateJustConnected bool
	Used              int
	LimitText         string
	Window            string
	Paid              bool
	StorageText       string
	MCPURL            string
	ClientConfig      string
	LateConfigured    bool
	LateConnected     bool
	Guide             template.HTML
}

type planView struct {
	Name        tier.Name
	Price       int
	Quota       string
	Features    []string
	Storage     string
	MaxFile     string
	Current     bool
	Purchasable bool
}

type billingData struct {
	Title           string
	Key             string
	User            *store.User
	Error           string
	Canceled        bool
	CheckoutEnabled bool
	Plans           []planView
}

func (g *Gateway) renderPage(w http.ResponseWriter, status int, tmpl *template.Template, data any) {
	var buf bytes.Buffer
	if err := tmpl.ExecuteTemplate(&buf, "layout", data); err != nil {
		g.logger.Error("failed to render page", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	_, _ = buf.WriteTo(w)
}

func (g *Gateway) renderMessage(w http.ResponseWriter, status int, title, message string) {
	g.renderPage(w, status, g.pages.message, messageData{
		Title:    title,
		Message:  message,
		IsError:  status >= 400,
		LinkURL:  "/onboarding",
		LinkText: "Back to onboarding",
	})
}

// pageUser resolves the optional ?api_key= of a page. A missing key yields a
// nil user and no error.
func (g *Gateway) pageUser(r *http.Request) (string, *store.User, error) {
	key := auth.CredentialFromRequest(r)
	if key == "" {
		return "", nil, nil
	}
	caller, err := g.resolver.Resolve(r.Context(), key)
	if err != nil {
		return key, nil, err
	}
	user, err := g.store.GetUser(r.Context(), caller.UserID)
	if err != nil {
		return key, nil, err
	}
	return key, user, nil
}

// handleOnboarding shows the account, the MCP client snippet and the setup guide.
func (g *Gateway) handleOnboarding(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		g.sendJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	q := r.URL.Query()
	data := onboardingData{
		Title:             "Onboarding",
		Upgraded:          q.Get("upgraded") == "true",
		LateJustConnected: q.Get("late") == "connected",
		LateConfigured:    g.late.Configured(),
		Guide:             g.pages.guide,
	}

	key, user, err := g.pageUser(r)
	if err != nil {
		data.Error = "That API key is not valid."
		g.renderPage(w, http.StatusUnauthorized, g.pages.onboarding, data)
		return
	}
	if user == nil {
		g.renderPage(w, http.StatusOK, g.pages.onboarding, data)
		return
	}

	entry, err := g.policy.Lookup(user.Tier)
	if err != nil {
		g.logger.Error("user has unknown tier", "user_id", user.ID, "tier", user.Tier)
		g.renderMessage(w, http.StatusInternalServerError, "Account error", "Your account's plan is not recognized. Please contact support.")
		return
	}
	used, err := g.store.CountUsageSince(r.Context(), user.ID, time.Now().Add(-g.gate.Window()))
	if err != nil {
		g.logger.Warn("counting usage for onboarding", "user_id", user.ID, "error", err)
	}

	data.Key = key
	data.User = user
	data.Used = used
	data.LimitText = quotaText(entry)
	data.Window = formatWindow(g.gate.Window())
	data.Paid = tier.IsPaid(user.Tier)
	data.StorageText = formatBytes(entry.StorageBytes)
	data.MCPURL = g.MCPEndpoint() + "/" + key
	data.ClientConfig = clientConfigSnippet(data.MCPURL)
	data.LateConnected = user.LateConnected()
	g.renderPage(w, http.StatusOK, g.pages.onboarding, data)
}

// clientConfigSnippet is the mcpServers block MCP clients accept.
func clientConfigSnippet(mcpURL string) string {
	snippet := map[string]any{
		"mcpServers": map[string]any{
			"buzzposter": map[string]string{"url": mcpURL},
		},
	}
	out, _ := json.MarshalIndent(snippet, "", "  ")
	return string(out)
}

// handleBilling shows the plan table built from the tier policy.
func (g *Gateway) handleBilling(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		g.sendJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	data := billingData{
		Title:           "Billing",
		Canceled:        r.URL.Query().Get("canceled") == "true",
		CheckoutEnabled: g.billing.Configured(),
	}
	status := http.StatusOK

	key, user, err := g.pageUser(r)
	if err != nil {
		data.Error = "That API key is not valid."
		status = http.StatusUnauthorized
	} else {
		data.Key = key
		data.User = user
	}

	for _, e := range g.policy.Entries() {
		data.Plans = append(data.Plans, planFor(e, data.User))
	}
	g.renderPage(w, status, g.pages.billing, data)
}

func planFor(e tier.Entry, user *store.User) planView {
	pv := planView{
		Name:        e.Tier,
		Price:       e.MonthlyPrice,
		Quota:       quotaText(e) + " calls per day",
		Current:     user != nil && user.Tier == e.Tier,
		Purchasable: tier.IsPaid(e.Tier),
	}
	for _, f := range e.Features {
		label, ok := featureLabels[f]
		if !ok {
			label = string(f)
		}
		pv.Features = append(pv.Features, label)
	}
	if e.StorageBytes > 0 {
		pv.Storage = formatBytes(e.StorageBytes)
		pv.MaxFile = formatBytes(e.MaxFileBytes)
	}
	return pv
}

// handleLateConnect redirects to Late's consent screen. The state carries
// a signed user id, never the API key.
func (g *Gateway) handleLateConnect(w http.ResponseWriter, r *http.Request) {
	caller, err := g.resolver.Resolve(r.Context(), auth.CredentialFromRequest(r))
	if err != nil {
		g.renderMessage(w, http.StatusUnauthorized, "Connect Late.dev", "A valid api_key is required to connect Late.dev.")
		return
	}
	if !g.late.Configured() {
		g.renderMessage(w, http.StatusServiceUnavailable, "Connect Late.dev", "Late.dev integration is not configured on this server.")
		return
	}

	state, err := g.states.Generate(caller.UserID)
	if err != nil {
		g.logger.Error("generating oauth state", "user_id", caller.UserID, "error", err)
		g.renderMessage(w, http.StatusInternalServerError, "Connect Late.dev", "Could not start the connection. Please try again.")
		return
	}
	authorizeURL, err := g.late.AuthorizeURL(state)
	if err != nil {
		g.renderMessage(w, http.StatusServiceUnavailable, "Connect Late.dev", err.Error())
		return
	}
	http.Redirect(w, r, authorizeURL, http.StatusFound)
}

// handleLateCallback completes the OAuth flow and stores the user's tokens.
func (g *Gateway) handleLateCallback(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if oauthErr := q.Get("error"); oauthErr != "" {
		g.renderMessage(w, http.StatusBadRequest, "Late.dev connection failed", "Late.dev reported: "+oauthErr)
		return
	}
	code, state := strings.TrimSpace(q.Get("code")), strings.TrimSpace(q.Get("state"))
	if code == "" || state == "" {
		g.renderMessage(w, http.StatusBadRequest, "Late.dev connection failed", "Missing code or state.")
		return
	}

	userID, err := g.states.Verify(state)
	if err != nil {
		g.logger.Warn("rejected oauth state", "error", err)
		g.renderMessage(w, http.StatusBadRequest, "Late.dev connection failed", "The connection link expired or is invalid. Please start again.")
		return
	}

	tokens, err := g.late.ExchangeCode(r.Context(), code)
	if err != nil {
		g.logger.Error("late code exchange failed", "user_id", userID, "error", err)
		g.renderMessage(w, http.StatusBadGateway, "Late.dev connection failed", "Could not complete the connection with Late.dev.")
		return
	}
	if err := g.store.SaveLateTokens(r.Context(), userID, tokens.AccessToken, tokens.RefreshToken); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			g.renderMessage(w, http.StatusBadRequest, "Late.dev connection failed", "Account not found.")
			return
		}
		g.logger.Error("saving late tokens", "user_id", userID, "error", err)
		g.renderMessage(w, http.StatusInternalServerError, "Late.dev connection failed", "Could not save the connection.")
		return
	}

	g.recordAudit(r.Context(), &store.AuditEntry{UserID: userID, Actor: store.ActorUser, Action: store.AuditLateConnected})
	g.logger.Info("late account connected", "user_id", userID)
	http.Redirect(w, r, "/onboarding?late=connected", http.StatusFound)
}

func quotaText(e tier.Entry) string {
	if e.Unlimited() {
		return "Unlimited"
	}
	return fmt.Sprintf("%d", e.DailyQuota)
}

func formatWindow(d time.Duration) string {
	if d%time.Hour == 0 {
		return fmt.Sprintf("%d hours", int(d/time.Hour))
	}
	return d.String()
}

func formatBytes(n int64) string {
	switch {
	case n >= tier.GiB && n%tier.GiB == 0:
		return fmt.Sprintf("%d GB", n/tier.GiB)
	case n >= tier.MiB:
		return fmt.Sprintf("%.0f MB", float64(n)/float64(tier.MiB))
	default:
		return fmt.Sprintf("%d bytes", n)
	}
}
