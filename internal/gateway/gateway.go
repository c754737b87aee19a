// ABOUTME: Gateway orchestrator that wires the store, gate, tool packs and HTTP surface
// ABOUTME: Manages listeners (TCP or tsnet), the HTTP server and graceful shutdown

package gateway

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/cors"
	"tailscale.com/ipn/ipnstate"
	"tailscale.com/tsnet"

	"github.com/buzzposter/buzzposter-gateway/internal/auth"
	"github.com/buzzposter/buzzposter-gateway/internal/billing"
	"github.com/buzzposter/buzzposter-gateway/internal/config"
	"github.com/buzzposter/buzzposter-gateway/internal/dispatch"
	"github.com/buzzposter/buzzposter-gateway/internal/feeds"
	"github.com/buzzposter/buzzposter-gateway/internal/gate"
	"github.com/buzzposter/buzzposter-gateway/internal/late"
	"github.com/buzzposter/buzzposter-gateway/internal/ledger"
	"github.com/buzzposter/buzzposter-gateway/internal/mcp"
	"github.com/buzzposter/buzzposter-gateway/internal/media"
	"github.com/buzzposter/buzzposter-gateway/internal/newsapi"
	"github.com/buzzposter/buzzposter-gateway/internal/packs"
	"github.com/buzzposter/buzzposter-gateway/internal/store"
	"github.com/buzzposter/buzzposter-gateway/internal/tier"
	"github.com/buzzposter/buzzposter-gateway/internal/tools"
)

// Version is reported by the root endpoint and the MCP initialize result.
var Version = "dev"

// Gateway orchestrates the buzzposter-gateway server components.
type Gateway struct {
	config      *config.Config
	store       store.Store
	policy      *tier.Policy
	gate        *gate.Gate
	resolver    auth.Resolver
	states      *auth.StateSigner
	httpServer  *http.Server
	tsnetServer *tsnet.Server
	logger      *slog.Logger

	// redisCounter is set only with the redis quota backend
	redisCounter *ledger.RedisCounter

	fetcher      *feeds.Fetcher
	news         *newsapi.Client
	late         *late.Client
	media        *media.Uploader // nil when no bucket is configured
	billing      *billing.Service
	pages        *pageRenderer
	packRegistry *packs.Registry
	packRouter   *packs.Router
	dispatcher   *dispatch.Dispatcher
	mcpServer    *mcp.Server

	// baseURL is the public URL used in redirects and the MCP snippet
	baseURL string
}

// determineBaseURL resolves the public base URL from environment or config.
func determineBaseURL(cfg *config.Config) string {
	if envURL := os.Getenv("BUZZPOSTER_BASE_URL"); envURL != "" {
		return strings.TrimRight(envURL, "/")
	}
	return cfg.PublicBaseURL()
}

// initStore creates and returns a store based on config and environment.
func initStore(cfg *config.Config) (store.Store, error) {
	dbPath := cfg.Database.Path
	if envPath := os.Getenv("BUZZPOSTER_DB_PATH"); envPath != "" {
		dbPath = envPath
	}

	s, err := store.NewSQLiteStore(dbPath)
	if err != nil {
		return nil, fmt.Errorf("initializing store: %w", err)
	}
	return s, nil
}

// initCounter picks the gate's usage counter from quota.backend.
func initCounter(ctx context.Context, cfg *config.Config, s store.Store, logger *slog.Logger) (gate.Counter, *ledger.RedisCounter, error) {
	if cfg.Quota.Backend != config.QuotaBackendRedis {
		return s, nil, nil
	}
	rc, err := ledger.NewRedisCounter(ctx, ledger.Config{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
		Durable:  s,
		Logger:   logger,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("initializing redis quota counter: %w", err)
	}
	return rc, rc, nil
}

// initMedia builds the uploader when a bucket is configured.
func initMedia(ctx context.Context, cfg *config.Config, s store.Store, policy *tier.Policy, logger *slog.Logger) (*media.Uploader, error) {
	if !cfg.Media.Enabled() {
		logger.Warn("media bucket not configured - media tools will report an error")
		return nil, nil
	}
	objects, err := media.NewS3Store(ctx, media.S3Config{
		AccountID:       cfg.Media.AccountID,
		AccessKeyID:     cfg.Media.AccessKeyID,
		SecretAccessKey: cfg.Media.SecretAccessKey,
		Bucket:          cfg.Media.Bucket,
		PublicURL:       cfg.Media.PublicURL,
		Endpoint:        cfg.Media.Endpoint,
	})
	if err != nil {
		return nil, fmt.Errorf("initializing media bucket: %w", err)
	}
	return media.NewUploader(media.Config{
		Objects: objects,
		Store:   s,
		Policy:  policy,
		Logger:  logger,
	})
}

// registerToolPacks registers every tool pack with the registry.
func registerToolPacks(registry *packs.Registry, deps *tools.Deps) error {
	for _, pack := range tools.All(deps) {
		if err := registry.RegisterBuiltinPack(pack); err != nil {
			return fmt.Errorf("registering %s pack: %w", pack.ID, err)
		}
	}
	return nil
}

// New creates a new Gateway instance with the given configuration.
func New(cfg *config.Config, logger *slog.Logger) (*Gateway, error) {
	ctx := context.Background()

	policy, err := cfg.TierPolicy()
	if err != nil {
		return nil, err
	}

	s, err := initStore(cfg)
	if err != nil {
		return nil, err
	}

	gw := &Gateway{
		config:  cfg,
		store:   s,
		policy:  policy,
		logger:  logger.With("component", "gateway"),
		baseURL: determineBaseURL(cfg),
	}

	// From here on, release the store if wiring fails.
	ok := false
	defer func() {
		if !ok {
			gw.closeOptionalComponents()
			_ = s.Close()
		}
	}()

	counter, redisCounter, err := initCounter(ctx, cfg, s, logger)
	if err != nil {
		return nil, err
	}
	gw.redisCounter = redisCounter

	gw.gate, err = gate.New(gate.Config{
		Policy:  policy,
		Counter: counter,
		Window:  cfg.Quota.Window,
		Logger:  logger,
	})
	if err != nil {
		return nil, err
	}

	gw.states, err = auth.NewStateSigner([]byte(cfg.Auth.StateSecret))
	if err != nil {
		return nil, fmt.Errorf("creating state signer: %w", err)
	}
	gw.resolver = auth.NewStoreResolver(s)

	gw.fetcher = feeds.NewFetcher(feeds.Config{
		Timeout:   cfg.Feeds.Timeout,
		CacheTTL:  cfg.Feeds.CacheTTL,
		CacheSize: cfg.Feeds.CacheSize,
		Logger:    logger,
	})
	gw.news = newsapi.NewClient(newsapi.Config{
		APIKey:  cfg.NewsAPI.APIKey,
		BaseURL: cfg.NewsAPI.BaseURL,
		Logger:  logger,
	})
	if !gw.news.Configured() {
		logger.Warn("newsapi key not configured - search_news and custom topics are unavailable")
	}
	gw.late = late.NewClient(late.Config{
		ClientID:     cfg.Late.ClientID,
		ClientSecret: cfg.Late.ClientSecret,
		RedirectURL:  gw.baseURL + "/auth/late/callback",
		APIBase:      cfg.Late.APIBase,
		AuthorizeURL: cfg.Late.AuthorizeURL,
		TokenURL:     cfg.Late.TokenURL,
		Logger:       logger,
	})
	if !gw.late.Configured() {
		logger.Warn("late.dev client not configured - social tools will report an error")
	}

	gw.media, err = initMedia(ctx, cfg, s, policy, logger)
	if err != nil {
		return nil, err
	}

	gw.billing, err = billing.New(billing.Config{
		SecretKey:       cfg.Stripe.SecretKey,
		WebhookSecret:   cfg.Stripe.WebhookSecret,
		ProPriceID:      cfg.Stripe.ProPriceID,
		BusinessPriceID: cfg.Stripe.BusinessPriceID,
		BaseURL:         gw.baseURL,
		Users:           s,
		Audit:           s,
		Logger:          logger,
	})
	if err != nil {
		return nil, err
	}

	gw.pages, err = newPageRenderer()
	if err != nil {
		return nil, err
	}

	gw.packRegistry = packs.NewRegistry(logger.With("component", "pack-registry"))
	gw.packRouter = packs.NewRouter(packs.RouterConfig{
		Registry: gw.packRegistry,
		Logger:   logger.With("component", "pack-router"),
	})
	deps := &tools.Deps{
		Store:   s,
		Policy:  policy,
		Fetcher: gw.fetcher,
		News:    gw.news,
		Late:    gw.late,
		Media:   gw.media,
		Logger:  logger,
	}
	if err := registerToolPacks(gw.packRegistry, deps); err != nil {
		return nil, err
	}

	gw.dispatcher, err = dispatch.New(dispatch.Config{
		Resolver: gw.resolver,
		Gate:     gw.gate,
		Router:   gw.packRouter,
		Ledger:   s,
		Logger:   logger,
	})
	if err != nil {
		return nil, err
	}

	gw.mcpServer, err = mcp.NewServer(mcp.Config{
		Dispatcher: gw.dispatcher,
		Resolver:   gw.resolver,
		Logger:     logger,
		BillingURL: gw.baseURL + "/billing",
		Version:    Version,
	})
	if err != nil {
		return nil, fmt.Errorf("creating MCP server: %w", err)
	}

	gw.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           gw.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ok = true
	return gw, nil
}

// Handler returns the full HTTP surface with CORS applied.
func (g *Gateway) Handler() http.Handler {
	mux := http.NewServeMux()

	// Health and discovery - no auth required
	mux.HandleFunc("/health", g.handleHealth)
	mux.HandleFunc("/", g.handleRoot)

	// Account and billing API
	mux.HandleFunc("/signup", g.handleSignup)
	mux.HandleFunc("/checkout", g.handleCheckout)
	mux.HandleFunc("/webhooks/stripe", g.handleStripeWebhook)

	// HTML pages
	mux.HandleFunc("/onboarding", g.handleOnboarding)
	mux.HandleFunc("/billing", g.handleBilling)

	// Late.dev account linking
	mux.HandleFunc("/auth/late/connect", g.handleLateConnect)
	mux.HandleFunc("/auth/late/callback", g.handleLateCallback)
	mux.Handle("/auth/late/status", auth.HTTPMiddleware(g.resolver)(http.HandlerFunc(g.handleLateStatus)))

	// MCP endpoint for agent clients
	g.mcpServer.RegisterRoutes(mux)

	return g.corsHandler().Handler(mux)
}

// corsHandler allows configured browser origins to reach the API.
func (g *Gateway) corsHandler() *cors.Cors {
	origins := g.config.CORS.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	return cors.New(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowedHeaders: []string{"Authorization", "Content-Type", "X-API-Key", "Mcp-Session-Id", "Mcp-Protocol-Version"},
		ExposedHeaders: []string{"Mcp-Session-Id"},
		MaxAge:         600,
	})
}

// setupTCPListener creates the standard TCP listener for HTTP.
func (g *Gateway) setupTCPListener() (net.Listener, error) {
	g.logger.Info("starting gateway", "http_addr", g.config.Server.HTTPAddr, "base_url", g.baseURL)

	httpLn, err := net.Listen("tcp", g.config.Server.HTTPAddr)
	if err != nil {
		return nil, fmt.Errorf("listening on HTTP address: %w", err)
	}
	return httpLn, nil
}

// warnIgnoredAddress logs a warning if server.http_addr is configured but Tailscale is enabled.
func (g *Gateway) warnIgnoredAddress() {
	if g.config.Server.HTTPAddr != "" {
		g.logger.Warn("server.http_addr is ignored when tailscale is enabled",
			"http_addr", g.config.Server.HTTPAddr,
		)
	}
}

// setupListener creates the HTTP listener based on configuration (Tailscale or TCP).
func (g *Gateway) setupListener(ctx context.Context) (net.Listener, error) {
	if g.config.Tailscale.Enabled {
		g.warnIgnoredAddress()
		return g.setupTailscaleListener(ctx)
	}
	return g.setupTCPListener()
}

// startServer starts the HTTP server in a goroutine, returning its error channel.
func (g *Gateway) startServer(httpLn net.Listener) chan error {
	errCh := make(chan error, 1)

	go func() {
		g.logger.Info("HTTP server listening", "addr", httpLn.Addr().String(), "mcp_endpoint", g.MCPEndpoint())
		if err := g.httpServer.Serve(httpLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("HTTP server: %w", err)
		}
	}()

	return errCh
}

// waitForShutdownSignal waits for context cancellation or server error.
func (g *Gateway) waitForShutdownSignal(ctx context.Context, errCh chan error) error {
	select {
	case <-ctx.Done():
		g.logger.Info("context canceled, initiating shutdown")
		return nil
	case err := <-errCh:
		g.logger.Error("server error", "error", err)
		return err
	}
}

// Run starts the gateway server and blocks until the context is canceled.
// Returns nil on graceful shutdown (context canceled), or an error if the server fails.
func (g *Gateway) Run(ctx context.Context) error {
	httpListener, err := g.setupListener(ctx)
	if err != nil {
		return err
	}

	errCh := g.startServer(httpListener)
	serverErr := g.waitForShutdownSignal(ctx, errCh)

	shutdownErr := g.gracefulShutdown()

	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

// gracefulShutdown performs shutdown with a fresh context and timeout.
// Uses context.Background() intentionally since the original context is already canceled.
func (g *Gateway) gracefulShutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return g.Shutdown(ctx)
}

// resolveTailscaleStateDir returns the state directory, using default if not configured.
func resolveTailscaleStateDir(configured string) (string, error) {
	if configured != "" {
		return configured, nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory for tailscale state (set tailscale.state_dir explicitly): %w", err)
	}
	return filepath.Join(homeDir, ".local", "share", "buzzposter-gateway", "tailscale"), nil
}

// resolveTailscaleAuthKey returns the auth key from config or environment.
func resolveTailscaleAuthKey(configured string) (string, error) {
	authKey := configured
	if authKey == "" {
		authKey = os.Getenv("TS_AUTHKEY")
	}
	if authKey == "" {
		return "", errors.New("tailscale auth key required: set auth_key in config or TS_AUTHKEY environment variable (get one at https://login.tailscale.com/admin/settings/keys)")
	}
	return authKey, nil
}

// setupTailscaleListener creates a tsnet server and returns its HTTP listener.
func (g *Gateway) setupTailscaleListener(ctx context.Context) (net.Listener, error) {
	tsCfg := g.config.Tailscale

	stateDir, err := resolveTailscaleStateDir(tsCfg.StateDir)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(stateDir, 0o700); err != nil {
		return nil, fmt.Errorf("creating tailscale state dir: %w", err)
	}

	authKey, err := resolveTailscaleAuthKey(tsCfg.AuthKey)
	if err != nil {
		return nil, err
	}

	g.tsnetServer = &tsnet.Server{
		Hostname:  tsCfg.Hostname,
		Dir:       stateDir,
		Ephemeral: tsCfg.Ephemeral,
		AuthKey:   authKey,
	}

	g.logger.Info("starting tailscale node", "hostname", tsCfg.Hostname, "state_dir", stateDir, "ephemeral", tsCfg.Ephemeral)
	status, err := g.tsnetServer.Up(ctx)
	if err != nil {
		_ = g.tsnetServer.Close()
		return nil, fmt.Errorf("starting tailscale: %w", err)
	}

	g.logTailscaleStatus(tsCfg.Hostname, status)
	g.updateBaseURLFromStatus(status)

	return g.createTailscaleHTTPListener(tsCfg)
}

// logTailscaleStatus logs info about the tailscale node status.
func (g *Gateway) logTailscaleStatus(hostname string, status *ipnstate.Status) {
	var tsAddr, dnsName string
	if len(status.TailscaleIPs) > 0 {
		tsAddr = status.TailscaleIPs[0].String()
	} else {
		g.logger.Warn("tailscale node has no IP addresses assigned")
	}
	if status.Self != nil {
		dnsName = status.Self.DNSName
	}
	g.logger.Info("tailscale node ready", "hostname", hostname, "tailscale_ip", tsAddr, "dns_name", dnsName)
}

// updateBaseURLFromStatus switches the public URL to the node's tailnet DNS
// name, unless server.base_url pins it.
func (g *Gateway) updateBaseURLFromStatus(status *ipnstate.Status) {
	if g.config.Server.BaseURL != "" || status.Self == nil || status.Self.DNSName == "" {
		return
	}
	scheme := "http"
	if g.config.Tailscale.HTTPS || g.config.Tailscale.Funnel {
		scheme = "https"
	}
	cleanDNS := strings.TrimSuffix(status.Self.DNSName, ".")
	newURL := scheme + "://" + cleanDNS
	if newURL != g.baseURL {
		g.logger.Info("updated base URL to use Tailscale DNS name", "old", g.baseURL, "new", newURL)
		g.baseURL = newURL
	}
}

// createTailscaleHTTPListener creates the appropriate HTTP listener based on config.
func (g *Gateway) createTailscaleHTTPListener(tsCfg config.TailscaleConfig) (net.Listener, error) {
	switch {
	case tsCfg.Funnel:
		g.logger.Info("enabling tailscale funnel (public HTTPS) on :443")
		ln, err := g.tsnetServer.ListenFunnel("tcp", ":443")
		if err != nil {
			_ = g.tsnetServer.Close()
			return nil, fmt.Errorf("listening on tailscale funnel port: %w", err)
		}
		return ln, nil
	case tsCfg.HTTPS:
		return g.createTailscaleTLSListener()
	default:
		ln, err := g.tsnetServer.Listen("tcp", ":80")
		if err != nil {
			_ = g.tsnetServer.Close()
			return nil, fmt.Errorf("listening on tailscale HTTP port: %w", err)
		}
		return ln, nil
	}
}

// createTailscaleTLSListener creates a TLS listener using Tailscale's auto-provisioned certs.
func (g *Gateway) createTailscaleTLSListener() (net.Listener, error) {
	g.logger.Info("enabling HTTPS with Tailscale certs on :443")
	ln, err := g.tsnetServer.Listen("tcp", ":443")
	if err != nil {
		_ = g.tsnetServer.Close()
		return nil, fmt.Errorf("listening on tailscale HTTPS port: %w", err)
	}
	lc, err := g.tsnetServer.LocalClient()
	if err != nil {
		_ = ln.Close()
		_ = g.tsnetServer.Close()
		return nil, fmt.Errorf("getting tailscale local client: %w", err)
	}
	return tls.NewListener(ln, &tls.Config{
		GetCertificate: lc.GetCertificate,
		MinVersion:     tls.VersionTLS12,
	}), nil
}

// appendCloseError appends an error with label if err is non-nil.
func appendCloseError(errs []error, label string, err error) []error {
	if err != nil {
		return append(errs, fmt.Errorf("%s: %w", label, err))
	}
	return errs
}

// closeOptionalComponents closes optional components that may be nil.
func (g *Gateway) closeOptionalComponents() {
	if g.packRouter != nil {
		g.packRouter.Close()
	}
	if g.packRegistry != nil {
		g.packRegistry.Close()
	}
	if g.fetcher != nil {
		g.fetcher.Close()
	}
	if g.redisCounter != nil {
		if err := g.redisCounter.Close(); err != nil {
			g.logger.Warn("closing redis counter", "error", err)
		}
	}
}

// Shutdown gracefully stops the HTTP server and releases resources.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.logger.Info("shutting down gateway", "mcp_sessions", g.mcpServer.SessionCount())

	var errs []error
	errs = appendCloseError(errs, "HTTP shutdown", g.httpServer.Shutdown(ctx))

	// In-flight tool calls are cancelled before the store goes away.
	g.closeOptionalComponents()

	if g.tsnetServer != nil {
		errs = appendCloseError(errs, "tailscale shutdown", g.tsnetServer.Close())
	}
	errs = appendCloseError(errs, "store close", g.store.Close())

	return errors.Join(errs...)
}

// MCPEndpoint returns the public MCP URL.
func (g *Gateway) MCPEndpoint() string {
	return g.baseURL + "/mcp"
}
