// ABOUTME: Entry point for the buzzposter-gateway MCP tool server
// ABOUTME: Dispatches serve, init, account and health subcommands

package main

import (
	"bufio"
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"

	"github.com/fatih/color"
	"github.com/joho/godotenv"

	"github.com/buzzposter/buzzposter-gateway/internal/config"
	"github.com/buzzposter/buzzposter-gateway/internal/gateway"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
  _                                      _
 | |__  _   _ _________ __   ___  ___ | |_ ___ _ __
 | '_ \| | | |_  /_  / '_ \ / _ \/ __|| __/ _ \ '__|
 | |_) | |_| |/ / / /| |_) | (_) \__ \| ||  __/ |
 |_.__/ \__,_/___/___| .__/ \___/|___/ \__\___|_|
                     |_|
`

// getConfigPath returns the path to the gateway config file.
// Priority: BUZZPOSTER_CONFIG env var > XDG_CONFIG_HOME/buzzposter/gateway.yaml > ~/.config/buzzposter/gateway.yaml
func getConfigPath() string {
	if envPath := os.Getenv("BUZZPOSTER_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "gateway.yaml" // fallback
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "buzzposter", "gateway.yaml")
}

// getDataPath returns the path to the buzzposter data directory.
// Priority: XDG_DATA_HOME/buzzposter > ~/.local/share/buzzposter
func getDataPath() string {
	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "data" // fallback
		}
		dataDir = filepath.Join(homeDir, ".local", "share")
	}

	return filepath.Join(dataDir, "buzzposter")
}

func usage() {
	fmt.Println("Usage: buzzposter-gateway <command>")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  serve                              Start the gateway server")
	fmt.Println("  init                               Create a new config file interactively")
	fmt.Println("  adduser --email E [--tier T]       Create a user and print its API key")
	fmt.Println("  set-tier --email E --tier T        Change a user's tier")
	fmt.Println("  rotate-key --email E               Replace a user's API key")
	fmt.Println("  usage --email E                    Show a user's calls in the current window")
	fmt.Println("  history --email E                  Show a user's account changes")
	fmt.Println("  health                             Check gateway health")
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	// A .env next to the binary's working directory feeds ${VAR} expansion.
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "Warning: loading .env: %v\n", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	args := os.Args[2:]
	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(ctx)
	case "init":
		err = runInit()
	case "adduser":
		err = runAddUser(ctx, args)
	case "set-tier":
		err = runSetTier(ctx, args)
	case "rotate-key":
		err = runRotateKey(ctx, args)
	case "usage":
		err = runUsage(ctx, args)
	case "history":
		err = runHistory(ctx, args)
	case "health":
		err = runHealth(ctx)
	case "help", "-h", "--help":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runServe(ctx context.Context) error {
	configPath := getConfigPath()

	// Print banner
	cyan := color.New(color.FgCyan)
	cyan.Print(banner)

	// Version info
	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := setupLogger(cfg.Logging)

	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)

	green.Print("    ▶ ")
	fmt.Printf("Config:    %s\n", configPath)
	green.Print("    ▶ ")
	fmt.Printf("HTTP:      %s\n", cfg.Server.HTTPAddr)
	green.Print("    ▶ ")
	fmt.Printf("Public:    %s\n", cfg.PublicBaseURL())
	green.Print("    ▶ ")
	fmt.Printf("Quota:     %s (window %s)\n", cfg.Quota.Backend, cfg.Quota.Window)

	// Tailscale status
	if cfg.Tailscale.Enabled {
		green.Print("    ▶ ")
		fmt.Printf("Tailscale: ")
		cyan.Print(cfg.Tailscale.Hostname)
		if cfg.Tailscale.Funnel {
			yellow.Print(" [funnel]")
		} else if cfg.Tailscale.HTTPS {
			yellow.Print(" [https]")
		}
		if cfg.Tailscale.Ephemeral {
			gray.Print(" (ephemeral)")
		}
		fmt.Println()
	}

	fmt.Println()

	logger.Info("starting buzzposter-gateway",
		"config", configPath,
		"http_addr", cfg.Server.HTTPAddr,
		"version", version,
	)

	gateway.Version = version
	gw, err := gateway.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("creating gateway: %w", err)
	}

	return gw.Run(ctx)
}

func setupLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: level,
	}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = &colorHandler{
			mu:    &sync.Mutex{},
			level: level,
		}
	}

	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}

// colorHandler provides colorized log output with thread-safe writes.
// Handlers derived through WithAttrs share the parent's mutex.
type colorHandler struct {
	mu     *sync.Mutex
	level  slog.Level
	attrs  []slog.Attr
	groups []string
}

func (h *colorHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level
}

func (h *colorHandler) Handle(_ context.Context, r slog.Record) error {
	var buf strings.Builder

	buf.WriteString(color.HiBlackString(r.Time.Format("15:04:05") + " "))

	switch r.Level {
	case slog.LevelDebug:
		buf.WriteString(color.MagentaString("DBG "))
	case slog.LevelInfo:
		buf.WriteString(color.CyanString("INF "))
	case slog.LevelWarn:
		buf.WriteString(color.YellowString("WRN "))
	case slog.LevelError:
		buf.WriteString(color.New(color.FgRed, color.Bold).Sprint("ERR "))
	default:
		buf.WriteString("??? ")
	}

	buf.WriteString(r.Message)

	prefix := ""
	if len(h.groups) > 0 {
		prefix = strings.Join(h.groups, ".") + "."
	}

	// Handler-level attrs first (from WithAttrs)
	for _, a := range h.attrs {
		buf.WriteString(color.HiBlackString(" " + a.Key + "="))
		buf.WriteString(a.Value.String())
	}

	r.Attrs(func(a slog.Attr) bool {
		buf.WriteString(color.HiBlackString(" " + prefix + a.Key + "="))
		buf.WriteString(a.Value.String())
		return true
	})

	buf.WriteString("\n")

	h.mu.Lock()
	defer h.mu.Unlock()
	fmt.Print(buf.String())
	return nil
}

func (h *colorHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	prefix := ""
	if len(h.groups) > 0 {
		prefix = strings.Join(h.groups, ".") + "."
	}
	newAttrs := make([]slog.Attr, len(h.attrs), len(h.attrs)+len(attrs))
	copy(newAttrs, h.attrs)
	for _, a := range attrs {
		a.Key = prefix + a.Key
		newAttrs = append(newAttrs, a)
	}
	return &colorHandler{
		mu:     h.mu,
		level:  h.level,
		attrs:  newAttrs,
		groups: h.groups,
	}
}

func (h *colorHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	newGroups := make([]string, len(h.groups), len(h.groups)+1)
	copy(newGroups, h.groups)
	newGroups = append(newGroups, name)
	return &colorHandler{
		mu:     h.mu,
		level:  h.level,
		attrs:  h.attrs,
		groups: newGroups,
	}
}

// healthURL prefers the local listener over the public URL.
func healthURL(cfg *config.Config) string {
	addr := cfg.Server.HTTPAddr
	if addr == "" || cfg.Tailscale.Enabled {
		return cfg.PublicBaseURL() + "/health"
	}
	if strings.HasPrefix(addr, ":") {
		addr = "localhost" + addr
	}
	return "http://" + addr + "/health"
}

func runHealth(ctx context.Context) error {
	cfg, err := config.Load(getConfigPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, healthURL(cfg), nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unhealthy: status %d", resp.StatusCode)
	}

	fmt.Println("healthy")
	return nil
}

// generateSecret returns a random base64 secret suitable for auth.state_secret.
func generateSecret() (string, error) {
	secretBytes := make([]byte, 32)
	if _, err := rand.Read(secretBytes); err != nil {
		return "", fmt.Errorf("generating secret: %w", err)
	}
	return base64.StdEncoding.EncodeToString(secretBytes), nil
}

func runInit() error {
	reader := bufio.NewReader(os.Stdin)

	fmt.Println("buzzposter-gateway configuration setup")
	fmt.Println("======================================")
	fmt.Println()

	defaultDbPath := filepath.Join(getDataPath(), "gateway.db")

	outputFile := prompt(reader, "Config file path", getConfigPath())

	if _, err := os.Stat(outputFile); err == nil {
		overwrite := prompt(reader, "File exists. Overwrite?", "no")
		if !isYes(overwrite) {
			fmt.Println("Aborted.")
			return nil
		}
	}

	fmt.Println("\n--- Server Configuration ---")
	httpAddr := prompt(reader, "HTTP address", "localhost:8080")
	baseURL := prompt(reader, "Public base URL (leave empty to derive)", "")

	fmt.Println("\n--- Database Configuration ---")
	dbPath := prompt(reader, "SQLite database path", defaultDbPath)

	fmt.Println("\n--- Quota Configuration ---")
	quotaBackend := prompt(reader, "Quota backend (sqlite/redis)", config.QuotaBackendSQLite)
	var redisAddr string
	if quotaBackend == config.QuotaBackendRedis {
		redisAddr = prompt(reader, "Redis address", "localhost:6379")
	}

	fmt.Println("\n--- Tailscale Configuration ---")
	tailscaleEnabled := isYes(prompt(reader, "Enable Tailscale?", "no"))

	var tsHostname, tsAuthKey string
	var tsEphemeral, tsHTTPS, tsFunnel bool
	if tailscaleEnabled {
		tsHostname = prompt(reader, "Tailscale hostname", "buzzposter")
		tsAuthKey = prompt(reader, "Tailscale auth key (leave empty to use TS_AUTHKEY)", "")
		tsEphemeral = isYes(prompt(reader, "Ephemeral node?", "no"))
		tsFunnel = isYes(prompt(reader, "Enable Funnel (public HTTPS)?", "no"))
		if !tsFunnel {
			tsHTTPS = isYes(prompt(reader, "Enable HTTPS with tailnet certs?", "yes"))
		}
	}

	fmt.Println("\n--- Logging Configuration ---")
	logLevel := prompt(reader, "Log level (debug/info/warn/error)", "info")
	logFormat := prompt(reader, "Log format (text/json)", "text")

	secret, err := generateSecret()
	if err != nil {
		return err
	}

	var cfg strings.Builder
	cfg.WriteString("# buzzposter-gateway configuration\n")
	cfg.WriteString("# Generated by buzzposter-gateway init\n\n")

	cfg.WriteString("server:\n")
	cfg.WriteString(fmt.Sprintf("  http_addr: %q\n", httpAddr))
	if baseURL != "" {
		cfg.WriteString(fmt.Sprintf("  base_url: %q\n", baseURL))
	}
	cfg.WriteString("\n")

	cfg.WriteString("database:\n")
	cfg.WriteString(fmt.Sprintf("  path: %q\n", dbPath))
	cfg.WriteString("\n")

	cfg.WriteString("auth:\n")
	cfg.WriteString(fmt.Sprintf("  state_secret: %q\n", secret))
	cfg.WriteString("\n")

	cfg.WriteString("quota:\n")
	cfg.WriteString(fmt.Sprintf("  backend: %q\n", quotaBackend))
	cfg.WriteString("  window: \"24h\"\n")
	if redisAddr != "" {
		cfg.WriteString("\nredis:\n")
		cfg.WriteString(fmt.Sprintf("  addr: %q\n", redisAddr))
	}
	cfg.WriteString("\n")

	cfg.WriteString("tailscale:\n")
	cfg.WriteString(fmt.Sprintf("  enabled: %t\n", tailscaleEnabled))
	if tailscaleEnabled {
		cfg.WriteString(fmt.Sprintf("  hostname: %q\n", tsHostname))
		if tsAuthKey != "" {
			cfg.WriteString(fmt.Sprintf("  auth_key: %q\n", tsAuthKey))
		}
		cfg.WriteString(fmt.Sprintf("  ephemeral: %t\n", tsEphemeral))
		cfg.WriteString(fmt.Sprintf("  https: %t\n", tsHTTPS))
		cfg.WriteString(fmt.Sprintf("  funnel: %t\n", tsFunnel))
	}
	cfg.WriteString("\n")

	// Integrations read their secrets from the environment (or .env).
	cfg.WriteString("newsapi:\n")
	cfg.WriteString("  api_key: \"${NEWSAPI_KEY}\"\n\n")
	cfg.WriteString("late:\n")
	cfg.WriteString("  client_id: \"${LATE_CLIENT_ID}\"\n")
	cfg.WriteString("  client_secret: \"${LATE_CLIENT_SECRET}\"\n\n")
	cfg.WriteString("stripe:\n")
	cfg.WriteString("  secret_key: \"${STRIPE_SECRET_KEY}\"\n")
	cfg.WriteString("  webhook_secret: \"${STRIPE_WEBHOOK_SECRET}\"\n")
	cfg.WriteString("  pro_price_id: \"${STRIPE_PRO_PRICE_ID}\"\n")
	cfg.WriteString("  business_price_id: \"${STRIPE_BUSINESS_PRICE_ID}\"\n\n")
	cfg.WriteString("media:\n")
	cfg.WriteString("  account_id: \"${R2_ACCOUNT_ID}\"\n")
	cfg.WriteString("  access_key_id: \"${R2_ACCESS_KEY_ID}\"\n")
	cfg.WriteString("  secret_access_key: \"${R2_SECRET_ACCESS_KEY}\"\n")
	cfg.WriteString("  bucket: \"${R2_BUCKET_NAME}\"\n")
	cfg.WriteString("  public_url: \"${R2_PUBLIC_URL}\"\n\n")

	cfg.WriteString("logging:\n")
	cfg.WriteString(fmt.Sprintf("  level: %q\n", logLevel))
	cfg.WriteString(fmt.Sprintf("  format: %q\n", logFormat))

	configDir := filepath.Dir(outputFile)
	if err := os.MkdirAll(configDir, 0o755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	// The file holds the state secret.
	if err := os.WriteFile(outputFile, []byte(cfg.String()), 0o600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	dataDir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return fmt.Errorf("creating data directory: %w", err)
	}

	fmt.Printf("\nConfig written to %s\n", outputFile)
	fmt.Printf("Data directory: %s\n", dataDir)
	fmt.Println("\nTo start the server:")
	fmt.Printf("  buzzposter-gateway serve\n")

	return nil
}

func isYes(s string) bool {
	s = strings.ToLower(strings.TrimSpace(s))
	return s == "yes" || s == "y"
}

func prompt(reader *bufio.Reader, question, defaultVal string) string {
	if defaultVal != "" {
		fmt.Printf("%s [%s]: ", question, defaultVal)
	} else {
		fmt.Printf("%s: ", question)
	}

	input, err := reader.ReadString('\n')
	if err != nil {
		// On EOF or error, return default
		fmt.Println()
		return defaultVal
	}
	input = strings.TrimSpace(input)

	if input == "" {
		return defaultVal
	}
	return input
}
