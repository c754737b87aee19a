// ABOUTME: Configuration loading and parsing for buzzposter-gateway
// ABOUTME: Supports YAML or TOML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/buzzposter/buzzposter-gateway/internal/tier"
)

// Quota backends
const (
	QuotaBackendSQLite = "sqlite"
	QuotaBackendRedis  = "redis"
)

// Config represents the complete buzzposter-gateway configuration
type Config struct {
	Server    ServerConfig            `yaml:"server" toml:"server"`
	Tailscale TailscaleConfig         `yaml:"tailscale" toml:"tailscale"`
	Database  DatabaseConfig          `yaml:"database" toml:"database"`
	Auth      AuthConfig              `yaml:"auth" toml:"auth"`
	Logging   LoggingConfig           `yaml:"logging" toml:"logging"`
	Quota     QuotaConfig             `yaml:"quota" toml:"quota"`
	Redis     RedisConfig             `yaml:"redis" toml:"redis"`
	Tiers     map[string]TierOverride `yaml:"tiers" toml:"tiers"`
	NewsAPI   NewsAPIConfig           `yaml:"newsapi" toml:"newsapi"`
	Late      LateConfig              `yaml:"late" toml:"late"`
	Stripe    StripeConfig            `yaml:"stripe" toml:"stripe"`
	Media     MediaConfig             `yaml:"media" toml:"media"`
	Feeds     FeedsConfig             `yaml:"feeds" toml:"feeds"`
	CORS      CORSConfig              `yaml:"cors" toml:"cors"`
}

// ServerConfig holds server address configuration
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr" toml:"http_addr"`
	// BaseURL is the public URL used in redirects, checkout links and the MCP snippet.
	// If not set, it's derived from http_addr or the tailscale hostname.
	BaseURL string `yaml:"base_url" toml:"base_url"`
}

// TailscaleConfig holds Tailscale tsnet configuration
type TailscaleConfig struct {
	Enabled   bool   `yaml:"enabled" toml:"enabled"`
	Hostname  string `yaml:"hostname" toml:"hostname"`
	AuthKey   string `yaml:"auth_key" toml:"auth_key"`
	StateDir  string `yaml:"state_dir" toml:"state_dir"`
	Ephemeral bool   `yaml:"ephemeral" toml:"ephemeral"`
	HTTPS     bool   `yaml:"https" toml:"https"`   // Serve HTTPS with tailnet certs
	Funnel    bool   `yaml:"funnel" toml:"funnel"` // Enable public Funnel (implies HTTPS)
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Path string `yaml:"path" toml:"path"`
}

// AuthConfig holds authentication configuration
type AuthConfig struct {
	// StateSecret signs OAuth state tokens. Must be at least 32 bytes.
	StateSecret string `yaml:"state_secret" toml:"state_secret"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"` // text or json
}

// QuotaConfig selects the usage counter and the rolling window length
type QuotaConfig struct {
	Backend string        `yaml:"backend" toml:"backend"`
	Window  time.Duration `yaml:"-" toml:"-"`

	// Raw string values for unmarshaling
	WindowRaw string `yaml:"window" toml:"window"`
}

// RedisConfig holds the connection used by the redis quota backend
type RedisConfig struct {
	Addr     string `yaml:"addr" toml:"addr"`
	Password string `yaml:"password" toml:"password"`
	DB       int    `yaml:"db" toml:"db"`
}

// TierOverride replaces fields of a default tier entry. Nil fields keep the default.
type TierOverride struct {
	DailyQuota   *int     `yaml:"daily_quota" toml:"daily_quota"`
	Features     []string `yaml:"features" toml:"features"`
	StorageBytes *int64   `yaml:"storage_bytes" toml:"storage_bytes"`
	MaxFileBytes *int64   `yaml:"max_file_bytes" toml:"max_file_bytes"`
	MonthlyPrice *int     `yaml:"monthly_price" toml:"monthly_price"`
}

// NewsAPIConfig holds NewsAPI credentials
type NewsAPIConfig struct {
	APIKey  string `yaml:"api_key" toml:"api_key"`
	BaseURL string `yaml:"base_url" toml:"base_url"`
}

// LateConfig holds Late.dev OAuth client configuration
type LateConfig struct {
	ClientID     string `yaml:"client_id" toml:"client_id"`
	ClientSecret string `yaml:"client_secret" toml:"client_secret"`
	APIBase      string `yaml:"api_base" toml:"api_base"`
	AuthorizeURL string `yaml:"authorize_url" toml:"authorize_url"`
	TokenURL     string `yaml:"token_url" toml:"token_url"`
}

// StripeConfig holds billing configuration
type StripeConfig struct {
	SecretKey       string `yaml:"secret_key" toml:"secret_key"`
	WebhookSecret   string `yaml:"webhook_secret" toml:"webhook_secret"`
	ProPriceID      string `yaml:"pro_price_id" toml:"pro_price_id"`
	BusinessPriceID string `yaml:"business_price_id" toml:"business_price_id"`
}

// MediaConfig holds the S3-compatible bucket used for uploads
type MediaConfig struct {
	AccountID       string `yaml:"account_id" toml:"account_id"`
	AccessKeyID     string `yaml:"access_key_id" toml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key" toml:"secret_access_key"`
	Bucket          string `yaml:"bucket" toml:"bucket"`
	PublicURL       string `yaml:"public_url" toml:"public_url"`
	// Endpoint overrides the R2 endpoint derived from account_id.
	Endpoint string `yaml:"endpoint" toml:"endpoint"`
}

// Enabled reports whether enough is configured to upload objects.
func (m MediaConfig) Enabled() bool {
	return m.Bucket != "" && m.AccessKeyID != "" && m.SecretAccessKey != "" &&
		(m.AccountID != "" || m.Endpoint != "")
}

// FeedsConfig tunes RSS fetching
type FeedsConfig struct {
	CacheTTL  time.Duration `yaml:"-" toml:"-"`
	Timeout   time.Duration `yaml:"-" toml:"-"`
	CacheSize int           `yaml:"cache_size" toml:"cache_size"`

	CacheTTLRaw string `yaml:"cache_ttl" toml:"cache_ttl"`
	TimeoutRaw  string `yaml:"timeout" toml:"timeout"`
}

// CORSConfig lists origins allowed to call the HTTP API from a browser
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins" toml:"allowed_origins"`
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Environment variables in the format ${VAR_NAME} are expanded.
// Files ending in .toml are decoded as TOML, everything else as YAML.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	expandedData := expandEnvVars(string(data))

	var cfg Config
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		if _, err := toml.Decode(expandedData, &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	} else {
		if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

func (c *Config) applyDefaults() {
	if c.Quota.Backend == "" {
		c.Quota.Backend = QuotaBackendSQLite
	}
	if c.Quota.Window == 0 {
		c.Quota.Window = 24 * time.Hour
	}
	if c.Feeds.CacheTTL == 0 {
		c.Feeds.CacheTTL = 15 * time.Minute
	}
	if c.Feeds.Timeout == 0 {
		c.Feeds.Timeout = 10 * time.Second
	}
	if c.Feeds.CacheSize == 0 {
		c.Feeds.CacheSize = 256
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
	if c.NewsAPI.BaseURL == "" {
		c.NewsAPI.BaseURL = "https://newsapi.org"
	}
	if c.Late.APIBase == "" {
		c.Late.APIBase = "https://getlate.dev/api/v1"
	}
	if c.Late.AuthorizeURL == "" {
		c.Late.AuthorizeURL = "https://app.getlate.dev/oauth/authorize"
	}
	if c.Late.TokenURL == "" {
		c.Late.TokenURL = "https://getlate.dev/api/v1/oauth/token"
	}
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if !c.Tailscale.Enabled && c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr is required (or enable tailscale)")
	}

	if c.Tailscale.Enabled && c.Tailscale.Hostname == "" {
		return fmt.Errorf("tailscale.hostname is required when tailscale is enabled")
	}

	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}

	if len(c.Auth.StateSecret) < 32 {
		return fmt.Errorf("auth.state_secret must be at least 32 bytes")
	}

	switch c.Quota.Backend {
	case QuotaBackendSQLite:
	case QuotaBackendRedis:
		if c.Redis.Addr == "" {
			return fmt.Errorf("redis.addr is required when quota.backend is redis")
		}
	default:
		return fmt.Errorf("quota.backend must be %q or %q, got %q", QuotaBackendSQLite, QuotaBackendRedis, c.Quota.Backend)
	}

	if c.Quota.Window < time.Minute {
		return fmt.Errorf("quota.window must be at least 1m")
	}

	switch c.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("logging.format must be text or json, got %q", c.Logging.Format)
	}

	if _, err := c.TierPolicy(); err != nil {
		return err
	}

	return nil
}

// TierPolicy builds the immutable tier policy from the defaults plus any overrides.
func (c *Config) TierPolicy() (*tier.Policy, error) {
	base := tier.Default().Entries()
	for name := range c.Tiers {
		if !tier.Default().Valid(tier.Name(name)) {
			return nil, fmt.Errorf("tiers.%s: unknown tier", name)
		}
	}

	for i, e := range base {
		o, ok := c.Tiers[string(e.Tier)]
		if !ok {
			continue
		}
		if o.DailyQuota != nil {
			e.DailyQuota = *o.DailyQuota
		}
		if o.Features != nil {
			e.Features = make([]tier.Feature, len(o.Features))
			for j, f := range o.Features {
				e.Features[j] = tier.Feature(f)
			}
		}
		if o.StorageBytes != nil {
			e.StorageBytes = *o.StorageBytes
		}
		if o.MaxFileBytes != nil {
			e.MaxFileBytes = *o.MaxFileBytes
		}
		if o.MonthlyPrice != nil {
			e.MonthlyPrice = *o.MonthlyPrice
		}
		base[i] = e
	}

	p, err := tier.NewPolicy(base...)
	if err != nil {
		return nil, fmt.Errorf("tiers: %w", err)
	}
	return p, nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	var err error

	if cfg.Quota.WindowRaw != "" {
		cfg.Quota.Window, err = time.ParseDuration(cfg.Quota.WindowRaw)
		if err != nil {
			return fmt.Errorf("parsing quota.window %q: %w", cfg.Quota.WindowRaw, err)
		}
	}

	if cfg.Feeds.CacheTTLRaw != "" {
		cfg.Feeds.CacheTTL, err = time.ParseDuration(cfg.Feeds.CacheTTLRaw)
		if err != nil {
			return fmt.Errorf("parsing feeds.cache_ttl %q: %w", cfg.Feeds.CacheTTLRaw, err)
		}
	}

	if cfg.Feeds.TimeoutRaw != "" {
		cfg.Feeds.Timeout, err = time.ParseDuration(cfg.Feeds.TimeoutRaw)
		if err != nil {
			return fmt.Errorf("parsing feeds.timeout %q: %w", cfg.Feeds.TimeoutRaw, err)
		}
	}

	return nil
}

// PublicBaseURL returns server.base_url, or a URL derived from the listener.
func (c *Config) PublicBaseURL() string {
	if c.Server.BaseURL != "" {
		return strings.TrimRight(c.Server.BaseURL, "/")
	}
	if c.Tailscale.Enabled {
		scheme := "http"
		if c.Tailscale.HTTPS || c.Tailscale.Funnel {
			scheme = "https"
		}
		return scheme + "://" + c.Tailscale.Hostname
	}
	addr := c.Server.HTTPAddr
	if strings.HasPrefix(addr, ":") || strings.HasPrefix(addr, "0.0.0.0:") {
		addr = "localhost:" + addr[strings.LastIndex(addr, ":")+1:]
	}
	return "http://" + addr
}
