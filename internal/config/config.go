// Package config loads and normalizes the gateway's configuration from
// ~/.convoy/config.yaml, with environment variable overrides for secrets.
package config

import (
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// DMPolicy controls whether a channel accepts unsolicited direct messages
// from unpaired users.
type DMPolicy string

const (
	DMPolicyOpen      DMPolicy = "open"      // anyone may DM; pairing happens on first contact
	DMPolicyAllowlist DMPolicy = "allowlist" // only statically allowlisted IDs may DM
	DMPolicyPairing   DMPolicy = "pairing"   // unpaired users are routed into the pairing flow
	DMPolicyDisabled  DMPolicy = "disabled"  // DMs are rejected outright
)

// TelegramConfig configures the Telegram-like bot adapter.
type TelegramConfig struct {
	Enabled       bool     `yaml:"enabled"`
	Token         string   `yaml:"token"`
	AllowedIDs    []int64  `yaml:"allowed_ids"`
	DMPolicy      DMPolicy `yaml:"dm_policy"`
	GroupAdminTTL int      `yaml:"group_admin_cache_seconds"`
}

// WebchatConfig configures the browser WebSocket chat adapter.
type WebchatConfig struct {
	Enabled      bool     `yaml:"enabled"`
	Path         string   `yaml:"path"`
	DMPolicy     DMPolicy `yaml:"dm_policy"`
	PingInterval int      `yaml:"ping_interval_seconds"`
}

// WebhookConfig configures the generic HTTP webhook ingress channel.
type WebhookConfig struct {
	Enabled  bool     `yaml:"enabled"`
	Path     string   `yaml:"path"`
	Secret   string   `yaml:"secret"`
	DMPolicy DMPolicy `yaml:"dm_policy"`
}

// ChannelsConfig groups all transport-specific channel configuration.
type ChannelsConfig struct {
	Telegram TelegramConfig `yaml:"telegram"`
	Webchat  WebchatConfig  `yaml:"webchat"`
	Webhook  WebhookConfig  `yaml:"webhook"`
}

// APIKeyEntry is a single bearer credential accepted by AuthMiddleware,
// optionally scoped to a wallet address for the wallet-scoped API surface.
type APIKeyEntry struct {
	Key            string `yaml:"key"`
	Label          string `yaml:"label"`
	WalletScoped   string `yaml:"wallet_scoped"`
	MetricsAllowed bool   `yaml:"metrics_allowed"`
}

// AuthConfig configures Authorization/X-API-Key checking on the HTTP surface.
type AuthConfig struct {
	Enabled bool          `yaml:"enabled"`
	Keys    []APIKeyEntry `yaml:"keys"`
}

// RateLimitConfig configures the per-key token bucket limiter. Policy
// selects the transport rate-gate key: "perUser" buckets per chat,
// "global" shares one bucket across all chats.
type RateLimitConfig struct {
	Enabled           bool   `yaml:"enabled"`
	RequestsPerMinute int    `yaml:"requests_per_minute"`
	BurstSize         int    `yaml:"burst_size"`
	Policy            string `yaml:"policy"`
}

// CORSConfig configures allowed browser origins for the webchat/HTTP surface.
type CORSConfig struct {
	Enabled        bool     `yaml:"enabled"`
	AllowedOrigins []string `yaml:"allowed_origins"`
	AllowedMethods []string `yaml:"allowed_methods"`
	AllowedHeaders []string `yaml:"allowed_headers"`
	MaxAge         int      `yaml:"max_age"`
}

// RetryPolicyConfig bounds the retry/backoff behavior applied to
// outbound channel sends when a channel's send API returns 429 or a
// transient error.
type RetryPolicyConfig struct {
	MaxAttempts       int  `yaml:"max_attempts"`
	BaseDelayMs       int  `yaml:"base_delay_ms"`
	MaxDelayMs        int  `yaml:"max_delay_ms"`
	RespectRetryAfter bool `yaml:"respect_retry_after"`
}

// PairingConfig tunes the pairing service.
type PairingConfig struct {
	CodeTTLSeconds        int      `yaml:"code_ttl_seconds"`
	MaxPendingPerChannel  int      `yaml:"max_pending_per_channel"`
	WalletCodeTTLSeconds  int      `yaml:"wallet_code_ttl_seconds"`
	ReapIntervalSeconds   int      `yaml:"reap_interval_seconds"`
	AutoApproveLocalAdmin bool     `yaml:"auto_approve_local_admin"`
	AutoApproveOwner      bool     `yaml:"auto_approve_owner"`
	AutoApproveTailscale  bool     `yaml:"auto_approve_tailscale"`
	TailscalePeers        []string `yaml:"tailscale_peers"`
}

// MenuConfig tunes the menu state machine.
type MenuConfig struct {
	HistoryDepth       int `yaml:"history_depth"`
	DraftMinIntervalMs int `yaml:"draft_min_interval_ms"`
	SessionTTLSeconds  int `yaml:"session_ttl_seconds"`
}

// Config is the root configuration object for the gateway.
type Config struct {
	BindAddr        string            `yaml:"bind_addr"`
	LogLevel        string            `yaml:"log_level"`
	LogQuiet        bool              `yaml:"log_quiet"`
	Channels        ChannelsConfig    `yaml:"channels"`
	Auth            AuthConfig        `yaml:"auth"`
	RateLimit       RateLimitConfig   `yaml:"rate_limit"`
	CORS            CORSConfig        `yaml:"cors"`
	RetryPolicy     RetryPolicyConfig `yaml:"retry_policy"`
	Pairing         PairingConfig     `yaml:"pairing"`
	Menu            MenuConfig        `yaml:"menu"`
	StaticAllowlist []string          `yaml:"static_allowlist"`
	OtelEnabled     bool              `yaml:"otel_enabled"`
	OtelExporter    string            `yaml:"otel_exporter"`
	OtelEndpoint    string            `yaml:"otel_endpoint"`
	OtelServiceName string            `yaml:"otel_service_name"`
	OtelSampleRate  float64           `yaml:"otel_sample_rate"`

	// NeedsGenesis is true when config.yaml did not exist and defaults were
	// synthesized in memory; callers may choose to persist them on first boot.
	NeedsGenesis bool `yaml:"-"`
}

// HomeDir returns the gateway's home directory, honoring CONVOY_HOME and
// falling back to ~/.convoy.
func HomeDir() string {
	if h := os.Getenv("CONVOY_HOME"); h != "" {
		return h
	}
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	return filepath.Join(home, ".convoy")
}

// ConfigPath returns the path to config.yaml within the given home directory.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

func defaultConfig() Config {
	return Config{
		BindAddr: "127.0.0.1:18080",
		LogLevel: "info",
		Channels: ChannelsConfig{
			Telegram: TelegramConfig{
				DMPolicy:      DMPolicyPairing,
				GroupAdminTTL: 300,
			},
			Webchat: WebchatConfig{
				Path:         "/ws/chat",
				DMPolicy:     DMPolicyOpen,
				PingInterval: 30,
			},
			Webhook: WebhookConfig{
				Path:     "/webhook",
				DMPolicy: DMPolicyAllowlist,
			},
		},
		RateLimit: RateLimitConfig{
			Enabled:           true,
			RequestsPerMinute: 60,
			BurstSize:         20,
			Policy:            "perUser",
		},
		CORS: CORSConfig{
			Enabled:        true,
			AllowedOrigins: []string{"*"},
		},
		RetryPolicy: RetryPolicyConfig{
			MaxAttempts:       5,
			BaseDelayMs:       250,
			MaxDelayMs:        10_000,
			RespectRetryAfter: true,
		},
		Pairing: PairingConfig{
			CodeTTLSeconds:       600,
			MaxPendingPerChannel: 3,
			WalletCodeTTLSeconds: 300,
			ReapIntervalSeconds:  60,
		},
		Menu: MenuConfig{
			HistoryDepth:       10,
			DraftMinIntervalMs: 500,
			SessionTTLSeconds:  1800,
		},
	}
}

// Load reads config.yaml from HomeDir(), applying defaults for missing
// fields and environment variable overrides for secrets. If config.yaml
// does not exist, Load returns an in-memory default config with
// NeedsGenesis set.
func Load() (Config, error) {
	return LoadFrom(HomeDir())
}

// LoadFrom loads configuration from an explicit home directory. Exposed
// separately from Load so tests can point at a temp dir without mutating
// the process environment beyond CONVOY_HOME.
func LoadFrom(homeDir string) (Config, error) {
	cfg := defaultConfig()

	raw, err := loadRawConfig(homeDir)
	if err != nil {
		return Config{}, err
	}
	if raw == nil {
		cfg.NeedsGenesis = true
	} else if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config.yaml: %w", err)
	}

	normalize(&cfg)
	applyEnvOverrides(&cfg)
	return cfg, nil
}

// loadRawConfig reads config.yaml's raw bytes, returning (nil, nil) if the
// file does not exist.
func loadRawConfig(homeDir string) ([]byte, error) {
	path := ConfigPath(homeDir)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return data, nil
}

// normalize fills in any fields still at their zero value after YAML
// merge, and clamps values that would otherwise leave components
// misconfigured.
func normalize(cfg *Config) {
	if cfg.BindAddr == "" {
		cfg.BindAddr = "127.0.0.1:18080"
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.Channels.Telegram.DMPolicy == "" {
		cfg.Channels.Telegram.DMPolicy = DMPolicyPairing
	}
	if cfg.Channels.Telegram.GroupAdminTTL <= 0 {
		cfg.Channels.Telegram.GroupAdminTTL = 300
	}
	if cfg.Channels.Webchat.Path == "" {
		cfg.Channels.Webchat.Path = "/ws/chat"
	}
	if cfg.Channels.Webchat.DMPolicy == "" {
		cfg.Channels.Webchat.DMPolicy = DMPolicyOpen
	}
	if cfg.Channels.Webchat.PingInterval <= 0 {
		cfg.Channels.Webchat.PingInterval = 30
	}
	if cfg.Channels.Webhook.Path == "" {
		cfg.Channels.Webhook.Path = "/webhook"
	}
	if cfg.Channels.Webhook.DMPolicy == "" {
		cfg.Channels.Webhook.DMPolicy = DMPolicyAllowlist
	}
	if cfg.RateLimit.RequestsPerMinute <= 0 {
		cfg.RateLimit.RequestsPerMinute = 60
	}
	if cfg.RateLimit.BurstSize <= 0 {
		cfg.RateLimit.BurstSize = 20
	}
	if cfg.RateLimit.Policy != "global" {
		cfg.RateLimit.Policy = "perUser"
	}
	if len(cfg.CORS.AllowedMethods) == 0 {
		cfg.CORS.AllowedMethods = []string{"GET", "POST", "OPTIONS"}
	}
	if len(cfg.CORS.AllowedHeaders) == 0 {
		cfg.CORS.AllowedHeaders = []string{"Content-Type", "Authorization", "X-API-Key", "X-Wallet-Address"}
	}
	if cfg.CORS.MaxAge <= 0 {
		cfg.CORS.MaxAge = 3600
	}
	if cfg.RetryPolicy.MaxAttempts <= 0 {
		cfg.RetryPolicy.MaxAttempts = 5
	}
	if cfg.RetryPolicy.BaseDelayMs <= 0 {
		cfg.RetryPolicy.BaseDelayMs = 250
	}
	if cfg.RetryPolicy.MaxDelayMs <= 0 {
		cfg.RetryPolicy.MaxDelayMs = 10_000
	}
	if cfg.Pairing.CodeTTLSeconds <= 0 {
		cfg.Pairing.CodeTTLSeconds = 600
	}
	if cfg.Pairing.MaxPendingPerChannel <= 0 {
		cfg.Pairing.MaxPendingPerChannel = 3
	}
	if cfg.Pairing.WalletCodeTTLSeconds <= 0 {
		cfg.Pairing.WalletCodeTTLSeconds = 300
	}
	if cfg.Pairing.ReapIntervalSeconds <= 0 {
		cfg.Pairing.ReapIntervalSeconds = 60
	}
	if cfg.Menu.HistoryDepth <= 0 {
		cfg.Menu.HistoryDepth = 10
	}
	if cfg.Menu.DraftMinIntervalMs <= 0 {
		cfg.Menu.DraftMinIntervalMs = 500
	}
	if cfg.Menu.SessionTTLSeconds <= 0 {
		cfg.Menu.SessionTTLSeconds = 1800
	}
	if cfg.OtelExporter == "" {
		cfg.OtelExporter = "stdout"
	}
	if cfg.OtelServiceName == "" {
		cfg.OtelServiceName = "convoy-gatewayd"
	}
	if cfg.OtelSampleRate <= 0 {
		cfg.OtelSampleRate = 1.0
	}
}

// applyEnvOverrides lets deployment secrets (bot tokens, webhook secrets)
// come from the environment instead of being committed to config.yaml.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("CONVOY_TELEGRAM_TOKEN"); v != "" {
		cfg.Channels.Telegram.Token = v
	}
	if v := os.Getenv("CONVOY_WEBHOOK_SECRET"); v != "" {
		cfg.Channels.Webhook.Secret = v
	}
	if v := os.Getenv("CONVOY_BIND_ADDR"); v != "" {
		cfg.BindAddr = v
	}
	if v := os.Getenv("CONVOY_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("CONVOY_OTEL_ENDPOINT"); v != "" {
		cfg.OtelEnabled = true
		cfg.OtelEndpoint = v
		cfg.OtelExporter = "otlp-http"
	}
	if v := os.Getenv("CONVOY_RATE_LIMIT_RPM"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.RateLimit.RequestsPerMinute = n
		}
	}
}

// Fingerprint returns a stable hash of the fields that affect runtime
// behavior, used by the hot-reload watcher to decide whether a config.yaml
// write actually changed anything worth rebuilding for.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "bind=%s|level=%s|quiet=%t", c.BindAddr, c.LogLevel, c.LogQuiet)
	fmt.Fprintf(h, "|tg=%t:%s:%s:%d", c.Channels.Telegram.Enabled, c.Channels.Telegram.Token, c.Channels.Telegram.DMPolicy, c.Channels.Telegram.GroupAdminTTL)
	ids := append([]int64(nil), c.Channels.Telegram.AllowedIDs...)
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	fmt.Fprintf(h, "|tgids=%v", ids)
	fmt.Fprintf(h, "|wc=%t:%s:%s", c.Channels.Webchat.Enabled, c.Channels.Webchat.Path, c.Channels.Webchat.DMPolicy)
	fmt.Fprintf(h, "|wh=%t:%s:%s", c.Channels.Webhook.Enabled, c.Channels.Webhook.Path, c.Channels.Webhook.DMPolicy)
	fmt.Fprintf(h, "|auth=%t:%d", c.Auth.Enabled, len(c.Auth.Keys))
	fmt.Fprintf(h, "|rl=%t:%d:%d:%s", c.RateLimit.Enabled, c.RateLimit.RequestsPerMinute, c.RateLimit.BurstSize, c.RateLimit.Policy)
	fmt.Fprintf(h, "|cors=%t:%s", c.CORS.Enabled, strings.Join(c.CORS.AllowedOrigins, ","))
	fmt.Fprintf(h, "|pair=%d:%d:%d:%t:%t", c.Pairing.CodeTTLSeconds, c.Pairing.MaxPendingPerChannel, c.Pairing.WalletCodeTTLSeconds, c.Pairing.AutoApproveLocalAdmin, c.Pairing.AutoApproveTailscale)
	fmt.Fprintf(h, "|menu=%d:%d:%d", c.Menu.HistoryDepth, c.Menu.DraftMinIntervalMs, c.Menu.SessionTTLSeconds)
	fmt.Fprintf(h, "|otel=%t:%s:%s", c.OtelEnabled, c.OtelExporter, c.OtelEndpoint)
	allow := append([]string(nil), c.StaticAllowlist...)
	sort.Strings(allow)
	fmt.Fprintf(h, "|allow=%v", allow)
	return fmt.Sprintf("%x", h.Sum64())
}
