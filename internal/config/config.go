// ABOUTME: Configuration loading and parsing for fmla-gateway
// ABOUTME: Supports YAML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete fmla-gateway configuration.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Identity IdentityConfig `yaml:"identity"`
	Webhook  WebhookConfig  `yaml:"webhook"`
	Profile  ProfileConfig  `yaml:"profile"`
	Pending  PendingConfig  `yaml:"pending"`
	Limits   LimitsConfig   `yaml:"limits"`
	Matcher  MatcherConfig  `yaml:"matcher"`
	Cache    CacheConfig    `yaml:"cache"`
	LLM      LLMConfig      `yaml:"llm"`
	Delivery DeliveryConfig `yaml:"delivery"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// ServerConfig holds server address configuration.
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr"`
}

// DatabaseConfig holds key-value store configuration.
// Driver "sqlite" is the shared durable store; "memory" keeps everything in
// process and is only correct for a single-instance deployment.
type DatabaseConfig struct {
	Driver string `yaml:"driver"`
	Path   string `yaml:"path"`
}

// IdentityConfig holds the salt used to derive identity keys.
type IdentityConfig struct {
	Salt string `yaml:"salt"`
}

// WebhookConfig holds inbound transport configuration.
type WebhookConfig struct {
	AuthToken        string `yaml:"auth_token"`
	VerifySignatures bool   `yaml:"verify_signatures"`
	PublicURL        string `yaml:"public_url"`
}

// ProfileConfig holds profile persistence configuration.
type ProfileConfig struct {
	TTL    time.Duration `yaml:"-"`
	TTLRaw string        `yaml:"ttl"`
}

// PendingConfig holds pending-action configuration.
type PendingConfig struct {
	TTL    time.Duration `yaml:"-"`
	TTLRaw string        `yaml:"ttl"`
}

// LimitsConfig holds anti-abuse limiter configuration.
type LimitsConfig struct {
	MessageCap   int `yaml:"message_cap"`
	FailureCap   int `yaml:"failure_cap"`
	DuplicateCap int `yaml:"duplicate_cap"`
	// AllowList entries are raw channel addresses; they are hashed into
	// identity keys at startup.
	AllowList []string `yaml:"allow_list"`

	Window       time.Duration `yaml:"-"`
	BanBase      time.Duration `yaml:"-"`
	DuplicateBan time.Duration `yaml:"-"`
	BanMax       time.Duration `yaml:"-"`

	// Raw string values for YAML unmarshaling
	WindowRaw       string `yaml:"window"`
	BanBaseRaw      string `yaml:"ban_base"`
	DuplicateBanRaw string `yaml:"duplicate_ban"`
	BanMaxRaw       string `yaml:"ban_max"`
}

// MatcherConfig holds command matcher configuration.
type MatcherConfig struct {
	Threshold float64 `yaml:"threshold"`
}

// CacheConfig holds reply cache configuration. The cache is per-process;
// multi-instance deployments just see reduced cache effectiveness.
type CacheConfig struct {
	MaxEntries int           `yaml:"max_entries"`
	TTL        time.Duration `yaml:"-"`
	TTLRaw     string        `yaml:"ttl"`
}

// LLMConfig holds the completion/transcription collaborator configuration.
type LLMConfig struct {
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"`
	Model   string `yaml:"model"`

	Timeout    time.Duration `yaml:"-"`
	TimeoutRaw string        `yaml:"timeout"`
}

// DeliveryConfig holds the outbound event delivery collaborator configuration.
type DeliveryConfig struct {
	APIKey    string `yaml:"api_key"`
	BaseURL   string `yaml:"base_url"`
	FromEmail string `yaml:"from_email"`

	Timeout    time.Duration `yaml:"-"`
	TimeoutRaw string        `yaml:"timeout"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Load reads a configuration file from the given path and returns a parsed
// Config. Environment variables in the format ${VAR_NAME} are expanded,
// duration strings are parsed, and defaults are applied before validation.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	expandedData := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
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

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding
// environment variable values. Unset variables expand to an empty string.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// applyDefaults fills in the defaults for anything the file left unset.
// The limiter numbers are defaults to be confirmed against product
// requirements, not protocol constants.
func (c *Config) applyDefaults() {
	if c.Server.HTTPAddr == "" {
		c.Server.HTTPAddr = ":8080"
	}
	if c.Database.Driver == "" {
		c.Database.Driver = "sqlite"
	}
	if c.Profile.TTL == 0 {
		c.Profile.TTL = 365 * 24 * time.Hour
	}
	if c.Pending.TTL == 0 {
		c.Pending.TTL = 5 * time.Minute
	}
	if c.Limits.MessageCap == 0 {
		c.Limits.MessageCap = 10
	}
	if c.Limits.FailureCap == 0 {
		c.Limits.FailureCap = 5
	}
	if c.Limits.DuplicateCap == 0 {
		c.Limits.DuplicateCap = 5
	}
	if c.Limits.Window == 0 {
		c.Limits.Window = time.Minute
	}
	if c.Limits.BanBase == 0 {
		c.Limits.BanBase = 5 * time.Minute
	}
	if c.Limits.DuplicateBan == 0 {
		c.Limits.DuplicateBan = 10 * time.Minute
	}
	if c.Limits.BanMax == 0 {
		c.Limits.BanMax = time.Hour
	}
	if c.Matcher.Threshold == 0 {
		c.Matcher.Threshold = 0.75
	}
	if c.Cache.MaxEntries == 0 {
		c.Cache.MaxEntries = 512
	}
	if c.Cache.TTL == 0 {
		c.Cache.TTL = time.Hour
	}
	if c.LLM.Timeout == 0 {
		c.LLM.Timeout = 8 * time.Second
	}
	if c.Delivery.Timeout == 0 {
		c.Delivery.Timeout = 5 * time.Second
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
}

// Validate checks that all required configuration fields are present and
// valid. Returns an error describing the first validation failure.
func (c *Config) Validate() error {
	if c.Identity.Salt == "" {
		return fmt.Errorf("identity.salt is required (set FMLA_HASH_SALT)")
	}

	switch c.Database.Driver {
	case "sqlite":
		if c.Database.Path == "" {
			return fmt.Errorf("database.path is required for the sqlite driver")
		}
	case "memory":
		// Nothing to validate; memory driver is single-instance only.
	default:
		return fmt.Errorf("database.driver must be \"sqlite\" or \"memory\", got %q", c.Database.Driver)
	}

	if c.Webhook.VerifySignatures && c.Webhook.AuthToken == "" {
		return fmt.Errorf("webhook.auth_token is required when webhook.verify_signatures is enabled")
	}

	if c.Matcher.Threshold < 0 || c.Matcher.Threshold >= 1 {
		return fmt.Errorf("matcher.threshold must be in [0, 1), got %v", c.Matcher.Threshold)
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values.
func parseDurations(cfg *Config) error {
	fields := []struct {
		raw  string
		dst  *time.Duration
		name string
	}{
		{cfg.Profile.TTLRaw, &cfg.Profile.TTL, "profile.ttl"},
		{cfg.Pending.TTLRaw, &cfg.Pending.TTL, "pending.ttl"},
		{cfg.Limits.WindowRaw, &cfg.Limits.Window, "limits.window"},
		{cfg.Limits.BanBaseRaw, &cfg.Limits.BanBase, "limits.ban_base"},
		{cfg.Limits.DuplicateBanRaw, &cfg.Limits.DuplicateBan, "limits.duplicate_ban"},
		{cfg.Limits.BanMaxRaw, &cfg.Limits.BanMax, "limits.ban_max"},
		{cfg.Cache.TTLRaw, &cfg.Cache.TTL, "cache.ttl"},
		{cfg.LLM.TimeoutRaw, &cfg.LLM.Timeout, "llm.timeout"},
		{cfg.Delivery.TimeoutRaw, &cfg.Delivery.Timeout, "delivery.timeout"},
	}

	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		*f.dst = d
	}

	return nil
}
