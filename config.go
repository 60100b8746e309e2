package tmauth

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// Config is the complete Client configuration. Build clones it, so later
// changes by the caller have no effect.
type Config struct {
	Provider    ProviderConfig    `yaml:"provider" envPrefix:"PROVIDER_"`
	Backend     BackendConfig     `yaml:"backend" envPrefix:"BACKEND_"`
	TokenCache  TokenCacheConfig  `yaml:"token_cache" envPrefix:"TOKEN_CACHE_"`
	Resolver    ResolverConfig    `yaml:"resolver" envPrefix:"RESOLVER_"`
	Recovery    RecoveryConfig    `yaml:"recovery" envPrefix:"RECOVERY_"`
	Throttle    ThrottleConfig    `yaml:"throttle" envPrefix:"THROTTLE_"`
	ProfileSync ProfileSyncConfig `yaml:"profile_sync" envPrefix:"PROFILE_SYNC_"`
	Audit       AuditConfig       `yaml:"audit" envPrefix:"AUDIT_"`
	Metrics     MetricsConfig     `yaml:"metrics" envPrefix:"METRICS_"`
	Log         LogConfig         `yaml:"log" envPrefix:"LOG_"`
}

/*
====================================
PROVIDER CONFIG
====================================
*/

// ProviderConfig configures the built-in GoTrue adapter. It is ignored when
// a provider is injected with Builder.WithProvider.
type ProviderConfig struct {
	URL           string        `yaml:"url" env:"URL"`
	APIKey        string        `yaml:"api_key" env:"API_KEY"`
	Timeout       time.Duration `yaml:"timeout" env:"TIMEOUT"`
	AutoRefresh   bool          `yaml:"auto_refresh" env:"AUTO_REFRESH"`
	RefreshMargin time.Duration `yaml:"refresh_margin" env:"REFRESH_MARGIN"`
	RedisPrefix   string        `yaml:"redis_prefix" env:"REDIS_PREFIX"`
	// JWTSecret enables signature checks when access-token claims are read.
	// Without it claims are decoded unverified.
	JWTSecret string `yaml:"jwt_secret" env:"JWT_SECRET"`
	// EventBuffer is the per-subscriber event buffer of the session stream.
	EventBuffer int `yaml:"event_buffer" env:"EVENT_BUFFER"`
}

/*
====================================
BACKEND CONFIG
====================================
*/

// BackendConfig configures the application backend: identifier lookup,
// profile registration and the signed API client.
type BackendConfig struct {
	BaseURL      string        `yaml:"base_url" env:"BASE_URL"`
	APIKey       string        `yaml:"api_key" env:"API_KEY"`
	APIKeyHeader string        `yaml:"api_key_header" env:"API_KEY_HEADER"`
	Timeout      time.Duration `yaml:"timeout" env:"TIMEOUT"`
}

/*
====================================
TOKEN CACHE CONFIG
====================================
*/

// TokenCacheConfig controls where the access token is mirrored.
type TokenCacheConfig struct {
	Key         string `yaml:"key" env:"KEY"`
	RedisPrefix string `yaml:"redis_prefix" env:"REDIS_PREFIX"`
}

/*
====================================
RESOLVER CONFIG
====================================
*/

// ResolverConfig controls caching of username lookups. CacheSize 0 disables
// the cache.
type ResolverConfig struct {
	CacheSize int           `yaml:"cache_size" env:"CACHE_SIZE"`
	CacheTTL  time.Duration `yaml:"cache_ttl" env:"CACHE_TTL"`
}

/*
====================================
RECOVERY CONFIG
====================================
*/

// ResetStrategy selects the one active password-reset variant.
type ResetStrategy string

const (
	// ResetCodeExchange enables ResetPasswordWithToken.
	ResetCodeExchange ResetStrategy = "code_exchange"
	// ResetOTP enables ResetPassword.
	ResetOTP ResetStrategy = "otp"
)

// RecoveryConfig configures password recovery.
type RecoveryConfig struct {
	Strategy ResetStrategy `yaml:"strategy" env:"STRATEGY"`
	// RedirectURL is the landing page of recovery emails. The resolved email
	// is appended as the EmailParam query parameter.
	RedirectURL string `yaml:"redirect_url" env:"REDIRECT_URL"`
	EmailParam  string `yaml:"email_param" env:"EMAIL_PARAM"`
	// PropagationDelay bounds the wait for an exchanged session to reach the
	// session store before the password update proceeds.
	PropagationDelay time.Duration `yaml:"propagation_delay" env:"PROPAGATION_DELAY"`
}

/*
====================================
THROTTLE CONFIG
====================================
*/

// ThrottleConfig caps code and recovery-email sends per address. Requires
// Redis.
type ThrottleConfig struct {
	Enabled     bool          `yaml:"enabled" env:"ENABLED"`
	MaxSends    int           `yaml:"max_sends" env:"MAX_SENDS"`
	Window      time.Duration `yaml:"window" env:"WINDOW"`
	RedisPrefix string        `yaml:"redis_prefix" env:"REDIS_PREFIX"`
}

/*
====================================
PROFILE SYNC CONFIG
====================================
*/

// ProfileSyncConfig configures backend profile creation after sign-up.
type ProfileSyncConfig struct {
	Enabled        bool          `yaml:"enabled" env:"ENABLED"`
	Workers        int           `yaml:"workers" env:"WORKERS"`
	QueueSize      int           `yaml:"queue_size" env:"QUEUE_SIZE"`
	MaxAttempts    int           `yaml:"max_attempts" env:"MAX_ATTEMPTS"`
	BaseBackoff    time.Duration `yaml:"base_backoff" env:"BASE_BACKOFF"`
	MaxBackoff     time.Duration `yaml:"max_backoff" env:"MAX_BACKOFF"`
	AttemptTimeout time.Duration `yaml:"attempt_timeout" env:"ATTEMPT_TIMEOUT"`
	Sweep          string        `yaml:"sweep" env:"SWEEP"`
	Retention      time.Duration `yaml:"retention" env:"RETENTION"`
	RedisPrefix    string        `yaml:"redis_prefix" env:"REDIS_PREFIX"`
}

/*
====================================
AUDIT / METRICS / LOG CONFIG
====================================
*/

// AuditConfig controls the async audit dispatcher.
type AuditConfig struct {
	Enabled    bool `yaml:"enabled" env:"ENABLED"`
	BufferSize int  `yaml:"buffer_size" env:"BUFFER_SIZE"`
	DropIfFull bool `yaml:"drop_if_full" env:"DROP_IF_FULL"`
}

// MetricsConfig controls in-process counters.
type MetricsConfig struct {
	Enabled                 bool `yaml:"enabled" env:"ENABLED"`
	EnableLatencyHistograms bool `yaml:"enable_latency_histograms" env:"ENABLE_LATENCY_HISTOGRAMS"`
}

// LogConfig configures the default logger. It has no effect when a logger
// is injected.
type LogConfig struct {
	Level string `yaml:"level" env:"LEVEL"`
	JSON  bool   `yaml:"json" env:"JSON"`
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		Provider: ProviderConfig{
			Timeout:       10 * time.Second,
			AutoRefresh:   true,
			RefreshMargin: time.Minute,
			RedisPrefix:   "tmauth",
			EventBuffer:   32,
		},
		Backend: BackendConfig{
			APIKeyHeader: "X-API-Key",
			Timeout:      10 * time.Second,
		},
		TokenCache: TokenCacheConfig{
			Key:         "access_token",
			RedisPrefix: "tmauth",
		},
		Resolver: ResolverConfig{
			CacheSize: 0,
			CacheTTL:  5 * time.Minute,
		},
		Recovery: RecoveryConfig{
			Strategy:         ResetCodeExchange,
			EmailParam:       "email",
			PropagationDelay: time.Second,
		},
		Throttle: ThrottleConfig{
			Enabled:     false,
			MaxSends:    5,
			Window:      15 * time.Minute,
			RedisPrefix: "tmauth",
		},
		ProfileSync: ProfileSyncConfig{
			Enabled:        true,
			Workers:        2,
			QueueSize:      64,
			MaxAttempts:    5,
			BaseBackoff:    time.Second,
			MaxBackoff:     time.Minute,
			AttemptTimeout: 10 * time.Second,
			Sweep:          "@every 30s",
			Retention:      24 * time.Hour,
			RedisPrefix:    "tmauth",
		},
		Audit: AuditConfig{
			Enabled:    false,
			BufferSize: 256,
			DropIfFull: true,
		},
		Metrics: MetricsConfig{
			Enabled:                 true,
			EnableLatencyHistograms: false,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

func cloneConfig(cfg Config) Config {
	return cfg
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	if c.Provider.URL != "" {
		if err := validateHTTPURL("Provider.URL", c.Provider.URL); err != nil {
			return err
		}
	}
	if c.Provider.Timeout < 0 {
		return errors.New("Provider.Timeout must be >= 0")
	}
	if c.Provider.RefreshMargin < 0 || c.Provider.RefreshMargin > time.Hour {
		return errors.New("Provider.RefreshMargin must be between 0 and 1h")
	}
	if c.Provider.EventBuffer < 0 {
		return errors.New("Provider.EventBuffer must be >= 0")
	}

	if c.Backend.BaseURL != "" {
		if err := validateHTTPURL("Backend.BaseURL", c.Backend.BaseURL); err != nil {
			return err
		}
	}
	if c.Backend.Timeout < 0 {
		return errors.New("Backend.Timeout must be >= 0")
	}

	if strings.TrimSpace(c.TokenCache.Key) == "" {
		return errors.New("TokenCache.Key must not be empty")
	}

	if c.Resolver.CacheSize < 0 {
		return errors.New("Resolver.CacheSize must be >= 0")
	}
	if c.Resolver.CacheSize > 0 && c.Resolver.CacheTTL <= 0 {
		return errors.New("Resolver.CacheTTL must be > 0 when caching is enabled")
	}

	switch c.Recovery.Strategy {
	case ResetCodeExchange, ResetOTP:
	default:
		return fmt.Errorf("Recovery.Strategy must be %q or %q", ResetCodeExchange, ResetOTP)
	}
	if c.Recovery.RedirectURL != "" {
		if err := validateHTTPURL("Recovery.RedirectURL", c.Recovery.RedirectURL); err != nil {
			return err
		}
	}
	if strings.TrimSpace(c.Recovery.EmailParam) == "" {
		return errors.New("Recovery.EmailParam must not be empty")
	}
	if c.Recovery.PropagationDelay < 0 || c.Recovery.PropagationDelay > 30*time.Second {
		return errors.New("Recovery.PropagationDelay must be between 0 and 30s")
	}

	if c.Throttle.Enabled {
		if c.Throttle.MaxSends <= 0 {
			return errors.New("Throttle.MaxSends must be > 0")
		}
		if c.Throttle.Window <= 0 {
			return errors.New("Throttle.Window must be > 0")
		}
	}

	if c.ProfileSync.Enabled {
		p := c.ProfileSync
		if p.Workers <= 0 || p.QueueSize <= 0 || p.MaxAttempts <= 0 {
			return errors.New("ProfileSync Workers, QueueSize and MaxAttempts must be > 0")
		}
		if p.BaseBackoff <= 0 || p.MaxBackoff < p.BaseBackoff {
			return errors.New("ProfileSync.MaxBackoff must be >= BaseBackoff > 0")
		}
		if p.AttemptTimeout <= 0 {
			return errors.New("ProfileSync.AttemptTimeout must be > 0")
		}
		if p.Sweep != "" {
			if _, err := cron.ParseStandard(p.Sweep); err != nil {
				return fmt.Errorf("ProfileSync.Sweep: %w", err)
			}
		}
	}

	if c.Audit.Enabled && c.Audit.BufferSize <= 0 {
		return errors.New("Audit.BufferSize must be > 0")
	}

	return nil
}

func validateHTTPURL(field, raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%s: %w", field, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("%s must be an http(s) URL", field)
	}
	if u.Host == "" {
		return fmt.Errorf("%s must include a host", field)
	}
	return nil
}
