// Package config loads agentmsgd settings from a TOML file overlaid with
// AGENTMSG_* environment variables. A .env file in the working directory is
// read first when present.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/glimte/agentmsg/contracts"
	"github.com/glimte/agentmsg/ratelimit"
	"github.com/glimte/agentmsg/trust"
	"github.com/joho/godotenv"
)

// EnvPrefix prefixes every environment override
const EnvPrefix = "AGENTMSG_"

var ErrInvalidConfig = errors.New("config: invalid configuration")

// Duration is a time.Duration that reads "250ms"-style strings from TOML
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

// MarshalText implements encoding.TextMarshaler
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// Config is the daemon configuration
type Config struct {
	Listen string    `toml:"listen"`
	Log    LogConfig `toml:"log"`

	Trust     TrustConfig     `toml:"trust"`
	RateLimit RateLimitConfig `toml:"rate_limit"`
	Delivery  DeliveryConfig  `toml:"delivery"`

	RabbitMQ RabbitMQConfig `toml:"rabbitmq"`
	NATS     NATSConfig     `toml:"nats"`
	Redis    RedisConfig    `toml:"redis"`
}

// LogConfig selects the slog handler
type LogConfig struct {
	Level  string `toml:"level"`  // debug, info, warn, error
	Format string `toml:"format"` // text or json
}

// TrustConfig configures the trust token codec
type TrustConfig struct {
	Secret   string   `toml:"secret"`
	Lifetime Duration `toml:"lifetime"`
}

// RateLimitConfig holds per-agent ceilings per minute
type RateLimitConfig struct {
	Sanitization int `toml:"sanitization"`
	Security     int `toml:"security"`
	Status       int `toml:"status"`
	Error        int `toml:"error"`
}

// Ceilings converts the config to limiter ceilings
func (c RateLimitConfig) Ceilings() ratelimit.Ceilings {
	return ratelimit.Ceilings{
		contracts.AgentSanitization: c.Sanitization,
		contracts.AgentSecurity:     c.Security,
		contracts.AgentStatus:       c.Status,
		contracts.AgentError:        c.Error,
	}
}

// DeliveryConfig tunes the router and delivery engine
type DeliveryConfig struct {
	MaxRetries    int      `toml:"max_retries"`
	BackoffBase   Duration `toml:"backoff_base"`
	BackoffMax    Duration `toml:"backoff_max"`
	StaleWindow   Duration `toml:"stale_window"`
	SweepInterval Duration `toml:"sweep_interval"`
	DrainInterval Duration `toml:"drain_interval"`
	AckTimeout    Duration `toml:"ack_timeout"`
	DefaultTTL    Duration `toml:"default_ttl"`
	MailboxSize   int      `toml:"mailbox_size"`
}

// RabbitMQConfig enables the RabbitMQ transport when URL is set
type RabbitMQConfig struct {
	URL      string `toml:"url"`
	Exchange string `toml:"exchange"`
}

// NATSConfig enables the NATS transport when URL is set
type NATSConfig struct {
	URL           string `toml:"url"`
	SubjectPrefix string `toml:"subject_prefix"`
}

// RedisConfig switches rate limiting to Redis when URL is set
type RedisConfig struct {
	URL       string `toml:"url"`
	KeyPrefix string `toml:"key_prefix"`
	FailOpen  bool   `toml:"fail_open"`
}

// Default returns the built-in configuration
func Default() Config {
	ceilings := ratelimit.DefaultCeilings()
	return Config{
		Listen: ":8080",
		Log:    LogConfig{Level: "info", Format: "text"},
		Trust:  TrustConfig{Lifetime: Duration{trust.DefaultLifetime}},
		RateLimit: RateLimitConfig{
			Sanitization: ceilings[contracts.AgentSanitization],
			Security:     ceilings[contracts.AgentSecurity],
			Status:       ceilings[contracts.AgentStatus],
			Error:        ceilings[contracts.AgentError],
		},
		Delivery: DeliveryConfig{
			MaxRetries:    3,
			BackoffBase:   Duration{100 * time.Millisecond},
			BackoffMax:    Duration{5 * time.Second},
			StaleWindow:   Duration{5 * time.Minute},
			SweepInterval: Duration{time.Second},
			DrainInterval: Duration{time.Second},
			AckTimeout:    Duration{10 * time.Second},
			DefaultTTL:    Duration{5 * time.Minute},
			MailboxSize:   1000,
		},
		Redis: RedisConfig{KeyPrefix: "agentmsg:ratelimit:"},
	}
}

// Load reads .env (if present), then path (if not empty), then applies
// environment overrides and validates the result.
func Load(path string) (Config, error) {
	_ = godotenv.Load()

	cfg := Default()
	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return cfg, fmt.Errorf("config: reading %s: %w", path, err)
		}
	}
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return cfg, err
	}
	return cfg, cfg.Validate()
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	var errs []error
	str := func(key string, dst *string) {
		if v, ok := lookup(EnvPrefix + key); ok {
			*dst = v
		}
	}
	num := func(key string, dst *int) {
		if v, ok := lookup(EnvPrefix + key); ok {
			n, err := strconv.Atoi(strings.TrimSpace(v))
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, key, err))
				return
			}
			*dst = n
		}
	}
	dur := func(key string, dst *Duration) {
		if v, ok := lookup(EnvPrefix + key); ok {
			if err := dst.UnmarshalText([]byte(strings.TrimSpace(v))); err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, key, err))
			}
		}
	}

	str("LISTEN", &c.Listen)
	str("LOG_LEVEL", &c.Log.Level)
	str("LOG_FORMAT", &c.Log.Format)
	str("TRUST_SECRET", &c.Trust.Secret)
	dur("TRUST_LIFETIME", &c.Trust.Lifetime)

	num("RATE_SANITIZATION", &c.RateLimit.Sanitization)
	num("RATE_SECURITY", &c.RateLimit.Security)
	num("RATE_STATUS", &c.RateLimit.Status)
	num("RATE_ERROR", &c.RateLimit.Error)

	num("MAX_RETRIES", &c.Delivery.MaxRetries)
	dur("BACKOFF_BASE", &c.Delivery.BackoffBase)
	dur("BACKOFF_MAX", &c.Delivery.BackoffMax)
	dur("STALE_WINDOW", &c.Delivery.StaleWindow)
	dur("SWEEP_INTERVAL", &c.Delivery.SweepInterval)
	dur("DRAIN_INTERVAL", &c.Delivery.DrainInterval)
	dur("ACK_TIMEOUT", &c.Delivery.AckTimeout)
	dur("DEFAULT_TTL", &c.Delivery.DefaultTTL)
	num("MAILBOX_SIZE", &c.Delivery.MailboxSize)

	str("RABBITMQ_URL", &c.RabbitMQ.URL)
	str("RABBITMQ_EXCHANGE", &c.RabbitMQ.Exchange)
	str("NATS_URL", &c.NATS.URL)
	str("NATS_SUBJECT_PREFIX", &c.NATS.SubjectPrefix)
	str("REDIS_URL", &c.Redis.URL)
	str("REDIS_KEY_PREFIX", &c.Redis.KeyPrefix)
	if v, ok := lookup(EnvPrefix + "REDIS_FAIL_OPEN"); ok {
		c.Redis.FailOpen = v == "true" || v == "1"
	}

	return errors.Join(errs...)
}

// Validate rejects settings the daemon cannot run with
func (c Config) Validate() error {
	var errs []error
	if err := c.RateLimit.Ceilings().Validate(); err != nil {
		errs = append(errs, err)
	}
	if c.Trust.Secret != "" && len(c.Trust.Secret) < trust.MinSecretLength {
		errs = append(errs, fmt.Errorf("trust.secret: %w", trust.ErrShortSecret))
	}
	if c.Trust.Lifetime.Duration <= 0 {
		errs = append(errs, errors.New("trust.lifetime must be positive"))
	}
	if c.Delivery.MaxRetries < 1 {
		errs = append(errs, errors.New("delivery.max_retries must be at least 1"))
	}
	if c.Delivery.BackoffBase.Duration <= 0 || c.Delivery.BackoffMax.Duration < c.Delivery.BackoffBase.Duration {
		errs = append(errs, errors.New("delivery backoff needs 0 < backoff_base <= backoff_max"))
	}
	if c.Delivery.StaleWindow.Duration < 0 {
		errs = append(errs, errors.New("delivery.stale_window must not be negative"))
	}
	for name, d := range map[string]Duration{
		"sweep_interval": c.Delivery.SweepInterval,
		"drain_interval": c.Delivery.DrainInterval,
		"ack_timeout":    c.Delivery.AckTimeout,
		"default_ttl":    c.Delivery.DefaultTTL,
	} {
		if d.Duration <= 0 {
			errs = append(errs, fmt.Errorf("delivery.%s must be positive", name))
		}
	}
	if c.Delivery.MailboxSize <= 0 {
		errs = append(errs, errors.New("delivery.mailbox_size must be positive"))
	}
	if _, err := ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, err)
	}
	if c.Log.Format != "text" && c.Log.Format != "json" {
		errs = append(errs, fmt.Errorf("log.format %q must be text or json", c.Log.Format))
	}

	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	return nil
}

// ParseLevel maps a level name to a slog level
func ParseLevel(level string) (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(level)); err != nil {
		return l, fmt.Errorf("log.level: %w", err)
	}
	return l, nil
}

// NewLogger builds the daemon logger described by c
func (c LogConfig) NewLogger(w *os.File) *slog.Logger {
	level, err := ParseLevel(c.Level)
	if err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if c.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}
