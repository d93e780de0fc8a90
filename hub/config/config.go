// Package config handles hub configuration loading and validation.
package config

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"
)

// EnvJWTSecret overrides auth.jwt_secret when set.
const EnvJWTSecret = "REMOTECTL_JWT_SECRET"

// knownWeakSecrets must never be accepted as a signing secret.
var knownWeakSecrets = map[string]bool{
	"local-dev-secret-for-testing-only-32chars!": true,
	"changeme": true,
	"secret":   true,
}

// GenerateRandomSecret returns a random 64-character hex string suitable for
// signing operator tokens.
func GenerateRandomSecret() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate secret: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// Config is the top-level hub configuration.
type Config struct {
	Server    ServerConfig    `json:"server"`
	Auth      AuthConfig      `json:"auth"`
	Storage   StorageConfig   `json:"storage"`
	Broker    BrokerConfig    `json:"broker,omitempty"`
	Dispatch  DispatchConfig  `json:"dispatch,omitempty"`
	Replies   RepliesConfig   `json:"replies,omitempty"`
	Logging   LoggingConfig   `json:"logging"`
	RateLimit RateLimitConfig `json:"rate_limit,omitempty"`
}

// ServerConfig defines the HTTP listener and controller socket settings.
type ServerConfig struct {
	Addr             string   `json:"addr"` // e.g. ":8080"
	TLSCert          string   `json:"tls_cert,omitempty"`
	TLSKey           string   `json:"tls_key,omitempty"`
	AllowedOrigins   []string `json:"allowed_origins,omitempty"`
	MaxBodyBytes     int64    `json:"max_body_bytes,omitempty"`    // default 1MB
	MaxMessageBytes  int64    `json:"max_message_bytes,omitempty"` // controller frame limit; default 32MB
	HandshakeTimeout Duration `json:"handshake_timeout,omitempty"` // default 10s
	PingInterval     Duration `json:"ping_interval,omitempty"`     // default 30s
	PongWait         Duration `json:"pong_wait,omitempty"`         // default 60s

	// KeepPresenceOnStart skips clearing stale controller_connected flags at
	// startup. Set it when several hub processes share one database.
	KeepPresenceOnStart bool `json:"keep_presence_on_start,omitempty"`
}

// AuthConfig defines operator authentication for the HTTP API.
type AuthConfig struct {
	Provider  string      `json:"provider,omitempty"` // "builtin" (default) or "jwks"
	JWTSecret string      `json:"jwt_secret,omitempty"`
	JWTExpiry Duration    `json:"jwt_expiry,omitempty"`
	Admin     *AdminEntry `json:"admin,omitempty"`
	JWKSURL   string      `json:"jwks_url,omitempty"`
	Issuer    string      `json:"issuer,omitempty"`
	Audience  string      `json:"audience,omitempty"`
}

// AdminEntry is the single builtin operator account. PasswordHash is a
// bcrypt hash as printed by "remotectl-hub hash-password".
type AdminEntry struct {
	Username     string `json:"username"`
	PasswordHash string `json:"password_hash"`
}

// StorageConfig defines database settings.
type StorageConfig struct {
	Driver         string   `json:"driver"` // "sqlite" (default) or "postgres"
	DSN            string   `json:"dsn"`
	AuditRetention Duration `json:"audit_retention,omitempty"` // default 30 days
}

// BrokerConfig selects the pub/sub transport for groups and replies.
type BrokerConfig struct {
	Driver         string   `json:"driver,omitempty"` // "memory" (default) or "postgres"
	DSN            string   `json:"dsn,omitempty"`    // defaults to storage.dsn for postgres
	SpillRetention Duration `json:"spill_retention,omitempty"`
}

// DispatchConfig bounds how long callers wait for controller replies.
type DispatchConfig struct {
	DefaultTimeout Duration `json:"default_timeout,omitempty"` // default 60s
	MaxTimeout     Duration `json:"max_timeout,omitempty"`     // default 10m
}

// RepliesConfig controls cleanup of abandoned reply registrations.
type RepliesConfig struct {
	RegistrationTTL Duration `json:"registration_ttl,omitempty"` // default 10m
	SweepInterval   Duration `json:"sweep_interval,omitempty"`   // default 1m
}

// LoggingConfig defines logging settings.
type LoggingConfig struct {
	Level  string `json:"level,omitempty"`
	Format string `json:"format,omitempty"` // "json" or "text"
}

// RateLimitConfig limits login attempts per client IP.
type RateLimitConfig struct {
	RequestsPerSecond float64 `json:"requests_per_second,omitempty"` // default 1
	Burst             int     `json:"burst,omitempty"`               // default 5
}

// Duration is a JSON-friendly time.Duration. It accepts "30s" style strings
// or a number of seconds.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	switch val := v.(type) {
	case string:
		dur, err := time.ParseDuration(val)
		if err != nil {
			return err
		}
		d.Duration = dur
	case float64:
		d.Duration = time.Duration(val * float64(time.Second))
	default:
		return fmt.Errorf("invalid duration: %v", v)
	}
	return nil
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

// Load reads, validates and completes a config file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if secret := os.Getenv(EnvJWTSecret); secret != "" {
		cfg.Auth.JWTSecret = secret
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	cfg.applyDefaults()
	return &cfg, nil
}

// Save writes cfg as indented JSON with owner-only permissions.
func Save(path string, cfg *Config) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.WriteFile(path, append(data, '\n'), 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

func (c *Config) validate() error {
	if c.Server.Addr == "" {
		return errors.New("server.addr is required")
	}
	switch c.Auth.Provider {
	case "", "builtin":
		if c.Auth.JWTSecret == "" {
			return errors.New("auth.jwt_secret is required")
		}
		if len(c.Auth.JWTSecret) < 32 {
			return errors.New("auth.jwt_secret must be at least 32 characters")
		}
		if knownWeakSecrets[c.Auth.JWTSecret] {
			return errors.New("auth.jwt_secret is a well-known weak secret, generate a new one")
		}
		if c.Auth.Admin != nil && (c.Auth.Admin.Username == "" || c.Auth.Admin.PasswordHash == "") {
			return errors.New("auth.admin needs username and password_hash")
		}
	case "jwks":
		if c.Auth.JWKSURL == "" {
			return errors.New("auth.jwks_url is required when provider is jwks")
		}
	default:
		return fmt.Errorf("unknown auth.provider %q", c.Auth.Provider)
	}
	switch c.Storage.Driver {
	case "", "sqlite", "postgres":
	default:
		return fmt.Errorf("unknown storage.driver %q", c.Storage.Driver)
	}
	switch c.Broker.Driver {
	case "", "memory":
	case "postgres":
		if c.Broker.DSN == "" && c.Storage.Driver != "postgres" {
			return errors.New("broker.dsn is required unless storage.driver is postgres")
		}
	default:
		return fmt.Errorf("unknown broker.driver %q", c.Broker.Driver)
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.Auth.Provider == "" {
		c.Auth.Provider = "builtin"
	}
	if c.Auth.JWTExpiry.Duration == 0 {
		c.Auth.JWTExpiry.Duration = 24 * time.Hour
	}
	if c.Storage.Driver == "" {
		c.Storage.Driver = "sqlite"
	}
	if c.Storage.DSN == "" {
		c.Storage.DSN = "remotectl.db"
	}
	if c.Storage.AuditRetention.Duration == 0 {
		c.Storage.AuditRetention.Duration = 30 * 24 * time.Hour
	}
	if c.Broker.Driver == "" {
		c.Broker.Driver = "memory"
	}
	if c.Broker.Driver == "postgres" && c.Broker.DSN == "" {
		c.Broker.DSN = c.Storage.DSN
	}
	if c.Broker.SpillRetention.Duration == 0 {
		c.Broker.SpillRetention.Duration = 5 * time.Minute
	}
	if c.Dispatch.DefaultTimeout.Duration == 0 {
		c.Dispatch.DefaultTimeout.Duration = 60 * time.Second
	}
	if c.Dispatch.MaxTimeout.Duration == 0 {
		c.Dispatch.MaxTimeout.Duration = 10 * time.Minute
	}
	if c.Replies.RegistrationTTL.Duration == 0 {
		c.Replies.RegistrationTTL.Duration = 10 * time.Minute
	}
	if c.Replies.SweepInterval.Duration == 0 {
		c.Replies.SweepInterval.Duration = time.Minute
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	if c.RateLimit.RequestsPerSecond == 0 {
		c.RateLimit.RequestsPerSecond = 1
	}
	if c.RateLimit.Burst == 0 {
		c.RateLimit.Burst = 5
	}
	if c.Server.MaxBodyBytes == 0 {
		c.Server.MaxBodyBytes = 1024 * 1024
	}
	if c.Server.MaxMessageBytes == 0 {
		c.Server.MaxMessageBytes = 32 * 1024 * 1024
	}
	if c.Server.HandshakeTimeout.Duration == 0 {
		c.Server.HandshakeTimeout.Duration = 10 * time.Second
	}
	if c.Server.PingInterval.Duration == 0 {
		c.Server.PingInterval.Duration = 30 * time.Second
	}
	if c.Server.PongWait.Duration == 0 {
		c.Server.PongWait.Duration = 60 * time.Second
	}
}

// Default returns a config with every default applied, used by "init".
func Default(jwtSecret string) *Config {
	cfg := &Config{
		Server: ServerConfig{Addr: ":8080"},
		Auth:   AuthConfig{JWTSecret: jwtSecret},
	}
	cfg.applyDefaults()
	return cfg
}
