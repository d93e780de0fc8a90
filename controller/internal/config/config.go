// Package config handles controller configuration loading and validation.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"time"
)

// EnvAPIKey overrides hub.api_key when set.
const EnvAPIKey = "REMOTECTL_API_KEY"

// Config is the top-level controller configuration.
type Config struct {
	Hub        HubConfig        `json:"hub"`
	Controller ControllerConfig `json:"controller"`
	Browser    BrowserConfig    `json:"browser,omitempty"`
	Logging    LoggingConfig    `json:"logging"`
}

// HubConfig defines how the controller reaches the hub.
type HubConfig struct {
	URL                  string   `json:"url"` // ws(s)://host/ws/controller
	APIKey               string   `json:"api_key"`
	TLSSkipVerify        bool     `json:"tls_skip_verify,omitempty"` // dev only
	ReconnectInterval    Duration `json:"reconnect_interval,omitempty"`
	MaxReconnectAttempts int      `json:"max_reconnect_attempts,omitempty"`
	HandshakeTimeout     Duration `json:"handshake_timeout,omitempty"`
	IdleTimeout          Duration `json:"idle_timeout,omitempty"` // hub silence before reconnecting; default 90s
}

// ControllerConfig bounds the work one controller accepts.
type ControllerConfig struct {
	MaxConcurrentActions int    `json:"max_concurrent_actions,omitempty"` // default 8
	MaxMessageBytes      int64  `json:"max_message_bytes,omitempty"`      // default 32MB
	WorkDir              string `json:"work_dir,omitempty"`               // default cwd for commands
	DataDir              string `json:"data_dir,omitempty"`               // pid, socket and log files; default ~/.remotectl
}

// BrowserConfig selects the browser used for browser_* actions.
type BrowserConfig struct {
	ControlURL    string   `json:"control_url,omitempty"` // attach instead of launching
	Bin           string   `json:"bin,omitempty"`
	Visible       bool     `json:"visible,omitempty"` // run with a window
	DownloadDir   string   `json:"download_dir,omitempty"`
	ActionTimeout Duration `json:"action_timeout,omitempty"` // default 30s
}

// LoggingConfig defines logging settings.
type LoggingConfig struct {
	Level  string `json:"level,omitempty"`
	Format string `json:"format,omitempty"` // "json" or "text"
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
	if key := os.Getenv(EnvAPIKey); key != "" {
		cfg.Hub.APIKey = key
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	cfg.applyDefaults()
	return &cfg, nil
}

// Save writes cfg as indented JSON readable only by the owner, since it
// holds the API key.
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
	if c.Hub.URL == "" {
		return errors.New("hub.url is required")
	}
	u, err := url.Parse(c.Hub.URL)
	if err != nil {
		return fmt.Errorf("hub.url: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("hub.url must use ws or wss, got %q", u.Scheme)
	}
	if c.Hub.APIKey == "" {
		return fmt.Errorf("hub.api_key is required (or set %s)", EnvAPIKey)
	}
	if c.Hub.MaxReconnectAttempts < 0 {
		return errors.New("hub.max_reconnect_attempts must not be negative")
	}
	if c.Controller.MaxConcurrentActions < 0 {
		return errors.New("controller.max_concurrent_actions must not be negative")
	}
	switch c.Logging.Format {
	case "", "json", "text":
	default:
		return fmt.Errorf("logging.format must be json or text, got %q", c.Logging.Format)
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.Hub.ReconnectInterval.Duration == 0 {
		c.Hub.ReconnectInterval.Duration = 5 * time.Second
	}
	if c.Hub.MaxReconnectAttempts == 0 {
		c.Hub.MaxReconnectAttempts = 10
	}
	if c.Hub.HandshakeTimeout.Duration == 0 {
		c.Hub.HandshakeTimeout.Duration = 10 * time.Second
	}
	if c.Hub.IdleTimeout.Duration == 0 {
		c.Hub.IdleTimeout.Duration = 90 * time.Second
	}
	if c.Controller.MaxConcurrentActions == 0 {
		c.Controller.MaxConcurrentActions = 8
	}
	if c.Controller.MaxMessageBytes == 0 {
		c.Controller.MaxMessageBytes = 32 << 20
	}
	if c.Browser.ActionTimeout.Duration == 0 {
		c.Browser.ActionTimeout.Duration = 30 * time.Second
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
}

// Default returns a config pointing at hubURL with every default filled in.
func Default(hubURL, apiKey string) *Config {
	cfg := &Config{Hub: HubConfig{URL: hubURL, APIKey: apiKey}}
	cfg.applyDefaults()
	return cfg
}
