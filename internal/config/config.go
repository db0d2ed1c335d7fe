// Package config assembles the client configuration from package defaults,
// an optional TOML file and environment overrides, in that order.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/whisper/chatsync/internal/engine"
	"github.com/whisper/chatsync/internal/notify"
	"github.com/whisper/chatsync/internal/presence"
	"github.com/whisper/chatsync/internal/ratelimit"
	"github.com/whisper/chatsync/internal/transport"
	"github.com/whisper/chatsync/internal/upload"
)

// Config is the complete client configuration.
type Config struct {
	Engine    engine.Config
	Transport transport.Config
	Roster    presence.RosterConfig
	Upload    upload.Config
	NATS      notify.NATSConfig

	RedisAddr   string // empty disables the status mirror
	NATSEnabled bool   // publish notification cues over NATS
	Bell        bool   // ring the terminal bell on notification cues
	MetricsAddr string // empty disables the metrics listener
}

// Default returns the configuration with every package default applied.
// Username is left empty and must be supplied.
func Default() *Config {
	return &Config{
		Engine:    engine.DefaultConfig(),
		Transport: transport.DefaultConfig(),
		Roster:    presence.DefaultRosterConfig(),
		Upload:    upload.DefaultConfig(),
		NATS:      notify.DefaultNATSConfig(),
		Bell:      true,
	}
}

// Load builds the configuration. path may be empty, in which case only
// defaults and the environment are used.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		if err := LoadTOML(cfg, path); err != nil {
			return nil, err
		}
	}
	cfg.ApplyEnvOverrides()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: invalid: %w", err)
	}
	return cfg, nil
}

// fileConfig is the on-disk layout.
type fileConfig struct {
	Username    string `toml:"username"`
	Room        string `toml:"room"`
	ServerURL   string `toml:"server_url"`
	APIURL      string `toml:"api_url"`
	RedisAddr   string `toml:"redis_addr"`
	NATSURL     string `toml:"nats_url"`
	Bell        *bool  `toml:"bell"`
	MetricsAddr string `toml:"metrics_addr"`

	Typing struct {
		Timeout          duration `toml:"timeout"`
		ReadReceiptDelay duration `toml:"read_receipt_delay"`
	} `toml:"typing"`

	Transport struct {
		HeartbeatInterval duration `toml:"heartbeat_interval"`
		HeartbeatTimeout  duration `toml:"heartbeat_timeout"`
		ReconnectWait     duration `toml:"reconnect_wait"`
		MaxReconnectWait  duration `toml:"max_reconnect_wait"`
		MaxReconnects     *int     `toml:"max_reconnects"`
	} `toml:"transport"`

	RateLimit struct {
		Messages     int      `toml:"messages"`
		Window       duration `toml:"window"`
		Uploads      int      `toml:"uploads"`
		UploadWindow duration `toml:"upload_window"`
	} `toml:"ratelimit"`
}

// duration decodes TOML strings such as "250ms".
type duration struct {
	time.Duration
}

func (d *duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

// LoadTOML overlays the settings present in the file at path onto cfg.
func LoadTOML(cfg *Config, path string) error {
	var f fileConfig
	if _, err := toml.DecodeFile(path, &f); err != nil {
		return fmt.Errorf("config: decode %s: %w", path, err)
	}
	f.apply(cfg)
	return nil
}

func (f *fileConfig) apply(cfg *Config) {
	setString(&cfg.Engine.Username, f.Username)
	setString(&cfg.Engine.Room, f.Room)
	setString(&cfg.Transport.URL, f.ServerURL)
	if f.APIURL != "" {
		cfg.Roster.BaseURL = f.APIURL
		cfg.Upload.BaseURL = f.APIURL
	}
	setString(&cfg.RedisAddr, f.RedisAddr)
	if f.NATSURL != "" {
		cfg.NATS.URL = f.NATSURL
		cfg.NATSEnabled = true
	}
	if f.Bell != nil {
		cfg.Bell = *f.Bell
	}
	setString(&cfg.MetricsAddr, f.MetricsAddr)

	setDuration(&cfg.Engine.TypingTimeout, f.Typing.Timeout)
	setDuration(&cfg.Engine.ReadReceiptDelay, f.Typing.ReadReceiptDelay)

	setDuration(&cfg.Transport.HeartbeatInterval, f.Transport.HeartbeatInterval)
	setDuration(&cfg.Transport.HeartbeatTimeout, f.Transport.HeartbeatTimeout)
	setDuration(&cfg.Transport.ReconnectWait, f.Transport.ReconnectWait)
	setDuration(&cfg.Transport.MaxReconnectWait, f.Transport.MaxReconnectWait)
	if f.Transport.MaxReconnects != nil {
		cfg.Transport.MaxReconnects = *f.Transport.MaxReconnects
	}

	// Throttling is off unless the file asks for it.
	if f.RateLimit.Messages > 0 {
		cfg.Engine.MessageRule = ratelimit.RuleMessage
		cfg.Engine.MessageRule.Limit = f.RateLimit.Messages
		setDuration(&cfg.Engine.MessageRule.Window, f.RateLimit.Window)
	}
	if f.RateLimit.Uploads > 0 {
		cfg.Engine.UploadRule = ratelimit.RuleUpload
		cfg.Engine.UploadRule.Limit = f.RateLimit.Uploads
		setDuration(&cfg.Engine.UploadRule.Window, f.RateLimit.UploadWindow)
	}
}

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

func setDuration(dst *time.Duration, v duration) {
	if v.Duration > 0 {
		*dst = v.Duration
	}
}

// ApplyEnvOverrides applies environment variables on top of cfg. Malformed
// numeric and duration values are ignored.
func (c *Config) ApplyEnvOverrides() {
	if v := os.Getenv("CHATSYNC_USERNAME"); v != "" {
		c.Engine.Username = v
	}
	if v := os.Getenv("CHATSYNC_SERVER_URL"); v != "" {
		c.Transport.URL = v
	}
	if v := os.Getenv("CHATSYNC_API_URL"); v != "" {
		c.Roster.BaseURL = v
		c.Upload.BaseURL = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		c.RedisAddr = v
	}
	if v := os.Getenv("NATS_URL"); v != "" {
		c.NATS.URL = v
		c.NATSEnabled = true
	}
	if v := os.Getenv("METRICS_ADDR"); v != "" {
		c.MetricsAddr = v
	}
	if v := os.Getenv("CHATSYNC_BELL"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.Bell = b
		}
	}
	if v := os.Getenv("TYPING_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			c.Engine.TypingTimeout = d
		}
	}
	if v := os.Getenv("HEARTBEAT_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d >= 0 {
			c.Transport.HeartbeatInterval = d
		}
	}
	if v := os.Getenv("MAX_RECONNECTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= -1 {
			c.Transport.MaxReconnects = n
		}
	}
}

// Validate rejects configurations the client cannot run with.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Engine.Username) == "" {
		return fmt.Errorf("username is required (set CHATSYNC_USERNAME)")
	}
	if c.Transport.URL == "" {
		return fmt.Errorf("server URL is required (set CHATSYNC_SERVER_URL)")
	}
	if !strings.HasPrefix(c.Transport.URL, "ws://") && !strings.HasPrefix(c.Transport.URL, "wss://") {
		return fmt.Errorf("server URL %q must use ws:// or wss://", c.Transport.URL)
	}
	if c.Roster.BaseURL == "" || c.Upload.BaseURL == "" {
		return fmt.Errorf("API URL is required (set CHATSYNC_API_URL)")
	}
	if c.Engine.TypingTimeout <= 0 {
		return fmt.Errorf("typing timeout must be positive")
	}
	if c.Transport.MaxReconnects < -1 {
		return fmt.Errorf("max_reconnects must be -1 or greater")
	}
	return nil
}
