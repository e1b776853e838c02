// Package config loads the bridge server configuration from defaults, an
// optional YAML file and the environment, in that order.
package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// EnvConfigPath names the environment variable holding the YAML file path.
const EnvConfigPath = "BRIDGE_CONFIG"

// MinCookieSecretLen is the shortest accepted cookie signing secret.
const MinCookieSecretLen = 16

// Config is the full server configuration.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Log      LogConfig      `yaml:"log"`
	Database DatabaseConfig `yaml:"database"`
	Auth     AuthConfig     `yaml:"auth"`
	Bridge   BridgeConfig   `yaml:"bridge"`
	IRC      IRCConfig      `yaml:"irc"`
	Metrics  MetricsConfig  `yaml:"metrics"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Addr           string   `yaml:"addr"`
	GinMode        string   `yaml:"gin_mode"`
	AllowedOrigins []string `yaml:"allowed_origins"`
	TrustedProxies []string `yaml:"trusted_proxies"`
}

// LogConfig configures structured logging.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// DatabaseConfig configures the sqlite store.
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// AuthConfig configures logins and the signed session cookie.
type AuthConfig struct {
	CookieName         string        `yaml:"cookie_name"`
	CookieSecret       string        `yaml:"cookie_secret"`
	CookieSecure       bool          `yaml:"cookie_secure"`
	SessionTTL         time.Duration `yaml:"session_ttl"`
	MaxSessionsPerUser int           `yaml:"max_sessions_per_user"`
	PruneInterval      time.Duration `yaml:"prune_interval"`
	// Users maps user names to bcrypt hashes.
	Users map[string]string `yaml:"users"`
}

// BridgeConfig configures the handshake and the connection registry.
type BridgeConfig struct {
	HandshakeTTL    time.Duration `yaml:"handshake_ttl"`
	HeartbeatPeriod time.Duration `yaml:"heartbeat_period"`
	MaxConnections  int           `yaml:"max_connections"`
	SendQueue       int           `yaml:"send_queue"`
}

// IRCConfig configures the upstream IRC session. An empty Server leaves the
// bridge running without an upstream.
type IRCConfig struct {
	Server         string        `yaml:"server"`
	TLS            bool          `yaml:"tls"`
	TLSInsecure    bool          `yaml:"tls_insecure"`
	Password       string        `yaml:"password"`
	Nick           string        `yaml:"nick"`
	User           string        `yaml:"user"`
	RealName       string        `yaml:"real_name"`
	Channels       []string      `yaml:"channels"`
	ReconnectDelay time.Duration `yaml:"reconnect_delay"`
	TranscriptDir  string        `yaml:"transcript_dir"`
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Addr:    ":8080",
			GinMode: "release",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Database: DatabaseConfig{
			Path: "./data/bridge.db",
		},
		Auth: AuthConfig{
			CookieName:         "bridge.sid",
			SessionTTL:         24 * time.Hour,
			MaxSessionsPerUser: 10,
			PruneInterval:      10 * time.Minute,
		},
		Bridge: BridgeConfig{
			HandshakeTTL:    10 * time.Second,
			HeartbeatPeriod: 10 * time.Second,
			MaxConnections:  64,
			SendQueue:       256,
		},
		IRC: IRCConfig{
			Nick:           "bridge",
			ReconnectDelay: 15 * time.Second,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
	}
}

// Load builds the configuration. path may be empty, in which case the
// BRIDGE_CONFIG environment variable is consulted.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path == "" {
		path = os.Getenv(EnvConfigPath)
	}
	if path != "" {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("open config: %w", err)
		}
		defer f.Close()
		if err := cfg.decode(f); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) decode(r io.Reader) error {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func (c *Config) applyEnv() error {
	if port := envString("PORT", ""); port != "" {
		c.Server.Addr = ":" + port
	}
	c.Server.GinMode = envString("GIN_MODE", c.Server.GinMode)
	c.Server.AllowedOrigins = envList("ALLOWED_ORIGINS", c.Server.AllowedOrigins)
	c.Log.Level = envString("LOG_LEVEL", c.Log.Level)
	c.Log.Format = envString("LOG_FORMAT", c.Log.Format)
	c.Database.Path = envString("DB_PATH", c.Database.Path)
	c.Auth.CookieSecret = envString("COOKIE_SECRET", c.Auth.CookieSecret)
	c.IRC.Server = envString("IRC_SERVER", c.IRC.Server)
	c.IRC.Nick = envString("IRC_NICK", c.IRC.Nick)
	c.IRC.Password = envString("IRC_PASSWORD", c.IRC.Password)
	c.IRC.Channels = envList("IRC_CHANNELS", c.IRC.Channels)
	c.IRC.TranscriptDir = envString("LOG_DIR", c.IRC.TranscriptDir)

	var err error
	if c.Auth.CookieSecure, err = envBool("COOKIE_SECURE", c.Auth.CookieSecure); err != nil {
		return fmt.Errorf("COOKIE_SECURE: %w", err)
	}
	if c.Auth.SessionTTL, err = envDuration("SESSION_TTL", c.Auth.SessionTTL); err != nil {
		return fmt.Errorf("SESSION_TTL: %w", err)
	}
	if c.IRC.TLS, err = envBool("IRC_TLS", c.IRC.TLS); err != nil {
		return fmt.Errorf("IRC_TLS: %w", err)
	}
	if c.Bridge.MaxConnections, err = envInt("BRIDGE_MAX_CONNECTIONS", c.Bridge.MaxConnections); err != nil {
		return fmt.Errorf("BRIDGE_MAX_CONNECTIONS: %w", err)
	}
	if c.Metrics.Enabled, err = envBool("METRICS_ENABLED", c.Metrics.Enabled); err != nil {
		return fmt.Errorf("METRICS_ENABLED: %w", err)
	}

	// BRIDGE_USERS is a comma-separated list of user:bcrypt-hash pairs.
	for _, pair := range envList("BRIDGE_USERS", nil) {
		name, hash, ok := strings.Cut(pair, ":")
		if !ok || name == "" || hash == "" {
			return fmt.Errorf("BRIDGE_USERS: malformed entry %q", pair)
		}
		if c.Auth.Users == nil {
			c.Auth.Users = make(map[string]string)
		}
		c.Auth.Users[name] = hash
	}
	return nil
}

// Validate checks the configuration for values the server cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if c.Server.Addr == "" {
		errs = append(errs, errors.New("server.addr is required"))
	}
	if len(c.Auth.CookieSecret) < MinCookieSecretLen {
		errs = append(errs, fmt.Errorf("auth.cookie_secret must be at least %d bytes", MinCookieSecretLen))
	}
	if c.Auth.CookieName == "" {
		errs = append(errs, errors.New("auth.cookie_name is required"))
	}
	if len(c.Auth.Users) == 0 {
		errs = append(errs, errors.New("auth.users must name at least one user"))
	}
	for name, hash := range c.Auth.Users {
		if !strings.HasPrefix(hash, "$2") {
			errs = append(errs, fmt.Errorf("auth.users[%s] is not a bcrypt hash", name))
		}
	}
	if c.Auth.SessionTTL <= 0 {
		errs = append(errs, errors.New("auth.session_ttl must be positive"))
	}
	if c.Bridge.HandshakeTTL <= 0 {
		errs = append(errs, errors.New("bridge.handshake_ttl must be positive"))
	}
	if c.Bridge.HeartbeatPeriod <= 0 {
		errs = append(errs, errors.New("bridge.heartbeat_period must be positive"))
	}
	if c.Bridge.MaxConnections <= 0 {
		errs = append(errs, errors.New("bridge.max_connections must be positive"))
	}
	if c.Bridge.SendQueue <= 0 {
		errs = append(errs, errors.New("bridge.send_queue must be positive"))
	}
	if c.IRC.Server != "" {
		if _, _, err := net.SplitHostPort(c.IRC.Server); err != nil {
			errs = append(errs, fmt.Errorf("irc.server: %w", err))
		}
		if c.IRC.Nick == "" {
			errs = append(errs, errors.New("irc.nick is required when irc.server is set"))
		}
	}
	if _, err := parseLevel(c.Log.Level); err != nil {
		errs = append(errs, err)
	}
	if c.Log.Format != "text" && c.Log.Format != "json" {
		errs = append(errs, fmt.Errorf("log.format must be text or json, got %q", c.Log.Format))
	}
	return errors.Join(errs...)
}

// NewLogger builds the process logger described by c.
func (c LogConfig) NewLogger(w io.Writer) *slog.Logger {
	level, err := parseLevel(c.Level)
	if err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if c.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

func parseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("log.level: %w", err)
	}
	return level, nil
}
