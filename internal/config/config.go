package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

const (
	// DefaultServerURL is used when HUDDLE_SERVER_URL is unset.
	DefaultServerURL = "http://localhost:8000"
	// DefaultHTTPTimeout bounds a single HTTP round trip.
	DefaultHTTPTimeout = 15 * time.Second
	// DefaultRefreshWindow is how soon before expiry the access credential is
	// renewed proactively.
	DefaultRefreshWindow = 30 * time.Second
	// DefaultSocketTransport is the push channel transport.
	DefaultSocketTransport = "websocket"
)

type Config struct {
	// ServerURL is the base URL of the backend deployment, without a trailing
	// slash.
	ServerURL string

	// HuddleHome is the directory where durable local state lives.
	HuddleHome string

	// LogLevel is the logger threshold (trace|debug|info|warn|error).
	LogLevel string
	// LogFormat selects text or json log output.
	LogFormat string
	// Debug forces debug logging regardless of LogLevel.
	Debug bool

	// HTTPTimeout bounds each HTTP round trip.
	HTTPTimeout time.Duration
	// RefreshWindow is the proactive renewal window for JWT access tokens.
	RefreshWindow time.Duration

	// SocketTransport selects the push channel transport (websocket|polling).
	SocketTransport string
}

// Load loads configuration from environment and defaults.
func Load() (*Config, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("failed to get home directory: %w", err)
	}

	huddleHome := envString("HUDDLE_HOME_DIR", "")
	if huddleHome == "" {
		huddleHome = filepath.Join(homeDir, ".huddle")
	}

	cfg := &Config{
		ServerURL:     envString("HUDDLE_SERVER_URL", DefaultServerURL),
		HuddleHome:    huddleHome,
		LogLevel:      envString("HUDDLE_LOG_LEVEL", "info"),
		LogFormat:     envString("HUDDLE_LOG_FORMAT", "text"),
		Debug:         envBool("DEBUG", false) || envBool("HUDDLE_DEBUG", false),
		HTTPTimeout:   envDuration("HUDDLE_HTTP_TIMEOUT", DefaultHTTPTimeout),
		RefreshWindow: envDuration("HUDDLE_REFRESH_WINDOW", DefaultRefreshWindow),

		SocketTransport: strings.ToLower(envString("HUDDLE_SOCKET_TRANSPORT", DefaultSocketTransport)),
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate normalises and checks the configuration.
func (c *Config) Validate() error {
	c.ServerURL = strings.TrimRight(strings.TrimSpace(c.ServerURL), "/")
	if c.ServerURL == "" {
		return fmt.Errorf("server URL is empty")
	}
	u, err := url.Parse(c.ServerURL)
	if err != nil {
		return fmt.Errorf("invalid server URL %q: %w", c.ServerURL, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("invalid server URL %q (expected http or https)", c.ServerURL)
	}
	if strings.TrimSpace(c.HuddleHome) == "" {
		return fmt.Errorf("home directory is empty")
	}
	if c.HTTPTimeout <= 0 {
		c.HTTPTimeout = DefaultHTTPTimeout
	}
	if c.RefreshWindow < 0 {
		c.RefreshWindow = 0
	}
	switch c.SocketTransport {
	case "":
		c.SocketTransport = DefaultSocketTransport
	case "websocket", "polling":
	default:
		return fmt.Errorf("invalid socket transport %q (expected websocket or polling)", c.SocketTransport)
	}
	return nil
}

// Save creates the home directory with restrictive permissions.
func (c *Config) Save() error {
	return os.MkdirAll(c.HuddleHome, 0o700)
}

func envString(key, def string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	return v
}

func envBool(key string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func envDuration(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil || d < 0 {
		return def
	}
	return d
}
