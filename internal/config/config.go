package config

import (
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"lds.li/shelfauth/bearer"
)

// EnvPrefix is the prefix for environment variables, e.g. SHELFAUTH_LISTEN.
const EnvPrefix = "SHELFAUTH"

// Config holds all configuration for shelfauthd.
type Config struct {
	// Listen is the address the proxy daemon listens on.
	Listen string `mapstructure:"listen"`

	// APIBaseURL is the origin to intercept. When set it is applied at startup
	// as if a SET_API_BASE_URL message had been received.
	APIBaseURL string `mapstructure:"api-base-url"`
	// ExcludedPaths are path prefixes that never receive a credential.
	ExcludedPaths []string `mapstructure:"excluded-paths"`

	// Refresh makes the daemon refresh credentials itself using the session
	// cookie, instead of relying on SET_ACCESS_TOKEN messages only.
	Refresh bool `mapstructure:"refresh"`
	// SessionCookie seeds the cookie jar used for token endpoint calls, in
	// name=value form.
	SessionCookie  string        `mapstructure:"session-cookie"`
	RefreshTimeout time.Duration `mapstructure:"refresh-timeout"`

	LogLevel string `mapstructure:"log-level"`
}

// SetupFlags configures the persistent flags shared by all commands and binds
// them, and the matching environment variables, to v.
func SetupFlags(cmd *cobra.Command, v *viper.Viper) error {
	flags := cmd.PersistentFlags()

	flags.String("listen", "127.0.0.1:8787", "Address for the proxy daemon to listen on")
	flags.String("api-base-url", "", "API origin to intercept, e.g. https://api.spaceshelf.example")
	flags.StringSlice("excluded-paths", bearer.DefaultExcludedPaths, "Path prefixes that never receive a credential")
	flags.Bool("refresh", false, "Refresh credentials from the session cookie when none is cached")
	flags.String("session-cookie", "", "Session cookie for the token endpoints, as name=value")
	flags.Duration("refresh-timeout", 10*time.Second, "Timeout for token endpoint requests")
	flags.String("log-level", "info", "Log level (debug, info, warn, error)")

	if err := v.BindPFlags(flags); err != nil {
		return fmt.Errorf("binding flags: %w", err)
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	return nil
}

// Load unmarshals and validates the configuration from v.
func Load(v *viper.Viper) (*Config, error) {
	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	if c.Listen == "" {
		return fmt.Errorf("listen address is required")
	}

	if c.APIBaseURL != "" {
		u, err := url.Parse(c.APIBaseURL)
		if err != nil {
			return fmt.Errorf("invalid api-base-url: %w", err)
		}
		if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("api-base-url must be an absolute http(s) URL, got %q", c.APIBaseURL)
		}
	}

	for _, p := range c.ExcludedPaths {
		if !strings.HasPrefix(p, "/") {
			return fmt.Errorf("excluded path %q must start with /", p)
		}
	}

	if c.SessionCookie != "" {
		if c.APIBaseURL == "" {
			return fmt.Errorf("session-cookie requires api-base-url")
		}
		if _, err := c.Cookies(); err != nil {
			return err
		}
	}

	if c.RefreshTimeout <= 0 {
		return fmt.Errorf("refresh-timeout must be positive")
	}

	if _, err := c.SlogLevel(); err != nil {
		return err
	}

	return nil
}

// SlogLevel parses LogLevel.
func (c *Config) SlogLevel() (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return 0, fmt.Errorf("invalid log-level %q: %w", c.LogLevel, err)
	}
	return l, nil
}

// Cookies parses SessionCookie.
func (c *Config) Cookies() ([]*http.Cookie, error) {
	if c.SessionCookie == "" {
		return nil, nil
	}
	cookies, err := http.ParseCookie(c.SessionCookie)
	if err != nil {
		return nil, fmt.Errorf("invalid session-cookie: %w", err)
	}
	return cookies, nil
}
