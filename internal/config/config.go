package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

// EnvironmentProduction is the ENVIRONMENT value that turns on secure cookies
// and forbids the insecure identity verification mode.
const EnvironmentProduction = "production"

// Config defines the runtime configuration of the auth gateway.
type Config struct {
	Addr        string `env:"LISTEN_ADDR" envDefault:":8000"`
	Environment string `env:"ENVIRONMENT" envDefault:"development"`
	LogLevel    string `env:"LOG_LEVEL" envDefault:"info"`

	BaseURL     string `env:"BASE_URL" envDefault:"http://localhost:8000"`
	FrontendURL string `env:"FRONTEND_URL" envDefault:"http://localhost:3000"`
	RedirectURL string `env:"OAUTH_REDIRECT_URL"`

	ClientID     string `env:"GOOGLE_CLIENT_ID"`
	ClientSecret string `env:"GOOGLE_CLIENT_SECRET"`
	Google       GoogleEndpoints

	JWTSecret  string        `env:"JWT_SECRET"`
	SessionTTL time.Duration `env:"SESSION_TTL" envDefault:"60m"`
	StateTTL   time.Duration `env:"OAUTH_STATE_TTL" envDefault:"10m"`

	ProviderTimeout           time.Duration `env:"PROVIDER_TIMEOUT" envDefault:"10s"`
	InsecureSkipIDTokenVerify bool          `env:"INSECURE_SKIP_ID_TOKEN_VERIFY"`

	RateLimitMax    int           `env:"RATE_LIMIT_MAX" envDefault:"20"`
	RateLimitWindow time.Duration `env:"RATE_LIMIT_WINDOW" envDefault:"60s"`

	DatabaseDriver string `env:"DATABASE_DRIVER" envDefault:"sqlite"`
	DatabaseDSN    string `env:"DATABASE_DSN" envDefault:"chatstack.db"`

	CookieName   string `env:"SESSION_COOKIE_NAME" envDefault:"session_token"`
	CookieDomain string `env:"COOKIE_DOMAIN"`

	ChatBackendURL string `env:"CHAT_BACKEND_URL"`
}

// GoogleEndpoints holds the identity provider URLs. They only need overriding
// in tests or when pointing at an emulator.
type GoogleEndpoints struct {
	Issuer       string `env:"GOOGLE_ISSUER" envDefault:"https://accounts.google.com"`
	AuthURL      string `env:"GOOGLE_AUTH_URL" envDefault:"https://accounts.google.com/o/oauth2/v2/auth"`
	TokenURL     string `env:"GOOGLE_TOKEN_URL" envDefault:"https://oauth2.googleapis.com/token"`
	UserInfoURL  string `env:"GOOGLE_USERINFO_URL" envDefault:"https://www.googleapis.com/oauth2/v3/userinfo"`
	TokenInfoURL string `env:"GOOGLE_TOKENINFO_URL" envDefault:"https://www.googleapis.com/oauth2/v3/tokeninfo"`
	JWKSURL      string `env:"GOOGLE_JWKS_URL" envDefault:"https://www.googleapis.com/oauth2/v3/certs"`
}

// Load reads configuration values from the environment.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse environment: %w", err)
	}
	cfg.applyDefaults()

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// IsProduction reports whether the gateway runs with production security settings.
func (c Config) IsProduction() bool {
	return strings.EqualFold(c.Environment, EnvironmentProduction)
}

func (c *Config) applyDefaults() {
	c.BaseURL = strings.TrimRight(c.BaseURL, "/")
	c.FrontendURL = strings.TrimRight(c.FrontendURL, "/")
	if c.RedirectURL == "" {
		c.RedirectURL = c.BaseURL + "/api/auth/google-callback"
	}
	c.DatabaseDriver = strings.ToLower(strings.TrimSpace(c.DatabaseDriver))
}

func (c Config) validate() error {
	var missing []string
	if c.ClientID == "" {
		missing = append(missing, "GOOGLE_CLIENT_ID")
	}
	if c.ClientSecret == "" {
		missing = append(missing, "GOOGLE_CLIENT_SECRET")
	}
	if c.IsProduction() && c.JWTSecret == "" {
		missing = append(missing, "JWT_SECRET")
	}
	if c.DatabaseDriver != "memory" && c.DatabaseDSN == "" {
		missing = append(missing, "DATABASE_DSN")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required configuration: %s", strings.Join(missing, ", "))
	}

	if c.IsProduction() && c.InsecureSkipIDTokenVerify {
		return errors.New("INSECURE_SKIP_ID_TOKEN_VERIFY cannot be enabled in production")
	}
	if c.SessionTTL <= 0 {
		return errors.New("SESSION_TTL must be greater than zero")
	}
	if c.StateTTL <= 0 {
		return errors.New("OAUTH_STATE_TTL must be greater than zero")
	}
	if c.ProviderTimeout <= 0 {
		return errors.New("PROVIDER_TIMEOUT must be greater than zero")
	}
	if c.RateLimitMax <= 0 || c.RateLimitWindow <= 0 {
		return errors.New("RATE_LIMIT_MAX and RATE_LIMIT_WINDOW must be greater than zero")
	}
	switch c.DatabaseDriver {
	case "memory", "sqlite", "postgres":
	default:
		return fmt.Errorf("unsupported DATABASE_DRIVER %q", c.DatabaseDriver)
	}
	for name, raw := range map[string]string{
		"BASE_URL":           c.BaseURL,
		"FRONTEND_URL":       c.FrontendURL,
		"OAUTH_REDIRECT_URL": c.RedirectURL,
	} {
		if !isAbsoluteURL(raw) {
			return fmt.Errorf("%s must be an absolute URL", name)
		}
	}
	if c.ChatBackendURL != "" && !isAbsoluteURL(c.ChatBackendURL) {
		return errors.New("CHAT_BACKEND_URL must be an absolute URL")
	}
	return nil
}

func isAbsoluteURL(raw string) bool {
	u, err := url.Parse(raw)
	return err == nil && u.IsAbs() && u.Host != ""
}
