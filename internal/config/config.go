package config

import (
	"fmt"
	"net/url"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// Default values applied when fields are absent from the config file.
const (
	DefaultLoginURL       = "https://insider.sternpinball.com/login"
	DefaultCMSBase        = "https://cms.prd.sternpinball.io/api/v1/portal"
	DefaultAPIBase        = "https://api.prd.sternpinball.io/api/v2/portal"
	DefaultTokenCookie    = "spb-insider-token"
	DefaultPasswordEnv    = "STERN_PASSWORD"
	DefaultCountry        = "US"
	DefaultContinent      = "NA"
	DefaultRequestTimeout = 30 * time.Second
	DefaultRefresh        = 5 * time.Minute
	DefaultWorkers        = 4
	DefaultHTTPPort       = 8080
)

// Config is the top-level configuration.
// Fields map 1:1 to config.example.yaml.
type Config struct {
	Upstream UpstreamConfig `yaml:"upstream"`
	Location LocationConfig `yaml:"location"`
	Refresh  RefreshConfig  `yaml:"refresh"`
	Server   ServerConfig   `yaml:"server"`
	Notify   NotifyConfig   `yaml:"notify"`
}

// UpstreamConfig holds the arcade network endpoints and credentials.
type UpstreamConfig struct {
	// LoginURL is the identity endpoint that issues the session cookie.
	LoginURL string `yaml:"login_url"`

	// CMSBase is the base URL of the v1 portal (roster, details, scores).
	CMSBase string `yaml:"cms_base"`

	// APIBase is the base URL of the v2 portal (user profile, search, badges).
	APIBase string `yaml:"api_base"`

	// TokenCookie is the name of the Set-Cookie entry carrying the bearer token.
	TokenCookie string `yaml:"token_cookie"`

	// Username is the account login. STERN_USERNAME overrides it.
	Username string `yaml:"username" env:"STERN_USERNAME"`

	// PasswordEnv is the name of the environment variable holding the password.
	PasswordEnv string `yaml:"password_env"`

	// Password is never read from the file. STERN_PASSWORD sets it directly.
	Password string `yaml:"-" env:"STERN_PASSWORD"`

	// RequestTimeout bounds every upstream HTTP call, login included.
	RequestTimeout time.Duration `yaml:"request_timeout"`
}

// Credentials returns the configured username and the password, falling back
// to PasswordEnv when Password was not set from the environment.
func (u UpstreamConfig) Credentials() (username, password string) {
	password = u.Password
	if password == "" && u.PasswordEnv != "" {
		password = os.Getenv(u.PasswordEnv)
	}
	return u.Username, password
}

// LocationConfig is the location context sent with every upstream request.
type LocationConfig struct {
	Country   string `yaml:"country" env:"LEADERBOARD_DEFAULT_COUNTRY"`
	State     string `yaml:"state" env:"LEADERBOARD_DEFAULT_STATE"`
	StateName string `yaml:"state_name" env:"LEADERBOARD_DEFAULT_STATE_NAME"`
	Continent string `yaml:"continent" env:"LEADERBOARD_DEFAULT_CONTINENT"`
}

// RefreshConfig controls the polling loop.
type RefreshConfig struct {
	// Interval is the time between two refresh cycles.
	Interval time.Duration `yaml:"interval" env:"LEADERBOARD_REFRESH_INTERVAL"`

	// Workers bounds the number of concurrent per-machine upstream calls.
	Workers int `yaml:"workers"`
}

// ServerConfig holds the HTTP surface settings.
type ServerConfig struct {
	// HTTPPort is the port the REST API, WebSocket stream and /metrics listen on.
	HTTPPort int `yaml:"http_port"`

	// Auth configures how the server authenticates incoming API requests.
	Auth AuthConfig `yaml:"auth"`
}

// AuthConfig controls client authentication on the HTTP surface.
type AuthConfig struct {
	// Mode is one of: apikey | none.
	Mode string `yaml:"mode"`

	// KeyEnv is the name of the environment variable that holds the expected API key.
	KeyEnv string `yaml:"key_env"`

	// Header is the HTTP header name to read the key from.
	// Defaults to "X-API-Key" if empty.
	Header string `yaml:"header"`
}

// Key returns the expected API key resolved from the environment.
func (a AuthConfig) Key() string {
	if a.KeyEnv == "" {
		return ""
	}
	return os.Getenv(a.KeyEnv)
}

// EffectiveHeader returns the configured header name, or the default "X-API-Key".
func (a AuthConfig) EffectiveHeader() string {
	if a.Header != "" {
		return a.Header
	}
	return "X-API-Key"
}

// NotifyConfig lists outbound webhooks fired on new scores.
type NotifyConfig struct {
	Webhooks []WebhookConfig `yaml:"webhooks"`
}

// WebhookConfig defines one webhook delivery target.
type WebhookConfig struct {
	// Type is one of: teams | slack | discord | http.
	Type string `yaml:"type"`

	// URLEnv is the name of the environment variable holding the webhook URL.
	URLEnv string `yaml:"url_env"`
}

// URL returns the webhook URL resolved from the environment.
func (w WebhookConfig) URL() string {
	if w.URLEnv == "" {
		return ""
	}
	return os.Getenv(w.URLEnv)
}

// Load reads and parses the YAML config file at path, then applies
// environment overrides. Missing optional fields are filled with defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read file: %w", err)
	}
	return Parse(data)
}

// Parse is Load without the file read.
func Parse(data []byte) (*Config, error) {
	cfg := defaults()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse yaml: %w", err)
	}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("config: parse env: %w", err)
	}
	fillBlank(cfg)

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}

// defaults returns a Config pre-populated with default values.
func defaults() *Config {
	return &Config{
		Upstream: UpstreamConfig{
			LoginURL:       DefaultLoginURL,
			CMSBase:        DefaultCMSBase,
			APIBase:        DefaultAPIBase,
			TokenCookie:    DefaultTokenCookie,
			PasswordEnv:    DefaultPasswordEnv,
			RequestTimeout: DefaultRequestTimeout,
		},
		Location: LocationConfig{
			Country:   DefaultCountry,
			Continent: DefaultContinent,
		},
		Refresh: RefreshConfig{
			Interval: DefaultRefresh,
			Workers:  DefaultWorkers,
		},
		Server: ServerConfig{
			HTTPPort: DefaultHTTPPort,
		},
	}
}

// fillBlank restores defaults for fields explicitly set to an empty string.
func fillBlank(cfg *Config) {
	if cfg.Location.Country == "" {
		cfg.Location.Country = DefaultCountry
	}
	if cfg.Location.Continent == "" {
		cfg.Location.Continent = DefaultContinent
	}
	if cfg.Upstream.TokenCookie == "" {
		cfg.Upstream.TokenCookie = DefaultTokenCookie
	}
}

// validate checks required fields and structural constraints.
// Credentials are deliberately not checked here; the session reports them.
func validate(cfg *Config) error {
	for name, raw := range map[string]string{
		"upstream.login_url": cfg.Upstream.LoginURL,
		"upstream.cms_base":  cfg.Upstream.CMSBase,
		"upstream.api_base":  cfg.Upstream.APIBase,
	} {
		u, err := url.Parse(raw)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("%s must be an absolute URL, got %q", name, raw)
		}
	}
	if cfg.Upstream.RequestTimeout <= 0 {
		return fmt.Errorf("upstream.request_timeout must be positive")
	}
	if cfg.Refresh.Interval <= 0 {
		return fmt.Errorf("refresh.interval must be positive")
	}
	if cfg.Refresh.Workers <= 0 {
		return fmt.Errorf("refresh.workers must be positive")
	}
	if cfg.Server.HTTPPort <= 0 || cfg.Server.HTTPPort > 65535 {
		return fmt.Errorf("server.http_port out of range: %d", cfg.Server.HTTPPort)
	}
	switch cfg.Server.Auth.Mode {
	case "apikey", "none", "":
	default:
		return fmt.Errorf("server.auth: unknown mode %q", cfg.Server.Auth.Mode)
	}
	for i, wh := range cfg.Notify.Webhooks {
		switch wh.Type {
		case "slack", "teams", "discord", "http":
		default:
			return fmt.Errorf("notify.webhooks[%d]: unknown type %q", i, wh.Type)
		}
	}
	return nil
}
