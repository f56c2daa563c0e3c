package app

import (
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/kelseyhightower/envconfig"

	"github.com/aussiebroadwan/sessionkit/pkg/authsdk"
	"github.com/aussiebroadwan/sessionkit/pkg/httpx"
)

// EnvPrefix prefixes every variable, e.g. SESSION_API_BASE_URL.
const EnvPrefix = "session"

// Store drivers.
const (
	StoreMemory = "memory"
	StoreSQLite = "sqlite"
)

type Config struct {
	APIBaseURL string `envconfig:"API_BASE_URL" required:"true"` // Required: base URL of the upstream API
	Backend    string `envconfig:"BACKEND" default:"plain"`      // plain or envelope

	RequestTimeout time.Duration `envconfig:"REQUEST_TIMEOUT" default:"30s"`
	RetryBaseDelay time.Duration `envconfig:"RETRY_BASE_DELAY" default:"1s"`
	MaxRetries     int           `envconfig:"MAX_RETRIES" default:"3"`

	RefreshThreshold time.Duration `envconfig:"REFRESH_THRESHOLD" default:"5m"`
	IdleTimeout      time.Duration `envconfig:"IDLE_TIMEOUT" default:"24h"`
	IdleCheck        time.Duration `envconfig:"IDLE_CHECK_INTERVAL" default:"60s"`
	ActivityDebounce time.Duration `envconfig:"ACTIVITY_DEBOUNCE" default:"1s"`

	MaxLoginAttempts int           `envconfig:"MAX_LOGIN_ATTEMPTS" default:"5"`
	LockoutDuration  time.Duration `envconfig:"LOCKOUT_DURATION" default:"15m"`
	TOTPSecret       string        `envconfig:"TOTP_SECRET"` // Optional: answers TOTP login challenges

	StoreDriver   string `envconfig:"STORE_DRIVER" default:"memory"`
	DatabaseFile  string `envconfig:"DATABASE_FILE" default:"session.db"`
	MasterKeyPath string `envconfig:"MASTER_KEY_PATH"` // Optional: seals persisted credentials

	RoutesFile    string `envconfig:"ROUTES_FILE"` // Optional: YAML route table, built-in table otherwise
	FailClosed    bool   `envconfig:"FAIL_CLOSED"`
	PagesUpstream string `envconfig:"PAGES_UPSTREAM"` // Optional: guarded pages are proxied here

	LoginLimit httpx.RateLimitConfig `envconfig:"LOGIN_LIMIT"`
	ProxyLimit httpx.RateLimitConfig `envconfig:"PROXY_LIMIT"`

	Env                 string        `envconfig:"ENV" default:"dev"`
	LogLevel            string        `envconfig:"LOG_LEVEL" default:"info"`
	LogFormat           string        `envconfig:"LOG_FORMAT" default:"json"`
	Port                int           `envconfig:"PORT" default:"8080"`
	ShutdownGracePeriod time.Duration `envconfig:"SHUTDOWN_GRACE_PERIOD" default:"10s"`
}

// LoadConfig reads the SESSION_* environment.
func LoadConfig() (Config, error) {
	var cfg Config
	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return Config{}, fmt.Errorf("failed to load config: %w", err)
	}

	cfg.LoginLimit = withDefaults(cfg.LoginLimit, httpx.LoginLimit)
	cfg.ProxyLimit = withDefaults(cfg.ProxyLimit, httpx.ProxyLimit)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// withDefaults fills the unset fields of c from def.
func withDefaults(c, def httpx.RateLimitConfig) httpx.RateLimitConfig {
	if c.RequestsPerWindow == 0 {
		c.RequestsPerWindow = def.RequestsPerWindow
	}
	if c.Window == 0 {
		c.Window = def.Window
	}
	if c.Burst == 0 {
		c.Burst = def.Burst
	}
	return c
}

// Validate rejects configurations the agent cannot run with.
func (c Config) Validate() error {
	var errs []error

	if u, err := url.Parse(c.APIBaseURL); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		errs = append(errs, fmt.Errorf("API_BASE_URL %q is not an http(s) URL", c.APIBaseURL))
	}
	if c.PagesUpstream != "" {
		if u, err := url.Parse(c.PagesUpstream); err != nil || u.Host == "" {
			errs = append(errs, fmt.Errorf("PAGES_UPSTREAM %q is not a URL", c.PagesUpstream))
		}
	}
	switch c.Backend {
	case authsdk.BackendPlain, authsdk.BackendEnvelope:
	default:
		errs = append(errs, fmt.Errorf("BACKEND must be %q or %q, got %q", authsdk.BackendPlain, authsdk.BackendEnvelope, c.Backend))
	}
	switch c.StoreDriver {
	case StoreMemory:
	case StoreSQLite:
		if c.DatabaseFile == "" {
			errs = append(errs, errors.New("DATABASE_FILE is required with the sqlite store"))
		}
	default:
		errs = append(errs, fmt.Errorf("STORE_DRIVER must be %q or %q, got %q", StoreMemory, StoreSQLite, c.StoreDriver))
	}

	if c.RequestTimeout <= 0 {
		errs = append(errs, errors.New("REQUEST_TIMEOUT must be positive"))
	}
	if c.RetryBaseDelay <= 0 {
		errs = append(errs, errors.New("RETRY_BASE_DELAY must be positive"))
	}
	if c.MaxRetries < 0 {
		errs = append(errs, errors.New("MAX_RETRIES must not be negative"))
	}
	if c.RefreshThreshold <= 0 {
		errs = append(errs, errors.New("REFRESH_THRESHOLD must be positive"))
	}
	if c.IdleCheck <= 0 || c.IdleTimeout < c.IdleCheck {
		errs = append(errs, errors.New("IDLE_CHECK_INTERVAL must be positive and not longer than IDLE_TIMEOUT"))
	}
	if c.MaxLoginAttempts < 1 {
		errs = append(errs, errors.New("MAX_LOGIN_ATTEMPTS must be at least 1"))
	}
	if c.LockoutDuration <= 0 {
		errs = append(errs, errors.New("LOCKOUT_DURATION must be positive"))
	}
	if c.Port <= 0 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("PORT %d out of range", c.Port))
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}
