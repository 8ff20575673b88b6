// Package config loads process configuration from the environment.
package config

import (
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"
)

// Config is the complete configuration of datasetauthd and datasetauthctl.
type Config struct {
	HTTP     HTTP
	Auth     Auth
	OIDC     OIDC
	M2M      M2M
	Datasets Datasets
	Users    Users
	Storage  Storage
	Session  Session
	Log      Log
}

// HTTP configures the listener.
type HTTP struct {
	Addr              string        `env:"LISTEN_ADDR,default=:8080"`
	ReadHeaderTimeout time.Duration `env:"HTTP_READ_HEADER_TIMEOUT,default=10s"`
	ShutdownTimeout   time.Duration `env:"HTTP_SHUTDOWN_TIMEOUT,default=15s"`
	// PublicURL is the externally visible base URL. When set, protected
	// resource metadata is served and advertised in bearer challenges.
	PublicURL string `env:"PUBLIC_URL"`
}

// Auth configures bearer token verification.
type Auth struct {
	// Issuer is normalized to an absolute URL with a trailing slash.
	Issuer   string `env:"AUTH_ISSUER,required"`
	Audience string `env:"AUTH_AUDIENCE,required"`
	// Space separated.
	RequiredScopes string        `env:"AUTH_REQUIRED_SCOPES"`
	AllowedAlgs    string        `env:"AUTH_ALLOWED_ALGS,default=RS256"`
	Leeway         time.Duration `env:"AUTH_LEEWAY,default=0s"`
	// AuthorizedParty, when set, pins the azp claim of access tokens.
	AuthorizedParty string `env:"AUTH_AUTHORIZED_PARTY"`
	// JWKSFile replaces discovery-based key resolution with a watched file.
	JWKSFile string `env:"AUTH_JWKS_FILE"`
	// DecryptionKeyFile is a PEM private key; when set, access tokens must
	// be JWE-wrapped.
	DecryptionKeyFile string `env:"AUTH_DECRYPTION_KEY_FILE"`
	Realm             string `env:"AUTH_REALM,default=datasetauth"`
}

// OIDC configures the browser login flow. It is disabled when ClientID is
// empty.
type OIDC struct {
	ClientID              string        `env:"OIDC_CLIENT_ID"`
	ClientSecret          string        `env:"OIDC_CLIENT_SECRET"`
	RedirectURL           string        `env:"OIDC_REDIRECT_URL"`
	PostLogoutRedirectURL string        `env:"OIDC_POST_LOGOUT_REDIRECT_URL"`
	Scopes                string        `env:"OIDC_SCOPES,default=openid profile email"`
	MaxAge                time.Duration `env:"OIDC_MAX_AGE,default=0s"`
}

// M2M configures the client-credentials grant. It is disabled when ClientID
// is empty. TokenURL and Audience default from the issuer.
type M2M struct {
	ClientID     string `env:"M2M_CLIENT_ID"`
	ClientSecret string `env:"M2M_CLIENT_SECRET"`
	TokenURL     string `env:"M2M_TOKEN_URL"`
	Audience     string `env:"M2M_AUDIENCE"`
	Scopes       string `env:"M2M_SCOPES"`
}

// Datasets configures the dataset listing API.
type Datasets struct {
	APIURL           string        `env:"DATASETS_API_URL"`
	CacheTTL         time.Duration `env:"DATASETS_CACHE_TTL,default=5m"`
	BreakerThreshold uint32        `env:"DATASETS_BREAKER_THRESHOLD,default=5"`
	BreakerCooldown  time.Duration `env:"DATASETS_BREAKER_COOLDOWN,default=30s"`
}

// Users configures the user directory. BaseURL defaults to the issuer.
type Users struct {
	BaseURL  string        `env:"USERS_API_URL"`
	CacheTTL time.Duration `env:"USERS_CACHE_TTL,default=10m"`
}

// Storage selects the cache and session backend: Redis when RedisAddr is
// set, memory otherwise.
type Storage struct {
	RedisAddr     string `env:"REDIS_ADDR"`
	RedisPassword string `env:"REDIS_PASSWORD"`
	RedisDB       int    `env:"REDIS_DB,default=0"`
	KeyPrefix     string `env:"REDIS_KEY_PREFIX,default=datasetauth:"`
	MemoryItems   int    `env:"MEMORY_MAX_ITEMS,default=10000"`
}

// Session configures the session store.
type Session struct {
	// SigningSeed is a base64 encoded 32-byte Ed25519 seed. Without it a
	// random key is generated and sessions do not survive restarts.
	SigningSeed  string        `env:"SESSION_SIGNING_SEED"`
	CookieName   string        `env:"SESSION_COOKIE,default=datasetauth_session"`
	TTL          time.Duration `env:"SESSION_TTL,default=24h"`
	SecureCookie bool          `env:"SESSION_SECURE_COOKIE,default=true"`
}

// Log configures the process logger.
type Log struct {
	Level  string `env:"LOG_LEVEL,default=info"`
	Format string `env:"LOG_FORMAT,default=json"`
}

// Load decodes the environment, fills derived defaults and validates.
func Load() (*Config, error) {
	var c Config
	if err := envdecode.Decode(&c); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return nil, fmt.Errorf("config: %w", err)
	}
	if err := c.normalize(); err != nil {
		return nil, err
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

func (c *Config) normalize() error {
	iss, err := NormalizeIssuer(c.Auth.Issuer)
	if err != nil {
		return err
	}
	c.Auth.Issuer = iss
	if c.M2M.TokenURL == "" {
		c.M2M.TokenURL = iss + "oauth/token"
	}
	if c.M2M.Audience == "" {
		c.M2M.Audience = iss + "api/v2/"
	}
	if c.Users.BaseURL == "" {
		c.Users.BaseURL = iss
	}
	return nil
}

// Validate reports the first inconsistency in c.
func (c *Config) Validate() error {
	switch {
	case c.Auth.Audience == "":
		return errors.New("config: AUTH_AUDIENCE is required")
	case c.OIDC.ClientID != "" && c.OIDC.RedirectURL == "":
		return errors.New("config: OIDC_REDIRECT_URL is required when OIDC_CLIENT_ID is set")
	case c.M2M.ClientID != "" && c.M2M.ClientSecret == "":
		return errors.New("config: M2M_CLIENT_SECRET is required when M2M_CLIENT_ID is set")
	case c.Datasets.CacheTTL <= 0:
		return errors.New("config: DATASETS_CACHE_TTL must be positive")
	case c.Users.CacheTTL <= 0:
		return errors.New("config: USERS_CACHE_TTL must be positive")
	case c.Session.TTL <= 0:
		return errors.New("config: SESSION_TTL must be positive")
	case c.Storage.RedisAddr == "" && c.Storage.MemoryItems <= 0:
		return errors.New("config: MEMORY_MAX_ITEMS must be positive")
	}
	if c.HTTP.PublicURL != "" {
		if err := absoluteURL("PUBLIC_URL", c.HTTP.PublicURL); err != nil {
			return err
		}
	}
	if c.Datasets.APIURL != "" {
		if err := absoluteURL("DATASETS_API_URL", c.Datasets.APIURL); err != nil {
			return err
		}
	}
	if _, err := c.Session.Seed(); err != nil {
		return err
	}
	if _, err := c.Log.SlogLevel(); err != nil {
		return err
	}
	if f := strings.ToLower(c.Log.Format); f != "json" && f != "text" {
		return fmt.Errorf("config: LOG_FORMAT must be json or text, got %q", c.Log.Format)
	}
	return nil
}

// OIDCEnabled reports whether the browser login flow is configured.
func (c *Config) OIDCEnabled() bool { return c.OIDC.ClientID != "" }

// M2MEnabled reports whether client credentials are configured.
func (c *Config) M2MEnabled() bool { return c.M2M.ClientID != "" }

// NormalizeIssuer returns iss as an absolute URL with a trailing slash. A
// bare host such as "tenant.auth0.com" is taken to mean https.
func NormalizeIssuer(iss string) (string, error) {
	iss = strings.TrimSpace(iss)
	if iss == "" {
		return "", errors.New("config: AUTH_ISSUER is required")
	}
	if !strings.Contains(iss, "://") {
		iss = "https://" + iss
	}
	if err := absoluteURL("AUTH_ISSUER", iss); err != nil {
		return "", err
	}
	if !strings.HasSuffix(iss, "/") {
		iss += "/"
	}
	return iss, nil
}

func absoluteURL(name, raw string) error {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" || (u.Scheme != "https" && u.Scheme != "http") {
		return fmt.Errorf("config: %s must be an absolute http(s) URL, got %q", name, raw)
	}
	return nil
}

// Seed decodes SigningSeed. It returns nil when no seed is configured.
func (s Session) Seed() ([]byte, error) {
	if s.SigningSeed == "" {
		return nil, nil
	}
	b, err := base64.StdEncoding.DecodeString(s.SigningSeed)
	if err != nil {
		b, err = base64.RawURLEncoding.DecodeString(s.SigningSeed)
	}
	if err != nil {
		return nil, fmt.Errorf("config: SESSION_SIGNING_SEED is not base64: %w", err)
	}
	if len(b) != 32 {
		return nil, fmt.Errorf("config: SESSION_SIGNING_SEED must decode to 32 bytes, got %d", len(b))
	}
	return b, nil
}

// SlogLevel parses Level.
func (l Log) SlogLevel() (slog.Level, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(l.Level)); err != nil {
		return 0, fmt.Errorf("config: LOG_LEVEL: %w", err)
	}
	return lvl, nil
}

// Fields splits a space separated list.
func Fields(s string) []string {
	return strings.Fields(s)
}
