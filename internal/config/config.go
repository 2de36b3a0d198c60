// Package config loads the gateway configuration from a YAML file with
// environment overrides for deployment-specific values.
package config

import (
	"crypto/x509"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"masegate/internal/directory"
	"masegate/internal/registry"
)

// Duration wraps time.Duration so YAML can carry values like "15m".
type Duration time.Duration

// UnmarshalYAML parses a Go duration string.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("config: invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// RateLimitPolicy configures one limiter.
type RateLimitPolicy struct {
	Window        Duration `yaml:"window"`
	MaxRequests   int      `yaml:"maxRequests"`
	BlockDuration Duration `yaml:"blockDuration"`
}

// Config is the full gateway configuration.
type Config struct {
	ListenAddr       string `yaml:"listenAddr"`
	HealthListenAddr string `yaml:"healthListenAddr"`

	// Secret signs tokens, encrypts identifiers and signs forwarded
	// identity headers. At least 32 characters.
	Secret string `yaml:"secret"`
	Issuer string `yaml:"issuer"`

	// RSAKeyFile switches token issuance to RS256 and enables the
	// published JWKS. Empty means HMAC with Secret.
	RSAKeyFile string `yaml:"rsaKeyFile"`

	// HubJWKSURL verifies hub credentials against the hub's published
	// keys instead of the shared secret.
	HubJWKSURL string `yaml:"hubJwksUrl"`

	TokenTTL     Duration `yaml:"tokenTTL"`
	RefreshGrace Duration `yaml:"refreshGrace"`
	CSRFTokenTTL Duration `yaml:"csrfTokenTTL"`
	ProxyTimeout Duration `yaml:"proxyTimeout"`
	SweepEvery   Duration `yaml:"sweepEvery"`

	RedisAddr     string `yaml:"redisAddr"`
	RedisPassword string `yaml:"redisPassword"`
	RedisDB       int    `yaml:"redisDB"`

	DefaultRateLimit RateLimitPolicy `yaml:"defaultRateLimit"`
	AuthRateLimit    RateLimitPolicy `yaml:"authRateLimit"`

	// TLS settings. SPIFFESocket takes precedence over static files.
	SPIFFESocket string `yaml:"spiffeSocket"`
	TLSCertFile  string `yaml:"tlsCertFile"`
	TLSKeyFile   string `yaml:"tlsKeyFile"`
	TLSClientCA  string `yaml:"tlsClientCA"`

	Services []registry.Service `yaml:"services"`
	Users    []directory.User   `yaml:"users"`
}

// Defaults returns a config with every tunable at its default.
func Defaults() Config {
	return Config{
		ListenAddr:       ":8080",
		HealthListenAddr: ":9090",
		Issuer:           "masegate",
		TokenTTL:         Duration(time.Hour),
		RefreshGrace:     Duration(24 * time.Hour),
		CSRFTokenTTL:     Duration(time.Hour),
		ProxyTimeout:     Duration(30 * time.Second),
		SweepEvery:       Duration(5 * time.Minute),
		DefaultRateLimit: RateLimitPolicy{
			Window:        Duration(15 * time.Minute),
			MaxRequests:   100,
			BlockDuration: Duration(time.Hour),
		},
		AuthRateLimit: RateLimitPolicy{
			Window:        Duration(15 * time.Minute),
			MaxRequests:   5,
			BlockDuration: Duration(30 * time.Minute),
		},
	}
}

// Load reads path (optional), applies environment overrides, and
// validates the result.
func Load(path string) (Config, error) {
	cfg := Defaults()

	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("config: reading %s: %w", path, err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return Config{}, fmt.Errorf("config: parsing %s: %w", path, err)
		}
	}

	applyEnv(&cfg)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	cfg.ListenAddr = envString("GATEWAY_LISTEN_ADDR", cfg.ListenAddr)
	cfg.HealthListenAddr = envString("GATEWAY_HEALTH_ADDR", cfg.HealthListenAddr)
	cfg.Secret = envString("GATEWAY_SECRET", cfg.Secret)
	cfg.Issuer = envString("GATEWAY_ISSUER", cfg.Issuer)
	cfg.RSAKeyFile = envString("GATEWAY_RSA_KEY_FILE", cfg.RSAKeyFile)
	cfg.HubJWKSURL = envString("GATEWAY_HUB_JWKS_URL", cfg.HubJWKSURL)
	cfg.RedisAddr = envString("GATEWAY_REDIS_ADDR", cfg.RedisAddr)
	cfg.RedisPassword = envString("GATEWAY_REDIS_PASSWORD", cfg.RedisPassword)
	cfg.RedisDB = int(envInt64("GATEWAY_REDIS_DB", int64(cfg.RedisDB)))
	cfg.SPIFFESocket = envString("SPIFFE_ENDPOINT_SOCKET", cfg.SPIFFESocket)
	cfg.TLSCertFile = envString("TLS_CERT_FILE", cfg.TLSCertFile)
	cfg.TLSKeyFile = envString("TLS_KEY_FILE", cfg.TLSKeyFile)
	cfg.TLSClientCA = envString("TLS_CLIENT_CA_FILE", cfg.TLSClientCA)

	cfg.TokenTTL = envDuration("GATEWAY_TOKEN_TTL", cfg.TokenTTL)
	cfg.RefreshGrace = envDuration("GATEWAY_REFRESH_GRACE", cfg.RefreshGrace)
	cfg.CSRFTokenTTL = envDuration("GATEWAY_CSRF_TTL", cfg.CSRFTokenTTL)
	cfg.ProxyTimeout = envDuration("GATEWAY_PROXY_TIMEOUT", cfg.ProxyTimeout)
	cfg.SweepEvery = envDuration("GATEWAY_SWEEP_EVERY", cfg.SweepEvery)
}

// Validate checks the invariants the rest of the gateway relies on.
func (c *Config) Validate() error {
	if len(c.Secret) < 32 {
		return fmt.Errorf("config: secret must be at least 32 characters, got %d", len(c.Secret))
	}
	if c.ListenAddr == "" {
		return fmt.Errorf("config: listenAddr is required")
	}
	if c.TokenTTL.Std() <= 0 {
		return fmt.Errorf("config: tokenTTL must be positive")
	}
	seen := make(map[string]bool, len(c.Services))
	for i := range c.Services {
		s := &c.Services[i]
		if s.Slug == "" {
			return fmt.Errorf("config: service %d has no slug", i)
		}
		if seen[s.Slug] {
			return fmt.Errorf("config: duplicate service slug %q", s.Slug)
		}
		seen[s.Slug] = true
		if s.BackendURL == "" {
			return fmt.Errorf("config: service %q has no backendUrl", s.Slug)
		}
	}
	return nil
}

// ClientCAPool loads the CA bundle named by TLSClientCA for verifying
// client certificates. Returns nil when no bundle is configured.
func (c *Config) ClientCAPool() (*x509.CertPool, error) {
	if c.TLSClientCA == "" {
		return nil, nil
	}
	pem, err := os.ReadFile(c.TLSClientCA)
	if err != nil {
		return nil, fmt.Errorf("config: reading client CA: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, fmt.Errorf("config: no certificates found in %s", c.TLSClientCA)
	}
	return pool, nil
}

func envString(name, def string) string {
	v := strings.TrimSpace(os.Getenv(name))
	if v == "" {
		return def
	}
	return v
}

func envInt64(name string, def int64) int64 {
	v := strings.TrimSpace(os.Getenv(name))
	if v == "" {
		return def
	}
	var out int64
	_, err := fmt.Sscanf(v, "%d", &out)
	if err != nil {
		return def
	}
	return out
}

func envDuration(name string, def Duration) Duration {
	v := strings.TrimSpace(os.Getenv(name))
	if v == "" {
		return def
	}
	parsed, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return Duration(parsed)
}
