package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type RateLimitConfig struct {
	ID                string  `yaml:"id"`
	RequestsPerMinute float64 `yaml:"requestsPerMinute"`
	Burst             int     `yaml:"burst"`
}

type ObservabilityConfig struct {
	ServiceName string `yaml:"serviceName"`
	LogRequests bool   `yaml:"logRequests"`
}

type AuthConfig struct {
	Enabled    bool          `yaml:"enabled"`
	HMACSecret string        `yaml:"hmacSecret"`
	Issuer     string        `yaml:"issuer"`
	Audience   string        `yaml:"audience"`
	ScopeClaim string        `yaml:"scopeClaim"`
	ClockSkew  time.Duration `yaml:"clockSkew"`
}

type SecurityConfig struct {
	TLSCertFile string `yaml:"tlsCertFile"`
	TLSKeyFile  string `yaml:"tlsKeyFile"`
}

// Config describes the wallet HTTP surface.
type Config struct {
	ListenAddress string              `yaml:"listen"`
	ReadTimeout   time.Duration       `yaml:"readTimeout"`
	WriteTimeout  time.Duration       `yaml:"writeTimeout"`
	IdleTimeout   time.Duration       `yaml:"idleTimeout"`
	MaxBodyBytes  int64               `yaml:"maxBodyBytes"`
	RateLimits    []RateLimitConfig   `yaml:"rateLimits"`
	Observability ObservabilityConfig `yaml:"observability"`
	Auth          AuthConfig          `yaml:"auth"`
	Security      SecurityConfig      `yaml:"security"`
}

// KnownRateLimits lists the route keys a rate limit may target.
var KnownRateLimits = []string{"instantiate", "execute"}

func defaults() Config {
	return Config{
		ListenAddress: ":8080",
		ReadTimeout:   30 * time.Second,
		WriteTimeout:  30 * time.Second,
		IdleTimeout:   120 * time.Second,
		MaxBodyBytes:  1 << 20,
		RateLimits: []RateLimitConfig{
			{ID: "instantiate", RequestsPerMinute: 30, Burst: 5},
			{ID: "execute", RequestsPerMinute: 120, Burst: 20},
		},
		Observability: ObservabilityConfig{
			ServiceName: "walletd",
			LogRequests: true,
		},
		Auth: AuthConfig{
			ScopeClaim: "scope",
			ClockSkew:  2 * time.Minute,
		},
	}
}

// Load reads the gateway configuration from path. An empty path returns the
// defaults.
func Load(path string) (Config, error) {
	cfg := defaults()
	if path == "" {
		return cfg, nil
	}
	file, err := os.Open(path)
	if err != nil {
		return Config{}, fmt.Errorf("open config: %w", err)
	}
	defer file.Close()

	decoder := yaml.NewDecoder(file)
	decoder.KnownFields(true)
	if err := decoder.Decode(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	if cfg.Auth.ScopeClaim == "" {
		cfg.Auth.ScopeClaim = "scope"
	}
	if cfg.Auth.ClockSkew <= 0 {
		cfg.Auth.ClockSkew = 2 * time.Minute
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

func (cfg *Config) Validate() error {
	if cfg == nil {
		return fmt.Errorf("config is nil")
	}
	if strings.TrimSpace(cfg.ListenAddress) == "" {
		return fmt.Errorf("listen address required")
	}
	if cfg.MaxBodyBytes < 0 {
		return fmt.Errorf("maxBodyBytes cannot be negative")
	}
	seen := map[string]struct{}{}
	for i, limit := range cfg.RateLimits {
		id := strings.TrimSpace(limit.ID)
		if !known(id) {
			return fmt.Errorf("rateLimits[%d]: unknown id %q (want one of %s)", i, limit.ID, strings.Join(KnownRateLimits, ", "))
		}
		if _, dup := seen[id]; dup {
			return fmt.Errorf("rateLimits[%d]: duplicate id %q", i, id)
		}
		seen[id] = struct{}{}
		if limit.RequestsPerMinute <= 0 {
			return fmt.Errorf("rateLimits[%d]: requestsPerMinute must be positive", i)
		}
		if limit.Burst < 0 {
			return fmt.Errorf("rateLimits[%d]: burst cannot be negative", i)
		}
		cfg.RateLimits[i].ID = id
	}
	if cfg.Auth.Enabled && strings.TrimSpace(cfg.Auth.HMACSecret) == "" {
		return fmt.Errorf("auth.hmacSecret required when auth is enabled")
	}
	cert := strings.TrimSpace(cfg.Security.TLSCertFile)
	key := strings.TrimSpace(cfg.Security.TLSKeyFile)
	if (cert == "") != (key == "") {
		return fmt.Errorf("security.tlsCertFile and security.tlsKeyFile must be set together")
	}
	return nil
}

// TLSEnabled reports whether the listener should serve TLS.
func (cfg Config) TLSEnabled() bool {
	return strings.TrimSpace(cfg.Security.TLSCertFile) != ""
}

func known(id string) bool {
	for _, candidate := range KnownRateLimits {
		if candidate == id {
			return true
		}
	}
	return false
}
