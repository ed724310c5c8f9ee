package config

import (
	"errors"
	"fmt"
	"net/netip"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"go.uber.org/multierr"
	"golang.org/x/crypto/bcrypt"
)

// Config is the process configuration, read from AGENTVOICE_* environment variables.
type Config struct {
	HTTPAddr        string        `env:"AGENTVOICE_HTTP_ADDR"        envDefault:":8080"`
	PGDSN           string        `env:"AGENTVOICE_PG_DSN"`
	MaxBodyBytes    int64         `env:"AGENTVOICE_MAX_BODY_BYTES"   envDefault:"1048576"`
	ShutdownTimeout time.Duration `env:"AGENTVOICE_SHUTDOWN_TIMEOUT" envDefault:"10s"`
	ServiceName     string        `env:"OTEL_SERVICE_NAME"           envDefault:"agentvoice-api"`
	DemoPassword    string        `env:"AGENTVOICE_DEMO_PASSWORD"`
	CORSOrigins     []string      `env:"AGENTVOICE_CORS_ORIGINS" envSeparator:","`

	Auth      AuthConfig
	RateLimit RateLimitConfig
	Log       LogConfig
	Telemetry TelemetryConfig
}

// AuthConfig controls token signing and password hashing.
type AuthConfig struct {
	Secret      string        `env:"AGENTVOICE_AUTH_SECRET"`
	Algorithm   string        `env:"AGENTVOICE_AUTH_ALGORITHM"   envDefault:"HS256"`
	Issuer      string        `env:"AGENTVOICE_AUTH_ISSUER"      envDefault:"agentvoice"`
	AccessTTL   time.Duration `env:"AGENTVOICE_ACCESS_TOKEN_TTL"  envDefault:"30m"`
	RefreshTTL  time.Duration `env:"AGENTVOICE_REFRESH_TOKEN_TTL" envDefault:"168h"`
	BcryptCost  int           `env:"AGENTVOICE_BCRYPT_COST"      envDefault:"12"`
	HashWorkers int           `env:"AGENTVOICE_HASH_WORKERS"     envDefault:"4"`
}

// RateLimitConfig controls the request limiter and the login throttle.
type RateLimitConfig struct {
	RequestsPerMinute int      `env:"AGENTVOICE_RATE_LIMIT_PER_MINUTE"  envDefault:"60"`
	ExemptPaths       []string `env:"AGENTVOICE_RATE_LIMIT_EXEMPT"      envDefault:"/health,/healthz,/readyz,/metrics" envSeparator:","`
	LoginPerMinute    int      `env:"AGENTVOICE_LOGIN_RATE_PER_MINUTE"  envDefault:"10"`
	LoginBurst        int      `env:"AGENTVOICE_LOGIN_BURST"            envDefault:"5"`
	TrustedProxies    []string `env:"AGENTVOICE_TRUSTED_PROXIES"        envSeparator:","`
}

// TrustedProxyPrefixes parses TrustedProxies. Bare addresses become single-host prefixes.
func (c RateLimitConfig) TrustedProxyPrefixes() ([]netip.Prefix, error) {
	var (
		out  []netip.Prefix
		errs error
	)
	for _, raw := range c.TrustedProxies {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		if !strings.Contains(raw, "/") {
			addr, err := netip.ParseAddr(raw)
			if err != nil {
				errs = multierr.Append(errs, fmt.Errorf("trusted proxy %q: %w", raw, err))
				continue
			}
			addr = addr.Unmap()
			out = append(out, netip.PrefixFrom(addr, addr.BitLen()))
			continue
		}
		prefix, err := netip.ParsePrefix(raw)
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("trusted proxy %q: %w", raw, err))
			continue
		}
		out = append(out, prefix.Masked())
	}
	return out, errs
}

// LogConfig selects the zap encoder and level.
type LogConfig struct {
	Format string `env:"AGENTVOICE_LOG_FORMAT" envDefault:"json"`
	Level  string `env:"AGENTVOICE_LOG_LEVEL"  envDefault:"info"`
}

// TelemetryConfig enables OTLP trace export when Endpoint is set.
type TelemetryConfig struct {
	Endpoint string `env:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	Insecure bool   `env:"OTEL_EXPORTER_OTLP_INSECURE"`
}

var supportedAlgorithms = map[string]struct{}{
	"HS256": {},
	"HS384": {},
	"HS512": {},
}

// Load parses the process environment and validates the result.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// LoadFrom parses the given variables instead of the process environment.
func LoadFrom(vars map[string]string) (Config, error) {
	var cfg Config
	if err := env.ParseWithOptions(&cfg, env.Options{Environment: vars}); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var errs error
	c.Auth.Secret = strings.TrimSpace(c.Auth.Secret)
	if c.Auth.Secret == "" {
		errs = multierr.Append(errs, errors.New("AGENTVOICE_AUTH_SECRET is required"))
	}
	c.Auth.Algorithm = strings.ToUpper(strings.TrimSpace(c.Auth.Algorithm))
	if _, ok := supportedAlgorithms[c.Auth.Algorithm]; !ok {
		errs = multierr.Append(errs, fmt.Errorf("unsupported signing algorithm %q", c.Auth.Algorithm))
	}
	if c.Auth.AccessTTL <= 0 {
		errs = multierr.Append(errs, errors.New("access token ttl must be positive"))
	}
	if c.Auth.RefreshTTL <= c.Auth.AccessTTL {
		errs = multierr.Append(errs, errors.New("refresh token ttl must exceed access token ttl"))
	}
	if c.Auth.BcryptCost < bcrypt.MinCost || c.Auth.BcryptCost > bcrypt.MaxCost {
		errs = multierr.Append(errs, fmt.Errorf("bcrypt cost must be within [%d, %d]", bcrypt.MinCost, bcrypt.MaxCost))
	}
	if c.Auth.HashWorkers < 1 {
		errs = multierr.Append(errs, errors.New("hash workers must be at least 1"))
	}
	if c.RateLimit.RequestsPerMinute < 1 {
		errs = multierr.Append(errs, errors.New("rate limit per minute must be at least 1"))
	}
	if c.RateLimit.LoginPerMinute < 1 || c.RateLimit.LoginBurst < 1 {
		errs = multierr.Append(errs, errors.New("login rate and burst must be at least 1"))
	}
	if _, err := c.RateLimit.TrustedProxyPrefixes(); err != nil {
		errs = multierr.Append(errs, err)
	}
	if c.MaxBodyBytes <= 0 {
		errs = multierr.Append(errs, errors.New("max body bytes must be positive"))
	}
	return errs
}
