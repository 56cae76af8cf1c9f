// Package config loads the node configuration from a YAML file, .env files
// and OUKA_* environment variables, in increasing order of precedence.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"ouka/pkg/auth"
	"ouka/pkg/client"
	"ouka/pkg/delivery"
	"ouka/pkg/federation"
)

type Backend string

const (
	BackendMemory   Backend = "memory"
	BackendPostgres Backend = "postgres"
	BackendRedis    Backend = "redis"
)

type Config struct {
	// Host is the public authority of the node, e.g. "node.example" or "localhost:8080".
	Host string `yaml:"host"`
	// Listen is the address the HTTP server binds.
	Listen string `yaml:"listen"`
	// OwnerEmail marks the account provisioned for this verified email as admin.
	OwnerEmail string `yaml:"owner_email"`
	// BlockedDomains are never fetched from or delivered to, and their
	// signatures are refused. "*.example" covers every subdomain.
	BlockedDomains []string `yaml:"blocked_domains"`

	Storage StorageConfig          `yaml:"storage"`
	Cache   CacheConfig            `yaml:"cache"`
	HTTP    client.Config          `yaml:"http"`
	Queue   delivery.QueueConfig   `yaml:"queue"`
	Breaker delivery.BreakerConfig `yaml:"breaker"`
	Auth    auth.AuthConfig        `yaml:"auth"`
}

// StorageConfig selects the account store.
type StorageConfig struct {
	Backend Backend `yaml:"backend"`
	DSN     string  `yaml:"dsn"`
}

// CacheConfig selects the actor cache. An empty backend uses the account
// store's backend.
type CacheConfig struct {
	Backend  Backend       `yaml:"backend"`
	RedisURL string        `yaml:"redis_url"`
	TTL      time.Duration `yaml:"ttl"`
}

func Default() *Config {
	return &Config{
		Host:   "localhost:8080",
		Listen: ":8080",
		Storage: StorageConfig{
			Backend: BackendMemory,
		},
		Cache: CacheConfig{
			TTL: federation.DefaultCacheTTL,
		},
		HTTP:    client.DefaultConfig(),
		Queue:   delivery.DefaultQueueConfig(),
		Breaker: delivery.DefaultBreakerConfig(),
		Auth:    *auth.DefaultAuthConfig(),
	}
}

// Load builds the configuration. path may be empty, in which case only
// defaults and the environment apply.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	if err := loadDotEnv(); err != nil {
		return nil, err
	}
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// CacheBackend resolves the effective actor cache backend.
func (c *Config) CacheBackend() Backend {
	if c.Cache.Backend != "" {
		return c.Cache.Backend
	}
	return c.Storage.Backend
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	var errs []error

	if c.Host == "" {
		errs = append(errs, errors.New("host is required"))
	} else if u, err := url.Parse("https://" + c.Host); err != nil || u.Host != c.Host || u.Path != "" {
		errs = append(errs, fmt.Errorf("host %q must be a bare authority", c.Host))
	}
	if c.Listen == "" {
		errs = append(errs, errors.New("listen is required"))
	}

	switch c.Storage.Backend {
	case BackendMemory:
	case BackendPostgres:
		if c.Storage.DSN == "" {
			errs = append(errs, errors.New("storage.dsn is required for the postgres backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("unsupported storage backend %q", c.Storage.Backend))
	}

	switch c.CacheBackend() {
	case BackendMemory:
	case BackendPostgres:
		if c.Storage.Backend != BackendPostgres {
			errs = append(errs, errors.New("the postgres actor cache requires the postgres storage backend"))
		}
	case BackendRedis:
		if c.Cache.RedisURL == "" {
			errs = append(errs, errors.New("cache.redis_url is required for the redis cache"))
		}
	default:
		errs = append(errs, fmt.Errorf("unsupported cache backend %q", c.CacheBackend()))
	}
	if c.Cache.TTL <= 0 {
		errs = append(errs, errors.New("cache.ttl must be positive"))
	}

	if c.HTTP.Timeout <= 0 {
		errs = append(errs, errors.New("http.timeout must be positive"))
	}
	if c.HTTP.Retries < 0 {
		errs = append(errs, errors.New("http.retries cannot be negative"))
	}

	if c.Queue.Workers <= 0 {
		errs = append(errs, errors.New("queue.workers must be positive"))
	}
	if c.Queue.Buffer < 0 {
		errs = append(errs, errors.New("queue.buffer cannot be negative"))
	}
	if c.Queue.MaxAttempts <= 0 {
		errs = append(errs, errors.New("queue.max_attempts must be positive"))
	}
	if c.Queue.BaseDelay <= 0 || c.Queue.MaxDelay < c.Queue.BaseDelay {
		errs = append(errs, errors.New("queue delays must satisfy 0 < base_delay <= max_delay"))
	}
	if c.Queue.Jitter < 0 || c.Queue.Jitter >= 1 {
		errs = append(errs, errors.New("queue.jitter must be in [0, 1)"))
	}

	if c.Breaker.Failures < 0 {
		errs = append(errs, errors.New("breaker.failures cannot be negative"))
	} else if c.Breaker.Failures > 0 && c.Breaker.Cooldown <= 0 {
		errs = append(errs, errors.New("breaker.cooldown must be positive"))
	}

	if _, err := federation.NewDomainPolicy(c.BlockedDomains...); err != nil {
		errs = append(errs, fmt.Errorf("blocked_domains: %w", err))
	}

	if err := c.Auth.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("auth: %w", err))
	}

	return errors.Join(errs...)
}

// Redacted returns a copy safe to print, with secrets masked.
func (c *Config) Redacted() *Config {
	out := *c
	out.Storage.DSN = redactURL(c.Storage.DSN)
	out.Cache.RedisURL = redactURL(c.Cache.RedisURL)
	if out.Auth.OutboxToken != "" {
		out.Auth.OutboxToken = "********"
	}
	return &out
}

func redactURL(raw string) string {
	if raw == "" {
		return ""
	}
	u, err := url.Parse(raw)
	if err != nil || u.User == nil {
		if strings.Contains(raw, "password=") {
			return "********"
		}
		return raw
	}
	return u.Redacted()
}
