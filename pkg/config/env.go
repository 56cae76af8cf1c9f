package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const envPrefix = "OUKA_"

// DotEnvFiles are loaded, when present, before environment overrides apply.
// Variables already set in the process environment win.
var DotEnvFiles = []string{".env", ".env.local"}

func loadDotEnv() error {
	for _, name := range DotEnvFiles {
		if _, err := os.Stat(name); err != nil {
			continue
		}
		if err := godotenv.Load(name); err != nil {
			return fmt.Errorf("failed to load %s: %w", name, err)
		}
	}
	return nil
}

type lookupFunc func(key string) (string, bool)

// applyEnv overlays OUKA_* variables onto c.
func (c *Config) applyEnv(lookup lookupFunc) error {
	env := envReader{lookup: lookup}

	env.str("HOST", &c.Host)
	env.str("LISTEN", &c.Listen)
	env.str("OWNER_EMAIL", &c.OwnerEmail)
	env.list("BLOCKED_DOMAINS", &c.BlockedDomains)

	env.backend("STORAGE_BACKEND", &c.Storage.Backend)
	env.str("DATABASE_URL", &c.Storage.DSN)
	env.backend("CACHE_BACKEND", &c.Cache.Backend)
	env.str("REDIS_URL", &c.Cache.RedisURL)
	env.duration("CACHE_TTL", &c.Cache.TTL)

	env.duration("HTTP_TIMEOUT", &c.HTTP.Timeout)
	env.integer("HTTP_RETRIES", &c.HTTP.Retries)

	env.integer("QUEUE_WORKERS", &c.Queue.Workers)
	env.integer("QUEUE_MAX_ATTEMPTS", &c.Queue.MaxAttempts)
	env.integer("BREAKER_FAILURES", &c.Breaker.Failures)
	env.duration("BREAKER_COOLDOWN", &c.Breaker.Cooldown)

	env.str("OUTBOX_TOKEN", &c.Auth.OutboxToken)
	env.duration("MAX_CLOCK_SKEW", &c.Auth.MaxClockSkew)
	env.boolean("REQUIRE_DIGEST", &c.Auth.RequireDigest)
	env.str("TLS_CERT_FILE", &c.Auth.TLS.CertFile)
	env.str("TLS_KEY_FILE", &c.Auth.TLS.KeyFile)

	return env.err
}

// envReader reads prefixed variables, keeping the first parse error.
type envReader struct {
	lookup lookupFunc
	err    error
}

func (e *envReader) get(name string) (string, bool) {
	value, ok := e.lookup(envPrefix + name)
	if !ok || strings.TrimSpace(value) == "" {
		return "", false
	}
	return strings.TrimSpace(value), true
}

func (e *envReader) fail(name string, err error) {
	if e.err == nil {
		e.err = fmt.Errorf("invalid %s%s: %w", envPrefix, name, err)
	}
}

func (e *envReader) str(name string, dst *string) {
	if value, ok := e.get(name); ok {
		*dst = value
	}
}

// list splits a comma separated value, dropping empty items.
func (e *envReader) list(name string, dst *[]string) {
	value, ok := e.get(name)
	if !ok {
		return
	}
	var items []string
	for _, item := range strings.Split(value, ",") {
		if item = strings.TrimSpace(item); item != "" {
			items = append(items, item)
		}
	}
	*dst = items
}

func (e *envReader) backend(name string, dst *Backend) {
	if value, ok := e.get(name); ok {
		*dst = Backend(strings.ToLower(value))
	}
}

func (e *envReader) duration(name string, dst *time.Duration) {
	value, ok := e.get(name)
	if !ok {
		return
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		e.fail(name, err)
		return
	}
	*dst = d
}

func (e *envReader) integer(name string, dst *int) {
	value, ok := e.get(name)
	if !ok {
		return
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		e.fail(name, err)
		return
	}
	*dst = n
}

func (e *envReader) boolean(name string, dst *bool) {
	value, ok := e.get(name)
	if !ok {
		return
	}
	b, err := strconv.ParseBool(value)
	if err != nil {
		e.fail(name, err)
		return
	}
	*dst = b
}
