// Package config centralizes environment-variable configuration for
// factumd, the way cmd/gateway/main.go reads its own settings straight
// from the environment with defaulting helpers.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"factum/pkg/fork"
)

// Config holds every environment-derived setting factumd needs at
// startup. Storage- and cache-specific variables (DATABASE_*, REDIS_*)
// are read directly by pkg/store's own constructors; Config only tracks
// whether a Postgres DSN was supplied, since that decides which storage
// backend cmd/factumd wires up.
type Config struct {
	HTTPEndpoint      string
	HTTPTimeoutSecs   int
	DatabaseURL       string
	RedisAddr         string
	ForkMode          fork.Mode
	AuthzDefaultAllow bool
}

// Load reads Config from the environment, applying the same defaults
// and validation cmd/gateway's inline env()/envInt() readers apply.
func Load() (Config, error) {
	cfg := Config{
		HTTPEndpoint:    env("FACTUM_HTTP_ENDPOINT", ""),
		HTTPTimeoutSecs: envInt("FACTUM_HTTP_TIMEOUT_SECONDS", 30),
		DatabaseURL:     strings.TrimSpace(os.Getenv("DATABASE_URL")),
		RedisAddr:       strings.TrimSpace(os.Getenv("REDIS_ADDR")),
	}
	if cfg.HTTPTimeoutSecs <= 0 {
		return Config{}, fmt.Errorf("config: FACTUM_HTTP_TIMEOUT_SECONDS must be positive, got %d", cfg.HTTPTimeoutSecs)
	}

	mode, err := parseForkMode(env("FACTUM_FORK_MODE", "passthrough"))
	if err != nil {
		return Config{}, err
	}
	cfg.ForkMode = mode

	allow, err := parseAuthzDefault(env("FACTUM_AUTHZ_DEFAULT", "deny"))
	if err != nil {
		return Config{}, err
	}
	cfg.AuthzDefaultAllow = allow

	return cfg, nil
}

// HTTPTimeout is HTTPTimeoutSecs as a time.Duration, the unit every
// http.Client field actually wants.
func (c Config) HTTPTimeout() time.Duration {
	return time.Duration(c.HTTPTimeoutSecs) * time.Second
}

func parseForkMode(raw string) (fork.Mode, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "passthrough", "pass-through", "":
		return fork.PassThrough, nil
	case "transient":
		return fork.Transient, nil
	case "persistent":
		return fork.Persistent, nil
	default:
		return fork.PassThrough, fmt.Errorf("config: unknown FACTUM_FORK_MODE %q", raw)
	}
}

func parseAuthzDefault(raw string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "permit", "allow":
		return true, nil
	case "deny", "":
		return false, nil
	default:
		return false, fmt.Errorf("config: unknown FACTUM_AUTHZ_DEFAULT %q", raw)
	}
}

func env(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func envInt(k string, def int) int {
	if v := os.Getenv(k); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}
