// Package config reads server settings from the environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"codecollab/server/internal/auth"
	"codecollab/server/internal/authority"
)

type Config struct {
	Port         string
	DatabasePath string
	DatabaseURL  string
	RedisAddr    string
	DevUser      string
	Authority    authority.Config
	Auth         auth.Config
}

func (c Config) Addr() string {
	return ":" + c.Port
}

// Load reads the process environment.
func Load() (Config, error) {
	return LoadFrom(os.Getenv)
}

// LoadFrom reads settings through getenv.
func LoadFrom(getenv func(string) string) (Config, error) {
	get := func(key, fallback string) string {
		if v := strings.TrimSpace(getenv(key)); v != "" {
			return v
		}
		return fallback
	}

	cfg := Config{
		Port:         get("PORT", "8080"),
		DatabasePath: get("DATABASE_PATH", "collab.db"),
		DatabaseURL:  get("DATABASE_URL", ""),
		RedisAddr:    get("REDIS_ADDR", ""),
		DevUser:      get("DEV_USER", "dev-user"),
		Authority:    authority.DefaultConfig(),
		Auth: auth.Config{
			IssuerURL:    get("OIDC_ISSUER_URL", ""),
			ClientID:     get("OIDC_CLIENT_ID", ""),
			ClientSecret: get("OIDC_CLIENT_SECRET", ""),
			RedirectURL:  get("OIDC_REDIRECT_URL", ""),
			SessionKey:   get("SESSION_KEY", ""),
		},
	}

	var err error
	if cfg.Authority.StaleTolerance, err = positiveInt("STALE_TOLERANCE", get("STALE_TOLERANCE", "64")); err != nil {
		return Config{}, err
	}
	limit, err := positiveInt("HISTORY_LIMIT", get("HISTORY_LIMIT", "256"))
	if err != nil {
		return Config{}, err
	}
	cfg.Authority.HistoryLimit = int(limit)
	if raw := get("COOKIE_SECURE", ""); raw != "" {
		if cfg.Auth.CookieSecure, err = strconv.ParseBool(raw); err != nil {
			return Config{}, fmt.Errorf("COOKIE_SECURE: %w", err)
		}
	}
	if _, err := strconv.Atoi(cfg.Port); err != nil {
		return Config{}, fmt.Errorf("PORT: %w", err)
	}
	return cfg, nil
}

func positiveInt(key, raw string) (int64, error) {
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	if v <= 0 {
		return 0, fmt.Errorf("%s: must be positive, got %d", key, v)
	}
	return v, nil
}
