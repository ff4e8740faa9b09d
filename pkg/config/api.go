package config

import (
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

// DefaultAPIListen is the default listen address of the query API.
const DefaultAPIListen = ":8080"

// APIConfig contains all API server configuration.
type APIConfig struct {
	Server APIServerConfig `yaml:"server"`
	Auth   APIAuthConfig   `yaml:"auth,omitempty"`
}

// APIServerConfig contains HTTP server settings.
type APIServerConfig struct {
	Listen      string          `yaml:"listen"`
	CORSOrigins []string        `yaml:"cors_origins,omitempty"`
	RateLimit   RateLimitConfig `yaml:"rate_limit,omitempty"`
}

// RateLimitConfig configures per-IP rate limiting.
type RateLimitConfig struct {
	Enabled           bool `yaml:"enabled"`
	RequestsPerMinute int  `yaml:"requests_per_minute"`
}

// APIAuthConfig contains authentication settings.
type APIAuthConfig struct {
	Basic BasicAuthConfig `yaml:"basic,omitempty"`
}

// BasicAuthConfig configures username/password authentication.
type BasicAuthConfig struct {
	Enabled bool            `yaml:"enabled"`
	Users   []BasicAuthUser `yaml:"users,omitempty"`
}

// BasicAuthUser defines a basic auth user. Password is a bcrypt hash.
type BasicAuthUser struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

func (c *APIConfig) applyDefaults() {
	if c.Server.Listen == "" {
		c.Server.Listen = DefaultAPIListen
	}

	if c.Server.RateLimit.Enabled && c.Server.RateLimit.RequestsPerMinute <= 0 {
		c.Server.RateLimit.RequestsPerMinute = 60
	}
}

// Validate checks the API configuration for errors.
func (c *APIConfig) Validate() error {
	if !c.Auth.Basic.Enabled {
		return nil
	}

	if len(c.Auth.Basic.Users) == 0 {
		return fmt.Errorf("api.auth.basic: at least one user is required when enabled")
	}

	seen := make(map[string]struct{}, len(c.Auth.Basic.Users))

	for i, u := range c.Auth.Basic.Users {
		if u.Username == "" {
			return fmt.Errorf("api.auth.basic.users[%d]: username is required", i)
		}

		if _, ok := seen[u.Username]; ok {
			return fmt.Errorf("api.auth.basic.users[%d]: duplicate username %q", i, u.Username)
		}

		seen[u.Username] = struct{}{}

		if _, err := bcrypt.Cost([]byte(u.Password)); err != nil {
			return fmt.Errorf("api.auth.basic.users[%d]: password must be a bcrypt hash: %w", i, err)
		}
	}

	return nil
}
