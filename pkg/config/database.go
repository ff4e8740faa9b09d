package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const (
	// DefaultTable is the results table name.
	DefaultTable = "results"

	// EnvPrefix prefixes environment overrides, e.g.
	// PRIVEXT_POSTGRESQL_PASSWORD.
	EnvPrefix = "PRIVEXT"
)

var tableNamePattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// DatabaseConfig contains database connection settings. It is read from
// an INI file with a [postgresql] section and optional [database] and
// [sqlite] sections.
type DatabaseConfig struct {
	Driver   string
	Postgres PostgresConfig
	SQLite   SQLiteDatabaseConfig
}

// PostgresConfig contains PostgreSQL connection settings.
type PostgresConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	Database string `mapstructure:"database"`
	SSLMode  string `mapstructure:"sslmode"`
	Table    string `mapstructure:"table"`
}

// SQLiteDatabaseConfig contains SQLite-specific settings.
type SQLiteDatabaseConfig struct {
	Path  string `mapstructure:"path"`
	Table string `mapstructure:"table"`
}

// LoadDatabase reads the database INI file. A .env file next to it is
// loaded into the environment first, without overriding variables that
// are already set. PRIVEXT_<SECTION>_<KEY> variables override file values.
func LoadDatabase(path string) (*DatabaseConfig, error) {
	envFile := filepath.Join(filepath.Dir(path), ".env")
	if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("loading %s: %w", envFile, err)
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("ini")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("database.driver", "postgres")
	v.SetDefault("postgresql.host", "localhost")
	v.SetDefault("postgresql.port", 5432)
	v.SetDefault("postgresql.user", "")
	v.SetDefault("postgresql.password", "")
	v.SetDefault("postgresql.database", "")
	v.SetDefault("postgresql.sslmode", "disable")
	v.SetDefault("postgresql.table", DefaultTable)
	v.SetDefault("sqlite.path", "privext.db")
	v.SetDefault("sqlite.table", DefaultTable)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("reading database config: %w", err)
	}

	var raw struct {
		Database struct {
			Driver string `mapstructure:"driver"`
		} `mapstructure:"database"`
		Postgres PostgresConfig       `mapstructure:"postgresql"`
		SQLite   SQLiteDatabaseConfig `mapstructure:"sqlite"`
	}

	// Unmarshal walks every known key, so env overrides apply per leaf.
	if err := v.Unmarshal(&raw); err != nil {
		return nil, fmt.Errorf("parsing database config: %w", err)
	}

	cfg := &DatabaseConfig{
		Driver:   raw.Database.Driver,
		Postgres: raw.Postgres,
		SQLite:   raw.SQLite,
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks the database configuration for errors.
func (c *DatabaseConfig) Validate() error {
	switch c.Driver {
	case "postgres":
		if c.Postgres.Database == "" {
			return fmt.Errorf("[postgresql] database is required")
		}

		if c.Postgres.Port <= 0 || c.Postgres.Port > 65535 {
			return fmt.Errorf("[postgresql] port %d is out of range", c.Postgres.Port)
		}
	case "sqlite":
		if c.SQLite.Path == "" {
			return fmt.Errorf("[sqlite] path is required")
		}
	default:
		return fmt.Errorf("unsupported database driver: %s", c.Driver)
	}

	if !tableNamePattern.MatchString(c.Table()) {
		return fmt.Errorf("invalid table name %q", c.Table())
	}

	return nil
}

// Table returns the results table for the selected driver.
func (c *DatabaseConfig) Table() string {
	if c.Driver == "sqlite" {
		return c.SQLite.Table
	}

	return c.Postgres.Table
}
