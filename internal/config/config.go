package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	DriverSQLite   = "sqlite3"
	DriverPostgres = "postgres"
	DriverMemory   = "memory"
)

// DatabaseConfig selects and sizes the contact store
type DatabaseConfig struct {
	Driver       string
	URL          string
	MaxOpenConns int
	MaxIdleConns int
}

// Config is the service configuration, loaded from the environment
type Config struct {
	Port            int
	ShutdownTimeout time.Duration
	Database        DatabaseConfig

	// AliasAfterMerge lets a merging request still record an attribute that
	// neither merged group carried.
	AliasAfterMerge bool

	// CORSAllowedOrigins lists origins allowed to call the API from a browser; "*" allows any.
	CORSAllowedOrigins []string

	Log struct {
		Level  string
		Format string
	}
}

// Load reads configuration from environment variables, applying defaults.
// Variables from the file named by ENV_FILE (default ".env") fill in any that
// are unset; a missing file is not an error.
func Load() (*Config, error) {
	if err := loadEnvFile(getEnv("ENV_FILE", ".env")); err != nil {
		return nil, err
	}

	cfg := &Config{}
	var errs []error

	port, err := getEnvInt("PORT", 8080)
	errs = appendErr(errs, err)
	cfg.Port = port

	shutdown, err := getEnvInt("SHUTDOWN_TIMEOUT_SECONDS", 10)
	errs = appendErr(errs, err)
	cfg.ShutdownTimeout = time.Duration(shutdown) * time.Second

	cfg.Database.URL = getEnv("DATABASE_URL", "./bitespeed.db")
	cfg.Database.Driver = getEnv("DB_DRIVER", driverFor(cfg.Database.URL))
	cfg.Database.MaxOpenConns, err = getEnvInt("DB_MAX_OPEN_CONNS", 10)
	errs = appendErr(errs, err)
	cfg.Database.MaxIdleConns, err = getEnvInt("DB_MAX_IDLE_CONNS", 5)
	errs = appendErr(errs, err)

	cfg.AliasAfterMerge, err = getEnvBool("ALIAS_AFTER_MERGE", false)
	errs = appendErr(errs, err)

	cfg.CORSAllowedOrigins = splitList(getEnv("CORS_ALLOWED_ORIGINS", "*"))

	cfg.Log.Level = getEnv("LOG_LEVEL", "info")
	cfg.Log.Format = getEnv("LOG_FORMAT", "json")

	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return cfg, nil
}

// Validate checks all configuration fields and reports every problem found.
func (c *Config) Validate() error {
	var errs []error

	if c.Port <= 0 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("invalid PORT %d (must be 1..65535)", c.Port))
	}
	if c.ShutdownTimeout <= 0 {
		errs = append(errs, fmt.Errorf("invalid SHUTDOWN_TIMEOUT_SECONDS %s (must be positive)", c.ShutdownTimeout))
	}

	switch c.Database.Driver {
	case DriverSQLite, DriverPostgres:
		if c.Database.URL == "" {
			errs = append(errs, errors.New("DATABASE_URL is required"))
		}
	case DriverMemory:
	default:
		errs = append(errs, fmt.Errorf("unsupported DB_DRIVER %q", c.Database.Driver))
	}
	if c.Database.MaxOpenConns < 0 || c.Database.MaxIdleConns < 0 {
		errs = append(errs, errors.New("DB_MAX_OPEN_CONNS and DB_MAX_IDLE_CONNS must not be negative"))
	}

	if len(c.CORSAllowedOrigins) == 0 {
		errs = append(errs, errors.New("CORS_ALLOWED_ORIGINS must list at least one origin"))
	}

	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("invalid LOG_LEVEL %q", c.Log.Level))
	}
	switch c.Log.Format {
	case "json", "console":
	default:
		errs = append(errs, fmt.Errorf("invalid LOG_FORMAT %q", c.Log.Format))
	}

	return errors.Join(errs...)
}

// Addr is the listen address for the HTTP server.
func (c *Config) Addr() string {
	return ":" + strconv.Itoa(c.Port)
}

func driverFor(url string) string {
	if strings.HasPrefix(url, "postgres://") || strings.HasPrefix(url, "postgresql://") {
		return DriverPostgres
	}
	return DriverSQLite
}

// loadEnvFile sets variables from path that are not already set to a
// non-empty value.
func loadEnvFile(path string) error {
	values, err := godotenv.Read(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read env file %s: %w", path, err)
	}
	for key, value := range values {
		if os.Getenv(key) == "" {
			os.Setenv(key, value)
		}
	}
	return nil
}

func splitList(value string) []string {
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) (int, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return defaultValue, fmt.Errorf("invalid %s %q: %w", key, value, err)
	}
	return n, nil
}

func getEnvBool(key string, defaultValue bool) (bool, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	b, err := strconv.ParseBool(value)
	if err != nil {
		return defaultValue, fmt.Errorf("invalid %s %q: %w", key, value, err)
	}
	return b, nil
}

func appendErr(errs []error, err error) []error {
	if err != nil {
		return append(errs, err)
	}
	return errs
}
