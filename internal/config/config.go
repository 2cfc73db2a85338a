package config

import (
	"fmt"
	"freeslot/internal/store"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config covers process level configuration read from environment variables.
type Config struct {
	LocalTimezone   *time.Location // LOCAL_TIMEZONE, how dates and times of day are read
	DisplayTimezone *time.Location // DISPLAY_TIMEZONE, how results are rendered

	DBBackend store.Backend
	DBDSN     string

	RedisAddr     string // empty disables the cache
	RedisPassword string
	RedisDB       int
	CacheTTL      time.Duration

	HTTPBind     string
	FetchTimeout time.Duration

	GoogleClientID     string
	GoogleClientSecret string
	GoogleTokenDir     string

	CalDAVURL          string
	CalDAVUsername     string
	CalDAVPassword     string
	CalDAVCalendarName string
	CalDAVOwner        string // participant the CalDAV calendar belongs to

	SyncDays int
	LogLevel string
}

// Load reads environment variables, applies defaults, and validates the result.
func Load() (*Config, error) {
	cfg := &Config{
		DBBackend:          store.Backend(getEnv("DB_BACKEND", string(store.BackendSQLite))),
		DBDSN:              getEnv("DB_DSN", "freeslot.db"),
		RedisAddr:          getEnv("REDIS_ADDR", ""),
		RedisPassword:      getEnv("REDIS_PASSWORD", ""),
		HTTPBind:           getEnv("HTTP_BIND", ":8080"),
		GoogleClientID:     getEnv("GOOGLE_CLIENT_ID", ""),
		GoogleClientSecret: getEnv("GOOGLE_CLIENT_SECRET", ""),
		GoogleTokenDir:     getEnv("GOOGLE_TOKEN_DIR", "."),
		CalDAVURL:          getEnv("CALDAV_URL", ""),
		CalDAVUsername:     getEnv("CALDAV_USERNAME", ""),
		CalDAVPassword:     getEnv("CALDAV_PASSWORD", ""),
		CalDAVCalendarName: getEnv("CALDAV_CALENDAR_NAME", ""),
		CalDAVOwner:        getEnv("CALDAV_OWNER", ""),
		LogLevel:           getEnv("LOG_LEVEL", "info"),
	}

	var err error
	if cfg.LocalTimezone, err = getEnvLocation("LOCAL_TIMEZONE", "Asia/Tokyo"); err != nil {
		return nil, err
	}
	if cfg.DisplayTimezone, err = getEnvLocation("DISPLAY_TIMEZONE", "UTC"); err != nil {
		return nil, err
	}
	if cfg.RedisDB, err = getEnvInt("REDIS_DB", 0); err != nil {
		return nil, err
	}
	if cfg.SyncDays, err = getEnvInt("SYNC_DAYS", 90); err != nil {
		return nil, err
	}
	if cfg.CacheTTL, err = getEnvDuration("CACHE_TTL", 5*time.Minute); err != nil {
		return nil, err
	}
	if cfg.FetchTimeout, err = getEnvDuration("FETCH_TIMEOUT", 10*time.Second); err != nil {
		return nil, err
	}

	switch cfg.DBBackend {
	case store.BackendPostgres, store.BackendMySQL, store.BackendSQLite:
	default:
		return nil, fmt.Errorf("unsupported database backend %q", cfg.DBBackend)
	}
	if cfg.DBDSN == "" {
		return nil, fmt.Errorf("DB_DSN must be provided")
	}
	if cfg.SyncDays <= 0 {
		return nil, fmt.Errorf("SYNC_DAYS must be positive, got %d", cfg.SyncDays)
	}
	if cfg.FetchTimeout <= 0 {
		return nil, fmt.Errorf("FETCH_TIMEOUT must be positive, got %s", cfg.FetchTimeout)
	}
	if cfg.CalDAVURL != "" && cfg.CalDAVOwner == "" {
		return nil, fmt.Errorf("CALDAV_OWNER is required when CALDAV_URL is set")
	}

	return cfg, nil
}

// CalDAVEnabled reports whether a CalDAV account is configured for sync.
func (c *Config) CalDAVEnabled() bool {
	return c.CalDAVURL != "" && c.CalDAVUsername != ""
}

func getEnv(key, def string) string {
	if val := strings.TrimSpace(os.Getenv(key)); val != "" {
		return val
	}
	return def
}

func getEnvInt(key string, def int) (int, error) {
	val := getEnv(key, "")
	if val == "" {
		return def, nil
	}
	parsed, err := strconv.Atoi(val)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, val, err)
	}
	return parsed, nil
}

func getEnvDuration(key string, def time.Duration) (time.Duration, error) {
	val := getEnv(key, "")
	if val == "" {
		return def, nil
	}
	parsed, err := time.ParseDuration(val)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, val, err)
	}
	return parsed, nil
}

func getEnvLocation(key, def string) (*time.Location, error) {
	name := getEnv(key, def)
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, fmt.Errorf("invalid timezone %s %q: %w", key, name, err)
	}
	return loc, nil
}
