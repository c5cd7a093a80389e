// Package config reads server configuration from the environment. An
// optional .env file is loaded first; real environment variables win.
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

// Config aggregates application configuration values.
type Config struct {
	HTTP     HTTPConfig
	Store    StoreConfig
	Program  ProgramConfig
	Auth     AuthConfig
	Webhook  WebhookConfig
	Graph    GraphConfig
	Audit    AuditConfig
	Cache    CacheConfig
	Logging  LoggingConfig
	Timezone string
}

type HTTPConfig struct {
	Host              string
	Port              int
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	IdleTimeout       time.Duration
	ShutdownTimeout   time.Duration
	AllowedOriginsCSV string
}

// Addr is the listen address.
func (h HTTPConfig) Addr() string { return fmt.Sprintf("%s:%d", h.Host, h.Port) }

// AllowedOrigins splits AllowedOriginsCSV, defaulting to any origin.
func (h HTTPConfig) AllowedOrigins() []string {
	var out []string
	for _, o := range strings.Split(h.AllowedOriginsCSV, ",") {
		if o = strings.TrimSpace(o); o != "" {
			out = append(out, o)
		}
	}
	if len(out) == 0 {
		return []string{"*"}
	}
	return out
}

// StoreConfig selects the ledger backend.
type StoreConfig struct {
	Driver      string // sqlite|postgres|memory
	SQLitePath  string
	DatabaseURL string
}

type ProgramConfig struct {
	File string
}

type AuthConfig struct {
	JWTSecret string
	JWTIssuer string
}

type WebhookConfig struct {
	Secret    string // comma-separated while a secret is being rotated
	Tolerance time.Duration
}

// Secrets splits Secret into the values a signature may match.
func (w WebhookConfig) Secrets() []string {
	var out []string
	for _, s := range strings.Split(w.Secret, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// GraphConfig describes connectivity to the referral graph database.
type GraphConfig struct {
	URI            string
	Database       string
	Username       string
	Password       string
	MaxConnections int
}

func (g GraphConfig) Enabled() bool { return g.URI != "" }

type AuditConfig struct {
	Interval   time.Duration
	Repair     bool
	S3Bucket   string
	S3Region   string
	S3Endpoint string
	S3Prefix   string
	S3KeyID    string
	S3Secret   string
}

func (a AuditConfig) ExportEnabled() bool { return a.S3Bucket != "" }

type CacheConfig struct {
	BalanceTTL   time.Duration
	FlagsTTL     time.Duration
	FeatureFlags string
}

// LoggingConfig controls structured logging settings.
type LoggingConfig struct {
	Level         string
	Format        string // text|json
	IncludeCaller bool
}

const (
	defaultHost             = "0.0.0.0"
	defaultPort             = 8080
	defaultReadTimeout      = 10 * time.Second
	defaultWriteTimeout     = 15 * time.Second
	defaultIdleTimeout      = 60 * time.Second
	defaultShutdownTimeout  = 10 * time.Second
	defaultStoreDriver      = "sqlite"
	defaultSQLitePath       = "loyalty.db"
	defaultWebhookTolerance = 5 * time.Minute
	defaultAuditInterval    = time.Hour
	defaultBalanceTTL       = 5 * time.Second
	defaultFlagsTTL         = 30 * time.Second
	defaultLoggingLevel     = "info"
	defaultLoggingFormat    = "text"
	defaultGraphMaxSessions = 10
)

// LoadEnvFile loads a .env file into the environment without overriding
// variables that are already set. A missing file is not an error.
func LoadEnvFile(path string) error {
	if err := godotenv.Load(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

// Load reads configuration from environment variables, applying defaults.
func Load() (Config, error) {
	cfg := Config{
		HTTP: HTTPConfig{
			Host:              valueOrDefault("SERVER_HOST", defaultHost),
			AllowedOriginsCSV: os.Getenv("SERVER_ALLOWED_ORIGINS"),
		},
		Store: StoreConfig{
			Driver:      strings.ToLower(valueOrDefault("STORE_DRIVER", defaultStoreDriver)),
			SQLitePath:  valueOrDefault("SQLITE_PATH", defaultSQLitePath),
			DatabaseURL: os.Getenv("DATABASE_URL"),
		},
		Program: ProgramConfig{File: os.Getenv("PROGRAM_FILE")},
		Auth: AuthConfig{
			JWTSecret: os.Getenv("JWT_SECRET"),
			JWTIssuer: os.Getenv("JWT_ISSUER"),
		},
		Webhook: WebhookConfig{Secret: os.Getenv("PAYMENT_WEBHOOK_SECRET")},
		Graph: GraphConfig{
			URI:            os.Getenv("GRAPH_URI"),
			Database:       os.Getenv("GRAPH_DATABASE"),
			Username:       os.Getenv("GRAPH_USERNAME"),
			Password:       os.Getenv("GRAPH_PASSWORD"),
			MaxConnections: parseIntWithDefault("GRAPH_MAX_CONNECTIONS", defaultGraphMaxSessions),
		},
		Audit: AuditConfig{
			Repair:     parseBoolWithDefault("AUDIT_REPAIR", false),
			S3Bucket:   os.Getenv("AUDIT_S3_BUCKET"),
			S3Region:   os.Getenv("AUDIT_S3_REGION"),
			S3Endpoint: os.Getenv("AUDIT_S3_ENDPOINT"),
			S3Prefix:   valueOrDefault("AUDIT_S3_PREFIX", "ledger"),
			S3KeyID:    os.Getenv("AUDIT_S3_ACCESS_KEY_ID"),
			S3Secret:   os.Getenv("AUDIT_S3_SECRET_ACCESS_KEY"),
		},
		Cache: CacheConfig{FeatureFlags: os.Getenv("FEATURE_FLAGS")},
		Logging: LoggingConfig{
			Level:         valueOrDefault("LOG_LEVEL", defaultLoggingLevel),
			Format:        valueOrDefault("LOG_FORMAT", defaultLoggingFormat),
			IncludeCaller: parseBoolWithDefault("LOG_INCLUDE_CALLER", false),
		},
		Timezone: valueOrDefault("POINTS_TIMEZONE", "UTC"),
	}

	port, err := parsePort("SERVER_PORT", defaultPort)
	if err != nil {
		return Config{}, err
	}
	cfg.HTTP.Port = port

	durations := []struct {
		key      string
		fallback time.Duration
		dst      *time.Duration
	}{
		{"SERVER_READ_TIMEOUT", defaultReadTimeout, &cfg.HTTP.ReadTimeout},
		{"SERVER_WRITE_TIMEOUT", defaultWriteTimeout, &cfg.HTTP.WriteTimeout},
		{"SERVER_IDLE_TIMEOUT", defaultIdleTimeout, &cfg.HTTP.IdleTimeout},
		{"SERVER_SHUTDOWN_TIMEOUT", defaultShutdownTimeout, &cfg.HTTP.ShutdownTimeout},
		{"PAYMENT_WEBHOOK_TOLERANCE", defaultWebhookTolerance, &cfg.Webhook.Tolerance},
		{"AUDIT_INTERVAL", defaultAuditInterval, &cfg.Audit.Interval},
		{"BALANCE_CACHE_TTL", defaultBalanceTTL, &cfg.Cache.BalanceTTL},
		{"FLAGS_TTL", defaultFlagsTTL, &cfg.Cache.FlagsTTL},
	}
	for _, d := range durations {
		v, err := parseDuration(d.key, d.fallback)
		if err != nil {
			return Config{}, err
		}
		*d.dst = v
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	switch c.Store.Driver {
	case "sqlite", "memory":
	case "postgres":
		if c.Store.DatabaseURL == "" {
			return errors.New("DATABASE_URL is required for STORE_DRIVER=postgres")
		}
	default:
		return fmt.Errorf("invalid STORE_DRIVER %q: want sqlite, postgres or memory", c.Store.Driver)
	}
	if c.Auth.JWTSecret == "" {
		return errors.New("JWT_SECRET is required")
	}
	if _, err := time.LoadLocation(c.Timezone); err != nil {
		return fmt.Errorf("invalid POINTS_TIMEZONE: %w", err)
	}
	return nil
}

func valueOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func parseBoolWithDefault(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		val, err := strconv.ParseBool(v)
		if err != nil {
			return fallback
		}
		return val
	}
	return fallback
}

func parseIntWithDefault(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if val, err := strconv.Atoi(v); err == nil {
			return val
		}
	}
	return fallback
}

func parseDuration(key string, fallback time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return d, nil
}

func parsePort(key string, fallback int) (int, error) {
	if v := os.Getenv(key); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return 0, fmt.Errorf("invalid %s value %q: %w", key, v, err)
		}
		if port <= 0 || port > 65535 {
			return 0, fmt.Errorf("port %d is out of range", port)
		}
		return port, nil
	}
	return fallback, nil
}
