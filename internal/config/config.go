// Package config provides centralized configuration management for the service.
// It loads configuration from environment variables with sensible defaults and
// validates all settings on startup to fail fast on misconfiguration.
package config

import (
	"strconv"
	"time"
)

// Config holds all application configuration.
// All settings can be configured via environment variables.
type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Import   ImportConfig
	Approval ApprovalConfig
	Protect  ProtectConfig
	Security SecurityConfig
	Logging  LoggingConfig
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host string `env:"SERVER_HOST" envDefault:"0.0.0.0"`
	Port int    `env:"SERVER_PORT" envDefault:"8080"`

	ReadTimeout  time.Duration `env:"SERVER_READ_TIMEOUT" envDefault:"15s"`
	WriteTimeout time.Duration `env:"SERVER_WRITE_TIMEOUT" envDefault:"5m"`
	IdleTimeout  time.Duration `env:"SERVER_IDLE_TIMEOUT" envDefault:"60s"`

	// ShutdownTimeout bounds graceful shutdown, including draining imports.
	ShutdownTimeout time.Duration `env:"SERVER_SHUTDOWN_TIMEOUT" envDefault:"30s"`

	// RequestTimeout is the middleware timeout for non-import requests.
	RequestTimeout time.Duration `env:"SERVER_REQUEST_TIMEOUT" envDefault:"60s"`
}

// DatabaseConfig holds database connection settings.
type DatabaseConfig struct {
	// URL is the PostgreSQL connection string (required).
	// DB_URL is accepted as a fallback for DATABASE_URL.
	URL string `env:"DATABASE_URL"`

	MaxConns        int           `env:"DB_MAX_CONNS" envDefault:"20"`
	MinConns        int           `env:"DB_MIN_CONNS" envDefault:"4"`
	MaxConnLifetime time.Duration `env:"DB_MAX_CONN_LIFETIME" envDefault:"1h"`
	MaxConnIdleTime time.Duration `env:"DB_MAX_CONN_IDLE_TIME" envDefault:"30m"`

	// AutoMigrate applies embedded migrations on server start.
	AutoMigrate bool `env:"DB_AUTO_MIGRATE" envDefault:"true"`
}

// ImportConfig holds bulk import settings.
type ImportConfig struct {
	// MaxRows is the file-level row limit; larger sheets are rejected whole.
	MaxRows int `env:"IMPORT_MAX_ROWS" envDefault:"1000"`

	// MaxFileSize is the maximum upload size in bytes (default: 10MB).
	MaxFileSize int64 `env:"IMPORT_MAX_FILE_SIZE" envDefault:"10485760"`

	// Workers is the per-batch row worker pool size.
	Workers int `env:"IMPORT_WORKERS" envDefault:"8"`

	// MaxConcurrentBatches bounds batches running at once across the service.
	MaxConcurrentBatches int `env:"IMPORT_MAX_CONCURRENT_BATCHES" envDefault:"3"`

	// MaxWaitTime is how long a batch waits for a slot before being refused.
	MaxWaitTime time.Duration `env:"IMPORT_MAX_WAIT_TIME" envDefault:"30s"`

	// CallTimeout bounds each downstream call made for a row.
	CallTimeout time.Duration `env:"IMPORT_CALL_TIMEOUT" envDefault:"10s"`

	// BatchTimeout bounds a whole batch.
	BatchTimeout time.Duration `env:"IMPORT_BATCH_TIMEOUT" envDefault:"10m"`
}

// ApprovalConfig holds change-control settings.
type ApprovalConfig struct {
	// ApproverRole is required to approve or reject a loader change.
	ApproverRole string `env:"APPROVAL_APPROVER_ROLE" envDefault:"loader_approver"`

	// AdminRole is required for the archive override.
	AdminRole string `env:"APPROVAL_ADMIN_ROLE" envDefault:"loader_admin"`

	// AllowArchiveOverride enables direct re-activation of an archived
	// version without a second approval. Off by default.
	AllowArchiveOverride bool `env:"APPROVAL_ALLOW_ARCHIVE_OVERRIDE" envDefault:"false"`
}

// ProtectConfig holds field-encryption settings.
type ProtectConfig struct {
	// MasterKey is a base64-encoded 32-byte key (required).
	MasterKey string `env:"PROTECT_MASTER_KEY"`
}

// SecurityConfig holds security-related settings.
type SecurityConfig struct {
	// RequireAPIKey enables X-API-Key validation on /api routes.
	RequireAPIKey bool `env:"REQUIRE_API_KEY" envDefault:"false"`

	// APIKeys is a comma-separated list of accepted keys.
	APIKeys []string `env:"API_KEYS" envSeparator:","`

	// UserHeader and RolesHeader carry the identity issued upstream.
	UserHeader  string `env:"IDENTITY_USER_HEADER" envDefault:"X-User"`
	RolesHeader string `env:"IDENTITY_ROLES_HEADER" envDefault:"X-User-Roles"`

	// TrustedProxies lists CIDRs whose X-Real-IP / X-Forwarded-For headers
	// are believed. Empty means client addresses are taken from the socket.
	TrustedProxies []string `env:"TRUSTED_PROXIES" envSeparator:","`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	// Level is the minimum log level: debug, info, warn, error (default: info)
	Level string `env:"LOG_LEVEL" envDefault:"info"`

	// Format is the log format: text or json (default: text)
	Format string `env:"LOG_FORMAT" envDefault:"text"`
}

// Addr returns the server listen address in host:port format.
func (c *ServerConfig) Addr() string {
	return c.Host + ":" + strconv.Itoa(c.Port)
}
