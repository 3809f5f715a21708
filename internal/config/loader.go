package config

import (
	"encoding/base64"
	"fmt"
	"os"
	"strings"

	"github.com/caarlos0/env/v11"
)

// Load reads configuration from environment variables.
// It applies defaults for unset values and validates the result.
// Returns an error if required values are missing or validation fails.
func Load() (*Config, error) {
	cfg := &Config{}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("config load: %w", err)
	}

	if cfg.Database.URL == "" {
		cfg.Database.URL = os.Getenv("DB_URL")
	}
	cfg.Security.APIKeys = trimAll(cfg.Security.APIKeys)
	cfg.Security.TrustedProxies = trimAll(cfg.Security.TrustedProxies)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return cfg, nil
}

func trimAll(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// Validate checks that the configuration is valid.
// Returns an error describing all validation failures.
func (c *Config) Validate() error {
	var errs []string

	// Database validation
	if c.Database.URL == "" {
		errs = append(errs, "DATABASE_URL is required")
	}
	if c.Database.MaxConns < c.Database.MinConns {
		errs = append(errs, fmt.Sprintf("DB_MAX_CONNS (%d) must be >= DB_MIN_CONNS (%d)",
			c.Database.MaxConns, c.Database.MinConns))
	}
	if c.Database.MaxConns <= 0 {
		errs = append(errs, "DB_MAX_CONNS must be positive")
	}
	if c.Database.MinConns < 0 {
		errs = append(errs, "DB_MIN_CONNS must be non-negative")
	}

	// Server validation
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Sprintf("SERVER_PORT (%d) must be 1-65535", c.Server.Port))
	}
	if c.Server.ReadTimeout < 0 {
		errs = append(errs, "SERVER_READ_TIMEOUT must be non-negative")
	}
	if c.Server.ShutdownTimeout <= 0 {
		errs = append(errs, "SERVER_SHUTDOWN_TIMEOUT must be positive")
	}

	// Import validation
	if c.Import.MaxRows <= 0 {
		errs = append(errs, "IMPORT_MAX_ROWS must be positive")
	}
	if c.Import.MaxFileSize <= 0 {
		errs = append(errs, "IMPORT_MAX_FILE_SIZE must be positive")
	}
	if c.Import.Workers <= 0 {
		errs = append(errs, "IMPORT_WORKERS must be positive")
	}
	if c.Import.MaxConcurrentBatches <= 0 {
		errs = append(errs, "IMPORT_MAX_CONCURRENT_BATCHES must be positive")
	}
	if c.Import.MaxWaitTime <= 0 {
		errs = append(errs, "IMPORT_MAX_WAIT_TIME must be positive")
	}
	if c.Import.CallTimeout <= 0 {
		errs = append(errs, "IMPORT_CALL_TIMEOUT must be positive")
	}
	if c.Import.BatchTimeout < c.Import.CallTimeout {
		errs = append(errs, "IMPORT_BATCH_TIMEOUT must be >= IMPORT_CALL_TIMEOUT")
	}

	// Approval validation
	if strings.TrimSpace(c.Approval.ApproverRole) == "" {
		errs = append(errs, "APPROVAL_APPROVER_ROLE must not be empty")
	}
	if c.Approval.AllowArchiveOverride && strings.TrimSpace(c.Approval.AdminRole) == "" {
		errs = append(errs, "APPROVAL_ADMIN_ROLE must be set when APPROVAL_ALLOW_ARCHIVE_OVERRIDE is true")
	}

	// Protect validation
	if c.Protect.MasterKey == "" {
		errs = append(errs, "PROTECT_MASTER_KEY is required")
	} else if key, err := base64.StdEncoding.DecodeString(c.Protect.MasterKey); err != nil || len(key) != 32 {
		errs = append(errs, "PROTECT_MASTER_KEY must be base64 encoding of exactly 32 bytes")
	}

	// Security validation
	if c.Security.RequireAPIKey && len(c.Security.APIKeys) == 0 {
		errs = append(errs, "REQUIRE_API_KEY is true but API_KEYS is empty; configure at least one API key or disable auth")
	}

	// Logging validation
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(c.Logging.Level)] {
		errs = append(errs, fmt.Sprintf("LOG_LEVEL (%q) must be one of: debug, info, warn, error", c.Logging.Level))
	}

	validFormats := map[string]bool{"text": true, "json": true}
	if !validFormats[strings.ToLower(c.Logging.Format)] {
		errs = append(errs, fmt.Sprintf("LOG_FORMAT (%q) must be one of: text, json", c.Logging.Format))
	}

	if len(errs) > 0 {
		return fmt.Errorf("validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}

	return nil
}

// String returns a safe string representation of the config for logging.
// Sensitive values like database URLs and keys are masked.
func (c *Config) String() string {
	var b strings.Builder
	b.WriteString("Config{")
	b.WriteString(fmt.Sprintf("Server: {Host: %q, Port: %d}, ", c.Server.Host, c.Server.Port))
	b.WriteString(fmt.Sprintf("Database: {URL: [MASKED], MaxConns: %d, MinConns: %d}, ",
		c.Database.MaxConns, c.Database.MinConns))
	b.WriteString(fmt.Sprintf("Import: {MaxRows: %d, Workers: %d, MaxConcurrentBatches: %d, CallTimeout: %s}, ",
		c.Import.MaxRows, c.Import.Workers, c.Import.MaxConcurrentBatches, c.Import.CallTimeout))
	b.WriteString(fmt.Sprintf("Approval: {ApproverRole: %q, AllowArchiveOverride: %v}, ",
		c.Approval.ApproverRole, c.Approval.AllowArchiveOverride))
	b.WriteString("Protect: {MasterKey: [MASKED]}, ")
	b.WriteString(fmt.Sprintf("Security: {RequireAPIKey: %v, APIKeys: %d configured}, ",
		c.Security.RequireAPIKey, len(c.Security.APIKeys)))
	b.WriteString(fmt.Sprintf("Logging: {Level: %q, Format: %q}",
		c.Logging.Level, c.Logging.Format))
	b.WriteString("}")
	return b.String()
}
