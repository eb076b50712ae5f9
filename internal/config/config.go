package config

import (
	"fmt"
	"path/filepath"
	"time"
)

// Default filenames inside the security path.
const (
	DatabaseFile = "rbac.db"
	TempFile     = "rbac.db.tmp"
)

// Config holds the application configuration
type Config struct {
	// Directory holding the RBAC database file
	SecurityPath string

	// Lifetime of issued auth tokens; token-invalidation rules are
	// reaped this long after their cutoff
	AuthTokenExpTimeout time.Duration

	// Release revision, stored in the database's user_version pragma
	Revision int

	// Size of the in-memory authorization decision cache
	DecisionCacheSize int

	// Enable debug logging
	Debug bool
}

// DatabasePath returns the full path of the RBAC database file.
func (c *Config) DatabasePath() string {
	return filepath.Join(c.SecurityPath, DatabaseFile)
}

// TempDatabasePath returns the full path of the migration temp file.
func (c *Config) TempDatabasePath() string {
	return filepath.Join(c.SecurityPath, TempFile)
}

// Load reads configuration from environment variables with fallback defaults
func Load() (*Config, error) {
	cfg := &Config{
		SecurityPath:        getEnv("RBAC_SECURITY_PATH", "/var/lib/rbacdb"),
		AuthTokenExpTimeout: time.Duration(getEnvInt("RBAC_AUTH_TOKEN_EXP_TIMEOUT", 900)) * time.Second,
		Revision:            getEnvInt("RBAC_REVISION", 1),
		DecisionCacheSize:   getEnvInt("RBAC_DECISION_CACHE_SIZE", 1000),
		Debug:               getEnvBool("RBAC_DEBUG", false),
	}

	if cfg.SecurityPath == "" {
		return nil, fmt.Errorf("RBAC_SECURITY_PATH is required")
	}
	if cfg.AuthTokenExpTimeout <= 0 {
		return nil, fmt.Errorf("RBAC_AUTH_TOKEN_EXP_TIMEOUT must be positive")
	}
	if cfg.Revision <= 0 {
		return nil, fmt.Errorf("RBAC_REVISION must be positive")
	}

	return cfg, nil
}
