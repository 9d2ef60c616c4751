package schema

import (
	"os"
	"path/filepath"
	"time"
)

// ServiceConfig defines defaults and limits for the relay host service.
type ServiceConfig struct {
	DataDir string
	// DefaultDatabase is the database terminal sessions and bots join.
	DefaultDatabase DatabaseName
	// SnapshotEvery persists a table snapshot after this many commits.
	SnapshotEvery int
	// MaxReducerArgBytes bounds the size of reducer argument payloads.
	MaxReducerArgBytes int
}

// DefaultSnapshotEvery is the default commit count between snapshots.
const DefaultSnapshotEvery = 64

// DefaultMaxReducerArgBytes is the default reducer argument size limit.
const DefaultMaxReducerArgBytes = 64 * 1024

// NormalizeServiceConfig applies defaults and validates the config.
func NormalizeServiceConfig(cfg ServiceConfig) (ServiceConfig, error) {
	if cfg.DataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return ServiceConfig{}, err
		}
		cfg.DataDir = filepath.Join(home, ".shellrelay", "data")
	}
	if cfg.DefaultDatabase == "" {
		cfg.DefaultDatabase = "shell-relay"
	}
	if _, err := NormalizeDatabaseName(string(cfg.DefaultDatabase)); err != nil {
		return ServiceConfig{}, err
	}
	if cfg.SnapshotEvery <= 0 {
		cfg.SnapshotEvery = DefaultSnapshotEvery
	}
	if cfg.MaxReducerArgBytes <= 0 {
		cfg.MaxReducerArgBytes = DefaultMaxReducerArgBytes
	}
	return cfg, nil
}

// IdentityConfig defines token issuance parameters.
type IdentityConfig struct {
	Issuer   string
	TokenTTL time.Duration
}

// DefaultTokenTTL is the default identity token lifetime.
const DefaultTokenTTL = 90 * 24 * time.Hour

// NormalizeIdentityConfig applies defaults.
func NormalizeIdentityConfig(cfg IdentityConfig) IdentityConfig {
	if cfg.Issuer == "" {
		cfg.Issuer = "shellrelay"
	}
	if cfg.TokenTTL <= 0 {
		cfg.TokenTTL = DefaultTokenTTL
	}
	return cfg
}
