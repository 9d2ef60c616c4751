package appconfig

import (
	"os"
	"path/filepath"
	"time"

	"pkt.systems/shellrelay/schema"
)

// Config is the top-level relay host configuration.
type Config struct {
	ConfigVersion int            `mapstructure:"config_version" yaml:"config_version"`
	DataDir       string         `mapstructure:"data_dir" yaml:"data_dir"`
	Service       ServiceConfig  `mapstructure:"service" yaml:"service"`
	Identity      IdentityConfig `mapstructure:"identity" yaml:"identity"`
	HTTP          HTTPConfig     `mapstructure:"http" yaml:"http"`
	SSH           SSHConfig      `mapstructure:"ssh" yaml:"ssh"`
	Auth          AuthConfig     `mapstructure:"auth" yaml:"auth"`
	Bots          BotsConfig     `mapstructure:"bots" yaml:"bots"`
}

// CurrentConfigVersion marks the supported config version.
const CurrentConfigVersion = 1

// ServiceConfig controls the state store and commit journal.
type ServiceConfig struct {
	DefaultDatabase    string `mapstructure:"default_database" yaml:"default_database"`
	SnapshotEvery      int    `mapstructure:"snapshot_every" yaml:"snapshot_every"`
	MaxReducerArgBytes int    `mapstructure:"max_reducer_arg_bytes" yaml:"max_reducer_arg_bytes"`
	JournalPath        string `mapstructure:"journal_path" yaml:"journal_path"`
}

// IdentityConfig controls token issuance and the signing key store.
type IdentityConfig struct {
	Issuer        string `mapstructure:"issuer" yaml:"issuer"`
	TokenTTLHours int    `mapstructure:"token_ttl_hours" yaml:"token_ttl_hours"`
	KeyStorePath  string `mapstructure:"key_store_path" yaml:"key_store_path"`
	KeyDir        string `mapstructure:"key_dir" yaml:"key_dir"`
}

// HTTPConfig configures the HTTP API server.
type HTTPConfig struct {
	Addr           string   `mapstructure:"addr" yaml:"addr"`
	AllowedOrigins []string `mapstructure:"allowed_origins" yaml:"allowed_origins"`
	HubHistory     int      `mapstructure:"hub_history" yaml:"hub_history"`
}

// SSHConfig configures the SSH terminal server.
type SSHConfig struct {
	Addr        string `mapstructure:"addr" yaml:"addr"`
	HostKeyPath string `mapstructure:"host_key_path" yaml:"host_key_path"`
	Database    string `mapstructure:"database" yaml:"database"`
	Theme       string `mapstructure:"theme" yaml:"theme"`
}

// AuthConfig configures operator account storage and seed users.
type AuthConfig struct {
	UserFile  string     `mapstructure:"user_file" yaml:"user_file"`
	SeedUsers []SeedUser `mapstructure:"seed_users" yaml:"seed_users"`
}

// SeedUser seeds an operator record in the auth store.
type SeedUser struct {
	Username     string `mapstructure:"username" yaml:"username"`
	PasswordHash string `mapstructure:"password_hash" yaml:"password_hash"`
	TOTPSecret   string `mapstructure:"totp_secret" yaml:"totp_secret"`
}

// BotsConfig configures the embedded AI chat bots.
type BotsConfig struct {
	Enabled    bool   `mapstructure:"enabled" yaml:"enabled"`
	Count      int    `mapstructure:"count" yaml:"count"`
	Database   string `mapstructure:"database" yaml:"database"`
	Model      string `mapstructure:"model" yaml:"model"`
	OllamaHost string `mapstructure:"ollama_host" yaml:"ollama_host"`
	OllamaPort int    `mapstructure:"ollama_port" yaml:"ollama_port"`
}

// DefaultConfig returns a config with sensible defaults.
func DefaultConfig() (Config, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return Config{}, err
	}
	base := filepath.Join(home, ".shellrelay")
	return Config{
		ConfigVersion: CurrentConfigVersion,
		DataDir:       filepath.Join(base, "data"),
		Service: ServiceConfig{
			DefaultDatabase:    "shell-relay",
			SnapshotEvery:      schema.DefaultSnapshotEvery,
			MaxReducerArgBytes: schema.DefaultMaxReducerArgBytes,
			JournalPath:        filepath.Join(base, "data", "commits.db"),
		},
		Identity: IdentityConfig{
			Issuer:        "shellrelay",
			TokenTTLHours: int(schema.DefaultTokenTTL / time.Hour),
			KeyStorePath:  filepath.Join(base, "data", "keys.bundle"),
			KeyDir:        filepath.Join(base, "data", "keys"),
		},
		HTTP: HTTPConfig{
			Addr:           ":27490",
			AllowedOrigins: []string{},
			HubHistory:     1000,
		},
		SSH: SSHConfig{
			Addr:        ":27492",
			HostKeyPath: filepath.Join(base, "ssh_host_key"),
			Database:    "",
			Theme:       string(schema.DefaultTheme),
		},
		Auth: AuthConfig{
			UserFile:  filepath.Join(base, "users.json"),
			SeedUsers: []SeedUser{},
		},
		Bots: BotsConfig{
			Enabled:    false,
			Count:      3,
			Database:   "",
			Model:      "mistral:7b",
			OllamaHost: "127.0.0.1",
			OllamaPort: 11434,
		},
	}, nil
}

// DefaultConfigPath returns the standard config path.
func DefaultConfigPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".shellrelay", "config.yaml"), nil
}

// CoreServiceConfig converts the config into the core service form.
func (c Config) CoreServiceConfig() schema.ServiceConfig {
	return schema.ServiceConfig{
		DataDir:            c.DataDir,
		DefaultDatabase:    schema.DatabaseName(c.Service.DefaultDatabase),
		SnapshotEvery:      c.Service.SnapshotEvery,
		MaxReducerArgBytes: c.Service.MaxReducerArgBytes,
	}
}

// IdentityServiceConfig converts the config into the issuer form.
func (c Config) IdentityServiceConfig() schema.IdentityConfig {
	return schema.IdentityConfig{
		Issuer:   c.Identity.Issuer,
		TokenTTL: time.Duration(c.Identity.TokenTTLHours) * time.Hour,
	}
}

// SSHDatabase returns the database the SSH surface joins.
func (c Config) SSHDatabase() schema.DatabaseName {
	if c.SSH.Database != "" {
		return schema.DatabaseName(c.SSH.Database)
	}
	return schema.DatabaseName(c.Service.DefaultDatabase)
}

// BotsDatabase returns the database the bot fleet joins.
func (c Config) BotsDatabase() schema.DatabaseName {
	if c.Bots.Database != "" {
		return schema.DatabaseName(c.Bots.Database)
	}
	return schema.DatabaseName(c.Service.DefaultDatabase)
}
