package appconfig

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"pkt.systems/shellrelay/schema"
)

// Load reads configuration from the provided path. If path is empty, uses
// DefaultConfigPath. A missing file yields the defaults; a present file must
// carry the current config_version.
func Load(path string) (Config, error) {
	if path == "" {
		defaultPath, err := DefaultConfigPath()
		if err != nil {
			return Config{}, err
		}
		path = defaultPath
	}

	cfg, err := DefaultConfig()
	if err != nil {
		return Config{}, err
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.SetDefault("config_version", cfg.ConfigVersion)
	v.SetDefault("data_dir", cfg.DataDir)
	v.SetDefault("service.default_database", cfg.Service.DefaultDatabase)
	v.SetDefault("service.snapshot_every", cfg.Service.SnapshotEvery)
	v.SetDefault("service.max_reducer_arg_bytes", cfg.Service.MaxReducerArgBytes)
	v.SetDefault("service.journal_path", cfg.Service.JournalPath)
	v.SetDefault("identity.issuer", cfg.Identity.Issuer)
	v.SetDefault("identity.token_ttl_hours", cfg.Identity.TokenTTLHours)
	v.SetDefault("identity.key_store_path", cfg.Identity.KeyStorePath)
	v.SetDefault("identity.key_dir", cfg.Identity.KeyDir)
	v.SetDefault("http.addr", cfg.HTTP.Addr)
	v.SetDefault("http.allowed_origins", cfg.HTTP.AllowedOrigins)
	v.SetDefault("http.hub_history", cfg.HTTP.HubHistory)
	v.SetDefault("ssh.addr", cfg.SSH.Addr)
	v.SetDefault("ssh.host_key_path", cfg.SSH.HostKeyPath)
	v.SetDefault("ssh.database", cfg.SSH.Database)
	v.SetDefault("ssh.theme", cfg.SSH.Theme)
	v.SetDefault("auth.user_file", cfg.Auth.UserFile)
	v.SetDefault("auth.seed_users", cfg.Auth.SeedUsers)
	v.SetDefault("bots.enabled", cfg.Bots.Enabled)
	v.SetDefault("bots.count", cfg.Bots.Count)
	v.SetDefault("bots.database", cfg.Bots.Database)
	v.SetDefault("bots.model", cfg.Bots.Model)
	v.SetDefault("bots.ollama_host", cfg.Bots.OllamaHost)
	v.SetDefault("bots.ollama_port", cfg.Bots.OllamaPort)

	configLoaded := false
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			if _, statErr := os.Stat(path); !os.IsNotExist(statErr) {
				return Config{}, err
			}
		}
	} else {
		configLoaded = true
	}

	if configLoaded {
		if !v.IsSet("config_version") {
			return Config{}, fmt.Errorf("config_version is required; expected %d", CurrentConfigVersion)
		}
		if v.GetInt("config_version") != CurrentConfigVersion {
			return Config{}, fmt.Errorf("unsupported config_version %d; expected %d", v.GetInt("config_version"), CurrentConfigVersion)
		}
	}

	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, err
	}
	expandConfigEnv(&cfg)
	if err := validateConfig(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func validateConfig(cfg Config) error {
	if _, err := schema.NormalizeDatabaseName(cfg.Service.DefaultDatabase); err != nil {
		return fmt.Errorf("service.default_database %q: %w", cfg.Service.DefaultDatabase, err)
	}
	if cfg.SSH.Database != "" {
		if _, err := schema.NormalizeDatabaseName(cfg.SSH.Database); err != nil {
			return fmt.Errorf("ssh.database %q: %w", cfg.SSH.Database, err)
		}
	}
	if cfg.Bots.Database != "" {
		if _, err := schema.NormalizeDatabaseName(cfg.Bots.Database); err != nil {
			return fmt.Errorf("bots.database %q: %w", cfg.Bots.Database, err)
		}
	}
	if cfg.SSH.Theme != "" {
		if _, ok := schema.NormalizeThemeName(cfg.SSH.Theme); !ok {
			return fmt.Errorf("unsupported ssh.theme %q", cfg.SSH.Theme)
		}
	}
	if cfg.HTTP.HubHistory <= 0 {
		return fmt.Errorf("http.hub_history must be positive")
	}
	if cfg.Identity.TokenTTLHours <= 0 {
		return fmt.Errorf("identity.token_ttl_hours must be positive")
	}
	if cfg.Bots.Count < 0 {
		return fmt.Errorf("bots.count must not be negative")
	}
	return nil
}

func expandConfigEnv(cfg *Config) {
	if cfg == nil {
		return
	}
	cfg.DataDir = expandEnv(cfg.DataDir)
	cfg.Service.JournalPath = expandEnv(cfg.Service.JournalPath)
	cfg.Identity.KeyStorePath = expandEnv(cfg.Identity.KeyStorePath)
	cfg.Identity.KeyDir = expandEnv(cfg.Identity.KeyDir)
	cfg.SSH.HostKeyPath = expandEnv(cfg.SSH.HostKeyPath)
	cfg.Auth.UserFile = expandEnv(cfg.Auth.UserFile)
}

func expandEnv(value string) string {
	if value == "" {
		return value
	}
	return os.Expand(value, func(key string) string {
		if key == "" {
			return ""
		}
		if val, ok := lookupEnv(key); ok {
			return val
		}
		return "$" + key
	})
}

func lookupEnv(key string) (string, bool) {
	if val, ok := os.LookupEnv(key); ok {
		return val, true
	}
	switch key {
	case "UID":
		return fmt.Sprintf("%d", os.Getuid()), true
	case "GID":
		return fmt.Sprintf("%d", os.Getgid()), true
	}
	return "", false
}

// WriteDefault writes the default config to the target path.
func WriteDefault(path string, overwrite bool) (string, error) {
	if path == "" {
		defaultPath, err := DefaultConfigPath()
		if err != nil {
			return "", err
		}
		path = defaultPath
	}

	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return "", fmt.Errorf("config already exists at %s", path)
		}
	}

	cfg, err := DefaultConfig()
	if err != nil {
		return "", err
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return "", err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return "", err
	}
	return path, nil
}
