// Package cliconfig stores the CLI's connection settings: server URL,
// operator token, and default database. The file is written 0600 because
// the token grants operator access.
package cliconfig

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Config is the CLI configuration.
type Config struct {
	ConfigVersion int    `mapstructure:"config_version" yaml:"config_version"`
	Server        string `mapstructure:"server" yaml:"server"`
	Token         string `mapstructure:"token" yaml:"token"`
	Database      string `mapstructure:"database" yaml:"database"`
}

// CurrentConfigVersion marks the supported config version.
const CurrentConfigVersion = 1

// DefaultServer is the relay the CLI talks to when unconfigured.
const DefaultServer = "http://127.0.0.1:27490"

// DefaultConfig returns a config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		ConfigVersion: CurrentConfigVersion,
		Server:        DefaultServer,
		Token:         "",
		Database:      "shell-relay",
	}
}

// DefaultConfigPath returns the standard CLI config path.
func DefaultConfigPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".shellrelay", "cli.yaml"), nil
}

// Load reads the CLI configuration from the provided path. If path is
// empty, uses DefaultConfigPath. A missing file yields the defaults.
func Load(path string) (Config, error) {
	if path == "" {
		defaultPath, err := DefaultConfigPath()
		if err != nil {
			return Config{}, err
		}
		path = defaultPath
	}

	cfg := DefaultConfig()

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.SetDefault("config_version", cfg.ConfigVersion)
	v.SetDefault("server", cfg.Server)
	v.SetDefault("token", cfg.Token)
	v.SetDefault("database", cfg.Database)

	configLoaded := false
	if err := v.ReadInConfig(); err != nil {
		if _, statErr := os.Stat(path); !os.IsNotExist(statErr) {
			return Config{}, err
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
	if err := validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func validate(cfg Config) error {
	server := strings.TrimSpace(cfg.Server)
	if server == "" {
		return fmt.Errorf("server is required")
	}
	parsed, err := url.Parse(server)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return fmt.Errorf("server must include scheme and host (e.g. %s)", DefaultServer)
	}
	switch parsed.Scheme {
	case "http", "https":
	default:
		return fmt.Errorf("server scheme must be http or https, got %q", parsed.Scheme)
	}
	return nil
}

// Save writes the CLI configuration with mode 0600.
func Save(path string, cfg Config) (string, error) {
	if path == "" {
		defaultPath, err := DefaultConfigPath()
		if err != nil {
			return "", err
		}
		path = defaultPath
	}
	cfg.ConfigVersion = CurrentConfigVersion
	if err := validate(cfg); err != nil {
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
	tmp, err := os.CreateTemp(dir, "cli-*.yaml")
	if err != nil {
		return "", err
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return "", err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return "", err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return "", err
	}
	if err := os.Chmod(tmp.Name(), 0o600); err != nil {
		_ = os.Remove(tmp.Name())
		return "", err
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		_ = os.Remove(tmp.Name())
		return "", err
	}
	return path, nil
}
