package appconfig

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "config.yaml"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ConfigVersion != CurrentConfigVersion {
		t.Fatalf("expected version %d, got %d", CurrentConfigVersion, cfg.ConfigVersion)
	}
	if cfg.Service.DefaultDatabase != "shell-relay" {
		t.Fatalf("unexpected default database %q", cfg.Service.DefaultDatabase)
	}
	if cfg.HTTP.HubHistory != 1000 {
		t.Fatalf("unexpected hub history %d", cfg.HTTP.HubHistory)
	}
}

func TestLoadRejectsUnsupportedConfigVersion(t *testing.T) {
	path := writeConfig(t, `
config_version: 99
`)
	if _, err := Load(path); err == nil || !strings.Contains(err.Error(), "unsupported config_version") {
		t.Fatalf("expected config_version error, got %v", err)
	}
}

func TestLoadRejectsInvalidDatabaseName(t *testing.T) {
	path := writeConfig(t, `
config_version: 1
service:
  default_database: Not_A_Name
`)
	if _, err := Load(path); err == nil || !strings.Contains(err.Error(), "default_database") {
		t.Fatalf("expected database name error, got %v", err)
	}
}

func TestLoadRejectsUnknownTheme(t *testing.T) {
	path := writeConfig(t, `
config_version: 1
ssh:
  theme: neon-zebra
`)
	if _, err := Load(path); err == nil || !strings.Contains(err.Error(), "ssh.theme") {
		t.Fatalf("expected theme error, got %v", err)
	}
}

func TestLoadOverridesAndFallbacks(t *testing.T) {
	path := writeConfig(t, `
config_version: 1
service:
  default_database: lobby
http:
  addr: ":9000"
bots:
  enabled: true
  database: bot-cave
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.HTTP.Addr != ":9000" {
		t.Fatalf("expected addr override, got %q", cfg.HTTP.Addr)
	}
	if got := cfg.SSHDatabase(); got != "lobby" {
		t.Fatalf("expected ssh database fallback to lobby, got %q", got)
	}
	if got := cfg.BotsDatabase(); got != "bot-cave" {
		t.Fatalf("expected bots database override, got %q", got)
	}
	if !cfg.Bots.Enabled {
		t.Fatalf("expected bots enabled")
	}
}

func TestExpandEnv(t *testing.T) {
	t.Setenv("FOO", "bar")
	value := expandEnv("$FOO/$UID/$GID/$MISSING")
	if !strings.HasPrefix(value, "bar/") {
		t.Fatalf("expected env expansion, got %q", value)
	}
	if strings.Contains(value, "$UID") || strings.Contains(value, "$GID") {
		t.Fatalf("expected UID/GID expansion, got %q", value)
	}
	if !strings.HasSuffix(value, "/$MISSING") {
		t.Fatalf("expected missing vars to remain, got %q", value)
	}
}

func TestWriteDefaultRespectsOverwrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	written, err := WriteDefault(path, false)
	if err != nil {
		t.Fatalf("write default: %v", err)
	}
	if written != path {
		t.Fatalf("expected path %q, got %q", path, written)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("expected config to exist: %v", err)
	}
	if _, err := WriteDefault(path, false); err == nil {
		t.Fatalf("expected error when config exists")
	}
	if _, err := WriteDefault(path, true); err != nil {
		t.Fatalf("expected overwrite to succeed: %v", err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load written default: %v", err)
	}
	if cfg.ConfigVersion != CurrentConfigVersion {
		t.Fatalf("expected version %d, got %d", CurrentConfigVersion, cfg.ConfigVersion)
	}
}

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(strings.TrimSpace(content)+"\n"), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}
