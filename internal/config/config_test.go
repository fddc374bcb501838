package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/portalhq/portalchat/internal/log"
)

func TestLoadWritesDefaultConfigWithoutToken(t *testing.T) {
	path := filepath.Join(t.TempDir(), "portalchat.yaml")

	cfg, resolved, err := Load(log.Nop(), path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if resolved != path {
		t.Fatalf("resolved path = %q, want %q", resolved, path)
	}
	if cfg.PageSize != 50 || cfg.HeartbeatInterval != 30*time.Second {
		t.Fatalf("defaults not applied: %+v", cfg)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("default config file missing: %v", err)
	}
	if !strings.Contains(string(data), `token: ""`) {
		t.Fatalf("default config must carry an empty token:\n%s", data)
	}
}

func TestLoadReadsConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "portalchat.yaml")
	content := "server_url: https://portal.example.com\nbackoff_ceiling: 10s\npage_size: 20\n"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, _, err := Load(log.Nop(), path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ServerURL != "https://portal.example.com" {
		t.Fatalf("server_url = %q", cfg.ServerURL)
	}
	if cfg.BackoffCeiling != 10*time.Second || cfg.PageSize != 20 {
		t.Fatalf("file values not applied: %+v", cfg)
	}
	// Untouched keys keep their defaults.
	if cfg.BackoffFloor != time.Second {
		t.Fatalf("backoff_floor default lost: %v", cfg.BackoffFloor)
	}
}

func TestEnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "portalchat.yaml")
	if err := os.WriteFile(path, []byte("server_url: http://from-file\n"), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("PORTALCHAT_SERVER_URL", "http://from-env")
	t.Setenv("PORTALCHAT_TOKEN", "env-token")

	cfg, _, err := Load(log.Nop(), path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ServerURL != "http://from-env" {
		t.Fatalf("env should win over file, got %q", cfg.ServerURL)
	}
	if cfg.Token != "env-token" {
		t.Fatalf("token env binding broken, got %q", cfg.Token)
	}
}

func TestUpdateFromSkipsZeroValues(t *testing.T) {
	cfg := Default()
	cfg.UpdateFrom(Config{Token: "abc", PageSize: 10})

	if cfg.Token != "abc" || cfg.PageSize != 10 {
		t.Fatalf("overrides not applied: %+v", cfg)
	}
	if cfg.ServerURL != Default().ServerURL || cfg.TypingTTL != 3*time.Second {
		t.Fatalf("zero-value fields must keep previous values: %+v", cfg)
	}
}
