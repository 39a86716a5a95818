package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.Server.BindAddress != DefaultBind {
		t.Fatalf("unexpected bind address %q", cfg.Server.BindAddress)
	}
	if cfg.Bridge.MaxConcurrentCommands != 5 {
		t.Fatalf("expected default concurrency cap 5, got %d", cfg.Bridge.MaxConcurrentCommands)
	}
	if cfg.Bridge.TicketTTL != 30*time.Second {
		t.Fatalf("expected 30s ticket TTL, got %s", cfg.Bridge.TicketTTL)
	}
	if cfg.RateLimits.Auth.Limit != 3 || cfg.RateLimits.Commands.Limit != 10 || cfg.RateLimits.FileOps.Limit != 100 {
		t.Fatalf("unexpected rate limit defaults: %+v", cfg.RateLimits)
	}
}

func TestLoadFillsMissingFields(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bridge.yaml")
	data := []byte("server:\n  bind_address: \"127.0.0.1:9000\"\nbridge:\n  max_concurrent_commands: 2\n")
	if err := os.WriteFile(path, data, 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.BindAddress != "127.0.0.1:9000" {
		t.Fatalf("explicit bind not honored: %q", cfg.Server.BindAddress)
	}
	if cfg.Bridge.MaxConcurrentCommands != 2 {
		t.Fatalf("explicit concurrency not honored: %d", cfg.Bridge.MaxConcurrentCommands)
	}
	if cfg.Bridge.HeartbeatInterval != DefaultHeartbeatInterval {
		t.Fatalf("missing heartbeat interval not defaulted: %s", cfg.Bridge.HeartbeatInterval)
	}
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.BindAddress != DefaultBind {
		t.Fatalf("expected defaults for missing file")
	}
}

func TestValidateRejectsPublicBindWithoutToken(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Server.BindAddress = "0.0.0.0:4488"
	cfg.Server.AuthToken = ""
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected validation failure for public bind without token")
	}

	cfg.Server.AuthToken = "secret-token"
	if err := cfg.Validate(); err != nil {
		t.Fatalf("expected public bind with token to validate, got %v", err)
	}
}

func TestEnvOverrideBindAddress(t *testing.T) {
	t.Setenv("BRIDGE_BIND_ADDRESS", "127.0.0.1:5511")
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.BindAddress != "127.0.0.1:5511" {
		t.Fatalf("env override ignored: %q", cfg.Server.BindAddress)
	}
}
