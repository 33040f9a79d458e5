package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestApplyEnvDefaults(t *testing.T) {
	var cfg ServerConfig
	cfg.ApplyEnv()
	if cfg.Port != 8080 {
		t.Fatalf("port %d", cfg.Port)
	}
	if cfg.CallTimeout != 30*time.Second {
		t.Fatalf("call timeout %s", cfg.CallTimeout)
	}
	if cfg.SessionIdle != 5*time.Minute {
		t.Fatalf("session idle %s", cfg.SessionIdle)
	}
}

func TestApplyEnvOverride(t *testing.T) {
	t.Setenv("UPSTREAM_SSE_URL", "http://up.example/sse")
	t.Setenv("CALL_TIMEOUT", "90s")
	var cfg ServerConfig
	cfg.ApplyEnv()
	if cfg.UpstreamURL != "http://up.example/sse" {
		t.Fatalf("upstream %q", cfg.UpstreamURL)
	}
	if cfg.CallTimeout != 90*time.Second {
		t.Fatalf("call timeout %s", cfg.CallTimeout)
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bridge.yaml")
	data := []byte("upstream_url: http://file.example/sse\nsession_idle: 2m\nidentities:\n  tok-1: alice\n")
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	var cfg ServerConfig
	cfg.ApplyEnv()
	if err := cfg.LoadFile(path); err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.UpstreamURL != "http://file.example/sse" {
		t.Fatalf("upstream %q", cfg.UpstreamURL)
	}
	if cfg.SessionIdle != 2*time.Minute {
		t.Fatalf("session idle %s", cfg.SessionIdle)
	}
	if cfg.Identities["tok-1"] != "alice" {
		t.Fatalf("identities %v", cfg.Identities)
	}
}

func TestValidate(t *testing.T) {
	var cfg ServerConfig
	cfg.ApplyEnv()
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error without upstream URL")
	}
	cfg.UpstreamURL = "http://up.example/sse"
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
}
