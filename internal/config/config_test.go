package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	_, cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.HeartbeatInterval != 30*time.Second {
		t.Errorf("heartbeat_interval = %s", cfg.HeartbeatInterval)
	}
	if cfg.ReconnectMaxAttempts != 5 {
		t.Errorf("reconnect_max_attempts = %d", cfg.ReconnectMaxAttempts)
	}
	if cfg.ReconnectBaseDelay != time.Second || cfg.ReconnectMaxDelay != 30*time.Second {
		t.Errorf("reconnect delays = %s, %s", cfg.ReconnectBaseDelay, cfg.ReconnectMaxDelay)
	}
	if len(cfg.STUNServers) == 0 {
		t.Error("no default stun servers")
	}
	if cfg.DataDir == "" {
		t.Error("no default data dir")
	}
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vennd.yaml")
	content := `
gateway_url: wss://gw.example.test/ws
api_url: https://api.example.test
heartbeat_interval: 10s
reconnect_max_attempts: 3
stun_servers:
  - stun:stun.example.test:3478
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	_, cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.GatewayURL != "wss://gw.example.test/ws" {
		t.Errorf("gateway_url = %q", cfg.GatewayURL)
	}
	if cfg.APIURL != "https://api.example.test" {
		t.Errorf("api_url = %q", cfg.APIURL)
	}
	if cfg.HeartbeatInterval != 10*time.Second {
		t.Errorf("heartbeat_interval = %s", cfg.HeartbeatInterval)
	}
	if cfg.ReconnectMaxAttempts != 3 {
		t.Errorf("reconnect_max_attempts = %d", cfg.ReconnectMaxAttempts)
	}
	if len(cfg.STUNServers) != 1 || cfg.STUNServers[0] != "stun:stun.example.test:3478" {
		t.Errorf("stun_servers = %v", cfg.STUNServers)
	}
	// Values the file omits keep their defaults.
	if cfg.ReconnectBaseDelay != time.Second {
		t.Errorf("reconnect_base_delay = %s", cfg.ReconnectBaseDelay)
	}
}

func TestLoadMissingFileFails(t *testing.T) {
	if _, _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatal("expected error for missing config file")
	}
}

func TestEnvironmentOverride(t *testing.T) {
	t.Setenv("VENN_GATEWAY_URL", "wss://env.example.test/ws")
	_, cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.GatewayURL != "wss://env.example.test/ws" {
		t.Errorf("gateway_url = %q, want env value", cfg.GatewayURL)
	}
}
