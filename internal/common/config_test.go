package common

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/anyhost/sv2relay/internal/protocol"
)

const testKey = "a8f0d94e3c3e8bb0b1c2d3e4f5a6b7c8d9e0f1a2b3c4d5e6f7a8b9c0d1e2f3a4"

func TestPoolConfig_Validate(t *testing.T) {
	withKey := func() PoolConfig {
		cfg := *DefaultPoolConfig()
		cfg.Security.StaticKey = testKey
		return cfg
	}

	tests := []struct {
		name    string
		config  func() PoolConfig
		wantErr bool
	}{
		{
			name:    "default config with key is valid",
			config:  withKey,
			wantErr: false,
		},
		{
			name:    "default config needs a static key",
			config:  func() PoolConfig { return *DefaultPoolConfig() },
			wantErr: true,
		},
		{
			name: "plain mode needs no key",
			config: func() PoolConfig {
				cfg := *DefaultPoolConfig()
				cfg.Security.Mode = "plain"
				return cfg
			},
			wantErr: false,
		},
		{
			name: "unknown security mode",
			config: func() PoolConfig {
				cfg := withKey()
				cfg.Security.Mode = "tls"
				return cfg
			},
			wantErr: true,
		},
		{
			name: "no listen address",
			config: func() PoolConfig {
				cfg := withKey()
				cfg.ListenAddr = ""
				return cfg
			},
			wantErr: true,
		},
		{
			name: "websocket only",
			config: func() PoolConfig {
				cfg := withKey()
				cfg.ListenAddr = ""
				cfg.WebSocketAddr = ":8080"
				return cfg
			},
			wantErr: false,
		},
		{
			name: "missing version",
			config: func() PoolConfig {
				cfg := withKey()
				cfg.Capabilities.Version = 0
				return cfg
			},
			wantErr: true,
		},
		{
			name: "unknown protocol",
			config: func() PoolConfig {
				cfg := withKey()
				cfg.Capabilities.Protocols = []string{"stratum_v1"}
				return cfg
			},
			wantErr: true,
		},
		{
			name: "no in-flight opens allowed",
			config: func() PoolConfig {
				cfg := withKey()
				cfg.Limits.MaxInflightOpens = 0
				return cfg
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := tt.config()
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestProxyConfig_Validate(t *testing.T) {
	valid := func() ProxyConfig {
		cfg := *DefaultProxyConfig()
		cfg.Security.StaticKey = testKey
		return cfg
	}

	tests := []struct {
		name    string
		mutate  func(*ProxyConfig)
		wantErr bool
	}{
		{"valid", func(*ProxyConfig) {}, false},
		{"missing upstream", func(c *ProxyConfig) { c.Upstream.Addr = "" }, true},
		{"bad upstream mode", func(c *ProxyConfig) { c.Upstream.Mode = "" }, true},
		{"inverted version range", func(c *ProxyConfig) { c.Upstream.MinVersion, c.Upstream.MaxVersion = 3, 2 }, true},
		{"zero min version", func(c *ProxyConfig) { c.Upstream.MinVersion = 0 }, true},
		{"shrinking backoff", func(c *ProxyConfig) { c.Reconnect.Multiplier = 0.5 }, true},
		{"negative in-flight limit", func(c *ProxyConfig) { c.Limits.MaxInflightOpens = -1 }, true},
		{"backoff ignored when disabled", func(c *ProxyConfig) {
			c.Reconnect.Enabled = false
			c.Reconnect.Multiplier = 0
		}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestLoadProxyConfig(t *testing.T) {
	content := `
listen_addr: ":4000"
security:
  mode: plain
upstream:
  addr: "pool.example.com:34254"
  authority_key: "` + testKey + `"
  flags: 4
timeouts:
  request_timeout: 5s
log_level: "debug"
`
	path := filepath.Join(t.TempDir(), "proxy.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}

	config, err := LoadProxyConfig(path)
	if err != nil {
		t.Fatalf("LoadProxyConfig failed: %v", err)
	}

	if config.ListenAddr != ":4000" {
		t.Errorf("ListenAddr = %q, want %q", config.ListenAddr, ":4000")
	}
	if config.Upstream.Flags != protocol.FlagRequiresVersionRolling {
		t.Errorf("Upstream.Flags = %d, want %d", config.Upstream.Flags, protocol.FlagRequiresVersionRolling)
	}
	if config.Upstream.Mode != "noise" {
		t.Errorf("Upstream.Mode = %q, default should survive partial override", config.Upstream.Mode)
	}
	if config.Timeouts.RequestTimeout != 5*time.Second {
		t.Errorf("RequestTimeout = %v, want 5s", config.Timeouts.RequestTimeout)
	}
	if config.Timeouts.DialTimeout != 5*time.Second {
		t.Errorf("DialTimeout = %v, default should survive", config.Timeouts.DialTimeout)
	}
	if config.LogLevel != "debug" {
		t.Errorf("LogLevel = %q, want %q", config.LogLevel, "debug")
	}
	if config.Limits.MaxInflightOpens != 16 {
		t.Errorf("MaxInflightOpens = %d, default should survive", config.Limits.MaxInflightOpens)
	}
}

func TestLoadPoolConfig_Errors(t *testing.T) {
	if _, err := LoadPoolConfig(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("expected error for missing file")
	}

	path := filepath.Join(t.TempDir(), "pool.yaml")
	if err := os.WriteFile(path, []byte("security:\n  mode: noise\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadPoolConfig(path); err == nil || !strings.Contains(err.Error(), "static_key") {
		t.Errorf("LoadPoolConfig() error = %v, want static_key complaint", err)
	}
}

func TestCapabilityConfig_ParsedProtocols(t *testing.T) {
	cfg := CapabilityConfig{Protocols: []string{"mining", "job_declaration"}}
	got, err := cfg.ParsedProtocols()
	if err != nil {
		t.Fatalf("ParsedProtocols failed: %v", err)
	}
	if len(got) != 2 || got[0] != protocol.MiningProtocol || got[1] != protocol.JobDeclarationProtocol {
		t.Errorf("ParsedProtocols() = %v", got)
	}
}

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"INFO", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"error", slog.LevelError},
		{"verbose", slog.LevelInfo},
	}
	for _, tt := range tests {
		if got := ParseLogLevel(tt.in); got != tt.want {
			t.Errorf("ParseLogLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestIDAllocator(t *testing.T) {
	var a IDAllocator
	if got := a.Next(); got != 1 {
		t.Errorf("first id = %d, want 1", got)
	}
	if got := a.Next(); got != 2 {
		t.Errorf("second id = %d, want 2", got)
	}

	a.next.Store(^uint32(0) - 1)
	if got := a.Next(); got != ^uint32(0) {
		t.Errorf("id = %d, want MaxUint32", got)
	}
	if got := a.Next(); got != 1 {
		t.Errorf("id after wrap = %d, want 1", got)
	}
}

func TestGenerateSessionID(t *testing.T) {
	a, b := GenerateSessionID(), GenerateSessionID()
	if a == b {
		t.Error("session ids should be unique")
	}
	if !strings.HasPrefix(a, "sess_") {
		t.Errorf("session id %q lacks prefix", a)
	}
}
