package common

import (
	"fmt"
	"os"
	"time"

	"github.com/anyhost/sv2relay/internal/protocol"
	"gopkg.in/yaml.v3"
)

// SecurityConfig holds transport security settings.
type SecurityConfig struct {
	// Mode is "noise" or "plain".
	Mode string `yaml:"mode"`

	// StaticKey is the hex encoded Curve25519 private key a listening role
	// authenticates with. Required for noise listeners.
	StaticKey string `yaml:"static_key"`
}

// TimeoutsConfig holds timeout configuration.
type TimeoutsConfig struct {
	// HandshakeTimeout bounds the Noise handshake and the SetupConnection exchange.
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`

	// IdleTimeout closes downstream connections that send nothing.
	IdleTimeout time.Duration `yaml:"idle_timeout"`

	// RequestTimeout bounds how long a channel open waits for the upstream.
	RequestTimeout time.Duration `yaml:"request_timeout"`

	// DialTimeout bounds dialing the upstream.
	DialTimeout time.Duration `yaml:"dial_timeout"`
}

// LimitsConfig bounds the work a single downstream can queue.
type LimitsConfig struct {
	// MaxInflightOpens caps the channel opens one session may have
	// unanswered; further requests wait until one completes.
	MaxInflightOpens int `yaml:"max_inflight_opens"`
}

// CapabilityConfig declares what an upstream role offers to its downstreams.
type CapabilityConfig struct {
	// Version is the protocol version spoken.
	Version uint16 `yaml:"version"`

	// Flags is the feature-flag bitmask offered.
	Flags uint32 `yaml:"flags"`

	// Protocols lists the supported protocol variants by name.
	Protocols []string `yaml:"protocols"`
}

// ParsedProtocols converts Protocols into protocol values.
func (c CapabilityConfig) ParsedProtocols() ([]protocol.Protocol, error) {
	out := make([]protocol.Protocol, 0, len(c.Protocols))
	for _, name := range c.Protocols {
		p, err := protocol.ParseProtocol(name)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

func (c CapabilityConfig) validate() error {
	if c.Version == 0 {
		return fmt.Errorf("version is required")
	}
	if len(c.Protocols) == 0 {
		return fmt.Errorf("at least one protocol is required")
	}
	if _, err := c.ParsedProtocols(); err != nil {
		return err
	}
	return nil
}

// PoolConfig holds configuration for the terminal pool role.
type PoolConfig struct {
	// ListenAddr is the address downstreams connect to (e.g., ":34254").
	ListenAddr string `yaml:"listen_addr"`

	// WebSocketAddr optionally serves downstreams over WebSockets (e.g., ":8080").
	WebSocketAddr string `yaml:"websocket_addr"`

	// UpstreamID identifies this role in logs and the audit log.
	UpstreamID uint32 `yaml:"upstream_id"`

	Security SecurityConfig `yaml:"security"`

	Capabilities CapabilityConfig `yaml:"capabilities"`

	Timeouts TimeoutsConfig `yaml:"timeouts"`

	Limits LimitsConfig `yaml:"limits"`

	// DatabasePath is the SQLite audit log; empty disables it.
	DatabasePath string `yaml:"database_path"`

	// LogLevel sets the logging verbosity (debug, info, warn, error).
	LogLevel string `yaml:"log_level"`
}

// DefaultPoolConfig returns a PoolConfig with sensible defaults.
func DefaultPoolConfig() *PoolConfig {
	return &PoolConfig{
		ListenAddr: ":34254",
		UpstreamID: 1,
		Security: SecurityConfig{
			Mode: "noise",
		},
		Capabilities: defaultCapabilities(),
		Timeouts:     defaultTimeouts(),
		Limits:       defaultLimits(),
		LogLevel:     "info",
	}
}

// LoadPoolConfig loads pool configuration from a YAML file.
func LoadPoolConfig(path string) (*PoolConfig, error) {
	config := DefaultPoolConfig()
	if err := loadYAML(path, config); err != nil {
		return nil, err
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return config, nil
}

// Validate checks if the pool configuration is valid.
func (c *PoolConfig) Validate() error {
	if c.ListenAddr == "" && c.WebSocketAddr == "" {
		return fmt.Errorf("at least one of listen_addr or websocket_addr is required")
	}
	if err := c.Security.validateListener(); err != nil {
		return err
	}
	if err := c.Capabilities.validate(); err != nil {
		return fmt.Errorf("capabilities: %w", err)
	}
	if c.Limits.MaxInflightOpens < 1 {
		return fmt.Errorf("limits.max_inflight_opens must be at least 1")
	}
	return nil
}

// UpstreamConfig describes the parent a proxy connects to.
type UpstreamConfig struct {
	// Addr is host:port, or a ws:// / wss:// URL.
	Addr string `yaml:"addr"`

	// Mode is "noise" or "plain".
	Mode string `yaml:"mode"`

	// AuthorityKey is the hex encoded static public key the parent must
	// present. Empty skips pinning.
	AuthorityKey string `yaml:"authority_key"`

	// MinVersion and MaxVersion bound the version requested from the parent.
	MinVersion uint16 `yaml:"min_version"`
	MaxVersion uint16 `yaml:"max_version"`

	// Flags is the feature-flag bitmask requested from the parent.
	Flags uint32 `yaml:"flags"`
}

// ProxyConfig holds configuration for the proxy role.
type ProxyConfig struct {
	ListenAddr    string `yaml:"listen_addr"`
	WebSocketAddr string `yaml:"websocket_addr"`
	UpstreamID    uint32 `yaml:"upstream_id"`

	Security     SecurityConfig   `yaml:"security"`
	Capabilities CapabilityConfig `yaml:"capabilities"`
	Upstream     UpstreamConfig   `yaml:"upstream"`
	Timeouts     TimeoutsConfig   `yaml:"timeouts"`
	Limits       LimitsConfig     `yaml:"limits"`

	// Reconnect configuration for the upstream connection.
	Reconnect ReconnectConfig `yaml:"reconnect"`

	DatabasePath string `yaml:"database_path"`
	LogLevel     string `yaml:"log_level"`
}

// ReconnectConfig holds reconnection settings.
type ReconnectConfig struct {
	// Enabled indicates whether automatic reconnection is enabled.
	Enabled bool `yaml:"enabled"`

	// InitialDelay is the initial delay before the first reconnection attempt.
	InitialDelay time.Duration `yaml:"initial_delay"`

	// MaxDelay is the maximum delay between reconnection attempts.
	MaxDelay time.Duration `yaml:"max_delay"`

	// Multiplier is the factor by which the delay increases after each attempt.
	Multiplier float64 `yaml:"multiplier"`

	// MaxAttempts is the maximum number of reconnection attempts (0 = unlimited).
	MaxAttempts int `yaml:"max_attempts"`
}

// DefaultProxyConfig returns a ProxyConfig with sensible defaults.
func DefaultProxyConfig() *ProxyConfig {
	return &ProxyConfig{
		ListenAddr: ":34255",
		UpstreamID: 2,
		Security: SecurityConfig{
			Mode: "noise",
		},
		Capabilities: defaultCapabilities(),
		Upstream: UpstreamConfig{
			Addr:       "localhost:34254",
			Mode:       "noise",
			MinVersion: protocol.MinSupportedVersion,
			MaxVersion: protocol.ProtocolVersion,
		},
		Timeouts: defaultTimeouts(),
		Limits:   defaultLimits(),
		Reconnect: ReconnectConfig{
			Enabled:      true,
			InitialDelay: 1 * time.Second,
			MaxDelay:     30 * time.Second,
			Multiplier:   2.0,
			MaxAttempts:  0, // unlimited
		},
		LogLevel: "info",
	}
}

// LoadProxyConfig loads proxy configuration from a YAML file.
func LoadProxyConfig(path string) (*ProxyConfig, error) {
	config := DefaultProxyConfig()
	if err := loadYAML(path, config); err != nil {
		return nil, err
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return config, nil
}

// Validate checks if the proxy configuration is valid.
func (c *ProxyConfig) Validate() error {
	if c.ListenAddr == "" && c.WebSocketAddr == "" {
		return fmt.Errorf("at least one of listen_addr or websocket_addr is required")
	}
	if err := c.Security.validateListener(); err != nil {
		return err
	}
	if err := c.Capabilities.validate(); err != nil {
		return fmt.Errorf("capabilities: %w", err)
	}
	if c.Upstream.Addr == "" {
		return fmt.Errorf("upstream.addr is required")
	}
	if err := validateMode(c.Upstream.Mode); err != nil {
		return fmt.Errorf("upstream.%w", err)
	}
	if c.Upstream.MinVersion == 0 || c.Upstream.MaxVersion < c.Upstream.MinVersion {
		return fmt.Errorf("upstream version range [%d, %d] is invalid", c.Upstream.MinVersion, c.Upstream.MaxVersion)
	}
	if c.Limits.MaxInflightOpens < 1 {
		return fmt.Errorf("limits.max_inflight_opens must be at least 1")
	}
	if c.Reconnect.Enabled && c.Reconnect.Multiplier < 1 {
		return fmt.Errorf("reconnect.multiplier must be at least 1")
	}
	return nil
}

func (s SecurityConfig) validateListener() error {
	if err := validateMode(s.Mode); err != nil {
		return fmt.Errorf("security.%w", err)
	}
	if s.Mode == "noise" && s.StaticKey == "" {
		return fmt.Errorf("security.static_key is required in noise mode")
	}
	return nil
}

func validateMode(mode string) error {
	switch mode {
	case "noise", "plain":
		return nil
	default:
		return fmt.Errorf("mode must be noise or plain, got %q", mode)
	}
}

func defaultCapabilities() CapabilityConfig {
	return CapabilityConfig{
		Version:   protocol.ProtocolVersion,
		Flags:     protocol.FlagRequiresVersionRolling,
		Protocols: []string{protocol.MiningProtocol.String()},
	}
}

func defaultTimeouts() TimeoutsConfig {
	return TimeoutsConfig{
		HandshakeTimeout: 10 * time.Second,
		IdleTimeout:      5 * time.Minute,
		RequestTimeout:   30 * time.Second,
		DialTimeout:      5 * time.Second,
	}
}

func defaultLimits() LimitsConfig {
	return LimitsConfig{
		MaxInflightOpens: 16,
	}
}

func loadYAML(path string, out interface{}) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}
	return nil
}
