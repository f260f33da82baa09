package protocol

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"time"
)

// MessageType identifies the type of message being sent.
type MessageType string

const (
	// MessageTypeSetupConnection is the first message a downstream sends.
	MessageTypeSetupConnection MessageType = "setup_connection"

	// MessageTypeSetupConnectionSuccess accepts a SetupConnection.
	MessageTypeSetupConnectionSuccess MessageType = "setup_connection_success"

	// MessageTypeSetupConnectionError rejects a SetupConnection.
	MessageTypeSetupConnectionError MessageType = "setup_connection_error"

	// MessageTypeOpenStandardMiningChannel asks the upstream for a channel.
	MessageTypeOpenStandardMiningChannel MessageType = "open_standard_mining_channel"

	// MessageTypeOpenStandardMiningChannelSuccess answers a channel request.
	MessageTypeOpenStandardMiningChannelSuccess MessageType = "open_standard_mining_channel_success"

	// MessageTypeOpenMiningChannelError rejects a channel request.
	MessageTypeOpenMiningChannelError MessageType = "open_mining_channel_error"
)

// Envelope wraps all messages with type information for routing.
type Envelope struct {
	Type      MessageType     `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload"`
}

// NewEnvelope creates a new envelope with the given type and payload.
func NewEnvelope(msgType MessageType, payload interface{}) (*Envelope, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal payload: %w", err)
	}

	return &Envelope{
		Type:      msgType,
		Timestamp: time.Now().UTC(),
		Payload:   data,
	}, nil
}

// DecodePayload unmarshals the envelope payload into the given target.
func (e *Envelope) DecodePayload(target interface{}) error {
	if err := json.Unmarshal(e.Payload, target); err != nil {
		return fmt.Errorf("failed to decode payload: %w", err)
	}
	return nil
}

// SetupConnection is sent by a downstream to negotiate a session.
type SetupConnection struct {
	Protocol Protocol `json:"protocol"`

	// MinVersion and MaxVersion bound the acceptable protocol version, inclusive.
	MinVersion uint16 `json:"min_version"`
	MaxVersion uint16 `json:"max_version"`

	// Flags is the feature-flag bitmask requested by the downstream.
	Flags uint32 `json:"flags"`

	// Endpoint is the host:port the downstream dialed.
	Endpoint string `json:"endpoint,omitempty"`

	Vendor   string `json:"vendor,omitempty"`
	DeviceID string `json:"device_id,omitempty"`
}

// Validate checks if the setup message is well formed.
func (s *SetupConnection) Validate() error {
	if s.MinVersion == 0 {
		return fmt.Errorf("%w: min_version is required", ErrInvalidMessage)
	}
	if s.MaxVersion < s.MinVersion {
		return fmt.Errorf("%w: max_version %d below min_version %d", ErrInvalidMessage, s.MaxVersion, s.MinVersion)
	}
	return nil
}

// SetupConnectionSuccess accepts a SetupConnection.
type SetupConnectionSuccess struct {
	UsedVersion uint16 `json:"used_version"`
	Flags       uint32 `json:"flags"`
}

// SetupConnectionError rejects a SetupConnection. Flags echoes the flags
// the upstream could not satisfy.
type SetupConnectionError struct {
	Flags     uint32 `json:"flags"`
	ErrorCode string `json:"error_code"`
}

// OpenStandardMiningChannel requests a standard channel. RequestID is
// chosen by the sender and echoed in the answer.
type OpenStandardMiningChannel struct {
	RequestID       uint32  `json:"request_id"`
	UserIdentity    string  `json:"user_identity"`
	NominalHashRate float32 `json:"nominal_hash_rate"`
	MaxTarget       string  `json:"max_target"`
}

// Validate checks if the channel request is well formed.
func (o *OpenStandardMiningChannel) Validate() error {
	if o.UserIdentity == "" {
		return fmt.Errorf("%w: user_identity is required", ErrInvalidMessage)
	}
	if o.NominalHashRate < 0 || math.IsNaN(float64(o.NominalHashRate)) || math.IsInf(float64(o.NominalHashRate), 0) {
		return fmt.Errorf("%w: nominal_hash_rate must be a finite non-negative number", ErrInvalidMessage)
	}
	if o.MaxTarget != "" {
		if _, err := ParseTarget(o.MaxTarget); err != nil {
			return fmt.Errorf("%w: max_target: %v", ErrInvalidMessage, err)
		}
	}
	return nil
}

// TargetSize is the length of a share target in bytes.
const TargetSize = 32

// ParseTarget decodes a hex share target of exactly TargetSize bytes.
func ParseTarget(s string) ([]byte, error) {
	target, err := hex.DecodeString(s)
	if err != nil {
		return nil, err
	}
	if len(target) != TargetSize {
		return nil, fmt.Errorf("want %d bytes, got %d", TargetSize, len(target))
	}
	return target, nil
}

// OpenStandardMiningChannelSuccess answers a channel request.
type OpenStandardMiningChannelSuccess struct {
	RequestID        uint32 `json:"request_id"`
	ChannelID        uint32 `json:"channel_id"`
	Target           string `json:"target"`
	ExtranoncePrefix string `json:"extranonce_prefix"`
	GroupChannelID   uint32 `json:"group_channel_id"`
}

// OpenMiningChannelError rejects a channel request.
type OpenMiningChannelError struct {
	RequestID uint32 `json:"request_id"`
	ErrorCode string `json:"error_code"`
}

// Common error codes carried in SetupConnectionError and OpenMiningChannelError.
const (
	ErrorCodeUnsupportedProtocol     = "unsupported-protocol"
	ErrorCodeVersionMismatch         = "protocol-version-mismatch"
	ErrorCodeUnsupportedFeatureFlags = "unsupported-feature-flags"
	ErrorCodeInvalidMessage          = "invalid-message"
	ErrorCodeUnknownRequestID        = "unknown-request-id"
	ErrorCodeNoUpstream              = "no-upstream"
	ErrorCodeUpstreamUnavailable     = "upstream-unavailable"
	ErrorCodeInternalError           = "internal-error"
)
