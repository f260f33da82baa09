package protocol

import (
	"errors"
	"fmt"
)

// Protocol-level errors that can occur during communication.
var (
	// ErrUnsupportedProtocol indicates a protocol variant the upstream does not serve.
	ErrUnsupportedProtocol = errors.New("unsupported protocol")

	// ErrVersionMismatch indicates incompatible protocol versions.
	ErrVersionMismatch = errors.New("protocol version mismatch")

	// ErrUnsupportedFlags indicates incompatible feature flags.
	ErrUnsupportedFlags = errors.New("unsupported feature flags")

	// ErrInvalidMessage indicates a malformed protocol message.
	ErrInvalidMessage = errors.New("invalid protocol message")

	// ErrUnknownRequestID indicates a response for a request that is not outstanding.
	ErrUnknownRequestID = errors.New("unknown request id")

	// ErrNoUpstream indicates a request that needs an upstream when none is configured.
	ErrNoUpstream = errors.New("no upstream configured")

	// ErrUpstreamUnavailable indicates the upstream connection is down.
	ErrUpstreamUnavailable = errors.New("upstream unavailable")

	// ErrConnectionClosed indicates the connection was closed.
	ErrConnectionClosed = errors.New("connection closed")
)

// ProtocolError wraps an error with additional protocol context.
type ProtocolError struct {
	Code       string
	Message    string
	Underlying error
}

// Error implements the error interface.
func (pe *ProtocolError) Error() string {
	if pe.Underlying != nil {
		return fmt.Sprintf("%s: %s (%s)", pe.Code, pe.Message, pe.Underlying.Error())
	}
	return fmt.Sprintf("%s: %s", pe.Code, pe.Message)
}

// Unwrap returns the underlying error for errors.Is/As support.
func (pe *ProtocolError) Unwrap() error {
	return pe.Underlying
}

// NewProtocolError creates a new ProtocolError with the given details.
func NewProtocolError(code, message string, underlying error) *ProtocolError {
	return &ProtocolError{
		Code:       code,
		Message:    message,
		Underlying: underlying,
	}
}

// ErrorToCode converts a known error to its corresponding error code.
func ErrorToCode(err error) string {
	switch {
	case errors.Is(err, ErrUnsupportedProtocol):
		return ErrorCodeUnsupportedProtocol
	case errors.Is(err, ErrVersionMismatch):
		return ErrorCodeVersionMismatch
	case errors.Is(err, ErrUnsupportedFlags):
		return ErrorCodeUnsupportedFeatureFlags
	case errors.Is(err, ErrInvalidMessage):
		return ErrorCodeInvalidMessage
	case errors.Is(err, ErrUnknownRequestID):
		return ErrorCodeUnknownRequestID
	case errors.Is(err, ErrNoUpstream):
		return ErrorCodeNoUpstream
	case errors.Is(err, ErrUpstreamUnavailable):
		return ErrorCodeUpstreamUnavailable
	default:
		return ErrorCodeInternalError
	}
}

// CodeToError converts an error code to its corresponding error.
func CodeToError(code string) error {
	switch code {
	case ErrorCodeUnsupportedProtocol:
		return ErrUnsupportedProtocol
	case ErrorCodeVersionMismatch:
		return ErrVersionMismatch
	case ErrorCodeUnsupportedFeatureFlags:
		return ErrUnsupportedFlags
	case ErrorCodeInvalidMessage:
		return ErrInvalidMessage
	case ErrorCodeUnknownRequestID:
		return ErrUnknownRequestID
	case ErrorCodeNoUpstream:
		return ErrNoUpstream
	case ErrorCodeUpstreamUnavailable:
		return ErrUpstreamUnavailable
	default:
		return fmt.Errorf("unknown error: %s", code)
	}
}
