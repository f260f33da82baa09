package roles

import (
	"errors"

	"github.com/anyhost/sv2relay/internal/protocol"
)

var (
	// ErrVersionMismatch means the upstream version is outside the requested range.
	ErrVersionMismatch = errors.New("roles: protocol version out of range")

	// ErrFlagsMismatch means the requested and offered feature flags are incompatible.
	ErrFlagsMismatch = errors.New("roles: feature flags incompatible")
)

// FlagChecker decides whether the flags requested by a connecting peer are
// compatible with the flags an upstream offers for a given protocol.
type FlagChecker func(p protocol.Protocol, requested, offered uint32) bool

// PairResult is the outcome of a pairability check.
type PairResult int

const (
	Paired PairResult = iota
	VersionMismatch
	FlagsMismatch
)

func (r PairResult) String() string {
	switch r {
	case Paired:
		return "paired"
	case VersionMismatch:
		return "version_mismatch"
	case FlagsMismatch:
		return "flags_mismatch"
	default:
		return "unknown"
	}
}

// Ok reports whether the peers may establish a session.
func (r PairResult) Ok() bool {
	return r == Paired
}

// Err returns nil for Paired and the matching sentinel otherwise.
func (r PairResult) Err() error {
	switch r {
	case Paired:
		return nil
	case VersionMismatch:
		return ErrVersionMismatch
	default:
		return ErrFlagsMismatch
	}
}

// CheckPairable compares an upstream's declared version and flags against a
// candidate's pair settings. The version range is inclusive on both ends.
// A nil checker falls back to protocol.CheckFlags.
func CheckPairable(version uint16, flags uint32, settings PairSettings, check FlagChecker) PairResult {
	if version < settings.MinVersion || version > settings.MaxVersion {
		return VersionMismatch
	}
	if check == nil {
		check = protocol.CheckFlags
	}
	if !check(settings.Protocol, settings.Flags, flags) {
		return FlagsMismatch
	}
	return Paired
}

// IsPairable is CheckPairable collapsed to a boolean.
func IsPairable(version uint16, flags uint32, settings PairSettings, check FlagChecker) bool {
	return CheckPairable(version, flags, settings, check).Ok()
}
