// Package protocol defines the messages exchanged between mining roles:
// connection setup, channel opening, and the framing codec that carries
// them. It also defines the per-protocol feature-flag compatibility rule
// used during connection setup.
package protocol

import "fmt"

// Version constants for protocol compatibility checking.
// A downstream announces an inclusive [min, max] range in SetupConnection
// and the upstream accepts it only if its own version falls inside.
const (
	// ProtocolVersion is the version this implementation speaks.
	ProtocolVersion uint16 = 2

	// MinSupportedVersion is the oldest version a downstream may request.
	MinSupportedVersion uint16 = 2
)

// IsVersionSupported checks if the given protocol version is supported.
func IsVersionSupported(version uint16) bool {
	return version >= MinSupportedVersion && version <= ProtocolVersion
}

// Protocol identifies the sub-protocol negotiated on a connection.
type Protocol uint8

const (
	MiningProtocol               Protocol = 0
	JobDeclarationProtocol       Protocol = 1
	TemplateDistributionProtocol Protocol = 2
	JobDistributionProtocol      Protocol = 3
)

func (p Protocol) String() string {
	switch p {
	case MiningProtocol:
		return "mining"
	case JobDeclarationProtocol:
		return "job_declaration"
	case TemplateDistributionProtocol:
		return "template_distribution"
	case JobDistributionProtocol:
		return "job_distribution"
	default:
		return fmt.Sprintf("protocol(%d)", uint8(p))
	}
}

// ParseProtocol maps a configuration name to a Protocol.
func ParseProtocol(name string) (Protocol, error) {
	for _, p := range []Protocol{MiningProtocol, JobDeclarationProtocol, TemplateDistributionProtocol, JobDistributionProtocol} {
		if p.String() == name {
			return p, nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrUnsupportedProtocol, name)
}
