package roles

import "github.com/anyhost/sv2relay/internal/protocol"

// DownstreamData is what a mining downstream declared when it connected.
// It is taken once per connection and never mutated afterwards.
type DownstreamData struct {
	ID             uint32
	HeaderOnly     bool
	WorkSelection  bool
	VersionRolling bool
}

// DownstreamDataFromSetup builds the capability record for a downstream
// from the flags it sent in SetupConnection.
func DownstreamDataFromSetup(id uint32, setup *protocol.SetupConnection) DownstreamData {
	return DownstreamData{
		ID:             id,
		HeaderOnly:     setup.Flags&protocol.FlagRequiresStandardJobs != 0,
		WorkSelection:  setup.Flags&protocol.FlagRequiresWorkSelection != 0,
		VersionRolling: setup.Flags&protocol.FlagRequiresVersionRolling != 0,
	}
}

// PairSettings is a SetupConnection reduced to the fields that decide
// whether two peers can pair.
type PairSettings struct {
	Protocol   protocol.Protocol
	MinVersion uint16
	MaxVersion uint16
	Flags      uint32
}

// PairSettingsFromSetup extracts the negotiation request from a SetupConnection.
func PairSettingsFromSetup(setup *protocol.SetupConnection) PairSettings {
	return PairSettings{
		Protocol:   setup.Protocol,
		MinVersion: setup.MinVersion,
		MaxVersion: setup.MaxVersion,
		Flags:      setup.Flags,
	}
}
