package protocol

// Feature flags sent by a downstream in SetupConnection for the mining
// protocol. An upstream announces the same bits to say which of these it
// supports (version rolling) or insists on (work selection).
const (
	FlagRequiresStandardJobs   uint32 = 1 << 0
	FlagRequiresWorkSelection  uint32 = 1 << 1
	FlagRequiresVersionRolling uint32 = 1 << 2
)

// Feature flags for the job declaration protocol.
const (
	FlagRequiresAsyncJobMining uint32 = 1 << 0
)

// CheckFlags reports whether the flags requested by a connecting peer are
// compatible with the flags offered by the upstream for protocol p.
//
// Mining: a peer asking for version rolling needs an upstream that offers
// it, and an upstream that insists on work selection only accepts peers
// that do their own work selection.
// Job declaration: an upstream requiring async job mining only accepts
// peers that support it.
// Template and job distribution define no flags.
func CheckFlags(p Protocol, requested, offered uint32) bool {
	switch p {
	case MiningProtocol:
		if requested&FlagRequiresVersionRolling != 0 && offered&FlagRequiresVersionRolling == 0 {
			return false
		}
		if offered&FlagRequiresWorkSelection != 0 && requested&FlagRequiresWorkSelection == 0 {
			return false
		}
		return true
	case JobDeclarationProtocol:
		return offered&FlagRequiresAsyncJobMining == 0 || requested&FlagRequiresAsyncJobMining != 0
	case TemplateDistributionProtocol, JobDistributionProtocol:
		return true
	default:
		return false
	}
}
