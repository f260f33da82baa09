package roles

// Downstream is implemented by every downstream role.
type Downstream interface {
	DownstreamData() DownstreamData
}

// MiningDownstream marks downstreams that take part in mining pairing and
// hash-rate accounting. It adds no behavior.
type MiningDownstream interface {
	Downstream
	MiningCapable()
}

// Selector is the registry of downstreams paired with an upstream. The
// relay only needs to enumerate it; routing lives with the implementation.
type Selector[D Downstream] interface {
	Downstreams() []D
}
