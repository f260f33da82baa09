package roles

import (
	"math"
	"slices"
	"sync/atomic"

	"github.com/anyhost/sv2relay/internal/protocol"
)

// Upstream is implemented by every role that downstreams connect to.
type Upstream[D Downstream, S Selector[D]] interface {
	// Version is the protocol version this upstream speaks.
	Version() uint16

	// Flags is the feature-flag bitmask this upstream offers.
	Flags() uint32

	SupportedProtocols() []protocol.Protocol

	// IsPairable reports whether a peer sending settings may pair with this upstream.
	IsPairable(settings PairSettings) bool

	ID() uint32

	// Mapper returns the request-id mapper of the outbound connection when
	// this upstream proxies to a further upstream. Terminal upstreams pass
	// request ids through unchanged and return false.
	Mapper() (*SharedMapper, bool)

	// RemoteSelector returns the registry of downstreams paired with this upstream.
	RemoteSelector() S
}

// MiningUpstream is an Upstream that accounts for the hash rate of the
// channels opened through it.
type MiningUpstream[D MiningDownstream, S Selector[D]] interface {
	Upstream[D, S]
	TotalHashRate() uint64
	AddHashRate(delta uint64)
}

// BaseUpstream carries the declared capabilities of an upstream and
// provides the default IsPairable. Roles embed it and add Mapper and
// RemoteSelector.
type BaseUpstream struct {
	id         uint32
	version    uint16
	flags      uint32
	protocols  []protocol.Protocol
	checkFlags FlagChecker
}

// NewBaseUpstream declares an upstream's identity, version, flags and
// supported protocol variants.
func NewBaseUpstream(id uint32, version uint16, flags uint32, protocols ...protocol.Protocol) BaseUpstream {
	return BaseUpstream{
		id:        id,
		version:   version,
		flags:     flags,
		protocols: slices.Clone(protocols),
	}
}

// SetFlagChecker overrides the flag predicate; nil restores protocol.CheckFlags.
func (b *BaseUpstream) SetFlagChecker(check FlagChecker) {
	b.checkFlags = check
}

func (b *BaseUpstream) ID() uint32 { return b.id }

func (b *BaseUpstream) Version() uint16 { return b.version }

func (b *BaseUpstream) Flags() uint32 { return b.flags }

// SupportedProtocols returns a copy of the supported protocol variants.
func (b *BaseUpstream) SupportedProtocols() []protocol.Protocol {
	return slices.Clone(b.protocols)
}

// Supports reports whether p is among the supported protocol variants.
func (b *BaseUpstream) Supports(p protocol.Protocol) bool {
	return slices.Contains(b.protocols, p)
}

// Pair runs the full pairability check and reports why it failed.
func (b *BaseUpstream) Pair(settings PairSettings) PairResult {
	return CheckPairable(b.version, b.flags, settings, b.checkFlags)
}

func (b *BaseUpstream) IsPairable(settings PairSettings) bool {
	return b.Pair(settings).Ok()
}

// HashRate accumulates the nominal hash rate of opened channels. Additions
// saturate at math.MaxUint64 instead of wrapping, so an overflowing total
// reads as "at least this much" rather than as a tiny number.
// It is safe for concurrent use.
type HashRate struct {
	total atomic.Uint64
}

func (h *HashRate) TotalHashRate() uint64 {
	return h.total.Load()
}

func (h *HashRate) AddHashRate(delta uint64) {
	for {
		cur := h.total.Load()
		next := cur + delta
		if next < cur {
			next = math.MaxUint64
		}
		if h.total.CompareAndSwap(cur, next) {
			return
		}
	}
}

// NominalHashRate converts a channel's advertised hash rate into the
// accumulator's unit. Rates at or above 2^64 clamp to math.MaxUint64 so
// they saturate the total; negative and NaN rates count as zero.
func NominalHashRate(rate float32) uint64 {
	r := float64(rate)
	switch {
	case r != r || r <= 0:
		return 0
	case r >= 1<<64:
		return math.MaxUint64
	}
	return uint64(r)
}
