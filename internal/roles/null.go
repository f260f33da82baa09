package roles

import (
	"errors"
	"fmt"

	"github.com/anyhost/sv2relay/internal/protocol"
)

// ErrUnreachable is wrapped by every panic raised from the null provider.
var ErrUnreachable = errors.New("roles: null capability provider invoked")

// UnreachableError names the operation that was called on a null provider.
type UnreachableError struct {
	Op string
}

func (e *UnreachableError) Error() string {
	return fmt.Sprintf("roles: %s called on null capability provider", e.Op)
}

func (e *UnreachableError) Unwrap() error {
	return ErrUnreachable
}

func unreachable(op string) {
	panic(&UnreachableError{Op: op})
}

// NullUpstream stands in for "no upstream" where a type parameter needs an
// Upstream. Calling any of its methods is a wiring bug and panics with an
// *UnreachableError. Production code holds an Optional instead and checks it.
type NullUpstream[D MiningDownstream] struct{}

func (NullUpstream[D]) Version() uint16 { unreachable("Version"); return 0 }

func (NullUpstream[D]) Flags() uint32 { unreachable("Flags"); return 0 }

func (NullUpstream[D]) SupportedProtocols() []protocol.Protocol {
	unreachable("SupportedProtocols")
	return nil
}

func (NullUpstream[D]) IsPairable(PairSettings) bool { unreachable("IsPairable"); return false }

func (NullUpstream[D]) ID() uint32 { unreachable("ID"); return 0 }

func (NullUpstream[D]) Mapper() (*SharedMapper, bool) { unreachable("Mapper"); return nil, false }

func (NullUpstream[D]) RemoteSelector() *NullSelector[D] {
	unreachable("RemoteSelector")
	return nil
}

func (NullUpstream[D]) TotalHashRate() uint64 { unreachable("TotalHashRate"); return 0 }

func (NullUpstream[D]) AddHashRate(uint64) { unreachable("AddHashRate") }

func (NullUpstream[D]) isNull() {}

// NullSelector is the selector paired with NullUpstream.
type NullSelector[D Downstream] struct{}

func (*NullSelector[D]) Downstreams() []D { unreachable("Downstreams"); return nil }

func (*NullSelector[D]) isNull() {}

// NullDownstream stands in for "no downstream".
type NullDownstream struct{}

func (NullDownstream) DownstreamData() DownstreamData {
	unreachable("DownstreamData")
	return DownstreamData{}
}

func (NullDownstream) MiningCapable() {}

func (NullDownstream) isNull() {}

type nullProvider interface {
	isNull()
}

// IsNull reports whether v is one of the null capability providers.
func IsNull(v any) bool {
	_, ok := v.(nullProvider)
	return ok
}

// Optional holds an upstream that may be absent. The zero value is absent.
type Optional[U any] struct {
	value U
	ok    bool
}

// Some wraps a present upstream.
func Some[U any](u U) Optional[U] {
	return Optional[U]{value: u, ok: true}
}

// None returns an absent value.
func None[U any]() Optional[U] {
	return Optional[U]{}
}

// Get returns the value and whether it is present.
func (o Optional[U]) Get() (U, bool) {
	return o.value, o.ok
}

// Present reports whether a value is held.
func (o Optional[U]) Present() bool {
	return o.ok
}
