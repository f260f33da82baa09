package server

import (
	"context"

	"github.com/anyhost/sv2relay/internal/protocol"
	"github.com/anyhost/sv2relay/internal/roles"
)

// Role is the upstream side a ControlPlane serves: it decides pairing and
// answers channel opens.
type Role interface {
	roles.MiningUpstream[*Session, *Registry]

	// Pair is IsPairable with the reason for a rejection.
	Pair(settings roles.PairSettings) roles.PairResult

	// Supports reports whether the protocol variant is served at all.
	Supports(p protocol.Protocol) bool

	// OpenChannel answers a channel request from session. The returned
	// success must carry req.RequestID.
	OpenChannel(ctx context.Context, session *Session, req *protocol.OpenStandardMiningChannel) (*protocol.OpenStandardMiningChannelSuccess, error)
}
