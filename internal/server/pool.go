package server

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/hex"
	"fmt"

	"github.com/anyhost/sv2relay/internal/common"
	"github.com/anyhost/sv2relay/internal/protocol"
	"github.com/anyhost/sv2relay/internal/roles"
)

// DefaultTarget is handed to channels that do not ask for a tighter one.
const DefaultTarget = "00000000ffff0000000000000000000000000000000000000000000000000000"

var defaultTarget, _ = hex.DecodeString(DefaultTarget)

// Pool is a terminal upstream. It answers channel opens itself, so request
// ids are echoed unchanged and it has no mapper.
type Pool struct {
	roles.BaseUpstream
	roles.HashRate

	registry   *Registry
	channelIDs common.IDAllocator
}

// NewPool creates a pool role serving the downstreams in registry.
func NewPool(base roles.BaseUpstream, registry *Registry) *Pool {
	return &Pool{
		BaseUpstream: base,
		registry:     registry,
	}
}

// Mapper reports that a pool rewrites no request ids.
func (p *Pool) Mapper() (*roles.RequestIDMapper, bool) {
	return nil, false
}

func (p *Pool) RemoteSelector() *Registry {
	return p.registry
}

// OpenChannel assigns a channel id and an extranonce prefix derived from it.
func (p *Pool) OpenChannel(_ context.Context, _ *Session, req *protocol.OpenStandardMiningChannel) (*protocol.OpenStandardMiningChannelSuccess, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	target := DefaultTarget
	if req.MaxTarget != "" {
		maxTarget, err := protocol.ParseTarget(req.MaxTarget)
		if err != nil {
			return nil, fmt.Errorf("%w: max_target: %v", protocol.ErrInvalidMessage, err)
		}
		if bytes.Compare(maxTarget, defaultTarget) < 0 {
			target = hex.EncodeToString(maxTarget)
		}
	}

	channelID := p.channelIDs.Next()
	p.AddHashRate(roles.NominalHashRate(req.NominalHashRate))

	var prefix [4]byte
	binary.BigEndian.PutUint32(prefix[:], channelID)

	return &protocol.OpenStandardMiningChannelSuccess{
		RequestID:        req.RequestID,
		ChannelID:        channelID,
		Target:           target,
		ExtranoncePrefix: hex.EncodeToString(prefix[:]),
	}, nil
}
